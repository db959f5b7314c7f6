package store

import (
	"context"
	"time"
)

// Store defines the interface for observatory telemetry storage.
// Both SQLite and PostgreSQL implementations satisfy this interface.
type Store interface {
	// SaveObservation stores a single safe sample. Upserts on timestamp.
	SaveObservation(ctx context.Context, obs *Observation) error

	// SaveObservations stores multiple samples, one transaction per batch.
	SaveObservations(ctx context.Context, obs []Observation) error

	// SumSafeByHour returns SUM(safe) per UTC hour for timestamps in [start, end), oldest first.
	SumSafeByHour(ctx context.Context, start, end time.Time) ([]HourlySum, error)

	// LatestObservation returns the newest sample in [from, cutoff], or nil if there is none.
	LatestObservation(ctx context.Context, from, cutoff time.Time) (*Observation, error)

	// GetDataRange returns the oldest and newest sample timestamps.
	GetDataRange(ctx context.Context) (oldest, newest time.Time, err error)

	// GetObservationCount returns the total number of stored samples.
	GetObservationCount(ctx context.Context) (int, error)

	// SaveReading stores one MQTT sensor reading.
	SaveReading(ctx context.Context, r *Reading) error

	// GetReadings returns readings for a topic in [start, end), newest first.
	// A zero start or end leaves that side open; limit <= 0 means no limit.
	GetReadings(ctx context.Context, topic string, start, end time.Time, limit int) ([]Reading, error)

	// GetSetting returns a site setting; ok is false when it has never been saved.
	GetSetting(ctx context.Context, name string) (value string, ok bool, err error)

	// SaveSetting creates or replaces a site setting.
	SaveSetting(ctx context.Context, name, value string) error

	// Close closes the database connection.
	Close() error
}

// Observation is one row of the safe-flag time series, normally one per minute.
type Observation struct {
	Timestamp time.Time
	Safe      int
}

// HourlySum is SUM(safe) for the UTC hour starting at Hour.
type HourlySum struct {
	Hour time.Time
	Sum  float64
}

// Reading is a numeric value received on a configured MQTT topic.
type Reading struct {
	Topic     string
	Timestamp time.Time
	Value     float64
}
