package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed pgmigrations/*.sql
var pgMigrations embed.FS

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a PostgreSQL connection and runs migrations.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	goose.SetBaseFS(pgMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "pgmigrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// DB returns the underlying database connection for migration commands.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) SaveObservation(ctx context.Context, obs *Observation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO observations (timestamp, safe) VALUES ($1, $2)
		ON CONFLICT(timestamp) DO UPDATE SET safe=EXCLUDED.safe`,
		obs.Timestamp.UTC().Truncate(time.Second), obs.Safe)
	if err != nil {
		return fmt.Errorf("saving observation: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveObservations(ctx context.Context, obs []Observation) error {
	for i := 0; i < len(obs); i += batchSize {
		end := min(i+batchSize, len(obs))
		if err := s.saveBatch(ctx, obs[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) saveBatch(ctx context.Context, obs []Observation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO observations (timestamp, safe) VALUES ($1, $2)
		ON CONFLICT(timestamp) DO UPDATE SET safe=EXCLUDED.safe`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	for _, o := range obs {
		if _, err := stmt.ExecContext(ctx, o.Timestamp.UTC().Truncate(time.Second), o.Safe); err != nil {
			return fmt.Errorf("inserting observation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) SumSafeByHour(ctx context.Context, start, end time.Time) ([]HourlySum, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date_trunc('hour', timestamp AT TIME ZONE 'UTC') AS hour, COALESCE(SUM(safe), 0)
		FROM observations
		WHERE timestamp >= $1 AND timestamp < $2
		GROUP BY 1
		ORDER BY 1`, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("summing safe minutes: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	return scanHourlySums(rows)
}

func (s *PostgresStore) LatestObservation(ctx context.Context, from, cutoff time.Time) (*Observation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT timestamp, safe
		FROM observations
		WHERE timestamp >= $1 AND timestamp <= $2
		ORDER BY timestamp DESC
		LIMIT 1`, from.UTC(), cutoff.UTC())

	obs, err := scanObservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting latest observation: %w", err)
	}
	return obs, nil
}

func (s *PostgresStore) GetDataRange(ctx context.Context) (oldest, newest time.Time, err error) {
	var minT, maxT *time.Time
	err = s.db.QueryRowContext(ctx, `
		SELECT MIN(timestamp), MAX(timestamp)
		FROM observations`).Scan(&minT, &maxT)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("querying data range: %w", err)
	}
	if minT == nil || maxT == nil {
		return time.Time{}, time.Time{}, nil
	}
	return minT.UTC(), maxT.UTC(), nil
}

func (s *PostgresStore) GetObservationCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observations`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting observations: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) SaveReading(ctx context.Context, r *Reading) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sensor_readings (topic, timestamp, value) VALUES ($1, $2, $3)`,
		r.Topic, r.Timestamp.UTC().Truncate(time.Second), r.Value)
	if err != nil {
		return fmt.Errorf("saving reading: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReadings(ctx context.Context, topic string, start, end time.Time, limit int) ([]Reading, error) {
	var startArg, endArg any
	if !start.IsZero() {
		startArg = start.UTC()
	}
	if !end.IsZero() {
		endArg = end.UTC()
	}
	query, args := buildReadingsQuery(topic, startArg, endArg, limit, "postgres")
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying readings: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	return scanReadings(rows)
}

func (s *PostgresStore) GetSetting(ctx context.Context, name string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM site_settings WHERE name = $1`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting setting %q: %w", name, err)
	}
	return value, true, nil
}

func (s *PostgresStore) SaveSetting(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO site_settings (name, value) VALUES ($1, $2)
		ON CONFLICT(name) DO UPDATE SET value=EXCLUDED.value`, name, value)
	if err != nil {
		return fmt.Errorf("saving setting %q: %w", name, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
