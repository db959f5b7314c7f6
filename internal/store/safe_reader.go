package store

import (
	"context"
	"time"

	"github.com/smeird/PubObs/internal/safehours"
)

// SafeReader adapts a Store to safehours.Reader. Sums are grouped by UTC hour
// in SQL and folded into calendar buckets of loc here, which keeps one query
// shape for both dialects and any whole-hour UTC offset.
type SafeReader struct {
	store Store
	loc   *time.Location
}

// NewSafeReader returns a reader bucketing in loc (UTC when nil).
func NewSafeReader(s Store, loc *time.Location) *SafeReader {
	if loc == nil {
		loc = time.UTC
	}
	return &SafeReader{store: s, loc: loc}
}

// SumByBucket implements safehours.Reader.
func (r *SafeReader) SumByBucket(ctx context.Context, start, end time.Time, g safehours.Granularity) (map[string]float64, error) {
	hours, err := r.store.SumSafeByHour(ctx, start, end)
	if err != nil {
		return nil, err
	}
	sums := make(map[string]float64)
	for _, h := range hours {
		sums[g.Key(h.Hour, r.loc)] += h.Sum
	}
	return sums, nil
}

// LatestSampleAtOrBefore implements safehours.Reader.
func (r *SafeReader) LatestSampleAtOrBefore(ctx context.Context, cutoff, notBefore time.Time) (*safehours.Sample, error) {
	obs, err := r.store.LatestObservation(ctx, notBefore, cutoff)
	if err != nil || obs == nil {
		return nil, err
	}
	return &safehours.Sample{Timestamp: obs.Timestamp, Safe: obs.Safe == 1}, nil
}
