// Package safehours turns the observatory's per-minute "safe" flag into
// safe observing hours per calendar day or month.
package safehours

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

const (
	defaultUnitsPerHour = 60
	defaultTailLookback = 24 * time.Hour
)

// Sample is a single time-series record of the safe flag.
type Sample struct {
	Timestamp time.Time
	Safe      bool
}

// Reader supplies the two read queries the aggregator needs.
type Reader interface {
	// SumByBucket returns summed safe units per bucket key over [start, end).
	SumByBucket(ctx context.Context, start, end time.Time, g Granularity) (map[string]float64, error)

	// LatestSampleAtOrBefore returns the newest sample in [notBefore, cutoff], or nil.
	LatestSampleAtOrBefore(ctx context.Context, cutoff, notBefore time.Time) (*Sample, error)
}

// Bucket is one calendar interval of the result. Hours is rounded to two
// decimals; ExactHours keeps the unrounded value. The API layer maps buckets
// to its own wire type.
type Bucket struct {
	Key        string
	Start      time.Time
	End        time.Time
	Hours      float64
	ExactHours float64
}

// Duration is the wall-clock length of the bucket.
func (b Bucket) Duration() time.Duration { return b.End.Sub(b.Start) }

// Result is the ordered bucket sequence for one aggregation call.
type Result struct {
	Granularity Granularity
	Buckets     []Bucket
	// TotalHours is the unrounded sum over all buckets.
	TotalHours float64
	// Truncated is set when the tail walk left the bucket set and stopped early.
	Truncated bool
	// Degraded is set by AggregateOrZero when the reader failed and buckets were zero-filled.
	Degraded bool
}

// Labels returns one chart label per bucket: the date for days, the short
// month name for months.
func (r *Result) Labels() []string {
	layout := "2006-01-02"
	if r.Granularity == Month {
		layout = "Jan"
	}
	labels := make([]string, len(r.Buckets))
	for i, b := range r.Buckets {
		labels[i] = b.Start.Format(layout)
	}
	return labels
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLocation sets the calendar used for bucket boundaries.
func WithLocation(loc *time.Location) Option {
	return func(a *Aggregator) {
		if loc != nil {
			a.loc = loc
		}
	}
}

// WithUnitsPerHour sets the divisor applied to summed safe values.
// 60 for a 0/1 flag sampled once per minute, 3600 for accumulated seconds.
func WithUnitsPerHour(n float64) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.unitsPerHour = n
		}
	}
}

// WithTailLookback sets how far before rangeStart the latest sample may lie
// and still open the tail.
func WithTailLookback(d time.Duration) Option {
	return func(a *Aggregator) {
		if d >= 0 {
			a.tailLookback = d
		}
	}
}

// Aggregator computes safe hours per bucket. It holds no per-call state and
// is safe for concurrent use.
type Aggregator struct {
	reader       Reader
	logger       *slog.Logger
	loc          *time.Location
	unitsPerHour float64
	tailLookback time.Duration
}

// NewAggregator creates an Aggregator reading from r.
func NewAggregator(r Reader, logger *slog.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{
		reader:       r,
		logger:       logger,
		loc:          time.UTC,
		unitsPerHour: defaultUnitsPerHour,
		tailLookback: defaultTailLookback,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Location returns the calendar location buckets are computed in.
func (a *Aggregator) Location() *time.Location { return a.loc }

// Aggregate returns safe hours per bucket for [rangeStart, rangeEnd).
// Samples are assumed not to exist beyond nowCutoff. Reader failures are
// returned as *ReaderError.
func (a *Aggregator) Aggregate(ctx context.Context, rangeStart, rangeEnd time.Time, g Granularity, nowCutoff time.Time) (*Result, error) {
	buckets, err := a.initBuckets(rangeStart, rangeEnd, g)
	if err != nil {
		return nil, err
	}
	index := make(map[string]int, len(buckets))
	for i, b := range buckets {
		index[b.Key] = i
	}

	cutoff := nowCutoff
	if rangeEnd.Before(cutoff) {
		cutoff = rangeEnd
	}

	res := &Result{Granularity: g, Buckets: buckets}
	if !cutoff.After(rangeStart) {
		// Range lies entirely in the future.
		a.finish(res)
		return res, nil
	}

	sums, err := a.reader.SumByBucket(ctx, rangeStart, cutoff, g)
	if err != nil {
		return nil, &ReaderError{Op: "summing safe units", Err: err}
	}
	for key, sum := range sums {
		if i, ok := index[key]; ok {
			buckets[i].ExactHours = sum / a.unitsPerHour
		}
	}

	// The open interval is judged against the true "now". A newer sample past
	// rangeEnd means the interval already closed and its minutes are in the sums.
	last, err := a.reader.LatestSampleAtOrBefore(ctx, nowCutoff, rangeStart.Add(-a.tailLookback))
	if err != nil {
		return nil, &ReaderError{Op: "reading latest sample", Err: err}
	}
	if last != nil && last.Safe && last.Timestamp.Before(cutoff) {
		res.Truncated = a.extendTail(buckets, index, g, last.Timestamp, rangeStart, cutoff)
		if res.Truncated {
			a.logger.Debug("safe tail left bucket range, truncated",
				"granularity", g.String(),
				"sample_at", last.Timestamp.Format(time.RFC3339),
			)
		}
	}

	a.finish(res)
	return res, nil
}

// AggregateOrZero behaves like Aggregate but turns reader failures into
// all-zero buckets with Degraded set, so a page always has something to
// render. ErrInvalidRange is still returned.
func (a *Aggregator) AggregateOrZero(ctx context.Context, rangeStart, rangeEnd time.Time, g Granularity, nowCutoff time.Time) (*Result, error) {
	res, err := a.Aggregate(ctx, rangeStart, rangeEnd, g, nowCutoff)
	if err == nil {
		return res, nil
	}
	var re *ReaderError
	if !errors.As(err, &re) {
		return nil, err
	}

	a.logger.Warn("safe hours unavailable, returning zero buckets",
		"granularity", g.String(),
		"start", rangeStart.Format(time.RFC3339),
		"end", rangeEnd.Format(time.RFC3339),
		"error", err,
	)
	buckets, berr := a.initBuckets(rangeStart, rangeEnd, g)
	if berr != nil {
		return nil, berr
	}
	return &Result{Granularity: g, Buckets: buckets, Degraded: true}, nil
}

func (a *Aggregator) initBuckets(rangeStart, rangeEnd time.Time, g Granularity) ([]Bucket, error) {
	if !g.valid() {
		return nil, fmt.Errorf("%w: unsupported granularity %s", ErrInvalidRange, g)
	}
	if !rangeEnd.After(rangeStart) {
		return nil, fmt.Errorf("%w: end %s is not after start %s",
			ErrInvalidRange, rangeEnd.Format(time.RFC3339), rangeStart.Format(time.RFC3339))
	}

	var buckets []Bucket
	for start := g.Floor(rangeStart, a.loc); start.Before(rangeEnd); {
		if len(buckets) == g.maxBuckets() {
			return nil, fmt.Errorf("%w: range spans more than %d %s buckets", ErrInvalidRange, g.maxBuckets(), g)
		}
		end := g.Next(start, a.loc)
		buckets = append(buckets, Bucket{
			Key:   g.Key(start, a.loc),
			Start: start,
			End:   end,
		})
		start = end
	}
	return buckets, nil
}

// extendTail spreads [max(from, rangeStart), cutoff) over the buckets it
// spans. It reports whether the walk stopped on a key outside the set.
func (a *Aggregator) extendTail(buckets []Bucket, index map[string]int, g Granularity, from, rangeStart, cutoff time.Time) bool {
	segStart := from
	if segStart.Before(rangeStart) {
		segStart = rangeStart
	}

	for n := 0; segStart.Before(cutoff) && n <= len(buckets); n++ {
		i, ok := index[g.Key(segStart, a.loc)]
		if !ok {
			return true
		}
		boundary := buckets[i].End
		if cutoff.Before(boundary) {
			boundary = cutoff
		}
		buckets[i].ExactHours += boundary.Sub(segStart).Hours()
		segStart = boundary
	}
	return false
}

func (a *Aggregator) finish(res *Result) {
	res.TotalHours = 0
	for i := range res.Buckets {
		b := &res.Buckets[i]
		if limit := b.Duration().Hours(); b.ExactHours > limit {
			b.ExactHours = limit
		}
		if b.ExactHours < 0 {
			b.ExactHours = 0
		}
		b.Hours = roundHours(b.ExactHours)
		res.TotalHours += b.ExactHours
	}
}

func roundHours(h float64) float64 {
	return math.Round(h*100) / 100
}
