// Package export converts readings to CSV and loads safe samples from CSV.
package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/smeird/PubObs/internal/store"
)

// ReadingsHeader is the first CSV row written by WriteReadings.
var ReadingsHeader = []string{"timestamp", "value"}

// WriteReadings writes readings oldest first as timestamp,value rows.
// Timestamps are RFC3339 in loc.
func WriteReadings(w io.Writer, readings []store.Reading, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}
	sorted := make([]store.Reading, len(readings))
	copy(sorted, readings)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	cw := csv.NewWriter(w)
	if err := cw.Write(ReadingsHeader); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for _, r := range sorted {
		row := []string{
			r.Timestamp.In(loc).Format(time.RFC3339),
			strconv.FormatFloat(r.Value, 'f', -1, 64),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ErrBadRow marks a CSV row that could not be parsed.
var ErrBadRow = errors.New("bad csv row")

// ObservationReader decodes timestamp,safe rows. A header row is skipped
// when its first field is not a timestamp.
type ObservationReader struct {
	r    *csv.Reader
	line int
}

// NewObservationReader wraps r.
func NewObservationReader(r io.Reader) *ObservationReader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 2
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true
	return &ObservationReader{r: cr}
}

// Next returns the next observation, or io.EOF when the input is exhausted.
func (o *ObservationReader) Next() (store.Observation, error) {
	for {
		rec, err := o.r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return store.Observation{}, io.EOF
			}
			return store.Observation{}, fmt.Errorf("%w: %v", ErrBadRow, err)
		}
		o.line++

		ts, err := parseTimestamp(rec[0])
		if err != nil {
			if o.line == 1 {
				continue // header
			}
			return store.Observation{}, fmt.Errorf("%w: line %d: %v", ErrBadRow, o.line, err)
		}
		safe, err := parseSafe(rec[1])
		if err != nil {
			return store.Observation{}, fmt.Errorf("%w: line %d: %v", ErrBadRow, o.line, err)
		}
		return store.Observation{Timestamp: ts, Safe: safe}, nil
	}
}

// ReadObservations decodes every row of r.
func ReadObservations(r io.Reader) ([]store.Observation, error) {
	or := NewObservationReader(r)
	var out []store.Observation
	for {
		obs, err := or.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, obs)
	}
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, time.DateTime} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp %q", s)
}

func parseSafe(s string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "safe":
		return 1, nil
	case "0", "false", "unsafe":
		return 0, nil
	}
	return 0, fmt.Errorf("safe must be 0 or 1, got %q", s)
}
