package safehours

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRange is returned when rangeEnd <= rangeStart or the granularity is unsupported.
	ErrInvalidRange = errors.New("invalid range")

	// ErrReaderUnavailable matches any *ReaderError.
	ErrReaderUnavailable = errors.New("time series reader unavailable")
)

// ReaderError wraps a failure of the backing time-series reader.
type ReaderError struct {
	Op  string
	Err error
}

func (e *ReaderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ReaderError) Unwrap() error { return e.Err }

// Is reports true for ErrReaderUnavailable so callers can test the kind without the type.
func (e *ReaderError) Is(target error) bool {
	return target == ErrReaderUnavailable
}
