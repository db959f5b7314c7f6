package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/smeird/PubObs/internal/store"
)

const defaultChunkSize = 1000

// Importer loads safe samples from CSV into a store in chunks.
type Importer struct {
	store     store.Store
	logger    *slog.Logger
	chunkSize int
}

// NewImporter creates an Importer writing to s.
func NewImporter(s store.Store, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{store: s, logger: logger, chunkSize: defaultChunkSize}
}

// Import reads r to the end and returns the number of samples saved.
// Samples already saved stay saved if a later chunk fails.
func (im *Importer) Import(ctx context.Context, r io.Reader) (int, error) {
	or := NewObservationReader(r)
	chunk := make([]store.Observation, 0, im.chunkSize)
	total, chunkNum := 0, 0

	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		chunkNum++
		if err := im.store.SaveObservations(ctx, chunk); err != nil {
			return fmt.Errorf("saving chunk %d: %w", chunkNum, err)
		}
		total += len(chunk)
		im.logger.Info("imported chunk",
			"chunk", chunkNum,
			"observations", len(chunk),
			"from", chunk[0].Timestamp,
			"to", chunk[len(chunk)-1].Timestamp,
		)
		chunk = chunk[:0]
		return nil
	}

	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		obs, err := or.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return total, err
		}
		chunk = append(chunk, obs)
		if len(chunk) == im.chunkSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := flush(); err != nil {
		return total, err
	}

	im.logger.Info("import complete", "observations", total)
	return total, nil
}
