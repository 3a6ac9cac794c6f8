// Package importer loads catalogs and interaction histories from
// newline-delimited JSON into a tenant.
//
// Each non-blank line holds one types.Entity or types.Interaction. Lines are
// grouped into batches and handed to the backend's batch operations, so one
// bad line fails at most its own batch (entities) or its own row
// (interactions).
package importer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/scrypster/reco/internal/features"
	"github.com/scrypster/reco/internal/storage"
	"github.com/scrypster/reco/pkg/types"
)

const (
	// DefaultBatchSize is the number of lines sent per batch.
	DefaultBatchSize = 500

	// maxLineBytes bounds one NDJSON line; vectors make lines long.
	maxLineBytes = 8 << 20
)

// EntitySink receives entity batches.
type EntitySink interface {
	BatchInsertEntities(ctx context.Context, tenantID string, entities []types.Entity) (storage.BatchResult, error)
}

// InteractionSink receives interaction batches.
type InteractionSink interface {
	BulkImportInteractions(ctx context.Context, tenantID string, interactions []types.Interaction) (storage.BatchResult, error)
}

// Summary aggregates the outcome of one import.
type Summary struct {
	Lines     int           `json:"lines"`
	Batches   int           `json:"batches"`
	Succeeded int           `json:"succeeded"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Errors    []string      `json:"errors,omitempty"`
	Duration  time.Duration `json:"duration"`
}

const maxSummaryErrors = 100

func (s *Summary) add(r storage.BatchResult) {
	s.Succeeded += r.Succeeded
	s.Skipped += r.Skipped
	s.Failed += r.Failed
	for _, e := range r.Errors {
		s.addError(e)
	}
}

func (s *Summary) addError(msg string) {
	if len(s.Errors) < maxSummaryErrors {
		s.Errors = append(s.Errors, msg)
	}
}

// Importer streams NDJSON into the entity and interaction sinks.
type Importer struct {
	entities     EntitySink
	interactions InteractionSink
	extractor    features.Extractor
	batchSize    int
	logger       zerolog.Logger
}

// New creates an Importer. Either sink may be nil when only the other kind
// of import is used. A non-nil extractor derives vectors for imported
// entities that carry attributes but no feature_vector.
func New(entities EntitySink, interactions InteractionSink, extractor features.Extractor, batchSize int, logger zerolog.Logger) *Importer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Importer{
		entities:     entities,
		interactions: interactions,
		extractor:    extractor,
		batchSize:    batchSize,
		logger:       logger.With().Str("component", "importer").Logger(),
	}
}

// ImportEntities inserts the entities read from r into tenantID. A batch
// rejected for its content (invalid row, duplicate key) is counted and the
// import continues; a backend failure aborts it.
func (im *Importer) ImportEntities(ctx context.Context, tenantID string, r io.Reader) (Summary, error) {
	if im.entities == nil {
		return Summary{}, errors.New("importer: no entity sink configured")
	}
	return run(ctx, im, r, func(batch []types.Entity) (storage.BatchResult, error) {
		for i := range batch {
			if _, err := features.Fill(im.extractor, &batch[i]); err != nil {
				return storage.RowFailure(len(batch), batch[i].EntityID, err), fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
			}
		}
		return im.entities.BatchInsertEntities(ctx, tenantID, batch)
	}, "entities", tenantID)
}

// ImportInteractions records the interactions read from r into tenantID.
// Rows without a timestamp are stamped at write time; duplicates inside the
// dedup window are skipped.
func (im *Importer) ImportInteractions(ctx context.Context, tenantID string, r io.Reader) (Summary, error) {
	if im.interactions == nil {
		return Summary{}, errors.New("importer: no interaction sink configured")
	}
	return run(ctx, im, r, func(batch []types.Interaction) (storage.BatchResult, error) {
		return im.interactions.BulkImportInteractions(ctx, tenantID, batch)
	}, "interactions", tenantID)
}

func run[T any](ctx context.Context, im *Importer, r io.Reader, flush func([]T) (storage.BatchResult, error), kind, tenantID string) (Summary, error) {
	started := time.Now()
	var sum Summary
	if err := storage.ValidateTenant(tenantID); err != nil {
		return sum, err
	}

	send := func(batch []T) error {
		if len(batch) == 0 {
			return nil
		}
		sum.Batches++
		res, err := flush(batch)
		sum.add(res)
		if err != nil && !isDataError(err) {
			return err
		}
		if err != nil && res.Failed == 0 {
			// The sink rejected the batch without reporting rows.
			sum.Failed += len(batch)
			sum.addError(err.Error())
		}
		return nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	batch := make([]T, 0, im.batchSize)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		sum.Lines++

		var row T
		if err := json.Unmarshal(raw, &row); err != nil {
			sum.Failed++
			sum.addError(fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		batch = append(batch, row)
		if len(batch) == im.batchSize {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			if err := send(batch); err != nil {
				return sum, fmt.Errorf("import %s batch %d: %w", kind, sum.Batches, err)
			}
			batch = make([]T, 0, im.batchSize)
		}
	}
	if err := scanner.Err(); err != nil {
		return sum, fmt.Errorf("read %s: %w", kind, err)
	}
	if err := send(batch); err != nil {
		return sum, fmt.Errorf("import %s batch %d: %w", kind, sum.Batches, err)
	}

	sum.Duration = time.Since(started)
	im.logger.Info().
		Str("tenant_id", tenantID).
		Str("kind", kind).
		Int("lines", sum.Lines).
		Int("succeeded", sum.Succeeded).
		Int("skipped", sum.Skipped).
		Int("failed", sum.Failed).
		Dur("duration", sum.Duration).
		Msg("import completed")
	return sum, nil
}

// isDataError reports whether err rejects the batch content rather than
// signalling a backend failure.
func isDataError(err error) bool {
	return errors.Is(err, storage.ErrInvalidInput) ||
		errors.Is(err, storage.ErrInvalidVector) ||
		errors.Is(err, storage.ErrConflict) ||
		errors.Is(err, storage.ErrNotFound)
}
