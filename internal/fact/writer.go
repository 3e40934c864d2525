// Package fact appends one fact row per resolved access-log record.
package fact

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/weblog-dwh/internal/etl"
	"github.com/JakeFAU/weblog-dwh/internal/id/sequence"
)

// Writer assigns request IDs in call order and persists fact rows. It is
// scoped to a single run.
type Writer struct {
	store  etl.FactStore
	seq    *sequence.Counter
	logger *zap.Logger
}

// NewWriter constructs a Writer whose first request ID is 1.
func NewWriter(store etl.FactStore, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		store:  store,
		seq:    sequence.New(),
		logger: logger.Named("fact"),
	}
}

// Write persists one fact for rec. The request ID is only consumed when the
// insert succeeds so accepted rows never leave gaps.
func (w *Writer) Write(ctx context.Context, rec etl.ResolvedRecord) (etl.FactRequest, error) {
	fact := etl.FactRequest{
		RequestID: w.seq.Last() + 1,
		TimeID:    rec.Keys.TimeID,
		URLID:     rec.Keys.URLID,
		StatusID:  rec.Keys.StatusID,
		Method:    rec.Method,
		MimeType:  rec.MimeType,
		WaitMS:    rec.WaitMS,
	}
	if err := w.store.InsertFact(ctx, fact); err != nil {
		return etl.FactRequest{}, fmt.Errorf("insert fact for row %d: %w", rec.StagingRowID, err)
	}
	w.seq.AtLeast(fact.RequestID)
	return fact, nil
}

// WriteAll writes facts for records in order and stops at the first failure.
func (w *Writer) WriteAll(ctx context.Context, records []etl.ResolvedRecord) ([]etl.FactRequest, error) {
	facts := make([]etl.FactRequest, 0, len(records))
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return facts, err
		}
		f, err := w.Write(ctx, rec)
		if err != nil {
			return facts, err
		}
		facts = append(facts, f)
	}
	w.logger.Info("facts written", zap.Int("count", len(facts)))
	return facts, nil
}

// Written reports how many facts this writer has persisted.
func (w *Writer) Written() int64 {
	return w.seq.Last()
}
