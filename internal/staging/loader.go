// Package staging parses the raw six-column access-log CSV and bulk-loads it,
// unmodified, into the warehouse staging area.
package staging

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/weblog-dwh/internal/etl"
)

// Raw input column names, as written by the log producers.
const (
	ColTime     = "time"
	ColMethod   = "method"
	ColURL      = "url"
	ColStatus   = "status"
	ColMimeType = "mimeType"
	ColWaitMS   = "wait_ms"
)

// Columns is the required header set in canonical order.
var Columns = []string{ColTime, ColMethod, ColURL, ColStatus, ColMimeType, ColWaitMS}

const utf8BOM = "\ufeff"

// Parse reads every record from r. Row IDs follow input order starting at 1.
// Any structural problem (missing or unexpected header names, wrong column
// count, malformed quoting) fails the whole parse with etl.ErrStructural.
func Parse(r io.Reader) ([]etl.StagingRecord, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = false

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: missing header", etl.ErrStructural)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read header: %w", etl.ErrStructural, err)
	}
	index, err := headerIndex(header)
	if err != nil {
		return nil, err
	}

	var records []etl.StagingRecord
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", etl.ErrStructural, err)
		}
		records = append(records, etl.StagingRecord{
			RowID:    int64(len(records) + 1),
			Time:     row[index[ColTime]],
			Method:   row[index[ColMethod]],
			URL:      row[index[ColURL]],
			Status:   row[index[ColStatus]],
			MimeType: row[index[ColMimeType]],
			WaitMS:   row[index[ColWaitMS]],
		})
	}
	return records, nil
}

func headerIndex(header []string) (map[string]int, error) {
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], utf8BOM)
	}
	if len(header) != len(Columns) {
		return nil, fmt.Errorf("%w: header has %d columns, want %d: %v",
			etl.ErrStructural, len(header), len(Columns), header)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.TrimSpace(h)
		if name == "" {
			return nil, fmt.Errorf("%w: header contains empty name at %d: %v", etl.ErrStructural, i, header)
		}
		if pos, exists := index[name]; exists {
			return nil, fmt.Errorf("%w: %s appeared at both %d and %d in header", etl.ErrStructural, name, pos, i)
		}
		index[name] = i
	}
	for _, col := range Columns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("%w: header missing column %q: %v", etl.ErrStructural, col, header)
		}
	}
	return index, nil
}

// Loader writes parsed records into the staging area.
type Loader struct {
	store  etl.StagingStore
	logger *zap.Logger
}

// NewLoader constructs a Loader over the given staging store.
func NewLoader(store etl.StagingStore, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{store: store, logger: logger.Named("staging")}
}

// Load bulk-inserts records verbatim. The staging area is expected to have
// been reset by the caller.
func (l *Loader) Load(ctx context.Context, records []etl.StagingRecord) error {
	if err := l.store.InsertStaging(ctx, records); err != nil {
		return fmt.Errorf("insert staging rows: %w", err)
	}
	l.logger.Info("staging loaded", zap.Int("rows", len(records)))
	return nil
}
