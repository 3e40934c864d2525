package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/weblog-dwh/internal/etl"
)

// Warehouse is an in-memory etl.Warehouse for development and tests. Unique
// natural keys and surrogate keys are enforced the same way the SQL stores
// enforce them with constraints.
type Warehouse struct {
	mu sync.RWMutex

	staging    []etl.StagingRecord
	rejections []etl.RejectionRecord

	times       map[int64]etl.TimeDimension
	timeByKey   map[string]int64
	urls        map[int64]etl.URLDimension
	urlByKey    map[string]int64
	statuses    map[int64]etl.StatusDimension
	statusByKey map[int]int64

	facts    []etl.FactRequest
	factByID map[int64]struct{}

	incomplete bool
}

// NewWarehouse opens an empty in-memory warehouse.
func NewWarehouse() *Warehouse {
	w := &Warehouse{}
	w.reset()
	return w
}

// Reset discards every table and marks the warehouse incomplete.
func (w *Warehouse) Reset(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reset()
	w.incomplete = true
	return nil
}

// MarkComplete records that the current contents are a finished run.
func (w *Warehouse) MarkComplete(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.incomplete = false
	return nil
}

// Complete reports whether the last Reset was followed by MarkComplete.
func (w *Warehouse) Complete(_ context.Context) (bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return !w.incomplete, nil
}

func (w *Warehouse) reset() {
	w.staging = nil
	w.rejections = nil
	w.times = make(map[int64]etl.TimeDimension)
	w.timeByKey = make(map[string]int64)
	w.urls = make(map[int64]etl.URLDimension)
	w.urlByKey = make(map[string]int64)
	w.statuses = make(map[int64]etl.StatusDimension)
	w.statusByKey = make(map[int]int64)
	w.facts = nil
	w.factByID = make(map[int64]struct{})
}

// Close is a no-op for the in-memory warehouse.
func (w *Warehouse) Close() error { return nil }

// InsertStaging appends staging rows.
func (w *Warehouse) InsertStaging(_ context.Context, records []etl.StagingRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.staging = append(w.staging, records...)
	return nil
}

// StagingRecords returns staging rows ordered by row ID.
func (w *Warehouse) StagingRecords(_ context.Context) ([]etl.StagingRecord, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := append([]etl.StagingRecord(nil), w.staging...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].RowID < out[j].RowID })
	return out, nil
}

// InsertRejection appends a rejection.
func (w *Warehouse) InsertRejection(_ context.Context, rejection etl.RejectionRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rejections = append(w.rejections, rejection)
	return nil
}

// Rejections returns rejections in insertion order.
func (w *Warehouse) Rejections(_ context.Context) ([]etl.RejectionRecord, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]etl.RejectionRecord(nil), w.rejections...), nil
}

// LookupTime finds a time dimension by raw timestamp.
func (w *Warehouse) LookupTime(_ context.Context, timestamp string) (int64, bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	id, ok := w.timeByKey[timestamp]
	return id, ok, nil
}

// InsertTime adds a time dimension row.
func (w *Warehouse) InsertTime(_ context.Context, dim etl.TimeDimension) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.timeByKey[dim.Timestamp]; ok {
		return fmt.Errorf("time %q: %w", dim.Timestamp, etl.ErrDuplicateKey)
	}
	if _, ok := w.times[dim.TimeID]; ok {
		return fmt.Errorf("time_id %d: %w", dim.TimeID, etl.ErrDuplicateKey)
	}
	w.times[dim.TimeID] = dim
	w.timeByKey[dim.Timestamp] = dim.TimeID
	return nil
}

// LookupURL finds a URL dimension by full URL.
func (w *Warehouse) LookupURL(_ context.Context, rawURL string) (int64, bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	id, ok := w.urlByKey[rawURL]
	return id, ok, nil
}

// InsertURL adds a URL dimension row.
func (w *Warehouse) InsertURL(_ context.Context, dim etl.URLDimension) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.urlByKey[dim.URL]; ok {
		return fmt.Errorf("url %q: %w", dim.URL, etl.ErrDuplicateKey)
	}
	if _, ok := w.urls[dim.URLID]; ok {
		return fmt.Errorf("url_id %d: %w", dim.URLID, etl.ErrDuplicateKey)
	}
	w.urls[dim.URLID] = dim
	w.urlByKey[dim.URL] = dim.URLID
	return nil
}

// LookupStatus finds a status dimension by status code.
func (w *Warehouse) LookupStatus(_ context.Context, code int) (int64, bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	id, ok := w.statusByKey[code]
	return id, ok, nil
}

// InsertStatus adds a status dimension row.
func (w *Warehouse) InsertStatus(_ context.Context, dim etl.StatusDimension) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.statusByKey[dim.StatusCode]; ok {
		return fmt.Errorf("status %d: %w", dim.StatusCode, etl.ErrDuplicateKey)
	}
	if _, ok := w.statuses[dim.StatusID]; ok {
		return fmt.Errorf("status_id %d: %w", dim.StatusID, etl.ErrDuplicateKey)
	}
	w.statuses[dim.StatusID] = dim
	w.statusByKey[dim.StatusCode] = dim.StatusID
	return nil
}

// InsertFact appends a fact row.
func (w *Warehouse) InsertFact(_ context.Context, fact etl.FactRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.factByID[fact.RequestID]; ok {
		return fmt.Errorf("request_id %d: %w", fact.RequestID, etl.ErrDuplicateKey)
	}
	w.facts = append(w.facts, fact)
	w.factByID[fact.RequestID] = struct{}{}
	return nil
}

// Facts returns fact rows ordered by request ID.
func (w *Warehouse) Facts(_ context.Context) ([]etl.FactRequest, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := append([]etl.FactRequest(nil), w.facts...)
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out, nil
}

// TimeDimensions returns time rows ordered by ID.
func (w *Warehouse) TimeDimensions(_ context.Context) ([]etl.TimeDimension, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]etl.TimeDimension, 0, len(w.times))
	for _, d := range w.times {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeID < out[j].TimeID })
	return out, nil
}

// URLDimensions returns URL rows ordered by ID.
func (w *Warehouse) URLDimensions(_ context.Context) ([]etl.URLDimension, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]etl.URLDimension, 0, len(w.urls))
	for _, d := range w.urls {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URLID < out[j].URLID })
	return out, nil
}

// StatusDimensions returns status rows ordered by ID.
func (w *Warehouse) StatusDimensions(_ context.Context) ([]etl.StatusDimension, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]etl.StatusDimension, 0, len(w.statuses))
	for _, d := range w.statuses {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StatusID < out[j].StatusID })
	return out, nil
}
