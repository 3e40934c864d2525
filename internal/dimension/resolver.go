// Package dimension resolves surrogate keys for the time, URL and status
// dimensions with get-or-create semantics.
package dimension

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/weblog-dwh/internal/etl"
	"github.com/JakeFAU/weblog-dwh/internal/id/sequence"
)

// Stats counts how each resolution was satisfied.
type Stats struct {
	CacheHits int `json:"cache_hits"`
	StoreHits int `json:"store_hits"`
	Inserts   int `json:"inserts"`
}

// Resolver maps natural keys to surrogate keys. Each natural key is looked up
// in an in-memory cache first, then in the store, and is inserted under a new
// run-scoped key only when both miss. A Resolver is scoped to a single run and
// is not safe for concurrent use.
type Resolver struct {
	store  etl.DimensionStore
	logger *zap.Logger

	times    map[string]int64
	urls     map[string]int64
	statuses map[int]int64

	timeSeq   *sequence.Counter
	urlSeq    *sequence.Counter
	statusSeq *sequence.Counter

	stats Stats
}

// NewResolver constructs a Resolver backed by store.
func NewResolver(store etl.DimensionStore, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:     store,
		logger:    logger.Named("dimension"),
		times:     make(map[string]int64),
		urls:      make(map[string]int64),
		statuses:  make(map[int]int64),
		timeSeq:   sequence.New(),
		urlSeq:    sequence.New(),
		statusSeq: sequence.New(),
	}
}

// Resolve returns the record with its three dimension keys. Rows inserted
// before a later resolution fails are left in place.
func (r *Resolver) Resolve(ctx context.Context, rec etl.ValidRecord) (etl.ResolvedRecord, error) {
	timeID, err := r.ResolveTime(ctx, rec.Timestamp)
	if err != nil {
		return etl.ResolvedRecord{}, fmt.Errorf("resolve time: %w", err)
	}
	urlID, err := r.ResolveURL(ctx, rec.URL)
	if err != nil {
		return etl.ResolvedRecord{}, fmt.Errorf("resolve url: %w", err)
	}
	statusID, err := r.ResolveStatus(ctx, rec.StatusCode)
	if err != nil {
		return etl.ResolvedRecord{}, fmt.Errorf("resolve status: %w", err)
	}
	return etl.ResolvedRecord{
		ValidRecord: rec,
		Keys:        etl.DimensionKeys{TimeID: timeID, URLID: urlID, StatusID: statusID},
	}, nil
}

// ResolveTime returns the time_id for a raw timestamp.
func (r *Resolver) ResolveTime(ctx context.Context, timestamp string) (int64, error) {
	return getOrCreate(ctx, r, r.times, r.timeSeq, timestamp, r.store.LookupTime,
		func(ctx context.Context, id int64) error {
			row, err := TimeRow(timestamp)
			if err != nil {
				return err
			}
			row.TimeID = id
			return r.store.InsertTime(ctx, row)
		})
}

// ResolveURL returns the url_id for a full URL.
func (r *Resolver) ResolveURL(ctx context.Context, rawURL string) (int64, error) {
	return getOrCreate(ctx, r, r.urls, r.urlSeq, rawURL, r.store.LookupURL,
		func(ctx context.Context, id int64) error {
			row, err := URLRow(rawURL)
			if err != nil {
				return err
			}
			row.URLID = id
			return r.store.InsertURL(ctx, row)
		})
}

// ResolveStatus returns the status_id for a status code.
func (r *Resolver) ResolveStatus(ctx context.Context, code int) (int64, error) {
	return getOrCreate(ctx, r, r.statuses, r.statusSeq, code, r.store.LookupStatus,
		func(ctx context.Context, id int64) error {
			row, err := StatusRow(code)
			if err != nil {
				return err
			}
			row.StatusID = id
			return r.store.InsertStatus(ctx, row)
		})
}

// Stats reports cache and store activity so far.
func (r *Resolver) Stats() Stats {
	return r.stats
}

// Counts reports how many distinct natural keys were resolved per dimension.
func (r *Resolver) Counts() etl.DimensionCounts {
	return etl.DimensionCounts{Time: len(r.times), URL: len(r.urls), Status: len(r.statuses)}
}

func getOrCreate[K comparable](
	ctx context.Context,
	r *Resolver,
	cache map[K]int64,
	seq *sequence.Counter,
	key K,
	lookup func(context.Context, K) (int64, bool, error),
	insert func(ctx context.Context, id int64) error,
) (int64, error) {
	if id, ok := cache[key]; ok {
		r.stats.CacheHits++
		return id, nil
	}
	id, found, err := lookup(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("lookup %v: %w", key, err)
	}
	if found {
		seq.AtLeast(id)
		cache[key] = id
		r.stats.StoreHits++
		return id, nil
	}
	// Keys are only consumed once the row derivation succeeds so a rejected
	// value does not leave a gap behind.
	id = seq.Last() + 1
	if err := insert(ctx, id); err != nil {
		return 0, fmt.Errorf("insert %v: %w", key, err)
	}
	seq.AtLeast(id)
	cache[key] = id
	r.stats.Inserts++
	r.logger.Debug("dimension row created", zap.Any("natural_key", key), zap.Int64("id", id))
	return id, nil
}
