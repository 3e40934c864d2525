package etl

import (
	"context"
	"io"
	"time"
)

// StagingStore holds the raw, untransformed input rows.
type StagingStore interface {
	InsertStaging(ctx context.Context, records []StagingRecord) error
	StagingRecords(ctx context.Context) ([]StagingRecord, error)
}

// RejectionStore records rows that failed validation or resolution.
type RejectionStore interface {
	InsertRejection(ctx context.Context, rejection RejectionRecord) error
	Rejections(ctx context.Context) ([]RejectionRecord, error)
}

// DimensionStore supports lookup-by-natural-key and insert for the three
// dimensions. Lookups report found=false for absent keys rather than an error.
type DimensionStore interface {
	LookupTime(ctx context.Context, timestamp string) (id int64, found bool, err error)
	InsertTime(ctx context.Context, dim TimeDimension) error
	LookupURL(ctx context.Context, rawURL string) (id int64, found bool, err error)
	InsertURL(ctx context.Context, dim URLDimension) error
	LookupStatus(ctx context.Context, code int) (id int64, found bool, err error)
	InsertStatus(ctx context.Context, dim StatusDimension) error
}

// FactStore appends fact rows.
type FactStore interface {
	InsertFact(ctx context.Context, fact FactRequest) error
}

// WarehouseReader exposes the fact and dimension tables for export.
// Facts are returned ordered by request ID ascending.
type WarehouseReader interface {
	Facts(ctx context.Context) ([]FactRequest, error)
	TimeDimensions(ctx context.Context) ([]TimeDimension, error)
	URLDimensions(ctx context.Context) ([]URLDimension, error)
	StatusDimensions(ctx context.Context) ([]StatusDimension, error)
}

// RunStateStore records whether the warehouse holds a finished run. Reset
// clears the mark; only a successful run sets it again. A warehouse that was
// never reset reports complete.
type RunStateStore interface {
	MarkComplete(ctx context.Context) error
	Complete(ctx context.Context) (bool, error)
}

// Warehouse is the per-run warehouse context. Constructors open it, Reset
// drops and recreates every table, and Close releases its resources.
type Warehouse interface {
	StagingStore
	RejectionStore
	DimensionStore
	FactStore
	WarehouseReader
	RunStateStore

	Reset(ctx context.Context) error
	Close() error
}

// BlobStore writes export artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run-completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
