package etl

import "errors"

var (
	// ErrStructural marks raw input that cannot be parsed into the six-column
	// shape. It aborts the run before any warehouse state is touched.
	ErrStructural = errors.New("structural input failure")

	// ErrBrokenReference marks a fact row whose dimension reference cannot be
	// resolved during export.
	ErrBrokenReference = errors.New("fact references a missing dimension row")

	// ErrWarehouseIncomplete marks a read against a warehouse whose last run
	// was reset but never finished.
	ErrWarehouseIncomplete = errors.New("warehouse incomplete: last run did not finish")

	// ErrDuplicateKey is returned by stores when a dimension natural key or a
	// surrogate key already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
)
