// Package sequence provides run-scoped surrogate key counters.
package sequence

import "sync/atomic"

// Counter tracks the highest surrogate key committed so far. Callers propose
// Last()+1 and call AtLeast only once the row is stored, so a failed insert
// never consumes a key. The zero value is ready to use.
type Counter struct {
	last atomic.Int64
}

// New returns a Counter whose first proposed ID is 1.
func New() *Counter {
	return &Counter{}
}

// Last returns the highest committed ID, or 0 if none was committed.
func (c *Counter) Last() int64 {
	return c.last.Load()
}

// AtLeast raises the counter so the next proposed ID is greater than id.
// It never lowers the counter.
func (c *Counter) AtLeast(id int64) {
	for {
		cur := c.last.Load()
		if cur >= id || c.last.CompareAndSwap(cur, id) {
			return
		}
	}
}
