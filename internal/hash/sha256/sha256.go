// Package sha256 fingerprints export artifacts so consumers can tell whether
// two runs produced the same bytes.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// Hash returns the hex SHA-256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Writer passes writes through to an underlying writer while digesting them.
type Writer struct {
	w io.Writer
	h hash.Hash
	n int64
}

// NewWriter wraps w. A nil w only digests.
func NewWriter(w io.Writer) *Writer {
	if w == nil {
		w = io.Discard
	}
	return &Writer{w: w, h: sha256.New()}
}

// Write implements io.Writer. Only bytes accepted by the underlying writer are
// digested.
func (d *Writer) Write(p []byte) (int, error) {
	n, err := d.w.Write(p)
	d.h.Write(p[:n])
	d.n += int64(n)
	return n, err
}

// Sum returns the hex digest of everything written so far.
func (d *Writer) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Size is the number of bytes written so far.
func (d *Writer) Size() int64 {
	return d.n
}
