package buffer

import (
	"errors"
	"fmt"
	"io"
)

// ErrShortSource reports that a file handle ended before its declared size.
var ErrShortSource = errors.New("buffer: source ended before declared size")

// Cursor is the resume point of a segmented copy. One cursor serves every segment
// of a response in turn: a segment that fits completely resets it to zero, one
// that does not leaves it at the first byte still to be copied.
type Cursor struct {
	offset int64
}

// Offset returns the number of bytes of the current segment already copied.
func (c *Cursor) Offset() int64 { return c.offset }

// Reset rewinds the cursor for the next segment.
func (c *Cursor) Reset() { c.offset = 0 }

// CopyString appends the uncopied remainder of s to dst, as much as fits.
// It reports true once the whole of s has been delivered.
func (c *Cursor) CopyString(dst *Fixed, s string) bool {
	if c.offset > int64(len(s)) {
		c.offset = int64(len(s))
	}
	c.offset += int64(dst.AppendString(s[c.offset:]))
	if c.offset == int64(len(s)) {
		c.offset = 0
		return true
	}
	return false
}

// CopyFile appends the uncopied remainder of the first size bytes of src to dst.
// It reports true once all size bytes have been delivered. A read error, or a source
// shorter than size, is returned with the cursor left before the failed range.
func (c *Cursor) CopyFile(dst *Fixed, src io.ReaderAt, size int64) (bool, error) {
	for c.offset < size && !dst.Full() {
		tail := dst.Tail(int(min(size-c.offset, int64(dst.Free()))))
		n, err := src.ReadAt(tail, c.offset)
		if n > 0 {
			dst.Commit(n)
			c.offset += int64(n)
		}
		if err != nil && !(errors.Is(err, io.EOF) && n == len(tail)) {
			if errors.Is(err, io.EOF) {
				return false, fmt.Errorf("%w at offset %d of %d", ErrShortSource, c.offset, size)
			}
			return false, fmt.Errorf("read source at offset %d: %w", c.offset, err)
		}
	}
	if c.offset >= size {
		c.offset = 0
		return true, nil
	}
	return false, nil
}
