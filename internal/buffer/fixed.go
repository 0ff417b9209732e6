// Package buffer provides the fixed-capacity byte buffers a connection owns and
// the segmented writer that fills them across many invocations.
package buffer

// Fixed is a byte buffer whose capacity never changes after construction.
// Valid bytes always occupy buf[:n], so 0 <= Len() <= Cap().
type Fixed struct {
	buf []byte
	n   int
}

// NewFixed allocates a buffer of the given capacity.
func NewFixed(capacity int) *Fixed {
	return &Fixed{buf: make([]byte, capacity)}
}

// Len returns the number of valid bytes.
func (b *Fixed) Len() int { return b.n }

// Cap returns the fixed capacity.
func (b *Fixed) Cap() int { return len(b.buf) }

// Free returns the remaining capacity.
func (b *Fixed) Free() int { return len(b.buf) - b.n }

// Full reports whether no capacity remains.
func (b *Fixed) Full() bool { return b.n == len(b.buf) }

// Empty reports whether no bytes are valid.
func (b *Fixed) Empty() bool { return b.n == 0 }

// Bytes returns the valid bytes. The slice aliases the buffer.
func (b *Fixed) Bytes() []byte { return b.buf[:b.n] }

// Tail returns up to max bytes of free space after the valid bytes.
// Bytes written there become valid only after Commit.
func (b *Fixed) Tail(max int) []byte {
	end := len(b.buf)
	if max >= 0 && b.n+max < end {
		end = b.n + max
	}
	return b.buf[b.n:end]
}

// Commit marks n bytes of the tail as valid.
func (b *Fixed) Commit(n int) {
	if n < 0 || n > b.Free() {
		panic("buffer: commit out of range")
	}
	b.n += n
}

// Append copies as much of p as fits and returns the number of bytes copied.
func (b *Fixed) Append(p []byte) int {
	n := copy(b.buf[b.n:], p)
	b.n += n
	return n
}

// AppendString is Append for strings.
func (b *Fixed) AppendString(s string) int {
	n := copy(b.buf[b.n:], s)
	b.n += n
	return n
}

// Consume discards the first n valid bytes, shifting the rest to the front.
func (b *Fixed) Consume(n int) {
	if n <= 0 {
		return
	}
	if n >= b.n {
		b.n = 0
		return
	}
	copy(b.buf, b.buf[n:b.n])
	b.n -= n
}

// Reset discards all valid bytes.
func (b *Fixed) Reset() { b.n = 0 }
