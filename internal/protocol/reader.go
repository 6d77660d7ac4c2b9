package protocol

import "encoding/binary"

// Reader consumes wire-format values from a borrowed buffer, advancing a
// cursor on every successful read. A failed read leaves the cursor where it
// was, but the message as a whole is unusable: callers discard the buffer
// instead of resuming from the cursor.
type Reader struct {
	buf    []byte
	cursor int
}

// NewReader creates a Reader over buf. buf is not copied.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Cap returns the total size of the underlying buffer.
func (r *Reader) Cap() int {
	return len(r.buf)
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int {
	return len(r.buf) - r.cursor
}

// IsEmpty reports whether every byte has been read.
func (r *Reader) IsEmpty() bool {
	return r.Len() < 1
}

// ReadU8 reads a single byte.
func (r *Reader) ReadU8() (uint8, error) {
	if r.IsEmpty() {
		return 0, &IncompleteError{Length: 1}
	}
	v := r.buf[r.cursor]
	r.cursor++
	return v, nil
}

// ReadFixed reads exactly n bytes into a new slice. On shortage the error
// carries n, the requested length.
func (r *Reader) ReadFixed(n int) ([]byte, error) {
	b, err := r.fixed(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// ReadU16 reads a big-endian 16-bit unsigned integer.
func (r *Reader) ReadU16() (uint16, error) {
	b, err := r.fixed(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// ReadU32 reads a big-endian 32-bit unsigned integer.
func (r *Reader) ReadU32() (uint32, error) {
	b, err := r.fixed(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// ReadBytes returns the next n bytes as a view into the borrowed buffer; the
// view must not outlive it. On shortage the error carries the number of
// bytes that were available, not n.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 || r.Len() < n {
		return nil, &IncompleteError{Length: r.Len()}
	}
	v := r.buf[r.cursor : r.cursor+n : r.cursor+n]
	r.cursor += n
	return v, nil
}

// fixed is the bounds check shared by the fixed-size reads.
func (r *Reader) fixed(n int) ([]byte, error) {
	if n < 0 || r.Len() < n {
		return nil, &IncompleteError{Length: n}
	}
	v := r.buf[r.cursor : r.cursor+n]
	r.cursor += n
	return v, nil
}
