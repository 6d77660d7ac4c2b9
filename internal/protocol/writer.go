package protocol

import "encoding/binary"

// Writer accumulates wire-format values in a buffer it owns. The zero value
// is ready to use.
type Writer struct {
	buf []byte
}

// NewWriter creates a Writer with room for capacity bytes before it has to grow.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// WriteU8 appends a single byte.
func (w *Writer) WriteU8(v uint8) {
	w.buf = append(w.buf, v)
}

// WriteBytes appends p verbatim.
func (w *Writer) WriteBytes(p []byte) {
	w.buf = append(w.buf, p...)
}

// WriteU16 appends v in big-endian order.
func (w *Writer) WriteU16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

// WriteU32 appends v in big-endian order.
func (w *Writer) WriteU32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

// Bytes returns the bytes written so far. The slice is only valid until the
// next write and must not be modified.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Detach hands the finished buffer to the caller and leaves the writer empty.
func (w *Writer) Detach() []byte {
	buf := w.buf
	w.buf = nil
	return buf
}
