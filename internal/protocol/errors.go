package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors. Decode failures are either ErrUnknownMessageType or an
// *IncompleteError (which matches ErrIncomplete); encode failures are a
// *PayloadTooLargeError (which matches ErrPayloadTooLarge).
var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrIncomplete         = errors.New("incomplete message")
	ErrPayloadTooLarge    = errors.New("payload too large")

	errNilMessage = errors.New("nil message")
)

// IncompleteError reports that the buffer ran out before a read could be
// satisfied.
//
// Length is the number of bytes the read asked for when a fixed-size read
// failed, but the number of bytes that were still available when a
// variable-length read (Reader.ReadBytes) failed. Existing peers rely on
// both meanings, so they are kept as-is.
type IncompleteError struct {
	Length int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("message wasn't long enough to read %d bytes", e.Length)
}

// Is makes errors.Is(err, ErrIncomplete) true for any *IncompleteError.
func (e *IncompleteError) Is(target error) bool {
	return target == ErrIncomplete
}

// PayloadTooLargeError reports a variable-length field that does not fit
// its 16-bit length prefix.
type PayloadTooLargeError struct {
	Field  string
	Length int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("%s is %d bytes, limit is %d", e.Field, e.Length, MaxFieldLength)
}

// Is makes errors.Is(err, ErrPayloadTooLarge) true for any *PayloadTooLargeError.
func (e *PayloadTooLargeError) Is(target error) bool {
	return target == ErrPayloadTooLarge
}
