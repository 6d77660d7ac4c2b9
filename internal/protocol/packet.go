// Package protocol implements the binary codec for the relay tunnel protocol:
// a fixed 5-byte header followed by one tagged message body. All multi-byte
// integers are big-endian.
//
//	Packet := Header Message
//	Header := version:u8 tunnel_id:u32
//	Message := type:u8 body
//
// The codec does not delimit messages inside a stream; every buffer handed to
// Decode must hold exactly one packet (trailing bytes are ignored).
package protocol

import "math"

// Version is the protocol version written into every header.
const Version uint8 = 1

// UnestablishedTunnelID is the header tunnel id used before the relay has
// answered with an Initiated message.
const UnestablishedTunnelID uint32 = math.MaxUint32

// MaxFieldLength is the largest token or payload a 16-bit length prefix can carry.
const MaxFieldLength = math.MaxUint16

// Packet is a header plus the message it precedes.
type Packet struct {
	Header  Header
	Message Message
}

// ReadPacket reads a header and then a message, stopping at the first error.
func ReadPacket(r *Reader) (*Packet, error) {
	header, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	msg, err := ReadMessage(r)
	if err != nil {
		return nil, err
	}
	return &Packet{Header: header, Message: msg}, nil
}

// Write writes the header and then the message. Nothing is written when the
// message is invalid.
func (p *Packet) Write(w *Writer) error {
	if err := validateMessage(p.Message); err != nil {
		return err
	}
	p.Header.Write(w)
	writeMessage(w, p.Message)
	return nil
}
