package protocol

import "fmt"

// MessageType is the discriminant byte that opens every message body.
type MessageType uint8

// Message type constants.
const (
	TypeInitiate  MessageType = 0x0 // client asks for a tunnel
	TypeInitiated MessageType = 0x1 // relay assigned a tunnel id
	TypeForward   MessageType = 0x2 // opaque payload for a local endpoint
	TypeKeepAlive MessageType = 0x3 // keeps an idle tunnel open
)

// ParseMessageType converts a discriminant byte into a MessageType, failing
// with ErrUnknownMessageType for anything outside the known set.
func ParseMessageType(b byte) (MessageType, error) {
	switch t := MessageType(b); t {
	case TypeInitiate, TypeInitiated, TypeForward, TypeKeepAlive:
		return t, nil
	default:
		return 0, ErrUnknownMessageType
	}
}

func (t MessageType) String() string {
	switch t {
	case TypeInitiate:
		return "Initiate"
	case TypeInitiated:
		return "Initiated"
	case TypeForward:
		return "Forward"
	case TypeKeepAlive:
		return "KeepAlive"
	default:
		return fmt.Sprintf("MessageType(0x%02x)", uint8(t))
	}
}

// Message is one of Initiate, Initiated, Forward or KeepAlive. The set is
// closed: the unexported methods keep other packages from adding variants.
type Message interface {
	Type() MessageType

	bodyLen() int
	validate() error
	writeBody(w *Writer)
}

// Initiate asks the relay to open a tunnel, authenticating with an
// association token.
type Initiate struct {
	AssociationToken string
}

// Initiated confirms a tunnel and carries the id to put in later headers.
type Initiated struct {
	TunnelID uint32
}

// Forward carries an opaque payload for the local endpoint at Index.
type Forward struct {
	Index   uint8
	Message []byte
}

// KeepAlive has no body.
type KeepAlive struct{}

func (Initiate) Type() MessageType  { return TypeInitiate }
func (Initiated) Type() MessageType { return TypeInitiated }
func (Forward) Type() MessageType   { return TypeForward }
func (KeepAlive) Type() MessageType { return TypeKeepAlive }

func (m Initiate) bodyLen() int { return 2 + len(m.AssociationToken) }
func (Initiated) bodyLen() int  { return 4 }
func (m Forward) bodyLen() int  { return 1 + 2 + len(m.Message) }
func (KeepAlive) bodyLen() int  { return 0 }

func (m Initiate) validate() error {
	if n := len(m.AssociationToken); n > MaxFieldLength {
		return &PayloadTooLargeError{Field: "association token", Length: n}
	}
	return nil
}

func (Initiated) validate() error { return nil }

func (m Forward) validate() error {
	if n := len(m.Message); n > MaxFieldLength {
		return &PayloadTooLargeError{Field: "forward payload", Length: n}
	}
	return nil
}

func (KeepAlive) validate() error { return nil }

func (m Initiate) writeBody(w *Writer) {
	w.WriteU16(uint16(len(m.AssociationToken)))
	w.WriteBytes([]byte(m.AssociationToken))
}

func (m Initiated) writeBody(w *Writer) {
	w.WriteU32(m.TunnelID)
}

func (m Forward) writeBody(w *Writer) {
	w.WriteU8(m.Index)
	w.WriteU16(uint16(len(m.Message)))
	w.WriteBytes(m.Message)
}

func (KeepAlive) writeBody(*Writer) {}

// WriteMessage writes the discriminant byte and the body of msg. Oversized
// fields are rejected before anything is written.
func WriteMessage(w *Writer, msg Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	writeMessage(w, msg)
	return nil
}

// ReadMessage reads a discriminant byte and the body it announces.
func ReadMessage(r *Reader) (Message, error) {
	b, err := r.ReadU8()
	if err != nil {
		return nil, err
	}
	ty, err := ParseMessageType(b)
	if err != nil {
		return nil, err
	}

	switch ty {
	case TypeInitiate:
		length, err := r.ReadU16()
		if err != nil {
			return nil, err
		}
		token, err := r.ReadBytes(int(length))
		if err != nil {
			return nil, err
		}
		return Initiate{AssociationToken: decodeLossy(token)}, nil

	case TypeInitiated:
		tunnelID, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		return Initiated{TunnelID: tunnelID}, nil

	case TypeForward:
		index, err := r.ReadU8()
		if err != nil {
			return nil, err
		}
		length, err := r.ReadU16()
		if err != nil {
			return nil, err
		}
		view, err := r.ReadBytes(int(length))
		if err != nil {
			return nil, err
		}
		// Copy out of the borrowed buffer; transports recycle their receive buffers.
		payload := make([]byte, len(view))
		copy(payload, view)
		return Forward{Index: index, Message: payload}, nil

	case TypeKeepAlive:
		return KeepAlive{}, nil
	}

	return nil, ErrUnknownMessageType
}

func validateMessage(msg Message) error {
	// Variants have value receivers, so a typed nil pointer still satisfies
	// Message and would panic on dereference.
	switch m := msg.(type) {
	case nil:
		return errNilMessage
	case *Initiate:
		if m == nil {
			return errNilMessage
		}
	case *Initiated:
		if m == nil {
			return errNilMessage
		}
	case *Forward:
		if m == nil {
			return errNilMessage
		}
	case *KeepAlive:
		if m == nil {
			return errNilMessage
		}
	}
	return msg.validate()
}

func writeMessage(w *Writer, msg Message) {
	w.WriteU8(uint8(msg.Type()))
	msg.writeBody(w)
}
