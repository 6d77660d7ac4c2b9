package protocol

// Encode serializes msg behind a header carrying the current protocol
// version and tunnelID.
func Encode(tunnelID uint32, msg Message) ([]byte, error) {
	if err := validateMessage(msg); err != nil {
		return nil, err
	}
	pkt := Packet{Header: NewHeader(tunnelID), Message: msg}
	w := NewWriter(HeaderSize + 1 + msg.bodyLen())
	if err := pkt.Write(w); err != nil {
		return nil, err
	}
	return w.Detach(), nil
}

// Decode parses one packet from buf.
func Decode(buf []byte) (*Packet, error) {
	return ReadPacket(NewReader(buf))
}
