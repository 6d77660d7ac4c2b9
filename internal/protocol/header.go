package protocol

// HeaderSize is the encoded size of a Header.
const HeaderSize = 5

// Header precedes every message: the protocol version and the id of the
// tunnel the message belongs to.
type Header struct {
	Version  uint8
	TunnelID uint32 // UnestablishedTunnelID until the tunnel is initiated
}

// NewHeader builds a header for the current protocol version.
func NewHeader(tunnelID uint32) Header {
	return Header{Version: Version, TunnelID: tunnelID}
}

// Established reports whether the header names an assigned tunnel.
func (h Header) Established() bool {
	return h.TunnelID != UnestablishedTunnelID
}

// Write writes the version byte followed by the tunnel id.
func (h Header) Write(w *Writer) {
	w.WriteU8(h.Version)
	w.WriteU32(h.TunnelID)
}

// ReadHeader reads a header. The version is not checked.
func ReadHeader(r *Reader) (Header, error) {
	version, err := r.ReadU8()
	if err != nil {
		return Header{}, err
	}
	tunnelID, err := r.ReadU32()
	if err != nil {
		return Header{}, err
	}
	return Header{Version: version, TunnelID: tunnelID}, nil
}
