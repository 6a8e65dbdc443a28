package packet

import (
	"bytes"
	"io"
)

// PINGREQ has no variable header or payload; the server must answer with a
// PINGRESP, and the client should close the connection if none arrives
// within a reasonable time. Flags must be zero.
type PINGREQ struct {
	*FixedHeader `json:"FixedHeader,omitempty"`
}

func (pkt *PINGREQ) Kind() byte {
	return 0xC
}
func (pkt *PINGREQ) Pack(w io.Writer) error {
	if pkt.FixedHeader == nil {
		return ErrMalformedPacket
	}
	pkt.Dup = 0
	pkt.QoS = 0
	pkt.Retain = 0
	return pkt.FixedHeader.Pack(w)
}
func (pkt *PINGREQ) Unpack(_ *bytes.Buffer) error {
	return nil
}
