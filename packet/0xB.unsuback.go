package packet

import (
	"bytes"
	"encoding/binary"
	"io"
)

// UNSUBACK acknowledges an UNSUBSCRIBE. Variable header: packet identifier,
// then (MQTT5) a property list. No payload. Flags must be zero.
type UNSUBACK struct {
	*FixedHeader `json:"FixedHeader,omitempty"`

	PacketID uint16 `json:"PacketID,omitempty"`

	Props *UnsubackProperties
}

func (pkt *UNSUBACK) Kind() byte {
	return 0xB
}

func (pkt *UNSUBACK) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.Write(i2b(pkt.PacketID))

	if pkt.Version == VERSION500 {
		if pkt.Props == nil {
			pkt.Props = &UnsubackProperties{}
		}
		b, err := pkt.Props.Pack()
		if err != nil {
			return err
		}
		propsLen, err := encodeLength(len(b))
		if err != nil {
			return err
		}
		buf.Write(propsLen)
		buf.Write(b)
	}
	pkt.FixedHeader.RemainingLength = uint32(buf.Len())

	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *UNSUBACK) Unpack(buf *bytes.Buffer) error {
	if buf.Len() < 2 {
		return ErrMalformedPacketID
	}
	pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))

	if pkt.Version == VERSION500 {
		pkt.Props = &UnsubackProperties{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return err
		}
	}
	return nil
}

// UnsubackProperties is the MQTT5 UNSUBACK property list.
type UnsubackProperties struct {
	ReasonString string
	UserProperty []UserProperty
}

func (props *UnsubackProperties) Pack() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	if props.ReasonString != "" {
		buf.WriteByte(0x1F)
		buf.Write(encodeUTF8(props.ReasonString))
	}
	for _, up := range props.UserProperty {
		buf.WriteByte(0x26)
		buf.Write(encodeUTF8(up.Name))
		buf.Write(encodeUTF8(up.Value))
	}
	return bytes.Clone(buf.Bytes()), nil
}

func (props *UnsubackProperties) Unpack(buf *bytes.Buffer) error {
	propsLen, err := decodeLength(buf)
	if err != nil {
		return err
	}

	seen := propertySet{}
	for i := uint32(0); i < propsLen; i++ {
		propsCode, err := decodeLength(buf)
		if err != nil {
			return err
		}
		if propsCode != 0x26 && seen.seen(propsCode) {
			return ErrProtocolErr
		}
		switch propsCode {
		case 0x1F:
			props.ReasonString = decodeUTF8[string](buf)
			i += uint32(2 + len(props.ReasonString))
		case 0x26:
			key := decodeUTF8[string](buf)
				value := decodeUTF8[string](buf)
				props.UserProperty = append(props.UserProperty, UserProperty{Name: key, Value: value})
				i += uint32(4 + len(key) + len(value))
		default:
			return ErrMalformedProperties
		}
	}
	return nil
}
