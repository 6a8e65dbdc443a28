package packet

import (
	"bytes"
	"encoding/binary"
	"io"
)

// PUBCOMP is part 3, the last step, of the QoS 2 publish handshake:
// acknowledges a PUBREL. Variable header: packet identifier, then (MQTT5)
// a reason code and property list. No payload. Flags must all be zero.
type PUBCOMP struct {
	*FixedHeader `json:"FixedHeader,omitempty"`

	PacketID uint16 `json:"PacketID,omitempty"`

	// ReasonCode is MQTT5-only. 0x00 success, 0x92 packet identifier not
	// found.
	ReasonCode ReasonCode

	Props *PubcompProperties
}

func (pkt *PUBCOMP) Kind() byte {
	return 0x7
}

func (pkt *PUBCOMP) Pack(w io.Writer) error {
	pkt.Dup = 0
	pkt.QoS = 0
	pkt.Retain = 0

	buf := GetBuffer()
	defer PutBuffer(buf)
	buf.Write(i2b(pkt.PacketID))
	if pkt.Version == VERSION500 {
		buf.WriteByte(pkt.ReasonCode.Code)

		if pkt.Props == nil {
			pkt.Props = &PubcompProperties{}
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

func (pkt *PUBCOMP) Unpack(buf *bytes.Buffer) error {
	pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))

	if pkt.Version == VERSION500 {
		pkt.ReasonCode.Code = buf.Next(1)[0]

		pkt.Props = &PubcompProperties{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return err
		}
	}
	return nil
}

// PubcompProperties is the MQTT5 PUBCOMP property list.
type PubcompProperties struct {
	ReasonString string
	UserProperty []UserProperty
}

func (props *PubcompProperties) Pack() ([]byte, error) {
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

func (props *PubcompProperties) Unpack(buf *bytes.Buffer) error {
	propsLen, err := decodeLength(buf)
	if err != nil {
		return err
	}

	seen := propertySet{}
	for i := uint32(0); i < propsLen; i++ {
		propsId, err := decodeLength(buf)
		if err != nil {
			return err
		}
		if propsId != 0x26 && seen.seen(propsId) {
			return ErrProtocolErr
		}
		switch propsId {
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
