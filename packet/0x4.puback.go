package packet

import (
	"bytes"
	"encoding/binary"
	"io"
)

// PUBACK acknowledges a QoS 1 PUBLISH. Variable header: packet identifier,
// then (MQTT5) a reason code and property list. No payload. Flags must be
// zero.
type PUBACK struct {
	*FixedHeader

	PacketID uint16

	// ReasonCode is MQTT5-only. 0x00 success, 0x10 no matching subscribers,
	// 0x80 unspecified error, 0x83 implementation specific error.
	ReasonCode ReasonCode

	Props *PubackProperties
}

func (pkt *PUBACK) Kind() byte {
	return 0x4
}

func (pkt *PUBACK) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)
	buf.Write(i2b(pkt.PacketID))
	if pkt.Version == VERSION500 {
		buf.WriteByte(pkt.ReasonCode.Code)

		if pkt.Props == nil {
			pkt.Props = &PubackProperties{}
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

func (pkt *PUBACK) Unpack(buf *bytes.Buffer) error {
	pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))

	if pkt.Version == VERSION500 {
		pkt.ReasonCode.Code = buf.Next(1)[0]

		pkt.Props = &PubackProperties{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return err
		}
	}
	return nil
}

// PubackProperties is the MQTT5 PUBACK property list.
type PubackProperties struct {
	ReasonString string
	UserProperty []UserProperty
}

func (props *PubackProperties) Pack() ([]byte, error) {
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

func (props *PubackProperties) Unpack(buf *bytes.Buffer) error {
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
