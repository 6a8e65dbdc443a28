package packet

import (
	"bytes"
	"encoding/binary"
	"io"
)

// PUBREL is part 2 of the QoS 2 publish handshake: sent by the party that
// received a PUBREC, it tells the peer the original PUBLISH can be
// forgotten. Variable header: packet identifier, then (MQTT5) a reason
// code and property list. No payload. Flags must be Dup=0, QoS=1, Retain=0
// [MQTT-3.6.1-1].
type PUBREL struct {
	*FixedHeader `json:"FixedHeader,omitempty"`

	PacketID uint16 `json:"PacketID,omitempty"`

	// ReasonCode is MQTT5-only. 0x00 success, 0x92 packet identifier not
	// found.
	ReasonCode ReasonCode

	Props *PubrelProperties
}

func (pkt *PUBREL) Kind() byte {
	return 0x6
}

func (pkt *PUBREL) Pack(w io.Writer) error {
	pkt.Dup = 0
	pkt.QoS = 1
	pkt.Retain = 0

	buf := GetBuffer()
	defer PutBuffer(buf)
	buf.Write(i2b(pkt.PacketID))
	if pkt.Version == VERSION500 {
		buf.WriteByte(pkt.ReasonCode.Code)

		if pkt.Props == nil {
			pkt.Props = &PubrelProperties{}
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

func (pkt *PUBREL) Unpack(buf *bytes.Buffer) error {
	pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))
	if pkt.RemainingLength == 2 {
		// Reason code and properties are omitted when the reason is
		// Success and there are no properties [MQTT-3.6.2-1].
		return nil
	}
	if pkt.Version == VERSION500 {
		pkt.ReasonCode.Code = buf.Next(1)[0]
		pkt.Props = &PubrelProperties{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return err
		}
	}
	return nil
}

// PubrelProperties is the MQTT5 PUBREL property list.
type PubrelProperties struct {
	ReasonString string
	UserProperty []UserProperty
}

func (props *PubrelProperties) Pack() ([]byte, error) {
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

func (props *PubrelProperties) Unpack(buf *bytes.Buffer) error {
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
