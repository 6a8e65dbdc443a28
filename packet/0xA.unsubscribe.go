package packet

import (
	"bytes"
	"encoding/binary"
	"io"
)

// UNSUBSCRIBE asks the server to remove one or more subscriptions. Variable
// header: packet identifier, then (MQTT5) a property list. Payload: one or
// more topic filters [MQTT-3.10.3-2]. Flags must be Dup=0, QoS=1, Retain=0
// [MQTT-3.10.1-1].
type UNSUBSCRIBE struct {
	*FixedHeader

	PacketID uint16

	Props *UnsubscribeProperties

	Subscriptions []Subscription
}

func (pkt *UNSUBSCRIBE) Kind() byte {
	return 0xA
}

func (pkt *UNSUBSCRIBE) Pack(w io.Writer) error {
	if len(pkt.Subscriptions) == 0 {
		return ErrMalformedTopic
	}
	pkt.Dup = 0
	pkt.QoS = 1
	pkt.Retain = 0

	buf := GetBuffer()
	defer PutBuffer(buf)
	buf.Write(i2b(pkt.PacketID))

	if pkt.Version == VERSION500 {
		if pkt.Props == nil {
			pkt.Props = &UnsubscribeProperties{}
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

	for _, subscription := range pkt.Subscriptions {
		if subscription.TopicFilter == "" {
			return ErrProtocolViolationNoTopic
		}
		buf.Write(s2b(subscription.TopicFilter))
	}

	pkt.FixedHeader.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *UNSUBSCRIBE) Unpack(buf *bytes.Buffer) error {
	if buf.Len() < 2 {
		return ErrMalformedPacketID
	}
	pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))

	if pkt.Version == VERSION500 {
		pkt.Props = &UnsubscribeProperties{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return err
		}
	}

	for buf.Len() != 0 {
		if buf.Len() < 2 {
			return ErrMalformedTopic
		}
		topicLength := int(binary.BigEndian.Uint16(buf.Next(2)))
		if buf.Len() < topicLength {
			return ErrMalformedTopic
		}
		subscription := Subscription{TopicFilter: string(buf.Next(topicLength))}
		pkt.Subscriptions = append(pkt.Subscriptions, subscription)
	}
	if len(pkt.Subscriptions) == 0 {
		return ErrMalformedTopic
	}
	return nil
}

// UnsubscribeProperties is the MQTT5 UNSUBSCRIBE property list.
type UnsubscribeProperties struct {
	UserProperty []UserProperty
}

func (props *UnsubscribeProperties) Pack() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	for _, up := range props.UserProperty {
		buf.WriteByte(0x26)
		buf.Write(encodeUTF8(up.Name))
		buf.Write(encodeUTF8(up.Value))
	}
	return bytes.Clone(buf.Bytes()), nil
}

func (props *UnsubscribeProperties) Unpack(buf *bytes.Buffer) error {
	propsLen, err := decodeLength(buf)
	if err != nil {
		return err
	}
	for i := uint32(0); i < propsLen; i++ {
		propsCode, err := decodeLength(buf)
		if err != nil {
			return err
		}
		switch propsCode {
		case 0x26:
			key := decodeUTF8[string](buf)
				value := decodeUTF8[string](buf)
				props.UserProperty = append(props.UserProperty, UserProperty{Name: key, Value: value})
				i += uint32(4 + len(key) + len(value))
		default:
			return ErrProtocolViolation
		}
	}
	return nil
}
