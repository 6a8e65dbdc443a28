package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// SUBSCRIBE asks the server to create or update one or more subscriptions.
// Variable header: packet identifier, then (MQTT5) a property list.
// Payload: one or more topic filter / options pairs [MQTT-3.8.3-1]. Flags
// must be Dup=0, QoS=1, Retain=0 [MQTT-3.8.1-1].
type SUBSCRIBE struct {
	*FixedHeader `json:"FixedHeader,omitempty"`

	PacketID uint16 `json:"PacketID,omitempty"`

	Props *SubscribeProperties

	Subscriptions []Subscription `json:"Subscription,omitempty"`
}

func (pkt *SUBSCRIBE) Kind() byte {
	return 0x8
}

func (pkt *SUBSCRIBE) Pack(w io.Writer) error {
	pkt.Dup = 0
	pkt.QoS = 1
	pkt.Retain = 0

	buf := GetBuffer()
	defer PutBuffer(buf)
	buf.Write(i2b(pkt.PacketID))

	if pkt.Version == VERSION500 {
		if pkt.Props == nil {
			pkt.Props = &SubscribeProperties{}
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
		if subscription.MaximumQoS > 0x02 {
			return ErrProtocolViolationQosOutOfRange
		}
		buf.Write(s2b(subscription.TopicFilter))
		options := subscription.MaximumQoS & 0b00000011
		options |= (subscription.NoLocal & 0b1) << 2
		options |= (subscription.RetainAsPublished & 0b1) << 3
		options |= (subscription.RetainHandling & 0b11) << 4
		buf.WriteByte(options)
	}
	pkt.FixedHeader.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *SUBSCRIBE) Unpack(buf *bytes.Buffer) error {
	pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))
	if pkt.Version == VERSION500 {
		pkt.Props = &SubscribeProperties{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return fmt.Errorf("pkt.RemainingLength=%v err=%w", pkt.RemainingLength, err)
		}
	}
	for buf.Len() != 0 {
		subscription := Subscription{}
		subscription.TopicFilter = decodeUTF8[string](buf)
		options := buf.Next(1)[0]
		subscription.MaximumQoS = options & 0b00000011
		if subscription.MaximumQoS > 0x02 {
			return ErrProtocolViolationQosOutOfRange
		}
		subscription.NoLocal = options & 0b00000100 >> 2
		subscription.RetainAsPublished = options & 0b00001000 >> 3
		subscription.RetainHandling = options & 0b00110000 >> 4
		if options&0b11000000 != 0 {
			return ErrMalformedFlags
		}
		pkt.Subscriptions = append(pkt.Subscriptions, subscription)
	}
	if len(pkt.Subscriptions) == 0 {
		return ErrProtocolViolationNoTopic
	}
	return nil
}

// Subscription is one topic filter / options pair from a SUBSCRIBE
// payload. NoLocal, RetainAsPublished and RetainHandling are MQTT5-only;
// v3.1.1 subscribers leave them at zero.
type Subscription struct {
	TopicFilter string

	// MaximumQoS is bits 1-0 of the options byte: the highest QoS the
	// server may use to forward messages to this subscription. 0x03 is
	// reserved.
	MaximumQoS uint8

	// NoLocal, bit 2: when 1, application messages must not be forwarded
	// to a connection with a ClientID matching the publisher's.
	NoLocal uint8

	// RetainAsPublished, bit 3: when 1, the server keeps the RETAIN flag
	// as published; when 0, it always clears it on forwarding.
	RetainAsPublished uint8

	// RetainHandling, bits 5-4: 0 sends retained messages at subscribe
	// time, 1 only for a new subscription, 2 never.
	RetainHandling uint8
}

func (s *Subscription) String() string {
	return fmt.Sprintf("%s@%d", s.TopicFilter, s.MaximumQoS)
}

// SubscribeProperties is the MQTT5 SUBSCRIBE property list.
type SubscribeProperties struct {
	// SubscriptionIdentifier (0x0B) is echoed back to the subscriber in
	// matching PUBLISH packets so it can tell which subscription caused
	// delivery.
	SubscriptionIdentifier SubscriptionIdentifier
	UserProperty            []UserProperty
}

func (props *SubscribeProperties) Pack() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	if props.SubscriptionIdentifier != 0 {
		buf.WriteByte(0x0B)
		vb, err := encodeLength(props.SubscriptionIdentifier)
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	for _, up := range props.UserProperty {
		buf.WriteByte(0x26)
		buf.Write(encodeUTF8(up.Name))
		buf.Write(encodeUTF8(up.Value))
	}

	return bytes.Clone(buf.Bytes()), nil
}

func (props *SubscribeProperties) Unpack(buf *bytes.Buffer) error {
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
		uLen := uint32(0)
		switch propsCode {
		case 0x0B:
			if uLen, err = props.SubscriptionIdentifier.Unpack(buf); err != nil {
				return err
			}
		case 0x26:
			key := decodeUTF8[string](buf)
			value := decodeUTF8[string](buf)
			props.UserProperty = append(props.UserProperty, UserProperty{Name: key, Value: value})
			uLen = uint32(4 + len(key) + len(value))
		default:
			return ErrProtocolViolation
		}
		i += uLen
	}
	return nil
}
