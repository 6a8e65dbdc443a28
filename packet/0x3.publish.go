package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// PUBLISH carries an application message between client and server.
// Variable header: topic name, then packet identifier (QoS > 0 only), then
// (MQTT5) a property list. Payload: the message content, which may be
// zero-length.
//
// Flags: DUP (bit 3) is set only when resending a previous attempt and must
// be 0 for QoS 0 [MQTT-3.3.1-2]; QoS (bits 2-1) is 0/1/2, 3 is reserved
// [MQTT-3.3.1-4]; RETAIN (bit 0) asks the server to store the message as
// the new retained message for the topic [MQTT-3.3.1-5].
type PUBLISH struct {
	*FixedHeader `json:"FixedHeader,omitempty"`

	// PacketID is present only for QoS > 0 [MQTT-2.3.1-5].
	PacketID uint16 `json:"PacketID,omitempty"`

	Message *Message `json:"message,omitempty"`

	Props *PublishProperties `json:"properties,omitempty"`
}

func (pkt *PUBLISH) Kind() byte {
	return 0x3
}

func (pkt *PUBLISH) String() string {
	return fmt.Sprintf("[0x3]PUBLISH: Len=%d", pkt.RemainingLength)
}

func (pkt *PUBLISH) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	if pkt.FixedHeader == nil {
		return fmt.Errorf("FixedHeader is nil")
	}
	if pkt.FixedHeader.QoS == 3 {
		return ErrProtocolViolationQosOutOfRange
	}
	if pkt.Message.TopicName == "" {
		return ErrProtocolViolationNoTopic
	}
	if strings.ContainsAny(pkt.Message.TopicName, "+#") {
		return ErrMalformedTopic
	}

	buf.Write(s2b(pkt.Message.TopicName))
	if pkt.FixedHeader.QoS > 0 {
		buf.Write(i2b(pkt.PacketID))
	}
	if pkt.Version == VERSION500 {
		if pkt.Props == nil {
			pkt.Props = &PublishProperties{}
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

	if _, err := buf.Write(pkt.Message.Content); err != nil {
		return err
	}
	pkt.FixedHeader.RemainingLength = uint32(buf.Len())

	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *PUBLISH) Unpack(buf *bytes.Buffer) error {
	topicLength := int(binary.BigEndian.Uint16(buf.Next(2)))
	if topicLength == 0 {
		return ErrProtocolViolationNoTopic
	}

	pkt.Message = &Message{TopicName: string(buf.Next(topicLength))}
	if strings.ContainsAny(pkt.Message.TopicName, "+#") {
		return ErrMalformedTopic
	}

	if pkt.FixedHeader.QoS > 0 {
		if buf.Len() < 2 {
			return ErrMalformedPacketID
		}
		pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))
		if pkt.PacketID == 0 {
			return ErrMalformedPacketID
		}
	}

	if pkt.Version == VERSION500 {
		pkt.Props = &PublishProperties{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return fmt.Errorf("pkt.RemainingLength=%v err=%w", pkt.RemainingLength, err)
		}
	}

	// buf.Bytes() aliases the underlying array backing the pool-owned
	// buffer; clone it so the message content outlives the next reuse.
	pkt.Message.Content = bytes.Clone(buf.Bytes())
	return nil
}

// Message is the topic name and payload carried by a PUBLISH.
type Message struct {
	TopicName string
	Content   []byte
}

func (m *Message) String() string {
	return fmt.Sprintf("%s # %s", m.TopicName, m.Content)
}

// PublishProperties is the MQTT5 PUBLISH property list.
type PublishProperties struct {
	PayloadFormatIndicator uint8  // 0x01, 0 opaque bytes, 1 UTF-8 text.
	MessageExpiryInterval  uint32 // 0x02, seconds.
	TopicAlias             uint16 // 0x23, must be > 0 and within the peer's TopicAliasMaximum.
	ResponseTopic          string // 0x08, basis for a request/response exchange.
	CorrelationData        []byte // 0x09, opaque, echoed back by the responder.
	UserProperty           []UserProperty
	SubscriptionIdentifier []uint32 // 0x0B, may repeat: one per matching subscription.
	ContentType            string   // 0x03, MIME type describing the payload.
}

func (props *PublishProperties) Pack() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	if props.PayloadFormatIndicator != 0 {
		buf.WriteByte(0x01)
		buf.WriteByte(props.PayloadFormatIndicator)
	}
	if props.MessageExpiryInterval != 0 {
		buf.WriteByte(0x02)
		buf.Write(i4b(props.MessageExpiryInterval))
	}
	if props.TopicAlias != 0 {
		buf.WriteByte(0x23)
		buf.Write(i2b(props.TopicAlias))
	}
	if props.ResponseTopic != "" {
		buf.WriteByte(0x08)
		buf.Write(encodeUTF8(props.ResponseTopic))
	}
	if len(props.CorrelationData) != 0 {
		buf.WriteByte(0x09)
		buf.Write(encodeUTF8(props.CorrelationData))
	}
	for _, up := range props.UserProperty {
		buf.WriteByte(0x26)
		buf.Write(encodeUTF8(up.Name))
		buf.Write(encodeUTF8(up.Value))
	}
	for _, id := range props.SubscriptionIdentifier {
		buf.WriteByte(0x0B)
		v, err := encodeLength(id)
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	if props.ContentType != "" {
		buf.WriteByte(0x03)
		buf.Write(encodeUTF8(props.ContentType))
	}
	return bytes.Clone(buf.Bytes()), nil
}

func (props *PublishProperties) Unpack(buf *bytes.Buffer) error {
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
		if propsId != 0x26 && propsId != 0x0B && seen.seen(propsId) {
			return ErrProtocolErr
		}
		switch propsId {
		case 0x01:
			props.PayloadFormatIndicator, i = buf.Next(1)[0], i+1
		case 0x02:
			props.MessageExpiryInterval, i = binary.BigEndian.Uint32(buf.Next(4)), i+4
		case 0x23:
			props.TopicAlias, i = binary.BigEndian.Uint16(buf.Next(2)), i+2
			if props.TopicAlias == 0 {
				return ErrProtocolErr
			}
		case 0x08:
			props.ResponseTopic = decodeUTF8[string](buf)
			i += uint32(2 + len(props.ResponseTopic))
		case 0x09:
			props.CorrelationData = decodeUTF8[[]byte](buf)
			i += uint32(2 + len(props.CorrelationData))
		case 0x26:
			key := decodeUTF8[string](buf)
				value := decodeUTF8[string](buf)
				props.UserProperty = append(props.UserProperty, UserProperty{Name: key, Value: value})
				i += uint32(4 + len(key) + len(value))
		case 0x0B:
			id, err := decodeLength(buf)
			if err != nil {
				return err
			}
			props.SubscriptionIdentifier = append(props.SubscriptionIdentifier, id)
			vb, err := encodeLength(id)
			if err != nil {
				return err
			}
			i += uint32(len(vb))
		case 0x03:
			props.ContentType = decodeUTF8[string](buf)
			i += uint32(2 + len(props.ContentType))
		default:
			return ErrMalformedProperties
		}
	}
	return nil
}
