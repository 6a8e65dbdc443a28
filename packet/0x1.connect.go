package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang-io/requests"
)

// NAME is the fixed MQTT protocol name in the CONNECT variable header:
// 0x00 0x04 'M' 'Q' 'T' 'T'.
var NAME = []byte{0x00, 0x04, 'M', 'Q', 'T', 'T'}

// CONNECT is the first packet a client sends on a new network connection
// [MQTT-3.1.0-2]; a second CONNECT on the same connection is a protocol
// violation. Variable header: protocol name, protocol level (folded into
// FixedHeader.Version here), connect flags, keep alive, and (MQTT5) a
// property list. Payload: client ID, then will properties/topic/payload if
// the will flag is set, then username/password if their flags are set.
type CONNECT struct {
	*FixedHeader

	// ConnectFlags packs UserNameFlag(7), PasswordFlag(6), WillRetain(5),
	// WillQoS(4-3), WillFlag(2), CleanStart(1), Reserved(0).
	ConnectFlags ConnectFlags

	// KeepAlive is the max interval in seconds between client control
	// packets; 0 disables the keep-alive mechanism.
	KeepAlive uint16

	Props *ConnectProperties `json:"Properties,omitempty"`

	// ClientID must be empty or 1-23 UTF-8 characters. Empty means the
	// server assigns one; CleanStart=0 with an empty ID is a violation.
	ClientID string `json:"ClientID,omitempty"`

	WillProperties *WillProperties `json:"Will,omitempty"`
	WillTopic      string
	WillPayload    []byte

	Username string `json:"Username,omitempty"`
	Password string `json:"Password,omitempty"`
}

func (pkt *CONNECT) Kind() byte {
	return 0x1
}

func (pkt *CONNECT) String() string {
	return "[0x1]CONNECT"
}

func (pkt *CONNECT) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.Write(NAME)
	buf.WriteByte(pkt.FixedHeader.Version)

	uf := s2i(pkt.Username)
	pf := s2i(pkt.Password)
	wr := uint8(0)
	wq := uint8(0)
	wf := uint8(0)

	if pkt.WillTopic != "" || pkt.WillPayload != nil {
		wf = 1
		if wq == 0 {
			wq = 1
		}
	}

	// CleanStart is always requested by this encoder; session resume is
	// negotiated by the broker side, not by the wire codec.
	cs := uint8(1)

	flag := uf<<7 | pf<<6 | wr<<5 | wq<<3 | wf<<2 | cs<<1
	buf.WriteByte(flag)
	buf.Write(i2b(pkt.KeepAlive))

	if pkt.Version == VERSION500 {
		if pkt.Props == nil {
			pkt.Props = &ConnectProperties{}
		}
		b, err := pkt.Props.Pack()
		if err != nil {
			return err
		}
		buf.Write(b)
	}

	if len(pkt.ClientID) > 23 {
		return fmt.Errorf("client ID too long: %d characters, maximum allowed is 23", len(pkt.ClientID))
	}
	buf.Write(s2b(pkt.ClientID))

	if wf == 1 {
		if pkt.Version == VERSION500 && pkt.WillProperties != nil {
			b, err := pkt.WillProperties.Pack()
			if err != nil {
				return err
			}
			buf.Write(b)
		}
		buf.Write(s2b(pkt.WillTopic))
		buf.Write(s2b(pkt.WillPayload))
	}

	if pkt.Username != "" {
		buf.Write(s2b(pkt.Username))
	}
	if pkt.Password != "" {
		buf.Write(s2b(pkt.Password))
	}

	pkt.FixedHeader.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *CONNECT) Unpack(buf *bytes.Buffer) error {
	name := buf.Next(6)
	if !bytes.Equal(name, NAME) {
		return fmt.Errorf("%w: Len=%d, %v", ErrMalformedProtocolName, pkt.RemainingLength, name)
	}

	pkt.Version, pkt.ConnectFlags = buf.Next(1)[0], ConnectFlags(buf.Next(1)[0])

	// The reserved flag bit must be zero [MQTT-3.1.2-3].
	if pkt.ConnectFlags.Reserved() != 0 {
		return ErrMalformedPacket
	}

	// Will QoS is restricted to 0-2; 3 is reserved [MQTT-3.1.2-14].
	if pkt.ConnectFlags.WillQoS() > 2 {
		return ErrProtocolViolationQosOutOfRange
	}

	// WillFlag=0 forces WillRetain=0 and WillQoS=0 [MQTT-3.1.2-11/15].
	if !pkt.ConnectFlags.WillFlag() {
		if pkt.ConnectFlags.WillRetain() || pkt.ConnectFlags.WillQoS() != 0 {
			return ErrProtocolViolation
		}
	}

	pkt.KeepAlive = binary.BigEndian.Uint16(buf.Next(2))

	switch pkt.Version {
	case VERSION500:
		pkt.Props = &ConnectProperties{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return err
		}
	case VERSION311:
	case VERSION310:
		return ErrUnsupportedProtocolVersion
	default:
		return ErrMalformedProtocolVersion
	}

	pkt.ClientID = decodeUTF8[string](buf)
	if pkt.ClientID == "" {
		pkt.ClientID = requests.GenId()
	}

	if pkt.ConnectFlags.WillFlag() {
		// Will flag set: will properties (v5), topic and payload must
		// follow [MQTT-3.1.2-9].
		if pkt.Version == VERSION500 {
			pkt.WillProperties = &WillProperties{}
			if err := pkt.WillProperties.Unpack(buf); err != nil {
				return err
			}
		}
		pkt.WillTopic = decodeUTF8[string](buf)
		pkt.WillPayload = decodeUTF8[[]byte](buf)
		if pkt.WillTopic == "" {
			return ErrProtocolViolation
		}
	}

	if pkt.ConnectFlags.UserNameFlag() {
		pkt.Username = decodeUTF8[string](buf)
	} else if pkt.ConnectFlags.PasswordFlag() {
		// UserNameFlag=0 forces PasswordFlag=0 [MQTT-3.1.2-22].
		return ErrMalformedPassword
	}

	if pkt.ConnectFlags.PasswordFlag() {
		pkt.Password = decodeUTF8[string](buf)
	}

	return nil
}

type Will struct {
	TopicName string
	Message   []byte
	Retain    uint8
	QoS       uint8
}

// ConnectProperties is the MQTT5 CONNECT property list. Every property here
// may appear at most once; duplicates are a protocol error.
type ConnectProperties struct {
	SessionExpiryInterval      SessionExpiryInterval
	ReceiveMaximum             ReceiveMaximum
	MaximumPacketSize          MaximumPacketSize
	TopicAliasMaximum          TopicAliasMaximum
	RequestResponseInformation RequestResponseInformation
	RequestProblemInformation  RequestProblemInformation
	UserProperty               []UserProperty
	AuthenticationMethod       AuthenticationMethod
	AuthenticationData         AuthenticationData
}

func (props *ConnectProperties) Pack() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	if props.SessionExpiryInterval != 0 {
		props.SessionExpiryInterval.Pack(buf)
	}
	if props.ReceiveMaximum != 0 {
		props.ReceiveMaximum.Pack(buf)
	}
	if props.MaximumPacketSize != 0 {
		props.MaximumPacketSize.Pack(buf)
	}

	if props.TopicAliasMaximum != 0 {
		props.TopicAliasMaximum.Pack(buf)
	}
	if props.RequestResponseInformation != 0 {
		props.RequestResponseInformation.Pack(buf)
	}
	if props.RequestProblemInformation != 0 {
		props.RequestProblemInformation.Pack(buf)
	}
	for _, up := range props.UserProperty {
		buf.WriteByte(0x26)
		buf.Write(encodeUTF8(up.Name))
		buf.Write(encodeUTF8(up.Value))
	}
	if props.AuthenticationMethod != "" {
		props.AuthenticationMethod.Pack(buf)
	}
	if props.AuthenticationData != nil {
		buf.WriteByte(0x16)
		buf.Write(encodeUTF8(props.AuthenticationData))
	}
	return bytes.Clone(buf.Bytes()), nil

}

func (props *ConnectProperties) Unpack(buf *bytes.Buffer) error {
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
		case 0x11:
			uLen, err = props.SessionExpiryInterval.Unpack(buf)
		case 0x21:
			uLen, err = props.ReceiveMaximum.Unpack(buf)
			if err == nil && props.ReceiveMaximum == 0 {
				return ErrProtocolErr
			}
		case 0x27:
			uLen, err = props.MaximumPacketSize.Unpack(buf)
			if err == nil && props.MaximumPacketSize == 0 {
				return ErrProtocolErr
			}
		case 0x22:
			uLen, err = props.TopicAliasMaximum.Unpack(buf)
		case 0x19:
			uLen, err = props.RequestResponseInformation.Unpack(buf)
			if err == nil && props.RequestResponseInformation > 1 {
				return ErrProtocolErr
			}
		case 0x17:
			uLen, err = props.RequestProblemInformation.Unpack(buf)
			if err == nil && props.RequestProblemInformation > 1 {
				return ErrProtocolErr
			}
		case 0x26:
			up := UserProperty{}
			uLen, err = up.Unpack(buf)
			if err == nil {
				props.UserProperty = append(props.UserProperty, up)
			}
		case 0x15:
			uLen, err = props.AuthenticationMethod.Unpack(buf)
		case 0x16:
			uLen, err = props.AuthenticationData.Unpack(buf)
		default:
			return ErrMalformedProperties
		}
		if err != nil {
			return err
		}
		i += uLen
	}
	return nil
}

// WillProperties is the MQTT5 property list attached to the will message
// carried in a CONNECT payload.
type WillProperties struct {
	PropertyLength int32

	WillDelayInterval      uint32 `json:"WillDelayInterval,omitempty"`
	PayloadFormatIndicator uint8  `json:"PayloadFormatIndicator,omitempty"`
	MessageExpiryInterval  uint32 `json:"MessageExpiryInterval,omitempty"`
	ContentType            string `json:"ContentType,omitempty"`
	ResponseTopic          string `json:"ResponseTopic,omitempty"`
	CorrelationData        []byte `json:"CorrelationData,omitempty"`

	// UserProperty must preserve order when the server republishes the
	// will as a PUBLISH [MQTT-3.1.3-10].
	UserProperty []UserProperty
}

func (props *WillProperties) Pack() ([]byte, error) {
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
	if props.ContentType != "" {
		buf.WriteByte(0x03)
		buf.Write(encodeUTF8(props.ContentType))
	}
	if props.ResponseTopic != "" {
		buf.WriteByte(0x08)
		buf.Write(encodeUTF8(props.ResponseTopic))
	}
	if props.CorrelationData != nil {
		buf.WriteByte(0x09)
		buf.Write(encodeUTF8(props.CorrelationData))
	}
	if props.WillDelayInterval != 0 {
		buf.WriteByte(0x18)
		buf.Write(i4b(props.WillDelayInterval))
	}
	for _, up := range props.UserProperty {
		buf.WriteByte(0x26)
		buf.Write(encodeUTF8(up.Name))
		buf.Write(encodeUTF8(up.Value))
	}
	return bytes.Clone(buf.Bytes()), nil
}

func (props *WillProperties) Unpack(b *bytes.Buffer) error {
	propsLen, err := decodeLength(b)
	if err != nil {
		return err
	}
	seen := propertySet{}
	for i := uint32(0); i < propsLen; i++ {
		propsId, err := decodeLength(b)
		if err != nil {
			return err
		}
		if propsId != 0x26 && seen.seen(propsId) {
			return ErrProtocolErr
		}
		switch propsId {
		case 0x01:
			props.PayloadFormatIndicator = b.Next(1)[0]
			i += 1
			if props.PayloadFormatIndicator > 1 {
				return ErrProtocolErr
			}
		case 0x02:
			props.MessageExpiryInterval = binary.BigEndian.Uint32(b.Next(4))
			i += 4
		case 0x03:
			props.ContentType = decodeUTF8[string](b)
			i += uint32(2 + len(props.ContentType))
		case 0x08:
			props.ResponseTopic = decodeUTF8[string](b)
			i += uint32(2 + len(props.ResponseTopic))
		case 0x09:
			props.CorrelationData = decodeUTF8[[]byte](b)
			i += uint32(2 + len(props.CorrelationData))
		case 0x18:
			props.WillDelayInterval = binary.BigEndian.Uint32(b.Next(4))
			i += 4
		case 0x26:
			key := decodeUTF8[string](b)
			value := decodeUTF8[string](b)
			props.UserProperty = append(props.UserProperty, UserProperty{Name: key, Value: value})
			i += uint32(4 + len(key) + len(value))
		default:
			return ErrMalformedWillProperties
		}
	}
	return nil
}

// ConnectFlags packs UserNameFlag(7), PasswordFlag(6), WillRetain(5),
// WillQoS(4-3), WillFlag(2), CleanStart(1), Reserved(0).
type ConnectFlags uint8

func (f ConnectFlags) Reserved() uint8 {
	return uint8(f) & 0x01
}

func (f ConnectFlags) CleanStart() bool {
	return (uint8(f) & 0x02) == 0x02
}

func (f ConnectFlags) WillFlag() bool {
	return (uint8(f) & 0x04) == 0x04
}

func (f ConnectFlags) WillQoS() uint8 {
	return (uint8(f) & 0x18) >> 3
}

func (f ConnectFlags) WillRetain() bool {
	return (uint8(f) & 0x20) == 0x20
}

func (f ConnectFlags) UserNameFlag() bool {
	return (uint8(f) & 0x80) == 0x80
}

func (f ConnectFlags) PasswordFlag() bool {
	return (uint8(f) & 0x40) == 0x40
}

