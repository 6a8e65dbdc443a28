package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// CONNACK is the server's reply to CONNECT. Variable header: session
// present flag and a connect return/reason code; MQTT5 appends a property
// list. No payload. Flags must be zero.
type CONNACK struct {
	*FixedHeader

	// SessionPresent is byte 1 bit 0 of the variable header; meaningful
	// only when the client asked to resume a session. Bits 7-6 are
	// reserved and must be 0.
	SessionPresent uint8

	// ConnectReturnCode reports whether the connection was accepted. A
	// server that sends a non-zero code must close the network
	// connection afterward [MQTT-3.2.2-5].
	ConnectReturnCode ReasonCode `json:"ConnectReturnCode,omitempty"`

	// Props is the MQTT5 CONNACK property list.
	Props *ConnackProps
}

func (pkt *CONNACK) Kind() byte {
	return 0x2
}

func (pkt *CONNACK) String() string {
	return fmt.Sprintf("[0x2]ConnectReturnCode=%d", pkt.ConnectReturnCode.Code)
}

func (pkt *CONNACK) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.WriteByte(pkt.SessionPresent)
	buf.WriteByte(pkt.ConnectReturnCode.Code)

	if pkt.Version == VERSION500 {
		if pkt.Props == nil {
			pkt.Props = &ConnackProps{}
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

func (pkt *CONNACK) Unpack(buf *bytes.Buffer) error {
	pkt.SessionPresent = buf.Next(1)[0]
	pkt.ConnectReturnCode = ReasonCode{Code: buf.Next(1)[0]}

	if pkt.Version == VERSION500 {
		pkt.Props = &ConnackProps{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return err
		}
	}
	return nil
}

// ConnackProps is the MQTT5 CONNACK property list (section 3.2.2.3). Any
// property appearing twice, except User Property, is a protocol error.
type ConnackProps struct {
	SessionExpiryInterval uint32 // 0x11, seconds; overrides the value the client sent in CONNECT.
	ReceiveMaximum        uint16 // 0x21, default 65535; 0 is a protocol error.
	MaximumQoS            uint8  // 0x24, 0 or 1; absent means the server supports QoS 2.
	RetainAvailable       uint8  // 0x25, 0 or 1; default 1.
	MaximumPacketSize     uint32 // 0x27; 0 is a protocol error.
	AssignedClientID      string // 0x12, set when the client connected with a zero-length client ID [MQTT-3.2.2-16].
	TopicAliasMaximum     uint16 // 0x22, default 0: no topic aliases accepted.
	ReasonString          string // 0x1F, diagnostic text, never parsed by clients.
	UserProperty          []UserProperty
	WildcardSubscriptionAvailable   uint8  // 0x28, 0 or 1; default 1.
	SubscriptionIdentifierAvailable uint8  // 0x29, 0 or 1; default 1.
	SharedSubscriptionAvailable     uint8  // 0x2A, 0 or 1; default 1.
	ServerKeepAlive                 uint16 // 0x13, seconds; overrides the client's requested keep-alive.
	ResponseInformation             string // 0x1A, basis for a client-constructed response topic.
	ServerReference                 string // 0x1C, set alongside reason code 0x9C/0x9D to redirect the client.
	AuthenticationMethod            string // 0x15
	AuthenticationData               []byte // 0x16
}

func (props *ConnackProps) Pack() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	if props.SessionExpiryInterval != 0 {
		buf.WriteByte(0x11)
		buf.Write(i4b(props.SessionExpiryInterval))
	}
	if props.ReceiveMaximum != 0 {
		buf.WriteByte(0x21)
		buf.Write(i2b(props.ReceiveMaximum))
	}
	if props.MaximumQoS != 0 {
		buf.WriteByte(0x24)
		buf.WriteByte(props.MaximumQoS)
	}
	if props.RetainAvailable != 0 {
		buf.WriteByte(0x25)
		buf.WriteByte(props.RetainAvailable)
	}
	if props.MaximumPacketSize != 0 {
		buf.WriteByte(0x27)
		buf.Write(i4b(props.MaximumPacketSize))
	}
	if props.AssignedClientID != "" {
		buf.WriteByte(0x12)
		buf.Write(encodeUTF8(props.AssignedClientID))
	}
	if props.TopicAliasMaximum != 0 {
		buf.WriteByte(0x22)
		buf.Write(i2b(props.TopicAliasMaximum))
	}
	if props.ReasonString != "" {
		buf.WriteByte(0x1F)
		buf.Write(encodeUTF8(props.ReasonString))
	}
	for _, up := range props.UserProperty {
		buf.WriteByte(0x26)
		buf.Write(encodeUTF8(up.Name))
		buf.Write(encodeUTF8(up.Value))
	}
	if props.WildcardSubscriptionAvailable != 0 {
		buf.WriteByte(0x28)
		buf.WriteByte(props.WildcardSubscriptionAvailable)
	}
	if props.SubscriptionIdentifierAvailable != 0 {
		buf.WriteByte(0x29)
		buf.WriteByte(props.SubscriptionIdentifierAvailable)
	}
	if props.SharedSubscriptionAvailable != 0 {
		buf.WriteByte(0x2A)
		buf.WriteByte(props.SharedSubscriptionAvailable)
	}
	if props.ServerKeepAlive != 0 {
		buf.WriteByte(0x13)
		buf.Write(i2b(props.ServerKeepAlive))
	}
	if props.ResponseInformation != "" {
		buf.WriteByte(0x1A)
		buf.Write(encodeUTF8(props.ResponseInformation))
	}
	if props.ServerReference != "" {
		buf.WriteByte(0x1C)
		buf.Write(encodeUTF8(props.ServerReference))
	}
	if props.AuthenticationMethod != "" {
		buf.WriteByte(0x15)
		buf.Write(encodeUTF8(props.AuthenticationMethod))
	}
	if len(props.AuthenticationData) != 0 {
		buf.WriteByte(0x16)
		buf.Write(encodeUTF8(props.AuthenticationData))
	}

	return bytes.Clone(buf.Bytes()), nil
}

func (props *ConnackProps) Unpack(b *bytes.Buffer) error {
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
		case 0x11:
			props.SessionExpiryInterval, i = binary.BigEndian.Uint32(b.Next(4)), i+4
		case 0x21:
			props.ReceiveMaximum, i = binary.BigEndian.Uint16(b.Next(2)), i+2
			if props.ReceiveMaximum == 0 {
				return ErrProtocolErr
			}
		case 0x24:
			props.MaximumQoS, i = b.Next(1)[0], i+1
			if props.MaximumQoS > 1 {
				return ErrProtocolErr
			}
		case 0x25:
			props.RetainAvailable, i = b.Next(1)[0], i+1
		case 0x27:
			props.MaximumPacketSize, i = binary.BigEndian.Uint32(b.Next(4)), i+4
			if props.MaximumPacketSize == 0 {
				return ErrProtocolErr
			}
		case 0x12:
			props.AssignedClientID = decodeUTF8[string](b)
			i += uint32(2 + len(props.AssignedClientID))
		case 0x22:
			props.TopicAliasMaximum, i = binary.BigEndian.Uint16(b.Next(2)), i+2
		case 0x1F:
			props.ReasonString = decodeUTF8[string](b)
			i += uint32(2 + len(props.ReasonString))
		case 0x26:
			key := decodeUTF8[string](b)
			value := decodeUTF8[string](b)
			props.UserProperty = append(props.UserProperty, UserProperty{Name: key, Value: value})
			i += uint32(4 + len(key) + len(value))
		case 0x28:
			props.WildcardSubscriptionAvailable, i = b.Next(1)[0], i+1
		case 0x29:
			props.SubscriptionIdentifierAvailable, i = b.Next(1)[0], i+1
		case 0x2A:
			props.SharedSubscriptionAvailable, i = b.Next(1)[0], i+1
		case 0x13:
			props.ServerKeepAlive, i = binary.BigEndian.Uint16(b.Next(2)), i+2
		case 0x1A:
			props.ResponseInformation = decodeUTF8[string](b)
			i += uint32(2 + len(props.ResponseInformation))
		case 0x1C:
			props.ServerReference = decodeUTF8[string](b)
			i += uint32(2 + len(props.ServerReference))
		case 0x15:
			props.AuthenticationMethod = decodeUTF8[string](b)
			i += uint32(2 + len(props.AuthenticationMethod))
		case 0x16:
			props.AuthenticationData = decodeUTF8[[]byte](b)
			i += uint32(2 + len(props.AuthenticationData))
		default:
			return ErrMalformedProperties
		}
	}
	return nil
}
