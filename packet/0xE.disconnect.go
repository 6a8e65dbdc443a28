package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DISCONNECT is sent by either party to say an orderly close is coming, and
// by the server in place of a low-level CONNACK rejection once a session
// has been established. Variable header: (MQTT5) reason code and property
// list, both omittable when the reason is normal disconnection and there
// are no properties. No payload. Flags must be zero [MQTT-3.14.1-1].
type DISCONNECT struct {
	*FixedHeader `json:"FixedHeader,omitempty"`

	// ReasonCode is MQTT5-only; absent (RemainingLength 0) means Normal
	// disconnection (0x00).
	ReasonCode ReasonCode

	Props *DisconnectProperties
}

func NewDISCONNECT(version byte, reasonCode ReasonCode) *DISCONNECT {
	return &DISCONNECT{
		FixedHeader: &FixedHeader{
			Kind:    0x0E,
			Version: version,
		},
		ReasonCode: reasonCode,
		Props:      &DisconnectProperties{},
	}
}

// Validate checks flags and reason code ahead of Pack; Pack always calls it.
func (pkt *DISCONNECT) Validate() error {
	if pkt.Dup != 0 || pkt.QoS != 0 || pkt.Retain != 0 {
		return fmt.Errorf("DISCONNECT packet flags must be 0, got Dup:%d QoS:%d Retain:%d", pkt.Dup, pkt.QoS, pkt.Retain)
	}
	if !isValidDisconnectReasonCode(pkt.ReasonCode.Code) {
		return fmt.Errorf("invalid DISCONNECT reason code: 0x%02X", pkt.ReasonCode.Code)
	}
	if pkt.Props != nil {
		if err := pkt.Props.Validate(); err != nil {
			return fmt.Errorf("DISCONNECT properties validation failed: %w", err)
		}
	}
	return nil
}

func isValidDisconnectReasonCode(code uint8) bool {
	switch code {
	case 0x00, 0x04, 0x80, 0x81, 0x82, 0x8C, 0x8D, 0x9C, 0x9D:
		return true
	default:
		return false
	}
}

func (pkt *DISCONNECT) Kind() byte {
	return 0xE
}

func (pkt *DISCONNECT) Pack(w io.Writer) error {
	if err := pkt.Validate(); err != nil {
		return fmt.Errorf("DISCONNECT packet validation failed: %w", err)
	}

	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.WriteByte(pkt.ReasonCode.Code)

	if pkt.Version == VERSION500 && pkt.Props != nil {
		propsData, err := pkt.Props.Pack()
		if err != nil {
			return fmt.Errorf("failed to pack DISCONNECT properties: %w", err)
		}
		propsLen, err := encodeLength(len(propsData))
		if err != nil {
			return fmt.Errorf("failed to encode properties length: %w", err)
		}
		buf.Write(propsLen)
		buf.Write(propsData)
	}

	pkt.FixedHeader.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return fmt.Errorf("failed to pack DISCONNECT fixed header: %w", err)
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *DISCONNECT) Unpack(buf *bytes.Buffer) error {
	// Remaining Length < 1 means reason code 0x00 (Normal disconnection)
	// [MQTT-3.14.2-1].
	if buf.Len() >= 1 {
		reasonCodeByte := buf.Next(1)[0]
		pkt.ReasonCode = ReasonCode{Code: reasonCodeByte}
		if pkt.Version == VERSION500 && !isValidDisconnectReasonCode(reasonCodeByte) {
			return fmt.Errorf("invalid DISCONNECT reason code: 0x%02X", reasonCodeByte)
		}
	} else {
		pkt.ReasonCode = ReasonCode{Code: 0x00}
	}

	if pkt.Version == VERSION500 {
		pkt.Props = &DisconnectProperties{}
		if buf.Len() > 0 {
			if err := pkt.Props.Unpack(buf); err != nil {
				return fmt.Errorf("failed to unpack DISCONNECT properties: %w", err)
			}
		}
	}
	return nil
}

// DisconnectProperties is the MQTT5 DISCONNECT property list.
// [MQTT-3.14.2-2]: the server must not send SessionExpiryInterval here.
type DisconnectProperties struct {
	SessionExpiryInterval uint32 // 0x11, seconds; 0xFFFFFFFF never expires.
	ReasonString          string // 0x1F
	UserProperty          []UserProperty
	ServerReference       string // 0x1C, set alongside reason 0x9C/0x9D to redirect the client.
}

func (props *DisconnectProperties) Validate() error {
	if props.ReasonString != "" && !isValidUTF8String(props.ReasonString) {
		return errors.New("reason string contains invalid UTF-8")
	}
	if props.ServerReference != "" && !isValidUTF8String(props.ServerReference) {
		return errors.New("server reference contains invalid UTF-8")
	}
	for _, up := range props.UserProperty {
		if !isValidUTF8String(up.Name) {
			return fmt.Errorf("user property key contains invalid UTF-8: %s", up.Name)
		}
		if !isValidUTF8String(up.Value) {
			return fmt.Errorf("user property value contains invalid UTF-8: %s", up.Value)
		}
	}
	return nil
}

func (props *DisconnectProperties) Pack() ([]byte, error) {
	if err := props.Validate(); err != nil {
		return nil, fmt.Errorf("properties validation failed: %w", err)
	}

	buf := GetBuffer()
	defer PutBuffer(buf)

	if props.SessionExpiryInterval != 0 {
		buf.WriteByte(0x11)
		buf.Write(i4b(props.SessionExpiryInterval))
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
	if props.ServerReference != "" {
		buf.WriteByte(0x1C)
		buf.Write(encodeUTF8(props.ServerReference))
	}
	return bytes.Clone(buf.Bytes()), nil
}

func (props *DisconnectProperties) Unpack(buf *bytes.Buffer) error {
	propsLen, err := decodeLength(buf)
	if err != nil {
		return fmt.Errorf("failed to decode properties length: %w", err)
	}

	seen := propertySet{}
	for i := uint32(0); i < propsLen; i++ {
		propID, err := decodeLength(buf)
		if err != nil {
			return err
		}
		if propID != 0x26 && seen.seen(propID) {
			return fmt.Errorf("duplicate property ID: 0x%02X", propID)
		}
		switch propID {
		case 0x11:
			props.SessionExpiryInterval, i = binary.BigEndian.Uint32(buf.Next(4)), i+4
		case 0x1F:
			props.ReasonString = decodeUTF8[string](buf)
			i += uint32(2 + len(props.ReasonString))
		case 0x26:
			key := decodeUTF8[string](buf)
			value := decodeUTF8[string](buf)
			props.UserProperty = append(props.UserProperty, UserProperty{Name: key, Value: value})
			i += uint32(4 + len(key) + len(value))
		case 0x1C:
			props.ServerReference = decodeUTF8[string](buf)
			i += uint32(2 + len(props.ServerReference))
		default:
			return fmt.Errorf("unknown DISCONNECT property ID: 0x%02X", propID)
		}
	}
	return props.Validate()
}

func (pkt *DISCONNECT) String() string {
	if pkt == nil {
		return "DISCONNECT<nil>"
	}
	result := fmt.Sprintf("DISCONNECT{ReasonCode:0x%02X", pkt.ReasonCode.Code)
	if pkt.Props != nil {
		if pkt.Props.SessionExpiryInterval != 0 {
			result += fmt.Sprintf(", SessionExpiry:%d", pkt.Props.SessionExpiryInterval)
		}
		if pkt.Props.ReasonString != "" {
			result += fmt.Sprintf(", Reason:%s", pkt.Props.ReasonString)
		}
		if len(pkt.Props.UserProperty) > 0 {
			result += fmt.Sprintf(", UserProps:%d", len(pkt.Props.UserProperty))
		}
		if pkt.Props.ServerReference != "" {
			result += fmt.Sprintf(", ServerRef:%s", pkt.Props.ServerReference)
		}
	}
	result += "}"
	return result
}
