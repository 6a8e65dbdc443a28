package packet

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// AUTH supports extended (SASL-style) authentication exchanges, introduced
// in MQTT5 and absent from v3.1.1. Variable header: authentication reason
// code, then a property list. No payload. Flags must be zero
// [MQTT-3.15.1-1].
type AUTH struct {
	*FixedHeader

	// ReasonCode: 0x00 success, 0x18 continue authentication, 0x19
	// re-authenticate.
	ReasonCode ReasonCode

	Props *AuthProperties
}

func NewAUTH(version byte, reasonCode ReasonCode) *AUTH {
	return &AUTH{
		FixedHeader: &FixedHeader{
			Kind:    0x0F,
			Version: version,
		},
		ReasonCode: reasonCode,
		Props:      &AuthProperties{},
	}
}

// Validate checks flags, reason code and properties ahead of Pack.
func (pkt *AUTH) Validate() error {
	if pkt.Version != VERSION500 {
		return fmt.Errorf("AUTH packet not supported in MQTT v3.1.1")
	}
	if pkt.Dup != 0 || pkt.QoS != 0 || pkt.Retain != 0 {
		return fmt.Errorf("AUTH packet flags must be 0, got Dup:%d QoS:%d Retain:%d", pkt.Dup, pkt.QoS, pkt.Retain)
	}
	if !isValidAuthReasonCode(pkt.ReasonCode.Code) {
		return fmt.Errorf("invalid AUTH reason code: 0x%02X", pkt.ReasonCode.Code)
	}
	if pkt.Props != nil {
		if err := pkt.Props.Validate(); err != nil {
			return fmt.Errorf("AUTH properties validation failed: %w", err)
		}
	}
	return nil
}

func isValidAuthReasonCode(code uint8) bool {
	switch code {
	case 0x00, 0x18, 0x19:
		return true
	default:
		return false
	}
}

func (pkt *AUTH) Kind() byte {
	return 0xF
}

func (pkt *AUTH) Pack(w io.Writer) error {
	if err := pkt.Validate(); err != nil {
		return fmt.Errorf("AUTH packet validation failed: %w", err)
	}

	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.WriteByte(pkt.ReasonCode.Code)

	if pkt.Version == VERSION500 && pkt.Props != nil {
		propsData, err := pkt.Props.Pack()
		if err != nil {
			return fmt.Errorf("failed to pack AUTH properties: %w", err)
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
		return fmt.Errorf("failed to pack AUTH fixed header: %w", err)
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *AUTH) Unpack(buf *bytes.Buffer) error {
	if buf.Len() < 1 {
		return errors.New("insufficient data for AUTH reason code")
	}
	reasonCodeByte := buf.Next(1)[0]
	pkt.ReasonCode = ReasonCode{Code: reasonCodeByte}
	if !isValidAuthReasonCode(reasonCodeByte) {
		return fmt.Errorf("invalid AUTH reason code: 0x%02X", reasonCodeByte)
	}

	if pkt.Version == VERSION500 && buf.Len() > 0 {
		pkt.Props = &AuthProperties{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return fmt.Errorf("failed to unpack AUTH properties: %w", err)
		}
	}
	return nil
}

// AuthProperties is the MQTT5 AUTH property list. AuthenticationMethod must
// be present [MQTT-3.15.2-1]; AuthenticationData without it is a protocol
// error.
type AuthProperties struct {
	AuthenticationMethod AuthenticationMethod
	AuthenticationData   AuthenticationData
	ReasonString         ReasonString
	UserProperty         []UserProperty
}

func (props *AuthProperties) Validate() error {
	if props.AuthenticationData != nil && props.AuthenticationMethod == "" {
		return errors.New("authentication data cannot be present without authentication method")
	}
	if props.AuthenticationMethod != "" && !isValidUTF8String(string(props.AuthenticationMethod)) {
		return errors.New("authentication method contains invalid UTF-8")
	}
	if props.ReasonString != "" && !isValidUTF8String(string(props.ReasonString)) {
		return errors.New("reason string contains invalid UTF-8")
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

func isValidUTF8String(s string) bool {
	return utf8.ValidString(s)
}

func (props *AuthProperties) Pack() ([]byte, error) {
	if err := props.Validate(); err != nil {
		return nil, fmt.Errorf("properties validation failed: %w", err)
	}

	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.WriteByte(0x15)
	buf.Write(encodeUTF8(string(props.AuthenticationMethod)))

	if props.AuthenticationData != nil {
		buf.WriteByte(0x16)
		buf.Write(encodeUTF8([]byte(props.AuthenticationData)))
	}
	if props.ReasonString != "" {
		buf.WriteByte(0x1F)
		buf.Write(encodeUTF8(string(props.ReasonString)))
	}
	for _, up := range props.UserProperty {
		buf.WriteByte(0x26)
		buf.Write(encodeUTF8(up.Name))
		buf.Write(encodeUTF8(up.Value))
	}
	return bytes.Clone(buf.Bytes()), nil
}

func (props *AuthProperties) Unpack(buf *bytes.Buffer) error {
	propsLen, err := decodeLength(buf)
	if err != nil {
		return fmt.Errorf("failed to decode properties length: %w", err)
	}

	seen := propertySet{}
	for i := uint32(0); i < propsLen; {
		propID, err := decodeLength(buf)
		if err != nil {
			return fmt.Errorf("failed to decode property ID: %w", err)
		}
		if propID != 0x26 && seen.seen(propID) {
			return fmt.Errorf("duplicate property ID: 0x%02X", propID)
		}

		uLen := uint32(0)
		switch propID {
		case 0x15:
			if uLen, err = props.AuthenticationMethod.Unpack(buf); err != nil {
				return fmt.Errorf("failed to unpack AuthenticationMethod: %w", err)
			}
		case 0x16:
			if uLen, err = props.AuthenticationData.Unpack(buf); err != nil {
				return fmt.Errorf("failed to unpack AuthenticationData: %w", err)
			}
		case 0x1F:
			if uLen, err = props.ReasonString.Unpack(buf); err != nil {
				return fmt.Errorf("failed to unpack ReasonString: %w", err)
			}
		case 0x26:
			userProperty := UserProperty{}
			if uLen, err = userProperty.Unpack(buf); err != nil {
				return fmt.Errorf("failed to unpack user property: %w", err)
			}
			props.UserProperty = append(props.UserProperty, userProperty)
		default:
			return fmt.Errorf("unknown AUTH property ID: 0x%02X", propID)
		}
		i += 1 + uLen
	}
	return props.Validate()
}

func (pkt *AUTH) String() string {
	if pkt == nil {
		return "AUTH<nil>"
	}
	result := fmt.Sprintf("AUTH{ReasonCode:0x%02X", pkt.ReasonCode.Code)
	if pkt.Props != nil {
		if pkt.Props.AuthenticationMethod != "" {
			result += fmt.Sprintf(", Method:%s", pkt.Props.AuthenticationMethod)
		}
		if pkt.Props.AuthenticationData != nil {
			result += fmt.Sprintf(", DataLen:%d", len(pkt.Props.AuthenticationData))
		}
		if pkt.Props.ReasonString != "" {
			result += fmt.Sprintf(", Reason:%s", pkt.Props.ReasonString)
		}
		if len(pkt.Props.UserProperty) > 0 {
			result += fmt.Sprintf(", UserProps:%d", len(pkt.Props.UserProperty))
		}
	}
	result += "}"
	return result
}
