package packet

import (
	"bytes"
	"testing"
)

func TestUNSUBACK_Kind(t *testing.T) {
	unsuback := &UNSUBACK{}
	if unsuback.Kind() != 0xB {
		t.Errorf("UNSUBACK.Kind() = %d, want 0xB", unsuback.Kind())
	}
}

func TestUNSUBACK_PackUnpack_MQTT311(t *testing.T) {
	pkt := &UNSUBACK{
		FixedHeader: &FixedHeader{
			Version: VERSION311,
			Kind:    0xB,
		},
		PacketID: 4242,
	}

	var buf bytes.Buffer
	if err := pkt.Pack(&buf); err != nil {
		t.Fatalf("Pack() failed: %v", err)
	}

	body := buf.Bytes()[2:] // skip fixed header (1 byte type/flags + 1 byte remaining length)
	got := &UNSUBACK{FixedHeader: &FixedHeader{Version: VERSION311, Kind: 0xB}}
	if err := got.Unpack(bytes.NewBuffer(body)); err != nil {
		t.Fatalf("Unpack() failed: %v", err)
	}
	if got.PacketID != pkt.PacketID {
		t.Errorf("PacketID = %d, want %d", got.PacketID, pkt.PacketID)
	}
}

func TestUNSUBACK_PackUnpack_MQTT500_WithProperties(t *testing.T) {
	pkt := &UNSUBACK{
		FixedHeader: &FixedHeader{
			Version: VERSION500,
			Kind:    0xB,
		},
		PacketID: 7,
		Props: &UnsubackProperties{
			ReasonString: "unsubscribed",
			UserProperty: []UserProperty{
				{Name: "k", Value: "v1"},
				{Name: "k", Value: "v2"},
			},
		},
	}

	var buf bytes.Buffer
	if err := pkt.Pack(&buf); err != nil {
		t.Fatalf("Pack() failed: %v", err)
	}

	// Re-parse starting after the fixed header: byte 0 is type/flags, byte 1
	// is the (single-byte, since this packet is small) remaining length.
	body := buf.Bytes()[2:]
	got := &UNSUBACK{FixedHeader: &FixedHeader{Version: VERSION500, Kind: 0xB}}
	if err := got.Unpack(bytes.NewBuffer(body)); err != nil {
		t.Fatalf("Unpack() failed: %v", err)
	}
	if got.PacketID != pkt.PacketID {
		t.Errorf("PacketID = %d, want %d", got.PacketID, pkt.PacketID)
	}
	if got.Props == nil {
		t.Fatal("Props is nil")
	}
	if got.Props.ReasonString != "unsubscribed" {
		t.Errorf("ReasonString = %q, want %q", got.Props.ReasonString, "unsubscribed")
	}
	if len(got.Props.UserProperty) != 2 {
		t.Errorf("UserProperty = %v, want 2 values", got.Props.UserProperty)
	}
}

func TestUNSUBACK_Unpack_ShortPacketID(t *testing.T) {
	pkt := &UNSUBACK{FixedHeader: &FixedHeader{Version: VERSION311, Kind: 0xB}}
	err := pkt.Unpack(bytes.NewBuffer([]byte{0x01}))
	if err == nil {
		t.Error("Unpack() should fail on a truncated packet identifier")
	}
}

func TestUnsubackProperties_DuplicateReasonString(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(0x1F)
	payload.Write(encodeUTF8("first"))
	payload.WriteByte(0x1F)
	payload.Write(encodeUTF8("second"))

	full := new(bytes.Buffer)
	length, _ := encodeLength(payload.Len())
	full.Write(length)
	full.Write(payload.Bytes())

	props := &UnsubackProperties{}
	if err := props.Unpack(full); err == nil {
		t.Error("Unpack() should reject a duplicate Reason String property")
	}
}

func BenchmarkUNSUBACK_Pack(b *testing.B) {
	pkt := &UNSUBACK{
		FixedHeader: &FixedHeader{Version: VERSION311, Kind: 0xB},
		PacketID:    1,
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var buf bytes.Buffer
		pkt.Pack(&buf)
	}
}
