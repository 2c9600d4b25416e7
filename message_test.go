package dbus

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeDecodeMessageRoundTrip(t *testing.T) {
	msg := &Message{
		Type:   TypeMethodCall,
		Serial: 7,
		Path:   "/org/example/Foo",
		Iface:  "org.example.Foo",
		Member: "Bar",
		Dest:   "org.example.Service",
		Sig:    "si",
		Params: []interface{}{"hello", int32(5)},
	}

	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		data, err := EncodeMessage(msg, order)
		if err != nil {
			t.Fatalf("order=%v EncodeMessage error: %v", order, err)
		}
		decoded, n, err := DecodeMessage(data)
		if err != nil {
			t.Fatalf("order=%v DecodeMessage error: %v", order, err)
		}
		if n != len(data) {
			t.Errorf("order=%v consumed %d bytes, want %d", order, n, len(data))
		}
		if diff := cmp.Diff(msg, decoded); diff != "" {
			t.Errorf("order=%v round trip mismatch (-want +got):\n%s", order, diff)
		}
	}
}

func TestEncodeMessageBodyLengthExcludesHeader(t *testing.T) {
	msg := &Message{Type: TypeSignal, Serial: 1, Sig: "s", Params: []interface{}{"hi"}}
	data, err := EncodeMessage(msg, binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	bodyLength := binary.LittleEndian.Uint32(data[4:8])
	// "hi" marshals to a 4-byte length prefix + 2 bytes + NUL = 7 bytes.
	if bodyLength != 7 {
		t.Errorf("body length = %d, want 7", bodyLength)
	}
}

func TestDecodeMessageRejectsTruncatedInput(t *testing.T) {
	msg := NewMessage()
	msg.Type = TypeMethodCall
	msg.Sig = "s"
	msg.Params = []interface{}{"hello"}
	data, err := EncodeMessage(msg, binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := DecodeMessage(data[:len(data)-1]); err == nil {
		t.Error("expected an error decoding a truncated message")
	}
}

func TestMessageHeaderLengthNeedsMoreData(t *testing.T) {
	_, ok, err := messageHeaderLength([]byte{'l', byte(TypeMethodCall)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected ok=false with fewer than 16 bytes buffered")
	}
}
