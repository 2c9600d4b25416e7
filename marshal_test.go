package dbus

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func roundTrip(t *testing.T, sig Signature, args []interface{}, order binary.ByteOrder) []interface{} {
	t.Helper()
	data, err := MarshalBody(sig, args, order)
	if err != nil {
		t.Fatalf("MarshalBody(%q, %v) error: %v", sig, args, err)
	}
	out, err := UnmarshalBody(sig, data, order)
	if err != nil {
		t.Fatalf("UnmarshalBody(%q) error: %v", sig, err)
	}
	return out
}

func TestMarshalRoundTripScalars(t *testing.T) {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		got := roundTrip(t, "ybnqiuxtd", []interface{}{
			byte(7), true, int16(-3), uint16(9), int32(-100), uint32(100), int64(-1), uint64(1), 3.5,
		}, order)
		want := []interface{}{byte(7), true, int16(-3), uint16(9), int32(-100), uint32(100), int64(-1), uint64(1), 3.5}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("order=%v round trip mismatch (-want +got):\n%s", order, diff)
		}
	}
}

func TestMarshalRoundTripStringsAndPaths(t *testing.T) {
	got := roundTrip(t, "sog", []interface{}{"hello", ObjectPath("/a/b"), Signature("a{sv}")}, binary.LittleEndian)
	want := []interface{}{"hello", ObjectPath("/a/b"), Signature("a{sv}")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMarshalRejectsNULInString(t *testing.T) {
	_, err := MarshalBody("s", []interface{}{"a\x00b"}, binary.LittleEndian)
	if err == nil {
		t.Error("expected an error for a string containing NUL")
	}
}

func TestMarshalRoundTripArray(t *testing.T) {
	got := roundTrip(t, "as", []interface{}{[]interface{}{"x", "y", "z"}}, binary.LittleEndian)
	want := []interface{}{[]interface{}{"x", "y", "z"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMarshalRoundTripStruct(t *testing.T) {
	got := roundTrip(t, "(si)", []interface{}{[]interface{}{"x", int32(5)}}, binary.LittleEndian)
	want := []interface{}{[]interface{}{"x", int32(5)}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMarshalRoundTripDict(t *testing.T) {
	in := Dict{Entries: []DictEntry{
		{Key: "a", Value: int32(1)},
		{Key: "b", Value: int32(2)},
	}}
	got := roundTrip(t, "a{si}", []interface{}{in}, binary.LittleEndian)
	want := []interface{}{in}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMarshalRoundTripVariant(t *testing.T) {
	got := roundTrip(t, "v", []interface{}{Variant{Value: uint32(42)}}, binary.LittleEndian)
	want := []interface{}{Variant{Sig: "u", Value: uint32(42)}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMarshalArgumentCountMismatch(t *testing.T) {
	_, err := MarshalBody("ss", []interface{}{"only one"}, binary.LittleEndian)
	if err == nil {
		t.Error("expected an error for an argument count mismatch")
	}
}

func TestMarshalRejectsOutOfRangeInteger(t *testing.T) {
	_, err := MarshalBody("y", []interface{}{int64(300)}, binary.LittleEndian)
	if err == nil {
		t.Error("expected an error for a byte value out of range")
	}
}

func TestArrayLengthExcludesLeadingPadding(t *testing.T) {
	// A struct array's elements are 8-byte aligned; the 4 pad bytes
	// between the length field and the first element must not be
	// counted in the length.
	data, err := MarshalBody("a(ii)", []interface{}{
		[]interface{}{
			[]interface{}{int32(1), int32(2)},
		},
	}, binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	length := binary.LittleEndian.Uint32(data[0:4])
	if length != 8 {
		t.Errorf("array length = %d, want 8 (one (ii) struct, pad excluded)", length)
	}
}
