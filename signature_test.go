package dbus

import "testing"

func TestParseSignatureValid(t *testing.T) {
	cases := []string{
		"",
		"y", "b", "n", "q", "i", "u", "x", "t", "d", "s", "o", "g", "h", "v",
		"as",
		"a{sv}",
		"(ii)",
		"a(oa{sv})",
		"a{s(ii)}",
		"aaaai",
	}
	for _, sig := range cases {
		if _, err := ParseSignature(sig); err != nil {
			t.Errorf("ParseSignature(%q) returned error: %v", sig, err)
		}
	}
}

func TestParseSignatureInvalid(t *testing.T) {
	cases := []string{
		"{sv}",  // dict entry outside an array
		"a{vs}", // variant is not a valid dict-entry key
		"(",     // unterminated struct
		"a{si",  // unterminated dict entry
		"z",     // unknown code
		"()",    // empty struct
	}
	for _, sig := range cases {
		if _, err := ParseSignature(sig); err == nil {
			t.Errorf("ParseSignature(%q) expected an error, got nil", sig)
		}
	}
}

func TestSignatureString(t *testing.T) {
	nodes, err := ParseSignature("a{sv}")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := nodes[0].String(), "a{sv}"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestParseSignatureTooLong(t *testing.T) {
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'y'
	}
	if _, err := ParseSignature(string(long)); err == nil {
		t.Error("expected an error for a 256-byte signature")
	}
}
