package dbus

import "testing"

func TestNewMethodCallRequiresDestinationName(t *testing.T) {
	_, err := NewMethodCall(Address{Path: "/x", Interface: "org.example.Foo"}, "Ping", "")
	if err == nil {
		t.Fatal("expected an error when Address.Name is empty")
	}
	if _, ok := err.(*ProtocolError); !ok {
		t.Errorf("error = %T(%v), want *ProtocolError", err, err)
	}
}

func TestNewSignalRequiresInterface(t *testing.T) {
	_, err := NewSignal(Address{Path: "/x"}, "Tick", "")
	if err == nil {
		t.Fatal("expected an error when Address.Interface is empty")
	}
	if _, ok := err.(*ProtocolError); !ok {
		t.Errorf("error = %T(%v), want *ProtocolError", err, err)
	}
}
