package dbus

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func buildTestStream(t *testing.T, n int) []byte {
	t.Helper()
	var stream []byte
	for i := 0; i < n; i++ {
		msg := NewMessage()
		msg.Type = TypeSignal
		msg.Path = "/org/example/Foo"
		msg.Iface = "org.example.Foo"
		msg.Member = "Ping"
		msg.Sig = "i"
		msg.Params = []interface{}{int32(i)}
		data, err := EncodeMessage(msg, binary.LittleEndian)
		if err != nil {
			t.Fatal(err)
		}
		stream = append(stream, data...)
	}
	return stream
}

func drain(t *testing.T, p *StreamParser) []*Message {
	t.Helper()
	var out []*Message
	for {
		msg, ok, err := p.Next()
		if err != nil {
			t.Fatalf("Next() error: %v", err)
		}
		if !ok {
			return out
		}
		out = append(out, msg)
	}
}

func TestStreamParserChunkInvariant(t *testing.T) {
	stream := buildTestStream(t, 5)

	whole := &StreamParser{}
	whole.Write(stream)
	wholeMsgs := drain(t, whole)

	byteAtATime := &StreamParser{}
	var gotMsgs []*Message
	for _, b := range stream {
		byteAtATime.Write([]byte{b})
		gotMsgs = append(gotMsgs, drain(t, byteAtATime)...)
	}

	if diff := cmp.Diff(wholeMsgs, gotMsgs); diff != "" {
		t.Errorf("chunk-dependent parse mismatch (-whole +byte-at-a-time):\n%s", diff)
	}
	if len(wholeMsgs) != 5 {
		t.Fatalf("got %d messages, want 5", len(wholeMsgs))
	}
	for i, msg := range wholeMsgs {
		if msg.Params[0].(int32) != int32(i) {
			t.Errorf("message %d has payload %v, want %d", i, msg.Params[0], i)
		}
	}
}

func TestStreamParserPending(t *testing.T) {
	stream := buildTestStream(t, 1)
	p := &StreamParser{}
	p.Write(stream[:len(stream)-1])
	if _, ok, err := p.Next(); ok || err != nil {
		t.Fatalf("Next() = (_, %v, %v), want (_, false, nil) with an incomplete message", ok, err)
	}
	if p.Pending() != len(stream)-1 {
		t.Errorf("Pending() = %d, want %d", p.Pending(), len(stream)-1)
	}
}
