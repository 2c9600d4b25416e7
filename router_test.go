package dbus

import (
	"encoding/binary"
	"io"
	"net"
	"os"
	"testing"
	"time"
)

// pipeTransport adapts a net.Conn to the Transport interface for tests;
// it carries no file descriptors, which is fine since net.Pipe is an
// in-memory connection with no ancillary-data support anyway.
type pipeTransport struct {
	net.Conn
}

func (p *pipeTransport) WriteWithFiles(b []byte, _ []*os.File) (int, error) { return p.Write(b) }
func (p *pipeTransport) TakeFiles() []*os.File                              { return nil }

func newConnectionPair() (*Connection, net.Conn) {
	client, server := net.Pipe()
	return &Connection{transport: &pipeTransport{client}, order: binary.LittleEndian}, server
}

func TestRouterCallMatchesReplyBySerial(t *testing.T) {
	conn, server := newConnectionPair()
	router := NewRouter(conn)
	defer router.Close()

	serverErrs := make(chan error, 1)
	go func() {
		buf := make([]byte, 65536)
		parser := &StreamParser{}
		for {
			n, err := server.Read(buf)
			if err != nil {
				serverErrs <- err
				return
			}
			parser.Write(buf[:n])
			for {
				msg, ok, err := parser.Next()
				if err != nil {
					serverErrs <- err
					return
				}
				if !ok {
					break
				}
				reply, err := NewMethodReturn(msg, "s", "pong")
				if err != nil {
					serverErrs <- err
					return
				}
				data, err := EncodeMessage(reply, binary.LittleEndian)
				if err != nil {
					serverErrs <- err
					return
				}
				if _, err := server.Write(data); err != nil {
					serverErrs <- err
					return
				}
			}
		}
	}()

	call, err := NewMethodCall(Address{Name: "org.example.Foo", Path: "/x", Interface: "org.example.Foo"}, "Ping", "")
	if err != nil {
		t.Fatal(err)
	}
	reply, err := router.Call(call)
	if err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if len(reply.Params) != 1 || reply.Params[0].(string) != "pong" {
		t.Errorf("reply params = %v, want [pong]", reply.Params)
	}
}

func TestRouterAddFilterDispatchesSignals(t *testing.T) {
	conn, server := newConnectionPair()
	router := NewRouter(conn)
	defer router.Close()

	rule, err := MatchRule{Type: TypeSignal, Member: "Tick"}.Compile()
	if err != nil {
		t.Fatal(err)
	}
	ch, remove, err := router.AddFilter(rule)
	if err != nil {
		t.Fatal(err)
	}
	defer remove()

	sig := NewMessage()
	sig.Type = TypeSignal
	sig.Path = "/x"
	sig.Iface = "org.example.Foo"
	sig.Member = "Tick"
	data, err := EncodeMessage(sig, binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	go server.Write(data)

	select {
	case msg := <-ch:
		if msg.Member != "Tick" {
			t.Errorf("got signal member %q, want Tick", msg.Member)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
}

func TestRouterCallRejectsNonMethodCall(t *testing.T) {
	conn, server := newConnectionPair()
	defer server.Close()
	router := NewRouter(conn)
	defer router.Close()

	sig, err := NewSignal(Address{Path: "/x", Interface: "org.example.Foo"}, "Tick", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := router.Call(sig); err == nil {
		t.Fatal("expected Call to reject a signal message, got nil error")
	} else if _, ok := err.(*ProtocolError); !ok {
		t.Errorf("Call() error = %T(%v), want *ProtocolError", err, err)
	}
}

func TestRouterCloseWakesPendingCalls(t *testing.T) {
	conn, server := newConnectionPair()
	router := NewRouter(conn)

	call, err := NewMethodCall(Address{Name: "org.example.Foo", Path: "/x", Interface: "org.example.Foo"}, "Ping", "")
	if err != nil {
		t.Fatal(err)
	}

	// drain the server side without replying, so the call is written and
	// left pending
	go io.Copy(io.Discard, server)

	errCh := make(chan error, 1)
	go func() {
		_, err := router.Call(call)
		errCh <- err
	}()

	// give Call time to register before closing
	time.Sleep(50 * time.Millisecond)
	server.Close()
	router.Close()

	select {
	case err := <-errCh:
		if err != NoReplyError {
			t.Errorf("Call() error = %v, want NoReplyError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Call to unblock")
	}
}
