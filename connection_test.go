package dbus

import (
	"encoding/binary"
	"net"
	"os"
	"testing"
	"time"
)

// fixedFDTransport is a net.Conn-backed Transport whose TakeFiles always
// returns a fixed, possibly wrong, number of descriptors, to exercise the
// unix_fds mismatch check in attachFiles independent of a real SCM_RIGHTS
// exchange.
type fixedFDTransport struct {
	net.Conn
	files []*os.File
}

func (t *fixedFDTransport) WriteWithFiles(b []byte, _ []*os.File) (int, error) { return t.Write(b) }
func (t *fixedFDTransport) TakeFiles() []*os.File                              { return t.files }

func TestReceiveRejectsUnixFDsMismatch(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	conn := &Connection{transport: &fixedFDTransport{Conn: client}, order: binary.LittleEndian}

	msg := NewMessage()
	msg.Type = TypeMethodReturn
	msg.ReplySerial = 1
	msg.Sig = "h"
	msg.Params = []interface{}{UnixFDIndex(0)}
	msg.NumFDs = 1 // claims one fd, but the transport below hands back none
	data, err := EncodeMessage(msg, binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := server.Write(data)
		errCh <- err
	}()

	_, err = conn.Receive()
	if err == nil {
		t.Fatal("expected an error when the delivered descriptor count doesn't match unix_fds")
	}
	if _, ok := err.(*ProtocolError); !ok {
		t.Errorf("error = %T(%v), want *ProtocolError", err, err)
	}
	select {
	case werr := <-errCh:
		if werr != nil {
			t.Fatalf("server write error: %v", werr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server write")
	}
}
