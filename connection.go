package dbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Connection owns one authenticated transport to a bus and serialises
// writes to it. It knows nothing about matching replies to calls or
// dispatching signals; Router builds that on top.
type Connection struct {
	transport Transport
	order     binary.ByteOrder

	writeMu sync.Mutex
	serial  uint32

	parser StreamParser
}

// Connect dials addr over a UNIX domain socket, authenticates with mechs
// (defaulting to EXTERNAL), and returns a Connection ready to exchange
// messages. It does not send the Hello method call; callers that need a
// bus-assigned name should do that through BusDaemon.
func Connect(addr string, mechs ...Authenticator) (*Connection, error) {
	t, err := DialUnix(addr)
	if err != nil {
		return nil, err
	}
	if err := RunAuth(t, mechs...); err != nil {
		t.Close()
		return nil, err
	}
	return &Connection{transport: t, order: binary.LittleEndian}, nil
}

// ConnectSystemBus connects to the well-known system bus socket.
func ConnectSystemBus(mechs ...Authenticator) (*Connection, error) {
	return Connect(systemBusAddress(), mechs...)
}

// ConnectSessionBus connects to the session bus named by
// DBUS_SESSION_BUS_ADDRESS.
func ConnectSessionBus(mechs ...Authenticator) (*Connection, error) {
	addr, err := sessionBusAddress()
	if err != nil {
		return nil, err
	}
	return Connect(addr, mechs...)
}

// BusKind selects which well-known bus ResolveAddress resolves.
type BusKind int

const (
	SessionBus BusKind = iota
	SystemBus
)

// ResolveAddress returns the UNIX socket address for kind, using the same
// environment variables and fallback the Connect* helpers use, without
// dialing it.
func ResolveAddress(kind BusKind) (string, error) {
	switch kind {
	case SystemBus:
		return systemBusAddress(), nil
	case SessionBus:
		return sessionBusAddress()
	default:
		return "", &ProtocolError{Op: "resolve address", Msg: "unknown bus kind"}
	}
}

// Options configures Connect beyond its defaults (no dial timeout, EXTERNAL
// as the sole SASL mechanism).
type Options struct {
	// DialTimeout bounds the initial socket connect; zero means no timeout.
	DialTimeout time.Duration
	// Mechs, if non-empty, overrides the default EXTERNAL-only mechanism
	// list tried during authentication.
	Mechs []Authenticator
}

// ConnectWithOptions is Connect with explicit dial/auth behaviour instead of
// the zero-value defaults.
func ConnectWithOptions(addr string, opts Options) (*Connection, error) {
	t, err := DialUnixTimeout(addr, opts.DialTimeout)
	if err != nil {
		return nil, err
	}
	if err := RunAuth(t, opts.Mechs...); err != nil {
		t.Close()
		return nil, err
	}
	return &Connection{transport: t, order: binary.LittleEndian}, nil
}

func (c *Connection) nextSerial() uint32 {
	for {
		n := atomic.AddUint32(&c.serial, 1)
		if n != 0 {
			return n
		}
	}
}

// Send assigns msg a fresh serial, encodes it, and writes it to the
// transport along with any out-of-band file descriptors msg.Params
// carries as *FileDescriptor values. It returns the serial used.
func (c *Connection) Send(msg *Message) (uint32, error) {
	msg.Serial = c.nextSerial()
	files, params := extractFiles(msg.Params)
	msg.Params = params
	msg.NumFDs = uint32(len(files))

	data, err := EncodeMessage(msg, c.order)
	if err != nil {
		return 0, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if len(files) > 0 {
		_, err = c.transport.WriteWithFiles(data, files)
	} else {
		_, err = c.transport.Write(data)
	}
	if err != nil {
		return 0, err
	}
	return msg.Serial, nil
}

// extractFiles replaces every *FileDescriptor argument with its
// UnixFDIndex placeholder and returns the underlying *os.File values in
// index order, ready to travel as SCM_RIGHTS ancillary data.
func extractFiles(params []interface{}) ([]*os.File, []interface{}) {
	var files []*os.File
	out := make([]interface{}, len(params))
	for i, p := range params {
		if fd, ok := p.(*FileDescriptor); ok {
			files = append(files, fd.Take())
			out[i] = UnixFDIndex(len(files) - 1)
			continue
		}
		out[i] = p
	}
	return files, out
}

// Receive reads and decodes the next complete message from the
// transport, blocking until one full message has arrived. Any file
// descriptors that arrived alongside it are attached to msg.Params in
// place of their UnixFDIndex placeholders.
func (c *Connection) Receive() (*Message, error) {
	for {
		msg, ok, err := c.parser.Next()
		if err != nil {
			return nil, err
		}
		if ok {
			if err := attachFiles(msg, c.transport.TakeFiles()); err != nil {
				return nil, err
			}
			return msg, nil
		}
		buf := make([]byte, 65536)
		n, err := c.transport.Read(buf)
		if n > 0 {
			c.parser.Write(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrEndOfStream
			}
			return nil, err
		}
	}
}

// ReceiveTimeout is Receive bounded by a read deadline on the transport; a
// non-positive timeout is equivalent to Receive. On expiry it returns the
// transport's deadline-exceeded error wrapped in a *TransportError.
func (c *Connection) ReceiveTimeout(timeout time.Duration) (*Message, error) {
	if timeout <= 0 {
		return c.Receive()
	}
	if err := c.transport.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	defer c.transport.SetReadDeadline(time.Time{})
	return c.Receive()
}

// attachFiles resolves every UnixFDIndex placeholder in msg.Params against
// files, the descriptors that arrived as ancillary data alongside it. It
// errors if the number of descriptors delivered doesn't match msg.NumFDs,
// the header field the sender declared: a sender that lies about unix_fds
// must not be allowed to silently drop or leave unresolved descriptors.
func attachFiles(msg *Message, files []*os.File) error {
	if uint32(len(files)) != msg.NumFDs {
		for _, f := range files {
			f.Close()
		}
		return &ProtocolError{Op: "receive message", Msg: fmt.Sprintf("unix_fds header said %d but %d descriptors arrived", msg.NumFDs, len(files))}
	}
	if len(files) == 0 {
		return nil
	}
	for i, p := range msg.Params {
		if idx, ok := p.(UnixFDIndex); ok && int(idx) < len(files) {
			msg.Params[i] = NewFileDescriptor(files[idx])
		}
	}
	return nil
}

// Close closes the underlying transport.
func (c *Connection) Close() error { return c.transport.Close() }
