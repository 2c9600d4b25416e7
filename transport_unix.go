package dbus

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Transport is an ordered byte stream that can additionally carry file
// descriptors alongside the bytes written at a given point, and report
// file descriptors that arrived alongside bytes already read.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error

	// WriteWithFiles writes p and associates files with the bytes just
	// written, to be passed as SCM_RIGHTS ancillary data.
	WriteWithFiles(p []byte, files []*os.File) (int, error)

	// TakeFiles returns and clears any file descriptors that arrived
	// alongside data already delivered through Read, in arrival order.
	TakeFiles() []*os.File

	// SetReadDeadline bounds the next Read call(s); a zero Time disables
	// the deadline. Used by the blocking adapter's timeout-bounded
	// receive(timeout).
	SetReadDeadline(t time.Time) error
}

// unixTransport is a Transport over a UNIX domain socket, the only
// transport this package implements: D-Bus on Linux and BSD overwhelmingly
// runs over unix:path= or unix:abstract= addresses, and SCM_RIGHTS fd
// passing, the feature that most complicates the code, only exists on
// that path.
type unixTransport struct {
	conn *net.UnixConn

	mu      sync.Mutex
	pending []*os.File
}

// DialUnix connects to a UNIX domain socket address. addr may name an
// abstract-namespace socket by a leading '@', matching the D-Bus address
// convention for unix:abstract=.
func DialUnix(addr string) (Transport, error) {
	return DialUnixTimeout(addr, 0)
}

// DialUnixTimeout is DialUnix with a bound on how long the connect itself
// may take; zero means no timeout.
func DialUnixTimeout(addr string, timeout time.Duration) (Transport, error) {
	network := "unix"
	path := addr
	if strings.HasPrefix(addr, "@") {
		path = "@" + addr[1:]
	}
	if timeout <= 0 {
		raddr, err := net.ResolveUnixAddr(network, path)
		if err != nil {
			return nil, &TransportError{Op: "dial", Err: err}
		}
		conn, err := net.DialUnix(network, nil, raddr)
		if err != nil {
			return nil, &TransportError{Op: "dial", Err: err}
		}
		return &unixTransport{conn: conn}, nil
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.Dial(network, path)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, &TransportError{Op: "dial", Err: fmt.Errorf("dbus: dialed connection is not a UNIX socket")}
	}
	return &unixTransport{conn: unixConn}, nil
}

func (t *unixTransport) Read(p []byte) (int, error) {
	oob := make([]byte, unix.CmsgSpace(64*4))
	n, oobn, _, _, err := t.conn.ReadMsgUnix(p, oob)
	if err != nil {
		if n == 0 && oobn == 0 {
			return 0, &TransportError{Op: "read", Err: err}
		}
	}
	if oobn > 0 {
		files, ferr := parseAncillaryFiles(oob[:oobn])
		if ferr != nil {
			return n, &TransportError{Op: "read", Err: ferr}
		}
		if len(files) > 0 {
			t.mu.Lock()
			t.pending = append(t.pending, files...)
			t.mu.Unlock()
		}
	}
	if err != nil {
		return n, &TransportError{Op: "read", Err: err}
	}
	return n, nil
}

func parseAncillaryFiles(oob []byte) ([]*os.File, error) {
	messages, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var files []*os.File
	for _, m := range messages {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			return nil, err
		}
		for _, fd := range fds {
			files = append(files, os.NewFile(uintptr(fd), "dbus-fd"))
		}
	}
	return files, nil
}

func (t *unixTransport) Write(p []byte) (int, error) {
	n, err := t.conn.Write(p)
	if err != nil {
		return n, &TransportError{Op: "write", Err: err}
	}
	return n, nil
}

func (t *unixTransport) WriteWithFiles(p []byte, files []*os.File) (int, error) {
	if len(files) == 0 {
		return t.Write(p)
	}
	fds := make([]int, len(files))
	for i, f := range files {
		fds[i] = int(f.Fd())
	}
	oob := unix.UnixRights(fds...)
	n, _, err := t.conn.WriteMsgUnix(p, oob, nil)
	if err != nil {
		return n, &TransportError{Op: "write", Err: err}
	}
	return n, nil
}

func (t *unixTransport) TakeFiles() []*os.File {
	t.mu.Lock()
	defer t.mu.Unlock()
	files := t.pending
	t.pending = nil
	return files
}

func (t *unixTransport) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

func (t *unixTransport) Close() error {
	if err := t.conn.Close(); err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}

// systemBusAddress returns the UNIX socket path conventionally used for
// the system bus, honouring DBUS_SYSTEM_BUS_ADDRESS when set.
func systemBusAddress() string {
	if addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); addr != "" {
		return stripUnixPathPrefix(addr)
	}
	return "/var/run/dbus/system_bus_socket"
}

// sessionBusAddress returns the UNIX socket path from
// DBUS_SESSION_BUS_ADDRESS, the only supported way to locate the session
// bus: X11-property discovery is not implemented.
func sessionBusAddress() (string, error) {
	addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if addr == "" {
		return "", fmt.Errorf("dbus: DBUS_SESSION_BUS_ADDRESS is not set")
	}
	return stripUnixPathPrefix(addr), nil
}

func stripUnixPathPrefix(addr string) string {
	for _, part := range strings.Split(addr, ";") {
		if p := strings.TrimPrefix(part, "unix:path="); p != part {
			if i := strings.Index(p, ","); i >= 0 {
				p = p[:i]
			}
			return p
		}
		if p := strings.TrimPrefix(part, "unix:abstract="); p != part {
			if i := strings.Index(p, ","); i >= 0 {
				p = p[:i]
			}
			return "@" + p
		}
	}
	return addr
}
