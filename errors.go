package dbus

import "fmt"

// TransportError reports a failure of the underlying byte stream: a socket
// error, a connection reset, or an unexpected end of stream.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("dbus: transport %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ErrEndOfStream is returned by Connection.Receive when the transport
// closes before a full message arrives.
var ErrEndOfStream = &TransportError{Op: "receive", Err: fmt.Errorf("end of stream")}

// AuthError reports a failed SASL handshake. Msg is the diagnostic line the
// server sent (for REJECTED) or a description of the unrecognised response.
type AuthError struct {
	Msg string
}

func (e *AuthError) Error() string { return "dbus: authentication failed: " + e.Msg }

// ProtocolError reports a failed header/body decode, a signature mismatch,
// an invalid object path, or a size-limit breach.
type ProtocolError struct {
	Op  string
	Msg string
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("dbus: %s: %s", e.Op, e.Msg) }

// RoutingError reports a router-level failure: a waiter woken by router
// shutdown before its reply arrived.
type RoutingError struct {
	Msg string
}

func (e *RoutingError) Error() string { return "dbus: " + e.Msg }

// NoReplyError is returned to every pending waiter when the router's
// receiver loop terminates (connection closed, transport error) before a
// reply for that waiter's call arrived.
var NoReplyError = &RoutingError{Msg: "no reply: router closed"}

// Error is a D-Bus error reply: a well-formed message of type "error"
// surfaced as a Go error carrying the bus-assigned error name and its
// decoded body.
type Error struct {
	Name string
	Body []interface{}
}

func (e *Error) Error() string {
	if len(e.Body) > 0 {
		if s, ok := e.Body[0].(string); ok {
			return fmt.Sprintf("dbus: %s: %s", e.Name, s)
		}
	}
	return fmt.Sprintf("dbus: %s", e.Name)
}
