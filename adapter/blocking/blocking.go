// Package blocking is the simplest concurrency adapter: one goroutine, no
// background receiver. It is the Go analogue of a synchronous
// io.blocking.DBusConnection from a Python D-Bus client: Call and
// Receive(timeout) both read directly off the wire, multiplexing the
// socket themselves instead of handing that job to a dedicated goroutine,
// and messages that don't resolve what's being waited for are buffered on
// whichever registered filter they match rather than dropped.
package blocking

import (
	"sync"
	"time"

	"github.com/wirebus/dbus"
)

// filterQueueSize bounds how many buffered messages a single filter can
// hold before the oldest is dropped to make room for the newest: nothing
// drains these queues but the same goroutine that calls Call/Receive, so
// an unbounded queue would just be a slow leak for a filter nobody is
// reading from promptly.
const filterQueueSize = 16

// Filter buffers messages matching a registered rule that arrive while
// Call or Receive is reading other messages off the wire. Pop to drain it.
type Filter struct {
	rule  *dbus.CompiledMatchRule
	queue []*dbus.Message
}

// Pop removes and returns the oldest buffered message, if any.
func (f *Filter) Pop() (*dbus.Message, bool) {
	if len(f.queue) == 0 {
		return nil, false
	}
	msg := f.queue[0]
	f.queue = f.queue[1:]
	return msg, true
}

// Connection is a single-threaded D-Bus connection: Call and Receive both
// read directly off the wire, so calling either from two goroutines
// concurrently is a race. Confine a Connection to one goroutine.
type Connection struct {
	conn *dbus.Connection

	mu      sync.Mutex
	filters []*Filter
}

// Dial connects and authenticates against addr, without starting any
// background goroutine.
func Dial(addr string, mechs ...dbus.Authenticator) (*Connection, error) {
	c, err := dbus.Connect(addr, mechs...)
	if err != nil {
		return nil, err
	}
	return &Connection{conn: c}, nil
}

// AddFilter registers rule; any message read during a later Call or
// Receive that matches it, and doesn't resolve that call's own reply, is
// buffered on the returned Filter instead of being dropped.
func (c *Connection) AddFilter(rule *dbus.CompiledMatchRule) *Filter {
	f := &Filter{rule: rule}
	c.mu.Lock()
	c.filters = append(c.filters, f)
	c.mu.Unlock()
	return f
}

// RemoveFilter unregisters f; it is a no-op if f was already removed.
func (c *Connection) RemoveFilter(f *Filter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.filters {
		if existing == f {
			c.filters = append(c.filters[:i], c.filters[i+1:]...)
			return
		}
	}
}

// dispatchUnmatched files msg into every registered filter it matches.
func (c *Connection) dispatchUnmatched(msg *dbus.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.filters {
		if !f.rule.Matches(msg) {
			continue
		}
		if len(f.queue) >= filterQueueSize {
			f.queue = f.queue[1:]
		}
		f.queue = append(f.queue, msg)
	}
}

// Call sends msg and blocks the calling goroutine, reading messages off
// the wire one at a time, until the matching reply arrives. Messages read
// along the way that match a registered filter are buffered there (see
// AddFilter); anything matching no filter is dropped, same as an unmatched
// signal would be for the other adapters' routers.
func (c *Connection) Call(msg *dbus.Message) (*dbus.Message, error) {
	serial, err := c.conn.Send(msg)
	if err != nil {
		return nil, err
	}
	if msg.Flags&dbus.FlagNoReplyExpected != 0 {
		return nil, nil
	}
	for {
		reply, err := c.conn.Receive()
		if err != nil {
			return nil, err
		}
		if (reply.Type == dbus.TypeMethodReturn || reply.Type == dbus.TypeError) && reply.ReplySerial == serial {
			if reply.Type == dbus.TypeError {
				return nil, &dbus.Error{Name: reply.ErrorName, Body: reply.Params}
			}
			return reply, nil
		}
		c.dispatchUnmatched(reply)
	}
}

// Receive multiplexes the socket with a read deadline, returning the next
// message of any kind within timeout (a non-positive timeout blocks
// indefinitely). The message is also filed into any matching registered
// filter, same as a message read inside Call.
func (c *Connection) Receive(timeout time.Duration) (*dbus.Message, error) {
	msg, err := c.conn.ReceiveTimeout(timeout)
	if err != nil {
		return nil, err
	}
	c.dispatchUnmatched(msg)
	return msg, nil
}

// Close closes the underlying connection.
func (c *Connection) Close() error { return c.conn.Close() }
