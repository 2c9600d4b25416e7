// Package asyncio adapts a dbus.Router to cooperative, context-driven
// concurrency: every blocking operation takes a context.Context and
// returns as soon as it is cancelled, rather than assuming a dedicated
// thread per caller. It is the Go analogue of the asyncio/trio
// integration layers of a Python D-Bus client, which wrap the same
// blocking protocol state machine in an event loop's futures; Go has no
// single blessed event loop, so this package expresses the same idea with
// goroutines and context cancellation instead.
package asyncio

import (
	"context"

	"github.com/wirebus/dbus"
)

// Connection is a dbus.Router wrapped so every call site can be cancelled
// via context, for integration into a larger cooperative scheduler (an
// HTTP server's request context, a task group, a timeout).
type Connection struct {
	conn   *dbus.Connection
	router *dbus.Router
}

// Dial connects, authenticates, and starts routing. ctx bounds only the
// dial and authentication handshake, not the connection's subsequent
// lifetime; use Close to tear it down.
func Dial(ctx context.Context, addr string, mechs ...dbus.Authenticator) (*Connection, error) {
	type result struct {
		conn *dbus.Connection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := dbus.Connect(addr, mechs...)
		done <- result{c, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return &Connection{conn: r.conn, router: dbus.NewRouter(r.conn)}, nil
	}
}

// Call sends msg and waits for its reply, or for ctx to be cancelled —
// whichever happens first. On cancellation the router unregisters the
// pending waiter itself (dbus.Router.CallContext); a reply that arrives
// afterwards finds no waiter and is dropped like any other unmatched
// message, and the pending-call table never accumulates stale entries.
func (c *Connection) Call(ctx context.Context, msg *dbus.Message) (*dbus.Message, error) {
	return c.router.CallContext(ctx, msg)
}

// Signals returns a channel of messages matching rule, plus a function
// that must be called (directly, or via context cancellation below) to
// stop delivery. The channel is closed once unregistered.
func (c *Connection) Signals(rule *dbus.CompiledMatchRule) (<-chan *dbus.Message, func(), error) {
	return c.router.AddFilter(rule)
}

// WatchSignals is Signals plus automatic cleanup when ctx is done.
func (c *Connection) WatchSignals(ctx context.Context, rule *dbus.CompiledMatchRule) (<-chan *dbus.Message, error) {
	ch, remove, err := c.Signals(rule)
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		remove()
	}()
	return ch, nil
}

// Router exposes the underlying Router.
func (c *Connection) Router() *dbus.Router { return c.router }

// Close stops routing and closes the transport.
func (c *Connection) Close() error { return c.router.Close() }
