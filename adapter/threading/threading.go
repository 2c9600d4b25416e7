// Package threading adapts a dbus.Router to a dedicated-goroutine model:
// one supervised goroutine owns the socket, every caller gets futures.
// This is the Go analogue of io.threading.DBusConnection from a Python
// D-Bus client, which dedicates an OS thread to the receive loop and lets
// arbitrary caller threads block on condition variables for their
// replies; here that role is filled by dbus.Router itself (it already
// runs its own receive goroutine), and this package's job is to supervise
// that goroutine's lifetime with errgroup so callers can block on Wait
// until it stops. Wait does not report the cause of a transport failure.
package threading

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/wirebus/dbus"
)

// Connection supervises a Router's background receive goroutine and
// exposes blocking, thread-safe Call/Send, suitable for a program that
// issues D-Bus calls from many goroutines concurrently.
type Connection struct {
	conn   *dbus.Connection
	router *dbus.Router
	group  *errgroup.Group
}

// Dial connects, authenticates, and starts the router's receive goroutine
// under supervision of an errgroup tied to ctx: cancelling ctx or the
// transport failing both end up observable through Wait.
func Dial(ctx context.Context, addr string, mechs ...dbus.Authenticator) (*Connection, error) {
	conn, err := dbus.Connect(addr, mechs...)
	if err != nil {
		return nil, err
	}
	router := dbus.NewRouter(conn)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-router.Done()
		return nil
	})
	group.Go(func() error {
		select {
		case <-gctx.Done():
			return router.Close()
		case <-router.Done():
			return nil
		}
	})

	return &Connection{conn: conn, router: router, group: group}, nil
}

// Call sends msg and blocks until its reply arrives, safe to call from
// any number of goroutines concurrently.
func (c *Connection) Call(msg *dbus.Message) (*dbus.Message, error) {
	return c.router.Call(msg)
}

// Send writes msg without waiting for a reply.
func (c *Connection) Send(msg *dbus.Message) error {
	return c.router.Send(msg)
}

// Router exposes the underlying Router for AddFilter-based signal
// watching.
func (c *Connection) Router() *dbus.Router { return c.router }

// Wait blocks until the connection's receive goroutine has stopped
// (Close, a transport failure, or cancellation of the Dial context). It
// returns the error from closing the router when context cancellation
// triggered the shutdown, and nil otherwise; the cause of a transport
// failure is not returned.
func (c *Connection) Wait() error { return c.group.Wait() }

// Close stops the receive goroutine and closes the transport.
func (c *Connection) Close() error {
	err := c.router.Close()
	c.group.Wait()
	return err
}
