package dbus

import (
	"context"
	"fmt"
	"sync"
)

// MetricsHook receives router lifecycle events for optional
// instrumentation; see package dbusmetrics for a Prometheus-backed
// implementation. Nil is a valid Router.hook: every call site checks it.
type MetricsHook interface {
	MessageSent(msgType string)
	MessageReceived(msgType string)
	FilterDropped(rule string)
	PendingWaiters(n int)
}

// filterQueueSize bounds how many unsolicited messages a single filter can
// have buffered before the router starts dropping them for that filter.
// A slow or absent consumer must never be able to block message dispatch
// for every other filter and every pending call.
const filterQueueSize = 16

type filter struct {
	id   int
	rule *CompiledMatchRule
	ch   chan *Message
}

// Router reads messages from a Connection on a dedicated goroutine,
// resolves method-return and error replies against their waiting caller,
// and fans every other message out to registered filters without letting
// one slow consumer block another.
type Router struct {
	conn *Connection
	hook MetricsHook

	mu       sync.Mutex
	pending  map[uint32]chan replyOrError
	filters  map[int]*filter
	nextID   int
	closed   bool
	closeErr error

	done chan struct{}
}

// SetHook attaches h to receive lifecycle events from this router. Not
// safe to call concurrently with router activity; set it right after
// NewRouter, before the connection is used.
func (r *Router) SetHook(h MetricsHook) { r.hook = h }

type replyOrError struct {
	msg *Message
	err error
}

// NewRouter starts the receive loop over conn. Call Close to stop it.
func NewRouter(conn *Connection) *Router {
	r := &Router{
		conn:    conn,
		pending: make(map[uint32]chan replyOrError),
		filters: make(map[int]*filter),
		done:    make(chan struct{}),
	}
	go r.receiveLoop()
	return r
}

func (r *Router) receiveLoop() {
	for {
		msg, err := r.conn.Receive()
		if err != nil {
			r.shutdown(err)
			return
		}
		r.dispatch(msg)
	}
}

func (r *Router) dispatch(msg *Message) {
	if r.hook != nil {
		r.hook.MessageReceived(msg.Type.String())
	}
	if msg.Type == TypeMethodReturn || msg.Type == TypeError {
		r.mu.Lock()
		ch, ok := r.pending[msg.ReplySerial]
		if ok {
			delete(r.pending, msg.ReplySerial)
			if r.hook != nil {
				r.hook.PendingWaiters(len(r.pending))
			}
		}
		r.mu.Unlock()
		if ok {
			if msg.Type == TypeError {
				ch <- replyOrError{err: &Error{Name: msg.ErrorName, Body: msg.Params}}
			} else {
				ch <- replyOrError{msg: msg}
			}
		}
		return
	}

	r.mu.Lock()
	matched := make([]*filter, 0, len(r.filters))
	for _, f := range r.filters {
		if f.rule.Matches(msg) {
			matched = append(matched, f)
		}
	}
	r.mu.Unlock()

	for _, f := range matched {
		select {
		case f.ch <- msg:
		default:
			logger.Warningf("dbus: filter %d queue full, dropping %s from %s", f.id, msg.Member, msg.Sender)
			if r.hook != nil {
				r.hook.FilterDropped(f.rule.String())
			}
		}
	}
}

func (r *Router) shutdown(err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.closeErr = err
	pending := r.pending
	r.pending = nil
	filters := r.filters
	r.filters = nil
	r.mu.Unlock()

	for _, ch := range pending {
		ch <- replyOrError{err: NoReplyError}
	}
	for _, f := range filters {
		close(f.ch)
	}
	close(r.done)
}

// Call sends msg and blocks until a reply with a matching serial arrives,
// the router is closed, or the message had FlagNoReplyExpected set (in
// which case it returns immediately after the send with a nil message).
// msg.Type must be TypeMethodCall; send_and_get_reply has no meaning for
// any other message type.
func (r *Router) Call(msg *Message) (*Message, error) {
	return r.CallContext(context.Background(), msg)
}

// CallContext is Call bounded by ctx: if ctx is done before a reply
// arrives, the pending waiter is unregistered (via Cancel) and ctx.Err()
// is returned. A reply that arrives after cancellation finds no waiter and
// is dropped by dispatch like any other unmatched message.
func (r *Router) CallContext(ctx context.Context, msg *Message) (*Message, error) {
	if msg.Type != TypeMethodCall {
		return nil, &ProtocolError{Op: "Call", Msg: "message type is not method_call"}
	}
	if msg.Flags&FlagNoReplyExpected != 0 {
		return nil, r.Send(msg)
	}

	ch := make(chan replyOrError, 1)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, NoReplyError
	}
	serial, err := r.registerAndSend(msg, ch)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case result := <-ch:
		if result.err != nil {
			return nil, result.err
		}
		return result.msg, nil
	case <-ctx.Done():
		r.Cancel(serial)
		return nil, ctx.Err()
	}
}

// Cancel removes a pending call's reply waiter, for a caller that gave up
// waiting (context cancellation, a timeout). It is a no-op if serial has
// already been resolved, was never registered, or the router is closed.
func (r *Router) Cancel(serial uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return
	}
	delete(r.pending, serial)
	if r.hook != nil {
		r.hook.PendingWaiters(len(r.pending))
	}
}

// registerAndSend must be called with r.mu held; it sends msg (assigning
// its serial) and, only on success, registers ch against that serial so a
// reply arriving between send and registration is never missed by the
// receive loop racing ahead of this call.
func (r *Router) registerAndSend(msg *Message, ch chan replyOrError) (uint32, error) {
	serial, err := r.conn.Send(msg)
	if err != nil {
		return 0, err
	}
	r.pending[serial] = ch
	if r.hook != nil {
		r.hook.MessageSent(msg.Type.String())
		r.hook.PendingWaiters(len(r.pending))
	}
	return serial, nil
}

// Send writes msg without waiting for any reply, for fire-and-forget
// calls, signals, and method returns/errors a server-side handler emits.
func (r *Router) Send(msg *Message) error {
	_, err := r.conn.Send(msg)
	if err == nil && r.hook != nil {
		r.hook.MessageSent(msg.Type.String())
	}
	return err
}

// AddFilter registers rule and returns a channel of messages matching it,
// plus a function to unregister and close that channel. The channel is
// buffered; if the consumer falls behind, excess messages are dropped
// (logged) rather than stalling dispatch for other filters or pending
// calls.
func (r *Router) AddFilter(rule *CompiledMatchRule) (<-chan *Message, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil, fmt.Errorf("dbus: router closed: %w", r.closeErr)
	}
	r.nextID++
	id := r.nextID
	f := &filter{id: id, rule: rule, ch: make(chan *Message, filterQueueSize)}
	r.filters[id] = f
	remove := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.filters[id]; ok {
			delete(r.filters, id)
			close(f.ch)
		}
	}
	return f.ch, remove, nil
}

// Close stops the receive loop, waking every pending Call and closing
// every filter channel.
func (r *Router) Close() error {
	err := r.conn.Close()
	<-r.done
	return err
}

// Done returns a channel closed once the router has shut down.
func (r *Router) Done() <-chan struct{} { return r.done }
