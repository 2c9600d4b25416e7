package dbus

import "sync"

// SignalWatch delivers signals matching a compiled rule on C until
// Cancel is called. If the rule's Sender names a well-known bus name
// (anything not already a unique ":N.M" name), the watch also tracks
// that name's current owner through the bus daemon's NameOwnerChanged
// signal so it keeps matching the name's owner even as ownership
// changes, and cancels itself once the name has no owner at all.
type SignalWatch struct {
	router *Router
	remove func()

	mu        sync.Mutex
	cancelled bool
	nameWatch *NameWatch
	C         chan *Message
}

// WatchSignal registers rule (forced to Type signal) with router and, if
// registry is non-nil and rule.Sender names a well-known bus name, tracks
// that name's owner through registry so the watch survives name-owner
// churn the way a raw sender match would not.
func WatchSignal(router *Router, registry *NameRegistry, rule MatchRule) (*SignalWatch, error) {
	rule.Type = TypeSignal
	compiled, err := rule.Compile()
	if err != nil {
		return nil, err
	}
	ch, remove, err := router.AddFilter(compiled)
	if err != nil {
		return nil, err
	}

	watch := &SignalWatch{router: router, remove: remove, C: make(chan *Message)}
	go watch.pump(ch)

	if registry != nil && rule.Sender != "" && rule.Sender != busDaemonName && rule.Sender[0] != ':' {
		nw, err := registry.Watch(rule.Sender)
		if err != nil {
			watch.Cancel()
			return nil, err
		}
		watch.nameWatch = nw
		go func() {
			for owner := range nw.C {
				if owner == "" {
					watch.Cancel()
					return
				}
			}
		}()
	}
	return watch, nil
}

func (w *SignalWatch) pump(ch <-chan *Message) {
	for msg := range ch {
		w.C <- msg
	}
	close(w.C)
}

// Cancel stops delivery and releases the match rule. Safe to call more
// than once.
func (w *SignalWatch) Cancel() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelled {
		return nil
	}
	w.cancelled = true
	if w.nameWatch != nil {
		w.nameWatch.Cancel()
	}
	w.remove()
	return nil
}
