package dbus

import "sync"

// NameWatch reports ownership changes for one well-known bus name: each
// new owner's unique connection name arrives on C, and an empty string
// means the name currently has no owner.
type NameWatch struct {
	tracker *nameTracker
	C       chan string

	cancelOnce sync.Once
}

// Cancel stops this watch. The underlying ownership tracking for the bus
// name is torn down once its last watch is cancelled.
func (w *NameWatch) Cancel() {
	w.cancelOnce.Do(func() {
		w.tracker.removeWatch(w)
	})
}

type nameTracker struct {
	registry *NameRegistry
	busName  string
	signal   *SignalWatch

	mu           sync.Mutex
	currentOwner string
	haveOwner    bool
	watches      map[*NameWatch]struct{}
}

func newNameTracker(registry *NameRegistry, busName string) (*nameTracker, error) {
	t := &nameTracker{registry: registry, busName: busName, watches: make(map[*NameWatch]struct{})}

	watch, err := WatchSignal(registry.router, nil, MatchRule{
		Type:      TypeSignal,
		Sender:    busDaemonName,
		Path:      busDaemonAddress.Path,
		Interface: busDaemonName,
		Member:    "NameOwnerChanged",
		Args:      []ArgMatch{{Index: 0, Kind: ArgString, Value: busName}},
	})
	if err != nil {
		return nil, err
	}
	t.signal = watch

	go func() {
		for msg := range watch.C {
			if len(msg.Params) != 3 {
				continue
			}
			newOwner, ok := msg.Params[2].(string)
			if !ok {
				continue
			}
			t.setOwner(newOwner)
		}
	}()

	go t.checkCurrentOwner()
	return t, nil
}

func (t *nameTracker) checkCurrentOwner() {
	owner, err := t.registry.busDaemon.GetNameOwner(t.busName)
	if err != nil {
		if dbusErr, ok := err.(*Error); !ok || dbusErr.Name != "org.freedesktop.DBus.Error.NameHasNoOwner" {
			logger.Warningf("dbus: unexpected error from GetNameOwner(%s): %v", t.busName, err)
		}
		owner = ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.haveOwner {
		t.haveOwner = true
		t.currentOwner = owner
		for w := range t.watches {
			w.C <- owner
		}
	}
}

func (t *nameTracker) setOwner(owner string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.haveOwner = true
	t.currentOwner = owner
	for w := range t.watches {
		w.C <- owner
	}
}

func (t *nameTracker) addWatch() *NameWatch {
	w := &NameWatch{tracker: t, C: make(chan string, 1)}
	t.mu.Lock()
	t.watches[w] = struct{}{}
	haveOwner, owner := t.haveOwner, t.currentOwner
	t.mu.Unlock()
	if haveOwner {
		w.C <- owner
	}
	return w
}

func (t *nameTracker) removeWatch(w *NameWatch) {
	t.mu.Lock()
	delete(t.watches, w)
	empty := len(t.watches) == 0
	t.mu.Unlock()
	close(w.C)
	if empty {
		t.registry.drop(t.busName)
		t.signal.Cancel()
	}
}

// NameRegistry tracks the current owner of well-known bus names on behalf
// of NameWatch and BusNameClaim, sharing one NameOwnerChanged subscription
// per name across every watcher instead of one per caller.
type NameRegistry struct {
	router    *Router
	busDaemon *BusDaemon

	mu       sync.Mutex
	trackers map[string]*nameTracker
}

// NewNameRegistry creates a registry backed by router and busDaemon.
func NewNameRegistry(router *Router, busDaemon *BusDaemon) *NameRegistry {
	return &NameRegistry{router: router, busDaemon: busDaemon, trackers: make(map[string]*nameTracker)}
}

// Watch starts (or joins) ownership tracking for busName.
func (nr *NameRegistry) Watch(busName string) (*NameWatch, error) {
	nr.mu.Lock()
	t, ok := nr.trackers[busName]
	if !ok {
		var err error
		t, err = newNameTracker(nr, busName)
		if err != nil {
			nr.mu.Unlock()
			return nil, err
		}
		nr.trackers[busName] = t
	}
	nr.mu.Unlock()
	return t.addWatch(), nil
}

func (nr *NameRegistry) drop(busName string) {
	nr.mu.Lock()
	delete(nr.trackers, busName)
	nr.mu.Unlock()
}

// NameFlags are the RequestName flag bits.
type NameFlags uint32

const (
	NameFlagAllowReplacement NameFlags = 1 << iota
	NameFlagReplaceExisting
	NameFlagDoNotQueue
)

// RequestName reply codes, per org.freedesktop.DBus.RequestName.
const (
	RequestNamePrimaryOwner uint32 = 1
	RequestNameInQueue      uint32 = 2
	RequestNameExists       uint32 = 3
	RequestNameAlreadyOwner uint32 = 4
)

// BusNameClaim tracks this connection's ownership of a requested
// well-known bus name: C receives nil once the name is acquired and a
// non-nil error if it is lost, denied, or already held.
type BusNameClaim struct {
	registry *NameRegistry
	Name     string
	Flags    NameFlags
	C        chan error

	mu           sync.Mutex
	released     bool
	needsRelease bool
	acquired     *SignalWatch
	lost         *SignalWatch
}

// ErrBusNameLost is sent on a BusNameClaim's channel when a previously
// held name is taken away (by ReplaceExisting from another connection).
var ErrBusNameLost = &RoutingError{Msg: "bus name ownership lost"}

// RequestName asynchronously requests ownership of busName. The result
// arrives on the returned claim's C channel.
func RequestName(registry *NameRegistry, busName string, flags NameFlags) *BusNameClaim {
	claim := &BusNameClaim{registry: registry, Name: busName, Flags: flags, C: make(chan error, 1)}
	go claim.request()
	return claim
}

func (c *BusNameClaim) request() {
	lost, err := WatchSignal(c.registry.router, nil, MatchRule{
		Type:      TypeSignal,
		Sender:    busDaemonName,
		Path:      busDaemonAddress.Path,
		Interface: busDaemonName,
		Member:    "NameLost",
		Args:      []ArgMatch{{Index: 0, Kind: ArgString, Value: c.Name}},
	})
	if err != nil {
		c.C <- err
		return
	}
	c.lost = lost
	go func() {
		if _, ok := <-lost.C; ok {
			c.C <- ErrBusNameLost
			c.Release()
		}
	}()

	acquired, err := WatchSignal(c.registry.router, nil, MatchRule{
		Type:      TypeSignal,
		Sender:    busDaemonName,
		Path:      busDaemonAddress.Path,
		Interface: busDaemonName,
		Member:    "NameAcquired",
		Args:      []ArgMatch{{Index: 0, Kind: ArgString, Value: c.Name}},
	})
	if err != nil {
		c.C <- err
		c.Release()
		return
	}
	c.acquired = acquired
	go func() {
		for range acquired.C {
			c.C <- nil
		}
	}()

	result, err := c.registry.busDaemon.RequestName(c.Name, uint32(c.Flags))
	if err != nil {
		c.C <- err
		c.Release()
		return
	}
	switch result {
	case RequestNamePrimaryOwner:
		c.mu.Lock()
		c.needsRelease = true
		c.mu.Unlock()
	case RequestNameInQueue:
		c.mu.Lock()
		c.needsRelease = true
		c.mu.Unlock()
		c.C <- &RoutingError{Msg: "in queue for name ownership"}
	case RequestNameExists:
		c.C <- &RoutingError{Msg: "name already owned by another connection"}
		c.Release()
	case RequestNameAlreadyOwner:
		c.C <- &RoutingError{Msg: "name already owned by this connection"}
		c.Release()
	default:
		c.C <- &RoutingError{Msg: "unrecognised RequestName result"}
		c.Release()
	}
}

// Release releases the name claim, sending ReleaseName to the bus if the
// name was granted or this connection was queued for it.
func (c *BusNameClaim) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil
	}
	c.released = true
	if c.acquired != nil {
		c.acquired.Cancel()
	}
	if c.lost != nil {
		c.lost.Cancel()
	}
	if c.needsRelease {
		result, err := c.registry.busDaemon.ReleaseName(c.Name)
		if err != nil {
			return err
		}
		if result != 1 {
			logger.Warningf("dbus: unexpected result releasing name %s: %d", c.Name, result)
		}
		c.needsRelease = false
	}
	return nil
}
