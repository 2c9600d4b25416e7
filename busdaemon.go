package dbus

const busDaemonName = "org.freedesktop.DBus"

var busDaemonAddress = Address{Name: busDaemonName, Path: "/org/freedesktop/DBus", Interface: busDaemonName}

// BusDaemon is a thin client for org.freedesktop.DBus, the bus daemon's
// own object: the name registry, match-rule registration, and connection
// introspection every client needs regardless of what it otherwise talks
// to.
type BusDaemon struct {
	router *Router
}

// NewBusDaemon wraps router with the org.freedesktop.DBus method set.
func NewBusDaemon(router *Router) *BusDaemon { return &BusDaemon{router: router} }

func (b *BusDaemon) call(member string, sig Signature, args ...interface{}) (*Message, error) {
	msg, err := NewMethodCall(busDaemonAddress, member, sig, args...)
	if err != nil {
		return nil, err
	}
	return b.router.Call(msg)
}

// Hello registers the connection with the bus, returning its unique name.
// It must be the first call made on a new connection.
func (b *BusDaemon) Hello() (string, error) {
	reply, err := b.call("Hello", "")
	if err != nil {
		return "", err
	}
	return firstString(reply)
}

// RequestName requests ownership of a well-known bus name.
func (b *BusDaemon) RequestName(name string, flags uint32) (uint32, error) {
	reply, err := b.call("RequestName", "su", name, flags)
	if err != nil {
		return 0, err
	}
	return firstUint32(reply)
}

// ReleaseName releases a previously requested bus name.
func (b *BusDaemon) ReleaseName(name string) (uint32, error) {
	reply, err := b.call("ReleaseName", "s", name)
	if err != nil {
		return 0, err
	}
	return firstUint32(reply)
}

// ListQueuedOwners lists the connections queued to own name.
func (b *BusDaemon) ListQueuedOwners(name string) ([]string, error) {
	reply, err := b.call("ListQueuedOwners", "s", name)
	if err != nil {
		return nil, err
	}
	return stringSlice(reply)
}

// ListNames lists every currently registered bus name.
func (b *BusDaemon) ListNames() ([]string, error) {
	reply, err := b.call("ListNames", "")
	if err != nil {
		return nil, err
	}
	return stringSlice(reply)
}

// ListActivatableNames lists names activatable but not necessarily owned.
func (b *BusDaemon) ListActivatableNames() ([]string, error) {
	reply, err := b.call("ListActivatableNames", "")
	if err != nil {
		return nil, err
	}
	return stringSlice(reply)
}

// NameHasOwner reports whether name currently has an owner.
func (b *BusDaemon) NameHasOwner(name string) (bool, error) {
	reply, err := b.call("NameHasOwner", "s", name)
	if err != nil {
		return false, err
	}
	if len(reply.Params) == 0 {
		return false, &ProtocolError{Op: "NameHasOwner", Msg: "empty reply"}
	}
	v, ok := reply.Params[0].(bool)
	if !ok {
		return false, &ProtocolError{Op: "NameHasOwner", Msg: "reply is not a boolean"}
	}
	return v, nil
}

// StartServiceByName activates the service that owns name, if it is not
// already running.
func (b *BusDaemon) StartServiceByName(name string, flags uint32) (uint32, error) {
	reply, err := b.call("StartServiceByName", "su", name, flags)
	if err != nil {
		return 0, err
	}
	return firstUint32(reply)
}

// UpdateActivationEnvironment updates the environment used for
// newly-activated services.
func (b *BusDaemon) UpdateActivationEnvironment(env map[string]string) error {
	_, err := b.call("UpdateActivationEnvironment", "a{ss}", env)
	return err
}

// GetNameOwner returns the unique connection name currently owning name.
func (b *BusDaemon) GetNameOwner(name string) (string, error) {
	reply, err := b.call("GetNameOwner", "s", name)
	if err != nil {
		return "", err
	}
	return firstString(reply)
}

// GetConnectionUnixUser returns the UID of the process owning busName.
func (b *BusDaemon) GetConnectionUnixUser(busName string) (uint32, error) {
	reply, err := b.call("GetConnectionUnixUser", "s", busName)
	if err != nil {
		return 0, err
	}
	return firstUint32(reply)
}

// GetConnectionUnixProcessID returns the PID of the process owning
// busName.
func (b *BusDaemon) GetConnectionUnixProcessID(busName string) (uint32, error) {
	reply, err := b.call("GetConnectionUnixProcessID", "s", busName)
	if err != nil {
		return 0, err
	}
	return firstUint32(reply)
}

// GetConnectionCredentials returns the full credentials dict-entry array
// the bus holds for busName (unix user id, process id, security label,
// and so on).
func (b *BusDaemon) GetConnectionCredentials(busName string) (Dict, error) {
	reply, err := b.call("GetConnectionCredentials", "s", busName)
	if err != nil {
		return Dict{}, err
	}
	if len(reply.Params) == 0 {
		return Dict{}, &ProtocolError{Op: "GetConnectionCredentials", Msg: "empty reply"}
	}
	d, ok := reply.Params[0].(Dict)
	if !ok {
		return Dict{}, &ProtocolError{Op: "GetConnectionCredentials", Msg: "reply is not a dict"}
	}
	return d, nil
}

// GetConnectionSELinuxSecurityContext returns the raw SELinux security
// context bytes for busName.
func (b *BusDaemon) GetConnectionSELinuxSecurityContext(busName string) ([]byte, error) {
	reply, err := b.call("GetConnectionSELinuxSecurityContext", "s", busName)
	if err != nil {
		return nil, err
	}
	if len(reply.Params) == 0 {
		return nil, &ProtocolError{Op: "GetConnectionSELinuxSecurityContext", Msg: "empty reply"}
	}
	elems, ok := reply.Params[0].([]interface{})
	if !ok {
		return nil, &ProtocolError{Op: "GetConnectionSELinuxSecurityContext", Msg: "reply is not a byte array"}
	}
	out := make([]byte, len(elems))
	for i, e := range elems {
		b, ok := e.(byte)
		if !ok {
			return nil, &ProtocolError{Op: "GetConnectionSELinuxSecurityContext", Msg: "element is not a byte"}
		}
		out[i] = b
	}
	return out, nil
}

// AddMatch registers rule with the bus so matching messages are routed to
// this connection.
func (b *BusDaemon) AddMatch(rule *CompiledMatchRule) error {
	_, err := b.call("AddMatch", "s", rule.String())
	return err
}

// RemoveMatch unregisters a previously added rule.
func (b *BusDaemon) RemoveMatch(rule *CompiledMatchRule) error {
	_, err := b.call("RemoveMatch", "s", rule.String())
	return err
}

// GetId returns the bus's unique identifier.
func (b *BusDaemon) GetId() (string, error) {
	reply, err := b.call("GetId", "")
	if err != nil {
		return "", err
	}
	return firstString(reply)
}

// BecomeMonitor replaces this connection's match rules with rules and
// puts it into eavesdropping monitor mode, as used by dbus-monitor.
func (b *BusDaemon) BecomeMonitor(rules []*CompiledMatchRule, flags uint32) error {
	ruleStrings := make([]interface{}, len(rules))
	for i, r := range rules {
		ruleStrings[i] = r.String()
	}
	_, err := b.call("BecomeMonitor", "asu", ruleStrings, flags)
	return err
}

func firstString(msg *Message) (string, error) {
	if len(msg.Params) == 0 {
		return "", &ProtocolError{Op: "bus daemon call", Msg: "empty reply"}
	}
	s, ok := msg.Params[0].(string)
	if !ok {
		return "", &ProtocolError{Op: "bus daemon call", Msg: "reply is not a string"}
	}
	return s, nil
}

func firstUint32(msg *Message) (uint32, error) {
	if len(msg.Params) == 0 {
		return 0, &ProtocolError{Op: "bus daemon call", Msg: "empty reply"}
	}
	u, ok := msg.Params[0].(uint32)
	if !ok {
		return 0, &ProtocolError{Op: "bus daemon call", Msg: "reply is not a uint32"}
	}
	return u, nil
}

func stringSlice(msg *Message) ([]string, error) {
	if len(msg.Params) == 0 {
		return nil, &ProtocolError{Op: "bus daemon call", Msg: "empty reply"}
	}
	elems, ok := msg.Params[0].([]interface{})
	if !ok {
		return nil, &ProtocolError{Op: "bus daemon call", Msg: "reply is not an array"}
	}
	out := make([]string, len(elems))
	for i, e := range elems {
		s, ok := e.(string)
		if !ok {
			return nil, &ProtocolError{Op: "bus daemon call", Msg: "element is not a string"}
		}
		out[i] = s
	}
	return out, nil
}
