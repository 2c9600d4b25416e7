package dbus

// Properties is a thin client for org.freedesktop.DBus.Properties against
// a specific object.
type Properties struct {
	router *Router
	object Address
}

// NewProperties returns a Properties client for object, whose own
// Interface field is ignored (Get/Set/GetAll always take the target
// interface explicitly, per org.freedesktop.DBus.Properties).
func NewProperties(router *Router, object Address) *Properties {
	return &Properties{router: router, object: object}
}

func (p *Properties) call(member string, sig Signature, args ...interface{}) (*Message, error) {
	a := p.object
	a.Interface = "org.freedesktop.DBus.Properties"
	msg, err := NewMethodCall(a, member, sig, args...)
	if err != nil {
		return nil, err
	}
	return p.router.Call(msg)
}

// Get returns the value of a single property.
func (p *Properties) Get(iface, property string) (interface{}, error) {
	reply, err := p.call("Get", "ss", iface, property)
	if err != nil {
		return nil, err
	}
	if len(reply.Params) == 0 {
		return nil, &ProtocolError{Op: "Properties.Get", Msg: "empty reply"}
	}
	v, ok := reply.Params[0].(Variant)
	if !ok {
		return nil, &ProtocolError{Op: "Properties.Get", Msg: "reply is not a variant"}
	}
	return v.Value, nil
}

// Set assigns a single property.
func (p *Properties) Set(iface, property string, value interface{}) error {
	_, err := p.call("Set", "ssv", iface, property, Variant{Value: value})
	return err
}

// GetAll returns every property of iface as a string-keyed map of
// variants.
func (p *Properties) GetAll(iface string) (map[string]Variant, error) {
	reply, err := p.call("GetAll", "s", iface)
	if err != nil {
		return nil, err
	}
	if len(reply.Params) == 0 {
		return nil, &ProtocolError{Op: "Properties.GetAll", Msg: "empty reply"}
	}
	d, ok := reply.Params[0].(Dict)
	if !ok {
		return nil, &ProtocolError{Op: "Properties.GetAll", Msg: "reply is not a dict"}
	}
	return d.StringMap()
}
