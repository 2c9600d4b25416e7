package dbus

import "reflect"

// Address names one remote object: the bus name (or unique connection
// name) hosting it, its object path, and the interface a call is made
// against. It mirrors the DBusAddress concept from a Python D-Bus
// client: a small value type glueing those three identifiers together
// so call sites don't have to carry them as three separate strings.
type Address struct {
	Name      string
	Path      ObjectPath
	Interface string
}

// NewMethodCall builds a method-call message addressed at a, with member
// and args as the call's name and arguments. Sig, if non-empty, is used
// verbatim as the body signature; otherwise it is inferred per-argument
// via SignatureOf, which only works when every argument has a concrete,
// unambiguous type. a.Name (the destination bus name) is required.
func NewMethodCall(a Address, member string, sig Signature, args ...interface{}) (*Message, error) {
	if a.Name == "" {
		return nil, &ProtocolError{Op: "new method call", Msg: "destination bus name is required"}
	}
	return newAddressedMessage(TypeMethodCall, a, member, sig, args)
}

// NewSignal builds a signal message emitted from a's path and interface.
// a.Interface is required; a.Name is ignored (signals have no destination).
func NewSignal(a Address, member string, sig Signature, args ...interface{}) (*Message, error) {
	if a.Interface == "" {
		return nil, &ProtocolError{Op: "new signal", Msg: "interface is required"}
	}
	msg, err := newAddressedMessage(TypeSignal, a, member, sig, args)
	if err != nil {
		return nil, err
	}
	msg.Dest = ""
	msg.Flags = FlagNoReplyExpected
	return msg, nil
}

func newAddressedMessage(t MessageType, a Address, member string, sig Signature, args []interface{}) (*Message, error) {
	msg := NewMessage()
	msg.Type = t
	msg.Dest = a.Name
	msg.Path = a.Path
	msg.Iface = a.Interface
	msg.Member = member
	msg.Params = args
	if sig != "" {
		msg.Sig = sig
		return msg, nil
	}
	inferred, err := inferSignature(args)
	if err != nil {
		return nil, err
	}
	msg.Sig = inferred
	return msg, nil
}

// NewMethodReturn builds the method-return reply to call.
func NewMethodReturn(call *Message, sig Signature, args ...interface{}) (*Message, error) {
	msg := NewMessage()
	msg.Type = TypeMethodReturn
	msg.Dest = call.Sender
	msg.ReplySerial = call.Serial
	msg.Params = args
	if sig != "" {
		msg.Sig = sig
		return msg, nil
	}
	inferred, err := inferSignature(args)
	if err != nil {
		return nil, err
	}
	msg.Sig = inferred
	return msg, nil
}

// NewError builds an error reply to call.
func NewError(call *Message, name string, args ...interface{}) (*Message, error) {
	msg := NewMessage()
	msg.Type = TypeError
	msg.Dest = call.Sender
	msg.ReplySerial = call.Serial
	msg.ErrorName = name
	msg.Params = args
	if len(args) == 0 {
		msg.Sig = ""
		return msg, nil
	}
	inferred, err := inferSignature(args)
	if err != nil {
		return nil, err
	}
	msg.Sig = inferred
	return msg, nil
}

func inferSignature(args []interface{}) (Signature, error) {
	var sig Signature
	for _, a := range args {
		s, err := SignatureOf(reflect.TypeOf(a))
		if err != nil {
			return "", err
		}
		sig += s
	}
	return sig, nil
}
