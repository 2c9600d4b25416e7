package dbus

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync/atomic"
)

// MessageType is the D-Bus message type field.
type MessageType uint8

const (
	TypeInvalid MessageType = iota
	TypeMethodCall
	TypeMethodReturn
	TypeError
	TypeSignal
)

var messageTypeString = map[MessageType]string{
	TypeInvalid:      "invalid",
	TypeMethodCall:   "method_call",
	TypeMethodReturn: "method_return",
	TypeError:        "error",
	TypeSignal:       "signal",
}

func (t MessageType) String() string { return messageTypeString[t] }

// MessageFlag is a bit in the D-Bus message flags byte.
type MessageFlag uint8

const (
	FlagNoReplyExpected MessageFlag = 1 << iota
	FlagNoAutoStart
	FlagAllowInteractiveAuthorization
)

// HeaderField is a header-field code from the a(yv) header field array.
type HeaderField byte

const (
	FieldPath        HeaderField = 1
	FieldInterface   HeaderField = 2
	FieldMember      HeaderField = 3
	FieldErrorName   HeaderField = 4
	FieldReplySerial HeaderField = 5
	FieldDestination HeaderField = 6
	FieldSender      HeaderField = 7
	FieldSignature   HeaderField = 8
	FieldUnixFDs     HeaderField = 9
)

// ProtocolVersion is the only D-Bus wire protocol version this package
// speaks.
const ProtocolVersion = 1

var headerFieldsNode = func() *typeNode {
	nodes, err := ParseSignature("a(yv)")
	if err != nil {
		panic(err)
	}
	return nodes[0]
}()

// Message is a decoded D-Bus message: the header fields relevant to
// routing, plus the body signature and its decoded argument values.
type Message struct {
	Type        MessageType
	Flags       MessageFlag
	Serial      uint32
	ReplySerial uint32 // 0 means absent

	Path      ObjectPath
	Iface     string
	Member    string
	ErrorName string
	Dest      string
	Sender    string
	Sig       Signature
	NumFDs    uint32

	Params []interface{}
}

var serialCounter uint32

// NextSerial returns the next process-wide message serial. Serials start
// at 1 and wrap past 0, which the protocol reserves as "no reply expected
// correlates to nothing".
func NextSerial() uint32 {
	for {
		n := atomic.AddUint32(&serialCounter, 1)
		if n != 0 {
			return n
		}
	}
}

// NewMessage returns an empty message with a fresh serial and no flags
// set. Its Type is TypeInvalid; the caller sets the message type.
func NewMessage() *Message {
	return &Message{Serial: NextSerial(), Params: []interface{}{}}
}

func (m *Message) headerFields() []HeaderField {
	var fields []HeaderField
	if m.Path != "" {
		fields = append(fields, FieldPath)
	}
	if m.Iface != "" {
		fields = append(fields, FieldInterface)
	}
	if m.Member != "" {
		fields = append(fields, FieldMember)
	}
	if m.ErrorName != "" {
		fields = append(fields, FieldErrorName)
	}
	if m.ReplySerial != 0 {
		fields = append(fields, FieldReplySerial)
	}
	if m.Dest != "" {
		fields = append(fields, FieldDestination)
	}
	if m.Sender != "" {
		fields = append(fields, FieldSender)
	}
	if m.Sig != "" {
		fields = append(fields, FieldSignature)
	}
	if m.NumFDs != 0 {
		fields = append(fields, FieldUnixFDs)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
	return fields
}

func (m *Message) fieldVariant(f HeaderField) interface{} {
	switch f {
	case FieldPath:
		return m.Path
	case FieldInterface:
		return m.Iface
	case FieldMember:
		return m.Member
	case FieldErrorName:
		return m.ErrorName
	case FieldReplySerial:
		return m.ReplySerial
	case FieldDestination:
		return m.Dest
	case FieldSender:
		return m.Sender
	case FieldSignature:
		return m.Sig
	case FieldUnixFDs:
		return m.NumFDs
	}
	panic("dbus: unknown header field")
}

// EncodeMessage marshals m to the D-Bus wire format, computing and
// backpatching the body-length field as it goes.
func EncodeMessage(m *Message, order binary.ByteOrder) ([]byte, error) {
	body, err := MarshalBody(m.Sig, m.Params, order)
	if err != nil {
		return nil, fmt.Errorf("dbus: encode message body: %w", err)
	}

	fields := m.headerFields()
	entries := make([]interface{}, len(fields))
	for i, f := range fields {
		entries[i] = []interface{}{byte(f), Variant{Value: m.fieldVariant(f)}}
	}

	e := &encBuf{order: order}
	endian := byte('l')
	if order == binary.BigEndian {
		endian = 'B'
	}
	e.buf.WriteByte(endian)
	e.buf.WriteByte(byte(m.Type))
	e.buf.WriteByte(byte(m.Flags))
	e.buf.WriteByte(ProtocolVersion)
	e.writeFixed(uint32(len(body)))
	e.writeFixed(m.Serial)
	if err := marshalValue(e, headerFieldsNode, entries); err != nil {
		return nil, fmt.Errorf("dbus: encode message header: %w", err)
	}
	e.align(8)
	e.buf.Write(body)

	if e.buf.Len() > MaxMessageSize {
		return nil, &ProtocolError{Op: "encode message", Msg: "message too large"}
	}
	return e.buf.Bytes(), nil
}

// MessageByteOrder returns the binary.ByteOrder matching a wire endianness
// byte ('l' or 'B').
func MessageByteOrder(endian byte) (binary.ByteOrder, error) {
	switch endian {
	case 'l':
		return binary.LittleEndian, nil
	case 'B':
		return binary.BigEndian, nil
	}
	return nil, &ProtocolError{Op: "decode message", Msg: fmt.Sprintf("unknown endianness byte %q", endian)}
}

// messageHeaderLength reports how many bytes of data a complete message
// requires: the fixed prefix, the header-field array, padding, and body.
// It returns ok=false if data does not yet contain enough bytes to know.
func messageHeaderLength(data []byte) (total int, ok bool, err error) {
	if len(data) < 16 {
		return 0, false, nil
	}
	order, err := MessageByteOrder(data[0])
	if err != nil {
		return 0, false, err
	}
	bodyLength := order.Uint32(data[4:8])
	if bodyLength > MaxMessageSize {
		return 0, false, &ProtocolError{Op: "decode message", Msg: "body length too large"}
	}
	fieldsLen := order.Uint32(data[12:16])
	if fieldsLen > MaxArraySize {
		return 0, false, &ProtocolError{Op: "decode message", Msg: "header field array too large"}
	}
	headerEnd := 16 + int(fieldsLen)
	bodyStart := (headerEnd + 7) / 8 * 8
	total = bodyStart + int(bodyLength)
	if total > MaxMessageSize {
		return 0, false, &ProtocolError{Op: "decode message", Msg: "message too large"}
	}
	return total, true, nil
}

// DecodeMessage decodes exactly one complete message from the front of
// data, which must hold at least as many bytes as messageHeaderLength
// reports. It returns the message and the number of bytes consumed.
func DecodeMessage(data []byte) (*Message, int, error) {
	total, ok, err := messageHeaderLength(data)
	if err != nil {
		return nil, 0, err
	}
	if !ok || len(data) < total {
		return nil, 0, &ProtocolError{Op: "decode message", Msg: "incomplete message"}
	}

	order, err := MessageByteOrder(data[0])
	if err != nil {
		return nil, 0, err
	}
	msg := &Message{
		Type:   MessageType(data[1]),
		Flags:  MessageFlag(data[2]),
		Serial: order.Uint32(data[8:12]),
	}
	bodyLength := order.Uint32(data[4:8])

	d := &decBuf{data: data, pos: 12, order: order}
	fieldsVal, err := unmarshalValue(d, headerFieldsNode)
	if err != nil {
		return nil, 0, fmt.Errorf("dbus: decode message header: %w", err)
	}
	for _, raw := range fieldsVal.([]interface{}) {
		entry := raw.([]interface{})
		code := HeaderField(entry[0].(byte))
		v := entry[1].(Variant)
		if err := assignHeaderField(msg, code, v); err != nil {
			return nil, 0, err
		}
	}

	d.align(8)
	bodyStart := d.pos
	bodyEnd := bodyStart + int(bodyLength)
	if bodyEnd > len(data) {
		return nil, 0, &ProtocolError{Op: "decode message", Msg: "body truncated"}
	}
	if msg.Sig != "" {
		params, err := UnmarshalBody(msg.Sig, data[bodyStart:bodyEnd], order)
		if err != nil {
			return nil, 0, fmt.Errorf("dbus: decode message body: %w", err)
		}
		msg.Params = params
	} else {
		msg.Params = []interface{}{}
	}
	return msg, total, nil
}

func assignHeaderField(msg *Message, code HeaderField, v Variant) error {
	switch code {
	case FieldPath:
		p, ok := v.Value.(ObjectPath)
		if !ok {
			return &ProtocolError{Op: "decode message", Msg: "PATH field is not an object path"}
		}
		msg.Path = p
	case FieldInterface:
		s, ok := v.Value.(string)
		if !ok {
			return &ProtocolError{Op: "decode message", Msg: "INTERFACE field is not a string"}
		}
		msg.Iface = s
	case FieldMember:
		s, ok := v.Value.(string)
		if !ok {
			return &ProtocolError{Op: "decode message", Msg: "MEMBER field is not a string"}
		}
		msg.Member = s
	case FieldErrorName:
		s, ok := v.Value.(string)
		if !ok {
			return &ProtocolError{Op: "decode message", Msg: "ERROR_NAME field is not a string"}
		}
		msg.ErrorName = s
	case FieldReplySerial:
		u, ok := v.Value.(uint32)
		if !ok {
			return &ProtocolError{Op: "decode message", Msg: "REPLY_SERIAL field is not a uint32"}
		}
		msg.ReplySerial = u
	case FieldDestination:
		s, ok := v.Value.(string)
		if !ok {
			return &ProtocolError{Op: "decode message", Msg: "DESTINATION field is not a string"}
		}
		msg.Dest = s
	case FieldSender:
		s, ok := v.Value.(string)
		if !ok {
			return &ProtocolError{Op: "decode message", Msg: "SENDER field is not a string"}
		}
		msg.Sender = s
	case FieldSignature:
		sig, ok := v.Value.(Signature)
		if !ok {
			return &ProtocolError{Op: "decode message", Msg: "SIGNATURE field is not a signature"}
		}
		msg.Sig = sig
	case FieldUnixFDs:
		u, ok := v.Value.(uint32)
		if !ok {
			return &ProtocolError{Op: "decode message", Msg: "UNIX_FDS field is not a uint32"}
		}
		msg.NumFDs = u
	}
	return nil
}
