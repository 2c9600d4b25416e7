package dbus

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
)

// Size limits from spec: a single array's encoded bytes, and a whole
// message's encoded bytes (header + body).
const (
	MaxArraySize   = 64 * 1024 * 1024
	MaxMessageSize = 128 * 1024 * 1024
)

// encBuf accumulates marshalled bytes. offset is the absolute stream
// position of buf's first byte, so alignment padding is computed correctly
// for sub-buffers (array/variant contents) that are spliced into a parent
// buffer after being encoded separately.
type encBuf struct {
	buf    bytes.Buffer
	order  binary.ByteOrder
	offset int
}

func (e *encBuf) pos() int { return e.offset + e.buf.Len() }

func (e *encBuf) align(n int) {
	for e.pos()%n != 0 {
		e.buf.WriteByte(0)
	}
}

func (e *encBuf) writeFixed(v interface{}) { binary.Write(&e.buf, e.order, v) }

func (e *encBuf) writeLengthPrefixedString(s string, lengthIsByte bool) {
	if lengthIsByte {
		e.buf.WriteByte(byte(len(s)))
	} else {
		e.writeFixed(uint32(len(s)))
	}
	e.buf.WriteString(s)
	e.buf.WriteByte(0)
}

// marshalValue appends v, which must be assignable to node's D-Bus type,
// to e. The signature tree (node), not v's runtime shape, decides how many
// bytes are written and at what alignment; v only supplies the payload.
func marshalValue(e *encBuf, node *typeNode, v interface{}) error {
	rv, isNil := derefValue(v)
	switch node.code {
	case TypeByte:
		u, err := toUint64(rv, 8)
		if err != nil {
			return err
		}
		e.align(1)
		e.buf.WriteByte(byte(u))

	case TypeBoolean:
		b, err := toBool(rv)
		if err != nil {
			return err
		}
		e.align(4)
		if b {
			e.writeFixed(uint32(1))
		} else {
			e.writeFixed(uint32(0))
		}

	case TypeInt16:
		n, err := toInt64(rv, 16)
		if err != nil {
			return err
		}
		e.align(2)
		e.writeFixed(int16(n))

	case TypeUint16:
		u, err := toUint64(rv, 16)
		if err != nil {
			return err
		}
		e.align(2)
		e.writeFixed(uint16(u))

	case TypeInt32:
		n, err := toInt64(rv, 32)
		if err != nil {
			return err
		}
		e.align(4)
		e.writeFixed(int32(n))

	case TypeUint32:
		u, err := toUint64(rv, 32)
		if err != nil {
			return err
		}
		e.align(4)
		e.writeFixed(uint32(u))

	case TypeInt64:
		n, err := toInt64(rv, 64)
		if err != nil {
			return err
		}
		e.align(8)
		e.writeFixed(n)

	case TypeUint64:
		u, err := toUint64(rv, 64)
		if err != nil {
			return err
		}
		e.align(8)
		e.writeFixed(u)

	case TypeDouble:
		f, err := toFloat64(rv)
		if err != nil {
			return err
		}
		e.align(8)
		e.writeFixed(math.Float64bits(f))

	case TypeUnixFD:
		u, err := toUint64(rv, 32)
		if err != nil {
			return err
		}
		e.align(4)
		e.writeFixed(uint32(u))

	case TypeString:
		s, err := toString(rv)
		if err != nil {
			return err
		}
		if err := validateNoNUL(s); err != nil {
			return err
		}
		e.align(4)
		e.writeLengthPrefixedString(s, false)

	case TypeObjectPath:
		s, err := toString(rv)
		if err != nil {
			return err
		}
		if err := ObjectPath(s).Validate(); err != nil {
			return err
		}
		e.align(4)
		e.writeLengthPrefixedString(s, false)

	case TypeSignature:
		s, err := toString(rv)
		if err != nil {
			return err
		}
		if err := Signature(s).Validate(); err != nil {
			return err
		}
		if len(s) > 255 {
			return &ProtocolError{Op: "marshal signature", Msg: "signature longer than 255 bytes"}
		}
		e.align(1)
		e.writeLengthPrefixedString(s, true)

	case TypeArray:
		return marshalArray(e, node, rv, isNil)

	case TypeStruct:
		vals, err := toPositionalValues(rv, len(node.fields))
		if err != nil {
			return err
		}
		e.align(8)
		for i, f := range node.fields {
			if err := marshalValue(e, f, vals[i]); err != nil {
				return err
			}
		}

	case TypeDictEntry:
		entry, err := toDictEntry(rv)
		if err != nil {
			return err
		}
		e.align(8)
		if err := marshalValue(e, node.key, entry.Key); err != nil {
			return err
		}
		if err := marshalValue(e, node.val, entry.Value); err != nil {
			return err
		}

	case TypeVariant:
		variant, err := toVariant(rv)
		if err != nil {
			return err
		}
		sig, err := variant.signature()
		if err != nil {
			return err
		}
		nodes, err := ParseSignature(string(sig))
		if err != nil {
			return err
		}
		if len(nodes) != 1 {
			return &ProtocolError{Op: "marshal variant", Msg: "variant signature must describe exactly one complete type"}
		}
		e.align(1)
		e.writeLengthPrefixedString(string(sig), true)
		if err := marshalValue(e, nodes[0], variant.Value); err != nil {
			return err
		}

	default:
		return &ProtocolError{Op: "marshal", Msg: fmt.Sprintf("unhandled type code %q", node.code)}
	}
	return nil
}

func marshalArray(e *encBuf, node *typeNode, rv reflect.Value, isNil bool) error {
	e.align(4)
	base := e.pos() + 4
	pad := (node.elem.align - base%node.elem.align) % node.elem.align
	content := &encBuf{order: e.order, offset: base + pad}

	var err error
	if node.elem.code == TypeDictEntry {
		err = marshalDictEntries(content, node.elem, rv, isNil)
	} else {
		err = marshalElements(content, node.elem, rv, isNil)
	}
	if err != nil {
		return err
	}
	if content.buf.Len() > MaxArraySize {
		return &ProtocolError{Op: "marshal array", Msg: "array too large"}
	}
	e.writeFixed(uint32(content.buf.Len()))
	for i := 0; i < pad; i++ {
		e.buf.WriteByte(0)
	}
	e.buf.Write(content.buf.Bytes())
	return nil
}

func marshalElements(content *encBuf, elem *typeNode, rv reflect.Value, isNil bool) error {
	if isNil {
		return nil
	}
	if list, ok := rv.Interface().([]interface{}); ok {
		for _, v := range list {
			if err := marshalValue(content, elem, v); err != nil {
				return err
			}
		}
		return nil
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if err := marshalValue(content, elem, rv.Index(i).Interface()); err != nil {
				return err
			}
		}
		return nil
	}
	return &ProtocolError{Op: "marshal array", Msg: fmt.Sprintf("%s is not a slice or array", rv.Type())}
}

func marshalDictEntries(content *encBuf, entryNode *typeNode, rv reflect.Value, isNil bool) error {
	if isNil {
		return nil
	}
	if d, ok := rv.Interface().(Dict); ok {
		for _, e := range d.Entries {
			if err := marshalValue(content, entryNode, e); err != nil {
				return err
			}
		}
		return nil
	}
	if entries, ok := rv.Interface().([]DictEntry); ok {
		for _, e := range entries {
			if err := marshalValue(content, entryNode, e); err != nil {
				return err
			}
		}
		return nil
	}
	if rv.Kind() == reflect.Map {
		keys := rv.MapKeys()
		for _, k := range keys {
			entry := DictEntry{Key: k.Interface(), Value: rv.MapIndex(k).Interface()}
			if err := marshalValue(content, entryNode, entry); err != nil {
				return err
			}
		}
		return nil
	}
	return &ProtocolError{Op: "marshal dict", Msg: fmt.Sprintf("%s is not a Dict, []DictEntry, or map", rv.Type())}
}

// MarshalBody encodes args against sig, producing the byte-order-specific
// body of a message.
func MarshalBody(sig Signature, args []interface{}, order binary.ByteOrder) ([]byte, error) {
	nodes, err := ParseSignature(string(sig))
	if err != nil {
		return nil, err
	}
	if len(nodes) != len(args) {
		return nil, &ProtocolError{Op: "marshal body", Msg: fmt.Sprintf("signature %q wants %d arguments, got %d", sig, len(nodes), len(args))}
	}
	e := &encBuf{order: order}
	for i, n := range nodes {
		if err := marshalValue(e, n, args[i]); err != nil {
			return nil, err
		}
	}
	if e.buf.Len() > MaxMessageSize {
		return nil, &ProtocolError{Op: "marshal body", Msg: "message too large"}
	}
	return e.buf.Bytes(), nil
}

// decBuf walks marshalled bytes, tracking alignment the way encBuf does on
// the way in.
type decBuf struct {
	data  []byte
	pos   int
	order binary.ByteOrder
}

func (d *decBuf) align(n int) { d.pos = (d.pos + n - 1) / n * n }

func (d *decBuf) need(n int) error {
	if d.pos+n > len(d.data) {
		return &ProtocolError{Op: "unmarshal", Msg: "buffer too small"}
	}
	return nil
}

func unmarshalValue(d *decBuf, node *typeNode) (interface{}, error) {
	switch node.code {
	case TypeByte:
		if err := d.need(1); err != nil {
			return nil, err
		}
		v := d.data[d.pos]
		d.pos++
		return v, nil

	case TypeBoolean:
		d.align(4)
		if err := d.need(4); err != nil {
			return nil, err
		}
		v := d.order.Uint32(d.data[d.pos:])
		d.pos += 4
		return v != 0, nil

	case TypeInt16:
		d.align(2)
		if err := d.need(2); err != nil {
			return nil, err
		}
		v := int16(d.order.Uint16(d.data[d.pos:]))
		d.pos += 2
		return v, nil

	case TypeUint16:
		d.align(2)
		if err := d.need(2); err != nil {
			return nil, err
		}
		v := d.order.Uint16(d.data[d.pos:])
		d.pos += 2
		return v, nil

	case TypeInt32:
		d.align(4)
		if err := d.need(4); err != nil {
			return nil, err
		}
		v := int32(d.order.Uint32(d.data[d.pos:]))
		d.pos += 4
		return v, nil

	case TypeUint32:
		d.align(4)
		if err := d.need(4); err != nil {
			return nil, err
		}
		v := d.order.Uint32(d.data[d.pos:])
		d.pos += 4
		return v, nil

	case TypeInt64:
		d.align(8)
		if err := d.need(8); err != nil {
			return nil, err
		}
		v := int64(d.order.Uint64(d.data[d.pos:]))
		d.pos += 8
		return v, nil

	case TypeUint64:
		d.align(8)
		if err := d.need(8); err != nil {
			return nil, err
		}
		v := d.order.Uint64(d.data[d.pos:])
		d.pos += 8
		return v, nil

	case TypeDouble:
		d.align(8)
		if err := d.need(8); err != nil {
			return nil, err
		}
		v := math.Float64frombits(d.order.Uint64(d.data[d.pos:]))
		d.pos += 8
		return v, nil

	case TypeUnixFD:
		d.align(4)
		if err := d.need(4); err != nil {
			return nil, err
		}
		v := UnixFDIndex(d.order.Uint32(d.data[d.pos:]))
		d.pos += 4
		return v, nil

	case TypeString:
		s, err := readLengthPrefixedString(d, false)
		if err != nil {
			return nil, err
		}
		if err := validateNoNUL(s); err != nil {
			return nil, err
		}
		return s, nil

	case TypeObjectPath:
		s, err := readLengthPrefixedString(d, false)
		if err != nil {
			return nil, err
		}
		p := ObjectPath(s)
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return p, nil

	case TypeSignature:
		s, err := readLengthPrefixedString(d, true)
		if err != nil {
			return nil, err
		}
		sig := Signature(s)
		if err := sig.Validate(); err != nil {
			return nil, err
		}
		return sig, nil

	case TypeArray:
		return unmarshalArray(d, node)

	case TypeStruct:
		d.align(8)
		vals := make([]interface{}, 0, len(node.fields))
		for _, f := range node.fields {
			v, err := unmarshalValue(d, f)
			if err != nil {
				return nil, err
			}
			vals = append(vals, v)
		}
		return vals, nil

	case TypeDictEntry:
		d.align(8)
		k, err := unmarshalValue(d, node.key)
		if err != nil {
			return nil, err
		}
		v, err := unmarshalValue(d, node.val)
		if err != nil {
			return nil, err
		}
		return DictEntry{Key: k, Value: v}, nil

	case TypeVariant:
		if err := d.need(1); err != nil {
			return nil, err
		}
		sigLen := int(d.data[d.pos])
		d.pos++
		if err := d.need(sigLen + 1); err != nil {
			return nil, err
		}
		sig := string(d.data[d.pos : d.pos+sigLen])
		d.pos += sigLen + 1
		nodes, err := ParseSignature(sig)
		if err != nil {
			return nil, err
		}
		if len(nodes) != 1 {
			return nil, &ProtocolError{Op: "unmarshal variant", Msg: "variant signature must describe exactly one complete type"}
		}
		v, err := unmarshalValue(d, nodes[0])
		if err != nil {
			return nil, err
		}
		return Variant{Sig: Signature(sig), Value: v}, nil
	}
	return nil, &ProtocolError{Op: "unmarshal", Msg: fmt.Sprintf("unhandled type code %q", node.code)}
}

func unmarshalArray(d *decBuf, node *typeNode) (interface{}, error) {
	d.align(4)
	if err := d.need(4); err != nil {
		return nil, err
	}
	length := d.order.Uint32(d.data[d.pos:])
	d.pos += 4
	if length > MaxArraySize {
		return nil, &ProtocolError{Op: "unmarshal array", Msg: "array too large"}
	}
	d.align(node.elem.align)
	start := d.pos
	end := start + int(length)
	if end < start || end > len(d.data) {
		return nil, &ProtocolError{Op: "unmarshal array", Msg: "array length exceeds buffer"}
	}
	if node.elem.code == TypeDictEntry {
		dict := Dict{}
		for d.pos < end {
			v, err := unmarshalValue(d, node.elem)
			if err != nil {
				return nil, err
			}
			dict.Entries = append(dict.Entries, v.(DictEntry))
		}
		if d.pos != end {
			return nil, &ProtocolError{Op: "unmarshal array", Msg: "array length did not match element boundary"}
		}
		return dict, nil
	}
	elems := make([]interface{}, 0)
	for d.pos < end {
		v, err := unmarshalValue(d, node.elem)
		if err != nil {
			return nil, err
		}
		elems = append(elems, v)
	}
	if d.pos != end {
		return nil, &ProtocolError{Op: "unmarshal array", Msg: "array length did not match element boundary"}
	}
	return elems, nil
}

func readLengthPrefixedString(d *decBuf, lengthIsByte bool) (string, error) {
	var length int
	if lengthIsByte {
		if err := d.need(1); err != nil {
			return "", err
		}
		length = int(d.data[d.pos])
		d.pos++
	} else {
		d.align(4)
		if err := d.need(4); err != nil {
			return "", err
		}
		length = int(d.order.Uint32(d.data[d.pos:]))
		d.pos += 4
	}
	if err := d.need(length + 1); err != nil {
		return "", err
	}
	s := string(d.data[d.pos : d.pos+length])
	d.pos += length + 1
	return s, nil
}

// UnmarshalBody decodes data against sig.
func UnmarshalBody(sig Signature, data []byte, order binary.ByteOrder) ([]interface{}, error) {
	nodes, err := ParseSignature(string(sig))
	if err != nil {
		return nil, err
	}
	d := &decBuf{data: data, order: order}
	out := make([]interface{}, 0, len(nodes))
	for _, n := range nodes {
		v, err := unmarshalValue(d, n)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
