package dbus

import (
	"fmt"
	"reflect"
)

// derefValue unwraps v to the concrete reflect.Value the marshaller should
// inspect, following pointers and reporting whether v was a nil pointer,
// nil interface, or nil slice/map (callers treat a nil array/dict as empty
// rather than an error).
func derefValue(v interface{}) (reflect.Value, bool) {
	if v == nil {
		return reflect.Value{}, true
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return rv, true
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Map:
		return rv, rv.IsNil()
	}
	return rv, false
}

func toUint64(rv reflect.Value, bits int) (uint64, error) {
	if !rv.IsValid() {
		return 0, &ProtocolError{Op: "marshal", Msg: "nil value where an integer was expected"}
	}
	var u uint64
	switch rv.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u = rv.Uint()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := rv.Int()
		if n < 0 {
			return 0, &ProtocolError{Op: "marshal", Msg: "value out of range: negative value for unsigned field"}
		}
		u = uint64(n)
	default:
		return 0, &ProtocolError{Op: "marshal", Msg: fmt.Sprintf("cannot use %s as an integer", rv.Type())}
	}
	if bits < 64 && u >= uint64(1)<<uint(bits) {
		return 0, &ProtocolError{Op: "marshal", Msg: "value out of range"}
	}
	return u, nil
}

func toInt64(rv reflect.Value, bits int) (int64, error) {
	if !rv.IsValid() {
		return 0, &ProtocolError{Op: "marshal", Msg: "nil value where an integer was expected"}
	}
	var n int64
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n = rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > 1<<63-1 {
			return 0, &ProtocolError{Op: "marshal", Msg: "value out of range"}
		}
		n = int64(u)
	default:
		return 0, &ProtocolError{Op: "marshal", Msg: fmt.Sprintf("cannot use %s as an integer", rv.Type())}
	}
	if bits < 64 {
		max := int64(1)<<uint(bits-1) - 1
		min := -max - 1
		if n > max || n < min {
			return 0, &ProtocolError{Op: "marshal", Msg: "value out of range"}
		}
	}
	return n, nil
}

func toFloat64(rv reflect.Value) (float64, error) {
	if !rv.IsValid() {
		return 0, &ProtocolError{Op: "marshal", Msg: "nil value where a double was expected"}
	}
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	}
	return 0, &ProtocolError{Op: "marshal", Msg: fmt.Sprintf("cannot use %s as a double", rv.Type())}
}

func toBool(rv reflect.Value) (bool, error) {
	if !rv.IsValid() {
		return false, &ProtocolError{Op: "marshal", Msg: "nil value where a boolean was expected"}
	}
	if rv.Kind() != reflect.Bool {
		return false, &ProtocolError{Op: "marshal", Msg: fmt.Sprintf("cannot use %s as a boolean", rv.Type())}
	}
	return rv.Bool(), nil
}

func toString(rv reflect.Value) (string, error) {
	if !rv.IsValid() {
		return "", &ProtocolError{Op: "marshal", Msg: "nil value where a string was expected"}
	}
	if rv.Kind() != reflect.String {
		return "", &ProtocolError{Op: "marshal", Msg: fmt.Sprintf("cannot use %s as a string", rv.Type())}
	}
	return rv.String(), nil
}

// toPositionalValues adapts a struct field's runtime value to the ordered
// list a TypeStruct node marshals field-by-field: either an []interface{}
// of exactly want elements, or a Go struct whose exported fields supply
// them in declaration order.
func toPositionalValues(rv reflect.Value, want int) ([]interface{}, error) {
	if !rv.IsValid() {
		return nil, &ProtocolError{Op: "marshal struct", Msg: "nil value where a struct was expected"}
	}
	if list, ok := asInterfaceSlice(rv); ok {
		if len(list) != want {
			return nil, &ProtocolError{Op: "marshal struct", Msg: fmt.Sprintf("struct wants %d fields, got %d", want, len(list))}
		}
		return list, nil
	}
	if rv.Kind() == reflect.Struct {
		out := make([]interface{}, 0, rv.NumField())
		t := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			if t.Field(i).PkgPath != "" {
				continue // unexported
			}
			out = append(out, rv.Field(i).Interface())
		}
		if len(out) != want {
			return nil, &ProtocolError{Op: "marshal struct", Msg: fmt.Sprintf("struct wants %d fields, got %d", want, len(out))}
		}
		return out, nil
	}
	return nil, &ProtocolError{Op: "marshal struct", Msg: fmt.Sprintf("cannot use %s as a struct", rv.Type())}
}

func asInterfaceSlice(rv reflect.Value) ([]interface{}, bool) {
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() != reflect.Interface {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func toDictEntry(rv reflect.Value) (DictEntry, error) {
	if !rv.IsValid() {
		return DictEntry{}, &ProtocolError{Op: "marshal dict entry", Msg: "nil value where a dict entry was expected"}
	}
	if e, ok := rv.Interface().(DictEntry); ok {
		return e, nil
	}
	return DictEntry{}, &ProtocolError{Op: "marshal dict entry", Msg: fmt.Sprintf("cannot use %s as a dict entry", rv.Type())}
}

func toVariant(rv reflect.Value) (Variant, error) {
	if !rv.IsValid() {
		return Variant{}, &ProtocolError{Op: "marshal variant", Msg: "nil value where a variant was expected"}
	}
	if v, ok := rv.Interface().(Variant); ok {
		return v, nil
	}
	return Variant{Value: rv.Interface()}, nil
}
