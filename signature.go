package dbus

import "fmt"

// Type is a single D-Bus type code from the wire alphabet.
type Type byte

const (
	TypeByte       Type = 'y'
	TypeBoolean    Type = 'b'
	TypeInt16      Type = 'n'
	TypeUint16     Type = 'q'
	TypeInt32      Type = 'i'
	TypeUint32     Type = 'u'
	TypeInt64      Type = 'x'
	TypeUint64     Type = 't'
	TypeDouble     Type = 'd'
	TypeString     Type = 's'
	TypeObjectPath Type = 'o'
	TypeSignature  Type = 'g'
	TypeUnixFD     Type = 'h'
	TypeArray      Type = 'a'
	TypeStruct     Type = '('
	TypeVariant    Type = 'v'
	TypeDictEntry  Type = '{'
)

// basicTypes is the set of single-code (non-container) types legal as a
// dict-entry key.
var basicTypes = map[Type]bool{
	TypeByte: true, TypeBoolean: true, TypeInt16: true, TypeUint16: true,
	TypeInt32: true, TypeUint32: true, TypeInt64: true, TypeUint64: true,
	TypeDouble: true, TypeString: true, TypeObjectPath: true,
	TypeSignature: true, TypeUnixFD: true,
}

// typeNode is one node of the parsed signature tree. Array nodes carry
// elem; struct nodes carry fields; dict-entry nodes carry key and val.
type typeNode struct {
	code  Type
	align int
	fixed bool

	elem   *typeNode
	fields []*typeNode
	key    *typeNode
	val    *typeNode
}

func (n *typeNode) String() string {
	switch n.code {
	case TypeArray:
		return "a" + n.elem.String()
	case TypeStruct:
		s := "("
		for _, f := range n.fields {
			s += f.String()
		}
		return s + ")"
	case TypeDictEntry:
		return "{" + n.key.String() + n.val.String() + "}"
	default:
		return string(n.code)
	}
}

const (
	maxSignatureLength = 255
	maxTypeDepth        = 32
)

type sigParser struct {
	s   string
	pos int
}

// ParseSignature parses a D-Bus type-signature string into the ordered
// sequence of top-level type nodes it describes.
func ParseSignature(sig string) ([]*typeNode, error) {
	if len(sig) > maxSignatureLength {
		return nil, &ProtocolError{Op: "parse signature", Msg: fmt.Sprintf("signature length %d exceeds %d", len(sig), maxSignatureLength)}
	}
	p := &sigParser{s: sig}
	var nodes []*typeNode
	for p.pos < len(p.s) {
		n, err := p.parseOne(0, 0, false)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (p *sigParser) parseOne(arrayDepth, structDepth int, allowDict bool) (*typeNode, error) {
	if p.pos >= len(p.s) {
		return nil, &ProtocolError{Op: "parse signature", Msg: "unexpected end of signature"}
	}
	c := Type(p.s[p.pos])
	switch c {
	case TypeByte, TypeBoolean, TypeInt16, TypeUint16, TypeInt32, TypeUint32,
		TypeInt64, TypeUint64, TypeDouble, TypeString, TypeObjectPath,
		TypeSignature, TypeUnixFD:
		p.pos++
		return &typeNode{code: c, align: alignmentOf(c), fixed: c != TypeString && c != TypeObjectPath && c != TypeSignature}, nil

	case TypeVariant:
		p.pos++
		return &typeNode{code: TypeVariant, align: 1, fixed: false}, nil

	case TypeArray:
		if arrayDepth+1 > maxTypeDepth {
			return nil, &ProtocolError{Op: "parse signature", Msg: "array nesting too deep"}
		}
		p.pos++
		elem, err := p.parseOne(arrayDepth+1, structDepth, true)
		if err != nil {
			return nil, err
		}
		return &typeNode{code: TypeArray, align: 4, fixed: false, elem: elem}, nil

	case TypeStruct:
		if structDepth+1 > maxTypeDepth {
			return nil, &ProtocolError{Op: "parse signature", Msg: "struct nesting too deep"}
		}
		p.pos++
		var fields []*typeNode
		for {
			if p.pos >= len(p.s) {
				return nil, &ProtocolError{Op: "parse signature", Msg: "unterminated struct"}
			}
			if Type(p.s[p.pos]) == ')' {
				p.pos++
				break
			}
			f, err := p.parseOne(arrayDepth, structDepth+1, false)
			if err != nil {
				return nil, err
			}
			fields = append(fields, f)
		}
		if len(fields) == 0 {
			return nil, &ProtocolError{Op: "parse signature", Msg: "struct must have at least one field"}
		}
		return &typeNode{code: TypeStruct, align: 8, fixed: false, fields: fields}, nil

	case TypeDictEntry:
		if !allowDict {
			return nil, &ProtocolError{Op: "parse signature", Msg: "dict entry only legal as an array element"}
		}
		if structDepth+1 > maxTypeDepth {
			return nil, &ProtocolError{Op: "parse signature", Msg: "dict entry nesting too deep"}
		}
		p.pos++
		key, err := p.parseOne(arrayDepth, structDepth+1, false)
		if err != nil {
			return nil, err
		}
		if !basicTypes[key.code] {
			return nil, &ProtocolError{Op: "parse signature", Msg: "dict entry key must be a basic type"}
		}
		val, err := p.parseOne(arrayDepth, structDepth+1, false)
		if err != nil {
			return nil, err
		}
		if p.pos >= len(p.s) || Type(p.s[p.pos]) != '}' {
			return nil, &ProtocolError{Op: "parse signature", Msg: "unterminated dict entry"}
		}
		p.pos++
		return &typeNode{code: TypeDictEntry, align: 8, fixed: false, key: key, val: val}, nil

	default:
		return nil, &ProtocolError{Op: "parse signature", Msg: fmt.Sprintf("unknown type code %q", c)}
	}
}

func alignmentOf(c Type) int {
	switch c {
	case TypeByte, TypeSignature:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeBoolean, TypeInt32, TypeUint32, TypeString, TypeObjectPath, TypeArray, TypeUnixFD:
		return 4
	case TypeInt64, TypeUint64, TypeDouble, TypeStruct, TypeDictEntry:
		return 8
	case TypeVariant:
		return 1
	}
	return 1
}
