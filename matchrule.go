package dbus

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ArgKind selects how an argN/argNpath/arg0namespace condition compares
// against a message argument.
type ArgKind int

const (
	ArgString ArgKind = iota
	ArgPath
	ArgNamespace
)

// ArgMatch is one argN/argNpath/arg0namespace condition.
type ArgMatch struct {
	Index int
	Kind  ArgKind
	Value string
}

// MatchRule selects a subset of messages a filter wants to see, mirroring
// the tag set org.freedesktop.DBus.AddMatch accepts. Path and
// PathNamespace are mutually exclusive; Compile rejects a rule setting
// both.
type MatchRule struct {
	Type        MessageType
	Sender      string
	Interface   string
	Member      string
	Path        ObjectPath
	PathNamespace ObjectPath
	Destination string
	Eavesdrop   bool
	Args        []ArgMatch
}

// CompiledMatchRule is a validated MatchRule ready to test messages or
// serialise for AddMatch.
type CompiledMatchRule struct {
	rule MatchRule
}

// Compile validates r and returns a CompiledMatchRule, or an error if Path
// and PathNamespace are both set.
func (r MatchRule) Compile() (*CompiledMatchRule, error) {
	if r.Path != "" && r.PathNamespace != "" {
		return nil, &ProtocolError{Op: "compile match rule", Msg: "path and path_namespace are mutually exclusive"}
	}
	for _, a := range r.Args {
		if a.Index < 0 || a.Index > 63 {
			return nil, &ProtocolError{Op: "compile match rule", Msg: fmt.Sprintf("argument index %d out of range", a.Index)}
		}
		if a.Kind == ArgNamespace && a.Index != 0 {
			return nil, &ProtocolError{Op: "compile match rule", Msg: fmt.Sprintf("arg%dnamespace is not a defined match key: only arg0namespace exists", a.Index)}
		}
	}
	return &CompiledMatchRule{rule: r}, nil
}

// String renders the rule as the comma-separated key='value' form
// AddMatch expects, with keys in a stable sorted order.
func (c *CompiledMatchRule) String() string {
	r := c.rule
	type kv struct{ k, v string }
	var parts []kv
	if r.Type != TypeInvalid {
		parts = append(parts, kv{"type", r.Type.String()})
	}
	if r.Sender != "" {
		parts = append(parts, kv{"sender", r.Sender})
	}
	if r.Interface != "" {
		parts = append(parts, kv{"interface", r.Interface})
	}
	if r.Member != "" {
		parts = append(parts, kv{"member", r.Member})
	}
	if r.Path != "" {
		parts = append(parts, kv{"path", string(r.Path)})
	}
	if r.PathNamespace != "" {
		parts = append(parts, kv{"path_namespace", string(r.PathNamespace)})
	}
	if r.Destination != "" {
		parts = append(parts, kv{"destination", r.Destination})
	}
	if r.Eavesdrop {
		parts = append(parts, kv{"eavesdrop", "true"})
	}
	for _, a := range r.Args {
		key := "arg" + strconv.Itoa(a.Index)
		switch a.Kind {
		case ArgPath:
			key += "path"
		case ArgNamespace:
			key += "namespace"
		}
		parts = append(parts, kv{key, a.Value})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].k < parts[j].k })

	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = fmt.Sprintf("%s='%s'", p.k, strings.ReplaceAll(p.v, "'", `'\''`))
	}
	return strings.Join(escaped, ",")
}

// Matches reports whether msg satisfies every condition of the rule.
func (c *CompiledMatchRule) Matches(msg *Message) bool {
	r := c.rule
	if r.Type != TypeInvalid && r.Type != msg.Type {
		return false
	}
	if r.Sender != "" && r.Sender != msg.Sender {
		return false
	}
	if r.Interface != "" && r.Interface != msg.Iface {
		return false
	}
	if r.Member != "" && r.Member != msg.Member {
		return false
	}
	if r.Path != "" && r.Path != msg.Path {
		return false
	}
	if r.PathNamespace != "" && !pathUnderNamespace(msg.Path, r.PathNamespace) {
		return false
	}
	if r.Destination != "" && r.Destination != msg.Dest {
		return false
	}
	for _, a := range r.Args {
		if !matchArg(a, msg.Params) {
			return false
		}
	}
	return true
}

func pathUnderNamespace(path, ns ObjectPath) bool {
	p, n := string(path), string(ns)
	if p == n {
		return true
	}
	if n == "/" {
		return strings.HasPrefix(p, "/")
	}
	return strings.HasPrefix(p, n+"/")
}

func matchArg(a ArgMatch, params []interface{}) bool {
	if a.Index >= len(params) {
		return false
	}
	s, ok := argAsString(params[a.Index])
	if !ok {
		return false
	}
	switch a.Kind {
	case ArgString:
		return s == a.Value
	case ArgPath:
		return s == a.Value || strings.HasPrefix(a.Value, s+"/") || strings.HasPrefix(s, a.Value+"/")
	case ArgNamespace:
		return s == a.Value || strings.HasPrefix(s, a.Value+".")
	}
	return false
}

func argAsString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case ObjectPath:
		return string(s), true
	case Signature:
		return string(s), true
	}
	return "", false
}
