package dbus

import "testing"

func TestMatchRuleCompileRejectsPathAndNamespace(t *testing.T) {
	_, err := MatchRule{Path: "/a", PathNamespace: "/b"}.Compile()
	if err == nil {
		t.Error("expected an error when both Path and PathNamespace are set")
	}
}

func TestMatchRuleCompileRejectsNonZeroIndexNamespace(t *testing.T) {
	_, err := MatchRule{Args: []ArgMatch{{Index: 1, Kind: ArgNamespace, Value: "org.example"}}}.Compile()
	if err == nil {
		t.Error("expected an error for arg1namespace, only arg0namespace is defined")
	}
	if _, err := (MatchRule{Args: []ArgMatch{{Index: 0, Kind: ArgNamespace, Value: "org.example"}}}).Compile(); err != nil {
		t.Errorf("arg0namespace should be accepted, got error: %v", err)
	}
}

func TestCompiledMatchRuleMatches(t *testing.T) {
	cases := []struct {
		name  string
		rule  MatchRule
		msg   *Message
		match bool
	}{
		{
			name:  "type mismatch",
			rule:  MatchRule{Type: TypeSignal},
			msg:   &Message{Type: TypeMethodCall},
			match: false,
		},
		{
			name:  "member match",
			rule:  MatchRule{Type: TypeSignal, Member: "NameOwnerChanged"},
			msg:   &Message{Type: TypeSignal, Member: "NameOwnerChanged"},
			match: true,
		},
		{
			name:  "path namespace match",
			rule:  MatchRule{PathNamespace: "/org/example"},
			msg:   &Message{Path: "/org/example/Foo"},
			match: true,
		},
		{
			name:  "path namespace exact root match",
			rule:  MatchRule{PathNamespace: "/"},
			msg:   &Message{Path: "/org/example/Foo"},
			match: true,
		},
		{
			name:  "path namespace mismatch",
			rule:  MatchRule{PathNamespace: "/org/example"},
			msg:   &Message{Path: "/org/other/Foo"},
			match: false,
		},
		{
			name:  "arg0 string match",
			rule:  MatchRule{Args: []ArgMatch{{Index: 0, Kind: ArgString, Value: "org.example.Foo"}}},
			msg:   &Message{Params: []interface{}{"org.example.Foo"}},
			match: true,
		},
		{
			name:  "arg0 namespace match",
			rule:  MatchRule{Args: []ArgMatch{{Index: 0, Kind: ArgNamespace, Value: "org.example"}}},
			msg:   &Message{Params: []interface{}{"org.example.Foo"}},
			match: true,
		},
		{
			name:  "arg index out of range",
			rule:  MatchRule{Args: []ArgMatch{{Index: 2, Kind: ArgString, Value: "x"}}},
			msg:   &Message{Params: []interface{}{"x"}},
			match: false,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			compiled, err := c.rule.Compile()
			if err != nil {
				t.Fatal(err)
			}
			if got := compiled.Matches(c.msg); got != c.match {
				t.Errorf("Matches() = %v, want %v", got, c.match)
			}
		})
	}
}

func TestCompiledMatchRuleString(t *testing.T) {
	rule, err := MatchRule{Type: TypeSignal, Interface: "org.example.Foo", Member: "Bar"}.Compile()
	if err != nil {
		t.Fatal(err)
	}
	want := "interface='org.example.Foo',member='Bar',type='signal'"
	if got := rule.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
