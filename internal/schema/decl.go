package schema

import (
	"fmt"
	"strings"
)

// Hints carried by a Schema event describing the shape of a result.
const (
	HintValue = "value"
	HintList  = "list"
)

// Decl is a schema declaration: the uncompiled form a table or a result
// stream is described by. It is also the descriptor sent in Schema
// events.
//
// Attrs are attribute names, optionally followed by "auto" ("id auto").
// Funcs are function clauses such as "get(id)", "delete(tabId)", "listen".
type Decl struct {
	Name  string   `json:"name,omitempty" yaml:"name,omitempty"`
	Attrs []string `json:"attrs,omitempty" yaml:"attrs,omitempty"`
	Funcs []string `json:"funcs,omitempty" yaml:"funcs,omitempty"`
	Hint  string   `json:"hint,omitempty" yaml:"hint,omitempty"`
}

// FuncDecl is one parsed function clause.
type FuncDecl struct {
	Name   string
	Params []string
	// HasParens distinguishes "get()" from "get".
	HasParens bool
}

func (f FuncDecl) String() string {
	if !f.HasParens {
		return f.Name
	}
	return f.Name + "(" + strings.Join(f.Params, ", ") + ")"
}

// ParseFunc parses a clause of the form "name", "name()" or
// "name(a, $b)". A leading "$" on a parameter is accepted and dropped.
func ParseFunc(s string) (FuncDecl, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return FuncDecl{}, fmt.Errorf("empty function declaration")
	}

	open := strings.IndexByte(s, '(')
	if open < 0 {
		if !isIdent(s) {
			return FuncDecl{}, fmt.Errorf("invalid function name %q", s)
		}
		return FuncDecl{Name: s}, nil
	}
	if !strings.HasSuffix(s, ")") {
		return FuncDecl{}, fmt.Errorf("missing ')' in %q", s)
	}

	fd := FuncDecl{Name: strings.TrimSpace(s[:open]), HasParens: true}
	if !isIdent(fd.Name) {
		return FuncDecl{}, fmt.Errorf("invalid function name %q", fd.Name)
	}
	inner := strings.TrimSpace(s[open+1 : len(s)-1])
	if inner == "" {
		return fd, nil
	}
	for _, p := range strings.Split(inner, ",") {
		p = strings.TrimPrefix(strings.TrimSpace(p), "$")
		if !isIdent(p) {
			return FuncDecl{}, fmt.Errorf("invalid parameter %q in %q", p, s)
		}
		fd.Params = append(fd.Params, p)
	}
	return fd, nil
}

// AttrDecl is one parsed attribute.
type AttrDecl struct {
	Name string
	Auto bool
}

// ParseAttr parses "name", "name auto" or "name(auto)".
func ParseAttr(s string) (AttrDecl, error) {
	if open := strings.IndexByte(s, '('); open >= 0 && strings.HasSuffix(strings.TrimSpace(s), ")") {
		name := strings.TrimSpace(s[:open])
		opt := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s[open+1:]), ")"))
		if isIdent(name) && opt == "auto" {
			return AttrDecl{Name: name, Auto: true}, nil
		}
		return AttrDecl{}, fmt.Errorf("invalid attribute declaration %q", s)
	}
	fields := strings.Fields(s)
	switch {
	case len(fields) == 1 && isIdent(fields[0]):
		return AttrDecl{Name: fields[0]}, nil
	case len(fields) == 2 && isIdent(fields[0]) && fields[1] == "auto":
		return AttrDecl{Name: fields[0], Auto: true}, nil
	default:
		return AttrDecl{}, fmt.Errorf("invalid attribute declaration %q", s)
	}
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
