package schema

import (
	"fmt"
	"strings"
)

// IndexKind is the shape of an index.
type IndexKind int

const (
	IndexMap IndexKind = iota + 1
	IndexMultiMap
	IndexList
	IndexSingleValue
)

func (k IndexKind) String() string {
	switch k {
	case IndexMap:
		return "map"
	case IndexMultiMap:
		return "multimap"
	case IndexList:
		return "list"
	case IndexSingleValue:
		return "single_value"
	default:
		return fmt.Sprintf("IndexKind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k IndexKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *IndexKind) UnmarshalText(text []byte) error {
	for c := IndexMap; c <= IndexSingleValue; c++ {
		if c.String() == string(text) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown index kind %q", text)
}

// Keyed reports whether the index is looked up by key.
func (k IndexKind) Keyed() bool {
	return k == IndexMap || k == IndexMultiMap
}

// IndexSpec describes one index. Name is the comma-joined attribute list
// for keyed indexes, or the kind name otherwise.
type IndexSpec struct {
	Name  string    `json:"name"`
	Kind  IndexKind `json:"kind"`
	Attrs []string  `json:"attrs,omitempty"`
}

// FuncKind tags a generated function. The set of kinds a schema declares
// is its capability set.
type FuncKind int

const (
	FuncEach FuncKind = iota
	FuncInsert
	FuncGetWith
	FuncGetSingle
	FuncSetSingle
	FuncHas
	FuncListWith
	FuncListAll
	FuncUpdate
	FuncUpdateWith
	FuncListen
	FuncDeleteWith
	FuncDeleteItem
	FuncDeleteAll
	FuncReplaceAll
	FuncStatus
	FuncCount
	FuncDiff
	FuncListenToStream
	FuncFirst
	funcKindCount
)

var funcKindNames = [...]string{
	FuncEach:           "each",
	FuncInsert:         "insert",
	FuncGetWith:        "get_with",
	FuncGetSingle:      "get",
	FuncSetSingle:      "set",
	FuncHas:            "has",
	FuncListWith:       "list_with",
	FuncListAll:        "list_all",
	FuncUpdate:         "update",
	FuncUpdateWith:     "update_with",
	FuncListen:         "listen",
	FuncDeleteWith:     "delete_with",
	FuncDeleteItem:     "delete_item",
	FuncDeleteAll:      "delete_all",
	FuncReplaceAll:     "replace_all",
	FuncStatus:         "status",
	FuncCount:          "count",
	FuncDiff:           "diff",
	FuncListenToStream: "listen_to_stream",
	FuncFirst:          "first",
}

func (k FuncKind) String() string {
	if k >= 0 && k < funcKindCount {
		return funcKindNames[k]
	}
	return fmt.Sprintf("FuncKind(%d)", int(k))
}

// Capabilities is a set of FuncKinds.
type Capabilities uint32

// Has reports whether k is in the set.
func (c Capabilities) Has(k FuncKind) bool {
	return c&(1<<uint(k)) != 0
}

func (c Capabilities) with(k FuncKind) Capabilities {
	return c | 1<<uint(k)
}

// Kinds lists the members in FuncKind order.
func (c Capabilities) Kinds() []FuncKind {
	var out []FuncKind
	for k := FuncKind(0); k < funcKindCount; k++ {
		if c.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

// Func is one generated function binding.
type Func struct {
	Kind FuncKind `json:"kind"`
	// PublicName is the callable name, e.g. "get_with_id" or "count".
	PublicName string `json:"public_name"`
	// DeclaredName is the clause as written, e.g. "get(id)". Empty for
	// implied functions.
	DeclaredName string `json:"declared_name,omitempty"`
	// Params are the key attributes for keyed functions.
	Params []string `json:"params,omitempty"`
	// Index names the index a keyed function is bound to.
	Index string `json:"index,omitempty"`
}

// Attr is a compiled attribute.
type Attr struct {
	Name string `json:"name"`
	Auto bool   `json:"auto,omitempty"`
}

// UpdatePlan names the index update() iterates and the indexes whose
// keys must be repaired afterwards.
type UpdatePlan struct {
	Main    string   `json:"main"`
	Related []string `json:"related,omitempty"`
}

// Schema is the compiled, immutable form of a Decl. It is safe to share
// between any number of tables.
type Schema struct {
	Name    string      `json:"name"`
	Decl    Decl        `json:"decl"`
	Attrs   []Attr      `json:"attrs,omitempty"`
	Funcs   []Func      `json:"funcs"`
	Indexes []IndexSpec `json:"indexes"`
	// Update is nil unless an update function is declared.
	Update *UpdatePlan `json:"update,omitempty"`

	primary      int
	defaultIndex int
	caps         Capabilities
	byPublic     map[string]int
	byDeclared   map[string]int
}

// Capabilities returns the declared function kinds.
func (s *Schema) Capabilities() Capabilities { return s.caps }

// Supports reports whether a function of kind k is declared.
func (s *Schema) Supports(k FuncKind) bool { return s.caps.Has(k) }

// SupportsListening reports whether listen is declared.
func (s *Schema) SupportsListening() bool { return s.caps.Has(FuncListen) }

// SupportsStatus reports whether the table carries a status sub-table.
func (s *Schema) SupportsStatus() bool {
	return s.caps.Has(FuncStatus) || s.caps.Has(FuncListenToStream)
}

// PrimaryUnique returns the primary unique index, if any.
func (s *Schema) PrimaryUnique() (IndexSpec, bool) {
	if s.primary < 0 {
		return IndexSpec{}, false
	}
	return s.Indexes[s.primary], true
}

// DefaultIndex returns the index used for iteration and counting.
func (s *Schema) DefaultIndex() IndexSpec {
	return s.Indexes[s.defaultIndex]
}

// Index looks up an index spec by name.
func (s *Schema) Index(name string) (IndexSpec, bool) {
	for _, idx := range s.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexSpec{}, false
}

// Func looks up a function by public name or declared clause.
func (s *Schema) Func(name string) (Func, bool) {
	if i, ok := s.byPublic[name]; ok {
		return s.Funcs[i], true
	}
	if i, ok := s.byDeclared[name]; ok {
		return s.Funcs[i], true
	}
	return Func{}, false
}

// FuncFor finds the function of kind k bound to index, e.g. the
// delete_with function of the "id" index.
func (s *Schema) FuncFor(k FuncKind, index string) (Func, bool) {
	for _, f := range s.Funcs {
		if f.Kind == k && f.Index == index {
			return f, true
		}
	}
	return Func{}, false
}

// AutoAttrs returns the auto-assigned attributes.
func (s *Schema) AutoAttrs() []string {
	var out []string
	for _, a := range s.Attrs {
		if a.Auto {
			out = append(out, a.Name)
		}
	}
	return out
}

// ListenerDecl is the descriptor a listener receives in its Schema
// event: only the deletion functions a mirror needs to replay deltas.
func (s *Schema) ListenerDecl() Decl {
	d := Decl{Name: s.Name}
	for _, f := range s.Funcs {
		if f.Kind == FuncDeleteWith {
			d.Funcs = append(d.Funcs, f.DeclaredName)
		}
	}
	return d
}

// IndexName joins attribute names into an index name.
func IndexName(attrs []string) string {
	return strings.Join(attrs, ",")
}

// MarshalText implements encoding.TextMarshaler.
func (k FuncKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *FuncKind) UnmarshalText(text []byte) error {
	for i, name := range funcKindNames {
		if name == string(text) {
			*k = FuncKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown function kind %q", text)
}
