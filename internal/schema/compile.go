package schema

import (
	"fmt"
	"strings"
)

type indexDemand struct {
	attrs        []string
	implySingle  bool
	requireMulti bool
}

type compiler struct {
	decl    Decl
	schema  *Schema
	demands []*indexDemand
	byName  map[string]*indexDemand
}

// Compile builds a Schema from a declaration. The result depends only on
// the declaration, so compiling the same Decl twice yields equal schemas.
func Compile(d Decl) (*Schema, error) {
	name := d.Name
	if name == "" {
		name = "anonymous"
	}
	c := &compiler{
		decl: d,
		schema: &Schema{
			Name:       name,
			Decl:       d,
			primary:    -1,
			byPublic:   make(map[string]int),
			byDeclared: make(map[string]int),
		},
		byName: make(map[string]*indexDemand),
	}
	if err := c.compile(); err != nil {
		return nil, err
	}
	return c.schema, nil
}

// MustCompile is Compile for package-level schemas. It panics on error.
func MustCompile(d Decl) *Schema {
	s, err := Compile(d)
	if err != nil {
		panic(err)
	}
	return s
}

func (c *compiler) errorf(field, format string, args ...any) error {
	return &CompileError{Schema: c.schema.Name, Field: field, Message: fmt.Sprintf(format, args...)}
}

func (c *compiler) needIndex(attrs []string, implySingle, requireMulti bool) string {
	name := IndexName(attrs)
	if d, ok := c.byName[name]; ok {
		d.implySingle = d.implySingle || implySingle
		d.requireMulti = d.requireMulti || requireMulti
		return name
	}
	d := &indexDemand{attrs: attrs, implySingle: implySingle, requireMulti: requireMulti}
	c.byName[name] = d
	c.demands = append(c.demands, d)
	return name
}

func (c *compiler) declare(f Func) {
	s := c.schema
	if _, exists := s.byPublic[f.PublicName]; exists {
		return
	}
	s.Funcs = append(s.Funcs, f)
	s.byPublic[f.PublicName] = len(s.Funcs) - 1
	if f.DeclaredName != "" {
		s.byDeclared[f.DeclaredName] = len(s.Funcs) - 1
	}
	s.caps = s.caps.with(f.Kind)
}

func (c *compiler) compile() error {
	s := c.schema

	seenAttrs := make(map[string]bool)
	for _, raw := range c.decl.Attrs {
		a, err := ParseAttr(raw)
		if err != nil {
			return c.errorf(raw, "%v", err)
		}
		if seenAttrs[a.Name] {
			return c.errorf(a.Name, "duplicate attribute")
		}
		seenAttrs[a.Name] = true
		s.Attrs = append(s.Attrs, Attr{Name: a.Name, Auto: a.Auto})
	}

	c.declare(Func{Kind: FuncEach, PublicName: "each"})
	c.declare(Func{Kind: FuncInsert, PublicName: "insert"})

	var (
		keyedDelete   string
		unkeyedDelete string
		hasSingle     bool
	)

	for _, raw := range c.decl.Funcs {
		fd, err := ParseFunc(raw)
		if err != nil {
			return c.errorf(raw, "%v", err)
		}
		clause := fd.String()
		keyed := len(fd.Params) > 0
		suffix := strings.Join(fd.Params, "_")

		switch fd.Name {
		case "get":
			if keyed {
				idx := c.needIndex(fd.Params, true, false)
				c.declare(Func{Kind: FuncGetWith, PublicName: "get_with_" + suffix, DeclaredName: clause, Params: fd.Params, Index: idx})
				continue
			}
			c.declare(Func{Kind: FuncGetSingle, PublicName: "get"})
			c.declare(Func{Kind: FuncSetSingle, PublicName: "set"})
			if !hasSingle {
				hasSingle = true
				s.Indexes = append(s.Indexes, IndexSpec{Name: IndexSingleValue.String(), Kind: IndexSingleValue})
			}

		case "has":
			if !keyed {
				return c.errorf(clause, "has() requires a parameter")
			}
			idx := c.needIndex(fd.Params, false, false)
			c.declare(Func{Kind: FuncHas, PublicName: "has_" + suffix, DeclaredName: clause, Params: fd.Params, Index: idx})

		case "list":
			if !keyed {
				return c.errorf(clause, "list() requires a parameter (use listAll for every item)")
			}
			idx := c.needIndex(fd.Params, false, true)
			c.declare(Func{Kind: FuncListWith, PublicName: "list_with_" + suffix, DeclaredName: clause, Params: fd.Params, Index: idx})

		case "listAll", "list_all":
			c.declare(Func{Kind: FuncListAll, PublicName: "list_all"})

		case "update":
			switch len(fd.Params) {
			case 0:
				c.declare(Func{Kind: FuncUpdate, PublicName: "update"})
			case 1:
				idx := c.needIndex(fd.Params, false, false)
				c.declare(Func{Kind: FuncUpdateWith, PublicName: "update_with_" + suffix, DeclaredName: clause, Params: fd.Params, Index: idx})
			default:
				return c.errorf(clause, "update() takes at most one parameter")
			}

		case "each":
			c.declare(Func{Kind: FuncEach, PublicName: "each"})

		case "listen":
			c.declare(Func{Kind: FuncListen, PublicName: "listen"})

		case "delete":
			if keyed {
				keyedDelete = clause
				idx := c.needIndex(fd.Params, false, false)
				c.declare(Func{Kind: FuncDeleteWith, PublicName: "delete_with_" + suffix, DeclaredName: clause, Params: fd.Params, Index: idx})
			} else {
				unkeyedDelete = clause
				c.declare(Func{Kind: FuncDeleteItem, PublicName: "delete_item", DeclaredName: clause})
			}
			if keyedDelete != "" && unkeyedDelete != "" {
				return c.errorf(clause, "declares both %s and %s; only one delete shape may be declared", keyedDelete, unkeyedDelete)
			}

		case "deleteAll", "delete_all":
			c.declare(Func{Kind: FuncDeleteAll, PublicName: "delete_all"})

		case "replaceAll", "replace_all":
			c.declare(Func{Kind: FuncReplaceAll, PublicName: "replace_all"})

		case "status", "getStatus", "get_status":
			c.declare(Func{Kind: FuncStatus, PublicName: "status"})

		case "count":
			c.declare(Func{Kind: FuncCount, PublicName: "count"})

		case "diff":
			c.declare(Func{Kind: FuncDiff, PublicName: "diff"})

		case "first":
			c.declare(Func{Kind: FuncFirst, PublicName: "first"})

		case "listenToStream", "listen_to_stream":
			c.declare(Func{Kind: FuncStatus, PublicName: "status"})
			c.declare(Func{Kind: FuncDeleteAll, PublicName: "delete_all"})
			c.declare(Func{Kind: FuncListenToStream, PublicName: "listen_to_stream"})

		default:
			return c.errorf(clause, "unrecognized function %q", fd.Name)
		}
	}

	for _, d := range c.demands {
		kind := IndexMultiMap
		if d.implySingle && !d.requireMulti {
			kind = IndexMap
		}
		s.Indexes = append(s.Indexes, IndexSpec{Name: IndexName(d.attrs), Kind: kind, Attrs: d.attrs})
	}

	if len(s.Indexes) == 0 {
		s.Indexes = append(s.Indexes, IndexSpec{Name: IndexList.String(), Kind: IndexList})
	}

	for i, idx := range s.Indexes {
		if idx.Kind == IndexMap && len(idx.Attrs) == 1 {
			s.primary = i
			break
		}
	}
	if s.primary >= 0 {
		s.defaultIndex = s.primary
		c.declare(Func{Kind: FuncDeleteItem, PublicName: "delete_item"})
	}

	if s.Supports(FuncUpdate) || s.Supports(FuncUpdateWith) {
		plan, err := c.updatePlan()
		if err != nil {
			return err
		}
		s.Update = plan
	}

	if s.SupportsListening() && (keyedDelete != "" || unkeyedDelete != "") && s.primary < 0 {
		return c.errorf("listen", "listen and delete require a primary unique index (declare get(<key>))")
	}
	return nil
}

// updatePlan picks the index update() walks: a MultiMap if there is one,
// else a Map. Every other index must support key repair.
func (c *compiler) updatePlan() (*UpdatePlan, error) {
	s := c.schema
	main := -1
	best := -1
	for i, idx := range s.Indexes {
		var priority int
		switch idx.Kind {
		case IndexMap:
			priority = 0
		case IndexMultiMap:
			priority = 1
		default:
			return nil, c.errorf("update", "update is not supported on a %s index", idx.Kind)
		}
		if priority > best {
			main, best = i, priority
		}
	}

	plan := &UpdatePlan{Main: s.Indexes[main].Name}
	for i, idx := range s.Indexes {
		if i != main {
			plan.Related = append(plan.Related, idx.Name)
		}
	}
	return plan, nil
}
