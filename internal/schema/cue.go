package schema

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
)

// DeclFromCUE reads a declaration from a CUE struct of the form
//
//	Tabs: {
//		attrs: ["tabId", "title"]
//		funcs: ["get(tabId)", "listen", "delete(tabId)"]
//	}
//
// The struct label becomes the schema name.
func DeclFromCUE(v cue.Value) (Decl, error) {
	var d Decl
	if sel := v.Path().Selectors(); len(sel) > 0 {
		d.Name = sel[len(sel)-1].String()
	}
	if err := v.Err(); err != nil {
		return d, formatCUEError(d.Name, err)
	}

	for _, field := range []struct {
		name string
		dst  *[]string
	}{{"attrs", &d.Attrs}, {"funcs", &d.Funcs}} {
		fv := v.LookupPath(cue.ParsePath(field.name))
		if !fv.Exists() {
			continue
		}
		if err := fv.Decode(field.dst); err != nil {
			return d, &CompileError{Schema: d.Name, Field: field.name, Message: "must be a list of strings", Pos: fv.Pos()}
		}
	}

	if hv := v.LookupPath(cue.ParsePath("hint")); hv.Exists() {
		hint, err := hv.String()
		if err != nil {
			return d, formatCUEError(d.Name, err)
		}
		d.Hint = hint
	}

	if len(d.Funcs) == 0 && len(d.Attrs) == 0 {
		return d, &CompileError{Schema: d.Name, Message: "declares neither attrs nor funcs", Pos: v.Pos()}
	}
	return d, nil
}

// CompileCUE compiles the declaration held in v. Compile errors carry
// the CUE position of the declaration.
func CompileCUE(v cue.Value) (*Schema, error) {
	d, err := DeclFromCUE(v)
	if err != nil {
		return nil, err
	}
	s, err := Compile(d)
	if err != nil {
		if ce, ok := err.(*CompileError); ok && !ce.Pos.IsValid() {
			ce.Pos = v.Pos()
		}
		return nil, err
	}
	return s, nil
}

// LoadCUE compiles every declaration under the top-level "schema" field
// of a CUE file or package directory, in source order.
func LoadCUE(path string) ([]*Schema, error) {
	root, err := buildCUE(path)
	if err != nil {
		return nil, err
	}
	return CompileAllCUE(root)
}

// CompileAllCUE compiles every field of root's "schema" struct.
func CompileAllCUE(root cue.Value) ([]*Schema, error) {
	decls := root.LookupPath(cue.ParsePath("schema"))
	if !decls.Exists() {
		return nil, &CompileError{Field: "schema", Message: "no schema field found", Pos: root.Pos()}
	}
	iter, err := decls.Fields()
	if err != nil {
		return nil, formatCUEError("", err)
	}

	var out []*Schema
	for iter.Next() {
		s, err := CompileCUE(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func buildCUE(path string) (cue.Value, error) {
	ctx := cuecontext.New()

	info, err := os.Stat(path)
	if err != nil {
		return cue.Value{}, fmt.Errorf("reading schema declarations: %w", err)
	}

	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return cue.Value{}, fmt.Errorf("reading schema declarations: %w", err)
		}
		v := ctx.CompileBytes(data, cue.Filename(path))
		if err := v.Err(); err != nil {
			return cue.Value{}, formatCUEError("", err)
		}
		return v, nil
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: filepath.Clean(path)})
	if len(instances) == 0 {
		return cue.Value{}, fmt.Errorf("no CUE instances in %s", path)
	}
	if err := instances[0].Err; err != nil {
		return cue.Value{}, fmt.Errorf("loading CUE files: %w", err)
	}
	v := ctx.BuildInstance(instances[0])
	if err := v.Err(); err != nil {
		return cue.Value{}, formatCUEError("", err)
	}
	return v, nil
}
