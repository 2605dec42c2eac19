package table

import (
	"strings"

	"github.com/roach88/streamtable/internal/schema"
	"github.com/roach88/streamtable/internal/stream"
	"github.com/roach88/streamtable/internal/value"
)

// ListenOptions configures Listen.
type ListenOptions struct {
	// InitialData replays the current contents, followed by Done,
	// before StartUpdates.
	InitialData bool
	// DeletionIndex names the keyed index whose key the listener's
	// delete deltas carry. The default is the first index with a
	// declared delete, else the primary unique index.
	DeletionIndex string
}

// ParseListenOptions reads options from their wire form
// {"getInitialData": true, "deletionIndexName": "id"}.
func ParseListenOptions(v value.Value) ListenOptions {
	var opts ListenOptions
	obj, ok := v.(value.Object)
	if !ok {
		return opts
	}
	if b, ok := obj["getInitialData"].(value.Bool); ok {
		opts.InitialData = bool(b)
	}
	if s, ok := obj["deletionIndexName"].(value.String); ok {
		opts.DeletionIndex = string(s)
	}
	return opts
}

// Value returns the wire form of the options.
func (o ListenOptions) Value() value.Object {
	obj := value.Object{"getInitialData": value.Bool(o.InitialData)}
	if o.DeletionIndex != "" {
		obj["deletionIndexName"] = value.String(o.DeletionIndex)
	}
	return obj
}

type changeKind int

const (
	changeInsert changeKind = iota
	changeUpdate
	changeRemove
	changeRestart
)

// change is one mutation awaiting broadcast. Updates carry the keys and
// key params each keyed index held before the update. A removal made by
// DeleteWith names the index it went through.
type change struct {
	kind      changeKind
	e         *entry
	oldKeys   []string
	oldParams [][]any
	via       string
}

// deletionKey is one delete function a listener's deltas may call.
type deletionKey struct {
	index  string
	pos    int
	unique bool
	attrs  []string
	fn     string
	clause string
}

// deletionPlan is how deletes are described to one listener. key is
// the index the listener asked for. When key is not unique, removing a
// single record would take its siblings with it on the receiving side,
// so single removals go through the primary unique index instead and
// only DeleteWith on key itself fans out as one key delta.
type deletionPlan struct {
	key    deletionKey
	single *deletionKey
}

// forRecord is the key that removes exactly one record.
func (p *deletionPlan) forRecord() *deletionKey {
	if p.key.unique {
		return &p.key
	}
	return p.single
}

func (p *deletionPlan) clauses() []string {
	out := []string{p.key.clause}
	if p.single != nil {
		out = append(out, p.single.clause)
	}
	return out
}

func (t *Table) deletionPlan(name string) (*deletionPlan, error) {
	primary, hasPrimary := t.schema.PrimaryUnique()
	if name == "" {
		for _, f := range t.schema.Funcs {
			if f.Kind == schema.FuncDeleteWith {
				name = f.Index
				break
			}
		}
	}
	if name == "" {
		if !hasPrimary {
			return nil, nil
		}
		name = primary.Name
	}

	key, err := t.deletionKey(name)
	if err != nil {
		return nil, err
	}
	plan := &deletionPlan{key: key}
	if !key.unique && hasPrimary {
		single, err := t.deletionKey(primary.Name)
		if err != nil {
			return nil, err
		}
		plan.single = &single
	}
	return plan, nil
}

func (t *Table) deletionKey(index string) (deletionKey, error) {
	_, pos, err := t.keyed(index)
	if err != nil {
		return deletionKey{}, err
	}
	spec := t.indexes[pos].Spec()
	key := deletionKey{
		index:  index,
		pos:    pos,
		unique: spec.Kind == schema.IndexMap,
		attrs:  spec.Attrs,
		fn:     deleteFuncName(spec.Attrs),
		clause: deleteClause(spec.Attrs),
	}
	if f, ok := t.schema.FuncFor(schema.FuncDeleteWith, index); ok {
		key.fn = f.PublicName
	}
	return key, nil
}

func deleteFuncName(attrs []string) string {
	return "delete_with_" + strings.Join(attrs, "_")
}

func deleteClause(attrs []string) string {
	return schema.FuncDecl{Name: "delete", Params: attrs, HasParens: true}.String()
}

// deleteIndex resolves a delete function sent by a listened table to
// the keyed index it deletes through. Any keyed index can be deleted
// through, declared or not, since a listener may describe single
// removals by the primary key.
func (t *Table) deleteIndex(fn string) (string, bool) {
	if f, ok := t.schema.Func(fn); ok {
		if f.Kind == schema.FuncDeleteWith {
			return f.Index, true
		}
		return "", false
	}
	for _, ix := range t.indexes {
		spec := ix.Spec()
		if !spec.Kind.Keyed() {
			continue
		}
		if fn == deleteFuncName(spec.Attrs) || fn == deleteClause(spec.Attrs) {
			return spec.Name, true
		}
	}
	return "", false
}

// Listen returns a stream that emits Schema (naming only the delete
// function the listener's deltas use), then the snapshot and Done if
// requested, then StartUpdates, then live Item, Delta and Restart
// events until the consumer closes it or the table is closed.
func (t *Table) Listen(opts ListenOptions) (*stream.Stream, error) {
	if t.listeners == nil {
		return nil, &stream.UsageError{Message: t.String() + " does not support listen"}
	}
	plan, err := t.deletionPlan(opts.DeletionIndex)
	if err != nil {
		return nil, err
	}

	decl := schema.Decl{Name: t.schema.Name}
	if plan != nil {
		decl.Funcs = plan.clauses()
	}

	s := stream.New().SetLabel(t.name + " listener")

	// The snapshot is queued and the listener registered under the write
	// lock, so no broadcast can interleave with the snapshot.
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		_ = s.PutError(stream.NewError(stream.ErrConnectionClosed, "%s is closed", t))
		_ = s.Close()
		return s, nil
	}
	_ = s.PutSchema(decl)
	if opts.InitialData {
		for _, e := range t.def.entries() {
			_ = s.Put(e.rec)
		}
		_ = s.Done()
	}
	_ = s.Receive(stream.StartUpdates())
	t.listeners.AddWith(s, plan)
	return s, nil
}

// Listeners returns the number of live listeners.
func (t *Table) Listeners() int {
	if t.listeners == nil {
		return 0
	}
	return t.listeners.Len()
}

// publish delivers changes to listeners, in order. It runs after the
// index lock is released.
func (t *Table) publish(changes []change) {
	if t.listeners == nil || len(changes) == 0 || t.listeners.Len() == 0 {
		return
	}

	// Deletes that share a deletion key collapse to one delta per
	// listener.
	sent := make(map[*stream.Listener]map[string]bool)

	for _, c := range changes {
		switch c.kind {
		case changeInsert:
			if c.e.removed {
				continue
			}
			_ = t.listeners.Receive(stream.Item(c.e.rec))

		case changeUpdate:
			if c.e.removed {
				continue
			}
			t.listeners.ReceiveEach(func(l *stream.Listener) (stream.Event, bool) {
				plan, _ := l.Data.(*deletionPlan)
				if plan == nil {
					return stream.Item(c.e.rec), true
				}
				if k := plan.forRecord(); k != nil && c.oldKeys[k.pos] != c.e.keys[k.pos] {
					// The record moved; drop the old key on the mirror first.
					if err := l.Stream.Receive(stream.Delta(k.fn, c.oldParams[k.pos]...)); err != nil {
						return stream.Event{}, false
					}
				}
				return stream.Item(c.e.rec), true
			})

		case changeRemove:
			t.listeners.ReceiveEach(func(l *stream.Listener) (stream.Event, bool) {
				plan, _ := l.Data.(*deletionPlan)
				var k *deletionKey
				if plan != nil {
					k = plan.forRecord()
					if c.via != "" && c.via == plan.key.index {
						k = &plan.key
					}
				}
				if k == nil {
					t.logger.Warn("listener cannot express delete", "table", t.name, "listener", l.Stream.String())
					return stream.Event{}, false
				}
				key := k.index + "\x00" + c.e.keys[k.pos]
				if sent[l] == nil {
					sent[l] = make(map[string]bool)
				}
				if sent[l][key] {
					return stream.Event{}, false
				}
				sent[l][key] = true
				return stream.Delta(k.fn, keyParams(c.e.rec, k.attrs)...), true
			})

		case changeRestart:
			clear(sent)
			_ = t.listeners.Receive(stream.Restart())
			_ = t.listeners.Receive(stream.StartUpdates())
		}
	}
}
