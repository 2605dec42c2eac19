package table

// Monitor observes table lifetimes for diagnostics. Implementations
// must be safe for concurrent use.
type Monitor interface {
	TableCreated(t *Table)
	TableClosed(t *Table)
}

type nopMonitor struct{}

func (nopMonitor) TableCreated(*Table) {}
func (nopMonitor) TableClosed(*Table)  {}

// IndexStats describes one index.
type IndexStats struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Count int    `json:"count"`
}

// Stats is a point-in-time description of a table.
type Stats struct {
	Name      string       `json:"name"`
	Schema    string       `json:"schema"`
	Count     int          `json:"count"`
	Listeners int          `json:"listeners"`
	Status    Status       `json:"status,omitempty"`
	Indexes   []IndexStats `json:"indexes"`
}

// Stats snapshots the table.
func (t *Table) Stats() Stats {
	st := Stats{
		Name:      t.name,
		Schema:    t.schema.Name,
		Listeners: t.Listeners(),
	}
	if t.schema.SupportsStatus() {
		st.Status, _ = t.Status()
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	st.Count = t.def.Count()
	for _, ix := range t.indexes {
		spec := ix.Spec()
		st.Indexes = append(st.Indexes, IndexStats{Name: spec.Name, Kind: spec.Kind.String(), Count: ix.Count()})
	}
	return st
}
