package harness

import (
	"github.com/roach88/streamtable/internal/store"
	"github.com/roach88/streamtable/internal/value"
)

// StepRecord is the outcome of one flow step.
type StepRecord struct {
	Step   int           `json:"step"` // 1-based
	Kind   string        `json:"kind"`
	Table  string        `json:"table,omitempty"`
	Call   string        `json:"call,omitempty"`
	Params []value.Value `json:"params,omitempty"`
	Items  []value.Value `json:"items,omitempty"`
	Error  string        `json:"error,omitempty"` // error type of a failed call
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true if every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Steps records each flow step in order.
	Steps []StepRecord `json:"steps"`

	// Trace holds every message the server connections sent or received,
	// ordered by sequence.
	Trace []store.Entry `json:"trace"`

	// Errors lists failed expectations. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Mirrors holds the final contents of each mirrored table.
	Mirrors map[string][]value.Object `json:"mirrors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Steps:   []StepRecord{},
		Trace:   []store.Entry{},
		Errors:  []string{},
		Mirrors: make(map[string][]value.Object),
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
