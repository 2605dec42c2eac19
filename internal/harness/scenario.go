package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/streamtable/internal/config"
)

// Scenario is a scripted run against a served set of tables.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario checks.
	Description string `yaml:"description"`

	// Schemas lists CUE schema files, relative to the scenario file.
	Schemas []string `yaml:"schemas"`

	// Tables are served exactly as in a serve config.
	Tables []config.TableConfig `yaml:"tables"`

	// Mirror names served tables the client mirrors before the flow starts.
	Mirror []string `yaml:"mirror,omitempty"`

	// Flow is executed in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions are checked after the flow.
	Assertions []Assertion `yaml:"assertions"`
}

// FlowStep is one action. Exactly one of the action fields is set.
type FlowStep struct {
	// Insert adds a record on the server side.
	Insert *InsertStep `yaml:"insert,omitempty"`

	// Delete removes a record by primary key on the server side.
	Delete *DeleteStep `yaml:"delete,omitempty"`

	// DeleteAll empties a server table.
	DeleteAll *TableStep `yaml:"delete_all,omitempty"`

	// Call sends a request from the client.
	Call *CallStep `yaml:"call,omitempty"`

	// Disconnect drops the client's transport.
	Disconnect *DisconnectStep `yaml:"disconnect,omitempty"`

	// Advance moves the clock forward, firing due timers.
	Advance time.Duration `yaml:"advance,omitempty"`

	// Expect checks the outcome of a call step.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// TableStep names a served table.
type TableStep struct {
	Table string `yaml:"table"`
}

// InsertStep inserts Item into Table.
type InsertStep struct {
	Table string         `yaml:"table"`
	Item  map[string]any `yaml:"item"`
}

// DeleteStep deletes the record of Table whose primary key is Key.
type DeleteStep struct {
	Table string `yaml:"table"`
	Key   []any  `yaml:"key"`
}

// CallStep requests Table's function Fn with Params.
type CallStep struct {
	Table  string `yaml:"table"`
	Fn     string `yaml:"fn"`
	Params []any  `yaml:"params,omitempty"`
}

// DisconnectStep drops the transport. Retry defaults to true.
type DisconnectStep struct {
	Retry *bool `yaml:"retry,omitempty"`
}

// ShouldRetry reports whether the client may reconnect.
func (d *DisconnectStep) ShouldRetry() bool {
	return d.Retry == nil || *d.Retry
}

// ExpectClause checks a call's outcome. Items are subset matches for
// objects and exact matches otherwise.
type ExpectClause struct {
	Items []any  `yaml:"items,omitempty"`
	Error string `yaml:"error,omitempty"`
}

// Kind returns the step's action name, or "" if none or several are set.
func (s FlowStep) Kind() string {
	var kinds []string
	if s.Insert != nil {
		kinds = append(kinds, StepInsert)
	}
	if s.Delete != nil {
		kinds = append(kinds, StepDelete)
	}
	if s.DeleteAll != nil {
		kinds = append(kinds, StepDeleteAll)
	}
	if s.Call != nil {
		kinds = append(kinds, StepCall)
	}
	if s.Disconnect != nil {
		kinds = append(kinds, StepDisconnect)
	}
	if s.Advance != 0 {
		kinds = append(kinds, StepAdvance)
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// Step kinds.
const (
	StepInsert     = "insert"
	StepDelete     = "delete"
	StepDeleteAll  = "delete_all"
	StepCall       = "call"
	StepDisconnect = "disconnect"
	StepAdvance    = "advance"
)

// Assertion checks the final state or the wire trace.
type Assertion struct {
	// Type is one of the Assert constants.
	Type string `yaml:"type"`

	// Table names a table (table_contains, table_count, status) or
	// narrows trace matches to messages about that table.
	Table string `yaml:"table,omitempty"`

	// Side picks the mirror or the server copy. Mirrored tables default
	// to mirror.
	Side string `yaml:"side,omitempty"`

	// Where is a subset match against one record (table_contains).
	Where map[string]any `yaml:"where,omitempty"`

	// Count is the expected record or message count.
	Count int `yaml:"count,omitempty"`

	// Status is the expected table status.
	Status string `yaml:"status,omitempty"`

	// Message is a wire message type (trace_contains, trace_count).
	Message string `yaml:"message,omitempty"`

	// Call narrows trace matches to requests for that function.
	Call string `yaml:"call,omitempty"`

	// Messages is the expected order of first occurrences (trace_order).
	Messages []string `yaml:"messages,omitempty"`
}

// Assertion types.
const (
	AssertTableContains = "table_contains"
	AssertTableCount    = "table_count"
	AssertStatus        = "status"
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
)

// Sides an assertion can inspect.
const (
	SideMirror = "mirror"
	SideServer = "server"
)

// LoadScenario reads a scenario file, resolving schema paths against the
// file's directory. Unknown fields are errors.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads a scenario file, resolving schema paths
// against basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var sc Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&sc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	for i, p := range sc.Schemas {
		if !filepath.IsAbs(p) && basePath != "" {
			sc.Schemas[i] = filepath.Join(basePath, p)
		}
	}

	if err := validateScenario(&sc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &sc, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Schemas) == 0 {
		return fmt.Errorf("schemas list is required and must be non-empty")
	}
	if len(s.Tables) == 0 {
		return fmt.Errorf("tables list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for _, p := range s.Schemas {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return fmt.Errorf("schema file not found: %s", p)
		}
	}

	served := make(map[string]bool)
	for _, tc := range s.Tables {
		served[tc.ServedName()] = true
	}
	for i, name := range s.Mirror {
		if !served[name] {
			return fmt.Errorf("mirror[%d]: %q is not served", i, name)
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(i, step, served); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step FlowStep, served map[string]bool) error {
	kind := step.Kind()
	if kind == "" {
		return fmt.Errorf("flow[%d]: exactly one of insert, delete, delete_all, call, disconnect, advance is required", index)
	}
	if step.Expect != nil && kind != StepCall {
		return fmt.Errorf("flow[%d]: expect is only valid on call", index)
	}
	if step.Expect != nil && step.Expect.Error != "" && len(step.Expect.Items) > 0 {
		return fmt.Errorf("flow[%d].expect: items and error are exclusive", index)
	}

	var name string
	switch kind {
	case StepInsert:
		if step.Insert.Item == nil {
			return fmt.Errorf("flow[%d]: insert needs an item", index)
		}
		name = step.Insert.Table
	case StepDelete:
		if len(step.Delete.Key) == 0 {
			return fmt.Errorf("flow[%d]: delete needs a key", index)
		}
		name = step.Delete.Table
	case StepDeleteAll:
		name = step.DeleteAll.Table
	case StepCall:
		if step.Call.Fn == "" {
			return fmt.Errorf("flow[%d]: call needs fn", index)
		}
		// Calls to unknown tables are allowed; they fail with unhandled_request.
		return nil
	case StepAdvance:
		if step.Advance < 0 {
			return fmt.Errorf("flow[%d]: advance must be positive", index)
		}
		return nil
	default:
		return nil
	}
	if !served[name] {
		return fmt.Errorf("flow[%d]: table %q is not served", index, name)
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	switch a.Side {
	case "", SideMirror, SideServer:
	default:
		return fmt.Errorf("assertions[%d]: side must be mirror or server", index)
	}

	switch a.Type {
	case AssertTableContains:
		if a.Table == "" || len(a.Where) == 0 {
			return fmt.Errorf("assertions[%d]: table and where are required for table_contains", index)
		}
	case AssertTableCount:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for table_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for table_count", index)
		}
	case AssertStatus:
		if a.Table == "" || a.Status == "" {
			return fmt.Errorf("assertions[%d]: table and status are required for status", index)
		}
	case AssertTraceContains:
		if a.Message == "" {
			return fmt.Errorf("assertions[%d]: message is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Messages) == 0 {
			return fmt.Errorf("assertions[%d]: messages list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Message == "" {
			return fmt.Errorf("assertions[%d]: message is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
