package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/streamtable/internal/value"
)

// Snapshot is the golden form of a result: the step log and the final
// mirror contents, in canonical JSON. The wire trace is left out since
// its framing is covered by the remote package's own tests.
func Snapshot(name string, result *Result) ([]byte, error) {
	steps := make(value.Array, len(result.Steps))
	for i, s := range result.Steps {
		obj := value.Object{
			"step": value.Int(s.Step),
			"kind": value.String(s.Kind),
		}
		if s.Table != "" {
			obj["table"] = value.String(s.Table)
		}
		if s.Call != "" {
			obj["call"] = value.String(s.Call)
		}
		if len(s.Params) > 0 {
			obj["params"] = value.Array(s.Params)
		}
		if len(s.Items) > 0 {
			obj["items"] = value.Array(s.Items)
		}
		if s.Error != "" {
			obj["error"] = value.String(s.Error)
		}
		steps[i] = obj
	}

	snap := value.Object{
		"scenario_name": value.String(name),
		"steps":         steps,
	}
	if len(result.Mirrors) > 0 {
		mirrors := value.Object{}
		for table, recs := range result.Mirrors {
			arr := make(value.Array, len(recs))
			for i, rec := range recs {
				arr[i] = rec
			}
			mirrors[table] = arr
		}
		snap["mirrors"] = mirrors
	}
	return value.MarshalCanonical(snap)
}

// GoldenPath is where the golden file of the scenario loaded from file
// lives: golden/<base>.golden next to it.
func GoldenPath(file string) string {
	base := filepath.Base(file)
	return filepath.Join(filepath.Dir(file), "golden", base[:len(base)-len(filepath.Ext(base))]+".golden")
}

// WriteGolden stores the snapshot of result at path, creating its
// directory.
func WriteGolden(path, name string, result *Result) error {
	data, err := Snapshot(name, result)
	if err != nil {
		return fmt.Errorf("failed to snapshot result: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create golden directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// MatchesGolden reports whether the snapshot of result equals the file
// at path byte for byte.
func MatchesGolden(path, name string, result *Result) (bool, error) {
	want, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read golden file: %w", err)
	}
	got, err := Snapshot(name, result)
	if err != nil {
		return false, fmt.Errorf("failed to snapshot result: %w", err)
	}
	return bytes.Equal(want, got), nil
}

// RunWithGolden runs a scenario and compares its snapshot with
// testdata/golden/{scenario.Name}.golden. Regenerate with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result with its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
