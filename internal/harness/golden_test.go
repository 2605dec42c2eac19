package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/streamtable/internal/value"
)

func TestScenarios_Golden(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		sc, err := LoadScenario(path)
		require.NoError(t, err, path)
		t.Run(sc.Name, func(t *testing.T) {
			result, err := RunWithGolden(t, sc)
			require.NoError(t, err)
			assert.True(t, result.Pass, result.Errors)
		})
	}
}

func TestSnapshot_Canonical(t *testing.T) {
	result := NewResult()
	result.Steps = []StepRecord{
		{Step: 1, Kind: StepCall, Table: "tabs", Call: "count", Items: []value.Value{value.Int(2)}},
		{Step: 2, Kind: StepDisconnect},
	}
	result.Mirrors["tabs"] = []value.Object{{"title": value.String("home"), "id": value.Int(1)}}

	data, err := Snapshot("snap", result)
	require.NoError(t, err)
	assert.Equal(t,
		`{"mirrors":{"tabs":[{"id":1,"title":"home"}]},"scenario_name":"snap","steps":[{"call":"count","items":[2],"kind":"call","step":1,"table":"tabs"},{"kind":"disconnect","step":2}]}`,
		string(data))
}

func TestGoldenPath(t *testing.T) {
	assert.Equal(t, filepath.Join("scenarios", "golden", "tabs.golden"), GoldenPath(filepath.Join("scenarios", "tabs.yaml")))
	assert.Equal(t, filepath.Join("golden", "tabs.golden"), GoldenPath("tabs.yml"))
}

func TestWriteGolden_ThenMatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "golden", "snap.golden")
	result := NewResult()
	result.Steps = []StepRecord{{Step: 1, Kind: StepDisconnect}}

	_, err := MatchesGolden(path, "snap", result)
	require.Error(t, err, "missing golden file")

	require.NoError(t, WriteGolden(path, "snap", result))
	ok, err := MatchesGolden(path, "snap", result)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = MatchesGolden(path, "renamed", result)
	require.NoError(t, err)
	assert.False(t, ok)
}
