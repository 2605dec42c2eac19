package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	schemasDir = filepath.Join("testdata", "schemas")
	invalidDir = filepath.Join("testdata", "invalid")
)

func runCompileCmd(t *testing.T, format string, args ...string) (*bytes.Buffer, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewCompileCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	return buf, cmd.Execute()
}

func TestCompileValidSchemas(t *testing.T) {
	buf, err := runCompileCmd(t, "text", schemasDir)
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, "✓ Compiled 2 schema(s)")
	assert.Contains(t, output, "Tabs: 2 attr(s)")
	assert.Contains(t, output, "listen=true")
	assert.Contains(t, output, "get_with_id")
	assert.Contains(t, output, "list_all")
}

func TestCompileValidSchemasJSON(t *testing.T) {
	buf, err := runCompileCmd(t, "json", schemasDir)
	require.NoError(t, err)

	var resp struct {
		Status string            `json:"status"`
		Data   CompilationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Schemas, 2)

	names := []string{resp.Data.Schemas[0].Name, resp.Data.Schemas[1].Name}
	assert.ElementsMatch(t, []string{"Tabs", "Notes"}, names)
}

func TestCompileSingleFile(t *testing.T) {
	buf, err := runCompileCmd(t, "text", filepath.Join(schemasDir, "notes.cue"))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "✓ Compiled 1 schema(s)")
	assert.Contains(t, buf.String(), "Notes")
	assert.NotContains(t, buf.String(), "Tabs")
}

func TestCompileOutputToFile(t *testing.T) {
	outputFile := filepath.Join(t.TempDir(), "compiled.json")

	buf, err := runCompileCmd(t, "text", schemasDir, "--output", outputFile)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Wrote schemas to "+outputFile)

	data, err := os.ReadFile(outputFile)
	require.NoError(t, err)

	var result CompilationResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Len(t, result.Schemas, 2)
}

func TestCompileNonExistentPath(t *testing.T) {
	buf, err := runCompileCmd(t, "text", "/nonexistent/directory/path")
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrCodeNotFound)
	assert.Contains(t, buf.String(), "not found")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCompileEmptyDirectory(t *testing.T) {
	buf, err := runCompileCmd(t, "text", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrCodeNoFiles)
	assert.Contains(t, buf.String(), "no CUE files found")
}

func TestCompileFileWithoutSchemas(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shared.cue"), []byte("limit: 10\n"), 0o644))

	buf, err := runCompileCmd(t, "text", dir)
	require.Error(t, err)
	assert.Contains(t, buf.String(), ErrCodeNoSchemas)
	assert.Contains(t, buf.String(), "no schemas declared")
}

func TestCompileInvalidSchemas(t *testing.T) {
	tests := []struct {
		file     string
		wantCode string
		wantText string
	}{
		{"listen_without_key.cue", ErrCodeListenNeedsKey, "primary unique index"},
		{"bad_clause.cue", ErrCodeInvalidClause, `unrecognized function "frobnicate"`},
		{"syntax.cue", ErrCodeBuildFailed, "syntax.cue"},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			buf, err := runCompileCmd(t, "text", filepath.Join(invalidDir, tt.file))
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, err.Error(), "compilation failed")

			output := buf.String()
			assert.Contains(t, output, "✗ Compilation failed")
			assert.Contains(t, output, tt.wantCode)
			assert.Contains(t, output, tt.wantText)
		})
	}
}

func TestCompileCollectsAllErrors(t *testing.T) {
	buf, err := runCompileCmd(t, "json", invalidDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 error(s)")

	var resp struct {
		Status string     `json:"status"`
		Error  *CLIError  `json:"error"`
		Data   []CLIError `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	require.Len(t, resp.Data, 3)

	codes := make([]string, len(resp.Data))
	for i, e := range resp.Data {
		codes[i] = e.Code
	}
	assert.ElementsMatch(t, []string{ErrCodeInvalidClause, ErrCodeListenNeedsKey, ErrCodeBuildFailed}, codes)
	assert.Equal(t, resp.Data[0], *resp.Error)
}

func TestCompileErrorCarriesPosition(t *testing.T) {
	buf, err := runCompileCmd(t, "json", filepath.Join(invalidDir, "listen_without_key.cue"))
	require.Error(t, err)

	var resp struct {
		Data []struct {
			Code    string            `json:"code"`
			Details map[string]string `json:"details"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Contains(t, resp.Data[0].Details["position"], "listen_without_key.cue:")
}

func TestCompileDuplicateSchema(t *testing.T) {
	dir := t.TempDir()
	tabs, err := os.ReadFile(filepath.Join(schemasDir, "tabs.cue"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.cue"), tabs, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.cue"), tabs, 0o644))

	buf, err := runCompileCmd(t, "text", dir)
	require.Error(t, err)
	assert.Contains(t, buf.String(), ErrCodeDuplicateSchema)
	assert.Contains(t, buf.String(), `schema "Tabs" already declared in`)
}

func TestCompileVerbose(t *testing.T) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	cmd := NewCompileCommand(&RootOptions{Format: "json", Verbose: true})
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs([]string{schemasDir})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, errOut.String(), "Found 2 CUE file(s)")
	assert.Contains(t, errOut.String(), "Compiled schema: Tabs")

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp), "verbose logs must not corrupt JSON output")
}

func TestMapFieldToErrorCode(t *testing.T) {
	tests := []struct {
		field string
		want  string
	}{
		{"schema", ErrCodeNoSchemas},
		{"attrs", ErrCodeDeclShape},
		{"funcs", ErrCodeDeclShape},
		{"listen", ErrCodeListenNeedsKey},
		{"update", ErrCodeInvalidUpdate},
		{"cue", ErrCodeBuildFailed},
		{"", ErrCodeGeneric},
		{"get(id)", ErrCodeInvalidClause},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MapFieldToErrorCode(tt.field), tt.field)
	}
}

func TestFindCUEFiles_Sorted(t *testing.T) {
	files, err := FindCUEFiles(invalidDir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(invalidDir, "bad_clause.cue"),
		filepath.Join(invalidDir, "listen_without_key.cue"),
		filepath.Join(invalidDir, "syntax.cue"),
	}, files)
}
