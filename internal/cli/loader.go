package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/streamtable/internal/schema"
)

// LoadMode controls how errors are handled during schema loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// LoadResult holds the schemas compiled from a set of CUE files.
type LoadResult struct {
	Schemas   []*schema.Schema
	Files     map[string]string // schema name -> declaring file
	FileCount int
}

// LoadError represents an error that occurred during schema loading.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadSchemas compiles every schema declared under the top-level
// "schema" field of the given CUE files, or of every CUE file below the
// given directories. Each file is compiled on its own; a schema name
// declared in two files is an error.
//
// A nil result means nothing could be compiled at all.
func LoadSchemas(paths []string, mode LoadMode) (*LoadResult, []error) {
	var files []string
	for _, p := range paths {
		found, err := cueFilesAt(p)
		if err != nil {
			return nil, []error{err}
		}
		files = append(files, found...)
	}
	if len(files) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %v", paths)}}
	}

	result := &LoadResult{Files: make(map[string]string), FileCount: len(files)}
	var errs []error
	ctx := cuecontext.New()

	for _, file := range files {
		fileErrs := loadFile(ctx, file, result)
		errs = append(errs, fileErrs...)
		if len(errs) > 0 && mode == LoadModeFailFast {
			return result, errs[:1]
		}
	}

	if len(result.Schemas) == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeNoSchemas, Message: "no schemas declared"})
	}
	return result, errs
}

func loadFile(ctx *cue.Context, file string, result *LoadResult) []error {
	data, err := os.ReadFile(file)
	if err != nil {
		return []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("reading %s: %v", file, err)}}
	}
	root := ctx.CompileBytes(data, cue.Filename(file))
	if err := root.Err(); err != nil {
		return []error{buildError(err)}
	}

	decls := root.LookupPath(cue.ParsePath("schema"))
	if !decls.Exists() {
		// Files without schemas, such as shared definitions, are skipped.
		return nil
	}
	iter, err := decls.Fields()
	if err != nil {
		return []error{buildError(err)}
	}

	var errs []error
	for iter.Next() {
		sch, err := schema.CompileCUE(iter.Value())
		if err != nil {
			errs = append(errs, convertCompileError(err, "schema."+iter.Label()))
			continue
		}
		if prev, dup := result.Files[sch.Name]; dup {
			errs = append(errs, &LoadError{
				Code:    ErrCodeDuplicateSchema,
				Message: fmt.Sprintf("schema %q already declared in %s", sch.Name, prev),
				Pos:     iter.Value().Pos(),
			})
			continue
		}
		result.Files[sch.Name] = file
		result.Schemas = append(result.Schemas, sch)
	}
	return errs
}

func cueFilesAt(path string) ([]string, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("path not found: %s", path)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing %s: %v", path, err)}
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	files, err := FindCUEFiles(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}
	}
	return files, nil
}

// FindCUEFiles walks the directory and returns all .cue file paths in
// lexical order.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

func buildError(err error) *LoadError {
	le := &LoadError{Code: ErrCodeBuildFailed, Message: err.Error()}
	if errs := cueerrors.Errors(err); len(errs) > 0 {
		le.Message = errs[0].Error()
		if positions := cueerrors.Positions(errs[0]); len(positions) > 0 {
			le.Pos = positions[0]
		}
	}
	return le
}

// convertCompileError converts a schema compile error to a LoadError with
// position info.
func convertCompileError(err error, context string) *LoadError {
	var compileErr *schema.CompileError
	if errors.As(err, &compileErr) {
		msg := compileErr.Message
		if compileErr.Field != "" {
			msg = compileErr.Field + ": " + msg
		}
		if compileErr.Schema != "" {
			msg = compileErr.Schema + "." + msg
		}
		return &LoadError{
			Code:    MapFieldToErrorCode(compileErr.Field),
			Message: msg,
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{
		Code:    ErrCodeGeneric,
		Message: fmt.Sprintf("%s: %v", context, err),
	}
}

// Error code constants - unified across all CLI commands.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeWriteFailed = "E007" // File write error

	// Schema declaration errors
	ErrCodeNoSchemas       = "E101" // No schema field or no declarations
	ErrCodeDeclShape       = "E102" // attrs/funcs not a list of strings
	ErrCodeInvalidClause   = "E103" // Unparseable attribute or function clause
	ErrCodeListenNeedsKey  = "E104" // listen/delete without a primary unique index
	ErrCodeInvalidUpdate   = "E105" // update on an unsupported index
	ErrCodeDuplicateSchema = "E106" // Same schema name in two files

	// Config errors
	ErrCodeInvalidConfig = "E201" // serve config does not parse or validate
	ErrCodeUnknownSchema = "E202" // table refers to an undeclared schema

	// Client errors
	ErrCodeCallFailed  = "E301" // request failed or timed out
	ErrCodeTraceFailed = "E302" // trace database unreadable
	ErrCodeReplayMismatch = "E303" // replayed outcome differs from the trace
	ErrCodeScenarioFailed = "E304" // one or more test scenarios failed
)

// MapFieldToErrorCode maps a schema.CompileError field to an error code.
func MapFieldToErrorCode(field string) string {
	switch field {
	case "schema":
		return ErrCodeNoSchemas
	case "attrs", "funcs":
		return ErrCodeDeclShape
	case "listen":
		return ErrCodeListenNeedsKey
	case "update":
		return ErrCodeInvalidUpdate
	case "cue":
		return ErrCodeBuildFailed
	case "":
		return ErrCodeGeneric
	default:
		return ErrCodeInvalidClause
	}
}
