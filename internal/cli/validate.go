package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/streamtable/internal/config"
	"github.com/roach88/streamtable/internal/value"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool       `json:"valid"`
	Tables []string   `json:"tables,omitempty"`
	Errors []CLIError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config.yaml>",
		Short: "Validate a serve config without serving",
		Long: `Validate a serve config file and everything it refers to.

Checks that the YAML parses, that every schema file compiles, that every
table names a declared schema, and that seed items are valid values.
Nothing is served and no trace database is created.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfg, err := config.Load(path)
	if err != nil {
		return outputValidationErrors(formatter, []CLIError{{Code: ErrCodeInvalidConfig, Message: err.Error()}})
	}
	formatter.VerboseLog("Loaded %s: %d table(s), %d schema file(s)", path, len(cfg.Tables), len(cfg.Schemas))

	var errs []CLIError
	declared := make(map[string]bool)
	if len(cfg.Schemas) > 0 {
		loadResult, loadErrors := LoadSchemas(cfg.Schemas, LoadModeCollectAll)
		for _, err := range loadErrors {
			code, message := parseLoadError(err)
			e := CLIError{Code: code, Message: message}
			if pos := positionOf(err); pos != "" {
				e.Details = map[string]string{"position": pos}
			}
			errs = append(errs, e)
		}
		if loadResult != nil {
			for _, sch := range loadResult.Schemas {
				declared[sch.Name] = true
			}
		}
	}

	result := ValidationResult{}
	for i, tc := range cfg.Tables {
		name := tc.ServedName()
		result.Tables = append(result.Tables, name)
		formatter.VerboseLog("Validating table: %s", name)

		if len(declared) > 0 && !declared[tc.Schema] {
			errs = append(errs, CLIError{
				Code:    ErrCodeUnknownSchema,
				Message: fmt.Sprintf("tables[%d] (%s): unknown schema %q", i, name, tc.Schema),
			})
		}
		for j, item := range tc.Items {
			if _, err := value.From(item); err != nil {
				errs = append(errs, CLIError{
					Code:    ErrCodeInvalidConfig,
					Message: fmt.Sprintf("tables[%d] (%s): items[%d]: %v", i, name, j, err),
				})
			}
		}
	}

	if len(errs) > 0 {
		return outputValidationErrors(formatter, errs)
	}
	result.Valid = true
	return outputValidateSuccess(formatter, path, result)
}

func outputValidateSuccess(formatter *OutputFormatter, path string, result ValidationResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ %s is valid (%d table(s))\n", path, len(result.Tables))
	return nil
}

func outputValidationErrors(formatter *OutputFormatter, errs []CLIError) error {
	if formatter.Format == "json" {
		if err := formatter.Report(CLIResponse{
			Status: "error",
			Error:  &errs[0],
			Data:   ValidationResult{Valid: false, Errors: errs},
		}); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, e := range errs {
		if d, ok := e.Details.(map[string]string); ok {
			fmt.Fprintln(formatter.Writer, d["position"])
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n", e.Code, e.Message)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
