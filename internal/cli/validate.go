package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/pairlock/internal/harness"
)

// Validation error codes.
const (
	ErrCodeNotFound = "E_NOT_FOUND"
	ErrCodeInvalid  = "E_INVALID_SCENARIO"
)

// ValidationError is one scenario file that failed to load.
type ValidationError struct {
	File    string `json:"file"`
	Message string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool              `json:"valid"`
	Scenarios int               `json:"scenarios"`
	Errors    []ValidationError `json:"errors,omitempty"`
}

func (r ValidationResult) Text() string {
	return fmt.Sprintf("✓ %d scenario(s) valid", r.Scenarios)
}

// newScenarioValidateCommand creates the scenario validate command.
func newScenarioValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <dir|file>",
		Short: "Validate scenario files without running them",
		Long: `Validate scenario files without running them.

Checks YAML syntax, unknown fields, enum values, checkpoint and worker
references, and assertion shapes. Faster than run for authoring feedback.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := formatter(opts, cmd)

	info, err := os.Stat(path)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("scenario path not found: %s", path), nil, err)
	}

	files := []string{path}
	if info.IsDir() {
		if files, err = findScenarioFiles(path, ""); err != nil {
			return WrapExitError(ExitCommandError, "failed to find scenarios", err)
		}
	}

	result := ValidationResult{Valid: true, Scenarios: len(files)}
	for _, file := range files {
		f.VerboseLog("Validating scenario: %s", file)
		if _, err := harness.LoadScenario(file); err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, ValidationError{File: file, Message: err.Error()})
		}
	}

	if !result.Valid {
		return outputValidationErrors(f, result)
	}
	return f.Success(result)
}

// outputValidationErrors outputs every invalid file and returns exit code 1.
func outputValidationErrors(f *OutputFormatter, result ValidationResult) error {
	msg := fmt.Sprintf("%d of %d scenario(s) invalid", len(result.Errors), result.Scenarios)
	if f.Format == "json" {
		if err := f.Error(ErrCodeInvalid, msg, result.Errors); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(f.Writer, "Error [%s]: %s\n", ErrCodeInvalid, msg)
		for _, e := range result.Errors {
			fmt.Fprintf(f.Writer, "  %s: %s\n", e.File, e.Message)
		}
	}
	return &ExitError{Code: ExitFailure, Message: msg, Reported: true}
}
