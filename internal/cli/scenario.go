package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/roach88/pairlock/internal/config"
	"github.com/roach88/pairlock/internal/harness"
	"github.com/roach88/pairlock/internal/pairing"
)

// ScenarioOptions holds flags for the scenario run command.
type ScenarioOptions struct {
	*RootOptions
	Update    bool   // regenerate golden files
	Filter    string // scenario filter (glob pattern)
	GoldenDir string // overrides <scenario dir>/golden
	Metrics   bool   // report pairing service metrics after the run
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name           string   `json:"name"`
	Backend        string   `json:"backend,omitempty"`
	Pass           bool     `json:"pass"`
	HarnessFailure string   `json:"harness_failure,omitempty"`
	Errors         []string `json:"errors,omitempty"`
}

// TestResult holds the overall result of a scenario run.
type TestResult struct {
	Scenarios       []ScenarioResult `json:"scenarios"`
	Passed          int              `json:"passed"`
	Failed          int              `json:"failed"`
	HarnessFailures int              `json:"harness_failures"`
	Total           int              `json:"total"`
	Metrics         string           `json:"metrics,omitempty"`
}

// NewScenarioCommand creates the scenario command group.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Run interleaving scenarios",
	}
	cmd.AddCommand(newScenarioRunCommand(rootOpts))
	cmd.AddCommand(newScenarioTraceCommand(rootOpts))
	cmd.AddCommand(newScenarioValidateCommand(rootOpts))
	return cmd
}

func newScenarioRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <dir|file>",
		Short: "Run scenario files",
		Long: `Run interleaving scenarios and check their assertions.

Each scenario runs its workers concurrently on a fresh backend, ordered by
checkpoints. When a golden file exists for a scenario, the step-free report
must match it as well.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed their assertions or golden file
  2 - Command error (invalid paths, etc.)
  3 - A scenario timed out at a checkpoint or overall

Examples:
  pairlock scenario run ./scenarios
  pairlock scenario run ./scenarios --filter "phantom_*"
  pairlock scenario run ./scenarios/dirty_read.yaml --update
  pairlock scenario run ./scenarios --format json
  pairlock scenario run ./scenarios --metrics`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().StringVar(&opts.GoldenDir, "golden-dir", "", "directory of golden files (default: <scenario dir>/golden)")
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "print pairing service metrics in the Prometheus text format")

	return cmd
}

func runScenarios(ctx context.Context, opts *ScenarioOptions, path string, cmd *cobra.Command) error {
	info, err := os.Stat(path)
	if err != nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenario path not found: %s", path))
	}

	var scenarioFiles []string
	if info.IsDir() {
		scenarioFiles, err = findScenarioFiles(path, opts.Filter)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to find scenarios", err)
		}
	} else {
		scenarioFiles = []string{path}
	}

	if len(scenarioFiles) == 0 {
		if opts.Format == "json" {
			return outputTestJSON(cmd, TestResult{Scenarios: []ScenarioResult{}})
		}
		fmt.Fprintln(cmd.OutOrStdout(), "No scenarios found.")
		return nil
	}

	var reg *prometheus.Registry
	var runnerOpts []harness.Option
	if opts.Metrics {
		reg = prometheus.NewRegistry()
		runnerOpts = append(runnerOpts, harness.WithMetrics(pairing.NewMetrics(reg)))
	}

	runner := newRunner(opts.RootOptions, runnerOpts...)
	result := TestResult{
		Scenarios: make([]ScenarioResult, 0, len(scenarioFiles)),
		Total:     len(scenarioFiles),
	}

	for _, scenarioFile := range scenarioFiles {
		scenResult := runScenario(ctx, runner, scenarioFile, opts, cmd)
		result.Scenarios = append(result.Scenarios, scenResult)

		switch {
		case scenResult.Pass:
			result.Passed++
		case scenResult.HarnessFailure != "":
			result.HarnessFailures++
			result.Failed++
		default:
			result.Failed++
		}
	}

	if reg != nil {
		text, err := gatherText(reg)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to gather metrics", err)
		}
		result.Metrics = text
	}

	if opts.Format == "json" {
		return outputTestJSON(cmd, result)
	}
	return outputTestText(cmd, result)
}

func newRunner(opts *RootOptions, extra ...harness.Option) *harness.Runner {
	cfg := opts.Config
	runnerOpts := []harness.Option{
		harness.WithLogger(opts.logger()),
		harness.WithTimeouts(cfg.CheckpointTimeout, cfg.LockWaitTimeout, cfg.ScenarioTimeout),
		harness.WithServiceOptions(serviceOptions(cfg)...),
	}
	if cfg.Backend == config.BackendPostgres {
		runnerOpts = append(runnerOpts, harness.WithPostgresDSN(cfg.DSN))
	}
	return harness.NewRunner(append(runnerOpts, extra...)...)
}

// gatherText renders every family in reg in the Prometheus text format.
func gatherText(reg prometheus.Gatherer) (string, error) {
	families, err := reg.Gather()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

// findScenarioFiles finds all YAML scenario files in a directory.
func findScenarioFiles(dir string, filter string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		// Only process .yaml and .yml files
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		// Apply filter if specified
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}

		files = append(files, path)
		return nil
	})

	return files, err
}

// runScenario executes a single scenario and returns the result.
func runScenario(ctx context.Context, runner *harness.Runner, scenarioFile string, opts *ScenarioOptions, cmd *cobra.Command) ScenarioResult {
	w := cmd.OutOrStdout()
	text := opts.Format != "json"
	fail := func(r ScenarioResult, lines ...string) ScenarioResult {
		if text {
			fmt.Fprintf(w, "✗ %s\n", r.Name)
			for _, l := range lines {
				fmt.Fprintf(w, "  %s\n", l)
			}
		}
		return r
	}

	scenario, err := harness.LoadScenario(scenarioFile)
	if err != nil {
		msg := fmt.Sprintf("failed to load scenario: %v", err)
		return fail(ScenarioResult{Name: filepath.Base(scenarioFile), Errors: []string{msg}}, msg)
	}

	result, err := runner.Run(ctx, scenario)
	if err != nil {
		r := ScenarioResult{Name: scenario.Name}
		if harness.IsHarnessFailure(err) {
			if result != nil {
				r.Backend = result.Backend
			}
			r.HarnessFailure = err.Error()
			return fail(r, "Harness failure: "+err.Error())
		}
		msg := fmt.Sprintf("execution failed: %v", err)
		r.Errors = []string{msg}
		return fail(r, msg)
	}

	r := ScenarioResult{Name: scenario.Name, Backend: result.Backend, Pass: result.Pass, Errors: result.Errors}
	if !result.Pass {
		return fail(r, result.Errors...)
	}

	if !scenario.Deterministic() {
		if text {
			fmt.Fprintf(w, "✓ %s\n", scenario.Name)
		}
		return r
	}

	goldenPath := goldenFilePath(scenarioFile, scenario.Name, opts.GoldenDir)
	if opts.Update {
		if err := updateGoldenFile(result, goldenPath); err != nil {
			r.Pass = false
			r.Errors = []string{fmt.Sprintf("failed to update golden file: %v", err)}
			return fail(r, r.Errors...)
		}
		if text {
			fmt.Fprintf(w, "✓ %s (golden updated)\n", scenario.Name)
		}
		return r
	}

	if _, err := os.Stat(goldenPath); err == nil {
		match, err := compareWithGolden(result, goldenPath)
		switch {
		case err != nil:
			r.Pass = false
			r.Errors = []string{fmt.Sprintf("golden comparison failed: %v", err)}
			return fail(r, r.Errors...)
		case !match:
			r.Pass = false
			r.Errors = []string{"report does not match golden file"}
			return fail(r, "Golden file mismatch (run with --update to regenerate)")
		}
	}

	if text {
		fmt.Fprintf(w, "✓ %s\n", scenario.Name)
	}
	opts.logger().Debug("scenario passed", "scenario", scenario.Name, "run_id", result.RunID, "findings", len(result.Findings))
	return r
}

// goldenFilePath returns the path to the golden file for a scenario.
func goldenFilePath(scenarioFile, name, goldenDir string) string {
	if goldenDir == "" {
		goldenDir = filepath.Join(filepath.Dir(scenarioFile), "golden")
	}
	return filepath.Join(goldenDir, name+".golden")
}

// updateGoldenFile writes the current report as the golden file.
func updateGoldenFile(result *harness.Result, goldenPath string) error {
	if err := os.MkdirAll(filepath.Dir(goldenPath), 0755); err != nil {
		return fmt.Errorf("failed to create golden directory: %w", err)
	}

	data, err := harness.MarshalGolden(result)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if err := os.WriteFile(goldenPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write golden file: %w", err)
	}
	return nil
}

// compareWithGolden compares the result report against the golden file.
func compareWithGolden(result *harness.Result, goldenPath string) (bool, error) {
	goldenData, err := os.ReadFile(goldenPath)
	if err != nil {
		return false, fmt.Errorf("failed to read golden file: %w", err)
	}

	currentData, err := harness.MarshalGolden(result)
	if err != nil {
		return false, fmt.Errorf("failed to marshal current report: %w", err)
	}

	return bytes.Equal(goldenData, currentData), nil
}

// outputTestJSON outputs the run result as JSON.
func outputTestJSON(cmd *cobra.Command, result TestResult) error {
	status := "ok"
	if result.Failed > 0 {
		status = "error"
	}

	response := CLIResponse{
		Status: status,
		Data:   result,
	}

	if result.Failed > 0 {
		response.Error = &CLIError{
			Code:    "E_TEST_FAILED",
			Message: fmt.Sprintf("%d scenario(s) failed", result.Failed),
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}

	return runExitError(result)
}

// outputTestText outputs the run result as text.
func outputTestText(cmd *cobra.Command, result TestResult) error {
	w := cmd.OutOrStdout()

	if result.Metrics != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "=== Metrics ===")
		fmt.Fprint(w, result.Metrics)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Scenario Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
	if result.HarnessFailures > 0 {
		fmt.Fprintf(w, "%d scenario(s) aborted by a harness failure\n", result.HarnessFailures)
	}

	if err := runExitError(result); err != nil {
		return err
	}
	fmt.Fprintln(w, "✓ All scenarios passed")
	return nil
}

// runExitError maps a run result to its exit code. Harness failures take
// precedence over assertion failures.
func runExitError(result TestResult) error {
	switch {
	case result.HarnessFailures > 0:
		return &ExitError{Code: ExitHarnessFailure, Message: fmt.Sprintf("%d scenario(s) hit a harness failure", result.HarnessFailures), Reported: true}
	case result.Failed > 0:
		return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("%d scenario(s) failed", result.Failed), Reported: true}
	}
	return nil
}
