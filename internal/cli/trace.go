package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/pairlock/internal/harness"
	"github.com/roach88/pairlock/internal/observe"
)

// TraceOptions holds flags for the scenario trace command.
type TraceOptions struct {
	*RootOptions
	Worker string // optional - filter to one worker
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Scenario       string               `json:"scenario"`
	RunID          string               `json:"run_id"`
	Backend        string               `json:"backend"`
	Pass           bool                 `json:"pass"`
	HarnessFailure string               `json:"harness_failure,omitempty"`
	Timeline       []harness.TraceEvent `json:"timeline"`
	Findings       []observe.Finding    `json:"findings"`
	Stats          TraceStats           `json:"stats"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	TotalEvents int `json:"total_events"`
	Checkpoints int `json:"checkpoints"`
	Snapshots   int `json:"snapshots"`
	Writes      int `json:"writes"`
	Findings    int `json:"findings"`
}

// newScenarioTraceCommand creates the scenario trace command.
func newScenarioTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <file>",
		Short: "Run one scenario and show its step timeline",
		Long: `Run one scenario and show what happened, step by step.

The output includes:
- Timeline: checkpoint arrivals and releases, captures, writes, commits
  and rollbacks, in global step order
- Findings: the phenomena observed, with the worker whose write caused them
- Stats: summary counts for the run

Steps differ between runs wherever workers are not ordered by a checkpoint.

Examples:
  pairlock scenario trace ./scenarios/dirty_read.yaml
  pairlock scenario trace ./scenarios/phantom_snapshot.yaml --worker reader
  pairlock scenario trace ./scenarios/link_race.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Worker, "worker", "", "filter the timeline to one worker")

	return cmd
}

func runTrace(opts *TraceOptions, path string, cmd *cobra.Command) error {
	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}

	result, runErr := newRunner(opts.RootOptions).Run(cmd.Context(), scenario)
	if runErr != nil && !harness.IsHarnessFailure(runErr) {
		return WrapExitError(ExitCommandError, "failed to run scenario", runErr)
	}

	trace := buildTraceResult(result, opts.Worker)
	if opts.Format == "json" {
		if err := outputTraceJSON(cmd, trace); err != nil {
			return err
		}
	} else {
		outputTraceText(cmd.OutOrStdout(), trace, opts.Verbose)
	}

	if runErr != nil {
		return &ExitError{Code: ExitHarnessFailure, Message: "harness failure", Err: runErr, Reported: true}
	}
	return nil
}

// buildTraceResult filters the timeline by worker. Release and timeout
// events carry no worker and are always kept.
func buildTraceResult(result *harness.Result, worker string) TraceResult {
	trace := TraceResult{
		Scenario:       result.Scenario,
		RunID:          result.RunID,
		Backend:        result.Backend,
		Pass:           result.Pass,
		HarnessFailure: result.HarnessFailure,
		Timeline:       []harness.TraceEvent{},
		Findings:       []observe.Finding{},
	}

	for _, e := range result.Trace {
		if worker != "" && e.Worker != "" && e.Worker != worker {
			continue
		}
		trace.Timeline = append(trace.Timeline, e)
		switch e.Type {
		case "arrive":
			trace.Stats.Checkpoints++
		case "snapshot":
			trace.Stats.Snapshots++
		case "write":
			trace.Stats.Writes++
		}
	}
	for _, f := range result.Findings {
		if worker != "" && f.Worker != worker {
			continue
		}
		trace.Findings = append(trace.Findings, f)
	}
	trace.Stats.TotalEvents = len(trace.Timeline)
	trace.Stats.Findings = len(trace.Findings)
	return trace
}

// outputTraceJSON outputs the trace result as JSON.
func outputTraceJSON(cmd *cobra.Command, result TraceResult) error {
	response := CLIResponse{
		Status:  "ok",
		Data:    result,
		TraceID: result.RunID,
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}

// outputTraceText outputs the trace result as text.
func outputTraceText(w io.Writer, result TraceResult, verbose bool) {
	fmt.Fprintf(w, "Trace for Scenario: %s (%s)\n", result.Scenario, result.Backend)
	if verbose {
		fmt.Fprintf(w, "Run: %s\n", result.RunID)
	}
	fmt.Fprintf(w, "Status: %s\n", runStatus(result))
	fmt.Fprintln(w)

	// Timeline section
	fmt.Fprintln(w, "=== Timeline ===")
	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "  (no events)")
	} else {
		for _, event := range result.Timeline {
			formatTimelineEvent(w, event)
		}
	}
	fmt.Fprintln(w)

	// Findings section
	fmt.Fprintln(w, "=== Findings ===")
	if len(result.Findings) == 0 {
		fmt.Fprintln(w, "  (no phenomena observed)")
	} else {
		for _, f := range result.Findings {
			fmt.Fprintf(w, "  %s\n", f)
		}
	}
	fmt.Fprintln(w)

	// Stats section
	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Total Events: %d\n", result.Stats.TotalEvents)
	fmt.Fprintf(w, "  Arrivals:     %d\n", result.Stats.Checkpoints)
	fmt.Fprintf(w, "  Snapshots:    %d\n", result.Stats.Snapshots)
	fmt.Fprintf(w, "  Writes:       %d\n", result.Stats.Writes)
	fmt.Fprintf(w, "  Findings:     %d\n", result.Stats.Findings)
}

// formatTimelineEvent formats a single timeline event for text output.
func formatTimelineEvent(w io.Writer, event harness.TraceEvent) {
	worker := event.Worker
	if worker == "" {
		worker = "-"
	}
	if event.Detail == "" {
		fmt.Fprintf(w, "  [%d] %-8s %s\n", event.Seq, event.Type, worker)
		return
	}
	fmt.Fprintf(w, "  [%d] %-8s %s: %s\n", event.Seq, event.Type, worker, event.Detail)
}

// runStatus returns a human-readable run status.
func runStatus(result TraceResult) string {
	switch {
	case result.HarnessFailure != "":
		return "Aborted (" + result.HarnessFailure + ")"
	case result.Pass:
		return "Passed"
	}
	return "Failed"
}
