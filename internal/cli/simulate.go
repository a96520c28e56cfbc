package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/txgate/internal/journal"
	"github.com/roach88/txgate/internal/sim"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Database string
}

// SimulateResult holds the outcome of every scenario.
type SimulateResult struct {
	Reports []*sim.Report `json:"reports"`
	Passed  int           `json:"passed"`
	Failed  int           `json:"failed"`
	Total   int           `json:"total"`
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate <scenario.yaml>...",
		Short: "Run request-burst scenarios",
		Long: `Run YAML scenarios against fresh sessions.

Every step of a scenario fires at its offset, concurrently, through the same
coordinator the server uses. The report lists the order in which effects ran
and each step's outcome, and checks the scenario's expectations.

Exit codes:
  0 - All expectations held
  1 - One or more scenarios failed their expectations
  2 - Command error (unreadable scenario, database not openable, etc.)

Examples:
  txgate simulate scenarios/reorder.yaml
  txgate simulate scenarios/*.yaml --db ./journal.db
  txgate simulate scenarios/gap.yaml --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "journal every decision to this database")

	return cmd
}

func runSimulate(opts *SimulateOptions, paths []string, cmd *cobra.Command) error {
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose, slog.LevelWarn)
	out := newOutput(opts.RootOptions, cmd)

	scenarios := make([]*sim.Scenario, 0, len(paths))
	for _, p := range paths {
		out.verbosef("loading scenario %s", p)
		s, err := sim.LoadScenario(p)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("scenario %s", p), err)
		}
		scenarios = append(scenarios, s)
	}

	runOpts := []sim.Option{sim.WithLogger(logger)}
	if opts.Database != "" {
		st, err := journal.Open(opts.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		defer st.Close()
		runOpts = append(runOpts, sim.WithRecorder(st))
	}
	runner := sim.NewRunner(runOpts...)

	result := SimulateResult{Reports: make([]*sim.Report, 0, len(scenarios)), Total: len(scenarios)}
	for _, s := range scenarios {
		out.verbosef("running %s (%d steps)", s.Name, len(s.Steps))
		rep, err := runner.Run(cmd.Context(), s)
		if err != nil {
			return WrapExitError(ExitCommandError, "simulation aborted", err)
		}
		result.Reports = append(result.Reports, rep)
		if rep.Passed() {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	if out.json {
		if err := out.document(result); err != nil {
			return err
		}
	} else {
		outputSimulateText(cmd.OutOrStdout(), result, opts.Verbose)
	}

	if result.Failed > 0 {
		return out.fail(ExitFailure, ErrCodeScenarioFailed,
			fmt.Sprintf("%d of %d scenarios failed", result.Failed, result.Total), nil)
	}
	return nil
}

func outputSimulateText(w io.Writer, result SimulateResult, verbose bool) {
	for _, rep := range result.Reports {
		status := "PASS"
		if !rep.Passed() {
			status = "FAIL"
		}
		fmt.Fprintf(w, "%s %s\n", status, rep.Scenario)
		if verbose || !rep.Passed() {
			fmt.Fprintf(w, "  order: %v\n", rep.Order)
			for _, st := range rep.Steps {
				line := fmt.Sprintf("  step %d %-12s %s", st.Step, st.Label, st.Outcome)
				if st.Code != "" {
					line += " (" + st.Code + ")"
				}
				if st.NextTx != 0 {
					line += fmt.Sprintf(" next_tx=%d", st.NextTx)
				}
				fmt.Fprintln(w, line)
			}
		}
		for _, f := range rep.Failures {
			fmt.Fprintf(w, "  - %s\n", f)
		}
	}
	fmt.Fprintf(w, "\n%d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
}
