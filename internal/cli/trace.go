package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/txgate/internal/journal"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Session  string // optional - show one session's timeline
}

// TraceResult is the timeline of one session.
type TraceResult struct {
	Session  string          `json:"session"`
	Timeline []journal.Entry `json:"timeline"`
	Stats    TraceStats      `json:"stats"`
}

// TraceStats counts a session's outcomes.
type TraceStats struct {
	TotalEvents int            `json:"total_events"`
	Outcomes    map[string]int `json:"outcomes"`
	Reloads     int            `json:"reloads"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect journaled gate decisions",
		Long: `Query the journal written by txgate serve --db or txgate simulate --db.

Without --session, lists every journaled session with its outcome counts.
With --session, prints that session's decisions in the order they were made.

Examples:
  txgate trace --db ./journal.db
  txgate trace --db ./journal.db --session 0190b7c4-...
  txgate trace --db ./journal.db --session sim:reorder --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to journal database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Session, "session", "", "session to trace")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	out := newOutput(opts.RootOptions, cmd)

	// journal.Open creates missing databases; trace must not.
	if _, err := os.Stat(opts.Database); err != nil {
		return out.fail(ExitCommandError, ErrCodeNotFound, "database not found", err)
	}
	st, err := journal.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	if opts.Session == "" {
		summaries, err := st.Sessions(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list sessions", err)
		}
		if out.json {
			if summaries == nil {
				summaries = []journal.SessionSummary{}
			}
			return out.document(summaries)
		}
		outputSessionsText(cmd.OutOrStdout(), summaries)
		return nil
	}

	entries, err := st.ReadSession(ctx, opts.Session)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read session", err)
	}
	result := buildTrace(opts.Session, entries)

	if out.json {
		return out.document(result)
	}
	if len(entries) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No events found for session: %s\n", opts.Session)
		return nil
	}
	outputTraceText(cmd.OutOrStdout(), result, opts.Verbose)
	return nil
}

func buildTrace(sessionID string, entries []journal.Entry) TraceResult {
	result := TraceResult{
		Session:  sessionID,
		Timeline: entries,
		Stats:    TraceStats{TotalEvents: len(entries), Outcomes: make(map[string]int)},
	}
	if result.Timeline == nil {
		result.Timeline = []journal.Entry{}
	}
	for _, e := range entries {
		result.Stats.Outcomes[e.Outcome]++
		if e.Kind == journal.KindReload {
			result.Stats.Reloads++
		}
	}
	return result
}

func outputSessionsText(w io.Writer, summaries []journal.SessionSummary) {
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No sessions journaled.")
		return
	}
	for _, s := range summaries {
		fmt.Fprintf(w, "%s  %d events  %s\n", s.SessionID, s.Entries, formatOutcomes(s.Outcomes))
	}
}

func outputTraceText(w io.Writer, result TraceResult, verbose bool) {
	fmt.Fprintf(w, "Session: %s\n\n", result.Session)
	for _, e := range result.Timeline {
		subject := e.Resource
		if e.Kind != journal.KindReader {
			subject = fmt.Sprintf("tx=%d", e.Tx)
		}
		line := fmt.Sprintf("[%d] %-6s %-14s %s", e.Seq, e.Kind, subject, e.Outcome)
		if e.ErrorCode != "" {
			line += " (" + e.ErrorCode + ")"
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "\n%d events, %d reloads\n", result.Stats.TotalEvents, result.Stats.Reloads)
	if verbose {
		fmt.Fprintf(w, "Outcomes: %s\n", formatOutcomes(result.Stats.Outcomes))
	}
}

// formatOutcomes renders counts as "dropped=1 executed=3" in key order.
func formatOutcomes(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, counts[k])
	}
	return strings.Join(parts, " ")
}
