package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// Process exit statuses.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // a scenario failed, or the server stopped on error
	ExitCommandError = 2 // bad flags, configuration, or input files
)

// Problem codes reported to the user alongside a non-zero exit.
const (
	ErrCodeNotFound       = "E005" // journal database does not exist
	ErrCodeConfig         = "E200" // configuration rejected
	ErrCodeScenarioFailed = "E300" // scenario expectations did not hold
)

// ExitError ends a command with a process exit status. Problem is the code
// already shown to the user, if any.
type ExitError struct {
	Code    int
	Problem string
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit status.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns the exit status carried by err, or ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// envelope is the JSON shape of one-shot command results.
type envelope struct {
	Status string   `json:"status"`
	Data   any      `json:"data,omitempty"`
	Error  *problem `json:"error,omitempty"`
}

type problem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// output writes a command's results to stdout in the selected format and
// its diagnostics to stderr.
type output struct {
	json    bool
	verbose bool
	w       io.Writer
	diag    io.Writer

	// wrote is set once a JSON document has gone to w, so a later failure
	// does not append a second one.
	wrote bool
}

func newOutput(opts *RootOptions, cmd *cobra.Command) *output {
	return &output{
		json:    opts.Format == "json",
		verbose: opts.Verbose,
		w:       cmd.OutOrStdout(),
		diag:    cmd.ErrOrStderr(),
	}
}

// result writes data wrapped in an ok envelope, or as plain text.
func (o *output) result(data any) error {
	if !o.json {
		_, err := fmt.Fprintln(o.w, data)
		return err
	}
	return o.encode(envelope{Status: "ok", Data: data})
}

// document writes v as bare indented JSON.
func (o *output) document(v any) error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	o.wrote = true
	return enc.Encode(v)
}

func (o *output) encode(v any) error {
	o.wrote = true
	return json.NewEncoder(o.w).Encode(v)
}

// fail reports a problem and returns the ExitError the command should end
// with. In JSON mode nothing is written if a result document already was.
func (o *output) fail(exit int, code, message string, err error) error {
	text := message
	if err != nil {
		text = fmt.Sprintf("%s: %v", message, err)
	}
	switch {
	case !o.json:
		fmt.Fprintf(o.w, "Error [%s]: %s\n", code, text)
	case !o.wrote:
		_ = o.encode(envelope{Status: "error", Error: &problem{Code: code, Message: text}})
	}
	return &ExitError{Code: exit, Problem: code, Message: message, Err: err}
}

// verbosef writes a progress line to stderr when --verbose is set.
func (o *output) verbosef(format string, args ...any) {
	if o.verbose {
		fmt.Fprintf(o.diag, format+"\n", args...)
	}
}

// newLogger builds the process logger: text to w, debug when verbose,
// otherwise at level.
func newLogger(w io.Writer, verbose bool, level slog.Level) *slog.Logger {
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
