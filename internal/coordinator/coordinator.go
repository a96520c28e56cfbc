// Package coordinator runs request effects under a session's gate.
//
// For every request the coordinator decides whether it is a writer or a
// reader, forwards the client's acknowledgements to the replay cache, serves
// retried writers from the cache, and otherwise brackets the effect with the
// matching gate Enter/Exit calls. Gate failures become outcomes the transport
// maps onto client instructions: drop silently, or force a reload.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/txgate/internal/gate"
	"github.com/roach88/txgate/internal/journal"
	"github.com/roach88/txgate/internal/session"
)

// Kind distinguishes writers from readers.
type Kind int

const (
	// KindWriter mutates session state and is ordered by Seq.
	KindWriter Kind = iota + 1
	// KindReader only renders state and is keyed by Resource.
	KindReader
)

// String returns the journal name of the kind.
func (k Kind) String() string {
	switch k {
	case KindWriter:
		return journal.KindWriter
	case KindReader:
		return journal.KindReader
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Request describes one incoming request as extracted from the transport.
type Request struct {
	Kind Kind

	// Seq is the writer's client-assigned sequence number.
	Seq uint64

	// Resource identifies what a reader renders.
	Resource gate.ResourceKey

	// Acks lists writer seqs whose responses the client has received.
	Acks []uint64
}

// Effect produces the response body for a request. It runs at most once per
// admitted request, while the request holds the gate.
type Effect func(ctx context.Context) ([]byte, error)

// Outcome is what happened to a request.
type Outcome string

const (
	// OutcomeExecuted means the effect ran and Body is its response.
	OutcomeExecuted Outcome = "executed"

	// OutcomeReplayed means Body is a cached response for a retried writer.
	OutcomeReplayed Outcome = "replayed"

	// OutcomeDropped means the writer was stale and must be ignored.
	OutcomeDropped Outcome = "dropped"

	// OutcomeReloadRequired means the client must reload and resynchronize.
	OutcomeReloadRequired Outcome = "reload_required"
)

// Result is returned by Handle.
type Result struct {
	Outcome Outcome

	// Body is the response (executed, replayed, or a writer that completed
	// on a gate poisoned meanwhile).
	Body []byte

	// Seq is the writer seq, or the reader's gate handle.
	Seq uint64

	// Err is the gate error behind a dropped or reload-required outcome,
	// including a writer that completed on a poisoned gate.
	Err error
}

// Recorder receives one journal entry per decision.
// Implemented by *journal.Store.
type Recorder interface {
	Append(ctx context.Context, e journal.Entry) (journal.Entry, error)
}

// Coordinator executes requests against sessions.
//
// Thread-safety: a Coordinator is stateless apart from its options and is
// safe for concurrent use across sessions.
type Coordinator struct {
	logger   *slog.Logger
	recorder Recorder
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger for request outcomes.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRecorder journals every decision.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) {
		c.recorder = r
	}
}

// New creates a Coordinator.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle runs req against sess.
//
// Gate rejections are reported through Result.Outcome with a nil error. A
// non-nil error means the effect itself failed (its response is not cached)
// or ctx ended while waiting for the gate.
func (c *Coordinator) Handle(ctx context.Context, sess *session.Session, req Request, effect Effect) (Result, error) {
	if len(req.Acks) > 0 {
		n := sess.Cache.Acknowledge(req.Acks)
		c.logger.Debug("acknowledged responses", "session", sess.ID, "acks", len(req.Acks), "removed", n)
	}

	var (
		res Result
		err error
	)
	switch req.Kind {
	case KindWriter:
		res, err = c.handleWriter(ctx, sess, req, effect)
	case KindReader:
		res, err = c.handleReader(ctx, sess, req, effect)
	default:
		return Result{}, fmt.Errorf("handle request: unknown kind %v", req.Kind)
	}

	c.record(ctx, sess, req, res, err)
	return res, err
}

func (c *Coordinator) handleWriter(ctx context.Context, sess *session.Session, req Request, effect Effect) (Result, error) {
	if body, ok := sess.Cache.TryReplay(req.Seq); ok {
		// The client still has to learn about a poisoning it may have missed.
		if sess.Gate.Poisoned() {
			c.logger.Debug("replayed writer on poisoned gate", "session", sess.ID, "seq", req.Seq)
			return Result{
				Outcome: OutcomeReloadRequired,
				Body:    body,
				Seq:     req.Seq,
				Err:     gate.PoisonedError(req.Seq, gate.PhaseAdmission),
			}, nil
		}
		c.logger.Debug("replayed writer", "session", sess.ID, "seq", req.Seq)
		return Result{Outcome: OutcomeReplayed, Body: body, Seq: req.Seq}, nil
	}

	if err := sess.Gate.EnterWriter(ctx, req.Seq); err != nil {
		return c.rejected(sess, req, req.Seq, err)
	}

	out, err := c.runWriter(ctx, sess, req.Seq, effect)
	if err != nil {
		return Result{Seq: req.Seq}, fmt.Errorf("writer %d: %w", req.Seq, err)
	}
	if out.poisoned {
		c.logger.Warn("writer completed on poisoned gate", "session", sess.ID, "seq", req.Seq)
		return Result{
			Outcome: OutcomeReloadRequired,
			Body:    out.data,
			Seq:     req.Seq,
			Err:     gate.PoisonedError(req.Seq, gate.PhaseExit),
		}, nil
	}
	return Result{Outcome: OutcomeExecuted, Body: out.data, Seq: req.Seq}, nil
}

type writerBody struct {
	data     []byte
	poisoned bool
}

// runWriter runs the effect while holding the gate and caches its response.
// ExitWriter runs on every path, including a panicking effect.
func (c *Coordinator) runWriter(ctx context.Context, sess *session.Session, seq uint64, effect Effect) (out writerBody, err error) {
	defer func() {
		out.poisoned = sess.Gate.ExitWriter(seq)
	}()

	data, err := effect(ctx)
	if err != nil {
		return writerBody{}, err
	}
	sess.Cache.Put(seq, data)
	return writerBody{data: data}, nil
}

func (c *Coordinator) handleReader(ctx context.Context, sess *session.Session, req Request, effect Effect) (Result, error) {
	handle, err := sess.Gate.EnterReader(ctx, req.Resource)
	if err != nil {
		return c.rejected(sess, req, 0, err)
	}
	defer sess.Gate.ExitReader(handle, req.Resource)

	body, err := effect(ctx)
	if err != nil {
		return Result{Seq: handle}, fmt.Errorf("reader %s: %w", req.Resource, err)
	}
	return Result{Outcome: OutcomeExecuted, Body: body, Seq: handle}, nil
}

// rejected converts a gate admission error into an outcome. Errors that are
// not gate errors (context cancellation) are returned as errors.
func (c *Coordinator) rejected(sess *session.Session, req Request, seq uint64, err error) (Result, error) {
	switch {
	case gate.IsOutOfSequence(err):
		c.logger.Debug("dropped stale writer", "session", sess.ID, "seq", req.Seq)
		return Result{Outcome: OutcomeDropped, Seq: seq, Err: err}, nil
	case gate.RequiresReload(err):
		c.logger.Warn("request requires reload",
			"session", sess.ID,
			"kind", req.Kind.String(),
			"seq", req.Seq,
			"resource", req.Resource,
			"code", gate.CodeOf(err),
		)
		return Result{Outcome: OutcomeReloadRequired, Seq: seq, Err: err}, nil
	}
	return Result{Seq: seq}, err
}

// Reload handles the client's reload signal: the session's gate starts a
// new epoch and its cache is cleared. Returns the next seq for the client.
func (c *Coordinator) Reload(ctx context.Context, sess *session.Session) uint64 {
	next := sess.Reload()
	c.logger.Info("session reloaded", "session", sess.ID, "next_seq", next)

	if c.recorder != nil {
		entry := journal.Entry{SessionID: sess.ID, Kind: journal.KindReload, Tx: next, Outcome: "reloaded"}
		if _, err := c.recorder.Append(ctx, entry); err != nil {
			c.logger.Error("failed to journal reload", "session", sess.ID, "error", err)
		}
	}
	return next
}

// record journals one decision. Journal failures are logged, never returned:
// the journal is diagnostic and must not change request outcomes.
func (c *Coordinator) record(ctx context.Context, sess *session.Session, req Request, res Result, err error) {
	if c.recorder == nil {
		return
	}

	entry := journal.Entry{
		SessionID: sess.ID,
		Kind:      req.Kind.String(),
		Resource:  string(req.Resource),
		Outcome:   string(res.Outcome),
	}
	if req.Kind == KindWriter {
		entry.Tx = req.Seq
	}
	if err != nil {
		entry.Outcome = "error"
	}
	if res.Err != nil {
		entry.ErrorCode = string(gate.CodeOf(res.Err))
	}

	// Record even when the request context is already done.
	if _, jerr := c.recorder.Append(context.WithoutCancel(ctx), entry); jerr != nil {
		c.logger.Error("failed to journal decision", "session", sess.ID, "error", jerr)
	}
}
