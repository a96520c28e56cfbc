package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/roach88/txgate/internal/coordinator"
	"github.com/roach88/txgate/internal/gate"
	"github.com/roach88/txgate/internal/session"
)

// Report is the result of one scenario run.
type Report struct {
	Scenario string       `json:"scenario"`
	Session  string       `json:"session"`
	Order    []string     `json:"order"`
	Steps    []StepResult `json:"steps"`
	Final    Final        `json:"final"`
	Failures []string     `json:"failures,omitempty"`
}

// StepResult is what happened to one step.
type StepResult struct {
	Step    int    `json:"step"`
	Label   string `json:"label"`
	Outcome string `json:"outcome"`
	Code    string `json:"code,omitempty"`
	NextTx  uint64 `json:"next_tx,omitempty"`
}

// Final is the session state after every step finished.
type Final struct {
	LastAccepted uint64   `json:"last_accepted"`
	Poisoned     bool     `json:"poisoned"`
	Cached       []uint64 `json:"cached"`
}

// Passed reports whether every expectation held.
func (r *Report) Passed() bool {
	return len(r.Failures) == 0
}

// Canonical encodes the report as RFC 8785 canonical JSON.
func (r *Report) Canonical() ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize report: %w", err)
	}
	return out, nil
}

// Runner executes scenarios.
type Runner struct {
	logger   *slog.Logger
	recorder coordinator.Recorder
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger handed to the gate, session and coordinator.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRecorder journals every decision of every run.
func WithRecorder(rec coordinator.Recorder) Option {
	return func(r *Runner) {
		r.recorder = rec
	}
}

// NewRunner creates a Runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// fixedSeq starts every gate at the scenario's initial seq.
type fixedSeq uint64

func (s fixedSeq) InitialSeq() uint64 { return uint64(s) }

// scenarioID names the run's session after the scenario.
type scenarioID string

func (id scenarioID) Generate() string { return string(id) }

// execLog records effect start order.
type execLog struct {
	mu    sync.Mutex
	order []string
}

func (l *execLog) effect(label string, hold time.Duration) coordinator.Effect {
	return func(ctx context.Context) ([]byte, error) {
		l.mu.Lock()
		l.order = append(l.order, label)
		l.mu.Unlock()

		if hold > 0 {
			t := time.NewTimer(hold)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return []byte(label), nil
	}
}

// Run fires every step of s at its offset and waits for all of them.
func (r *Runner) Run(ctx context.Context, s *Scenario) (*Report, error) {
	factory, err := gate.NewFactory(s.Gate.Config(),
		gate.WithSeqSource(fixedSeq(s.InitialSeq)),
		gate.WithFactoryLogger(r.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", s.Name, err)
	}
	sessions := session.NewManager(factory,
		session.WithIDGenerator(scenarioID("sim:"+s.Name)),
		session.WithLogger(r.logger),
	)
	sess := sessions.Create()
	defer sessions.Destroy(sess.ID)

	copts := []coordinator.Option{coordinator.WithLogger(r.logger)}
	if r.recorder != nil {
		copts = append(copts, coordinator.WithRecorder(r.recorder))
	}
	coord := coordinator.New(copts...)

	log := &execLog{}
	results := make([]StepResult, len(s.Steps))
	start := time.Now()

	var wg sync.WaitGroup
	for i, step := range s.Steps {
		i, step := i, step
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.runStep(ctx, coord, sess, log, start, i, step)
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", s.Name, err)
	}

	stats := sess.Gate.Stats()
	report := &Report{
		Scenario: s.Name,
		Session:  sess.ID,
		Order:    append([]string{}, log.order...),
		Steps:    results,
		Final: Final{
			LastAccepted: stats.LastAccepted,
			Poisoned:     stats.Poisoned,
			Cached:       sess.Cache.Seqs(),
		},
	}
	report.Failures = check(s, report)
	return report, nil
}

func (r *Runner) runStep(ctx context.Context, coord *coordinator.Coordinator, sess *session.Session, log *execLog, start time.Time, i int, step Step) StepResult {
	res := StepResult{Step: i, Label: step.Label()}

	t := time.NewTimer(time.Until(start.Add(step.At)))
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		res.Outcome = OutcomeError
		return res
	}

	if step.Reload {
		res.Outcome = OutcomeReloaded
		res.NextTx = coord.Reload(ctx, sess)
		return res
	}

	req := coordinator.Request{Kind: coordinator.KindWriter, Seq: step.Writer, Acks: step.Ack}
	if step.Reader != "" {
		req = coordinator.Request{Kind: coordinator.KindReader, Resource: gate.ResourceKeyOf(step.Reader)}
	}

	out, err := coord.Handle(ctx, sess, req, log.effect(res.Label, step.Hold))
	if err != nil {
		r.logger.Debug("step failed", "step", i, "label", res.Label, "error", err)
		res.Outcome = OutcomeError
		return res
	}
	res.Outcome = string(out.Outcome)
	if out.Err != nil {
		res.Code = string(gate.CodeOf(out.Err))
	}
	return res
}

// check compares the report with the scenario's expectations.
func check(s *Scenario, rep *Report) []string {
	if s.Expect == nil {
		return nil
	}

	var failures []string
	if s.Expect.Order != nil && !slices.Equal(s.Expect.Order, rep.Order) {
		failures = append(failures, fmt.Sprintf("order: expected %v, got %v", s.Expect.Order, rep.Order))
	}
	for i, want := range s.Expect.Outcomes {
		if got := rep.Steps[i].Outcome; got != want {
			failures = append(failures, fmt.Sprintf("step %d (%s): expected %s, got %s", i, rep.Steps[i].Label, want, got))
		}
	}
	return failures
}
