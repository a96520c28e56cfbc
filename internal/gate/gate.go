package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Gate is the per-session sequenced reader/writer lock.
//
// Thread-safety: all methods are safe for concurrent use. A Gate must not be
// shared between sessions.
//
// INVARIANTS:
//   - lastAccepted never decreases
//   - writers == number of EnterWriter calls in flight plus writers holding the gate
//   - pending holds exactly the seqs counted by writers
//   - a writer runs only when its seq is the pending minimum and readers == 0
type Gate struct {
	mu     sync.Mutex
	cfg    Config
	logger *slog.Logger

	lastAccepted uint64
	pending      pendingQueue
	writers      int
	readers      int
	poisoned     bool

	activeResources map[ResourceKey]struct{}
	waitingReaders  map[ResourceKey]int

	// changed is closed and replaced on every state change (see broadcast).
	changed chan struct{}
}

// New creates a gate whose first acceptable writer seq is lastAccepted+1.
//
// cfg is used as given; callers that accept external configuration should
// run cfg.Validate first.
func New(cfg Config, lastAccepted uint64, opts ...Option) *Gate {
	g := &Gate{
		cfg:             cfg,
		logger:          slog.Default(),
		lastAccepted:    lastAccepted,
		activeResources: make(map[ResourceKey]struct{}),
		waitingReaders:  make(map[ResourceKey]int),
		changed:         make(chan struct{}),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Config returns the gate tunables.
func (g *Gate) Config() Config {
	return g.cfg
}

// EnterWriter admits the writer numbered seq, blocking until every writer
// with a smaller seq has finished and no reader is active.
//
// On a nil return the caller holds the gate and must call ExitWriter(seq)
// exactly once, typically via defer. On error the caller must not run the
// writer's effect; the gate state is left as if the call never happened
// (apart from poisoning, where documented).
//
// Errors (*Error):
//   - ErrCodeOutOfSequence: seq was already passed by the gate
//   - ErrCodeTimeout: the gate is poisoned, or a bounded wait expired
//   - ErrCodeTooManyRequests: MaxWriters exceeded (poisons the gate)
//
// If ctx is done while waiting, the writer is withdrawn and ctx.Err() is
// returned wrapped; cancellation never poisons.
func (g *Gate) EnterWriter(ctx context.Context, seq uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if expected := g.lastAccepted + 1; seq < expected {
		g.logger.Debug("writer out of sequence", "seq", seq, "expected", expected)
		return outOfSequence(seq, expected)
	}
	if g.poisoned {
		return writerTimeout(seq, PhaseAdmission, "gate is poisoned", true)
	}
	if g.writers >= g.cfg.MaxWriters {
		g.poison("too many writers", seq)
		return &Error{
			Code:     ErrCodeTooManyRequests,
			Message:  fmt.Sprintf("writer limit %d reached", g.cfg.MaxWriters),
			Phase:    PhaseAdmission,
			Seq:      seq,
			Poisoned: true,
		}
	}

	g.writers++
	g.pending.Push(seq)

	if err := g.awaitReaderDrain(ctx, seq); err != nil {
		g.withdrawWriter(seq)
		return err
	}
	if err := g.awaitSequence(ctx, seq); err != nil {
		g.withdrawWriter(seq)
		return err
	}
	if err := g.awaitTurn(ctx, seq); err != nil {
		g.withdrawWriter(seq)
		return err
	}

	return nil
}

// awaitReaderDrain waits until no reader is active.
func (g *Gate) awaitReaderDrain(ctx context.Context, seq uint64) error {
	deadline := time.Now().Add(g.cfg.WriterWaitTimeout)
	err := g.waitUntil(ctx, deadline, func() bool {
		return g.readers == 0 || g.poisoned
	})
	switch {
	case err == errDeadline:
		return writerTimeout(seq, PhaseReaderDrain, "readers did not drain", g.poisoned)
	case err != nil:
		return fmt.Errorf("writer %d: %w", seq, err)
	case g.poisoned:
		return writerTimeout(seq, PhaseReaderDrain, "gate is poisoned", true)
	}
	return nil
}

// awaitSequence waits until seq is the next expected number and accepts it.
//
// Each reorder round sleeps at most ReorderTimeout and ends early whenever
// lastAccepted moves, so the timeout counts from the last accepted writer.
// When a round expires without progress, only the timeout master (the
// pending minimum) declares the predecessor lost and poisons the gate. Other
// writers keep waiting, bounded overall by WriterWaitTimeout, since the
// master is the one blocking them and will either advance or poison.
func (g *Gate) awaitSequence(ctx context.Context, seq uint64) error {
	phaseDeadline := time.Now().Add(g.cfg.WriterWaitTimeout)

	for {
		if g.poisoned {
			return writerTimeout(seq, PhaseReorder, "gate is poisoned", true)
		}
		expected := g.lastAccepted + 1
		if seq < expected {
			// A duplicate of seq, or a Reset, moved the gate past us.
			return outOfSequence(seq, expected)
		}
		if seq == expected {
			g.lastAccepted = seq
			g.broadcast()
			return nil
		}

		start := g.lastAccepted
		roundDeadline := time.Now().Add(g.cfg.ReorderTimeout)
		err := g.waitUntil(ctx, roundDeadline, func() bool {
			return g.poisoned || g.lastAccepted != start
		})
		if err == nil {
			continue
		}
		if err != errDeadline {
			return fmt.Errorf("writer %d: %w", seq, err)
		}

		if g.poisoned {
			continue
		}
		if g.pending.IsMin(seq) {
			g.poison("predecessor never arrived", seq)
			return writerTimeout(seq, PhaseReorder,
				fmt.Sprintf("predecessor %d did not arrive within %s", g.lastAccepted+1, g.cfg.ReorderTimeout), true)
		}
		if !time.Now().Before(phaseDeadline) {
			return writerTimeout(seq, PhaseReorder, "gave up waiting behind timeout master", false)
		}
	}
}

// awaitTurn waits until every smaller pending writer has exited.
func (g *Gate) awaitTurn(ctx context.Context, seq uint64) error {
	deadline := time.Now().Add(g.cfg.WriterWaitTimeout)
	err := g.waitUntil(ctx, deadline, func() bool {
		return g.poisoned || g.pending.IsMin(seq)
	})
	switch {
	case err == errDeadline:
		g.poison("turn wait expired", seq)
		return writerTimeout(seq, PhaseTurn, "earlier writer did not finish", true)
	case err != nil:
		return fmt.Errorf("writer %d: %w", seq, err)
	case g.poisoned:
		return writerTimeout(seq, PhaseTurn, "gate is poisoned", true)
	}
	return nil
}

// withdrawWriter undoes the bookkeeping of a failed admission.
// Must be called with g.mu held.
func (g *Gate) withdrawWriter(seq uint64) {
	g.writers--
	g.pending.Remove(seq)
	g.broadcast()
}

// poison marks the gate unusable for writers until Reset.
// Must be called with g.mu held.
func (g *Gate) poison(reason string, seq uint64) {
	if !g.poisoned {
		g.logger.Warn("gate poisoned",
			"reason", reason,
			"seq", seq,
			"last_accepted", g.lastAccepted,
			"pending", g.pending.Len(),
		)
	}
	g.poisoned = true
	g.broadcast()
}

// ExitWriter releases the gate held by writer seq and reports whether the
// gate is poisoned. A poisoned result means the client must reload even
// though this writer itself completed.
func (g *Gate) ExitWriter(seq uint64) (poisoned bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending.Remove(seq) {
		g.writers--
	} else {
		g.logger.Error("exit for writer not holding the gate", "seq", seq)
	}
	g.broadcast()
	return g.poisoned
}

// EnterReader admits a reader of resource. It blocks while a writer is
// pending or active, or while another reader of the same resource is active.
//
// The returned handle is the lastAccepted seq at admission, for diagnostics.
// On success the caller must call ExitReader(handle, resource) exactly once.
//
// Errors (*Error):
//   - ErrCodeTooManyRequests: too many readers already queued for resource
//   - ErrCodeTimeout: ReaderWaitTimeout expired
func (g *Gate) EnterReader(ctx context.Context, resource ResourceKey) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, busy := g.activeResources[resource]
	if busy {
		g.waitingReaders[resource]++
		defer g.leaveReaderQueue(resource)

		if g.waitingReaders[resource] > g.cfg.MaxWaitingReadersPerResource {
			g.logger.Debug("reader queue full", "resource", resource, "waiting", g.waitingReaders[resource]-1)
			return 0, &Error{
				Code:     ErrCodeTooManyRequests,
				Message:  fmt.Sprintf("more than %d readers waiting", g.cfg.MaxWaitingReadersPerResource),
				Phase:    PhaseReader,
				Resource: resource,
				Poisoned: g.poisoned,
			}
		}
	}

	if busy || g.writers > 0 {
		deadline := time.Now().Add(g.cfg.ReaderWaitTimeout)
		err := g.waitUntil(ctx, deadline, func() bool {
			_, active := g.activeResources[resource]
			return !active && g.writers == 0
		})
		if err == errDeadline {
			g.logger.Debug("reader timed out", "resource", resource, "writers", g.writers)
			return 0, &Error{
				Code:     ErrCodeTimeout,
				Message:  "writers or same-resource readers did not finish",
				Phase:    PhaseReader,
				Resource: resource,
				Poisoned: g.poisoned,
			}
		}
		if err != nil {
			return 0, fmt.Errorf("reader %s: %w", resource, err)
		}
	}

	g.activeResources[resource] = struct{}{}
	g.readers++
	return g.lastAccepted, nil
}

// leaveReaderQueue drops one queued reader of resource.
// Must be called with g.mu held.
func (g *Gate) leaveReaderQueue(resource ResourceKey) {
	if n := g.waitingReaders[resource] - 1; n > 0 {
		g.waitingReaders[resource] = n
	} else {
		delete(g.waitingReaders, resource)
	}
}

// ExitReader releases the reader slot taken by EnterReader.
func (g *Gate) ExitReader(handle uint64, resource ResourceKey) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.activeResources[resource]; !ok {
		g.logger.Error("exit for reader not holding the gate", "resource", resource, "handle", handle)
		return
	}
	delete(g.activeResources, resource)
	g.readers--
	g.broadcast()
}

// Reset starts a new numbering epoch after a client reload. It advances
// lastAccepted by ResetSkip so requests numbered in the old epoch are
// rejected as out of sequence, clears poisoning, and returns the next seq
// the client must use.
func (g *Gate) Reset() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	wasPoisoned := g.poisoned
	g.lastAccepted += ResetSkip
	g.poisoned = false
	g.broadcast()

	g.logger.Info("gate reset",
		"next_seq", g.lastAccepted+1,
		"was_poisoned", wasPoisoned,
		"pending", g.pending.Len(),
	)
	return g.lastAccepted + 1
}

// NextSeq returns the seq the client should use for its next writer.
func (g *Gate) NextSeq() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastAccepted + 1
}

// Poisoned reports whether writers are currently refused.
func (g *Gate) Poisoned() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.poisoned
}

// Stats is a point-in-time view of gate state for logging and diagnostics.
type Stats struct {
	LastAccepted   uint64   `json:"last_accepted"`
	Pending        []uint64 `json:"pending"`
	Writers        int      `json:"writers"`
	Readers        int      `json:"readers"`
	Poisoned       bool     `json:"poisoned"`
	WaitingReaders int      `json:"waiting_readers"`
}

// Stats returns a snapshot of the gate state.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	waiting := 0
	for _, n := range g.waitingReaders {
		waiting += n
	}
	return Stats{
		LastAccepted:   g.lastAccepted,
		Pending:        g.pending.Snapshot(),
		Writers:        g.writers,
		Readers:        g.readers,
		Poisoned:       g.poisoned,
		WaitingReaders: waiting,
	}
}
