package gate

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
)

// MaxInitialSeq bounds the randomized starting point of a new gate. The bound
// leaves ample headroom below the uint64 limit and keeps sequence numbers
// representable as signed 64-bit integers for logs and journals.
const MaxInitialSeq = 1 << 30

// SeqSource picks the initial lastAccepted value for a new gate.
// Implemented by RandomSeqSource (production) and fixed sources in tests.
type SeqSource interface {
	InitialSeq() uint64
}

// RandomSeqSource draws initial sequence numbers from crypto/rand so a
// client cannot predict the numbering of a session it did not open.
//
// Thread-safety: RandomSeqSource is stateless and safe for concurrent use.
type RandomSeqSource struct{}

// InitialSeq returns a uniformly random value in [0, MaxInitialSeq).
//
// Panics if the system random source fails (should never happen in practice).
func (RandomSeqSource) InitialSeq() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("gate: read random seed: %v", err))
	}
	return binary.BigEndian.Uint64(b[:]) % MaxInitialSeq
}

// Factory creates one configured Gate per session.
//
// Thread-safety: Factory is immutable after construction and safe for
// concurrent use as long as its SeqSource is.
type Factory struct {
	cfg    Config
	seeds  SeqSource
	logger *slog.Logger
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithSeqSource overrides the initial sequence source.
// Default: RandomSeqSource{}
func WithSeqSource(src SeqSource) FactoryOption {
	return func(f *Factory) {
		if src != nil {
			f.seeds = src
		}
	}
}

// WithFactoryLogger sets the logger handed to every gate the factory builds.
func WithFactoryLogger(logger *slog.Logger) FactoryOption {
	return func(f *Factory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFactory validates cfg and returns a factory for gates using it.
func NewFactory(cfg Config, opts ...FactoryOption) (*Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("gate config: %w", err)
	}

	f := &Factory{
		cfg:    cfg,
		seeds:  RandomSeqSource{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Config returns the tunables every new gate receives.
func (f *Factory) Config() Config {
	return f.cfg
}

// New creates a gate with a fresh initial sequence number.
func (f *Factory) New() *Gate {
	return New(f.cfg, f.seeds.InitialSeq(), WithLogger(f.logger))
}
