package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Default tunables.
const (
	DefaultMaxWriters                   = 5
	DefaultMaxWaitingReadersPerResource = 3
	DefaultReorderTimeout               = 2500 * time.Millisecond
	DefaultWriterWaitTimeout            = 30000 * time.Millisecond
	DefaultReaderWaitTimeout            = 15000 * time.Millisecond
)

// ResetSkip is how far Reset advances lastAccepted. Any request numbered in
// the old epoch is then conclusively behind the gate.
const ResetSkip = 10

// Config holds the gate tunables. All fields are required; use
// DefaultConfig for the stock values.
type Config struct {
	// MaxWriters bounds writers simultaneously inside EnterWriter.
	// Reaching it poisons the gate.
	MaxWriters int

	// MaxWaitingReadersPerResource bounds readers queued behind an active
	// reader of the same resource.
	MaxWaitingReadersPerResource int

	// ReorderTimeout is how long a writer that is ahead of the gate waits
	// for its missing predecessor per check.
	ReorderTimeout time.Duration

	// WriterWaitTimeout bounds the reader-drain and turn waits.
	WriterWaitTimeout time.Duration

	// ReaderWaitTimeout bounds a reader's wait for writers and same-resource
	// readers to leave.
	ReaderWaitTimeout time.Duration
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		MaxWriters:                   DefaultMaxWriters,
		MaxWaitingReadersPerResource: DefaultMaxWaitingReadersPerResource,
		ReorderTimeout:               DefaultReorderTimeout,
		WriterWaitTimeout:            DefaultWriterWaitTimeout,
		ReaderWaitTimeout:            DefaultReaderWaitTimeout,
	}
}

// Validate checks that every tunable is usable.
func (c Config) Validate() error {
	var errs []error
	if c.MaxWriters < 1 {
		errs = append(errs, fmt.Errorf("max writers must be >= 1, got %d", c.MaxWriters))
	}
	if c.MaxWaitingReadersPerResource < 0 {
		errs = append(errs, fmt.Errorf("max waiting readers per resource must be >= 0, got %d", c.MaxWaitingReadersPerResource))
	}
	if c.ReorderTimeout <= 0 {
		errs = append(errs, fmt.Errorf("reorder timeout must be positive, got %s", c.ReorderTimeout))
	}
	if c.WriterWaitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("writer wait timeout must be positive, got %s", c.WriterWaitTimeout))
	}
	if c.ReaderWaitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("reader wait timeout must be positive, got %s", c.ReaderWaitTimeout))
	}
	return errors.Join(errs...)
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger used for poisoning and reset events.
// Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// ResourceKey identifies the logical resource a reader renders.
type ResourceKey string

// ResourceKeyOf builds a ResourceKey from a transport-supplied identifier.
// Keys are trimmed and NFC normalized so that canonically equivalent
// identifiers contend for the same reader slot.
func ResourceKeyOf(id string) ResourceKey {
	return ResourceKey(norm.NFC.String(strings.TrimSpace(id)))
}
