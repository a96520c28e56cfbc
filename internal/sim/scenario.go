// Package sim replays timed bursts of requests against one session.
//
// A scenario is a YAML file listing writer, reader and reload steps, each
// fired at an offset from the start of the run. All steps run concurrently
// through the coordinator, exactly as HTTP requests would, and the run
// produces a Report of the effect execution order and of every step's
// outcome. Reports are canonical JSON so they can be compared byte for byte.
package sim

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/txgate/internal/gate"
)

// Scenario is a timed request burst against one session.
type Scenario struct {
	// Name identifies the scenario in reports and golden files.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// InitialSeq is the gate's lastAccepted when the run starts.
	InitialSeq uint64 `yaml:"initial_seq,omitempty"`

	// Gate overrides the default gate tunables.
	Gate GateConfig `yaml:"gate,omitempty"`

	Steps []Step `yaml:"steps"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// GateConfig is the YAML form of gate.Config. Unset fields keep their
// defaults.
type GateConfig struct {
	MaxWriters                   int           `yaml:"max_writers,omitempty"`
	MaxWaitingReadersPerResource int           `yaml:"max_waiting_readers_per_resource,omitempty"`
	ReorderTimeout               time.Duration `yaml:"reorder_timeout,omitempty"`
	WriterWaitTimeout            time.Duration `yaml:"writer_wait_timeout,omitempty"`
	ReaderWaitTimeout            time.Duration `yaml:"reader_wait_timeout,omitempty"`
}

func defaultGateConfig() GateConfig {
	d := gate.DefaultConfig()
	return GateConfig{
		MaxWriters:                   d.MaxWriters,
		MaxWaitingReadersPerResource: d.MaxWaitingReadersPerResource,
		ReorderTimeout:               d.ReorderTimeout,
		WriterWaitTimeout:            d.WriterWaitTimeout,
		ReaderWaitTimeout:            d.ReaderWaitTimeout,
	}
}

// Config converts to gate.Config.
func (c GateConfig) Config() gate.Config {
	return gate.Config{
		MaxWriters:                   c.MaxWriters,
		MaxWaitingReadersPerResource: c.MaxWaitingReadersPerResource,
		ReorderTimeout:               c.ReorderTimeout,
		WriterWaitTimeout:            c.WriterWaitTimeout,
		ReaderWaitTimeout:            c.ReaderWaitTimeout,
	}
}

// Step is one request. Exactly one of Writer, Reader and Reload is set.
type Step struct {
	// At is the offset from the start of the run.
	At time.Duration `yaml:"at"`

	// Writer is the writer's sequence number.
	Writer uint64 `yaml:"writer,omitempty"`

	// Ack lists seqs the writer acknowledges.
	Ack []uint64 `yaml:"ack,omitempty"`

	// Reader is the resource a reader renders.
	Reader string `yaml:"reader,omitempty"`

	// Reload signals a client reload.
	Reload bool `yaml:"reload,omitempty"`

	// Hold is how long the effect runs.
	Hold time.Duration `yaml:"hold,omitempty"`
}

// Label names the step in reports: "w<seq>", "r:<resource>" or "reload".
func (s Step) Label() string {
	switch {
	case s.Writer != 0:
		return fmt.Sprintf("w%d", s.Writer)
	case s.Reader != "":
		return "r:" + string(gate.ResourceKeyOf(s.Reader))
	}
	return "reload"
}

// Expect holds optional expectations checked after the run.
type Expect struct {
	// Order is the expected effect execution order, by step label.
	Order []string `yaml:"order,omitempty"`

	// Outcomes lists the expected outcome of every step, in step order.
	Outcomes []string `yaml:"outcomes,omitempty"`
}

// Step outcomes beyond the coordinator's.
const (
	OutcomeReloaded = "reloaded"
	OutcomeError    = "error"
)

var validOutcomes = map[string]bool{
	"executed":        true,
	"replayed":        true,
	"dropped":         true,
	"reload_required": true,
	OutcomeReloaded:   true,
	OutcomeError:      true,
}

// LoadScenario reads and parses a scenario YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML. Unknown fields are rejected.
func ParseScenario(data []byte) (*Scenario, error) {
	scenario := Scenario{Gate: defaultGateConfig()}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if err := s.Gate.Config().Validate(); err != nil {
		return fmt.Errorf("gate: %w", err)
	}

	for i, step := range s.Steps {
		kinds := 0
		if step.Writer != 0 {
			kinds++
		}
		if step.Reader != "" {
			kinds++
		}
		if step.Reload {
			kinds++
		}
		if kinds != 1 {
			return fmt.Errorf("step %d: exactly one of writer, reader, reload is required", i)
		}
		if step.At < 0 || step.Hold < 0 {
			return fmt.Errorf("step %d: at and hold must not be negative", i)
		}
		if len(step.Ack) > 0 && step.Writer == 0 {
			return fmt.Errorf("step %d: ack is only valid on writers", i)
		}
	}

	if s.Expect != nil && len(s.Expect.Outcomes) > 0 {
		if len(s.Expect.Outcomes) != len(s.Steps) {
			return fmt.Errorf("expect.outcomes has %d entries for %d steps", len(s.Expect.Outcomes), len(s.Steps))
		}
		for i, o := range s.Expect.Outcomes {
			if !validOutcomes[o] {
				return fmt.Errorf("expect.outcomes[%d]: unknown outcome %q", i, o)
			}
		}
	}
	return nil
}
