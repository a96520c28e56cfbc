// Package config loads txgate configuration files.
//
// Configuration is written in CUE. A file sets any subset of the fields of
// the top-level "config" struct; the embedded schema supplies defaults and
// rejects unknown fields and out-of-range values:
//
//	config: {
//		gate: {
//			max_writers: 8
//			reorder_timeout: "1s"
//		}
//		server: addr: "127.0.0.1:9000"
//	}
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/format"
	"cuelang.org/go/cue/token"

	"github.com/roach88/txgate/internal/gate"
)

//go:embed schema.cue
var schemaSrc string

// Error codes for LoadError.
const (
	ErrCodeGeneric      = "E001" // Generic/unknown error
	ErrCodeLoadFailed   = "E004" // File could not be read
	ErrCodeNotFound     = "E005" // Path not found
	ErrCodeBuildFailed  = "E006" // CUE syntax or compile error
	ErrCodeInvalidValue = "E201" // Value rejected by the schema
	ErrCodeBadDuration  = "E202" // Duration string does not parse
)

// LoadError reports a configuration file that could not be loaded.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsLoadError reports whether err is a *LoadError with the given code.
func IsLoadError(err error, code string) bool {
	var le *LoadError
	return errors.As(err, &le) && le.Code == code
}

// Server configures the HTTP transport.
type Server struct {
	Addr string
}

// Journal configures the diagnostic journal. An empty Path disables it.
type Journal struct {
	Path string
}

// Log configures the process logger.
type Log struct {
	Level slog.Level
}

// Config is the effective configuration of a txgate process.
type Config struct {
	Gate    gate.Config
	Server  Server
	Journal Journal
	Log     Log
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Gate:   gate.DefaultConfig(),
		Server: Server{Addr: ":8080"},
		Log:    Log{Level: slog.LevelInfo},
	}
}

// Load reads and parses the CUE file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("config file not found: %s", path)}
	}
	if err != nil {
		return Config{}, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("reading config: %v", err)}
	}
	return Parse(data, path)
}

// rawConfig mirrors #Config in schema.cue.
type rawConfig struct {
	Gate struct {
		MaxWriters                   int    `json:"max_writers"`
		MaxWaitingReadersPerResource int    `json:"max_waiting_readers_per_resource"`
		ReorderTimeout               string `json:"reorder_timeout"`
		WriterWaitTimeout            string `json:"writer_wait_timeout"`
		ReaderWaitTimeout            string `json:"reader_wait_timeout"`
	} `json:"gate"`
	Server struct {
		Addr string `json:"addr"`
	} `json:"server"`
	Journal struct {
		Path string `json:"path"`
	} `json:"journal"`
	Log struct {
		Level string `json:"level"`
	} `json:"log"`
}

// Parse parses CUE source. name is used in error positions.
func Parse(src []byte, name string) (Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSrc, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, fmt.Errorf("compile embedded schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	file := ctx.CompileBytes(src, cue.Filename(name))
	if err := file.Err(); err != nil {
		return Config{}, cueLoadError(ErrCodeBuildFailed, err)
	}

	merged := def
	if user := file.LookupPath(cue.ParsePath("config")); user.Exists() {
		merged = def.Unify(user)
	}
	if err := merged.Validate(cue.Concrete(true)); err != nil {
		return Config{}, cueLoadError(ErrCodeInvalidValue, err)
	}

	var raw rawConfig
	if err := merged.Decode(&raw); err != nil {
		return Config{}, cueLoadError(ErrCodeInvalidValue, err)
	}
	return fromRaw(merged, raw)
}

func fromRaw(v cue.Value, raw rawConfig) (Config, error) {
	cfg := Config{
		Gate: gate.Config{
			MaxWriters:                   raw.Gate.MaxWriters,
			MaxWaitingReadersPerResource: raw.Gate.MaxWaitingReadersPerResource,
		},
		Server:  Server{Addr: raw.Server.Addr},
		Journal: Journal{Path: raw.Journal.Path},
	}

	durations := []struct {
		field string
		src   string
		dst   *time.Duration
	}{
		{"gate.reorder_timeout", raw.Gate.ReorderTimeout, &cfg.Gate.ReorderTimeout},
		{"gate.writer_wait_timeout", raw.Gate.WriterWaitTimeout, &cfg.Gate.WriterWaitTimeout},
		{"gate.reader_wait_timeout", raw.Gate.ReaderWaitTimeout, &cfg.Gate.ReaderWaitTimeout},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(d.src)
		if err != nil || parsed <= 0 {
			return Config{}, &LoadError{
				Code:    ErrCodeBadDuration,
				Message: fmt.Sprintf("%s: %q is not a positive duration", d.field, d.src),
				Pos:     v.LookupPath(cue.ParsePath(d.field)).Pos(),
			}
		}
		*d.dst = parsed
	}

	if err := cfg.Log.Level.UnmarshalText([]byte(raw.Log.Level)); err != nil {
		return Config{}, &LoadError{Code: ErrCodeInvalidValue, Message: fmt.Sprintf("log.level: %v", err)}
	}

	if err := cfg.Gate.Validate(); err != nil {
		return Config{}, &LoadError{Code: ErrCodeInvalidValue, Message: err.Error()}
	}
	return cfg, nil
}

// cueLoadError converts a CUE error into a LoadError positioned at its
// first reported location.
func cueLoadError(code string, err error) *LoadError {
	le := &LoadError{Code: code, Message: err.Error()}
	if errs := cueerrors.Errors(err); len(errs) > 0 {
		le.Message = errs[0].Error()
	}
	if pos := cueerrors.Positions(err); len(pos) > 0 {
		le.Pos = pos[0]
	}
	return le
}

// Render formats cfg as a CUE file that Parse accepts.
func (c Config) Render() ([]byte, error) {
	var raw rawConfig
	raw.Gate.MaxWriters = c.Gate.MaxWriters
	raw.Gate.MaxWaitingReadersPerResource = c.Gate.MaxWaitingReadersPerResource
	raw.Gate.ReorderTimeout = c.Gate.ReorderTimeout.String()
	raw.Gate.WriterWaitTimeout = c.Gate.WriterWaitTimeout.String()
	raw.Gate.ReaderWaitTimeout = c.Gate.ReaderWaitTimeout.String()
	raw.Server.Addr = c.Server.Addr
	raw.Journal.Path = c.Journal.Path
	raw.Log.Level = levelName(c.Log.Level)

	v := cuecontext.New().Encode(struct {
		Config rawConfig `json:"config"`
	}{raw})
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	out, err := format.Node(v.Syntax())
	if err != nil {
		return nil, fmt.Errorf("format config: %w", err)
	}
	return out, nil
}

// levelName returns the schema spelling of a slog level.
func levelName(l slog.Level) string {
	switch {
	case l <= slog.LevelDebug:
		return "debug"
	case l <= slog.LevelInfo:
		return "info"
	case l <= slog.LevelWarn:
		return "warn"
	}
	return "error"
}
