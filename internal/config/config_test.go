package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/txgate/internal/gate"
)

func TestParse_EmptyFileYieldsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(""), "empty.cue")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_Overrides(t *testing.T) {
	src := `
config: {
	gate: {
		max_writers: 8
		reorder_timeout: "1s"
	}
	server: addr: "127.0.0.1:9000"
	journal: path: "/tmp/journal.db"
	log: level: "debug"
}
`
	cfg, err := Parse([]byte(src), "txgate.cue")
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Gate.MaxWriters)
	assert.Equal(t, gate.DefaultMaxWaitingReadersPerResource, cfg.Gate.MaxWaitingReadersPerResource)
	assert.Equal(t, time.Second, cfg.Gate.ReorderTimeout)
	assert.Equal(t, gate.DefaultWriterWaitTimeout, cfg.Gate.WriterWaitTimeout)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, "/tmp/journal.db", cfg.Journal.Path)
	assert.Equal(t, slog.LevelDebug, cfg.Log.Level)
}

func TestParse_FileWithoutConfigStruct(t *testing.T) {
	cfg, err := Parse([]byte(`other: 1`), "other.cue")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_Rejections(t *testing.T) {
	tests := []struct {
		name string
		src  string
		code string
	}{
		{"syntax error", `config: {`, ErrCodeBuildFailed},
		{"zero writers", `config: gate: max_writers: 0`, ErrCodeInvalidValue},
		{"negative waiting readers", `config: gate: max_waiting_readers_per_resource: -1`, ErrCodeInvalidValue},
		{"unknown field", `config: gate: fastest: true`, ErrCodeInvalidValue},
		{"unknown log level", `config: log: level: "loud"`, ErrCodeInvalidValue},
		{"unparsable duration", `config: gate: reorder_timeout: "5 parsecs"`, ErrCodeBadDuration},
		{"zero duration", `config: gate: reader_wait_timeout: "0s"`, ErrCodeBadDuration},
		{"duration not a string", `config: gate: writer_wait_timeout: 30`, ErrCodeInvalidValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src), "bad.cue")
			require.Error(t, err)
			assert.True(t, IsLoadError(err, tt.code), "expected %s, got %v", tt.code, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.cue"))
	require.Error(t, err)
	assert.True(t, IsLoadError(err, ErrCodeNotFound))
}

func TestLoad_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txgate.cue")
	require.NoError(t, os.WriteFile(path, []byte(`config: gate: max_writers: 2`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Gate.MaxWriters)
}

func TestRender_RoundTrips(t *testing.T) {
	cfg := Default()
	cfg.Gate.MaxWriters = 9
	cfg.Gate.ReorderTimeout = 750 * time.Millisecond
	cfg.Journal.Path = "journal.db"
	cfg.Log.Level = slog.LevelWarn

	out, err := cfg.Render()
	require.NoError(t, err)
	assert.Contains(t, string(out), "max_writers")
	assert.Contains(t, string(out), `"750ms"`)

	back, err := Parse(out, "rendered.cue")
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestLoadError_Format(t *testing.T) {
	err := &LoadError{Code: ErrCodeInvalidValue, Message: "max_writers: out of bound"}
	assert.Equal(t, "E201: max_writers: out of bound", err.Error())
}
