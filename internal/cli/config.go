package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/txgate/internal/config"
)

// ConfigOptions holds flags for the config command.
type ConfigOptions struct {
	*RootOptions
	File string
}

// EffectiveConfig is the JSON form of config.Config.
type EffectiveConfig struct {
	Gate struct {
		MaxWriters                   int    `json:"max_writers"`
		MaxWaitingReadersPerResource int    `json:"max_waiting_readers_per_resource"`
		ReorderTimeout               string `json:"reorder_timeout"`
		WriterWaitTimeout            string `json:"writer_wait_timeout"`
		ReaderWaitTimeout            string `json:"reader_wait_timeout"`
	} `json:"gate"`
	Server  string `json:"server_addr"`
	Journal string `json:"journal_path"`
	Log     string `json:"log_level"`
}

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConfigOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration txgate serve would run with.

Without --config the defaults are printed. Text output is a CUE file that
can be edited and passed back with --config.

Examples:
  txgate config
  txgate config --config txgate.cue --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfig(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.File, "config", "", "path to CUE config file")

	return cmd
}

func runConfig(opts *ConfigOptions, cmd *cobra.Command) error {
	out := newOutput(opts.RootOptions, cmd)

	cfg, err := loadConfig(opts.File)
	if err != nil {
		return out.fail(ExitCommandError, ErrCodeConfig, "invalid configuration", err)
	}

	if out.json {
		var eff EffectiveConfig
		eff.Gate.MaxWriters = cfg.Gate.MaxWriters
		eff.Gate.MaxWaitingReadersPerResource = cfg.Gate.MaxWaitingReadersPerResource
		eff.Gate.ReorderTimeout = cfg.Gate.ReorderTimeout.String()
		eff.Gate.WriterWaitTimeout = cfg.Gate.WriterWaitTimeout.String()
		eff.Gate.ReaderWaitTimeout = cfg.Gate.ReaderWaitTimeout.String()
		eff.Server = cfg.Server.Addr
		eff.Journal = cfg.Journal.Path
		eff.Log = cfg.Log.Level.String()
		return out.result(eff)
	}

	src, err := cfg.Render()
	if err != nil {
		return WrapExitError(ExitFailure, "render configuration", err)
	}
	_, err = cmd.OutOrStdout().Write(src)
	return err
}

// loadConfig loads path, or the defaults when path is empty.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
