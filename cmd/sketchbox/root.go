package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	apihttp "github.com/GriffinCanCode/sketchbox/internal/api/http"
	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/config"
	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/logging"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logDev     bool

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sketchbox",
		Short: "Isolated execution sandbox for untrusted sketch code",
		Long: `sketchbox runs p5-style JavaScript sketches inside an isolated runtime
with a capability denylist, a wall-clock deadline, a memory ceiling and a
function call budget.

Run it as a server with "sketchbox serve", or execute sketches directly
with "sketchbox run".`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML or TOML config file (default: environment)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.BoolVar(&opts.logDev, "log-dev", false, "human-readable development logs")

	cmd.AddCommand(
		newServeCommand(opts),
		newRunCommand(opts),
		newCapabilitiesCommand(opts),
		newRuntimeCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

// loadConfig reads the config file when one is given and the environment
// otherwise, then applies the log flags.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.LoadFile(o.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logDev {
		cfg.Logging.Development = true
	}
	return cfg, nil
}

func (o *rootOptions) newLogger(cfg config.LogConfig) (*logging.Logger, error) {
	lc := logging.DefaultConfig()
	if cfg.Development {
		lc = logging.DevelopmentConfig()
	}
	lc.Level = cfg.Level
	lc.Fields = map[string]string{
		"service": "sketchbox",
		"version": apihttp.Version,
	}
	return logging.New(lc)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "sketchbox", apihttp.Version)
		},
	}
}
