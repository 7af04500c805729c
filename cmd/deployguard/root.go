package main

import (
	"io"

	"github.com/nholik/deployguard/internal/config"
	"github.com/nholik/deployguard/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "deployguard",
		Short:        "Deployment execution, recovery and health monitoring engine",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override DG_LOG_LEVEL")

	cmd.AddCommand(
		newServeCmd(opts),
		newDeployCmd(opts),
		newStatusCmd(opts),
		newClassifyCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// loadConfig reads configuration and builds a logger writing to w.
func (o *rootOptions) loadConfig(w io.Writer) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	level := cfg.LogLevel
	if o.logLevel != "" {
		level = o.logLevel
	}
	return cfg, logging.NewWithWriter(w, level), nil
}
