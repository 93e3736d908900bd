package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"edgeagent/config"
	"edgeagent/daemon"
	"edgeagent/internal/logging"
)

func runCmd(configPath *string) *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			level := cfg.LogLevel
			if debug {
				level = logging.LevelDebug
			}
			if err := logging.Configure(level); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			slog.Info("Starting agent.", "version", version, "data_root", cfg.DataRoot)
			return daemon.Run(ctx, cfg)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}
