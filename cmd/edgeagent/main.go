package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"edgeagent/internal/deployment"
	"edgeagent/internal/logging"
)

var version = "dev"

func main() {
	if err := logging.Configure(logging.LevelWarn); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	err := rootCmd().Execute()
	var se *deployment.ShutdownError
	switch {
	case err == nil:
	case errors.As(err, &se):
		// The service manager relaunches the agent (or the host) on these codes.
		os.Exit(se.Kind.ExitCode())
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "edgeagent",
		Short:         "Edge device deployment agent",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Agent config file (default $XDG_CONFIG_HOME/edgeagent/config.yaml)")

	root.AddCommand(runCmd(&configPath))
	root.AddCommand(statusCmd(&configPath))
	root.AddCommand(validateCmd(&configPath))
	root.AddCommand(submitCmd(&configPath))
	return root
}
