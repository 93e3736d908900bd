package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"edgeagent/cmd/edgeagent/ui"
	"edgeagent/config"
	"edgeagent/daemon"
)

func submitCmd(configPath *string) *cobra.Command {
	var (
		id     string
		cancel bool
	)

	cmd := &cobra.Command{
		Use:   "submit [FILE]",
		Short: "Hand a local deployment document to the running agent",
		Long: "Checks the document and drops it into the agent's inbox. With --cancel, " +
			"asks the agent to cancel the deployment named by --id instead.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			if cancel {
				if id == "" {
					return fmt.Errorf("--cancel requires --id")
				}
				if _, err := daemon.Drop(cfg.InboxDir(), id, daemon.CancelExt, nil); err != nil {
					return err
				}
				fmt.Println(ui.SuccessMsg("Cancellation of %s requested.", id))
				return nil
			}

			if len(args) != 1 {
				return fmt.Errorf("a deployment document is required")
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read deployment document: %w", err)
			}
			doc, err := checkDocument(cfg, data)
			if err != nil {
				return err
			}
			if id == "" {
				id = doc.ID
			}
			if id == "" {
				id = uuid.NewString()
			}
			if _, err := daemon.Drop(cfg.InboxDir(), id, daemon.DocumentExt, data); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("Deployment %s submitted.", id))
			fmt.Println(ui.Muted("  Follow it with: edgeagent status"))
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Deployment ID (default: the document id, else a new UUID)")
	cmd.Flags().BoolVar(&cancel, "cancel", false, "Cancel the deployment named by --id")
	return cmd
}
