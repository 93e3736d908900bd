package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"edgeagent/cmd/edgeagent/ui"
	"edgeagent/config"
	"edgeagent/internal/deployment"
)

func validateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a deployment document without submitting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read deployment document: %w", err)
			}
			doc, err := checkDocument(cfg, data)
			if err != nil {
				fmt.Println(ui.ErrorMsg("%s", strings.Join(deployment.ErrorStack(err), " > ")))
				return err
			}
			fmt.Println(ui.SuccessMsg("Document is valid: %d components.", len(doc.Components)))
			if tasks := deployment.BootstrapTasks(cfg.Components, doc.Components); len(tasks) > 0 {
				fmt.Println(ui.InfoMsg("%d components need a bootstrap step; the agent will restart.", len(tasks)))
			}
			return nil
		},
	}
}

// checkDocument runs the request checks the agent makes before merging,
// against the configured capabilities and components.
func checkDocument(cfg *config.Config, data []byte) (deployment.Document, error) {
	doc, err := deployment.ParseDocument(data)
	if err != nil {
		return doc, err
	}
	return doc, doc.Check(cfg.Capabilities, cfg.Components)
}
