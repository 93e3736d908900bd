package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"edgeagent/cmd/edgeagent/ui"
	"edgeagent/config"
	"edgeagent/internal/adapter/sqlite"
	"edgeagent/internal/deployment"
)

func statusCmd(configPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the deployment in flight and recent deployment statuses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			store, err := sqlite.Open(cfg.StatePath())
			if err != nil {
				return err
			}
			defer store.Close()

			stage, err := store.Stage()
			if err != nil {
				return err
			}
			pairs := []ui.Pair{ui.KV("Stage", stage.String())}
			if stage != deployment.StageDefault {
				if d, ok, err := store.LoadDeployment(); err == nil && ok {
					pairs = append(pairs, ui.KV("Deployment", d.ID), ui.KV("Type", d.Type.String()))
				}
			}
			fmt.Print(ui.KeyValues("  ", pairs...))

			updates, err := store.ListStatuses(limit)
			if err != nil {
				return err
			}
			if len(updates) == 0 {
				fmt.Println(ui.InfoMsg("No deployments recorded."))
				return nil
			}
			fmt.Println(ui.Table(statusHeaders, statusRows(updates)))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of status updates to show (0 for all)")
	return cmd
}

var statusHeaders = []string{"TIME", "DEPLOYMENT", "TYPE", "STATUS", "DETAIL", "ERRORS"}

func statusRows(updates []deployment.StatusUpdate) [][]string {
	rows := make([][]string, 0, len(updates))
	for _, u := range updates {
		errs := strings.Join(u.ErrorStack, " > ")
		if errs == "" {
			errs = ui.Muted("-")
		}
		rows = append(rows, []string{
			u.At.Local().Format(time.DateTime),
			u.DeploymentID,
			u.Type.String(),
			ui.Status(string(u.Status)),
			ui.Status(string(u.Detailed)),
			errs,
		})
	}
	return rows
}
