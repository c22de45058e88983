package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/lien-crawler/internal/orchestrator"
	"github.com/JakeFAU/lien-crawler/internal/reconcile"
)

type statusReport struct {
	Orchestrator orchestrator.Status `json:"orchestrator"`
	Activity     reconcile.Activity  `json:"activity"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Prints the latest run and the record-creation activity check",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			st, err := appInstance.Runs().Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("orchestrator status: %w", err)
			}
			activity, err := appInstance.Reconciler().Check(cmd.Context())
			if err != nil {
				return fmt.Errorf("activity check: %w", err)
			}
			return printJSON(cmd, statusReport{Orchestrator: st, Activity: activity})
		},
	}
}
