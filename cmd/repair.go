package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/lien-crawler/internal/repair"
)

func newRepairCmd() *cobra.Command {
	var req repair.Request
	cmd := &cobra.Command{
		Use:   "repair-documents",
		Short: "Fetches source PDFs for records stored without one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if req.Limit < 0 {
				return errors.New("limit must be >= 0")
			}
			report, err := appInstance.Repairer().Run(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("repair documents: %w", err)
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().StringVar(&req.JurisdictionID, "jurisdiction", "", "only repair records of this jurisdiction")
	cmd.Flags().IntVar(&req.Limit, "limit", 0, "maximum records to repair (0 for all)")
	return cmd
}
