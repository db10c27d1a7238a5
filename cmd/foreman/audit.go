package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hashstack/foreman/pkg/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit hash chain",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify TENANT_ID",
	Short: "Recompute a tenant's audit chain and report the first break",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		result, err := audit.NewRecorder(store).Verify(context.Background(), args[0])
		if err != nil {
			return err
		}

		if result.VerifyOK {
			fmt.Printf("✓ Chain intact: %d events verified\n", result.EventsChecked)
			return nil
		}
		fmt.Printf("✗ Chain broken at event %s (after %d intact events)\n",
			result.FirstBrokenEventID, result.EventsChecked-1)
		return fmt.Errorf("audit chain verification failed")
	},
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd)
}
