package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var setBulkCapCmd = &cobra.Command{
	Use:   "set-bulk-cap",
	Short: "Set the maximum number of memories a single bulk delete may process per call",
	RunE: func(cmd *cobra.Command, args []string) error {
		handle, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer handle.Close()

		batchCap, _ := cmd.Flags().GetInt("cap")
		if err := handle.live.SetBulkBatchCap(batchCap); err != nil {
			return fmt.Errorf("set bulk cap: %w", err)
		}

		fmt.Printf("bulk batch cap set to %d\n", batchCap)
		return nil
	},
}

func init() {
	setBulkCapCmd.Flags().Int("cap", 0, "Maximum memories processed per bulk delete call")
}
