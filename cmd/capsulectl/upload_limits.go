package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var setUploadLimitsCmd = &cobra.Command{
	Use:   "set-upload-limits",
	Short: "Tune the inline-vs-blob threshold and chunk/blob size bounds",
	RunE: func(cmd *cobra.Command, args []string) error {
		handle, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer handle.Close()

		inlineMax, _ := cmd.Flags().GetInt64("inline-max")
		chunkMin, _ := cmd.Flags().GetInt64("chunk-min")
		chunkMax, _ := cmd.Flags().GetInt64("chunk-max")
		maxBlobSize, _ := cmd.Flags().GetInt64("max-blob-size")
		inlineBudget, _ := cmd.Flags().GetInt64("inline-budget")

		if err := handle.live.SetUploadLimits(inlineMax, chunkMin, chunkMax, maxBlobSize, inlineBudget); err != nil {
			return fmt.Errorf("set upload limits: %w", err)
		}

		fmt.Println("upload limits updated")
		return nil
	},
}

func init() {
	setUploadLimitsCmd.Flags().Int64("inline-max", 0, "Max asset size, in bytes, stored inline rather than as a blob")
	setUploadLimitsCmd.Flags().Int64("chunk-min", 0, "Minimum accepted chunk size, in bytes")
	setUploadLimitsCmd.Flags().Int64("chunk-max", 0, "Maximum accepted chunk size, in bytes")
	setUploadLimitsCmd.Flags().Int64("max-blob-size", 0, "Maximum total blob size, in bytes, accepted by finish_upload")
	setUploadLimitsCmd.Flags().Int64("inline-budget", 0, "Maximum inline bytes a single capsule may accumulate across all its assets")
}
