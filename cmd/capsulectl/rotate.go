package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rotateKeyCmd = &cobra.Command{
	Use:   "rotate-key",
	Short: "Rotate the token signing key, keeping the previous key valid until its tokens expire",
	RunE: func(cmd *cobra.Command, args []string) error {
		handle, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer handle.Close()

		newKeyID, err := handle.mgr.Rotate(handle.env)
		if err != nil {
			return fmt.Errorf("rotate key: %w", err)
		}

		fmt.Printf("rotated signing key, new key id: %s\n", newKeyID)
		return nil
	},
}
