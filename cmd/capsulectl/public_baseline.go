package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/capsulekit/engine/pkg/model"
)

var setPublicBaselineCmd = &cobra.Command{
	Use:   "set-public-baseline",
	Short: "Set the permission mask granted to anonymous callers on capsules marked public",
	RunE: func(cmd *cobra.Command, args []string) error {
		handle, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer handle.Close()

		maskFlag, _ := cmd.Flags().GetString("mask")
		mask, err := parseMask(maskFlag)
		if err != nil {
			return err
		}

		if err := handle.live.SetPublicBaselineMask(mask); err != nil {
			return fmt.Errorf("set public baseline: %w", err)
		}

		fmt.Printf("public baseline mask set to %s\n", mask.String())
		return nil
	},
}

func init() {
	setPublicBaselineCmd.Flags().String("mask", "view", "Baseline mask: view, download, share, manage, or own")
}

// parseMask turns the --mask flag's name into its cumulative bitmask. The
// masks are additive by construction (§3 ACL kernel), so naming the
// highest granted level is enough; Has() on the kernel side handles the
// rest.
func parseMask(name string) (model.Mask, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "view":
		return model.MaskView, nil
	case "download":
		return model.MaskDownload, nil
	case "share":
		return model.MaskShare, nil
	case "manage":
		return model.MaskManage, nil
	case "own":
		return model.MaskOwn, nil
	case "none", "":
		return model.MaskNone, nil
	default:
		return model.MaskNone, fmt.Errorf("unknown mask %q: want one of view, download, share, manage, own, none", name)
	}
}
