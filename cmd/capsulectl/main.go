package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/capsulekit/engine/pkg/config"
	"github.com/capsulekit/engine/pkg/envctx"
	"github.com/capsulekit/engine/pkg/log"
	"github.com/capsulekit/engine/pkg/security"
	"github.com/capsulekit/engine/pkg/storage"
	"github.com/capsulekit/engine/pkg/token"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "capsulectl",
	Short:   "Administer a capsule storage engine instance",
	Long:    `capsulectl performs the §6 admin operations against a running engine's durable store: key rotation, upload-limit tuning, public baseline ACL, and bulk-op batch caps.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("capsulectl version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("data-dir", "./capsulekit-data", "Data directory holding capsules.db")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file (defaults applied for anything it omits)")
	rootCmd.PersistentFlags().String("passphrase", "", "Passphrase used to derive the at-rest key-ring wrapper (required)")
	rootCmd.PersistentFlags().String("as", "", "Operator identity to evaluate the root-capsule OWN gate against (defaults to principal:root-admin)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(rotateKeyCmd)
	rootCmd.AddCommand(setUploadLimitsCmd)
	rootCmd.AddCommand(setPublicBaselineCmd)
	rootCmd.AddCommand(setBulkCapCmd)
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// adminHandle bundles everything a subcommand needs to act against a
// running engine's durable state: the opened store, the live config, the
// token manager (for rotate-key), and the operator's Env for ACL checks.
type adminHandle struct {
	store *storage.BoltStore
	live  *config.Live
	mgr   *token.Manager
	env   envctx.Env
}

func (h *adminHandle) Close() error {
	return h.store.Close()
}

// openStore opens the same BoltDB file the engine process uses, loads
// config (file or defaults), and builds a token.Manager against the
// persisted key ring, so a key rotation lands in the state a running
// engine will see on its next read. Config changes go only to the
// returned in-memory Live; they are not written to the store or the
// config file. It also enforces the §6 admin gate before returning, so
// every subcommand gets it for free.
func openStore(cmd *cobra.Command) (*adminHandle, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	configPath, _ := cmd.Flags().GetString("config")
	passphrase, _ := cmd.Flags().GetString("passphrase")
	as, _ := cmd.Flags().GetString("as")

	if passphrase == "" {
		return nil, fmt.Errorf("--passphrase is required")
	}

	cfg := config.Defaults()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if cfg.RootCapsuleID == "" {
		return nil, fmt.Errorf("config root_capsule_id must be set for admin operations")
	}

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	live := config.NewLive(cfg)

	wrapper, err := security.NewKeyWrapperFromPassphrase(passphrase)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build key wrapper: %w", err)
	}

	env := adminEnv(as)
	mgr, err := token.NewManager(env, store, wrapper, live)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load token manager: %w", err)
	}

	if err := requireRootOwn(store, live, env); err != nil {
		store.Close()
		return nil, err
	}

	return &adminHandle{store: store, live: live, mgr: mgr, env: env}, nil
}
