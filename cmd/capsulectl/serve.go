package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/capsulekit/engine/pkg/config"
	"github.com/capsulekit/engine/pkg/ids"
	"github.com/capsulekit/engine/pkg/log"
	"github.com/capsulekit/engine/pkg/metrics"
	"github.com/capsulekit/engine/pkg/security"
	"github.com/capsulekit/engine/pkg/storage"
	"github.com/capsulekit/engine/pkg/token"
	"github.com/capsulekit/engine/pkg/upload"
)

// serveCmd runs the engine as a long-lived process: it opens the durable
// store, starts the upload janitor's sweep loop, and serves /metrics,
// /health, /ready, and /live for whatever supervises this process. It is
// the only subcommand that does not exit after one admin operation.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine's background janitor and metrics/health HTTP surface",
	Long: `serve opens the capsule store and runs the upload session janitor
in the foreground, exposing Prometheus metrics and health/readiness
endpoints over HTTP until interrupted.

It does not serve the capsule/memory/upload RPC surface itself; that is
left to whatever transport a deployment fronts this engine with. serve
covers the parts of the process that must run continuously regardless:
session expiry and observability.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		configPath, _ := cmd.Flags().GetString("config")
		passphrase, _ := cmd.Flags().GetString("passphrase")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		sweepInterval, _ := cmd.Flags().GetDuration("sweep-interval")

		if passphrase == "" {
			return fmt.Errorf("--passphrase is required")
		}

		cfg := config.Defaults()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg = loaded
		}
		live := config.NewLive(cfg)

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		wrapper, err := security.NewKeyWrapperFromPassphrase(passphrase)
		if err != nil {
			return fmt.Errorf("build key wrapper: %w", err)
		}

		env := adminEnv("")
		if _, err := token.NewManager(env, store, wrapper, live); err != nil {
			return fmt.Errorf("load token manager: %w", err)
		}

		janitor := upload.NewJanitor(store, ids.SystemClock{}, sweepInterval)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go janitor.Run(ctx)

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		httpServer := &http.Server{Addr: metricsAddr, Handler: mux}

		errCh := make(chan error, 1)
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
		log.Logger.Info().Str("addr", metricsAddr).Str("data_dir", dataDir).Msg("capsulectl serve started")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case s := <-sig:
			log.Logger.Info().Str("signal", s.String()).Msg("capsulectl serve shutting down")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve /metrics, /health, /ready, /live on")
	serveCmd.Flags().Duration("sweep-interval", 30*time.Second, "Interval between upload-janitor expiry sweeps")
}
