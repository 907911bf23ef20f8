// Package serve implements the serve command: a diagnostics HTTP
// server wrapping a long-lived filtering session.
package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sifthq/sift/cmd/common"
	"github.com/sifthq/sift/internal/api"
	"github.com/sifthq/sift/internal/config"
	"github.com/sifthq/sift/internal/engine"
	"github.com/sifthq/sift/internal/metrics"
)

const (
	signalChannelBufferSize = 1
	errorChannelBufferSize  = 1
	defaultShutdownTimeout  = 30 * time.Second
)

// Command returns the serve command.
func Command(cfgFile *string, debug *bool) *cobra.Command {
	var (
		pageURL  string
		fromFile string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the diagnostics API over a filtering session",
		Long: `Serve runs a long-lived filtering session for one page with periodic
comprehensive rescans, and exposes health, metrics, manual re-filter,
preview, and rule administration over HTTP.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if pageURL == "" && fromFile == "" {
				return fmt.Errorf("either --url or --file is required")
			}
			return run(cmd.Context(), *cfgFile, *debug, pageURL, fromFile)
		},
	}

	cmd.Flags().StringVar(&pageURL, "url", "", "page URL to fetch and filter")
	cmd.Flags().StringVar(&fromFile, "file", "", "saved HTML snapshot to filter")

	return cmd
}

func run(ctx context.Context, cfgFile string, debug bool, pageURL, fromFile string) error {
	cfg, log, err := common.Setup(cfgFile, debug)
	if err != nil {
		return err
	}

	tree, treeErr := common.LoadTree(ctx, log, pageURL, fromFile)
	if treeErr != nil {
		return treeErr
	}
	if pageURL == "" {
		pageURL = "file://" + fromFile
	}

	confStore := config.NewStaticStore(cfg)
	session, sessionErr := engine.BuildSession(ctx, cfg, tree, confStore, pageURL, log)
	if sessionErr != nil {
		return fmt.Errorf("failed to build session: %w", sessionErr)
	}

	telemetry := metrics.NewTelemetry(nil)
	session.Metrics().Mirror(telemetry)

	sessionCtx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()
	session.Start(sessionCtx, cfg.Engine.RescanInterval)

	router := api.SetupRouter(session, telemetry, confStore, log)

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, errorChannelBufferSize)
	go func() {
		log.Info("diagnostics server listening", "address", cfg.Server.Address, "page", pageURL)
		if serveErr := server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	sigCh := make(chan os.Signal, signalChannelBufferSize)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case serveErr := <-errCh:
		return fmt.Errorf("server failed: %w", serveErr)
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		log.Info("shutting down", "reason", "context cancelled")
	}

	cancelSession()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		return fmt.Errorf("failed to shut down server: %w", shutdownErr)
	}
	return nil
}
