package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgallion1/markalign/internal/api"
	"github.com/dgallion1/markalign/internal/pipeline"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfg.Server.APIKey == "" {
		return errors.New("MARKALIGN_API_KEY is required")
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// Initialize pipeline.
	orch := pipeline.NewOrchestrator(cfg.Batch, a.worker, logger.Named("queue"))
	orch.Start(context.WithoutCancel(ctx))

	// Initialize HTTP server.
	srv := api.NewServer(orch, a.index, a.oracle, logger.Named("api"), cfg)
	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting markalign", zap.String("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
	case err := <-errCh:
		if err != nil {
			orch.Stop()
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	orch.Stop()

	// Persist whatever the queued jobs patched before exiting.
	if path, err := a.snapshot(); err != nil {
		logger.Error("index snapshot failed", zap.Error(err))
	} else {
		logger.Info("index snapshot written", zap.String("path", path))
	}
	return nil
}
