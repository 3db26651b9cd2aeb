package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	logger.Info("starting kestrel",
		zap.String("version", Version),
		zap.String("commit", Commit),
		zap.String("build_date", BuildDate),
		zap.String("tier", string(cfg.Tier)),
	)

	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.close()

	var bg *worker.Worker
	if cfg.Worker.Enabled {
		bg = worker.NewWorker(worker.Deps{
			Bus:         a.bus,
			Categorizer: a.consensus,
			Detector:    a.detector,
			History:     a.history,
			Reports:     a.repo,
			Logger:      logger,
		})
		if err := bg.Start(worker.Config{UserIDs: cfg.Worker.UserIDs}); err != nil {
			logger.Error("failed to start worker", zap.Error(err))
		} else {
			logger.Info("worker started", zap.Int("users", len(cfg.Worker.UserIDs)))
		}
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:        a.repo,
		Cache:       a.cache,
		Bus:         a.bus,
		Categorizer: a.consensus,
		Detector:    a.detector,
		History:     a.history,
		Models:      a.models,
		Version:     Version,
		Logger:      logger,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("kestrel is ready",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
	)
	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
		return err
	}

	if bg != nil {
		if err := bg.Stop(); err != nil {
			logger.Error("failed to stop worker", zap.Error(err))
		}
		stats := bg.GetStats()
		logger.Info("worker stopped",
			zap.Int64("categorized", stats.Categorized),
			zap.Int64("detections", stats.Detections),
			zap.Int64("failures", stats.Failures),
		)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("kestrel shutdown complete")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║                 KESTREL                   ║")
	fmt.Println("  ║   Categorization and Anomaly Detection    ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /categorize        - Categorize a transaction")
	fmt.Println("    POST /transactions      - Record transactions")
	fmt.Println("    GET  /transactions/{id} - Get transaction by ID")
	fmt.Println("    POST /anomalies/detect  - Detect anomalies in a batch")
	fmt.Println("    GET  /anomalies/{id}    - Get anomaly report by ID")
	fmt.Println("    GET  /models            - Served model summary")
	fmt.Println("    POST /models/train      - Train the outlier ensemble")
	fmt.Println("    POST /models/reload     - Reload stored artifacts")
	fmt.Println("    PUT  /models/config     - Update anomaly settings")
	fmt.Println("    GET  /health            - Health check")
	fmt.Println()
}
