package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	domain_service "whale-flow-analyzer/internal/domain/service"
	"whale-flow-analyzer/internal/infrastructure/config"
	"whale-flow-analyzer/internal/infrastructure/logger"
	"whale-flow-analyzer/internal/infrastructure/metrics"

	"github.com/spf13/pflag"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	// Parse flags
	fs := config.Flags()
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		os.Exit(2)
	}

	// Load configuration
	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.NewLogger(cfg.App.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	switch {
	case cfg.App.Block != "":
		os.Exit(runOnce(cfg, log))
	case cfg.App.Follow:
		os.Exit(runFollow(cfg, log))
	default:
		fmt.Fprintln(os.Stderr, "Either --block or --follow is required")
		fs.PrintDefaults()
		os.Exit(2)
	}
}

// runOnce analyzes one block, prints the report as JSON and returns the exit code
func runOnce(cfg *config.Config, log *logger.Logger) int {
	var analysis domain_service.AnalysisService
	app := fx.New(
		analyzerModule(cfg, log),
		fx.Populate(&analysis),
		fx.WithLogger(func() fxevent.Logger {
			return fxevent.NopLogger
		}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		log.Error("Failed to start application", zap.Error(err))
		return 1
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := app.Stop(stopCtx); err != nil {
			log.Error("Failed to stop application gracefully", zap.Error(err))
		}
	}()

	report, err := analysis.RunBlock(ctx, cfg.App.Block)
	if err != nil {
		log.Error("Block analysis failed", zap.String("block", cfg.App.Block), zap.Error(err))
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		log.Error("Failed to write report", zap.Error(err))
		return 1
	}
	return 0
}

// runFollow analyzes new blocks until SIGINT or SIGTERM
func runFollow(cfg *config.Config, log *logger.Logger) int {
	app := fx.New(
		analyzerModule(cfg, log),

		// Lifecycle hooks
		fx.Invoke(startFollower),
		fx.Invoke(startHealthServer),

		// Configure logging
		fx.WithLogger(func() fxevent.Logger {
			return fxevent.NopLogger
		}),
	)

	// Start the application
	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		log.Error("Failed to start application", zap.Error(err))
		return 1
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down application...")

	// Stop the application
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.Stop(stopCtx); err != nil {
		log.Error("Failed to stop application gracefully", zap.Error(err))
		return 1
	}

	log.Info("Application stopped successfully")
	return 0
}

// startFollower runs the follow loop for the lifetime of the application
func startFollower(
	lifecycle fx.Lifecycle,
	analysis domain_service.AnalysisService,
	cfg *config.Config,
	log *zap.Logger,
) {
	runCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("Starting whale-flow analyzer...")
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := analysis.Follow(runCtx, cfg.App.PollInterval, cfg.App.TickInterval); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("Follow loop stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("Stopping whale-flow analyzer...")
			cancel()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}

			// Close what is still open and emit a final decision
			if _, decision, err := analysis.Finalize(ctx); err == nil && decision != nil {
				log.Info("Final fusion decision",
					zap.String("action", string(decision.Action)),
					zap.Float64("score", decision.Score))
			}
			return nil
		},
	})
}

// startHealthServer serves /health and, when enabled, /metrics
func startHealthServer(
	lifecycle fx.Lifecycle,
	cfg *config.Config,
	logger *logger.Logger,
	collectors *metrics.Collectors,
) {
	// Create health check server
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	if collectors != nil {
		mux.Handle("/metrics", collectors.Handler())
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.App.HTTPPort),
		Handler: mux,
	}

	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("Starting health server...", zap.Int("port", cfg.App.HTTPPort))

			// Start server in background
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("Health server error", zap.Error(err))
				}
			}()

			logger.Info("Health server started successfully")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Stopping health server...")
			return server.Shutdown(ctx)
		},
	})
}
