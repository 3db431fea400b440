// Securerag is the secure retrieval daemon.
//
// This binary loads configuration, wires the indexing and query services and
// serves them over HTTP until interrupted.
//
// Configuration is read from the YAML file named by SECURERAG_CONFIG (default
// ~/.config/securerag/config.yaml) and SECURERAG_* environment variables. See
// internal/config for details.
//
// Usage:
//
//	# Start server with defaults
//	SECURERAG_AUTH_JWT_SECRET=... securerag
//
//	# Configure via environment
//	SECURERAG_SERVER_PORT=9191 SECURERAG_VECTORSTORE_PROVIDER=qdrant securerag
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/securerag/internal/config"
	httpserver "github.com/fyrsmithlabs/securerag/internal/http"
	"github.com/fyrsmithlabs/securerag/internal/logging"
	"github.com/fyrsmithlabs/securerag/internal/services"
	"github.com/fyrsmithlabs/securerag/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  securerag           Start the securerag daemon\n")
			fmt.Fprintf(os.Stderr, "  securerag version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("securerag by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the server and blocks until ctx is cancelled.
//
// Startup order:
//  1. Load and validate configuration, including the signing secret
//  2. Initialize telemetry, then the logger (so OTEL log export can attach)
//  3. Build the service registry (vector store, embeddings, events)
//  4. Serve HTTP until ctx is done, then shut down within the timeout
func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.RequireJWTSecret(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := os.MkdirAll(cfg.Indexing.DocumentRoot, 0o700); err != nil {
		return fmt.Errorf("creating document root: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info(ctx, "starting securerag",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.String("embeddings", cfg.Embeddings.Provider),
		zap.Bool("telemetry", tel.Enabled()))

	reg, closeServices, err := services.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer func() {
		if err := closeServices(); err != nil {
			logger.Warn(context.Background(), "closing services", zap.Error(err))
		}
	}()

	srv, err := httpserver.NewServer(reg, logger, &httpserver.Config{
		Port:         cfg.Server.Port,
		BodyLimit:    cfg.Server.BodyLimit,
		DocumentRoot: cfg.Indexing.DocumentRoot,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return errors.New("http server stopped unexpectedly")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return <-errCh
}

// initLogger builds the structured logger, attaching the global OTEL log
// provider when log export is enabled.
func initLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, err
	}
	var provider otellog.LoggerProvider
	if logCfg.OTEL {
		provider = global.GetLoggerProvider()
	}
	return logging.NewLogger(logCfg, provider)
}
