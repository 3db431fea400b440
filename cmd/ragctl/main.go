// Package main implements ragctl, the operator CLI for securerag.
//
// Indexing, planning and queries run in-process against the configured
// vector store; health talks to a running daemon over HTTP.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/securerag/internal/config"
	"github.com/fyrsmithlabs/securerag/internal/logging"
	"github.com/fyrsmithlabs/securerag/internal/services"
)

var (
	// configPath overrides SECURERAG_CONFIG.
	configPath string
	// serverURL is the base URL of a running securerag daemon.
	serverURL string
	// jsonOutput switches command output to JSON.
	jsonOutput bool
	// verbose enables service logging.
	verbose bool

	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ragctl",
	Short: "CLI for securerag indexing and retrieval",
	Long: `ragctl indexes documents with access controls, estimates indexing cost,
runs access-filtered queries and inspects the role hierarchy.

Configuration is read from --config (or SECURERAG_CONFIG) and SECURERAG_*
environment variables, the same way the securerag daemon reads it.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: $SECURERAG_CONFIG or ~/.config/securerag/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9090", "securerag server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log service activity")
	rootCmd.AddCommand(healthCmd)
}

// loadConfig resolves configuration the way the daemon does.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv(config.EnvPrefix + "CONFIG")
	}
	return config.LoadWithFile(path)
}

// newLogger returns a no-op logger unless --verbose is set.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	if !verbose {
		return logging.NewNop(), nil
	}
	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logCfg.Format = "console"
	return logging.NewLogger(logCfg, nil)
}

// withRegistry loads configuration, builds the services and runs fn.
func withRegistry(ctx context.Context, fn func(services.Registry) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	reg, closeFn, err := services.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeFn() }()
	return fn(reg)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// healthCmd checks daemon health.
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check securerag server health",
	Long: `Check the health status of a running securerag server.

Examples:
  # Check health
  ragctl health

  # Check health on a different server
  ragctl health --server http://localhost:8080`,
	RunE: runHealth,
}

// HealthResponse matches internal/http/types.go HealthResponse.
type HealthResponse struct {
	Status      string `json:"status"`
	VectorStore string `json:"vectorStore,omitempty"`
	Error       string `json:"error,omitempty"`
}

func runHealth(cmd *cobra.Command, _ []string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, serverURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, health)
	}
	fmt.Fprintf(out, "Status: %s\n", health.Status)
	if health.VectorStore != "" {
		fmt.Fprintf(out, "Vector store: %s\n", health.VectorStore)
	}
	if health.Error != "" {
		fmt.Fprintf(out, "Error: %s\n", health.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy (status %d)", resp.StatusCode)
	}
	return nil
}
