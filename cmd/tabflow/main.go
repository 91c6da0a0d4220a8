// Tabflow - CSV drop ingestion and windowed report generation.
// Watches an input directory, validates and persists tabular data, and
// produces CSV or xlsx report artifacts over closed time windows.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tabflow/tabflow/pkg/checkpoint"
	"github.com/tabflow/tabflow/pkg/config"
	tferrors "github.com/tabflow/tabflow/pkg/errors"
	"github.com/tabflow/tabflow/pkg/telemetry"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// CLI flags
var (
	configFile string
	verbose    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if verbose {
			var tfErr *tferrors.TabflowError
			if stderrors.As(err, &tfErr) {
				fmt.Fprint(os.Stderr, tfErr.FormatStack())
			}
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tabflow",
	Short: "Tabflow - ingest CSV drops and generate windowed reports",
	Long: `Tabflow moves dropped CSV files through a staged ingestion lifecycle,
persists validated rows in DuckDB behind an HTTP API, and generates
CSV or xlsx report artifacts over half-open time windows.`,
	Version: fmt.Sprintf("%s (%s)", version, commit),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (overrides the default hierarchy)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
}

// loadConfig resolves configuration from the hierarchy, or from an explicit
// file when --config is set.
func loadConfig() (*config.Config, error) {
	if configFile != "" {
		m := config.NewManager()
		if err := m.LoadFile(configFile); err != nil {
			return nil, fmt.Errorf("load config %s: %w", configFile, err)
		}
		return m.Get(), nil
	}
	return config.Global().Get(), nil
}

// newCheckpointBackend builds the configured checkpoint backend.
func newCheckpointBackend(ctx context.Context, cfg *config.Config) (checkpoint.Backend, error) {
	switch cfg.Checkpoint.Backend {
	case "", "file":
		return checkpoint.NewFileBackend(cfg.Checkpoint.Dir)
	case "redis":
		return checkpoint.NewRedisBackend(checkpoint.RedisConfig{
			Address:  cfg.Checkpoint.RedisAddress,
			Password: cfg.Checkpoint.RedisPassword,
			Database: cfg.Checkpoint.RedisDB,
		})
	case "s3":
		return checkpoint.NewS3Backend(ctx, checkpoint.S3Config{
			Bucket: cfg.Checkpoint.S3Bucket,
			Prefix: cfg.Checkpoint.S3Prefix,
			Region: cfg.Checkpoint.S3Region,
		})
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Checkpoint.Backend)
	}
}

// serverURL resolves the persistence API base URL, preferring the --server
// flag where a command defines one.
func serverURL(cfg *config.Config) string {
	if runServerURL != "" {
		return runServerURL
	}
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
}

// rejectionLogPath puts the rejection log next to the rejected files.
func rejectionLogPath(cfg *config.Config) string {
	return filepath.Join(cfg.Ingest.RejectedDir, "rejections.jsonl")
}

// initTelemetry installs tracing when enabled. Returns a shutdown func that
// is always safe to call.
func initTelemetry(ctx context.Context, cfg *config.Config) func(context.Context) error {
	if !cfg.Telemetry.Enabled {
		return func(context.Context) error { return nil }
	}

	tcfg := telemetry.DefaultConfig("tabflow")
	tcfg.ServiceVersion = version
	if cfg.Telemetry.Endpoint != "" {
		tcfg.Endpoint = cfg.Telemetry.Endpoint
	}
	if err := telemetry.Init(ctx, tcfg); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
	}
	return telemetry.Shutdown
}
