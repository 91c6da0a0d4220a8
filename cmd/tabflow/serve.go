package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tabflow/tabflow/pkg/report"
	"github.com/tabflow/tabflow/pkg/schema"
	"github.com/tabflow/tabflow/pkg/store"
)

var (
	servePort int
	serveHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the persistence API server and report workers",
	Long: `Start the HTTP persistence API backed by DuckDB, plus the report
worker pool that executes submitted jobs into artifact files.

Queued jobs left over from a previous run are re-enqueued at startup.

Examples:
  tabflow serve
  tabflow serve --port 9090
  tabflow serve --host 0.0.0.0`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to (overrides config)")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry := initTelemetry(ctx, cfg)
	defer shutdownTelemetry(context.Background())

	registry, err := schema.NewRegistry(cfg.Datasets)
	if err != nil {
		return err
	}

	st, err := store.NewStore(cfg.Storage.Database, registry)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// Job queue between the API server and the worker pool. Submissions
	// fail fast with 503 when the buffer is full.
	queue := make(chan string, 128)
	pool := report.NewPool(st, cfg.Reports.OutputDir, cfg.Reports.Workers, queue)
	if err := pool.Recover(ctx, queue); err != nil {
		return fmt.Errorf("recover queued jobs: %w", err)
	}
	pool.Start(ctx)

	srv := store.NewServer(st, queue)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv,
		ReadTimeout:  cfg.Server.RequestTimeout,
		WriteTimeout: cfg.Server.RequestTimeout,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	if verbose {
		fmt.Printf("Database:  %s\n", databaseName(cfg.Storage.Database))
		fmt.Printf("Artifacts: %s\n", cfg.Reports.OutputDir)
		fmt.Printf("Workers:   %d\n", cfg.Reports.Workers)
	}
	fmt.Printf("tabflow serving on http://%s\n", addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(listener); err != http.ErrServerClosed {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err := <-errChan:
		cancel()
		pool.Wait()
		return err
	case <-ctx.Done():
		// Let in-flight report jobs finish before closing the store.
		pool.Wait()
		return nil
	}
}

func databaseName(path string) string {
	if path == "" {
		return "(in-memory)"
	}
	return path
}
