package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tabflow/tabflow/pkg/collector"
	"github.com/tabflow/tabflow/pkg/loader"
	"github.com/tabflow/tabflow/pkg/scheduler"
	"github.com/tabflow/tabflow/pkg/schema"
	"github.com/tabflow/tabflow/pkg/store"
)

var runServerURL string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ingestion and reporting scheduler",
	Long: `Run the scheduler daemon: on every tick it stages and loads dropped
files, then submits and verifies one report job per dataset for each
closed window. Progress is checkpointed per dataset, so restarts resume
from the last verified window.

The persistence API must be reachable (see 'tabflow serve').

Examples:
  tabflow run
  tabflow run --server http://localhost:8080`,
	RunE: runScheduler,
}

func init() {
	runCmd.Flags().StringVar(&runServerURL, "server", "", "Persistence API base URL (overrides config)")

	rootCmd.AddCommand(runCmd)
}

func runScheduler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry := initTelemetry(ctx, cfg)
	defer shutdownTelemetry(context.Background())

	registry, err := schema.NewRegistry(cfg.Datasets)
	if err != nil {
		return err
	}

	client := store.NewClient(serverURL(cfg), cfg.Server.RequestTimeout)

	col := collector.New(cfg.Ingest.InputRoot, cfg.Ingest.StagingDir,
		cfg.Ingest.ArchiveDir, cfg.Ingest.RejectedDir)

	rejectLog, err := loader.NewRejectionLog(rejectionLogPath(cfg))
	if err != nil {
		return fmt.Errorf("open rejection log: %w", err)
	}
	defer rejectLog.Close()

	ld := loader.New(client, registry, rejectLog)

	ckpt, err := newCheckpointBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("checkpoint backend: %w", err)
	}
	defer ckpt.Close()

	if verbose {
		fmt.Printf("Input root:  %s\n", cfg.Ingest.InputRoot)
		fmt.Printf("Server:      %s\n", serverURL(cfg))
		fmt.Printf("Checkpoints: %s\n", ckpt.Name())
		fmt.Printf("Interval:    %s\n", cfg.Scheduler.Interval)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nStopping scheduler...")
		cancel()
	}()

	sched := scheduler.New(cfg, client, col, ld, ckpt)
	if err := sched.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
