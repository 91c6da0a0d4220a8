package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/tabflow/tabflow/pkg/collector"
	tferrors "github.com/tabflow/tabflow/pkg/errors"
	"github.com/tabflow/tabflow/pkg/loader"
	"github.com/tabflow/tabflow/pkg/schema"
	"github.com/tabflow/tabflow/pkg/store"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run one ingestion pass over the input root",
	Long: `Stage, validate, and persist every file currently in the input root,
then archive or reject each one. Files already recorded in the ingestion
log are archived without re-persisting.

Examples:
  tabflow ingest
  tabflow ingest --server http://localhost:8080`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&runServerURL, "server", "", "Persistence API base URL (overrides config)")

	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

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

	names, err := col.Scan(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, err := col.Stage(name); err != nil {
			fmt.Fprintf(os.Stderr, "stage %s: %v\n", name, err)
		}
	}

	staged, err := col.Staged()
	if err != nil {
		return err
	}
	if len(staged) == 0 {
		fmt.Println("Nothing to ingest.")
		return nil
	}

	bar := progressbar.NewOptions(len(staged),
		progressbar.OptionSetDescription("ingesting"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	var persisted, rejected, skipped, failed int
	for _, name := range staged {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		dataset, ok := ld.DatasetFor(name)
		if ok {
			_, ok = cfg.Datasets[dataset]
		}
		if !ok {
			fmt.Fprintf(os.Stderr, "%s: no configured dataset, rejecting\n", name)
			col.Reject(name)
			failed++
			bar.Add(1)
			continue
		}

		res, err := ld.Load(ctx, col.StagedPath(name), dataset)
		switch {
		case err == nil:
			persisted += res.Persisted
			rejected += res.Rejected
			if res.Skipped {
				skipped++
			}
			if err := col.Archive(name); err != nil {
				fmt.Fprintf(os.Stderr, "archive %s: %v\n", name, err)
			}

		case tferrors.IsFatal(err):
			fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
			col.Reject(name)
			failed++

		default:
			fmt.Fprintf(os.Stderr, "%s: %v (left staged)\n", name, err)
			failed++
		}
		bar.Add(1)
	}
	bar.Finish()

	fmt.Printf("Files:     %d (%d skipped, %d failed)\n", len(staged), skipped, failed)
	fmt.Printf("Persisted: %d rows\n", persisted)
	fmt.Printf("Rejected:  %d rows (%s)\n", rejected, rejectionLogPath(cfg))
	return nil
}
