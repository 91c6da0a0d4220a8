package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tabflow/tabflow/pkg/store"
)

var (
	reportDataset string
	reportStart   string
	reportEnd     string
	reportFormat  string
	reportColumns []string
	reportNoWait  bool
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Submit a report job and wait for its artifact",
	Long: `Submit a report job over a half-open window [start, end) and poll it
to completion. Bounds are UTC timestamps in the form 2006-01-02T15:04:05Z.

Resubmitting the same dataset, window, and format reuses the existing job
instead of generating a duplicate artifact.

Examples:
  tabflow report --dataset calls --start 2025-01-15T00:00:00Z --end 2025-01-16T00:00:00Z
  tabflow report --dataset calls --start 2025-01-15T00:00:00Z --end 2025-01-16T00:00:00Z --format xlsx
  tabflow report --dataset calls --start 2025-01-15T00:00:00Z --end 2025-01-16T00:00:00Z --columns agent_id,duration`,
	RunE: runReport,
}

func init() {
	reportCmd.Flags().StringVarP(&reportDataset, "dataset", "d", "", "Dataset to report over (required)")
	reportCmd.Flags().StringVar(&reportStart, "start", "", "Window start, inclusive (required)")
	reportCmd.Flags().StringVar(&reportEnd, "end", "", "Window end, exclusive (required)")
	reportCmd.Flags().StringVarP(&reportFormat, "format", "f", "", "Artifact format (csv, xlsx; default from config)")
	reportCmd.Flags().StringSliceVar(&reportColumns, "columns", nil, "Column projection (default: all schema columns)")
	reportCmd.Flags().BoolVar(&reportNoWait, "no-wait", false, "Submit without polling for completion")
	reportCmd.Flags().StringVar(&runServerURL, "server", "", "Persistence API base URL (overrides config)")

	reportCmd.MarkFlagRequired("dataset")
	reportCmd.MarkFlagRequired("start")
	reportCmd.MarkFlagRequired("end")

	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	spec, ok := cfg.Datasets[reportDataset]
	if !ok {
		return fmt.Errorf("dataset %q is not configured", reportDataset)
	}

	format := reportFormat
	if format == "" {
		format = cfg.Reports.Format
	}

	req := store.JobRequest{
		Dataset:         reportDataset,
		StartTime:       reportStart,
		EndTime:         reportEnd,
		Format:          format,
		Columns:         reportColumns,
		TimestampColumn: spec.TimestampColumn,
		IdempotencyKey:  fmt.Sprintf("%s:%s:%s:%s", reportDataset, reportStart, reportEnd, format),
	}
	if err := req.Validate(); err != nil {
		return err
	}

	ctx := context.Background()
	client := store.NewClient(serverURL(cfg), cfg.Server.RequestTimeout)

	jobID, status, err := client.SubmitJob(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("Job:    %s\n", jobID)

	if reportNoWait {
		fmt.Printf("Status: %s\n", status)
		return nil
	}

	interval := cfg.Scheduler.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	for !status.Terminal() {
		time.Sleep(interval)
		job, err := client.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		status = job.Status
	}

	job, err := client.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	fmt.Printf("Status: %s\n", job.Status)
	if job.Status == store.JobSucceeded {
		fmt.Printf("Artifact: %s (%d rows)\n", job.Filename, job.RowCount)
		return nil
	}
	return fmt.Errorf("report job failed: %s", job.Error)
}
