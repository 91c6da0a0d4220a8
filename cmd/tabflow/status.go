package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/tabflow/tabflow/pkg/store"
)

var statusAll bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List report jobs and their state",
	Long: `List report jobs known to the persistence API, newest first.

Examples:
  tabflow status
  tabflow status --all`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusAll, "all", "a", false, "Include succeeded jobs (default shows only active and failed)")
	statusCmd.Flags().StringVar(&runServerURL, "server", "", "Persistence API base URL (overrides config)")

	rootCmd.AddCommand(statusCmd)
}

var (
	headerStyle    = lipgloss.NewStyle().Bold(true)
	queuedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	runningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("33"))
	succeededStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("34"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("160"))
)

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client := store.NewClient(serverURL(cfg), cfg.Server.RequestTimeout)
	jobs, err := client.ListJobs(context.Background())
	if err != nil {
		return err
	}

	shown := 0
	fmt.Println(headerStyle.Render(fmt.Sprintf("%-36s  %-10s  %-10s  %-41s  %s",
		"JOB", "STATUS", "DATASET", "WINDOW", "ARTIFACT")))
	for _, job := range jobs {
		if !statusAll && job.Status == store.JobSucceeded {
			continue
		}
		window := fmt.Sprintf("[%s, %s)", job.StartTime, job.EndTime)
		detail := job.Filename
		if job.Status == store.JobFailed && job.Error != "" {
			detail = job.Error
		}
		fmt.Printf("%-36s  %-10s  %-10s  %-41s  %s\n",
			job.ID, statusStyle(job.Status).Render(string(job.Status)),
			job.Dataset, window, detail)
		shown++
	}

	if shown == 0 {
		if statusAll {
			fmt.Println("No report jobs.")
		} else {
			fmt.Println("No active or failed jobs. Use --all to include succeeded jobs.")
		}
	}
	return nil
}

func statusStyle(s store.JobStatus) lipgloss.Style {
	switch s {
	case store.JobRunning:
		return runningStyle
	case store.JobSucceeded:
		return succeededStyle
	case store.JobFailed:
		return failedStyle
	default:
		return queuedStyle
	}
}
