// Package scheduler drives ingestion and report generation on a fixed
// interval tick, with retry and backoff around every service call.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	tferrors "github.com/tabflow/tabflow/pkg/errors"
	"github.com/tabflow/tabflow/pkg/report"
	"github.com/tabflow/tabflow/pkg/store"
)

// State is one state of the report-generation cycle.
type State string

const (
	StateIdle           State = "idle"
	StateLoadConfig     State = "load_config"
	StateComputeWindow  State = "compute_window"
	StateSubmitJob      State = "submit_job"
	StatePolling        State = "polling"
	StateBackoffWait    State = "backoff_wait"
	StateVerifyArtifact State = "verify_artifact"
	StateSucceeded      State = "succeeded"
	StateFailed         State = "failed"
)

// Terminal reports whether the state ends the cycle.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Cycle is the explicit per-cycle value carrying FSM state and retry
// counters. Each cycle is strictly sequential; concurrent cycles for
// different datasets each get their own Cycle and never interfere.
type Cycle struct {
	Dataset string
	State   State

	Window  Window
	Request store.JobRequest
	JobID   string

	// Attempts is the number of transient failures consumed against the
	// retry budget.
	Attempts int

	// resume is the state BackoffWait returns to: SubmitJob, Polling, or
	// VerifyArtifact, depending on which step hit the transient failure.
	resume State

	LastStatus store.JobStatus
	Err        error
}

// NewCycle starts a cycle for a dataset.
func NewCycle(dataset string) *Cycle {
	return &Cycle{Dataset: dataset, State: StateIdle}
}

// fail moves the cycle to Failed, keeping enough context for an operator
// to diagnose without re-running.
func (c *Cycle) fail(err error) {
	c.State = StateFailed
	c.Err = err
	log.Printf("scheduler: cycle failed dataset=%s window=[%s,%s) job=%s last_status=%s attempts=%d: %v",
		c.Dataset, c.Window.Start, c.Window.End, c.JobID, c.LastStatus, c.Attempts, err)
}

// transientOr routes an error: retryable errors go through BackoffWait back
// to resume, non-retryable errors and an exhausted budget are terminal.
func (s *Scheduler) transientOr(c *Cycle, err error, resume State) {
	if !tferrors.IsRetryable(err) {
		c.fail(err)
		return
	}

	c.Attempts++
	if c.Attempts >= s.cfg.Scheduler.MaxAttempts {
		c.fail(tferrors.Wrap(err, tferrors.CodeRetryExhausted, "retry budget exhausted").
			WithContext("attempts", c.Attempts))
		return
	}

	c.resume = resume
	c.State = StateBackoffWait
}

// RunCycle drives one report-generation cycle to a terminal state. On
// context cancellation the cycle is abandoned wherever it stands: the
// remote job keeps its last server-side state and a future cycle picks it
// up through the same idempotency key.
func (s *Scheduler) RunCycle(ctx context.Context, c *Cycle) *Cycle {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.Scheduler.InitialBackoff
	bo.MaxInterval = s.cfg.Scheduler.MaxBackoff
	bo.MaxElapsedTime = 0 // attempts are bounded by count, not wall clock

	for !c.State.Terminal() {
		select {
		case <-ctx.Done():
			log.Printf("scheduler: cycle abandoned dataset=%s state=%s", c.Dataset, c.State)
			return c
		default:
		}

		switch c.State {
		case StateIdle:
			c.State = StateLoadConfig

		case StateLoadConfig:
			s.stepLoadConfig(c)

		case StateComputeWindow:
			s.stepComputeWindow(ctx, c)

		case StateSubmitJob:
			s.stepSubmit(ctx, c)

		case StatePolling:
			s.stepPoll(ctx, c)

		case StateVerifyArtifact:
			s.stepVerify(ctx, c)

		case StateBackoffWait:
			wait := bo.NextBackOff()
			select {
			case <-ctx.Done():
				log.Printf("scheduler: cycle abandoned dataset=%s state=%s", c.Dataset, c.State)
				return c
			case <-s.sleep(wait):
			}
			c.State = c.resume
		}
	}

	if c.State == StateSucceeded {
		if err := s.saveCheckpoint(ctx, c); err != nil {
			log.Printf("scheduler: save checkpoint for %s: %v", c.Dataset, err)
		}
	}
	return c
}

// stepLoadConfig resolves the dataset's reporting parameters from the
// resolved configuration.
func (s *Scheduler) stepLoadConfig(c *Cycle) {
	spec, ok := s.cfg.Datasets[c.Dataset]
	if !ok {
		c.fail(tferrors.New(tferrors.CodeSchemaUnknown, "dataset not configured").
			WithContext("dataset", c.Dataset))
		return
	}

	c.Request = store.JobRequest{
		Dataset:         c.Dataset,
		Format:          s.cfg.Reports.Format,
		Columns:         s.cfg.Reports.Columns[c.Dataset],
		TimestampColumn: spec.TimestampColumn,
	}
	c.State = StateComputeWindow
}

// stepComputeWindow derives the next closed window from the checkpoint.
func (s *Scheduler) stepComputeWindow(ctx context.Context, c *Cycle) {
	cp, err := s.ckpt.Load(ctx, c.Dataset)
	if err != nil {
		c.fail(tferrors.Wrap(err, tferrors.CodeStorageQuery, "load checkpoint").
			WithContext("dataset", c.Dataset))
		return
	}

	window, ready := NextWindow(cp, s.now(), s.cfg.Reports.WindowLength)
	if !ready {
		// Nothing to report yet; not a failure.
		c.State = StateSucceeded
		c.Window = Window{}
		return
	}

	c.Window = window
	c.Request.StartTime = window.Start
	c.Request.EndTime = window.End
	// Deterministic key: a crashed cycle's successor resubmits the same
	// job instead of minting a duplicate.
	c.Request.IdempotencyKey = fmt.Sprintf("%s:%s:%s:%s",
		c.Dataset, window.Start, window.End, c.Request.Format)
	c.State = StateSubmitJob
}

// stepSubmit submits the job request. An idempotent hit on an
// already-succeeded job short-circuits straight to verification.
func (s *Scheduler) stepSubmit(ctx context.Context, c *Cycle) {
	jobID, status, err := s.client.SubmitJob(ctx, c.Request)
	if err != nil {
		s.transientOr(c, err, StateSubmitJob)
		return
	}

	c.JobID = jobID
	c.LastStatus = status

	if status == store.JobSucceeded {
		c.State = StateVerifyArtifact
		return
	}
	c.State = StatePolling
}

// stepPoll checks job status: succeeded moves on to verification, failed is
// terminal, still-running re-polls after backoff.
func (s *Scheduler) stepPoll(ctx context.Context, c *Cycle) {
	job, err := s.client.GetJob(ctx, c.JobID)
	if err != nil {
		s.transientOr(c, err, StatePolling)
		return
	}

	c.LastStatus = job.Status
	switch job.Status {
	case store.JobSucceeded:
		c.State = StateVerifyArtifact

	case store.JobFailed:
		c.fail(tferrors.New(tferrors.CodeJobFailed, "report job failed").
			WithContext("job_id", c.JobID).
			WithContext("reason", job.Error))

	default:
		// queued or running: re-poll after a wait. A slow job is not a
		// failure and does not consume the retry budget.
		c.resume = StatePolling
		c.State = StateBackoffWait
	}
}

// stepVerify checks that the artifact exists under its deterministic name
// and matches the job's recorded metadata. A missing or mismatched file is
// treated as transient: the storage write may still be propagating.
func (s *Scheduler) stepVerify(ctx context.Context, c *Cycle) {
	job, err := s.client.GetJob(ctx, c.JobID)
	if err != nil {
		s.transientOr(c, err, StateVerifyArtifact)
		return
	}
	c.LastStatus = job.Status

	want := report.ArtifactName(c.Dataset, c.Request.StartTime, c.Request.EndTime, c.Request.Format)
	if job.Filename != want {
		s.transientOr(c, tferrors.ArtifactMismatch(want, fmt.Sprintf(
			"job records filename %q", job.Filename)), StateVerifyArtifact)
		return
	}

	path := filepath.Join(s.cfg.Reports.OutputDir, want)
	if _, err := os.Stat(path); err != nil {
		s.transientOr(c, tferrors.New(tferrors.CodeArtifactMissing, "artifact not found").
			WithContext("path", path), StateVerifyArtifact)
		return
	}

	rows, err := report.CountArtifactRows(path)
	if err != nil {
		s.transientOr(c, err, StateVerifyArtifact)
		return
	}
	if rows != job.RowCount {
		s.transientOr(c, tferrors.ArtifactMismatch(path, fmt.Sprintf(
			"artifact has %d rows, job records %d", rows, job.RowCount)), StateVerifyArtifact)
		return
	}

	log.Printf("scheduler: report verified dataset=%s window=[%s,%s) artifact=%s rows=%d",
		c.Dataset, c.Window.Start, c.Window.End, want, rows)
	c.State = StateSucceeded
}

// sleep returns a channel that fires after d. Swappable in tests so backoff
// sequences run instantly.
func (s *Scheduler) sleep(d time.Duration) <-chan time.Time {
	if s.sleepFn != nil {
		return s.sleepFn(d)
	}
	return time.After(d)
}
