package report

import (
	"context"
	"log"
	"sync"

	"github.com/tabflow/tabflow/pkg/store"
	"github.com/tabflow/tabflow/pkg/telemetry"
)

// Pool runs a bounded set of workers that execute queued report jobs. Jobs
// for different datasets and windows are independent, so workers run
// concurrently; pool size caps storage load.
//
// A worker never retries: any failure marks the job failed with the cause
// recorded, and retry is the scheduler's call via resubmission.
type Pool struct {
	store     *store.Store
	outputDir string
	workers   int
	queue     <-chan string

	wg sync.WaitGroup
}

// NewPool creates a worker pool consuming job IDs from queue.
func NewPool(st *store.Store, outputDir string, workers int, queue <-chan string) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		store:     st,
		outputDir: outputDir,
		workers:   workers,
		queue:     queue,
	}
}

// Start launches the workers. They drain the queue until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case jobID, ok := <-p.queue:
					if !ok {
						return
					}
					p.Execute(ctx, jobID)
				}
			}
		}()
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Recover re-queues jobs left in the queued state by a previous process.
// Called once at startup, before Start.
func (p *Pool) Recover(ctx context.Context, queue chan<- string) error {
	jobs, err := p.store.ListJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.Status == store.JobQueued {
			select {
			case queue <- job.ID:
			default:
				log.Printf("report: queue full during recovery, job %s stays queued", job.ID)
			}
		}
	}
	return nil
}

// Execute runs one report job end-to-end: claim, query, shape, write,
// finalize.
func (p *Pool) Execute(ctx context.Context, jobID string) {
	ctx, span := telemetry.StartSpan(ctx, "report.execute")
	defer span.End()

	job, err := p.store.ClaimJob(ctx, jobID)
	if err != nil {
		log.Printf("report: claim %s: %v", jobID, err)
		return
	}
	if job == nil {
		// Not claimable: another worker got it, or it is already terminal.
		return
	}

	columns, rows, err := p.store.QueryWindow(ctx, job.Dataset, job.TimestampColumn,
		job.StartTime, job.EndTime, job.Columns)
	if err != nil {
		p.fail(ctx, job.ID, "window query: "+err.Error())
		return
	}
	if len(rows) == 0 {
		p.fail(ctx, job.ID, "no rows in window")
		return
	}

	name := ArtifactName(job.Dataset, job.StartTime, job.EndTime, job.Format)
	if err := writeArtifact(p.outputDir, name, job.Format, columns, rows); err != nil {
		p.fail(ctx, job.ID, "write artifact: "+err.Error())
		return
	}

	if err := p.store.CompleteJob(ctx, job.ID, name, int64(len(rows))); err != nil {
		log.Printf("report: complete %s: %v", job.ID, err)
		return
	}
	log.Printf("report: job %s succeeded (%s, %d rows)", job.ID, name, len(rows))
}

func (p *Pool) fail(ctx context.Context, jobID, reason string) {
	log.Printf("report: job %s failed: %s", jobID, reason)
	if err := p.store.FailJob(ctx, jobID, reason); err != nil {
		log.Printf("report: record failure for %s: %v", jobID, err)
	}
}
