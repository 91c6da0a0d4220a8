package scheduler

import (
	"context"
	"log"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tabflow/tabflow/pkg/checkpoint"
	"github.com/tabflow/tabflow/pkg/collector"
	"github.com/tabflow/tabflow/pkg/config"
	tferrors "github.com/tabflow/tabflow/pkg/errors"
	"github.com/tabflow/tabflow/pkg/loader"
	"github.com/tabflow/tabflow/pkg/store"
)

// Scheduler ties the pipeline together: on every tick it collects and
// loads dropped files, then runs one report cycle per configured dataset.
type Scheduler struct {
	cfg       *config.Config
	client    *store.Client
	collector *collector.Collector
	loader    *loader.Loader
	ckpt      checkpoint.Backend

	// test hooks
	nowFn   func() time.Time
	sleepFn func(time.Duration) <-chan time.Time
}

// New creates a Scheduler. The checkpoint backend records per-dataset
// reporting progress so restarts resume where the last run left off.
func New(cfg *config.Config, client *store.Client, col *collector.Collector, ld *loader.Loader, ckpt checkpoint.Backend) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		client:    client,
		collector: col,
		loader:    ld,
		ckpt:      ckpt,
	}
}

func (s *Scheduler) now() time.Time {
	if s.nowFn != nil {
		return s.nowFn()
	}
	return time.Now()
}

// Run executes the tick loop until the context is cancelled. When watching
// is enabled, file drops trigger an extra ingestion pass between ticks.
func (s *Scheduler) Run(ctx context.Context) error {
	trigger := make(chan struct{}, 1)

	if s.cfg.Ingest.Watch {
		w, err := collector.NewWatcher(s.cfg.Ingest.InputRoot)
		if err != nil {
			return err
		}
		defer w.Close()
		w.OnDrop = func() {
			select {
			case trigger <- struct{}{}:
			default:
			}
		}
		w.OnError = func(err error) {
			log.Printf("scheduler: watcher: %v", err)
		}
		go func() {
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("scheduler: watcher stopped: %v", err)
			}
		}()
	}

	ticker := time.NewTicker(s.cfg.Scheduler.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		case <-trigger:
			if err := s.RunIngestion(ctx); err != nil {
				log.Printf("scheduler: ingestion: %v", err)
			}
		}
	}
}

// tick runs one full pass: ingest pending drops, then report cycles for
// every dataset concurrently. Cycles for different datasets are
// independent, so one dataset's retry storm never delays another's report.
func (s *Scheduler) tick(ctx context.Context) {
	if err := s.RunIngestion(ctx); err != nil {
		log.Printf("scheduler: ingestion: %v", err)
	}

	datasets := make([]string, 0, len(s.cfg.Datasets))
	for name := range s.cfg.Datasets {
		datasets = append(datasets, name)
	}
	sort.Strings(datasets)

	g, gctx := errgroup.WithContext(ctx)
	for _, dataset := range datasets {
		dataset := dataset
		g.Go(func() error {
			s.RunCycle(gctx, NewCycle(dataset))
			// A failed cycle is logged and retried next tick, never fatal
			// to the loop.
			return nil
		})
	}
	_ = g.Wait()
}

// RunIngestion moves dropped files through the stage/load/archive
// lifecycle. Files with unresolvable datasets or unparseable content land
// in the rejected directory; transient persistence failures leave the file
// staged for the next pass. The returned error aggregates every deferred
// file so one bad file never hides another.
func (s *Scheduler) RunIngestion(ctx context.Context) error {
	names, err := s.collector.Scan(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, err := s.collector.Stage(name); err != nil {
			// A staging conflict means another pass owns the file.
			log.Printf("scheduler: stage %s: %v", name, err)
		}
	}

	staged, err := s.collector.Staged()
	if err != nil {
		return err
	}
	var deferred tferrors.MultiError
	for _, name := range staged {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		deferred.Add(s.ingestOne(ctx, name))
	}
	return deferred.Combined()
}

// ingestOne returns a non-nil error only when the file was deferred: it
// stays staged and the next pass retries it.
func (s *Scheduler) ingestOne(ctx context.Context, name string) error {
	dataset, ok := s.loader.DatasetFor(name)
	if !ok || !s.datasetConfigured(dataset) {
		log.Printf("scheduler: %s: no configured dataset, rejecting", name)
		if err := s.collector.Reject(name); err != nil {
			log.Printf("scheduler: reject %s: %v", name, err)
		}
		return nil
	}

	res, err := s.loader.Load(ctx, s.collector.StagedPath(name), dataset)
	switch {
	case err == nil:
		if res.Skipped {
			log.Printf("scheduler: %s already ingested, archiving", name)
		} else {
			log.Printf("scheduler: loaded %s dataset=%s persisted=%d rejected=%d",
				name, dataset, res.Persisted, res.Rejected)
		}
		if err := s.collector.Archive(name); err != nil {
			log.Printf("scheduler: archive %s: %v", name, err)
		}
		return nil

	case tferrors.IsFatal(err):
		log.Printf("scheduler: %s unparseable, rejecting: %v", name, err)
		if err := s.collector.Reject(name); err != nil {
			log.Printf("scheduler: reject %s: %v", name, err)
		}
		return nil

	default:
		// Retryable or unknown: keep the file staged and try again.
		log.Printf("scheduler: load %s deferred: %v", name, err)
		return tferrors.Wrapf(err, tferrors.GetCode(err), "load %s deferred", name)
	}
}

func (s *Scheduler) datasetConfigured(dataset string) bool {
	_, ok := s.cfg.Datasets[dataset]
	return ok
}

// saveCheckpoint advances the dataset's reporting position after a
// verified window. Cycles that succeed without a window (nothing closed
// yet) leave the checkpoint alone.
func (s *Scheduler) saveCheckpoint(ctx context.Context, c *Cycle) error {
	if c.Window.End == "" {
		return nil
	}
	return s.ckpt.Save(ctx, &checkpoint.Checkpoint{
		Dataset:       c.Dataset,
		LastWindowEnd: c.Window.End,
		UpdatedAt:     s.now().UTC(),
	})
}
