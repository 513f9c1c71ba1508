package gryag

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// Scheduler runs named background jobs, each on its own interval. Jobs
// observe ctx at the top of every tick; a failing job logs and keeps
// its schedule. The turn pipeline never waits on a job.
type Scheduler struct {
	log  *slog.Logger
	jobs []schedulerJob
}

type schedulerJob struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
}

// NewScheduler creates an empty scheduler.
func NewScheduler(log *slog.Logger) *Scheduler {
	if log == nil {
		log = nopLogger
	}
	return &Scheduler{log: log}
}

// Add registers a job. Must be called before Start.
func (s *Scheduler) Add(name string, interval time.Duration, run func(ctx context.Context) error) {
	if interval <= 0 {
		interval = time.Minute
	}
	s.jobs = append(s.jobs, schedulerJob{name: name, interval: interval, run: run})
}

// Start launches every job loop and blocks until ctx is cancelled.
// Returns nil on clean shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		wg.Add(1)
		go func(j schedulerJob) {
			defer wg.Done()
			s.loop(ctx, j)
		}(job)
	}
	s.log.Info("scheduler running", "jobs", len(s.jobs))
	wg.Wait()
	s.log.Info("scheduler stopped")
	return nil
}

// loop runs one job: once at start, then on its interval.
func (s *Scheduler) loop(ctx context.Context, j schedulerJob) {
	for {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		if err := j.run(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("job failed", "job", j.name, "error", err)
		} else {
			s.log.Debug("job finished", "job", j.name, "duration", time.Since(start))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(j.interval):
		}
	}
}

// --- Retention pruner ---

// Pruner enforces the retention policy: messages past retention_days,
// quota history past seven days, and expired media cache entries.
type Pruner struct {
	store     Store
	retention time.Duration // 0 disables message pruning
	log       *slog.Logger
	now       func() time.Time // test hook
}

// quotaHistoryRetention is fixed: feature accounting never looks back
// further than a day, and seven days keeps enough for inspection.
const quotaHistoryRetention = 7 * 24 * time.Hour

// NewPruner creates the retention job. retention 0 keeps messages
// forever; quota history and media cache are always pruned.
func NewPruner(store Store, retention time.Duration, log *slog.Logger) *Pruner {
	if log == nil {
		log = nopLogger
	}
	return &Pruner{store: store, retention: retention, log: log, now: time.Now}
}

// Prune applies all retention rules once.
func (p *Pruner) Prune(ctx context.Context) error {
	now := p.now()

	if p.retention > 0 {
		cutoff := now.Add(-p.retention).Unix()
		n, err := p.store.DeleteMessagesBefore(ctx, cutoff)
		if err != nil {
			return err
		}
		if n > 0 {
			p.log.Debug("messages pruned", "count", n, "cutoff", cutoff)
		}
	}

	if n, err := p.store.PruneRequestsBefore(ctx, now.Add(-quotaHistoryRetention).Unix()); err != nil {
		p.log.Error("quota history prune failed", "error", err)
	} else if n > 0 {
		p.log.Debug("quota history pruned", "count", n)
	}

	if n, err := p.store.PruneExpiredMedia(ctx, now.Unix()); err != nil {
		p.log.Error("media cache prune failed", "error", err)
	} else if n > 0 {
		p.log.Debug("media cache pruned", "count", n)
	}
	return nil
}

// --- Resource sampler ---

// SampleResources logs goroutine and heap statistics. The observer
// package exports the same figures as metrics; this is the log side.
func SampleResources(log *slog.Logger) error {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	log.Debug("resources",
		"goroutines", runtime.NumGoroutine(),
		"heap_alloc_mb", m.HeapAlloc/1024/1024,
		"heap_sys_mb", m.HeapSys/1024/1024,
		"gc_cycles", m.NumGC)
	return nil
}
