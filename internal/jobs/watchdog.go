package jobs

import (
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Watchdog periodically scans a set of tracked JobContexts and marks any
// that have sat InProgress past staleness as Stuck, so AttemptRecovery has
// something to act on in a long-lived process.
type Watchdog struct {
	mu         sync.Mutex
	jobs       map[string]*JobContext
	staleness  time.Duration
	logger     *slog.Logger
	cronRunner *cron.Cron
}

// NewWatchdog creates a watchdog that considers a job stuck once it has
// been InProgress for longer than staleness.
func NewWatchdog(staleness time.Duration, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		jobs:      make(map[string]*JobContext),
		staleness: staleness,
		logger:    logger.With("component", "jobs.watchdog"),
	}
}

// Track registers a job for staleness monitoring.
func (w *Watchdog) Track(job *JobContext) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.jobs[job.JobID.String()] = job
}

// Untrack stops monitoring a job.
func (w *Watchdog) Untrack(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.jobs, jobID)
}

// Sweep marks every tracked job that is InProgress and older than staleness
// as Stuck. It returns the number of jobs marked.
func (w *Watchdog) Sweep() int {
	w.mu.Lock()
	snapshot := make([]*JobContext, 0, len(w.jobs))
	for _, j := range w.jobs {
		snapshot = append(snapshot, j)
	}
	w.mu.Unlock()

	marked := 0
	for _, j := range snapshot {
		s := j.Snapshot()
		if s.State != StateInProgress || s.StartedAt == nil {
			continue
		}
		if time.Since(*s.StartedAt) < w.staleness {
			continue
		}
		if err := j.MarkStuck("watchdog: exceeded staleness threshold"); err != nil {
			w.logger.Warn("failed to mark job stuck", "job_id", s.JobID, "error", err)
			continue
		}
		marked++
	}
	return marked
}

// Start schedules periodic sweeps using the given cron spec (e.g. "@every
// 1m"). Stop must be called to release the cron runner.
func (w *Watchdog) Start(spec string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cronRunner != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		n := w.Sweep()
		if n > 0 {
			w.logger.Info("watchdog sweep marked jobs stuck", "count", n)
		}
	}); err != nil {
		return err
	}
	c.Start()
	w.cronRunner = c
	return nil
}

// Stop halts the scheduled sweeps, if running.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cronRunner != nil {
		w.cronRunner.Stop()
		w.cronRunner = nil
	}
}
