// Package scheduler runs mention batches on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/heroquote/internal/logging"
	"github.com/robfig/cron/v3"
)

// Job is one batch. The scheduler never runs two at once.
type Job func(ctx context.Context) error

// Scheduler triggers a Job on a cron expression or descriptor such as
// "@every 2m".
type Scheduler struct {
	cron    *cron.Cron
	job     Job
	timeout time.Duration

	mu      sync.Mutex
	ctx     context.Context
	entry   cron.EntryID
	runs    int
	lastErr error
}

// New creates a Scheduler. timeout bounds a single batch; zero means 5m.
func New(job Job, timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})),
		),
		job:     job,
		timeout: timeout,
		ctx:     context.Background(),
	}
}

// Schedule registers the job, replacing any earlier schedule.
func (s *Scheduler) Schedule(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entry != 0 {
		s.cron.Remove(s.entry)
		s.entry = 0
	}
	id, err := s.cron.AddFunc(spec, s.trigger)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	s.entry = id
	return nil
}

// Run starts the cron loop, optionally runs one batch immediately, and
// blocks until ctx is done. In-flight batches finish before it returns.
func (s *Scheduler) Run(ctx context.Context, runNow bool) error {
	s.mu.Lock()
	if s.entry == 0 {
		s.mu.Unlock()
		return fmt.Errorf("no schedule registered")
	}
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	logging.Op().Info("scheduler started", "next", s.Next())
	var immediate sync.WaitGroup
	if runNow {
		job := s.cron.Entry(s.entry).WrappedJob
		immediate.Add(1)
		go func() {
			defer immediate.Done()
			job.Run()
		}()
	}

	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	immediate.Wait()
	logging.Op().Info("scheduler stopped", "runs", s.Runs())
	return nil
}

// Next returns the next trigger time, or zero before Run.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	id := s.entry
	s.mu.Unlock()
	return s.cron.Entry(id).Next
}

// Runs returns the number of completed batches.
func (s *Scheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// LastError returns the error of the most recent batch.
func (s *Scheduler) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Scheduler) trigger() {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	if parent.Err() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	start := time.Now()
	err := s.job(ctx)
	if err != nil {
		logging.Op().Error("scheduled batch failed", "error", err, "duration", time.Since(start))
	} else {
		logging.Op().Debug("scheduled batch finished", "duration", time.Since(start))
	}

	s.mu.Lock()
	s.runs++
	s.lastErr = err
	s.mu.Unlock()
}

// cronLogger routes robfig/cron's internal logging to slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	logging.Component("cron").Debug(msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	logging.Component("cron").Error(msg, append(keysAndValues, "error", err)...)
}
