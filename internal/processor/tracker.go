package processor

import (
	"context"
	"time"

	"github.com/oriys/heroquote/internal/metrics"
	"github.com/oriys/heroquote/internal/state"
)

// Tracker brackets batches with StartExecution/EndExecution and keeps the
// per-batch counters. Nothing in the processor branches on them.
type Tracker struct {
	state StateStore
	now   func() time.Time
}

func NewTracker(s StateStore) *Tracker {
	return &Tracker{state: s, now: time.Now}
}

// Run is one tracked batch.
type Run struct {
	ID string

	tracker      *Tracker
	started      time.Time
	ignoredStart int64
	stats        state.RunStats
	finished     bool
}

// Begin records the start of a batch.
func (t *Tracker) Begin(ctx context.Context) *Run {
	return &Run{
		ID:           t.state.StartExecution(ctx),
		tracker:      t,
		started:      t.now(),
		ignoredStart: t.state.IgnoredErrors(),
	}
}

func (r *Run) MentionsFound(n int) { r.stats.MentionsFound += n }
func (r *Run) MentionIterated()    { r.stats.MentionsIterated++ }
func (r *Run) ReplySent()          { r.stats.RepliesSent++ }
func (r *Run) Error()              { r.stats.Errors++ }
func (r *Run) Retry()              { r.stats.Retries++ }
func (r *Run) Skipped()            { r.stats.Skipped++ }

// Abort marks the batch as ended early.
func (r *Run) Abort(reason string) {
	r.stats.Aborted = true
	r.stats.AbortReason = reason
}

// Stats returns the counters so far.
func (r *Run) Stats() state.RunStats {
	s := r.stats
	s.IgnoredErrors = int(r.tracker.state.IgnoredErrors() - r.ignoredStart)
	return s
}

// Finish records the end of the batch once and returns the final counters.
func (r *Run) Finish(ctx context.Context, success bool) state.RunStats {
	stats := r.Stats()
	if r.finished {
		return stats
	}
	r.finished = true
	r.tracker.state.EndExecution(ctx, success, stats)

	result := "success"
	switch {
	case stats.Aborted:
		result = "aborted"
	case !success:
		result = "failed"
	}
	metrics.RecordBatch(result, r.tracker.now().Sub(r.started).Milliseconds())
	return stats
}
