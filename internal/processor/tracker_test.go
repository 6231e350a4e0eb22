package processor

import (
	"context"
	"errors"
	"testing"
)

func TestTrackerCountsAndFinishesOnce(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	run := h.proc.tracker.Begin(ctx)
	if run.ID == "" || h.state.CurrentExecutionID() != run.ID {
		t.Fatalf("execution id %q not current (%q)", run.ID, h.state.CurrentExecutionID())
	}
	run.MentionsFound(3)
	run.MentionIterated()
	run.ReplySent()
	run.Retry()
	run.Skipped()
	h.state.RecordError(ctx, errors.New("username_lookup failed"), nil)

	stats := run.Finish(ctx, true)
	if stats.MentionsFound != 3 || stats.RepliesSent != 1 || stats.Retries != 1 || stats.Skipped != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.IgnoredErrors != 1 {
		t.Fatalf("ignored = %d, want 1", stats.IgnoredErrors)
	}
	run.Finish(ctx, false)

	st := h.state.LoadState(ctx)
	if st.ExecutionMetrics.TotalRuns != 1 {
		t.Fatalf("total runs = %d, want 1", st.ExecutionMetrics.TotalRuns)
	}
	if st.ExecutionMetrics.LastRunStats == nil || st.ExecutionMetrics.LastRunStats.RepliesSent != 1 {
		t.Fatalf("last run stats = %+v", st.ExecutionMetrics.LastRunStats)
	}
	if h.state.CurrentExecutionID() != "" {
		t.Fatal("execution id not cleared")
	}
}

func TestTrackerAbort(t *testing.T) {
	h := newHarness(t, Options{})
	run := h.proc.tracker.Begin(context.Background())
	run.Abort("rate_limited")
	stats := run.Finish(context.Background(), false)
	if !stats.Aborted || stats.AbortReason != "rate_limited" {
		t.Fatalf("stats = %+v", stats)
	}
}
