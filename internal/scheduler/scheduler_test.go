package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleRejectsInvalidSpec(t *testing.T) {
	s := New(func(context.Context) error { return nil }, time.Second)
	if err := s.Schedule("not a schedule"); err == nil {
		t.Fatal("expected error")
	}
	if err := s.Run(context.Background(), false); err == nil {
		t.Fatal("Run without schedule should fail")
	}
}

func TestRunNowAndStop(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{}, 1)
	s := New(func(context.Context) error {
		calls.Add(1)
		select {
		case done <- struct{}{}:
		default:
		}
		return errors.New("boom")
	}, time.Second)
	if err := s.Schedule("@every 1h"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx, true) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("immediate batch did not run")
	}
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
	if s.Runs() != 1 || s.LastError() == nil {
		t.Fatalf("runs = %d, lastErr = %v", s.Runs(), s.LastError())
	}
}

func TestOverlappingTriggersAreSkipped(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	var calls atomic.Int32
	s := New(func(context.Context) error {
		calls.Add(1)
		started <- struct{}{}
		<-release
		return nil
	}, time.Minute)
	if err := s.Schedule("@every 1h"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx, true) }()
	<-started

	// A second trigger while the first is running is dropped.
	s.cron.Entry(s.entry).WrappedJob.Run()
	close(release)
	cancel()
	<-errCh

	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}
