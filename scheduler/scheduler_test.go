package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestImmediateJobRunsOnce(t *testing.T) {
	s := New(nil, nil)

	var runs atomic.Int64
	s.Register(Job{
		Name:      "immediate",
		Interval:  time.Hour,
		Immediate: true,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	deadline := time.After(2 * time.Second)
	for runs.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("immediate job never ran")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	s.Wait()

	if runs.Load() != 1 {
		t.Errorf("runs = %d, want exactly 1 before the first interval", runs.Load())
	}
}

func TestTickerJobRepeats(t *testing.T) {
	s := New(nil, nil)

	var runs atomic.Int64
	s.Register(Job{
		Name:     "fast",
		Interval: 20 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(150 * time.Millisecond)
	cancel()
	s.Wait()

	if n := runs.Load(); n < 2 {
		t.Errorf("runs = %d, want at least 2 ticks", n)
	}
}

func TestFailingJobKeepsRunning(t *testing.T) {
	s := New(nil, nil)

	var runs atomic.Int64
	s.Register(Job{
		Name:     "flaky",
		Interval: 20 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return errors.New("boom")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(150 * time.Millisecond)
	cancel()
	s.Wait()

	if n := runs.Load(); n < 2 {
		t.Errorf("runs = %d, a failing job must keep its schedule", n)
	}
}

func TestWaitReturnsAfterCancel(t *testing.T) {
	s := New(nil, nil)
	s.Register(Job{Name: "idle", Interval: time.Hour, Run: func(ctx context.Context) error { return nil }})
	s.Register(Job{Name: "nightly", AtMidnight: true, Run: func(ctx context.Context) error { return nil }})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after cancellation")
	}
}

func TestNoRunAfterCancel(t *testing.T) {
	s := New(nil, nil)

	var runs atomic.Int64
	s.Register(Job{
		Name:      "late",
		Interval:  time.Hour,
		Immediate: true,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancelled before Start
	s.Start(ctx)
	s.Wait()

	if runs.Load() != 0 {
		t.Errorf("job ran %d times under a cancelled context", runs.Load())
	}
}
