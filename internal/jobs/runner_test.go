package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRunRetriesWithLinearBackoff(t *testing.T) {
	runner := NewRunner(Options{Name: "sync", MaxRetries: 3, RetryDelay: 5 * time.Millisecond})
	attempts := 0
	started := time.Now()
	err := runner.Run(context.Background(), "flaky", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("store unavailable")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if elapsed := time.Since(started); elapsed < 15*time.Millisecond {
		t.Fatalf("expected at least 5ms+10ms of backoff, got %s", elapsed)
	}
	if h := runner.CheckHealth(); h.Processed != 1 || h.Retries != 2 {
		t.Fatalf("unexpected counters %+v", h)
	}
}

func TestRunRecordsFinalFailure(t *testing.T) {
	runner := NewRunner(Options{Name: "sync", MaxRetries: 2, RetryDelay: -1})
	runner.Start()
	defer runner.Stop()

	boom := errors.New("queue unavailable")
	attempts := 0
	err := runner.Run(context.Background(), "always-fails", func(ctx context.Context) error {
		attempts++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped failure, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	h := runner.CheckHealth()
	if h.Healthy || h.Failed != 1 || h.LastError == "" {
		t.Fatalf("expected unhealthy runner with recorded failure, got %+v", h)
	}

	if err := runner.Run(context.Background(), "recovers", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if h := runner.CheckHealth(); !h.Healthy {
		t.Fatalf("expected a later success to clear the last error, got %+v", h)
	}
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	runner := NewRunner(Options{MaxRetries: 5, RetryDelay: -1})
	attempts := 0
	err := runner.Run(context.Background(), "invariant", func(ctx context.Context) error {
		attempts++
		return Permanent(errors.New("missing org"))
	})
	if err == nil || !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
}

func TestStateMachineIgnoresInvalidTransitions(t *testing.T) {
	runner := NewRunner(Options{HealthInterval: time.Hour})
	runner.Pause()
	if runner.State() != StateStopped {
		t.Fatalf("expected pause from stopped to be ignored")
	}
	runner.Resume()
	if runner.State() != StateStopped {
		t.Fatalf("expected resume from stopped to be ignored")
	}
	runner.Start()
	runner.Start()
	if runner.State() != StateRunning {
		t.Fatalf("expected running, got %s", runner.State())
	}
	runner.Resume()
	runner.Pause()
	if runner.State() != StatePaused {
		t.Fatalf("expected paused, got %s", runner.State())
	}
	runner.Resume()
	if runner.State() != StateRunning {
		t.Fatalf("expected running after resume, got %s", runner.State())
	}
	runner.Stop()
	runner.Stop()
	if runner.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", runner.State())
	}
}

func TestWaitRunningUnblocksOnResume(t *testing.T) {
	runner := NewRunner(Options{HealthInterval: time.Hour})
	runner.Start()
	runner.Pause()
	defer runner.Stop()

	done := make(chan error, 1)
	go func() {
		done <- runner.WaitRunning(context.Background())
	}()
	select {
	case <-done:
		t.Fatalf("expected WaitRunning to block while paused")
	case <-time.After(20 * time.Millisecond):
	}
	runner.Resume()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected WaitRunning to return after resume")
	}

	runner.Pause()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := runner.WaitRunning(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRunStopsRetryingWhenContextCancelled(t *testing.T) {
	runner := NewRunner(Options{MaxRetries: 10, RetryDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := runner.Run(ctx, "slow", func(ctx context.Context) error {
		attempts++
		return errors.New("transient")
	})
	if err == nil || attempts != 1 {
		t.Fatalf("expected one attempt and an error, attempts=%d err=%v", attempts, err)
	}
}

func TestMetricsAreRecordedPerRunner(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	sync := NewRunner(Options{Name: "sync", Metrics: metrics, RetryDelay: -1, MaxRetries: 1})
	extraction := NewRunner(Options{Name: "extraction", Metrics: metrics, RetryDelay: -1, MaxRetries: 1})

	_ = sync.Run(context.Background(), "event", func(ctx context.Context) error { return nil })
	_ = extraction.Run(context.Background(), "extract", func(ctx context.Context) error { return errors.New("x") })

	if got := testutil.ToFloat64(metrics.jobs.WithLabelValues("sync", "event", "success")); got != 1 {
		t.Fatalf("expected 1 successful sync job, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.jobs.WithLabelValues("extraction", "extract", "failed")); got != 1 {
		t.Fatalf("expected 1 failed extraction job, got %v", got)
	}
	sync.Start()
	defer sync.Stop()
	sync.CheckHealth()
	if got := testutil.ToFloat64(metrics.healthy.WithLabelValues("sync")); got != 1 {
		t.Fatalf("expected healthy gauge 1, got %v", got)
	}
}
