// Package jobs wraps units of work with bounded retries, linear backoff,
// rolling performance stats and a periodic health check.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaygraph/internal/clock"
)

type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

const (
	defaultMaxRetries     = 3
	defaultRetryDelay     = time.Second
	defaultHealthInterval = 30 * time.Second
	durationWindow        = 100
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type Options struct {
	Name           string
	MaxRetries     int
	RetryDelay     time.Duration
	HealthInterval time.Duration
	Metrics        *Metrics
	Logger         *slog.Logger
	Clock          clock.Clock
}

type Health struct {
	Name          string        `json:"name"`
	State         State         `json:"state"`
	Healthy       bool          `json:"healthy"`
	LastError     string        `json:"lastError,omitempty"`
	Processed     int64         `json:"processed"`
	Failed        int64         `json:"failed"`
	Retries       int64         `json:"retries"`
	JobsPerMinute float64       `json:"jobsPerMinute"`
	AvgDuration   time.Duration `json:"avgDurationNs"`
	CheckedAt     time.Time     `json:"checkedAt"`
}

type Runner struct {
	name           string
	maxRetries     int
	retryDelay     time.Duration
	healthInterval time.Duration
	metrics        *Metrics
	logger         *slog.Logger
	clock          clock.Clock

	mu          sync.Mutex
	state       State
	changed     chan struct{}
	stopHealth  chan struct{}
	lastError   error
	processed   int64
	failed      int64
	retries     int64
	durations   []time.Duration
	completions []time.Time
}

func NewRunner(opts Options) *Runner {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	retryDelay := opts.RetryDelay
	if retryDelay < 0 {
		retryDelay = 0
	} else if retryDelay == 0 {
		retryDelay = defaultRetryDelay
	}
	healthInterval := opts.HealthInterval
	if healthInterval <= 0 {
		healthInterval = defaultHealthInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := opts.Clock
	if c == nil {
		c = clock.RealClock{}
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "default"
	}
	return &Runner{
		name:           name,
		maxRetries:     maxRetries,
		retryDelay:     retryDelay,
		healthInterval: healthInterval,
		metrics:        opts.Metrics,
		logger:         logger.With("runner", name),
		clock:          c,
		state:          StateStopped,
		changed:        make(chan struct{}),
	}
}

func (r *Runner) Name() string { return r.name }

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateStopped {
		r.logger.Warn("start ignored", "state", r.state)
		return
	}
	r.setStateLocked(StateRunning)
	r.stopHealth = make(chan struct{})
	go r.healthLoop(r.stopHealth)
}

// Stop clears the health timer. Jobs already inside Run finish normally.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateStopped {
		r.logger.Warn("stop ignored", "state", r.state)
		return
	}
	if r.stopHealth != nil {
		close(r.stopHealth)
		r.stopHealth = nil
	}
	r.setStateLocked(StateStopped)
}

func (r *Runner) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRunning {
		r.logger.Warn("pause ignored", "state", r.state)
		return
	}
	r.setStateLocked(StatePaused)
}

func (r *Runner) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePaused {
		r.logger.Warn("resume ignored", "state", r.state)
		return
	}
	r.setStateLocked(StateRunning)
}

func (r *Runner) setStateLocked(state State) {
	r.state = state
	close(r.changed)
	r.changed = make(chan struct{})
}

// WaitRunning blocks until the runner is in the running state.
func (r *Runner) WaitRunning(ctx context.Context) error {
	for {
		r.mu.Lock()
		if r.state == StateRunning {
			r.mu.Unlock()
			return nil
		}
		changed := r.changed
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Run executes fn, retrying failures up to the configured attempt budget
// with a delay of retryDelay*attempt between attempts. Errors marked
// Permanent are not retried. The final error is returned to the caller.
func (r *Runner) Run(ctx context.Context, jobName string, fn func(ctx context.Context) error) error {
	started := r.clock.Now()
	var err error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		err = fn(ctx)
		if err == nil {
			r.recordSuccess(jobName, started)
			return nil
		}
		if IsPermanent(err) || attempt == r.maxRetries || ctx.Err() != nil {
			break
		}
		r.mu.Lock()
		r.retries++
		r.mu.Unlock()
		r.metrics.retry(r.name, jobName)
		delay := r.retryDelay * time.Duration(attempt)
		r.logger.Warn("job attempt failed", "job", jobName, "attempt", attempt, "retry_in", delay, "error", err)
		if waitErr := sleepContext(ctx, delay); waitErr != nil {
			break
		}
	}
	r.recordFailure(jobName, started, err)
	return fmt.Errorf("job %s: %w", jobName, err)
}

func (r *Runner) recordSuccess(jobName string, started time.Time) {
	now := r.clock.Now()
	elapsed := now.Sub(started)
	r.mu.Lock()
	r.processed++
	r.lastError = nil
	r.pushDurationLocked(elapsed, now)
	r.mu.Unlock()
	r.metrics.observe(r.name, jobName, "success", elapsed.Seconds())
}

func (r *Runner) recordFailure(jobName string, started time.Time, err error) {
	now := r.clock.Now()
	elapsed := now.Sub(started)
	r.mu.Lock()
	r.failed++
	r.lastError = err
	r.pushDurationLocked(elapsed, now)
	r.mu.Unlock()
	r.metrics.observe(r.name, jobName, "failed", elapsed.Seconds())
	r.logger.Error("job failed", "job", jobName, "permanent", IsPermanent(err), "error", err)
}

func (r *Runner) pushDurationLocked(d time.Duration, at time.Time) {
	r.durations = append(r.durations, d)
	if len(r.durations) > durationWindow {
		r.durations = r.durations[len(r.durations)-durationWindow:]
	}
	r.completions = append(r.completions, at)
	cutoff := at.Add(-time.Minute)
	i := 0
	for i < len(r.completions) && r.completions[i].Before(cutoff) {
		i++
	}
	r.completions = r.completions[i:]
}

// CheckHealth recomputes the health snapshot and updates the healthy gauge.
func (r *Runner) CheckHealth() Health {
	now := r.clock.Now()
	r.mu.Lock()
	cutoff := now.Add(-time.Minute)
	recent := 0
	for _, at := range r.completions {
		if !at.Before(cutoff) {
			recent++
		}
	}
	var total time.Duration
	for _, d := range r.durations {
		total += d
	}
	h := Health{
		Name:          r.name,
		State:         r.state,
		Healthy:       r.state == StateRunning && r.lastError == nil,
		Processed:     r.processed,
		Failed:        r.failed,
		Retries:       r.retries,
		JobsPerMinute: float64(recent),
		CheckedAt:     now,
	}
	if len(r.durations) > 0 {
		h.AvgDuration = total / time.Duration(len(r.durations))
	}
	if r.lastError != nil {
		h.LastError = r.lastError.Error()
	}
	r.mu.Unlock()
	r.metrics.setHealthy(r.name, h.Healthy)
	return h
}

func (r *Runner) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastError
}

func (r *Runner) healthLoop(stop <-chan struct{}) {
	r.CheckHealth()
	ticker := time.NewTicker(r.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			r.CheckHealth()
			return
		case <-ticker.C:
			h := r.CheckHealth()
			if !h.Healthy {
				r.logger.Warn("runner unhealthy", "state", h.State, "last_error", h.LastError)
			}
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
