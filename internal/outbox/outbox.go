// Package outbox runs persistence writes in the background and retries the
// failed ones with backoff.
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/comigor/chatsync/internal/logger"
	"github.com/comigor/chatsync/internal/telemetry"
)

// Job is one write. Do must be safe to run more than once.
type Job struct {
	Name string
	Do   func(ctx context.Context) error
}

type job struct {
	Job
	attempts int
	due      time.Time
	running  bool
}

// Outbox is a FIFO of pending writes executed by Run.
type Outbox struct {
	policy  Policy
	metrics *telemetry.Metrics
	now     func() time.Time

	mu      sync.Mutex
	jobs    []*job
	dropped int
	wake    chan struct{}
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithMetrics records retries and drops.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Outbox) { o.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Outbox) { o.now = now }
}

// New creates an outbox with the normalized policy.
func New(policy Policy, opts ...Option) *Outbox {
	o := &Outbox{
		policy: policy.Normalize(),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Enqueue schedules j for immediate execution.
func (o *Outbox) Enqueue(j Job) {
	o.mu.Lock()
	o.jobs = append(o.jobs, &job{Job: j, due: o.now()})
	o.mu.Unlock()
	o.signal()
}

// Pending returns the number of writes not yet durably stored, including the
// one currently executing.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.jobs)
}

// Dropped returns the number of writes abandoned after MaxAttempts.
func (o *Outbox) Dropped() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

func (o *Outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Run executes due jobs until ctx is done.
func (o *Outbox) Run(ctx context.Context) error {
	for {
		j, wait := o.next()
		if j != nil {
			o.exec(ctx, j)
			continue
		}

		var (
			timer *time.Timer
			fire  <-chan time.Time
		)
		if wait > 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
		case <-o.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Flush runs every queued job once, ignoring backoff, and returns the number
// still pending.
func (o *Outbox) Flush(ctx context.Context) int {
	o.mu.Lock()
	var batch []*job
	for _, j := range o.jobs {
		if !j.running {
			j.running = true
			batch = append(batch, j)
		}
	}
	o.mu.Unlock()

	for _, j := range batch {
		o.exec(ctx, j)
	}
	return o.Pending()
}

// next claims the first due job. It returns the time until the earliest
// future job when none is due.
func (o *Outbox) next() (*job, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	var wait time.Duration
	for _, j := range o.jobs {
		if j.running {
			continue
		}
		if !j.due.After(now) {
			j.running = true
			return j, 0
		}
		if d := j.due.Sub(now); wait == 0 || d < wait {
			wait = d
		}
	}
	return nil, wait
}

func (o *Outbox) exec(ctx context.Context, j *job) {
	err := j.Do(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()
	j.running = false

	if err == nil {
		o.remove(j)
		if j.attempts > 0 {
			logger.L.Info("write succeeded after retry", "job", j.Name, "attempts", j.attempts+1)
		}
		return
	}

	j.attempts++
	if o.policy.MaxAttempts > 0 && j.attempts >= o.policy.MaxAttempts {
		o.remove(j)
		o.dropped++
		o.metrics.WriteDropped(ctx, j.Name)
		logger.L.Error("write abandoned", "job", j.Name, "attempts", j.attempts, "error", err)
		return
	}

	delay := o.policy.Backoff(j.attempts - 1)
	j.due = o.now().Add(delay)
	o.metrics.WriteRetried(ctx, j.Name)
	o.signal()
	logger.L.Warn("write failed; retrying", "job", j.Name, "attempt", j.attempts, "delay", delay, "error", err)
}

func (o *Outbox) remove(target *job) {
	for i, j := range o.jobs {
		if j == target {
			o.jobs = append(o.jobs[:i], o.jobs[i+1:]...)
			return
		}
	}
}
