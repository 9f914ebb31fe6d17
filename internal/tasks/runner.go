package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/example/courier-dispatch/internal/observability"
)

// Handler runs one job. Returning an error schedules a retry unless the
// error is wrapped with Permanent.
type Handler func(ctx context.Context, job Job) error

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// RetryPolicy is exponential: retry n waits Base * 2^n, and a job is
// abandoned once MaxRetries retries have failed.
type RetryPolicy struct {
	MaxRetries uint64
	Base       time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Base: 60 * time.Second}
}

// Delay returns the wait before retry number n (0-based) and false once the
// retries are exhausted.
func (p RetryPolicy) Delay(n int) (time.Duration, bool) {
	b := retry.WithMaxRetries(p.MaxRetries, retry.NewExponential(p.Base))
	var d time.Duration
	for i := 0; i <= n; i++ {
		next, stop := b.Next()
		if stop {
			return 0, false
		}
		d = next
	}
	return d, true
}

// Runner is the background worker pool. It never shares goroutines with
// the realtime connections.
type Runner struct {
	queue    Queue
	policy   RetryPolicy
	log      *zap.Logger
	now      func() time.Time
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRunner(q Queue, policy RetryPolicy, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{queue: q, policy: policy, log: log, now: time.Now, handlers: make(map[string]Handler)}
}

func (r *Runner) Register(name string, h Handler) {
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
}

// Run starts workers polling the queue until ctx is done, then waits for
// in-flight jobs to finish.
func (r *Runner) Run(ctx context.Context, workers int, poll time.Duration) {
	if workers <= 0 {
		workers = 1
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.work(ctx, id, poll)
		}(i)
	}
	wg.Wait()
}

func (r *Runner) work(ctx context.Context, id int, poll time.Duration) {
	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		// drain everything due before sleeping
		for {
			ran, err := r.RunOnce(ctx)
			if err != nil {
				r.log.Warn("claim failed", zap.Int("worker", id), zap.Error(err))
				break
			}
			if !ran || ctx.Err() != nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// RunOnce claims and processes at most one due job.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	job, err := r.queue.Claim(ctx, r.now())
	if err != nil || job == nil {
		return false, err
	}
	// jobs already claimed run to completion even during shutdown
	r.process(context.WithoutCancel(ctx), *job)
	return true, nil
}

func (r *Runner) process(ctx context.Context, job Job) {
	r.mu.RLock()
	h, ok := r.handlers[job.Name]
	r.mu.RUnlock()
	log := r.log.With(zap.String("job", job.Name), zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	if !ok {
		log.Error("no handler registered")
		observability.TasksProcessed.WithLabelValues(job.Name, "unknown").Inc()
		r.ack(ctx, job, log)
		return
	}

	err := h(ctx, job)
	switch {
	case err == nil:
		observability.TasksProcessed.WithLabelValues(job.Name, "success").Inc()
		r.ack(ctx, job, log)
	case IsPermanent(err):
		log.Warn("job failed permanently", zap.Error(err))
		observability.TasksProcessed.WithLabelValues(job.Name, "dropped").Inc()
		r.ack(ctx, job, log)
	default:
		delay, ok := r.policy.Delay(job.Attempt)
		if !ok {
			log.Error("job abandoned after retries", zap.Error(err))
			observability.TasksProcessed.WithLabelValues(job.Name, "abandoned").Inc()
			r.ack(ctx, job, log)
			return
		}
		job.Attempt++
		log.Warn("job failed, retrying", zap.Error(err), zap.Duration("delay", delay))
		observability.TasksProcessed.WithLabelValues(job.Name, "retry").Inc()
		requeued, rerr := r.queue.Retry(ctx, job, r.now().Add(delay))
		switch {
		case rerr != nil:
			log.Error("reschedule failed", zap.Error(rerr))
		case !requeued:
			log.Info("retry dropped, key was rescheduled", zap.String("key", job.Key))
		}
	}
}

func (r *Runner) ack(ctx context.Context, job Job, log *zap.Logger) {
	if err := r.queue.Ack(ctx, job); err != nil {
		log.Error("ack failed", zap.Error(err))
	}
}
