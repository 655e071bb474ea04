// Package jobs runs units of market-data work in the background with
// at-least-once delivery.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrClosed = errors.New("job runner closed")

type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Enqueuer schedules a job for later execution and returns its ID.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) (string, error)
}

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 30 * time.Second
	queueSize          = 256
)

type task struct {
	id  string
	job Job
}

// Runner is an in-process Enqueuer. A job that fails or panics is retried
// until it succeeds or MaxAttempts runs are used up.
type Runner struct {
	workers     int
	maxAttempts int
	retryDelay  time.Duration
	log         *slog.Logger

	queue   chan task
	done    chan struct{}
	wg      sync.WaitGroup
	sending sync.WaitGroup

	mu     sync.Mutex
	closed bool

	fmu      sync.Mutex
	failures map[string]int
}

type Option func(*Runner)

func WithMaxAttempts(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(r *Runner) {
		if d >= 0 {
			r.retryDelay = d
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

func NewRunner(workers int, opts ...Option) *Runner {
	if workers <= 0 {
		workers = 1
	}
	r := &Runner{
		workers:     workers,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
		log:         slog.Default(),
		queue:       make(chan task, queueSize),
		done:        make(chan struct{}),
		failures:    map[string]int{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the workers. They stop after Close drains the queue or
// when ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	for range r.workers {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for t := range r.queue {
				r.run(ctx, t)
			}
		}()
	}
}

// Enqueue blocks while the queue is full, until ctx is done or the runner
// closes.
func (r *Runner) Enqueue(ctx context.Context, job Job) (string, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	r.sending.Add(1)
	r.mu.Unlock()
	defer r.sending.Done()

	t := task{id: uuid.NewString(), job: job}
	select {
	case r.queue <- t:
		r.log.Debug("job enqueued", "job", job.Name(), "id", t.id)
		return t.id, nil
	case <-r.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close stops accepting jobs and waits for queued ones to finish. Callers
// blocked in Enqueue get ErrClosed.
func (r *Runner) Close() {
	r.mu.Lock()
	first := !r.closed
	r.closed = true
	r.mu.Unlock()
	if first {
		close(r.done)
		// queue may only close once no sender is left
		r.sending.Wait()
		close(r.queue)
	}
	r.wg.Wait()
}

// Failures is the number of failed attempts recorded for jobs named name.
func (r *Runner) Failures(name string) int {
	r.fmu.Lock()
	defer r.fmu.Unlock()
	return r.failures[name]
}

// Every enqueues job right away and then each interval until ctx is done
// or the runner closes.
func (r *Runner) Every(ctx context.Context, interval time.Duration, job Job) {
	if !r.schedule(ctx, job) {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !r.schedule(ctx, job) {
				return
			}
		}
	}
}

// schedule reports false once the runner is closed.
func (r *Runner) schedule(ctx context.Context, job Job) bool {
	_, err := r.Enqueue(ctx, job)
	switch {
	case errors.Is(err, ErrClosed):
		return false
	case err != nil && ctx.Err() == nil:
		r.log.Warn("scheduling job failed", "job", job.Name(), "error", err)
	}
	return true
}

func (r *Runner) run(ctx context.Context, t task) {
	name := t.job.Name()
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			r.log.Warn("job dropped, runner stopping", "job", name, "id", t.id)
			return
		}
		start := time.Now()
		err := attemptJob(ctx, t.job)
		if err == nil {
			r.log.Info("job finished", "job", name, "id", t.id, "attempt", attempt, "took", time.Since(start).String())
			return
		}
		r.recordFailure(name)
		r.log.Warn("job failed", "job", name, "id", t.id, "attempt", attempt, "max_attempts", r.maxAttempts, "error", err)
		if attempt == r.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(r.retryDelay):
		}
	}
	r.log.Error("job gave up", "job", name, "id", t.id, "failures", r.Failures(name))
}

func attemptJob(ctx context.Context, job Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return job.Run(ctx)
}

func (r *Runner) recordFailure(name string) {
	r.fmu.Lock()
	defer r.fmu.Unlock()
	r.failures[name]++
}
