// Package scheduler implements Component H, the Background Scheduler: it
// starts and supervises the long-lived workers (image refresh, prepuller
// tick, lab reconcile, file-server reconcile, pod watches) that drive the
// rest of the controller, isolating each from the others' panics and
// failures.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

// Work is one supervised unit. It should run until ctx is cancelled or it
// hits an unrecoverable condition; a return (error or panic) before then is
// treated as a transient failure and retried with backoff.
type Work func(ctx context.Context) error

// worker pairs a named unit of work with its backoff state.
type worker struct {
	name string
	fn   Work
}

// Config tunes the supervisor's restart backoff and shutdown grace period.
type Config struct {
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinBackoff <= 0 {
		c.MinBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	return c
}

// Scheduler is Component H. Workers are registered with Add before Run;
// Run blocks until its context is cancelled and every worker has observed
// the cancellation (bounded by ShutdownGrace), then returns.
type Scheduler struct {
	cfg     Config
	log     logr.Logger
	mu      sync.Mutex
	workers []worker

	onShutdown []func()
}

// New constructs a Scheduler. Call Add for each worker before Run.
func New(cfg Config, log logr.Logger) *Scheduler {
	return &Scheduler{cfg: cfg.withDefaults(), log: log}
}

// Add registers a named unit of work to be started by Run. Must be called
// before Run.
func (s *Scheduler) Add(name string, fn Work) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = append(s.workers, worker{name: name, fn: fn})
}

// OnShutdown registers a callback invoked once, after the context is
// cancelled and before workers are given their grace period — used to
// drain subscriber channels with a sentinel event (spec.md §4.H/§4.I).
func (s *Scheduler) OnShutdown(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onShutdown = append(s.onShutdown, fn)
}

// Run starts every registered worker and blocks until ctx is cancelled and
// all workers have exited, or the shutdown grace period elapses first.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	workers := make([]worker, len(s.workers))
	copy(workers, s.workers)
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			s.supervise(gctx, w)
			return nil
		})
	}

	<-ctx.Done()
	s.log.Info("scheduler shutting down, draining workers", "grace", s.cfg.ShutdownGrace)

	s.mu.Lock()
	hooks := append([]func(){}, s.onShutdown...)
	s.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(s.cfg.ShutdownGrace):
		s.log.Info("shutdown grace period elapsed with workers still running")
		return nil
	}
}

// supervise runs fn repeatedly, recovering panics and backing off
// exponentially with jitter between attempts, until ctx is cancelled. A
// failure here never propagates to other workers or to the errgroup.
func (s *Scheduler) supervise(ctx context.Context, w worker) {
	backoff := s.cfg.MinBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		err := s.runOnce(ctx, w)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			backoff = s.cfg.MinBackoff
			continue
		}
		s.log.Error(err, "worker failed, restarting after backoff", "worker", w.name, "backoff", backoff)
		wait := jitter(backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

// runOnce invokes fn exactly once, converting a panic into an error so the
// supervisor loop can treat it the same as any other failure.
func (s *Scheduler) runOnce(ctx context.Context, w worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Info("worker panicked, isolating", "worker", w.name, "panic", r)
			err = &panicError{worker: w.name, value: r}
		}
	}()
	return w.fn(ctx)
}

type panicError struct {
	worker string
	value  any
}

func (e *panicError) Error() string {
	return "worker " + e.worker + " panicked: recovered"
}

// jitter returns d plus up to 20% random jitter, so restarting workers
// don't all retry in lockstep.
func jitter(d time.Duration) time.Duration {
	j := time.Duration(rand.Int63n(int64(d) / 5))
	return d + j
}
