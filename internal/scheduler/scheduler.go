// Package scheduler implements the bounded-parallelism execution engine of
// spec §4.4: a fixed worker budget, a bounded work queue, an optional
// global RPS ceiling, and automatic re-submission so each hatched virtual
// client runs an infinite loop until the scheduler is stopped.
//
// The work queue is a buffered Go channel rather than a hand-rolled ring
// buffer: a channel already is a bounded MPMC ring with backpressure, which
// spec §9's design note calls an acceptable equivalent to the source's
// Disruptor-style ring (the power-of-two constraint is kept purely as a
// config-validation rule, to preserve that error surface). Worker budget is
// enforced with golang.org/x/sync/semaphore, the same concurrency package
// required by the teacher repo's root go.mod.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/joeycumines/swarmworker/internal/ratelimit"
	"github.com/joeycumines/swarmworker/internal/task"
)

// Scheduler runs Crons with bounded parallelism and optional RPS capping.
// Must be constructed via New.
type Scheduler struct {
	queue   chan task.Cron
	sem     *semaphore.Weighted
	limiter *ratelimit.Limiter
	onPanic task.Handle

	ctx    context.Context
	cancel context.CancelFunc

	stopped     atomic.Bool
	disposeOnce sync.Once
	wg          sync.WaitGroup // in-flight executions
}

// New constructs a Scheduler. parallelism must be > 0; bufferSize must be a
// power of two (construction fails otherwise, per spec §7); maxRPS <= 0
// disables the global RPS ceiling. onPanic, if non-nil, receives a
// synthetic failure outcome whenever a Cron's Execute panics.
func New(parallelism, bufferSize, maxRPS int, onPanic task.Handle) (*Scheduler, error) {
	if parallelism <= 0 {
		return nil, fmt.Errorf("scheduler: parallelism must be > 0, got %d", parallelism)
	}
	if bufferSize <= 0 || bufferSize&(bufferSize-1) != 0 {
		return nil, fmt.Errorf("scheduler: buffer_size must be a power of two, got %d", bufferSize)
	}
	if maxRPS < 0 {
		return nil, fmt.Errorf("scheduler: max_rps must be >= 0, got %d", maxRPS)
	}

	var limiter *ratelimit.Limiter
	if maxRPS > 0 {
		limiter = ratelimit.New(float64(maxRPS))
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		queue:   make(chan task.Cron, bufferSize),
		sem:     semaphore.NewWeighted(int64(parallelism)),
		limiter: limiter,
		onPanic: onPanic,
		ctx:     ctx,
		cancel:  cancel,
	}

	go s.dispatch()

	return s, nil
}

// Submit queues one execution of c, blocking if the queue is full until
// space is available, ctx is done, or the scheduler is stopped. Submission
// after Stop is a no-op, per spec §4.4.
func (s *Scheduler) Submit(ctx context.Context, c task.Cron) error {
	if s.stopped.Load() {
		return nil
	}

	select {
	case s.queue <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return nil
	}
}

// dispatch hands queued crons to a worker slot, gated by the parallelism
// semaphore. A permit is acquired *before* dequeuing, so that an item only
// ever leaves the bounded queue once a worker is actually free to run it -
// otherwise the queue's backpressure on Submit would be defeated by a
// dispatcher that eagerly drains it ahead of worker availability.
func (s *Scheduler) dispatch() {
	for {
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return
		}

		select {
		case <-s.ctx.Done():
			s.sem.Release(1)
			return

		case c := <-s.queue:
			s.wg.Add(1)
			go func() {
				defer s.sem.Release(1)
				defer s.wg.Done()
				s.runOnce(c)
			}()
		}
	}
}

// runOnce executes one iteration of c, then re-submits it unless the
// scheduler has been stopped.
func (s *Scheduler) runOnce(c task.Cron) {
	if s.limiter != nil {
		if err := s.limiter.Acquire(s.ctx); err != nil {
			return
		}
	}

	s.execute(c)

	if s.stopped.Load() {
		return
	}

	select {
	case s.queue <- c:
	case <-s.ctx.Done():
	}
}

// execute invokes c.Execute, converting a panic into a failure outcome
// reported via onPanic (spec §4.4/§7: "user task exception -> convert to
// failure outcome, continue").
func (s *Scheduler) execute(c task.Cron) {
	defer func() {
		if r := recover(); r != nil && s.onPanic != nil {
			s.onPanic.RecordFailure("panic", c.Name(), 0, fmt.Sprint(r))
		}
	}()
	c.Execute(s.ctx)
}

// Stop ceases re-submission and waits for in-flight executions to drain, up
// to ctx's deadline. Long-running Executes observe the cancellation of the
// context passed to them (spec §5).
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopped.Store(true)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispose releases scheduler resources. Idempotent.
func (s *Scheduler) Dispose() error {
	s.disposeOnce.Do(func() {
		s.stopped.Store(true)
		s.cancel()
	})
	return nil
}
