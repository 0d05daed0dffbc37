// Package runner implements the worker state machine of spec §4.7: the
// component that owns the transport, scheduler, and stats aggregator, and
// drives IDLE -> READY -> HATCHING -> RUNNING -> STOPPED per inbound frames
// from the coordinator.
//
// There is one deliberate departure from a literal single-threaded reading
// of spec §4.7 ("the hatcher runs on whichever thread handled the inbound
// hatch frame"): here the hatch loop runs on its own goroutine so that a
// concurrent inbound stop frame can still be delivered and observed by the
// loop without waiting for hatching to finish, which spec §4.7's scenario
// S4 (stop mid-hatch) requires. The invariant that matters - at most one
// hatch ever runs at a time - is instead enforced by the atomic state field,
// the same mechanism the teacher's catrate.Limiter uses to gate concurrent
// category refills.
package runner

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/swarmworker/internal/frame"
	"github.com/joeycumines/swarmworker/internal/heartbeat"
	"github.com/joeycumines/swarmworker/internal/logging"
	"github.com/joeycumines/swarmworker/internal/ratelimit"
	"github.com/joeycumines/swarmworker/internal/scheduler"
	"github.com/joeycumines/swarmworker/internal/stats"
	"github.com/joeycumines/swarmworker/internal/task"
	"github.com/joeycumines/swarmworker/internal/transport"
)

// SchedulerConfig carries the fixed worker-pool parameters a Runner uses to
// build a fresh Scheduler at the start of every hatch.
type SchedulerConfig struct {
	Parallelism int
	BufferSize  int
	MaxRPS      int
}

// Runner is the worker state machine. Construct with New; it is driven by
// registering the transport's callbacks against it, which New does.
type Runner struct {
	nodeID    string
	transport transport.Transport
	sched     SchedulerConfig
	stats     *stats.Aggregator
	logger    *logging.Logger

	heartbeatInterval time.Duration
	heartbeatOnce     sync.Once
	hb                *heartbeat.Ticker

	exit func(code int)

	state             atomic.Int32
	registered        atomic.Bool
	actualClientCount atomic.Int64

	mu          sync.Mutex // serializes hatch/stop/dispose against each other
	prototypes  []task.Prototype
	activeSched *scheduler.Scheduler
	activeCrons []task.Cron
	hatchCancel context.CancelFunc

	disposeOnce sync.Once
}

// New constructs a Runner wired to transport, with a fresh Aggregator
// flushing stats via transport every statInterval, and registers the
// runner's handlers against transport's callbacks.
func New(nodeID string, tr transport.Transport, sched SchedulerConfig, statInterval, heartbeatInterval time.Duration, logger *logging.Logger) *Runner {
	r := &Runner{
		nodeID:            nodeID,
		transport:         tr,
		sched:             sched,
		logger:            logger,
		heartbeatInterval: heartbeatInterval,
		exit:              os.Exit,
	}
	r.state.Store(int32(StateIdle))

	r.stats = stats.New(statInterval, r.onStatsData)

	tr.OnConnected(r.onConnected)
	tr.OnMessage(r.onMessage)

	return r
}

// State reports the runner's current lifecycle state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// ActualClientCount reports the number of virtual clients currently
// submitted to the scheduler.
func (r *Runner) ActualClientCount() int64 {
	return r.actualClientCount.Load()
}

// Register installs the set of task prototypes the runner may hatch.
// Idempotent: only the first call takes effect, per spec §4.7.
func (r *Runner) Register(prototypes []task.Prototype) {
	if !r.registered.CompareAndSwap(false, true) {
		return
	}
	r.mu.Lock()
	r.prototypes = prototypes
	r.mu.Unlock()
	r.state.CompareAndSwap(int32(StateIdle), int32(StateReady))
}

// onConnected announces readiness and starts the heartbeat ticker, exactly
// once for the life of the Runner - per spec §9's resolution of the
// reconnect/heartbeat open question, the heartbeat is not restarted on a
// later reconnect.
func (r *Runner) onConnected() {
	r.sendFrame(frame.New(frame.TypeClientReady, r.nodeID, nil))
	r.heartbeatOnce.Do(func() {
		r.hb = heartbeat.Start(r.heartbeatInterval, func() {
			r.sendFrame(frame.New(frame.TypeHeartbeat, r.nodeID, nil))
		})
	})
}

func (r *Runner) onStatsData(s stats.Snapshot) {
	s.UserCount = int(r.actualClientCount.Load())
	r.sendFrame(frame.New(frame.TypeStats, r.nodeID, snapshotPayload(s)))
}

func (r *Runner) sendFrame(f frame.Frame) {
	if err := r.transport.Send(f); err != nil {
		r.logf("runner: send %s failed: %v", f.Type, err)
	}
}

func (r *Runner) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Warning().Logf(format, args...)
	}
}

// onMessage dispatches one inbound frame by type, per spec §4.7's state
// table.
func (r *Runner) onMessage(f frame.Frame) {
	switch f.Type {
	case frame.TypeHatch:
		r.handleHatchFrame(f)
	case frame.TypeStop:
		r.handleStopFrame()
	case frame.TypeQuit:
		r.handleQuitFrame()
	default:
		r.logf("runner: ignoring unrecognized frame type %q", f.Type)
	}
}

func (r *Runner) handleHatchFrame(f frame.Frame) {
	params, err := frame.ParseHatch(f)
	if err != nil {
		r.logf("runner: %v", err)
		return
	}

	current := State(r.state.Load())
	if current != StateReady && current != StateStopped {
		r.logf("runner: hatch received in illegal state %s, exiting", current)
		r.Dispose()
		r.exit(1)
		return
	}

	if !r.state.CompareAndSwap(int32(current), int32(StateHatching)) {
		// Lost a race with a concurrent stop/hatch; the coordinator will
		// retry if this hatch is dropped.
		return
	}

	r.sendFrame(frame.New(frame.TypeHatching, r.nodeID, nil))
	r.stats.ClearAll()
	r.actualClientCount.Store(0)

	sched, err := scheduler.New(r.sched.Parallelism, r.sched.BufferSize, r.sched.MaxRPS, r.stats)
	if err != nil {
		r.logf("runner: failed to construct scheduler: %v", err)
		r.Dispose()
		r.exit(1)
		return
	}

	hatchCtx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.activeSched = sched
	r.activeCrons = nil
	r.hatchCancel = cancel
	prototypes := r.prototypes
	r.mu.Unlock()

	go r.runHatch(hatchCtx, prototypes, params)
}

// runHatch spawns params.NumClients virtual clients, paced by params.Rate,
// aborting early if the runner transitions out of HATCHING (spec §4.7
// scenario S4).
func (r *Runner) runHatch(ctx context.Context, prototypes []task.Prototype, params frame.HatchParams) {
	r.mu.Lock()
	sched := r.activeSched
	r.mu.Unlock()
	if sched == nil {
		return
	}

	counts := spawnCounts(prototypes, params.NumClients)
	limiter := ratelimit.New(params.Rate)

	for i, p := range prototypes {
		for j := 0; j < counts[i]; j++ {
			if err := limiter.Acquire(ctx); err != nil {
				return
			}
			if State(r.state.Load()) != StateHatching {
				return
			}

			cron := p.Clone()
			cron.Initialize(r.stats)

			if err := sched.Submit(ctx, cron); err != nil {
				return
			}

			r.mu.Lock()
			r.activeCrons = append(r.activeCrons, cron)
			r.mu.Unlock()
			r.actualClientCount.Add(1)
		}
	}

	if r.state.CompareAndSwap(int32(StateHatching), int32(StateRunning)) {
		r.sendFrame(frame.HatchComplete(r.nodeID, int(r.actualClientCount.Load())))
	}
}

func (r *Runner) handleStopFrame() {
	current := State(r.state.Load())
	if current != StateHatching && current != StateRunning {
		return // no-op in READY/STOPPED/IDLE, per spec §4.7
	}
	r.stopAndAnnounce(current)
}

// stopAndAnnounce performs the HATCHING/RUNNING -> STOPPED transition:
// cancel any in-flight hatch, stop the scheduler, dispose active crons, and
// announce client_stopped followed by client_ready.
func (r *Runner) stopAndAnnounce(from State) {
	r.state.CompareAndSwap(int32(from), int32(StateStopped))

	r.mu.Lock()
	cancel := r.hatchCancel
	sched := r.activeSched
	crons := r.activeCrons
	r.activeCrons = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sched != nil {
		ctx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := sched.Stop(ctx); err != nil {
			r.logf("runner: scheduler stop: %v", err)
		}
		stopCancel()
		sched.Dispose()
	}
	for _, c := range crons {
		c.Dispose()
	}

	r.sendFrame(frame.New(frame.TypeClientStopped, r.nodeID, nil))
	r.sendFrame(frame.New(frame.TypeClientReady, r.nodeID, nil))
}

func (r *Runner) handleQuitFrame() {
	r.Dispose()
	r.exit(0)
}

// Dispose performs the shutdown procedure of spec §4.7: announce quit, mark
// STOPPED, then dispose prototypes (active crons), the scheduler, and
// finally the transport, in that order. Idempotent.
func (r *Runner) Dispose() {
	r.disposeOnce.Do(func() {
		r.sendFrame(frame.New(frame.TypeQuit, r.nodeID, nil))
		r.state.Store(int32(StateStopped))

		if r.hb != nil {
			r.hb.Stop()
		}

		r.mu.Lock()
		cancel := r.hatchCancel
		sched := r.activeSched
		crons := r.activeCrons
		r.activeCrons = nil
		r.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if sched != nil {
			// Drain in-flight executions before disposing crons, so a Cron's
			// Dispose never races its own Execute.
			ctx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
			_ = sched.Stop(ctx)
			stopCancel()
		}
		for _, c := range crons {
			c.Dispose()
		}
		if sched != nil {
			sched.Dispose()
		}

		r.stats.Dispose()

		if err := r.transport.Dispose(); err != nil {
			r.logf("runner: transport dispose: %v", err)
		}
	})
}
