package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/swarmworker/internal/frame"
	"github.com/joeycumines/swarmworker/internal/task"
	"github.com/joeycumines/swarmworker/internal/transport"
)

// countingCron is a task.Cron that counts executions and never blocks.
type countingCron struct {
	name string
	n    atomic.Int64
}

func (c *countingCron) Name() string                { return c.name }
func (c *countingCron) Initialize(task.Handle)      {}
func (c *countingCron) Execute(ctx context.Context) { c.n.Add(1) }
func (c *countingCron) Dispose()                    {}

// countingPrototype clones countingCrons and reports a fixed weight.
type countingPrototype struct {
	name   string
	weight float64
	mu     sync.Mutex
	clones []*countingCron
}

func (p *countingPrototype) Name() string   { return p.name }
func (p *countingPrototype) Weight() float64 { return p.weight }
func (p *countingPrototype) Clone() task.Cron {
	c := &countingCron{name: p.name}
	p.mu.Lock()
	p.clones = append(p.clones, c)
	p.mu.Unlock()
	return c
}

func (p *countingPrototype) cloneCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clones)
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf(`condition not met within %s`, d)
	}
}

func newTestRunner(fake *transport.Fake) *Runner {
	return New("node-1", fake, SchedulerConfig{Parallelism: 4, BufferSize: 16, MaxRPS: 0}, time.Hour, time.Hour, nil)
}

func frameTypes(frames []frame.Frame) []frame.Type {
	out := make([]frame.Type, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

func TestRunner_connectSendsClientReadyAndStartsHeartbeatOnce(t *testing.T) {
	fake := transport.NewFake()
	r := New("node-1", fake, SchedulerConfig{Parallelism: 1, BufferSize: 2, MaxRPS: 0}, time.Hour, 5*time.Millisecond, nil)
	defer r.Dispose()

	fake.Connect()
	waitFor(t, time.Second, func() bool { return len(fake.Sent()) >= 1 })
	if got := fake.Sent()[0].Type; got != frame.TypeClientReady {
		t.Fatalf(`got %v`, got)
	}

	hb := r.hb
	if hb == nil {
		t.Fatalf(`expected heartbeat to be started on connect`)
	}

	// second connect (simulated reconnect) must not start a second heartbeat
	// loop - the runner keeps the same ticker - and must send a second
	// client_ready frame.
	fake.Connect()
	if r.hb != hb {
		t.Fatalf(`expected the heartbeat ticker not to be restarted on reconnect`)
	}
	waitFor(t, time.Second, func() bool {
		var ready int
		for _, ty := range frameTypes(fake.Sent()) {
			if ty == frame.TypeClientReady {
				ready++
			}
		}
		return ready >= 2
	})
}

func TestRunner_registerIsIdempotent(t *testing.T) {
	fake := transport.NewFake()
	r := newTestRunner(fake)
	defer r.Dispose()

	p1 := &countingPrototype{name: "a", weight: 1}
	p2 := &countingPrototype{name: "b", weight: 1}

	r.Register([]task.Prototype{p1})
	if r.State() != StateReady {
		t.Fatalf(`got state %v`, r.State())
	}

	r.Register([]task.Prototype{p1, p2})
	r.mu.Lock()
	n := len(r.prototypes)
	r.mu.Unlock()
	if n != 1 {
		t.Fatalf(`second Register should be ignored, got %d prototypes`, n)
	}
}

func TestRunner_hatchSpawnsAndCompletes(t *testing.T) {
	fake := transport.NewFake()
	r := newTestRunner(fake)
	defer r.Dispose()

	p := &countingPrototype{name: "a", weight: 1}
	r.Register([]task.Prototype{p})
	fake.Connect()

	fake.Deliver(frame.New(frame.TypeHatch, "master", map[string]any{
		"hatch_rate":  float64(1000),
		"num_clients": 5,
	}))

	waitFor(t, 2*time.Second, func() bool { return r.State() == StateRunning })
	if got := r.ActualClientCount(); got != 5 {
		t.Fatalf(`got actual client count %d`, got)
	}

	sent := fake.Sent()
	types := frameTypes(sent)
	var sawHatching, sawComplete bool
	for _, ty := range types {
		if ty == frame.TypeHatching {
			sawHatching = true
		}
		if ty == frame.TypeHatchComplete {
			sawComplete = true
		}
	}
	if !sawHatching || !sawComplete {
		t.Fatalf(`got frame sequence %v`, types)
	}
}

func TestRunner_hatchWhileHatchingIsIllegal(t *testing.T) {
	fake := transport.NewFake()
	var exitCode int
	exited := make(chan struct{}, 1)
	r := newTestRunner(fake)
	r.exit = func(code int) {
		exitCode = code
		select {
		case exited <- struct{}{}:
		default:
		}
	}

	p := &countingPrototype{name: "a", weight: 1}
	r.Register([]task.Prototype{p})
	fake.Connect()

	// force state to HATCHING directly, simulating an in-progress hatch.
	r.state.Store(int32(StateHatching))

	fake.Deliver(frame.New(frame.TypeHatch, "master", map[string]any{
		"hatch_rate":  float64(10),
		"num_clients": 1,
	}))

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatalf(`expected exit to be called for illegal hatch`)
	}
	if exitCode != 1 {
		t.Fatalf(`got exit code %d`, exitCode)
	}
}

func TestRunner_stopMidHatchAborts(t *testing.T) {
	fake := transport.NewFake()
	r := newTestRunner(fake)
	defer r.Dispose()

	p := &countingPrototype{name: "a", weight: 1}
	r.Register([]task.Prototype{p})
	fake.Connect()

	// A slow hatch rate (1/s) so a stop arriving almost immediately catches
	// it well before num_clients clones are submitted.
	fake.Deliver(frame.New(frame.TypeHatch, "master", map[string]any{
		"hatch_rate":  float64(1),
		"num_clients": 100,
	}))

	waitFor(t, time.Second, func() bool { return r.State() == StateHatching })

	fake.Deliver(frame.New(frame.TypeStop, "master", nil))

	waitFor(t, 2*time.Second, func() bool { return r.State() == StateStopped })

	if got := p.cloneCount(); got >= 100 {
		t.Fatalf(`expected hatch to abort early, got %d clones`, got)
	}

	sent := frameTypes(fake.Sent())
	var sawStopped bool
	for _, ty := range sent {
		if ty == frame.TypeClientStopped {
			sawStopped = true
		}
	}
	if !sawStopped {
		t.Fatalf(`expected client_stopped in %v`, sent)
	}
	if sent[len(sent)-1] != frame.TypeClientReady {
		t.Fatalf(`expected client_ready to follow client_stopped, got %v`, sent)
	}
}

func TestRunner_stopIsNoOpWhenReady(t *testing.T) {
	fake := transport.NewFake()
	r := newTestRunner(fake)
	defer r.Dispose()

	r.Register([]task.Prototype{&countingPrototype{name: "a", weight: 1}})
	fake.Connect()

	before := len(fake.Sent())
	fake.Deliver(frame.New(frame.TypeStop, "master", nil))
	time.Sleep(20 * time.Millisecond)
	if got := len(fake.Sent()); got != before {
		t.Fatalf(`expected no new frames, got %d (was %d)`, got, before)
	}
	if r.State() != StateReady {
		t.Fatalf(`got state %v`, r.State())
	}
}

func TestRunner_quitDisposesAndExits(t *testing.T) {
	fake := transport.NewFake()
	r := newTestRunner(fake)

	exited := make(chan int, 1)
	r.exit = func(code int) { exited <- code }

	r.Register([]task.Prototype{&countingPrototype{name: "a", weight: 1}})
	fake.Connect()

	fake.Deliver(frame.New(frame.TypeQuit, "master", nil))

	select {
	case code := <-exited:
		if code != 0 {
			t.Fatalf(`got exit code %d`, code)
		}
	case <-time.After(time.Second):
		t.Fatalf(`expected exit(0)`)
	}

	if !fake.Disposed() {
		t.Fatalf(`expected transport to be disposed`)
	}

	sent := frameTypes(fake.Sent())
	if sent[len(sent)-1] != frame.TypeQuit {
		t.Fatalf(`expected quit to be the last sent frame, got %v`, sent)
	}
}

func TestSpawnCounts_weighted(t *testing.T) {
	protos := []task.Prototype{
		&countingPrototype{name: "a", weight: 1},
		&countingPrototype{name: "b", weight: 3},
	}
	counts := spawnCounts(protos, 8)
	if counts[0] != 2 || counts[1] != 6 {
		t.Fatalf(`got %v`, counts)
	}
}

func TestSpawnCounts_zeroWeightFloorDivision(t *testing.T) {
	protos := []task.Prototype{
		&countingPrototype{name: "a", weight: 0},
		&countingPrototype{name: "b", weight: 0},
	}
	counts := spawnCounts(protos, 10)
	if counts[0] != 5 || counts[1] != 5 {
		t.Fatalf(`got %v`, counts)
	}
}

func TestSpawnCounts_exactTotalUnderRounding(t *testing.T) {
	protos := []task.Prototype{
		&countingPrototype{name: "a", weight: 1},
		&countingPrototype{name: "b", weight: 1},
		&countingPrototype{name: "c", weight: 1},
	}
	counts := spawnCounts(protos, 10)
	sum := 0
	for _, c := range counts {
		sum += c
	}
	if sum != 10 {
		t.Fatalf(`got counts %v summing to %d, want 10`, counts, sum)
	}
}
