package transport

import (
	"context"
	"sync"

	"github.com/joeycumines/swarmworker/internal/frame"
)

// Fake is an in-memory Transport for exercising the runner state machine
// without a real socket, matching the constructor-injected-callback design
// note in spec §9.
type Fake struct {
	mu        sync.Mutex
	sent      []frame.Frame
	onConn    func()
	onMessage func(frame.Frame)
	disposed  bool
}

// NewFake constructs a disconnected Fake transport.
func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) Initialize(ctx context.Context) error { return nil }

func (f *Fake) Send(fr frame.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, fr)
	return nil
}

func (f *Fake) OnConnected(cb func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConn = cb
}

func (f *Fake) OnMessage(cb func(frame.Frame)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = cb
}

func (f *Fake) Dispose() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposed = true
	return nil
}

// Connect invokes the registered OnConnected callback, simulating the
// transport becoming usable (or a successful reconnect).
func (f *Fake) Connect() {
	f.mu.Lock()
	cb := f.onConn
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Deliver invokes the registered OnMessage callback with fr, simulating an
// inbound frame from the coordinator.
func (f *Fake) Deliver(fr frame.Frame) {
	f.mu.Lock()
	cb := f.onMessage
	f.mu.Unlock()
	if cb != nil {
		cb(fr)
	}
}

// Sent returns a snapshot of every frame passed to Send, in order.
func (f *Fake) Sent() []frame.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]frame.Frame, len(f.sent))
	copy(out, f.sent)
	return out
}

// Disposed reports whether Dispose has been called.
func (f *Fake) Disposed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposed
}
