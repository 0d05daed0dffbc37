// Package transport defines the Transport contract of spec §4.2: a
// bidirectional message pipe to the coordinator, and provides a default
// length-prefixed TCP implementation.
//
// The codec and socket library are explicitly out of scope per spec §1;
// encoding/json and net.Conn are used as the point of least assumption.
// The split between a physical receive loop and sequential callback
// delivery is grounded on fangrpcstream.Stream
// (github.com/joeycumines/go-fangrpcstream), which separates a Recv loop
// from notifier-fanned-out delivery of received values; here a
// bigbuff.Notifier (github.com/joeycumines/go-bigbuff) carries frames from
// the receive loop to a single dispatcher goroutine, guaranteeing
// OnMessage is never invoked concurrently with itself.
package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	bigbuff "github.com/joeycumines/go-bigbuff"

	"github.com/joeycumines/swarmworker/internal/frame"
)

// Transport is the contract required by the runner (spec §4.2).
type Transport interface {
	// Initialize establishes a durable connection to the coordinator. It
	// fails fatally if unreachable at startup (spec §7).
	Initialize(ctx context.Context) error

	// Send enqueues a frame for delivery. Non-blocking from the caller's
	// perspective beyond a bounded buffer; failures are transient and
	// tolerated (spec §7: logged and dropped).
	Send(f frame.Frame) error

	// OnConnected registers the callback invoked when the connection
	// becomes usable, and again after a successful reconnect.
	OnConnected(cb func())

	// OnMessage registers the callback invoked for every inbound frame,
	// delivered sequentially.
	OnMessage(cb func(frame.Frame))

	// Dispose flushes best-effort and releases resources.
	Dispose() error
}

// maxOutboundBuffer bounds the outbound send queue; beyond this, Send
// reports a transient error rather than blocking the caller indefinitely.
const maxOutboundBuffer = 4096

// TCP is the default Transport: length-prefixed JSON frames over a single
// net.Conn, dialed once at Initialize. It does not attempt to reconnect on
// its own; reconnect logic (if desired) belongs to a wrapping Transport,
// per spec §4.2's contract that reconnect re-invokes OnConnected.
type TCP struct {
	addr   string
	dialer net.Dialer
	logf   func(string, ...any)

	mu        sync.Mutex
	conn      net.Conn
	onConn    func()
	onMessage func(frame.Frame)

	sendCh chan frame.Frame
	notif  bigbuff.Notifier

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	disposeOnce sync.Once
}

// NewTCP constructs a TCP transport that will dial addr on Initialize.
func NewTCP(addr string) *TCP {
	return &TCP{
		addr:   addr,
		logf:   func(string, ...any) {},
		sendCh: make(chan frame.Frame, maxOutboundBuffer),
		done:   make(chan struct{}),
	}
}

// SetLogf installs a printf-style logging hook for transient errors.
func (t *TCP) SetLogf(logf func(string, ...any)) {
	if logf != nil {
		t.logf = logf
	}
}

func (t *TCP) OnConnected(cb func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConn = cb
}

func (t *TCP) OnMessage(cb func(frame.Frame)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = cb
}

// Initialize dials addr and starts the send/receive/dispatch loops.
func (t *TCP) Initialize(ctx context.Context) error {
	conn, err := t.dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", t.addr, err)
	}

	t.mu.Lock()
	t.conn = conn
	onConn := t.onConn
	t.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	t.ctx = runCtx
	t.cancel = cancel

	var dispatchWG sync.WaitGroup
	dispatchWG.Add(1)
	inbound := make(chan frame.Frame, maxOutboundBuffer)
	cancelSub := t.notif.SubscribeCancel(runCtx, nil, inbound)
	go func() {
		defer dispatchWG.Done()
		defer cancelSub()
		for {
			select {
			case <-runCtx.Done():
				return
			case f := <-inbound:
				t.mu.Lock()
				cb := t.onMessage
				t.mu.Unlock()
				if cb != nil {
					cb(f)
				}
			}
		}
	}()

	go t.recvLoop()
	go t.sendLoop()
	go func() {
		<-runCtx.Done()
		dispatchWG.Wait()
		close(t.done)
	}()

	if onConn != nil {
		onConn()
	}

	return nil
}

// Send queues f for delivery, failing with a transient error if the
// outbound buffer is full (spec §7: logged and dropped by the caller).
func (t *TCP) Send(f frame.Frame) error {
	select {
	case t.sendCh <- f:
		return nil
	default:
		return fmt.Errorf("transport: send buffer full, dropping frame %q", f.Type)
	}
}

func (t *TCP) sendLoop() {
	for {
		select {
		case <-t.ctx.Done():
			return
		case f := <-t.sendCh:
			if err := t.writeFrame(f); err != nil {
				t.logf("transport: write error: %v", err)
			}
		}
	}
}

func (t *TCP) recvLoop() {
	for {
		f, err := t.readFrame()
		if err != nil {
			if err != io.EOF {
				t.logf("transport: read error: %v", err)
			}
			t.cancel()
			return
		}
		t.notif.PublishContext(t.ctx, nil, f)
	}
}

// wireFrame is the JSON shape written on the wire, matching spec §6.
type wireFrame struct {
	Type    frame.Type     `json:"type"`
	Data    map[string]any `json:"data"`
	NodeID  string         `json:"node_id"`
}

func (t *TCP) writeFrame(f frame.Frame) error {
	body, err := json.Marshal(wireFrame{Type: f.Type, Data: f.Payload, NodeID: f.NodeID})
	if err != nil {
		return err
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: not connected")
	}

	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write(header); err != nil {
		return err
	}
	_, err = conn.Write(body)
	return err
}

func (t *TCP) readFrame() (frame.Frame, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return frame.Frame{}, fmt.Errorf("transport: not connected")
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return frame.Frame{}, err
	}
	n := binary.BigEndian.Uint32(header)

	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return frame.Frame{}, err
	}

	var wf wireFrame
	if err := json.Unmarshal(body, &wf); err != nil {
		return frame.Frame{}, err
	}

	return frame.Frame{Type: wf.Type, Payload: wf.Data, NodeID: wf.NodeID}, nil
}

// Dispose closes the connection and stops the transport's goroutines.
// Idempotent.
func (t *TCP) Dispose() error {
	var err error
	t.disposeOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
		if t.done != nil {
			select {
			case <-t.done:
			case <-time.After(5 * time.Second):
			}
		}
	})
	return err
}
