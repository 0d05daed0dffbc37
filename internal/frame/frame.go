// Package frame defines the wire envelope exchanged with the coordinator.
//
// A Frame is deliberately payload-agnostic: Type selects behavior, Payload
// carries type-specific fields, and NodeID identifies the sender. Transports
// (internal/transport) move Frames without interpreting them.
package frame

import "fmt"

// Type is a recognized frame tag, inbound or outbound.
type Type string

const (
	// Inbound, coordinator -> worker. TypeQuit is also sent outbound, by
	// the worker on shutdown.
	TypeHatch Type = "hatch"
	TypeStop  Type = "stop"
	TypeQuit  Type = "quit"

	// Outbound, worker -> coordinator.
	TypeClientReady   Type = "client_ready"
	TypeClientStopped Type = "client_stopped"
	TypeHatching      Type = "hatching"
	TypeHatchComplete Type = "hatch_complete"
	TypeStats         Type = "stats"
	TypeHeartbeat     Type = "heartbeat"
)

// Frame is the message envelope described in spec §4.1/§6.
type Frame struct {
	Type    Type
	Payload map[string]any
	NodeID  string
}

// New builds a Frame with the given type, payload, and node id. payload may
// be nil for frames with no data.
func New(t Type, nodeID string, payload map[string]any) Frame {
	return Frame{Type: t, Payload: payload, NodeID: nodeID}
}

// ErrInvalidPayload indicates a frame's payload is missing or malformed for
// its declared type. Per spec §7, the policy for inbound frames with
// invalid payloads is: log and ignore.
type ErrInvalidPayload struct {
	Type  Type
	Field string
	Err   error
}

func (e *ErrInvalidPayload) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("frame: %s: invalid field %q: %v", e.Type, e.Field, e.Err)
	}
	return fmt.Sprintf("frame: %s: missing or invalid field %q", e.Type, e.Field)
}

func (e *ErrInvalidPayload) Unwrap() error { return e.Err }

// HatchParams is the validated payload of a hatch frame: Rate comes from
// hatch_rate (float, clients/second) and NumClients from num_clients
// (integer >= 0), per spec §4.1.
type HatchParams struct {
	Rate       float64
	NumClients int
}

// ParseHatch validates and extracts a hatch frame's payload.
func ParseHatch(f Frame) (HatchParams, error) {
	rate, err := floatField(f, "hatch_rate")
	if err != nil {
		return HatchParams{}, err
	}
	n, err := intField(f, "num_clients")
	if err != nil {
		return HatchParams{}, err
	}
	if n < 0 {
		return HatchParams{}, &ErrInvalidPayload{Type: f.Type, Field: "num_clients"}
	}
	return HatchParams{Rate: rate, NumClients: n}, nil
}

func floatField(f Frame, name string) (float64, error) {
	v, ok := f.Payload[name]
	if !ok {
		return 0, &ErrInvalidPayload{Type: f.Type, Field: name}
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, &ErrInvalidPayload{Type: f.Type, Field: name}
	}
}

func intField(f Frame, name string) (int, error) {
	v, ok := f.Payload[name]
	if !ok {
		return 0, &ErrInvalidPayload{Type: f.Type, Field: name}
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, &ErrInvalidPayload{Type: f.Type, Field: name}
		}
		return int(n), nil
	default:
		return 0, &ErrInvalidPayload{Type: f.Type, Field: name}
	}
}

// HatchComplete builds the hatch_complete outbound frame, data.count per
// spec §6.
func HatchComplete(nodeID string, count int) Frame {
	return New(TypeHatchComplete, nodeID, map[string]any{"count": count})
}
