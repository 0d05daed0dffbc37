// Package task defines the capability interfaces virtual clients are built
// from: a reusable Prototype registered once before start, cloned into a
// Cron for each hatched virtual client (spec §3, and the polymorphic task
// prototype design note in spec §9).
package task

import "context"

// Outcome is produced by a Cron's Execute via the Handle passed to
// Initialize, and consumed exactly once by the stats aggregator.
type Outcome struct {
	// Success is true for a successful request; false for a failure.
	Success bool

	// EndpointType and Name identify the (method, name) stats key.
	EndpointType string
	Name         string

	// ResponseTimeMS is the observed latency of the request, in
	// milliseconds.
	ResponseTimeMS int64

	// ResponseLength is the response body size in bytes; only meaningful
	// when Success is true.
	ResponseLength int64

	// Error describes the failure; only meaningful when Success is false.
	Error string
}

// Handle is passed to Cron.Initialize, letting a virtual client report
// outcomes without reaching for a process-wide singleton (spec §9: the
// global-singleton-runner design note, resolved via an explicit handle).
type Handle interface {
	RecordSuccess(endpointType, name string, responseTimeMS, responseLength int64)
	RecordFailure(endpointType, name string, responseTimeMS int64, err string)
}

// Cron is one running virtual client, cloned from a Prototype. It is owned
// by the scheduler for its whole life and disposed on stop/quit.
type Cron interface {
	// Name identifies the originating prototype, used by the scheduler to
	// label a synthetic failure outcome when Execute panics (spec §4.4:
	// "task bodies that raise are caught at the worker boundary").
	Name() string

	// Initialize is called once, before the first Execute, with a Handle
	// for reporting outcomes.
	Initialize(h Handle)

	// Execute runs one iteration of the virtual client's behavior. The
	// scheduler re-submits a Cron for another Execute immediately after
	// this returns; long-running implementations should check ctx
	// cooperatively (spec §5).
	Execute(ctx context.Context)

	// Dispose releases any per-instance resources, called once on
	// stop/quit.
	Dispose()
}

// Prototype is a reusable, immutable-after-registration description of one
// virtual-client behavior.
type Prototype interface {
	// Name identifies this prototype in stats reports.
	Name() string

	// Weight is the non-negative relative spawn proportion.
	Weight() float64

	// Clone returns a fresh Cron, independent of this Prototype and any
	// other clone.
	Clone() Cron
}
