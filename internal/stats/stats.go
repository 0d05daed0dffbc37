// Package stats implements the rolling per-endpoint statistics aggregator
// of spec §4.5: concurrent-safe Report, periodic flush via OnData, and the
// histogram bucketing rule used for response-time reporting.
//
// The concurrency shape — a map of per-key entries, looked up under the
// Aggregator's mutex, each entry guarded by its own mutex for the
// commutative read-modify-write of its counters and histogram — mirrors catrate.Limiter's categories sync.Map plus
// per-category categoryData.mu (github.com/joeycumines/go-utilpkg/catrate).
package stats

import (
	"sync"
	"time"

	"github.com/joeycumines/swarmworker/internal/task"
)

// endpointKey identifies one (method, name) stats bucket.
type endpointKey struct {
	method string
	name   string
}

// errorKey identifies one (method, name, error) stats bucket.
type errorKey struct {
	method string
	name   string
	err    string
}

// Entry is one endpoint's accumulated and interval-scoped statistics, as
// emitted in a Snapshot.
type Entry struct {
	Name                string
	Method              string
	NumRequests         int64
	NumFailures         int64
	TotalResponseTime   int64
	MaxResponseTime     int64
	MinResponseTime     int64
	TotalContentLength  int64
	ResponseTimes       map[int64]int64 // bucket ms -> count
	NumReqsPerSec       map[int64]int64 // epoch second -> count, interval-scoped
	IntervalNumRequests int64
	IntervalNumFailures int64
}

// ErrorEntry describes one distinct (method, name, error) occurrence.
type ErrorEntry struct {
	Count  int64
	Method string
	Name   string
	Error  string
}

// Snapshot is the structure emitted once per flush tick, per spec §4.5.
// UserCount is left zero here; the runner fills it in before transmission.
type Snapshot struct {
	Stats     []Entry
	StatsTotal Entry
	Errors    map[string]ErrorEntry
	UserCount int
}

type entry struct {
	mu sync.Mutex
	Entry
}

// Aggregator accumulates outcomes and flushes snapshots on a fixed cadence.
type Aggregator struct {
	interval time.Duration
	onData   func(Snapshot)

	mu       sync.Mutex
	entries  map[endpointKey]*entry
	errors   map[errorKey]*ErrorEntry

	stop chan struct{}
	done chan struct{}
}

// for testing purposes
var (
	timeNow       = time.Now
	timeNewTicker = time.NewTicker
)

// New constructs an Aggregator flushing every interval via onData. interval
// must be positive (spec §4.5 configuration: stat_interval > 0).
func New(interval time.Duration, onData func(Snapshot)) *Aggregator {
	if interval <= 0 {
		panic("stats: interval must be positive")
	}
	if onData == nil {
		onData = func(Snapshot) {}
	}

	a := &Aggregator{
		interval: interval,
		onData:   onData,
		entries:  make(map[endpointKey]*entry),
		errors:   make(map[errorKey]*ErrorEntry),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	go a.run()

	return a
}

// RecordSuccess implements task.Handle.
func (a *Aggregator) RecordSuccess(endpointType, name string, responseTimeMS, responseLength int64) {
	a.report(task.Outcome{
		Success:        true,
		EndpointType:   endpointType,
		Name:           name,
		ResponseTimeMS: responseTimeMS,
		ResponseLength: responseLength,
	})
}

// RecordFailure implements task.Handle.
func (a *Aggregator) RecordFailure(endpointType, name string, responseTimeMS int64, err string) {
	a.report(task.Outcome{
		Success:        false,
		EndpointType:   endpointType,
		Name:           name,
		ResponseTimeMS: responseTimeMS,
		Error:          err,
	})
}

// report records one outcome, per spec §4.5: non-blocking, safe under
// concurrent callers, never loses a record under normal operation.
func (a *Aggregator) report(o task.Outcome) {
	key := endpointKey{method: o.EndpointType, name: o.Name}

	a.mu.Lock()
	e, ok := a.entries[key]
	if !ok {
		e = &entry{Entry: Entry{
			Name:          o.Name,
			Method:        o.EndpointType,
			ResponseTimes: make(map[int64]int64),
			NumReqsPerSec: make(map[int64]int64),
		}}
		a.entries[key] = e
	}
	a.mu.Unlock()

	e.mu.Lock()
	e.record(o)
	e.mu.Unlock()

	if !o.Success {
		ek := errorKey{method: o.EndpointType, name: o.Name, err: o.Error}
		a.mu.Lock()
		ee, ok := a.errors[ek]
		if !ok {
			ee = &ErrorEntry{Method: o.EndpointType, Name: o.Name, Error: o.Error}
			a.errors[ek] = ee
		}
		ee.Count++
		a.mu.Unlock()
	}
}

func (e *entry) record(o task.Outcome) {
	e.NumRequests++
	e.IntervalNumRequests++
	if !o.Success {
		e.NumFailures++
		e.IntervalNumFailures++
	}

	e.TotalResponseTime += o.ResponseTimeMS
	if e.NumRequests == 1 || o.ResponseTimeMS < e.MinResponseTime {
		e.MinResponseTime = o.ResponseTimeMS
	}
	if o.ResponseTimeMS > e.MaxResponseTime {
		e.MaxResponseTime = o.ResponseTimeMS
	}
	if o.Success {
		e.TotalContentLength += o.ResponseLength
	}

	bucket := BucketMS(o.ResponseTimeMS)
	e.ResponseTimes[bucket]++

	sec := timeNow().Unix()
	e.NumReqsPerSec[sec]++
}

// BucketMS implements the histogram rounding rule of spec §4.5: values
// <100 keep their exact integer ms, 100-999 round down to the nearest 10ms,
// >=1000 round down to the nearest 100ms.
func BucketMS(t int64) int64 {
	switch {
	case t < 100:
		return t
	case t < 1000:
		return t - t%10
	default:
		return t - t%100
	}
}

// ClearAll resets all accumulated state, called by the runner on
// transitions into HATCHING (spec §4.7).
func (a *Aggregator) ClearAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = make(map[endpointKey]*entry)
	a.errors = make(map[errorKey]*ErrorEntry)
}

// Dispose stops the flush loop. Idempotent.
func (a *Aggregator) Dispose() {
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
	<-a.done
}

func (a *Aggregator) run() {
	defer close(a.done)

	ticker := timeNewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.onData(a.flush())
		}
	}
}

func (a *Aggregator) flush() Snapshot {
	a.mu.Lock()
	entries := make([]*entry, 0, len(a.entries))
	for _, e := range a.entries {
		entries = append(entries, e)
	}
	errs := make(map[string]ErrorEntry, len(a.errors))
	for k, v := range a.errors {
		errs[errorSnapshotKey(k)] = *v
	}
	a.mu.Unlock()

	snap := Snapshot{
		Stats:  make([]Entry, 0, len(entries)),
		Errors: errs,
	}

	var total Entry
	total.Method = "Total"
	total.Name = "Total"
	total.ResponseTimes = make(map[int64]int64)
	total.NumReqsPerSec = make(map[int64]int64)

	for _, e := range entries {
		e.mu.Lock()
		cp := e.Entry
		cp.ResponseTimes = copyMap(e.ResponseTimes)
		cp.NumReqsPerSec = copyMap(e.NumReqsPerSec)

		e.IntervalNumRequests = 0
		e.IntervalNumFailures = 0
		e.NumReqsPerSec = make(map[int64]int64)
		e.mu.Unlock()

		snap.Stats = append(snap.Stats, cp)

		total.NumRequests += cp.NumRequests
		total.NumFailures += cp.NumFailures
		total.TotalResponseTime += cp.TotalResponseTime
		total.TotalContentLength += cp.TotalContentLength
		total.IntervalNumRequests += cp.IntervalNumRequests
		total.IntervalNumFailures += cp.IntervalNumFailures
		if cp.MaxResponseTime > total.MaxResponseTime {
			total.MaxResponseTime = cp.MaxResponseTime
		}
		if total.MinResponseTime == 0 || (cp.MinResponseTime > 0 && cp.MinResponseTime < total.MinResponseTime) {
			total.MinResponseTime = cp.MinResponseTime
		}
		for bucket, n := range cp.ResponseTimes {
			total.ResponseTimes[bucket] += n
		}
		for sec, n := range cp.NumReqsPerSec {
			total.NumReqsPerSec[sec] += n
		}
	}

	snap.StatsTotal = total

	return snap
}

func copyMap(m map[int64]int64) map[int64]int64 {
	cp := make(map[int64]int64, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func errorSnapshotKey(k errorKey) string {
	return k.method + "\x00" + k.name + "\x00" + k.err
}
