package core

import (
	"sync"
	"time"

	"github.com/razel-build/razel/src/metrics"
)

// ExecStatus is the state of a single action as it moves through the
// scheduler: Pending -> Ready -> Running -> one of the terminal states.
type ExecStatus int

// The states an action passes through. Succeeded, Failed, Skipped and
// Cached are terminal ("Done") states, mirrored by IsDone; Retrying is not.
const (
	Pending ExecStatus = iota
	Ready
	Running
	Succeeded
	Failed
	Retrying
	Skipped
	Cached
)

// String implements fmt.Stringer.
func (s ExecStatus) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	case Retrying:
		return "Retrying"
	case Skipped:
		return "Skipped"
	case Cached:
		return "Cached"
	default:
		return "Unknown"
	}
}

// IsDone returns true for any of the terminal Done{...} states.
func (s ExecStatus) IsDone() bool {
	return s == Succeeded || s == Failed || s == Skipped || s == Cached
}

// IsFailure returns true if this status means the action did not produce
// usable outputs.
func (s ExecStatus) IsFailure() bool {
	return s == Failed
}

// An Event reports a single transition of a single action, in the order it
// happened. The event bus is the only place these are assembled into a
// total order; consumers (log writers, the measurement CSV, a trace file)
// must not need to re-derive ordering themselves.
type Event struct {
	Action      string
	Status      ExecStatus
	Description string
	Err         error
	Attempt     int
	Time        time.Time
	ThreadID    int
}

// An EventBus is a totally-ordered, bounded, back-pressured channel of
// execution events: Publish blocks rather than drops once the buffer is
// full, matching the teacher's BuildState.Results channel, which is also a
// single buffered channel that every consumer reads from in delivery order.
type EventBus struct {
	events chan *Event
	mutex  sync.RWMutex // guards against a Publish racing a Close's close(events)
	closed bool
	once   sync.Once
}

// NewEventBus constructs an EventBus with the given buffer size.
func NewEventBus(buffer int) *EventBus {
	return &EventBus{events: make(chan *Event, buffer)}
}

// Publish sends an event, blocking if the buffer is full rather than
// dropping it. A Publish racing a Close is silently dropped instead of
// panicking on a send to a closed channel.
func (b *EventBus) Publish(e *Event) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	if !b.closed {
		b.events <- e
	}
}

// Subscribe returns the receive side of the event channel. There is
// intentionally only one: consumers that each need their own stream should
// fan out from this single channel themselves, preserving the total order.
func (b *EventBus) Subscribe() <-chan *Event {
	return b.events
}

// Close shuts down the event bus. Safe to call multiple times.
func (b *EventBus) Close() {
	b.once.Do(func() {
		b.mutex.Lock()
		defer b.mutex.Unlock()
		b.closed = true
		close(b.events)
	})
}

// Stats is a point-in-time snapshot of scheduler state, the data backing an
// external --info flag (see Design Notes: supplemental features).
type Stats struct {
	QueueDepth  int
	Running     int
	CacheHits   int
	CacheMisses int
	Parallelism int
	MemoryCapMB int
}

// A StatsTracker accumulates the counters behind a Stats snapshot. It's
// deliberately simple (plain mutex-guarded fields) since it is read far
// less often than Event is published.
type StatsTracker struct {
	mutex       sync.Mutex
	queueDepth  int
	running     int
	cacheHits   int
	cacheMisses int
	parallelism int
	memoryCapMB int
	metrics     *metrics.Registry
}

// NewStatsTracker constructs a StatsTracker with the given initial resource
// budget.
func NewStatsTracker(parallelism, memoryCapMB int) *StatsTracker {
	return &StatsTracker{parallelism: parallelism, memoryCapMB: memoryCapMB}
}

// UseMetrics attaches a Prometheus registry that every subsequent counter
// update is mirrored into. Optional: a StatsTracker with none attached
// behaves exactly as before, which is what the unit tests rely on.
func (t *StatsTracker) UseMetrics(m *metrics.Registry) {
	t.mutex.Lock()
	t.metrics = m
	t.mutex.Unlock()
}

func (t *StatsTracker) SetQueueDepth(n int) {
	t.mutex.Lock()
	t.queueDepth = n
	if t.metrics != nil {
		t.metrics.SetQueueDepth(n)
	}
	t.mutex.Unlock()
}

func (t *StatsTracker) IncRunning(delta int) {
	t.mutex.Lock()
	t.running += delta
	if t.metrics != nil {
		t.metrics.SetRunning(t.running)
	}
	t.mutex.Unlock()
}

func (t *StatsTracker) RecordCacheHit(hit bool) {
	t.mutex.Lock()
	if hit {
		t.cacheHits++
	} else {
		t.cacheMisses++
	}
	if t.metrics != nil {
		t.metrics.RecordCacheResult(hit)
	}
	t.mutex.Unlock()
}

// ObserveActionDuration mirrors how long a single action ran, labelled by
// its terminal status, into the attached metrics registry (a no-op if none
// is attached).
func (t *StatsTracker) ObserveActionDuration(status ExecStatus, d time.Duration) {
	t.mutex.Lock()
	m := t.metrics
	t.mutex.Unlock()
	if m != nil {
		m.ObserveActionDuration(status.String(), d)
	}
}

// SetParallelism records the scheduler's current effective parallelism cap,
// which the retry/OOM controller may have halved.
func (t *StatsTracker) SetParallelism(n int) {
	t.mutex.Lock()
	t.parallelism = n
	t.mutex.Unlock()
}

// Snapshot returns the current Stats.
func (t *StatsTracker) Snapshot() Stats {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return Stats{
		QueueDepth:  t.queueDepth,
		Running:     t.running,
		CacheHits:   t.cacheHits,
		CacheMisses: t.cacheMisses,
		Parallelism: t.parallelism,
		MemoryCapMB: t.memoryCapMB,
	}
}
