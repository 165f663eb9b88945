package core

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/razel-build/razel/src/metrics"
)

func TestExecStatusIsDone(t *testing.T) {
	assert.False(t, Pending.IsDone())
	assert.False(t, Ready.IsDone())
	assert.False(t, Running.IsDone())
	assert.True(t, Succeeded.IsDone())
	assert.True(t, Failed.IsDone())
	assert.True(t, Skipped.IsDone())
	assert.True(t, Cached.IsDone())
}

func TestExecStatusIsFailure(t *testing.T) {
	assert.True(t, Failed.IsFailure())
	assert.False(t, Succeeded.IsFailure())
	assert.False(t, Cached.IsFailure())
}

func TestEventBusDeliversInOrder(t *testing.T) {
	bus := NewEventBus(4)
	bus.Publish(&Event{Action: "a", Status: Running})
	bus.Publish(&Event{Action: "a", Status: Succeeded})
	bus.Close()

	var got []string
	for e := range bus.Subscribe() {
		got = append(got, e.Action+":"+e.Status.String())
	}
	assert.Equal(t, []string{"a:Running", "a:Succeeded"}, got)
}

func TestEventBusCloseIsIdempotent(t *testing.T) {
	bus := NewEventBus(1)
	assert.NotPanics(t, func() {
		bus.Close()
		bus.Close()
	})
}

func TestEventBusPublishAfterCloseDoesNotPanic(t *testing.T) {
	bus := NewEventBus(1)
	bus.Close()
	assert.NotPanics(t, func() {
		bus.Publish(&Event{Action: "a"})
	})
}

func TestStatsTrackerSnapshot(t *testing.T) {
	tr := NewStatsTracker(4, 2048)
	tr.SetQueueDepth(3)
	tr.IncRunning(2)
	tr.RecordCacheHit(true)
	tr.RecordCacheHit(false)

	snap := tr.Snapshot()
	assert.Equal(t, 3, snap.QueueDepth)
	assert.Equal(t, 2, snap.Running)
	assert.Equal(t, 1, snap.CacheHits)
	assert.Equal(t, 1, snap.CacheMisses)
	assert.Equal(t, 4, snap.Parallelism)
	assert.Equal(t, 2048, snap.MemoryCapMB)
}

func TestStatsTrackerMirrorsIntoAttachedMetrics(t *testing.T) {
	tr := NewStatsTracker(4, 0)
	reg := metrics.New()
	tr.UseMetrics(reg)

	tr.SetQueueDepth(5)
	tr.IncRunning(1)
	tr.RecordCacheHit(true)
	tr.ObserveActionDuration(Succeeded, 10*time.Millisecond)

	var buf bytes.Buffer
	require.NoError(t, reg.WriteText(&buf))
	out := buf.String()
	assert.Contains(t, out, "razel_scheduler_queue_depth 5")
	assert.Contains(t, out, "razel_scheduler_running_actions 1")
	assert.Contains(t, out, `razel_cache_results_total{result="hit"} 1`)
	assert.Contains(t, out, `razel_action_duration_seconds_bucket{status="Succeeded"`)
}
