package metrics

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegistryWritesRecordedValues(t *testing.T) {
	r := New()
	r.RecordCacheResult(true)
	r.RecordCacheResult(true)
	r.RecordCacheResult(false)
	r.SetQueueDepth(4)
	r.SetRunning(2)
	r.ObserveActionDuration("Succeeded", 250*time.Millisecond)

	var buf bytes.Buffer
	require := assert.New(t)
	require.NoError(r.WriteText(&buf))

	out := buf.String()
	assert.Contains(t, out, `razel_cache_results_total{result="hit"} 2`)
	assert.Contains(t, out, `razel_cache_results_total{result="miss"} 1`)
	assert.Contains(t, out, "razel_scheduler_queue_depth 4")
	assert.Contains(t, out, "razel_scheduler_running_actions 2")
	assert.Contains(t, out, `razel_action_duration_seconds_bucket{status="Succeeded"`)
}
