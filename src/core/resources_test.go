package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceMonitorSamples(t *testing.T) {
	m := NewResourceMonitor()
	require.Eventually(t, func() bool {
		return m.Snapshot().NumCPU > 0
	}, 2*time.Second, 10*time.Millisecond)

	snap := m.Snapshot()
	assert.GreaterOrEqual(t, snap.MemoryPercent, float64(0))
}
