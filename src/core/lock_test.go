package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestLockRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l, err := NewDigestLock(dir, "deadbeef")
	require.NoError(t, err)

	require.NoError(t, l.Lock())
	assert.NoError(t, l.Unlock())
}

func TestDigestLockBlocksSecondAcquirer(t *testing.T) {
	dir := t.TempDir()
	first, err := NewDigestLock(dir, "cafef00d")
	require.NoError(t, err)
	require.NoError(t, first.Lock())

	second, err := NewDigestLock(dir, "cafef00d")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		second.Lock()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second lock acquired while first still held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, first.Unlock())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second lock never acquired after first released")
	}
	assert.NoError(t, second.Unlock())
}
