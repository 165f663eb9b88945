package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCache is an in-memory Cache double keyed by digest, recording every
// Put so tests can assert which caches were backfilled.
type fakeCache struct {
	mutex sync.Mutex
	data  map[string]map[string]string // digest -> relative path -> content
	puts  []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: map[string]map[string]string{}}
}

func (f *fakeCache) Get(ctx context.Context, digest, outDir string) (bool, error) {
	f.mutex.Lock()
	files, ok := f.data[digest]
	f.mutex.Unlock()
	if !ok {
		return false, nil
	}
	for rel, content := range files {
		full := filepath.Join(outDir, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return false, err
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (f *fakeCache) Put(ctx context.Context, digest, outDir string, outputs []string) error {
	files := map[string]string{}
	for _, out := range outputs {
		content, err := os.ReadFile(filepath.Join(outDir, out))
		if err != nil {
			return err
		}
		files[out] = string(content)
	}
	f.mutex.Lock()
	f.data[digest] = files
	f.puts = append(f.puts, digest)
	f.mutex.Unlock()
	return nil
}

func TestMultiplexerPutWritesToAllCaches(t *testing.T) {
	a, b := newFakeCache(), newFakeCache()
	m := NewMultiplexer(a, b)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "out.txt"), []byte("hi"), 0644))

	require.NoError(t, m.Put(context.Background(), "digest1", src, []string{"out.txt"}))
	assert.Contains(t, a.data, "digest1")
	assert.Contains(t, b.data, "digest1")
}

func TestMultiplexerGetBackfillsFasterCaches(t *testing.T) {
	fast, slow := newFakeCache(), newFakeCache()
	slow.data["digest1"] = map[string]string{"out.txt": "hi"}
	m := NewMultiplexer(fast, slow)

	dst := t.TempDir()
	hit, err := m.Get(context.Background(), "digest1", dst)
	require.NoError(t, err)
	assert.True(t, hit)

	require.Eventually(t, func() bool {
		fast.mutex.Lock()
		defer fast.mutex.Unlock()
		_, ok := fast.data["digest1"]
		return ok
	}, time.Second, 10*time.Millisecond, "fast cache should have been backfilled")
}

func TestMultiplexerGetMissWhenNoCacheHas(t *testing.T) {
	m := NewMultiplexer(newFakeCache(), newFakeCache())
	hit, err := m.Get(context.Background(), "missing", t.TempDir())
	require.NoError(t, err)
	assert.False(t, hit)
}
