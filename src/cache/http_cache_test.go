package cache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memHTTPCacheServer struct {
	data map[string][]byte
}

func (s *memHTTPCacheServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPut {
		b, _ := io.ReadAll(r.Body)
		s.data[r.URL.Path] = b
		w.WriteHeader(http.StatusNoContent)
		return
	}
	data, present := s.data[r.URL.Path]
	if !present {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Write(data)
}

func startHTTPCacheServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(&memHTTPCacheServer{data: map[string][]byte{}})
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestHTTPCacheStoreAndRetrieve(t *testing.T) {
	url := startHTTPCacheServer(t)
	cache := NewHTTPCache(url, true, 0)

	src := t.TempDir()
	writeOutput(t, src, "testfile2", "hello from http cache")

	key := "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee:1"
	require.NoError(t, cache.Put(context.Background(), key, src, []string{"testfile2"}))

	dst := t.TempDir()
	hit, err := cache.Get(context.Background(), key, dst)
	require.NoError(t, err)
	assert.True(t, hit)

	b, err := os.ReadFile(filepath.Join(dst, "testfile2"))
	require.NoError(t, err)
	assert.Equal(t, "hello from http cache", string(b))
}

func TestHTTPCacheMissReturnsFalseNotError(t *testing.T) {
	url := startHTTPCacheServer(t)
	cache := NewHTTPCache(url, true, 0)

	hit, err := cache.Get(context.Background(), "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff:1", t.TempDir())
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestHTTPCacheReadOnlyPutIsNoop(t *testing.T) {
	url := startHTTPCacheServer(t)
	cache := NewHTTPCache(url, false, 0)

	src := t.TempDir()
	writeOutput(t, src, "testfile2", "should not be stored")
	key := "1111111111111111111111111111111111111111111111111111111111111111:1"
	require.NoError(t, cache.Put(context.Background(), key, src, []string{"testfile2"}))

	hit, err := cache.Get(context.Background(), key, t.TempDir())
	require.NoError(t, err)
	assert.False(t, hit)
}
