// Package cache implements content-addressed storage for action outputs:
// a local directory cache, an HTTP cache and a gRPC REv2 remote cache, any
// combination of which can be layered together by a Multiplexer.
package cache

import (
	"context"
	"path/filepath"

	"github.com/razel-build/razel/src/cli/logging"
	"github.com/razel-build/razel/src/fs"
)

var log = logging.Log

// A Cache stores and retrieves an action's outputs by its content digest.
// Get copies outputs into outDir on a hit; Put uploads whatever is already
// present in outDir. Implementations must tolerate being called
// concurrently for different digests.
type Cache interface {
	Get(ctx context.Context, digest string, outDir string) (hit bool, err error)
	Put(ctx context.Context, digest string, outDir string, outputs []string) error
}

// A Multiplexer layers several caches in preference order: Get tries each
// in turn and, on a hit, backfills every cache ahead of the one that
// answered; Put writes to all of them at once. This mirrors the teacher's
// cacheMultiplexer (src/cache/cache.go), generalised from BuildTarget keys
// to plain content digests.
type Multiplexer struct {
	Caches []Cache
}

// NewMultiplexer returns a Multiplexer over caches, in preference order
// (fastest/cheapest first - typically local directory before HTTP before
// remote gRPC).
func NewMultiplexer(caches ...Cache) *Multiplexer {
	return &Multiplexer{Caches: caches}
}

// Get implements Cache.
func (m *Multiplexer) Get(ctx context.Context, digest, outDir string) (bool, error) {
	// Retrieval happens sequentially, not simultaneously: two caches racing
	// to write the same outDir at once would tear each other's files.
	for i, c := range m.Caches {
		hit, err := c.Get(ctx, digest, outDir)
		if err != nil {
			log.Warning("cache %d: get %s failed: %s", i, digest, err)
			continue
		}
		if hit {
			m.backfill(ctx, digest, outDir, m.outputsOf(outDir), i)
			return true, nil
		}
	}
	return false, nil
}

// Put implements Cache.
func (m *Multiplexer) Put(ctx context.Context, digest, outDir string, outputs []string) error {
	ch := make(chan error, len(m.Caches))
	for _, c := range m.Caches {
		go func(c Cache) { ch <- c.Put(ctx, digest, outDir, outputs) }(c)
	}
	var firstErr error
	for range m.Caches {
		if err := <-ch; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// backfill stores into every cache ranked ahead of the one that served the
// hit, so a slow remote hit gets promoted into faster local caches for next
// time.
func (m *Multiplexer) backfill(ctx context.Context, digest, outDir string, outputs []string, hitIndex int) {
	for i := 0; i < hitIndex; i++ {
		go func(c Cache) {
			if err := c.Put(ctx, digest, outDir, outputs); err != nil {
				log.Warning("cache backfill of %s failed: %s", digest, err)
			}
		}(m.Caches[i])
	}
}

// outputsOf lists every regular file already materialised under outDir,
// relative to it, so a cache hit can be backfilled into higher-preference
// caches without the caller having to repeat the action's declared Outputs.
func (m *Multiplexer) outputsOf(outDir string) []string {
	var outputs []string
	fs.Walk(outDir, func(name string, isDir bool) error {
		if !isDir {
			if rel, err := filepath.Rel(outDir, name); err == nil {
				outputs = append(outputs, rel)
			}
		}
		return nil
	})
	return outputs
}
