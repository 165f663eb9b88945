package cache

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/djherbis/atime"
	"github.com/dustin/go-humanize"

	"github.com/razel-build/razel/src/fs"
)

// accessTimeGracePeriod mirrors the teacher's dirCache: within this window
// two entries are considered to have been accessed "at the same time", so
// eviction order falls back to preferring to evict the larger one.
const accessTimeGracePeriod = 10 * time.Minute

// A DirCache stores each digest's outputs under Dir/<hash>, with a
// background goroutine that evicts the least-recently-accessed entries
// once the cache exceeds HighWaterMark, down to LowWaterMark.
type DirCache struct {
	Dir           string
	HighWaterMark uint64
	LowWaterMark  uint64
	mutex         sync.Mutex
	sizes         map[string]uint64
}

// NewDirCache returns a DirCache rooted at dir, starting its background
// cleaner goroutine if highWaterMark is non-zero.
func NewDirCache(dir string, highWaterMark, lowWaterMark uint64) (*DirCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	c := &DirCache{Dir: dir, HighWaterMark: highWaterMark, LowWaterMark: lowWaterMark, sizes: map[string]uint64{}}
	if highWaterMark > 0 {
		go c.cleanLoop()
	}
	return c, nil
}

// path returns the on-disk shard for a "<hash>:<size>" cache key, sharded
// by the first two hex characters of the hash to keep any one directory
// from growing unbounded.
func (c *DirCache) path(key string) string {
	hash, _, _ := strings.Cut(key, ":")
	return filepath.Join(c.Dir, hash[:2], hash)
}

// Get implements Cache.
func (c *DirCache) Get(ctx context.Context, digest, outDir string) (bool, error) {
	src := c.path(digest)
	if !fs.PathExists(src) {
		return false, nil
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return false, err
	}
	if err := fs.RecursiveCopyOrLinkFile(src, outDir, 0755, true, true); err != nil {
		return false, err
	}
	c.touch(src)
	return true, nil
}

// Put implements Cache.
func (c *DirCache) Put(ctx context.Context, digest, outDir string, outputs []string) error {
	dst := c.path(digest)
	tmp := dst + ".tmp"
	if err := fs.RemoveAll(tmp); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(tmp), 0755); err != nil {
		return err
	}
	if err := fs.RecursiveCopyOrLinkFile(outDir, tmp, 0755, true, true); err != nil {
		return err
	}
	if err := fs.RemoveAll(dst); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return err
	}
	size, _ := dirSize(dst)
	c.mutex.Lock()
	c.sizes[dst] = size
	c.mutex.Unlock()
	return nil
}

func (c *DirCache) touch(path string) {
	now := time.Now()
	os.Chtimes(path, now, now)
}

func dirSize(path string) (uint64, error) {
	var total uint64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += uint64(info.Size())
		}
		return nil
	})
	return total, err
}

type cacheEntry struct {
	path  string
	size  uint64
	atime int64
}

// cleanLoop periodically evicts least-recently-used entries once the
// cache exceeds HighWaterMark, the same two-watermark LRU policy as the
// teacher's dirCache.clean.
func (c *DirCache) cleanLoop() {
	for range time.Tick(5 * time.Minute) {
		c.clean()
	}
}

func (c *DirCache) clean() uint64 {
	var entries []cacheEntry
	var total uint64
	subdirs, err := os.ReadDir(c.Dir)
	if err != nil {
		log.Warning("failed to list cache directory %s: %s", c.Dir, err)
		return total
	}
	for _, shard := range subdirs {
		if !shard.IsDir() {
			continue
		}
		digests, err := os.ReadDir(filepath.Join(c.Dir, shard.Name()))
		if err != nil {
			continue
		}
		for _, d := range digests {
			path := filepath.Join(c.Dir, shard.Name(), d.Name())
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			size, _ := dirSize(path)
			entries = append(entries, cacheEntry{path: path, size: size, atime: atime.Get(info).Unix()})
			total += size
		}
	}
	log.Info("directory cache size: %s", humanize.Bytes(total))
	if total < c.HighWaterMark {
		return total
	}
	sort.Slice(entries, func(i, j int) bool {
		diff := entries[i].atime - entries[j].atime
		if diff > -int64(accessTimeGracePeriod.Seconds()) && diff < int64(accessTimeGracePeriod.Seconds()) {
			return entries[i].size > entries[j].size
		}
		return entries[i].atime < entries[j].atime
	})
	for _, e := range entries {
		log.Debug("evicting %s, last accessed %s, frees %s", e.path, humanize.Time(time.Unix(e.atime, 0)), humanize.Bytes(e.size))
		if err := fs.RemoveAll(e.path); err != nil {
			log.Warning("failed to evict %s: %s", e.path, err)
			continue
		}
		total -= e.size
		if total <= c.LowWaterMark {
			break
		}
	}
	return total
}
