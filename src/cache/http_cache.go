package cache

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-gatedio"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/razel-build/razel/src/fs"
)

// mtime is the timestamp stamped onto every file stored in the HTTP cache,
// so the tarball's bytes don't depend on wall-clock time at store time.
var mtime = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// An HTTPCache stores an action's outputs as a gzipped tarball at
// url/<digest>, fetched and stored over plain HTTP PUT/GET. Uploads are
// rate-gated so one enormous action doesn't starve concurrent uploads of
// bandwidth.
type HTTPCache struct {
	URL      string
	Writable bool
	client   *retryablehttp.Client
	limiter  *rate.Limiter
}

// NewHTTPCache returns an HTTPCache talking to baseURL, uploading at most
// uploadBytesPerSec bytes/sec (0 disables the limit).
func NewHTTPCache(baseURL string, writable bool, uploadBytesPerSec int) *HTTPCache {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 1
	c := &HTTPCache{URL: baseURL, Writable: writable, client: client}
	if uploadBytesPerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(uploadBytesPerSec), uploadBytesPerSec)
	}
	return c
}

// url builds the cache entry's address from a "<hash>:<size>" key, using
// only the hash: the size is redundant once content-addressed by hash and
// would otherwise leak into the URL as an unescaped ":".
func (c *HTTPCache) url(key string) string {
	hash, _, _ := strings.Cut(key, ":")
	return c.URL + "/" + hash
}

// Get implements Cache.
func (c *HTTPCache) Get(ctx context.Context, digest, outDir string) (bool, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.url(digest), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("http cache returned status %d for %s", resp.StatusCode, digest)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return false, err
	}
	return true, untar(resp.Body, outDir)
}

// Put implements Cache.
func (c *HTTPCache) Put(ctx context.Context, digest, outDir string, outputs []string) error {
	if !c.Writable {
		return nil
	}
	r, w := io.Pipe()
	var body io.Writer = w
	if c.limiter != nil {
		body = gatedio.NewWriter(w, c.limiter)
	}
	go func() {
		err := tarDir(body, outDir)
		w.CloseWithError(err)
	}()
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, c.url(digest), r)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// tarDir writes every file under dir into w as a gzipped tarball with
// reproducible (zeroed) metadata.
func tarDir(w io.Writer, dir string) error {
	gw := gzip.NewWriter(w)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()
	return fs.Walk(dir, func(name string, isDir bool) error {
		rel, err := filepath.Rel(dir, name)
		if err != nil {
			return err
		}
		info, err := os.Lstat(name)
		if err != nil {
			return err
		}
		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			link, _ = os.Readlink(name)
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = rel
		hdr.ModTime, hdr.AccessTime, hdr.ChangeTime = mtime, mtime, mtime
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if isDir || link != "" {
			return nil
		}
		f, err := os.Open(name)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

// untar extracts a gzipped tarball produced by tarDir into dir.
func untar(r io.Reader, dir string) error {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gr.Close()
	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		out := filepath.Join(dir, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(out, 0755); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, out); err != nil {
				return err
			}
		default:
			if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			_, err = io.Copy(f, tr)
			f.Close()
			if err != nil {
				return err
			}
		}
	}
}
