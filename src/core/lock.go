// Exclusive per-digest locking for the Action Cache, so two workers never
// interleave writes to the same cache entry into a torn read for a third.
//
// The teacher hand-rolls this with a raw syscall.Flock wrapper (lock.go);
// here we reach for github.com/nightlyone/lockfile, the ecosystem's
// off-the-shelf advisory-lock primitive, instead of repeating that by hand.

package core

import (
	"path/filepath"
	"time"

	"github.com/nightlyone/lockfile"
)

// A DigestLock guards access to a single Action Cache entry, named after
// the digest hash so concurrent requests for different entries never
// contend with each other.
type DigestLock struct {
	lock lockfile.Lockfile
}

// NewDigestLock returns a lock file scoped to the given digest hash, living
// under dir (typically the Action Cache's own directory).
func NewDigestLock(dir, hash string) (*DigestLock, error) {
	lf, err := lockfile.New(filepath.Join(dir, hash+".lock"))
	if err != nil {
		return nil, err
	}
	return &DigestLock{lock: lf}, nil
}

// Lock acquires the lock, blocking (via a short retry loop, since lockfile
// itself is non-blocking) until it succeeds or a genuinely stale lock is
// reclaimed.
func (l *DigestLock) Lock() error {
	for {
		err := l.lock.TryLock()
		if err == nil {
			return nil
		}
		if err != lockfile.ErrBusy {
			return err
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Unlock releases the lock.
func (l *DigestLock) Unlock() error {
	return l.lock.Unlock()
}
