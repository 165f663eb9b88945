package fs

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/xattr"
)

// xattrName tags the extended attribute we use to persist a file's content
// hash so a later run can skip re-hashing an unchanged input.
const xattrName = "user.razel_hash"

// symlinkHashMarker is written into the hash in place of a symlink's
// contents, so that replacing a symlink with a same-named regular file (or
// vice versa) changes the digest even if the bytes happen to coincide.
var symlinkHashMarker = []byte{2}

// A PathHasher hashes and memoises content hashes of paths under a root
// directory, exactly the role PathHasher plays in the teacher: re-running
// the digest step after a restart shouldn't have to re-hash unchanged
// inputs. The digest algorithm is fixed at SHA-256 throughout this module.
type PathHasher struct {
	memo  map[string][]byte
	mutex sync.RWMutex
	root  string
}

// NewPathHasher returns a new PathHasher based on the given root directory.
func NewPathHasher(root string) *PathHasher {
	return &PathHasher{
		memo: map[string][]byte{},
		root: root,
	}
}

// Hash hashes a single path. It is memoised and so will only hash each path
// once, unless recalc is true which forces a recalculation. If store is
// true the hash may be persisted as an xattr; this should not be set for
// files outside razel's own output tree.
func (hasher *PathHasher) Hash(path string, recalc, store bool) ([]byte, error) {
	path = hasher.ensureRelative(path)
	if !recalc {
		hasher.mutex.RLock()
		cached, present := hasher.memo[path]
		hasher.mutex.RUnlock()
		if present {
			return cached, nil
		}
	}
	result, err := hasher.hash(path, store)
	if err == nil {
		hasher.mutex.Lock()
		hasher.memo[path] = result
		hasher.mutex.Unlock()
	}
	return result, err
}

// MustHash is as Hash but panics on error.
func (hasher *PathHasher) MustHash(path string) []byte {
	h, err := hasher.Hash(path, false, false)
	if err != nil {
		panic(err)
	}
	return h
}

// MoveHash carries a memoised hash from oldPath to newPath, used when an
// output is moved from a sandbox's tmp dir into its final location.
func (hasher *PathHasher) MoveHash(oldPath, newPath string, keepOld bool) {
	oldPath = hasher.ensureRelative(oldPath)
	newPath = hasher.ensureRelative(newPath)
	hasher.mutex.Lock()
	defer hasher.mutex.Unlock()
	if oldHash, present := hasher.memo[oldPath]; present {
		hasher.memo[newPath] = oldHash
		if !keepOld {
			delete(hasher.memo, oldPath)
		}
	}
}

// SetHash directly records a hash for a path, used when a remote cache
// download already tells us the hash of what it wrote.
func (hasher *PathHasher) SetHash(path string, hash []byte) {
	hasher.mutex.Lock()
	hasher.memo[path] = hash
	hasher.mutex.Unlock()
	if strings.HasPrefix(path, "razel-out") {
		xattr.LSet(path, xattrName, hash) // best-effort only
	}
}

func (hasher *PathHasher) hash(path string, store bool) ([]byte, error) {
	if store {
		if b, err := xattr.LGet(path, xattrName); err == nil {
			return b, nil
		}
	}
	h := sha256.New()
	info, err := os.Lstat(path)
	if err == nil && info.Mode()&os.ModeSymlink != 0 {
		dest, err := os.Readlink(path)
		if err != nil {
			return nil, err
		}
		h.Write(symlinkHashMarker)
		if rel := hasher.ensureRelative(dest); (rel != dest || !filepath.IsAbs(dest)) && !filepath.IsAbs(path) {
			h.Write([]byte(rel))
		} else {
			err := hasher.fileHash(h, path)
			return h.Sum(nil), err
		}
		return h.Sum(nil), nil
	} else if err == nil && info.IsDir() {
		err = WalkMode(path, func(p string, isDir bool, mode os.FileMode) error {
			if mode&os.ModeSymlink != 0 {
				deref, err := filepath.EvalSymlinks(p)
				if err != nil {
					return err
				}
				if !strings.HasPrefix(deref, path) {
					return fmt.Errorf("output %s links outside the sandbox dir (to %s)", p, deref)
				}
				h.Write(symlinkHashMarker)
			} else if !isDir {
				return hasher.fileHash(h, p)
			}
			return nil
		})
	} else {
		err = hasher.fileHash(h, path)
	}
	sum := h.Sum(nil)
	if err != nil {
		return sum, err
	} else if store && strings.HasPrefix(path, "razel-out") {
		xattr.LSet(path, xattrName, sum) // best-effort only
	}
	return sum, err
}

func (hasher *PathHasher) fileHash(h hash.Hash, filename string) error {
	if !filepath.IsAbs(filename) && hasher.root != "" {
		filename = filepath.Join(hasher.root, filename)
	}
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	_, err = io.Copy(h, file)
	file.Close()
	return err
}

// ensureRelative ensures a path is relative to the workspace root, which is
// important for getting best performance from memoizing the path hashes.
func (hasher *PathHasher) ensureRelative(path string) string {
	if strings.HasPrefix(path, hasher.root) {
		return strings.TrimLeft(strings.TrimPrefix(path, hasher.root), "/")
	}
	return path
}
