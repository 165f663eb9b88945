package fs

import (
	"fmt"
	"os"
	"path/filepath"
)

// CopyOrLinkFile either copies or hardlinks a file based on the link argument.
// Falls back to a copy if link fails and fallback is true.
func CopyOrLinkFile(from, to string, fromMode, toMode os.FileMode, link, fallback bool) error {
	if link {
		if (fromMode & os.ModeSymlink) != 0 {
			// Don't try to hard-link to a symlink, that doesn't work reliably across all platforms.
			// Instead recreate an equivalent symlink in the new location.
			dest, err := os.Readlink(from)
			if err != nil {
				return err
			}
			return os.Symlink(dest, to)
		}
		if err := os.Link(from, to); err == nil || !fallback {
			return err
		}

		// Linking would ignore toMode, using the same mode as the from file. We should make the fallback work the same
		// here.
		info, err := os.Lstat(from)
		if err != nil {
			return err
		}
		toMode = info.Mode()
	}
	return CopyFile(from, to, toMode)
}

// RecursiveCopyOrLinkFile recursively copies or links a file or directory.
// 'mode' is the mode of the destination file.
// If 'link' is true then we'll hardlink files instead of copying them.
// If 'fallback' is true then we'll fall back to a copy if linking fails.
func RecursiveCopyOrLinkFile(from string, to string, mode os.FileMode, link, fallback bool) error {
	info, err := os.Lstat(from)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return WalkMode(from, func(name string, isDir bool, fileMode os.FileMode) error {
			dest := filepath.Join(to, name[len(from):])
			if isDir {
				return os.MkdirAll(dest, DirPermissions)
			}
			if fileMode&os.ModeSymlink != 0 {
				return copySymlink(name, dest)
			}
			return CopyOrLinkFile(name, dest, fileMode, mode, link, fallback)
		})
	}
	return CopyOrLinkFile(from, to, info.Mode(), mode, link, fallback)
}

// copySymlink will resolve the symlink and create an equivalent symlink at dest. Assumes the symlink is relative, not absolute.
func copySymlink(name, dest string) error {
	resolvedPath, err := os.Readlink(name)
	if err != nil {
		return err
	}

	if resolvedPath == "../mocha/bin/_mocha" {
		log.Warningf("linking %v to %v", resolvedPath, dest)
	}

	return os.Symlink(resolvedPath, dest)
}

// Symlink creates dest as symbolic link to the src, skipping if symbolic link
// already exists.
func Symlink(src, dest string) error {
	if !PathExists(src) {
		return fmt.Errorf("%s: %w", src, os.ErrNotExist)
	}

	if PathExists(dest) {
		fileInfo, err := os.Lstat(dest)
		if err != nil {
			return fmt.Errorf("could get Lstat %s: %w", dest, err)
		}
		if fileInfo.Mode()&os.ModeSymlink == os.ModeSymlink {
			// is already a symbolic link
			return nil
		}

		// remove existing files that aren't symbolic links
		if err := os.Remove(dest); err != nil {
			return fmt.Errorf("could not remove link %s: %w", dest, err)
		}
	}

	return os.Symlink(src, dest)
}
