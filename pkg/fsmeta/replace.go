package fsmeta

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Replace atomically swaps the contents of path for src through a temporary
// file in the same directory. The file keeps its permission bits, its
// ownership when running as root, and its mtime; the directory holding it
// keeps its mtime.
func Replace(path string, src io.Reader) error {
	meta, err := Lstat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	dirMeta, err := Lstat(dir)
	if err != nil {
		return fmt.Errorf("stat %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(err error) error {
		os.Remove(tmpName)
		return err
	}

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return fail(fmt.Errorf("write %s: %w", tmpName, err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fail(fmt.Errorf("sync %s: %w", tmpName, err))
	}
	if err := tmp.Close(); err != nil {
		return fail(fmt.Errorf("close %s: %w", tmpName, err))
	}
	// chown clears setuid and setgid, so it runs before chmod.
	if os.Geteuid() == 0 {
		if err := os.Lchown(tmpName, meta.UID, meta.GID); err != nil {
			return fail(fmt.Errorf("chown %s: %w", tmpName, err))
		}
	}
	if err := os.Chmod(tmpName, FileMode(meta.Mode)); err != nil {
		return fail(fmt.Errorf("chmod %s: %w", tmpName, err))
	}
	if err := SetTimes(tmpName, meta.ModTime); err != nil {
		return fail(err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fail(fmt.Errorf("replace %s: %w", path, err))
	}
	return SetTimes(dir, dirMeta.ModTime)
}
