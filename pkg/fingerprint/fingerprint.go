// Package fingerprint computes deterministic identity summaries of
// directory trees. Two trees with equal fingerprints carry the same
// content, link targets, permission bits, ownership and modification times.
package fingerprint

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/zeebo/blake3"

	"fwrepack/pkg/fsmeta"
)

const (
	identityDir     = "DIR"
	identitySymlink = "SYM:"
	identityOther   = "OTHER:"
)

// Entry is the fingerprint of one filesystem entry under a root.
type Entry struct {
	Path     string // slash separated, relative to the root; "." is the root itself
	Identity string
	ModTime  int64 // unix nanoseconds
	UID      int
	GID      int
	Mode     int64
}

func (e Entry) String() string {
	return fmt.Sprintf("%s %s %d %d:%d %04o", e.Path, e.Identity, e.ModTime, e.UID, e.GID, e.Mode)
}

// Tree fingerprints root and everything beneath it in lexicographic path order.
func Tree(root string) ([]Entry, error) {
	info, err := os.Lstat(root)
	if err != nil {
		return nil, fmt.Errorf("fingerprint %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("fingerprint %s: not a directory", root)
	}

	var paths []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", path, err)
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fingerprint %s: %w", root, err)
	}
	sort.Strings(paths)

	entries := make([]Entry, 0, len(paths))
	for _, rel := range paths {
		entry, err := entryFor(root, rel)
		if err != nil {
			return nil, fmt.Errorf("fingerprint %s: %w", root, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func entryFor(root, rel string) (Entry, error) {
	full := filepath.Join(root, filepath.FromSlash(rel))
	meta, err := fsmeta.Lstat(full)
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		Path:    rel,
		ModTime: meta.ModTime.UnixNano(),
		UID:     meta.UID,
		GID:     meta.GID,
		Mode:    meta.Mode,
	}
	switch meta.Kind {
	case fsmeta.KindDir:
		entry.Identity = identityDir
	case fsmeta.KindSymlink:
		entry.Identity = identitySymlink + meta.Target
	case fsmeta.KindFile:
		sum, err := HashFile(full)
		if err != nil {
			return Entry{}, err
		}
		entry.Identity = sum
	default:
		info, err := os.Lstat(full)
		if err != nil {
			return Entry{}, err
		}
		entry.Identity = identityOther + info.Mode().Type().String()
	}
	return entry, nil
}

// HashFile returns the hex BLAKE3 digest of the file at path.
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash %q: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Equal reports whether two fingerprint sequences match positionally.
func Equal(a, b []Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
