package repack

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"fwrepack/pkg/archive"
	"fwrepack/pkg/compression"
	"fwrepack/pkg/fingerprint"
	"fwrepack/pkg/manifest"
	"fwrepack/pkg/patcher"
)

// Session is the state one build accumulates across stages. It owns a
// private working directory:
//
//	outer.raw      decrypted container
//	outer.tar      decompressed outer archive
//	root/          outer archive contents, patched in place
//	nested/<name>/ contents of each nested archive
//	tmp/           intermediates and the manifest backup
//	out/           the finished container before it is published
type Session struct {
	ID  string
	Dir string

	outerRef       compression.Reference
	outerOwnership archive.Ownership
	rootBaseline   []fingerprint.Entry
	outerFinal     string

	nested []*nestedArchive

	manifestPath   string
	manifestBackup string
	manifestLayout manifest.Layout
	digests        map[string]fileDigest
	updates        map[string]manifest.Update
}

type fileDigest struct {
	path string
	hash string
	size int64
}

// nestedArchive tracks one compressed tar found at the top of root/.
type nestedArchive struct {
	name      string
	ref       compression.Reference
	ownership archive.Ownership
	baseline  []fingerprint.Entry
	decision  string
	err       error
	oldSize   int64
	newSize   int64
	changes   []fingerprint.Change
}

func newSession(parent string) (*Session, error) {
	id := uuid.NewString()
	if parent == "" {
		parent = os.TempDir()
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("create work root: %w", err)
	}
	dir, err := os.MkdirTemp(parent, "fwrepack-"+id[:8]+"-")
	if err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}
	for _, sub := range []string{patcher.RootDir, patcher.NestedDir, "tmp", "out"} {
		if err := os.Mkdir(filepath.Join(dir, sub), 0o755); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("create workdir: %w", err)
		}
	}
	return &Session{
		ID:      id,
		Dir:     dir,
		digests: map[string]fileDigest{},
		updates: map[string]manifest.Update{},
	}, nil
}

func (s *Session) outerRaw() string { return filepath.Join(s.Dir, "outer.raw") }
func (s *Session) outerTar() string { return filepath.Join(s.Dir, "outer.tar") }
func (s *Session) root() string     { return filepath.Join(s.Dir, patcher.RootDir) }
func (s *Session) tmp(name string) string {
	return filepath.Join(s.Dir, "tmp", name)
}
func (s *Session) staged(name string) string {
	return filepath.Join(s.Dir, "out", name)
}
func (s *Session) nestedDir(name string) string {
	return filepath.Join(s.Dir, patcher.NestedDir, name)
}

// release deletes the working directory.
func (s *Session) release() error {
	if s == nil || s.Dir == "" {
		return nil
	}
	// Extracted trees may contain read-only directories.
	_ = filepath.WalkDir(s.Dir, func(p string, d os.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			_ = os.Chmod(p, 0o700)
		}
		return nil
	})
	return os.RemoveAll(s.Dir)
}
