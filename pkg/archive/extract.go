package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fwrepack/pkg/fsmeta"
)

// ExtractOptions configures Extract.
type ExtractOptions struct {
	// Chown applies member ownership. The first permission failure turns
	// it off for the rest of the archive and is reported in the result.
	Chown bool
}

// ExtractResult summarises an extraction.
type ExtractResult struct {
	Members          int
	Skipped          int // special files that are carried by header only
	OwnershipApplied bool
}

type deferredDir struct {
	path    string
	mode    int64
	modTime time.Time
}

// Extract unpacks the tar stream r into dir, restoring permission bits,
// modification times and, when permitted, ownership.
func Extract(r io.Reader, dir string, opts ExtractOptions) (*ExtractResult, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create extraction dir: %w", err)
	}

	result := &ExtractResult{OwnershipApplied: opts.Chown}
	var dirs []deferredDir

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read header: %v", ErrMalformed, err)
		}

		rel, err := memberPath(hdr.Name)
		if err != nil {
			return nil, err
		}
		if err := beneath(dir, rel, hdr.Typeflag == tar.TypeDir); err != nil {
			return nil, err
		}
		target := filepath.Join(dir, filepath.FromSlash(rel))
		result.Members++

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o700); err != nil {
				return nil, fmt.Errorf("mkdir %q: %w", rel, err)
			}
			dirs = append(dirs, deferredDir{path: target, mode: hdr.Mode, modTime: hdr.ModTime})
		case tar.TypeReg, '\x00':
			if err := writeRegular(target, tr); err != nil {
				return nil, fmt.Errorf("extract %q: %w", rel, err)
			}
		case tar.TypeSymlink:
			if err := prepare(target); err != nil {
				return nil, fmt.Errorf("extract %q: %w", rel, err)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return nil, fmt.Errorf("symlink %q: %w", rel, err)
			}
		case tar.TypeLink:
			linkRel, err := memberPath(hdr.Linkname)
			if err != nil {
				return nil, err
			}
			if err := beneath(dir, linkRel, false); err != nil {
				return nil, err
			}
			if err := prepare(target); err != nil {
				return nil, fmt.Errorf("extract %q: %w", rel, err)
			}
			if err := os.Link(filepath.Join(dir, filepath.FromSlash(linkRel)), target); err != nil {
				return nil, fmt.Errorf("hardlink %q: %w", rel, err)
			}
			// The inode already carries the target's metadata.
			continue
		default:
			result.Skipped++
			continue
		}

		// chown clears setuid and setgid, so it has to precede chmod.
		if result.OwnershipApplied {
			if err := os.Lchown(target, hdr.Uid, hdr.Gid); err != nil {
				if !errors.Is(err, os.ErrPermission) {
					return nil, fmt.Errorf("chown %q: %w", rel, err)
				}
				result.OwnershipApplied = false
			}
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}
		if hdr.Typeflag != tar.TypeSymlink {
			if err := os.Chmod(target, fsmeta.FileMode(hdr.Mode)); err != nil {
				return nil, fmt.Errorf("chmod %q: %w", rel, err)
			}
		}
		if err := fsmeta.SetTimes(target, hdr.ModTime); err != nil {
			return nil, err
		}
	}

	// Children are in place; directory modes and times can be applied
	// deepest first without later writes disturbing them.
	for i := len(dirs) - 1; i >= 0; i-- {
		d := dirs[i]
		if err := os.Chmod(d.path, fsmeta.FileMode(d.mode)); err != nil {
			return nil, fmt.Errorf("chmod %q: %w", d.path, err)
		}
		if err := fsmeta.SetTimes(d.path, d.modTime); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// beneath rejects a member whose path leads through a symlink already
// extracted under root, since writing there would land outside it. With
// self set the member path itself must not be a symlink either.
func beneath(root, rel string, self bool) error {
	parts := strings.Split(rel, "/")
	if !self {
		parts = parts[:len(parts)-1]
	}
	cur := root
	for _, part := range parts {
		if part == "." {
			continue
		}
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stat %q: %w", cur, err)
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("%w: member %q leads through symlink %q", ErrMalformed, rel, cur)
		}
	}
	return nil
}

func prepare(target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func writeRegular(target string, r io.Reader) error {
	if err := prepare(target); err != nil {
		return err
	}
	file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
