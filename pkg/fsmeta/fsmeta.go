package fsmeta

import (
	"fmt"
	"io/fs"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Kind classifies a filesystem entry without following symbolic links.
type Kind int

const (
	KindOther Kind = iota
	KindFile
	KindDir
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	default:
		return "other"
	}
}

// Meta is the subset of lstat(2) data that archive members carry.
type Meta struct {
	Kind    Kind
	Mode    int64 // permission bits plus setuid/setgid/sticky, tar encoding
	ModTime time.Time
	UID     int
	GID     int
	Size    int64
	Target  string // symlink target, raw text
}

// Lstat reads metadata for path. Symbolic links are described, never followed.
func Lstat(path string) (Meta, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return Meta{}, err
	}
	meta := FromFileInfo(info)
	if meta.Kind == KindSymlink {
		target, err := os.Readlink(path)
		if err != nil {
			return Meta{}, fmt.Errorf("readlink %q: %w", path, err)
		}
		meta.Target = target
	}
	return meta, nil
}

// FromFileInfo converts an lstat result. Target is left empty.
func FromFileInfo(info fs.FileInfo) Meta {
	meta := Meta{
		Mode:    ModeBits(info.Mode()),
		ModTime: info.ModTime(),
		Size:    info.Size(),
	}
	switch {
	case info.Mode().IsRegular():
		meta.Kind = KindFile
	case info.IsDir():
		meta.Kind = KindDir
		meta.Size = 0
	case info.Mode()&fs.ModeSymlink != 0:
		meta.Kind = KindSymlink
		meta.Size = 0
	default:
		meta.Kind = KindOther
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		meta.UID = int(st.Uid)
		meta.GID = int(st.Gid)
	}
	return meta
}

// ModeBits maps an fs.FileMode to the octal mode stored in tar headers.
func ModeBits(mode fs.FileMode) int64 {
	bits := int64(mode.Perm())
	if mode&fs.ModeSetuid != 0 {
		bits |= 0o4000
	}
	if mode&fs.ModeSetgid != 0 {
		bits |= 0o2000
	}
	if mode&fs.ModeSticky != 0 {
		bits |= 0o1000
	}
	return bits
}

// FileMode is the inverse of ModeBits. Type bits in the input are ignored.
func FileMode(bits int64) fs.FileMode {
	mode := fs.FileMode(bits & 0o777)
	if bits&0o4000 != 0 {
		mode |= fs.ModeSetuid
	}
	if bits&0o2000 != 0 {
		mode |= fs.ModeSetgid
	}
	if bits&0o1000 != 0 {
		mode |= fs.ModeSticky
	}
	return mode
}

// SetTimes sets both access and modification time of path to mtime
// without following a trailing symbolic link.
func SetTimes(path string, mtime time.Time) error {
	ts := unix.NsecToTimespec(mtime.UnixNano())
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, []unix.Timespec{ts, ts}, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return fmt.Errorf("set times on %q: %w", path, err)
	}
	return nil
}
