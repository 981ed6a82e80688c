package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"fwrepack/pkg/fsmeta"
)

const (
	blockSize  = 512
	recordSize = 20 * blockSize
)

// Ownership selects where rebuilt members take uid/gid from.
type Ownership int

const (
	// OwnershipOriginal keeps the archive's uid/gid/uname/gname. New
	// members inherit them from their nearest original ancestor. Used
	// when extraction could not chown.
	OwnershipOriginal Ownership = iota
	// OwnershipLive refreshes uid/gid from the extracted files.
	OwnershipLive
)

// RebuildOptions configures Rebuild.
type RebuildOptions struct {
	Ownership Ownership
}

// Stats counts what Rebuild did with each member.
type Stats struct {
	Retained    int
	Removed     int
	Added       int
	Passthrough int
}

type owner struct {
	uid, gid     int
	uname, gname string
}

// Rebuild writes a new tar stream to w from the original archive and the
// directory holding its possibly patched contents. Original members keep
// their order and header; those still on disk are refreshed from the
// filesystem, missing ones are dropped, and paths without an original
// member are appended in lexicographic order. A member whose header and
// content the filesystem leaves unchanged is copied from the original's
// raw blocks, extension headers included.
func Rebuild(original io.Reader, contentDir string, w io.Writer, opts RebuildOptions) (Stats, error) {
	info, err := os.Stat(contentDir)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrContentDir, err)
	}
	if !info.IsDir() {
		return Stats{}, fmt.Errorf("%w: %s is not a directory", ErrContentDir, contentDir)
	}

	in := &recordingReader{r: original}
	out := &countingWriter{w: w}
	b := &rebuilder{
		contentDir: contentDir,
		ownership:  opts.Ownership,
		in:         in,
		out:        out,
		tr:         tar.NewReader(in),
		tw:         tar.NewWriter(out),
		seen:       map[string]bool{},
		owners:     map[string]owner{},
		convent:    naming{dirSlash: true},
	}

	for {
		// Headers start on block boundaries; what Next reads before the
		// boundary is the previous member's padding.
		lead := int((blockSize - in.n%blockSize) % blockSize)
		in.start()
		hdr, err := b.tr.Next()
		chunk := in.stop()
		lead = min(lead, len(chunk))
		if b.rawPad {
			if _, werr := out.Write(chunk[:lead]); werr != nil {
				return b.stats, fmt.Errorf("write padding: %w", werr)
			}
			b.rawPad = false
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return b.stats, fmt.Errorf("%w: read header: %v", ErrMalformed, err)
		}
		if err := b.member(hdr, chunk[lead:]); err != nil {
			return b.stats, err
		}
		if _, err := io.Copy(io.Discard, b.tr); err != nil {
			return b.stats, fmt.Errorf("%w: read %q: %v", ErrMalformed, hdr.Name, err)
		}
	}

	// The reader stops at the end-of-archive marker; the rest is record padding.
	if _, err := io.Copy(io.Discard, in); err != nil {
		return b.stats, fmt.Errorf("%w: read trailer: %v", ErrMalformed, err)
	}

	added, err := newPaths(contentDir, b.seen)
	if err != nil {
		return b.stats, err
	}
	for _, rel := range added {
		full := filepath.Join(contentDir, filepath.FromSlash(rel))
		meta, err := fsmeta.Lstat(full)
		if err != nil {
			return b.stats, fmt.Errorf("stat %q: %w", rel, err)
		}
		hdr, err := synthesize(rel, meta, b.convent, b.format, inherited(b.owners, rel), opts.Ownership)
		if err != nil {
			return b.stats, err
		}
		if err := writeMember(b.tw, hdr, full); err != nil {
			return b.stats, fmt.Errorf("write %q: %w", rel, err)
		}
		b.owners[rel] = owner{uid: hdr.Uid, gid: hdr.Gid, uname: hdr.Uname, gname: hdr.Gname}
		b.stats.Added++
	}

	if err := b.tw.Close(); err != nil {
		return b.stats, fmt.Errorf("close tar writer: %w", err)
	}
	if err := pad(out, in.n); err != nil {
		return b.stats, err
	}
	return b.stats, nil
}

type rebuilder struct {
	contentDir string
	ownership  Ownership
	in         *recordingReader
	out        *countingWriter
	tr         *tar.Reader
	tw         *tar.Writer
	stats      Stats

	seen       map[string]bool
	owners     map[string]owner
	convent    naming
	sawFirst   bool
	sawDir     bool
	format     tar.Format
	sparseData []byte

	// rawPad is set after a member was copied raw. Its padding is read,
	// and copied, along with the next header.
	rawPad bool
}

// member reconciles one original member with the filesystem. raw holds
// the member's header blocks exactly as they were read.
func (b *rebuilder) member(hdr *tar.Header, raw []byte) error {
	rel, err := memberPath(hdr.Name)
	if err != nil {
		return err
	}
	if !b.sawFirst {
		b.sawFirst = true
		b.convent = namingFrom(hdr)
		b.format = hdr.Format
	}
	if hdr.Typeflag == tar.TypeDir && !b.sawDir {
		b.sawDir = true
		b.convent.dirSlash = len(hdr.Name) > 0 && hdr.Name[len(hdr.Name)-1] == '/'
	}
	if b.seen[rel] {
		return nil
	}
	b.seen[rel] = true
	b.owners[rel] = owner{uid: hdr.Uid, gid: hdr.Gid, uname: hdr.Uname, gname: hdr.Gname}

	full := filepath.Join(b.contentDir, filepath.FromSlash(rel))
	kind := memberKind(hdr.Typeflag)

	if kind == fsmeta.KindOther {
		if hdr.Typeflag == tar.TypeLink {
			if _, err := os.Lstat(full); errors.Is(err, fs.ErrNotExist) {
				b.stats.Removed++
				return nil
			}
		}
		// Device numbers, sparse maps and the like are carried as read.
		b.in.start()
		_, err := io.Copy(io.Discard, b.tr)
		data := b.in.stop()
		if err != nil {
			return fmt.Errorf("%w: read %q: %v", ErrMalformed, rel, err)
		}
		if err := b.writeRaw(raw, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("write %q: %w", rel, err)
		}
		b.stats.Passthrough++
		return nil
	}

	meta, err := fsmeta.Lstat(full)
	if errors.Is(err, fs.ErrNotExist) {
		b.stats.Removed++
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %q: %w", rel, err)
	}

	var next *tar.Header
	if meta.Kind == kind {
		next = refresh(hdr, meta, b.ownership)
		same, err := b.unchanged(hdr, next, full)
		if err != nil {
			return fmt.Errorf("compare %q: %w", rel, err)
		}
		if same {
			if err := b.copyRaw(hdr, raw, full); err != nil {
				return fmt.Errorf("write %q: %w", rel, err)
			}
			b.stats.Retained++
			return nil
		}
	} else {
		next, err = synthesize(rel, meta, b.convent, b.format, inherited(b.owners, rel), b.ownership)
		if err != nil {
			return err
		}
	}
	if err := writeMember(b.tw, next, full); err != nil {
		return fmt.Errorf("write %q: %w", rel, err)
	}
	b.stats.Retained++
	return nil
}

// unchanged reports whether refreshing left the header as it was and, for
// regular files, whether the file still holds the member's content. It
// consumes the member's content from the reader.
func (b *rebuilder) unchanged(orig, next *tar.Header, full string) (bool, error) {
	if !sameHeader(orig, next) {
		return false, nil
	}
	if next.Typeflag != tar.TypeReg {
		return true, nil
	}
	sparse := isSparse(orig)
	if sparse {
		b.in.start()
	}
	same, err := sameContent(b.tr, full)
	if sparse {
		b.sparseData = b.in.stop()
	}
	return same, err
}

// copyRaw writes an unchanged member from its original blocks. Regular
// file data is taken from disk, where it is known to be identical, unless
// the member is sparse and its stored form differs from the content.
func (b *rebuilder) copyRaw(hdr *tar.Header, raw []byte, full string) error {
	if memberKind(hdr.Typeflag) != fsmeta.KindFile {
		return b.writeRaw(raw, nil)
	}
	if isSparse(hdr) {
		data := b.sparseData
		b.sparseData = nil
		return b.writeRaw(raw, bytes.NewReader(data))
	}
	file, err := os.Open(full)
	if err != nil {
		return err
	}
	defer file.Close()
	return b.writeRaw(raw, io.LimitReader(file, hdr.Size))
}

func (b *rebuilder) writeRaw(raw []byte, data io.Reader) error {
	// Finish the padding of whatever the tar writer wrote last.
	if err := b.tw.Flush(); err != nil {
		return err
	}
	if _, err := b.out.Write(raw); err != nil {
		return err
	}
	if data != nil {
		if _, err := io.Copy(b.out, data); err != nil {
			return err
		}
	}
	b.rawPad = true
	return nil
}

// sameHeader compares the fields refresh may change.
func sameHeader(a, b *tar.Header) bool {
	flag := func(f byte) byte {
		if f == '\x00' {
			return tar.TypeReg
		}
		return f
	}
	return flag(a.Typeflag) == flag(b.Typeflag) &&
		a.Size == b.Size &&
		a.Mode == b.Mode &&
		a.Uid == b.Uid && a.Gid == b.Gid &&
		a.Uname == b.Uname && a.Gname == b.Gname &&
		a.Linkname == b.Linkname &&
		a.ModTime.Equal(b.ModTime)
}

func isSparse(hdr *tar.Header) bool {
	if hdr.Typeflag == tar.TypeGNUSparse {
		return true
	}
	for key := range hdr.PAXRecords {
		if strings.HasPrefix(key, "GNU.sparse.") {
			return true
		}
	}
	return false
}

// sameContent compares r to the file at full, reading r to its end when
// they match.
func sameContent(r io.Reader, full string) (bool, error) {
	file, err := os.Open(full)
	if err != nil {
		return false, err
	}
	defer file.Close()

	want := make([]byte, 32<<10)
	got := make([]byte, len(want))
	for {
		n, err := io.ReadFull(r, want)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return false, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		m, ferr := io.ReadFull(file, got[:n])
		if ferr != nil && !errors.Is(ferr, io.EOF) && !errors.Is(ferr, io.ErrUnexpectedEOF) {
			return false, ferr
		}
		if m != n || !bytes.Equal(want[:n], got[:n]) {
			return false, nil
		}
		if n < len(want) {
			var extra [1]byte
			k, _ := file.Read(extra[:])
			return k == 0, nil
		}
	}
}

// refresh copies the original header and updates the fields that the
// filesystem is authoritative for.
func refresh(orig *tar.Header, meta fsmeta.Meta, ownership Ownership) *tar.Header {
	hdr := *orig
	hdr.ModTime = meta.ModTime
	if orig.ModTime.Nanosecond() == 0 {
		hdr.ModTime = meta.ModTime.Truncate(time.Second)
	}
	hdr.Mode = (orig.Mode &^ 0o7777) | meta.Mode
	if ownership == OwnershipLive && (meta.UID != orig.Uid || meta.GID != orig.Gid) {
		if meta.UID != orig.Uid {
			hdr.Uname = ""
		}
		if meta.GID != orig.Gid {
			hdr.Gname = ""
		}
		hdr.Uid = meta.UID
		hdr.Gid = meta.GID
	}
	switch meta.Kind {
	case fsmeta.KindFile:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = meta.Size
	case fsmeta.KindSymlink:
		// Symlink permissions carry no meaning on Linux.
		hdr.Mode = orig.Mode
		hdr.Linkname = meta.Target
		hdr.Size = 0
	case fsmeta.KindDir:
		hdr.Size = 0
	}
	return &hdr
}

// synthesize builds a header for a path the original archive did not
// describe in its current kind.
func synthesize(rel string, meta fsmeta.Meta, convent naming, format tar.Format, parent owner, ownership Ownership) (*tar.Header, error) {
	hdr := &tar.Header{
		Mode:    meta.Mode,
		ModTime: meta.ModTime.Truncate(time.Second),
		Uid:     parent.uid,
		Gid:     parent.gid,
		Uname:   parent.uname,
		Gname:   parent.gname,
		Format:  format,
	}
	if ownership == OwnershipLive {
		hdr.Uid, hdr.Gid = meta.UID, meta.GID
		if meta.UID != parent.uid {
			hdr.Uname = ""
		}
		if meta.GID != parent.gid {
			hdr.Gname = ""
		}
	}
	switch meta.Kind {
	case fsmeta.KindDir:
		hdr.Typeflag = tar.TypeDir
		hdr.Name = convent.name(rel, true)
	case fsmeta.KindSymlink:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Name = convent.name(rel, false)
		hdr.Linkname = meta.Target
	case fsmeta.KindFile:
		hdr.Typeflag = tar.TypeReg
		hdr.Name = convent.name(rel, false)
		hdr.Size = meta.Size
	default:
		return nil, fmt.Errorf("%q: unsupported file type for archive member", rel)
	}
	return hdr, nil
}

func writeMember(tw *tar.Writer, hdr *tar.Header, full string) error {
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if hdr.Typeflag != tar.TypeReg {
		return nil
	}
	file, err := os.Open(full)
	if err != nil {
		return err
	}
	defer file.Close()
	n, err := io.Copy(tw, file)
	if err != nil {
		return err
	}
	if n != hdr.Size {
		return fmt.Errorf("file changed while archiving: wrote %d of %d bytes", n, hdr.Size)
	}
	return nil
}

// inherited returns the ownership of the nearest ancestor the archive knows.
func inherited(owners map[string]owner, rel string) owner {
	for dir := path.Dir(rel); ; dir = path.Dir(dir) {
		if o, ok := owners[dir]; ok {
			return o
		}
		if dir == "." || dir == "/" {
			return owner{}
		}
	}
}

func newPaths(contentDir string, seen map[string]bool) ([]string, error) {
	var added []string
	err := filepath.WalkDir(contentDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(contentDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." || seen[rel] {
			return nil
		}
		added = append(added, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", contentDir, err)
	}
	sort.Strings(added)
	return added, nil
}

// pad extends the output to the record size the original used, so a
// GNU tar blocked to 10 KiB records keeps its trailing zero padding.
func pad(out *countingWriter, originalSize int64) error {
	if originalSize < recordSize || originalSize%recordSize != 0 {
		return nil
	}
	if rem := out.n % recordSize; rem != 0 {
		if _, err := out.Write(make([]byte, recordSize-rem)); err != nil {
			return fmt.Errorf("write record padding: %w", err)
		}
	}
	return nil
}

// recordingReader counts what it reads and, between start and stop, keeps
// a copy of it. tar.Reader reads exactly the blocks it needs, so the copy
// taken around Next holds the member's raw header blocks.
type recordingReader struct {
	r   io.Reader
	n   int64
	on  bool
	buf bytes.Buffer
}

func (c *recordingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.on {
		c.buf.Write(p[:n])
	}
	return n, err
}

func (c *recordingReader) start() {
	c.buf.Reset()
	c.on = true
}

func (c *recordingReader) stop() []byte {
	c.on = false
	return bytes.Clone(c.buf.Bytes())
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
