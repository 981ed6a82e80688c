package repack

import (
	"archive/tar"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fwrepack/pkg/compression"
)

var stamp = time.Unix(1650000000, 0)

type member struct {
	name     string
	typeflag byte
	mode     int64
	body     string
	linkname string
}

func dirMember(name string) member { return member{name: name, typeflag: tar.TypeDir, mode: 0o755} }
func fileMember(name, body string) member {
	return member{name: name, typeflag: tar.TypeReg, mode: 0o644, body: body}
}

func buildTar(t *testing.T, members ...member) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, m := range members {
		hdr := &tar.Header{
			Name:     m.name,
			Typeflag: m.typeflag,
			Mode:     m.mode,
			Size:     int64(len(m.body)),
			Linkname: m.linkname,
			ModTime:  stamp,
			Uname:    "root",
			Gname:    "root",
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header %s: %v", m.name, err)
		}
		if _, err := io.WriteString(tw, m.body); err != nil {
			t.Fatalf("write %s: %v", m.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func gzipped(t *testing.T, raw []byte) []byte {
	t.Helper()
	out, err := compression.DefaultCompressor().Compress(raw, compression.Reference{Format: compression.FormatGzip, ModTime: stamp, OS: 3})
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	return out
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

type tarEntry struct {
	hdr  tar.Header
	body []byte
}

// readTar decompresses data if needed and lists its members in order.
func readTar(t *testing.T, data []byte) []tarEntry {
	t.Helper()
	rc, _, err := compression.Open(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer rc.Close()
	var out []tarEntry
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("read tar: %v", err)
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, tarEntry{hdr: *hdr, body: body})
	}
}

func findEntry(t *testing.T, entries []tarEntry, name string) tarEntry {
	t.Helper()
	for _, e := range entries {
		if e.hdr.Name == name {
			return e
		}
	}
	t.Fatalf("member %s not found", name)
	return tarEntry{}
}

// fixture is a firmware container: a gzip-compressed tar holding a
// manifest, a plain boot image and two gzip-compressed nested archives.
type fixture struct {
	dir      string
	input    string
	output   string
	workRoot string

	container []byte
	netHwfs   []byte
	rootfs    []byte
	manifest  string
}

const manifestTemplate = `{
  // device firmware manifest
  "Version": "V100R001C00SPC200",
  "ModuleInfo": [
    {"fullName": "net.hwfs", "md5": "%s", "size": %d, "type": "fs"},
    {"fullName": "rootfs.hwfs", "md5": "%s", "size": %d, "type": "fs"},
    {"fullName": "boot.img", "md5": "%s", "size": %d, "type": "raw"}
  ]
}
`

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{dir: t.TempDir()}
	f.input = filepath.Join(f.dir, "fw.bin")
	f.output = filepath.Join(f.dir, "fw-patched.bin")
	f.workRoot = filepath.Join(f.dir, "work")

	f.netHwfs = gzipped(t, buildTar(t,
		dirMember("./"),
		dirMember("./etc/"),
		fileMember("./etc/config.sh", "WAN=dhcp\n"),
		fileMember("./etc/hosts", "127.0.0.1 localhost\n"),
		dirMember("./bin/"),
		member{name: "./bin/sh", typeflag: tar.TypeSymlink, mode: 0o777, linkname: "busybox"},
	))
	f.rootfs = gzipped(t, buildTar(t,
		dirMember("./"),
		fileMember("./init", "#!/bin/sh\nexec /sbin/init\n"),
	))
	boot := "boot image bytes"
	f.manifest = fmt.Sprintf(manifestTemplate,
		md5Hex(f.netHwfs), len(f.netHwfs),
		md5Hex(f.rootfs), len(f.rootfs),
		md5Hex([]byte(boot)), len(boot),
	)

	f.container = gzipped(t, buildTar(t,
		dirMember("./"),
		fileMember("./boot.img", boot),
		fileMember("./manifest.json", f.manifest),
		fileMember("./net.hwfs", string(f.netHwfs)),
		fileMember("./rootfs.hwfs", string(f.rootfs)),
	))
	if err := os.WriteFile(f.input, f.container, 0o644); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) workEntries(t *testing.T) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(f.workRoot)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Fatal(err)
	}
	return entries
}
