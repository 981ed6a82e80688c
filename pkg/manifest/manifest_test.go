package manifest

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const sample = `{
  // generated by the vendor build farm
  "Version": "V100R001C00",
  "ModuleInfo": [
    {"fullName": "net.hwfs", "md5": "0123456789ABCDEF0123456789ABCDEF", "size": 4096, "type": "fs"},
    {"fullName": "boot.img", "md5": "ffeeddccbbaa99887766554433221100", "size": "2048"},
    /* shell hooks */
    {"fullName": "config.sh", "md5": "00112233445566778899aabbccddeeff", "size": 12},
  ]
}
`

func TestEntries(t *testing.T) {
	got, err := Entries([]byte(sample), DefaultLayout())
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	want := []Entry{
		{Name: "net.hwfs", Hash: "0123456789ABCDEF0123456789ABCDEF", Size: 4096},
		{Name: "boot.img", Hash: "ffeeddccbbaa99887766554433221100", Size: 2048},
		{Name: "config.sh", Hash: "00112233445566778899aabbccddeeff", Size: 12},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Entries() = %+v, want %+v", got, want)
	}
}

func TestApplyNoUpdates(t *testing.T) {
	doc := []byte(sample)
	out, changed, err := Apply(doc, nil, DefaultLayout())
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if changed || !bytes.Equal(out, doc) {
		t.Fatalf("Apply(nil) changed = %v, want unchanged document", changed)
	}
}

func TestApplyIdenticalValues(t *testing.T) {
	doc := []byte(sample)
	updates := map[string]Update{
		"net.hwfs": {Hash: "0123456789abcdef0123456789abcdef", Size: 4096},
	}
	out, changed, err := Apply(doc, updates, DefaultLayout())
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if changed || !bytes.Equal(out, doc) {
		t.Fatalf("Apply() changed = %v for identical values", changed)
	}
}

func TestApplyTouchesOnlyTargetValues(t *testing.T) {
	doc := []byte(sample)
	updates := map[string]Update{
		"net.hwfs":  {Hash: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", Size: 8192},
		"config.sh": {Hash: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", Size: 7},
	}
	out, changed, err := Apply(doc, updates, DefaultLayout())
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !changed {
		t.Fatal("Apply() changed = false, want true")
	}

	want := strings.NewReplacer(
		`"md5": "0123456789ABCDEF0123456789ABCDEF", "size": 4096`,
		`"md5": "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", "size": 8192`,
		`"md5": "00112233445566778899aabbccddeeff", "size": 12`,
		`"md5": "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", "size": 7`,
	).Replace(sample)
	if string(out) != want {
		t.Fatalf("Apply() =\n%s\nwant\n%s", out, want)
	}
}

func TestApplyKeepsStringSizes(t *testing.T) {
	out, _, err := Apply([]byte(sample), map[string]Update{
		"boot.img": {Hash: "ffeeddccbbaa99887766554433221100", Size: 4096},
	}, DefaultLayout())
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !bytes.Contains(out, []byte(`"size": "4096"`)) {
		t.Fatalf("string size was not kept as a string:\n%s", out)
	}
}

func TestApplyErrors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		updates map[string]Update
		layout  Layout
		want    error
	}{
		{
			name:    "unknown entry",
			doc:     sample,
			updates: map[string]Update{"missing.bin": {Hash: "00", Size: 1}},
			layout:  DefaultLayout(),
			want:    ErrUnknownEntry,
		},
		{
			name:    "not json",
			doc:     "ModuleInfo = []",
			updates: map[string]Update{"a": {}},
			layout:  DefaultLayout(),
			want:    ErrInvalid,
		},
		{
			name:    "list missing",
			doc:     `{"Modules": []}`,
			updates: map[string]Update{"a": {}},
			layout:  DefaultLayout(),
			want:    ErrLayout,
		},
		{
			name:    "custom layout mismatch",
			doc:     sample,
			updates: map[string]Update{"net.hwfs": {}},
			layout:  Layout{ListKey: "ModuleInfo", NameField: "fullName", HashField: "sha256", SizeField: "size"},
			want:    ErrLayout,
		},
		{
			name:    "empty layout",
			doc:     sample,
			updates: map[string]Update{"net.hwfs": {}},
			layout:  Layout{},
			want:    ErrLayout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Apply([]byte(tt.doc), tt.updates, tt.layout)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Apply() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDigestFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.sh")
	if err := os.WriteFile(p, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		alg  Algorithm
		want string
	}{
		{MD5, "900150983cd24fb0d6963f7d28e17f72"},
		{SHA256, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
	}
	for _, tt := range tests {
		t.Run(string(tt.alg), func(t *testing.T) {
			got, size, err := DigestFile(p, tt.alg)
			if err != nil {
				t.Fatalf("DigestFile() error = %v", err)
			}
			if got != tt.want || size != 3 {
				t.Fatalf("DigestFile() = %s, %d, want %s, 3", got, size, tt.want)
			}
		})
	}
}

func TestParseAlgorithm(t *testing.T) {
	for input, want := range map[string]Algorithm{"": MD5, "MD5": MD5, "sha256": SHA256} {
		got, err := ParseAlgorithm(input)
		if err != nil || got != want {
			t.Fatalf("ParseAlgorithm(%q) = %q, %v, want %q", input, got, err, want)
		}
	}
	if _, err := ParseAlgorithm("crc32"); err == nil {
		t.Fatal("ParseAlgorithm(crc32) error = nil")
	}
}

func TestResolve(t *testing.T) {
	tests := map[string]string{
		"net.hwfs":         "/work/root/net.hwfs",
		"/etc/config.sh":   "/work/root/etc/config.sh",
		"../../etc/shadow": "/work/root/etc/shadow",
	}
	for name, want := range tests {
		got, err := Resolve("/work/root", name)
		if err != nil || got != want {
			t.Fatalf("Resolve(%q) = %q, %v, want %q", name, got, err, want)
		}
	}
	if _, err := Resolve("/work/root", "/"); err == nil {
		t.Fatal("Resolve(/) error = nil")
	}
}

func TestUpdateFilePreservesMetadata(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "manifest.json")
	if err := os.WriteFile(p, []byte(sample), 0o640); err != nil {
		t.Fatal(err)
	}
	stamp := time.Unix(1600000000, 0)
	if err := os.Chtimes(p, stamp, stamp); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(dir, stamp, stamp); err != nil {
		t.Fatal(err)
	}

	changed, err := UpdateFile(p, map[string]Update{"config.sh": {Hash: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", Size: 7}}, DefaultLayout())
	if err != nil {
		t.Fatalf("UpdateFile() error = %v", err)
	}
	if !changed {
		t.Fatal("UpdateFile() changed = false")
	}

	info, err := os.Stat(p)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Fatalf("mode = %v, want 0640", info.Mode().Perm())
	}
	if !info.ModTime().Equal(stamp) {
		t.Fatalf("mtime = %v, want %v", info.ModTime(), stamp)
	}
	dirInfo, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !dirInfo.ModTime().Equal(stamp) {
		t.Fatalf("dir mtime = %v, want %v", dirInfo.ModTime(), stamp)
	}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("temp file left behind: %v, %v", entries, err)
	}
}

func TestUpdateFileUnchangedDoesNotWrite(t *testing.T) {
	p := filepath.Join(t.TempDir(), "manifest.json")
	if err := os.WriteFile(p, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	stamp := time.Unix(1600000000, 0)
	if err := os.Chtimes(p, stamp, stamp); err != nil {
		t.Fatal(err)
	}
	before, _ := os.Stat(p)

	changed, err := UpdateFile(p, map[string]Update{}, DefaultLayout())
	if err != nil || changed {
		t.Fatalf("UpdateFile() = %v, %v, want false, nil", changed, err)
	}
	after, _ := os.Stat(p)
	if !os.SameFile(before, after) {
		t.Fatal("manifest was replaced although nothing changed")
	}
}
