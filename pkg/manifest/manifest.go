// Package manifest reads and rewrites firmware integrity manifests: JSON
// (optionally with comments) documents that list each shipped file with
// its digest and size. Rewrites touch only the digest and size values of
// the affected records; every other byte of the document is preserved.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/jsonc"
)

var (
	// ErrInvalid is returned for documents that are not JSON or JSONC.
	ErrInvalid = errors.New("manifest: invalid document")
	// ErrLayout is returned when the document does not have the configured shape.
	ErrLayout = errors.New("manifest: unexpected layout")
	// ErrUnknownEntry is returned when an update names a file the manifest does not list.
	ErrUnknownEntry = errors.New("manifest: unknown entry")
)

// Layout names the parts of the document the updater touches.
type Layout struct {
	ListKey   string `yaml:"list_key"`
	NameField string `yaml:"name_field"`
	HashField string `yaml:"hash_field"`
	SizeField string `yaml:"size_field"`
}

// DefaultLayout matches the vendor manifests seen in the wild:
// {"ModuleInfo":[{"fullName":…,"md5":…,"size":…}]}.
func DefaultLayout() Layout {
	return Layout{
		ListKey:   "ModuleInfo",
		NameField: "fullName",
		HashField: "md5",
		SizeField: "size",
	}
}

// Validate reports a layout with empty keys.
func (l Layout) Validate() error {
	if l.ListKey == "" || l.NameField == "" || l.HashField == "" || l.SizeField == "" {
		return fmt.Errorf("%w: list, name, hash and size keys are required", ErrLayout)
	}
	return nil
}

// Entry is one record of the manifest list as currently written.
type Entry struct {
	Name string
	Hash string
	Size int64
}

// Update is the new digest and size for one entry.
type Update struct {
	Hash string
	Size int64
}

type record struct {
	name Entry
	hash gjson.Result
	size gjson.Result
}

// Entries lists the records of doc in document order.
func Entries(doc []byte, layout Layout) ([]Entry, error) {
	records, _, err := parse(doc, layout)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.name)
	}
	return out, nil
}

// Apply merges updates, keyed by entry name, into doc. Only the hash and
// size values of matching records change; the returned document is
// otherwise byte-identical to doc. changed is false when no value
// actually differs, in which case doc itself is returned.
func Apply(doc []byte, updates map[string]Update, layout Layout) (out []byte, changed bool, err error) {
	if len(updates) == 0 {
		return doc, false, nil
	}
	records, clean, err := parse(doc, layout)
	if err != nil {
		return nil, false, err
	}

	var patches []patch
	matched := make(map[string]bool, len(updates))
	for _, rec := range records {
		upd, ok := updates[rec.name.Name]
		if !ok {
			continue
		}
		matched[rec.name.Name] = true

		if !strings.EqualFold(rec.hash.Str, upd.Hash) {
			patches = append(patches, patch{
				start: rec.hash.Index,
				old:   rec.hash.Raw,
				text:  strconv.Quote(matchCase(rec.hash.Str, upd.Hash)),
			})
		}
		if rec.name.Size != upd.Size {
			text := strconv.FormatInt(upd.Size, 10)
			if rec.size.Type == gjson.String {
				text = strconv.Quote(text)
			}
			patches = append(patches, patch{start: rec.size.Index, old: rec.size.Raw, text: text})
		}
	}

	var missing []string
	for name := range updates {
		if !matched[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownEntry, strings.Join(missing, ", "))
	}
	if len(patches) == 0 {
		return doc, false, nil
	}

	out, err = splice(doc, clean, patches)
	if err != nil {
		return nil, false, err
	}
	return out, !bytes.Equal(out, doc), nil
}

// parse locates every record of the configured list. Offsets in the
// returned results are valid for both doc and the returned comment-free
// copy, which has the same length.
func parse(doc []byte, layout Layout) ([]record, []byte, error) {
	if err := layout.Validate(); err != nil {
		return nil, nil, err
	}
	clean := jsonc.ToJSON(doc)
	if !gjson.ValidBytes(clean) {
		return nil, nil, ErrInvalid
	}
	root := gjson.ParseBytes(clean)
	if !root.IsObject() {
		return nil, nil, fmt.Errorf("%w: top level is not an object", ErrLayout)
	}

	var list gjson.Result
	root.ForEach(func(key, value gjson.Result) bool {
		if key.Str == layout.ListKey {
			list = value
			return false
		}
		return true
	})
	if !list.IsArray() {
		return nil, nil, fmt.Errorf("%w: %q is not a list", ErrLayout, layout.ListKey)
	}

	var (
		records []record
		perr    error
	)
	list.ForEach(func(_, elem gjson.Result) bool {
		if !elem.IsObject() {
			perr = fmt.Errorf("%w: %q element at offset %d is not an object", ErrLayout, layout.ListKey, elem.Index)
			return false
		}
		var rec record
		var name gjson.Result
		elem.ForEach(func(key, value gjson.Result) bool {
			switch key.Str {
			case layout.NameField:
				name = value
			case layout.HashField:
				rec.hash = value
			case layout.SizeField:
				rec.size = value
			}
			return true
		})
		if name.Type != gjson.String {
			perr = fmt.Errorf("%w: record at offset %d has no %q", ErrLayout, elem.Index, layout.NameField)
			return false
		}
		if rec.hash.Type != gjson.String {
			perr = fmt.Errorf("%w: %s has no string %q", ErrLayout, name.Str, layout.HashField)
			return false
		}
		size, err := sizeValue(rec.size)
		if err != nil {
			perr = fmt.Errorf("%w: %s: %v", ErrLayout, name.Str, err)
			return false
		}
		rec.name = Entry{Name: name.Str, Hash: rec.hash.Str, Size: size}
		records = append(records, rec)
		return true
	})
	if perr != nil {
		return nil, nil, perr
	}
	return records, clean, nil
}

func sizeValue(v gjson.Result) (int64, error) {
	switch v.Type {
	case gjson.Number:
		return strconv.ParseInt(v.Raw, 10, 64)
	case gjson.String:
		return strconv.ParseInt(v.Str, 10, 64)
	default:
		return 0, errors.New("size is missing or not a number")
	}
}

// matchCase renders a hex digest in the letter case of the value it replaces.
func matchCase(old, digest string) string {
	if old != strings.ToLower(old) && old == strings.ToUpper(old) {
		return strings.ToUpper(digest)
	}
	return strings.ToLower(digest)
}

type patch struct {
	start int
	old   string
	text  string
}

// splice replaces each patched value in a copy of doc, last offset first
// so earlier offsets stay valid.
func splice(doc, clean []byte, patches []patch) ([]byte, error) {
	sort.Slice(patches, func(i, j int) bool { return patches[i].start > patches[j].start })
	out := append([]byte(nil), doc...)
	for _, p := range patches {
		end := p.start + len(p.old)
		if p.start < 0 || end > len(out) || string(clean[p.start:end]) != p.old || string(doc[p.start:end]) != p.old {
			return nil, fmt.Errorf("%w: value offset %d does not match document", ErrInvalid, p.start)
		}
		out = append(out[:p.start], append([]byte(p.text), out[end:]...)...)
	}
	return out, nil
}
