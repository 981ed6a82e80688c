package fingerprint

import "strings"

// Change aspects reported by Diff.
const (
	AspectAdded   = "added"
	AspectRemoved = "removed"
	AspectContent = "content"
	AspectMode    = "mode"
	AspectOwner   = "owner"
	AspectMtime   = "mtime"
)

// Change describes how one path differs between two fingerprints.
type Change struct {
	Path    string
	Aspects []string
}

func (c Change) String() string {
	return c.Path + " (" + strings.Join(c.Aspects, ",") + ")"
}

// Diff walks two sorted fingerprints in step and reports every path whose
// entry was added, removed or altered.
func Diff(before, after []Entry) []Change {
	var changes []Change
	i, j := 0, 0
	for i < len(before) || j < len(after) {
		switch {
		case j >= len(after) || (i < len(before) && before[i].Path < after[j].Path):
			changes = append(changes, Change{Path: before[i].Path, Aspects: []string{AspectRemoved}})
			i++
		case i >= len(before) || after[j].Path < before[i].Path:
			changes = append(changes, Change{Path: after[j].Path, Aspects: []string{AspectAdded}})
			j++
		default:
			if aspects := compare(before[i], after[j]); len(aspects) > 0 {
				changes = append(changes, Change{Path: before[i].Path, Aspects: aspects})
			}
			i++
			j++
		}
	}
	return changes
}

func compare(a, b Entry) []string {
	var aspects []string
	if a.Identity != b.Identity {
		aspects = append(aspects, AspectContent)
	}
	if a.Mode != b.Mode {
		aspects = append(aspects, AspectMode)
	}
	if a.UID != b.UID || a.GID != b.GID {
		aspects = append(aspects, AspectOwner)
	}
	if a.ModTime != b.ModTime {
		aspects = append(aspects, AspectMtime)
	}
	return aspects
}
