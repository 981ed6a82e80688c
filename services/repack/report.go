package repack

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Archive decisions.
const (
	DecisionKept    = "kept"
	DecisionRebuilt = "rebuilt"
	DecisionFailed  = "failed"
)

// Report describes a finished build.
type Report struct {
	SessionID       string
	Input           string
	Output          string
	Signature       string
	WorkDir         string // set only when the working directory was retained
	OuterRebuilt    bool
	Nested          []ArchiveReport
	ManifestUpdates []string
	Stages          []StageTiming
	Duration        time.Duration
}

// ArchiveReport is the outcome for one nested archive.
type ArchiveReport struct {
	Name     string
	Decision string
	OldSize  int64
	NewSize  int64
	Changes  int
	Error    string
}

// StageTiming records how long a stage ran.
type StageTiming struct {
	Stage    Stage
	Duration time.Duration
}

// Names returns the nested archives that ended with decision.
func (r *Report) Names(decision string) []string {
	var out []string
	for _, n := range r.Nested {
		if n.Decision == decision {
			out = append(out, n.Name)
		}
	}
	return out
}

// Summary is a one-line description for the CLI.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "wrote %s", r.Output)
	if rebuilt := r.Names(DecisionRebuilt); len(rebuilt) > 0 {
		fmt.Fprintf(&b, "; rebuilt %s", strings.Join(rebuilt, ", "))
	}
	if kept := r.Names(DecisionKept); len(kept) > 0 {
		fmt.Fprintf(&b, "; kept %d unchanged", len(kept))
	}
	if len(r.ManifestUpdates) > 0 {
		fmt.Fprintf(&b, "; manifest entries updated: %d", len(r.ManifestUpdates))
	}
	if !r.OuterRebuilt {
		b.WriteString("; container contents unchanged")
	}
	fmt.Fprintf(&b, " (%s)", r.Duration.Round(time.Millisecond))
	return b.String()
}

func sizeChange(oldSize, newSize int64) string {
	return fmt.Sprintf("%s -> %s", humanize.IBytes(uint64(oldSize)), humanize.IBytes(uint64(newSize)))
}
