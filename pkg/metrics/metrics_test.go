package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPromRecords(t *testing.T) {
	p := NewProm("fwrepack")
	p.ObserveStage("extract", 1.5)
	p.IncArchive("rebuilt")
	p.IncArchive("kept")
	p.IncArchive("kept")
	p.AddManifestUpdates(2)
	p.SetOutcome("failed")
	p.SetOutcome("success")

	if got := testutil.ToFloat64(p.archives.WithLabelValues("kept")); got != 2 {
		t.Fatalf("kept archives = %v, want 2", got)
	}
	if got := testutil.ToFloat64(p.manifestUpdates); got != 2 {
		t.Fatalf("manifest updates = %v, want 2", got)
	}
	if got := testutil.ToFloat64(p.outcome.WithLabelValues("failed")); got != 0 {
		t.Fatalf("failed outcome = %v, want 0", got)
	}

	path := filepath.Join(t.TempDir(), "fwrepack.prom")
	if err := p.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`fwrepack_stage_duration_seconds{stage="extract"} 1.5`,
		`fwrepack_nested_archives_total{decision="rebuilt"} 1`,
		`fwrepack_last_run_outcome{outcome="success"} 1`,
	} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("textfile missing %q:\n%s", want, data)
		}
	}
}

func TestNoopSatisfiesRecorder(t *testing.T) {
	var r Recorder = Noop{}
	r.ObserveStage("decrypt", 1)
	r.SetOutcome("success")
}
