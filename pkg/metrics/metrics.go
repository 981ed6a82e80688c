// Package metrics records build outcomes for node_exporter's textfile
// collector. A repack is a short-lived process, so metrics are written to
// a file at the end of the run instead of being served.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder captures per-build measurements.
type Recorder interface {
	ObserveStage(stage string, seconds float64)
	IncArchive(decision string)
	AddManifestUpdates(n int)
	SetOutcome(outcome string)
}

// Noop implements Recorder without emitting anything.
type Noop struct{}

func (Noop) ObserveStage(string, float64) {}
func (Noop) IncArchive(string)            {}
func (Noop) AddManifestUpdates(int)       {}
func (Noop) SetOutcome(string)            {}

// Outcomes reported by SetOutcome.
var outcomes = []string{"success", "failed"}

// Prom implements Recorder on a private Prometheus registry.
type Prom struct {
	registry        *prometheus.Registry
	stageSeconds    *prometheus.GaugeVec
	archives        *prometheus.CounterVec
	manifestUpdates prometheus.Counter
	outcome         *prometheus.GaugeVec
	lastRun         prometheus.Gauge
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		stageSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time spent in each build stage of the last run",
		}, []string{"stage"}),
		archives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nested_archives_total",
			Help:      "Nested archives by rebuild decision",
		}, []string{"decision"}),
		manifestUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manifest_entries_updated_total",
			Help:      "Manifest entries whose hash or size was rewritten",
		}),
		outcome: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_outcome",
			Help:      "1 for the outcome of the last run, 0 otherwise",
		}, []string{"outcome"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished",
		}),
	}
	p.registry.MustRegister(p.stageSeconds, p.archives, p.manifestUpdates, p.outcome, p.lastRun)
	return p
}

func (p *Prom) ObserveStage(stage string, seconds float64) {
	p.stageSeconds.WithLabelValues(stage).Set(seconds)
}

func (p *Prom) IncArchive(decision string) {
	p.archives.WithLabelValues(decision).Inc()
}

func (p *Prom) AddManifestUpdates(n int) {
	p.manifestUpdates.Add(float64(n))
}

func (p *Prom) SetOutcome(outcome string) {
	for _, o := range outcomes {
		p.outcome.WithLabelValues(o).Set(0)
	}
	p.outcome.WithLabelValues(outcome).Set(1)
	p.lastRun.SetToCurrentTime()
}

// WriteTextfile writes every metric to path in the text exposition format.
// The file is replaced atomically.
func (p *Prom) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, p.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
