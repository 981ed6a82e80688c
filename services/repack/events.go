package repack

import (
	"context"
	"time"
)

// Event subjects published on the bus.
const (
	SubjectBuildStarted  = "fwrepack.builds.started"
	SubjectBuildFinished = "fwrepack.builds.finished"
)

// Publisher announces build events. *bus.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// BuildStarted is published before the first stage.
type BuildStarted struct {
	SessionID string    `json:"session_id"`
	Input     string    `json:"input"`
	Output    string    `json:"output"`
	StartedAt time.Time `json:"started_at"`
}

// BuildFinished is published once the build has succeeded or failed.
type BuildFinished struct {
	SessionID       string    `json:"session_id"`
	Outcome         string    `json:"outcome"`
	Stage           string    `json:"stage,omitempty"`
	Error           string    `json:"error,omitempty"`
	Output          string    `json:"output,omitempty"`
	Rebuilt         []string  `json:"rebuilt,omitempty"`
	Kept            []string  `json:"kept,omitempty"`
	ManifestUpdates []string  `json:"manifest_updates,omitempty"`
	FinishedAt      time.Time `json:"finished_at"`
	DurationMS      int64     `json:"duration_ms"`
}

func (o *Orchestrator) publish(ctx context.Context, subj string, v any) {
	if o.opts.Events == nil {
		return
	}
	if err := o.opts.Events.Publish(ctx, subj, v); err != nil {
		o.log.Printf("WARN publish %s: %v", subj, err)
	}
}
