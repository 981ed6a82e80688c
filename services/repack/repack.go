// Package repack turns a vendor firmware container into a patched variant.
// A build unwraps the container, lets a patch modify the unpacked tree,
// and re-encodes only what the patch changed: untouched nested archives
// keep their original bytes, rebuilt ones keep every untouched member, and
// the integrity manifest is rewritten only where a digest or size moved.
package repack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fwrepack/pkg/archive"
	"fwrepack/pkg/codec"
	"fwrepack/pkg/compression"
	"fwrepack/pkg/manifest"
	"fwrepack/pkg/metrics"
	"fwrepack/pkg/patcher"
	gos3 "fwrepack/pkg/s3"
	"fwrepack/pkg/signer"
	"fwrepack/pkg/telemetry"
)

// Options configures a build.
type Options struct {
	Input       string
	Output      string // local path or s3://bucket/key
	WorkRoot    string // parent of the session working directory; defaults to os.TempDir()
	KeepWorkdir bool

	// Manifest is the manifest path relative to the container root. Empty
	// disables manifest synchronisation.
	Manifest       string
	Layout         manifest.Layout
	HashAlgorithm  manifest.Algorithm
	NestedPatterns []string // glob patterns matched against top-level file names
	NestedWrapped  bool     // nested archives are wrapped by NestedCodec

	Codec       codec.ContainerCodec
	NestedCodec codec.ContainerCodec // defaults to Codec
	Patcher     patcher.Patcher      // nil applies no patch
	Compressor  compression.Compressor

	Signer   *signer.Signer
	Uploader Uploader
	Events   Publisher
	Metrics  metrics.Recorder
	Logger   *log.Logger
	Now      func() time.Time
}

// Uploader stores the output container remotely. *s3.Client implements it.
type Uploader interface {
	UploadFile(ctx context.Context, dst gos3.URL, path string) error
}

type rebuildFunc func(original io.Reader, contentDir string, w io.Writer, opts archive.RebuildOptions) (archive.Stats, error)

// Orchestrator runs builds with a fixed configuration. Builds sharing a
// WorkRoot must not run concurrently.
type Orchestrator struct {
	opts          Options
	log           *log.Logger
	tracer        trace.Tracer
	rebuild       rebuildFunc
	writeManifest func(path string, data []byte) error
}

// New validates opts and fills in defaults.
func New(opts Options) (*Orchestrator, error) {
	if opts.Input == "" {
		return nil, errors.New("input container is required")
	}
	if opts.Output == "" {
		return nil, errors.New("output path is required")
	}
	if opts.Codec == nil {
		return nil, errors.New("container codec is required")
	}
	if opts.NestedCodec == nil {
		opts.NestedCodec = opts.Codec
	}
	if opts.Layout == (manifest.Layout{}) {
		opts.Layout = manifest.DefaultLayout()
	}
	if err := opts.Layout.Validate(); err != nil {
		return nil, err
	}
	if opts.HashAlgorithm == "" {
		opts.HashAlgorithm = manifest.MD5
	}
	if opts.Compressor == (compression.Compressor{}) {
		opts.Compressor = compression.DefaultCompressor()
	}
	for _, pattern := range opts.NestedPatterns {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("nested pattern %q: %w", pattern, err)
		}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Orchestrator{
		opts:          opts,
		log:           logger,
		tracer:        otel.Tracer("fwrepack/repack"),
		rebuild:       archive.Rebuild,
		writeManifest: manifest.WriteFile,
	}, nil
}

// Run performs one build with opts.
func Run(ctx context.Context, opts Options) (*Report, error) {
	o, err := New(opts)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Err: err}
	}
	return o.Run(ctx)
}

type stageFunc func(ctx context.Context, s *Session, r *Report) error

// Run performs one build. On failure the returned error is an *Error and
// the report describes the stages that ran.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	start := o.opts.Now()
	report := &Report{Input: o.opts.Input}

	if err := o.preflight(); err != nil {
		return report, err
	}

	session, err := newSession(o.opts.WorkRoot)
	if err != nil {
		return report, &Error{Kind: KindUnknown, Err: err}
	}
	report.SessionID = session.ID

	ctx, span := o.tracer.Start(ctx, "repack.run", trace.WithAttributes(
		attribute.String("fwrepack.session_id", session.ID),
		attribute.String("fwrepack.input", o.opts.Input),
	))
	defer span.End()
	telemetry.BindTrace(ctx, o.log)

	o.log.Printf("INFO build %s started: %s -> %s", session.ID, o.opts.Input, o.opts.Output)
	o.publish(ctx, SubjectBuildStarted, BuildStarted{
		SessionID: session.ID,
		Input:     o.opts.Input,
		Output:    o.opts.Output,
		StartedAt: start.UTC(),
	})

	stages := []struct {
		stage Stage
		run   stageFunc
	}{
		{StageDecrypt, o.decrypt},
		{StageExtract, o.extract},
		{StageSnapshotOriginal, o.snapshotOriginal},
		{StageApplyPatches, o.applyPatches},
		{StageDecideAndRebuild, o.decideAndRebuild},
		{StageUpdateManifest, o.updateManifest},
		{StageSyncOuterArchive, o.syncOuterArchive},
		{StageEncrypt, o.encrypt},
		{StageFinalize, o.finalize},
	}

	var runErr *Error
	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			runErr = &Error{Kind: KindCanceled, Stage: st.stage, Err: err}
			break
		}
		if runErr = o.runStage(ctx, st.stage, st.run, session, report); runErr != nil {
			break
		}
	}

	report.Duration = o.opts.Now().Sub(start)
	o.finish(ctx, span, session, report, runErr)
	if runErr != nil {
		return report, runErr
	}
	return report, nil
}

func (o *Orchestrator) preflight() *Error {
	info, err := os.Stat(o.opts.Input)
	if err != nil {
		return &Error{Kind: KindInputNotFound, Err: err}
	}
	if !info.Mode().IsRegular() {
		return &Error{Kind: KindInputNotFound, Err: fmt.Errorf("%s is not a regular file", o.opts.Input)}
	}

	if err := codec.Check(o.opts.Codec); err != nil {
		return &Error{Kind: KindDependencyMissing, Err: err}
	}
	if o.opts.NestedWrapped {
		if err := codec.Check(o.opts.NestedCodec); err != nil {
			return &Error{Kind: KindDependencyMissing, Err: err}
		}
	}
	if checker, ok := o.opts.Patcher.(codec.Checker); ok {
		if err := checker.Check(); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return &Error{Kind: KindInputNotFound, Err: err}
			}
			return &Error{Kind: KindDependencyMissing, Err: err}
		}
	}

	if gos3.IsURL(o.opts.Output) {
		if _, err := gos3.ParseURL(o.opts.Output); err != nil {
			return &Error{Kind: KindOutputFailure, Err: err}
		}
		if o.opts.Uploader == nil {
			return &Error{Kind: KindDependencyMissing, Err: errors.New("s3 output requires S3 client configuration")}
		}
		return nil
	}
	in, err := filepath.Abs(o.opts.Input)
	if err != nil {
		return &Error{Kind: KindInputNotFound, Err: err}
	}
	out, err := filepath.Abs(o.opts.Output)
	if err != nil {
		return &Error{Kind: KindOutputFailure, Err: err}
	}
	if in == out {
		return &Error{Kind: KindOutputFailure, Err: errors.New("output must differ from input; containers are never modified in place")}
	}
	if dir, err := os.Stat(filepath.Dir(out)); err != nil || !dir.IsDir() {
		return &Error{Kind: KindOutputFailure, Err: fmt.Errorf("output directory %s does not exist", filepath.Dir(out))}
	}
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, stage Stage, run stageFunc, s *Session, r *Report) *Error {
	ctx, span := o.tracer.Start(ctx, "repack."+stage.String())
	defer span.End()

	started := time.Now()
	err := run(ctx, s, r)
	elapsed := time.Since(started)

	o.opts.Metrics.ObserveStage(stage.String(), elapsed.Seconds())
	r.Stages = append(r.Stages, StageTiming{Stage: stage, Duration: elapsed})
	if err == nil {
		o.log.Printf("DEBUG stage %s finished in %s", stage, elapsed.Round(time.Millisecond))
		return nil
	}

	var buildErr *Error
	if !errors.As(err, &buildErr) {
		buildErr = &Error{Kind: KindUnknown, Err: err}
	}
	if buildErr.Stage == StageNone {
		buildErr.Stage = stage
	}
	span.RecordError(buildErr)
	span.SetStatus(codes.Error, buildErr.Kind.String())
	return buildErr
}

func (o *Orchestrator) finish(ctx context.Context, span trace.Span, s *Session, r *Report, runErr *Error) {
	event := BuildFinished{
		SessionID:       s.ID,
		Outcome:         "success",
		Output:          r.Output,
		Rebuilt:         r.Names(DecisionRebuilt),
		Kept:            r.Names(DecisionKept),
		ManifestUpdates: r.ManifestUpdates,
		FinishedAt:      o.opts.Now().UTC(),
		DurationMS:      r.Duration.Milliseconds(),
	}
	if runErr != nil {
		event.Outcome = "failed"
		event.Stage = runErr.Stage.String()
		event.Error = runErr.Error()
		span.SetStatus(codes.Error, runErr.Kind.String())
		o.log.Printf("ERROR build %s failed: %v", s.ID, runErr)
	} else {
		o.log.Printf("INFO build %s finished in %s", s.ID, r.Duration.Round(time.Millisecond))
	}
	span.SetAttributes(attribute.String("fwrepack.outcome", event.Outcome))
	o.opts.Metrics.SetOutcome(event.Outcome)
	o.publish(ctx, SubjectBuildFinished, event)

	if o.opts.KeepWorkdir {
		r.WorkDir = s.Dir
		o.log.Printf("INFO working directory kept at %s", s.Dir)
		return
	}
	if err := s.release(); err != nil {
		o.log.Printf("WARN remove working directory %s: %v", s.Dir, err)
	}
}
