package repack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"filippo.io/age"

	"fwrepack/pkg/archive"
	"fwrepack/pkg/codec"
	"fwrepack/pkg/patcher"
	gos3 "fwrepack/pkg/s3"
	"fwrepack/pkg/signer"
)

func (f *fixture) options() Options {
	return Options{
		Input:          f.input,
		Output:         f.output,
		WorkRoot:       f.workRoot,
		Manifest:       "manifest.json",
		NestedPatterns: []string{"*.hwfs"},
		Codec:          codec.Passthrough{},
	}
}

func (f *fixture) mkWorkRoot(t *testing.T) {
	t.Helper()
	if err := os.MkdirAll(f.workRoot, 0o755); err != nil {
		t.Fatal(err)
	}
}

// editConfig rewrites etc/config.sh inside the unpacked net.hwfs archive.
func editConfig(body string) patcher.Func {
	return func(_ context.Context, workDir string) error {
		p := filepath.Join(workDir, patcher.NestedDir, "net.hwfs", "etc", "config.sh")
		return os.WriteFile(p, []byte(body), 0o644)
	}
}

func TestRunRebuildsOnlyPatchedArchive(t *testing.T) {
	f := newFixture(t)
	f.mkWorkRoot(t)
	opts := f.options()
	opts.Patcher = editConfig("WAN=pppoe\nMTU=1492\n")

	report, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := report.Names(DecisionRebuilt); len(got) != 1 || got[0] != "net.hwfs" {
		t.Errorf("rebuilt = %v, want [net.hwfs]", got)
	}
	if got := report.Names(DecisionKept); len(got) != 1 || got[0] != "rootfs.hwfs" {
		t.Errorf("kept = %v, want [rootfs.hwfs]", got)
	}
	if !report.OuterRebuilt {
		t.Error("OuterRebuilt = false, want true")
	}
	if len(report.ManifestUpdates) != 1 || report.ManifestUpdates[0] != "net.hwfs" {
		t.Errorf("ManifestUpdates = %v, want [net.hwfs]", report.ManifestUpdates)
	}
	if report.Output != f.output {
		t.Errorf("Output = %q, want %q", report.Output, f.output)
	}
	if left := f.workEntries(t); len(left) != 0 {
		t.Errorf("working directory not removed: %v", left)
	}

	out, err := os.ReadFile(f.output)
	if err != nil {
		t.Fatal(err)
	}
	before := readTar(t, f.container)
	after := readTar(t, out)
	if len(after) != len(before) {
		t.Fatalf("container members = %d, want %d", len(after), len(before))
	}
	for i := range before {
		b, a := before[i], after[i]
		if a.hdr.Name != b.hdr.Name {
			t.Fatalf("member %d = %s, want %s", i, a.hdr.Name, b.hdr.Name)
		}
		if !a.hdr.ModTime.Equal(b.hdr.ModTime) || a.hdr.Mode != b.hdr.Mode {
			t.Errorf("%s metadata changed: mode %o mtime %v", a.hdr.Name, a.hdr.Mode, a.hdr.ModTime)
		}
		switch a.hdr.Name {
		case "./net.hwfs", "./manifest.json":
			if bytes.Equal(a.body, b.body) {
				t.Errorf("%s unchanged, want rewritten", a.hdr.Name)
			}
		default:
			if !bytes.Equal(a.body, b.body) {
				t.Errorf("%s content changed", a.hdr.Name)
			}
		}
	}

	newNet := findEntry(t, after, "./net.hwfs").body
	nestedBefore := readTar(t, f.netHwfs)
	nestedAfter := readTar(t, newNet)
	if len(nestedAfter) != len(nestedBefore) {
		t.Fatalf("nested members = %d, want %d", len(nestedAfter), len(nestedBefore))
	}
	for i := range nestedBefore {
		b, a := nestedBefore[i], nestedAfter[i]
		if a.hdr.Name != b.hdr.Name {
			t.Fatalf("nested member %d = %s, want %s", i, a.hdr.Name, b.hdr.Name)
		}
		if a.hdr.Name == "./etc/config.sh" {
			if got := string(a.body); got != "WAN=pppoe\nMTU=1492\n" {
				t.Errorf("config.sh = %q", got)
			}
			continue
		}
		if !bytes.Equal(a.body, b.body) || a.hdr.Linkname != b.hdr.Linkname || !a.hdr.ModTime.Equal(b.hdr.ModTime) {
			t.Errorf("untouched nested member %s changed", a.hdr.Name)
		}
	}

	oldEntry := fmt.Sprintf(`"md5": "%s", "size": %d`, md5Hex(f.netHwfs), len(f.netHwfs))
	newEntry := fmt.Sprintf(`"md5": "%s", "size": %d`, md5Hex(newNet), len(newNet))
	want := strings.Replace(f.manifest, oldEntry, newEntry, 1)
	if got := string(findEntry(t, after, "./manifest.json").body); got != want {
		t.Errorf("manifest =\n%s\nwant\n%s", got, want)
	}
}

func TestRunNoopIsByteIdentical(t *testing.T) {
	f := newFixture(t)
	f.mkWorkRoot(t)
	o, err := New(f.options())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	var calls int
	o.rebuild = func(original io.Reader, contentDir string, w io.Writer, opts archive.RebuildOptions) (archive.Stats, error) {
		calls++
		return archive.Rebuild(original, contentDir, w, opts)
	}

	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if calls != 0 {
		t.Errorf("rebuild called %d times, want 0", calls)
	}
	if report.OuterRebuilt || len(report.ManifestUpdates) != 0 {
		t.Errorf("report = %+v, want nothing rebuilt", report)
	}
	out, err := os.ReadFile(f.output)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, f.container) {
		t.Error("no-op output differs from input")
	}
}

func TestRunSkipsUnchangedArchives(t *testing.T) {
	f := newFixture(t)
	f.mkWorkRoot(t)
	opts := f.options()
	opts.Patcher = editConfig("WAN=static\n")
	o, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	var dirs []string
	o.rebuild = func(original io.Reader, contentDir string, w io.Writer, opts archive.RebuildOptions) (archive.Stats, error) {
		dirs = append(dirs, filepath.Base(contentDir))
		return archive.Rebuild(original, contentDir, w, opts)
	}

	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []string{"net.hwfs", "root"}
	if strings.Join(dirs, ",") != strings.Join(want, ",") {
		t.Errorf("rebuilt trees = %v, want %v", dirs, want)
	}
}

func TestRunPatchFailure(t *testing.T) {
	for _, keep := range []bool{false, true} {
		t.Run(fmt.Sprintf("keep=%v", keep), func(t *testing.T) {
			f := newFixture(t)
			f.mkWorkRoot(t)
			opts := f.options()
			opts.KeepWorkdir = keep
			opts.Patcher = patcher.Func(func(context.Context, string) error {
				return errors.New("sed: no such file")
			})

			report, err := Run(context.Background(), opts)
			if !errors.Is(err, ErrPatchFailure) {
				t.Fatalf("Run() error = %v, want patch failure", err)
			}
			var buildErr *Error
			if !errors.As(err, &buildErr) || buildErr.Stage != StageApplyPatches {
				t.Errorf("stage = %v, want %v", buildErr.Stage, StageApplyPatches)
			}
			if code := ExitCode(err); code != 4 {
				t.Errorf("ExitCode() = %d, want 4", code)
			}
			if _, err := os.Stat(f.output); !errors.Is(err, os.ErrNotExist) {
				t.Errorf("output exists after failure: %v", err)
			}
			left := f.workEntries(t)
			if keep {
				if report.WorkDir == "" || len(left) != 1 {
					t.Errorf("WorkDir = %q, entries = %d, want retained", report.WorkDir, len(left))
				}
			} else if len(left) != 0 {
				t.Errorf("working directory not removed: %v", left)
			}
		})
	}
}

func TestRunRestoresManifestOnWriteFailure(t *testing.T) {
	f := newFixture(t)
	f.mkWorkRoot(t)
	opts := f.options()
	opts.KeepWorkdir = true
	opts.Patcher = editConfig("WAN=pppoe\n")
	o, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	o.writeManifest = func(path string, data []byte) error {
		if err := os.WriteFile(path, data[:10], 0o644); err != nil {
			return err
		}
		return errors.New("no space left on device")
	}

	report, err := o.Run(context.Background())
	if !errors.Is(err, ErrManifestWriteFailure) {
		t.Fatalf("Run() error = %v, want manifest write failure", err)
	}
	if code := ExitCode(err); code != 6 {
		t.Errorf("ExitCode() = %d, want 6", code)
	}
	got, err := os.ReadFile(filepath.Join(report.WorkDir, patcher.RootDir, "manifest.json"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != f.manifest {
		t.Errorf("manifest after failure =\n%s\nwant original", got)
	}
	if _, err := os.Stat(f.output); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("output exists after failure: %v", err)
	}
}

func TestRunRestoresSnapshotManifestAfterPatchEdit(t *testing.T) {
	f := newFixture(t)
	f.mkWorkRoot(t)
	opts := f.options()
	opts.KeepWorkdir = true
	config := editConfig("WAN=pppoe\n")
	opts.Patcher = patcher.Func(func(ctx context.Context, workDir string) error {
		p := filepath.Join(workDir, patcher.RootDir, "manifest.json")
		doc, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		doc = bytes.Replace(doc, []byte("V100R001C00SPC200"), []byte("V100R001C00SPC201"), 1)
		if err := os.WriteFile(p, doc, 0o644); err != nil {
			return err
		}
		return config(ctx, workDir)
	})
	o, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	o.writeManifest = func(string, []byte) error {
		return errors.New("no space left on device")
	}

	report, err := o.Run(context.Background())
	if !errors.Is(err, ErrManifestWriteFailure) {
		t.Fatalf("Run() error = %v, want manifest write failure", err)
	}
	got, err := os.ReadFile(filepath.Join(report.WorkDir, patcher.RootDir, "manifest.json"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != f.manifest {
		t.Errorf("manifest after failure =\n%s\nwant the pre-patch manifest", got)
	}
}

func TestRunNestedRebuildFailureKeepsOriginal(t *testing.T) {
	f := newFixture(t)
	f.mkWorkRoot(t)
	opts := f.options()
	opts.KeepWorkdir = true
	opts.Patcher = editConfig("WAN=pppoe\n")
	o, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	o.rebuild = func(io.Reader, string, io.Writer, archive.RebuildOptions) (archive.Stats, error) {
		return archive.Stats{}, archive.ErrMalformed
	}

	report, err := o.Run(context.Background())
	if !errors.Is(err, ErrArchiveMalformed) {
		t.Fatalf("Run() error = %v, want archive malformed", err)
	}
	if got := report.Names(DecisionFailed); len(got) != 1 || got[0] != "net.hwfs" {
		t.Errorf("failed = %v, want [net.hwfs]", got)
	}
	if got := report.Names(DecisionKept); len(got) != 1 || got[0] != "rootfs.hwfs" {
		t.Errorf("kept = %v, want [rootfs.hwfs]", got)
	}
	got, err := os.ReadFile(filepath.Join(report.WorkDir, patcher.RootDir, "net.hwfs"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, f.netHwfs) {
		t.Error("failed archive does not hold its original bytes")
	}
}

func TestRunPreflightErrors(t *testing.T) {
	f := newFixture(t)
	f.mkWorkRoot(t)
	tests := []struct {
		name   string
		modify func(*Options)
		want   error
		code   int
	}{
		{"missing input", func(o *Options) { o.Input = filepath.Join(f.dir, "absent.bin") }, ErrInputNotFound, 2},
		{"in place", func(o *Options) { o.Output = o.Input }, ErrOutputFailure, 1},
		{"missing output dir", func(o *Options) { o.Output = filepath.Join(f.dir, "none", "out.bin") }, ErrOutputFailure, 1},
		{"missing tool", func(o *Options) { o.Codec = &codec.Exec{Tool: "fwrepack-no-such-tool"} }, ErrDependencyMissing, 2},
		{"missing patch script", func(o *Options) { o.Patcher = &patcher.Script{Path: filepath.Join(f.dir, "absent.sh")} }, ErrInputNotFound, 2},
		{"s3 without client", func(o *Options) { o.Output = "s3://firmware/fw.bin" }, ErrDependencyMissing, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := f.options()
			tt.modify(&opts)
			_, err := Run(context.Background(), opts)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Run() error = %v, want %v", err, tt.want)
			}
			if code := ExitCode(err); code != tt.code {
				t.Errorf("ExitCode() = %d, want %d", code, tt.code)
			}
		})
	}
	if left := f.workEntries(t); len(left) != 0 {
		t.Errorf("preflight failures created working directories: %v", left)
	}
}

func TestRunMissingManifest(t *testing.T) {
	f := newFixture(t)
	f.mkWorkRoot(t)
	opts := f.options()
	opts.Manifest = "absent.json"

	_, err := Run(context.Background(), opts)
	if !errors.Is(err, ErrInputNotFound) {
		t.Fatalf("Run() error = %v, want input not found", err)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Run() error = %v, want wrapped fs.ErrNotExist", err)
	}
	if code := ExitCode(err); code != 2 {
		t.Errorf("ExitCode() = %d, want 2", code)
	}
}

func TestRunCanceled(t *testing.T) {
	f := newFixture(t)
	f.mkWorkRoot(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, f.options())
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("Run() error = %v, want canceled", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want wrapped context.Canceled", err)
	}
	if left := f.workEntries(t); len(left) != 0 {
		t.Errorf("working directory not removed: %v", left)
	}
}

func TestRunAgeContainer(t *testing.T) {
	f := newFixture(t)
	f.mkWorkRoot(t)
	id, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	ageCodec, err := codec.NewAge([]age.Identity{id}, nil)
	if err != nil {
		t.Fatal(err)
	}
	sealed := filepath.Join(f.dir, "fw.age")
	if err := ageCodec.Encrypt(context.Background(), f.input, sealed); err != nil {
		t.Fatal(err)
	}

	opts := f.options()
	opts.Input = sealed
	opts.Codec = ageCodec
	opts.Patcher = editConfig("WAN=pppoe\n")
	if _, err := Run(context.Background(), opts); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	plain := filepath.Join(f.dir, "out.plain")
	if err := ageCodec.Decrypt(context.Background(), f.output, plain); err != nil {
		t.Fatalf("decrypt output: %v", err)
	}
	data, err := os.ReadFile(plain)
	if err != nil {
		t.Fatal(err)
	}
	nested := readTar(t, findEntry(t, readTar(t, data), "./net.hwfs").body)
	if got := string(findEntry(t, nested, "./etc/config.sh").body); got != "WAN=pppoe\n" {
		t.Errorf("config.sh = %q, want patched", got)
	}
}

func TestRunSignsOutput(t *testing.T) {
	f := newFixture(t)
	f.mkWorkRoot(t)
	id, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	s, err := signer.New(id.String(), "")
	if err != nil {
		t.Fatal(err)
	}
	opts := f.options()
	opts.Signer = s

	report, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Signature != f.output+signer.SignatureSuffix {
		t.Errorf("Signature = %q", report.Signature)
	}
	env, err := signer.ReadEnvelope(report.Signature)
	if err != nil {
		t.Fatal(err)
	}
	if env.File != filepath.Base(f.output) {
		t.Errorf("envelope file = %q, want %q", env.File, filepath.Base(f.output))
	}
	if err := s.VerifyFile(f.output, env); err != nil {
		t.Errorf("VerifyFile() error = %v", err)
	}
}

type fakeUploader struct {
	objects map[string][]byte
}

func (u *fakeUploader) UploadFile(_ context.Context, dst gos3.URL, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	u.objects[dst.String()] = data
	return nil
}

func TestRunUploadsToS3(t *testing.T) {
	f := newFixture(t)
	f.mkWorkRoot(t)
	up := &fakeUploader{objects: map[string][]byte{}}
	opts := f.options()
	opts.Output = "s3://firmware/builds/fw-patched.bin"
	opts.Uploader = up

	report, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Output != opts.Output {
		t.Errorf("Output = %q, want %q", report.Output, opts.Output)
	}
	if !bytes.Equal(up.objects[opts.Output], f.container) {
		t.Error("uploaded container differs from no-op output")
	}
}

type recordedEvent struct {
	subject string
	payload any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []recordedEvent
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, subj string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{subj, v})
	return p.err
}

func TestRunPublishesEvents(t *testing.T) {
	f := newFixture(t)
	f.mkWorkRoot(t)
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	opts := f.options()
	opts.Events = pub
	opts.Patcher = editConfig("WAN=pppoe\n")

	report, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run() error = %v, publish failures must not fail the build", err)
	}
	if len(pub.events) != 2 {
		t.Fatalf("events = %d, want 2", len(pub.events))
	}
	if pub.events[0].subject != SubjectBuildStarted || pub.events[1].subject != SubjectBuildFinished {
		t.Errorf("subjects = %s, %s", pub.events[0].subject, pub.events[1].subject)
	}
	done, ok := pub.events[1].payload.(BuildFinished)
	if !ok {
		t.Fatalf("finished payload = %T", pub.events[1].payload)
	}
	if done.Outcome != "success" || done.SessionID != report.SessionID {
		t.Errorf("finished = %+v", done)
	}
	if len(done.Rebuilt) != 1 || done.Rebuilt[0] != "net.hwfs" {
		t.Errorf("Rebuilt = %v, want [net.hwfs]", done.Rebuilt)
	}
}

type countingRecorder struct {
	stages   []string
	archives map[string]int
	updates  int
	outcome  string
}

func (r *countingRecorder) ObserveStage(stage string, _ float64) { r.stages = append(r.stages, stage) }
func (r *countingRecorder) IncArchive(decision string)         { r.archives[decision]++ }
func (r *countingRecorder) AddManifestUpdates(n int)           { r.updates += n }
func (r *countingRecorder) SetOutcome(outcome string)          { r.outcome = outcome }

func TestRunRecordsMetrics(t *testing.T) {
	f := newFixture(t)
	f.mkWorkRoot(t)
	rec := &countingRecorder{archives: map[string]int{}}
	opts := f.options()
	opts.Metrics = rec
	opts.Patcher = editConfig("WAN=pppoe\n")

	if _, err := Run(context.Background(), opts); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(rec.stages) != 9 || rec.stages[0] != "decrypt" || rec.stages[8] != "finalize" {
		t.Errorf("stages = %v", rec.stages)
	}
	if rec.archives[DecisionRebuilt] != 1 || rec.archives[DecisionKept] != 1 {
		t.Errorf("archives = %v", rec.archives)
	}
	if rec.updates != 1 || rec.outcome != "success" {
		t.Errorf("updates = %d, outcome = %q", rec.updates, rec.outcome)
	}
}
