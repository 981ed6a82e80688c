package repack

import (
	"context"
	"fmt"
	"io"
	"os"

	"fwrepack/pkg/archive"
	"fwrepack/pkg/compression"
	"fwrepack/pkg/fingerprint"
)

func (o *Orchestrator) decrypt(ctx context.Context, s *Session, _ *Report) error {
	if err := o.opts.Codec.Decrypt(ctx, o.opts.Input, s.outerRaw()); err != nil {
		return fail(KindTransformFailure, StageDecrypt, "decrypt %s: %w", o.opts.Input, err)
	}
	return nil
}

func (o *Orchestrator) extract(_ context.Context, s *Session, _ *Report) error {
	ref, err := decompressFile(s.outerRaw(), s.outerTar())
	if err != nil {
		return fail(KindArchiveMalformed, StageExtract, "container payload: %w", err)
	}
	s.outerRef = ref

	res, err := extractFile(s.outerTar(), s.root())
	if err != nil {
		return fail(KindArchiveMalformed, StageExtract, "container payload: %w", err)
	}
	s.outerOwnership = ownershipFor(res)
	o.log.Printf("INFO extracted %d members from %s container payload", res.Members, ref.Format)
	if res.Skipped > 0 {
		o.log.Printf("DEBUG %d special files carried by header only", res.Skipped)
	}
	return nil
}

func (o *Orchestrator) syncOuterArchive(_ context.Context, s *Session, r *Report) error {
	after, err := fingerprint.Tree(s.root())
	if err != nil {
		return fail(KindArchiveMalformed, StageSyncOuterArchive, "fingerprint container root: %w", err)
	}
	if fingerprint.Equal(s.rootBaseline, after) {
		o.log.Printf("INFO container contents unchanged; reusing original payload")
		s.outerFinal = s.outerRaw()
		return nil
	}
	o.logChanges("container", fingerprint.Diff(s.rootBaseline, after))

	newTar := s.tmp("outer.new.tar")
	stats, err := o.rebuildFile(s.outerTar(), s.root(), newTar, s.outerOwnership)
	if err != nil {
		return fail(KindArchiveMalformed, StageSyncOuterArchive, "rebuild container payload: %w", err)
	}
	final := s.tmp("outer.new")
	if err := o.compressFile(newTar, final, s.outerRef); err != nil {
		return fail(KindArchiveMalformed, StageSyncOuterArchive, "compress container payload: %w", err)
	}
	o.log.Printf("INFO rebuilt container payload: %d retained, %d removed, %d added", stats.Retained+stats.Passthrough, stats.Removed, stats.Added)
	s.outerFinal = final
	r.OuterRebuilt = true
	return nil
}

func (o *Orchestrator) encrypt(ctx context.Context, s *Session, _ *Report) error {
	if err := o.opts.Codec.Encrypt(ctx, s.outerFinal, s.staged(outputName(o.opts.Output))); err != nil {
		return fail(KindTransformFailure, StageEncrypt, "encrypt container: %w", err)
	}
	return nil
}

func ownershipFor(res *archive.ExtractResult) archive.Ownership {
	if res.OwnershipApplied {
		return archive.OwnershipLive
	}
	return archive.OwnershipOriginal
}

// decompressFile writes the decoded stream of src to dst and returns the
// Reference needed to re-encode it.
func decompressFile(src, dst string) (compression.Reference, error) {
	in, err := os.Open(src)
	if err != nil {
		return compression.Reference{}, err
	}
	defer in.Close()

	rc, ref, err := compression.Open(in)
	if err != nil {
		return compression.Reference{}, err
	}
	defer rc.Close()

	out, err := os.Create(dst)
	if err != nil {
		return compression.Reference{}, err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return compression.Reference{}, fmt.Errorf("decode %s stream: %w", ref.Format, err)
	}
	return ref, out.Close()
}

func extractFile(tarPath, dir string) (*archive.ExtractResult, error) {
	f, err := os.Open(tarPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return archive.Extract(f, dir, archive.ExtractOptions{Chown: os.Geteuid() == 0})
}

func (o *Orchestrator) rebuildFile(originalTar, contentDir, dst string, ownership archive.Ownership) (archive.Stats, error) {
	in, err := os.Open(originalTar)
	if err != nil {
		return archive.Stats{}, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return archive.Stats{}, err
	}
	stats, err := o.rebuild(in, contentDir, out, archive.RebuildOptions{Ownership: ownership})
	if err != nil {
		out.Close()
		return stats, err
	}
	return stats, out.Close()
}

func (o *Orchestrator) compressFile(src, dst string, ref compression.Reference) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := o.opts.Compressor.Write(out, in, ref); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (o *Orchestrator) logChanges(scope string, changes []fingerprint.Change) {
	o.log.Printf("INFO %s: %d paths changed", scope, len(changes))
	for _, c := range changes {
		o.log.Printf("DEBUG %s: %s", scope, c)
	}
}
