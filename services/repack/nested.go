package repack

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"fwrepack/pkg/fingerprint"
	"fwrepack/pkg/fsmeta"
)

// findNested lists the top-level regular files of root matching any
// configured pattern, in name order.
func (o *Orchestrator) findNested(root string) ([]string, error) {
	if len(o.opts.NestedPatterns) == 0 {
		return nil, nil
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		for _, pattern := range o.opts.NestedPatterns {
			if ok, _ := filepath.Match(pattern, e.Name()); ok {
				names = append(names, e.Name())
				break
			}
		}
	}
	return names, nil
}

// snapshotNested unpacks one nested archive and records its baseline.
func (o *Orchestrator) snapshotNested(ctx context.Context, s *Session, name string) (*nestedArchive, error) {
	n := &nestedArchive{name: name}
	src := filepath.Join(s.root(), name)
	info, err := os.Stat(src)
	if err != nil {
		return nil, fail(KindArchiveMalformed, StageSnapshotOriginal, "nested archive %s: %w", name, err)
	}
	n.oldSize = info.Size()

	if o.opts.NestedWrapped {
		unwrapped := s.tmp(name + ".unwrapped")
		if err := o.opts.NestedCodec.Decrypt(ctx, src, unwrapped); err != nil {
			return nil, fail(KindTransformFailure, StageSnapshotOriginal, "unwrap nested archive %s: %w", name, err)
		}
		src = unwrapped
	}

	ref, err := decompressFile(src, s.tmp(name+".tar"))
	if err != nil {
		return nil, fail(KindArchiveMalformed, StageSnapshotOriginal, "nested archive %s: %w", name, err)
	}
	n.ref = ref

	res, err := extractFile(s.tmp(name+".tar"), s.nestedDir(name))
	if err != nil {
		return nil, fail(KindArchiveMalformed, StageSnapshotOriginal, "nested archive %s: %w", name, err)
	}
	n.ownership = ownershipFor(res)

	n.baseline, err = fingerprint.Tree(s.nestedDir(name))
	if err != nil {
		return nil, fail(KindArchiveMalformed, StageSnapshotOriginal, "fingerprint nested archive %s: %w", name, err)
	}
	o.log.Printf("INFO nested archive %s: %d members, %s", name, res.Members, ref.Format)
	return n, nil
}

func (o *Orchestrator) decideAndRebuild(ctx context.Context, s *Session, r *Report) error {
	var failed []string
	for _, n := range s.nested {
		o.decideNested(ctx, s, n)
		switch n.decision {
		case DecisionFailed:
			failed = append(failed, n.name)
			o.log.Printf("ERROR nested archive %s: %v; original bytes kept", n.name, n.err)
		case DecisionRebuilt:
			o.log.Printf("INFO nested archive %s rebuilt (%s)", n.name, sizeChange(n.oldSize, n.newSize))
		default:
			o.log.Printf("INFO nested archive %s unchanged", n.name)
		}
		o.opts.Metrics.IncArchive(n.decision)

		ar := ArchiveReport{Name: n.name, Decision: n.decision, OldSize: n.oldSize, NewSize: n.newSize, Changes: len(n.changes)}
		if n.err != nil {
			ar.Error = n.err.Error()
		}
		r.Nested = append(r.Nested, ar)
	}
	if len(failed) > 0 {
		return fail(KindArchiveMalformed, StageDecideAndRebuild, "rebuild failed for %s", strings.Join(failed, ", "))
	}
	return nil
}

func (o *Orchestrator) decideNested(ctx context.Context, s *Session, n *nestedArchive) {
	after, err := fingerprint.Tree(s.nestedDir(n.name))
	if err != nil {
		n.decision, n.err = DecisionFailed, fmt.Errorf("fingerprint: %w", err)
		return
	}
	if fingerprint.Equal(n.baseline, after) {
		n.decision = DecisionKept
		n.newSize = n.oldSize
		o.discardNested(s, n)
		return
	}
	n.changes = fingerprint.Diff(n.baseline, after)
	o.logChanges(n.name, n.changes)

	if err := o.rebuildNested(ctx, s, n); err != nil {
		n.decision, n.err = DecisionFailed, err
		return
	}
	n.decision = DecisionRebuilt
}

// rebuildNested re-encodes a changed nested archive and swaps it into
// root/ in one rename. Until then the original file is untouched.
func (o *Orchestrator) rebuildNested(ctx context.Context, s *Session, n *nestedArchive) error {
	newTar := s.tmp(n.name + ".new.tar")
	stats, err := o.rebuildFile(s.tmp(n.name+".tar"), s.nestedDir(n.name), newTar, n.ownership)
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	o.log.Printf("DEBUG %s: %d retained, %d removed, %d added", n.name, stats.Retained+stats.Passthrough, stats.Removed, stats.Added)

	final := s.tmp(n.name + ".new")
	if err := o.compressFile(newTar, final, n.ref); err != nil {
		return fmt.Errorf("compress: %w", err)
	}
	if o.opts.NestedWrapped {
		wrapped := s.tmp(n.name + ".wrapped")
		if err := o.opts.NestedCodec.Encrypt(ctx, final, wrapped); err != nil {
			return fmt.Errorf("wrap: %w", err)
		}
		final = wrapped
	}

	f, err := os.Open(final)
	if err != nil {
		return err
	}
	defer f.Close()
	dst := filepath.Join(s.root(), n.name)
	if err := fsmeta.Replace(dst, f); err != nil {
		return fmt.Errorf("replace: %w", err)
	}
	info, err := os.Stat(dst)
	if err != nil {
		return err
	}
	n.newSize = info.Size()
	return nil
}

func (o *Orchestrator) discardNested(s *Session, n *nestedArchive) {
	for _, p := range []string{s.tmp(n.name + ".tar"), s.tmp(n.name + ".unwrapped")} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			o.log.Printf("WARN remove %s: %v", p, err)
		}
	}
	if err := os.RemoveAll(s.nestedDir(n.name)); err != nil {
		o.log.Printf("WARN remove %s: %v", s.nestedDir(n.name), err)
	}
}
