package repack

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"fwrepack/pkg/fingerprint"
	"fwrepack/pkg/manifest"
)

// snapshotOriginal records everything later stages compare against: the
// manifest and the digests of the files it lists, the fingerprint of the
// container root, and the unpacked baseline of each nested archive.
func (o *Orchestrator) snapshotOriginal(ctx context.Context, s *Session, _ *Report) error {
	if err := o.snapshotManifest(s); err != nil {
		return err
	}

	names, err := o.findNested(s.root())
	if err != nil {
		return fail(KindArchiveMalformed, StageSnapshotOriginal, "list nested archives: %w", err)
	}
	for _, name := range names {
		n, err := o.snapshotNested(ctx, s, name)
		if err != nil {
			return err
		}
		s.nested = append(s.nested, n)
	}

	s.rootBaseline, err = fingerprint.Tree(s.root())
	if err != nil {
		return fail(KindArchiveMalformed, StageSnapshotOriginal, "fingerprint container root: %w", err)
	}
	o.log.Printf("INFO snapshot: %d paths, %d nested archives, %d manifest entries", len(s.rootBaseline), len(s.nested), len(s.digests))
	return nil
}

func (o *Orchestrator) snapshotManifest(s *Session) error {
	if o.opts.Manifest == "" {
		return nil
	}
	path, err := manifest.Resolve(s.root(), o.opts.Manifest)
	if err != nil {
		return fail(KindArchiveMalformed, StageSnapshotOriginal, "manifest path: %w", err)
	}
	doc, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fail(KindInputNotFound, StageSnapshotOriginal, "container manifest %s: %w", o.opts.Manifest, err)
	}
	if err != nil {
		return fail(KindArchiveMalformed, StageSnapshotOriginal, "container manifest %s: %w", o.opts.Manifest, err)
	}
	entries, err := manifest.Entries(doc, o.opts.Layout)
	if err != nil {
		return fail(KindArchiveMalformed, StageSnapshotOriginal, "container manifest %s: %w", o.opts.Manifest, err)
	}

	backup := s.tmp("manifest.orig")
	if err := os.WriteFile(backup, doc, 0o600); err != nil {
		return fail(KindManifestWriteFailure, StageSnapshotOriginal, "back up manifest: %w", err)
	}
	s.manifestPath = path
	s.manifestBackup = backup
	s.manifestLayout = o.opts.Layout

	base := filepath.Dir(path)
	for _, e := range entries {
		p, err := manifest.Resolve(base, e.Name)
		if err != nil {
			o.log.Printf("WARN manifest entry %q: %v", e.Name, err)
			continue
		}
		if p == path {
			continue
		}
		hash, size, err := manifest.DigestFile(p, o.opts.HashAlgorithm)
		if errors.Is(err, fs.ErrNotExist) {
			o.log.Printf("DEBUG manifest entry %s has no file in the container", e.Name)
			continue
		}
		if err != nil {
			return fail(KindArchiveMalformed, StageSnapshotOriginal, "manifest entry %s: %w", e.Name, err)
		}
		s.digests[e.Name] = fileDigest{path: p, hash: hash, size: size}
	}
	return nil
}
