package repack

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"fwrepack/pkg/fsmeta"
	"fwrepack/pkg/manifest"
)

// updateManifest rewrites the hash and size of every listed file whose
// digest moved since the snapshot. A failed write restores the manifest
// as the snapshot recorded it, byte for byte, even if the patch edited it.
func (o *Orchestrator) updateManifest(_ context.Context, s *Session, r *Report) error {
	if s.manifestPath == "" {
		return nil
	}

	names := make([]string, 0, len(s.digests))
	for name := range s.digests {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		before := s.digests[name]
		hash, size, err := manifest.DigestFile(before.path, o.opts.HashAlgorithm)
		if errors.Is(err, fs.ErrNotExist) {
			o.log.Printf("WARN manifest entry %s: file removed; entry left as is", name)
			continue
		}
		if err != nil {
			return fail(KindManifestWriteFailure, StageUpdateManifest, "digest %s: %w", name, err)
		}
		if hash != before.hash || size != before.size {
			s.updates[name] = manifest.Update{Hash: hash, Size: size}
		}
	}
	if len(s.updates) == 0 {
		o.log.Printf("INFO manifest unchanged")
		return nil
	}

	current, err := os.ReadFile(s.manifestPath)
	if err != nil {
		return fail(KindManifestWriteFailure, StageUpdateManifest, "read manifest: %w", err)
	}
	backup, err := os.ReadFile(s.manifestBackup)
	if err != nil {
		return fail(KindManifestWriteFailure, StageUpdateManifest, "read manifest backup: %w", err)
	}
	meta, err := fsmeta.Lstat(s.manifestPath)
	if err != nil {
		return fail(KindManifestWriteFailure, StageUpdateManifest, "stat manifest: %w", err)
	}

	out, changed, err := manifest.Apply(current, s.updates, s.manifestLayout)
	if err != nil {
		return fail(KindManifestWriteFailure, StageUpdateManifest, "apply updates: %w", err)
	}
	if !changed {
		o.log.Printf("INFO manifest already up to date")
		return nil
	}

	if err := o.writeManifest(s.manifestPath, out); err != nil {
		if rerr := restoreFile(s.manifestPath, backup, meta); rerr != nil {
			return fail(KindManifestWriteFailure, StageUpdateManifest, "write manifest: %v; restore failed: %w", err, rerr)
		}
		return fail(KindManifestWriteFailure, StageUpdateManifest, "write manifest (restored original): %w", err)
	}

	for _, name := range names {
		if upd, ok := s.updates[name]; ok {
			r.ManifestUpdates = append(r.ManifestUpdates, name)
			o.log.Printf("DEBUG manifest %s: %s %s", name, upd.Hash, sizeChange(s.digests[name].size, upd.Size))
		}
	}
	o.opts.Metrics.AddManifestUpdates(len(r.ManifestUpdates))
	o.log.Printf("INFO manifest: %d entries updated", len(r.ManifestUpdates))
	return nil
}

// restoreFile puts data back at path with the recorded mode and mtime.
func restoreFile(path string, data []byte, meta fsmeta.Meta) error {
	if err := os.WriteFile(path, data, fsmeta.FileMode(meta.Mode)); err != nil {
		return err
	}
	if err := os.Chmod(path, fsmeta.FileMode(meta.Mode)); err != nil {
		return err
	}
	if err := fsmeta.SetTimes(path, meta.ModTime); err != nil {
		return fmt.Errorf("restore mtime: %w", err)
	}
	return nil
}
