package repack

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	gos3 "fwrepack/pkg/s3"
	"fwrepack/pkg/signer"
)

func outputName(output string) string {
	if u, err := gos3.ParseURL(output); err == nil {
		return path.Base(u.Key)
	}
	return filepath.Base(output)
}

// finalize publishes the staged container, and its detached signature
// when a signer is configured.
func (o *Orchestrator) finalize(ctx context.Context, s *Session, r *Report) error {
	staged := s.staged(outputName(o.opts.Output))

	var env *signer.Envelope
	if o.opts.Signer != nil {
		var err error
		env, err = o.opts.Signer.SignFile(staged, o.opts.Now())
		if err != nil {
			return fail(KindOutputFailure, StageFinalize, "sign container: %w", err)
		}
	}

	if gos3.IsURL(o.opts.Output) {
		return o.upload(ctx, s, r, staged, env)
	}

	if err := copyAtomic(staged, o.opts.Output); err != nil {
		return fail(KindOutputFailure, StageFinalize, "write %s: %w", o.opts.Output, err)
	}
	r.Output = o.opts.Output
	if env != nil {
		sigPath := o.opts.Output + signer.SignatureSuffix
		if err := signer.WriteEnvelope(sigPath, env); err != nil {
			return fail(KindOutputFailure, StageFinalize, "%w", err)
		}
		r.Signature = sigPath
	}
	o.log.Printf("INFO wrote %s", o.opts.Output)
	return nil
}

func (o *Orchestrator) upload(ctx context.Context, s *Session, r *Report, staged string, env *signer.Envelope) error {
	dst, err := gos3.ParseURL(o.opts.Output)
	if err != nil {
		return fail(KindOutputFailure, StageFinalize, "%w", err)
	}
	if err := o.opts.Uploader.UploadFile(ctx, dst, staged); err != nil {
		return fail(KindOutputFailure, StageFinalize, "%w", err)
	}
	r.Output = dst.String()
	if env != nil {
		sigFile := staged + signer.SignatureSuffix
		if err := signer.WriteEnvelope(sigFile, env); err != nil {
			return fail(KindOutputFailure, StageFinalize, "%w", err)
		}
		sigDst := gos3.URL{Bucket: dst.Bucket, Key: dst.Key + signer.SignatureSuffix}
		if err := o.opts.Uploader.UploadFile(ctx, sigDst, sigFile); err != nil {
			return fail(KindOutputFailure, StageFinalize, "%w", err)
		}
		r.Signature = sigDst.String()
	}
	o.log.Printf("INFO uploaded %s", r.Output)
	return nil
}

// copyAtomic copies src to dst through a temporary file in dst's directory
// so readers never observe a partial container.
func copyAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod output: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
