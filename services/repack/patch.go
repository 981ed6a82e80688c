package repack

import "context"

func (o *Orchestrator) applyPatches(ctx context.Context, s *Session, _ *Report) error {
	if o.opts.Patcher == nil {
		o.log.Printf("INFO no patch configured")
		return nil
	}
	if err := o.opts.Patcher.Apply(ctx, s.Dir); err != nil {
		return fail(KindPatchFailure, StageApplyPatches, "%w", err)
	}
	return nil
}
