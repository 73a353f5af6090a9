package resolver

import (
	"github.com/cuemby/burrow/pkg/codec"
	"github.com/cuemby/burrow/pkg/types"
)

// destinationReady reports whether the destination copy can be declared
// complete. An explicit Ready from the agent decides at once; otherwise two
// consecutive answers must agree on the size and the agent must have
// reported the copy completed. A stopped agent is not a completion signal:
// a copy cut short also holds a stable size.
func destinationReady(prev, cur *codec.VolumeFacts, agent types.AgentState) (bool, string) {
	switch {
	case !cur.Present():
		return false, "destination absent"
	case cur.State == types.VolumeReady:
		return true, "destination reported ready"
	case prev == nil || !prev.Present():
		return false, "no previous answer to compare sizes"
	case prev.Size != cur.Size:
		return false, "destination size still changing"
	case agent.InFlight():
		return false, "agent still reports the copy in flight"
	case agent != types.AgentStateCompleted:
		return false, "size stable without a completion signal"
	}
	return true, "destination size stable"
}

func report(a *codec.Answer) *codec.VolumeReport {
	if a == nil || a.Volumes == nil {
		return &codec.VolumeReport{}
	}
	return a.Volumes
}

// facts returns the current report, treating a skipped answer as the
// destination being absent
func facts(a *codec.Answer) (src, dst *codec.VolumeFacts) {
	rep := report(a)
	src, dst = rep.Source, rep.Dest
	if a.Skipped {
		dst = &codec.VolumeFacts{Found: false}
	}
	return src, dst
}

func (r *Resolver) resolveCopy(b *batch, in Input) (*Decision, error) {
	p := in.Op.CopyVolume
	switch p.Shape() {
	case codec.ShapePrimaryToPrimary:
		return r.copyPrimaryToPrimary(b, in)
	case codec.ShapeSecondaryToPrimary:
		return r.copySecondaryToPrimary(b, in)
	case codec.ShapePrimaryToSecondary:
		return r.copyPrimaryToSecondary(b, in)
	}
	return retry("unsupported copy shape %s", p.Shape()), nil
}

// copyPrimaryToPrimary settles an offline volume migration between pools
func (r *Resolver) copyPrimaryToPrimary(b *batch, in Input) (*Decision, error) {
	p := in.Op.CopyVolume
	srcFacts, dstFacts := facts(in.Answer)

	src, err := b.volume(p.Source.VolumeID)
	if err != nil {
		return nil, err
	}
	dst, err := b.volume(p.Dest.VolumeID)
	if err != nil {
		return nil, err
	}

	if dstFacts.Present() {
		ok, reason := destinationReady(report(in.Previous).Dest, dstFacts, in.Record.StateByAgent)
		if !ok {
			return retry("%s", reason), nil
		}
		var instance int64
		if src != nil {
			instance = src.InstanceID
			if src.State == types.VolumeMigrating {
				discard(src)
			}
		}
		if dst != nil {
			if instance == 0 {
				instance = dst.InstanceID
			}
			ready(dst, instance)
			adopt(dst, dstFacts)
		}
		return converged("copy to pool %d completed: %s", p.Dest.StoreID, reason), nil
	}

	if srcFacts.Present() {
		if src != nil {
			ready(src, src.InstanceID)
		}
		if dst != nil {
			discard(dst)
		}
		return converged("copy to pool %d never completed", p.Dest.StoreID), nil
	}

	return retry("neither side of the copy is present"), nil
}

// copySecondaryToPrimary settles a template or snapshot materialisation
func (r *Resolver) copySecondaryToPrimary(b *batch, in Input) (*Decision, error) {
	p := in.Op.CopyVolume
	_, dstFacts := facts(in.Answer)

	dst, err := b.volume(p.Dest.VolumeID)
	if err != nil {
		return nil, err
	}

	if !dstFacts.Present() {
		if dst == nil {
			return converged("destination volume %d already gone", p.Dest.VolumeID), nil
		}
		discard(dst)
		pred, err := b.volume(dst.LastID)
		if err != nil {
			return nil, err
		}
		if pred != nil && pred.ID != dst.ID {
			if pred.State == types.VolumeMigrating {
				pred.State = types.VolumeReady
			}
			if err := b.dropCopies(pred.ID, types.CopyCopying); err != nil {
				return nil, err
			}
		}
		return converged("materialisation of volume %d aborted", dst.ID), nil
	}

	ok, reason := destinationReady(report(in.Previous).Dest, dstFacts, in.Record.StateByAgent)
	if !ok {
		return retry("%s", reason), nil
	}
	if dst != nil {
		ready(dst, dst.InstanceID)
		adopt(dst, dstFacts)
	}
	return converged("materialisation completed: %s", reason), nil
}

// copyPrimaryToSecondary settles a backup or export
func (r *Resolver) copyPrimaryToSecondary(b *batch, in Input) (*Decision, error) {
	p := in.Op.CopyVolume
	srcFacts, _ := facts(in.Answer)

	if !srcFacts.Present() || srcFacts.State != types.VolumeReady {
		return retry("source volume %d has not returned to ready", p.Source.VolumeID), nil
	}

	src, err := b.volume(p.Source.VolumeID)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return converged("source volume %d already gone", p.Source.VolumeID), nil
	}
	src.State = types.VolumeReady
	if err := b.dropCopies(src.ID, types.CopyCreating); err != nil {
		return nil, err
	}
	shadows, err := b.shadows(src.ID)
	if err != nil {
		return nil, err
	}
	for _, s := range shadows {
		if s.State == types.VolumeCreating {
			discard(s)
		}
	}
	return converged("export of volume %d settled", src.ID), nil
}
