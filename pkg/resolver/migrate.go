package resolver

import (
	"github.com/cuemby/burrow/pkg/codec"
	"github.com/cuemby/burrow/pkg/types"
)

type side int

const (
	sideNone side = iota
	sideSource
	sideDest
)

// resolveMigrateVolume settles a live migration of one volume. The volume
// row sits on the source pool; its destination is a shadow row on the
// destination pool pointing back through LastID. Exactly one side ends up
// Ready and attached, the other is detached and marked Destroy for the
// normal deletion path.
func (r *Resolver) resolveMigrateVolume(b *batch, in Input) (*Decision, error) {
	p := in.Op.MigrateVolume
	srcFacts, dstFacts := facts(in.Answer)
	rep := report(in.Answer)

	src, err := b.volume(p.Source.VolumeID)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return converged("volume %d already gone", p.Source.VolumeID), nil
	}
	dst, err := destinationRow(b, src.ID, p.Dest.StoreID)
	if err != nil {
		return nil, err
	}

	winner, reason := sideNone, ""
	if rep.VMRunning && len(rep.AttachedPaths) > 0 {
		// attachment is stronger evidence than presence
		onSrc := contains(rep.AttachedPaths, pathOf(srcFacts, src))
		onDst := contains(rep.AttachedPaths, pathOf(dstFacts, dst))
		switch {
		case onDst && !onSrc:
			winner, reason = sideDest, "vm runs on the destination disk"
		case onSrc && !onDst:
			winner, reason = sideSource, "vm runs on the source disk"
		}
	}
	if winner == sideNone {
		if ok, why := destinationReady(report(in.Previous).Dest, dstFacts, in.Record.StateByAgent); ok {
			winner, reason = sideDest, why
		} else if dstFacts.Present() {
			return retry("%s", why), nil
		} else if srcFacts.Present() {
			winner, reason = sideSource, "destination absent, source present"
		} else {
			return retry("neither side of volume %d is present", src.ID), nil
		}
	}

	instance := src.InstanceID
	if instance == 0 && dst != nil {
		instance = dst.InstanceID
	}
	if instance == 0 && rep.VMRunning {
		instance = p.VMID
	}

	switch winner {
	case sideDest:
		if dst == nil {
			// no shadow row was provisioned; move the row itself
			ready(src, instance)
			src.PoolID = p.Dest.StoreID
			adopt(src, dstFacts)
			break
		}
		ready(dst, instance)
		adopt(dst, dstFacts)
		discard(src)
	case sideSource:
		ready(src, instance)
		adopt(src, srcFacts)
		if dst != nil {
			discard(dst)
		}
	}
	return converged("volume %d: %s", src.ID, reason), nil
}

func destinationRow(b *batch, volumeID, poolID int64) (*types.Volume, error) {
	shadows, err := b.shadows(volumeID)
	if err != nil {
		return nil, err
	}
	var found *types.Volume
	for _, s := range shadows {
		if s.PoolID != poolID {
			continue
		}
		// prefer a live placeholder over one already settled
		if found == nil || (found.State == types.VolumeDestroy && s.State != types.VolumeDestroy) {
			found = s
		}
	}
	return found, nil
}

func pathOf(f *codec.VolumeFacts, v *types.Volume) string {
	if f != nil && f.Path != "" {
		return f.Path
	}
	if v != nil {
		return v.Path
	}
	return ""
}
