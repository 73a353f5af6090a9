package resolver

import (
	"github.com/cuemby/burrow/pkg/codec"
	"github.com/cuemby/burrow/pkg/types"
)

// resolveMigrateVM matches the VM's attached disk paths against each
// migrating volume and its shadow. A VM that is not running tells us
// nothing, and one indeterminate pair leaves every pair for the next pass.
// A migrating volume whose shadow row is missing is never declared settled.
func (r *Resolver) resolveMigrateVM(b *batch, in Input) (*Decision, error) {
	p := in.Op.MigrateVM
	facts := in.Answer.VM
	if in.Answer.Skipped || facts == nil {
		return retry("no vm facts for %s", p.VMName), nil
	}
	if facts.PowerState != codec.PowerOn {
		return retry("vm %s is %s", p.VMName, facts.PowerState), nil
	}

	attached, err := r.store.ListVolumesByInstance(p.VMID)
	if err != nil {
		return nil, err
	}

	decided := 0
	for _, row := range attached {
		if row.State != types.VolumeMigrating {
			continue
		}
		src := b.track(row)
		shadows, err := b.shadows(src.ID)
		if err != nil {
			return nil, err
		}
		paired := 0
		for _, dst := range shadows {
			if dst.State != types.VolumeMigrating {
				continue
			}
			paired++
			onDst := contains(facts.DiskPaths, dst.Path)
			onSrc := contains(facts.DiskPaths, src.Path)
			switch {
			case onDst && !onSrc:
				ready(dst, p.VMID)
				discard(src)
			case onSrc && !onDst:
				ready(src, p.VMID)
				discard(dst)
			default:
				return retry("volume %d: attached disks match neither or both sides", src.ID), nil
			}
			decided++
		}
		if paired == 0 {
			return retry("volume %d is migrating without a migrating shadow", src.ID), nil
		}
	}

	return converged("vm %s: %d volume pairs resolved", p.VMName, decided), nil
}
