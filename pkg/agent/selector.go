package agent

import (
	"context"
	"fmt"

	"github.com/cuemby/burrow/pkg/codec"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

// EndpointSelector picks an agent able to inspect an operation's resources
type EndpointSelector interface {
	Select(ctx context.Context, op *codec.Operation) (*types.Host, error)
}

// StoreSelector selects from the host table. VM operations go to a host
// that ran or received the VM; storage operations go to a host that can
// reach every primary pool involved, falling back to one that reaches any.
type StoreSelector struct {
	hosts storage.DomainReader
}

// NewStoreSelector creates a selector over the host and VM tables
func NewStoreSelector(hosts storage.DomainReader) *StoreSelector {
	return &StoreSelector{hosts: hosts}
}

// Select returns a usable host or ErrNoEndpoint
func (s *StoreSelector) Select(ctx context.Context, op *codec.Operation) (*types.Host, error) {
	hosts, err := s.hosts.ListHosts()
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}

	switch op.Kind {
	case codec.KindMigrateVM:
		p := op.MigrateVM
		candidates := []int64{p.SourceHostID, p.DestHostID}
		if vm, err := s.hosts.GetVM(p.VMID); err == nil {
			candidates = append([]int64{vm.HostID}, candidates...)
		}
		for _, id := range candidates {
			for _, h := range hosts {
				if h.ID == id && h.Usable() {
					return h, nil
				}
			}
		}

	case codec.KindCopyVolume, codec.KindMigrateVolume:
		pools := primaryPools(op)
		var partial *types.Host
		for _, h := range hosts {
			if !h.Usable() {
				continue
			}
			reach := 0
			for _, pool := range pools {
				if h.CanReachPool(pool) {
					reach++
				}
			}
			if reach == len(pools) {
				return h, nil
			}
			if reach > 0 && partial == nil {
				partial = h
			}
		}
		if partial != nil {
			return partial, nil
		}
	}

	return nil, fmt.Errorf("%w for %s", ErrNoEndpoint, codec.Signature(op))
}

func primaryPools(op *codec.Operation) []int64 {
	var sides []*codec.DataDescriptor
	switch op.Kind {
	case codec.KindCopyVolume:
		sides = []*codec.DataDescriptor{op.CopyVolume.Source, op.CopyVolume.Dest}
	case codec.KindMigrateVolume:
		sides = []*codec.DataDescriptor{op.MigrateVolume.Source, op.MigrateVolume.Dest}
	}
	var pools []int64
	for _, d := range sides {
		if d != nil && d.Role == codec.RolePrimary {
			pools = append(pools, d.StoreID)
		}
	}
	return pools
}
