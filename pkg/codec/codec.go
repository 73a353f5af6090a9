package codec

import (
	"errors"
	"fmt"

	"github.com/cuemby/burrow/pkg/types"
)

var (
	// ErrUnknownKind is returned for an operation or answer kind this build does not know
	ErrUnknownKind = errors.New("unknown operation kind")

	// ErrMalformed is returned when a payload cannot be decoded or an operation is structurally incoherent
	ErrMalformed = errors.New("malformed payload")
)

// Kind discriminates the operation variants
type Kind string

const (
	KindMigrateVM     Kind = "migrate-vm"
	KindCopyVolume    Kind = "copy-volume"
	KindMigrateVolume Kind = "migrate-volume"
)

// Valid reports whether k is a known operation kind
func (k Kind) Valid() bool {
	switch k {
	case KindMigrateVM, KindCopyVolume, KindMigrateVolume:
		return true
	}
	return false
}

// StoreRole says whether a data descriptor lives on primary or secondary storage
type StoreRole string

const (
	RolePrimary   StoreRole = "primary"
	RoleSecondary StoreRole = "secondary"
)

// DataDescriptor identifies one side of a copy or migration
type DataDescriptor struct {
	Role     StoreRole
	StoreID  int64
	VolumeID int64
	Path     string
	Name     string
	Size     int64
}

// MigrateVM is a live VM migration between two hosts
type MigrateVM struct {
	VMID         int64
	VMName       string
	SourceHostID int64
	DestHostID   int64
}

// CopyVolume is a storage-to-storage volume copy
type CopyVolume struct {
	Source *DataDescriptor
	Dest   *DataDescriptor
}

// CopyShape classifies a copy by the roles of its two sides
type CopyShape int

const (
	ShapeUnknown CopyShape = iota
	ShapePrimaryToPrimary
	ShapeSecondaryToPrimary
	ShapePrimaryToSecondary
)

func (s CopyShape) String() string {
	switch s {
	case ShapePrimaryToPrimary:
		return "primary-to-primary"
	case ShapeSecondaryToPrimary:
		return "secondary-to-primary"
	case ShapePrimaryToSecondary:
		return "primary-to-secondary"
	}
	return "unknown"
}

// Shape returns the copy's shape, ShapeUnknown when a side is missing
func (c *CopyVolume) Shape() CopyShape {
	if c == nil || c.Source == nil || c.Dest == nil {
		return ShapeUnknown
	}
	switch {
	case c.Source.Role == RolePrimary && c.Dest.Role == RolePrimary:
		return ShapePrimaryToPrimary
	case c.Source.Role == RoleSecondary && c.Dest.Role == RolePrimary:
		return ShapeSecondaryToPrimary
	case c.Source.Role == RolePrimary && c.Dest.Role == RoleSecondary:
		return ShapePrimaryToSecondary
	}
	return ShapeUnknown
}

// MigrateVolume is a live migration of a single volume between primary pools.
// Source and Dest name the same volume; the destination row is found through
// its LastID pointer.
type MigrateVolume struct {
	Source *DataDescriptor
	Dest   *DataDescriptor
	VMID   int64
	VMName string
}

// Operation is the tagged union of every reconcilable operation shape.
// Exactly the variant matching Kind is set.
type Operation struct {
	Kind          Kind
	Reconcile     bool
	MigrateVM     *MigrateVM
	CopyVolume    *CopyVolume
	MigrateVolume *MigrateVolume
}

// NewMigrateVM wraps a VM migration as a reconcilable operation
func NewMigrateVM(p *MigrateVM) *Operation {
	return &Operation{Kind: KindMigrateVM, Reconcile: true, MigrateVM: p}
}

// NewCopyVolume wraps a volume copy as a reconcilable operation
func NewCopyVolume(p *CopyVolume) *Operation {
	return &Operation{Kind: KindCopyVolume, Reconcile: true, CopyVolume: p}
}

// NewMigrateVolume wraps a live volume migration as a reconcilable operation
func NewMigrateVolume(p *MigrateVolume) *Operation {
	return &Operation{Kind: KindMigrateVolume, Reconcile: true, MigrateVolume: p}
}

// Validate checks that the operation has a coherent shape for its kind
func (op *Operation) Validate() error {
	switch op.Kind {
	case KindMigrateVM:
		p := op.MigrateVM
		if p == nil {
			return fmt.Errorf("%w: migrate-vm without parameters", ErrMalformed)
		}
		if p.VMID == 0 || p.VMName == "" {
			return fmt.Errorf("%w: migrate-vm without vm identity", ErrMalformed)
		}
	case KindCopyVolume:
		p := op.CopyVolume
		if p == nil || p.Source == nil || p.Dest == nil {
			return fmt.Errorf("%w: copy-volume needs both source and destination", ErrMalformed)
		}
		if p.Shape() == ShapeUnknown {
			return fmt.Errorf("%w: unsupported copy from %s to %s", ErrMalformed, p.Source.Role, p.Dest.Role)
		}
		if p.Source.Role == RolePrimary && p.Source.VolumeID == 0 {
			return fmt.Errorf("%w: primary source without volume id", ErrMalformed)
		}
		if p.Dest.Role == RolePrimary && p.Dest.VolumeID == 0 {
			return fmt.Errorf("%w: primary destination without volume id", ErrMalformed)
		}
	case KindMigrateVolume:
		p := op.MigrateVolume
		if p == nil || p.Source == nil || p.Dest == nil {
			return fmt.Errorf("%w: migrate-volume needs both source and destination", ErrMalformed)
		}
		if p.Source.VolumeID == 0 || p.Source.VolumeID != p.Dest.VolumeID {
			return fmt.Errorf("%w: migrate-volume references volume %d and %d", ErrMalformed, p.Source.VolumeID, p.Dest.VolumeID)
		}
		if p.Source.Role != RolePrimary || p.Dest.Role != RolePrimary {
			return fmt.Errorf("%w: migrate-volume between non-primary stores", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, op.Kind)
	}
	return nil
}

// Signature returns the stable textual identity of the operation instance.
// An operation missing its parameters signs as its bare kind.
func Signature(op *Operation) string {
	if op == nil {
		return ""
	}
	switch op.Kind {
	case KindMigrateVM:
		if p := op.MigrateVM; p != nil {
			return fmt.Sprintf("%s:vm=%d,src=%d,dst=%d", op.Kind, p.VMID, p.SourceHostID, p.DestHostID)
		}
	case KindCopyVolume:
		if p := op.CopyVolume; p != nil {
			return fmt.Sprintf("%s:src=%s,dst=%s", op.Kind, describe(p.Source), describe(p.Dest))
		}
	case KindMigrateVolume:
		if p := op.MigrateVolume; p != nil && p.Source != nil && p.Dest != nil {
			return fmt.Sprintf("%s:vol=%d,src=%d,dst=%d", op.Kind, p.Source.VolumeID, p.Source.StoreID, p.Dest.StoreID)
		}
	}
	return string(op.Kind)
}

func describe(d *DataDescriptor) string {
	if d == nil {
		return "none"
	}
	return fmt.Sprintf("%s/%d/%d", d.Role, d.StoreID, d.VolumeID)
}

// Resource returns the domain object that owns the operation
func Resource(op *Operation) (types.ResourceType, int64) {
	if op == nil {
		return types.ResourceNone, 0
	}
	switch op.Kind {
	case KindMigrateVM:
		if op.MigrateVM != nil {
			return types.ResourceVirtualMachine, op.MigrateVM.VMID
		}
	case KindCopyVolume:
		p := op.CopyVolume
		if p == nil {
			break
		}
		if p.Dest != nil && p.Dest.Role == RolePrimary {
			return types.ResourceVolume, p.Dest.VolumeID
		}
		if p.Source != nil {
			return types.ResourceVolume, p.Source.VolumeID
		}
	case KindMigrateVolume:
		if op.MigrateVolume != nil && op.MigrateVolume.Source != nil {
			return types.ResourceVolume, op.MigrateVolume.Source.VolumeID
		}
	}
	return types.ResourceNone, 0
}

// PowerState is the run state an agent reports for a VM
type PowerState string

const (
	PowerOn      PowerState = "PowerOn"
	PowerOff     PowerState = "PowerOff"
	PowerUnknown PowerState = "PowerUnknown"
)

// VMFacts is ground truth about a VM on a host
type VMFacts struct {
	PowerState PowerState
	DiskPaths  []string
}

// VolumeFacts is ground truth about one side of a copy or migration
type VolumeFacts struct {
	Found   bool
	State   types.VolumeState
	Path    string
	Size    int64
	StoreID int64
}

// Present reports whether the volume exists and is not being torn down
func (f *VolumeFacts) Present() bool {
	return f != nil && f.Found && f.State != types.VolumeDestroy
}

// VolumeReport is ground truth for copy and volume migration probes
type VolumeReport struct {
	Source        *VolumeFacts
	Dest          *VolumeFacts
	VMRunning     bool
	AttachedPaths []string
}

// Answer is an agent's reply to an operation or a probe
type Answer struct {
	Kind    Kind
	Result  bool
	Details string
	Skipped bool
	VM      *VMFacts
	Volumes *VolumeReport
}

// Name is the durable answer name stored next to the payload
func (a *Answer) Name() string {
	return string(a.Kind) + "-answer"
}

// Probe is a read-only request asking an agent what actually happened
type Probe struct {
	RequestSequence int64
	Signature       string
	Operation       *Operation
}

// OperationReport is one agent-tracked operation piggybacked on a heartbeat
type OperationReport struct {
	RequestSequence int64
	Signature       string
	State           types.AgentState
	Answer          *Answer
}

// HeartbeatReport is the reconciliation part of an agent heartbeat
type HeartbeatReport struct {
	HostID     int64
	Operations []OperationReport
}
