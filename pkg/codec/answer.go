package codec

import (
	"fmt"

	"github.com/cuemby/burrow/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	ansKind    protowire.Number = 1
	ansResult  protowire.Number = 2
	ansDetails protowire.Number = 3
	ansSkipped protowire.Number = 4
	ansVM      protowire.Number = 5
	ansVolumes protowire.Number = 6
)

var answerSchema = schema{
	ansKind:    protowire.BytesType,
	ansResult:  protowire.VarintType,
	ansDetails: protowire.BytesType,
	ansSkipped: protowire.VarintType,
	ansVM:      protowire.BytesType,
	ansVolumes: protowire.BytesType,
}

// EncodeAnswer serializes an answer to its durable form
func EncodeAnswer(a *Answer) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: nil answer", ErrMalformed)
	}
	if !a.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, a.Kind)
	}
	var e encoder
	appendAnswer(&e, a)
	return e.buf, nil
}

func appendAnswer(e *encoder, a *Answer) {
	e.string(ansKind, string(a.Kind))
	e.bool(ansResult, a.Result)
	e.string(ansDetails, a.Details)
	e.bool(ansSkipped, a.Skipped)

	switch a.Kind {
	case KindMigrateVM:
		if a.VM != nil {
			e.message(ansVM, func(m *encoder) { appendVMFacts(m, a.VM) })
		}
	case KindCopyVolume, KindMigrateVolume:
		if a.Volumes != nil {
			e.message(ansVolumes, func(m *encoder) { appendVolumeReport(m, a.Volumes) })
		}
	}
}

// DecodeAnswer parses the durable form produced by EncodeAnswer
func DecodeAnswer(b []byte) (*Answer, error) {
	a := &Answer{}
	err := walk(b, answerSchema, func(f field) error {
		var err error
		switch f.num {
		case ansKind:
			a.Kind = Kind(f.string())
		case ansResult:
			a.Result = f.bool()
		case ansDetails:
			a.Details = f.string()
		case ansSkipped:
			a.Skipped = f.bool()
		case ansVM:
			a.VM, err = decodeVMFacts(f.b)
		case ansVolumes:
			a.Volumes, err = decodeVolumeReport(f.b)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if !a.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, a.Kind)
	}
	return a, nil
}

const (
	vmfPower protowire.Number = 1
	vmfDisks protowire.Number = 2
)

func appendVMFacts(e *encoder, v *VMFacts) {
	e.string(vmfPower, string(v.PowerState))
	e.strings(vmfDisks, v.DiskPaths)
}

func decodeVMFacts(b []byte) (*VMFacts, error) {
	v := &VMFacts{}
	err := walk(b, schema{
		vmfPower: protowire.BytesType,
		vmfDisks: protowire.BytesType,
	}, func(f field) error {
		switch f.num {
		case vmfPower:
			v.PowerState = PowerState(f.string())
		case vmfDisks:
			v.DiskPaths = append(v.DiskPaths, f.string())
		}
		return nil
	})
	return v, err
}

const (
	vrSource    protowire.Number = 1
	vrDest      protowire.Number = 2
	vrVMRunning protowire.Number = 3
	vrAttached  protowire.Number = 4
)

func appendVolumeReport(e *encoder, r *VolumeReport) {
	if r.Source != nil {
		e.message(vrSource, func(m *encoder) { appendVolumeFacts(m, r.Source) })
	}
	if r.Dest != nil {
		e.message(vrDest, func(m *encoder) { appendVolumeFacts(m, r.Dest) })
	}
	e.bool(vrVMRunning, r.VMRunning)
	e.strings(vrAttached, r.AttachedPaths)
}

func decodeVolumeReport(b []byte) (*VolumeReport, error) {
	r := &VolumeReport{}
	err := walk(b, schema{
		vrSource:    protowire.BytesType,
		vrDest:      protowire.BytesType,
		vrVMRunning: protowire.VarintType,
		vrAttached:  protowire.BytesType,
	}, func(f field) error {
		var err error
		switch f.num {
		case vrSource:
			r.Source, err = decodeVolumeFacts(f.b)
		case vrDest:
			r.Dest, err = decodeVolumeFacts(f.b)
		case vrVMRunning:
			r.VMRunning = f.bool()
		case vrAttached:
			r.AttachedPaths = append(r.AttachedPaths, f.string())
		}
		return err
	})
	return r, err
}

const (
	vfFound   protowire.Number = 1
	vfState   protowire.Number = 2
	vfPath    protowire.Number = 3
	vfSize    protowire.Number = 4
	vfStoreID protowire.Number = 5
)

func appendVolumeFacts(e *encoder, v *VolumeFacts) {
	e.bool(vfFound, v.Found)
	e.string(vfState, string(v.State))
	e.string(vfPath, v.Path)
	e.int(vfSize, v.Size)
	e.int(vfStoreID, v.StoreID)
}

func decodeVolumeFacts(b []byte) (*VolumeFacts, error) {
	v := &VolumeFacts{}
	err := walk(b, schema{
		vfFound:   protowire.VarintType,
		vfState:   protowire.BytesType,
		vfPath:    protowire.BytesType,
		vfSize:    protowire.VarintType,
		vfStoreID: protowire.VarintType,
	}, func(f field) error {
		switch f.num {
		case vfFound:
			v.Found = f.bool()
		case vfState:
			v.State = types.VolumeState(f.string())
		case vfPath:
			v.Path = f.string()
		case vfSize:
			v.Size = f.int64()
		case vfStoreID:
			v.StoreID = f.int64()
		}
		return nil
	})
	return v, err
}
