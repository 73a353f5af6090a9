package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	opKind          protowire.Number = 1
	opReconcile     protowire.Number = 2
	opMigrateVM     protowire.Number = 3
	opCopyVolume    protowire.Number = 4
	opMigrateVolume protowire.Number = 5
)

var operationSchema = schema{
	opKind:          protowire.BytesType,
	opReconcile:     protowire.VarintType,
	opMigrateVM:     protowire.BytesType,
	opCopyVolume:    protowire.BytesType,
	opMigrateVolume: protowire.BytesType,
}

// EncodeOperation serializes an operation to its durable form
func EncodeOperation(op *Operation) ([]byte, error) {
	if op == nil {
		return nil, fmt.Errorf("%w: nil operation", ErrMalformed)
	}
	var e encoder
	appendOperation(&e, op)
	if e.buf == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, op.Kind)
	}
	return e.buf, nil
}

func appendOperation(e *encoder, op *Operation) {
	switch op.Kind {
	case KindMigrateVM:
		e.string(opKind, string(op.Kind))
		e.bool(opReconcile, op.Reconcile)
		if op.MigrateVM != nil {
			e.message(opMigrateVM, func(m *encoder) { appendMigrateVM(m, op.MigrateVM) })
		}
	case KindCopyVolume:
		e.string(opKind, string(op.Kind))
		e.bool(opReconcile, op.Reconcile)
		if op.CopyVolume != nil {
			e.message(opCopyVolume, func(m *encoder) { appendCopyVolume(m, op.CopyVolume) })
		}
	case KindMigrateVolume:
		e.string(opKind, string(op.Kind))
		e.bool(opReconcile, op.Reconcile)
		if op.MigrateVolume != nil {
			e.message(opMigrateVolume, func(m *encoder) { appendMigrateVolume(m, op.MigrateVolume) })
		}
	}
}

// DecodeOperation parses the durable form produced by EncodeOperation
func DecodeOperation(b []byte) (*Operation, error) {
	op := &Operation{}
	err := walk(b, operationSchema, func(f field) error {
		var err error
		switch f.num {
		case opKind:
			op.Kind = Kind(f.string())
		case opReconcile:
			op.Reconcile = f.bool()
		case opMigrateVM:
			op.MigrateVM, err = decodeMigrateVM(f.b)
		case opCopyVolume:
			op.CopyVolume, err = decodeCopyVolume(f.b)
		case opMigrateVolume:
			op.MigrateVolume, err = decodeMigrateVolume(f.b)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if !op.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, op.Kind)
	}
	return op, nil
}

const (
	vmID         protowire.Number = 1
	vmName       protowire.Number = 2
	vmSourceHost protowire.Number = 3
	vmDestHost   protowire.Number = 4
)

func appendMigrateVM(e *encoder, p *MigrateVM) {
	e.int(vmID, p.VMID)
	e.string(vmName, p.VMName)
	e.int(vmSourceHost, p.SourceHostID)
	e.int(vmDestHost, p.DestHostID)
}

func decodeMigrateVM(b []byte) (*MigrateVM, error) {
	p := &MigrateVM{}
	err := walk(b, schema{
		vmID:         protowire.VarintType,
		vmName:       protowire.BytesType,
		vmSourceHost: protowire.VarintType,
		vmDestHost:   protowire.VarintType,
	}, func(f field) error {
		switch f.num {
		case vmID:
			p.VMID = f.int64()
		case vmName:
			p.VMName = f.string()
		case vmSourceHost:
			p.SourceHostID = f.int64()
		case vmDestHost:
			p.DestHostID = f.int64()
		}
		return nil
	})
	return p, err
}

const (
	ddRole     protowire.Number = 1
	ddStoreID  protowire.Number = 2
	ddVolumeID protowire.Number = 3
	ddPath     protowire.Number = 4
	ddName     protowire.Number = 5
	ddSize     protowire.Number = 6
)

func appendDescriptor(e *encoder, d *DataDescriptor) {
	e.string(ddRole, string(d.Role))
	e.int(ddStoreID, d.StoreID)
	e.int(ddVolumeID, d.VolumeID)
	e.string(ddPath, d.Path)
	e.string(ddName, d.Name)
	e.int(ddSize, d.Size)
}

func decodeDescriptor(b []byte) (*DataDescriptor, error) {
	d := &DataDescriptor{}
	err := walk(b, schema{
		ddRole:     protowire.BytesType,
		ddStoreID:  protowire.VarintType,
		ddVolumeID: protowire.VarintType,
		ddPath:     protowire.BytesType,
		ddName:     protowire.BytesType,
		ddSize:     protowire.VarintType,
	}, func(f field) error {
		switch f.num {
		case ddRole:
			d.Role = StoreRole(f.string())
		case ddStoreID:
			d.StoreID = f.int64()
		case ddVolumeID:
			d.VolumeID = f.int64()
		case ddPath:
			d.Path = f.string()
		case ddName:
			d.Name = f.string()
		case ddSize:
			d.Size = f.int64()
		}
		return nil
	})
	return d, err
}

const (
	copySource protowire.Number = 1
	copyDest   protowire.Number = 2
)

func appendCopyVolume(e *encoder, p *CopyVolume) {
	if p.Source != nil {
		e.message(copySource, func(m *encoder) { appendDescriptor(m, p.Source) })
	}
	if p.Dest != nil {
		e.message(copyDest, func(m *encoder) { appendDescriptor(m, p.Dest) })
	}
}

func decodeCopyVolume(b []byte) (*CopyVolume, error) {
	p := &CopyVolume{}
	err := walk(b, schema{
		copySource: protowire.BytesType,
		copyDest:   protowire.BytesType,
	}, func(f field) error {
		var err error
		switch f.num {
		case copySource:
			p.Source, err = decodeDescriptor(f.b)
		case copyDest:
			p.Dest, err = decodeDescriptor(f.b)
		}
		return err
	})
	return p, err
}

const (
	mvSource protowire.Number = 1
	mvDest   protowire.Number = 2
	mvVMID   protowire.Number = 3
	mvVMName protowire.Number = 4
)

func appendMigrateVolume(e *encoder, p *MigrateVolume) {
	if p.Source != nil {
		e.message(mvSource, func(m *encoder) { appendDescriptor(m, p.Source) })
	}
	if p.Dest != nil {
		e.message(mvDest, func(m *encoder) { appendDescriptor(m, p.Dest) })
	}
	e.int(mvVMID, p.VMID)
	e.string(mvVMName, p.VMName)
}

func decodeMigrateVolume(b []byte) (*MigrateVolume, error) {
	p := &MigrateVolume{}
	err := walk(b, schema{
		mvSource: protowire.BytesType,
		mvDest:   protowire.BytesType,
		mvVMID:   protowire.VarintType,
		mvVMName: protowire.BytesType,
	}, func(f field) error {
		var err error
		switch f.num {
		case mvSource:
			p.Source, err = decodeDescriptor(f.b)
		case mvDest:
			p.Dest, err = decodeDescriptor(f.b)
		case mvVMID:
			p.VMID = f.int64()
		case mvVMName:
			p.VMName = f.string()
		}
		return err
	})
	return p, err
}
