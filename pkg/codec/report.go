package codec

import (
	"fmt"

	"github.com/cuemby/burrow/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	prSeq       protowire.Number = 1
	prSignature protowire.Number = 2
	prOperation protowire.Number = 3
)

// EncodeProbe serializes a probe request for the agent transport
func EncodeProbe(p *Probe) ([]byte, error) {
	if p == nil || p.Operation == nil {
		return nil, fmt.Errorf("%w: probe without operation", ErrMalformed)
	}
	if !p.Operation.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, p.Operation.Kind)
	}
	var e encoder
	e.int(prSeq, p.RequestSequence)
	e.string(prSignature, p.Signature)
	e.message(prOperation, func(m *encoder) { appendOperation(m, p.Operation) })
	return e.buf, nil
}

// DecodeProbe parses a probe request
func DecodeProbe(b []byte) (*Probe, error) {
	p := &Probe{}
	err := walk(b, schema{
		prSeq:       protowire.VarintType,
		prSignature: protowire.BytesType,
		prOperation: protowire.BytesType,
	}, func(f field) error {
		var err error
		switch f.num {
		case prSeq:
			p.RequestSequence = f.int64()
		case prSignature:
			p.Signature = f.string()
		case prOperation:
			p.Operation, err = DecodeOperation(f.b)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if p.Operation == nil {
		return nil, fmt.Errorf("%w: probe without operation", ErrMalformed)
	}
	return p, nil
}

const (
	hbHostID     protowire.Number = 1
	hbOperations protowire.Number = 2
)

const (
	orSeq       protowire.Number = 1
	orSignature protowire.Number = 2
	orState     protowire.Number = 3
	orAnswer    protowire.Number = 4
)

// EncodeHeartbeat serializes the reconciliation part of an agent heartbeat
func EncodeHeartbeat(r *HeartbeatReport) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: nil heartbeat", ErrMalformed)
	}
	var e encoder
	e.int(hbHostID, r.HostID)
	for i := range r.Operations {
		op := &r.Operations[i]
		if op.Answer != nil && !op.Answer.Kind.Valid() {
			return nil, fmt.Errorf("%w: report %d/%s: %q", ErrUnknownKind, op.RequestSequence, op.Signature, op.Answer.Kind)
		}
		e.message(hbOperations, func(m *encoder) {
			m.int(orSeq, op.RequestSequence)
			m.string(orSignature, op.Signature)
			m.string(orState, string(op.State))
			if op.Answer != nil {
				m.message(orAnswer, func(a *encoder) { appendAnswer(a, op.Answer) })
			}
		})
	}
	return e.buf, nil
}

// DecodeHeartbeat parses a heartbeat report
func DecodeHeartbeat(b []byte) (*HeartbeatReport, error) {
	r := &HeartbeatReport{}
	err := walk(b, schema{
		hbHostID:     protowire.VarintType,
		hbOperations: protowire.BytesType,
	}, func(f field) error {
		switch f.num {
		case hbHostID:
			r.HostID = f.int64()
		case hbOperations:
			op, err := decodeOperationReport(f.b)
			if err != nil {
				return err
			}
			r.Operations = append(r.Operations, *op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func decodeOperationReport(b []byte) (*OperationReport, error) {
	op := &OperationReport{}
	err := walk(b, schema{
		orSeq:       protowire.VarintType,
		orSignature: protowire.BytesType,
		orState:     protowire.BytesType,
		orAnswer:    protowire.BytesType,
	}, func(f field) error {
		var err error
		switch f.num {
		case orSeq:
			op.RequestSequence = f.int64()
		case orSignature:
			op.Signature = f.string()
		case orState:
			op.State = types.AgentState(f.string())
		case orAnswer:
			op.Answer, err = DecodeAnswer(f.b)
		}
		return err
	})
	return op, err
}
