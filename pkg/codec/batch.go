package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Batch is one command batch the dispatch path sent to an agent. Answers is
// either empty or aligned with Operations; a nil slot means no answer.
type Batch struct {
	HostID          int64
	RequestSequence int64
	Operations      []*Operation
	Answers         []*Answer
}

const (
	btHostID     protowire.Number = 1
	btSeq        protowire.Number = 2
	btOperations protowire.Number = 3
	btAnswers    protowire.Number = 4
)

const (
	baIndex  protowire.Number = 1
	baAnswer protowire.Number = 2
)

// EncodeBatch serializes a dispatched batch for the manager API
func EncodeBatch(b *Batch) ([]byte, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: nil batch", ErrMalformed)
	}
	if len(b.Answers) > len(b.Operations) {
		return nil, fmt.Errorf("%w: %d answers for %d operations", ErrMalformed, len(b.Answers), len(b.Operations))
	}
	var e encoder
	e.int(btHostID, b.HostID)
	e.int(btSeq, b.RequestSequence)
	for i, op := range b.Operations {
		if op == nil || !op.Kind.Valid() {
			return nil, fmt.Errorf("%w: batch operation %d", ErrMalformed, i)
		}
		e.message(btOperations, func(m *encoder) { appendOperation(m, op) })
	}
	for i, a := range b.Answers {
		if a == nil {
			continue
		}
		if !a.Kind.Valid() {
			return nil, fmt.Errorf("%w: batch answer %d: %q", ErrUnknownKind, i, a.Kind)
		}
		e.message(btAnswers, func(m *encoder) {
			m.int(baIndex, int64(i)+1)
			m.message(baAnswer, func(am *encoder) { appendAnswer(am, a) })
		})
	}
	return e.buf, nil
}

// DecodeBatch parses a batch produced by EncodeBatch
func DecodeBatch(b []byte) (*Batch, error) {
	out := &Batch{}
	type slot struct {
		index  int64
		answer *Answer
	}
	var slots []slot
	err := walk(b, schema{
		btHostID:     protowire.VarintType,
		btSeq:        protowire.VarintType,
		btOperations: protowire.BytesType,
		btAnswers:    protowire.BytesType,
	}, func(f field) error {
		switch f.num {
		case btHostID:
			out.HostID = f.int64()
		case btSeq:
			out.RequestSequence = f.int64()
		case btOperations:
			op, err := DecodeOperation(f.b)
			if err != nil {
				return err
			}
			out.Operations = append(out.Operations, op)
		case btAnswers:
			var s slot
			err := walk(f.b, schema{
				baIndex:  protowire.VarintType,
				baAnswer: protowire.BytesType,
			}, func(af field) error {
				var err error
				switch af.num {
				case baIndex:
					s.index = af.int64()
				case baAnswer:
					s.answer, err = DecodeAnswer(af.b)
				}
				return err
			})
			if err != nil {
				return err
			}
			slots = append(slots, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(slots) > 0 {
		out.Answers = make([]*Answer, len(out.Operations))
		for _, s := range slots {
			if s.index < 1 || s.index > int64(len(out.Operations)) || s.answer == nil {
				return nil, fmt.Errorf("%w: answer slot %d out of range", ErrMalformed, s.index)
			}
			out.Answers[s.index-1] = s.answer
		}
	}
	return out, nil
}
