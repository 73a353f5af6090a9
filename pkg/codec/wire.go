package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// encoder appends protobuf wire-format fields. Zero scalars are omitted;
// messages are always written so that presence survives a round trip.
type encoder struct {
	buf []byte
}

func (e *encoder) uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
}

func (e *encoder) int(num protowire.Number, v int64) {
	e.uint(num, uint64(v))
}

func (e *encoder) bool(num protowire.Number, v bool) {
	e.uint(num, protowire.EncodeBool(v))
}

func (e *encoder) string(num protowire.Number, v string) {
	if v == "" {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, v)
}

func (e *encoder) strings(num protowire.Number, vs []string) {
	for _, v := range vs {
		e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
		e.buf = protowire.AppendString(e.buf, v)
	}
}

func (e *encoder) message(num protowire.Number, fn func(*encoder)) {
	var sub encoder
	fn(&sub)
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, sub.buf)
}

type field struct {
	num protowire.Number
	u   uint64
	b   []byte
}

func (f field) int64() int64 { return int64(f.u) }

func (f field) bool() bool { return protowire.DecodeBool(f.u) }

func (f field) string() string { return string(f.b) }

// schema maps the field numbers a message understands to their wire type.
// Unknown fields are skipped; a known field with the wrong type is malformed.
type schema map[protowire.Number]protowire.Type

func walk(b []byte, s schema, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]

		want, known := s[num]
		if !known {
			continue
		}
		if want != typ {
			return fmt.Errorf("%w: field %d has wire type %d, want %d", ErrMalformed, num, typ, want)
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
