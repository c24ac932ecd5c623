package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"pkt.systems/harmonyd/internal/space"
)

// MaxString caps every string field (names, keys, values, fail details).
const MaxString = 4096

// Message field numbers.
const (
	fieldType   protowire.Number = 1
	fieldStatus protowire.Number = 2
	fieldSrc    protowire.Number = 3
	fieldKey    protowire.Number = 4
	fieldValue  protowire.Number = 5
	fieldSig    protowire.Number = 6
	fieldPoint  protowire.Number = 7
	fieldBest   protowire.Number = 8
	fieldPerf   protowire.Number = 9
	fieldStamp  protowire.Number = 10
	fieldConfig protowire.Number = 11
	fieldID     protowire.Number = 12
	fieldFlags  protowire.Number = 13
	fieldCode   protowire.Number = 14
	fieldDetail protowire.Number = 15
)

// Embedded message field numbers.
const (
	pointID    protowire.Number = 1
	pointStep  protowire.Number = 2
	pointIndex protowire.Number = 3

	sigName  protowire.Number = 1
	sigRange protowire.Number = 2

	rangeName     protowire.Number = 1
	rangeKind     protowire.Number = 2
	rangeIntMin   protowire.Number = 3
	rangeIntMax   protowire.Number = 4
	rangeIntStep  protowire.Number = 5
	rangeRealMin  protowire.Number = 6
	rangeRealMax  protowire.Number = 7
	rangeRealStep protowire.Number = 8
	rangeValue    protowire.Number = 9

	pairKey   protowire.Number = 1
	pairValue protowire.Number = 2
)

// appendPayload encodes m after b.
func appendPayload(b []byte, m Message) ([]byte, error) {
	if !m.Type.Valid() {
		return nil, fmt.Errorf("wire: encode: unknown type %d", m.Type)
	}
	if !m.Status.Valid() {
		return nil, fmt.Errorf("wire: encode: unknown status %d", m.Status)
	}
	b = appendVarint(b, fieldType, uint64(m.Type))
	b = appendVarint(b, fieldStatus, uint64(m.Status))
	if m.Src != 0 {
		b = appendVarint(b, fieldSrc, protowire.EncodeZigZag(m.Src))
	}
	if m.ID != 0 {
		b = appendVarint(b, fieldID, protowire.EncodeZigZag(m.ID))
	}
	if m.Flags != 0 {
		b = appendVarint(b, fieldFlags, uint64(m.Flags))
	}
	var err error
	for _, s := range []struct {
		num protowire.Number
		val string
	}{
		{fieldKey, m.Key},
		{fieldValue, m.Value},
		{fieldCode, m.Code},
		{fieldDetail, m.Detail},
	} {
		if s.val == "" {
			continue
		}
		if b, err = appendString(b, s.num, s.val); err != nil {
			return nil, err
		}
	}
	if m.Signature != nil {
		inner, err := appendSignature(nil, *m.Signature)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldSig, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	for _, kv := range m.Config {
		var inner []byte
		if inner, err = appendString(inner, pairKey, kv.Key); err != nil {
			return nil, err
		}
		if inner, err = appendString(inner, pairValue, kv.Value); err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldConfig, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	b = appendPoint(b, fieldPoint, m.Point)
	b = appendPoint(b, fieldBest, m.Best)
	if m.Perf != 0 {
		b = protowire.AppendTag(b, fieldPerf, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(m.Perf))
	}
	if m.Stamp != 0 {
		b = appendVarint(b, fieldStamp, protowire.EncodeZigZag(m.Stamp))
	}
	return b, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) ([]byte, error) {
	if len(s) > MaxString {
		return nil, fmt.Errorf("%w: field %d is %d bytes (max %d)", ErrStringTooLong, num, len(s), MaxString)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s), nil
}

// appendPoint omits the sentinel; decoders restore it when the field is absent.
func appendPoint(b []byte, num protowire.Number, p space.Point) []byte {
	if p.ID == space.NoID && len(p.Index) == 0 && p.Step == 0 {
		return b
	}
	var inner []byte
	inner = appendVarint(inner, pointID, protowire.EncodeZigZag(p.ID))
	if p.Step != 0 {
		inner = appendVarint(inner, pointStep, protowire.EncodeZigZag(p.Step))
	}
	if len(p.Index) > 0 {
		var packed []byte
		for _, v := range p.Index {
			packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(v))
		}
		inner = protowire.AppendTag(inner, pointIndex, protowire.BytesType)
		inner = protowire.AppendBytes(inner, packed)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func appendSignature(b []byte, sig space.Signature) ([]byte, error) {
	var err error
	if b, err = appendString(b, sigName, sig.Name); err != nil {
		return nil, err
	}
	for _, r := range sig.Ranges {
		var inner []byte
		if inner, err = appendString(inner, rangeName, r.Name); err != nil {
			return nil, err
		}
		inner = appendVarint(inner, rangeKind, uint64(r.Kind))
		switch r.Kind {
		case space.KindInt:
			inner = appendVarint(inner, rangeIntMin, protowire.EncodeZigZag(r.IntMin))
			inner = appendVarint(inner, rangeIntMax, protowire.EncodeZigZag(r.IntMax))
			inner = appendVarint(inner, rangeIntStep, protowire.EncodeZigZag(r.IntStep))
		case space.KindReal:
			for _, f := range []struct {
				num protowire.Number
				val float64
			}{{rangeRealMin, r.RealMin}, {rangeRealMax, r.RealMax}, {rangeRealStep, r.RealStep}} {
				inner = protowire.AppendTag(inner, f.num, protowire.Fixed64Type)
				inner = protowire.AppendFixed64(inner, math.Float64bits(f.val))
			}
		case space.KindEnum:
			for _, v := range r.Values {
				if inner, err = appendString(inner, rangeValue, v); err != nil {
					return nil, err
				}
			}
		}
		b = protowire.AppendTag(b, sigRange, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	return b, nil
}

// decodePayload parses exactly the bytes in payload.
func decodePayload(payload []byte) (Message, error) {
	m := Message{Point: space.NoPoint(), Best: space.NoPoint()}
	err := walk(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldType, fieldStatus, fieldSrc, fieldID, fieldFlags, fieldStamp:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case fieldType:
				m.Type = Type(v)
			case fieldStatus:
				m.Status = Status(v)
			case fieldSrc:
				m.Src = protowire.DecodeZigZag(v)
			case fieldID:
				m.ID = protowire.DecodeZigZag(v)
			case fieldFlags:
				m.Flags = Flags(v)
			case fieldStamp:
				m.Stamp = protowire.DecodeZigZag(v)
			}
			return n, nil
		case fieldKey, fieldValue, fieldCode, fieldDetail:
			s, n, err := consumeString(typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case fieldKey:
				m.Key = s
			case fieldValue:
				m.Value = s
			case fieldCode:
				m.Code = s
			case fieldDetail:
				m.Detail = s
			}
			return n, nil
		case fieldSig:
			inner, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			sig, err := decodeSignature(inner)
			if err != nil {
				return 0, err
			}
			m.Signature = &sig
			return n, nil
		case fieldConfig:
			inner, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			var kv Pair
			err = walk(inner, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				s, n, err := consumeString(typ, b)
				if err != nil {
					return 0, err
				}
				switch num {
				case pairKey:
					kv.Key = s
				case pairValue:
					kv.Value = s
				}
				return n, nil
			})
			if err != nil {
				return 0, err
			}
			m.Config = append(m.Config, kv)
			return n, nil
		case fieldPoint, fieldBest:
			inner, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			p, err := decodePoint(inner)
			if err != nil {
				return 0, err
			}
			if num == fieldPoint {
				m.Point = p
			} else {
				m.Best = p
			}
			return n, nil
		case fieldPerf:
			if typ != protowire.Fixed64Type {
				return 0, fmt.Errorf("%w: perf has wire type %d", ErrMalformed, typ)
			}
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return 0, fmt.Errorf("%w: perf: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.Perf = math.Float64frombits(v)
			return n, nil
		}
		return -1, nil
	})
	if err != nil {
		return Message{}, err
	}
	if !m.Type.Valid() {
		return Message{}, fmt.Errorf("%w: unknown type %d", ErrMalformed, m.Type)
	}
	if !m.Status.Valid() {
		return Message{}, fmt.Errorf("%w: unknown status %d", ErrMalformed, m.Status)
	}
	return m, nil
}

func decodePoint(b []byte) (space.Point, error) {
	p := space.Point{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case pointID, pointStep:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return 0, err
			}
			if num == pointID {
				p.ID = protowire.DecodeZigZag(v)
			} else {
				p.Step = protowire.DecodeZigZag(v)
			}
			return n, nil
		case pointIndex:
			packed, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return 0, fmt.Errorf("%w: point index: %v", ErrMalformed, protowire.ParseError(m))
				}
				p.Index = append(p.Index, protowire.DecodeZigZag(v))
				packed = packed[m:]
			}
			return n, nil
		}
		return -1, nil
	})
	if err != nil {
		return space.Point{}, err
	}
	if p.ID == space.NoID && len(p.Index) > 0 {
		return space.Point{}, fmt.Errorf("%w: sentinel point carries values", ErrMalformed)
	}
	return p, nil
}

func decodeSignature(b []byte) (space.Signature, error) {
	var sig space.Signature
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case sigName:
			s, n, err := consumeString(typ, b)
			if err != nil {
				return 0, err
			}
			sig.Name = s
			return n, nil
		case sigRange:
			inner, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			r, err := decodeRange(inner)
			if err != nil {
				return 0, err
			}
			sig.Ranges = append(sig.Ranges, r)
			return n, nil
		}
		return -1, nil
	})
	return sig, err
}

func decodeRange(b []byte) (space.Range, error) {
	var r space.Range
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case rangeName, rangeValue:
			s, n, err := consumeString(typ, b)
			if err != nil {
				return 0, err
			}
			if num == rangeName {
				r.Name = s
			} else {
				r.Values = append(r.Values, s)
			}
			return n, nil
		case rangeKind, rangeIntMin, rangeIntMax, rangeIntStep:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case rangeKind:
				r.Kind = space.Kind(v)
			case rangeIntMin:
				r.IntMin = protowire.DecodeZigZag(v)
			case rangeIntMax:
				r.IntMax = protowire.DecodeZigZag(v)
			case rangeIntStep:
				r.IntStep = protowire.DecodeZigZag(v)
			}
			return n, nil
		case rangeRealMin, rangeRealMax, rangeRealStep:
			if typ != protowire.Fixed64Type {
				return 0, fmt.Errorf("%w: range bound has wire type %d", ErrMalformed, typ)
			}
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return 0, fmt.Errorf("%w: range bound: %v", ErrMalformed, protowire.ParseError(n))
			}
			f := math.Float64frombits(v)
			switch num {
			case rangeRealMin:
				r.RealMin = f
			case rangeRealMax:
				r.RealMax = f
			case rangeRealStep:
				r.RealStep = f
			}
			return n, nil
		}
		return -1, nil
	})
	return r, err
}

// walk iterates the fields in b. fn returns the number of value bytes it
// consumed, or -1 to skip an unknown field.
func walk(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		used, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if used < 0 {
			used = protowire.ConsumeFieldValue(num, typ, b)
			if used < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(used))
			}
		}
		b = b[used:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("%w: expected varint, got wire type %d", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: varint: %v", ErrMalformed, protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("%w: expected bytes, got wire type %d", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("%w: bytes: %v", ErrMalformed, protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeString(typ protowire.Type, b []byte) (string, int, error) {
	v, n, err := consumeBytes(typ, b)
	if err != nil {
		return "", 0, err
	}
	if len(v) > MaxString {
		return "", 0, fmt.Errorf("%w: string of %d bytes exceeds %d", ErrMalformed, len(v), MaxString)
	}
	return string(v), n, nil
}
