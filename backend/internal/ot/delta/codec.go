package delta

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Binary layout, protobuf compatible:
//
//	message Delta { repeated Op ops = 1; }
//	message Op    { uint32 kind = 1; uint64 count = 2; string text = 3; bytes attrs = 4; }
//
// attrs 存属性表的 JSON（键有序），保证编码确定，校验和才稳定。
const (
	fieldOps   protowire.Number = 1
	fieldKind  protowire.Number = 1
	fieldCount protowire.Number = 2
	fieldText  protowire.Number = 3
	fieldAttrs protowire.Number = 4
)

var ErrMalformed = errors.New("MALFORMED_DELTA")

var kindCodes = map[Kind]uint64{KindRetain: 1, KindInsert: 2, KindDelete: 3}

func kindFromCode(c uint64) (Kind, bool) {
	switch c {
	case 1:
		return KindRetain, true
	case 2:
		return KindInsert, true
	case 3:
		return KindDelete, true
	}
	return "", false
}

// Encode 把 d 序列化成线上格式
func Encode(d Delta) ([]byte, error) {
	var b []byte
	for _, op := range d {
		code, ok := kindCodes[op.Kind]
		if !ok {
			return nil, fmt.Errorf("encode: unknown kind %q: %w", op.Kind, ErrMalformed)
		}
		var m []byte
		m = protowire.AppendTag(m, fieldKind, protowire.VarintType)
		m = protowire.AppendVarint(m, code)
		if op.Kind == KindInsert {
			m = protowire.AppendTag(m, fieldText, protowire.BytesType)
			m = protowire.AppendString(m, op.Text)
		} else {
			m = protowire.AppendTag(m, fieldCount, protowire.VarintType)
			m = protowire.AppendVarint(m, uint64(op.Count))
		}
		if len(op.Attrs) > 0 {
			raw, err := json.Marshal(op.Attrs)
			if err != nil {
				return nil, fmt.Errorf("encode attrs: %w", err)
			}
			m = protowire.AppendTag(m, fieldAttrs, protowire.BytesType)
			m = protowire.AppendBytes(m, raw)
		}
		b = protowire.AppendTag(b, fieldOps, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b, nil
}

// Decode 解析 Encode 的输出并重新规范化
func Decode(b []byte) (Delta, error) {
	out := New()
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("decode tag: %v: %w", protowire.ParseError(n), ErrMalformed)
		}
		b = b[n:]
		if num != fieldOps || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("decode skip: %v: %w", protowire.ParseError(n), ErrMalformed)
			}
			b = b[n:]
			continue
		}
		m, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("decode op: %v: %w", protowire.ParseError(n), ErrMalformed)
		}
		b = b[n:]
		op, err := decodeOp(m)
		if err != nil {
			return nil, err
		}
		out.Push(op)
	}
	return out.Delta(), nil
}

func decodeOp(m []byte) (Op, error) {
	var op Op
	for len(m) > 0 {
		num, typ, n := protowire.ConsumeTag(m)
		if n < 0 {
			return Op{}, fmt.Errorf("decode op tag: %v: %w", protowire.ParseError(n), ErrMalformed)
		}
		m = m[n:]
		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(m)
			if n < 0 {
				return Op{}, fmt.Errorf("decode kind: %v: %w", protowire.ParseError(n), ErrMalformed)
			}
			kind, ok := kindFromCode(v)
			if !ok {
				return Op{}, fmt.Errorf("decode kind %d: %w", v, ErrMalformed)
			}
			op.Kind = kind
			m = m[n:]
		case num == fieldCount && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(m)
			if n < 0 {
				return Op{}, fmt.Errorf("decode count: %v: %w", protowire.ParseError(n), ErrMalformed)
			}
			// 超过 int 范围会变成负数，被 Push 当空操作悄悄丢掉
			if v > math.MaxInt {
				return Op{}, fmt.Errorf("decode count %d: %w", v, ErrMalformed)
			}
			op.Count = int(v)
			m = m[n:]
		case num == fieldText && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(m)
			if n < 0 {
				return Op{}, fmt.Errorf("decode text: %v: %w", protowire.ParseError(n), ErrMalformed)
			}
			op.Text = v
			m = m[n:]
		case num == fieldAttrs && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(m)
			if n < 0 {
				return Op{}, fmt.Errorf("decode attrs: %v: %w", protowire.ParseError(n), ErrMalformed)
			}
			if err := json.Unmarshal(v, &op.Attrs); err != nil {
				return Op{}, fmt.Errorf("decode attrs: %w", err)
			}
			m = m[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, m)
			if n < 0 {
				return Op{}, fmt.Errorf("decode op skip: %v: %w", protowire.ParseError(n), ErrMalformed)
			}
			m = m[n:]
		}
	}
	if op.Kind == "" {
		return Op{}, fmt.Errorf("decode op without kind: %w", ErrMalformed)
	}
	return op, nil
}
