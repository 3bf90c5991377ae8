package delta

import "fmt"

// Algebra 是以属性策略为参数的 delta 代数
type Algebra struct {
	Attrs AttrMerger
}

var (
	// 富文本
	Default = Algebra{Attrs: RichText{}}
	// 忽略格式
	Plain = Algebra{Attrs: PlainText{}}
)

func Compose(a, b Delta) (Delta, error) { return Default.Compose(a, b) }

func Transform(a, b Delta) (Delta, Delta, error) { return Default.Transform(a, b) }

func Invert(a Delta, base Delta) (Delta, error) { return Default.Invert(a, base) }

// InvertText 针对纯文本 base 求 a 的逆
func InvertText(a Delta, base string) (Delta, error) {
	return Default.Invert(a, FromText(base))
}

func (g Algebra) push(b *Builder, op Op) {
	op.Attrs = g.Attrs.Compose(nil, op.Attrs, op.Kind == KindRetain)
	b.Push(op)
}

// Compose 返回等价于先应用 a 再应用 b 的 delta
func (g Algebra) Compose(a, b Delta) (Delta, error) {
	if a.TargetLen() != b.BaseLen() {
		return nil, fmt.Errorf("compose: target %d, base %d: %w", a.TargetLen(), b.BaseLen(), ErrIncompatibleLength)
	}
	out := New()
	ai, bi := newIterator(a), newIterator(b)
	for ai.hasNext() || bi.hasNext() {
		if bi.hasNext() && bi.peekKind() == KindInsert {
			g.push(out, bi.next(-1))
			continue
		}
		if ai.hasNext() && ai.peekKind() == KindDelete {
			out.Push(ai.next(-1))
			continue
		}
		if !ai.hasNext() || !bi.hasNext() {
			return nil, ErrIncompatibleLength
		}
		n := min(ai.peekLen(), bi.peekLen())
		aop, bop := ai.next(n), bi.next(n)
		switch bop.Kind {
		case KindRetain:
			aop.Attrs = g.Attrs.Compose(aop.Attrs, bop.Attrs, aop.Kind == KindRetain)
			out.Push(aop)
		case KindDelete:
			if aop.Kind == KindRetain {
				out.Delete(n)
			}
			// 插入后又被删掉，两者抵消
		}
	}
	return out.Delta(), nil
}

// ComposeAll 从左到右依次合并
func (g Algebra) ComposeAll(first Delta, rest ...Delta) (Delta, error) {
	acc := first
	for i, d := range rest {
		var err error
		if acc, err = g.Compose(acc, d); err != nil {
			return nil, fmt.Errorf("compose #%d: %w", i+1, err)
		}
	}
	return acc, nil
}

// Transform takes a and b built concurrently against the same base and
// returns a' and b' so that b·a' == a·b'. a has priority: when both insert at
// the same position the insert of a ends up first.
func (g Algebra) Transform(a, b Delta) (Delta, Delta, error) {
	if a.BaseLen() != b.BaseLen() {
		return nil, nil, fmt.Errorf("transform: base %d vs %d: %w", a.BaseLen(), b.BaseLen(), ErrIncompatibleLength)
	}
	ap, bp := New(), New()
	ai, bi := newIterator(a), newIterator(b)
	for ai.hasNext() || bi.hasNext() {
		if ai.hasNext() && ai.peekKind() == KindInsert {
			op := ai.next(-1)
			g.push(ap, op)
			bp.Retain(op.Len(), nil)
			continue
		}
		if bi.hasNext() && bi.peekKind() == KindInsert {
			op := bi.next(-1)
			g.push(bp, op)
			ap.Retain(op.Len(), nil)
			continue
		}
		if !ai.hasNext() || !bi.hasNext() {
			return nil, nil, ErrIncompatibleLength
		}
		n := min(ai.peekLen(), bi.peekLen())
		aop, bop := ai.next(n), bi.next(n)
		switch {
		case aop.Kind == KindRetain && bop.Kind == KindRetain:
			ap.Retain(n, g.Attrs.Transform(bop.Attrs, aop.Attrs, false))
			bp.Retain(n, g.Attrs.Transform(aop.Attrs, bop.Attrs, true))
		case aop.Kind == KindDelete && bop.Kind == KindRetain:
			ap.Delete(n)
		case aop.Kind == KindRetain && bop.Kind == KindDelete:
			bp.Delete(n)
		}
		// 双方删了同一段，两边都无事可做
	}
	return ap.Delta(), bp.Delta(), nil
}

// Invert 返回撤销 a 的 delta，a 作用在文档 base 上
func (g Algebra) Invert(a Delta, base Delta) (Delta, error) {
	if a.BaseLen() != base.TargetLen() {
		return nil, fmt.Errorf("invert: base %d vs document %d: %w", a.BaseLen(), base.TargetLen(), ErrIncompatibleLength)
	}
	out := New()
	pos := 0
	for _, op := range a {
		switch {
		case op.Kind == KindInsert:
			out.Delete(op.Len())
		case op.Kind == KindRetain && len(op.Attrs) == 0:
			out.Retain(op.Count, nil)
			pos += op.Count
		default:
			for _, baseOp := range slice(base, pos, pos+op.Count) {
				if op.Kind == KindDelete {
					g.push(out, baseOp)
				} else {
					out.Retain(baseOp.Len(), g.Attrs.Invert(op.Attrs, baseOp.Attrs))
				}
			}
			pos += op.Count
		}
	}
	return out.Delta(), nil
}

// TransformPosition 把光标位置映射过 d。priority 为真时，
// 恰好插在光标处的文本排在光标之后。
func TransformPosition(d Delta, pos int, priority bool) int {
	offset := 0
	it := newIterator(d)
	for it.hasNext() && offset <= pos {
		kind, n := it.peekKind(), it.peekLen()
		it.next(-1)
		if kind == KindDelete {
			pos -= min(n, pos-offset)
			continue
		}
		if kind == KindInsert && (offset < pos || !priority) {
			pos += n
		}
		offset += n
	}
	return pos
}
