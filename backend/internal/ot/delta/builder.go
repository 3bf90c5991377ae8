package delta

// Builder 累积 op 并保持规范形式：相邻同类同属性的 op 合并，空 op 丢弃，
// 紧跟在 delete 后的 insert 挪到它前面。
type Builder struct {
	ops Delta
}

func New() *Builder {
	return &Builder{}
}

// From 以 d 的副本起步
func From(d Delta) *Builder {
	b := &Builder{ops: make(Delta, 0, len(d))}
	for _, op := range d {
		b.Push(op)
	}
	return b
}

func (b *Builder) Retain(n int, attrs Attributes) *Builder {
	return b.Push(Op{Kind: KindRetain, Count: n, Attrs: attrs})
}

func (b *Builder) Insert(text string, attrs Attributes) *Builder {
	return b.Push(Op{Kind: KindInsert, Text: text, Attrs: attrs})
}

func (b *Builder) Delete(n int) *Builder {
	return b.Push(Op{Kind: KindDelete, Count: n})
}

func (b *Builder) Push(op Op) *Builder {
	if op.Len() <= 0 {
		return b
	}
	if len(op.Attrs) == 0 {
		op.Attrs = nil
	}
	if op.Kind == KindDelete {
		op.Attrs = nil
	}
	n := len(b.ops)
	if n == 0 {
		b.ops = append(b.ops, op)
		return b
	}
	last := &b.ops[n-1]
	if last.Kind == KindDelete && op.Kind == KindInsert {
		// 规范顺序：同一位置先插后删
		if n >= 2 && b.ops[n-2].Kind == KindInsert && attrsEqual(b.ops[n-2].Attrs, op.Attrs) {
			b.ops[n-2].Text += op.Text
			return b
		}
		b.ops = append(b.ops, Op{})
		copy(b.ops[n:], b.ops[n-1:n])
		b.ops[n-1] = op
		return b
	}
	if last.Kind == op.Kind && (op.Kind == KindDelete || attrsEqual(last.Attrs, op.Attrs)) {
		if op.Kind == KindInsert {
			last.Text += op.Text
		} else {
			last.Count += op.Count
		}
		return b
	}
	b.ops = append(b.ops, op)
	return b
}

// Delta 返回构造结果，之后 builder 不可再用
func (b *Builder) Delta() Delta {
	if len(b.ops) == 0 {
		return Delta{}
	}
	return b.ops
}
