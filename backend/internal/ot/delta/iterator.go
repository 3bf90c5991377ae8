package delta

// iterator 逐个 op 遍历 delta，每次切出不超过指定长度的一段
type iterator struct {
	ops    Delta
	index  int
	offset int
	runes  []rune // ops[index] 为 insert 时缓存其 rune
}

func newIterator(d Delta) *iterator {
	return &iterator{ops: d}
}

func (it *iterator) hasNext() bool {
	return it.index < len(it.ops)
}

func (it *iterator) peekKind() Kind {
	return it.ops[it.index].Kind
}

func (it *iterator) peekLen() int {
	return it.ops[it.index].Len() - it.offset
}

// next 取当前 op 的至多 n 个 rune；n < 0 取剩余全部
func (it *iterator) next(n int) Op {
	op := it.ops[it.index]
	rest := op.Len() - it.offset
	if n < 0 || n > rest {
		n = rest
	}
	piece := Op{Kind: op.Kind, Attrs: op.Attrs}
	if op.Kind == KindInsert {
		if it.offset == 0 && n == rest {
			piece.Text = op.Text
		} else {
			if it.runes == nil {
				it.runes = []rune(op.Text)
			}
			piece.Text = string(it.runes[it.offset : it.offset+n])
		}
	} else {
		piece.Count = n
	}
	it.offset += n
	if it.offset >= op.Len() {
		it.index++
		it.offset = 0
		it.runes = nil
	}
	return piece
}

// slice 返回文档 delta 中覆盖 [from, to) 的 op
func slice(d Delta, from, to int) Delta {
	b := New()
	it := newIterator(d)
	pos := 0
	for it.hasNext() && pos < to {
		var op Op
		if pos < from {
			op = it.next(from - pos)
		} else {
			op = it.next(to - pos)
			b.Push(op)
		}
		if op.Kind != KindDelete {
			pos += op.Len()
		}
	}
	return b.Delta()
}
