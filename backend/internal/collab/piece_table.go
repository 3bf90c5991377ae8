package collab

import (
	"fmt"
	"strings"

	"docsync/backend/internal/ot/delta"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	// 指针标签，表示从 original 还是 add 切片上偏移
	buf    bufferKind
	offset int
	length int
}

// PieceTable 是文档内容的 Buffer 实现：原文只读，新增文本只追加，
// 编辑只改 piece 列表。
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
	length   int
}

func NewPieceTable(initial string) *PieceTable {
	pt := &PieceTable{}
	pt.Reset(initial)
	return pt
}

func (pt *PieceTable) Reset(content string) {
	r := []rune(content)
	pt.original = r
	pt.add = nil
	pt.pieces = pt.pieces[:0]
	if len(r) > 0 {
		pt.pieces = append(pt.pieces, piece{buf: bufOriginal, offset: 0, length: len(r)})
	}
	pt.length = len(r)
}

func (pt *PieceTable) Len() int { return pt.length }

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		sb.WriteString(string(pt.source(p.buf)[p.offset : p.offset+p.length]))
	}
	return sb.String()
}

func (pt *PieceTable) source(k bufferKind) []rune {
	if k == bufAdd {
		return pt.add
	}
	return pt.original
}

// Apply 遍历一次 delta。delta 必须覆盖整个缓冲区，否则不做修改并返回 ErrIncompatibleLength
func (pt *PieceTable) Apply(d delta.Delta) error {
	if d.BaseLen() != pt.length {
		return fmt.Errorf("apply delta of base %d to buffer of %d: %w", d.BaseLen(), pt.length, delta.ErrIncompatibleLength)
	}
	pos := 0
	//retain: 只移动 pos
	//insert: 在 pos 处切开 piece，插入 add 段
	//delete: 从 pos 起裁剪/移除 piece
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			pos += pt.insert(pos, op.Text)
		case delta.KindDelete:
			pt.delete(pos, op.Count)
		}
	}
	return nil
}

func (pt *PieceTable) insert(pos int, text string) int {
	r := []rune(text)
	np := piece{buf: bufAdd, offset: len(pt.add), length: len(r)}
	pt.add = append(pt.add, r...)
	pt.length += len(r)

	idx, offset := pt.locate(pos)
	if idx == len(pt.pieces) {
		pt.pieces = append(pt.pieces, np)
		return len(r)
	}
	cur := pt.pieces[idx]
	repl := make([]piece, 0, 3)
	if offset > 0 {
		repl = append(repl, piece{buf: cur.buf, offset: cur.offset, length: offset})
	}
	repl = append(repl, np)
	repl = append(repl, piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset})
	pt.splice(idx, 1, repl)
	return len(r)
}

func (pt *PieceTable) delete(pos, n int) {
	pt.length -= n
	idx, offset := pt.locate(pos)
	for n > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		take := min(n, cur.length-offset)
		n -= take

		// 整个 piece 都删掉，idx 不动（现在这个位置是下一个 piece）
		if offset == 0 && take == cur.length {
			pt.splice(idx, 1, nil)
			continue
		}
		// 只删一段：拆成左 / 右两段
		repl := make([]piece, 0, 2)
		if offset > 0 {
			repl = append(repl, piece{buf: cur.buf, offset: cur.offset, length: offset})
		}
		if rest := cur.length - offset - take; rest > 0 {
			repl = append(repl, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rest})
		}
		pt.splice(idx, 1, repl)
		idx += len(repl)
		offset = 0
	}
}

// splice 用 repl 替换 idx 处的 n 个 piece
func (pt *PieceTable) splice(idx, n int, repl []piece) {
	out := make([]piece, 0, len(pt.pieces)-n+len(repl))
	out = append(out, pt.pieces[:idx]...)
	out = append(out, repl...)
	out = append(out, pt.pieces[idx+n:]...)
	pt.pieces = out
}

// 根据逻辑位置 pos，找到对应的 piece 下标 idx 和在该 piece 内的偏移 offset
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
