// Package delta implements the operation algebra used to synchronize
// documents: deltas are ordered edit scripts of retain/insert/delete ops that
// can be composed, transformed against concurrent edits and inverted.
//
// Every function in this package is pure. Deltas are never mutated in place;
// builders copy on the way in.
package delta

import (
	"errors"
	"strings"
	"unicode/utf8"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

var (
	ErrIncompatibleLength = errors.New("INCOMPATIBLE_LENGTH")
	ErrNotNormalized      = errors.New("NOT_NORMALIZED")
)

type Op struct {
	Kind  Kind       `json:"kind"`            // "retain" / "insert" / "delete"
	Count int        `json:"count,omitempty"` // retain/delete 的长度（按 rune 计）
	Text  string     `json:"text,omitempty"`  // 插入的文本
	Attrs Attributes `json:"attrs,omitempty"` // 格式，值为 nil 表示清除
}

// Len 返回 op 的 rune 长度
func (o Op) Len() int {
	if o.Kind == KindInsert {
		return utf8.RuneCountInString(o.Text)
	}
	return o.Count
}

// Delta 是规范形式的编辑脚本
// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]
type Delta []Op

// BaseLen 是 delta 作用前的文档长度
func (d Delta) BaseLen() int {
	n := 0
	for _, op := range d {
		if op.Kind != KindInsert {
			n += op.Count
		}
	}
	return n
}

// TargetLen 是 delta 作用后的文档长度
func (d Delta) TargetLen() int {
	n := 0
	for _, op := range d {
		if op.Kind != KindDelete {
			n += op.Len()
		}
	}
	return n
}

// IsNoop 判断 delta 是否不改变任何文档
func (d Delta) IsNoop() bool {
	for _, op := range d {
		if op.Kind != KindRetain || len(op.Attrs) > 0 {
			return false
		}
	}
	return true
}

// IsDocument 判断 delta 是否只有插入，即从空文档构造出的完整内容
func (d Delta) IsDocument() bool {
	for _, op := range d {
		if op.Kind != KindInsert {
			return false
		}
	}
	return true
}

// Text 拼接文档 delta 的插入文本
func (d Delta) Text() string {
	var sb strings.Builder
	for _, op := range d {
		if op.Kind == KindInsert {
			sb.WriteString(op.Text)
		}
	}
	return sb.String()
}

// Validate 在相邻 op 可合并、出现空 op 或 insert 紧跟 delete 时返回 ErrNotNormalized
func (d Delta) Validate() error {
	for i, op := range d {
		if op.Len() <= 0 {
			return ErrNotNormalized
		}
		if i == 0 {
			continue
		}
		prev := d[i-1]
		if prev.Kind == op.Kind && (op.Kind == KindDelete || attrsEqual(prev.Attrs, op.Attrs)) {
			return ErrNotNormalized
		}
		if prev.Kind == KindDelete && op.Kind == KindInsert {
			return ErrNotNormalized
		}
	}
	return nil
}

// FromText 返回纯文本对应的文档 delta
func FromText(s string) Delta {
	return New().Insert(s, nil).Delta()
}

// Apply 把 d 作用到 base 文本上，返回结果
func Apply(base string, d Delta) (string, error) {
	runes := []rune(base)
	if d.BaseLen() != len(runes) {
		return "", ErrIncompatibleLength
	}
	var sb strings.Builder
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case KindRetain:
			sb.WriteString(string(runes[pos : pos+op.Count]))
			pos += op.Count
		case KindInsert:
			sb.WriteString(op.Text)
		case KindDelete:
			pos += op.Count
		}
	}
	return sb.String(), nil
}
