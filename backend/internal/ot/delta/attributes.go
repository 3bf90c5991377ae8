package delta

import "reflect"

// Attributes 是格式键到值的映射，值为 nil 表示应用时清除该格式
type Attributes map[string]any

// AttrMerger 是代数里可替换的属性策略，富文本、大纲节点和纯文本只在这里不同
type AttrMerger interface {
	// Compose 把 b 合并到 a 上，后者覆盖，nil 清除。keepNull 保留 nil 标记，
	// retain 之后仍能清除下游格式。
	Compose(a, b Attributes, keepNull bool) Attributes
	// Transform 改写 b 使其可在 a 之后应用；a 优先时去掉 b 中 a 已设置的键
	Transform(a, b Attributes, priority bool) Attributes
	// Invert 返回撤销 attrs 的属性
	Invert(attrs, base Attributes) Attributes
}

// RichText 是默认属性策略
type RichText struct{}

func (RichText) Compose(a, b Attributes, keepNull bool) Attributes {
	out := Attributes{}
	for k, v := range b {
		if v == nil && !keepNull {
			continue
		}
		out[k] = v
	}
	for k, v := range a {
		if v == nil {
			continue
		}
		if _, ok := b[k]; !ok {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (RichText) Transform(a, b Attributes, priority bool) Attributes {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return nil
	}
	if !priority {
		return b
	}
	out := Attributes{}
	for k, v := range b {
		if _, ok := a[k]; !ok {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (RichText) Invert(attrs, base Attributes) Attributes {
	out := Attributes{}
	for k, v := range base {
		if nv, ok := attrs[k]; ok && !valueEqual(nv, v) {
			out[k] = v
		}
	}
	for k, v := range attrs {
		if _, ok := base[k]; !ok && v != nil {
			out[k] = nil
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// PlainText 完全丢弃格式
type PlainText struct{}

func (PlainText) Compose(_, _ Attributes, _ bool) Attributes   { return nil }
func (PlainText) Transform(_, _ Attributes, _ bool) Attributes { return nil }
func (PlainText) Invert(_, _ Attributes) Attributes            { return nil }

func attrsEqual(a, b Attributes) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !valueEqual(v, w) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.DeepEqual(a, b)
}
