package delta

import (
	"errors"
	"fmt"
	"reflect"
	"unicode/utf8"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

var ErrInvalidOp = errors.New("invalid delta op")

type Op struct {
	Kind  Kind           `json:"kind"`            // "retain" / "insert" / "delete"
	Count int            `json:"count,omitempty"` // retain/delete 的长度
	Text  string         `json:"text,omitempty"`  // insert 的文本
	Attrs map[string]any `json:"attrs,omitempty"` // retain 带 attrs 即 annotate；值为 nil 表示删除该属性
}

// Delta 描述一次编辑：从位置 0 开始依次 retain / insert / delete。
type Delta []Op

// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]

func Retain(n int) Op { return Op{Kind: KindRetain, Count: n} }

func Insert(text string, attrs map[string]any) Op {
	return Op{Kind: KindInsert, Text: text, Attrs: attrs}
}

func Delete(n int) Op { return Op{Kind: KindDelete, Count: n} }

func Annotate(n int, attrs map[string]any) Op {
	return Op{Kind: KindRetain, Count: n, Attrs: attrs}
}

// Len 是该 op 在文档中覆盖的长度（insert 按 rune 计）
func (op Op) Len() int {
	if op.Kind == KindInsert {
		return utf8.RuneCountInString(op.Text)
	}
	return op.Count
}

func (op Op) IsAnnotate() bool {
	return op.Kind == KindRetain && len(op.Attrs) > 0
}

func (d Delta) Validate() error {
	if len(d) == 0 {
		return fmt.Errorf("%w: empty delta", ErrInvalidOp)
	}
	for i, op := range d {
		switch op.Kind {
		case KindRetain, KindDelete:
			if op.Count <= 0 {
				return fmt.Errorf("%w: op %d %s count=%d", ErrInvalidOp, i, op.Kind, op.Count)
			}
			if op.Kind == KindDelete && len(op.Attrs) > 0 {
				return fmt.Errorf("%w: op %d delete carries attrs", ErrInvalidOp, i)
			}
		case KindInsert:
			if op.Text == "" {
				return fmt.Errorf("%w: op %d empty insert", ErrInvalidOp, i)
			}
		default:
			return fmt.Errorf("%w: op %d unknown kind %q", ErrInvalidOp, i, op.Kind)
		}
	}
	return nil
}

// BaseLen 返回该 delta 需要的底稿长度（retain + delete）
func (d Delta) BaseLen() int {
	n := 0
	for _, op := range d {
		if op.Kind != KindInsert {
			n += op.Count
		}
	}
	return n
}

// IsNoop 为真表示没有任何 insert / delete / annotate
func (d Delta) IsNoop() bool {
	for _, op := range d {
		if op.Kind != KindRetain || op.IsAnnotate() {
			return false
		}
	}
	return true
}

// Normalize 合并相邻同类 op，并去掉末尾的纯 retain
func (d Delta) Normalize() Delta {
	out := make(Delta, 0, len(d))
	for _, op := range d {
		if op.Len() == 0 {
			continue
		}
		if n := len(out); n > 0 && mergeable(out[n-1], op) {
			last := &out[n-1]
			if op.Kind == KindInsert {
				last.Text += op.Text
			} else {
				last.Count += op.Count
			}
			continue
		}
		out = append(out, op)
	}
	for len(out) > 0 {
		last := out[len(out)-1]
		if last.Kind != KindRetain || last.IsAnnotate() {
			break
		}
		out = out[:len(out)-1]
	}
	return out
}

func mergeable(a, b Op) bool {
	if a.Kind != b.Kind {
		return false
	}
	if len(a.Attrs) == 0 && len(b.Attrs) == 0 {
		return true
	}
	return reflect.DeepEqual(a.Attrs, b.Attrs)
}
