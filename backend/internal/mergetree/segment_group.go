package mergetree

import (
	"fmt"
	"slices"

	"collabSync/backend/internal/ot/delta"
)

// Token 是提交给定序服务后拿到的关联句柄
type Token struct {
	ClientID  string
	ClientSeq uint64
}

func (t Token) IsZero() bool { return t == Token{} }

func (t Token) String() string { return fmt.Sprintf("%s/%d", t.ClientID, t.ClientSeq) }

// EditKind 是一次本地编辑的类型
type EditKind int

const (
	EditInsert EditKind = iota
	EditRemove
	EditAnnotate
)

func (k EditKind) String() string {
	switch k {
	case EditInsert:
		return "insert"
	case EditRemove:
		return "remove"
	case EditAnnotate:
		return "annotate"
	}
	return "unknown"
}

// SegmentGroup 记录一次本地编辑触及的全部 segment。
// 它被每个相关 segment 的队列共享引用，不归任何一个 segment 独占。
//
// previousProps 存在时与 segments 按下标一一对应。segments 只增不减：
// 出队 / 移除时不会从这里删掉 segment。
type SegmentGroup struct {
	op       delta.Delta
	kind     EditKind
	attrs    map[string]any // annotate 写入的属性
	localSeq int64
	token    Token

	segments      []*Segment
	previousProps []PropertySet

	settled bool
}

// NewSegmentGroup 创建空的 group；trackProps 为真时同时维护 previousProps。
func NewSegmentGroup(op delta.Delta, localSeq int64, trackProps bool) (*SegmentGroup, error) {
	kind, attrs, err := editKindOf(op)
	if err != nil {
		return nil, err
	}
	g := &SegmentGroup{op: op, kind: kind, attrs: attrs, localSeq: localSeq}
	if trackProps {
		g.previousProps = []PropertySet{}
	}
	return g, nil
}

func (g *SegmentGroup) Op() delta.Delta { return g.op }
func (g *SegmentGroup) Kind() EditKind  { return g.kind }
func (g *SegmentGroup) LocalSeq() int64 { return g.localSeq }
func (g *SegmentGroup) Token() Token    { return g.token }
func (g *SegmentGroup) Settled() bool   { return g.settled }

func (g *SegmentGroup) Segments() []*Segment { return slices.Clone(g.segments) }

// PreviousProps 返回 nil 表示该 group 不记录属性快照
func (g *SegmentGroup) PreviousProps() []PropertySet {
	if g.previousProps == nil {
		return nil
	}
	return slices.Clone(g.previousProps)
}

func (g *SegmentGroup) HasPreviousProps() bool { return g.previousProps != nil }

// Aligned 检查 previousProps 与 segments 是否等长
func (g *SegmentGroup) Aligned() bool {
	return g.previousProps == nil || len(g.previousProps) == len(g.segments)
}

func (g *SegmentGroup) indexOf(s *Segment) int {
	return slices.Index(g.segments, s)
}

// priorFor 返回 segment 在本 group 里记录的旧属性
func (g *SegmentGroup) priorFor(s *Segment) (PropertySet, bool) {
	if g.previousProps == nil {
		return nil, false
	}
	i := g.indexOf(s)
	if i < 0 || i >= len(g.previousProps) {
		return nil, false
	}
	return g.previousProps[i], true
}

// live 返回仍在树上的 segment，按首次出现顺序
func (g *SegmentGroup) live() []*Segment {
	out := make([]*Segment, 0, len(g.segments))
	for _, s := range g.segments {
		if s.detached || slices.Contains(out, s) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func editKindOf(op delta.Delta) (EditKind, map[string]any, error) {
	var (
		kind  EditKind
		attrs map[string]any
		found bool
	)
	for _, o := range op {
		var k EditKind
		switch {
		case o.Kind == delta.KindInsert:
			k = EditInsert
		case o.Kind == delta.KindDelete:
			k = EditRemove
		case o.IsAnnotate():
			k = EditAnnotate
		default:
			continue
		}
		if found && k != kind {
			return 0, nil, ErrMixedEdit
		}
		if k == EditAnnotate {
			if attrs == nil {
				attrs = make(map[string]any, len(o.Attrs))
			}
			for key, v := range o.Attrs {
				attrs[key] = v
			}
		}
		kind, found = k, true
	}
	if !found {
		return 0, nil, fmt.Errorf("%w: no change in op", ErrMixedEdit)
	}
	return kind, attrs, nil
}
