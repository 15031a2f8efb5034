package mergetree

import (
	"fmt"
	"slices"
	"strings"

	"collabSync/backend/internal/ot/delta"
)

// SplitHook 在 segment 被分裂、原 segment 丢弃之前同步调用
type SplitHook func(original *Segment, fragments ...*Segment) error

/*
SegmentList 是按文档顺序排列的 segment 列表（树层的简化实现）。

初始内容 "Hello world"：

	[ seg#1 "Hello world" seq=0 ]

本地在位置 5 插入 " big"：seg#1 分裂成 seg#2 / seg#3，新 segment 夹在中间，
seg#1 的待确认队列复制给两个片段后被丢弃：

	[ seg#2 "Hello" seq=0 ][ seg#4 " big" seq=-1 ][ seg#3 " world" seq=0 ]
*/
type SegmentList struct {
	segs    []*Segment
	nextID  uint64
	onSplit SplitHook
}

func NewSegmentList(initial string) *SegmentList {
	l := &SegmentList{}
	if initial != "" {
		l.segs = append(l.segs, newSegment(l.newID(), []rune(initial), UniversalSeq, ""))
	}
	return l
}

// NewSegmentListFromBase 用一串 insert（快照 / 全新加载的底稿）构造初始内容，全部视为 UniversalSeq
func NewSegmentListFromBase(base delta.Delta) (*SegmentList, error) {
	l := &SegmentList{}
	for i, op := range base {
		if op.Kind != delta.KindInsert {
			return nil, fmt.Errorf("%w: base run %d is %s", delta.ErrInvalidOp, i, op.Kind)
		}
		if op.Text == "" {
			continue
		}
		s := newSegment(l.newID(), []rune(op.Text), UniversalSeq, "")
		s.props.apply(op.Attrs)
		l.segs = append(l.segs, s)
	}
	return l, nil
}

func (l *SegmentList) newID() uint64 {
	l.nextID++
	return l.nextID
}

func (l *SegmentList) SetSplitHook(h SplitHook) { l.onSplit = h }

func (l *SegmentList) Segments() []*Segment { return slices.Clone(l.segs) }

// Len 是本地视角下的文档长度
func (l *SegmentList) Len() int { return l.LenAt(LocalPerspective()) }

func (l *SegmentList) LenAt(p Perspective) int {
	n := 0
	for _, s := range l.segs {
		if p.Visible(s) {
			n += s.Len()
		}
	}
	return n
}

func (l *SegmentList) Text() string { return l.TextAt(LocalPerspective()) }

func (l *SegmentList) TextAt(p Perspective) string {
	var b strings.Builder
	for _, s := range l.segs {
		if p.Visible(s) {
			b.WriteString(string(s.text))
		}
	}
	return b.String()
}

// ApplyLocal 以本地视角应用 d，返回按遇到顺序排列的被触及 segment；
// d 含 annotate 时另返回与之对齐的旧属性快照。
func (l *SegmentList) ApplyLocal(d delta.Delta, localSeq int64, clientID string) ([]*Segment, []PropertySet, error) {
	p := LocalPerspective()
	if err := l.check(d, p); err != nil {
		return nil, nil, err
	}
	trackProps := slices.ContainsFunc(d, delta.Op.IsAnnotate)

	var (
		touched []*Segment
		priors  []PropertySet
	)
	track := func(s *Segment, prior PropertySet) {
		touched = append(touched, s)
		if trackProps {
			if prior == nil {
				prior = PropertySet{}
			}
			priors = append(priors, prior)
		}
	}

	pos := 0
	for _, op := range d {
		switch {
		case op.Kind == delta.KindInsert:
			s, err := l.insert(pos, p, op, UnassignedSeq, clientID)
			if err != nil {
				return nil, nil, err
			}
			s.localSeq = localSeq
			track(s, nil)
			pos += op.Len()

		case op.Kind == delta.KindDelete:
			segs, err := l.rangeSegments(pos, op.Count, p)
			if err != nil {
				return nil, nil, err
			}
			for _, s := range segs {
				s.markRemoved(UnassignedSeq, clientID)
				s.localRemovedSeq = localSeq
				s.localRemovedBy = clientID
				track(s, nil)
			}

		case op.IsAnnotate():
			segs, err := l.rangeSegments(pos, op.Count, p)
			if err != nil {
				return nil, nil, err
			}
			for _, s := range segs {
				prior := s.props.apply(op.Attrs)
				s.addPendingKeys(op.Attrs, prior)
				track(s, prior)
			}
			pos += op.Count

		default:
			pos += op.Count
		}
	}
	return touched, priors, nil
}

// ApplyRemote 以提交者 (refSeq, clientID) 的视角应用已定序的 op
func (l *SegmentList) ApplyRemote(d delta.Delta, seq, refSeq int64, clientID string) error {
	p := RemotePerspective(refSeq, clientID)
	if err := l.check(d, p); err != nil {
		return err
	}
	pos := 0
	for _, op := range d {
		switch {
		case op.Kind == delta.KindInsert:
			if _, err := l.insert(pos, p, op, seq, clientID); err != nil {
				return err
			}
			pos += op.Len()

		case op.Kind == delta.KindDelete:
			segs, err := l.rangeSegments(pos, op.Count, p)
			if err != nil {
				return err
			}
			for _, s := range segs {
				s.markRemoved(seq, clientID)
			}

		case op.IsAnnotate():
			segs, err := l.rangeSegments(pos, op.Count, p)
			if err != nil {
				return err
			}
			for _, s := range segs {
				// 本地还有未确认的同名属性时保留本地值，等本地 op 定序后自然覆盖
				attrs := make(map[string]any, len(op.Attrs))
				for k, v := range op.Attrs {
					if s.pendingKeys[k] == 0 {
						attrs[k] = v
					} else {
						s.skipRemoteProp(k, v)
					}
				}
				s.props.apply(attrs)
			}
			pos += op.Count

		default:
			pos += op.Count
		}
	}
	return nil
}

// Validate 检查 d 能否在视角 p 下应用，不修改任何状态
func (l *SegmentList) Validate(d delta.Delta, p Perspective) error {
	return l.check(d, p)
}

func (l *SegmentList) check(d delta.Delta, p Perspective) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if need, have := d.BaseLen(), l.LenAt(p); need > have {
		return fmt.Errorf("%w: op needs %d, document has %d", ErrInvalidPosition, need, have)
	}
	return nil
}

// Zamboni 回收 removedSeq <= minSeq 且没有待确认编辑的墓碑，返回被回收的 segment
func (l *SegmentList) Zamboni(minSeq int64) []*Segment {
	var dropped []*Segment
	kept := make([]*Segment, 0, len(l.segs))
	for _, s := range l.segs {
		if s.removed && s.removedSeq != UnassignedSeq && s.removedSeq <= minSeq && !s.HasPendingEdits() {
			s.detached = true
			dropped = append(dropped, s)
			continue
		}
		kept = append(kept, s)
	}
	l.segs = kept
	return dropped
}

func (l *SegmentList) insert(pos int, p Perspective, op delta.Op, seq int64, clientID string) (*Segment, error) {
	idx, err := l.insertIndex(pos, p)
	if err != nil {
		return nil, err
	}
	s := newSegment(l.newID(), []rune(op.Text), seq, clientID)
	for k, v := range op.Attrs {
		if v != nil {
			s.props[k] = v
		}
	}
	l.segs = slices.Insert(l.segs, idx, s)
	return s, nil
}

// insertIndex 找到视角 p 下位置 pos 的插入下标。
// 同一位置上的并发插入：跳过墓碑和本副本尚未确认的本地插入，停在其它不可见 segment 之前，
// 即后定序的插入排在前面。
func (l *SegmentList) insertIndex(pos int, p Perspective) (int, error) {
	cur, after := 0, 0
	for i := 0; i < len(l.segs); i++ {
		s := l.segs[i]
		if !p.Visible(s) {
			continue
		}
		if cur == pos {
			break
		}
		if pos < cur+s.Len() {
			if err := l.split(i, pos-cur); err != nil {
				return 0, err
			}
			return i + 1, nil
		}
		cur += s.Len()
		after = i + 1
	}
	if cur != pos {
		return 0, fmt.Errorf("%w: insert at %d, document has %d", ErrInvalidPosition, pos, cur)
	}
	idx := after
	for idx < len(l.segs) {
		s := l.segs[idx]
		if p.Visible(s) || !(s.removed || s.seq == UnassignedSeq) {
			break
		}
		idx++
	}
	return idx, nil
}

// rangeSegments 保证 [pos, pos+count) 两端落在 segment 边界上，返回范围内可见的 segment
func (l *SegmentList) rangeSegments(pos, count int, p Perspective) ([]*Segment, error) {
	start, err := l.boundary(pos, p)
	if err != nil {
		return nil, err
	}
	end, err := l.boundary(pos+count, p)
	if err != nil {
		return nil, err
	}
	var out []*Segment
	for _, s := range l.segs[start:end] {
		if p.Visible(s) {
			out = append(out, s)
		}
	}
	return out, nil
}

// boundary 在可见位置 pos 处切出边界，返回从 pos 开始的第一个 segment 下标
func (l *SegmentList) boundary(pos int, p Perspective) (int, error) {
	cur := 0
	for i := 0; i < len(l.segs); i++ {
		s := l.segs[i]
		if !p.Visible(s) {
			continue
		}
		if cur == pos {
			return i, nil
		}
		if pos < cur+s.Len() {
			if err := l.split(i, pos-cur); err != nil {
				return 0, err
			}
			return i + 1, nil
		}
		cur += s.Len()
	}
	if cur == pos {
		return len(l.segs), nil
	}
	return 0, fmt.Errorf("%w: boundary at %d, document has %d", ErrInvalidPosition, pos, cur)
}

func (l *SegmentList) split(i, offset int) error {
	orig := l.segs[i]
	left, right := orig.splitAt(offset, l.newID(), l.newID())
	if l.onSplit != nil {
		if err := l.onSplit(orig, left, right); err != nil {
			return err
		}
	}
	orig.detached = true
	l.segs = slices.Replace(l.segs, i, i+1, left, right)
	return nil
}
