package mergetree

import (
	"fmt"
	"maps"
	"slices"
)

const (
	// UnassignedSeq 标记本地已应用但定序服务尚未确认的插入 / 删除。
	UnassignedSeq int64 = -1
	// UniversalSeq 标记对所有客户端都可见的初始内容。
	UniversalSeq int64 = 0
)

// Segment 是序列里的叶子单元。内容长度在创建后不变，结构变化只通过分裂产生新的 segment。
type Segment struct {
	id    uint64
	text  []rune
	props PropertySet

	// 插入来源
	seq      int64
	clientID string
	localSeq int64 // 本地插入时的 localSeq，远端插入为 0

	// 删除来源（墓碑）
	removed          bool
	removedSeq       int64
	removedClientIDs []string
	localRemovedSeq  int64
	localRemovedBy   string

	// 本地尚未确认的 annotate，按属性键计数；远端 annotate 不覆盖这些键
	pendingKeys map[string]int
	// pendingKeys 中每个键在已定序视角下的值，nil 表示未设置
	sequencedProps PropertySet

	pending  *PendingOpQueue
	detached bool // 已被分裂片段替换或已被回收
}

func newSegment(id uint64, text []rune, seq int64, clientID string) *Segment {
	s := &Segment{
		id:         id,
		text:       text,
		props:      PropertySet{},
		seq:        seq,
		clientID:   clientID,
		removedSeq: UnassignedSeq,
	}
	s.pending = newPendingOpQueue(s)
	return s
}

func (s *Segment) ID() uint64         { return s.id }
func (s *Segment) Text() string       { return string(s.text) }
func (s *Segment) Len() int           { return len(s.text) }
func (s *Segment) Props() PropertySet { return s.props.Clone() }
func (s *Segment) Seq() int64         { return s.seq }
func (s *Segment) ClientID() string   { return s.clientID }
func (s *Segment) Removed() bool      { return s.removed }
func (s *Segment) RemovedSeq() int64  { return s.removedSeq }
func (s *Segment) Detached() bool     { return s.detached }

// Pending 把队列暴露给 Reconciler；segment 自己从不修改它
func (s *Segment) Pending() *PendingOpQueue { return s.pending }

// QueueSize 返回针对该 segment 尚未确认的编辑数
func (s *Segment) QueueSize() int { return s.pending.Size() }

func (s *Segment) HasPendingEdits() bool { return !s.pending.IsEmpty() }

func (s *Segment) String() string {
	return fmt.Sprintf("seg#%d(%q seq=%d client=%s removed=%t pending=%d)",
		s.id, string(s.text), s.seq, s.clientID, s.removed, s.pending.Size())
}

func (s *Segment) markRemoved(seq int64, clientID string) {
	if !s.removed {
		s.removed = true
		s.removedSeq = seq
	} else if s.removedSeq == UnassignedSeq && seq != UnassignedSeq {
		// 本地删除还在等待确认，先到的远端删除决定 removedSeq
		s.removedSeq = seq
	}
	if !slices.Contains(s.removedClientIDs, clientID) {
		s.removedClientIDs = append(s.removedClientIDs, clientID)
	}
}

// unmarkRemoved 撤销本地尚未确认的删除
func (s *Segment) unmarkRemoved() {
	by := s.localRemovedBy
	s.localRemovedSeq = 0
	s.localRemovedBy = ""
	s.removedClientIDs = slices.DeleteFunc(s.removedClientIDs, func(c string) bool { return c == by })
	if s.removedSeq == UnassignedSeq {
		s.removed = false
		s.removedClientIDs = nil
	}
}

func (s *Segment) removedBy(clientID string) bool {
	return slices.Contains(s.removedClientIDs, clientID)
}

// splitAt 在 offset 处切成两段新的 segment；来源、属性与待确认计数都复制到两段上，
// 原 segment 的队列由 Reconciler 复制后再丢弃。
func (s *Segment) splitAt(offset int, leftID, rightID uint64) (*Segment, *Segment) {
	left := s.fragment(leftID, s.text[:offset:offset])
	right := s.fragment(rightID, s.text[offset:])
	return left, right
}

func (s *Segment) fragment(id uint64, text []rune) *Segment {
	f := &Segment{
		id:               id,
		text:             slices.Clone(text),
		props:            s.props.Clone(),
		seq:              s.seq,
		clientID:         s.clientID,
		localSeq:         s.localSeq,
		removed:          s.removed,
		removedSeq:       s.removedSeq,
		removedClientIDs: slices.Clone(s.removedClientIDs),
		localRemovedSeq:  s.localRemovedSeq,
		localRemovedBy:   s.localRemovedBy,
	}
	if len(s.pendingKeys) > 0 {
		f.pendingKeys = maps.Clone(s.pendingKeys)
		f.sequencedProps = s.sequencedProps.Clone()
	}
	f.pending = newPendingOpQueue(f)
	return f
}

// addPendingKeys 登记一次本地 annotate；prior 是编辑前的值，
// 键第一次变成待确认时它就是已定序的值。
func (s *Segment) addPendingKeys(attrs map[string]any, prior PropertySet) {
	if s.pendingKeys == nil {
		s.pendingKeys = make(map[string]int, len(attrs))
	}
	if s.sequencedProps == nil {
		s.sequencedProps = make(PropertySet, len(attrs))
	}
	for k := range attrs {
		if s.pendingKeys[k] == 0 {
			s.sequencedProps[k] = prior[k]
		}
		s.pendingKeys[k]++
	}
}

// skipRemoteProp 记录因本地待确认而没有写入 props 的远端值
func (s *Segment) skipRemoteProp(k string, v any) {
	s.sequencedProps[k] = v
}

// ackPendingKeys：本地 annotate 已定序，它写入的值成为已定序的值
func (s *Segment) ackPendingKeys(attrs map[string]any) {
	for k, v := range attrs {
		if s.pendingKeys[k] <= 1 {
			delete(s.pendingKeys, k)
			delete(s.sequencedProps, k)
			continue
		}
		s.pendingKeys[k]--
		s.sequencedProps[k] = v
	}
}

// dropPendingKeys：本地 annotate 被拒绝或撤销，不影响已定序的值
func (s *Segment) dropPendingKeys(attrs map[string]any) {
	for k := range attrs {
		if s.pendingKeys[k] <= 1 {
			delete(s.pendingKeys, k)
			delete(s.sequencedProps, k)
			continue
		}
		s.pendingKeys[k]--
	}
}

// localPropValue 是撤掉一次 annotate 后 k 在本地视角下的值：
// 队列里最后一个仍写 k 的本地 annotate，没有则取已定序的值。
func (s *Segment) localPropValue(k string) any {
	groups := s.pending.Groups()
	for i := len(groups) - 1; i >= 0; i-- {
		g := groups[i]
		if g.kind != EditAnnotate {
			continue
		}
		if v, ok := g.attrs[k]; ok {
			return v
		}
	}
	return s.sequencedProps[k]
}
