package mergetree

import (
	"container/list"
	"fmt"
)

// PendingOpQueue 按本地提交顺序记录触及某个 segment、尚未确认的编辑。
// 队列只在头尾增删，Remove 按身份查找后原地摘除，不会改变其它元素的相对顺序。
type PendingOpQueue struct {
	segment *Segment
	groups  *list.List // *SegmentGroup
}

func newPendingOpQueue(s *Segment) *PendingOpQueue {
	return &PendingOpQueue{segment: s, groups: list.New()}
}

func (q *PendingOpQueue) Size() int     { return q.groups.Len() }
func (q *PendingOpQueue) IsEmpty() bool { return q.groups.Len() == 0 }

// Enqueue 把 g 追加到队尾，同时把本 segment 追加到 g.segments。
// 带 previousProps 的 group 必须先由调用方追加好对应快照（或改用 EnqueueWithProps），
// 否则两者会错位，返回 ErrInconsistentGroup 且不做任何修改。
func (q *PendingOpQueue) Enqueue(g *SegmentGroup) error {
	if g.previousProps != nil && len(g.previousProps) != len(g.segments)+1 {
		return fmt.Errorf("%w: enqueue seg#%d with %d segments / %d props",
			ErrInconsistentGroup, q.segment.id, len(g.segments), len(g.previousProps))
	}
	q.push(g)
	return nil
}

// EnqueueWithProps 同时追加快照与 segment，保证下标一致
func (q *PendingOpQueue) EnqueueWithProps(g *SegmentGroup, prior PropertySet) error {
	if g.previousProps == nil || len(g.previousProps) != len(g.segments) {
		return fmt.Errorf("%w: enqueue seg#%d with props on untracked or misaligned group",
			ErrInconsistentGroup, q.segment.id)
	}
	if prior == nil {
		prior = PropertySet{}
	}
	g.previousProps = append(g.previousProps, prior)
	q.push(g)
	return nil
}

func (q *PendingOpQueue) push(g *SegmentGroup) {
	q.groups.PushBack(g)
	g.segments = append(g.segments, q.segment)
}

// Dequeue 移除并返回最早的一条；队列为空时返回 nil
func (q *PendingOpQueue) Dequeue() *SegmentGroup {
	front := q.groups.Front()
	if front == nil {
		return nil
	}
	return q.groups.Remove(front).(*SegmentGroup)
}

// Pop 移除并返回最新的一条；队列为空时返回 nil
func (q *PendingOpQueue) Pop() *SegmentGroup {
	back := q.groups.Back()
	if back == nil {
		return nil
	}
	return q.groups.Remove(back).(*SegmentGroup)
}

// Remove 从队头开始找第一个与 g 相同的条目并摘除；找不到返回 false（属于正常情况）
func (q *PendingOpQueue) Remove(g *SegmentGroup) bool {
	for e := q.groups.Front(); e != nil; e = e.Next() {
		if e.Value.(*SegmentGroup) == g {
			q.groups.Remove(e)
			return true
		}
	}
	return false
}

func (q *PendingOpQueue) Head() *SegmentGroup {
	if front := q.groups.Front(); front != nil {
		return front.Value.(*SegmentGroup)
	}
	return nil
}

func (q *PendingOpQueue) Tail() *SegmentGroup {
	if back := q.groups.Back(); back != nil {
		return back.Value.(*SegmentGroup)
	}
	return nil
}

// Groups 从队头到队尾返回快照
func (q *PendingOpQueue) Groups() []*SegmentGroup {
	out := make([]*SegmentGroup, 0, q.groups.Len())
	for e := q.groups.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*SegmentGroup))
	}
	return out
}

// CopyTo 把本队列的全部条目按顺序复制到 target（segment 分裂时用）。
// 带 previousProps 的 group 会把源 segment 对应下标的快照复制到新的队尾位置。
// 任何一个条目会导致错位时整体拒绝，不做修改。
func (q *PendingOpQueue) CopyTo(target *PendingOpQueue) error {
	groups := q.Groups()
	for _, g := range groups {
		if g.previousProps == nil {
			continue
		}
		if !g.Aligned() {
			return fmt.Errorf("%w: copy seg#%d -> seg#%d", ErrInconsistentGroup, q.segment.id, target.segment.id)
		}
		if g.indexOf(q.segment) < 0 {
			return fmt.Errorf("%w: seg#%d missing from its own group", ErrInconsistentGroup, q.segment.id)
		}
	}
	for _, g := range groups {
		target.enqueueOnCopy(g, q.segment)
	}
	return nil
}

func (q *PendingOpQueue) enqueueOnCopy(g *SegmentGroup, source *Segment) {
	if g.previousProps == nil {
		q.push(g)
		return
	}
	prior := g.previousProps[g.indexOf(source)]
	q.push(g)
	g.previousProps = append(g.previousProps, prior.Clone())
}
