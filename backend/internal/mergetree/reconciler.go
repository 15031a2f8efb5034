package mergetree

import (
	"fmt"
	"log/slog"
	"slices"

	"collabSync/backend/internal/ot/delta"
)

// SubmitFunc 把 op 交给定序服务，返回关联句柄
type SubmitFunc func(op delta.Delta, refSeq int64) (Token, error)

// Reconciler 驱动待确认编辑的生命周期：
//
//	Pending --ack--> Acknowledged
//	Pending --nack--> Rejected（回滚）
//	Pending --reconnect--> Pending（重新生成 op 并重新提交，队列位置不变）
//
// 所有方法都假定在同一个事件循环里调用，不做加锁。
type Reconciler struct {
	list     *SegmentList
	localSeq int64
	pending  []*SegmentGroup // 按 localSeq 递增
	byToken  map[Token]*SegmentGroup
	logger   *slog.Logger
}

func NewReconciler(list *SegmentList, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		list:    list,
		byToken: make(map[Token]*SegmentGroup),
		logger:  logger,
	}
	list.SetSplitHook(r.OnSegmentSplit)
	return r
}

func (r *Reconciler) List() *SegmentList { return r.list }

// NextLocalSeq 为下一次本地编辑分配 localSeq
func (r *Reconciler) NextLocalSeq() int64 {
	r.localSeq++
	return r.localSeq
}

// LocalEdit 在本地应用 op 并登记为待确认编辑。op 只能包含一种变更。
func (r *Reconciler) LocalEdit(op delta.Delta, clientID string) (*SegmentGroup, error) {
	if _, _, err := editKindOf(op); err != nil {
		return nil, err
	}
	localSeq := r.NextLocalSeq()
	segs, priors, err := r.list.ApplyLocal(op, localSeq, clientID)
	if err != nil {
		return nil, err
	}
	return r.TrackLocalEdit(op, localSeq, segs, priors)
}

// TrackLocalEdit 为一次本地编辑创建 SegmentGroup 并加入每个被触及 segment 的队列。
// priors 非 nil 时必须与 segments 等长，否则在修改任何队列之前返回 ErrInconsistentGroup。
func (r *Reconciler) TrackLocalEdit(op delta.Delta, localSeq int64, segments []*Segment, priors []PropertySet) (*SegmentGroup, error) {
	if priors != nil && len(priors) != len(segments) {
		return nil, fmt.Errorf("%w: %d segments, %d prior props", ErrInconsistentGroup, len(segments), len(priors))
	}
	g, err := NewSegmentGroup(op, localSeq, priors != nil)
	if err != nil {
		return nil, err
	}
	for i, s := range segments {
		if priors != nil {
			err = s.pending.EnqueueWithProps(g, priors[i])
		} else {
			err = s.pending.Enqueue(g)
		}
		if err != nil {
			return nil, err
		}
	}
	r.pending = append(r.pending, g)
	return g, nil
}

// Bind 记录 g 提交后拿到的句柄
func (r *Reconciler) Bind(g *SegmentGroup, token Token) {
	if !g.token.IsZero() {
		delete(r.byToken, g.token)
	}
	g.token = token
	r.byToken[token] = g
}

func (r *Reconciler) HasToken(token Token) bool {
	_, ok := r.byToken[token]
	return ok
}

// PendingGroups 按提交顺序返回尚未结算的编辑
func (r *Reconciler) PendingGroups() []*SegmentGroup { return slices.Clone(r.pending) }

// PendingEditCount 返回针对某个 segment 尚未确认的编辑数
func (r *Reconciler) PendingEditCount(s *Segment) int { return s.QueueSize() }

// Ack 处理定序服务的确认。g 必须是它触及的每个 segment 队列的队头，
// 否则返回 ErrProtocolViolation，且不修改任何状态。
func (r *Reconciler) Ack(token Token, seq, refSeq int64) (*SegmentGroup, error) {
	g, ok := r.byToken[token]
	if !ok {
		return nil, fmt.Errorf("%w: ack %s seq=%d", ErrUnknownToken, token, seq)
	}
	segs := g.live()
	for _, s := range segs {
		if head := s.pending.Head(); head != g {
			return nil, fmt.Errorf("%w: ack %s seq=%d ref=%d, seg#%d head is localSeq %d",
				ErrProtocolViolation, token, seq, refSeq, s.id, headLocalSeq(head))
		}
	}
	for _, s := range segs {
		s.pending.Dequeue()
		switch g.kind {
		case EditInsert:
			if s.localSeq == g.localSeq && s.seq == UnassignedSeq {
				s.seq = seq
			}
		case EditRemove:
			if s.localRemovedSeq == g.localSeq && s.removedSeq == UnassignedSeq {
				s.removedSeq = seq
			}
		case EditAnnotate:
			s.ackPendingKeys(g.attrs)
		}
	}
	r.settle(g)
	r.logger.Debug("edit acknowledged", "token", token.String(), "seq", seq, "refSeq", refSeq, "segments", len(segs))
	return g, nil
}

// Nack 处理定序服务的拒绝：从所有引用队列中移除 g 并撤销它的本地效果。
// 被拒绝的编辑不一定是最早的，所以这里用 Remove 而不是 Dequeue。
func (r *Reconciler) Nack(token Token, reason string) (*SegmentGroup, error) {
	g, ok := r.byToken[token]
	if !ok {
		return nil, fmt.Errorf("%w: nack %s (%s)", ErrUnknownToken, token, reason)
	}
	for _, s := range g.live() {
		if !s.pending.Remove(g) {
			r.logger.Warn("rejected edit already gone from queue", "token", token.String(), "segment", s.id)
			continue
		}
		r.revert(g, s)
	}
	r.settle(g)
	r.logger.Info("edit rejected", "token", token.String(), "localSeq", g.localSeq, "reason", reason)
	return g, nil
}

// Rollback 撤销最近一次本地编辑（本地 undo，或提交失败时使用）。
func (r *Reconciler) Rollback() (*SegmentGroup, error) {
	if len(r.pending) == 0 {
		return nil, ErrNoPendingEdits
	}
	g := r.pending[len(r.pending)-1]
	segs := g.live()
	for _, s := range segs {
		if tail := s.pending.Tail(); tail != g {
			return nil, fmt.Errorf("%w: rollback localSeq %d, seg#%d tail is localSeq %d",
				ErrInconsistentGroup, g.localSeq, s.id, headLocalSeq(tail))
		}
	}
	for _, s := range segs {
		s.pending.Pop()
		r.revert(g, s)
	}
	r.settle(g)
	return g, nil
}

func (r *Reconciler) revert(g *SegmentGroup, s *Segment) {
	switch g.kind {
	case EditInsert:
		if s.localSeq == g.localSeq && s.seq == UnassignedSeq {
			// 从未定序的插入：变成对所有视角都不可见的墓碑，等队列清空后回收
			s.removed = true
			s.removedSeq = UniversalSeq
		}
	case EditRemove:
		if s.localRemovedSeq == g.localSeq {
			s.unmarkRemoved()
		}
	case EditAnnotate:
		// g 已离开 s 的队列
		for k := range g.attrs {
			s.props.set(k, s.localPropValue(k))
		}
		s.dropPendingKeys(g.attrs)
	}
}

func (r *Reconciler) settle(g *SegmentGroup) {
	g.settled = true
	if !g.token.IsZero() {
		delete(r.byToken, g.token)
	}
	r.pending = slices.DeleteFunc(r.pending, func(p *SegmentGroup) bool { return p == g })
}

// OnSegmentSplit 把原 segment 的待确认队列复制到每个片段，然后标记原 segment 已丢弃。
func (r *Reconciler) OnSegmentSplit(original *Segment, fragments ...*Segment) error {
	for _, f := range fragments {
		if err := original.pending.CopyTo(f.pending); err != nil {
			return err
		}
	}
	original.detached = true
	return nil
}

// Rebase 在重连后按提交顺序重新生成每个待确认编辑，并用新的 refSeq 重新提交。
// group 留在原队列位置上，只换绑新的句柄；重新生成后为空的编辑直接结算。
func (r *Reconciler) Rebase(refSeq int64, submit SubmitFunc) error {
	clear(r.byToken)
	for _, g := range r.pending {
		g.token = Token{}
	}
	for _, g := range slices.Clone(r.pending) {
		op := r.regenerate(g)
		if op.IsNoop() {
			for _, s := range g.live() {
				if s.pending.Remove(g) && g.kind == EditAnnotate {
					r.revert(g, s)
				}
			}
			r.settle(g)
			r.logger.Debug("pending edit became empty on rebase", "localSeq", g.localSeq)
			continue
		}
		g.op = op
		token, err := submit(op, refSeq)
		if err != nil {
			return fmt.Errorf("resubmit localSeq %d: %w", g.localSeq, err)
		}
		r.Bind(g, token)
	}
	return nil
}

func headLocalSeq(g *SegmentGroup) int64 {
	if g == nil {
		return 0
	}
	return g.localSeq
}
