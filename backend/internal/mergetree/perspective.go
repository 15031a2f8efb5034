package mergetree

// Perspective 决定某个 segment 在给定视角下是否可见。
//
//   - 本地视角：所有已插入且未被删除（包括本地未确认的删除）的内容
//   - 远端视角 (refSeq, clientID)：该客户端提交 op 时看到的文档
//   - 重放视角 (localSeq)：所有已确认内容，加上 localSeq 之前的本地编辑
type Perspective struct {
	RefSeq   int64
	ClientID string
	LocalSeq int64

	local bool
}

func LocalPerspective() Perspective { return Perspective{local: true} }

func RemotePerspective(refSeq int64, clientID string) Perspective {
	return Perspective{RefSeq: refSeq, ClientID: clientID}
}

func rebasePerspective(localSeq int64) Perspective {
	return Perspective{LocalSeq: localSeq}
}

func (p Perspective) insertVisible(s *Segment) bool {
	switch {
	case p.local:
		return true
	case p.LocalSeq > 0:
		return s.seq != UnassignedSeq || (s.localSeq > 0 && s.localSeq < p.LocalSeq)
	default:
		return s.seq != UnassignedSeq && (s.seq <= p.RefSeq || s.clientID == p.ClientID)
	}
}

func (p Perspective) removeVisible(s *Segment) bool {
	if !s.removed {
		return false
	}
	switch {
	case p.local:
		return true
	case p.LocalSeq > 0:
		return s.removedSeq != UnassignedSeq || (s.localRemovedSeq > 0 && s.localRemovedSeq < p.LocalSeq)
	default:
		return s.removedSeq != UnassignedSeq && (s.removedSeq <= p.RefSeq || s.removedBy(p.ClientID))
	}
}

func (p Perspective) Visible(s *Segment) bool {
	return p.insertVisible(s) && !p.removeVisible(s)
}
