package collab

import (
	"collabSync/backend/internal/mergetree"
	"collabSync/backend/internal/ot/delta"
)

// Replica 是服务端持有的文档副本，只接受已定序的 op
type Replica interface {
	Len() int
	String() string
	// Validate 检查 op 能否在提交者 (refSeq, clientID) 的视角下应用
	Validate(d delta.Delta, refSeq int64, clientID string) error
	Apply(d delta.Delta, seq, refSeq int64, clientID string) error
	// BaseAt 以 insert 序列的形式返回 seq 时刻对所有客户端可见的内容
	BaseAt(seq int64) delta.Delta
	Compact(minSeq int64) int
}

/*
结构示例

seq=3 时副本内容 "Hello world"，minSeq=1：

	[ "Hello" seq=0 ][ " big" seq=3 client=B ][ " world" seq=0 ]

BaseAt(1) 只包含 seq<=1 的内容 "Hello world"；新加入的客户端以它为底稿，
再依次应用 seq 2..3 的 op，就能得到与服务端一致的段结构。
*/
type segmentReplica struct {
	list *mergetree.SegmentList
}

func NewReplica(initial string) Replica {
	return &segmentReplica{list: mergetree.NewSegmentList(initial)}
}

func (r *segmentReplica) Len() int       { return r.list.Len() }
func (r *segmentReplica) String() string { return r.list.Text() }

func (r *segmentReplica) Validate(d delta.Delta, refSeq int64, clientID string) error {
	return r.list.Validate(d, mergetree.RemotePerspective(refSeq, clientID))
}

func (r *segmentReplica) Apply(d delta.Delta, seq, refSeq int64, clientID string) error {
	return r.list.ApplyRemote(d, seq, refSeq, clientID)
}

func (r *segmentReplica) BaseAt(seq int64) delta.Delta {
	p := mergetree.RemotePerspective(seq, "")
	var out delta.Delta
	for _, s := range r.list.Segments() {
		if p.Visible(s) {
			out = append(out, delta.Insert(s.Text(), s.Props()))
		}
	}
	return out.Normalize()
}

func (r *segmentReplica) Compact(minSeq int64) int {
	return len(r.list.Zamboni(minSeq))
}
