package mergetree

import (
	mapset "github.com/deckarep/golang-set/v2"

	"collabSync/backend/internal/ot/delta"
)

// regenerate 以“已确认内容 + localSeq 更早的本地编辑”为底稿，重新计算 g 对应的 op。
// 被别人先删掉的内容不再出现在结果里；结果为空说明这次编辑已经没有意义。
func (r *Reconciler) regenerate(g *SegmentGroup) delta.Delta {
	p := rebasePerspective(g.localSeq)
	members := mapset.NewThreadUnsafeSet[*Segment](g.live()...)

	var out delta.Delta
	for _, s := range r.list.segs {
		own := members.Contains(s)
		if own && g.kind == EditInsert && s.localSeq == g.localSeq && s.seq == UnassignedSeq {
			if s.removed && s.removedSeq != UnassignedSeq {
				continue
			}
			out = append(out, delta.Insert(s.Text(), s.props.Clone()))
			continue
		}
		if !p.Visible(s) {
			continue
		}
		switch {
		case own && g.kind == EditRemove && s.localRemovedSeq == g.localSeq:
			out = append(out, delta.Delete(s.Len()))
		case own && g.kind == EditAnnotate:
			out = append(out, delta.Annotate(s.Len(), g.attrs))
		default:
			out = append(out, delta.Retain(s.Len()))
		}
	}
	return out.Normalize()
}
