package client

import (
	"context"

	"collabSync/backend/internal/ot/delta"
)

type SegmentState struct {
	ID           uint64
	Text         string
	Props        map[string]any
	Seq          int64
	ClientID     string
	Removed      bool
	RemovedSeq   int64
	PendingEdits int
}

type PendingState struct {
	LocalSeq int64
	Kind     string
	Token    string
	Op       delta.Delta
}

// State 是会话内部状态的快照，用于调试输出
type State struct {
	DocID     string
	ClientID  string
	Connected bool
	Seq       int64
	MinSeq    int64
	Text      string
	Segments  []SegmentState
	Pending   []PendingState
}

func (s *Session) State(ctx context.Context) (State, error) {
	var st State
	err := s.do(ctx, func() error {
		st = State{
			DocID:     s.docID,
			ClientID:  s.clientID,
			Connected: s.connected,
			Seq:       s.seq,
			MinSeq:    s.minSeq,
			Text:      s.list.Text(),
		}
		for _, seg := range s.list.Segments() {
			st.Segments = append(st.Segments, SegmentState{
				ID:           seg.ID(),
				Text:         seg.Text(),
				Props:        seg.Props(),
				Seq:          seg.Seq(),
				ClientID:     seg.ClientID(),
				Removed:      seg.Removed(),
				RemovedSeq:   seg.RemovedSeq(),
				PendingEdits: s.rec.PendingEditCount(seg),
			})
		}
		for _, g := range s.rec.PendingGroups() {
			ps := PendingState{LocalSeq: g.LocalSeq(), Kind: g.Kind().String(), Op: g.Op()}
			if !g.Token().IsZero() {
				ps.Token = g.Token().String()
			}
			st.Pending = append(st.Pending, ps)
		}
		return nil
	})
	return st, err
}
