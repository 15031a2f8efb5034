package collab

import (
	"time"

	"collabSync/backend/internal/ot/delta"
)

type SequencedOpEvent struct {
	EventType   string      `json:"eventType"` // 固定 "OP_SEQUENCED"
	DocID       string      `json:"docId"`
	OperationID string      `json:"operationId"`
	Seq         int64       `json:"seq"`
	RefSeq      int64       `json:"refSeq"`
	MinSeq      int64       `json:"minSeq"`
	ClientID    string      `json:"clientId"`
	ClientSeq   uint64      `json:"clientSeq"` // 针对同一个 clientId 的“本地递增序号”
	Ops         delta.Delta `json:"ops"`
	AppliedAt   time.Time   `json:"appliedAt"`
}

func newSequencedOpEvent(docID string, op SequencedOp) SequencedOpEvent {
	return SequencedOpEvent{
		EventType:   "OP_SEQUENCED",
		DocID:       docID,
		OperationID: op.OperationID,
		Seq:         op.Seq,
		RefSeq:      op.RefSeq,
		MinSeq:      op.MinSeq,
		ClientID:    op.ClientID,
		ClientSeq:   op.ClientSeq,
		Ops:         op.Ops,
		AppliedAt:   op.AppliedAt,
	}
}
