package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/ot/delta"
)

var ErrDuplicateSeq = errors.New("sequence number already logged")

// OpRecord 是 sequenced_ops 表的一行；(doc_id, seq) 唯一
type OpRecord struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	DocID       string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_doc_seq,priority:1"`
	Seq         int64     `gorm:"not null;uniqueIndex:idx_doc_seq,priority:2"`
	RefSeq      int64     `gorm:"not null"`
	MinSeq      int64     `gorm:"not null"`
	OperationID string    `gorm:"type:varchar(64);not null"`
	ClientID    string    `gorm:"type:varchar(64);not null"`
	ClientSeq   uint64    `gorm:"not null"`
	Ops         []byte    `gorm:"type:json;not null"`
	AppliedAt   time.Time `gorm:"not null"`
}

func (OpRecord) TableName() string { return "sequenced_ops" }

type OpStore struct {
	db *gorm.DB
}

func NewOpStore(db *gorm.DB) *OpStore {
	return &OpStore{db: db}
}

var _ collab.OpStore = (*OpStore)(nil)

func (s *OpStore) AppendOp(ctx context.Context, docID string, op collab.SequencedOp) error {
	rec, err := toRecord(docID, op)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Create(&rec).Error
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return fmt.Errorf("%w: doc %s seq %d", ErrDuplicateSeq, docID, op.Seq)
		}
		return err
	}
	return nil
}

// OpsSince 按 seq 升序返回 seq > fromSeq 的记录；limit<=0 表示不限
func (s *OpStore) OpsSince(ctx context.Context, docID string, fromSeq int64, limit int) ([]collab.SequencedOp, error) {
	var rows []OpRecord
	q := s.db.WithContext(ctx).Where("doc_id = ? AND seq > ?", docID, fromSeq).Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]collab.SequencedOp, 0, len(rows))
	for _, r := range rows {
		op, err := fromRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

func toRecord(docID string, op collab.SequencedOp) (OpRecord, error) {
	b, err := json.Marshal(op.Ops)
	if err != nil {
		return OpRecord{}, fmt.Errorf("encode ops seq %d: %w", op.Seq, err)
	}
	return OpRecord{
		DocID:       docID,
		Seq:         op.Seq,
		RefSeq:      op.RefSeq,
		MinSeq:      op.MinSeq,
		OperationID: op.OperationID,
		ClientID:    op.ClientID,
		ClientSeq:   op.ClientSeq,
		Ops:         b,
		AppliedAt:   op.AppliedAt,
	}, nil
}

func fromRecord(r OpRecord) (collab.SequencedOp, error) {
	var ops delta.Delta
	if err := json.Unmarshal(r.Ops, &ops); err != nil {
		return collab.SequencedOp{}, fmt.Errorf("decode ops doc %s seq %d: %w", r.DocID, r.Seq, err)
	}
	return collab.SequencedOp{
		OperationID: r.OperationID,
		Seq:         r.Seq,
		RefSeq:      r.RefSeq,
		MinSeq:      r.MinSeq,
		ClientID:    r.ClientID,
		ClientSeq:   r.ClientSeq,
		Ops:         ops,
		AppliedAt:   r.AppliedAt,
	}, nil
}
