package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"

	"collabSync/backend/internal/collab"
)

type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

var _ collab.SnapshotStore = (*SnapshotStore)(nil)

func (s *SnapshotStore) SaveDocumentSnapshot(ctx context.Context, docID string, seq int64, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots (document_id, seq, content)
		VALUES (?, ?, ?)`,
		docID,
		seq,
		content,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		// 同一 seq 的快照内容必然相同，重复写入直接忽略
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

func (s *SnapshotStore) LoadLatestSnapshot(ctx context.Context, docID string) (collab.Snapshot, bool, error) {
	var snap collab.Snapshot
	err := s.db.QueryRowContext(ctx,
		`SELECT seq, content FROM document_snapshots
		WHERE document_id = ? ORDER BY seq DESC LIMIT 1`,
		docID,
	).Scan(&snap.Seq, &snap.Content)
	if errors.Is(err, sql.ErrNoRows) {
		return collab.Snapshot{}, false, nil
	}
	if err != nil {
		return collab.Snapshot{}, false, err
	}
	return snap, true, nil
}
