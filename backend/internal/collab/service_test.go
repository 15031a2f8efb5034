package collab

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/mergetree"
	"collabSync/backend/internal/ot/delta"
)

type memOpStore struct {
	mu  sync.Mutex
	ops map[string][]SequencedOp
}

func newMemOpStore() *memOpStore { return &memOpStore{ops: make(map[string][]SequencedOp)} }

func (m *memOpStore) AppendOp(ctx context.Context, docID string, op SequencedOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[docID] = append(m.ops[docID], op)
	return nil
}

func (m *memOpStore) OpsSince(ctx context.Context, docID string, fromSeq int64, limit int) ([]SequencedOp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SequencedOp
	for _, op := range m.ops[docID] {
		if op.Seq > fromSeq {
			out = append(out, op)
		}
	}
	return out, nil
}

type memSnapshots struct {
	mu    sync.Mutex
	snaps map[string]Snapshot
}

func (m *memSnapshots) SaveDocumentSnapshot(ctx context.Context, docID string, seq int64, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snaps == nil {
		m.snaps = make(map[string]Snapshot)
	}
	m.snaps[docID] = Snapshot{Seq: seq, Content: content}
	return nil
}

func (m *memSnapshots) LoadLatestSnapshot(ctx context.Context, docID string) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[docID]
	return snap, ok, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []SequencedOpEvent
}

func (p *capturePublisher) Enqueue(ctx context.Context, evt SequencedOpEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func newTestService(opt Options) *InMemoryService {
	opt.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewInMemoryService(opt)
}

func connect(t *testing.T, s Service, docID, clientID string, from int64) Welcome {
	t.Helper()
	w, err := s.Connect(context.Background(), ConnectRequest{DocID: docID, ClientID: clientID, FromSeq: from})
	require.NoError(t, err)
	return w
}

func TestSubmit_AssignsSeqAndOrdersConcurrentInserts(t *testing.T) {
	ctx := context.Background()
	pub := &capturePublisher{}
	s := newTestService(Options{Publisher: pub})
	connect(t, s, "doc", "A", 0)
	connect(t, s, "doc", "B", 0)

	opA, err := s.Submit(ctx, "doc", "A", 1, 0, delta.Delta{delta.Insert("a", nil)})
	require.NoError(t, err)
	opB, err := s.Submit(ctx, "doc", "B", 1, 0, delta.Delta{delta.Insert("b", nil)})
	require.NoError(t, err)

	assert.Equal(t, int64(1), opA.Seq)
	assert.Equal(t, int64(2), opB.Seq)
	assert.NotEmpty(t, opA.OperationID)
	assert.NotEqual(t, opA.OperationID, opB.OperationID)

	content, seq, err := s.LoadDocumentContent(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "ba", content)
	assert.Equal(t, int64(2), seq)

	require.Len(t, pub.events, 2)
	assert.Equal(t, "OP_SEQUENCED", pub.events[0].EventType)
	assert.Equal(t, int64(2), pub.events[1].Seq)
	assert.Equal(t, "B", pub.events[1].ClientID)
}

func TestSubmit_Rejections(t *testing.T) {
	ctx := context.Background()
	s := newTestService(Options{})
	connect(t, s, "doc", "A", 0)

	_, err := s.Submit(ctx, "doc", "A", 1, 0, delta.Delta{delta.Insert("abc", nil)})
	require.NoError(t, err)

	cases := []struct {
		name      string
		client    string
		clientSeq uint64
		refSeq    int64
		ops       delta.Delta
		want      error
	}{
		{"duplicate client seq", "A", 1, 1, delta.Delta{delta.Insert("x", nil)}, ErrDuplicateOrOutOfOrder},
		{"ref seq ahead", "A", 2, 5, delta.Delta{delta.Insert("x", nil)}, ErrRefSeqOutOfWindow},
		{"unknown client", "Z", 1, 1, delta.Delta{delta.Insert("x", nil)}, ErrClientNotConnected},
		{"past end", "A", 2, 1, delta.Delta{delta.Retain(10), delta.Insert("x", nil)}, ErrInvalidOp},
		{"empty op", "A", 2, 1, delta.Delta{}, ErrInvalidOp},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Submit(ctx, "doc", tc.client, tc.clientSeq, tc.refSeq, tc.ops)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	content, seq, err := s.LoadDocumentContent(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "abc", content)
	assert.Equal(t, int64(1), seq)
}

func TestErrorCodeAndRetryable(t *testing.T) {
	assert.Equal(t, "REF_SEQ_OUT_OF_WINDOW", ErrorCode(ErrRefSeqOutOfWindow))
	assert.Equal(t, "INVALID_OP", ErrorCode(ErrInvalidOp))
	assert.Equal(t, "INTERNAL", ErrorCode(io.EOF))
	assert.True(t, Retryable("REF_SEQ_OUT_OF_WINDOW"))
	assert.True(t, Retryable("CLIENT_NOT_CONNECTED"))
	assert.False(t, Retryable("INVALID_OP"))
	assert.False(t, Retryable("DUPLICATE_OR_OUT_OF_ORDER"))
}

func TestMinSeqFollowsSlowestClient(t *testing.T) {
	ctx := context.Background()
	s := newTestService(Options{})
	connect(t, s, "doc", "A", 0)
	connect(t, s, "doc", "B", 0)

	op1, err := s.Submit(ctx, "doc", "A", 1, 0, delta.Delta{delta.Insert("a", nil)})
	require.NoError(t, err)
	assert.Equal(t, int64(0), op1.MinSeq)

	require.NoError(t, s.UpdateRefSeq(ctx, "doc", "B", 1))
	op2, err := s.Submit(ctx, "doc", "A", 2, 1, delta.Delta{delta.Retain(1), delta.Insert("b", nil)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), op2.MinSeq)

	// B 的 refSeq 已经落在窗口外
	_, err = s.Submit(ctx, "doc", "B", 1, 0, delta.Delta{delta.Insert("x", nil)})
	assert.ErrorIs(t, err, ErrRefSeqOutOfWindow)

	// 所有客户端离开后窗口收拢到当前 seq
	require.NoError(t, s.Disconnect(ctx, "doc", "A"))
	require.NoError(t, s.Disconnect(ctx, "doc", "B"))
	w := connect(t, s, "doc", "C", -1)
	assert.Equal(t, int64(2), w.MinSeq)
	assert.Equal(t, int64(2), w.BaseSeq)
	assert.Empty(t, w.CatchUp)
	assert.Equal(t, "ab", BaseText(w.Base))
}

func TestConnect_FreshLoadConvergesWithServer(t *testing.T) {
	ctx := context.Background()
	s := newTestService(Options{})
	connect(t, s, "doc", "A", 0)
	connect(t, s, "doc", "B", 0)

	_, err := s.Submit(ctx, "doc", "A", 1, 0, delta.Delta{delta.Insert("a", nil)})
	require.NoError(t, err)
	require.NoError(t, s.UpdateRefSeq(ctx, "doc", "B", 1))
	_, err = s.Submit(ctx, "doc", "A", 2, 1, delta.Delta{delta.Retain(1), delta.Insert("b", nil)})
	require.NoError(t, err)
	// B 在 refSeq=1 的视角下删除 "a"，与 A 的第二次插入并发
	_, err = s.Submit(ctx, "doc", "B", 1, 1, delta.Delta{delta.Delete(1)})
	require.NoError(t, err)

	var attached Welcome
	w, err := s.Connect(ctx, ConnectRequest{DocID: "doc", FromSeq: -1, OnAttach: func(w Welcome) { attached = w }})
	require.NoError(t, err)
	assert.Equal(t, w, attached)
	assert.NotEmpty(t, w.ClientID)
	assert.Equal(t, int64(3), w.Seq)
	assert.Equal(t, int64(1), w.BaseSeq)
	require.Len(t, w.CatchUp, 2)

	replica := mergetree.NewSegmentList(BaseText(w.Base))
	for _, op := range w.CatchUp {
		require.NoError(t, replica.ApplyRemote(op.Ops, op.Seq, op.RefSeq, op.ClientID))
	}
	content, _, err := s.LoadDocumentContent(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "b", content)
	assert.Equal(t, content, replica.Text())
}

func TestConnect_ListenersSeeOpsInSeqOrderAfterWelcome(t *testing.T) {
	ctx := context.Background()
	s := newTestService(Options{})

	var (
		mu     sync.Mutex
		events []string
	)
	s.AddListener(func(docID string, op SequencedOp) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, op.ClientID)
	})
	_, err := s.Connect(ctx, ConnectRequest{DocID: "doc", ClientID: "A", FromSeq: 0, OnAttach: func(Welcome) {
		events = append(events, "welcome")
	}})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		_, err := s.Submit(ctx, "doc", "A", uint64(i), int64(i-1), delta.Delta{delta.Insert("x", nil)})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"welcome", "A", "A", "A"}, events)

	ops, err := s.OpsSince(ctx, "doc", 1, 0)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, int64(2), ops[0].Seq)

	limited, err := s.OpsSince(ctx, "doc", 0, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, int64(1), limited[0].Seq)
}

func TestConnect_ReconnectFencesPreviousClient(t *testing.T) {
	ctx := context.Background()
	s := newTestService(Options{})
	connect(t, s, "doc", "old", 0)

	_, err := s.Connect(ctx, ConnectRequest{DocID: "doc", ClientID: "new", PreviousClientID: "old", FromSeq: 0})
	require.NoError(t, err)

	_, err = s.Submit(ctx, "doc", "old", 1, 0, delta.Delta{delta.Insert("late", nil)})
	assert.ErrorIs(t, err, ErrClientNotConnected)
	_, err = s.Submit(ctx, "doc", "new", 1, 0, delta.Delta{delta.Insert("ok", nil)})
	assert.NoError(t, err)
}

func TestConnect_CatchUpBeyondRing(t *testing.T) {
	ctx := context.Background()
	s := newTestService(Options{RingCap: 2})
	connect(t, s, "doc", "A", 0)
	for i := 1; i <= 3; i++ {
		_, err := s.Submit(ctx, "doc", "A", uint64(i), int64(i-1), delta.Delta{delta.Insert("x", nil)})
		require.NoError(t, err)
	}

	_, err := s.Connect(ctx, ConnectRequest{DocID: "doc", FromSeq: 0})
	assert.ErrorIs(t, err, ErrCatchUpUnavailable)

	w, err := s.Connect(ctx, ConnectRequest{DocID: "doc", FromSeq: 1})
	require.NoError(t, err)
	assert.Len(t, w.CatchUp, 2)

	_, err = s.Connect(ctx, ConnectRequest{DocID: "doc", FromSeq: 9})
	assert.ErrorIs(t, err, ErrRefSeqOutOfWindow)
}

func TestSnapshotAndReplayRestoreDocument(t *testing.T) {
	ctx := context.Background()
	ops := newMemOpStore()
	snaps := &memSnapshots{}

	s := newTestService(Options{Ops: ops, Snapshots: snaps, RingCap: 1})
	connect(t, s, "doc", "A", 0)
	_, err := s.Submit(ctx, "doc", "A", 1, 0, delta.Delta{delta.Insert("hello", nil)})
	require.NoError(t, err)
	_, err = s.Submit(ctx, "doc", "A", 2, 1, delta.Delta{delta.Retain(5), delta.Insert(" world", nil)})
	require.NoError(t, err)
	require.NoError(t, s.SaveSnapshot(ctx, "doc"))

	snap, ok, err := snaps.LoadLatestSnapshot(ctx, "doc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Snapshot{Seq: 1, Content: "hello"}, snap)

	// 环形缓冲只剩最后一条，旧的 op 从日志追平
	w := connect(t, s, "doc", "B", 0)
	assert.Len(t, w.CatchUp, 2)

	restarted := newTestService(Options{Ops: ops, Snapshots: snaps})
	content, seq, err := restarted.LoadDocumentContent(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "hello world", content)
	assert.Equal(t, int64(2), seq)

	// 重启后旧连接必须重新握手
	_, err = restarted.Submit(ctx, "doc", "A", 3, 2, delta.Delta{delta.Insert("!", nil)})
	assert.ErrorIs(t, err, ErrClientNotConnected)
}

func TestSaveSnapshotWithoutStore(t *testing.T) {
	s := newTestService(Options{})
	assert.ErrorIs(t, s.SaveSnapshot(context.Background(), "doc"), ErrSnapshotStoreMissing)
}
