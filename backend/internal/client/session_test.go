package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/mergetree"
	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/sequencer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	return Options{
		Heartbeat:           10 * time.Millisecond,
		ReconnectBackoff:    5 * time.Millisecond,
		MaxReconnectBackoff: 20 * time.Millisecond,
		CallTimeout:         time.Second,
		Logger:              discardLogger(),
	}
}

func text(t *testing.T, s *Session) string {
	t.Helper()
	out, err := s.Text(context.Background())
	require.NoError(t, err)
	return out
}

func pending(t *testing.T, s *Session) int {
	t.Helper()
	st, err := s.State(context.Background())
	require.NoError(t, err)
	return len(st.Pending)
}

func openLocal(t *testing.T, svc collab.Service) (*Session, *sequencer.Local) {
	t.Helper()
	l := sequencer.NewLocal(svc, "doc", discardLogger())
	s, err := Open(context.Background(), l, testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, l
}

// converged 为真表示两个会话和服务端内容一致，且没有待确认编辑
func converged(t *testing.T, svc collab.Service, want string, sessions ...*Session) func() bool {
	return func() bool {
		content, _, err := svc.LoadDocumentContent(context.Background(), "doc")
		if err != nil || content != want {
			return false
		}
		for _, s := range sessions {
			if text(t, s) != want || pending(t, s) != 0 {
				return false
			}
		}
		return true
	}
}

func TestSession_TwoClientsConverge(t *testing.T) {
	ctx := context.Background()
	svc := collab.NewInMemoryService(collab.Options{Logger: discardLogger()})
	a, _ := openLocal(t, svc)
	b, _ := openLocal(t, svc)

	require.NoError(t, a.Insert(ctx, 0, "hello", nil))
	require.NoError(t, b.Insert(ctx, 0, "world", nil))
	require.NoError(t, a.Annotate(ctx, 0, 1, map[string]any{"bold": true}))

	require.Eventually(t, func() bool {
		ta, tb := text(t, a), text(t, b)
		return ta == tb && len(ta) == 10 && pending(t, a) == 0 && pending(t, b) == 0
	}, 2*time.Second, 5*time.Millisecond)

	content, _, err := svc.LoadDocumentContent(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, content, text(t, a))

	require.NoError(t, b.Remove(ctx, 0, 10))
	require.Eventually(t, converged(t, svc, "", a, b), 2*time.Second, 5*time.Millisecond)
}

func TestSession_LateJoinerLoadsBaseAndCatchUp(t *testing.T) {
	ctx := context.Background()
	svc := collab.NewInMemoryService(collab.Options{Logger: discardLogger()})
	a, _ := openLocal(t, svc)
	require.NoError(t, a.Insert(ctx, 0, "abc", map[string]any{"color": "red"}))
	require.NoError(t, a.Remove(ctx, 1, 2))
	require.Eventually(t, converged(t, svc, "ac", a), 2*time.Second, 5*time.Millisecond)

	b, _ := openLocal(t, svc)
	assert.Equal(t, "ac", text(t, b))
	st, err := b.State(ctx)
	require.NoError(t, err)
	for _, seg := range st.Segments {
		if !seg.Removed {
			assert.Equal(t, "red", seg.Props["color"])
		}
	}
}

func TestSession_OfflineEditsRebaseOnReconnect(t *testing.T) {
	ctx := context.Background()
	svc := collab.NewInMemoryService(collab.Options{Logger: discardLogger()})
	a, la := openLocal(t, svc)
	b, _ := openLocal(t, svc)

	changes, err := a.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Insert(ctx, 0, "hello world", nil))
	require.Eventually(t, converged(t, svc, "hello world", a, b), 2*time.Second, 5*time.Millisecond)

	la.Drop()
	require.NoError(t, a.Insert(ctx, 5, ",", nil))
	require.NoError(t, b.Remove(ctx, 0, 5))

	require.Eventually(t, converged(t, svc, ", world", a, b), 2*time.Second, 5*time.Millisecond)
	require.NoError(t, a.Err())

	sawRebase := false
	for done := false; !done; {
		select {
		case c := <-changes:
			if c.Kind == ChangeRebase {
				sawRebase = true
			}
		default:
			done = true
		}
	}
	assert.True(t, sawRebase)
}

func TestSession_UndoOfflineEdit(t *testing.T) {
	ctx := context.Background()
	f := newFakeSequencer("abc")
	s, err := Open(ctx, f, fakeOptions())
	require.NoError(t, err)
	defer s.Close(ctx)

	f.failConnects(true)
	f.events <- sequencer.Disconnected{ClientID: "c1", Err: sequencer.ErrDisconnected}
	require.Eventually(t, func() bool {
		st, err := s.State(ctx)
		return err == nil && !st.Connected
	}, time.Second, time.Millisecond)

	require.NoError(t, s.Insert(ctx, 3, "d", nil))
	assert.Equal(t, "abcd", text(t, s))
	require.NoError(t, s.Undo(ctx))
	assert.Equal(t, "abc", text(t, s))
	assert.ErrorIs(t, s.Undo(ctx), mergetree.ErrNoPendingEdits)
}

// fakeSequencer 由测试直接注入事件
type fakeSequencer struct {
	events chan sequencer.Event
	base   delta.Delta

	mu         sync.Mutex
	connects   []int64
	submits    []fakeSubmit
	clientN    int
	clientID   string
	clientSeq  uint64
	refuseConn bool
}

type fakeSubmit struct {
	token  mergetree.Token
	refSeq int64
	ops    delta.Delta
}

func newFakeSequencer(initial string) *fakeSequencer {
	return &fakeSequencer{
		events: make(chan sequencer.Event, 64),
		base:   delta.Delta{delta.Insert(initial, nil)},
	}
}

func fakeOptions() Options {
	opt := testOptions()
	opt.Heartbeat = time.Hour
	return opt
}

func (f *fakeSequencer) failConnects(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refuseConn = v
}

func (f *fakeSequencer) Connect(ctx context.Context, fromSeq int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, fromSeq)
	if f.refuseConn {
		return sequencer.ErrDisconnected
	}
	f.clientN++
	f.clientID = fmt.Sprintf("c%d", f.clientN)
	f.clientSeq = 0
	w := collab.Welcome{DocID: "doc", ClientID: f.clientID, Seq: max(fromSeq, 1), MinSeq: 1}
	if fromSeq < 0 {
		w.BaseSeq = 1
		w.Base = f.base
	}
	f.events <- sequencer.Connected{Welcome: w}
	return nil
}

func (f *fakeSequencer) Submit(ctx context.Context, refSeq int64, ops delta.Delta) (mergetree.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clientSeq++
	token := mergetree.Token{ClientID: f.clientID, ClientSeq: f.clientSeq}
	f.submits = append(f.submits, fakeSubmit{token: token, refSeq: refSeq, ops: ops})
	return token, nil
}

func (f *fakeSequencer) UpdateRefSeq(ctx context.Context, refSeq int64) error { return nil }
func (f *fakeSequencer) Events() <-chan sequencer.Event                      { return f.events }
func (f *fakeSequencer) Close(ctx context.Context) error                     { return nil }

func (f *fakeSequencer) snapshot() ([]int64, []fakeSubmit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.connects...), append([]fakeSubmit(nil), f.submits...)
}

func TestSession_AckThenRemoteOp(t *testing.T) {
	ctx := context.Background()
	f := newFakeSequencer("abc")
	s, err := Open(ctx, f, fakeOptions())
	require.NoError(t, err)
	defer s.Close(ctx)

	require.NoError(t, s.Insert(ctx, 0, "x", nil))
	_, submits := f.snapshot()
	require.Len(t, submits, 1)
	assert.Equal(t, int64(1), submits[0].refSeq)
	assert.Equal(t, delta.Delta{delta.Insert("x", nil)}, submits[0].ops)

	f.events <- sequencer.Acknowledged{Op: collab.SequencedOp{
		Seq: 2, RefSeq: 1, MinSeq: 1, ClientID: "c1", ClientSeq: 1, Ops: submits[0].ops,
	}}
	f.events <- sequencer.Sequenced{Op: collab.SequencedOp{
		Seq: 3, RefSeq: 1, MinSeq: 1, ClientID: "other", ClientSeq: 1,
		Ops: delta.Delta{delta.Retain(3), delta.Insert("!", nil)},
	}}

	require.Eventually(t, func() bool {
		st, err := s.State(ctx)
		return err == nil && st.Seq == 3 && len(st.Pending) == 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, "xabc!", text(t, s))
}

func TestSession_NonRetryableNackRevertsEdit(t *testing.T) {
	ctx := context.Background()
	f := newFakeSequencer("abc")
	s, err := Open(ctx, f, fakeOptions())
	require.NoError(t, err)
	defer s.Close(ctx)

	changes, err := s.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, 0, 2))
	assert.Equal(t, "c", text(t, s))
	_, submits := f.snapshot()
	require.Len(t, submits, 1)

	f.events <- sequencer.Rejected{Token: submits[0].token, Code: collab.ErrInvalidOp.Error()}
	require.Eventually(t, func() bool { return text(t, s) == "abc" }, time.Second, time.Millisecond)
	assert.Equal(t, 0, pending(t, s))

	var kinds []ChangeKind
	for len(changes) > 0 {
		kinds = append(kinds, (<-changes).Kind)
	}
	assert.Equal(t, []ChangeKind{ChangeLocal, ChangeNack}, kinds)
}

func TestSession_RetryableNackRebasesOnNewConnection(t *testing.T) {
	ctx := context.Background()
	f := newFakeSequencer("abc")
	s, err := Open(ctx, f, fakeOptions())
	require.NoError(t, err)
	defer s.Close(ctx)

	require.NoError(t, s.Insert(ctx, 1, "x", map[string]any{"k": 1}))
	_, submits := f.snapshot()
	require.Len(t, submits, 1)

	f.events <- sequencer.Rejected{Token: submits[0].token, Code: collab.ErrRefSeqOutOfWindow.Error()}
	require.Eventually(t, func() bool {
		_, submits := f.snapshot()
		return len(submits) == 2
	}, time.Second, time.Millisecond)

	connects, submits := f.snapshot()
	assert.Equal(t, []int64{-1, 1}, connects)
	assert.Equal(t, mergetree.Token{ClientID: "c2", ClientSeq: 1}, submits[1].token)
	assert.Equal(t, submits[0].ops, submits[1].ops)
	assert.Equal(t, "axbc", text(t, s))

	// 旧连接的拒绝已经过时
	f.events <- sequencer.Rejected{Token: submits[0].token, Code: collab.ErrInvalidOp.Error()}
	assert.Equal(t, "axbc", text(t, s))
	assert.Equal(t, 1, pending(t, s))
}

func TestSession_SequenceGapTriggersResync(t *testing.T) {
	ctx := context.Background()
	f := newFakeSequencer("abc")
	s, err := Open(ctx, f, fakeOptions())
	require.NoError(t, err)
	defer s.Close(ctx)

	f.events <- sequencer.Sequenced{Op: collab.SequencedOp{
		Seq: 5, RefSeq: 4, ClientID: "other", Ops: delta.Delta{delta.Insert("z", nil)},
	}}
	require.Eventually(t, func() bool {
		connects, _ := f.snapshot()
		return len(connects) == 2
	}, time.Second, time.Millisecond)

	connects, _ := f.snapshot()
	assert.Equal(t, int64(1), connects[1])
	assert.Equal(t, "abc", text(t, s))
	require.NoError(t, s.Err())
}

func TestSession_UnknownAckIsProtocolViolation(t *testing.T) {
	ctx := context.Background()
	f := newFakeSequencer("abc")
	s, err := Open(ctx, f, fakeOptions())
	require.NoError(t, err)
	defer s.Close(ctx)

	f.events <- sequencer.Acknowledged{Op: collab.SequencedOp{
		Seq: 2, RefSeq: 1, ClientID: "c1", ClientSeq: 9, Ops: delta.Delta{delta.Insert("z", nil)},
	}}
	require.Eventually(t, func() bool { return s.Err() != nil }, time.Second, time.Millisecond)
	assert.ErrorIs(t, s.Err(), mergetree.ErrUnknownToken)
	assert.ErrorIs(t, s.Insert(ctx, 0, "x", nil), ErrSessionClosed)
}
