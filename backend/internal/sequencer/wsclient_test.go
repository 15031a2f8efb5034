package sequencer

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/cache"
	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/ws"
)

func newTestServer(t *testing.T) (string, collab.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	registry := cache.NewMemoryRegistry(0)
	svc := collab.NewInMemoryService(collab.Options{Registry: registry, Logger: discardLogger()})
	hub := ws.NewHub(registry)
	hub.Attach(svc)
	m := ws.NewManager(hub, svc, collab.NewSemaphoreControl(4), discardLogger())

	r := gin.New()
	r.GET("/collab/ws", m.WebSocketConnect)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/collab/ws", svc
}

func TestWSClient_SubmitBroadcastAndNack(t *testing.T) {
	ctx := context.Background()
	url, svc := newTestServer(t)

	a := NewWSClient(url, "doc", discardLogger())
	b := NewWSClient(url, "doc", discardLogger())
	t.Cleanup(func() {
		_ = a.Close(ctx)
		_ = b.Close(ctx)
	})

	require.NoError(t, a.Connect(ctx, -1))
	wa := connected(t, a)
	require.NoError(t, b.Connect(ctx, -1))
	connected(t, b)

	token, err := a.Submit(ctx, 0, delta.Delta{delta.Insert("hey", map[string]any{"bold": true})})
	require.NoError(t, err)
	assert.Equal(t, wa.ClientID, token.ClientID)

	evt := nextEvent(t, a)
	ack, ok := evt.(Acknowledged)
	require.Truef(t, ok, "expected Acknowledged, got %T", evt)
	assert.Equal(t, token, Token(ack.Op))
	assert.Equal(t, int64(1), ack.Op.Seq)

	evt = nextEvent(t, b)
	remote, ok := evt.(Sequenced)
	require.Truef(t, ok, "expected Sequenced, got %T", evt)
	assert.Equal(t, "hey", remote.Op.Ops[0].Text)
	assert.Equal(t, true, remote.Op.Ops[0].Attrs["bold"])

	bad, err := b.Submit(ctx, 7, delta.Delta{delta.Insert("x", nil)})
	require.NoError(t, err)
	evt = nextEvent(t, b)
	rej, ok := evt.(Rejected)
	require.Truef(t, ok, "expected Rejected, got %T", evt)
	assert.Equal(t, bad, rej.Token)
	assert.Equal(t, collab.ErrRefSeqOutOfWindow.Error(), rej.Code)

	content, seq, err := svc.LoadDocumentContent(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "hey", content)
	assert.Equal(t, int64(1), seq)
}

func TestWSClient_ConnectRejected(t *testing.T) {
	ctx := context.Background()
	url, _ := newTestServer(t)

	c := NewWSClient(url, "doc", discardLogger())
	t.Cleanup(func() { _ = c.Close(ctx) })

	require.NoError(t, c.Connect(ctx, 42))
	evt := nextEvent(t, c)
	d, ok := evt.(Disconnected)
	require.Truef(t, ok, "expected Disconnected, got %T", evt)
	assert.ErrorIs(t, d.Err, collab.ErrRefSeqOutOfWindow)

	_, err := c.Submit(ctx, 0, delta.Delta{delta.Insert("x", nil)})
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestDecodeServerMessage(t *testing.T) {
	evt, err := decodeServerMessage([]byte(`{"type":"nack","clientId":"c","clientSeq":3,"code":"INVALID_OP"}`), "c")
	require.NoError(t, err)
	assert.Equal(t, Rejected{Token: Token(collab.SequencedOp{ClientID: "c", ClientSeq: 3}), Code: "INVALID_OP"}, evt)

	evt, err = decodeServerMessage([]byte(`{"type":"heartbeat_ack","seq":3}`), "c")
	require.NoError(t, err)
	assert.Nil(t, evt)

	_, err = decodeServerMessage([]byte(`not json`), "c")
	assert.Error(t, err)
}
