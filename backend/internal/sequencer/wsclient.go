package sequencer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/mergetree"
	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/ws"
)

const wsWriteTimeout = 5 * time.Second

// WSClient 通过 websocket 连接 collab_server（/collab/ws）
type WSClient struct {
	url    string
	docID  string
	dialer *websocket.Dialer
	logger *slog.Logger
	queue  *eventQueue

	mu        sync.Mutex
	conn      *websocket.Conn
	clientID  string
	clientSeq uint64
	closed    bool

	// gorilla/websocket 只允许一个并发写者
	writeMu sync.Mutex
}

var _ Sequencer = (*WSClient)(nil)

func NewWSClient(url, docID string, logger *slog.Logger) *WSClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSClient{
		url:    url,
		docID:  docID,
		dialer: websocket.DefaultDialer,
		logger: logger,
		queue:  newEventQueue(),
	}
}

func (c *WSClient) Events() <-chan Event { return c.queue.out }

func (c *WSClient) Connect(ctx context.Context, fromSeq int64) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	old, prev := c.conn, c.clientID
	c.conn = conn
	c.clientID = uuid.NewString()
	c.clientSeq = 0
	clientID := c.clientID
	c.mu.Unlock()

	if old != nil {
		// 旧连接的读循环发现自己不再是当前连接，安静退出
		old.Close()
	}

	go c.readLoop(conn, clientID)
	return c.write(conn, ws.ClientMessage{
		Type:             ws.TypeConnect,
		DocID:            c.docID,
		ClientID:         clientID,
		PreviousClientID: prev,
		FromSeq:          fromSeq,
	})
}

func (c *WSClient) current() (*websocket.Conn, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn, c.clientID
}

func (c *WSClient) write(conn *websocket.Conn, msg ws.ClientMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(msg)
}

func (c *WSClient) Submit(ctx context.Context, refSeq int64, ops delta.Delta) (mergetree.Token, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return mergetree.Token{}, ErrDisconnected
	}
	c.clientSeq++
	token := mergetree.Token{ClientID: c.clientID, ClientSeq: c.clientSeq}
	c.mu.Unlock()

	err := c.write(conn, ws.ClientMessage{
		Type:      ws.TypeOpSubmit,
		DocID:     c.docID,
		ClientID:  token.ClientID,
		RefSeq:    refSeq,
		ClientSeq: token.ClientSeq,
		Ops:       ops,
	})
	if err != nil {
		return mergetree.Token{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return token, nil
}

func (c *WSClient) UpdateRefSeq(ctx context.Context, refSeq int64) error {
	conn, clientID := c.current()
	if conn == nil {
		return ErrDisconnected
	}
	return c.write(conn, ws.ClientMessage{Type: ws.TypeHeartbeat, DocID: c.docID, ClientID: clientID, RefSeq: refSeq})
}

func (c *WSClient) Close(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.closed = true
	c.mu.Unlock()

	defer c.queue.close()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *WSClient) readLoop(conn *websocket.Conn, clientID string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if cur, _ := c.current(); cur == conn {
				c.mu.Lock()
				c.conn = nil
				c.mu.Unlock()
				c.queue.push(Disconnected{ClientID: clientID, Err: fmt.Errorf("%w: %v", ErrDisconnected, err)})
			}
			return
		}
		evt, err := decodeServerMessage(data, clientID)
		if err != nil {
			c.logger.Warn("decode server message failed", "client", clientID, "err", err)
			continue
		}
		if evt == nil {
			continue
		}
		if cur, _ := c.current(); cur != conn {
			return
		}
		if d, ok := evt.(Disconnected); ok {
			// 服务端拒绝了 connect：关掉这条连接，由上层决定是否重试
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			conn.Close()
			c.queue.push(d)
			return
		}
		c.queue.push(evt)
	}
}

func decodeServerMessage(data []byte, clientID string) (Event, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	switch envelope.Type {
	case ws.TypeConnected:
		var m ws.ConnectedMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return Connected{Welcome: m.Welcome}, nil
	case ws.TypeOpApplied:
		var m ws.OpAppliedMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return Acknowledged{Op: m.Op}, nil
	case ws.TypeOpBroadcast:
		var m ws.OpBroadcastMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return Sequenced{Op: m.Op}, nil
	case ws.TypeNack:
		var m ws.NackMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return Rejected{
			Token:  mergetree.Token{ClientID: m.ClientID, ClientSeq: m.ClientSeq},
			Code:   m.Code,
			Reason: m.Reason,
		}, nil
	case ws.TypeConnectError:
		var m ws.ServerMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return Disconnected{ClientID: clientID, Err: collab.ErrorFromCode(m.Content)}, nil
	}
	return nil, nil
}
