package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabSync/backend/internal/collab"
)

const (
	sendQueueSize = 256
	submitTimeout = 2 * time.Second
	writeTimeout  = 5 * time.Second
)

type Conn struct {
	ws  *websocket.Conn
	hub *Hub
	// 出站队列：写循环是唯一的消费者
	send chan OutboundMessage
	//协作引擎服务
	svc collab.Service
	// 信号量控制
	sem    *collab.SemaphoreControl
	logger *slog.Logger

	// connect 成功后在文档锁内写入，广播回调会并发读取
	mu       sync.Mutex
	docID    string
	clientID string
}

func NewConn(ws *websocket.Conn, hub *Hub, svc collab.Service, sem *collab.SemaphoreControl, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{ws: ws, hub: hub, send: make(chan OutboundMessage, sendQueueSize), svc: svc, sem: sem, logger: logger}
}

func (c *Conn) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

func (c *Conn) session() (docID, clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docID, c.clientID
}

func (c *Conn) SendMessage_Enqueue(msg OutboundMessage) {
	select {
	case c.send <- msg:
	default:
		// 如果队列满了，则丢弃消息
		c.logger.Warn("send queue full, drop message", "type", msg.MessageType(), "client", c.ClientID())
	}
}

func (c *Conn) handleConnect(ctx context.Context, msg ClientMessage) {
	if _, clientID := c.session(); clientID != "" {
		c.SendMessage_Enqueue(ServerMessage{Type: TypeConnectError, DocID: msg.DocID, Content: "ALREADY_CONNECTED"})
		return
	}
	_, err := c.svc.Connect(ctx, collab.ConnectRequest{
		DocID:            msg.DocID,
		ClientID:         msg.ClientID,
		PreviousClientID: msg.PreviousClientID,
		FromSeq:          msg.FromSeq,
		OnAttach: func(w collab.Welcome) {
			c.mu.Lock()
			c.docID, c.clientID = w.DocID, w.ClientID
			c.mu.Unlock()
			// 先入房间再发 welcome：之后定序的 op 都排在 welcome 后面
			c.hub.Join(w.DocID, c)
			c.SendMessage_Enqueue(ConnectedMessage{Type: TypeConnected, Welcome: w})
		},
	})
	if err != nil {
		c.logger.Warn("connect failed", "doc", msg.DocID, "client", msg.ClientID, "fromSeq", msg.FromSeq, "err", err)
		c.SendMessage_Enqueue(ServerMessage{Type: TypeConnectError, DocID: msg.DocID, Content: collab.ErrorCode(err)})
	}
}

func (c *Conn) nack(docID, clientID string, clientSeq uint64, err error) {
	code := collab.ErrorCode(err)
	c.SendMessage_Enqueue(NackMessage{
		Type:      TypeNack,
		DocID:     docID,
		ClientID:  clientID,
		ClientSeq: clientSeq,
		Code:      code,
		Reason:    err.Error(),
		Retryable: collab.Retryable(code),
	})
}

// 确认由 Hub 的广播回调发出，这里只负责拒绝
func (c *Conn) handleOpSubmit(ctx context.Context, msg ClientMessage) {
	docID, clientID := c.session()
	if clientID == "" {
		c.nack(msg.DocID, msg.ClientID, msg.ClientSeq, collab.ErrClientNotConnected)
		return
	}

	submitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	if err := c.sem.Acquire(submitCtx); err != nil {
		c.nack(docID, clientID, msg.ClientSeq, err)
		return
	}
	defer c.sem.Release()

	if _, err := c.svc.Submit(submitCtx, docID, clientID, msg.ClientSeq, msg.RefSeq, msg.Ops); err != nil {
		c.logger.Info("op rejected", "doc", docID, "client", clientID, "clientSeq", msg.ClientSeq, "refSeq", msg.RefSeq, "err", err)
		c.nack(docID, clientID, msg.ClientSeq, err)
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.close()
	for {
		var clientMessage ClientMessage
		if err := c.ws.ReadJSON(&clientMessage); err != nil {
			docID, clientID := c.session()
			c.logger.Info("read json error", "doc", docID, "client", clientID, "err", err)
			return
		}
		docID, clientID := c.session()
		switch clientMessage.Type {
		case TypeConnect:
			c.handleConnect(ctx, clientMessage)

		case TypeOpSubmit:
			c.handleOpSubmit(ctx, clientMessage)

		case TypeHeartbeat:
			if clientID == "" {
				continue
			}
			if err := c.svc.UpdateRefSeq(ctx, docID, clientID, clientMessage.RefSeq); err != nil {
				c.logger.Warn("update refSeq failed", "doc", docID, "client", clientID, "err", err)
				c.SendMessage_Enqueue(ServerMessage{Type: TypeError, DocID: docID, Content: collab.ErrorCode(err)})
				continue
			}
			c.SendMessage_Enqueue(ServerMessage{Type: TypeHeartbeatAck, DocID: docID, Seq: clientMessage.RefSeq})

		case TypeShowAliveMembers:
			members, err := c.hub.registry.Members(ctx, docID)
			if err != nil {
				c.logger.Warn("get alive members failed", "doc", docID, "err", err)
			}
			c.SendMessage_Enqueue(ServerMessage{Type: TypeShowAliveMembers, DocID: docID, Members: members})

		case TypeSaveDocument:
			if err := c.svc.SaveSnapshot(ctx, docID); err != nil {
				c.logger.Warn("save document failed", "doc", docID, "err", err)
				c.SendMessage_Enqueue(ServerMessage{Type: TypeSaveDocument, DocID: docID, Content: "Document " + docID + " save failed"})
				continue
			}
			c.SendMessage_Enqueue(ServerMessage{Type: TypeSaveDocument, DocID: docID, Content: "Document " + docID + " saved"})

		case TypeLoadDocumentContent:
			target := clientMessage.DocID
			if target == "" {
				target = docID
			}
			content, seq, err := c.svc.LoadDocumentContent(ctx, target)
			if err != nil {
				c.logger.Warn("load document content failed", "doc", target, "err", err)
				continue
			}
			c.SendMessage_Enqueue(ServerMessage{Type: TypeLoadDocumentContent, DocID: target, Content: content, Seq: seq})

		default:
			// 忽略未知类型，或回一条提示
			c.SendMessage_Enqueue(ServerMessage{Type: TypeIgnored, Content: "Unknown message type"})
		}
	}
}

// close 先离开房间再关闭出站队列，保证广播不会写入已关闭的 channel
func (c *Conn) close() {
	docID, clientID := c.session()
	if docID != "" {
		c.hub.Leave(docID, c)
	}
	if clientID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
		if err := c.svc.Disconnect(ctx, docID, clientID); err != nil {
			c.logger.Warn("disconnect failed", "doc", docID, "client", clientID, "err", err)
		}
		cancel()
	}
	close(c.send)
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的消息
	for msg := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteJSON(msg); err != nil {
			c.logger.Debug("write json error", "type", msg.MessageType(), "err", err)
		}
	}
}
