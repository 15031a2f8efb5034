package sequencer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/mergetree"
	"collabSync/backend/internal/ot/delta"
)

// Local 在进程内直接调用 collab.Service，用于测试和单机嵌入
type Local struct {
	svc    collab.Service
	docID  string
	logger *slog.Logger
	queue  *eventQueue

	// 广播回调在文档锁内读取这些字段；持有 mu 时不能调用 svc
	mu        sync.Mutex
	clientID  string
	attached  bool
	closed    bool
	clientSeq uint64
}

var _ Sequencer = (*Local)(nil)

func NewLocal(svc collab.Service, docID string, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Local{svc: svc, docID: docID, logger: logger, queue: newEventQueue()}
	svc.AddListener(l.onSequenced)
	return l
}

func (l *Local) Events() <-chan Event { return l.queue.out }

func (l *Local) onSequenced(docID string, op collab.SequencedOp) {
	if docID != l.docID {
		return
	}
	l.mu.Lock()
	attached, me := l.attached, l.clientID
	l.mu.Unlock()
	if !attached {
		return
	}
	if op.ClientID == me {
		l.queue.push(Acknowledged{Op: op})
	} else {
		l.queue.push(Sequenced{Op: op})
	}
}

func (l *Local) Connect(ctx context.Context, fromSeq int64) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	prev := l.clientID
	l.attached = false
	l.mu.Unlock()

	_, err := l.svc.Connect(ctx, collab.ConnectRequest{
		DocID:            l.docID,
		ClientID:         uuid.NewString(),
		PreviousClientID: prev,
		FromSeq:          fromSeq,
		OnAttach: func(w collab.Welcome) {
			l.mu.Lock()
			l.clientID = w.ClientID
			l.clientSeq = 0
			l.attached = true
			l.mu.Unlock()
			l.queue.push(Connected{Welcome: w})
		},
	})
	if err != nil {
		l.logger.Warn("local connect failed", "doc", l.docID, "fromSeq", fromSeq, "err", err)
	}
	return err
}

// Drop 模拟网络断开：之后的 op 不再送达，服务端仍认为旧连接在线，直到下次 Connect 把它替换掉
func (l *Local) Drop() {
	l.mu.Lock()
	wasAttached, clientID := l.attached, l.clientID
	l.attached = false
	l.mu.Unlock()
	if wasAttached {
		l.queue.push(Disconnected{ClientID: clientID, Err: ErrDisconnected})
	}
}

// Submit 同步调用服务端；拒绝以 Rejected 事件送达，与线上传输的行为一致
func (l *Local) Submit(ctx context.Context, refSeq int64, ops delta.Delta) (mergetree.Token, error) {
	l.mu.Lock()
	if !l.attached {
		l.mu.Unlock()
		return mergetree.Token{}, ErrDisconnected
	}
	l.clientSeq++
	token := mergetree.Token{ClientID: l.clientID, ClientSeq: l.clientSeq}
	l.mu.Unlock()

	if _, err := l.svc.Submit(ctx, l.docID, token.ClientID, token.ClientSeq, refSeq, ops); err != nil {
		l.queue.push(Rejected{Token: token, Code: collab.ErrorCode(err), Reason: err.Error()})
	}
	return token, nil
}

func (l *Local) UpdateRefSeq(ctx context.Context, refSeq int64) error {
	l.mu.Lock()
	attached, clientID := l.attached, l.clientID
	l.mu.Unlock()
	if !attached {
		return ErrDisconnected
	}
	return l.svc.UpdateRefSeq(ctx, l.docID, clientID, refSeq)
}

func (l *Local) Close(ctx context.Context) error {
	l.mu.Lock()
	attached, clientID := l.attached, l.clientID
	l.attached = false
	l.closed = true
	l.mu.Unlock()

	defer l.queue.close()
	if attached {
		return l.svc.Disconnect(ctx, l.docID, clientID)
	}
	return nil
}
