// Package sequencer 是客户端看到的定序服务：提交 op 拿到关联句柄，
// 之后通过事件流收到确认、拒绝、别人的 op 以及连接状态变化。
package sequencer

import (
	"context"
	"errors"
	"sync"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/mergetree"
	"collabSync/backend/internal/ot/delta"
)

var (
	ErrDisconnected = errors.New("sequencer: not connected")
	ErrClosed       = errors.New("sequencer: closed")
)

// Sequencer 的事件按定序顺序送达；Connected 之后到达的 op 一定排在 Welcome.Seq 之后。
type Sequencer interface {
	// Connect 建立（或重建）连接，每次都会换一个 clientID。fromSeq < 0 表示全新加载。
	// 结果以 Connected 或 Disconnected 事件送达。
	Connect(ctx context.Context, fromSeq int64) error
	Submit(ctx context.Context, refSeq int64, ops delta.Delta) (mergetree.Token, error)
	// UpdateRefSeq 上报已处理到的 seq，推动协作窗口前进
	UpdateRefSeq(ctx context.Context, refSeq int64) error
	Events() <-chan Event
	Close(ctx context.Context) error
}

type Event interface{ event() }

type Connected struct {
	Welcome collab.Welcome
}

// Acknowledged 是本连接提交的 op 被定序后的回执
type Acknowledged struct {
	Op collab.SequencedOp
}

// Sequenced 是其他客户端的 op
type Sequenced struct {
	Op collab.SequencedOp
}

type Rejected struct {
	Token  mergetree.Token
	Code   string
	Reason string
}

// Retryable 为真时应重连并重放，而不是回滚
func (r Rejected) Retryable() bool { return collab.Retryable(r.Code) }

type Disconnected struct {
	ClientID string
	Err      error
}

func (Connected) event()    {}
func (Acknowledged) event() {}
func (Sequenced) event()    {}
func (Rejected) event()     {}
func (Disconnected) event() {}

// Token 返回 op 对应的关联句柄
func Token(op collab.SequencedOp) mergetree.Token {
	return mergetree.Token{ClientID: op.ClientID, ClientSeq: op.ClientSeq}
}

// eventQueue 是无界队列：生产者（广播回调、读循环）永不阻塞，pump 按顺序转发到 out
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	notify chan struct{}
	out    chan Event
	done   chan struct{}
	once   sync.Once
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	go q.pump()
	return q
}

func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pump() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.notify:
				continue
			case <-q.done:
				return
			}
		}
		e := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- e:
		case <-q.done:
			return
		}
	}
}

func (q *eventQueue) close() {
	q.once.Do(func() { close(q.done) })
}
