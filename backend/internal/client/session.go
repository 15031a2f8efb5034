// Package client 是协作编辑的客户端会话。
//
// 所有状态只在一个事件循环 goroutine 里读写：公开方法把闭包投递进循环并等待结果，
// 定序服务的事件、心跳和重连定时器也在同一个循环里处理。
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/mergetree"
	"collabSync/backend/internal/metrics"
	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/sequencer"
)

var (
	ErrSessionClosed    = errors.New("session closed")
	ErrSequenceGap      = errors.New("sequence gap in sequenced ops")
	ErrAlreadySubmitted = errors.New("most recent edit already submitted")
)

type ChangeKind int

const (
	ChangeLocal ChangeKind = iota
	ChangeRemote
	ChangeAck
	ChangeNack
	ChangeRebase
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeLocal:
		return "local"
	case ChangeRemote:
		return "remote"
	case ChangeAck:
		return "ack"
	case ChangeNack:
		return "nack"
	case ChangeRebase:
		return "rebase"
	}
	return fmt.Sprintf("ChangeKind(%d)", int(k))
}

// Change 是发给订阅者的变更通知
type Change struct {
	Kind ChangeKind
	Seq  int64 // 会话已处理到的 seq
	Len  int   // 本地视角下的文档长度
}

type Options struct {
	// 上报 refSeq 的间隔
	Heartbeat time.Duration
	// 重连退避的起点与上限，失败一次翻倍
	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration
	// 单次调用定序服务的超时
	CallTimeout time.Duration
	Logger      *slog.Logger
}

func (o *Options) withDefaults() {
	if o.Heartbeat <= 0 {
		o.Heartbeat = time.Second
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = 100 * time.Millisecond
	}
	if o.MaxReconnectBackoff < o.ReconnectBackoff {
		o.MaxReconnectBackoff = 5 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type Session struct {
	sq     sequencer.Sequencer
	opt    Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan func()
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	errMu sync.Mutex
	err   error

	// 以下字段只在事件循环里访问
	list      *mergetree.SegmentList
	rec       *mergetree.Reconciler
	docID     string
	clientID  string
	connected bool
	seq       int64
	minSeq    int64
	subs      []chan Change
	retry     *time.Timer
	retryC    <-chan time.Time
	backoff   time.Duration
}

// Open 以全新加载的方式连接文档，收到 Welcome 并追平后返回
func Open(ctx context.Context, sq sequencer.Sequencer, opt Options) (*Session, error) {
	opt.withDefaults()
	if err := sq.Connect(ctx, -1); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	w, err := awaitWelcome(ctx, sq)
	if err != nil {
		return nil, err
	}

	list, err := mergetree.NewSegmentListFromBase(w.Base)
	if err != nil {
		return nil, fmt.Errorf("load base at %d: %w", w.BaseSeq, err)
	}
	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		sq:        sq,
		opt:       opt,
		logger:    opt.Logger.With("doc", w.DocID),
		ctx:       sctx,
		cancel:    cancel,
		inbox:     make(chan func()),
		done:      make(chan struct{}),
		list:      list,
		docID:     w.DocID,
		clientID:  w.ClientID,
		connected: true,
		seq:       w.BaseSeq,
		minSeq:    w.BaseSeq,
		backoff:   opt.ReconnectBackoff,
	}
	s.rec = mergetree.NewReconciler(list, s.logger)
	for _, op := range w.CatchUp {
		if err := s.applySequenced(op, false); err != nil {
			cancel()
			return nil, fmt.Errorf("catch up: %w", err)
		}
	}
	s.advanceMinSeq(w.MinSeq)
	s.logger.Info("session opened", "client", w.ClientID, "seq", s.seq, "minSeq", s.minSeq, "len", s.list.Len())

	s.wg.Add(1)
	go s.run()
	return s, nil
}

func awaitWelcome(ctx context.Context, sq sequencer.Sequencer) (collab.Welcome, error) {
	for {
		select {
		case evt := <-sq.Events():
			switch e := evt.(type) {
			case sequencer.Connected:
				return e.Welcome, nil
			case sequencer.Disconnected:
				return collab.Welcome{}, fmt.Errorf("connect: %w", e.Err)
			}
		case <-ctx.Done():
			return collab.Welcome{}, ctx.Err()
		}
	}
}

func (s *Session) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opt.Heartbeat)
	defer ticker.Stop()
	events := s.sq.Events()
	for {
		select {
		case fn := <-s.inbox:
			fn()
		case evt := <-events:
			s.handle(evt)
		case <-ticker.C:
			s.heartbeat()
		case <-s.retryC:
			s.retryC = nil
			s.reconnect()
		case <-s.done:
			if s.retry != nil {
				s.retry.Stop()
			}
			return
		}
	}
}

// do 把 fn 投递到事件循环执行并等待结果
func (s *Session) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	select {
	case s.inbox <- func() { res <- fn() }:
	case <-s.done:
		return s.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-res:
		return err
	case <-s.done:
		return s.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) closedErr() error {
	if err := s.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	return ErrSessionClosed
}

// Err 返回导致会话终止的错误（协议错误等）；正常运行或主动关闭时为 nil
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
	s.logger.Error("session failed", "client", s.clientID, "seq", s.seq, "err", err)
	s.once.Do(func() { close(s.done) })
}

func (s *Session) Close(ctx context.Context) error {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	s.cancel()
	return s.sq.Close(ctx)
}

func (s *Session) Insert(ctx context.Context, pos int, text string, props map[string]any) error {
	return s.edit(ctx, delta.Delta{delta.Retain(pos), delta.Insert(text, props)})
}

func (s *Session) Remove(ctx context.Context, start, end int) error {
	return s.edit(ctx, delta.Delta{delta.Retain(start), delta.Delete(end - start)})
}

func (s *Session) Annotate(ctx context.Context, start, end int, props map[string]any) error {
	return s.edit(ctx, delta.Delta{delta.Retain(start), delta.Annotate(end-start, props)})
}

func (s *Session) edit(ctx context.Context, op delta.Delta) error {
	op = op.Normalize()
	return s.do(ctx, func() error {
		g, err := s.rec.LocalEdit(op, s.clientID)
		if err != nil {
			return err
		}
		s.pendingGauge()
		s.notify(ChangeLocal)
		if !s.connected {
			// 重连后由 Rebase 提交
			return nil
		}
		if err := s.submit(g); err != nil {
			s.logger.Warn("submit failed, reconnecting", "localSeq", g.LocalSeq(), "err", err)
			s.markDisconnected()
		}
		return nil
	})
}

func (s *Session) submit(g *mergetree.SegmentGroup) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.opt.CallTimeout)
	defer cancel()
	token, err := s.sq.Submit(ctx, s.seq, g.Op())
	if err != nil {
		return err
	}
	s.rec.Bind(g, token)
	return nil
}

// Undo 撤销最近一次尚未提交的本地编辑（离线期间）
func (s *Session) Undo(ctx context.Context) error {
	return s.do(ctx, func() error {
		pending := s.rec.PendingGroups()
		if len(pending) == 0 {
			return mergetree.ErrNoPendingEdits
		}
		if !pending[len(pending)-1].Token().IsZero() {
			return ErrAlreadySubmitted
		}
		if _, err := s.rec.Rollback(); err != nil {
			return err
		}
		s.pendingGauge()
		s.notify(ChangeLocal)
		return nil
	})
}

func (s *Session) Text(ctx context.Context) (string, error) {
	var text string
	err := s.do(ctx, func() error {
		text = s.list.Text()
		return nil
	})
	return text, err
}

// Subscribe 返回变更通知；订阅者消费过慢时通知会被丢弃
func (s *Session) Subscribe(ctx context.Context) (<-chan Change, error) {
	ch := make(chan Change, 64)
	err := s.do(ctx, func() error {
		s.subs = append(s.subs, ch)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (s *Session) notify(kind ChangeKind) {
	c := Change{Kind: kind, Seq: s.seq, Len: s.list.Len()}
	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

func (s *Session) pendingGauge() {
	metrics.PendingEdits.Set(float64(len(s.rec.PendingGroups())))
}
