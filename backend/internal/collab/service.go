package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"collabSync/backend/internal/cache"
	"collabSync/backend/internal/metrics"
	"collabSync/backend/internal/ot/delta"
)

// 定序服务接口：为每个文档的 op 分配全局递增的 seq，并维护协作窗口 minSeq
type Service interface {
	Connect(ctx context.Context, req ConnectRequest) (Welcome, error)

	Submit(ctx context.Context, docID, clientID string, clientSeq uint64,
		refSeq int64, ops delta.Delta) (SequencedOp, error)

	// UpdateRefSeq 记录客户端已处理到的 seq（心跳），用于推进 minSeq
	UpdateRefSeq(ctx context.Context, docID, clientID string, refSeq int64) error

	Disconnect(ctx context.Context, docID, clientID string) error

	CurrentSeq(ctx context.Context, docID string) (int64, error)

	LoadDocumentContent(ctx context.Context, docID string) (string, int64, error)

	// 用于握手/追平
	OpsSince(ctx context.Context, docID string, fromSeq int64, limit int) ([]SequencedOp, error)

	SaveSnapshot(ctx context.Context, docID string) error

	// AddListener 注册广播回调。回调在文档锁内按 seq 顺序调用，不能阻塞，也不能回调 Service。
	AddListener(l Listener)
}

type Listener func(docID string, op SequencedOp)

// 快照存储接口
type SnapshotStore interface {
	SaveDocumentSnapshot(ctx context.Context, docID string, seq int64, content string) error
	LoadLatestSnapshot(ctx context.Context, docID string) (Snapshot, bool, error)
}

type Snapshot struct {
	Seq     int64
	Content string
}

// op 日志接口，环形缓冲覆盖不到时用它追平
type OpStore interface {
	AppendOp(ctx context.Context, docID string, op SequencedOp) error
	OpsSince(ctx context.Context, docID string, fromSeq int64, limit int) ([]SequencedOp, error)
}

type SequencedOp struct {
	OperationID string      `json:"operationId"` // 本次操作的唯一ID（用于幂等/追踪）
	Seq         int64       `json:"seq"`         // 全局序号
	RefSeq      int64       `json:"refSeq"`      // 提交者生成 op 时看到的 seq
	MinSeq      int64       `json:"minSeq"`      // 定序后的协作窗口下界
	ClientID    string      `json:"clientId"`
	ClientSeq   uint64      `json:"clientSeq"`
	Ops         delta.Delta `json:"ops"`
	AppliedAt   time.Time   `json:"appliedAt"`
}

type ConnectRequest struct {
	DocID string
	// 为空时由服务端分配
	ClientID string
	// 重连时旧连接的 clientID；旧连接此后的提交一律拒绝
	PreviousClientID string
	// 小于 0 表示全新加载（返回 Base）；否则只返回 FromSeq 之后的 op
	FromSeq int64
	// 在文档锁内调用：之后定序的 op 一定排在 Welcome 之后送达
	OnAttach func(Welcome)
}

type Welcome struct {
	DocID    string        `json:"docId"`
	ClientID string        `json:"clientId"`
	Seq      int64         `json:"seq"`
	MinSeq   int64         `json:"minSeq"`
	BaseSeq  int64         `json:"baseSeq"`
	Base     delta.Delta   `json:"base,omitempty"`
	CatchUp  []SequencedOp `json:"ops,omitempty"`
}

var (
	ErrDuplicateOrOutOfOrder = errors.New("DUPLICATE_OR_OUT_OF_ORDER")
	ErrRefSeqOutOfWindow     = errors.New("REF_SEQ_OUT_OF_WINDOW")
	ErrClientNotConnected    = errors.New("CLIENT_NOT_CONNECTED")
	ErrInvalidOp             = errors.New("INVALID_OP")
	ErrCatchUpUnavailable    = errors.New("CATCH_UP_UNAVAILABLE")
	ErrSnapshotStoreMissing  = errors.New("snapshot store not initialized")
)

// ErrorCode 把提交错误转换成下发给客户端的 nack 码
func ErrorCode(err error) string {
	for _, e := range []error{ErrDuplicateOrOutOfOrder, ErrRefSeqOutOfWindow, ErrClientNotConnected, ErrInvalidOp, ErrCatchUpUnavailable} {
		if errors.Is(err, e) {
			return e.Error()
		}
	}
	return "INTERNAL"
}

// ErrorFromCode 是 ErrorCode 的逆过程，供客户端把 nack 码还原成哨兵错误
func ErrorFromCode(code string) error {
	for _, e := range []error{ErrDuplicateOrOutOfOrder, ErrRefSeqOutOfWindow, ErrClientNotConnected, ErrInvalidOp, ErrCatchUpUnavailable} {
		if e.Error() == code {
			return e
		}
	}
	return fmt.Errorf("sequencer error %s", code)
}

// Retryable 为真时客户端应重连并重放，而不是回滚这次编辑
func Retryable(code string) bool {
	switch code {
	case ErrRefSeqOutOfWindow.Error(), ErrClientNotConnected.Error(), ErrCatchUpUnavailable.Error(), "INTERNAL":
		return true
	}
	return false
}

type docState struct {
	mu     sync.Mutex
	loaded bool
	seq    int64
	minSeq int64
	// seq > minSeq 的 op 必须都能追平，环形缓冲放不下时依赖 OpStore
	opsRing []SequencedOp
	// 去重窗口：记录在线 clientId 最近的最大 clientSeq
	lastSeqByClient map[string]uint64
	replica         Replica
}

type Options struct {
	RingCap   int
	Snapshots SnapshotStore
	Ops       OpStore
	Registry  cache.ClientRegistry
	Publisher Publisher
	Logger    *slog.Logger
}

// 内存实现：持有所有文档的状态
type InMemoryService struct {
	mu      sync.RWMutex
	docs    map[string]*docState
	ringCap int

	// 依赖注入
	// 只声明，实现在store / cache中
	snapshots SnapshotStore
	ops       OpStore
	registry  cache.ClientRegistry
	publisher Publisher

	lmu       sync.RWMutex
	listeners []Listener

	sf     singleflight.Group
	logger *slog.Logger
}

// NewInMemoryService 返回一个满足 Service 接口的实例
func NewInMemoryService(opt Options) *InMemoryService {
	if opt.RingCap <= 0 {
		opt.RingCap = 1024 // 近期操作环形缓冲容量，可按需调整
	}
	if opt.Registry == nil {
		opt.Registry = cache.NewMemoryRegistry(0)
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	return &InMemoryService{
		docs:      make(map[string]*docState),
		ringCap:   opt.RingCap,
		snapshots: opt.Snapshots,
		ops:       opt.Ops,
		registry:  opt.Registry,
		publisher: opt.Publisher,
		logger:    opt.Logger,
	}
}

var _ Service = (*InMemoryService)(nil)

func (s *InMemoryService) AddListener(l Listener) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = append(s.listeners, l)
}

// 获取或创建指定文档的状态
func (s *InMemoryService) getOrCreateDoc(docID string) *docState {
	s.mu.RLock()
	ds := s.docs[docID]
	s.mu.RUnlock()
	if ds != nil {
		return ds
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ds = s.docs[docID]; ds == nil {
		ds = &docState{
			lastSeqByClient: make(map[string]uint64),
			opsRing:         make([]SequencedOp, 0, s.ringCap),
		}
		s.docs[docID] = ds
	}
	return ds
}

// lockDoc 返回已加锁、已从快照恢复的文档状态；调用方负责解锁
func (s *InMemoryService) lockDoc(ctx context.Context, docID string) (*docState, error) {
	ds := s.getOrCreateDoc(docID)
	ds.mu.Lock()
	if ds.loaded {
		return ds, nil
	}
	content, seq := "", int64(0)
	if s.snapshots != nil {
		snap, ok, err := s.snapshots.LoadLatestSnapshot(ctx, docID)
		if err != nil {
			ds.mu.Unlock()
			return nil, fmt.Errorf("load snapshot %s: %w", docID, err)
		}
		if ok {
			content, seq = snap.Content, snap.Seq
		}
	}
	ds.replica = NewReplica(content)
	ds.seq, ds.minSeq = seq, seq
	// 快照取自 minSeq，之后的 op 的 refSeq 都不小于它，可以直接重放
	if s.ops != nil {
		tail, err := s.ops.OpsSince(ctx, docID, seq, 0)
		if err != nil {
			ds.mu.Unlock()
			return nil, fmt.Errorf("replay op log %s: %w", docID, err)
		}
		for _, op := range tail {
			if err := ds.replica.Apply(op.Ops, op.Seq, op.RefSeq, op.ClientID); err != nil {
				ds.mu.Unlock()
				return nil, fmt.Errorf("replay op %d of %s: %w", op.Seq, docID, err)
			}
			ds.seq = op.Seq
			s.pushRing(ds, op)
			s.setMinSeq(docID, ds, op.MinSeq)
		}
	}
	ds.loaded = true
	s.logger.Info("document loaded", "doc", docID, "snapshotSeq", seq, "seq", ds.seq, "len", ds.replica.Len())
	return ds, nil
}

func (s *InMemoryService) Connect(ctx context.Context, req ConnectRequest) (Welcome, error) {
	ds, err := s.lockDoc(ctx, req.DocID)
	if err != nil {
		return Welcome{}, err
	}
	defer ds.mu.Unlock()

	if req.FromSeq > ds.seq {
		return Welcome{}, fmt.Errorf("%w: client at %d, document at %d", ErrRefSeqOutOfWindow, req.FromSeq, ds.seq)
	}

	w := Welcome{DocID: req.DocID, ClientID: req.ClientID, Seq: ds.seq}
	if w.ClientID == "" {
		w.ClientID = uuid.NewString()
	}
	from := req.FromSeq
	if from < 0 {
		from = ds.minSeq
		w.BaseSeq = ds.minSeq
		w.Base = ds.replica.BaseAt(ds.minSeq)
	}
	if w.CatchUp, err = s.opsAfter(ctx, req.DocID, ds, from); err != nil {
		return Welcome{}, err
	}

	if req.PreviousClientID != "" {
		delete(ds.lastSeqByClient, req.PreviousClientID)
		if err := s.registry.Remove(ctx, req.DocID, req.PreviousClientID); err != nil {
			s.logger.Warn("registry remove failed", "doc", req.DocID, "client", req.PreviousClientID, "err", err)
		}
	}
	if _, ok := ds.lastSeqByClient[w.ClientID]; !ok {
		ds.lastSeqByClient[w.ClientID] = 0
	}
	// 追平之后客户端的视角就是当前 seq
	if err := s.registry.Touch(ctx, req.DocID, w.ClientID, ds.seq); err != nil {
		return Welcome{}, fmt.Errorf("register client: %w", err)
	}
	s.advanceMinSeq(ctx, req.DocID, ds)
	w.MinSeq = ds.minSeq

	if req.OnAttach != nil {
		req.OnAttach(w)
	}
	s.logger.Info("client connected", "doc", req.DocID, "client", w.ClientID,
		"from", req.FromSeq, "seq", w.Seq, "minSeq", w.MinSeq, "catchUp", len(w.CatchUp))
	return w, nil
}

// 提交操作（InMemoryService 实现）
func (s *InMemoryService) Submit(ctx context.Context, docID, clientID string, clientSeq uint64, refSeq int64, ops delta.Delta) (SequencedOp, error) {
	ds, err := s.lockDoc(ctx, docID)
	if err != nil {
		return SequencedOp{}, err
	}
	defer ds.mu.Unlock()

	if err := s.admit(ds, clientID, clientSeq, refSeq, ops); err != nil {
		metrics.RejectedOps.WithLabelValues(ErrorCode(err)).Inc()
		return SequencedOp{}, err
	}

	if err := s.registry.Touch(ctx, docID, clientID, refSeq); err != nil {
		s.logger.Warn("registry touch failed", "doc", docID, "client", clientID, "err", err)
	}
	seq := ds.seq + 1
	op := SequencedOp{
		OperationID: uuid.NewString(),
		Seq:         seq,
		RefSeq:      refSeq,
		MinSeq:      ds.minSeq,
		ClientID:    clientID,
		ClientSeq:   clientSeq,
		Ops:         ops,
		AppliedAt:   time.Now(),
	}
	if minRef, ok := s.minRefSeq(ctx, docID); ok && minRef > op.MinSeq {
		op.MinSeq = min(minRef, seq)
	}

	// 先落日志再改内存，失败时整个提交作废
	if s.ops != nil {
		if err := s.ops.AppendOp(ctx, docID, op); err != nil {
			return SequencedOp{}, fmt.Errorf("append op %d: %w", seq, err)
		}
	}
	if err := ds.replica.Apply(ops, seq, refSeq, clientID); err != nil {
		// Validate 已经通过，走到这里说明副本状态损坏
		s.logger.Error("replica apply failed after validation", "doc", docID, "seq", seq, "err", err)
		return SequencedOp{}, fmt.Errorf("apply op %d: %w", seq, err)
	}

	ds.seq = seq
	s.pushRing(ds, op)
	ds.lastSeqByClient[clientID] = clientSeq
	s.setMinSeq(docID, ds, op.MinSeq)
	metrics.SequencedOps.Inc()

	if s.publisher != nil {
		pubCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		if err := s.publisher.Enqueue(pubCtx, newSequencedOpEvent(docID, op)); err != nil {
			s.logger.Warn("publish sequenced op failed", "doc", docID, "seq", seq, "err", err)
		}
		cancel()
	}
	s.notify(docID, op)
	return op, nil
}

func (s *InMemoryService) admit(ds *docState, clientID string, clientSeq uint64, refSeq int64, ops delta.Delta) error {
	last, ok := ds.lastSeqByClient[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotConnected, clientID)
	}
	// 幂等/去重：只允许递增
	if clientSeq <= last {
		return fmt.Errorf("%w: client %s seq %d, last %d", ErrDuplicateOrOutOfOrder, clientID, clientSeq, last)
	}
	// 窗口校验
	if refSeq < ds.minSeq || refSeq > ds.seq {
		return fmt.Errorf("%w: refSeq %d not in [%d, %d]", ErrRefSeqOutOfWindow, refSeq, ds.minSeq, ds.seq)
	}
	if err := ds.replica.Validate(ops, refSeq, clientID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOp, err)
	}
	return nil
}

func (s *InMemoryService) UpdateRefSeq(ctx context.Context, docID, clientID string, refSeq int64) error {
	ds, err := s.lockDoc(ctx, docID)
	if err != nil {
		return err
	}
	defer ds.mu.Unlock()

	if _, ok := ds.lastSeqByClient[clientID]; !ok {
		return fmt.Errorf("%w: %s", ErrClientNotConnected, clientID)
	}
	if refSeq > ds.seq {
		refSeq = ds.seq
	}
	if err := s.registry.Touch(ctx, docID, clientID, refSeq); err != nil {
		return fmt.Errorf("touch client: %w", err)
	}
	s.advanceMinSeq(ctx, docID, ds)
	return nil
}

func (s *InMemoryService) Disconnect(ctx context.Context, docID, clientID string) error {
	ds, err := s.lockDoc(ctx, docID)
	if err != nil {
		return err
	}
	defer ds.mu.Unlock()

	delete(ds.lastSeqByClient, clientID)
	if err := s.registry.Remove(ctx, docID, clientID); err != nil {
		return fmt.Errorf("remove client: %w", err)
	}
	s.advanceMinSeq(ctx, docID, ds)
	s.logger.Info("client disconnected", "doc", docID, "client", clientID, "minSeq", ds.minSeq)
	return nil
}

func (s *InMemoryService) minRefSeq(ctx context.Context, docID string) (int64, bool) {
	m, ok, err := s.registry.MinRefSeq(ctx, docID)
	if err != nil {
		s.logger.Warn("registry min refSeq failed", "doc", docID, "err", err)
		return 0, false
	}
	return m, ok
}

// advanceMinSeq 根据在线客户端重新计算 minSeq；没有在线客户端时窗口收拢到当前 seq
func (s *InMemoryService) advanceMinSeq(ctx context.Context, docID string, ds *docState) {
	target := ds.seq
	m, ok, err := s.registry.MinRefSeq(ctx, docID)
	if err != nil {
		s.logger.Warn("registry min refSeq failed", "doc", docID, "err", err)
		return
	}
	if ok {
		target = min(m, ds.seq)
	}
	s.setMinSeq(docID, ds, target)
}

// minSeq 只增不减
func (s *InMemoryService) setMinSeq(docID string, ds *docState, minSeq int64) {
	if minSeq <= ds.minSeq {
		return
	}
	ds.minSeq = minSeq
	if n := ds.replica.Compact(minSeq); n > 0 {
		s.logger.Debug("tombstones compacted", "doc", docID, "minSeq", minSeq, "dropped", n)
	}
	metrics.MinSeqLag.WithLabelValues(docID).Set(float64(ds.seq - ds.minSeq))
}

func (s *InMemoryService) pushRing(ds *docState, op SequencedOp) {
	// 保存到环形缓冲（如果达到容量则丢弃最老的一条）
	if cap(ds.opsRing) > 0 && len(ds.opsRing) == cap(ds.opsRing) {
		copy(ds.opsRing[0:], ds.opsRing[1:])
		ds.opsRing = ds.opsRing[:len(ds.opsRing)-1]
	}
	ds.opsRing = append(ds.opsRing, op)
}

// opsAfter 返回 seq 在 (from, ds.seq] 的全部 op；调用方持有文档锁
func (s *InMemoryService) opsAfter(ctx context.Context, docID string, ds *docState, from int64) ([]SequencedOp, error) {
	if from >= ds.seq {
		return nil, nil
	}
	if len(ds.opsRing) > 0 && ds.opsRing[0].Seq <= from+1 {
		out := make([]SequencedOp, 0, ds.seq-from)
		for _, op := range ds.opsRing {
			if op.Seq > from {
				out = append(out, op)
			}
		}
		return out, nil
	}
	if s.ops == nil {
		return nil, fmt.Errorf("%w: doc %s from %d", ErrCatchUpUnavailable, docID, from)
	}
	out, err := s.ops.OpsSince(ctx, docID, from, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatchUpUnavailable, err)
	}
	if int64(len(out)) != ds.seq-from {
		return nil, fmt.Errorf("%w: doc %s has %d ops after %d, log returned %d",
			ErrCatchUpUnavailable, docID, ds.seq-from, from, len(out))
	}
	return out, nil
}

func (s *InMemoryService) notify(docID string, op SequencedOp) {
	s.lmu.RLock()
	defer s.lmu.RUnlock()
	for _, l := range s.listeners {
		l(docID, op)
	}
}

// 返回当前文档序号（InMemoryService 实现）
func (s *InMemoryService) CurrentSeq(ctx context.Context, docID string) (int64, error) {
	ds, err := s.lockDoc(ctx, docID)
	if err != nil {
		return 0, err
	}
	defer ds.mu.Unlock()
	return ds.seq, nil
}

func (s *InMemoryService) LoadDocumentContent(ctx context.Context, docID string) (string, int64, error) {
	ds, err := s.lockDoc(ctx, docID)
	if err != nil {
		return "", 0, err
	}
	defer ds.mu.Unlock()
	return ds.replica.String(), ds.seq, nil
}

// 返回 fromSeq 之后的已定序操作；同一时刻的相同查询合并成一次
func (s *InMemoryService) OpsSince(ctx context.Context, docID string, fromSeq int64, limit int) ([]SequencedOp, error) {
	key := docID + ":" + strconv.FormatInt(fromSeq, 10) + ":" + strconv.Itoa(limit)
	v, err, _ := s.sf.Do(key, func() (any, error) {
		ds, err := s.lockDoc(ctx, docID)
		if err != nil {
			return nil, err
		}
		defer ds.mu.Unlock()
		out, err := s.opsAfter(ctx, docID, ds, max(fromSeq, 0))
		if err != nil {
			return nil, err
		}
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]SequencedOp), nil
}

// SaveSnapshot 保存 minSeq 时刻的内容；加载时在它之上重放 op 日志
func (s *InMemoryService) SaveSnapshot(ctx context.Context, docID string) error {
	if s.snapshots == nil {
		return ErrSnapshotStoreMissing
	}
	ds, err := s.lockDoc(ctx, docID)
	if err != nil {
		return err
	}
	seq := ds.minSeq
	content := BaseText(ds.replica.BaseAt(seq))
	ds.mu.Unlock()
	return s.snapshots.SaveDocumentSnapshot(ctx, docID, seq, content)
}

// BaseText 拼出 BaseAt 返回的纯文本
func BaseText(base delta.Delta) string {
	var b strings.Builder
	for _, op := range base {
		b.WriteString(op.Text)
	}
	return b.String()
}
