// Package cache 记录每个文档在线客户端已处理到的 seq，定序服务据此计算协作窗口 minSeq。
package cache

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// ClientRegistry 跟踪在线客户端的 refSeq。TTL 到期未刷新的客户端视为离线，不再拖住 minSeq。
type ClientRegistry interface {
	// Touch 刷新 TTL，并把 refSeq 提升到 max(旧值, refSeq)
	Touch(ctx context.Context, docID, clientID string, refSeq int64) error
	Remove(ctx context.Context, docID, clientID string) error
	// MinRefSeq 返回在线客户端中最小的 refSeq；没有在线客户端时 ok=false
	MinRefSeq(ctx context.Context, docID string) (minSeq int64, ok bool, err error)
	Members(ctx context.Context, docID string) ([]ClientRef, error)
	Documents(ctx context.Context) ([]string, error)
}

type ClientRef struct {
	ClientID string `json:"clientId"`
	RefSeq   int64  `json:"refSeq"`
}

type memEntry struct {
	refSeq   int64
	expireAt time.Time // 零值表示不过期
}

// 内存实现：单实例部署与测试使用
type memoryRegistry struct {
	mu   sync.Mutex
	ttl  time.Duration
	docs map[string]map[string]memEntry
	now  func() time.Time
}

// NewMemoryRegistry 创建内存实现；ttl<=0 表示客户端只会被显式移除
func NewMemoryRegistry(ttl time.Duration) ClientRegistry {
	return newMemoryRegistry(ttl, time.Now)
}

func newMemoryRegistry(ttl time.Duration, now func() time.Time) *memoryRegistry {
	return &memoryRegistry{ttl: ttl, docs: make(map[string]map[string]memEntry), now: now}
}

func (m *memoryRegistry) Touch(ctx context.Context, docID, clientID string, refSeq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clients := m.docs[docID]
	if clients == nil {
		clients = make(map[string]memEntry)
		m.docs[docID] = clients
	}
	e, ok := clients[clientID]
	if !ok || m.expired(e) || e.refSeq < refSeq {
		e.refSeq = refSeq
	}
	if m.ttl > 0 {
		e.expireAt = m.now().Add(m.ttl)
	}
	clients[clientID] = e
	return nil
}

func (m *memoryRegistry) Remove(ctx context.Context, docID, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if clients := m.docs[docID]; clients != nil {
		delete(clients, clientID)
		if len(clients) == 0 {
			delete(m.docs, docID)
		}
	}
	return nil
}

func (m *memoryRegistry) MinRefSeq(ctx context.Context, docID string) (int64, bool, error) {
	members, _ := m.Members(ctx, docID)
	if len(members) == 0 {
		return 0, false, nil
	}
	return members[0].RefSeq, true, nil
}

// Members 清理过期客户端后按 refSeq 升序返回
func (m *memoryRegistry) Members(ctx context.Context, docID string) ([]ClientRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clients := m.docs[docID]
	out := make([]ClientRef, 0, len(clients))
	for id, e := range clients {
		if m.expired(e) {
			delete(clients, id)
			continue
		}
		out = append(out, ClientRef{ClientID: id, RefSeq: e.refSeq})
	}
	slices.SortFunc(out, func(a, b ClientRef) int {
		if c := cmp.Compare(a.RefSeq, b.RefSeq); c != 0 {
			return c
		}
		return cmp.Compare(a.ClientID, b.ClientID)
	})
	return out, nil
}

func (m *memoryRegistry) Documents(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.docs))
	for id := range m.docs {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

func (m *memoryRegistry) expired(e memEntry) bool {
	return !e.expireAt.IsZero() && !e.expireAt.After(m.now())
}
