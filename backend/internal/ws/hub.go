package ws

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"collabSync/backend/internal/cache"
	"collabSync/backend/internal/collab"
)

type Hub struct {
	// 在线客户端及其 refSeq，show_alive_members 从这里读
	registry cache.ClientRegistry
	// 读写锁，保护 rooms；广播在读锁内完成，Leave 返回后不会再有消息投递到该连接
	mu sync.RWMutex
	// docID -> set of connections
	rooms map[string]mapset.Set[*Conn]
}

func NewHub(registry cache.ClientRegistry) *Hub {
	return &Hub{registry: registry, rooms: make(map[string]mapset.Set[*Conn])}
}

// Attach 把 Hub 注册为定序服务的广播回调
func (h *Hub) Attach(svc collab.Service) {
	svc.AddListener(h.BroadcastSequenced)
}

// Join 将连接加入指定文档房间
func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		// 一个用户可开多个标签页/设备（多连接）；广播要逐连接发
		h.rooms[docID] = mapset.NewThreadUnsafeSet[*Conn]()
	}
	h.rooms[docID].Add(c)
}

// Leave 将连接从指定文档房间移除
func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		conns.Remove(c)
		if conns.IsEmpty() {
			delete(h.rooms, docID)
		}
	}
}

func (h *Hub) RoomSize(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if conns, ok := h.rooms[docID]; ok {
		return conns.Cardinality()
	}
	return 0
}

// BroadcastSequenced 在文档锁内按 seq 顺序被调用：提交者收到 op_applied，其余连接收到 op_broadcast。
// 投递不阻塞；连接发送队列满时丢弃，客户端靠 seq 断档检测发现并重连追平。
func (h *Hub) BroadcastSequenced(docID string, op collab.SequencedOp) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns, ok := h.rooms[docID]
	if !ok {
		return
	}
	applied := OpAppliedMessage{Type: TypeOpApplied, DocID: docID, Op: op}
	broadcast := OpBroadcastMessage{Type: TypeOpBroadcast, DocID: docID, Op: op}
	conns.Each(func(c *Conn) bool {
		if c.ClientID() == op.ClientID {
			c.SendMessage_Enqueue(applied)
		} else {
			c.SendMessage_Enqueue(broadcast)
		}
		return false
	})
}
