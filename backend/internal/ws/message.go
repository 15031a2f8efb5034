package ws

import (
	"collabSync/backend/internal/cache"
	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/ot/delta"
)

// 客户端 -> 服务端的消息类型
const (
	TypeConnect             = "connect"
	TypeOpSubmit            = "op_submit"
	TypeHeartbeat           = "heartbeat"
	TypeSaveDocument        = "saveDocument"
	TypeLoadDocumentContent = "loadDocumentContent"
	TypeShowAliveMembers    = "show_alive_members"
)

// 服务端 -> 客户端的消息类型
const (
	TypeConnected    = "connected"
	TypeConnectError = "connect_error"
	TypeOpApplied    = "op_applied"
	TypeOpBroadcast  = "op_broadcast"
	TypeNack         = "nack"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeError        = "error"
	TypeIgnored      = "ignored"
)

type ClientMessage struct {
	Type  string `json:"type"`
	DocID string `json:"docId"`
	// 客户端实例标识，每次连接换一个
	ClientID string `json:"clientId"`
	// 重连时带上旧连接的 clientId，服务端据此拒绝旧连接尚未送达的提交
	PreviousClientID string `json:"previousClientId,omitempty"`
	// connect：-1 表示全新加载
	FromSeq int64 `json:"fromSeq"`
	// op_submit / heartbeat：客户端已处理到的 seq
	RefSeq int64 `json:"refSeq"`
	// 针对同一个 clientId 的“本地递增序号”
	ClientSeq uint64      `json:"clientSeq"`
	Ops       delta.Delta `json:"ops,omitempty"`
}

type ServerMessage struct {
	Type    string            `json:"type"`
	DocID   string            `json:"docId,omitempty"`
	Seq     int64             `json:"seq,omitempty"`
	Members []cache.ClientRef `json:"members,omitempty"`
	Content string            `json:"content,omitempty"`
}

type ConnectedMessage struct {
	Type    string         `json:"type"` // 固定 "connected"
	Welcome collab.Welcome `json:"welcome"`
}

// 提交者收到的确认，其余连接收到同一个 op 的 op_broadcast
type OpAppliedMessage struct {
	Type  string             `json:"type"` // 固定 "op_applied"
	DocID string             `json:"docId"`
	Op    collab.SequencedOp `json:"op"`
}

type OpBroadcastMessage struct {
	Type  string             `json:"type"` // 固定 "op_broadcast"
	DocID string             `json:"docId"`
	Op    collab.SequencedOp `json:"op"`
}

type NackMessage struct {
	Type      string `json:"type"` // 固定 "nack"
	DocID     string `json:"docId"`
	ClientID  string `json:"clientId"`
	ClientSeq uint64 `json:"clientSeq"`
	Code      string `json:"code"`
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string      { return m.Type }
func (m ConnectedMessage) MessageType() string   { return m.Type }
func (m OpAppliedMessage) MessageType() string   { return m.Type }
func (m OpBroadcastMessage) MessageType() string { return m.Type }
func (m NackMessage) MessageType() string        { return m.Type }
