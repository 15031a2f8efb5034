// Package mergetree 跟踪本地已应用、尚未被定序服务确认的编辑。
//
// 每个 Segment 持有一个 PendingOpQueue，按本地提交顺序记录触及它的 SegmentGroup；
// Reconciler 在 ack / nack / 重连时消费或重放这些队列，并在 segment 分裂时复制队列。
package mergetree

import "errors"

// 协议错误：不可重试，需要重建会话
var (
	// ErrProtocolViolation 表示 ack 命中的不是某个 segment 队列的队头。
	ErrProtocolViolation = errors.New("protocol violation: ack does not match queue head")

	// ErrUnknownToken 表示收到的 ack / nack 找不到对应的待确认编辑。
	ErrUnknownToken = errors.New("protocol violation: unknown correlation token")
)

// 状态一致性错误
var (
	// ErrInconsistentGroup 表示 previousProps 与 segments 长度或下标不再对齐。
	ErrInconsistentGroup = errors.New("inconsistent segment group: previousProps misaligned with segments")

	// ErrMixedEdit 表示一次本地编辑混合了 insert / delete / annotate。
	ErrMixedEdit = errors.New("local edit must contain exactly one kind of change")

	// ErrNoPendingEdits 表示没有可回滚的本地编辑。
	ErrNoPendingEdits = errors.New("no pending edits")
)

// 位置错误
var (
	// ErrInvalidPosition 表示 delta 覆盖的范围超出当前视角下的文档长度。
	ErrInvalidPosition = errors.New("position out of bounds")
)
