package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/mergetree"
	"collabSync/backend/internal/metrics"
	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/sequencer"
)

func (s *Session) handle(evt sequencer.Event) {
	switch e := evt.(type) {
	case sequencer.Acknowledged:
		s.onSequenced(e.Op, true)
	case sequencer.Sequenced:
		s.onSequenced(e.Op, false)
	case sequencer.Rejected:
		s.onRejected(e)
	case sequencer.Connected:
		s.onConnected(e.Welcome)
	case sequencer.Disconnected:
		s.onDisconnected(e)
	default:
		s.logger.Warn("unknown sequencer event", "event", fmt.Sprintf("%T", evt))
	}
}

func (s *Session) onSequenced(op collab.SequencedOp, own bool) {
	if err := s.applySequenced(op, own); err != nil {
		s.onApplyError(err)
	}
}

// applySequenced 按 seq 顺序处理一个已定序 op：能对上待确认编辑的是确认，其余是远端 op
func (s *Session) applySequenced(op collab.SequencedOp, own bool) error {
	if op.Seq <= s.seq {
		// 重连追平与实时事件重叠的部分
		return nil
	}
	if op.Seq != s.seq+1 {
		return fmt.Errorf("%w: expected seq %d, got %d", ErrSequenceGap, s.seq+1, op.Seq)
	}

	kind := ChangeRemote
	token := sequencer.Token(op)
	switch {
	case s.rec.HasToken(token):
		if _, err := s.rec.Ack(token, op.Seq, op.RefSeq); err != nil {
			return err
		}
		kind = ChangeAck
	case own:
		return fmt.Errorf("%w: ack %s seq=%d", mergetree.ErrUnknownToken, token, op.Seq)
	default:
		if err := s.list.ApplyRemote(op.Ops, op.Seq, op.RefSeq, op.ClientID); err != nil {
			return fmt.Errorf("apply remote seq %d: %w", op.Seq, err)
		}
	}
	s.seq = op.Seq
	s.advanceMinSeq(op.MinSeq)
	if kind == ChangeAck {
		s.pendingGauge()
	}
	s.notify(kind)
	return nil
}

func (s *Session) onApplyError(err error) {
	switch {
	case errors.Is(err, ErrSequenceGap):
		s.logger.Warn("sequence gap, resyncing", "seq", s.seq, "err", err)
		s.connected = false
		s.reconnect()
	case errors.Is(err, mergetree.ErrProtocolViolation), errors.Is(err, mergetree.ErrUnknownToken):
		metrics.ProtocolViolations.Inc()
		s.fail(err)
	default:
		s.fail(err)
	}
}

func (s *Session) onRejected(e sequencer.Rejected) {
	if e.Token.ClientID != s.clientID {
		// 旧连接上的提交，重连后已经重新生成
		s.logger.Debug("ignore rejection from previous connection", "token", e.Token.String(), "code", e.Code)
		return
	}
	if e.Retryable() {
		s.logger.Info("retryable rejection, reconnecting", "token", e.Token.String(), "code", e.Code, "reason", e.Reason)
		if s.connected {
			s.markDisconnected()
		}
		return
	}
	if _, err := s.rec.Nack(e.Token, e.Code); err != nil {
		metrics.ProtocolViolations.Inc()
		s.fail(err)
		return
	}
	s.pendingGauge()
	s.notify(ChangeNack)
}

func (s *Session) onConnected(w collab.Welcome) {
	s.stopRetry()
	for _, op := range w.CatchUp {
		if err := s.applySequenced(op, false); err != nil {
			s.onApplyError(err)
			return
		}
	}
	s.clientID = w.ClientID
	s.connected = true
	s.backoff = s.opt.ReconnectBackoff
	s.advanceMinSeq(w.MinSeq)

	pending := len(s.rec.PendingGroups())
	if err := s.rec.Rebase(s.seq, s.resubmit); err != nil {
		s.logger.Warn("rebase failed", "seq", s.seq, "err", err)
		s.markDisconnected()
		return
	}
	metrics.Rebases.Inc()
	s.pendingGauge()
	s.logger.Info("reconnected", "client", w.ClientID, "seq", s.seq, "minSeq", s.minSeq,
		"catchUp", len(w.CatchUp), "pending", pending, "resubmitted", len(s.rec.PendingGroups()))
	s.notify(ChangeRebase)
}

func (s *Session) resubmit(op delta.Delta, refSeq int64) (mergetree.Token, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opt.CallTimeout)
	defer cancel()
	return s.sq.Submit(ctx, refSeq, op)
}

func (s *Session) onDisconnected(e sequencer.Disconnected) {
	if errors.Is(e.Err, collab.ErrCatchUpUnavailable) {
		s.fail(fmt.Errorf("cannot resume from seq %d: %w", s.seq, e.Err))
		return
	}
	switch {
	case !s.connected:
		// 重连尝试失败
		s.logger.Warn("reconnect attempt failed", "err", e.Err)
		s.scheduleReconnect()
	case e.ClientID == s.clientID:
		s.logger.Warn("disconnected", "client", e.ClientID, "seq", s.seq, "err", e.Err)
		s.markDisconnected()
	}
}

func (s *Session) markDisconnected() {
	s.connected = false
	s.scheduleReconnect()
}

func (s *Session) scheduleReconnect() {
	if s.retryC != nil {
		return
	}
	s.armRetry(s.backoff)
	s.backoff = min(s.backoff*2, s.opt.MaxReconnectBackoff)
}

func (s *Session) armRetry(d time.Duration) {
	s.stopRetry()
	s.retry = time.NewTimer(d)
	s.retryC = s.retry.C
}

func (s *Session) stopRetry() {
	if s.retry != nil {
		s.retry.Stop()
	}
	s.retryC = nil
}

// reconnect 从已处理到的 seq 续连；Welcome 到达前如果超时就再试一次
func (s *Session) reconnect() {
	ctx, cancel := context.WithTimeout(s.ctx, s.opt.CallTimeout)
	defer cancel()
	if err := s.sq.Connect(ctx, s.seq); err != nil {
		if errors.Is(err, collab.ErrCatchUpUnavailable) {
			s.fail(fmt.Errorf("cannot resume from seq %d: %w", s.seq, err))
			return
		}
		s.logger.Warn("reconnect failed", "seq", s.seq, "err", err)
		s.scheduleReconnect()
		return
	}
	s.armRetry(s.opt.CallTimeout)
}

func (s *Session) heartbeat() {
	if !s.connected {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.opt.CallTimeout)
	defer cancel()
	if err := s.sq.UpdateRefSeq(ctx, s.seq); err != nil {
		s.logger.Debug("heartbeat failed", "seq", s.seq, "err", err)
	}
}

// advanceMinSeq 推进协作窗口并回收窗口外的墓碑
func (s *Session) advanceMinSeq(minSeq int64) {
	if minSeq <= s.minSeq {
		return
	}
	s.minSeq = minSeq
	if dropped := s.list.Zamboni(minSeq); len(dropped) > 0 {
		s.logger.Debug("tombstones compacted", "minSeq", minSeq, "dropped", len(dropped))
	}
}
