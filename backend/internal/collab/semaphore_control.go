package collab

import (
	"context"
	"errors"
)

const DefaultSemaphoreSize = 100

var (
	ErrSemaphoreTimeout  = errors.New("acquire reached time limit")
	ErrSemaphoreReleased = errors.New("release failed, semaphore is not acquired")
)

// SemaphoreControl 限制并发的提交 / Kafka 发送数量
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(size int) *SemaphoreControl {
	if size <= 0 {
		size = DefaultSemaphoreSize
	}
	return &SemaphoreControl{ch: make(chan struct{}, size)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrSemaphoreTimeout
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrSemaphoreReleased
	}
}

// InUse 返回当前被占用的名额
func (s *SemaphoreControl) InUse() int { return len(s.ch) }
