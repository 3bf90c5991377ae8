package collab

import (
	"context"
	"errors"
)

var DefaultMaxSemaphore = 100

var (
	ErrAcquireTimeout = errors.New("acquire reach time limit")
	ErrNotAcquired    = errors.New("release failed, semaphore is not acquired")
)

// SemaphoreControl 限制同时进行中的提交 / kafka 发送数量
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(n int) *SemaphoreControl {
	if n <= 0 {
		n = DefaultMaxSemaphore
	}
	return &SemaphoreControl{ch: make(chan struct{}, n)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrAcquireTimeout
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrNotAcquired
	}
}

// InUse 当前占用数（metrics / 测试用）
func (s *SemaphoreControl) InUse() int { return len(s.ch) }
