package collab

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("DOCUMENT_CLOSED")

// actor 在自己的 goroutine 上逐个执行提交的函数，文档的全部状态只在这些函数里访问
type actor struct {
	mailbox chan func()
	done    chan struct{}
	once    sync.Once
}

func newActor(size int) *actor {
	if size <= 0 {
		size = 64
	}
	a := &actor{
		mailbox: make(chan func(), size),
		done:    make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *actor) loop() {
	for {
		select {
		case fn := <-a.mailbox:
			fn()
		case <-a.done:
			return
		}
	}
}

// do 排队执行 fn 并等待完成
func (a *actor) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case a.mailbox <- func() { fn(); close(finished) }:
	case <-a.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-a.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tell 只排队不等待
func (a *actor) tell(fn func()) error {
	select {
	case a.mailbox <- fn:
		return nil
	case <-a.done:
		return ErrClosed
	}
}

func (a *actor) stop() {
	a.once.Do(func() { close(a.done) })
}

func call[T any](ctx context.Context, a *actor, fn func() (T, error)) (T, error) {
	var (
		out T
		err error
	)
	if qerr := a.do(ctx, func() { out, err = fn() }); qerr != nil {
		var zero T
		return zero, qerr
	}
	return out, err
}
