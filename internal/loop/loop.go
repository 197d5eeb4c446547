// Package loop 提供守护进程唯一的事件循环：对象命令分发、属性通知与调用链
// 的步骤切换都在这个 goroutine 上执行。工作协程通过 Post 把结果交回循环。
package loop

import (
	"context"
	"log/slog"
	"sync"

	xerrors "mediad/internal/errors"
	"mediad/pkg/logger"
)

// Loop 是一个串行执行投递函数的事件循环，实现 chain.Executor。
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped chan struct{}
	closed  bool
	log     *slog.Logger
}

// New 创建事件循环，需要调用 Run 才会开始执行。
func New() *Loop {
	return &Loop{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		log:     logger.Named("loop"),
	}
}

// Post 投递一个函数到循环，不会阻塞，可以在任意 goroutine 上调用，
// 包括循环自身。循环停止后投递的函数会被丢弃。
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.log.Debug("事件循环已停止，丢弃投递")
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do 在循环上执行 fn 并等待其完成。不能在循环自身上调用。
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-l.stopped:
		select {
		case <-done:
			return nil
		default:
		}
		return xerrors.New(xerrors.CodeInitializationFailure, "事件循环已停止")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 执行投递的函数直到 ctx 结束。停止前会执行完已排队的函数。
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.stopped)
	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.closed = true
			l.mu.Unlock()
			l.drain()
			return ctx.Err()
		case <-l.wake:
			l.drain()
		}
	}
}

// Stopped 在 Run 返回后关闭。
func (l *Loop) Stopped() <-chan struct{} { return l.stopped }

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()
		l.run(fn)
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("事件循环任务发生 panic", slog.Any("panic", r))
		}
	}()
	fn()
}
