// Package worker 提供离开事件循环执行耗时任务（解码、浏览等）的协程池。
// 任务结果通过回调交回调用方，调用链会再把结果投递回事件循环。
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	xerrors "mediad/internal/errors"
	"mediad/pkg/chain"
	"mediad/pkg/logger"
	"mediad/pkg/value"
)

// Job 是在工作协程上执行的任务。
type Job func(ctx context.Context) (value.Value, error)

type task struct {
	ctx  context.Context
	job  Job
	done chain.Done
}

// Pool 使用 channel 分发任务给固定数量的工作协程。
type Pool struct {
	ch          chan task
	workerCount int
	queueSize   int
	logger      *slog.Logger

	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// Option 定义可选配置。
type Option func(*Pool)

// WithWorkerCount 设置工作协程数量。
func WithWorkerCount(workers int) Option {
	return func(p *Pool) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithQueueSize 设置排队任务的上限。
func WithQueueSize(size int) Option {
	return func(p *Pool) {
		if size > 0 {
			p.queueSize = size
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPool 构造协程池，需要调用 Start 才会开始消费。
func NewPool(opts ...Option) *Pool {
	p := &Pool{workerCount: 1, queueSize: 64, logger: logger.Named("worker")}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.ch = make(chan task, p.queueSize)
	return p
}

// Start 启动工作协程。ctx 结束后工作协程在完成当前任务后退出。
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
}

func (p *Pool) work(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			p.drainCancelled(ctx.Err())
			return
		case t, ok := <-p.ch:
			if !ok {
				return
			}
			v, err := p.run(t, id)
			t.done(v, err)
		}
	}
}

func (p *Pool) run(t task, id int) (v value.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("任务执行发生 panic", slog.Int("worker", id), slog.Any("panic", r))
			v = value.None()
			err = xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("任务执行发生 panic: %v", r))
		}
	}()
	if err := t.ctx.Err(); err != nil {
		return value.None(), err
	}
	return t.job(t.ctx)
}

func (p *Pool) drainCancelled(err error) {
	for {
		select {
		case t, ok := <-p.ch:
			if !ok {
				return
			}
			t.done(value.None(), err)
		default:
			return
		}
	}
}

// Submit 投递任务，done 在工作协程上被调用一次。队列已满时阻塞直到 ctx 结束。
func (p *Pool) Submit(ctx context.Context, job Job, done chain.Done) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return xerrors.New(xerrors.CodeInitializationFailure, "协程池已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.ch <- task{ctx: ctx, job: job, done: done}:
		return nil
	}
}

// Op 把任务包装为调用链的一个异步操作。
func (p *Pool) Op(job Job) chain.Op {
	return func(ctx context.Context, done chain.Done) {
		if err := p.Submit(ctx, job, done); err != nil {
			done(value.None(), err)
		}
	}
}

// Close 停止接收任务并等待工作协程退出。
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.ch)
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}
