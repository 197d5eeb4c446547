// Package broadcast 将对象属性变化转发到外部系统（Redis、RabbitMQ、WebSocket）。
//
// 属性监听器运行在事件循环上，Relay 只做非阻塞入队；真正的网络发送
// 由独立的 goroutine 完成，慢速或失败的下游不会拖住事件循环。
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"

	"mediad/internal/observability/metrics"
	"mediad/pkg/logger"
	"mediad/pkg/object"
	"mediad/pkg/value"
)

// Event 描述一次属性变化。
type Event struct {
	Object   string      `cbor:"1,keyasint" json:"object"`
	Property string      `cbor:"2,keyasint" json:"property"`
	Value    value.Value `cbor:"3,keyasint" json:"value"`
	At       int64       `cbor:"4,keyasint" json:"at"`
}

// EncodeEvent 以 CBOR 编码事件，供消息队列类下游使用。
func EncodeEvent(ev Event) ([]byte, error) {
	return cbor.Marshal(ev)
}

// DecodeEvent 解析 EncodeEvent 的输出。
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	err := cbor.Unmarshal(data, &ev)
	return ev, err
}

// Sink 是属性变化的下游。
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Option 自定义 Relay。
type Option func(*Relay)

// WithBuffer 设置待发送事件的缓冲长度。
func WithBuffer(size int) Option {
	return func(r *Relay) {
		if size > 0 {
			r.buffer = size
		}
	}
}

// WithTimeout 设置单次下游发送的超时。
func WithTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithMetrics 指定记录转发结果的指标集合。
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Relay) {
		if c != nil {
			r.metrics = c
		}
	}
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.log = l
		}
	}
}

// Relay 把监听到的属性变化分发给全部下游。
type Relay struct {
	sinks   []Sink
	buffer  int
	timeout time.Duration
	metrics *metrics.Collector
	log     *slog.Logger

	events  chan Event
	dropped atomic.Uint64

	mu     sync.Mutex
	subs   []watch
	closed bool
	done   chan struct{}
}

type watch struct {
	obj *object.Object
	sub *object.Subscription
}

// NewRelay 创建转发器，调用 Run 之前事件只会进入缓冲区。
func NewRelay(sinks []Sink, opts ...Option) *Relay {
	r := &Relay{
		sinks:   sinks,
		buffer:  256,
		timeout: 3 * time.Second,
		metrics: metrics.Default(),
		log:     logger.Named("broadcast"),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.events = make(chan Event, r.buffer)
	return r
}

// Watch 监听 obj 上的属性，必须在事件循环上调用。
func (r *Relay) Watch(obj *object.Object, props ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for _, prop := range props {
		sub := obj.Listen(prop, r.enqueue, obj.Name())
		r.subs = append(r.subs, watch{obj: obj.Ref(), sub: sub})
	}
}

func (r *Relay) enqueue(property string, v value.Value, userData any) {
	name, _ := userData.(string)
	ev := Event{Object: name, Property: property, Value: v, At: time.Now().UnixMilli()}
	select {
	case r.events <- ev:
	default:
		if r.dropped.Add(1)%100 == 1 {
			r.log.Warn("转发缓冲区已满，丢弃属性变化", slog.String("property", property), slog.Uint64("dropped", r.dropped.Load()))
		}
	}
}

// Dropped 返回因缓冲区已满而丢弃的事件数。
func (r *Relay) Dropped() uint64 { return r.dropped.Load() }

// Run 持续发送事件，直到上下文取消。
func (r *Relay) Run(ctx context.Context) error {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-r.events:
			r.publish(ctx, ev)
		}
	}
}

func (r *Relay) publish(ctx context.Context, ev Event) {
	for _, sink := range r.sinks {
		pubCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := sink.Publish(pubCtx, ev)
		cancel()
		r.metrics.ObserveBroadcast(sink.Name(), err)
		if err != nil {
			r.log.Warn("属性转发失败",
				slog.String("sink", sink.Name()),
				slog.String("property", ev.Property),
				slog.Any("error", err))
		}
	}
}

// Unwatch 取消全部监听，必须在事件循环上调用。
func (r *Relay) Unwatch() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.closed = true
	r.mu.Unlock()
	for _, w := range subs {
		w.obj.Unlisten(w.sub)
		w.obj.Unref()
	}
}

// Close 关闭全部下游。应在 Unwatch 与 Run 返回之后调用。
func (r *Relay) Close() error {
	var first error
	for _, sink := range r.sinks {
		if err := sink.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Done 在 Run 返回后关闭。
func (r *Relay) Done() <-chan struct{} { return r.done }
