// Package daemon 把插件注册表、事件循环、IPC 服务与各服务端对象组装成
// 完整的守护进程。
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"mediad/internal/api"
	"mediad/internal/broadcast"
	"mediad/internal/builtin"
	"mediad/internal/config"
	xerrors "mediad/internal/errors"
	"mediad/internal/ipc"
	"mediad/internal/loop"
	"mediad/internal/observability/metrics"
	"mediad/internal/storage/mysql"
	"mediad/internal/worker"
	"mediad/pkg/logger"
	"mediad/pkg/object"
	"mediad/pkg/plugin"
	"mediad/pkg/wire"
)

// quitDelay 给 quit 的回复留出写回客户端的时间。
const quitDelay = 100 * time.Millisecond

// Daemon 持有一次运行所需的全部组件。
type Daemon struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Collector

	loader   plugin.Loader
	journal  mysql.LoadJournal
	sinks    []broadcast.Sink
	builtins []plugin.Descriptor

	loop     *loop.Loop
	registry *plugin.Registry
	pool     *worker.Pool
	server   *ipc.Server
	http     *api.Server
	relay    *broadcast.Relay
	player   *Player
	mainObj  *object.Object
	xformObj *object.Object

	started time.Time
	quit    context.CancelFunc

	readyOnce sync.Once
	ready     chan struct{}
}

// Option 定义可选配置。
type Option func(*Daemon)

// WithLoader 替换动态插件的加载器。
func WithLoader(l plugin.Loader) Option {
	return func(d *Daemon) {
		if l != nil {
			d.loader = l
		}
	}
}

// WithJournal 使用外部提供的加载日志，忽略配置中的驱动。
func WithJournal(j mysql.LoadJournal) Option {
	return func(d *Daemon) {
		if j != nil {
			d.journal = j
		}
	}
}

// WithSinks 追加属性转发的下游。
func WithSinks(sinks ...broadcast.Sink) Option {
	return func(d *Daemon) {
		d.sinks = append(d.sinks, sinks...)
	}
}

// WithPlugins 替换内置插件列表。
func WithPlugins(descs ...plugin.Descriptor) Option {
	return func(d *Daemon) {
		d.builtins = descs
	}
}

// WithMetrics 指定指标收集器。
func WithMetrics(c *metrics.Collector) Option {
	return func(d *Daemon) {
		if c != nil {
			d.metrics = c
		}
	}
}

// New 创建守护进程，Run 之前不会打开任何资源。
func New(cfg *config.Config, opts ...Option) *Daemon {
	d := &Daemon{
		cfg:      cfg,
		log:      logger.Named("daemon"),
		metrics:  metrics.Default(),
		builtins: builtin.Descriptors(),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Ready 在 IPC 服务开始接受连接后关闭。
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// Addr 返回 IPC 实际监听地址，形如 tcp://127.0.0.1:9667。Ready 之前为空。
func (d *Daemon) Addr() string {
	if d.server == nil {
		return ""
	}
	addr := d.server.Addr()
	if addr == nil {
		return ""
	}
	return addr.Network() + "://" + addr.String()
}

// Run 启动守护进程并阻塞，直到 ctx 结束或客户端发出 quit。
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.quit = cancel
	d.started = time.Now()

	if err := d.openJournal(ctx); err != nil {
		return err
	}
	d.loadPlugins()

	// 事件循环独立于 ctx，以便在 IPC 服务停止后继续处理收尾工作。
	d.loop = loop.New()
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go func() { _ = d.loop.Run(loopCtx) }()

	d.pool = worker.NewPool(
		worker.WithWorkerCount(d.cfg.Worker.Count),
		worker.WithQueueSize(d.cfg.Worker.QueueSize),
	)
	d.pool.Start(loopCtx)

	player, err := NewPlayer(d.loop, d.registry, d.pool, d.cfg.Output.Plugin, d.cfg.Output.Volume)
	if err != nil {
		d.log.Warn("配置的输出插件不可用，改用 null", slog.String("plugin", d.cfg.Output.Plugin), slog.Any("error", err))
		player, err = NewPlayer(d.loop, d.registry, d.pool, "null", d.cfg.Output.Volume)
	}
	if err != nil {
		d.abort(stopLoop)
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "没有可用的输出插件")
	}
	d.player = player
	d.mainObj = d.newMainObject()
	d.xformObj = d.newXformObject()

	d.server = ipc.NewServer(d.cfg.IPC.Address, d.loop, ipc.WithMetrics(d.metrics))
	d.server.Register(wire.ObjectMain, d.mainObj)
	d.server.Register(wire.ObjectOutput, d.player.Object())
	d.server.Register(wire.ObjectXform, d.xformObj)
	if err := d.server.Listen(); err != nil {
		for _, id := range []uint32{wire.ObjectMain, wire.ObjectOutput, wire.ObjectXform} {
			d.server.Unregister(id)
		}
		d.releaseObjects()
		d.abort(stopLoop)
		return err
	}

	var httpWG sync.WaitGroup
	d.startBroadcast(ctx, loopCtx, &httpWG)

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.server.Serve(ctx) }()
	d.readyOnce.Do(func() { close(d.ready) })
	d.log.Info("守护进程已启动", slog.String("ipc", d.Addr()), slog.Int("plugins", d.registry.Len()))

	err = <-serveErr
	cancel()
	httpWG.Wait()
	d.shutdown(stopLoop)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Daemon) openJournal(ctx context.Context) error {
	if d.journal != nil {
		return nil
	}
	switch d.cfg.Journal.Driver {
	case "mysql":
		j, err := mysql.NewSQLLoadJournal(ctx, mysql.Config{
			DSN:          d.cfg.Journal.DSN,
			MaxOpenConns: d.cfg.Journal.MaxOpenConns,
		})
		if err != nil {
			return err
		}
		d.journal = j
	default:
		d.journal = mysql.NewMemoryLoadJournal(d.cfg.Journal.Capacity)
	}
	return nil
}

func (d *Daemon) loadPlugins() {
	opts := append(d.cfg.Plugins.Options(),
		plugin.WithLoader(d.loader),
		plugin.WithObserver(d.observeLoad),
	)
	d.registry = plugin.NewRegistry(opts...)

	for _, desc := range d.builtins {
		if err := d.registry.LoadBuiltin(desc); err != nil {
			d.log.Warn("内置插件加载失败", slog.String("plugin", desc.ShortName), slog.Any("error", err))
		}
	}
	if d.cfg.Plugins.Path == "" {
		return
	}
	n, err := d.registry.Scan(d.cfg.Plugins.Path)
	if err != nil {
		d.log.Warn("扫描插件目录失败", slog.String("path", d.cfg.Plugins.Path), slog.Any("error", err))
		return
	}
	d.log.Info("插件目录扫描完成", slog.String("path", d.cfg.Plugins.Path), slog.Int("loaded", n))
}

// observeLoad 把每次加载尝试写入加载日志与指标。
func (d *Daemon) observeLoad(ev plugin.LoadEvent) {
	d.metrics.ObservePluginLoad(ev.Type.String(), ev.Loaded())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := d.journal.Record(ctx, mysql.RecordFromEvent(ev)); err != nil {
		d.log.Warn("写入加载日志失败", slog.String("path", ev.Path), slog.Any("error", err))
	}
}

// startBroadcast 建立属性转发。单个下游连接失败只记录日志。
func (d *Daemon) startBroadcast(ctx, loopCtx context.Context, httpWG *sync.WaitGroup) {
	cfg := d.cfg.Broadcast
	sinks := append([]broadcast.Sink(nil), d.sinks...)

	if cfg.Redis.Address != "" {
		sink, err := broadcast.NewRedisSink(ctx, broadcast.RedisConfig{
			Address:       cfg.Redis.Address,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			ChannelPrefix: cfg.Redis.ChannelPrefix,
		})
		if err != nil {
			d.log.Warn("Redis 转发不可用", slog.String("address", cfg.Redis.Address), slog.Any("error", err))
		} else {
			sinks = append(sinks, sink)
		}
	}
	if cfg.RabbitMQ.URL != "" {
		sink, err := broadcast.NewAMQPSink(broadcast.RabbitMQConfig{URL: cfg.RabbitMQ.URL, Exchange: cfg.RabbitMQ.Exchange})
		if err != nil {
			d.log.Warn("RabbitMQ 转发不可用", slog.Any("error", err))
		} else {
			sinks = append(sinks, sink)
		}
	}

	if cfg.HTTP.Address != "" {
		hub := broadcast.NewHub(0)
		sinks = append(sinks, hub)
		d.http = api.NewServer(cfg.HTTP.Address, d.registry,
			api.WithJournal(d.journal),
			api.WithPropertyStream(hub),
			api.WithMetrics(d.metrics),
		)
		httpWG.Add(1)
		go func() {
			defer httpWG.Done()
			if err := d.http.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.log.Error("HTTP 状态接口异常退出", slog.Any("error", err))
			}
		}()
	}

	if len(sinks) == 0 {
		return
	}
	d.relay = broadcast.NewRelay(sinks, broadcast.WithMetrics(d.metrics))
	go func() { _ = d.relay.Run(loopCtx) }()
	if err := d.loop.Do(ctx, func() { d.relay.Watch(d.player.Object(), cfg.Properties...) }); err != nil {
		d.log.Warn("注册属性转发失败", slog.Any("error", err))
	}
}

// shutdown 在 IPC 服务停止之后按依赖顺序释放资源。
func (d *Daemon) shutdown(stopLoop context.CancelFunc) {
	bg := context.Background()
	_ = d.loop.Do(bg, d.player.Halt)
	if d.relay != nil {
		_ = d.loop.Do(bg, d.relay.Unwatch)
	}
	d.releaseObjects()
	d.player.Wait()

	stopLoop()
	<-d.loop.Stopped()
	_ = d.pool.Close()

	if d.relay != nil {
		<-d.relay.Done()
		if err := d.relay.Close(); err != nil {
			d.log.Warn("关闭属性转发失败", slog.Any("error", err))
		}
	}
	d.registry.Shutdown()
	if err := d.journal.Close(); err != nil {
		d.log.Warn("关闭加载日志失败", slog.Any("error", err))
	}
	d.log.Info("守护进程已停止", slog.Duration("uptime", time.Since(d.started)))
}

// releaseObjects 释放守护进程持有的对象引用。
func (d *Daemon) releaseObjects() {
	_ = d.loop.Do(context.Background(), func() {
		d.mainObj.Unref()
		d.player.Object().Unref()
		d.xformObj.Unref()
	})
}

// abort 在启动失败时回收已创建的资源。
func (d *Daemon) abort(stopLoop context.CancelFunc) {
	stopLoop()
	<-d.loop.Stopped()
	_ = d.pool.Close()
	d.registry.Shutdown()
	_ = d.journal.Close()
}
