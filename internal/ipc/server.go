package ipc

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "mediad/internal/errors"
	"mediad/internal/loop"
	"mediad/internal/observability/metrics"
	"mediad/pkg/chain"
	"mediad/pkg/logger"
	"mediad/pkg/object"
	"mediad/pkg/value"
	"mediad/pkg/wire"
)

// Server 接收客户端连接，把请求放到事件循环上分发给已注册的对象。
type Server struct {
	addr    string
	loop    *loop.Loop
	metrics *metrics.Collector
	logger  *slog.Logger

	mu       sync.RWMutex
	objects  map[uint32]*object.Object
	listener net.Listener
	conns    map[*conn]struct{}
	wg       sync.WaitGroup
}

// Option 定义可选配置。
type Option func(*Server)

// WithMetrics 指定命令分发指标的收集器。
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) {
		if c != nil {
			s.metrics = c
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 创建 IPC 服务，addr 形如 unix:///tmp/mediad-ipc-user 或 tcp://127.0.0.1:9667。
func NewServer(addr string, lp *loop.Loop, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		loop:    lp,
		metrics: metrics.Default(),
		logger:  logger.Named("ipc"),
		objects: make(map[uint32]*object.Object),
		conns:   make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// ParseAddress 把 IPC 地址拆分为 net.Listen 所需的网络类型与地址。
func ParseAddress(addr string) (network, address string, err error) {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		path := strings.TrimPrefix(addr, "unix://")
		if path == "" {
			return "", "", fmt.Errorf("unix 地址缺少路径: %s", addr)
		}
		return "unix", path, nil
	case strings.HasPrefix(addr, "tcp://"):
		hostPort := strings.TrimPrefix(addr, "tcp://")
		if _, _, err := net.SplitHostPort(hostPort); err != nil {
			return "", "", fmt.Errorf("tcp 地址无效 %s: %w", addr, err)
		}
		return "tcp", hostPort, nil
	default:
		return "", "", fmt.Errorf("不支持的 IPC 地址: %s", addr)
	}
}

// Register 以 id 暴露对象，服务持有一个引用。
func (s *Server) Register(id uint32, obj *object.Object) {
	s.mu.Lock()
	old := s.objects[id]
	s.objects[id] = obj.Ref()
	s.mu.Unlock()
	if old != nil {
		old.Unref()
	}
}

// Unregister 移除对象并释放服务持有的引用。
func (s *Server) Unregister(id uint32) {
	s.mu.Lock()
	obj := s.objects[id]
	delete(s.objects, id)
	s.mu.Unlock()
	if obj != nil {
		obj.Unref()
	}
}

func (s *Server) lookup(id uint32) *object.Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objects[id]
}

// Listen 创建监听端点。端点无法创建属于致命错误。
func (s *Server) Listen() error {
	network, address, err := ParseAddress(s.addr)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析 IPC 地址失败")
	}
	if network == "unix" {
		if info, statErr := os.Stat(address); statErr == nil && info.Mode()&os.ModeSocket != 0 {
			_ = os.Remove(address)
		}
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("监听 %s 失败", s.addr))
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("IPC 服务已监听", slog.String("address", s.addr))
	return nil
}

// Addr 返回实际监听的地址，未监听时为 nil。
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start 监听并服务客户端直到 ctx 结束。
func (s *Server) Start(ctx context.Context) error {
	if s.Addr() == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	return s.Serve(ctx)
}

// Serve 接受连接直到 ctx 结束，返回前关闭所有连接。
func (s *Server) Serve(ctx context.Context) error {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "IPC 服务尚未监听")
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			nc, err := ln.Accept()
			if err != nil {
				if !stdErrors.Is(err, net.ErrClosed) {
					errCh <- err
				}
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serveConn(ctx, nc)
			}()
		}
	}()

	var result error
	select {
	case <-ctx.Done():
		result = ctx.Err()
	case err, ok := <-errCh:
		if ok {
			result = err
		}
	}
	s.shutdown(ln)
	return result
}

func (s *Server) shutdown(ln net.Listener) {
	_ = ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		_ = c.nc.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()

	if network, address, err := ParseAddress(s.addr); err == nil && network == "unix" {
		_ = os.Remove(address)
	}

	s.mu.Lock()
	objects := s.objects
	s.objects = make(map[uint32]*object.Object)
	s.mu.Unlock()
	for _, obj := range objects {
		obj.Unref()
	}
	s.logger.Info("IPC 服务已停止")
}

type subscription struct {
	obj *object.Object
	sub *object.Subscription
}

// conn 是一个客户端连接。所有写操作经由 out 串行化。
type conn struct {
	server  *Server
	nc      net.Conn
	session *Session
	logger  *slog.Logger

	mu     sync.RWMutex
	out    chan wire.Message
	closed bool

	// subs 只在事件循环上读写。
	subs map[uint32]subscription

	// inflight 统计尚未回复的异步命令。
	inflight sync.WaitGroup
}

const outboundBuffer = 256

func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	session := &Session{ID: uuid.NewString(), Remote: nc.RemoteAddr().String()}
	c := &conn{
		server:  s,
		nc:      nc,
		session: session,
		logger:  s.logger.With(slog.String("session", session.ID)),
		out:     make(chan wire.Message, outboundBuffer),
		subs:    make(map[uint32]subscription),
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	writerDone := make(chan struct{})
	go c.writeLoop(writerDone)

	c.logger.Debug("客户端已连接", slog.String("remote", session.Remote))
	c.readLoop(WithSession(ctx, session))
	c.inflight.Wait()

	c.release()
	c.closeOutbound()
	<-writerDone
	_ = nc.Close()

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.logger.Debug("客户端已断开", slog.String("client", session.Client()))
}

func (c *conn) readLoop(ctx context.Context) {
	reader := wire.NewReader(c.nc, 0)
	for {
		msg, err := reader.Read()
		if err != nil {
			if !stdErrors.Is(err, io.EOF) && !stdErrors.Is(err, net.ErrClosed) {
				c.logger.Warn("读取客户端消息失败", slog.Any("error", err))
			}
			return
		}
		switch msg.Kind {
		case wire.KindRequest:
			c.handleRequest(ctx, msg)
		case wire.KindSubscribe:
			c.send(c.handleSubscribe(ctx, msg))
		case wire.KindUnsubscribe:
			c.send(c.handleUnsubscribe(ctx, msg))
		default:
			c.send(errorReply(msg.Cookie, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("客户端不能发送 %s 消息", msg.Kind))))
		}
	}
}

// unknownLabel 是未知对象或命令在指标中的统一标签。
const unknownLabel = "unknown"

// dispatchResult 由投递到循环上的闭包独占写入，再通过 channel 交给读协程。
type dispatchResult struct {
	obj     *object.Object
	objName string
	cmdName string
	value   value.Value
	pending *chain.Chain
	err     error
}

// handleRequest 在事件循环上分发请求。异步命令的调用链在循环上推进，
// 回复在链结束后由单独的 goroutine 写出，读协程不等待。
func (c *conn) handleRequest(ctx context.Context, msg wire.Message) {
	start := time.Now()
	ch := make(chan dispatchResult, 1)
	err := c.server.loop.Do(ctx, func() {
		ch <- c.dispatch(ctx, msg)
	})
	var res dispatchResult
	if err != nil {
		res = dispatchResult{objName: unknownLabel, cmdName: unknownLabel, err: err}
	} else {
		res = <-ch
	}

	if res.pending == nil {
		c.send(c.finishRequest(msg, res, start))
		return
	}
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		select {
		case <-res.pending.Done():
			res.value, res.err = res.pending.Result()
			if res.err == nil {
				res.obj.CheckResult(object.CommandID(msg.Command), res.value)
			}
		case <-ctx.Done():
			res.err = ctx.Err()
		}
		c.send(c.finishRequest(msg, res, start))
	}()
}

func (c *conn) dispatch(ctx context.Context, msg wire.Message) dispatchResult {
	res := dispatchResult{objName: unknownLabel, cmdName: unknownLabel}
	obj := c.server.lookup(msg.Object)
	if obj == nil {
		res.err = xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("no object %d", msg.Object))
		return res
	}
	res.obj = obj
	res.objName = obj.Name()
	if cmd, ok := obj.Lookup(object.CommandID(msg.Command)); ok {
		res.cmdName = cmd.Name
	}
	res.value, res.pending, res.err = obj.Dispatch(ctx, c.server.loop, object.CommandID(msg.Command), msg.Args)
	return res
}

func (c *conn) finishRequest(msg wire.Message, res dispatchResult, start time.Time) wire.Message {
	code := ""
	if res.err != nil {
		code = string(xerrors.CodeOf(res.err))
	}
	c.server.metrics.ObserveCommand(res.objName, res.cmdName, code, time.Since(start))

	if res.err != nil {
		attrs := append([]slog.Attr{
			slog.String("object", res.objName),
			slog.String("command", res.cmdName),
		}, xerrors.Attrs(res.err)...)
		c.logger.LogAttrs(context.Background(), levelFor(res.err), "命令执行失败", attrs...)
		return errorReply(msg.Cookie, res.err)
	}
	return wire.Message{Kind: wire.KindReply, Cookie: msg.Cookie, Value: res.value}
}

// levelFor 按错误码的严重程度选择日志级别，客户端参数类错误只记 debug。
func levelFor(err error) slog.Level {
	if level := xerrors.LevelOf(err); level > slog.LevelInfo {
		return level
	}
	return slog.LevelDebug
}

func (c *conn) handleSubscribe(ctx context.Context, msg wire.Message) wire.Message {
	if msg.Property == "" {
		return errorReply(msg.Cookie, xerrors.New(xerrors.CodeInvalidArgument, "订阅需要属性名"))
	}
	var subErr error
	err := c.server.loop.Do(ctx, func() {
		obj := c.server.lookup(msg.Object)
		if obj == nil {
			subErr = xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("no object %d", msg.Object))
			return
		}
		if _, exists := c.subs[msg.Cookie]; exists {
			subErr = xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("cookie %d 已被使用", msg.Cookie))
			return
		}
		cookie, objectID := msg.Cookie, msg.Object
		sub := obj.Listen(msg.Property, func(property string, v value.Value, _ any) {
			c.notify(wire.Message{Kind: wire.KindBroadcast, Cookie: cookie, Object: objectID, Property: property, Value: v})
		}, c.session)
		c.subs[msg.Cookie] = subscription{obj: obj.Ref(), sub: sub}
	})
	if err != nil {
		subErr = err
	}
	if subErr != nil {
		return errorReply(msg.Cookie, subErr)
	}
	return wire.Message{Kind: wire.KindReply, Cookie: msg.Cookie}
}

// handleUnsubscribe 中 Value 携带要取消的订阅 cookie。
func (c *conn) handleUnsubscribe(ctx context.Context, msg wire.Message) wire.Message {
	target, ok := msg.Value.UInt32()
	if !ok {
		return errorReply(msg.Cookie, xerrors.New(xerrors.CodeInvalidArgument, "取消订阅需要 uint32 cookie"))
	}
	found := false
	err := c.server.loop.Do(ctx, func() {
		s, exists := c.subs[target]
		if !exists {
			return
		}
		found = true
		delete(c.subs, target)
		s.obj.Unlisten(s.sub)
		s.obj.Unref()
	})
	if err != nil {
		return errorReply(msg.Cookie, err)
	}
	if !found {
		return errorReply(msg.Cookie, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("没有 cookie 为 %d 的订阅", target)))
	}
	return wire.Message{Kind: wire.KindReply, Cookie: msg.Cookie}
}

// release 在事件循环上注销该连接的全部监听器。
func (c *conn) release() {
	err := c.server.loop.Do(context.Background(), func() {
		for cookie, s := range c.subs {
			s.obj.Unlisten(s.sub)
			s.obj.Unref()
			delete(c.subs, cookie)
		}
	})
	if err != nil {
		c.logger.Debug("事件循环已停止，跳过注销监听器", slog.Any("error", err))
	}
}

func (c *conn) writeLoop(done chan<- struct{}) {
	defer close(done)
	writer := wire.NewWriter(c.nc)
	failed := false
	for msg := range c.out {
		if failed {
			continue
		}
		if err := writer.Write(msg); err != nil {
			failed = true
			c.logger.Debug("写入客户端失败", slog.Any("error", err))
			_ = c.nc.Close()
		}
	}
}

// send 阻塞直到消息进入发送队列。
func (c *conn) send(msg wire.Message) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	c.out <- msg
}

// notify 在事件循环上被调用，不能阻塞；队列满时丢弃广播。
func (c *conn) notify(msg wire.Message) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.out <- msg:
	default:
		c.logger.Warn("客户端发送队列已满，丢弃属性通知", slog.String("property", msg.Property))
	}
}

func (c *conn) closeOutbound() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

func errorReply(cookie uint32, err error) wire.Message {
	return wire.Message{
		Kind:   wire.KindError,
		Cookie: cookie,
		Code:   string(xerrors.CodeOf(err)),
		Error:  xerrors.MessageOf(err),
	}
}
