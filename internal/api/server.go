package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"mediad/internal/observability/metrics"
	"mediad/internal/storage/mysql"
	"mediad/pkg/logger"
	"mediad/pkg/plugin"
	"mediad/pkg/value"
)

// Server 负责暴露只读的 HTTP 状态接口。
type Server struct {
	addr     string
	registry *plugin.Registry
	journal  mysql.LoadJournal
	stream   http.Handler
	metrics  *metrics.Collector
	log      *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// Option 定义可选配置。
type Option func(*Server)

// WithJournal 启用 /api/v1/journal。
func WithJournal(j mysql.LoadJournal) Option {
	return func(s *Server) {
		if j != nil {
			s.journal = j
		}
	}
}

// WithPropertyStream 挂载 /ws/properties 的 WebSocket 处理器。
func WithPropertyStream(h http.Handler) Option {
	return func(s *Server) {
		if h != nil {
			s.stream = h
		}
	}
}

// WithMetrics 指定 /metrics 暴露的收集器。
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) {
		if c != nil {
			s.metrics = c
		}
	}
}

// NewServer 构造 HTTP 服务实例。
func NewServer(addr string, reg *plugin.Registry, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		registry: reg,
		metrics:  metrics.Default(),
		log:      logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载了全部路由的处理器，ctx 结束后请求一律返回 503。
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/plugins", s.handlePlugins)
	mux.HandleFunc("/api/v1/journal", s.handleJournal)
	mux.Handle("/metrics", s.metrics.Handler())
	if s.stream != nil {
		mux.Handle("/ws/properties", s.stream)
	}
	return withContext(ctx, mux)
}

// Addr 返回实际监听地址，未启动时为 nil。
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	server := &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Info("HTTP 状态接口已启动", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.registry == nil {
		http.Error(w, "插件注册表未初始化", http.StatusServiceUnavailable)
		return
	}
	t, err := plugin.ParseType(r.URL.Query().Get("type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	plugins := s.registry.List(t)
	defer plugin.ReleaseAll(plugins)
	out := make([]value.Value, 0, len(plugins))
	for _, p := range plugins {
		out = append(out, p.Describe())
	}
	writeJSON(w, out)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.journal == nil {
		http.Error(w, "加载日志未启用", http.StatusServiceUnavailable)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]value.Value, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Value())
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
