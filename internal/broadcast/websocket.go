package broadcast

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"mediad/pkg/logger"
)

// Hub 把事件以 JSON 文本帧推送给 WebSocket 客户端。
// 客户端可以用 ?property=<前缀> 只订阅部分属性。
type Hub struct {
	buffer int
	log    *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	out    chan Event
	filter string
	gone   chan struct{}
	once   sync.Once
}

func (c *wsClient) kick() { c.once.Do(func() { close(c.gone) }) }

// NewHub 创建 WebSocket 下游，buffer 为每个客户端的待发送上限。
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		buffer:  buffer,
		log:     logger.Named("broadcast.ws"),
		clients: make(map[*wsClient]struct{}),
	}
}

// Name 实现 Sink。
func (h *Hub) Name() string { return "websocket" }

// Clients 返回当前连接数。
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Publish 实现 Sink。跟不上的客户端会被断开。
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.filter != "" && !strings.HasPrefix(ev.Property, c.filter) {
			continue
		}
		select {
		case c.out <- ev:
		default:
			h.log.Warn("WebSocket 客户端发送过慢，断开连接", slog.String("property", ev.Property))
			delete(h.clients, c)
			c.kick()
		}
	}
	return nil
}

// ServeHTTP 升级连接并持续推送事件。
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Debug("WebSocket 握手失败", slog.Any("error", err))
		return
	}
	defer conn.CloseNow()

	client := &wsClient{
		out:    make(chan Event, h.buffer),
		filter: r.URL.Query().Get("property"),
		gone:   make(chan struct{}),
	}
	if !h.add(client) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.remove(client)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.gone:
			conn.Close(websocket.StatusPolicyViolation, "too slow")
			return
		case ev := <-client.out:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				h.log.Debug("WebSocket 写入失败", slog.Any("error", err))
				return
			}
		}
	}
}

func (h *Hub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// Close 断开全部客户端。
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.kick()
	}
	return nil
}
