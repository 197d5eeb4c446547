package ipc

import (
	"context"
	"sync"
)

// Session 描述一个客户端连接，命令处理函数可以通过 SessionFrom 取得。
type Session struct {
	ID     string
	Remote string

	mu     sync.RWMutex
	client string
}

// SetClient 记录客户端在 hello 中声明的名称。
func (s *Session) SetClient(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = name
}

// Client 返回客户端名称，未调用 hello 时为空。
func (s *Session) Client() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

type sessionKey struct{}

// WithSession 把会话放入 context。
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom 从 context 中取出会话。
func SessionFrom(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok && s != nil
}
