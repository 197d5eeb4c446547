package broadcast

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 发布参数。
type RedisConfig struct {
	Address       string
	Password      string
	DB            int
	ChannelPrefix string
}

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// RedisSink 通过 PUBLISH 把事件发送到 <prefix>:<object>:<property> 频道。
type RedisSink struct {
	client redisPublisher
	prefix string
}

// NewRedisSink 连接 Redis 并验证可用性。
func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisSink(client, cfg.ChannelPrefix), nil
}

func newRedisSink(client redisPublisher, prefix string) *RedisSink {
	if prefix == "" {
		prefix = "mediad"
	}
	return &RedisSink{client: client, prefix: prefix}
}

// Name 实现 Sink。
func (s *RedisSink) Name() string { return "redis" }

// Channel 返回事件对应的频道名。
func (s *RedisSink) Channel(ev Event) string {
	return s.prefix + ":" + ev.Object + ":" + ev.Property
}

// Publish 实现 Sink。
func (s *RedisSink) Publish(ctx context.Context, ev Event) error {
	payload, err := EncodeEvent(ev)
	if err != nil {
		return fmt.Errorf("编码属性事件失败: %w", err)
	}
	if err := s.client.Publish(ctx, s.Channel(ev), payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布属性失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisSink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
