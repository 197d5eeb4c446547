package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 RabbitMQ 发布参数。
type RabbitMQConfig struct {
	URL      string
	Exchange string
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink 把事件发布到 fanout 交换机，路由键为 <object>.<property>。
type AMQPSink struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
}

// NewAMQPSink 连接 RabbitMQ 并声明交换机。
func NewAMQPSink(cfg RabbitMQConfig) (*AMQPSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "mediad.properties"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
	}
	return &AMQPSink{conn: conn, ch: ch, exchange: exchange}, nil
}

// Name 实现 Sink。
func (s *AMQPSink) Name() string { return "rabbitmq" }

// Publish 实现 Sink。
func (s *AMQPSink) Publish(ctx context.Context, ev Event) error {
	if s == nil || s.ch == nil {
		return errors.New("RabbitMQ 发布器未初始化")
	}
	body, err := EncodeEvent(ev)
	if err != nil {
		return fmt.Errorf("编码属性事件失败: %w", err)
	}
	return s.ch.PublishWithContext(ctx, s.exchange, ev.Object+"."+ev.Property, false, false, amqp.Publishing{
		ContentType: "application/cbor",
		Timestamp:   time.UnixMilli(ev.At),
		Type:        ev.Property,
		Body:        body,
	})
}

// Close 关闭 RabbitMQ 连接。
func (s *AMQPSink) Close() error {
	if s == nil {
		return nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
