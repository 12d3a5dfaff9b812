package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer Kafka 写入器。支付事件 topic 与回调 topic 各用一个实例。
type Producer struct {
	w *kafka.Writer
}

// NewProducer 可靠性参数：
// - Hash + Key: 同一订单的消息落到同一分区，单订单有序。
// - RequireAll: 等待 ISR 副本确认。
func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  5,
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  5 * time.Second,
			BatchTimeout: 20 * time.Millisecond,
		},
	}
}

func (p *Producer) Close() error { return p.w.Close() }

// Publish 同步写入一条支付事件，event_id 放在 header 中供下游去重。
func (p *Producer) Publish(ctx context.Context, msg PaymentMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	return p.write(ctx, msg.OrderNo, msg,
		kafka.Header{Key: "event_id", Value: []byte(msg.EventID)},
		kafka.Header{Key: "type", Value: []byte(msg.Type)})
}

// PublishCallback 网关回调原文转发到回调 topic，由 Consumer 异步对账。
func (p *Producer) PublishCallback(ctx context.Context, orderNo string, msg CallbackMessage) error {
	if orderNo == "" {
		return errors.New("callback order number is empty")
	}
	if len(msg.Fields) == 0 {
		return errors.New("callback fields are empty")
	}
	return p.write(ctx, orderNo, msg, kafka.Header{Key: "provider", Value: []byte(msg.Provider)})
}

func (p *Producer) write(ctx context.Context, key string, v any, headers ...kafka.Header) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return p.w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b, Headers: headers})
}
