package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"checkout_pay/internal/errs"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// CallbackMessage 网关回调经 Kafka 异步投递时的消息体。
type CallbackMessage struct {
	Provider string         `json:"provider"`
	Fields   map[string]any `json:"fields"`
}

// CallbackHandler 回调对账入口。
type CallbackHandler interface {
	HandleCallback(ctx context.Context, provider string, fields map[string]any) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer 消费网关回调 topic。
// offset 只在处理有结论后提交：网关结果未知、订单锁忙等可重试错误按指数退避重试，
// 其余错误（验签失败、脏消息）记日志后提交。
type Consumer struct {
	r       messageReader
	handler CallbackHandler
	log     *zap.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewConsumer(brokers []string, topic, groupID string, handler CallbackHandler, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		handler:    handler,
		log:        log.Named("callback_consumer"),
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			return // ctx cancel / 连接断开等
		}
		if !c.process(ctx, m) {
			return // 未提交，重启后重投
		}
		if err := c.r.CommitMessages(ctx, m); err != nil {
			c.log.Warn("commit callback offset", zap.Int64("offset", m.Offset), zap.Error(err))
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// process 处理到有结论为止。返回 false 表示 ctx 已取消，消息不应提交。
func (c *Consumer) process(ctx context.Context, m kafka.Message) bool {
	wait := c.minBackoff
	for attempt := 1; ; attempt++ {
		err := c.handle(ctx, m.Value)
		if err == nil {
			return true
		}
		if !errs.Retryable(err) {
			c.log.Warn("callback reconcile failed, dropped", zap.Int64("offset", m.Offset), zap.Error(err))
			return true
		}
		c.log.Warn("callback reconcile, retrying",
			zap.Int64("offset", m.Offset),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
		if wait *= 2; wait > c.maxBackoff {
			wait = c.maxBackoff
		}
	}
}

// handle 脏消息记日志后丢弃，返回 nil。
func (c *Consumer) handle(ctx context.Context, value []byte) error {
	msg, err := DecodeCallbackMessage(value)
	if err != nil {
		c.log.Warn("callback unmarshal", zap.Error(err))
		return nil
	}
	return c.handler.HandleCallback(ctx, msg.Provider, msg.Fields)
}

// DecodeCallbackMessage 数字按 json.Number 保留原文，避免金额精度问题。
func DecodeCallbackMessage(value []byte) (CallbackMessage, error) {
	var msg CallbackMessage
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		return CallbackMessage{}, err
	}
	if len(msg.Fields) == 0 {
		return CallbackMessage{}, errors.New("callback fields are empty")
	}
	return msg, nil
}
