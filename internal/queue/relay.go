package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	rediskey "checkout_pay/pkg/redis"

	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher 事件最终出口，Kafka Producer 实现。
type Publisher interface {
	Publish(ctx context.Context, msg PaymentMessage) error
}

// publishedTTL 已发布标记的保留时间，覆盖 pending 消息的最长重试窗口。
const publishedTTL = 24 * time.Hour

// Relay 将 Redis Stream 事件异步转发到 Kafka。
// 语义：发布 Kafka 成功后才 ACK Stream，失败则保留消息等待重试。
// 发布成功后按 EventID 写已发布标记；ACK 失败时消息会被再次读取，据标记跳过重复发布。
type Relay struct {
	rdb       *rd.Client
	publisher Publisher
	log       *zap.Logger

	stream   string
	group    string
	consumer string
}

func NewRelay(rdb *rd.Client, publisher Publisher, stream, group, consumer string, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		rdb:       rdb,
		publisher: publisher,
		log:       log.Named("relay"),
		stream:    stream,
		group:     group,
		consumer:  consumer,
	}
}

func (r *Relay) Run(ctx context.Context) {
	if err := r.ensureGroup(ctx); err != nil {
		r.log.Error("ensure group", zap.Error(err))
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.drain(ctx, 2*time.Second); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			r.log.Warn("relay drain", zap.Error(err))
			time.Sleep(300 * time.Millisecond)
		}
	}
}

// drain 先处理本消费者历史 pending，没有 pending 时再读新消息。返回成功转发的条数。
func (r *Relay) drain(ctx context.Context, block time.Duration) (int, error) {
	msgs, err := r.readGroup(ctx, "0", -1)
	if err != nil {
		return 0, fmt.Errorf("read pending: %w", err)
	}
	if len(msgs) == 0 {
		msgs, err = r.readGroup(ctx, ">", block)
		if err != nil {
			return 0, fmt.Errorf("read new: %w", err)
		}
	}

	n := 0
	for _, xm := range msgs {
		if err := r.processOne(ctx, xm); err != nil {
			// 发布失败不 ACK，消息会继续保留用于重试。
			r.log.Warn("relay process message", zap.String("id", xm.ID), zap.Error(err))
			time.Sleep(200 * time.Millisecond)
			break
		}
		n++
	}
	return n, nil
}

func (r *Relay) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (r *Relay) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	streams, err := r.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, streamID},
		Count:    16,
		Block:    block,
		NoAck:    false,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, 16)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (r *Relay) processOne(ctx context.Context, xm rd.XMessage) error {
	msg, err := parsePaymentEvent(xm.Values)
	if err != nil {
		// 脏消息直接 ACK 丢弃，避免阻塞队列。
		r.log.Warn("drop malformed stream entry", zap.String("id", xm.ID), zap.Error(err))
		if ackErr := r.ackAndDelete(ctx, xm.ID); ackErr != nil {
			return fmt.Errorf("parse failed: %v, ack failed: %w", err, ackErr)
		}
		return nil
	}

	done, err := rediskey.OnceDone(ctx, r.rdb, "relay", msg.EventID)
	if err != nil {
		return fmt.Errorf("check published: %w", err)
	}
	if done {
		r.log.Info("skip already published event", zap.String("id", xm.ID), zap.String("event_id", msg.EventID))
		return r.ackAndDelete(ctx, xm.ID)
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.publisher.Publish(pubCtx, msg); err != nil {
		return err
	}
	// 标记失败仍然 ACK：事件已发出，下游按 event_id header 去重。
	if err := rediskey.MarkOnce(ctx, r.rdb, "relay", msg.EventID, publishedTTL); err != nil {
		r.log.Warn("mark event published", zap.String("event_id", msg.EventID), zap.Error(err))
	}
	return r.ackAndDelete(ctx, xm.ID)
}

func (r *Relay) ackAndDelete(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.XAck(ctx, r.stream, r.group, id)
	pipe.XDel(ctx, r.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}
