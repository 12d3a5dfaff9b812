package queue

import (
	"context"

	rd "github.com/redis/go-redis/v9"
)

// Outbox 事件先写入 Redis Stream，再由 Relay 异步投递 Kafka。
type Outbox struct {
	rdb    *rd.Client
	stream string
	maxLen int64
}

func NewOutbox(rdb *rd.Client, stream string) *Outbox {
	return &Outbox{rdb: rdb, stream: stream, maxLen: 100000}
}

// Publish XADD 一条事件，stream 近似裁剪到 maxLen。
func (o *Outbox) Publish(ctx context.Context, msg PaymentMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	return o.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: o.stream,
		MaxLen: o.maxLen,
		Approx: true,
		Values: msg.streamValues(),
	}).Err()
}
