package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	rd "github.com/redis/go-redis/v9"
)

// ErrLockBusy 在重试次数内未拿到订单锁。
var ErrLockBusy = errors.New("order lock busy")

// OrderLocker 基于 redsync 的订单级分布式锁。
type OrderLocker struct {
	rs    *redsync.Redsync
	ttl   time.Duration
	tries int
}

func NewOrderLocker(rdb *rd.Client, ttl time.Duration, tries int) *OrderLocker {
	if tries <= 0 {
		tries = 64
	}
	return &OrderLocker{
		rs:    redsync.New(goredis.NewPool(rdb)),
		ttl:   ttl,
		tries: tries,
	}
}

// Lock 返回的 unlock 可重复调用；锁过期后释放失败只忽略。
func (l *OrderLocker) Lock(ctx context.Context, orderNo string) (func(), error) {
	m := l.rs.NewMutex(OrderLockKey(orderNo),
		redsync.WithExpiry(l.ttl),
		redsync.WithTries(l.tries),
		redsync.WithRetryDelay(25*time.Millisecond),
	)
	if err := m.LockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("lock order %s: %w", orderNo, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrLockBusy, orderNo, err)
	}
	var released bool
	return func() {
		if released {
			return
		}
		released = true
		// 使用独立 context，调用方 ctx 取消后仍释放锁
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = m.UnlockContext(ctx)
	}, nil
}
