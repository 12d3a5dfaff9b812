package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// OnceDone 一次性动作是否已执行完成。
func OnceDone(ctx context.Context, rdb *rd.Client, action, id string) (bool, error) {
	n, err := rdb.Exists(ctx, OnceKey(action, id)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkOnce 动作成功后写完成标记。必须在动作之后调用：
// 先标记后执行时，进程在两步之间退出会让动作被永久跳过。
func MarkOnce(ctx context.Context, rdb *rd.Client, action, id string, ttl time.Duration) error {
	return rdb.Set(ctx, OnceKey(action, id), "1", ttl).Err()
}
