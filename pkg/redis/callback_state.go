package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// CallbackState 已处理回调的结果快照，重复回调直接返回。
type CallbackState struct {
	Fingerprint string
	OrderNo     string
	Status      string
	TID         string
	Amount      int64
	Message     string
}

// CallbackFingerprint provider + 订单号 + 交易号 + 结果码 确定一次回调。
func CallbackFingerprint(provider, orderNo, tid, resultCode string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{provider, orderNo, tid, resultCode}, "|")))
	return hex.EncodeToString(sum[:16])
}

// GetCallbackState found=false 表示指纹未出现过或已过期。
func GetCallbackState(ctx context.Context, rdb *rd.Client, fingerprint string) (CallbackState, bool, error) {
	m, err := rdb.HGetAll(ctx, CallbackReplayKey(fingerprint)).Result()
	if err != nil {
		return CallbackState{}, false, err
	}
	if len(m) == 0 || m["status"] == "" {
		return CallbackState{}, false, nil
	}
	amount, _ := strconv.ParseInt(m["amount"], 10, 64)
	return CallbackState{
		Fingerprint: fingerprint,
		OrderNo:     m["order_no"],
		Status:      m["status"],
		TID:         m["tid"],
		Amount:      amount,
		Message:     m["message"],
	}, true, nil
}

// PutCallbackState 写入结果并刷新 TTL。
func PutCallbackState(ctx context.Context, rdb *rd.Client, st CallbackState, ttl time.Duration) error {
	key := CallbackReplayKey(st.Fingerprint)
	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"order_no", st.OrderNo,
		"status", st.Status,
		"tid", st.TID,
		"amount", st.Amount,
		"message", st.Message,
	)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// ReplayStore 绑定客户端与 TTL 的回调结果缓存。
type ReplayStore struct {
	rdb *rd.Client
	ttl time.Duration
}

func NewReplayStore(rdb *rd.Client, ttl time.Duration) *ReplayStore {
	return &ReplayStore{rdb: rdb, ttl: ttl}
}

func (s *ReplayStore) Get(ctx context.Context, fingerprint string) (CallbackState, bool, error) {
	return GetCallbackState(ctx, s.rdb, fingerprint)
}

func (s *ReplayStore) Put(ctx context.Context, st CallbackState) error {
	return PutCallbackState(ctx, s.rdb, st, s.ttl)
}
