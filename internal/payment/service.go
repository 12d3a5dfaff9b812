// Package payment 结账、回调对账、退款与网络取消补偿。
//
// 所有对同一订单的写操作先取订单锁，再以数据库条件更新兜底；
// 网关调用一律在事务之外进行，事务只负责落账。
package payment

import (
	"context"
	"time"

	"checkout_pay/internal/errs"
	"checkout_pay/internal/gateway"
	"checkout_pay/internal/ledger"
	"checkout_pay/internal/model"
	"checkout_pay/internal/queue"
	rediskey "checkout_pay/pkg/redis"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Locker 订单级互斥，pkg/redis.OrderLocker 实现。
type Locker interface {
	Lock(ctx context.Context, orderNo string) (func(), error)
}

// ReplayCache 已处理回调的结果缓存。
type ReplayCache interface {
	Get(ctx context.Context, fingerprint string) (rediskey.CallbackState, bool, error)
	Put(ctx context.Context, st rediskey.CallbackState) error
}

// EventPublisher 订单状态变更事件出口（Redis Stream outbox）。
type EventPublisher interface {
	Publish(ctx context.Context, msg queue.PaymentMessage) error
}

// AuditRecorder 入站回调原文与本地落账失败的审计。
type AuditRecorder interface {
	Callback(ctx context.Context, cb gateway.Callback)
	LedgerFailure(ctx context.Context, provider model.Provider, orderNo, op string, err error)
}

// Deps 可选依赖为 nil 时使用空实现。
type Deps struct {
	Store    *ledger.Store
	Gateways gateway.Registry
	Locker   Locker
	Replay   ReplayCache
	Events   EventPublisher
	Audit    AuditRecorder
	Log      *zap.Logger
	Now      func() time.Time

	// LegacyAssumeCaptured 承认调用传输失败时按已扣款处理（标记 assumed，等待网络取消核实）
	LegacyAssumeCaptured bool
}

type Service struct {
	store    *ledger.Store
	gateways gateway.Registry
	locker   Locker
	replay   ReplayCache
	events   EventPublisher
	audit    AuditRecorder
	log      *zap.Logger
	now      func() time.Time

	legacyAssumeCaptured bool
}

func NewService(d Deps) *Service {
	s := &Service{
		store:                d.Store,
		gateways:             d.Gateways,
		locker:               d.Locker,
		replay:               d.Replay,
		events:               d.Events,
		audit:                d.Audit,
		log:                  d.Log,
		now:                  d.Now,
		legacyAssumeCaptured: d.LegacyAssumeCaptured,
	}
	if s.locker == nil {
		s.locker = nopLocker{}
	}
	if s.replay == nil {
		s.replay = nopReplay{}
	}
	if s.events == nil {
		s.events = nopEvents{}
	}
	if s.audit == nil {
		s.audit = nopAudit{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

type nopLocker struct{}

func (nopLocker) Lock(context.Context, string) (func(), error) { return func() {}, nil }

type nopReplay struct{}

func (nopReplay) Get(context.Context, string) (rediskey.CallbackState, bool, error) {
	return rediskey.CallbackState{}, false, nil
}
func (nopReplay) Put(context.Context, rediskey.CallbackState) error { return nil }

type nopEvents struct{}

func (nopEvents) Publish(context.Context, queue.PaymentMessage) error { return nil }

type nopAudit struct{}

func (nopAudit) Callback(context.Context, gateway.Callback) {}
func (nopAudit) LedgerFailure(context.Context, model.Provider, string, string, error) {}

// recordFailure 存储故障与并发冲突写审计；业务校验类错误没有发生写入，不记录。
func (s *Service) recordFailure(ctx context.Context, provider model.Provider, orderNo, op string, err error) {
	switch errs.KindOf(err) {
	case errs.KindInternal, errs.KindIdempotencyConflict:
		s.audit.LedgerFailure(ctx, provider, orderNo, op, err)
	}
}

// BonusPoints 支付完成奖励积分：max(1, floor(total/100))。
func BonusPoints(totalAmount int64) int64 {
	if b := totalAmount / 100; b > 1 {
		return b
	}
	return 1
}

// publish 事务提交之后调用；失败只记日志，不回滚已落账的结果。
func (s *Service) publish(ctx context.Context, typ string, o *model.Order, amount int64, tid string, assumed bool) {
	msg := queue.PaymentMessage{
		EventID:       uuid.NewString(),
		Type:          typ,
		OrderNo:       o.OrderNo,
		UserID:        o.UserID,
		Status:        string(o.Status),
		Amount:        amount,
		TransactionID: tid,
		Assumed:       assumed,
		OccurredAt:    s.now().UnixMilli(),
	}
	if err := s.events.Publish(ctx, msg); err != nil {
		s.log.Warn("publish payment event failed",
			zap.String("order_no", o.OrderNo),
			zap.String("type", typ),
			zap.Error(err))
	}
}
