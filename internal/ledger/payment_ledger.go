package ledger

import (
	"context"
	"errors"
	"strings"

	"checkout_pay/internal/errs"
	"checkout_pay/internal/model"

	"gorm.io/gorm"
)

// PaymentLedger 支付流水，追加为主；仅开放状态的事件允许更新状态字段。
type PaymentLedger struct {
	db *gorm.DB
}

const newestFirst = "payment_date DESC, id DESC"

// Append 纯插入。
func (l *PaymentLedger) Append(ctx context.Context, ev *model.PaymentEvent) error {
	if err := l.db.WithContext(ctx).Create(ev).Error; err != nil {
		return errs.Internal("append payment event", err)
	}
	return nil
}

// LatestByOrder 订单最近一条流水。found=false 表示没有流水。
func (l *PaymentLedger) LatestByOrder(ctx context.Context, orderNo string) (model.PaymentEvent, bool, error) {
	return l.first(l.db.WithContext(ctx).Where("order_no = ?", orderNo))
}

// LatestOpen 订单最近一条仍在途的指定类型流水，对账 upsert 的幂等键。
func (l *PaymentLedger) LatestOpen(ctx context.Context, orderNo string, typ model.PaymentType) (model.PaymentEvent, bool, error) {
	return l.first(l.db.WithContext(ctx).
		Where("order_no = ? AND type = ? AND status IN ?", orderNo, typ,
			[]model.PaymentStatus{model.PaymentPending, model.PaymentApproved}))
}

// FindByTransactionID 回调重放时的去重查询。
func (l *PaymentLedger) FindByTransactionID(ctx context.Context, orderNo, tid string) (model.PaymentEvent, bool, error) {
	return l.first(l.db.WithContext(ctx).Where("order_no = ? AND transaction_id = ?", orderNo, tid))
}

// LatestCompletedByTransactionID 按交易号退款的候选：该交易号最近一条已完成扣款。
func (l *PaymentLedger) LatestCompletedByTransactionID(ctx context.Context, tid string) (model.PaymentEvent, bool, error) {
	return l.first(l.db.WithContext(ctx).
		Where("transaction_id = ? AND status = ? AND amount > 0", tid, model.PaymentCompleted))
}

// LatestCompletedCard 网络取消的候选：最近一条已完成的卡扣款。
func (l *PaymentLedger) LatestCompletedCard(ctx context.Context, orderNo string) (model.PaymentEvent, bool, error) {
	return l.first(l.db.WithContext(ctx).
		Where("order_no = ? AND type = ? AND status = ? AND amount > 0", orderNo, model.PaymentCard, model.PaymentCompleted))
}

// Get 按主键读取。
func (l *PaymentLedger) Get(ctx context.Context, id uint) (model.PaymentEvent, error) {
	var ev model.PaymentEvent
	if err := l.db.WithContext(ctx).First(&ev, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.PaymentEvent{}, errs.NotFound("payment event not found")
		}
		return model.PaymentEvent{}, errs.Internal("load payment event", err)
	}
	return ev, nil
}

// ListByOrder 订单全部流水（未过滤），新的在前。
func (l *PaymentLedger) ListByOrder(ctx context.Context, orderNo string) ([]model.PaymentEvent, error) {
	var list []model.PaymentEvent
	if err := l.db.WithContext(ctx).Where("order_no = ?", orderNo).Order(newestFirst).Find(&list).Error; err != nil {
		return nil, errs.Internal("list payment events", err)
	}
	return list, nil
}

// ListByOrders 批量读取，按订单号分组。
func (l *PaymentLedger) ListByOrders(ctx context.Context, orderNos []string) (map[string][]model.PaymentEvent, error) {
	out := make(map[string][]model.PaymentEvent, len(orderNos))
	if len(orderNos) == 0 {
		return out, nil
	}
	var list []model.PaymentEvent
	if err := l.db.WithContext(ctx).Where("order_no IN ?", orderNos).Order(newestFirst).Find(&list).Error; err != nil {
		return nil, errs.Internal("list payment events", err)
	}
	for _, ev := range list {
		out[ev.OrderNo] = append(out[ev.OrderNo], ev)
	}
	return out, nil
}

// UpdateOpen 更新在途事件的对账字段；事件已终结时返回 IdempotencyConflict。
func (l *PaymentLedger) UpdateOpen(ctx context.Context, ev *model.PaymentEvent, fields map[string]any) error {
	res := l.db.WithContext(ctx).Model(&model.PaymentEvent{}).
		Where("id = ? AND status IN ?", ev.ID, []model.PaymentStatus{model.PaymentPending, model.PaymentApproved}).
		Updates(fields)
	if res.Error != nil {
		return errs.Internal("update payment event", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.New(errs.KindIdempotencyConflict, "payment event already finalized")
	}
	return l.reload(ctx, ev)
}

// UpdateStatus 以原状态为条件修改状态，金额不动。
func (l *PaymentLedger) UpdateStatus(ctx context.Context, ev *model.PaymentEvent, from, to model.PaymentStatus, reason string) error {
	fields := map[string]any{"status": to}
	if reason != "" {
		fields["reason"] = reason
	}
	res := l.db.WithContext(ctx).Model(&model.PaymentEvent{}).
		Where("id = ? AND status = ?", ev.ID, from).
		Updates(fields)
	if res.Error != nil {
		return errs.Internal("update payment status", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.New(errs.KindIdempotencyConflict, "payment event status changed concurrently")
	}
	return l.reload(ctx, ev)
}

func (l *PaymentLedger) reload(ctx context.Context, ev *model.PaymentEvent) error {
	if err := l.db.WithContext(ctx).First(ev, ev.ID).Error; err != nil {
		return errs.Internal("reload payment event", err)
	}
	return nil
}

func (l *PaymentLedger) first(q *gorm.DB) (model.PaymentEvent, bool, error) {
	var ev model.PaymentEvent
	err := q.Order(newestFirst).Take(&ev).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.PaymentEvent{}, false, nil
		}
		return model.PaymentEvent{}, false, errs.Internal("query payment event", err)
	}
	return ev, true, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique") || strings.Contains(s, "duplicate key")
}
