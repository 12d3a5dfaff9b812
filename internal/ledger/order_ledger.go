package ledger

import (
	"context"
	"errors"
	"time"

	"checkout_pay/internal/errs"
	"checkout_pay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrIllegalTransition 状态机不允许的流转。
var ErrIllegalTransition = errors.New("illegal order status transition")

// OrderLedger 订单聚合与状态机持久化。
type OrderLedger struct {
	db *gorm.DB
}

// Create orderNo 冲突时返回 Validation。
func (l *OrderLedger) Create(ctx context.Context, o *model.Order) error {
	if err := l.db.WithContext(ctx).Create(o).Error; err != nil {
		if isUniqueViolation(err) {
			return errs.Wrap(errs.KindValidation, "order number already exists", err)
		}
		return errs.Internal("create order", err)
	}
	return nil
}

// Get 按订单号查询。
func (l *OrderLedger) Get(ctx context.Context, orderNo string) (*model.Order, error) {
	return l.get(l.db.WithContext(ctx), orderNo)
}

// GetForUpdate 在事务内行锁读取订单（sqlite 下忽略锁子句，靠单连接串行）。
func (l *OrderLedger) GetForUpdate(ctx context.Context, orderNo string) (*model.Order, error) {
	return l.get(l.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), orderNo)
}

func (l *OrderLedger) get(q *gorm.DB, orderNo string) (*model.Order, error) {
	var o model.Order
	if err := q.Where("order_no = ?", orderNo).First(&o).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("order not found")
		}
		return nil, errs.Internal("load order", err)
	}
	return &o, nil
}

// ListByUser 用户订单，新单在前。
func (l *OrderLedger) ListByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	var list []model.Order
	if err := l.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC, id DESC").Find(&list).Error; err != nil {
		return nil, errs.Internal("list orders", err)
	}
	return list, nil
}

// Transition 以当前状态为条件更新，返回是否真正发生变化。
// COMPLETED -> COMPLETED 为空操作；其余非法流转返回 ErrIllegalTransition。
// 并发下条件更新未命中说明状态已被他人修改，返回 IdempotencyConflict。
func (l *OrderLedger) Transition(ctx context.Context, o *model.Order, to model.OrderStatus, at time.Time) (bool, error) {
	from := o.Status
	if from == to && to == model.OrderCompleted {
		return false, nil
	}
	if !model.CanTransition(from, to) {
		return false, errs.Wrap(errs.KindValidation, string(from)+" -> "+string(to), ErrIllegalTransition)
	}
	return l.apply(ctx, o, to, at)
}

// DeriveCancelled 根据流水合计推导 CANCELLED：有效扣款为 0 且存在退款时成立。
func (l *OrderLedger) DeriveCancelled(ctx context.Context, o *model.Order, events []model.PaymentEvent, at time.Time) (bool, error) {
	if o.Status != model.OrderCompleted {
		return false, nil
	}
	if ActiveAmount(events) != 0 || RefundedAmount(events) == 0 {
		return false, nil
	}
	return l.apply(ctx, o, model.OrderCancelled, at)
}

func (l *OrderLedger) apply(ctx context.Context, o *model.Order, to model.OrderStatus, at time.Time) (bool, error) {
	updates := map[string]any{"status": to, "updated_at": at}
	if to == model.OrderApproved && o.ApprovedAt == nil {
		updates["approved_at"] = at
	}
	res := l.db.WithContext(ctx).Model(&model.Order{}).
		Where("order_no = ? AND status = ?", o.OrderNo, o.Status).
		Updates(updates)
	if res.Error != nil {
		return false, errs.Internal("update order status", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, errs.New(errs.KindIdempotencyConflict, "order status changed concurrently")
	}
	o.Status = to
	o.UpdatedAt = at
	if v, ok := updates["approved_at"]; ok {
		t := v.(time.Time)
		o.ApprovedAt = &t
	}
	return true, nil
}
