package payment

import (
	"context"
	"time"

	"checkout_pay/internal/errs"
	"checkout_pay/internal/gateway"
	"checkout_pay/internal/ledger"
	"checkout_pay/internal/model"
	"checkout_pay/internal/queue"

	"go.uber.org/zap"
)

type RefundRequest struct {
	Reason   string
	ClientIP string
}

type RefundResult struct {
	OrderNo        string            `json:"order_no"`
	TransactionID  string            `json:"transaction_id,omitempty"`
	RefundedAmount int64             `json:"refunded_amount"`
	OrderStatus    model.OrderStatus `json:"order_status"`
	ResultCode     string            `json:"result_code,omitempty"`
	Message        string            `json:"message,omitempty"`
}

// RefundByTransactionID 候选为该交易号最近一条已完成扣款，不经过展示投影。
func (s *Service) RefundByTransactionID(ctx context.Context, tid string, req RefundRequest) (RefundResult, error) {
	if tid == "" || model.IsPlaceholderTID(tid) {
		return RefundResult{}, errs.Validation("transaction_id is required")
	}
	ev, found, err := s.store.Payments.LatestCompletedByTransactionID(ctx, tid)
	if err != nil {
		return RefundResult{}, err
	}
	if !found || ev.Type != model.PaymentCard {
		return RefundResult{}, errs.NotFound("no refundable payment for transaction")
	}
	return s.refundCard(ctx, ev, req)
}

// RefundByOrder 候选取展示投影中最新一条已完成卡扣款。
func (s *Service) RefundByOrder(ctx context.Context, orderNo string, req RefundRequest) (RefundResult, error) {
	order, err := s.store.Orders.Get(ctx, orderNo)
	if err != nil {
		return RefundResult{}, err
	}
	if order.Status != model.OrderCompleted {
		return RefundResult{}, errs.Validation("order is not refundable in status " + string(order.Status))
	}
	events, err := s.store.Payments.ListByOrder(ctx, orderNo)
	if err != nil {
		return RefundResult{}, err
	}
	ev, ok := ledger.RefundCandidate(events)
	if !ok {
		return RefundResult{}, errs.Validation("no refundable card payment")
	}
	return s.refundCard(ctx, ev, req)
}

// refundCard 先调网关，成功后在一个事务内：原事件置 REFUNDED、追加 CARD_REFUND、推导 CANCELLED。
func (s *Service) refundCard(ctx context.Context, ev model.PaymentEvent, req RefundRequest) (RefundResult, error) {
	unlock, err := s.locker.Lock(ctx, ev.OrderNo)
	if err != nil {
		return RefundResult{}, errs.Wrap(errs.KindIdempotencyConflict, "order is being processed", err)
	}
	defer unlock()

	order, err := s.store.Orders.Get(ctx, ev.OrderNo)
	if err != nil {
		return RefundResult{}, err
	}
	if order.Status != model.OrderCompleted {
		return RefundResult{}, errs.Validation("order is not refundable in status " + string(order.Status))
	}
	if _, running, err := s.store.Sagas.Resumable(ctx, ev.OrderNo); err != nil {
		return RefundResult{}, err
	} else if running {
		return RefundResult{}, errs.New(errs.KindIdempotencyConflict, "network cancel in progress for order")
	}
	// 锁内重新读取，防止排队期间已被退款
	current, err := s.store.Payments.Get(ctx, ev.ID)
	if err != nil {
		return RefundResult{}, err
	}
	if current.Status != model.PaymentCompleted {
		return RefundResult{}, errs.New(errs.KindIdempotencyConflict, "payment already refunded or cancelled")
	}
	a, err := s.gateways.Get(current.Provider)
	if err != nil {
		return RefundResult{}, errs.Wrap(errs.KindValidation, "unsupported provider", err)
	}

	out := a.Refund(ctx, gateway.RefundRequest{
		OrderNo:       current.OrderNo,
		TransactionID: current.TID(),
		Amount:        current.Amount,
		Reason:        req.Reason,
		ClientIP:      req.ClientIP,
	})
	log := s.log.With(zap.String("order_no", current.OrderNo), zap.String("tid", current.TID()))
	if !out.Approved() {
		log.Warn("gateway refund not approved", zap.String("outcome", out.Summary()))
		if out.Ambiguous() {
			return RefundResult{}, errs.New(errs.KindGatewayTransport, "refund result unknown, check gateway before retrying")
		}
		return RefundResult{}, errs.New(errs.KindGatewayRejected, "refund rejected: "+out.ResultCode+" "+out.ResultMessage)
	}

	now := s.now()
	var cancelled bool
	err = s.store.Tx(ctx, func(tx *ledger.Store) error {
		if err := tx.Payments.UpdateStatus(ctx, &current, model.PaymentCompleted, model.PaymentRefunded, req.Reason); err != nil {
			return err
		}
		refund := &model.PaymentEvent{
			OrderNo:       current.OrderNo,
			UserID:        current.UserID,
			TransactionID: current.TransactionID,
			Amount:        -current.Amount,
			Status:        model.PaymentCompleted,
			Type:          model.PaymentCardRefund,
			Provider:      current.Provider,
			ResultCode:    out.ResultCode,
			ResultMessage: out.ResultMessage,
			PaymentDate:   now,
			ApprovedAt:    &now,
			Reason:        req.Reason,
		}
		if err := tx.Payments.Append(ctx, refund); err != nil {
			return err
		}
		var err error
		order, cancelled, err = deriveCancelled(ctx, tx, current.OrderNo, now)
		return err
	})
	if err != nil {
		// 网关已退款但本地落账失败，需要人工对账
		log.Error("refund approved by gateway but ledger update failed", zap.Error(err))
		s.recordFailure(ctx, current.Provider, current.OrderNo, "CARD_REFUND", err)
		return RefundResult{}, err
	}

	log.Info("card refunded", zap.Int64("amount", current.Amount), zap.Bool("order_cancelled", cancelled))
	s.publish(ctx, queue.EventPaymentRefunded, order, -current.Amount, current.TID(), false)
	if cancelled {
		s.publish(ctx, queue.EventOrderCancelled, order, 0, "", false)
	}
	return RefundResult{
		OrderNo:        current.OrderNo,
		TransactionID:  current.TID(),
		RefundedAmount: current.Amount,
		OrderStatus:    order.Status,
		ResultCode:     out.ResultCode,
		Message:        out.ResultMessage,
	}, nil
}

// RefundPoints 本地积分退款，不经过网关。
func (s *Service) RefundPoints(ctx context.Context, orderNo string, req RefundRequest) (RefundResult, error) {
	unlock, err := s.locker.Lock(ctx, orderNo)
	if err != nil {
		return RefundResult{}, errs.Wrap(errs.KindIdempotencyConflict, "order is being processed", err)
	}
	defer unlock()

	reason := req.Reason
	if reason == "" {
		reason = "points refund"
	}
	now := s.now()
	var order *model.Order
	var restored int64
	var cancelled bool
	err = s.store.Tx(ctx, func(tx *ledger.Store) error {
		var err error
		order, err = tx.Orders.GetForUpdate(ctx, orderNo)
		if err != nil {
			return err
		}
		if order.Status != model.OrderCompleted {
			return errs.Validation("order is not refundable in status " + string(order.Status))
		}
		restored, err = restorePoints(ctx, tx, order, now, reason, model.EntryRefund)
		if err != nil {
			return err
		}
		if restored == 0 {
			return errs.Validation("no refundable points on order")
		}
		order, cancelled, err = deriveCancelled(ctx, tx, orderNo, now)
		return err
	})
	if err != nil {
		s.recordFailure(ctx, model.ProviderPoints, orderNo, "POINT_REFUND", err)
		return RefundResult{}, err
	}

	s.log.Info("points refunded", zap.String("order_no", orderNo), zap.Int64("points", restored), zap.Bool("order_cancelled", cancelled))
	s.publish(ctx, queue.EventPointsRefunded, order, -restored, "", false)
	if cancelled {
		s.publish(ctx, queue.EventOrderCancelled, order, 0, "", false)
	}
	return RefundResult{
		OrderNo:        orderNo,
		RefundedAmount: restored,
		OrderStatus:    order.Status,
		Message:        reason,
	}, nil
}

// deriveCancelled 重新读取订单与全部流水，有效扣款归零时转 CANCELLED。
func deriveCancelled(ctx context.Context, tx *ledger.Store, orderNo string, now time.Time) (*model.Order, bool, error) {
	order, err := tx.Orders.GetForUpdate(ctx, orderNo)
	if err != nil {
		return nil, false, err
	}
	events, err := tx.Payments.ListByOrder(ctx, orderNo)
	if err != nil {
		return nil, false, err
	}
	changed, err := tx.Orders.DeriveCancelled(ctx, order, events, now)
	return order, changed, err
}
