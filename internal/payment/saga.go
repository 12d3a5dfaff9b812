package payment

import (
	"context"

	"checkout_pay/internal/errs"
	"checkout_pay/internal/gateway"
	"checkout_pay/internal/ledger"
	"checkout_pay/internal/model"
	"checkout_pay/internal/queue"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type NetworkCancelRequest struct {
	OrderNo  string
	Reason   string
	ClientIP string
}

type NetworkCancelResult struct {
	OrderNo         string            `json:"order_no"`
	SagaID          string            `json:"saga_id"`
	Step            model.SagaStep    `json:"step"`
	OrderStatus     model.OrderStatus `json:"order_status"`
	CancelledAmount int64             `json:"cancelled_amount"`
	ResultCode      string            `json:"result_code,omitempty"`
	Message         string            `json:"message,omitempty"`
	Resumed         bool              `json:"resumed,omitempty"`
}

// NetworkCancel 对已完成的卡扣款发起网络取消。
//
// 步骤逐个提交：网关确认 -> 原事件 CANCELLED -> 追加 NETWORK_CANCEL -> 订单 NETWORK_CANCELLED。
// 中途崩溃后再次调用会从最后提交的步骤继续，网关确认之后的步骤不再调用网关。
// 积分抵扣与奖励积分不在此处理。
func (s *Service) NetworkCancel(ctx context.Context, req NetworkCancelRequest) (NetworkCancelResult, error) {
	if req.OrderNo == "" {
		return NetworkCancelResult{}, errs.Validation("order_no is required")
	}
	unlock, err := s.locker.Lock(ctx, req.OrderNo)
	if err != nil {
		return NetworkCancelResult{}, errs.Wrap(errs.KindIdempotencyConflict, "order is being processed", err)
	}
	defer unlock()

	saga, found, err := s.store.Sagas.Resumable(ctx, req.OrderNo)
	if err != nil {
		return NetworkCancelResult{}, err
	}
	resumed := found
	if !found {
		saga, err = s.startSaga(ctx, req)
		if err != nil {
			return NetworkCancelResult{}, err
		}
	}

	log := s.log.With(zap.String("order_no", req.OrderNo), zap.String("saga_id", saga.SagaID))
	if resumed {
		log.Info("resuming network cancel", zap.String("step", string(saga.Step)))
	}
	res, err := s.runSaga(ctx, &saga, log)
	res.Resumed = resumed
	return res, err
}

// startSaga 校验前置条件并落 STARTED 记录。条件不满足时不写任何数据。
func (s *Service) startSaga(ctx context.Context, req NetworkCancelRequest) (model.NetworkCancelSaga, error) {
	order, err := s.store.Orders.Get(ctx, req.OrderNo)
	if err != nil {
		return model.NetworkCancelSaga{}, err
	}
	if order.Status == model.OrderNetworkCancelled {
		return model.NetworkCancelSaga{}, errs.SagaPrecondition("order already network cancelled")
	}
	if order.Status != model.OrderCompleted {
		return model.NetworkCancelSaga{}, errs.SagaPrecondition("order is not completed: " + string(order.Status))
	}
	ev, found, err := s.store.Payments.LatestCompletedCard(ctx, req.OrderNo)
	if err != nil {
		return model.NetworkCancelSaga{}, err
	}
	if !found {
		return model.NetworkCancelSaga{}, errs.SagaPrecondition("no completed card payment to cancel")
	}
	a, err := s.gateways.Get(ev.Provider)
	if err != nil {
		return model.NetworkCancelSaga{}, errs.Wrap(errs.KindSagaPrecondition, "unsupported provider", err)
	}
	if !a.CancelCredentialsPresent(ev.CompensationURL, ev.CompensationToken) {
		s.log.Warn("network cancel without compensation credentials",
			zap.String("order_no", req.OrderNo),
			zap.String("provider", string(ev.Provider)))
		return model.NetworkCancelSaga{}, errs.SagaPrecondition("compensation credentials missing")
	}

	saga := model.NetworkCancelSaga{
		SagaID:         uuid.NewString(),
		OrderNo:        req.OrderNo,
		PaymentEventID: ev.ID,
		Amount:         ev.Amount,
		Step:           model.SagaStarted,
		Reason:         truncate(req.Reason, 255),
		ClientIP:       req.ClientIP,
	}
	if err := s.store.Sagas.Create(ctx, &saga); err != nil {
		return model.NetworkCancelSaga{}, err
	}
	return saga, nil
}

func (s *Service) runSaga(ctx context.Context, saga *model.NetworkCancelSaga, log *zap.Logger) (NetworkCancelResult, error) {
	res := NetworkCancelResult{OrderNo: saga.OrderNo, SagaID: saga.SagaID}
	for saga.Resumable() {
		var err error
		switch saga.Step {
		case model.SagaStarted:
			err = s.sagaCallGateway(ctx, saga, log)
		case model.SagaGatewayConfirmed:
			err = s.sagaStep(ctx, saga, model.SagaEventCancelled, func(tx *ledger.Store) error {
				ev, err := tx.Payments.Get(ctx, saga.PaymentEventID)
				if err != nil {
					return err
				}
				return tx.Payments.UpdateStatus(ctx, &ev, model.PaymentCompleted, model.PaymentCancelled, saga.Reason)
			})
		case model.SagaEventCancelled:
			err = s.sagaStep(ctx, saga, model.SagaCompensationAppended, func(tx *ledger.Store) error {
				orig, err := tx.Payments.Get(ctx, saga.PaymentEventID)
				if err != nil {
					return err
				}
				now := s.now()
				return tx.Payments.Append(ctx, &model.PaymentEvent{
					OrderNo:       orig.OrderNo,
					UserID:        orig.UserID,
					TransactionID: orig.TransactionID,
					Amount:        -saga.Amount,
					Status:        model.PaymentCompleted,
					Type:          model.PaymentNetworkCancel,
					Provider:      orig.Provider,
					ResultCode:    saga.ResultCode,
					ResultMessage: "network cancelled",
					PaymentDate:   now,
					ApprovedAt:    &now,
					Reason:        saga.Reason,
				})
			})
		case model.SagaCompensationAppended:
			err = s.sagaStep(ctx, saga, model.SagaDone, func(tx *ledger.Store) error {
				order, err := tx.Orders.GetForUpdate(ctx, saga.OrderNo)
				if err != nil {
					return err
				}
				_, err = tx.Orders.Transition(ctx, order, model.OrderNetworkCancelled, s.now())
				return err
			})
		default:
			err = errs.Internal("unknown saga step "+string(saga.Step), nil)
		}
		if err != nil {
			s.recordFailure(ctx, "", saga.OrderNo, "NETWORK_CANCEL_"+string(saga.Step), err)
			res.Step = saga.Step
			res.ResultCode = saga.ResultCode
			res.Message = saga.LastError
			return res, err
		}
		log.Info("network cancel step committed", zap.String("step", string(saga.Step)))
	}

	res.Step = saga.Step
	res.ResultCode = saga.ResultCode
	order, err := s.store.Orders.Get(ctx, saga.OrderNo)
	if err != nil {
		return res, err
	}
	res.OrderStatus = order.Status
	if saga.Step == model.SagaDone {
		res.CancelledAmount = saga.Amount
		res.Message = "network cancelled"
		s.publish(ctx, queue.EventOrderNetworkCancelled, order, -saga.Amount, "", false)
	}
	return res, nil
}

// sagaCallGateway 唯一调用网关的步骤。显式拒绝终止补偿；结果不明时停在 STARTED 等待人工重试。
func (s *Service) sagaCallGateway(ctx context.Context, saga *model.NetworkCancelSaga, log *zap.Logger) error {
	ev, err := s.store.Payments.Get(ctx, saga.PaymentEventID)
	if err != nil {
		return err
	}
	a, err := s.gateways.Get(ev.Provider)
	if err != nil {
		return errs.Wrap(errs.KindSagaPrecondition, "unsupported provider", err)
	}
	out := a.NetworkCancel(ctx, gateway.CancelRequest{
		OrderNo:       saga.OrderNo,
		TransactionID: ev.TID(),
		Amount:        saga.Amount,
		URL:           ev.CompensationURL,
		Token:         ev.CompensationToken,
		Reason:        saga.Reason,
		ClientIP:      saga.ClientIP,
	})

	switch {
	case out.Approved():
		return s.store.Sagas.Advance(ctx, saga, model.SagaGatewayConfirmed, map[string]any{
			"result_code": out.ResultCode,
			"last_error":  "",
		})
	case out.Ambiguous():
		log.Warn("network cancel outcome unknown", zap.String("outcome", out.Summary()))
		if err := s.store.Sagas.Advance(ctx, saga, model.SagaStarted, map[string]any{
			"last_error": truncate(out.Summary(), 1024),
		}); err != nil {
			return err
		}
		return errs.New(errs.KindGatewayTransport, "network cancel result unknown, retry later")
	default:
		log.Warn("network cancel rejected", zap.String("outcome", out.Summary()))
		if err := s.store.Sagas.Advance(ctx, saga, model.SagaAborted, map[string]any{
			"result_code": out.ResultCode,
			"last_error":  truncate(out.Summary(), 1024),
		}); err != nil {
			return err
		}
		return errs.New(errs.KindGatewayRejected, "network cancel rejected: "+out.ResultCode+" "+out.ResultMessage)
	}
}

// sagaStep 本地步骤与进度推进在同一事务内提交。
func (s *Service) sagaStep(ctx context.Context, saga *model.NetworkCancelSaga, to model.SagaStep, fn func(tx *ledger.Store) error) error {
	next := *saga
	err := s.store.Tx(ctx, func(tx *ledger.Store) error {
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Sagas.Advance(ctx, &next, to, nil)
	})
	if err != nil {
		return err
	}
	*saga = next
	return nil
}

// SagaHistory 运维排查用。
func (s *Service) SagaHistory(ctx context.Context, orderNo string) ([]model.NetworkCancelSaga, error) {
	return s.store.Sagas.ListByOrder(ctx, orderNo)
}
