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

	"go.uber.org/zap"
)

// ReconcileResult 对账结论。Replayed 表示重复回调，返回的是首次处理的结果。
type ReconcileResult struct {
	OrderNo          string            `json:"order_no"`
	Status           model.OrderStatus `json:"status"`
	PaymentCompleted bool              `json:"payment_completed"`
	TransactionID    string            `json:"transaction_id,omitempty"`
	Amount           int64             `json:"amount"`
	ResultCode       string            `json:"result_code,omitempty"`
	Message          string            `json:"message,omitempty"`
	BonusPoints      int64             `json:"bonus_points,omitempty"`
	Assumed          bool              `json:"assumed,omitempty"`
	Replayed         bool              `json:"replayed,omitempty"`
}

// HandleCallback 供 Kafka 回调消费者调用。
func (s *Service) HandleCallback(ctx context.Context, provider string, fields map[string]any) error {
	_, err := s.ReconcileCallback(ctx, model.Provider(provider), fields)
	return err
}

// ReconcileCallback 解码、验签、查重放缓存后进入对账。provider 为空时按字段识别。
func (s *Service) ReconcileCallback(ctx context.Context, provider model.Provider, fields map[string]any) (ReconcileResult, error) {
	cb, err := gateway.DecodeCallback(provider, fields, s.now())
	if err != nil {
		return ReconcileResult{}, errs.Wrap(errs.KindValidation, "invalid callback", err)
	}
	s.audit.Callback(ctx, cb)

	a, err := s.gateways.Get(cb.Provider)
	if err != nil {
		return ReconcileResult{}, errs.Wrap(errs.KindValidation, "unsupported provider", err)
	}
	if err := a.VerifyCallback(cb); err != nil {
		s.log.Warn("callback signature rejected",
			zap.String("order_no", cb.OrderNo),
			zap.String("provider", string(cb.Provider)))
		return ReconcileResult{}, errs.Wrap(errs.KindValidation, "callback signature mismatch", err)
	}

	fp := rediskey.CallbackFingerprint(string(cb.Provider), cb.OrderNo, confirmedTID(cb), cb.ResultCode)
	if st, ok, err := s.replay.Get(ctx, fp); err != nil {
		s.log.Warn("replay cache read failed", zap.String("order_no", cb.OrderNo), zap.Error(err))
	} else if ok {
		return ReconcileResult{
			OrderNo:          st.OrderNo,
			Status:           model.OrderStatus(st.Status),
			PaymentCompleted: st.Status == string(model.OrderCompleted),
			TransactionID:    st.TID,
			Amount:           st.Amount,
			ResultCode:       cb.ResultCode,
			Message:          st.Message,
			Replayed:         true,
		}, nil
	}

	res, err := s.Reconcile(ctx, cb)
	if err != nil || res.Status.InFlight() {
		return res, err
	}
	st := rediskey.CallbackState{
		Fingerprint: fp,
		OrderNo:     res.OrderNo,
		Status:      string(res.Status),
		TID:         res.TransactionID,
		Amount:      res.Amount,
		Message:     res.Message,
	}
	if err := s.replay.Put(ctx, st); err != nil {
		s.log.Warn("replay cache write failed", zap.String("order_no", cb.OrderNo), zap.Error(err))
	}
	return res, nil
}

type absorbPlan struct {
	eventID    uint
	tid        string // 在途事件已绑定的真实交易号，优先于本次回调
	amount     int64
	authorized bool
	capture    bool
	settled    *ReconcileResult
}

type settleKind int

const (
	settleComplete settleKind = iota + 1
	settleFail
	settlePending
)

type settlement struct {
	kind      settleKind
	tid       string
	code      string
	msg       string
	cardName  string
	cardCode  string
	approval  string
	compURL   string
	compToken string
	assumed   bool
}

// Reconcile 对账唯一入口：吸收回调 -> （需要时）承认调用 -> 落账。
// 同一回调重复进入时不会产生第二条已完成扣款。
func (s *Service) Reconcile(ctx context.Context, cb gateway.Callback) (ReconcileResult, error) {
	a, err := s.gateways.Get(cb.Provider)
	if err != nil {
		return ReconcileResult{}, errs.Wrap(errs.KindValidation, "unsupported provider", err)
	}
	unlock, err := s.locker.Lock(ctx, cb.OrderNo)
	if err != nil {
		return ReconcileResult{}, errs.Wrap(errs.KindIdempotencyConflict, "order is being processed", err)
	}
	defer unlock()

	plan, err := s.absorb(ctx, a, cb)
	if err != nil {
		return ReconcileResult{}, err
	}
	if plan.settled != nil {
		return *plan.settled, nil
	}

	var outcome gateway.Outcome
	if plan.capture {
		outcome = a.Capture(ctx, gateway.CaptureRequest{
			OrderNo:       cb.OrderNo,
			Amount:        plan.amount,
			AuthToken:     cb.AuthToken,
			ApproveURL:    cb.ApproveURL,
			TransactionID: plan.tid,
		})
		s.log.Info("gateway capture",
			zap.String("order_no", cb.OrderNo),
			zap.String("provider", string(cb.Provider)),
			zap.String("outcome", outcome.Summary()))
	}
	return s.finalize(ctx, cb, plan, s.decide(cb, plan, outcome))
}

// absorb 第一个事务：锁订单，upsert 在途卡扣款事件。
func (s *Service) absorb(ctx context.Context, a gateway.Adapter, cb gateway.Callback) (absorbPlan, error) {
	var plan absorbPlan
	now := s.now()
	err := s.store.Tx(ctx, func(tx *ledger.Store) error {
		order, err := tx.Orders.GetForUpdate(ctx, cb.OrderNo)
		if err != nil {
			return err
		}
		if !order.Status.InFlight() {
			res, err := settledResult(ctx, tx, order)
			plan.settled = &res
			return err
		}
		if order.CardAmount <= 0 {
			return errs.Validation("order has no card amount")
		}
		if cb.Amount > 0 && cb.Amount != order.CardAmount {
			return errs.Validation("callback amount does not match order")
		}

		tid := confirmedTID(cb)
		if tid != "" {
			prev, found, err := tx.Payments.FindByTransactionID(ctx, order.OrderNo, tid)
			if err != nil {
				return err
			}
			if found && !prev.Status.IsOpen() {
				res, err := settledResult(ctx, tx, order)
				plan.settled = &res
				return err
			}
		}

		plan.authorized = a.Codes(gateway.OpAuthorize).Contains(cb.ResultCode)
		plan.capture = plan.authorized && a.NeedsCapture(cb)
		plan.amount = order.CardAmount
		if plan.capture && (cb.ApproveURL == "" || cb.AuthToken == "") {
			return errs.Validation("approval credentials missing from callback")
		}

		ev, found, err := tx.Payments.LatestOpen(ctx, order.OrderNo, model.PaymentCard)
		if err != nil {
			return err
		}
		if !found {
			ev = model.PaymentEvent{
				OrderNo:           order.OrderNo,
				UserID:            order.UserID,
				TransactionID:     model.StrPtr(cb.TransactionID),
				Amount:            order.CardAmount,
				Status:            model.PaymentPending,
				Type:              model.PaymentCard,
				Provider:          cb.Provider,
				ResultCode:        cb.ResultCode,
				ResultMessage:     cb.ResultMessage,
				PaymentDate:       now,
				CardName:          cb.CardName,
				CardCode:          cb.CardCode,
				ApprovalCode:      cb.ApprovalCode,
				CompensationURL:   cb.CompensationURL,
				CompensationToken: cb.AuthToken,
			}
			if err := tx.Payments.Append(ctx, &ev); err != nil {
				return err
			}
		} else if err := tx.Payments.UpdateOpen(ctx, &ev, absorbFields(ev, cb)); err != nil {
			return err
		}
		plan.eventID = ev.ID
		plan.tid = firstNonEmpty(boundTID(ev), confirmedTID(cb))

		if plan.capture && order.Status == model.OrderPending {
			if _, err := tx.Orders.Transition(ctx, order, model.OrderPendingApproval, now); err != nil {
				return err
			}
		}
		return nil
	})
	return plan, err
}

// absorbFields 已绑定的真实交易号不再改写；占位交易号可被真实交易号替换。
func absorbFields(ev model.PaymentEvent, cb gateway.Callback) map[string]any {
	fields := map[string]any{
		"result_code":    cb.ResultCode,
		"result_message": cb.ResultMessage,
		"provider":       cb.Provider,
	}
	if cb.TransactionID != "" && boundTID(ev) == "" {
		fields["transaction_id"] = model.StrPtr(cb.TransactionID)
	}
	for col, v := range map[string]string{
		"card_name":          cb.CardName,
		"card_code":          cb.CardCode,
		"approval_code":      cb.ApprovalCode,
		"compensation_url":   cb.CompensationURL,
		"compensation_token": cb.AuthToken,
	} {
		if v != "" {
			fields[col] = v
		}
	}
	return fields
}

// decide 把回调结论与承认调用结果归并为一种落账动作。
func (s *Service) decide(cb gateway.Callback, plan absorbPlan, out gateway.Outcome) settlement {
	st := settlement{
		tid:       plan.tid,
		code:      cb.ResultCode,
		msg:       cb.ResultMessage,
		cardName:  cb.CardName,
		cardCode:  cb.CardCode,
		approval:  cb.ApprovalCode,
		compURL:   cb.CompensationURL,
		compToken: cb.AuthToken,
	}
	switch {
	case !plan.authorized:
		st.kind = settleFail
	case !plan.capture:
		st.kind = settleComplete
	case out.Approved():
		st.kind = settleComplete
		st.code, st.msg = out.ResultCode, out.ResultMessage
		st.tid = firstNonEmpty(st.tid, out.TransactionID)
		st.cardName = firstNonEmpty(out.CardName, st.cardName)
		st.cardCode = firstNonEmpty(out.CardCode, st.cardCode)
		st.approval = firstNonEmpty(out.ApprovalCode, st.approval)
		st.compURL = firstNonEmpty(out.CompensationURL, st.compURL)
		st.compToken = firstNonEmpty(out.CompensationToken, st.compToken)
	case out.Kind == gateway.OutcomeRejected:
		st.kind = settleFail
		st.code, st.msg = out.ResultCode, out.ResultMessage
	case s.legacyAssumeCaptured:
		st.kind = settleComplete
		st.assumed = true
		st.msg = "assumed captured: " + out.Summary()
	default:
		st.kind = settlePending
		st.msg = "capture pending: " + out.Summary()
	}
	return st
}

// finalize 第二个事务：按结论推进订单、事件与钱包。
func (s *Service) finalize(ctx context.Context, cb gateway.Callback, plan absorbPlan, st settlement) (ReconcileResult, error) {
	now := s.now()
	var res ReconcileResult
	var order *model.Order
	var replayed bool

	err := s.store.Tx(ctx, func(tx *ledger.Store) error {
		var err error
		order, err = tx.Orders.GetForUpdate(ctx, cb.OrderNo)
		if err != nil {
			return err
		}
		ev, err := tx.Payments.Get(ctx, plan.eventID)
		if err != nil {
			return err
		}
		if !order.Status.InFlight() || !ev.Status.IsOpen() {
			replayed = true
			res, err = settledResult(ctx, tx, order)
			return err
		}

		switch st.kind {
		case settleComplete:
			if st.tid != "" {
				dup, found, err := tx.Payments.FindByTransactionID(ctx, order.OrderNo, st.tid)
				if err != nil {
					return err
				}
				if found && dup.ID != ev.ID && dup.Status == model.PaymentCompleted {
					replayed = true
					res, err = settledResult(ctx, tx, order)
					return err
				}
			}
			for order.Status != model.OrderCompleted {
				next := model.OrderCompleted
				if order.Status != model.OrderApproved {
					next = model.OrderApproved
				}
				if _, err := tx.Orders.Transition(ctx, order, next, now); err != nil {
					return err
				}
			}
			fields := map[string]any{
				"status":         model.PaymentCompleted,
				"result_code":    st.code,
				"result_message": truncate(st.msg, 255),
				"approved_at":    now,
				"assumed":        st.assumed,
			}
			switch {
			case st.tid != "" && boundTID(ev) == "":
				fields["transaction_id"] = st.tid
			case st.tid == "" && model.IsPlaceholderTID(ev.TID()):
				// 占位交易号不落到已完成事件上
				fields["transaction_id"] = nil
			}
			for col, v := range map[string]string{
				"card_name":          st.cardName,
				"card_code":          st.cardCode,
				"approval_code":      st.approval,
				"compensation_url":   st.compURL,
				"compensation_token": st.compToken,
			} {
				if v != "" {
					fields[col] = v
				}
			}
			if err := tx.Payments.UpdateOpen(ctx, &ev, fields); err != nil {
				return err
			}
			bonus := BonusPoints(order.TotalAmount)
			if err := tx.Wallets.Credit(ctx, order.UserID, bonus, order.OrderNo, model.EntryBonus); err != nil {
				return err
			}
			res = resultFrom(order, ev)
			res.BonusPoints = bonus

		case settleFail:
			if _, err := tx.Orders.Transition(ctx, order, model.OrderFailed, now); err != nil {
				return err
			}
			if err := tx.Payments.UpdateOpen(ctx, &ev, map[string]any{
				"status":         model.PaymentFailed,
				"result_code":    st.code,
				"result_message": truncate(st.msg, 255),
			}); err != nil {
				return err
			}
			if _, err := restorePoints(ctx, tx, order, now, "payment failed", model.EntryRestore); err != nil {
				return err
			}
			res = resultFrom(order, ev)

		case settlePending:
			if err := tx.Payments.UpdateOpen(ctx, &ev, map[string]any{"result_message": truncate(st.msg, 255)}); err != nil {
				return err
			}
			res = resultFrom(order, ev)
		}
		return nil
	})
	if err != nil {
		s.recordFailure(ctx, cb.Provider, cb.OrderNo, "RECONCILE", err)
		return ReconcileResult{}, err
	}
	if replayed {
		return res, nil
	}

	log := s.log.With(zap.String("order_no", order.OrderNo), zap.String("provider", string(cb.Provider)))
	switch st.kind {
	case settleComplete:
		s.publish(ctx, queue.EventPaymentCompleted, order, res.Amount, res.TransactionID, st.assumed)
		if st.assumed {
			log.Warn("capture outcome unknown, payment assumed captured", zap.Bool("assumed", true))
			s.publish(ctx, queue.EventNetworkCancelCandidate, order, res.Amount, res.TransactionID, true)
		} else {
			log.Info("payment completed", zap.String("tid", res.TransactionID), zap.Int64("bonus", res.BonusPoints))
		}
	case settleFail:
		log.Info("payment failed", zap.String("code", st.code), zap.String("msg", st.msg))
		s.publish(ctx, queue.EventPaymentFailed, order, res.Amount, res.TransactionID, false)
	case settlePending:
		log.Warn("capture outcome unknown, order left pending", zap.String("detail", st.msg))
		return res, errs.New(errs.KindGatewayTransport, "gateway confirmation pending")
	}
	return res, nil
}

// restorePoints 返还订单已抵扣的积分：原 POINT 事件置 REFUNDED 并追加 POINT_REFUND。
// 条件更新保证同一笔抵扣只返还一次。
func restorePoints(ctx context.Context, tx *ledger.Store, order *model.Order, now time.Time, reason string, kind model.WalletEntryKind) (int64, error) {
	events, err := tx.Payments.ListByOrder(ctx, order.OrderNo)
	if err != nil {
		return 0, err
	}
	var restored int64
	for _, ev := range events {
		if ev.Type != model.PaymentPoint || ev.Status != model.PaymentCompleted || ev.Amount <= 0 {
			continue
		}
		if err := tx.Payments.UpdateStatus(ctx, &ev, model.PaymentCompleted, model.PaymentRefunded, reason); err != nil {
			return 0, err
		}
		if err := tx.Wallets.Credit(ctx, order.UserID, ev.Amount, order.OrderNo, kind); err != nil {
			return 0, err
		}
		refund := &model.PaymentEvent{
			OrderNo:       order.OrderNo,
			UserID:        order.UserID,
			Amount:        -ev.Amount,
			Status:        model.PaymentCompleted,
			Type:          model.PaymentPointRefund,
			Provider:      model.ProviderPoints,
			ResultCode:    "0000",
			ResultMessage: reason,
			PaymentDate:   now,
			Reason:        reason,
		}
		if err := tx.Payments.Append(ctx, refund); err != nil {
			return 0, err
		}
		restored += ev.Amount
	}
	return restored, nil
}

// settledResult 订单已有结论时返回的结果。
func settledResult(ctx context.Context, tx *ledger.Store, order *model.Order) (ReconcileResult, error) {
	events, err := tx.Payments.ListByOrder(ctx, order.OrderNo)
	if err != nil {
		return ReconcileResult{}, err
	}
	var card model.PaymentEvent
	for _, ev := range events {
		if ev.Type == model.PaymentCard {
			card = ev
			break
		}
	}
	res := resultFrom(order, card)
	res.Replayed = true
	return res, nil
}

func resultFrom(order *model.Order, ev model.PaymentEvent) ReconcileResult {
	return ReconcileResult{
		OrderNo:          order.OrderNo,
		Status:           order.Status,
		PaymentCompleted: order.Status == model.OrderCompleted,
		TransactionID:    ev.TID(),
		Amount:           ev.Amount,
		ResultCode:       ev.ResultCode,
		Message:          ev.ResultMessage,
		Assumed:          ev.Assumed,
	}
}

// confirmedTID 占位交易号视为没有交易号。
func confirmedTID(cb gateway.Callback) string {
	if cb.PlaceholderTID || model.IsPlaceholderTID(cb.TransactionID) {
		return ""
	}
	return cb.TransactionID
}

// boundTID 事件上已绑定的真实交易号。
func boundTID(ev model.PaymentEvent) string {
	if model.IsPlaceholderTID(ev.TID()) {
		return ""
	}
	return ev.TID()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
