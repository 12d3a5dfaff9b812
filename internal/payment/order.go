package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"checkout_pay/internal/errs"
	"checkout_pay/internal/ledger"
	"checkout_pay/internal/model"
	"checkout_pay/internal/queue"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	MethodPointsOnly   = "POINTS_ONLY"
	MethodCardRequired = "CARD_REQUIRED"
)

type CreateOrderRequest struct {
	UserID      int64
	TotalAmount int64
	PointsUsed  int64
	CardAmount  int64
}

type CreateOrderResult struct {
	OrderID          uint              `json:"order_id"`
	OrderNo          string            `json:"order_no"`
	Status           model.OrderStatus `json:"status"`
	PaymentCompleted bool              `json:"payment_completed"`
	PaymentMethod    string            `json:"payment_method"`
	BonusPoints      int64             `json:"bonus_points,omitempty"`
}

// GenerateOrderNo ORD + 毫秒时间戳 + uuid 前 8 位。
func GenerateOrderNo(now time.Time) string {
	return fmt.Sprintf("ORD%d%s", now.UnixMilli(), strings.ToUpper(uuid.NewString()[:8]))
}

func (r CreateOrderRequest) validate() error {
	switch {
	case r.UserID <= 0:
		return errs.Validation("user_id is required")
	case r.TotalAmount <= 0:
		return errs.Validation("total_amount must be > 0")
	case r.PointsUsed < 0 || r.CardAmount < 0:
		return errs.Validation("amounts must be >= 0")
	case r.PointsUsed+r.CardAmount != r.TotalAmount:
		return errs.Validation("points_used + card_amount must equal total_amount")
	}
	return nil
}

// CreateOrder 建单并扣减积分。积分全额抵扣时直接完成支付。
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (CreateOrderResult, error) {
	if err := req.validate(); err != nil {
		return CreateOrderResult{}, err
	}
	now := s.now()
	order := &model.Order{
		OrderNo:     GenerateOrderNo(now),
		UserID:      req.UserID,
		TotalAmount: req.TotalAmount,
		CardAmount:  req.CardAmount,
		PointsUsed:  req.PointsUsed,
		Status:      model.OrderPending,
	}
	pointsOnly := req.CardAmount == 0
	var bonus int64

	err := s.store.Tx(ctx, func(tx *ledger.Store) error {
		// 钱包不存在时直接拒绝
		if _, err := tx.Wallets.Balance(ctx, req.UserID); err != nil {
			return err
		}
		if err := tx.Orders.Create(ctx, order); err != nil {
			return err
		}
		if req.PointsUsed > 0 {
			if err := tx.Wallets.Debit(ctx, req.UserID, req.PointsUsed, order.OrderNo); err != nil {
				return err
			}
			ev := &model.PaymentEvent{
				OrderNo:       order.OrderNo,
				UserID:        req.UserID,
				Amount:        req.PointsUsed,
				Status:        model.PaymentCompleted,
				Type:          model.PaymentPoint,
				Provider:      model.ProviderPoints,
				ResultCode:    "0000",
				ResultMessage: "points used",
				PaymentDate:   now,
				ApprovedAt:    &now,
			}
			if err := tx.Payments.Append(ctx, ev); err != nil {
				return err
			}
		}
		if !pointsOnly {
			return nil
		}

		for _, to := range []model.OrderStatus{model.OrderApproved, model.OrderCompleted} {
			if _, err := tx.Orders.Transition(ctx, order, to, now); err != nil {
				return err
			}
		}
		bonus = BonusPoints(order.TotalAmount)
		return tx.Wallets.Credit(ctx, order.UserID, bonus, order.OrderNo, model.EntryBonus)
	})
	if err != nil {
		s.recordFailure(ctx, model.ProviderPoints, order.OrderNo, "CREATE_ORDER", err)
		return CreateOrderResult{}, err
	}

	s.log.Info("order created",
		zap.String("order_no", order.OrderNo),
		zap.Int64("user_id", order.UserID),
		zap.Int64("total", order.TotalAmount),
		zap.Int64("points", order.PointsUsed),
		zap.Bool("points_only", pointsOnly))
	s.publish(ctx, queue.EventOrderCreated, order, order.TotalAmount, "", false)

	res := CreateOrderResult{
		OrderID:       order.ID,
		OrderNo:       order.OrderNo,
		Status:        order.Status,
		PaymentMethod: MethodCardRequired,
	}
	if pointsOnly {
		s.publish(ctx, queue.EventPaymentCompleted, order, order.PointsUsed, "", false)
		res.PaymentCompleted = true
		res.PaymentMethod = MethodPointsOnly
		res.BonusPoints = bonus
	}
	return res, nil
}

// CheckoutForm 前端拉起支付窗所需的签名参数。
func (s *Service) CheckoutForm(ctx context.Context, orderNo string, provider model.Provider) (map[string]string, error) {
	order, err := s.store.Orders.Get(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if order.Status != model.OrderPending {
		return nil, errs.Validation("order is not awaiting payment")
	}
	if order.CardAmount <= 0 {
		return nil, errs.Validation("order has no card amount")
	}
	a, err := s.gateways.Get(provider)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "unsupported provider", err)
	}
	return a.CheckoutForm(order.OrderNo, order.CardAmount), nil
}

// OrderView 订单与展示投影后的流水。
type OrderView struct {
	Order          model.Order          `json:"order"`
	StatusLabel    string               `json:"status_label"`
	Payments       []model.PaymentEvent `json:"payments"`
	ActiveAmount   int64                `json:"active_amount"`
	RefundedAmount int64                `json:"refunded_amount"`
}

func newOrderView(o model.Order, events []model.PaymentEvent) OrderView {
	return OrderView{
		Order:          o,
		StatusLabel:    o.Status.Label(),
		Payments:       ledger.FilterForDisplay(events),
		ActiveAmount:   ledger.ActiveAmount(events),
		RefundedAmount: ledger.RefundedAmount(events),
	}
}

func (s *Service) OrderDetail(ctx context.Context, orderNo string) (OrderView, error) {
	order, err := s.store.Orders.Get(ctx, orderNo)
	if err != nil {
		return OrderView{}, err
	}
	events, err := s.store.Payments.ListByOrder(ctx, orderNo)
	if err != nil {
		return OrderView{}, err
	}
	return newOrderView(*order, events), nil
}

func (s *Service) UserOrders(ctx context.Context, userID int64) ([]OrderView, error) {
	if userID <= 0 {
		return nil, errs.Validation("user_id is required")
	}
	orders, err := s.store.Orders.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	nos := make([]string, 0, len(orders))
	for _, o := range orders {
		nos = append(nos, o.OrderNo)
	}
	byOrder, err := s.store.Payments.ListByOrders(ctx, nos)
	if err != nil {
		return nil, err
	}
	out := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, newOrderView(o, byOrder[o.OrderNo]))
	}
	return out, nil
}

// StatusView 订单状态轮询。
type StatusView struct {
	OrderNo          string            `json:"order_no"`
	Status           model.OrderStatus `json:"status"`
	StatusLabel      string            `json:"status_label"`
	TotalAmount      int64             `json:"total_amount"`
	PaymentCompleted bool              `json:"payment_completed"`
	TransactionID    string            `json:"transaction_id,omitempty"`
	ResultCode       string            `json:"result_code,omitempty"`
	ResultMessage    string            `json:"result_message,omitempty"`
	ApprovedAt       *time.Time        `json:"approved_at,omitempty"`
}

func (s *Service) OrderStatus(ctx context.Context, orderNo string) (StatusView, error) {
	order, err := s.store.Orders.Get(ctx, orderNo)
	if err != nil {
		return StatusView{}, err
	}
	v := StatusView{
		OrderNo:          order.OrderNo,
		Status:           order.Status,
		StatusLabel:      order.Status.Label(),
		TotalAmount:      order.TotalAmount,
		PaymentCompleted: order.Status == model.OrderCompleted,
		ApprovedAt:       order.ApprovedAt,
	}
	latest, found, err := s.store.Payments.LatestByOrder(ctx, orderNo)
	if err != nil {
		return StatusView{}, err
	}
	if found {
		v.TransactionID = latest.TID()
		v.ResultCode = latest.ResultCode
		v.ResultMessage = latest.ResultMessage
	}
	return v, nil
}

// WalletView 余额与流水。
type WalletView struct {
	UserID  int64               `json:"user_id"`
	Points  int64               `json:"points"`
	Entries []model.WalletEntry `json:"entries"`
}

// OpenWallet 开户，已存在时返回现有钱包。
func (s *Service) OpenWallet(ctx context.Context, userID, initial int64) (WalletView, error) {
	if userID <= 0 {
		return WalletView{}, errs.Validation("user_id is required")
	}
	if initial < 0 {
		return WalletView{}, errs.Validation("initial points must be >= 0")
	}
	if _, err := s.store.Wallets.Open(ctx, userID, initial); err != nil {
		return WalletView{}, err
	}
	return s.Wallet(ctx, userID)
}

func (s *Service) Wallet(ctx context.Context, userID int64) (WalletView, error) {
	points, err := s.store.Wallets.Balance(ctx, userID)
	if err != nil {
		return WalletView{}, err
	}
	entries, err := s.store.Wallets.Entries(ctx, userID)
	if err != nil {
		return WalletView{}, err
	}
	return WalletView{UserID: userID, Points: points, Entries: entries}, nil
}
