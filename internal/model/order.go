package model

import (
	"time"
)

// OrderStatus 订单状态机。
type OrderStatus string

const (
	OrderPending          OrderStatus = "PENDING"
	OrderPendingApproval  OrderStatus = "PENDING_APPROVAL" // 两阶段网关：授权已回调，等待二次确认
	OrderApproved         OrderStatus = "APPROVED"
	OrderCompleted        OrderStatus = "COMPLETED"
	OrderFailed           OrderStatus = "FAILED"
	OrderCancelled        OrderStatus = "CANCELLED"
	OrderNetworkCancelled OrderStatus = "NETWORK_CANCELLED"
)

// orderTransitions 允许的状态流转；终态不出现在 key 中。
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:         {OrderPendingApproval, OrderApproved, OrderFailed},
	OrderPendingApproval: {OrderApproved, OrderFailed},
	OrderApproved:        {OrderCompleted, OrderFailed},
	OrderCompleted:       {OrderCancelled, OrderNetworkCancelled},
}

// IsTerminal FAILED / CANCELLED / NETWORK_CANCELLED 为终态。
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFailed, OrderCancelled, OrderNetworkCancelled:
		return true
	}
	return false
}

// InFlight 尚未拿到网关最终结论。
func (s OrderStatus) InFlight() bool {
	return s == OrderPending || s == OrderPendingApproval || s == OrderApproved
}

// CanTransition 判断 from -> to 是否合法。COMPLETED -> COMPLETED 视为合法的空操作。
func CanTransition(from, to OrderStatus) bool {
	if from == OrderCompleted && to == OrderCompleted {
		return true
	}
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Label 前端展示用文案。
func (s OrderStatus) Label() string {
	switch s {
	case OrderPending:
		return "awaiting payment"
	case OrderPendingApproval:
		return "authorizing"
	case OrderApproved:
		return "approved"
	case OrderCompleted:
		return "paid"
	case OrderFailed:
		return "payment failed"
	case OrderCancelled:
		return "refunded"
	case OrderNetworkCancelled:
		return "cancelled by gateway"
	}
	return string(s)
}

// Order 结账订单，金额单位为最小货币单位。
type Order struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderNo     string      `gorm:"size:64;uniqueIndex;not null" json:"order_no"`
	UserID      int64       `gorm:"not null;index" json:"user_id"`
	TotalAmount int64       `gorm:"not null" json:"total_amount"`
	CardAmount  int64       `gorm:"not null;default:0" json:"card_amount"`
	PointsUsed  int64       `gorm:"not null;default:0" json:"points_used"`
	Status      OrderStatus `gorm:"size:32;not null;index" json:"status"`
	ApprovedAt  *time.Time  `json:"approved_at,omitempty"`
}

// 显式实现结构，确定表名
func (Order) TableName() string { return "orders" }
