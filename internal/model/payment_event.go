package model

import (
	"strings"
	"time"
)

type PaymentType string

const (
	PaymentCard          PaymentType = "CARD"
	PaymentPoint         PaymentType = "POINT"
	PaymentCardRefund    PaymentType = "CARD_REFUND"
	PaymentPointRefund   PaymentType = "POINT_REFUND"
	PaymentNetworkCancel PaymentType = "NETWORK_CANCEL"
)

// IsRefund 退款 / 冲正类事件。
func (t PaymentType) IsRefund() bool {
	return t == PaymentCardRefund || t == PaymentPointRefund || t == PaymentNetworkCancel
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentApproved  PaymentStatus = "APPROVED"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
	PaymentCancelled PaymentStatus = "CANCELLED"
)

// IsOpen 事件仍可被对账流程更新状态。
func (s PaymentStatus) IsOpen() bool {
	return s == PaymentPending || s == PaymentApproved
}

// Provider 网关标识。
type Provider string

const (
	ProviderInicis  Provider = "INICIS"
	ProviderNicePay Provider = "NICEPAY"
	ProviderPoints  Provider = "POINTS"
)

// PlaceholderTIDPrefix 回调缺失交易号时合成的占位前缀。
const PlaceholderTIDPrefix = "TEMP_TID_"

// IsPlaceholderTID 占位交易号不得写入已完成事件。
func IsPlaceholderTID(tid string) bool {
	return strings.HasPrefix(tid, PlaceholderTIDPrefix)
}

// PaymentEvent 支付流水。金额带符号：正数为扣款，负数为退款 / 冲正。
// 金额写入后不再修改，更正通过追加新事件表达。
type PaymentEvent struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderNo       string        `gorm:"size:64;not null;index" json:"order_no"`
	UserID        int64         `gorm:"not null;index" json:"user_id"`
	TransactionID *string       `gorm:"size:128;index" json:"transaction_id,omitempty"`
	Amount        int64         `gorm:"not null" json:"amount"`
	Status        PaymentStatus `gorm:"size:32;not null" json:"status"`
	Type          PaymentType   `gorm:"size:32;not null" json:"type"`
	Provider      Provider      `gorm:"size:32" json:"provider"`
	ResultCode    string        `gorm:"size:32" json:"result_code"`
	ResultMessage string        `gorm:"size:255" json:"result_message"`
	PaymentDate   time.Time     `gorm:"not null;index" json:"payment_date"`
	ApprovedAt    *time.Time    `json:"approved_at,omitempty"`

	CardName          string `gorm:"size:64" json:"card_name,omitempty"`
	CardCode          string `gorm:"size:32" json:"card_code,omitempty"`
	ApprovalCode      string `gorm:"size:64" json:"approval_code,omitempty"`
	CompensationURL   string `gorm:"size:512" json:"-"`
	CompensationToken string `gorm:"size:1024" json:"-"`

	// Assumed 标记传输异常下按兼容逻辑"推定成功"的扣款，需走网络取消补偿核实。
	Assumed bool   `gorm:"not null;default:false" json:"assumed"`
	Reason  string `gorm:"size:255" json:"reason,omitempty"`
}

func (PaymentEvent) TableName() string { return "payment_events" }

// TID 交易号，nil 时返回空串。
func (e PaymentEvent) TID() string {
	if e.TransactionID == nil {
		return ""
	}
	return *e.TransactionID
}

// StrPtr 空串返回 nil，便于写入可空列。
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
