package model

import "time"

// SagaStep 网络取消补偿的步骤，按顺序推进，每步独立提交。
type SagaStep string

const (
	SagaStarted              SagaStep = "STARTED"
	SagaGatewayConfirmed     SagaStep = "GATEWAY_CONFIRMED"
	SagaEventCancelled       SagaStep = "EVENT_CANCELLED"
	SagaCompensationAppended SagaStep = "COMPENSATION_APPENDED"
	SagaDone                 SagaStep = "DONE"
	SagaAborted              SagaStep = "ABORTED"
)

// NetworkCancelSaga 记录某订单网络取消的推进位置，崩溃后可从最后提交的步骤继续。
type NetworkCancelSaga struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	SagaID         string   `gorm:"size:64;uniqueIndex;not null" json:"saga_id"`
	OrderNo        string   `gorm:"size:64;index;not null" json:"order_no"`
	PaymentEventID uint     `gorm:"not null" json:"payment_event_id"`
	Amount         int64    `gorm:"not null" json:"amount"`
	Step           SagaStep `gorm:"size:32;not null" json:"step"`
	Reason         string   `gorm:"size:255" json:"reason"`
	ClientIP       string   `gorm:"size:64" json:"client_ip"`
	ResultCode     string   `gorm:"size:32" json:"result_code"`
	LastError      string   `gorm:"size:1024" json:"last_error"`
}

func (NetworkCancelSaga) TableName() string { return "network_cancel_sagas" }

// Resumable 仍有未完成的步骤。
func (s NetworkCancelSaga) Resumable() bool {
	return s.Step != SagaDone && s.Step != SagaAborted
}

// AllModels AutoMigrate 使用。
func AllModels() []any {
	return []any{&Order{}, &PaymentEvent{}, &Wallet{}, &WalletEntry{}, &GatewayLog{}, &NetworkCancelSaga{}}
}
