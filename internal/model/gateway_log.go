package model

import (
	"time"

	"gorm.io/datatypes"
)

// GatewayLog 网关往来报文审计，只写不读，不参与控制决策。
type GatewayLog struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	OrderNo       string         `gorm:"size:64;index" json:"order_no"`
	Provider      Provider       `gorm:"size:32" json:"provider"`
	RequestType   string         `gorm:"size:32" json:"request_type"`
	RequestURL    string         `gorm:"size:512" json:"request_url"`
	RequestData   datatypes.JSON `json:"request_data"`
	ResponseData  datatypes.JSON `json:"response_data"`
	HTTPStatus    int            `json:"http_status"`
	Success       bool           `json:"success"`
	ErrorMessage  string         `gorm:"size:1024" json:"error_message"`
	TransactionID string         `gorm:"size:128" json:"transaction_id"`
}

func (GatewayLog) TableName() string { return "gateway_logs" }
