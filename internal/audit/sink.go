// Package audit 网关报文审计落库。写失败只记日志，不影响支付流程。
package audit

import (
	"context"
	"encoding/json"

	"checkout_pay/internal/errs"
	"checkout_pay/internal/gateway"
	"checkout_pay/internal/model"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxErrorLen = 1024

type Sink struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewSink(db *gorm.DB, log *zap.Logger) *Sink {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sink{db: db, log: log}
}

var _ gateway.Auditor = (*Sink)(nil)

// Record 实现 gateway.Auditor。
func (s *Sink) Record(ctx context.Context, provider model.Provider, x gateway.Exchange) {
	row := model.GatewayLog{
		OrderNo:       x.OrderNo,
		Provider:      provider,
		RequestType:   x.RequestType,
		RequestURL:    x.URL,
		RequestData:   s.encode(x.Request),
		ResponseData:  s.encode(x.Response),
		HTTPStatus:    x.HTTPStatus,
		Success:       x.Success,
		ErrorMessage:  truncate(x.Error, maxErrorLen),
		TransactionID: x.TransactionID,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.log.Warn("gateway audit write failed",
			zap.String("order_no", x.OrderNo),
			zap.String("request_type", x.RequestType),
			zap.Error(err))
	}
}

// Callback 入站回调原文。
func (s *Sink) Callback(ctx context.Context, cb gateway.Callback) {
	s.Record(ctx, cb.Provider, gateway.Exchange{
		OrderNo:       cb.OrderNo,
		RequestType:   "CALLBACK",
		Request:       cb.Raw,
		Success:       cb.ResultCode != "",
		TransactionID: cb.TransactionID,
	})
}

// LedgerFailure 本地落账失败。网关已受理而本地未落账时，这条记录是人工对账的依据。
func (s *Sink) LedgerFailure(ctx context.Context, provider model.Provider, orderNo, op string, err error) {
	x := gateway.Exchange{
		OrderNo:     orderNo,
		RequestType: "LEDGER_FAILURE",
		Request:     map[string]string{"operation": op, "kind": errs.KindOf(err).String()},
	}
	if err != nil {
		x.Error = err.Error()
	}
	s.Record(ctx, provider, x)
}

// List 按订单查询审计记录，运维排查用。
func (s *Sink) List(ctx context.Context, orderNo string) ([]model.GatewayLog, error) {
	var rows []model.GatewayLog
	err := s.db.WithContext(ctx).Where("order_no = ?", orderNo).Order("id ASC").Find(&rows).Error
	return rows, err
}

var emptyJSON = datatypes.JSON("{}")

func (s *Sink) encode(v any) datatypes.JSON {
	if v == nil {
		return emptyJSON
	}
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Warn("gateway audit encode failed", zap.Error(err))
		return emptyJSON
	}
	if string(b) == "null" {
		return emptyJSON
	}
	return datatypes.JSON(b)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
