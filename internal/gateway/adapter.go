package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout_pay/internal/model"
)

// ErrBadSignature 回调验签失败。
var ErrBadSignature = errors.New("callback signature mismatch")

// CaptureRequest 回调之后的第二次调用：Variant A 的 authUrl 承认，Variant B 的 NextAppURL 承认。
type CaptureRequest struct {
	OrderNo       string
	Amount        int64
	AuthToken     string
	ApproveURL    string
	TransactionID string
}

type RefundRequest struct {
	OrderNo       string
	TransactionID string
	Amount        int64
	Reason        string
	ClientIP      string
}

// CancelRequest 网络取消。URL / Token 为扣款时保存的补偿凭据。
type CancelRequest struct {
	OrderNo       string
	TransactionID string
	Amount        int64
	URL           string
	Token         string
	Reason        string
	ClientIP      string
}

// Exchange 一次网关往来，写入审计。
type Exchange struct {
	OrderNo       string
	RequestType   string
	URL           string
	Request       any
	Response      map[string]string
	HTTPStatus    int
	Success       bool
	Error         string
	TransactionID string
}

// Auditor 只写审计出口。
type Auditor interface {
	Record(ctx context.Context, provider model.Provider, x Exchange)
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, model.Provider, Exchange) {}

// Adapter 两种网关协议的统一抽象。所有出站调用返回 Outcome，不返回 error。
type Adapter interface {
	Provider() model.Provider
	Codes(op Operation) CodeSet
	// VerifyCallback 校验回调签名，失败返回 ErrBadSignature
	VerifyCallback(cb Callback) error
	// NeedsCapture 回调本身是否已是扣款的权威结论
	NeedsCapture(cb Callback) bool
	Capture(ctx context.Context, req CaptureRequest) Outcome
	Refund(ctx context.Context, req RefundRequest) Outcome
	NetworkCancel(ctx context.Context, req CancelRequest) Outcome
	// CancelCredentialsPresent 网络取消所需凭据是否齐全
	CancelCredentialsPresent(url, token string) bool
	// CheckoutForm 前端发起支付所需的签名表单
	CheckoutForm(orderNo string, amount int64) map[string]string
}

// Registry 按 provider 选择适配器。
type Registry map[model.Provider]Adapter

func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry, len(adapters))
	for _, a := range adapters {
		r[a.Provider()] = a
	}
	return r
}

func (r Registry) Get(p model.Provider) (Adapter, error) {
	a, ok := r[p]
	if !ok {
		return nil, fmt.Errorf("no adapter for provider %q", p)
	}
	return a, nil
}

// Option 适配器可选项。
type Option func(*options)

type options struct {
	now     func() time.Time
	auditor Auditor
}

// WithClock 测试注入时钟。
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithAuditor 挂接审计出口。
func WithAuditor(a Auditor) Option {
	return func(o *options) {
		if a != nil {
			o.auditor = a
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, auditor: nopAuditor{}}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// classify 将原始响应映射为 Outcome。
func classify(op Operation, codes CodeSet, resp Response, codeKeys, msgKeys []string) Outcome {
	out := Outcome{Operation: op, HTTPStatus: resp.Status, Fields: resp.Fields}
	if resp.Err != nil {
		out.Kind = OutcomeTransportFailed
		out.Err = resp.Err
		return out
	}
	if resp.ParseErr != nil {
		out.Kind = OutcomeMalformed
		out.Err = resp.ParseErr
		return out
	}
	out.ResultCode = FirstOf(resp.Fields, codeKeys...)
	out.ResultMessage = FirstOf(resp.Fields, msgKeys...)
	if out.ResultCode == "" {
		out.Kind = OutcomeMalformed
		out.Err = errors.New("result code missing from response")
		return out
	}
	if codes.Contains(out.ResultCode) {
		out.Kind = OutcomeApproved
	} else {
		out.Kind = OutcomeRejected
	}
	out.TransactionID = RealTID(resp.Fields)
	out.CardName = FirstOf(resp.Fields, cardNameKeys...)
	out.CardCode = FirstOf(resp.Fields, cardCodeKeys...)
	out.ApprovalCode = FirstOf(resp.Fields, approvalKeys...)
	out.CompensationURL = FirstOf(resp.Fields, netCancelURLKeys...)
	return out
}

func exchangeOf(orderNo, reqType, url string, request any, out Outcome) Exchange {
	x := Exchange{
		OrderNo:       orderNo,
		RequestType:   reqType,
		URL:           url,
		Request:       request,
		Response:      out.Fields,
		HTTPStatus:    out.HTTPStatus,
		Success:       out.Approved(),
		TransactionID: out.TransactionID,
	}
	if out.Err != nil {
		x.Error = out.Err.Error()
	} else if !out.Approved() {
		x.Error = out.ResultCode + " " + out.ResultMessage
	}
	return x
}

// redact 审计中不落密钥与令牌原文。
func redact(form map[string]string, keys ...string) map[string]string {
	out := make(map[string]string, len(form))
	for k, v := range form {
		out[k] = v
	}
	for _, k := range keys {
		if _, ok := out[k]; ok {
			out[k] = "***"
		}
	}
	return out
}
