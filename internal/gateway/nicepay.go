package gateway

import (
	"context"
	"strconv"

	"checkout_pay/internal/config"
	"checkout_pay/internal/model"
)

var (
	nicePayCodeKeys = []string{"ResultCode", "resultCode"}
	nicePayMsgKeys  = []string{"ResultMsg", "resultMsg"}
)

// NicePay 两阶段令牌交换型网关：授权回调后必须再调用 NextAppURL 承认。
type NicePay struct {
	cfg config.NicePayConfig
	tr  *Transport
	opt options
}

func NewNicePay(cfg config.NicePayConfig, tr *Transport, opts ...Option) *NicePay {
	return &NicePay{cfg: cfg, tr: tr, opt: buildOptions(opts)}
}

func (a *NicePay) Provider() model.Provider { return model.ProviderNicePay }

func (a *NicePay) Codes(op Operation) CodeSet { return nicePayCodes[op] }

// VerifyCallback 授权成功的回调必须携带 Signature。
func (a *NicePay) VerifyCallback(cb Callback) error {
	if cb.AuthToken == "" {
		return nil
	}
	expected := NicePayCallbackSignature(cb.AuthToken, a.cfg.MerchantID, cb.AmountRaw, a.cfg.MerchantKey)
	if !SignatureEqual(expected, cb.Signature) {
		return ErrBadSignature
	}
	return nil
}

func (a *NicePay) NeedsCapture(Callback) bool { return true }

// Capture 调用 NextAppURL 完成承认。
func (a *NicePay) Capture(ctx context.Context, req CaptureRequest) Outcome {
	amt := strconv.FormatInt(req.Amount, 10)
	edi := EdiDate(a.opt.now())
	form := map[string]string{
		"TID":       req.TransactionID,
		"AuthToken": req.AuthToken,
		"MID":       a.cfg.MerchantID,
		"Amt":       amt,
		"EdiDate":   edi,
		"CharSet":   "utf-8",
		"SignData":  NicePaySignData(req.AuthToken, a.cfg.MerchantID, amt, edi, a.cfg.MerchantKey),
	}
	resp := a.tr.PostForm(ctx, req.ApproveURL, form)
	out := classify(OpCapture, a.Codes(OpCapture), resp, nicePayCodeKeys, nicePayMsgKeys)
	if out.Approved() {
		out.CompensationToken = req.AuthToken
		out.CompletedAt = a.opt.now()
		if out.TransactionID == "" {
			out.TransactionID = req.TransactionID
		}
	}
	a.opt.auditor.Record(ctx, a.Provider(), exchangeOf(req.OrderNo, "NICEPAY_APPROVAL", req.ApproveURL, redact(form, "AuthToken"), out))
	return out
}

func (a *NicePay) Refund(ctx context.Context, req RefundRequest) Outcome {
	amt := strconv.FormatInt(req.Amount, 10)
	edi := EdiDate(a.opt.now())
	form := map[string]string{
		"TID":               req.TransactionID,
		"MID":               a.cfg.MerchantID,
		"Moid":              req.OrderNo,
		"CancelAmt":         amt,
		"CancelMsg":         req.Reason,
		"PartialCancelCode": "0",
		"EdiDate":           edi,
		"CharSet":           "utf-8",
		"EdiType":           "KV",
		"SignData":          NicePayCancelSignData(a.cfg.MerchantID, amt, edi, a.cfg.MerchantKey),
	}
	resp := a.tr.PostForm(ctx, a.cfg.CancelURL, form)
	out := classify(OpRefund, a.Codes(OpRefund), resp, nicePayCodeKeys, nicePayMsgKeys)
	if out.Approved() {
		out.TransactionID = req.TransactionID
		out.CompletedAt = a.opt.now()
	}
	a.opt.auditor.Record(ctx, a.Provider(), exchangeOf(req.OrderNo, "NICEPAY_CANCEL", a.cfg.CancelURL, form, out))
	return out
}

// NetworkCancel 必须携带扣款时的 AuthToken；URL 缺省时使用配置的取消地址。
func (a *NicePay) NetworkCancel(ctx context.Context, req CancelRequest) Outcome {
	endpoint := req.URL
	if endpoint == "" {
		endpoint = a.cfg.NetCancelURL
	}
	amt := strconv.FormatInt(req.Amount, 10)
	edi := EdiDate(a.opt.now())
	form := map[string]string{
		"TID":               req.TransactionID,
		"AuthToken":         req.Token,
		"MID":               a.cfg.MerchantID,
		"Amt":               amt,
		"EdiDate":           edi,
		"NetCancel":         "1",
		"Moid":              req.OrderNo,
		"CharSet":           "utf-8",
		"EdiType":           "JSON",
		"CancelMsg":         req.Reason,
		"PartialCancelCode": "0",
		"SignData":          NicePaySignData(req.Token, a.cfg.MerchantID, amt, edi, a.cfg.MerchantKey),
	}
	resp := a.tr.PostForm(ctx, endpoint, form)
	out := classify(OpNetCancel, a.Codes(OpNetCancel), resp, nicePayCodeKeys, nicePayMsgKeys)
	if out.Approved() {
		out.TransactionID = req.TransactionID
		out.CompletedAt = a.opt.now()
	}
	a.opt.auditor.Record(ctx, a.Provider(), exchangeOf(req.OrderNo, "NICEPAY_NETWORK_CANCEL", endpoint, redact(form, "AuthToken"), out))
	return out
}

func (a *NicePay) CancelCredentialsPresent(_, token string) bool {
	return token != ""
}

func (a *NicePay) CheckoutForm(orderNo string, amount int64) map[string]string {
	amt := strconv.FormatInt(amount, 10)
	edi := EdiDate(a.opt.now())
	return map[string]string{
		"MID":       a.cfg.MerchantID,
		"Moid":      orderNo,
		"Amt":       amt,
		"EdiDate":   edi,
		"SignData":  NicePayRequestSignData(edi, a.cfg.MerchantID, amt, a.cfg.MerchantKey),
		"PayMethod": "CARD",
		"GoodsCl":   "1",
		"TransType": "0",
		"CharSet":   "utf-8",
	}
}
