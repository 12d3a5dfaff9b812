package gateway

import (
	"context"
	"encoding/json"
	"strconv"

	"checkout_pay/internal/config"
	"checkout_pay/internal/model"
)

var (
	inicisCodeKeys = []string{"resultCode", "ResultCode"}
	inicisMsgKeys  = []string{"resultMsg", "ResultMsg", "resultMessage"}
)

// Inicis 同步签名回调型网关。
type Inicis struct {
	cfg config.InicisConfig
	tr  *Transport
	opt options
}

func NewInicis(cfg config.InicisConfig, tr *Transport, opts ...Option) *Inicis {
	return &Inicis{cfg: cfg, tr: tr, opt: buildOptions(opts)}
}

func (a *Inicis) Provider() model.Provider { return model.ProviderInicis }

func (a *Inicis) Codes(op Operation) CodeSet { return inicisCodes[op] }

// VerifyCallback 带 verification 时按含 signKey 的方式校验，否则校验 signature；都没有则不校验。
func (a *Inicis) VerifyCallback(cb Callback) error {
	if cb.Timestamp == "" {
		return nil
	}
	switch {
	case cb.Verification != "":
		if !SignatureEqual(InicisVerification(cb.OrderNo, cb.AmountRaw, a.cfg.SignKey, cb.Timestamp), cb.Verification) {
			return ErrBadSignature
		}
	case cb.Signature != "":
		if !SignatureEqual(InicisSignature(cb.OrderNo, cb.AmountRaw, cb.Timestamp), cb.Signature) {
			return ErrBadSignature
		}
	}
	return nil
}

// NeedsCapture 回调携带 authUrl + authToken 时需要承认调用；否则交易号 + 成功码即为扣款凭证。
func (a *Inicis) NeedsCapture(cb Callback) bool {
	return cb.ApproveURL != "" && cb.AuthToken != ""
}

func (a *Inicis) Capture(ctx context.Context, req CaptureRequest) Outcome {
	ts := strconv.FormatInt(a.opt.now().UnixMilli(), 10)
	form := map[string]string{
		"mid":          a.cfg.MerchantID,
		"authToken":    req.AuthToken,
		"timestamp":    ts,
		"signature":    InicisAuthSignature(req.AuthToken, ts),
		"verification": InicisAuthVerification(req.AuthToken, a.cfg.SignKey, ts),
		"charset":      "UTF-8",
		"format":       "JSON",
	}
	resp := a.tr.PostForm(ctx, req.ApproveURL, form)
	out := classify(OpCapture, a.Codes(OpCapture), resp, inicisCodeKeys, inicisMsgKeys)
	if out.Approved() {
		out.CompensationToken = req.AuthToken
		out.CompletedAt = a.opt.now()
	}
	a.opt.auditor.Record(ctx, a.Provider(), exchangeOf(req.OrderNo, "INICIS_CAPTURE", req.ApproveURL, redact(form, "authToken"), out))
	return out
}

type inicisRefundData struct {
	TID string `json:"tid"`
	Msg string `json:"msg"`
}

func (a *Inicis) Refund(ctx context.Context, req RefundRequest) Outcome {
	ts := EdiDate(a.opt.now())
	data := inicisRefundData{TID: req.TransactionID, Msg: req.Reason}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return Outcome{Kind: OutcomeMalformed, Operation: OpRefund, Err: err}
	}
	body := map[string]any{
		"mid":       a.cfg.MerchantID,
		"type":      "refund",
		"timestamp": ts,
		"clientIp":  req.ClientIP,
		"hashData":  InicisHashData(a.cfg.APIKey, a.cfg.MerchantID, "refund", ts, string(dataJSON)),
		"data":      data,
	}
	resp := a.tr.PostJSON(ctx, a.cfg.RefundURL, body)
	out := classify(OpRefund, a.Codes(OpRefund), resp, inicisCodeKeys, inicisMsgKeys)
	if out.Approved() {
		out.TransactionID = req.TransactionID
		out.CompletedAt = a.opt.now()
	}
	a.opt.auditor.Record(ctx, a.Provider(), exchangeOf(req.OrderNo, "INICIS_REFUND", a.cfg.RefundURL, body, out))
	return out
}

// NetworkCancel 凭据为扣款时保存的 netCancelUrl + authToken，缺一不发请求。
func (a *Inicis) NetworkCancel(ctx context.Context, req CancelRequest) Outcome {
	if !a.CancelCredentialsPresent(req.URL, req.Token) {
		return Outcome{Kind: OutcomeRejected, Operation: OpNetCancel, ResultMessage: "net cancel credentials missing"}
	}
	credential := req.Token
	ts := strconv.FormatInt(a.opt.now().Unix(), 10)
	form := map[string]string{
		"mid":          a.cfg.MerchantID,
		"authToken":    credential,
		"timestamp":    ts,
		"price":        strconv.FormatInt(req.Amount, 10),
		"signature":    InicisAuthSignature(credential, ts),
		"verification": InicisAuthVerification(credential, a.cfg.SignKey, ts),
		"charset":      "UTF-8",
		"format":       "JSON",
	}
	resp := a.tr.PostForm(ctx, req.URL, form)
	out := classify(OpNetCancel, a.Codes(OpNetCancel), resp, inicisCodeKeys, inicisMsgKeys)
	if out.Approved() {
		out.TransactionID = req.TransactionID
		out.CompletedAt = a.opt.now()
	}
	a.opt.auditor.Record(ctx, a.Provider(), exchangeOf(req.OrderNo, "INICIS_NETWORK_CANCEL", req.URL, redact(form, "authToken"), out))
	return out
}

func (a *Inicis) CancelCredentialsPresent(url, token string) bool {
	return url != "" && token != ""
}

// CheckoutForm 标准支付窗参数：signature / verification / mKey。
func (a *Inicis) CheckoutForm(orderNo string, amount int64) map[string]string {
	ts := strconv.FormatInt(a.opt.now().UnixMilli(), 10)
	price := strconv.FormatInt(amount, 10)
	return map[string]string{
		"version":      "1.0",
		"mid":          a.cfg.MerchantID,
		"oid":          orderNo,
		"price":        price,
		"timestamp":    ts,
		"use_chkfake":  "Y",
		"signature":    InicisSignature(orderNo, price, ts),
		"verification": InicisVerification(orderNo, price, a.cfg.SignKey, ts),
		"mKey":         InicisMKey(a.cfg.SignKey),
		"currency":     "WON",
		"gopaymethod":  "Card",
	}
}
