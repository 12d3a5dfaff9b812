package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"checkout_pay/internal/model"
)

// 回调字段的历史拼写，按优先级取第一个非空值。
var (
	orderNoKeys = map[model.Provider][]string{
		model.ProviderInicis:  {"orderNumber", "oid", "P_OID", "MOID"},
		model.ProviderNicePay: {"Moid", "MOID", "moid", "OrderNo", "orderNo", "order_no"},
	}
	resultCodeKeys = map[model.Provider][]string{
		model.ProviderInicis:  {"resultCode", "P_STATUS"},
		model.ProviderNicePay: {"AuthResultCode", "ResultCode", "resultCode"},
	}
	resultMsgKeys = map[model.Provider][]string{
		model.ProviderInicis:  {"resultMsg", "P_RMESG1"},
		model.ProviderNicePay: {"AuthResultMsg", "ResultMsg", "resultMsg"},
	}
	tidKeys = map[model.Provider][]string{
		model.ProviderInicis:  {"tid", "P_TID", "TID", "transactionId"},
		model.ProviderNicePay: {"TxTid", "TID", "tid", "Tid"},
	}
	authTokenKeys = map[model.Provider][]string{
		model.ProviderInicis:  {"authToken"},
		model.ProviderNicePay: {"AuthToken"},
	}
	approveURLKeys = map[model.Provider][]string{
		model.ProviderInicis:  {"authUrl"},
		model.ProviderNicePay: {"NextAppURL"},
	}
	amountKeys = map[model.Provider][]string{
		model.ProviderInicis:  {"price", "TotPrice", "P_AMT"},
		model.ProviderNicePay: {"Amt"},
	}
	signatureKeys = map[model.Provider][]string{
		model.ProviderInicis:  {"signature"},
		model.ProviderNicePay: {"Signature"},
	}

	netCancelURLKeys = []string{"netCancelUrl", "net_cancel_url", "NetCancelUrl", "NET_CANCEL_URL", "NetCancelURL"}
	cardNameKeys     = []string{"cardName", "card_name", "CARD_NAME", "P_CARD_NAME", "CardName", "cardCompany", "cardIssuer"}
	cardCodeKeys     = []string{"cardCode", "card_code", "CARD_CODE", "P_CARD_CODE", "CardCode", "cardType"}
	approvalKeys     = []string{"applNum", "appl_num", "APPL_NUM", "P_APPL_NUM", "AuthCode", "authNum", "approvalNumber"}
	realTIDKeys      = []string{"tid", "TID", "P_TID", "transactionId", "transaction_id", "pgTid", "pg_tid"}
)

// Callback 回调解码后的显式结构。未识别字段只保留在 Raw 中供审计。
type Callback struct {
	Provider      model.Provider
	OrderNo       string
	ResultCode    string
	ResultMessage string
	TransactionID string
	// PlaceholderTID 回调没有交易号时合成，绝不写入已完成事件
	PlaceholderTID bool

	Amount     int64
	AmountRaw  string
	AuthToken  string
	ApproveURL string

	CompensationURL string
	CardName        string
	CardCode        string
	ApprovalCode    string

	Signature    string
	Verification string
	Timestamp    string
	MerchantID   string

	Raw map[string]string
}

// DetectProvider 未显式指定时按字段特征判断网关。
func DetectProvider(raw map[string]string) model.Provider {
	if p := strings.ToUpper(raw["provider"]); p == string(model.ProviderNicePay) || p == string(model.ProviderInicis) {
		return model.Provider(p)
	}
	for _, k := range []string{"AuthResultCode", "TxTid", "NextAppURL", "Moid"} {
		if raw[k] != "" {
			return model.ProviderNicePay
		}
	}
	return model.ProviderInicis
}

// DecodeCallback 将松散的 provider 字段映射解码为 Callback。provider 为空时自动识别。
func DecodeCallback(provider model.Provider, fields map[string]any, now time.Time) (Callback, error) {
	raw := Stringify(fields)
	if provider == "" {
		provider = DetectProvider(raw)
	}
	if _, ok := orderNoKeys[provider]; !ok {
		return Callback{}, fmt.Errorf("unsupported provider %q", provider)
	}

	cb := Callback{
		Provider:        provider,
		OrderNo:         FirstOf(raw, orderNoKeys[provider]...),
		ResultCode:      FirstOf(raw, resultCodeKeys[provider]...),
		ResultMessage:   FirstOf(raw, resultMsgKeys[provider]...),
		TransactionID:   FirstOf(raw, tidKeys[provider]...),
		AuthToken:       FirstOf(raw, authTokenKeys[provider]...),
		ApproveURL:      FirstOf(raw, approveURLKeys[provider]...),
		AmountRaw:       FirstOf(raw, amountKeys[provider]...),
		Signature:       FirstOf(raw, signatureKeys[provider]...),
		Verification:    raw["verification"],
		Timestamp:       raw["timestamp"],
		MerchantID:      FirstOf(raw, "mid", "MID"),
		CompensationURL: FirstOf(raw, netCancelURLKeys...),
		CardName:        FirstOf(raw, cardNameKeys...),
		CardCode:        FirstOf(raw, cardCodeKeys...),
		ApprovalCode:    FirstOf(raw, approvalKeys...),
		Raw:             raw,
	}
	if cb.OrderNo == "" {
		return cb, fmt.Errorf("order number missing from callback")
	}
	if cb.ResultCode == "" {
		return cb, fmt.Errorf("result code missing from callback")
	}
	if cb.AmountRaw != "" {
		amt, err := strconv.ParseInt(cb.AmountRaw, 10, 64)
		if err != nil {
			return cb, fmt.Errorf("invalid amount %q", cb.AmountRaw)
		}
		cb.Amount = amt
	}
	if cb.TransactionID == "" {
		cb.TransactionID = model.PlaceholderTIDPrefix + strconv.FormatInt(now.UnixMilli(), 10)
		cb.PlaceholderTID = true
	}
	return cb, nil
}

// FirstOf 按顺序取第一个非空值。
func FirstOf(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

// RealTID 从网关响应中提取确认交易号，占位号视为缺失。
func RealTID(m map[string]string) string {
	tid := FirstOf(m, realTIDKeys...)
	if model.IsPlaceholderTID(tid) {
		return ""
	}
	return tid
}

// Stringify 将 JSON / 表单解码得到的任意值统一为字符串。
func Stringify(fields map[string]any) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if s, ok := stringValue(v); ok {
			out[k] = s
		}
	}
	return out
}

func stringValue(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case []byte:
		return string(x), true
	case []string:
		if len(x) == 0 {
			return "", false
		}
		return x[0], true
	case json.Number:
		return x.String(), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case int32:
		return strconv.FormatInt(int64(x), 10), true
	case uint64:
		return strconv.FormatUint(x, 10), true
	case bool:
		return strconv.FormatBool(x), true
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}
