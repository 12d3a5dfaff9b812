package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"strings"
	"time"
)

// 签名每次调用按当前时间戳重新计算，不做缓存。

const ediDateLayout = "20060102150405"

// SHA256Hex 小写十六进制。
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// SHA512Hex 小写十六进制。
func SHA512Hex(s string) string {
	sum := sha512.Sum512([]byte(s))
	return hex.EncodeToString(sum[:])
}

// SignatureEqual 常量时间比较，忽略大小写。
func SignatureEqual(expected, got string) bool {
	if got == "" {
		return false
	}
	return hmac.Equal([]byte(strings.ToLower(expected)), []byte(strings.ToLower(got)))
}

// EdiDate yyyyMMddHHmmss
func EdiDate(t time.Time) string { return t.Format(ediDateLayout) }

// ---- Variant A ----

// InicisSignature sha256("oid=..&price=..&timestamp=..")
func InicisSignature(oid, price, timestamp string) string {
	return SHA256Hex("oid=" + oid + "&price=" + price + "&timestamp=" + timestamp)
}

// InicisVerification 在 signature 基础上加入 signKey。
func InicisVerification(oid, price, signKey, timestamp string) string {
	return SHA256Hex("oid=" + oid + "&price=" + price + "&signKey=" + signKey + "&timestamp=" + timestamp)
}

func InicisMKey(signKey string) string { return SHA256Hex(signKey) }

// InicisAuthSignature 承认 / 网络取消请求签名。
func InicisAuthSignature(authToken, timestamp string) string {
	return SHA256Hex("authToken=" + authToken + "&timestamp=" + timestamp)
}

func InicisAuthVerification(authToken, signKey, timestamp string) string {
	return SHA256Hex("authToken=" + authToken + "&signKey=" + signKey + "&timestamp=" + timestamp)
}

// InicisHashData 退款接口：sha512(apiKey + mid + type + timestamp + data)
func InicisHashData(apiKey, mid, typ, timestamp, data string) string {
	return SHA512Hex(apiKey + mid + typ + timestamp + data)
}

// ---- Variant B ----

// NicePayCallbackSignature 授权回调验签：sha256(AuthToken + MID + Amt + MerchantKey)
func NicePayCallbackSignature(authToken, mid, amt, merchantKey string) string {
	return SHA256Hex(authToken + mid + amt + merchantKey)
}

// NicePaySignData 二次承认与网络取消：sha256(AuthToken + MID + Amt + EdiDate + MerchantKey)
func NicePaySignData(authToken, mid, amt, ediDate, merchantKey string) string {
	return SHA256Hex(authToken + mid + amt + ediDate + merchantKey)
}

// NicePayCancelSignData 退款：sha256(MID + CancelAmt + EdiDate + MerchantKey)
func NicePayCancelSignData(mid, cancelAmt, ediDate, merchantKey string) string {
	return SHA256Hex(mid + cancelAmt + ediDate + merchantKey)
}

// NicePayRequestSignData 支付表单：sha256(EdiDate + MID + Amt + MerchantKey)
func NicePayRequestSignData(ediDate, mid, amt, merchantKey string) string {
	return SHA256Hex(ediDate + mid + amt + merchantKey)
}
