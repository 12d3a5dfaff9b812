package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSHAHex(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", SHA256Hex(""))
	assert.Len(t, SHA512Hex("x"), 128)
}

func TestInicisSignatures(t *testing.T) {
	assert.Equal(t, SHA256Hex("oid=ORD1&price=500&timestamp=1700000000000"), InicisSignature("ORD1", "500", "1700000000000"))
	assert.Equal(t, SHA256Hex("oid=ORD1&price=500&signKey=K&timestamp=1700000000000"), InicisVerification("ORD1", "500", "K", "1700000000000"))
	assert.NotEqual(t, InicisSignature("ORD1", "500", "1"), InicisVerification("ORD1", "500", "K", "1"))
	assert.Equal(t, SHA256Hex("authToken=tok&timestamp=1"), InicisAuthSignature("tok", "1"))
	assert.Equal(t, SHA256Hex("authToken=tok&signKey=K&timestamp=1"), InicisAuthVerification("tok", "K", "1"))
	assert.Equal(t, SHA512Hex("apimidrefund20240101120000{}"), InicisHashData("api", "mid", "refund", "20240101120000", "{}"))
}

func TestNicePaySignatures(t *testing.T) {
	assert.Equal(t, SHA256Hex("tokMID500key"), NicePayCallbackSignature("tok", "MID", "500", "key"))
	assert.Equal(t, SHA256Hex("tokMID50020240101120000key"), NicePaySignData("tok", "MID", "500", "20240101120000", "key"))
	assert.Equal(t, SHA256Hex("MID50020240101120000key"), NicePayCancelSignData("MID", "500", "20240101120000", "key"))
}

func TestSignatureEqual(t *testing.T) {
	sig := SHA256Hex("a")
	assert.True(t, SignatureEqual(sig, sig))
	assert.True(t, SignatureEqual(sig, toUpper(sig)))
	assert.False(t, SignatureEqual(sig, ""))
	assert.False(t, SignatureEqual(sig, SHA256Hex("b")))
}

func TestEdiDate(t *testing.T) {
	assert.Equal(t, "20240301093005", EdiDate(time.Date(2024, 3, 1, 9, 30, 5, 0, time.UTC)))
}

func toUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 32
		}
	}
	return string(b)
}
