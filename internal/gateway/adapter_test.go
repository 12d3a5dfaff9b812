package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"checkout_pay/internal/config"
	"checkout_pay/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAuditor struct {
	mu   sync.Mutex
	logs []Exchange
}

func (r *recordingAuditor) Record(_ context.Context, _ model.Provider, x Exchange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, x)
}

func clock() time.Time { return fixedNow }

func newNicePay(url string, audit Auditor) *NicePay {
	cfg := config.NicePayConfig{MerchantID: "nicepay00m", MerchantKey: "mkey", CancelURL: url, NetCancelURL: url}
	return NewNicePay(cfg, NewTransport(2*time.Second), WithClock(clock), WithAuditor(audit))
}

func newInicis(url string) *Inicis {
	cfg := config.InicisConfig{MerchantID: "INIpayTest", SignKey: "skey", APIKey: "apikey", RefundURL: url}
	return NewInicis(cfg, NewTransport(2*time.Second), WithClock(clock))
}

func TestNicePayCaptureApproved(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		got = map[string]string{}
		for k := range r.PostForm {
			got[k] = r.PostForm.Get(k)
		}
		fmt.Fprint(w, "ResultCode=3001&ResultMsg=OK&TID=T-REAL&AuthCode=30001234&CardName=KB")
	}))
	defer srv.Close()

	audit := &recordingAuditor{}
	a := newNicePay(srv.URL, audit)
	out := a.Capture(context.Background(), CaptureRequest{OrderNo: "ORD1", Amount: 500, AuthToken: "tok", ApproveURL: srv.URL, TransactionID: "T-PRE"})

	assert.Equal(t, OutcomeApproved, out.Kind)
	assert.Equal(t, "T-REAL", out.TransactionID)
	assert.Equal(t, "30001234", out.ApprovalCode)
	assert.Equal(t, "KB", out.CardName)
	assert.Equal(t, "tok", out.CompensationToken)

	edi := EdiDate(fixedNow)
	assert.Equal(t, NicePaySignData("tok", "nicepay00m", "500", edi, "mkey"), got["SignData"])
	assert.Equal(t, "T-PRE", got["TID"])

	require.Len(t, audit.logs, 1)
	assert.True(t, audit.logs[0].Success)
	assert.Equal(t, "NICEPAY_APPROVAL", audit.logs[0].RequestType)
}

func TestNicePayCaptureRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ResultCode":"3011","ResultMsg":"card declined"}`)
	}))
	defer srv.Close()

	out := newNicePay(srv.URL, nil).Capture(context.Background(), CaptureRequest{OrderNo: "ORD1", Amount: 500, AuthToken: "tok", ApproveURL: srv.URL})
	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.Equal(t, "3011", out.ResultCode)
	assert.False(t, out.Ambiguous())
}

func TestTransportFailureIsAmbiguous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	out := newNicePay(srv.URL, nil).Capture(context.Background(), CaptureRequest{OrderNo: "ORD1", Amount: 500, AuthToken: "tok", ApproveURL: srv.URL})
	assert.Equal(t, OutcomeTransportFailed, out.Kind)
	assert.True(t, out.Ambiguous())
	assert.Equal(t, http.StatusBadGateway, out.HTTPStatus)

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer slow.Close()
	a := NewNicePay(config.NicePayConfig{MerchantID: "m", MerchantKey: "k"}, NewTransport(50*time.Millisecond), WithClock(clock))
	out = a.Capture(context.Background(), CaptureRequest{OrderNo: "ORD1", Amount: 1, AuthToken: "tok", ApproveURL: slow.URL})
	assert.Equal(t, OutcomeTransportFailed, out.Kind)
}

func TestMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":"no code here"}`)
	}))
	defer srv.Close()

	out := newNicePay(srv.URL, nil).Refund(context.Background(), RefundRequest{OrderNo: "ORD1", TransactionID: "T", Amount: 500})
	assert.Equal(t, OutcomeMalformed, out.Kind)
	assert.True(t, out.Ambiguous())
}

func TestNicePayNetworkCancel(t *testing.T) {
	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = map[string]string{"NetCancel": r.PostForm.Get("NetCancel"), "SignData": r.PostForm.Get("SignData")}
		fmt.Fprint(w, `{"ResultCode":"2001","ResultMsg":"cancelled"}`)
	}))
	defer srv.Close()

	a := newNicePay(srv.URL, nil)
	assert.False(t, a.CancelCredentialsPresent("https://x", ""))
	assert.True(t, a.CancelCredentialsPresent("", "tok"))

	out := a.NetworkCancel(context.Background(), CancelRequest{OrderNo: "ORD1", TransactionID: "T1", Amount: 500, Token: "tok"})
	assert.True(t, out.Approved())
	assert.Equal(t, "T1", out.TransactionID)
	assert.Equal(t, "1", form["NetCancel"])
	assert.Equal(t, NicePaySignData("tok", "nicepay00m", "500", EdiDate(fixedNow), "mkey"), form["SignData"])
}

func TestNicePayRefundCodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ResultCode=3001&ResultMsg=wrong-op-code")
	}))
	defer srv.Close()

	out := newNicePay(srv.URL, nil).Refund(context.Background(), RefundRequest{OrderNo: "ORD1", TransactionID: "T", Amount: 500})
	assert.Equal(t, OutcomeRejected, out.Kind, "capture success code is not a refund success code")
}

func TestNicePayVerifyCallback(t *testing.T) {
	a := newNicePay("", nil)
	cb := Callback{AuthToken: "tok", AmountRaw: "500"}
	assert.ErrorIs(t, a.VerifyCallback(cb), ErrBadSignature)

	cb.Signature = NicePayCallbackSignature("tok", "nicepay00m", "500", "mkey")
	assert.NoError(t, a.VerifyCallback(cb))

	assert.NoError(t, a.VerifyCallback(Callback{ResultCode: "9999"}), "failed auth without token carries no signature")
}

func TestInicisRefund(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fmt.Fprint(w, `{"resultCode":"00","resultMsg":"refunded"}`)
	}))
	defer srv.Close()

	out := newInicis(srv.URL).Refund(context.Background(), RefundRequest{OrderNo: "ORD1", TransactionID: "T1", Amount: 500, Reason: "changed mind", ClientIP: "10.0.0.1"})
	require.True(t, out.Approved())

	ts := EdiDate(fixedNow)
	assert.Equal(t, "refund", body["type"])
	assert.Equal(t, ts, body["timestamp"])
	assert.Equal(t, InicisHashData("apikey", "INIpayTest", "refund", ts, `{"tid":"T1","msg":"changed mind"}`), body["hashData"])
}

func TestInicisCaptureAndCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("signature") != InicisAuthSignature(r.PostForm.Get("authToken"), r.PostForm.Get("timestamp")) {
			fmt.Fprint(w, `{"resultCode":"V801","resultMsg":"bad signature"}`)
			return
		}
		fmt.Fprint(w, `{"resultCode":"0000","resultMsg":"ok","tid":"StdpayCARD123","applNum":"99887766","CARD_CODE":"14"}`)
	}))
	defer srv.Close()

	a := newInicis(srv.URL)
	assert.True(t, a.NeedsCapture(Callback{ApproveURL: srv.URL, AuthToken: "tok"}))
	assert.False(t, a.NeedsCapture(Callback{TransactionID: "T"}))

	out := a.Capture(context.Background(), CaptureRequest{OrderNo: "ORD1", Amount: 500, AuthToken: "tok", ApproveURL: srv.URL})
	require.True(t, out.Approved())
	assert.Equal(t, "StdpayCARD123", out.TransactionID)
	assert.Equal(t, "99887766", out.ApprovalCode)
	assert.Equal(t, "14", out.CardCode)

	assert.False(t, a.CancelCredentialsPresent("", "tok"))
	assert.False(t, a.CancelCredentialsPresent(srv.URL, ""))
	assert.True(t, a.CancelCredentialsPresent(srv.URL, "tok"))
	cancel := a.NetworkCancel(context.Background(), CancelRequest{OrderNo: "ORD1", TransactionID: "StdpayCARD123", Amount: 500, URL: srv.URL, Token: "tok"})
	assert.True(t, cancel.Approved())
}

func TestInicisNetworkCancelRequiresToken(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"resultCode":"0000","resultMsg":"ok"}`)
	}))
	defer srv.Close()

	out := newInicis(srv.URL).NetworkCancel(context.Background(), CancelRequest{OrderNo: "ORD1", TransactionID: "StdpayCARD123", Amount: 500, URL: srv.URL})
	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.False(t, out.Ambiguous())
	assert.Equal(t, int32(0), hits.Load(), "a tid is never signed in place of the auth token")
}

func TestInicisVerifyCallback(t *testing.T) {
	a := newInicis("")
	cb := Callback{OrderNo: "ORD1", AmountRaw: "500", Timestamp: "1700000000000"}
	assert.NoError(t, a.VerifyCallback(cb))

	cb.Verification = "deadbeef"
	assert.ErrorIs(t, a.VerifyCallback(cb), ErrBadSignature)

	cb.Verification = InicisVerification("ORD1", "500", "skey", "1700000000000")
	assert.NoError(t, a.VerifyCallback(cb))
}

func TestCheckoutForms(t *testing.T) {
	f := newInicis("").CheckoutForm("ORD1", 500)
	assert.Equal(t, InicisSignature("ORD1", "500", f["timestamp"]), f["signature"])
	assert.Equal(t, InicisMKey("skey"), f["mKey"])

	n := newNicePay("", nil).CheckoutForm("ORD1", 500)
	assert.Equal(t, NicePayRequestSignData(EdiDate(fixedNow), "nicepay00m", "500", "mkey"), n["SignData"])
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(newInicis(""), newNicePay("", nil))
	a, err := r.Get(model.ProviderNicePay)
	require.NoError(t, err)
	assert.Equal(t, model.ProviderNicePay, a.Provider())
	_, err = r.Get("PAYPAL")
	assert.Error(t, err)
}
