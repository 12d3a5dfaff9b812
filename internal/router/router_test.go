package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"checkout_pay/internal/audit"
	"checkout_pay/internal/config"
	"checkout_pay/internal/gateway"
	"checkout_pay/internal/ledger"
	"checkout_pay/internal/ledger/ledgertest"
	"checkout_pay/internal/payment"
	"checkout_pay/internal/queue"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() { gin.SetMode(gin.TestMode) }

const (
	mid  = "nicepay00m"
	mkey = "mkey"
	tok  = "auth-token-1"
	tid  = "T-2001"
)

// pg 模拟网关：按路径返回固定响应。
type pg struct {
	mu      sync.Mutex
	replies map[string][2]any
}

func (p *pg) set(path string, status int, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies[path] = [2]any{status, body}
}

func (p *pg) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	rp, ok := p.replies[r.URL.Path]
	p.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(rp[0].(int))
	fmt.Fprint(w, rp[1].(string))
}

type apiResp struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type memQueue struct {
	mu   sync.Mutex
	keys []string
	msgs []queue.CallbackMessage
}

func (q *memQueue) PublishCallback(_ context.Context, orderNo string, msg queue.CallbackMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.keys = append(q.keys, orderNo)
	q.msgs = append(q.msgs, msg)
	return nil
}

type server struct {
	r   *gin.Engine
	pg  *pg
	q   *memQueue
	url string
}

func newServer(t *testing.T) *server {
	t.Helper()
	p := &pg{replies: map[string][2]any{}}
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)

	db := ledgertest.NewDB(t)
	sink := audit.NewSink(db, nil)
	tr := gateway.NewTransport(2 * time.Second)
	svc := payment.NewService(payment.Deps{
		Store: ledger.NewStore(db, ledgertest.WalletSecret),
		Gateways: gateway.NewRegistry(
			gateway.NewNicePay(config.NicePayConfig{
				MerchantID:   mid,
				MerchantKey:  mkey,
				CancelURL:    srv.URL + "/cancel",
				NetCancelURL: srv.URL + "/netcancel",
			}, tr, gateway.WithAuditor(sink)),
			gateway.NewInicis(config.InicisConfig{MerchantID: "INIpayTest", SignKey: "skey"}, tr, gateway.WithAuditor(sink)),
		),
		Audit: sink,
	})

	q := &memQueue{}
	r := gin.New()
	Setup(r, Deps{Service: svc, GatewayLogs: sink, CallbackQueue: q})
	return &server{r: r, pg: p, q: q, url: srv.URL}
}

func (s *server) do(t *testing.T, method, path, contentType, body string) (int, apiResp) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	s.r.ServeHTTP(w, req)
	var out apiResp
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func (s *server) postJSON(t *testing.T, path, body string) (int, apiResp) {
	return s.do(t, http.MethodPost, path, "application/json", body)
}

func (s *server) get(t *testing.T, path string) (int, apiResp) {
	return s.do(t, http.MethodGet, path, "", "")
}

// cardOrder 钱包 500 积分，订单 1000 = 500 积分 + 500 卡。
func (s *server) cardOrder(t *testing.T) string {
	t.Helper()
	code, _ := s.postJSON(t, "/api/wallets", `{"user_id":7,"initial_points":500}`)
	require.Equal(t, http.StatusOK, code)
	code, resp := s.postJSON(t, "/api/orders", `{"user_id":7,"total_amount":1000,"points_used":500,"card_amount":500}`)
	require.Equal(t, http.StatusOK, code)
	var order payment.CreateOrderResult
	require.NoError(t, json.Unmarshal(resp.Data, &order))
	return order.OrderNo
}

func (s *server) callbackForm(orderNo string) string {
	return url.Values{
		"AuthResultCode": {"0000"},
		"AuthToken":      {tok},
		"Moid":           {orderNo},
		"Amt":            {"500"},
		"TxTid":          {tid},
		"MID":            {mid},
		"NextAppURL":     {s.url + "/approve"},
		"NetCancelURL":   {s.url + "/netcancel"},
		"Signature":      {gateway.NicePayCallbackSignature(tok, mid, "500", mkey)},
	}.Encode()
}

func TestPing(t *testing.T) {
	s := newServer(t)
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()
	s.r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"msg":"pong"}`, w.Body.String())
}

func TestCheckoutFlowOverHTTP(t *testing.T) {
	s := newServer(t)
	orderNo := s.cardOrder(t)

	code, resp := s.get(t, "/api/orders/"+orderNo+"/checkout/nicepay")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(resp.Data), orderNo)

	s.pg.set("/approve", http.StatusOK, `{"ResultCode":"3001","ResultMsg":"approved","TID":"`+tid+`"}`)
	form := s.callbackForm(orderNo)
	code, resp = s.do(t, http.MethodPost, "/api/callbacks/nicepay", "application/x-www-form-urlencoded", form)
	require.Equal(t, http.StatusOK, code, resp.Msg)
	var res payment.ReconcileResult
	require.NoError(t, json.Unmarshal(resp.Data, &res))
	assert.True(t, res.PaymentCompleted)
	assert.Equal(t, tid, res.TransactionID)
	assert.Equal(t, int64(10), res.BonusPoints)

	// 重复回调返回首次结果
	code, resp = s.do(t, http.MethodPost, "/api/callbacks/NicePay", "application/x-www-form-urlencoded", form)
	require.Equal(t, http.StatusOK, code)
	res = payment.ReconcileResult{}
	require.NoError(t, json.Unmarshal(resp.Data, &res))
	assert.True(t, res.PaymentCompleted)

	code, resp = s.get(t, "/api/orders/"+orderNo+"/status")
	require.Equal(t, http.StatusOK, code)
	var st payment.StatusView
	require.NoError(t, json.Unmarshal(resp.Data, &st))
	assert.True(t, st.PaymentCompleted)
	assert.Equal(t, tid, st.TransactionID)

	code, resp = s.get(t, "/api/orders/"+orderNo+"/gateway-logs")
	require.Equal(t, http.StatusOK, code)
	var logs []map[string]any
	require.NoError(t, json.Unmarshal(resp.Data, &logs))
	assert.NotEmpty(t, logs)

	s.pg.set("/cancel", http.StatusOK, `{"ResultCode":"2001","ResultMsg":"cancel ok"}`)
	code, resp = s.postJSON(t, "/api/payments/"+tid+"/refund", `{"reason":"changed mind"}`)
	require.Equal(t, http.StatusOK, code, resp.Msg)
	var refund payment.RefundResult
	require.NoError(t, json.Unmarshal(resp.Data, &refund))
	assert.Equal(t, int64(500), refund.RefundedAmount)

	code, _ = s.do(t, http.MethodPost, "/api/orders/"+orderNo+"/refund-points", "", "")
	require.Equal(t, http.StatusOK, code)

	code, resp = s.get(t, "/api/wallets/7")
	require.Equal(t, http.StatusOK, code)
	var w payment.WalletView
	require.NoError(t, json.Unmarshal(resp.Data, &w))
	assert.Equal(t, int64(510), w.Points)

	code, resp = s.get(t, "/api/users/7/orders")
	require.Equal(t, http.StatusOK, code)
	var views []payment.OrderView
	require.NoError(t, json.Unmarshal(resp.Data, &views))
	require.Len(t, views, 1)
	assert.Equal(t, "CANCELLED", string(views[0].Order.Status))

	code, _ = s.postJSON(t, "/api/orders/"+orderNo+"/network-cancel", `{}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
}

func TestCallbackJSONWithNumericAmount(t *testing.T) {
	s := newServer(t)
	orderNo := s.cardOrder(t)
	s.pg.set("/approve", http.StatusOK, `{"ResultCode":"3001","ResultMsg":"approved","TID":"`+tid+`"}`)

	body := fmt.Sprintf(`{"AuthResultCode":"0000","AuthToken":%q,"Moid":%q,"Amt":500,"TxTid":%q,"MID":%q,"NextAppURL":%q,"Signature":%q}`,
		tok, orderNo, tid, mid, s.url+"/approve", gateway.NicePayCallbackSignature(tok, mid, "500", mkey))
	code, resp := s.postJSON(t, "/api/callbacks/auto", body)
	require.Equal(t, http.StatusOK, code, resp.Msg)
	var res payment.ReconcileResult
	require.NoError(t, json.Unmarshal(resp.Data, &res))
	assert.True(t, res.PaymentCompleted)
}

func TestCallbackTransportFailureIsAccepted(t *testing.T) {
	s := newServer(t)
	orderNo := s.cardOrder(t)
	s.pg.set("/approve", http.StatusInternalServerError, "")

	code, resp := s.do(t, http.MethodPost, "/api/callbacks/nicepay", "application/x-www-form-urlencoded", s.callbackForm(orderNo))
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, http.StatusAccepted, resp.Code)
	var res payment.ReconcileResult
	require.NoError(t, json.Unmarshal(resp.Data, &res))
	assert.False(t, res.PaymentCompleted)
	assert.Equal(t, orderNo, res.OrderNo)
}

func TestErrorMapping(t *testing.T) {
	s := newServer(t)

	code, resp := s.get(t, "/api/orders/ORD-missing")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	code, _ = s.get(t, "/api/wallets/abc")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.postJSON(t, "/api/orders", `{"user_id":1}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.postJSON(t, "/api/callbacks/nicepay", `{not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.postJSON(t, "/api/callbacks/paypal", `{"Moid":"ORD1","AuthResultCode":"0000"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.postJSON(t, "/api/payments/T-unknown/refund", "")
	assert.Equal(t, http.StatusNotFound, code)

	orderNo := s.cardOrder(t)
	code, _ = s.postJSON(t, "/api/orders/"+orderNo+"/refund", `{"reason":"x"}`)
	assert.Equal(t, http.StatusBadRequest, code, "order is not completed")

	code, resp = s.get(t, "/api/orders/"+orderNo+"/sagas")
	assert.Equal(t, http.StatusOK, code)
	var sagas []map[string]any
	require.NoError(t, json.Unmarshal(resp.Data, &sagas))
	assert.Empty(t, sagas)
}

func TestAsyncCallbackIsQueued(t *testing.T) {
	s := newServer(t)
	orderNo := s.cardOrder(t)

	code, resp := s.do(t, http.MethodPost, "/api/callbacks/auto/async", "application/x-www-form-urlencoded", s.callbackForm(orderNo))
	require.Equal(t, http.StatusAccepted, code, resp.Msg)
	require.Len(t, s.q.msgs, 1)
	assert.Equal(t, orderNo, s.q.keys[0])
	assert.Equal(t, "NICEPAY", s.q.msgs[0].Provider)
	assert.Equal(t, "500", s.q.msgs[0].Fields["Amt"])

	// 入队不做对账
	code, resp = s.get(t, "/api/orders/"+orderNo+"/status")
	require.Equal(t, http.StatusOK, code)
	var st payment.StatusView
	require.NoError(t, json.Unmarshal(resp.Data, &st))
	assert.False(t, st.PaymentCompleted)

	code, _ = s.postJSON(t, "/api/callbacks/nicepay/async", `{"AuthResultCode":"0000"}`)
	assert.Equal(t, http.StatusBadRequest, code, "order number missing")
	assert.Len(t, s.q.msgs, 1)
}

func TestAsyncCallbackWithoutQueue(t *testing.T) {
	r := gin.New()
	Setup(r, Deps{})

	req := httptest.NewRequest(http.MethodPost, "/api/callbacks/nicepay/async", strings.NewReader("Moid=ORD1&AuthResultCode=0000"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/orders/ORD1/gateway-logs", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"code":0,"data":[]}`, w.Body.String())
}
