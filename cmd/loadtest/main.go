package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"checkout_pay/internal/gateway"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Body   string
	Err    error
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	userID := flag.Int64("user", 10001, "user id used for the test order")
	mid := flag.String("mid", "nicepay00m", "NicePay merchant id configured on the server")
	mkey := flag.String("mkey", "", "NicePay merchant key configured on the server")
	approveURL := flag.String("approve-url", "", "approval endpoint; empty starts a local stub")

	// 重复回调测试：同一笔回调并发投递 n 次，只允许一次扣款与一次奖励
	n := flag.Int("n", 200, "duplicate callbacks")
	concurrency := flag.Int("c", 50, "max concurrency")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}

	var approvals atomic.Int64
	if *approveURL == "" {
		stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			approvals.Add(1)
			fmt.Fprint(w, `{"ResultCode":"3001","ResultMsg":"approved","TID":"LT-TID-1"}`)
		}))
		defer stub.Close()
		*approveURL = stub.URL
		fmt.Println("approval stub:", stub.URL)
	}

	if _, err := call(client, http.MethodPost, *baseURL+"/api/wallets",
		map[string]int64{"user_id": *userID, "initial_points": 500}); err != nil {
		panic(fmt.Sprintf("open wallet failed: %v", err))
	}
	data, err := call(client, http.MethodPost, *baseURL+"/api/orders", map[string]int64{
		"user_id": *userID, "total_amount": 1000, "points_used": 500, "card_amount": 500,
	})
	if err != nil {
		panic(fmt.Sprintf("create order failed: %v", err))
	}
	var order struct {
		OrderNo string `json:"order_no"`
	}
	if err := json.Unmarshal(data, &order); err != nil {
		panic(err)
	}
	fmt.Printf("order %s created, replaying callback n=%d concurrency=%d\n", order.OrderNo, *n, *concurrency)

	token := "lt-auth-token"
	form := url.Values{
		"AuthResultCode": {"0000"},
		"AuthToken":      {token},
		"Moid":           {order.OrderNo},
		"Amt":            {"500"},
		"TxTid":          {"LT-TID-1"},
		"MID":            {*mid},
		"NextAppURL":     {*approveURL},
		"Signature":      {gateway.NicePayCallbackSignature(token, *mid, "500", *mkey)},
	}.Encode()

	start := time.Now()
	results := replay(client, *baseURL+"/api/callbacks/nicepay", form, *n, *concurrency)
	printSummary("duplicate_callback", results)
	fmt.Printf("elapsed: %s approvals seen by stub: %d\n", time.Since(start), approvals.Load())

	data, err = call(client, http.MethodGet, *baseURL+"/api/orders/"+order.OrderNo, nil)
	if err != nil {
		fmt.Println("order check err:", err)
		return
	}
	var view struct {
		Order struct {
			Status string `json:"status"`
		} `json:"order"`
		Payments []struct {
			Type   string `json:"type"`
			Status string `json:"status"`
		} `json:"payments"`
	}
	if err := json.Unmarshal(data, &view); err != nil {
		panic(err)
	}
	charges := 0
	for _, p := range view.Payments {
		if p.Type == "CARD" && p.Status == "COMPLETED" {
			charges++
		}
	}
	fmt.Printf("order status: %s completed card charges: %d (want 1)\n", view.Order.Status, charges)
}

func replay(client *http.Client, endpoint, form string, total, concurrency int) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, total)

	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			req, _ := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(form))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			resp, err := client.Do(req)
			if err != nil {
				results[idx] = Result{Err: err}
				return
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			results[idx] = Result{Status: resp.StatusCode, Body: string(body)}
		}(i)
	}

	wg.Wait()
	return results
}

// printSummary 聚合输出不同状态码分布。
func printSummary(name string, results []Result) {
	count := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
	}
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range []int{200, 202, 400, 409, 429, 500, 502} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

// call 发送请求并拆出 data 字段。
func call(client *http.Client, method, endpoint string, body any) (json.RawMessage, error) {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, endpoint, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}
