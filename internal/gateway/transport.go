package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Doer 便于测试替换 http.Client。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Transport 出站 HTTP 调用，超时有界。limiter 非空时按商户限速。
type Transport struct {
	client  Doer
	limiter *rate.Limiter
}

func NewTransport(timeout time.Duration) *Transport {
	return &Transport{client: &http.Client{Timeout: timeout}}
}

// NewTransportWithClient 注入自定义客户端。
func NewTransportWithClient(c Doer) *Transport {
	return &Transport{client: c}
}

// WithRateLimit 限制每秒出站请求数，rps <= 0 时不限速。
func (t *Transport) WithRateLimit(rps float64, burst int) *Transport {
	if rps <= 0 {
		t.limiter = nil
		return t
	}
	if burst <= 0 {
		burst = 1
	}
	t.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	return t
}

// Response 原始响应。Err 非空表示没有拿到可用的 2xx 响应。
type Response struct {
	Status int
	Body   string
	Fields map[string]string
	Err    error
	// ParseErr 2xx 但报文无法解析
	ParseErr error
}

var ErrNon2xx = errors.New("gateway returned non-2xx status")

// PostForm application/x-www-form-urlencoded，键按字典序编码。
func (t *Transport) PostForm(ctx context.Context, endpoint string, form map[string]string) Response {
	values := url.Values{}
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		values.Set(k, form[k])
	}
	return t.do(ctx, endpoint, "application/x-www-form-urlencoded; charset=utf-8", strings.NewReader(values.Encode()))
}

// PostJSON application/json
func (t *Transport) PostJSON(ctx context.Context, endpoint string, body any) Response {
	b, err := json.Marshal(body)
	if err != nil {
		return Response{Err: fmt.Errorf("encode request: %w", err)}
	}
	return t.do(ctx, endpoint, "application/json", bytes.NewReader(b))
}

func (t *Transport) do(ctx context.Context, endpoint, contentType string, body io.Reader) Response {
	if endpoint == "" {
		return Response{Err: errors.New("gateway endpoint not configured")}
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return Response{Err: fmt.Errorf("outbound rate limit: %w", err)}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return Response{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json, text/plain")

	resp, err := t.client.Do(req)
	if err != nil {
		return Response{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	out := Response{Status: resp.StatusCode, Body: string(raw)}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		out.Err = fmt.Errorf("%w: %d", ErrNon2xx, resp.StatusCode)
		return out
	}
	out.Fields, out.ParseErr = ParseBody(out.Body)
	return out
}

// ParseBody 网关响应可能是 JSON 对象，也可能是 k=v&k=v。
func ParseBody(body string) (map[string]string, error) {
	s := strings.TrimSpace(body)
	if s == "" {
		return nil, errors.New("empty response body")
	}
	if strings.HasPrefix(s, "{") {
		dec := json.NewDecoder(strings.NewReader(s))
		dec.UseNumber()
		var m map[string]any
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("decode json body: %w", err)
		}
		return Stringify(m), nil
	}

	out := make(map[string]string)
	for _, pair := range strings.Split(s, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		if dk, err := url.QueryUnescape(k); err == nil {
			k = dk
		}
		if dv, err := url.QueryUnescape(v); err == nil {
			v = dv
		}
		if k != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil, errors.New("unrecognized response body")
	}
	return out, nil
}
