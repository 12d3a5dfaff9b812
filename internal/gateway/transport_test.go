package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "busy")
	}))
	defer srv.Close()

	resp := NewTransport(time.Second).PostForm(context.Background(), srv.URL, map[string]string{"a": "1"})
	assert.ErrorIs(t, resp.Err, ErrNon2xx)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, "busy", resp.Body)
}

func TestTransportRateLimit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"ResultCode":"2001"}`)
	}))
	defer srv.Close()

	tr := NewTransport(time.Second).WithRateLimit(0.001, 1)
	resp := tr.PostJSON(context.Background(), srv.URL, map[string]string{"TID": "T1"})
	require.NoError(t, resp.Err)
	assert.Equal(t, "2001", resp.Fields["ResultCode"])

	// 令牌耗尽，等待超出截止时间
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	resp = tr.PostJSON(ctx, srv.URL, map[string]string{"TID": "T1"})
	assert.Error(t, resp.Err)
	assert.Equal(t, int32(1), hits.Load(), "throttled request never reaches the gateway")

	assert.Nil(t, NewTransport(time.Second).WithRateLimit(0, 5).limiter)
}
