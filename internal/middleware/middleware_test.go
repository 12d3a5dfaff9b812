package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func init() { gin.SetMode(gin.TestMode) }

func TestRedisRateLimitPerOrder(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	defer rdb.Close()

	r := gin.New()
	var seen []string
	r.POST("/cb", RedisRateLimit(rdb, "callback", 2, time.Minute, nil), func(c *gin.Context) {
		require.NoError(t, c.Request.ParseForm())
		seen = append(seen, c.PostForm("Moid"))
		c.Status(http.StatusOK)
	})

	post := func(body string) int {
		req := httptest.NewRequest(http.MethodPost, "/cb", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, post("Moid=ORD1&Amt=500"))
	assert.Equal(t, http.StatusOK, post("Moid=ORD1&Amt=500"))
	assert.Equal(t, http.StatusTooManyRequests, post("Moid=ORD1&Amt=500"))
	assert.Equal(t, http.StatusOK, post("Moid=ORD2&Amt=500"), "limit is per order")
	assert.Equal(t, []string{"ORD1", "ORD1", "ORD2"}, seen, "body stays readable downstream")
}

func TestRedisRateLimitFallsBackToIPAndFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	defer rdb.Close()

	r := gin.New()
	r.POST("/refund", RedisRateLimit(rdb, "refund", 1, time.Minute, nil), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	do := func() int {
		req := httptest.NewRequest(http.MethodPost, "/refund", strings.NewReader(`{"reason":"x"}`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}
	assert.Equal(t, http.StatusOK, do())
	assert.Equal(t, http.StatusTooManyRequests, do())

	mr.Close()
	assert.Equal(t, http.StatusOK, do(), "redis down lets requests through")
}

func TestRequestLoggerAndRecovery(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	log := zap.New(core)

	r := gin.New()
	r.Use(RequestLogger(log), Recovery(log))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set("X-Request-ID", "rid-1")
	r.ServeHTTP(w, req)
	assert.Equal(t, "rid-1", w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"code":500,"msg":"internal error"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
	requests := logs.FilterMessage("request").All()
	require.Len(t, requests, 2)
	assert.Equal(t, "rid-1", requests[0].ContextMap()["request_id"])
	assert.Equal(t, zap.ErrorLevel, requests[1].Level)
}
