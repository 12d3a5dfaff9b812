package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"checkout_pay/pkg/logger"
	rediskey "checkout_pay/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// luaRateLimit：Redis 滑动窗口限流 Lua 脚本（原子操作）
// KEYS[1]=限流key，ARGV[1]=当前时间戳(ms)，ARGV[2]=窗口开始时间戳(ms)，ARGV[3]=窗口秒数，ARGV[4]=成员，ARGV[5]=上限
// 返回：当前窗口内的请求数（超限返回 -1）
const luaRateLimit = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local windowSec = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '0', windowStart)

local count = redis.call('ZCARD', key)

if count < tonumber(ARGV[5]) then
  redis.call('ZADD', key, now, member)
  redis.call('EXPIRE', key, windowSec)
  return count + 1
else
  return -1
end
`

// 订单号在请求体中的常见字段名，与网关回调保持一致。
var orderNoFields = []string{"order_no", "orderNumber", "oid", "Moid", "MOID"}

// RedisRateLimit 按订单号限流，取不到订单号时按客户端 IP。
// scope 区分路由分组；Redis 不可用时放行。
func RedisRateLimit(rdb *rd.Client, scope string, limit int, window time.Duration, log *zap.Logger) gin.HandlerFunc {
	log = logger.OrNop(log)
	windowSec := int64(window / time.Second)
	if windowSec <= 0 {
		windowSec = 1
	}
	return func(c *gin.Context) {
		if rdb == nil {
			c.Next()
			return
		}
		subject := "order:" + extractOrderNo(c)
		if subject == "order:" {
			subject = "ip:" + c.ClientIP()
		}
		key := rediskey.RateLimitKey(scope, subject)

		now := time.Now()
		nowMs := now.UnixMilli()
		windowStart := nowMs - windowSec*1000
		member := fmt.Sprintf("%d-%d", nowMs, now.UnixNano())

		res, err := rdb.Eval(c.Request.Context(), luaRateLimit, []string{key},
			nowMs, windowStart, windowSec, member, limit).Int()
		if err != nil {
			log.Warn("rate limit unavailable, allowing request", zap.String("key", key), zap.Error(err))
			c.Next()
			return
		}
		if res < 0 {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": http.StatusTooManyRequests,
				"msg":  "too many requests, retry later",
			})
			return
		}
		c.Next()
	}
}

// extractOrderNo 路径参数优先，其次请求体（JSON 或表单）。读取后重置 body 供后续 handler 使用。
func extractOrderNo(c *gin.Context) string {
	if v := c.Param("order_no"); v != "" {
		return v
	}
	if c.Request.Body == nil {
		return ""
	}
	bodyBytes, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return ""
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	if len(bodyBytes) == 0 {
		return ""
	}

	if strings.Contains(c.ContentType(), "json") {
		var m map[string]any
		if err := json.Unmarshal(bodyBytes, &m); err != nil {
			return ""
		}
		for _, k := range orderNoFields {
			if s, ok := m[k].(string); ok && s != "" {
				return s
			}
		}
		return ""
	}
	form, err := url.ParseQuery(string(bodyBytes))
	if err != nil {
		return ""
	}
	for _, k := range orderNoFields {
		if s := form.Get(k); s != "" {
			return s
		}
	}
	return ""
}
