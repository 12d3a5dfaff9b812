package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"checkout_pay/internal/errs"
	"checkout_pay/internal/gateway"
	"checkout_pay/internal/middleware"
	"checkout_pay/internal/model"
	"checkout_pay/internal/payment"
	"checkout_pay/internal/queue"
	"checkout_pay/pkg/logger"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// GatewayLogs 网关往来审计查询，audit.Sink 实现。
type GatewayLogs interface {
	List(ctx context.Context, orderNo string) ([]model.GatewayLog, error)
}

// CallbackQueue 回调异步入队，queue.Producer 实现。
type CallbackQueue interface {
	PublishCallback(ctx context.Context, orderNo string, msg queue.CallbackMessage) error
}

// Deps 路由依赖。Redis 为 nil 时不限流；CallbackQueue 为 nil 时异步回调入口返回 503。
type Deps struct {
	Service       *payment.Service
	GatewayLogs   GatewayLogs
	CallbackQueue CallbackQueue
	Redis         *rd.Client
	Log           *zap.Logger

	RateLimit  int
	RateWindow time.Duration
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	svc := d.Service
	log := logger.OrNop(d.Log)
	limit := d.RateLimit
	if limit <= 0 {
		limit = 200
	}
	window := d.RateWindow
	if window <= 0 {
		window = time.Second
	}

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	api := r.Group("/api")
	// Wallets
	api.POST("/wallets", openWallet(svc, log))
	api.GET("/wallets/:user_id", getWallet(svc, log))
	api.GET("/users/:user_id/orders", userOrders(svc, log))
	// Orders
	api.POST("/orders", createOrder(svc, log))
	api.GET("/orders/:order_no", orderDetail(svc, log))
	api.GET("/orders/:order_no/status", orderStatus(svc, log))
	api.GET("/orders/:order_no/checkout/:provider", checkoutForm(svc, log))
	api.GET("/orders/:order_no/sagas", sagaHistory(svc, log))
	api.GET("/orders/:order_no/gateway-logs", gatewayLogs(d.GatewayLogs, log))
	// 网关回调与退款
	cbLimit := middleware.RedisRateLimit(d.Redis, "callback", limit, window, log)
	refundLimit := middleware.RedisRateLimit(d.Redis, "refund", limit, window, log)
	api.POST("/callbacks/:provider", cbLimit, callback(svc, log))
	api.POST("/callbacks/:provider/async", cbLimit, enqueueCallback(d.CallbackQueue, log))
	api.POST("/payments/:tid/refund", refundLimit, refundByTID(svc, log))
	api.POST("/orders/:order_no/refund", refundLimit, refundByOrder(svc, log))
	api.POST("/orders/:order_no/refund-points", refundLimit, refundPoints(svc, log))
	api.POST("/orders/:order_no/network-cancel", refundLimit, networkCancel(svc, log))
}

// respond 统一响应：{code,msg,data}。网关类错误同时返回当前结果，便于调用方轮询。
func respond(c *gin.Context, log *zap.Logger, data any, err error) {
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": data})
		return
	}
	kind := errs.KindOf(err)
	status := errs.HTTPStatus(kind)
	body := gin.H{"code": status, "msg": errs.PublicMessage(err)}
	switch kind {
	case errs.KindGatewayTransport, errs.KindGatewayRejected:
		body["data"] = data
	case errs.KindInternal:
		log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "msg": msg})
}

func userIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid user_id")
		return 0, false
	}
	return id, true
}

func openWallet(svc *payment.Service, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			UserID        int64 `json:"user_id" binding:"required,min=1"`
			InitialPoints int64 `json:"initial_points" binding:"min=0"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		w, err := svc.OpenWallet(c.Request.Context(), req.UserID, req.InitialPoints)
		respond(c, log, w, err)
	}
}

func getWallet(svc *payment.Service, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := userIDParam(c)
		if !ok {
			return
		}
		w, err := svc.Wallet(c.Request.Context(), id)
		respond(c, log, w, err)
	}
}

func userOrders(svc *payment.Service, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := userIDParam(c)
		if !ok {
			return
		}
		list, err := svc.UserOrders(c.Request.Context(), id)
		respond(c, log, list, err)
	}
}

// createOrder 建单。积分全额抵扣时直接返回已完成。
func createOrder(svc *payment.Service, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			UserID      int64 `json:"user_id" binding:"required,min=1"`
			TotalAmount int64 `json:"total_amount" binding:"required,min=1"`
			PointsUsed  int64 `json:"points_used" binding:"min=0"`
			CardAmount  int64 `json:"card_amount" binding:"min=0"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		res, err := svc.CreateOrder(c.Request.Context(), payment.CreateOrderRequest{
			UserID:      req.UserID,
			TotalAmount: req.TotalAmount,
			PointsUsed:  req.PointsUsed,
			CardAmount:  req.CardAmount,
		})
		respond(c, log, res, err)
	}
}

func orderDetail(svc *payment.Service, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, err := svc.OrderDetail(c.Request.Context(), c.Param("order_no"))
		respond(c, log, v, err)
	}
}

func orderStatus(svc *payment.Service, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, err := svc.OrderStatus(c.Request.Context(), c.Param("order_no"))
		respond(c, log, v, err)
	}
}

func checkoutForm(svc *payment.Service, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := svc.CheckoutForm(c.Request.Context(), c.Param("order_no"), providerParam(c))
		respond(c, log, form, err)
	}
}

func sagaHistory(svc *payment.Service, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := svc.SagaHistory(c.Request.Context(), c.Param("order_no"))
		respond(c, log, list, err)
	}
}

func gatewayLogs(logs GatewayLogs, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if logs == nil {
			respond(c, log, []model.GatewayLog{}, nil)
			return
		}
		list, err := logs.List(c.Request.Context(), c.Param("order_no"))
		if err != nil {
			err = errs.Internal("list gateway logs", err)
		}
		respond(c, log, list, err)
	}
}

// providerParam 大小写不敏感；auto 表示按回调字段识别。
func providerParam(c *gin.Context) model.Provider {
	p := strings.ToUpper(strings.TrimSpace(c.Param("provider")))
	if p == "AUTO" {
		return ""
	}
	return model.Provider(p)
}

// callback 网关回调入口，支持 JSON 与表单两种提交方式。
func callback(svc *payment.Service, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		fields, err := readFields(c)
		if err != nil {
			badRequest(c, "invalid callback body")
			return
		}
		res, err := svc.ReconcileCallback(c.Request.Context(), providerParam(c), fields)
		respond(c, log, res, err)
	}
}

// enqueueCallback 解码校验后投递到回调 topic，立即返回 202，由消费者对账。
func enqueueCallback(q CallbackQueue, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if q == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"code": http.StatusServiceUnavailable, "msg": "callback queue disabled"})
			return
		}
		fields, err := readFields(c)
		if err != nil {
			badRequest(c, "invalid callback body")
			return
		}
		cb, err := gateway.DecodeCallback(providerParam(c), fields, time.Now())
		if err != nil {
			badRequest(c, "invalid callback: "+err.Error())
			return
		}
		msg := queue.CallbackMessage{Provider: string(cb.Provider), Fields: fields}
		if err := q.PublishCallback(c.Request.Context(), cb.OrderNo, msg); err != nil {
			log.Error("enqueue callback", zap.String("order_no", cb.OrderNo), zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"code": http.StatusServiceUnavailable, "msg": "callback queue unavailable"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"code": 0, "data": gin.H{"order_no": cb.OrderNo, "queued": true}})
	}
}

// readFields JSON 数字保留原文，避免金额被转成浮点。
func readFields(c *gin.Context) (map[string]any, error) {
	raw, err := c.GetRawData()
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("empty body")
	}
	if strings.Contains(c.ContentType(), "json") {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var m map[string]any
		if err := dec.Decode(&m); err != nil {
			return nil, err
		}
		return m, nil
	}
	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, err
	}
	m := make(map[string]any, len(form))
	for k, v := range form {
		if len(v) > 0 {
			m[k] = v[0]
		}
	}
	return m, nil
}

type reasonBody struct {
	Reason string `json:"reason"`
}

// bindReason 退款原因可选，body 为空时忽略。
func bindReason(c *gin.Context) (string, bool) {
	var body reasonBody
	if c.Request.ContentLength == 0 {
		return "", true
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return "", false
	}
	return body.Reason, true
}

func refundByTID(svc *payment.Service, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reason, ok := bindReason(c)
		if !ok {
			return
		}
		res, err := svc.RefundByTransactionID(c.Request.Context(), c.Param("tid"),
			payment.RefundRequest{Reason: reason, ClientIP: c.ClientIP()})
		respond(c, log, res, err)
	}
}

func refundByOrder(svc *payment.Service, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reason, ok := bindReason(c)
		if !ok {
			return
		}
		res, err := svc.RefundByOrder(c.Request.Context(), c.Param("order_no"),
			payment.RefundRequest{Reason: reason, ClientIP: c.ClientIP()})
		respond(c, log, res, err)
	}
}

func refundPoints(svc *payment.Service, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reason, ok := bindReason(c)
		if !ok {
			return
		}
		res, err := svc.RefundPoints(c.Request.Context(), c.Param("order_no"),
			payment.RefundRequest{Reason: reason, ClientIP: c.ClientIP()})
		respond(c, log, res, err)
	}
}

// networkCancel 人工触发或恢复网络取消补偿。
func networkCancel(svc *payment.Service, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reason, ok := bindReason(c)
		if !ok {
			return
		}
		res, err := svc.NetworkCancel(c.Request.Context(), payment.NetworkCancelRequest{
			OrderNo:  c.Param("order_no"),
			Reason:   reason,
			ClientIP: c.ClientIP(),
		})
		respond(c, log, res, err)
	}
}
