package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"checkout_pay/internal/audit"
	"checkout_pay/internal/config"
	"checkout_pay/internal/gateway"
	"checkout_pay/internal/ledger"
	"checkout_pay/internal/middleware"
	"checkout_pay/internal/payment"
	"checkout_pay/internal/queue"
	"checkout_pay/internal/router"
	"checkout_pay/pkg/logger"
	rediskey "checkout_pay/pkg/redis"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. 数据库（sqlite / postgres），自动建表
	db, err := ledger.OpenDB(cfg.DBDriver, cfg.DBDSN, zl)
	if err != nil {
		zl.Fatal("open database", zap.Error(err))
	}
	store := ledger.NewStore(db, cfg.WalletHashSecret)

	// 2. Redis：订单锁、回调重放缓存、限流、事件 outbox
	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		zl.Fatal("connect redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}

	// 3. Kafka：outbox relay 转发支付事件，可选消费网关回调
	producer := queue.NewProducer(cfg.KafkaBrokers, cfg.PaymentEventTopic)
	defer producer.Close()
	relay := queue.NewRelay(rdb, producer, cfg.PaymentEventStream, cfg.PaymentEventGroup, cfg.PaymentEventConsumer, zl)
	go relay.Run(ctx)
	callbacks := queue.NewProducer(cfg.KafkaBrokers, cfg.CallbackTopic)
	defer callbacks.Close()

	// 4. 网关适配器，往来报文写审计表
	sink := audit.NewSink(db, zl)
	gateways := gateway.NewRegistry(
		gateway.NewInicis(cfg.Inicis,
			gateway.NewTransport(cfg.Inicis.Timeout).WithRateLimit(cfg.GatewayRPS, cfg.GatewayBurst),
			gateway.WithAuditor(sink)),
		gateway.NewNicePay(cfg.NicePay,
			gateway.NewTransport(cfg.NicePay.Timeout).WithRateLimit(cfg.GatewayRPS, cfg.GatewayBurst),
			gateway.WithAuditor(sink)),
	)

	svc := payment.NewService(payment.Deps{
		Store:                store,
		Gateways:             gateways,
		Locker:               rediskey.NewOrderLocker(rdb, cfg.OrderLockTTL, 0),
		Replay:               rediskey.NewReplayStore(rdb, cfg.ReplayCacheTTL),
		Events:               queue.NewOutbox(rdb, cfg.PaymentEventStream),
		Audit:                sink,
		Log:                  zl,
		LegacyAssumeCaptured: cfg.LegacyAssumeCaptured,
	})

	if cfg.CallbackConsumerOn {
		consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.CallbackTopic, cfg.KafkaGroupID, svc, zl)
		defer consumer.Close()
		go consumer.Run(ctx)
	}

	// 5. HTTP
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.RequestLogger(zl), middleware.Recovery(zl))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "X-Request-ID"},
		ExposeHeaders: []string{"Content-Length", "X-Request-ID"},
		MaxAge:        5 * time.Minute,
	}))
	router.Setup(r, router.Deps{
		Service:       svc,
		GatewayLogs:   sink,
		CallbackQueue: callbacks,
		Redis:         rdb,
		Log:           zl,
		RateLimit:     cfg.CallbackRateLimit,
		RateWindow:    cfg.CallbackRateWindow,
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		zl.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error("http server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	zl.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error("http shutdown", zap.Error(err))
	}
}
