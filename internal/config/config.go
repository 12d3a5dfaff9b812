package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"checkout_pay/pkg/logger"

	"github.com/joho/godotenv"
)

// InicisConfig 同步签名回调型网关（Variant A）的商户参数，构造后只读。
type InicisConfig struct {
	MerchantID string
	SignKey    string
	APIKey     string
	ApproveURL string
	RefundURL  string
	Timeout    time.Duration
}

// NicePayConfig 两阶段令牌交换型网关（Variant B）的商户参数，构造后只读。
type NicePayConfig struct {
	MerchantID   string
	MerchantKey  string
	CancelURL    string
	NetCancelURL string
	Timeout      time.Duration
}

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr string

	// sqlite | postgres
	DBDriver string
	DBDSN    string

	RedisAddr string
	RedisDB   int

	// Kafka 集群地址（逗号分隔）；支付事件 topic 与网关回调 topic
	KafkaBrokers       []string
	PaymentEventTopic  string
	CallbackTopic      string
	KafkaGroupID       string
	CallbackConsumerOn bool

	// Redis Stream outbox（订单状态变更原子入流，Relay 异步转 Kafka）
	PaymentEventStream   string
	PaymentEventGroup    string
	PaymentEventConsumer string

	// 回调/退款接口限流
	CallbackRateLimit  int
	CallbackRateWindow time.Duration

	// 出站网关调用限速（每秒请求数 / 突发），0 表示不限速
	GatewayRPS   float64
	GatewayBurst int

	// 允许跨域访问的结账前端地址（逗号分隔）
	CORSOrigins []string

	// 回调重放缓存与订单锁
	ReplayCacheTTL time.Duration
	OrderLockTTL   time.Duration

	// 传输异常时按"已扣款"处理的兼容开关，默认关闭
	LegacyAssumeCaptured bool
	// 钱包流水防篡改签名密钥
	WalletHashSecret string

	Inicis  InicisConfig
	NicePay NicePayConfig
	Log     logger.Config
}

// Load 读取并校验配置，缺失时使用默认值。存在 .env 时先加载。
func Load() (AppConfig, error) {
	_ = godotenv.Load()

	cfg := AppConfig{
		HTTPAddr:             getEnv("HTTP_ADDR", ":8080"),
		DBDriver:             getEnv("DB_DRIVER", "sqlite"),
		DBDSN:                getEnv("DB_DSN", "checkout_pay.db"),
		RedisAddr:            getEnv("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers:         splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		PaymentEventTopic:    getEnv("PAYMENT_EVENT_TOPIC", "payment-events"),
		CallbackTopic:        getEnv("CALLBACK_TOPIC", "gateway-callbacks"),
		KafkaGroupID:         getEnv("KAFKA_GROUP_ID", "checkout-pay-callback-consumer"),
		PaymentEventStream:   getEnv("PAYMENT_EVENT_STREAM", "checkout_pay:payment_events"),
		PaymentEventGroup:    getEnv("PAYMENT_EVENT_GROUP", "checkout-pay-relay-group"),
		PaymentEventConsumer: getEnv("PAYMENT_EVENT_CONSUMER", "checkout-pay-relay-1"),
		WalletHashSecret:     getEnv("WALLET_HASH_SECRET", "dev-wallet-secret"),
		CORSOrigins:          splitCSV(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
		Inicis: InicisConfig{
			MerchantID: getEnv("INICIS_MID", "INIpayTest"),
			SignKey:    getEnv("INICIS_SIGN_KEY", ""),
			APIKey:     getEnv("INICIS_API_KEY", ""),
			ApproveURL: getEnv("INICIS_APPROVE_URL", ""),
			RefundURL:  getEnv("INICIS_REFUND_URL", "https://iniapi.inicis.com/api/v1/refund"),
		},
		NicePay: NicePayConfig{
			MerchantID:   getEnv("NICEPAY_MID", "nicepay00m"),
			MerchantKey:  getEnv("NICEPAY_MERCHANT_KEY", ""),
			CancelURL:    getEnv("NICEPAY_CANCEL_URL", "https://pg-api.nicepay.co.kr/webapi/cancel_process.jsp"),
			NetCancelURL: getEnv("NICEPAY_NET_CANCEL_URL", "https://pg-api.nicepay.co.kr/webapi/cancel_process.jsp"),
		},
		Log: logger.Config{
			Level:    getEnv("LOG_LEVEL", "INFO"),
			Filename: getEnv("LOG_FILENAME", ""),
		},
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	if cfg.CallbackConsumerOn, err = getEnvBool("CALLBACK_CONSUMER_ENABLED", true); err != nil {
		return AppConfig{}, fmt.Errorf("invalid CALLBACK_CONSUMER_ENABLED: %w", err)
	}
	if cfg.LegacyAssumeCaptured, err = getEnvBool("LEGACY_ASSUME_CAPTURED", false); err != nil {
		return AppConfig{}, fmt.Errorf("invalid LEGACY_ASSUME_CAPTURED: %w", err)
	}

	rateLimit, err := getEnvInt("CALLBACK_RATE_LIMIT", 200)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid CALLBACK_RATE_LIMIT: %w", err)
	}
	if rateLimit <= 0 {
		return AppConfig{}, fmt.Errorf("CALLBACK_RATE_LIMIT must be > 0")
	}
	cfg.CallbackRateLimit = rateLimit

	if cfg.GatewayRPS, err = strconv.ParseFloat(getEnv("GATEWAY_RPS", "50"), 64); err != nil {
		return AppConfig{}, fmt.Errorf("invalid GATEWAY_RPS: %w", err)
	}
	if cfg.GatewayBurst, err = getEnvInt("GATEWAY_BURST", 10); err != nil {
		return AppConfig{}, fmt.Errorf("invalid GATEWAY_BURST: %w", err)
	}

	if cfg.CallbackRateWindow, err = positiveDuration("CALLBACK_RATE_WINDOW_SEC", 1, time.Second); err != nil {
		return AppConfig{}, err
	}
	if cfg.ReplayCacheTTL, err = positiveDuration("REPLAY_CACHE_TTL_HOUR", 24, time.Hour); err != nil {
		return AppConfig{}, err
	}
	if cfg.OrderLockTTL, err = positiveDuration("ORDER_LOCK_TTL_SEC", 30, time.Second); err != nil {
		return AppConfig{}, err
	}
	if cfg.Inicis.Timeout, err = positiveDuration("INICIS_TIMEOUT_SEC", 10, time.Second); err != nil {
		return AppConfig{}, err
	}
	if cfg.NicePay.Timeout, err = positiveDuration("NICEPAY_TIMEOUT_SEC", 10, time.Second); err != nil {
		return AppConfig{}, err
	}
	if cfg.Log.MaxSize, err = getEnvInt("LOG_MAX_SIZE", 100); err != nil {
		return AppConfig{}, fmt.Errorf("invalid LOG_MAX_SIZE: %w", err)
	}
	if cfg.Log.MaxBackups, err = getEnvInt("LOG_MAX_BACKUPS", 5); err != nil {
		return AppConfig{}, fmt.Errorf("invalid LOG_MAX_BACKUPS: %w", err)
	}
	if cfg.Log.MaxAge, err = getEnvInt("LOG_MAX_AGE", 30); err != nil {
		return AppConfig{}, fmt.Errorf("invalid LOG_MAX_AGE: %w", err)
	}

	if cfg.DBDriver != "sqlite" && cfg.DBDriver != "postgres" {
		return AppConfig{}, fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", cfg.DBDriver)
	}
	if cfg.DBDSN == "" {
		return AppConfig{}, fmt.Errorf("DB_DSN must not be empty")
	}
	if len(cfg.KafkaBrokers) == 0 {
		return AppConfig{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if cfg.PaymentEventTopic == "" {
		return AppConfig{}, fmt.Errorf("PAYMENT_EVENT_TOPIC must not be empty")
	}
	if cfg.CallbackTopic == "" {
		return AppConfig{}, fmt.Errorf("CALLBACK_TOPIC must not be empty")
	}
	if cfg.KafkaGroupID == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_GROUP_ID must not be empty")
	}
	if cfg.PaymentEventStream == "" {
		return AppConfig{}, fmt.Errorf("PAYMENT_EVENT_STREAM must not be empty")
	}
	if cfg.PaymentEventGroup == "" {
		return AppConfig{}, fmt.Errorf("PAYMENT_EVENT_GROUP must not be empty")
	}
	if cfg.PaymentEventConsumer == "" {
		return AppConfig{}, fmt.Errorf("PAYMENT_EVENT_CONSUMER must not be empty")
	}
	if cfg.Inicis.MerchantID == "" || cfg.NicePay.MerchantID == "" {
		return AppConfig{}, fmt.Errorf("INICIS_MID and NICEPAY_MID must not be empty")
	}

	return cfg, nil
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseBool(v)
}

// positiveDuration 读取正整数并按 unit 换算。
func positiveDuration(key string, fallback int, unit time.Duration) (time.Duration, error) {
	n, err := getEnvInt(key, fallback)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return time.Duration(n) * unit, nil
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
