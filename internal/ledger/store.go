package ledger

import (
	"context"
	"fmt"

	"checkout_pay/internal/model"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Store 聚合三本账与补偿记录，共享同一个 *gorm.DB（或事务）。
type Store struct {
	db           *gorm.DB
	walletSecret string

	Orders   *OrderLedger
	Payments *PaymentLedger
	Wallets  *WalletLedger
	Sagas    *SagaLedger
}

// NewStore walletSecret 用于钱包流水摘要。
func NewStore(db *gorm.DB, walletSecret string) *Store {
	return &Store{
		db:           db,
		walletSecret: walletSecret,
		Orders:       &OrderLedger{db: db},
		Payments:     &PaymentLedger{db: db},
		Wallets:      &WalletLedger{db: db, secret: walletSecret},
		Sagas:        &SagaLedger{db: db},
	}
}

// DB 底层连接。
func (s *Store) DB() *gorm.DB { return s.db }

// Tx 在单个数据库事务内执行 fn；fn 内只能使用传入的 tx Store，避免占用第二个连接。
func (s *Store) Tx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStore(tx, s.walletSecret))
	})
}

// OpenDB 按驱动打开数据库并迁移表结构。
func OpenDB(driver, dsn string, log *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if driver == "sqlite" {
		// sqlite 单写者，串行化写入避免 database is locked
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	if log != nil {
		log.Info("database ready", zap.String("driver", driver))
	}
	return db, nil
}
