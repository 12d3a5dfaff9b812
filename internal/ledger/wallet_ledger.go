package ledger

import (
	"context"
	"errors"

	"checkout_pay/internal/errs"
	"checkout_pay/internal/model"

	"gorm.io/gorm"
)

// WalletLedger 积分钱包。Debit/Credit 本身不幂等，补偿调用方需保证每笔扣减只返还一次。
type WalletLedger struct {
	db     *gorm.DB
	secret string
}

// Open 开户并写入初始余额；已存在时直接返回。
func (l *WalletLedger) Open(ctx context.Context, userID, initial int64) (*model.Wallet, error) {
	var w model.Wallet
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("user_id = ?", userID).First(&w).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		w = model.Wallet{UserID: userID, Points: initial}
		if err := tx.Create(&w).Error; err != nil {
			return err
		}
		if initial == 0 {
			return nil
		}
		return l.journal(tx, userID, "", model.EntryAdjustment, initial, 0, initial)
	})
	if err != nil {
		return nil, errs.Internal("open wallet", err)
	}
	return &w, nil
}

// Balance 当前积分。
func (l *WalletLedger) Balance(ctx context.Context, userID int64) (int64, error) {
	var w model.Wallet
	if err := l.db.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, errs.Validation("user wallet not found")
		}
		return 0, errs.Internal("load wallet", err)
	}
	return w.Points, nil
}

// Debit 条件扣减：余额不足时 InsufficientFunds，不产生任何修改。
func (l *WalletLedger) Debit(ctx context.Context, userID, points int64, orderNo string) error {
	if points < 0 {
		return errs.Validation("points must be >= 0")
	}
	if points == 0 {
		return nil
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Wallet{}).
			Where("user_id = ? AND points >= ?", userID, points).
			Updates(map[string]any{
				"points":  gorm.Expr("points - ?", points),
				"version": gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return errs.Internal("debit wallet", res.Error)
		}
		if res.RowsAffected == 0 {
			if _, err := (&WalletLedger{db: tx}).Balance(ctx, userID); err != nil {
				return err
			}
			return errs.InsufficientFunds("insufficient points")
		}
		after, err := (&WalletLedger{db: tx}).Balance(ctx, userID)
		if err != nil {
			return err
		}
		return l.journal(tx, userID, orderNo, model.EntryDebit, -points, after+points, after)
	})
}

// Credit 原子增加积分。
func (l *WalletLedger) Credit(ctx context.Context, userID, points int64, orderNo string, kind model.WalletEntryKind) error {
	if points < 0 {
		return errs.Validation("points must be >= 0")
	}
	if points == 0 {
		return nil
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Wallet{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{
				"points":  gorm.Expr("points + ?", points),
				"version": gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return errs.Internal("credit wallet", res.Error)
		}
		if res.RowsAffected == 0 {
			return errs.Validation("user wallet not found")
		}
		after, err := (&WalletLedger{db: tx}).Balance(ctx, userID)
		if err != nil {
			return err
		}
		return l.journal(tx, userID, orderNo, kind, points, after-points, after)
	})
}

// Entries 钱包流水，按时间顺序。
func (l *WalletLedger) Entries(ctx context.Context, userID int64) ([]model.WalletEntry, error) {
	var list []model.WalletEntry
	if err := l.db.WithContext(ctx).Where("user_id = ?", userID).Order("id ASC").Find(&list).Error; err != nil {
		return nil, errs.Internal("list wallet entries", err)
	}
	return list, nil
}

func (l *WalletLedger) journal(tx *gorm.DB, userID int64, orderNo string, kind model.WalletEntryKind, delta, before, after int64) error {
	e := &model.WalletEntry{
		UserID:        userID,
		OrderNo:       orderNo,
		Kind:          kind,
		Delta:         delta,
		BalanceBefore: before,
		BalanceAfter:  after,
	}
	e.Hash = e.ComputeHash(l.secret)
	if err := tx.Create(e).Error; err != nil {
		return errs.Internal("write wallet entry", err)
	}
	return nil
}
