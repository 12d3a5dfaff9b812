package model

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Wallet 用户积分余额。
type Wallet struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID  int64 `gorm:"uniqueIndex;not null" json:"user_id"`
	Points  int64 `gorm:"not null;default:0" json:"points"`
	Version int64 `gorm:"not null;default:0" json:"-"`
}

func (Wallet) TableName() string { return "wallets" }

type WalletEntryKind string

const (
	EntryDebit      WalletEntryKind = "DEBIT"      // 下单抵扣
	EntryRestore    WalletEntryKind = "RESTORE"    // 支付失败返还
	EntryBonus      WalletEntryKind = "BONUS"      // 支付完成奖励
	EntryRefund     WalletEntryKind = "REFUND"     // 积分退款
	EntryAdjustment WalletEntryKind = "ADJUSTMENT" // 开户 / 人工调整
)

// WalletEntry 积分变动流水，带变动前后余额与防篡改摘要。
type WalletEntry struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	UserID        int64           `gorm:"not null;index" json:"user_id"`
	OrderNo       string          `gorm:"size:64;index" json:"order_no"`
	Kind          WalletEntryKind `gorm:"size:16;not null" json:"kind"`
	Delta         int64           `gorm:"not null" json:"delta"`
	BalanceBefore int64           `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64           `gorm:"not null" json:"balance_after"`
	Hash          string          `gorm:"size:64;not null" json:"-"`
}

func (WalletEntry) TableName() string { return "wallet_entries" }

// ComputeHash HMAC-SHA256(secret, userId|orderNo|kind|delta|before|after)
func (e *WalletEntry) ComputeHash(secret string) string {
	payload := fmt.Sprintf("%d|%s|%s|%d|%d|%d", e.UserID, e.OrderNo, e.Kind, e.Delta, e.BalanceBefore, e.BalanceAfter)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify 校验流水未被篡改。
func (e *WalletEntry) Verify(secret string) bool {
	return hmac.Equal([]byte(e.Hash), []byte(e.ComputeHash(secret)))
}
