package ledger

import (
	"sort"

	"checkout_pay/internal/model"
)

// SortNewestFirst 按支付时间倒序，时间相同按主键倒序。
func SortNewestFirst(events []model.PaymentEvent) []model.PaymentEvent {
	out := make([]model.PaymentEvent, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].PaymentDate.Equal(out[j].PaymentDate) {
			return out[i].PaymentDate.After(out[j].PaymentDate)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// FilterForDisplay 展示投影：
// 1. 同一交易号只保留最新一条，无交易号的事件（如积分抵扣）不去重；
// 2. 存在 CARD_REFUND 时隐藏原 CARD 扣款，存在 POINT_REFUND 时隐藏原 POINT 扣款。
// 原始流水不受影响。
func FilterForDisplay(events []model.PaymentEvent) []model.PaymentEvent {
	sorted := SortNewestFirst(events)

	seen := make(map[string]struct{}, len(sorted))
	deduped := make([]model.PaymentEvent, 0, len(sorted))
	for _, ev := range sorted {
		tid := ev.TID()
		if tid == "" {
			deduped = append(deduped, ev)
			continue
		}
		if _, ok := seen[tid]; ok {
			continue
		}
		seen[tid] = struct{}{}
		deduped = append(deduped, ev)
	}

	var hasCardRefund, hasPointRefund bool
	for _, ev := range deduped {
		switch ev.Type {
		case model.PaymentCardRefund:
			hasCardRefund = true
		case model.PaymentPointRefund:
			hasPointRefund = true
		}
	}

	out := make([]model.PaymentEvent, 0, len(deduped))
	for _, ev := range deduped {
		if hasCardRefund && ev.Type == model.PaymentCard {
			continue
		}
		if hasPointRefund && ev.Type == model.PaymentPoint {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// ActiveAmount 有效扣款合计：CARD/POINT 类型、COMPLETED、金额为正。
func ActiveAmount(events []model.PaymentEvent) int64 {
	var sum int64
	for _, ev := range events {
		if ev.Type.IsRefund() || ev.Status != model.PaymentCompleted || ev.Amount <= 0 {
			continue
		}
		sum += ev.Amount
	}
	return sum
}

// RefundedAmount 退款 / 冲正合计（正数）。
func RefundedAmount(events []model.PaymentEvent) int64 {
	var sum int64
	for _, ev := range events {
		if ev.Amount < 0 {
			sum -= ev.Amount
		}
	}
	return sum
}

// RefundCandidate 按订单退款的候选：展示投影中最新一条已完成卡扣款。
func RefundCandidate(events []model.PaymentEvent) (model.PaymentEvent, bool) {
	for _, ev := range FilterForDisplay(events) {
		if ev.Type == model.PaymentCard && ev.Status == model.PaymentCompleted && ev.Amount > 0 {
			return ev, true
		}
	}
	return model.PaymentEvent{}, false
}
