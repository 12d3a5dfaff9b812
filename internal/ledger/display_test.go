package ledger

import (
	"testing"
	"time"

	"checkout_pay/internal/model"

	"github.com/stretchr/testify/assert"
)

func TestFilterForDisplay(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	events := []model.PaymentEvent{
		{ID: 1, Type: model.PaymentPoint, Status: model.PaymentCompleted, Amount: 500, PaymentDate: t0},
		{ID: 2, Type: model.PaymentCard, Status: model.PaymentRefunded, Amount: 500, PaymentDate: t0.Add(time.Minute), TransactionID: model.StrPtr("T-1")},
		{ID: 3, Type: model.PaymentCardRefund, Status: model.PaymentRefunded, Amount: -500, PaymentDate: t0.Add(2 * time.Minute), TransactionID: model.StrPtr("T-1")},
	}

	out := FilterForDisplay(events)
	ids := make([]uint, 0, len(out))
	for _, ev := range out {
		ids = append(ids, ev.ID)
	}
	assert.Equal(t, []uint{3, 1}, ids)
	assert.Len(t, events, 3, "input is not modified")
}

func TestFilterForDisplayDedupeKeepsNewest(t *testing.T) {
	t0 := time.Now()
	events := []model.PaymentEvent{
		{ID: 1, Type: model.PaymentCard, Status: model.PaymentFailed, Amount: 500, PaymentDate: t0, TransactionID: model.StrPtr("T-1")},
		{ID: 2, Type: model.PaymentCard, Status: model.PaymentCompleted, Amount: 500, PaymentDate: t0, TransactionID: model.StrPtr("T-1")},
		{ID: 3, Type: model.PaymentPoint, Status: model.PaymentCompleted, Amount: 100, PaymentDate: t0},
		{ID: 4, Type: model.PaymentPoint, Status: model.PaymentCompleted, Amount: 100, PaymentDate: t0},
	}
	out := FilterForDisplay(events)
	assert.Len(t, out, 3)
	assert.Equal(t, uint(4), out[0].ID)
	assert.Equal(t, uint(3), out[1].ID)
	assert.Equal(t, uint(2), out[2].ID)
}

func TestFilterForDisplayHidesPointOnPointRefund(t *testing.T) {
	t0 := time.Now()
	events := []model.PaymentEvent{
		{ID: 1, Type: model.PaymentPoint, Status: model.PaymentRefunded, Amount: 500, PaymentDate: t0},
		{ID: 2, Type: model.PaymentPointRefund, Status: model.PaymentCompleted, Amount: -500, PaymentDate: t0.Add(time.Second)},
		{ID: 3, Type: model.PaymentCard, Status: model.PaymentCompleted, Amount: 500, PaymentDate: t0, TransactionID: model.StrPtr("T")},
	}
	out := FilterForDisplay(events)
	assert.Len(t, out, 2)
	for _, ev := range out {
		assert.NotEqual(t, model.PaymentPoint, ev.Type)
	}
}

func TestAmounts(t *testing.T) {
	events := []model.PaymentEvent{
		{Type: model.PaymentPoint, Status: model.PaymentCompleted, Amount: 500},
		{Type: model.PaymentCard, Status: model.PaymentCompleted, Amount: 500},
		{Type: model.PaymentCard, Status: model.PaymentFailed, Amount: 300},
		{Type: model.PaymentCardRefund, Status: model.PaymentRefunded, Amount: -200},
	}
	assert.Equal(t, int64(1000), ActiveAmount(events))
	assert.Equal(t, int64(200), RefundedAmount(events))
}

func TestRefundCandidate(t *testing.T) {
	t0 := time.Now()
	events := []model.PaymentEvent{
		{ID: 1, Type: model.PaymentPoint, Status: model.PaymentCompleted, Amount: 500, PaymentDate: t0},
		{ID: 2, Type: model.PaymentCard, Status: model.PaymentCompleted, Amount: 500, PaymentDate: t0, TransactionID: model.StrPtr("T")},
	}
	ev, ok := RefundCandidate(events)
	assert.True(t, ok)
	assert.Equal(t, uint(2), ev.ID)

	events = append(events, model.PaymentEvent{ID: 3, Type: model.PaymentCardRefund, Status: model.PaymentRefunded, Amount: -500, PaymentDate: t0.Add(time.Second), TransactionID: model.StrPtr("T")})
	_, ok = RefundCandidate(events)
	assert.False(t, ok)
}
