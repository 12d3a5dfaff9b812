package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"checkout_pay/internal/errs"
	"checkout_pay/internal/ledger/ledgertest"
	"checkout_pay/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	return NewStore(ledgertest.NewDB(t), ledgertest.WalletSecret)
}

func TestWalletDebitCredit(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.Wallets.Open(ctx, 1, 500)
	require.NoError(t, err)

	require.NoError(t, s.Wallets.Debit(ctx, 1, 300, "ORD1"))
	bal, err := s.Wallets.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(200), bal)

	err = s.Wallets.Debit(ctx, 1, 201, "ORD2")
	assert.True(t, errs.Is(err, errs.KindInsufficientFunds))
	bal, _ = s.Wallets.Balance(ctx, 1)
	assert.Equal(t, int64(200), bal, "failed debit must not mutate")

	require.NoError(t, s.Wallets.Credit(ctx, 1, 300, "ORD1", model.EntryRestore))
	bal, _ = s.Wallets.Balance(ctx, 1)
	assert.Equal(t, int64(500), bal)

	entries, err := s.Wallets.Entries(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, model.EntryDebit, entries[1].Kind)
	assert.Equal(t, int64(500), entries[1].BalanceBefore)
	assert.Equal(t, int64(200), entries[1].BalanceAfter)
	for _, e := range entries {
		assert.True(t, e.Verify(ledgertest.WalletSecret))
	}
}

func TestWalletUnknownUser(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	err := s.Wallets.Debit(ctx, 42, 10, "ORD1")
	assert.True(t, errs.Is(err, errs.KindValidation))
	err = s.Wallets.Credit(ctx, 42, 10, "ORD1", model.EntryBonus)
	assert.True(t, errs.Is(err, errs.KindValidation))
	assert.NoError(t, s.Wallets.Debit(ctx, 42, 0, "ORD1"))
}

func TestOrderTransition(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Now()

	o := &model.Order{OrderNo: "ORD1", UserID: 1, TotalAmount: 1000, CardAmount: 1000, Status: model.OrderPending}
	require.NoError(t, s.Orders.Create(ctx, o))

	err := s.Orders.Create(ctx, &model.Order{OrderNo: "ORD1", UserID: 2, TotalAmount: 1, Status: model.OrderPending})
	assert.True(t, errs.Is(err, errs.KindValidation))

	changed, err := s.Orders.Transition(ctx, o, model.OrderApproved, now)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NotNil(t, o.ApprovedAt)

	changed, err = s.Orders.Transition(ctx, o, model.OrderCompleted, now)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.Orders.Transition(ctx, o, model.OrderCompleted, now)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = s.Orders.Transition(ctx, o, model.OrderFailed, now)
	assert.True(t, errors.Is(err, ErrIllegalTransition))

	stale := &model.Order{OrderNo: "ORD1", Status: model.OrderPending}
	_, err = s.Orders.Transition(ctx, stale, model.OrderApproved, now)
	assert.True(t, errs.Is(err, errs.KindIdempotencyConflict))

	got, err := s.Orders.Get(ctx, "ORD1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderCompleted, got.Status)

	_, err = s.Orders.Get(ctx, "missing")
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestPaymentLedgerLookups(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	base := time.Now().Add(-time.Hour)

	open := &model.PaymentEvent{OrderNo: "ORD1", UserID: 1, Amount: 500, Status: model.PaymentPending, Type: model.PaymentCard, PaymentDate: base}
	require.NoError(t, s.Payments.Append(ctx, open))

	ev, found, err := s.Payments.LatestOpen(ctx, "ORD1", model.PaymentCard)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, open.ID, ev.ID)

	require.NoError(t, s.Payments.UpdateOpen(ctx, &ev, map[string]any{
		"transaction_id": model.StrPtr("T-1"),
		"status":         model.PaymentCompleted,
		"result_code":    "0000",
	}))
	assert.Equal(t, "T-1", ev.TID())

	err = s.Payments.UpdateOpen(ctx, &ev, map[string]any{"result_code": "9999"})
	assert.True(t, errs.Is(err, errs.KindIdempotencyConflict), "completed events are frozen")

	_, found, err = s.Payments.LatestOpen(ctx, "ORD1", model.PaymentCard)
	require.NoError(t, err)
	assert.False(t, found)

	byTID, found, err := s.Payments.FindByTransactionID(ctx, "ORD1", "T-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ev.ID, byTID.ID)

	completed, found, err := s.Payments.LatestCompletedByTransactionID(ctx, "T-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(500), completed.Amount)

	require.NoError(t, s.Payments.UpdateStatus(ctx, &completed, model.PaymentCompleted, model.PaymentRefunded, "customer request"))
	assert.Equal(t, model.PaymentRefunded, completed.Status)
	assert.Equal(t, int64(500), completed.Amount)

	err = s.Payments.UpdateStatus(ctx, &completed, model.PaymentCompleted, model.PaymentRefunded, "")
	assert.True(t, errs.Is(err, errs.KindIdempotencyConflict))

	latest, found, err := s.Payments.LatestByOrder(ctx, "ORD1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ev.ID, latest.ID)
}

func TestDeriveCancelled(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Now()

	o := &model.Order{OrderNo: "ORD1", UserID: 1, TotalAmount: 1000, CardAmount: 500, PointsUsed: 500, Status: model.OrderCompleted}
	require.NoError(t, s.Orders.Create(ctx, o))

	events := []model.PaymentEvent{
		{ID: 1, Type: model.PaymentPoint, Status: model.PaymentCompleted, Amount: 500, PaymentDate: now},
		{ID: 2, Type: model.PaymentCard, Status: model.PaymentRefunded, Amount: 500, PaymentDate: now, TransactionID: model.StrPtr("T")},
		{ID: 3, Type: model.PaymentCardRefund, Status: model.PaymentRefunded, Amount: -500, PaymentDate: now, TransactionID: model.StrPtr("T")},
	}
	changed, err := s.Orders.DeriveCancelled(ctx, o, events, now)
	require.NoError(t, err)
	assert.False(t, changed, "points still active")

	events[0].Status = model.PaymentRefunded
	events = append(events, model.PaymentEvent{ID: 4, Type: model.PaymentPointRefund, Status: model.PaymentCompleted, Amount: -500, PaymentDate: now})
	changed, err = s.Orders.DeriveCancelled(ctx, o, events, now)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.OrderCancelled, o.Status)
}

func TestSagaAdvance(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	sg := &model.NetworkCancelSaga{SagaID: "S1", OrderNo: "ORD1", PaymentEventID: 1, Amount: 500, Step: model.SagaStarted}
	require.NoError(t, s.Sagas.Create(ctx, sg))

	got, found, err := s.Sagas.Resumable(ctx, "ORD1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "S1", got.SagaID)

	require.NoError(t, s.Sagas.Advance(ctx, sg, model.SagaGatewayConfirmed, map[string]any{"result_code": "2001"}))
	assert.Equal(t, "2001", sg.ResultCode)

	stale := got
	err = s.Sagas.Advance(ctx, &stale, model.SagaGatewayConfirmed, nil)
	assert.True(t, errs.Is(err, errs.KindIdempotencyConflict))

	require.NoError(t, s.Sagas.Advance(ctx, sg, model.SagaDone, nil))
	_, found, err = s.Sagas.Resumable(ctx, "ORD1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, err := s.Wallets.Open(ctx, 1, 100)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.Tx(ctx, func(tx *Store) error {
		if err := tx.Wallets.Debit(ctx, 1, 100, "ORD1"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	bal, err := s.Wallets.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)
}
