package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/affiliate-ledger/ledger"
)

// =============================================================================
// RESERVATION
// =============================================================================

func TestReserve_SplitsAcrossRecordsFIFO(t *testing.T) {
	// GIVEN: two paid records, 100 (older) and 80 (newer)
	// WHEN: reserving 120
	// THEN: 100 consumed fully, 20 from the 80, 60 left
	ctx := context.Background()
	f := newFixture(t)
	older := f.earn(t, "aff-1", "order-1", 100)
	newer := f.earn(t, "aff-1", "order-2", 80)

	res, err := f.svc.Reserve(ctx, "aff-1", money(120))
	require.NoError(t, err)

	assert.Equal(t, ledger.WithdrawalPending, res.Withdrawal.Status)
	requireMoney(t, 120, res.Withdrawal.Amount)
	require.Len(t, res.Records, 2)

	requireMoney(t, 100, res.Records[0].Amount)
	assert.Equal(t, older.ID, res.Records[0].ParentCommissionID)
	requireMoney(t, 20, res.Records[1].Amount)
	assert.Equal(t, newer.ID, res.Records[1].ParentCommissionID)
	for _, r := range res.Records {
		assert.True(t, r.IsPartial)
		assert.Equal(t, ledger.CommissionReserved, r.Status)
		assert.Equal(t, res.Withdrawal.ID, r.WithdrawalID)
	}
	assert.Len(t, res.ReservedRecordIDs(), 2)

	requireMoney(t, 100, f.commission(t, older.ID).UsedAmount)
	requireMoney(t, 20, f.commission(t, newer.ID).UsedAmount)
	assert.Equal(t, ledger.CommissionPaid, f.commission(t, older.ID).Status)
	requireMoney(t, 60, f.available(t, "aff-1"))
}

func TestReserve_ThenReject_RestoresBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	older := f.earn(t, "aff-1", "order-1", 100)
	newer := f.earn(t, "aff-1", "order-2", 80)

	res, err := f.svc.Reserve(ctx, "aff-1", money(120))
	require.NoError(t, err)

	st, err := f.svc.Reject(ctx, res.Withdrawal.ID, "bank details invalid")
	require.NoError(t, err)

	assert.Equal(t, ledger.WithdrawalRejected, st.Withdrawal.Status)
	require.NotNil(t, st.Withdrawal.RejectionReason)
	assert.Equal(t, "bank details invalid", *st.Withdrawal.RejectionReason)
	assert.NotNil(t, st.Withdrawal.ProcessedAt)
	requireMoney(t, 180, st.AvailableBalance)
	requireMoney(t, 180, f.available(t, "aff-1"))

	requireMoney(t, 0, f.commission(t, older.ID).UsedAmount)
	requireMoney(t, 0, f.commission(t, newer.ID).UsedAmount)

	linked, err := f.svc.WithdrawalRecords(ctx, res.Withdrawal.ID)
	require.NoError(t, err)
	assert.Empty(t, linked, "reserved records are deleted on reject")
	for _, id := range res.ReservedRecordIDs() {
		_, err := f.mem.GetCommission(ctx, id)
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	}
}

func TestReserve_ThenApprove_BalanceStaysReduced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.earn(t, "aff-1", "order-1", 100)
	f.earn(t, "aff-1", "order-2", 80)

	res, err := f.svc.Reserve(ctx, "aff-1", money(120))
	require.NoError(t, err)

	st, err := f.svc.Approve(ctx, res.Withdrawal.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.WithdrawalApproved, st.Withdrawal.Status)
	assert.Nil(t, st.Withdrawal.RejectionReason)
	requireMoney(t, 60, st.AvailableBalance)
	require.Len(t, st.Records, 2)
	for _, r := range st.Records {
		assert.Equal(t, ledger.CommissionWithdrawn, r.Status)
		assert.NotNil(t, r.SettledAt)
	}

	// A later reservation cannot touch the withdrawn value.
	requireMoney(t, 60, f.available(t, "aff-1"))
	_, err = f.svc.Reserve(ctx, "aff-1", money(61))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	requireMoney(t, 60, f.available(t, "aff-1"))

	summary, err := f.svc.Summary(ctx, "aff-1")
	require.NoError(t, err)
	requireMoney(t, 60, summary.Available)
	requireMoney(t, 120, summary.Withdrawn)
	requireMoney(t, 0, summary.Reserved)
	requireMoney(t, 180, summary.TotalEarned)
}

func TestReserve_ExactBalance_LeavesZero(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.earn(t, "aff-1", "order-1", 100)
	f.earn(t, "aff-1", "order-2", 80)

	res, err := f.svc.Reserve(ctx, "aff-1", money(180))
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	requireMoney(t, 0, f.available(t, "aff-1"))

	// Exact consumption still produces linked records, so rollback is uniform.
	_, err = f.svc.Reject(ctx, res.Withdrawal.ID, "duplicate request")
	require.NoError(t, err)
	requireMoney(t, 180, f.available(t, "aff-1"))
}

func TestReserve_InsufficientFunds_NoMutation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.earn(t, "aff-1", "order-1", 100)
	f.earn(t, "aff-1", "order-2", 80)

	_, err := f.svc.Reserve(ctx, "aff-1", money(181))

	var insufficient *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	requireMoney(t, 180, insufficient.Available)
	requireMoney(t, 1, insufficient.Shortfall())
	assert.False(t, ledger.IsRetryable(err))
	assert.True(t, ledger.IsClientError(err))

	requireMoney(t, 180, f.available(t, "aff-1"))
	ws, err := f.svc.ListWithdrawals(ctx, "aff-1")
	require.NoError(t, err)
	assert.Empty(t, ws)
}

func TestReserve_RejectsNonPositiveAmount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.earn(t, "aff-1", "order-1", 100)

	for _, amount := range []int64{0, -5} {
		_, err := f.svc.Reserve(ctx, "aff-1", money(amount))
		var verr *ledger.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "amount", verr.Field)
	}

	_, err := f.svc.Reserve(ctx, "", money(10))
	require.ErrorIs(t, err, ledger.ErrValidation)
	requireMoney(t, 100, f.available(t, "aff-1"))
}

func TestReserve_DoesNotCrossAffiliates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.earn(t, "aff-1", "order-1", 100)
	f.earn(t, "aff-2", "order-2", 500)

	_, err := f.svc.Reserve(ctx, "aff-1", money(150))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	_, err = f.svc.Reserve(ctx, "aff-2", money(150))
	require.NoError(t, err)
	requireMoney(t, 100, f.available(t, "aff-1"))
	requireMoney(t, 350, f.available(t, "aff-2"))
}

func TestReserve_PartiallyUsedRecordIsReusedLater(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := f.earn(t, "aff-1", "order-1", 100)

	first, err := f.svc.Reserve(ctx, "aff-1", money(30))
	require.NoError(t, err)
	second, err := f.svc.Reserve(ctx, "aff-1", money(70))
	require.NoError(t, err)

	requireMoney(t, 100, f.commission(t, src.ID).UsedAmount)
	requireMoney(t, 0, f.available(t, "aff-1"))

	// Rejecting only the first gives back exactly its share.
	_, err = f.svc.Reject(ctx, first.Withdrawal.ID, "changed mind")
	require.NoError(t, err)
	requireMoney(t, 30, f.available(t, "aff-1"))
	requireMoney(t, 70, f.commission(t, src.ID).UsedAmount)

	_, err = f.svc.Approve(ctx, second.Withdrawal.ID)
	require.NoError(t, err)
	requireMoney(t, 30, f.available(t, "aff-1"))
}

// =============================================================================
// SETTLEMENT STATE MACHINE
// =============================================================================

func TestApprove_Twice_AlreadyProcessed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.earn(t, "aff-1", "order-1", 100)

	res, err := f.svc.Reserve(ctx, "aff-1", money(40))
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, res.Withdrawal.ID)
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, res.Withdrawal.ID)
	var already *ledger.AlreadyProcessedError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, ledger.WithdrawalApproved, already.Status)
	assert.False(t, ledger.IsRetryable(err))

	requireMoney(t, 60, f.available(t, "aff-1"))
	summary, err := f.svc.Summary(ctx, "aff-1")
	require.NoError(t, err)
	requireMoney(t, 40, summary.Withdrawn)
}

func TestSettlement_TerminalStatesRejectEveryAction(t *testing.T) {
	tests := []struct {
		name   string
		settle func(f *fixture, id ledger.WithdrawalID) error
		status ledger.WithdrawalStatus
	}{
		{"approved", func(f *fixture, id ledger.WithdrawalID) error {
			_, err := f.svc.Approve(context.Background(), id)
			return err
		}, ledger.WithdrawalApproved},
		{"completed", func(f *fixture, id ledger.WithdrawalID) error {
			_, err := f.svc.Complete(context.Background(), id)
			return err
		}, ledger.WithdrawalCompleted},
		{"rejected", func(f *fixture, id ledger.WithdrawalID) error {
			_, err := f.svc.Reject(context.Background(), id, "fraud check")
			return err
		}, ledger.WithdrawalRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			f.earn(t, "aff-1", "order-1", 100)
			res, err := f.svc.Reserve(ctx, "aff-1", money(50))
			require.NoError(t, err)
			require.NoError(t, tt.settle(f, res.Withdrawal.ID))

			before := f.available(t, "aff-1")

			_, err = f.svc.Approve(ctx, res.Withdrawal.ID)
			assert.ErrorIs(t, err, ledger.ErrAlreadyProcessed)
			_, err = f.svc.Complete(ctx, res.Withdrawal.ID)
			assert.ErrorIs(t, err, ledger.ErrAlreadyProcessed)
			_, err = f.svc.Reject(ctx, res.Withdrawal.ID, "again")
			assert.ErrorIs(t, err, ledger.ErrAlreadyProcessed)

			assert.True(t, before.Equal(f.available(t, "aff-1")))
			w, err := f.svc.GetWithdrawal(ctx, res.Withdrawal.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.status, w.Status)
		})
	}
}

func TestComplete_WritesOffReservations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.earn(t, "aff-1", "order-1", 100)
	res, err := f.svc.Reserve(ctx, "aff-1", money(100))
	require.NoError(t, err)

	st, err := f.svc.Complete(ctx, res.Withdrawal.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.WithdrawalCompleted, st.Withdrawal.Status)
	requireMoney(t, 0, st.AvailableBalance)

	linked, err := f.svc.WithdrawalRecords(ctx, res.Withdrawal.ID)
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, ledger.CommissionWithdrawn, linked[0].Status)
}

func TestReject_RequiresReason(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.earn(t, "aff-1", "order-1", 100)
	res, err := f.svc.Reserve(ctx, "aff-1", money(50))
	require.NoError(t, err)

	_, err = f.svc.Reject(ctx, res.Withdrawal.ID, "   ")
	require.ErrorIs(t, err, ledger.ErrValidation)

	w, err := f.svc.GetWithdrawal(ctx, res.Withdrawal.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.WithdrawalPending, w.Status)
}

func TestSettlement_UnknownWithdrawal(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Approve(context.Background(), "wd_missing")
	require.ErrorIs(t, err, ledger.ErrNotFound)
	assert.True(t, ledger.IsNotFound(err))
}

// =============================================================================
// FAILURE SEMANTICS
// =============================================================================

func TestReserve_StoreFailureMidway_RollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	older := f.earn(t, "aff-1", "order-1", 100)
	newer := f.earn(t, "aff-1", "order-2", 80)

	inserts := 0
	f.mem.SetFault(func(op string) error {
		if op == "insert_commission" {
			inserts++
			if inserts == 2 {
				return errors.New("disk full")
			}
		}
		return nil
	})

	_, err := f.svc.Reserve(ctx, "aff-1", money(120))
	require.ErrorIs(t, err, ledger.ErrStoreUnavailable)
	var unavailable *ledger.StoreUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "reserve", unavailable.Op)

	f.mem.SetFault(nil)
	requireMoney(t, 180, f.available(t, "aff-1"))
	requireMoney(t, 0, f.commission(t, older.ID).UsedAmount)
	requireMoney(t, 0, f.commission(t, newer.ID).UsedAmount)
	ws, err := f.svc.ListWithdrawals(ctx, "aff-1")
	require.NoError(t, err)
	assert.Empty(t, ws)
	assert.Contains(t, f.logs.String(), "ledger mutation failed")
}

func TestReject_StoreFailureMidway_RollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.earn(t, "aff-1", "order-1", 100)
	f.earn(t, "aff-1", "order-2", 80)
	res, err := f.svc.Reserve(ctx, "aff-1", money(120))
	require.NoError(t, err)

	f.mem.SetFault(func(op string) error {
		if op == "update_withdrawal" {
			return errors.New("connection reset")
		}
		return nil
	})
	_, err = f.svc.Reject(ctx, res.Withdrawal.ID, "nope")
	require.ErrorIs(t, err, ledger.ErrStoreUnavailable)
	f.mem.SetFault(nil)

	requireMoney(t, 60, f.available(t, "aff-1"))
	linked, err := f.svc.WithdrawalRecords(ctx, res.Withdrawal.ID)
	require.NoError(t, err)
	assert.Len(t, linked, 2)

	// The retry after recovery goes through.
	_, err = f.svc.Reject(ctx, res.Withdrawal.ID, "nope")
	require.NoError(t, err)
	requireMoney(t, 180, f.available(t, "aff-1"))
}

func TestReserve_RetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.earn(t, "aff-1", "order-1", 100)

	conflicts := 0
	f.mem.SetFault(func(op string) error {
		if op == "update_commission" && conflicts < 2 {
			conflicts++
			return ledger.ErrConcurrencyConflict
		}
		return nil
	})

	res, err := f.svc.Reserve(ctx, "aff-1", money(10))
	require.NoError(t, err)
	assert.Equal(t, 2, conflicts)
	requireMoney(t, 90, f.available(t, "aff-1"))

	ws, err := f.svc.ListWithdrawals(ctx, "aff-1")
	require.NoError(t, err)
	require.Len(t, ws, 1, "failed attempts leave nothing behind")
	assert.Equal(t, res.Withdrawal.ID, ws[0].ID)
}

func TestReserve_GivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.earn(t, "aff-1", "order-1", 100)

	attempts := 0
	f.mem.SetFault(func(op string) error {
		if op == "insert_withdrawal" {
			attempts++
			return ledger.ErrConcurrencyConflict
		}
		return nil
	})

	_, err := f.svc.Reserve(ctx, "aff-1", money(10))
	require.ErrorIs(t, err, ledger.ErrConcurrencyConflict)
	assert.Equal(t, 3, attempts)
	requireMoney(t, 100, f.available(t, "aff-1"))
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func TestNotifications_EmittedAfterCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.earn(t, "aff-1", "order-1", 100)

	res, err := f.svc.Reserve(ctx, "aff-1", money(40))
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, res.Withdrawal.ID)
	require.NoError(t, err)
	res2, err := f.svc.Reserve(ctx, "aff-1", money(10))
	require.NoError(t, err)
	_, err = f.svc.Reject(ctx, res2.Withdrawal.ID, "limit")
	require.NoError(t, err)

	assert.Equal(t, []ledger.EventType{
		ledger.EventCommissionEarned,
		ledger.EventWithdrawalRequested,
		ledger.EventWithdrawalApproved,
		ledger.EventWithdrawalRequested,
		ledger.EventWithdrawalRejected,
	}, f.rec.types())

	last := f.rec.events[len(f.rec.events)-1]
	assert.Equal(t, ledger.AffiliateID("aff-1"), last.AffiliateID)
	assert.Equal(t, "limit", last.Context["reason"])
	assert.Equal(t, "60", last.Context["available_balance"])
	assert.False(t, last.OccurredAt.IsZero())
}

func TestNotifications_FailureDoesNotFailOperation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.rec.err = errors.New("push gateway down")

	_, err := f.svc.CommissionEarned(ctx, "aff-1", "order-1", money(100))
	require.NoError(t, err)
	requireMoney(t, 100, f.available(t, "aff-1"))
	assert.Contains(t, f.logs.String(), "notification delivery failed")
	assert.Contains(t, f.logs.String(), "push gateway down")
}

func TestNotifications_NotSentOnFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.earn(t, "aff-1", "order-1", 10)

	_, err := f.svc.Reserve(ctx, "aff-1", money(50))
	require.Error(t, err)
	assert.Equal(t, []ledger.EventType{ledger.EventCommissionEarned}, f.rec.types())
}

func TestWithdrawalLookups_RequireID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.earn(t, "aff-1", "order-1", 100)
	f.earn(t, "aff-2", "order-1", 100)

	records, err := f.svc.WithdrawalRecords(ctx, " ")
	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "withdrawal_id", verr.Field)
	assert.Empty(t, records)

	_, err = f.svc.GetWithdrawal(ctx, "")
	require.ErrorIs(t, err, ledger.ErrValidation)
}

func TestNotifications_SlowTargetIsBounded(t *testing.T) {
	ctx := context.Background()
	blocking := ledger.NotifierFunc(func(ctx context.Context, _ ledger.Event) error {
		<-ctx.Done()
		return ctx.Err()
	})
	f := newFixture(t, ledger.WithNotifier(blocking), ledger.WithNotifyTimeout(50*time.Millisecond))
	f.earn(t, "aff-1", "order-1", 100)

	start := time.Now()
	res, err := f.svc.Reserve(ctx, "aff-1", money(40))
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, ledger.WithdrawalPending, res.Withdrawal.Status)
	assert.Less(t, elapsed, 2*time.Second, "reserve waited on the notifier")
	requireMoney(t, 60, f.available(t, "aff-1"))
	assert.Contains(t, f.logs.String(), "notification delivery failed")
	assert.Contains(t, f.logs.String(), "deadline exceeded")
}

func TestNotifications_SurviveCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var deliveredErr error
	n := ledger.NotifierFunc(func(nctx context.Context, _ ledger.Event) error {
		cancel()
		deliveredErr = nctx.Err()
		_, hasDeadline := nctx.Deadline()
		assert.True(t, hasDeadline)
		return nil
	})
	f := newFixture(t, ledger.WithNotifier(n))

	_, err := f.svc.CommissionEarned(ctx, "aff-1", "order-1", money(10))
	require.NoError(t, err)
	assert.NoError(t, deliveredErr, "cancelling the request does not cancel delivery")
}
