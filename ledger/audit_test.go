package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/affiliate-ledger/ledger"
)

func TestAudit_CleanAfterLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.earn(t, "aff-1", "order-1", 100)
	f.earn(t, "aff-1", "order-2", 80)

	approved, err := f.svc.Reserve(ctx, "aff-1", money(50))
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, approved.Withdrawal.ID)
	require.NoError(t, err)

	rejected, err := f.svc.Reserve(ctx, "aff-1", money(70))
	require.NoError(t, err)
	_, err = f.svc.Reject(ctx, rejected.Withdrawal.ID, "kyc")
	require.NoError(t, err)

	_, err = f.svc.Reserve(ctx, "aff-1", money(30))
	require.NoError(t, err)

	report, err := f.svc.Audit(ctx, "aff-1")
	require.NoError(t, err)
	assert.True(t, report.OK(), "violations: %v", report.Violations)
	assert.Equal(t, 3, report.Withdrawals)
	requireMoney(t, 100, report.Summary.Available)
	requireMoney(t, 30, report.Summary.Reserved)
	requireMoney(t, 50, report.Summary.Withdrawn)
	requireMoney(t, 180, report.Summary.TotalEarned)
}

func TestCheckInvariants_DetectsCorruption(t *testing.T) {
	parent := paidRecord("p", 100, 40, t0)
	child := ledger.CommissionRecord{
		ID:                 "c",
		AffiliateID:        "aff-1",
		Amount:             money(40),
		UsedAmount:         money(0),
		Status:             ledger.CommissionReserved,
		IsPartial:          true,
		ParentCommissionID: "p",
		WithdrawalID:       "w",
		CreatedAt:          t0,
	}
	wd := ledger.WithdrawalRequest{ID: "w", AffiliateID: "aff-1", Amount: money(40), Status: ledger.WithdrawalPending}

	report := ledger.CheckInvariants("aff-1", []ledger.CommissionRecord{parent, child}, []ledger.WithdrawalRequest{wd})
	require.True(t, report.OK(), "violations: %v", report.Violations)

	tests := []struct {
		name   string
		mutate func(p, c *ledger.CommissionRecord, w *ledger.WithdrawalRequest)
	}{
		{"parent used drifts", func(p, _ *ledger.CommissionRecord, _ *ledger.WithdrawalRequest) {
			p.UsedAmount = money(30)
		}},
		{"used exceeds amount", func(p, _ *ledger.CommissionRecord, _ *ledger.WithdrawalRequest) {
			p.UsedAmount = money(140)
		}},
		{"orphan child", func(_, c *ledger.CommissionRecord, _ *ledger.WithdrawalRequest) {
			c.ParentCommissionID = "missing"
		}},
		{"partial without parent", func(_, c *ledger.CommissionRecord, _ *ledger.WithdrawalRequest) {
			c.ParentCommissionID = ""
		}},
		{"reserved for approved withdrawal", func(_, _ *ledger.CommissionRecord, w *ledger.WithdrawalRequest) {
			w.Status = ledger.WithdrawalApproved
		}},
		{"withdrawal amount mismatch", func(_, _ *ledger.CommissionRecord, w *ledger.WithdrawalRequest) {
			w.Amount = money(45)
		}},
		{"rejected withdrawal still holds funds", func(_, _ *ledger.CommissionRecord, w *ledger.WithdrawalRequest) {
			w.Status = ledger.WithdrawalRejected
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, c, w := parent, child, wd
			tt.mutate(&p, &c, &w)
			report := ledger.CheckInvariants("aff-1", []ledger.CommissionRecord{p, c}, []ledger.WithdrawalRequest{w})
			assert.False(t, report.OK())
		})
	}
}

func TestAudit_ValidatesAffiliate(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Audit(context.Background(), "")
	require.ErrorIs(t, err, ledger.ErrValidation)
}
