/*
reservation.go - FIFO reservation of commission capacity

PURPOSE:
  Given a withdrawal amount, picks the paid commissions that back it and
  ties each portion to the withdrawal.

ALGORITHM:
  1. Take paid records, oldest CreatedAt first (ID breaks ties).
  2. Walk them with remaining = requested. From each record take
     min(available, remaining).
  3. If the walk ends with remaining > 0, fail with InsufficientFundsError.
     Nothing has been written at that point: planning is pure.
  4. Apply: insert the withdrawal (pending), then for each allocation bump
     the source UsedAmount and insert a reserved child record.

EXAMPLE:
  paid records: A=100 (older), B=80. Reserve 120.

    A: take 100  → A.used = 100, child(100, parent=A)
    B: take  20  → B.used =  20, child( 20, parent=B)

  available afterwards: 0 + 60 = 60
*/
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Allocation is the portion of one source record backing a withdrawal.
type Allocation struct {
	Source CommissionRecord
	Amount decimal.Decimal
}

// ReservationPlan is the outcome of planning, before anything is written.
type ReservationPlan struct {
	AffiliateID AffiliateID
	Requested   decimal.Decimal
	Available   decimal.Decimal
	Allocations []Allocation
}

// PlanReservation selects capacity for amount from records, FIFO.
// records may contain non-paid records; they are skipped.
func PlanReservation(affiliateID AffiliateID, records []CommissionRecord, amount decimal.Decimal) (ReservationPlan, error) {
	if err := validateAmount(amount); err != nil {
		return ReservationPlan{}, err
	}

	sources := make([]CommissionRecord, 0, len(records))
	for _, r := range records {
		if r.AffiliateID != affiliateID || !r.Available().IsPositive() {
			continue
		}
		sources = append(sources, r)
	}
	sort.SliceStable(sources, func(i, j int) bool {
		if !sources[i].CreatedAt.Equal(sources[j].CreatedAt) {
			return sources[i].CreatedAt.Before(sources[j].CreatedAt)
		}
		return sources[i].ID < sources[j].ID
	})

	plan := ReservationPlan{
		AffiliateID: affiliateID,
		Requested:   amount,
		Available:   AvailableBalance(sources),
	}
	if plan.Available.LessThan(amount) {
		return ReservationPlan{}, &InsufficientFundsError{
			AffiliateID: affiliateID,
			Available:   plan.Available,
			Requested:   amount,
		}
	}

	remaining := amount
	for _, src := range sources {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(src.Available(), remaining)
		plan.Allocations = append(plan.Allocations, Allocation{Source: src, Amount: take})
		remaining = remaining.Sub(take)
	}
	return plan, nil
}

// applyReservation writes a plan through tx. Must run inside WithTx.
func applyReservation(ctx context.Context, tx Store, plan ReservationPlan, ids IDGenerator, now time.Time) (WithdrawalRequest, []CommissionRecord, error) {
	w := WithdrawalRequest{
		ID:          WithdrawalID(ids.NewID("wd")),
		AffiliateID: plan.AffiliateID,
		Amount:      plan.Requested,
		Status:      WithdrawalPending,
		CreatedAt:   now,
	}
	if err := tx.InsertWithdrawal(ctx, w); err != nil {
		return WithdrawalRequest{}, nil, fmt.Errorf("insert withdrawal: %w", err)
	}

	reserved := make([]CommissionRecord, 0, len(plan.Allocations))
	for _, alloc := range plan.Allocations {
		src := alloc.Source
		src.UsedAmount = src.UsedAmount.Add(alloc.Amount)
		if src.UsedAmount.GreaterThan(src.Amount) {
			return WithdrawalRequest{}, nil, fmt.Errorf("commission %s would exceed its amount", src.ID)
		}
		if err := tx.UpdateCommission(ctx, src); err != nil {
			return WithdrawalRequest{}, nil, fmt.Errorf("update source %s: %w", src.ID, err)
		}

		child := CommissionRecord{
			ID:                 CommissionID(ids.NewID("cm")),
			AffiliateID:        plan.AffiliateID,
			Amount:             alloc.Amount,
			UsedAmount:         decimal.Zero,
			Status:             CommissionReserved,
			IsPartial:          true,
			ParentCommissionID: src.ID,
			WithdrawalID:       w.ID,
			CreatedAt:          now,
		}
		if err := tx.InsertCommission(ctx, child); err != nil {
			return WithdrawalRequest{}, nil, fmt.Errorf("insert reservation: %w", err)
		}
		reserved = append(reserved, child)
	}
	return w, reserved, nil
}

// Amounts must fit NUMERIC(20,6) so every store holds exactly what the
// ledger computed.
const MaxAmountScale = 6

// MaxAmount is the exclusive upper bound on any single amount.
var MaxAmount = decimal.New(1, 14)

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &ValidationError{Field: "amount", Message: "must be positive"}
	}
	// Exponent bounds first: comparing or rescaling "1e50000000" would
	// allocate a coefficient with millions of digits.
	if exp := amount.Exponent(); exp > 14 || amount.NumDigits()+int(exp) > 14 {
		return &ValidationError{Field: "amount", Message: "must be below " + MaxAmount.String()}
	}
	if exp := amount.Exponent(); exp < -(MaxAmountScale + 12) || !amount.Equal(amount.Truncate(MaxAmountScale)) {
		return &ValidationError{Field: "amount", Message: fmt.Sprintf("at most %d decimal places", MaxAmountScale)}
	}
	return nil
}
