/*
balance.go - Balance calculation from commission records

PURPOSE:
  The available balance is never stored. It is derived from the records:

    available = Σ (Amount - UsedAmount)   over records with status paid

  Reserved and withdrawn children are not counted: their value is already
  subtracted from the parent through UsedAmount.

CONSISTENCY:
  The functions here are pure. Callers must pass a slice read from a single
  snapshot (one ListCommissions call), never records gathered across
  multiple reads.
*/
package ledger

import "github.com/shopspring/decimal"

// AvailableBalance sums the availability of paid records.
func AvailableBalance(records []CommissionRecord) decimal.Decimal {
	total := decimal.Zero
	for _, r := range records {
		total = total.Add(r.Available())
	}
	return total
}

// BalanceSummary is the user-facing breakdown of an affiliate's money.
type BalanceSummary struct {
	AffiliateID AffiliateID

	Available decimal.Decimal // can be withdrawn now
	Reserved  decimal.Decimal // held by pending withdrawals
	Withdrawn decimal.Decimal // paid out (approved/completed withdrawals)
	Pending   decimal.Decimal // earned on orders not yet settled
	Cancelled decimal.Decimal

	// TotalEarned counts every settled source record once.
	// Available + Reserved + Withdrawn == TotalEarned.
	TotalEarned decimal.Decimal
}

// Summarize computes a BalanceSummary from all of an affiliate's records.
func Summarize(affiliateID AffiliateID, records []CommissionRecord) BalanceSummary {
	s := BalanceSummary{
		AffiliateID: affiliateID,
		Available:   decimal.Zero,
		Reserved:    decimal.Zero,
		Withdrawn:   decimal.Zero,
		Pending:     decimal.Zero,
		Cancelled:   decimal.Zero,
		TotalEarned: decimal.Zero,
	}
	for _, r := range records {
		switch r.Status {
		case CommissionPaid:
			s.Available = s.Available.Add(r.Available())
			if !r.IsPartial {
				s.TotalEarned = s.TotalEarned.Add(r.Amount)
			}
		case CommissionReserved:
			s.Reserved = s.Reserved.Add(r.Amount)
		case CommissionWithdrawn:
			s.Withdrawn = s.Withdrawn.Add(r.Amount)
		case CommissionPending, CommissionApproved:
			s.Pending = s.Pending.Add(r.Amount)
		case CommissionCancelled:
			s.Cancelled = s.Cancelled.Add(r.Amount)
		}
	}
	return s
}
