package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// AuditReport lists every invariant violation found for one affiliate.
type AuditReport struct {
	AffiliateID AffiliateID
	Summary     BalanceSummary
	Records     int
	Withdrawals int
	Violations  []string
}

func (r AuditReport) OK() bool { return len(r.Violations) == 0 }

// Audit checks the stored records of an affiliate against the ledger
// invariants. It reads commissions and withdrawals in one transaction under
// the affiliate lock so both come from the same state.
func (s *Service) Audit(ctx context.Context, affiliateID AffiliateID) (AuditReport, error) {
	if err := validateAffiliate(affiliateID); err != nil {
		return AuditReport{}, err
	}

	var (
		records     []CommissionRecord
		withdrawals []WithdrawalRequest
	)
	unlock := s.locks.lock(affiliateID)
	err := s.store.WithTx(ctx, affiliateID, func(tx Store) error {
		var err error
		if records, err = tx.ListCommissions(ctx, affiliateID, CommissionFilter{}); err != nil {
			return err
		}
		withdrawals, err = tx.ListWithdrawals(ctx, affiliateID)
		return err
	})
	unlock()
	if err != nil {
		return AuditReport{}, classify("audit", err)
	}

	report := CheckInvariants(affiliateID, records, withdrawals)
	if !report.OK() {
		s.logger.WarnContext(ctx, "ledger audit found violations",
			"affiliate", affiliateID, "violations", len(report.Violations))
	}
	return report, nil
}

// CheckInvariants is the pure part of Audit.
func CheckInvariants(affiliateID AffiliateID, records []CommissionRecord, withdrawals []WithdrawalRequest) AuditReport {
	report := AuditReport{
		AffiliateID: affiliateID,
		Summary:     Summarize(affiliateID, records),
		Records:     len(records),
		Withdrawals: len(withdrawals),
	}
	fail := func(format string, args ...any) {
		report.Violations = append(report.Violations, fmt.Sprintf(format, args...))
	}

	byID := make(map[CommissionID]CommissionRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	wdByID := make(map[WithdrawalID]WithdrawalRequest, len(withdrawals))
	for _, w := range withdrawals {
		wdByID[w.ID] = w
	}

	childSum := make(map[CommissionID]decimal.Decimal)
	wdSum := make(map[WithdrawalID]decimal.Decimal)

	for _, r := range records {
		if r.AffiliateID != affiliateID {
			fail("record %s belongs to %s", r.ID, r.AffiliateID)
		}
		if r.UsedAmount.IsNegative() || r.UsedAmount.GreaterThan(r.Amount) {
			fail("record %s used %s outside [0, %s]", r.ID, r.UsedAmount, r.Amount)
		}
		if r.IsPartial != (r.ParentCommissionID != "") {
			fail("record %s partial=%t parent=%q", r.ID, r.IsPartial, r.ParentCommissionID)
		}

		switch r.Status {
		case CommissionReserved, CommissionWithdrawn:
			if !r.IsPartial {
				fail("record %s is %s but not partial", r.ID, r.Status)
				continue
			}
			if _, ok := byID[r.ParentCommissionID]; !ok {
				fail("record %s has missing parent %s", r.ID, r.ParentCommissionID)
			}
			childSum[r.ParentCommissionID] = childSum[r.ParentCommissionID].Add(r.Amount)
			wdSum[r.WithdrawalID] = wdSum[r.WithdrawalID].Add(r.Amount)

			w, ok := wdByID[r.WithdrawalID]
			switch {
			case !ok:
				fail("record %s linked to unknown withdrawal %q", r.ID, r.WithdrawalID)
			case r.Status == CommissionReserved && w.Status != WithdrawalPending:
				fail("record %s reserved for %s withdrawal %s", r.ID, w.Status, w.ID)
			case r.Status == CommissionWithdrawn && w.Status != WithdrawalApproved && w.Status != WithdrawalCompleted:
				fail("record %s withdrawn for %s withdrawal %s", r.ID, w.Status, w.ID)
			}
		default:
			if r.IsPartial {
				fail("partial record %s has status %s", r.ID, r.Status)
			}
			if !r.UsedAmount.IsZero() && r.Status != CommissionPaid {
				fail("record %s is %s with used amount %s", r.ID, r.Status, r.UsedAmount)
			}
		}
	}

	for _, r := range records {
		if r.IsPartial {
			continue
		}
		if want := childSum[r.ID]; !r.UsedAmount.Equal(want) {
			fail("record %s used %s but children hold %s", r.ID, r.UsedAmount, want)
		}
	}

	for _, w := range withdrawals {
		got := wdSum[w.ID]
		switch w.Status {
		case WithdrawalRejected:
			if !got.IsZero() {
				fail("rejected withdrawal %s still holds %s", w.ID, got)
			}
		default:
			if !got.Equal(w.Amount) {
				fail("withdrawal %s amount %s but records hold %s", w.ID, w.Amount, got)
			}
		}
	}

	sm := report.Summary
	if total := sm.Available.Add(sm.Reserved).Add(sm.Withdrawn); !total.Equal(sm.TotalEarned) {
		fail("conservation: available+reserved+withdrawn=%s, earned=%s", total, sm.TotalEarned)
	}
	return report
}
