/*
withdrawal.go - Withdrawal request lifecycle

STATE MACHINE:
  ┌─────────┐  approve   ┌──────────┐
  │ pending │──────────▶ │ approved │  (terminal)
  │         │  complete  ┌───────────┐
  │         │──────────▶ │ completed │ (terminal)
  │         │  reject    ┌──────────┐
  │         │──────────▶ │ rejected │  (terminal)
  └─────────┘            └──────────┘

  approve/complete: every reserved child becomes withdrawn. UsedAmount on
  the parents is not touched: the consumption happened at reservation time
  and is now permanent.

  reject: every reserved child is deleted and its Amount is given back to
  the parent's UsedAmount, in the same transaction.

  Any call on a terminal withdrawal returns AlreadyProcessedError and writes
  nothing.
*/
package ledger

import (
	"context"
	"fmt"
	"time"
)

// finalizeWithdrawal moves a pending withdrawal to approved or completed.
// Must run inside WithTx.
func finalizeWithdrawal(ctx context.Context, tx Store, id WithdrawalID, target WithdrawalStatus, now time.Time) (WithdrawalRequest, []CommissionRecord, error) {
	w, err := loadPending(ctx, tx, id)
	if err != nil {
		return WithdrawalRequest{}, nil, err
	}

	linked, err := tx.ListByWithdrawal(ctx, id)
	if err != nil {
		return WithdrawalRequest{}, nil, fmt.Errorf("load reservations: %w", err)
	}

	settled := make([]CommissionRecord, 0, len(linked))
	for _, r := range linked {
		if r.Status != CommissionReserved {
			continue
		}
		if !r.IsPartial {
			return WithdrawalRequest{}, nil, fmt.Errorf("%w: reserved record %s has no parent", ErrLedgerInconsistent, r.ID)
		}
		r.Status = CommissionWithdrawn
		r.SettledAt = &now
		if err := tx.UpdateCommission(ctx, r); err != nil {
			return WithdrawalRequest{}, nil, fmt.Errorf("settle %s: %w", r.ID, err)
		}
		r.Version++
		settled = append(settled, r)
	}

	w.Status = target
	w.ProcessedAt = &now
	if err := tx.UpdateWithdrawal(ctx, w); err != nil {
		return WithdrawalRequest{}, nil, fmt.Errorf("update withdrawal: %w", err)
	}
	w.Version++
	return w, settled, nil
}

// rollbackWithdrawal rejects a pending withdrawal and restores availability
// on every parent it drew from. Must run inside WithTx.
func rollbackWithdrawal(ctx context.Context, tx Store, id WithdrawalID, reason string, now time.Time) (WithdrawalRequest, []CommissionRecord, error) {
	w, err := loadPending(ctx, tx, id)
	if err != nil {
		return WithdrawalRequest{}, nil, err
	}

	linked, err := tx.ListByWithdrawal(ctx, id)
	if err != nil {
		return WithdrawalRequest{}, nil, fmt.Errorf("load reservations: %w", err)
	}

	released := make([]CommissionRecord, 0, len(linked))
	for _, child := range linked {
		if child.Status != CommissionReserved {
			continue
		}
		if !child.IsPartial || child.ParentCommissionID == "" {
			return WithdrawalRequest{}, nil, fmt.Errorf("%w: reserved record %s has no parent", ErrLedgerInconsistent, child.ID)
		}

		parent, err := tx.GetCommission(ctx, child.ParentCommissionID)
		if err != nil {
			return WithdrawalRequest{}, nil, fmt.Errorf("load parent %s: %w", child.ParentCommissionID, err)
		}
		parent.UsedAmount = parent.UsedAmount.Sub(child.Amount)
		if parent.UsedAmount.IsNegative() {
			return WithdrawalRequest{}, nil, fmt.Errorf("%w: parent %s used amount would go negative", ErrLedgerInconsistent, parent.ID)
		}
		if err := tx.UpdateCommission(ctx, parent); err != nil {
			return WithdrawalRequest{}, nil, fmt.Errorf("restore parent %s: %w", parent.ID, err)
		}
		if err := tx.DeleteCommission(ctx, child.ID); err != nil {
			return WithdrawalRequest{}, nil, fmt.Errorf("delete reservation %s: %w", child.ID, err)
		}
		released = append(released, child)
	}

	w.Status = WithdrawalRejected
	w.RejectionReason = &reason
	w.ProcessedAt = &now
	if err := tx.UpdateWithdrawal(ctx, w); err != nil {
		return WithdrawalRequest{}, nil, fmt.Errorf("update withdrawal: %w", err)
	}
	w.Version++
	return w, released, nil
}

func loadPending(ctx context.Context, tx Store, id WithdrawalID) (WithdrawalRequest, error) {
	w, err := tx.GetWithdrawal(ctx, id)
	if err != nil {
		return WithdrawalRequest{}, err
	}
	if w.Status.IsTerminal() {
		return WithdrawalRequest{}, &AlreadyProcessedError{WithdrawalID: id, Status: w.Status}
	}
	if w.Status != WithdrawalPending {
		return WithdrawalRequest{}, fmt.Errorf("%w: withdrawal %s in unknown status %q", ErrInvalidTransition, id, w.Status)
	}
	return w, nil
}
