/*
commission.go - Commission intake from the order workflow

LIFECYCLE OF A SOURCE RECORD:
  pending ──approve──▶ approved ──settle──▶ paid
     │                    │
     └──────cancel────────┴──▶ cancelled

  CommissionEarned is the settlement event: it creates a paid record, or
  settles the pending/approved record already held for the same order.
  Paid records are never cancelled; once money can back a withdrawal it
  only moves through reservations.

IDEMPOTENCY:
  (AffiliateID, OrderID) identifies a source record. Replaying the same
  order with the same amount returns the existing record. Replaying it
  with a different amount fails with ErrDuplicateOrder.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// CommissionEarned records that the affiliate earned amount on a settled order.
func (s *Service) CommissionEarned(ctx context.Context, affiliateID AffiliateID, orderID OrderID, amount decimal.Decimal) (CommissionRecord, error) {
	return s.recordCommission(ctx, affiliateID, orderID, amount, CommissionPaid)
}

// CommissionPending records a commission on an order that is not paid yet.
// It does not count towards the available balance until settled.
func (s *Service) CommissionPending(ctx context.Context, affiliateID AffiliateID, orderID OrderID, amount decimal.Decimal) (CommissionRecord, error) {
	return s.recordCommission(ctx, affiliateID, orderID, amount, CommissionPending)
}

func (s *Service) recordCommission(ctx context.Context, affiliateID AffiliateID, orderID OrderID, amount decimal.Decimal, status CommissionStatus) (rec CommissionRecord, err error) {
	ctx, span := s.startSpan(ctx, "RecordCommission",
		attribute.String("affiliate.id", string(affiliateID)),
		attribute.String("order.id", string(orderID)),
		attribute.String("commission.status", string(status)))
	defer func() { endSpan(span, err) }()

	if err := validateAffiliate(affiliateID); err != nil {
		return CommissionRecord{}, err
	}
	if strings.TrimSpace(string(orderID)) == "" {
		return CommissionRecord{}, &ValidationError{Field: "order_id", Message: "required"}
	}
	if err := validateAmount(amount); err != nil {
		return CommissionRecord{}, err
	}

	changed := false
	err = s.mutate(ctx, "record commission", affiliateID, func(tx Store, now time.Time) error {
		changed = false
		existing, err := tx.FindCommissionByOrder(ctx, affiliateID, orderID)
		switch {
		case err == nil:
			rec, changed, err = replayCommission(ctx, tx, existing, amount, status, now)
			return err
		case !errors.Is(err, ErrNotFound):
			return fmt.Errorf("find commission: %w", err)
		}

		rec = CommissionRecord{
			ID:          CommissionID(s.ids.NewID("cm")),
			AffiliateID: affiliateID,
			OrderID:     orderID,
			Amount:      amount,
			UsedAmount:  decimal.Zero,
			Status:      status,
			CreatedAt:   now,
		}
		if status == CommissionPaid {
			rec.SettledAt = &now
		}
		changed = true
		return tx.InsertCommission(ctx, rec)
	})
	if err != nil {
		return CommissionRecord{}, err
	}

	if changed {
		s.logger.InfoContext(ctx, "commission recorded",
			"affiliate", affiliateID,
			"order", orderID,
			"commission", rec.ID,
			"status", rec.Status,
			"amount", amount.String())
		if rec.Status == CommissionPaid {
			s.notifyEarned(ctx, rec)
		}
	}
	return rec, nil
}

// replayCommission handles an order that already has a source record.
func replayCommission(ctx context.Context, tx Store, existing CommissionRecord, amount decimal.Decimal, status CommissionStatus, now time.Time) (CommissionRecord, bool, error) {
	if !existing.Amount.Equal(amount) {
		return CommissionRecord{}, false, fmt.Errorf("%w: order %s has %s, got %s",
			ErrDuplicateOrder, existing.OrderID, existing.Amount, amount)
	}
	if existing.Status == status || existing.Status == CommissionPaid {
		return existing, false, nil
	}
	if status != CommissionPaid {
		return existing, false, nil
	}
	if existing.Status == CommissionCancelled {
		return CommissionRecord{}, false, fmt.Errorf("%w: commission %s is cancelled", ErrInvalidTransition, existing.ID)
	}
	// pending/approved record settled by the order workflow
	existing.Status = CommissionPaid
	existing.SettledAt = &now
	if err := tx.UpdateCommission(ctx, existing); err != nil {
		return CommissionRecord{}, false, err
	}
	existing.Version++
	return existing, true, nil
}

// ApproveCommission moves a pending commission to approved.
func (s *Service) ApproveCommission(ctx context.Context, id CommissionID) (CommissionRecord, error) {
	return s.transitionCommission(ctx, "ApproveCommission", id, CommissionApproved, "",
		CommissionPending)
}

// SettleCommission marks a pending or approved commission as paid, making
// it available for withdrawal.
func (s *Service) SettleCommission(ctx context.Context, id CommissionID) (CommissionRecord, error) {
	return s.transitionCommission(ctx, "SettleCommission", id, CommissionPaid, "",
		CommissionPending, CommissionApproved)
}

// CancelCommission voids a commission whose order fell through.
func (s *Service) CancelCommission(ctx context.Context, id CommissionID, reason string) (CommissionRecord, error) {
	return s.transitionCommission(ctx, "CancelCommission", id, CommissionCancelled, reason,
		CommissionPending, CommissionApproved)
}

func (s *Service) transitionCommission(ctx context.Context, op string, id CommissionID, to CommissionStatus, reason string, from ...CommissionStatus) (rec CommissionRecord, err error) {
	ctx, span := s.startSpan(ctx, op, attribute.String("commission.id", string(id)))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(string(id)) == "" {
		return CommissionRecord{}, &ValidationError{Field: "commission_id", Message: "required"}
	}
	current, err := s.store.GetCommission(ctx, id)
	if err != nil {
		return CommissionRecord{}, classify(op, err)
	}

	err = s.mutate(ctx, op, current.AffiliateID, func(tx Store, now time.Time) error {
		c, err := tx.GetCommission(ctx, id)
		if err != nil {
			return err
		}
		if c.IsPartial || !statusIn(c.Status, from) {
			return fmt.Errorf("%w: commission %s is %s, cannot become %s", ErrInvalidTransition, id, c.Status, to)
		}
		c.Status = to
		if to == CommissionPaid {
			c.SettledAt = &now
		}
		if err := tx.UpdateCommission(ctx, c); err != nil {
			return err
		}
		c.Version++
		rec = c
		return nil
	})
	if err != nil {
		return CommissionRecord{}, err
	}

	s.logger.InfoContext(ctx, "commission status changed",
		"commission", id,
		"affiliate", rec.AffiliateID,
		"status", to,
		"reason", reason)
	switch to {
	case CommissionPaid:
		s.notifyEarned(ctx, rec)
	case CommissionCancelled:
		s.notify(ctx, Event{
			Type:        EventCommissionCancelled,
			AffiliateID: rec.AffiliateID,
			Amount:      rec.Amount,
			Context: map[string]string{
				"commission_id": string(rec.ID),
				"order_id":      string(rec.OrderID),
				"reason":        reason,
			},
		})
	}
	return rec, nil
}

func (s *Service) notifyEarned(ctx context.Context, rec CommissionRecord) {
	s.notify(ctx, Event{
		Type:        EventCommissionEarned,
		AffiliateID: rec.AffiliateID,
		Amount:      rec.Amount,
		Context: map[string]string{
			"commission_id": string(rec.ID),
			"order_id":      string(rec.OrderID),
		},
	})
}

func statusIn(s CommissionStatus, set []CommissionStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
