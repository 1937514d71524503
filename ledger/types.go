/*
Package ledger provides the affiliate commission ledger and withdrawal
settlement engine.

PURPOSE:
  Tracks money earned by affiliates (commission records) and lets them
  withdraw it. Every withdrawal reserves capacity from specific paid
  commissions, so money can always be traced back to the order that
  earned it. No operation creates or destroys value.

KEY CONCEPTS IN THIS FILE (types.go):
  - CommissionRecord: Money earned by one affiliate, plus how much of it
    is already committed to withdrawals (UsedAmount)
  - WithdrawalRequest: A request to pay out part of the available balance
  - Status enums for both lifecycles

RECORD ENCODING:
  A reservation never changes the status of the source record. It bumps the
  source's UsedAmount and synthesizes a child record (IsPartial=true,
  ParentCommissionID=source) in status "reserved", linked to the withdrawal.
  This holds even when the source is consumed exactly, so rollback has a
  single shape: delete the child, give its Amount back to the parent.

      paid (amount=100, used=0)
        │ reserve 100
        ▼
      paid (amount=100, used=100) ◀── reserved child (amount=100, wd=W1)
                                            │ approve          │ reject
                                            ▼                  ▼
                                         withdrawn     deleted, parent used -= 100

SEE ALSO:
  - balance.go: Available balance over paid records
  - reservation.go: FIFO reservation planning and application
  - withdrawal.go: Approve / complete / reject state machine
  - service.go: Per-affiliate serialization, retries, notifications
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AffiliateID string
type CommissionID string
type WithdrawalID string
type OrderID string

// =============================================================================
// COMMISSION RECORD
// =============================================================================

type CommissionStatus string

const (
	CommissionPending   CommissionStatus = "pending"   // Order placed, not paid yet
	CommissionApproved  CommissionStatus = "approved"  // Order confirmed, awaiting settlement
	CommissionPaid      CommissionStatus = "paid"      // Settled; the only status that backs reservations
	CommissionReserved  CommissionStatus = "reserved"  // Synthesized child tied to a pending withdrawal
	CommissionWithdrawn CommissionStatus = "withdrawn" // Child of an approved/completed withdrawal. Terminal.
	CommissionCancelled CommissionStatus = "cancelled" // Order cancelled before settlement. Terminal.
)

// CommissionRecord is money earned by one affiliate from one order, or a
// reservation carved out of such a record.
//
// INVARIANTS:
//   - 0 <= UsedAmount <= Amount
//   - Amount never changes after creation
//   - ParentCommissionID is set iff IsPartial
//   - WithdrawalID is set iff Status is reserved or withdrawn
type CommissionRecord struct {
	ID          CommissionID
	AffiliateID AffiliateID
	OrderID     OrderID // empty on partial records

	Amount     decimal.Decimal
	UsedAmount decimal.Decimal
	Status     CommissionStatus

	IsPartial          bool
	ParentCommissionID CommissionID
	WithdrawalID       WithdrawalID

	CreatedAt time.Time
	SettledAt *time.Time

	// Version is bumped on every update. Stores reject updates whose
	// Version does not match the stored row (optimistic concurrency).
	Version int64
}

// Available is the part of the record that can still back a reservation.
// Only paid records have availability.
func (c CommissionRecord) Available() decimal.Decimal {
	if c.Status != CommissionPaid {
		return decimal.Zero
	}
	return c.Amount.Sub(c.UsedAmount)
}

// =============================================================================
// WITHDRAWAL REQUEST
// =============================================================================

type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalApproved  WithdrawalStatus = "approved"
	WithdrawalCompleted WithdrawalStatus = "completed"
	WithdrawalRejected  WithdrawalStatus = "rejected"
)

// IsTerminal reports whether no further transition is allowed.
func (s WithdrawalStatus) IsTerminal() bool {
	return s == WithdrawalApproved || s == WithdrawalCompleted || s == WithdrawalRejected
}

type WithdrawalRequest struct {
	ID              WithdrawalID
	AffiliateID     AffiliateID
	Amount          decimal.Decimal
	Status          WithdrawalStatus
	RejectionReason *string

	CreatedAt   time.Time
	ProcessedAt *time.Time

	Version int64
}

// =============================================================================
// FILTERS
// =============================================================================

// CommissionFilter narrows ListCommissions. Zero value matches everything.
type CommissionFilter struct {
	Statuses []CommissionStatus
}

func (f CommissionFilter) Matches(c CommissionRecord) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if c.Status == s {
			return true
		}
	}
	return false
}

// PaidOnly selects the records that can back reservations.
var PaidOnly = CommissionFilter{Statuses: []CommissionStatus{CommissionPaid}}
