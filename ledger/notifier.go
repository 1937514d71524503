package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventCommissionEarned    EventType = "commission_earned"
	EventCommissionCancelled EventType = "commission_cancelled"
	EventWithdrawalRequested EventType = "withdrawal_requested"
	EventWithdrawalApproved  EventType = "withdrawal_approved"
	EventWithdrawalCompleted EventType = "withdrawal_completed"
	EventWithdrawalRejected  EventType = "withdrawal_rejected"
)

// Event announces a committed ledger transition to the outside world.
type Event struct {
	Type        EventType
	AffiliateID AffiliateID
	Amount      decimal.Decimal
	Context     map[string]string
	OccurredAt  time.Time
}

// Notifier delivers events. Delivery is best effort: the ledger operation
// has already committed when Notify is called, and a Notify error is logged
// by the Service, never returned to the caller of the operation.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, e Event) error

func (f NotifierFunc) Notify(ctx context.Context, e Event) error { return f(ctx, e) }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) error { return nil }
