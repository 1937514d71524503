/*
Package notify provides ledger.Notifier implementations.

DELIVERY TARGETS:
  Log:    writes each event to a slog.Logger (always on)
  Redis:  PUBLISH to a pub/sub channel, one JSON message per event
  Kafka:  one record per event, keyed by affiliate so an affiliate's
          events stay ordered within a partition
  Multi:  fans out to several notifiers and joins their errors

All targets share the JSON envelope built by Encode:

  {
    "type": "withdrawal_rejected",
    "affiliate_id": "aff-1",
    "amount": "120",
    "context": {"withdrawal_id": "wd_...", "reason": "kyc"},
    "occurred_at": "2025-03-01T09:00:04Z"
  }

Delivery is best effort. The ledger has committed before Notify runs and
the Service only logs a returned error.
*/
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/affiliate-ledger/ledger"
)

// Envelope is the wire form of a ledger.Event.
type Envelope struct {
	Type        ledger.EventType   `json:"type"`
	AffiliateID ledger.AffiliateID `json:"affiliate_id"`
	Amount      decimal.Decimal    `json:"amount"`
	Context     map[string]string  `json:"context,omitempty"`
	OccurredAt  time.Time          `json:"occurred_at"`
}

// Encode renders e as the JSON envelope.
func Encode(e ledger.Event) ([]byte, error) {
	return json.Marshal(Envelope{
		Type:        e.Type,
		AffiliateID: e.AffiliateID,
		Amount:      e.Amount,
		Context:     e.Context,
		OccurredAt:  e.OccurredAt.UTC(),
	})
}

// Multi delivers to every notifier, even when an earlier one fails.
type Multi []ledger.Notifier

func (m Multi) Notify(ctx context.Context, e ledger.Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
