/*
service.go - Ledger service: the entry point for every ledger operation

PURPOSE:
  Orchestrates the store, the reservation engine and the withdrawal state
  machine. Callers construct one Service and pass it around; there is no
  package-level store handle.

OPERATION SHAPE:
  Every mutation follows the same steps:
  1. Validate input (no store access on bad input)
  2. Lock the affiliate (in-process, per affiliate)
  3. Run the change inside store.WithTx (affiliate-scoped transaction)
  4. On ErrConcurrencyConflict, back off and rerun step 3
  5. After commit, notify (best effort, failures are logged)

  Reads (AvailableBalance, Summary) do not take the affiliate lock. Each
  uses a single store read, which the store serves from one snapshot.

EXAMPLE:
  svc := ledger.NewService(store, ledger.WithNotifier(n), ledger.WithLogger(log))

  svc.CommissionEarned(ctx, "aff-1", "order-9", decimal.NewFromInt(100))
  res, err := svc.Reserve(ctx, "aff-1", decimal.NewFromInt(40))
  _, err = svc.Approve(ctx, res.Withdrawal.ID)
*/
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/warp/affiliate-ledger/ledger"

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store    TxStore
	notifier Notifier
	logger   *slog.Logger
	clock    func() time.Time
	ids      IDGenerator
	retry    RetryPolicy
	locks    *affiliateLocks
	tracer   trace.Tracer

	notifyTimeout time.Duration
}

// DefaultNotifyTimeout bounds how long a committed operation waits on its
// notification before returning.
const DefaultNotifyTimeout = 2 * time.Second

type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithNotifyTimeout bounds each Notify call. Zero or negative keeps the default.
func WithNotifyTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.notifyTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(s *Service) { s.clock = fn }
}

func WithIDGenerator(g IDGenerator) Option {
	return func(s *Service) { s.ids = g }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Service) { s.retry = p }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

func NewService(store TxStore, opts ...Option) *Service {
	s := &Service{
		store:    store,
		notifier: nopNotifier{},
		logger:   slog.Default(),
		clock:    func() time.Time { return time.Now().UTC() },
		ids:      UUIDGenerator{},
		retry:    DefaultRetryPolicy,
		locks:    newAffiliateLocks(),
		tracer:   otel.Tracer(tracerName),

		notifyTimeout: DefaultNotifyTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reservation is the result of a successful Reserve.
type Reservation struct {
	Withdrawal WithdrawalRequest
	Records    []CommissionRecord // synthesized reserved records
}

func (r Reservation) ReservedRecordIDs() []CommissionID {
	ids := make([]CommissionID, len(r.Records))
	for i, rec := range r.Records {
		ids[i] = rec.ID
	}
	return ids
}

// Settlement is the result of Approve, Complete or Reject.
type Settlement struct {
	Withdrawal WithdrawalRequest
	Records    []CommissionRecord // records withdrawn, or released on reject

	// AvailableBalance after the settlement, for display and notification.
	AvailableBalance decimal.Decimal
}

// =============================================================================
// BALANCE
// =============================================================================

// AvailableBalance returns Σ(Amount - UsedAmount) over the affiliate's paid
// records.
func (s *Service) AvailableBalance(ctx context.Context, affiliateID AffiliateID) (decimal.Decimal, error) {
	if err := validateAffiliate(affiliateID); err != nil {
		return decimal.Zero, err
	}
	records, err := s.store.ListCommissions(ctx, affiliateID, PaidOnly)
	if err != nil {
		return decimal.Zero, classify("available balance", err)
	}
	return AvailableBalance(records), nil
}

func (s *Service) Summary(ctx context.Context, affiliateID AffiliateID) (BalanceSummary, error) {
	if err := validateAffiliate(affiliateID); err != nil {
		return BalanceSummary{}, err
	}
	records, err := s.store.ListCommissions(ctx, affiliateID, CommissionFilter{})
	if err != nil {
		return BalanceSummary{}, classify("summary", err)
	}
	return Summarize(affiliateID, records), nil
}

// =============================================================================
// RESERVATION
// =============================================================================

// Reserve ties requested of the affiliate's paid commissions to a new pending
// withdrawal. All or nothing: on InsufficientFundsError nothing is written.
func (s *Service) Reserve(ctx context.Context, affiliateID AffiliateID, requested decimal.Decimal) (res Reservation, err error) {
	ctx, span := s.startSpan(ctx, "Reserve", attribute.String("affiliate.id", string(affiliateID)))
	defer func() { endSpan(span, err) }()

	if err := validateAffiliate(affiliateID); err != nil {
		return Reservation{}, err
	}
	if err := validateAmount(requested); err != nil {
		return Reservation{}, err
	}

	err = s.mutate(ctx, "reserve", affiliateID, func(tx Store, now time.Time) error {
		records, err := tx.ListCommissions(ctx, affiliateID, PaidOnly)
		if err != nil {
			return fmt.Errorf("load paid commissions: %w", err)
		}
		plan, err := PlanReservation(affiliateID, records, requested)
		if err != nil {
			return err
		}
		w, reserved, err := applyReservation(ctx, tx, plan, s.ids, now)
		if err != nil {
			return err
		}
		res = Reservation{Withdrawal: w, Records: reserved}
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}

	span.SetAttributes(attribute.String("withdrawal.id", string(res.Withdrawal.ID)))
	s.logger.InfoContext(ctx, "withdrawal reserved",
		"affiliate", affiliateID,
		"withdrawal", res.Withdrawal.ID,
		"amount", requested.String(),
		"records", len(res.Records))
	s.notify(ctx, Event{
		Type:        EventWithdrawalRequested,
		AffiliateID: affiliateID,
		Amount:      requested,
		Context:     map[string]string{"withdrawal_id": string(res.Withdrawal.ID)},
	})
	return res, nil
}

// =============================================================================
// SETTLEMENT
// =============================================================================

// Approve writes off every reservation of the withdrawal (status approved).
func (s *Service) Approve(ctx context.Context, id WithdrawalID) (Settlement, error) {
	return s.finalize(ctx, "Approve", id, WithdrawalApproved, EventWithdrawalApproved)
}

// Complete is Approve for a payout that has already been executed
// (status completed).
func (s *Service) Complete(ctx context.Context, id WithdrawalID) (Settlement, error) {
	return s.finalize(ctx, "Complete", id, WithdrawalCompleted, EventWithdrawalCompleted)
}

func (s *Service) finalize(ctx context.Context, op string, id WithdrawalID, target WithdrawalStatus, event EventType) (st Settlement, err error) {
	ctx, span := s.startSpan(ctx, op, attribute.String("withdrawal.id", string(id)))
	defer func() { endSpan(span, err) }()

	affiliateID, err := s.withdrawalOwner(ctx, id)
	if err != nil {
		return Settlement{}, err
	}

	err = s.mutate(ctx, strings.ToLower(op), affiliateID, func(tx Store, now time.Time) error {
		w, records, err := finalizeWithdrawal(ctx, tx, id, target, now)
		if err != nil {
			return err
		}
		available, err := availableIn(ctx, tx, affiliateID)
		if err != nil {
			return err
		}
		st = Settlement{Withdrawal: w, Records: records, AvailableBalance: available}
		return nil
	})
	if err != nil {
		return Settlement{}, err
	}

	s.logger.InfoContext(ctx, "withdrawal settled",
		"affiliate", affiliateID,
		"withdrawal", id,
		"status", target,
		"amount", st.Withdrawal.Amount.String(),
		"available", st.AvailableBalance.String())
	s.notify(ctx, Event{
		Type:        event,
		AffiliateID: affiliateID,
		Amount:      st.Withdrawal.Amount,
		Context: map[string]string{
			"withdrawal_id":     string(id),
			"available_balance": st.AvailableBalance.String(),
		},
	})
	return st, nil
}

// Reject releases every reservation of the withdrawal back to its parent.
func (s *Service) Reject(ctx context.Context, id WithdrawalID, reason string) (st Settlement, err error) {
	ctx, span := s.startSpan(ctx, "Reject", attribute.String("withdrawal.id", string(id)))
	defer func() { endSpan(span, err) }()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Settlement{}, &ValidationError{Field: "reason", Message: "required"}
	}

	affiliateID, err := s.withdrawalOwner(ctx, id)
	if err != nil {
		return Settlement{}, err
	}

	err = s.mutate(ctx, "reject", affiliateID, func(tx Store, now time.Time) error {
		w, records, err := rollbackWithdrawal(ctx, tx, id, reason, now)
		if err != nil {
			return err
		}
		available, err := availableIn(ctx, tx, affiliateID)
		if err != nil {
			return err
		}
		st = Settlement{Withdrawal: w, Records: records, AvailableBalance: available}
		return nil
	})
	if err != nil {
		return Settlement{}, err
	}

	s.logger.InfoContext(ctx, "withdrawal rejected",
		"affiliate", affiliateID,
		"withdrawal", id,
		"reason", reason,
		"available", st.AvailableBalance.String())
	s.notify(ctx, Event{
		Type:        EventWithdrawalRejected,
		AffiliateID: affiliateID,
		Amount:      st.Withdrawal.Amount,
		Context: map[string]string{
			"withdrawal_id":     string(id),
			"reason":            reason,
			"available_balance": st.AvailableBalance.String(),
		},
	})
	return st, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *Service) GetWithdrawal(ctx context.Context, id WithdrawalID) (WithdrawalRequest, error) {
	if err := validateWithdrawalID(id); err != nil {
		return WithdrawalRequest{}, err
	}
	w, err := s.store.GetWithdrawal(ctx, id)
	return w, classify("get withdrawal", err)
}

func (s *Service) ListWithdrawals(ctx context.Context, affiliateID AffiliateID) ([]WithdrawalRequest, error) {
	if err := validateAffiliate(affiliateID); err != nil {
		return nil, err
	}
	ws, err := s.store.ListWithdrawals(ctx, affiliateID)
	return ws, classify("list withdrawals", err)
}

func (s *Service) ListCommissions(ctx context.Context, affiliateID AffiliateID, filter CommissionFilter) ([]CommissionRecord, error) {
	if err := validateAffiliate(affiliateID); err != nil {
		return nil, err
	}
	cs, err := s.store.ListCommissions(ctx, affiliateID, filter)
	return cs, classify("list commissions", err)
}

// WithdrawalRecords returns the reserved or withdrawn records backing a withdrawal.
func (s *Service) WithdrawalRecords(ctx context.Context, id WithdrawalID) ([]CommissionRecord, error) {
	// an empty id would match every record not linked to a withdrawal
	if err := validateWithdrawalID(id); err != nil {
		return nil, err
	}
	cs, err := s.store.ListByWithdrawal(ctx, id)
	return cs, classify("withdrawal records", err)
}

// =============================================================================
// INTERNALS
// =============================================================================

// mutate runs fn in an affiliate-scoped transaction under the affiliate lock,
// retrying on store conflicts.
func (s *Service) mutate(ctx context.Context, op string, affiliateID AffiliateID, fn func(tx Store, now time.Time) error) error {
	unlock := s.locks.lock(affiliateID)
	defer unlock()

	err := s.retry.do(ctx, func(attempt int) error {
		if attempt > 0 {
			s.logger.DebugContext(ctx, "retrying after conflict",
				"op", op, "affiliate", affiliateID, "attempt", attempt+1)
		}
		return s.store.WithTx(ctx, affiliateID, func(tx Store) error {
			return fn(tx, s.clock())
		})
	})
	if err != nil && !IsClientError(err) && !IsNotFound(err) {
		s.logger.ErrorContext(ctx, "ledger mutation failed",
			"op", op, "affiliate", affiliateID, "error", err)
	}
	return classify(op, err)
}

// withdrawalOwner resolves the lock key for a withdrawal. AffiliateID is
// immutable, so reading it outside the transaction is safe.
func (s *Service) withdrawalOwner(ctx context.Context, id WithdrawalID) (AffiliateID, error) {
	if err := validateWithdrawalID(id); err != nil {
		return "", err
	}
	w, err := s.store.GetWithdrawal(ctx, id)
	if err != nil {
		return "", classify("get withdrawal", err)
	}
	return w.AffiliateID, nil
}

func availableIn(ctx context.Context, tx Store, affiliateID AffiliateID) (decimal.Decimal, error) {
	records, err := tx.ListCommissions(ctx, affiliateID, PaidOnly)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load paid commissions: %w", err)
	}
	return AvailableBalance(records), nil
}

func (s *Service) notify(ctx context.Context, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.clock()
	}
	// detached from the request, bounded by notifyTimeout
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	defer cancel()
	if err := s.notifier.Notify(nctx, e); err != nil {
		s.logger.WarnContext(ctx, "notification delivery failed",
			"type", e.Type,
			"affiliate", e.AffiliateID,
			"error", err)
	}
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "ledger."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func validateAffiliate(id AffiliateID) error {
	if strings.TrimSpace(string(id)) == "" {
		return &ValidationError{Field: "affiliate_id", Message: "required"}
	}
	return nil
}

func validateWithdrawalID(id WithdrawalID) error {
	if strings.TrimSpace(string(id)) == "" {
		return &ValidationError{Field: "withdrawal_id", Message: "required"}
	}
	return nil
}
