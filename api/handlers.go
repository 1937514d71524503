/*
handlers.go - HTTP API handlers for the affiliate commission ledger

PURPOSE:
  Exposes the ledger service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every rule to ledger.Service.

ENDPOINTS:
  Affiliates:
    GET    /api/affiliates/{id}/balance       Balance summary
    GET    /api/affiliates/{id}/commissions   Commission records (?status=paid,reserved)
    POST   /api/affiliates/{id}/commissions   Record an order's commission
    GET    /api/affiliates/{id}/withdrawals   Withdrawal history, newest first
    POST   /api/affiliates/{id}/withdrawals   Request a withdrawal (reserve)
    GET    /api/affiliates/{id}/audit         Invariant audit

  Withdrawals:
    GET    /api/withdrawals/{id}              Withdrawal with its records
    POST   /api/withdrawals/{id}/approve
    POST   /api/withdrawals/{id}/complete
    POST   /api/withdrawals/{id}/reject       {reason}

  Commissions:
    POST   /api/commissions/{id}/approve
    POST   /api/commissions/{id}/settle
    POST   /api/commissions/{id}/cancel       {reason}

ERROR HANDLING:
  Errors are returned as JSON ErrorResponse with:
  - 400: Validation errors, malformed body
  - 404: Affiliate data, withdrawal or commission not found
  - 409: Already processed, invalid transition, duplicate order
  - 422: Insufficient funds
  - 429: Rate limited (see ratelimit.go)
  - 503: Store unavailable, conflict persisted through retries
  - 500: Anything else (ledger inconsistency)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/warp/affiliate-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	svc    *ledger.Service
	logger *slog.Logger
	pinger Pinger
}

// NewHandler creates a handler over svc. pinger may be nil.
func NewHandler(svc *ledger.Service, logger *slog.Logger, pinger Pinger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger, pinger: pinger}
}

// Health reports liveness and, when a pinger is set, store reachability.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		if err := h.pinger.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Store unreachable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// AFFILIATE ENDPOINTS
// =============================================================================

// GetBalance returns the balance summary.
// GET /api/affiliates/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.Summary(r.Context(), affiliateParam(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(summary))
}

// ListCommissions returns the affiliate's records, oldest first.
// GET /api/affiliates/{id}/commissions?status=paid,reserved
func (h *Handler) ListCommissions(w http.ResponseWriter, r *http.Request) {
	var filter ledger.CommissionFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, ledger.CommissionStatus(strings.TrimSpace(s)))
		}
	}

	records, err := h.svc.ListCommissions(r.Context(), affiliateParam(r), filter)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCommissionDTOs(records))
}

// RecordCommission records an order's commission, paid or pending.
// Replaying the same order and amount returns the existing record.
// POST /api/affiliates/{id}/commissions
func (h *Handler) RecordCommission(w http.ResponseWriter, r *http.Request) {
	var req RecordCommissionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}

	ctx := r.Context()
	affiliateID := affiliateParam(r)
	var (
		rec ledger.CommissionRecord
		err error
	)
	switch ledger.CommissionStatus(req.Status) {
	case "", ledger.CommissionPaid:
		rec, err = h.svc.CommissionEarned(ctx, affiliateID, ledger.OrderID(req.OrderID), amount)
	case ledger.CommissionPending:
		rec, err = h.svc.CommissionPending(ctx, affiliateID, ledger.OrderID(req.OrderID), amount)
	default:
		writeError(w, http.StatusBadRequest, "validation_failed", "status must be paid or pending", nil)
		return
	}
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCommissionDTO(rec))
}

// ListWithdrawals returns the affiliate's withdrawals, newest first.
// GET /api/affiliates/{id}/withdrawals
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	ws, err := h.svc.ListWithdrawals(r.Context(), affiliateParam(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	out := make([]WithdrawalDTO, len(ws))
	for i, wd := range ws {
		out[i] = toWithdrawalDTO(wd)
	}
	writeJSON(w, http.StatusOK, out)
}

// RequestWithdrawal reserves funds for a new pending withdrawal.
// POST /api/affiliates/{id}/withdrawals
func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}

	res, err := h.svc.Reserve(r.Context(), affiliateParam(r), amount)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, WithdrawalResponse{
		Withdrawal: toWithdrawalDTO(res.Withdrawal),
		Records:    toCommissionDTOs(res.Records),
	})
}

// Audit checks the affiliate's records against the ledger invariants.
// A report with violations is still a 200; the body says what is wrong.
// GET /api/affiliates/{id}/audit
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Audit(r.Context(), affiliateParam(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	violations := report.Violations
	if violations == nil {
		violations = []string{}
	}
	writeJSON(w, http.StatusOK, AuditDTO{
		AffiliateID: string(report.AffiliateID),
		OK:          report.OK(),
		Records:     report.Records,
		Withdrawals: report.Withdrawals,
		Summary:     toBalanceDTO(report.Summary),
		Violations:  violations,
	})
}

// =============================================================================
// WITHDRAWAL ENDPOINTS
// =============================================================================

// GetWithdrawal returns a withdrawal and the records backing it.
// GET /api/withdrawals/{id}
func (h *Handler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := ledger.WithdrawalID(chi.URLParam(r, "id"))

	wd, err := h.svc.GetWithdrawal(ctx, id)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	records, err := h.svc.WithdrawalRecords(ctx, id)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WithdrawalResponse{
		Withdrawal: toWithdrawalDTO(wd),
		Records:    toCommissionDTOs(records),
	})
}

// ApproveWithdrawal writes off the withdrawal's reservations.
// POST /api/withdrawals/{id}/approve
func (h *Handler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Approve(r.Context(), ledger.WithdrawalID(chi.URLParam(r, "id")))
	h.writeSettlement(w, r, st, err)
}

// CompleteWithdrawal marks an executed payout.
// POST /api/withdrawals/{id}/complete
func (h *Handler) CompleteWithdrawal(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Complete(r.Context(), ledger.WithdrawalID(chi.URLParam(r, "id")))
	h.writeSettlement(w, r, st, err)
}

// RejectWithdrawal returns the reserved funds to the affiliate.
// POST /api/withdrawals/{id}/reject
func (h *Handler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeBody(w, r, &req) {
		return
	}
	st, err := h.svc.Reject(r.Context(), ledger.WithdrawalID(chi.URLParam(r, "id")), req.Reason)
	h.writeSettlement(w, r, st, err)
}

func (h *Handler) writeSettlement(w http.ResponseWriter, r *http.Request, st ledger.Settlement, err error) {
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WithdrawalResponse{
		Withdrawal:       toWithdrawalDTO(st.Withdrawal),
		Records:          toCommissionDTOs(st.Records),
		AvailableBalance: st.AvailableBalance.String(),
	})
}

// =============================================================================
// COMMISSION ENDPOINTS
// =============================================================================

// POST /api/commissions/{id}/approve
func (h *Handler) ApproveCommission(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.ApproveCommission(r.Context(), ledger.CommissionID(chi.URLParam(r, "id")))
	h.writeCommission(w, r, rec, err)
}

// POST /api/commissions/{id}/settle
func (h *Handler) SettleCommission(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.SettleCommission(r.Context(), ledger.CommissionID(chi.URLParam(r, "id")))
	h.writeCommission(w, r, rec, err)
}

// POST /api/commissions/{id}/cancel
func (h *Handler) CancelCommission(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := h.svc.CancelCommission(r.Context(), ledger.CommissionID(chi.URLParam(r, "id")), req.Reason)
	h.writeCommission(w, r, rec, err)
}

func (h *Handler) writeCommission(w http.ResponseWriter, r *http.Request, rec ledger.CommissionRecord, err error) {
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCommissionDTO(rec))
}

// =============================================================================
// HELPERS
// =============================================================================

func affiliateParam(r *http.Request) ledger.AffiliateID {
	return ledger.AffiliateID(chi.URLParam(r, "id"))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// decodeBody reads a JSON body into dst. An empty body leaves dst zero.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body", err)
		return false
	}
	return true
}

func parseAmount(w http.ResponseWriter, raw string) (decimal.Decimal, bool) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "amount must be a decimal string", err)
		return decimal.Zero, false
	}
	return amount, true
}

// statusFor maps the ledger error taxonomy to HTTP.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient_funds"
	case errors.Is(err, ledger.ErrAlreadyProcessed):
		return http.StatusConflict, "already_processed"
	case errors.Is(err, ledger.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, ledger.ErrDuplicateOrder):
		return http.StatusConflict, "duplicate_order"
	case errors.Is(err, ledger.ErrConcurrencyConflict), errors.Is(err, ledger.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "status", status, "error", err)
		// internals stay in the log
		if status != http.StatusServiceUnavailable {
			writeError(w, status, code, "Internal error", nil)
			return
		}
	}
	writeError(w, status, code, err.Error(), nil)
}
