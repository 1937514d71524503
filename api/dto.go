/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  ledger types so field names and formats can evolve separately.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Wrappers combining several DTOs

MONEY:
  Every amount is a decimal string ("120.50"). Clients must not send JSON
  numbers for money; float parsing would lose cents.

VALIDATION:
  Validation is done in handlers and the ledger service, not in DTOs.
*/
package api

import (
	"time"

	"github.com/warp/affiliate-ledger/ledger"
)

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type CommissionDTO struct {
	ID                 string     `json:"id"`
	AffiliateID        string     `json:"affiliate_id"`
	OrderID            string     `json:"order_id,omitempty"`
	Amount             string     `json:"amount"`
	UsedAmount         string     `json:"used_amount"`
	Available          string     `json:"available"`
	Status             string     `json:"status"`
	IsPartial          bool       `json:"is_partial"`
	ParentCommissionID string     `json:"parent_commission_id,omitempty"`
	WithdrawalID       string     `json:"withdrawal_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	SettledAt          *time.Time `json:"settled_at,omitempty"`
}

type WithdrawalDTO struct {
	ID              string     `json:"id"`
	AffiliateID     string     `json:"affiliate_id"`
	Amount          string     `json:"amount"`
	Status          string     `json:"status"`
	RejectionReason *string    `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
}

type BalanceDTO struct {
	AffiliateID string `json:"affiliate_id"`
	Available   string `json:"available"`
	Reserved    string `json:"reserved"`
	Withdrawn   string `json:"withdrawn"`
	Pending     string `json:"pending"`
	Cancelled   string `json:"cancelled"`
	TotalEarned string `json:"total_earned"`
}

// WithdrawalResponse is returned by reserve and every settlement action.
// AvailableBalance is omitted on reserve.
type WithdrawalResponse struct {
	Withdrawal       WithdrawalDTO   `json:"withdrawal"`
	Records          []CommissionDTO `json:"records"`
	AvailableBalance string          `json:"available_balance,omitempty"`
}

type AuditDTO struct {
	AffiliateID string     `json:"affiliate_id"`
	OK          bool       `json:"ok"`
	Records     int        `json:"records"`
	Withdrawals int        `json:"withdrawals"`
	Summary     BalanceDTO `json:"summary"`
	Violations  []string   `json:"violations"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

// RecordCommissionRequest reports an order's commission. Status is "paid"
// (default) or "pending".
type RecordCommissionRequest struct {
	OrderID string `json:"order_id"`
	Amount  string `json:"amount"`
	Status  string `json:"status,omitempty"`
}

type ReserveRequest struct {
	Amount string `json:"amount"`
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toCommissionDTO(c ledger.CommissionRecord) CommissionDTO {
	return CommissionDTO{
		ID:                 string(c.ID),
		AffiliateID:        string(c.AffiliateID),
		OrderID:            string(c.OrderID),
		Amount:             c.Amount.String(),
		UsedAmount:         c.UsedAmount.String(),
		Available:          c.Available().String(),
		Status:             string(c.Status),
		IsPartial:          c.IsPartial,
		ParentCommissionID: string(c.ParentCommissionID),
		WithdrawalID:       string(c.WithdrawalID),
		CreatedAt:          c.CreatedAt,
		SettledAt:          c.SettledAt,
	}
}

func toCommissionDTOs(cs []ledger.CommissionRecord) []CommissionDTO {
	out := make([]CommissionDTO, len(cs))
	for i, c := range cs {
		out[i] = toCommissionDTO(c)
	}
	return out
}

func toWithdrawalDTO(w ledger.WithdrawalRequest) WithdrawalDTO {
	return WithdrawalDTO{
		ID:              string(w.ID),
		AffiliateID:     string(w.AffiliateID),
		Amount:          w.Amount.String(),
		Status:          string(w.Status),
		RejectionReason: w.RejectionReason,
		CreatedAt:       w.CreatedAt,
		ProcessedAt:     w.ProcessedAt,
	}
}

func toBalanceDTO(s ledger.BalanceSummary) BalanceDTO {
	return BalanceDTO{
		AffiliateID: string(s.AffiliateID),
		Available:   s.Available.String(),
		Reserved:    s.Reserved.String(),
		Withdrawn:   s.Withdrawn.String(),
		Pending:     s.Pending.String(),
		Cancelled:   s.Cancelled.String(),
		TotalEarned: s.TotalEarned.String(),
	}
}
