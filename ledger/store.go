/*
store.go - Persistence interface for commission records and withdrawals

PURPOSE:
  Defines the interface between the ledger logic and the database.
  Implementations:
  - ledger/store/memory.go: In-memory, for tests and dev
  - store/sqlite/sqlite.go: SQLite (single node)
  - store/postgres/postgres.go: PostgreSQL via pgx (multi node)

ATOMICITY:
  Every ledger mutation runs inside TxStore.WithTx. The transaction is
  scoped to one affiliate: implementations take an affiliate-level lock
  (mutex, BEGIN IMMEDIATE or advisory lock) for its duration. If fn returns
  an error, nothing it wrote is visible afterwards.

OPTIMISTIC CONCURRENCY:
  UpdateCommission and UpdateWithdrawal compare the Version field of the
  argument with the stored row. On mismatch they return
  ErrConcurrencyConflict; on success the stored Version becomes Version+1.

ORDERING:
  ListCommissions returns records oldest first (CreatedAt, then ID). The
  reservation engine depends on this for deterministic FIFO consumption.
*/
package ledger

import "context"

// Store handles persistence of commission records and withdrawal requests.
type Store interface {
	InsertCommission(ctx context.Context, c CommissionRecord) error
	GetCommission(ctx context.Context, id CommissionID) (CommissionRecord, error)

	// FindCommissionByOrder returns the non-partial record for an order.
	// Returns ErrNotFound if there is none.
	FindCommissionByOrder(ctx context.Context, affiliateID AffiliateID, orderID OrderID) (CommissionRecord, error)

	// UpdateCommission replaces mutable fields (UsedAmount, Status,
	// WithdrawalID, SettledAt) if c.Version matches.
	UpdateCommission(ctx context.Context, c CommissionRecord) error

	// DeleteCommission removes a partial record. Only reserved partial
	// records are ever deleted.
	DeleteCommission(ctx context.Context, id CommissionID) error

	// ListCommissions returns the affiliate's records, oldest first.
	ListCommissions(ctx context.Context, affiliateID AffiliateID, filter CommissionFilter) ([]CommissionRecord, error)

	// ListByWithdrawal returns the records linked to a withdrawal, oldest first.
	ListByWithdrawal(ctx context.Context, withdrawalID WithdrawalID) ([]CommissionRecord, error)

	InsertWithdrawal(ctx context.Context, w WithdrawalRequest) error
	GetWithdrawal(ctx context.Context, id WithdrawalID) (WithdrawalRequest, error)
	UpdateWithdrawal(ctx context.Context, w WithdrawalRequest) error

	// ListWithdrawals returns the affiliate's withdrawals, newest first.
	ListWithdrawals(ctx context.Context, affiliateID AffiliateID) ([]WithdrawalRequest, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction scoped to one affiliate.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, affiliateID AffiliateID, fn func(Store) error) error
}
