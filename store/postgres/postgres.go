/*
Package postgres provides a PostgreSQL implementation of ledger.TxStore
on top of pgx.

CONCURRENCY:
  WithTx takes a transaction-scoped advisory lock keyed by the affiliate
  (pg_advisory_xact_lock(hashtext(affiliate_id))). Two processes serving
  the same affiliate serialize on it; different affiliates proceed in
  parallel. The lock is released by COMMIT or ROLLBACK, never explicitly.

  Updates also carry a version check, so a writer that bypasses WithTx
  still cannot overwrite a newer row silently.

ERRORS:
  23505 unique_violation       → ledger.ErrDuplicateKey
  40001 serialization_failure  → ledger.ErrConcurrencyConflict
  40P01 deadlock_detected      → ledger.ErrConcurrencyConflict
  pgx.ErrNoRows                → ledger.ErrNotFound

VALUES:
  Amounts are NUMERIC columns. They are sent and read as text so no value
  passes through float64.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/affiliate-ledger/ledger"
)

// Store implements ledger.TxStore using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ ledger.TxStore = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects to databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return New(pool), nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Schema is the DDL applied by Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS withdrawals (
    id               TEXT PRIMARY KEY,
    affiliate_id     TEXT NOT NULL,
    amount           NUMERIC(20, 6) NOT NULL CHECK (amount > 0),
    status           TEXT NOT NULL,
    rejection_reason TEXT,
    created_at       TIMESTAMPTZ NOT NULL,
    processed_at     TIMESTAMPTZ,
    version          BIGINT NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_withdrawals_affiliate_created
    ON withdrawals (affiliate_id, created_at DESC);

CREATE TABLE IF NOT EXISTS commissions (
    id                   TEXT PRIMARY KEY,
    affiliate_id         TEXT NOT NULL,
    order_id             TEXT,
    amount               NUMERIC(20, 6) NOT NULL CHECK (amount > 0),
    used_amount          NUMERIC(20, 6) NOT NULL DEFAULT 0,
    status               TEXT NOT NULL,
    is_partial           BOOLEAN NOT NULL DEFAULT FALSE,
    parent_commission_id TEXT REFERENCES commissions (id),
    withdrawal_id        TEXT REFERENCES withdrawals (id),
    created_at           TIMESTAMPTZ NOT NULL,
    settled_at           TIMESTAMPTZ,
    version              BIGINT NOT NULL DEFAULT 1,
    CHECK (used_amount >= 0 AND used_amount <= amount),
    CHECK (is_partial = (parent_commission_id IS NOT NULL))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_commissions_order
    ON commissions (affiliate_id, order_id)
    WHERE NOT is_partial AND order_id IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_commissions_affiliate_created
    ON commissions (affiliate_id, created_at, id);

CREATE INDEX IF NOT EXISTS idx_commissions_withdrawal
    ON commissions (withdrawal_id) WHERE withdrawal_id IS NOT NULL;
`

// Migrate applies Schema. Safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type conn struct {
	q querier
}

const commissionColumns = `id, affiliate_id, order_id, amount::text, used_amount::text, status,
    is_partial, parent_commission_id, withdrawal_id, created_at, settled_at, version`

const withdrawalColumns = `id, affiliate_id, amount::text, status, rejection_reason, created_at, processed_at, version`

func (c conn) InsertCommission(ctx context.Context, rec ledger.CommissionRecord) error {
	_, err := c.q.Exec(ctx, `
        INSERT INTO commissions
            (id, affiliate_id, order_id, amount, used_amount, status, is_partial,
             parent_commission_id, withdrawal_id, created_at, settled_at, version)
        VALUES ($1, $2, $3, $4::text::numeric, $5::text::numeric, $6, $7, $8, $9, $10, $11, 1)`,
		string(rec.ID),
		string(rec.AffiliateID),
		nullable(string(rec.OrderID)),
		rec.Amount.String(),
		rec.UsedAmount.String(),
		string(rec.Status),
		rec.IsPartial,
		nullable(string(rec.ParentCommissionID)),
		nullable(string(rec.WithdrawalID)),
		rec.CreatedAt,
		rec.SettledAt,
	)
	return mapError("insert commission", err)
}

func (c conn) GetCommission(ctx context.Context, id ledger.CommissionID) (ledger.CommissionRecord, error) {
	return scanCommission(c.q.QueryRow(ctx, `SELECT `+commissionColumns+` FROM commissions WHERE id = $1`, string(id)))
}

func (c conn) FindCommissionByOrder(ctx context.Context, affiliateID ledger.AffiliateID, orderID ledger.OrderID) (ledger.CommissionRecord, error) {
	return scanCommission(c.q.QueryRow(ctx, `
        SELECT `+commissionColumns+` FROM commissions
        WHERE affiliate_id = $1 AND order_id = $2 AND NOT is_partial`,
		string(affiliateID), string(orderID)))
}

func (c conn) UpdateCommission(ctx context.Context, rec ledger.CommissionRecord) error {
	tag, err := c.q.Exec(ctx, `
        UPDATE commissions
        SET used_amount = $1::text::numeric, status = $2, withdrawal_id = $3, settled_at = $4,
            version = version + 1
        WHERE id = $5 AND version = $6`,
		rec.UsedAmount.String(),
		string(rec.Status),
		nullable(string(rec.WithdrawalID)),
		rec.SettledAt,
		string(rec.ID),
		rec.Version,
	)
	if err != nil {
		return mapError("update commission", err)
	}
	return c.checkVersioned(ctx, tag, "commissions", string(rec.ID))
}

func (c conn) DeleteCommission(ctx context.Context, id ledger.CommissionID) error {
	tag, err := c.q.Exec(ctx, `DELETE FROM commissions WHERE id = $1`, string(id))
	if err != nil {
		return mapError("delete commission", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (c conn) ListCommissions(ctx context.Context, affiliateID ledger.AffiliateID, filter ledger.CommissionFilter) ([]ledger.CommissionRecord, error) {
	if len(filter.Statuses) == 0 {
		return c.queryCommissions(ctx, `
            SELECT `+commissionColumns+` FROM commissions
            WHERE affiliate_id = $1
            ORDER BY created_at, id`, string(affiliateID))
	}
	statuses := make([]string, len(filter.Statuses))
	for i, st := range filter.Statuses {
		statuses[i] = string(st)
	}
	return c.queryCommissions(ctx, `
        SELECT `+commissionColumns+` FROM commissions
        WHERE affiliate_id = $1 AND status = ANY($2)
        ORDER BY created_at, id`, string(affiliateID), statuses)
}

func (c conn) ListByWithdrawal(ctx context.Context, withdrawalID ledger.WithdrawalID) ([]ledger.CommissionRecord, error) {
	return c.queryCommissions(ctx, `
        SELECT `+commissionColumns+` FROM commissions
        WHERE withdrawal_id = $1
        ORDER BY created_at, id`, string(withdrawalID))
}

func (c conn) InsertWithdrawal(ctx context.Context, w ledger.WithdrawalRequest) error {
	_, err := c.q.Exec(ctx, `
        INSERT INTO withdrawals
            (id, affiliate_id, amount, status, rejection_reason, created_at, processed_at, version)
        VALUES ($1, $2, $3::text::numeric, $4, $5, $6, $7, 1)`,
		string(w.ID),
		string(w.AffiliateID),
		w.Amount.String(),
		string(w.Status),
		w.RejectionReason,
		w.CreatedAt,
		w.ProcessedAt,
	)
	return mapError("insert withdrawal", err)
}

func (c conn) GetWithdrawal(ctx context.Context, id ledger.WithdrawalID) (ledger.WithdrawalRequest, error) {
	return scanWithdrawal(c.q.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, string(id)))
}

func (c conn) UpdateWithdrawal(ctx context.Context, w ledger.WithdrawalRequest) error {
	tag, err := c.q.Exec(ctx, `
        UPDATE withdrawals
        SET status = $1, rejection_reason = $2, processed_at = $3, version = version + 1
        WHERE id = $4 AND version = $5`,
		string(w.Status),
		w.RejectionReason,
		w.ProcessedAt,
		string(w.ID),
		w.Version,
	)
	if err != nil {
		return mapError("update withdrawal", err)
	}
	return c.checkVersioned(ctx, tag, "withdrawals", string(w.ID))
}

func (c conn) ListWithdrawals(ctx context.Context, affiliateID ledger.AffiliateID) ([]ledger.WithdrawalRequest, error) {
	rows, err := c.q.Query(ctx, `
        SELECT `+withdrawalColumns+` FROM withdrawals
        WHERE affiliate_id = $1
        ORDER BY created_at DESC, id DESC`, string(affiliateID))
	if err != nil {
		return nil, mapError("list withdrawals", err)
	}
	defer rows.Close()

	var result []ledger.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, mapError("list withdrawals", rows.Err())
}

func (c conn) queryCommissions(ctx context.Context, sql string, args ...any) ([]ledger.CommissionRecord, error) {
	rows, err := c.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapError("query commissions", err)
	}
	defer rows.Close()

	var result []ledger.CommissionRecord
	for rows.Next() {
		rec, err := scanCommission(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, mapError("query commissions", rows.Err())
}

func (c conn) checkVersioned(ctx context.Context, tag pgconn.CommandTag, table, id string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	err := c.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return mapError("check version", err)
	}
	if !exists {
		return ledger.ErrNotFound
	}
	return ledger.ErrConcurrencyConflict
}

// =============================================================================
// STORE
// =============================================================================

func (s *Store) conn() conn { return conn{q: s.pool} }

func (s *Store) InsertCommission(ctx context.Context, c ledger.CommissionRecord) error {
	return s.conn().InsertCommission(ctx, c)
}

func (s *Store) GetCommission(ctx context.Context, id ledger.CommissionID) (ledger.CommissionRecord, error) {
	return s.conn().GetCommission(ctx, id)
}

func (s *Store) FindCommissionByOrder(ctx context.Context, affiliateID ledger.AffiliateID, orderID ledger.OrderID) (ledger.CommissionRecord, error) {
	return s.conn().FindCommissionByOrder(ctx, affiliateID, orderID)
}

func (s *Store) UpdateCommission(ctx context.Context, c ledger.CommissionRecord) error {
	return s.conn().UpdateCommission(ctx, c)
}

func (s *Store) DeleteCommission(ctx context.Context, id ledger.CommissionID) error {
	return s.conn().DeleteCommission(ctx, id)
}

func (s *Store) ListCommissions(ctx context.Context, affiliateID ledger.AffiliateID, filter ledger.CommissionFilter) ([]ledger.CommissionRecord, error) {
	return s.conn().ListCommissions(ctx, affiliateID, filter)
}

func (s *Store) ListByWithdrawal(ctx context.Context, withdrawalID ledger.WithdrawalID) ([]ledger.CommissionRecord, error) {
	return s.conn().ListByWithdrawal(ctx, withdrawalID)
}

func (s *Store) InsertWithdrawal(ctx context.Context, w ledger.WithdrawalRequest) error {
	return s.conn().InsertWithdrawal(ctx, w)
}

func (s *Store) GetWithdrawal(ctx context.Context, id ledger.WithdrawalID) (ledger.WithdrawalRequest, error) {
	return s.conn().GetWithdrawal(ctx, id)
}

func (s *Store) UpdateWithdrawal(ctx context.Context, w ledger.WithdrawalRequest) error {
	return s.conn().UpdateWithdrawal(ctx, w)
}

func (s *Store) ListWithdrawals(ctx context.Context, affiliateID ledger.AffiliateID) ([]ledger.WithdrawalRequest, error) {
	return s.conn().ListWithdrawals(ctx, affiliateID)
}

// WithTx runs fn in a READ COMMITTED transaction holding the affiliate's
// advisory lock.
func (s *Store) WithTx(ctx context.Context, affiliateID ledger.AffiliateID, fn func(ledger.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapError("begin", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, string(affiliateID)); err != nil {
		return mapError("advisory lock", err)
	}
	if err := fn(conn{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError("commit", err)
	}
	return nil
}

// =============================================================================
// SCANNING
// =============================================================================

func scanCommission(row pgx.Row) (ledger.CommissionRecord, error) {
	var (
		rec                     ledger.CommissionRecord
		id, affiliate, status   string
		amount, used            string
		orderID, parentID, wdID *string
		createdAt               time.Time
	)
	err := row.Scan(&id, &affiliate, &orderID, &amount, &used, &status, &rec.IsPartial,
		&parentID, &wdID, &createdAt, &rec.SettledAt, &rec.Version)
	if err != nil {
		return ledger.CommissionRecord{}, mapError("scan commission", err)
	}

	rec.ID = ledger.CommissionID(id)
	rec.AffiliateID = ledger.AffiliateID(affiliate)
	rec.Status = ledger.CommissionStatus(status)
	rec.OrderID = ledger.OrderID(deref(orderID))
	rec.ParentCommissionID = ledger.CommissionID(deref(parentID))
	rec.WithdrawalID = ledger.WithdrawalID(deref(wdID))
	rec.CreatedAt = createdAt.UTC()
	if rec.SettledAt != nil {
		t := rec.SettledAt.UTC()
		rec.SettledAt = &t
	}
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return ledger.CommissionRecord{}, fmt.Errorf("commission %s amount: %w", id, err)
	}
	if rec.UsedAmount, err = decimal.NewFromString(used); err != nil {
		return ledger.CommissionRecord{}, fmt.Errorf("commission %s used amount: %w", id, err)
	}
	return rec, nil
}

func scanWithdrawal(row pgx.Row) (ledger.WithdrawalRequest, error) {
	var (
		w                     ledger.WithdrawalRequest
		id, affiliate, status string
		amount                string
		createdAt             time.Time
	)
	err := row.Scan(&id, &affiliate, &amount, &status, &w.RejectionReason, &createdAt, &w.ProcessedAt, &w.Version)
	if err != nil {
		return ledger.WithdrawalRequest{}, mapError("scan withdrawal", err)
	}

	w.ID = ledger.WithdrawalID(id)
	w.AffiliateID = ledger.AffiliateID(affiliate)
	w.Status = ledger.WithdrawalStatus(status)
	w.CreatedAt = createdAt.UTC()
	if w.ProcessedAt != nil {
		t := w.ProcessedAt.UTC()
		w.ProcessedAt = &t
	}
	if w.Amount, err = decimal.NewFromString(amount); err != nil {
		return ledger.WithdrawalRequest{}, fmt.Errorf("withdrawal %s amount: %w", id, err)
	}
	return w, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// mapError translates pgx errors into the ledger taxonomy. nil stays nil.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w", op, ledger.ErrDuplicateKey)
		case "40001", "40P01":
			return fmt.Errorf("%s: %w", op, ledger.ErrConcurrencyConflict)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
