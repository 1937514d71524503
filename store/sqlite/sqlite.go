/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Single-node persistence for commission records and withdrawal requests.
  The PostgreSQL store (store/postgres) follows the same schema with minor
  dialect differences and is the one to use when several processes share
  a database.

KEY TABLES:
  withdrawals:  One row per withdrawal request
  commissions:  Source commissions (is_partial = 0) and the reserved or
                withdrawn portions split off them (is_partial = 1)

INDEXES:
  - idx_commissions_order: one non-partial record per (affiliate, order).
    Backs the idempotency of commission intake.
  - idx_commissions_affiliate_created: FIFO scan (hot path)
  - idx_commissions_withdrawal: records backing a withdrawal
  - idx_withdrawals_affiliate_created: withdrawal history

VALUES:
  Money is stored as decimal TEXT and parsed with shopspring/decimal, so no
  value ever passes through float64. Timestamps are UTC TEXT in a
  fixed-width layout so that lexical order equals time order.

CONCURRENCY:
  Writers are serialized with a mutex around WithTx and the database is
  opened with _txlock=immediate, so a second process blocks on BEGIN
  instead of failing at COMMIT. Updates carry a version check
  (UPDATE ... WHERE version = ?) and report ErrConcurrencyConflict when
  another writer got there first.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store)

MIGRATION:
  Schema is auto-migrated on New(). NewWithDB skips it; call Migrate.
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/affiliate-ledger/ledger"
)

// timeLayout is fixed width: RFC3339Nano drops trailing zeros, which breaks
// lexical ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

var _ ledger.TxStore = (*Store)(nil)

// New opens (creating if needed) the database at dbPath and migrates it.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection gets its own in-memory database
		db.SetMaxOpenConns(1)
	}

	store := NewWithDB(db)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewWithDB wraps an already opened handle. The schema is not touched.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const schema = `
	CREATE TABLE IF NOT EXISTS withdrawals (
		id TEXT PRIMARY KEY,
		affiliate_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		rejection_reason TEXT,
		created_at TEXT NOT NULL,
		processed_at TEXT,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_withdrawals_affiliate_created
		ON withdrawals(affiliate_id, created_at);

	CREATE TABLE IF NOT EXISTS commissions (
		id TEXT PRIMARY KEY,
		affiliate_id TEXT NOT NULL,
		order_id TEXT,
		amount TEXT NOT NULL,
		used_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		is_partial INTEGER NOT NULL DEFAULT 0,
		parent_commission_id TEXT REFERENCES commissions(id),
		withdrawal_id TEXT REFERENCES withdrawals(id),
		created_at TEXT NOT NULL,
		settled_at TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		CHECK (is_partial = (parent_commission_id IS NOT NULL))
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_commissions_order
		ON commissions(affiliate_id, order_id)
		WHERE is_partial = 0 AND order_id IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_commissions_affiliate_created
		ON commissions(affiliate_id, created_at, id);

	CREATE INDEX IF NOT EXISTS idx_commissions_withdrawal
		ON commissions(withdrawal_id) WHERE withdrawal_id IS NOT NULL;
`

// Migrate creates the schema. Safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn runs the ledger queries against a queryer.
type conn struct {
	q queryer
}

const commissionColumns = `id, affiliate_id, order_id, amount, used_amount, status, is_partial,
	parent_commission_id, withdrawal_id, created_at, settled_at, version`

const withdrawalColumns = `id, affiliate_id, amount, status, rejection_reason, created_at, processed_at, version`

func (c conn) InsertCommission(ctx context.Context, rec ledger.CommissionRecord) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO commissions (`+commissionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		rec.ID,
		rec.AffiliateID,
		nullString(string(rec.OrderID)),
		rec.Amount.String(),
		rec.UsedAmount.String(),
		rec.Status,
		rec.IsPartial,
		nullString(string(rec.ParentCommissionID)),
		nullString(string(rec.WithdrawalID)),
		formatTime(rec.CreatedAt),
		formatTimePtr(rec.SettledAt),
	)
	if err != nil {
		return mapError("insert commission", err)
	}
	return nil
}

func (c conn) GetCommission(ctx context.Context, id ledger.CommissionID) (ledger.CommissionRecord, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+commissionColumns+` FROM commissions WHERE id = ?`, id)
	return scanCommission(row)
}

func (c conn) FindCommissionByOrder(ctx context.Context, affiliateID ledger.AffiliateID, orderID ledger.OrderID) (ledger.CommissionRecord, error) {
	row := c.q.QueryRowContext(ctx, `
		SELECT `+commissionColumns+` FROM commissions
		WHERE affiliate_id = ? AND order_id = ? AND is_partial = 0`,
		affiliateID, orderID)
	return scanCommission(row)
}

func (c conn) UpdateCommission(ctx context.Context, rec ledger.CommissionRecord) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE commissions
		SET used_amount = ?, status = ?, withdrawal_id = ?, settled_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		rec.UsedAmount.String(),
		rec.Status,
		nullString(string(rec.WithdrawalID)),
		formatTimePtr(rec.SettledAt),
		rec.ID,
		rec.Version,
	)
	if err != nil {
		return mapError("update commission", err)
	}
	return c.checkVersioned(ctx, res, "commissions", string(rec.ID))
}

func (c conn) DeleteCommission(ctx context.Context, id ledger.CommissionID) error {
	res, err := c.q.ExecContext(ctx, `DELETE FROM commissions WHERE id = ?`, id)
	if err != nil {
		return mapError("delete commission", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("delete commission: %w", err)
	} else if n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (c conn) ListCommissions(ctx context.Context, affiliateID ledger.AffiliateID, filter ledger.CommissionFilter) ([]ledger.CommissionRecord, error) {
	query := `SELECT ` + commissionColumns + ` FROM commissions WHERE affiliate_id = ?`
	args := []any{affiliateID}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(`, ?`, len(filter.Statuses)-1) + `)`
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at ASC, id ASC`
	return c.queryCommissions(ctx, query, args...)
}

func (c conn) ListByWithdrawal(ctx context.Context, withdrawalID ledger.WithdrawalID) ([]ledger.CommissionRecord, error) {
	return c.queryCommissions(ctx, `
		SELECT `+commissionColumns+` FROM commissions
		WHERE withdrawal_id = ?
		ORDER BY created_at ASC, id ASC`, withdrawalID)
}

func (c conn) InsertWithdrawal(ctx context.Context, w ledger.WithdrawalRequest) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO withdrawals (`+withdrawalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
		w.ID,
		w.AffiliateID,
		w.Amount.String(),
		w.Status,
		nullStringPtr(w.RejectionReason),
		formatTime(w.CreatedAt),
		formatTimePtr(w.ProcessedAt),
	)
	if err != nil {
		return mapError("insert withdrawal", err)
	}
	return nil
}

func (c conn) GetWithdrawal(ctx context.Context, id ledger.WithdrawalID) (ledger.WithdrawalRequest, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = ?`, id)
	return scanWithdrawal(row)
}

func (c conn) UpdateWithdrawal(ctx context.Context, w ledger.WithdrawalRequest) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE withdrawals
		SET status = ?, rejection_reason = ?, processed_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		w.Status,
		nullStringPtr(w.RejectionReason),
		formatTimePtr(w.ProcessedAt),
		w.ID,
		w.Version,
	)
	if err != nil {
		return mapError("update withdrawal", err)
	}
	return c.checkVersioned(ctx, res, "withdrawals", string(w.ID))
}

func (c conn) ListWithdrawals(ctx context.Context, affiliateID ledger.AffiliateID) ([]ledger.WithdrawalRequest, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE affiliate_id = ?
		ORDER BY created_at DESC, id DESC`, affiliateID)
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
	return result, rows.Err()
}

func (c conn) queryCommissions(ctx context.Context, query string, args ...any) ([]ledger.CommissionRecord, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
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
	return result, rows.Err()
}

// checkVersioned tells a stale version apart from a missing row when an
// update touched nothing.
func (c conn) checkVersioned(ctx context.Context, res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var one int
	err = c.q.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ledger.ErrNotFound
	case err != nil:
		return mapError("check version", err)
	}
	return ledger.ErrConcurrencyConflict
}

// =============================================================================
// STORE (reads outside a transaction)
// =============================================================================

func (s *Store) conn() conn { return conn{q: s.db} }

func (s *Store) InsertCommission(ctx context.Context, c ledger.CommissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().InsertCommission(ctx, c)
}

func (s *Store) GetCommission(ctx context.Context, id ledger.CommissionID) (ledger.CommissionRecord, error) {
	return s.conn().GetCommission(ctx, id)
}

func (s *Store) FindCommissionByOrder(ctx context.Context, affiliateID ledger.AffiliateID, orderID ledger.OrderID) (ledger.CommissionRecord, error) {
	return s.conn().FindCommissionByOrder(ctx, affiliateID, orderID)
}

func (s *Store) UpdateCommission(ctx context.Context, c ledger.CommissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().UpdateCommission(ctx, c)
}

func (s *Store) DeleteCommission(ctx context.Context, id ledger.CommissionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().DeleteCommission(ctx, id)
}

func (s *Store) ListCommissions(ctx context.Context, affiliateID ledger.AffiliateID, filter ledger.CommissionFilter) ([]ledger.CommissionRecord, error) {
	return s.conn().ListCommissions(ctx, affiliateID, filter)
}

func (s *Store) ListByWithdrawal(ctx context.Context, withdrawalID ledger.WithdrawalID) ([]ledger.CommissionRecord, error) {
	return s.conn().ListByWithdrawal(ctx, withdrawalID)
}

func (s *Store) InsertWithdrawal(ctx context.Context, w ledger.WithdrawalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().InsertWithdrawal(ctx, w)
}

func (s *Store) GetWithdrawal(ctx context.Context, id ledger.WithdrawalID) (ledger.WithdrawalRequest, error) {
	return s.conn().GetWithdrawal(ctx, id)
}

func (s *Store) UpdateWithdrawal(ctx context.Context, w ledger.WithdrawalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().UpdateWithdrawal(ctx, w)
}

func (s *Store) ListWithdrawals(ctx context.Context, affiliateID ledger.AffiliateID) ([]ledger.WithdrawalRequest, error) {
	return s.conn().ListWithdrawals(ctx, affiliateID)
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. SQLite has a single
// writer, so the affiliate scope collapses to a store-wide lock.
func (s *Store) WithTx(ctx context.Context, _ ledger.AffiliateID, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(conn{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapError("commit", err)
	}
	return nil
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanCommission(row scanner) (ledger.CommissionRecord, error) {
	var (
		rec                     ledger.CommissionRecord
		orderID, parentID, wdID sql.NullString
		amount, used, createdAt string
		settledAt               sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.AffiliateID, &orderID, &amount, &used, &rec.Status, &rec.IsPartial,
		&parentID, &wdID, &createdAt, &settledAt, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.CommissionRecord{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.CommissionRecord{}, mapError("scan commission", err)
	}

	rec.OrderID = ledger.OrderID(orderID.String)
	rec.ParentCommissionID = ledger.CommissionID(parentID.String)
	rec.WithdrawalID = ledger.WithdrawalID(wdID.String)
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return ledger.CommissionRecord{}, fmt.Errorf("commission %s amount: %w", rec.ID, err)
	}
	if rec.UsedAmount, err = decimal.NewFromString(used); err != nil {
		return ledger.CommissionRecord{}, fmt.Errorf("commission %s used amount: %w", rec.ID, err)
	}
	if rec.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return ledger.CommissionRecord{}, fmt.Errorf("commission %s created_at: %w", rec.ID, err)
	}
	if rec.SettledAt, err = parseTimePtr(settledAt); err != nil {
		return ledger.CommissionRecord{}, fmt.Errorf("commission %s settled_at: %w", rec.ID, err)
	}
	return rec, nil
}

func scanWithdrawal(row scanner) (ledger.WithdrawalRequest, error) {
	var (
		w                   ledger.WithdrawalRequest
		amount, createdAt   string
		reason, processedAt sql.NullString
	)
	err := row.Scan(&w.ID, &w.AffiliateID, &amount, &w.Status, &reason, &createdAt, &processedAt, &w.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.WithdrawalRequest{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.WithdrawalRequest{}, mapError("scan withdrawal", err)
	}

	if w.Amount, err = decimal.NewFromString(amount); err != nil {
		return ledger.WithdrawalRequest{}, fmt.Errorf("withdrawal %s amount: %w", w.ID, err)
	}
	if w.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return ledger.WithdrawalRequest{}, fmt.Errorf("withdrawal %s created_at: %w", w.ID, err)
	}
	if w.ProcessedAt, err = parseTimePtr(processedAt); err != nil {
		return ledger.WithdrawalRequest{}, fmt.Errorf("withdrawal %s processed_at: %w", w.ID, err)
	}
	if reason.Valid {
		r := reason.String
		w.RejectionReason = &r
	}
	return w, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// mapError translates driver errors into the ledger taxonomy.
func mapError(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.ExtendedCode == sqlite3.ErrConstraintUnique,
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%s: %w", op, ledger.ErrDuplicateKey)
		case se.Code == sqlite3.ErrBusy, se.Code == sqlite3.ErrLocked:
			return fmt.Errorf("%s: %w", op, ledger.ErrConcurrencyConflict)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
