// Package store provides in-process ledger.TxStore implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/affiliate-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	commissions map[ledger.CommissionID]ledger.CommissionRecord
	withdrawals map[ledger.WithdrawalID]ledger.WithdrawalRequest
	orders      map[orderKey]ledger.CommissionID

	// fault, if set, is consulted before every write. A non-nil return
	// aborts the write with that error.
	fault func(op string) error
}

type orderKey struct {
	AffiliateID ledger.AffiliateID
	OrderID     ledger.OrderID
}

func NewMemory() *Memory {
	return &Memory{
		commissions: make(map[ledger.CommissionID]ledger.CommissionRecord),
		withdrawals: make(map[ledger.WithdrawalID]ledger.WithdrawalRequest),
		orders:      make(map[orderKey]ledger.CommissionID),
	}
}

// SetFault installs a write hook used by tests to simulate store failures.
func (m *Memory) SetFault(fn func(op string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

// =============================================================================
// STORE INTERFACE - each call takes the lock
// =============================================================================

func (m *Memory) InsertCommission(_ context.Context, c ledger.CommissionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertCommissionLocked(c)
}

func (m *Memory) GetCommission(_ context.Context, id ledger.CommissionID) (ledger.CommissionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getCommissionLocked(id)
}

func (m *Memory) FindCommissionByOrder(_ context.Context, affiliateID ledger.AffiliateID, orderID ledger.OrderID) (ledger.CommissionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findByOrderLocked(affiliateID, orderID)
}

func (m *Memory) UpdateCommission(_ context.Context, c ledger.CommissionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateCommissionLocked(c)
}

func (m *Memory) DeleteCommission(_ context.Context, id ledger.CommissionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteCommissionLocked(id)
}

func (m *Memory) ListCommissions(_ context.Context, affiliateID ledger.AffiliateID, filter ledger.CommissionFilter) ([]ledger.CommissionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listCommissionsLocked(affiliateID, filter), nil
}

func (m *Memory) ListByWithdrawal(_ context.Context, withdrawalID ledger.WithdrawalID) ([]ledger.CommissionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listByWithdrawalLocked(withdrawalID), nil
}

func (m *Memory) InsertWithdrawal(_ context.Context, w ledger.WithdrawalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertWithdrawalLocked(w)
}

func (m *Memory) GetWithdrawal(_ context.Context, id ledger.WithdrawalID) (ledger.WithdrawalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getWithdrawalLocked(id)
}

func (m *Memory) UpdateWithdrawal(_ context.Context, w ledger.WithdrawalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateWithdrawalLocked(w)
}

func (m *Memory) ListWithdrawals(_ context.Context, affiliateID ledger.AffiliateID) ([]ledger.WithdrawalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listWithdrawalsLocked(affiliateID), nil
}

// =============================================================================
// LOCKED HELPERS - caller holds m.mu
// =============================================================================

func (m *Memory) checkFault(op string) error {
	if m.fault == nil {
		return nil
	}
	return m.fault(op)
}

func (m *Memory) insertCommissionLocked(c ledger.CommissionRecord) error {
	if err := m.checkFault("insert_commission"); err != nil {
		return err
	}
	if _, exists := m.commissions[c.ID]; exists {
		return ledger.ErrDuplicateKey
	}
	if !c.IsPartial && c.OrderID != "" {
		k := orderKey{AffiliateID: c.AffiliateID, OrderID: c.OrderID}
		if _, exists := m.orders[k]; exists {
			return ledger.ErrDuplicateKey
		}
		m.orders[k] = c.ID
	}
	c.Version = 1
	m.commissions[c.ID] = c
	return nil
}

func (m *Memory) getCommissionLocked(id ledger.CommissionID) (ledger.CommissionRecord, error) {
	c, ok := m.commissions[id]
	if !ok {
		return ledger.CommissionRecord{}, ledger.ErrNotFound
	}
	return c, nil
}

func (m *Memory) findByOrderLocked(affiliateID ledger.AffiliateID, orderID ledger.OrderID) (ledger.CommissionRecord, error) {
	id, ok := m.orders[orderKey{AffiliateID: affiliateID, OrderID: orderID}]
	if !ok {
		return ledger.CommissionRecord{}, ledger.ErrNotFound
	}
	return m.getCommissionLocked(id)
}

func (m *Memory) updateCommissionLocked(c ledger.CommissionRecord) error {
	if err := m.checkFault("update_commission"); err != nil {
		return err
	}
	stored, ok := m.commissions[c.ID]
	if !ok {
		return ledger.ErrNotFound
	}
	if stored.Version != c.Version {
		return ledger.ErrConcurrencyConflict
	}
	stored.UsedAmount = c.UsedAmount
	stored.Status = c.Status
	stored.WithdrawalID = c.WithdrawalID
	stored.SettledAt = c.SettledAt
	stored.Version++
	m.commissions[c.ID] = stored
	return nil
}

func (m *Memory) deleteCommissionLocked(id ledger.CommissionID) error {
	if err := m.checkFault("delete_commission"); err != nil {
		return err
	}
	c, ok := m.commissions[id]
	if !ok {
		return ledger.ErrNotFound
	}
	if !c.IsPartial {
		delete(m.orders, orderKey{AffiliateID: c.AffiliateID, OrderID: c.OrderID})
	}
	delete(m.commissions, id)
	return nil
}

func (m *Memory) listCommissionsLocked(affiliateID ledger.AffiliateID, filter ledger.CommissionFilter) []ledger.CommissionRecord {
	var result []ledger.CommissionRecord
	for _, c := range m.commissions {
		if c.AffiliateID == affiliateID && filter.Matches(c) {
			result = append(result, c)
		}
	}
	sortOldestFirst(result)
	return result
}

func (m *Memory) listByWithdrawalLocked(withdrawalID ledger.WithdrawalID) []ledger.CommissionRecord {
	var result []ledger.CommissionRecord
	for _, c := range m.commissions {
		if c.WithdrawalID == withdrawalID {
			result = append(result, c)
		}
	}
	sortOldestFirst(result)
	return result
}

func (m *Memory) insertWithdrawalLocked(w ledger.WithdrawalRequest) error {
	if err := m.checkFault("insert_withdrawal"); err != nil {
		return err
	}
	if _, exists := m.withdrawals[w.ID]; exists {
		return ledger.ErrDuplicateKey
	}
	w.Version = 1
	m.withdrawals[w.ID] = w
	return nil
}

func (m *Memory) getWithdrawalLocked(id ledger.WithdrawalID) (ledger.WithdrawalRequest, error) {
	w, ok := m.withdrawals[id]
	if !ok {
		return ledger.WithdrawalRequest{}, ledger.ErrNotFound
	}
	return w, nil
}

func (m *Memory) updateWithdrawalLocked(w ledger.WithdrawalRequest) error {
	if err := m.checkFault("update_withdrawal"); err != nil {
		return err
	}
	stored, ok := m.withdrawals[w.ID]
	if !ok {
		return ledger.ErrNotFound
	}
	if stored.Version != w.Version {
		return ledger.ErrConcurrencyConflict
	}
	stored.Status = w.Status
	stored.RejectionReason = w.RejectionReason
	stored.ProcessedAt = w.ProcessedAt
	stored.Version++
	m.withdrawals[w.ID] = stored
	return nil
}

func (m *Memory) listWithdrawalsLocked(affiliateID ledger.AffiliateID) []ledger.WithdrawalRequest {
	var result []ledger.WithdrawalRequest
	for _, w := range m.withdrawals {
		if w.AffiliateID == affiliateID {
			result = append(result, w)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result
}

func sortOldestFirst(cs []ledger.CommissionRecord) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.Before(cs[j].CreatedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole of fn, so readers see either the
// state before or after the transaction, never in between.
func (m *Memory) WithTx(ctx context.Context, _ ledger.AffiliateID, fn func(ledger.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	commissions map[ledger.CommissionID]ledger.CommissionRecord
	withdrawals map[ledger.WithdrawalID]ledger.WithdrawalRequest
	orders      map[orderKey]ledger.CommissionID
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		commissions: make(map[ledger.CommissionID]ledger.CommissionRecord, len(m.commissions)),
		withdrawals: make(map[ledger.WithdrawalID]ledger.WithdrawalRequest, len(m.withdrawals)),
		orders:      make(map[orderKey]ledger.CommissionID, len(m.orders)),
	}
	for k, v := range m.commissions {
		s.commissions[k] = v
	}
	for k, v := range m.withdrawals {
		s.withdrawals[k] = v
	}
	for k, v := range m.orders {
		s.orders[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.commissions = s.commissions
	m.withdrawals = s.withdrawals
	m.orders = s.orders
}

// txView routes Store calls to the locked helpers; WithTx holds the lock.
type txView struct {
	parent *Memory
}

func (tv *txView) InsertCommission(_ context.Context, c ledger.CommissionRecord) error {
	return tv.parent.insertCommissionLocked(c)
}

func (tv *txView) GetCommission(_ context.Context, id ledger.CommissionID) (ledger.CommissionRecord, error) {
	return tv.parent.getCommissionLocked(id)
}

func (tv *txView) FindCommissionByOrder(_ context.Context, affiliateID ledger.AffiliateID, orderID ledger.OrderID) (ledger.CommissionRecord, error) {
	return tv.parent.findByOrderLocked(affiliateID, orderID)
}

func (tv *txView) UpdateCommission(_ context.Context, c ledger.CommissionRecord) error {
	return tv.parent.updateCommissionLocked(c)
}

func (tv *txView) DeleteCommission(_ context.Context, id ledger.CommissionID) error {
	return tv.parent.deleteCommissionLocked(id)
}

func (tv *txView) ListCommissions(_ context.Context, affiliateID ledger.AffiliateID, filter ledger.CommissionFilter) ([]ledger.CommissionRecord, error) {
	return tv.parent.listCommissionsLocked(affiliateID, filter), nil
}

func (tv *txView) ListByWithdrawal(_ context.Context, withdrawalID ledger.WithdrawalID) ([]ledger.CommissionRecord, error) {
	return tv.parent.listByWithdrawalLocked(withdrawalID), nil
}

func (tv *txView) InsertWithdrawal(_ context.Context, w ledger.WithdrawalRequest) error {
	return tv.parent.insertWithdrawalLocked(w)
}

func (tv *txView) GetWithdrawal(_ context.Context, id ledger.WithdrawalID) (ledger.WithdrawalRequest, error) {
	return tv.parent.getWithdrawalLocked(id)
}

func (tv *txView) UpdateWithdrawal(_ context.Context, w ledger.WithdrawalRequest) error {
	return tv.parent.updateWithdrawalLocked(w)
}

func (tv *txView) ListWithdrawals(_ context.Context, affiliateID ledger.AffiliateID) ([]ledger.WithdrawalRequest, error) {
	return tv.parent.listWithdrawalsLocked(affiliateID), nil
}

var (
	_ ledger.TxStore = (*Memory)(nil)
	_ ledger.Store   = (*txView)(nil)
)
