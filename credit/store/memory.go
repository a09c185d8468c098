// Package store provides in-memory credit.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-engine/credit"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements credit.TxStore. WithTx holds the write lock for the whole
// unit of work and restores a snapshot when fn fails.
type Memory struct {
	mu           sync.RWMutex
	accounts     map[credit.AccountID]credit.Account
	order        []credit.AccountID
	transactions map[credit.AccountID][]credit.Transaction
	byRedemption map[string][]credit.Transaction
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		accounts:     make(map[credit.AccountID]credit.Account),
		transactions: make(map[credit.AccountID][]credit.Transaction),
		byRedemption: make(map[string][]credit.Transaction),
	}
}

var _ credit.TxStore = (*Memory)(nil)

func (m *Memory) CreateAccount(_ context.Context, a credit.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(a)
}

func (m *Memory) GetAccount(_ context.Context, id credit.AccountID) (*credit.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *Memory) ListAccounts(_ context.Context) ([]credit.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(), nil
}

func (m *Memory) PlatformAccount(_ context.Context) (*credit.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.platformLocked()
}

func (m *Memory) SetAccountStatus(_ context.Context, id credit.AccountID, status credit.AccountStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStatusLocked(id, status)
}

func (m *Memory) BumpVersion(_ context.Context, id credit.AccountID, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bumpLocked(id, expected)
}

func (m *Memory) AppendTransactions(_ context.Context, txs []credit.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(txs)
}

func (m *Memory) LoadTransactions(_ context.Context, id credit.AccountID) ([]credit.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadLocked(id), nil
}

func (m *Memory) TransactionsByRedemption(_ context.Context, redemptionID string) ([]credit.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]credit.Transaction(nil), m.byRedemption[redemptionID]...), nil
}

func (m *Memory) Balance(_ context.Context, id credit.AccountID) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return credit.BalanceOf(m.transactions[id]), nil
}

// =============================================================================
// LOCKED HELPERS
// =============================================================================

func (m *Memory) createLocked(a credit.Account) error {
	if _, ok := m.accounts[a.ID]; ok {
		return credit.ErrAccountExists
	}
	m.accounts[a.ID] = a
	m.order = append(m.order, a.ID)
	return nil
}

func (m *Memory) getLocked(id credit.AccountID) (*credit.Account, error) {
	a, ok := m.accounts[id]
	if !ok {
		return nil, credit.ErrAccountNotFound
	}
	return &a, nil
}

func (m *Memory) listLocked() []credit.Account {
	out := make([]credit.Account, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.accounts[id])
	}
	return out
}

func (m *Memory) platformLocked() (*credit.Account, error) {
	for _, id := range m.order {
		if a := m.accounts[id]; a.Type == credit.AccountPlatform {
			return &a, nil
		}
	}
	return nil, credit.ErrAccountNotFound
}

func (m *Memory) setStatusLocked(id credit.AccountID, status credit.AccountStatus) error {
	a, ok := m.accounts[id]
	if !ok {
		return credit.ErrAccountNotFound
	}
	a.Status = status
	a.Version++
	m.accounts[id] = a
	return nil
}

func (m *Memory) bumpLocked(id credit.AccountID, expected int64) error {
	a, ok := m.accounts[id]
	if !ok {
		return credit.ErrAccountNotFound
	}
	if a.Version != expected {
		return credit.ErrConcurrentModification
	}
	a.Version++
	m.accounts[id] = a
	return nil
}

func (m *Memory) appendLocked(txs []credit.Transaction) error {
	for _, tx := range txs {
		if _, ok := m.accounts[tx.AccountID]; !ok {
			return credit.ErrAccountNotFound
		}
	}
	for _, tx := range txs {
		m.transactions[tx.AccountID] = append(m.transactions[tx.AccountID], tx)
		if tx.RelatedRedemptionID != "" {
			m.byRedemption[tx.RelatedRedemptionID] = append(m.byRedemption[tx.RelatedRedemptionID], tx)
		}
	}
	return nil
}

func (m *Memory) loadLocked(id credit.AccountID) []credit.Transaction {
	out := append([]credit.Transaction(nil), m.transactions[id]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn with exclusive access. For the memory store this is
// simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(credit.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&memoryView{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	accounts     map[credit.AccountID]credit.Account
	order        []credit.AccountID
	transactions map[credit.AccountID][]credit.Transaction
	byRedemption map[string][]credit.Transaction
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		accounts:     make(map[credit.AccountID]credit.Account, len(m.accounts)),
		order:        append([]credit.AccountID(nil), m.order...),
		transactions: make(map[credit.AccountID][]credit.Transaction, len(m.transactions)),
		byRedemption: make(map[string][]credit.Transaction, len(m.byRedemption)),
	}
	for k, v := range m.accounts {
		s.accounts[k] = v
	}
	for k, v := range m.transactions {
		s.transactions[k] = append([]credit.Transaction(nil), v...)
	}
	for k, v := range m.byRedemption {
		s.byRedemption[k] = append([]credit.Transaction(nil), v...)
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.accounts = s.accounts
	m.order = s.order
	m.transactions = s.transactions
	m.byRedemption = s.byRedemption
}

// memoryView is the credit.Store handed to WithTx callbacks. The parent lock
// is already held.
type memoryView struct {
	m *Memory
}

func (v *memoryView) CreateAccount(_ context.Context, a credit.Account) error {
	return v.m.createLocked(a)
}

func (v *memoryView) GetAccount(_ context.Context, id credit.AccountID) (*credit.Account, error) {
	return v.m.getLocked(id)
}

func (v *memoryView) ListAccounts(_ context.Context) ([]credit.Account, error) {
	return v.m.listLocked(), nil
}

func (v *memoryView) PlatformAccount(_ context.Context) (*credit.Account, error) {
	return v.m.platformLocked()
}

func (v *memoryView) SetAccountStatus(_ context.Context, id credit.AccountID, status credit.AccountStatus) error {
	return v.m.setStatusLocked(id, status)
}

func (v *memoryView) BumpVersion(_ context.Context, id credit.AccountID, expected int64) error {
	return v.m.bumpLocked(id, expected)
}

func (v *memoryView) AppendTransactions(_ context.Context, txs []credit.Transaction) error {
	return v.m.appendLocked(txs)
}

func (v *memoryView) LoadTransactions(_ context.Context, id credit.AccountID) ([]credit.Transaction, error) {
	return v.m.loadLocked(id), nil
}

func (v *memoryView) TransactionsByRedemption(_ context.Context, redemptionID string) ([]credit.Transaction, error) {
	return append([]credit.Transaction(nil), v.m.byRedemption[redemptionID]...), nil
}

func (v *memoryView) Balance(_ context.Context, id credit.AccountID) (decimal.Decimal, error) {
	return credit.BalanceOf(v.m.transactions[id]), nil
}
