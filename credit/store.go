/*
store.go - Persistence interface for accounts and transactions

PURPOSE:
  Defines the boundary between the transaction engine and the database.
  Transactions are append-only; accounts are insert-once with a status and a
  version that can move forward but never be deleted.

KEY INTERFACES:
  Store:   Reads and append-only writes
  TxStore: Store plus WithTx for serializable multi-row writes

APPEND-ONLY CONTRACT:
  - AppendTransactions(): the ONLY write to the transactions table
  - NO Update() or Delete() for transactions exist

OPTIMISTIC CONCURRENCY:
  BumpVersion(id, expected) succeeds only if the account version still equals
  expected. Balance-checked writes read the version, check the balance,
  append, then bump: a concurrent writer makes the bump fail with
  ErrConcurrentModification and the whole unit rolls back.

IMPLEMENTATIONS:
  - store/sqlite/credit.go: Production SQLite
  - credit/store/memory.go: In-memory for testing
*/
package credit

import (
	"context"

	"github.com/shopspring/decimal"
)

// Store handles persistence of accounts and transactions.
type Store interface {
	// CreateAccount inserts a new account. Returns ErrAccountExists on ID clash.
	CreateAccount(ctx context.Context, account Account) error

	// GetAccount returns ErrAccountNotFound for unknown IDs.
	GetAccount(ctx context.Context, id AccountID) (*Account, error)

	// ListAccounts returns every account ordered by creation.
	ListAccounts(ctx context.Context) ([]Account, error)

	// PlatformAccount returns the root, or ErrAccountNotFound if none exists yet.
	PlatformAccount(ctx context.Context) (*Account, error)

	// SetAccountStatus changes status and bumps the version.
	SetAccountStatus(ctx context.Context, id AccountID, status AccountStatus) error

	// BumpVersion performs the compare-and-swap on the account version.
	BumpVersion(ctx context.Context, id AccountID, expected int64) error

	// AppendTransactions persists transactions. All or none are written.
	AppendTransactions(ctx context.Context, txs []Transaction) error

	// LoadTransactions returns an account's transactions in creation order.
	LoadTransactions(ctx context.Context, id AccountID) ([]Transaction, error)

	// TransactionsByRedemption returns every transaction tied to a redemption.
	TransactionsByRedemption(ctx context.Context, redemptionID string) ([]Transaction, error)

	// Balance returns the derived balance of an account via aggregate query.
	Balance(ctx context.Context, id AccountID) (decimal.Decimal, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a serializable transaction.
	// If fn returns error, transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
