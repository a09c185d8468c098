/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the engine on one database so
  that a provision commit (unit assigned, redemption provisioned, billing
  entry) is a single local transaction.

INTERFACES IMPLEMENTED:
  credit.TxStore:      Accounts and the append-only credit ledger
  inventory.Store:     Brands and inventory units
  billing.Store:       Billing ledger entries
  provisioning.Store:  Redemption lifecycle

APPEND-ONLY ENFORCEMENT:
  credit_transactions and billing_entries reject UPDATE and DELETE through
  triggers. Corrections are new refund/adjustment rows only.

KEY TABLES:
  accounts:             Credit hierarchy nodes (version = CAS token)
  credit_transactions:  Immutable ledger of balance changes
  brands:               Gift-card brands
  inventory_units:      One row per physical card, any pool
  redemptions:          One row per redemption code
  billing_entries:      One row per provisioned redemption

CONDITIONAL UPDATES:
  Every state transition is an UPDATE ... WHERE status = <expected>. A
  transition that affects zero rows lost a race and is reported as a
  typed conflict, never silently ignored.

CONCURRENCY:
  Uses sync.RWMutex for in-process writers. Write transactions begin with
  BEGIN IMMEDIATE (_txlock=immediate) so two processes sharing a file
  serialize on the database lock instead of failing at commit. Busy errors
  surface as credit.ErrConcurrentModification, which the engine retries.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/credit.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := credit.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - credit.go, inventory.go, billing.go, redemptions.go: Per-domain queries
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

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/credit-engine/credit"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if strings.Contains(dbPath, ":memory:") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Credit hierarchy
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		account_type TEXT NOT NULL,
		parent_account_id TEXT REFERENCES accounts(id),
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Exactly one platform root
	CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_single_platform
		ON accounts(account_type) WHERE account_type = 'platform';
	CREATE INDEX IF NOT EXISTS idx_accounts_parent
		ON accounts(parent_account_id);

	-- Credit transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS credit_transactions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		tx_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		related_transaction_id TEXT,
		related_redemption_id TEXT,
		payment_method TEXT,
		payment_reference TEXT,
		reason TEXT,
		notes TEXT,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Balance derivation (hot path)
	CREATE INDEX IF NOT EXISTS idx_credit_transactions_account
		ON credit_transactions(account_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_credit_transactions_redemption
		ON credit_transactions(related_redemption_id) WHERE related_redemption_id IS NOT NULL;
	-- A payment reference funds an account once
	CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_transactions_payment
		ON credit_transactions(account_id, payment_reference)
		WHERE tx_type = 'purchase' AND payment_reference IS NOT NULL;

	CREATE TRIGGER IF NOT EXISTS credit_transactions_no_update
		BEFORE UPDATE ON credit_transactions
		BEGIN SELECT RAISE(ABORT, 'credit transactions are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS credit_transactions_no_delete
		BEFORE DELETE ON credit_transactions
		BEGIN SELECT RAISE(ABORT, 'credit transactions are append-only'); END;

	-- Brands
	CREATE TABLE IF NOT EXISTS brands (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		provider_code TEXT,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	-- Inventory units (csv, api and buffer pools)
	CREATE TABLE IF NOT EXISTS inventory_units (
		id TEXT PRIMARY KEY,
		brand_id TEXT NOT NULL REFERENCES brands(id),
		denomination TEXT NOT NULL,
		pool TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'available',
		card_code TEXT NOT NULL,
		card_number TEXT,
		expires_at TEXT,
		cost_basis TEXT NOT NULL,
		redemption_id TEXT,
		reserved_at TEXT,
		assigned_at TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(brand_id, card_code)
	);

	-- Reservation lookup: oldest available unit of a bucket
	CREATE INDEX IF NOT EXISTS idx_inventory_units_bucket
		ON inventory_units(pool, brand_id, denomination, status, created_at);
	CREATE INDEX IF NOT EXISTS idx_inventory_units_reserved
		ON inventory_units(status, reserved_at) WHERE status = 'reserved';
	CREATE INDEX IF NOT EXISTS idx_inventory_units_redemption
		ON inventory_units(redemption_id) WHERE redemption_id IS NOT NULL;

	-- Redemptions (redemption_code is the idempotency key)
	CREATE TABLE IF NOT EXISTS redemptions (
		id TEXT PRIMARY KEY,
		redemption_code TEXT NOT NULL UNIQUE,
		campaign_id TEXT NOT NULL,
		paying_account_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		brand_id TEXT NOT NULL,
		denomination TEXT NOT NULL,
		status TEXT NOT NULL,
		source TEXT,
		card_reference TEXT,
		credit_transaction_id TEXT,
		amount_billed TEXT NOT NULL,
		failure_reason TEXT,
		attempts INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		provisioned_at TEXT,
		delivered_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_redemptions_status
		ON redemptions(status, updated_at);

	-- Billing ledger (append-only)
	CREATE TABLE IF NOT EXISTS billing_entries (
		id TEXT PRIMARY KEY,
		redemption_id TEXT NOT NULL UNIQUE,
		billed_entity_type TEXT NOT NULL,
		billed_entity_id TEXT NOT NULL,
		brand_id TEXT,
		denomination TEXT,
		source TEXT,
		amount_billed TEXT NOT NULL,
		cost_basis TEXT NOT NULL,
		profit TEXT NOT NULL,
		billed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_billing_entries_entity
		ON billing_entries(billed_entity_type, billed_entity_id, billed_at);

	CREATE TRIGGER IF NOT EXISTS billing_entries_no_update
		BEFORE UPDATE ON billing_entries
		BEGIN SELECT RAISE(ABORT, 'billing entries are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS billing_entries_no_delete
		BEFORE DELETE ON billing_entries
		BEGIN SELECT RAISE(ABORT, 'billing entries are append-only'); END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTION PLUMBING
// =============================================================================

// querier is satisfied by *sql.DB and *sql.Tx. Code running inside a
// transaction must only use the querier it was given: with one connection
// (":memory:") going back to s.db would wait on itself.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// write runs fn in one write transaction under the writer lock.
func (s *Store) write(ctx context.Context, fn func(q querier) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapBusy(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return mapBusy(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return mapBusy(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

// read runs fn against the database under the reader lock.
func (s *Store) read(fn func(q querier) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.db)
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by hand or other tools.
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// mapBusy turns lock contention between processes into the retryable
// credit conflict.
func mapBusy(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %w", credit.ErrConcurrentModification, err)
	}
	return err
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
