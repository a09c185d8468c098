package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-engine/credit"
)

var _ credit.TxStore = (*Store)(nil)

// =============================================================================
// CREDIT STORE (credit.TxStore interface)
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, account credit.Account) error {
	return s.write(ctx, func(q querier) error { return s.creditOps(q).CreateAccount(ctx, account) })
}

func (s *Store) GetAccount(ctx context.Context, id credit.AccountID) (*credit.Account, error) {
	var out *credit.Account
	err := s.read(func(q querier) (err error) {
		out, err = s.creditOps(q).GetAccount(ctx, id)
		return err
	})
	return out, err
}

func (s *Store) ListAccounts(ctx context.Context) ([]credit.Account, error) {
	var out []credit.Account
	err := s.read(func(q querier) (err error) {
		out, err = s.creditOps(q).ListAccounts(ctx)
		return err
	})
	return out, err
}

func (s *Store) PlatformAccount(ctx context.Context) (*credit.Account, error) {
	var out *credit.Account
	err := s.read(func(q querier) (err error) {
		out, err = s.creditOps(q).PlatformAccount(ctx)
		return err
	})
	return out, err
}

func (s *Store) SetAccountStatus(ctx context.Context, id credit.AccountID, status credit.AccountStatus) error {
	return s.write(ctx, func(q querier) error { return s.creditOps(q).SetAccountStatus(ctx, id, status) })
}

func (s *Store) BumpVersion(ctx context.Context, id credit.AccountID, expected int64) error {
	return s.write(ctx, func(q querier) error { return s.creditOps(q).BumpVersion(ctx, id, expected) })
}

func (s *Store) AppendTransactions(ctx context.Context, txs []credit.Transaction) error {
	return s.write(ctx, func(q querier) error { return s.creditOps(q).AppendTransactions(ctx, txs) })
}

func (s *Store) LoadTransactions(ctx context.Context, id credit.AccountID) ([]credit.Transaction, error) {
	var out []credit.Transaction
	err := s.read(func(q querier) (err error) {
		out, err = s.creditOps(q).LoadTransactions(ctx, id)
		return err
	})
	return out, err
}

func (s *Store) TransactionsByRedemption(ctx context.Context, redemptionID string) ([]credit.Transaction, error) {
	var out []credit.Transaction
	err := s.read(func(q querier) (err error) {
		out, err = s.creditOps(q).TransactionsByRedemption(ctx, redemptionID)
		return err
	})
	return out, err
}

func (s *Store) Balance(ctx context.Context, id credit.AccountID) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := s.read(func(q querier) (err error) {
		out, err = s.creditOps(q).Balance(ctx, id)
		return err
	})
	return out, err
}

// WithTx executes fn within one write transaction. The credit.Store handed
// to fn is bound to that transaction.
func (s *Store) WithTx(ctx context.Context, fn func(credit.Store) error) error {
	return s.write(ctx, func(q querier) error { return fn(s.creditOps(q)) })
}

func (s *Store) creditOps(q querier) *creditOps {
	return &creditOps{q: q, store: s}
}

// creditOps runs credit queries on a querier without taking locks. It is
// the credit.Store seen inside WithTx.
type creditOps struct {
	q     querier
	store *Store
}

var _ credit.Store = (*creditOps)(nil)

func (c *creditOps) CreateAccount(ctx context.Context, a credit.Account) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO accounts (id, account_type, parent_account_id, name, status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(a.ID), string(a.Type), nullString(string(a.ParentID)), a.Name, string(a.Status),
		a.Version, formatTime(a.CreatedAt), formatTime(a.CreatedAt),
	)
	switch {
	case err == nil:
		return nil
	case isUniqueConstraintError(err) && strings.Contains(err.Error(), "account_type"):
		return &credit.HierarchyError{Child: a.Type, Reason: "a platform root already exists"}
	case isUniqueConstraintError(err):
		return fmt.Errorf("%w: %s", credit.ErrAccountExists, a.ID)
	case isForeignKeyError(err):
		return fmt.Errorf("%w: parent %s", credit.ErrAccountNotFound, a.ParentID)
	}
	return fmt.Errorf("failed to insert account: %w", err)
}

const accountColumns = `id, account_type, parent_account_id, name, status, version, created_at`

func (c *creditOps) GetAccount(ctx context.Context, id credit.AccountID) (*credit.Account, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, string(id))
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", credit.ErrAccountNotFound, id)
	}
	return a, err
}

func (c *creditOps) ListAccounts(ctx context.Context) ([]credit.Account, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var out []credit.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (c *creditOps) PlatformAccount(ctx context.Context) (*credit.Account, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_type = 'platform'`)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no platform account", credit.ErrAccountNotFound)
	}
	return a, err
}

func (c *creditOps) SetAccountStatus(ctx context.Context, id credit.AccountID, status credit.AccountStatus) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE accounts SET status = ?, version = version + 1, updated_at = ? WHERE id = ?
	`, string(status), formatTime(c.store.now()), string(id))
	if err != nil {
		return fmt.Errorf("failed to update account status: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", credit.ErrAccountNotFound, id)
	}
	return nil
}

// BumpVersion is the optimistic CAS: it only succeeds if nobody wrote the
// account since expected was read.
func (c *creditOps) BumpVersion(ctx context.Context, id credit.AccountID, expected int64) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE accounts SET version = version + 1, updated_at = ? WHERE id = ? AND version = ?
	`, formatTime(c.store.now()), string(id), expected)
	if err != nil {
		return fmt.Errorf("failed to bump account version: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := c.GetAccount(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: account %s changed since version %d", credit.ErrConcurrentModification, id, expected)
	}
	return nil
}

func (c *creditOps) AppendTransactions(ctx context.Context, txs []credit.Transaction) error {
	for _, tx := range txs {
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO credit_transactions
			(id, account_id, tx_type, amount, related_transaction_id, related_redemption_id,
			 payment_method, payment_reference, reason, notes, created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			string(tx.ID), string(tx.AccountID), string(tx.Type), tx.Amount.String(),
			nullString(string(tx.RelatedTransactionID)), nullString(tx.RelatedRedemptionID),
			nullString(tx.PaymentMethod), nullString(tx.PaymentReference),
			nullString(tx.Reason), nullString(tx.Notes), tx.CreatedBy, formatTime(tx.CreatedAt),
		)
		switch {
		case err == nil:
			continue
		case isUniqueConstraintError(err) && strings.Contains(err.Error(), "payment_reference"):
			// Raced with a purchase carrying the same reference; the retry
			// finds it and returns it.
			return fmt.Errorf("%w: payment reference %s already recorded", credit.ErrConcurrentModification, tx.PaymentReference)
		case isForeignKeyError(err):
			return fmt.Errorf("%w: %s", credit.ErrAccountNotFound, tx.AccountID)
		default:
			return fmt.Errorf("failed to append transaction: %w", err)
		}
	}
	return nil
}

const transactionColumns = `id, account_id, tx_type, amount, related_transaction_id, related_redemption_id,
	payment_method, payment_reference, reason, notes, created_by, created_at`

func (c *creditOps) LoadTransactions(ctx context.Context, id credit.AccountID) ([]credit.Transaction, error) {
	return c.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM credit_transactions
		WHERE account_id = ? ORDER BY created_at ASC, rowid ASC
	`, string(id))
}

func (c *creditOps) TransactionsByRedemption(ctx context.Context, redemptionID string) ([]credit.Transaction, error) {
	return c.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM credit_transactions
		WHERE related_redemption_id = ? ORDER BY created_at ASC, rowid ASC
	`, redemptionID)
}

// Balance derives the balance from the account's rows. Amounts are stored as
// exact decimal text, so the fold happens here rather than in SQL SUM.
func (c *creditOps) Balance(ctx context.Context, id credit.AccountID) (decimal.Decimal, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT tx_type, amount FROM credit_transactions WHERE account_id = ?`, string(id))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query balance: %w", err)
	}
	defer rows.Close()

	var txs []credit.Transaction
	for rows.Next() {
		var txType, amount string
		if err := rows.Scan(&txType, &amount); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan balance row: %w", err)
		}
		d, err := parseDecimal(amount)
		if err != nil {
			return decimal.Zero, err
		}
		txs = append(txs, credit.Transaction{Type: credit.TransactionType(txType), Amount: d})
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, err
	}
	return credit.BalanceOf(txs), nil
}

func (c *creditOps) queryTransactions(ctx context.Context, query string, args ...any) ([]credit.Transaction, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []credit.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*credit.Account, error) {
	var (
		a         credit.Account
		accType   string
		parentID  sql.NullString
		status    string
		createdAt string
	)
	if err := row.Scan(&a.ID, &accType, &parentID, &a.Name, &status, &a.Version, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	a.Type = credit.AccountType(accType)
	a.ParentID = credit.AccountID(parentID.String)
	a.Status = credit.AccountStatus(status)

	t, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = t
	return &a, nil
}

func scanTransaction(row scanner) (credit.Transaction, error) {
	var (
		tx                           credit.Transaction
		txType, amount, createdAt    string
		relatedTx, relatedRedemption sql.NullString
		paymentMethod, paymentRef    sql.NullString
		reason, notes                sql.NullString
	)
	err := row.Scan(
		&tx.ID, &tx.AccountID, &txType, &amount, &relatedTx, &relatedRedemption,
		&paymentMethod, &paymentRef, &reason, &notes, &tx.CreatedBy, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.Type = credit.TransactionType(txType)
	if tx.Amount, err = parseDecimal(amount); err != nil {
		return tx, err
	}
	if tx.CreatedAt, err = parseTime(createdAt); err != nil {
		return tx, err
	}
	tx.RelatedTransactionID = credit.TransactionID(relatedTx.String)
	tx.RelatedRedemptionID = relatedRedemption.String
	tx.PaymentMethod = paymentMethod.String
	tx.PaymentReference = paymentRef.String
	tx.Reason = reason.String
	tx.Notes = notes.String
	return tx, nil
}
