/*
engine.go - Transaction engine for the credit hierarchy

PURPOSE:
  The only component allowed to write credit transactions. Every operation
  validates its input, checks the derived balance, appends immutable rows and
  bumps the account version inside ONE store transaction.

OPERATIONS:
  CreateAccount  Onboard a node under its parent (strict tree)
  Allocate       Parent -> direct child transfer (allocation_out + allocation_in)
  Purchase       Funds entering the hierarchy from a payment
  Debit          Redemption debit (the provisioning path)
  Refund         Return of a redemption debit, capped at what was debited
  Adjust         Signed operator correction (may drive a balance negative)

LINEARIZABILITY:
  Concurrent debits on one account must not both read a stale balance.
  Writes run under TxStore.WithTx (serializable) and finish with
  BumpVersion(id, versionRead). A lost race surfaces as
  ErrConcurrentModification and the unit is retried up to Retries times.

ACCOUNT STATUS:
  suspended is operator-managed and blocks fund movements.
  depleted/active follow the balance: zero or below -> depleted,
  positive -> active.

SEE ALSO:
  - store.go: Persistence contract
  - hierarchy.go: Tree rules
  - provisioning/waterfall.go: Main caller of Debit/Refund
*/
package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ENGINE
// =============================================================================

// Engine is the transaction engine. It is safe for concurrent use.
type Engine struct {
	store   TxStore
	now     func() time.Time
	newID   func() string
	log     zerolog.Logger
	retries int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithIDGenerator overrides transaction/account ID generation.
func WithIDGenerator(fn func() string) Option { return func(e *Engine) { e.newID = fn } }

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithRetries sets how many times a conflicting unit of work is retried.
func WithRetries(n int) Option { return func(e *Engine) { e.retries = n } }

// NewEngine creates a transaction engine over store.
func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		log:     zerolog.Nop(),
		retries: 3,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Posting is a committed transaction with the account balance right after it.
type Posting struct {
	Transaction Transaction
	Balance     decimal.Decimal
	// Replayed is true when an idempotent write returned an earlier row.
	Replayed bool
}

// Allocation is the committed out/in pair of a transfer.
type Allocation struct {
	Out         Transaction
	In          Transaction
	FromBalance decimal.Decimal
	ToBalance   decimal.Decimal
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// NewAccount describes an account to onboard.
type NewAccount struct {
	ID       AccountID // generated when empty
	Type     AccountType
	ParentID AccountID
	Name     string
}

// CreateAccount onboards an account, enforcing the single-root strict tree.
func (e *Engine) CreateAccount(ctx context.Context, req NewAccount) (*Account, error) {
	account := Account{
		ID:        req.ID,
		Type:      req.Type,
		ParentID:  req.ParentID,
		Name:      req.Name,
		Status:    StatusActive,
		CreatedAt: e.now(),
	}
	if account.ID == "" {
		account.ID = AccountID(e.newID())
	}

	err := e.store.WithTx(ctx, func(s Store) error {
		var parent *Account
		if req.Type == AccountPlatform {
			if req.ParentID != "" {
				return &HierarchyError{Child: req.Type, Reason: "platform must be the root"}
			}
			existing, err := s.PlatformAccount(ctx)
			if err != nil && !errors.Is(err, ErrAccountNotFound) {
				return err
			}
			if existing != nil {
				return &HierarchyError{Child: req.Type, Reason: "platform root already exists"}
			}
		} else if req.ParentID != "" {
			p, err := s.GetAccount(ctx, req.ParentID)
			if err != nil {
				return err
			}
			parent = p
		}
		if err := ValidateParent(req.Type, parent); err != nil {
			return err
		}
		return s.CreateAccount(ctx, account)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("account_id", string(account.ID)).
		Str("type", string(account.Type)).
		Str("parent_id", string(account.ParentID)).
		Msg("account created")
	return &account, nil
}

// Account returns an account by ID.
func (e *Engine) Account(ctx context.Context, id AccountID) (*Account, error) {
	return e.store.GetAccount(ctx, id)
}

// Accounts lists every account.
func (e *Engine) Accounts(ctx context.Context) ([]Account, error) {
	return e.store.ListAccounts(ctx)
}

// SetStatus suspends or reactivates an account. Depleted is system-managed.
func (e *Engine) SetStatus(ctx context.Context, id AccountID, status AccountStatus) error {
	if status != StatusActive && status != StatusSuspended {
		return fmt.Errorf("%w: %q cannot be set manually", ErrInvalidStatus, status)
	}
	return e.store.WithTx(ctx, func(s Store) error {
		account, err := s.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		if status == StatusActive {
			balance, err := s.Balance(ctx, id)
			if err != nil {
				return err
			}
			if !balance.IsPositive() {
				status = StatusDepleted
			}
		}
		if account.Status == status {
			return nil
		}
		return s.SetAccountStatus(ctx, id, status)
	})
}

// =============================================================================
// READS
// =============================================================================

// Balance returns the derived balance of an account.
func (e *Engine) Balance(ctx context.Context, id AccountID) (decimal.Decimal, error) {
	if _, err := e.store.GetAccount(ctx, id); err != nil {
		return decimal.Zero, err
	}
	return e.store.Balance(ctx, id)
}

// Transactions returns the account history in creation order.
func (e *Engine) Transactions(ctx context.Context, id AccountID) ([]Transaction, error) {
	if _, err := e.store.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	return e.store.LoadTransactions(ctx, id)
}

// Statement returns the balance broken down by transaction type.
func (e *Engine) Statement(ctx context.Context, id AccountID) (Statement, error) {
	txs, err := e.Transactions(ctx, id)
	if err != nil {
		return Statement{}, err
	}
	return NewStatement(id, txs), nil
}

// =============================================================================
// WRITES
// =============================================================================

// AllocateRequest moves credit from a parent to one of its direct children.
type AllocateRequest struct {
	From    AccountID
	To      AccountID
	Amount  decimal.Decimal
	Notes   string
	ActorID string
}

// Allocate writes the allocation_out/allocation_in pair atomically.
func (e *Engine) Allocate(ctx context.Context, req AllocateRequest) (Allocation, error) {
	amount, err := ValidateAmount(req.Amount)
	if err != nil {
		return Allocation{}, err
	}
	if req.From == req.To {
		return Allocation{}, &HierarchyError{Reason: "cannot allocate to self"}
	}

	var result Allocation
	err = e.serializable(ctx, func(s Store) error {
		from, err := s.GetAccount(ctx, req.From)
		if err != nil {
			return fmt.Errorf("from account: %w", err)
		}
		to, err := s.GetAccount(ctx, req.To)
		if err != nil {
			return fmt.Errorf("to account: %w", err)
		}
		if err := ValidateTransfer(*from, *to); err != nil {
			return err
		}
		if err := requireUnsuspended(*from, *to); err != nil {
			return err
		}

		available, err := s.Balance(ctx, from.ID)
		if err != nil {
			return err
		}
		if amount.GreaterThan(available) {
			return &InsufficientFundsError{AccountID: from.ID, Available: available, Requested: amount}
		}

		now := e.now()
		outID, inID := TransactionID(e.newID()), TransactionID(e.newID())
		out := Transaction{
			ID: outID, AccountID: from.ID, Type: TxAllocationOut, Amount: amount,
			RelatedTransactionID: inID, Notes: req.Notes, CreatedBy: req.ActorID, CreatedAt: now,
		}
		in := Transaction{
			ID: inID, AccountID: to.ID, Type: TxAllocationIn, Amount: amount,
			RelatedTransactionID: outID, Notes: req.Notes, CreatedBy: req.ActorID, CreatedAt: now,
		}
		if err := s.AppendTransactions(ctx, []Transaction{out, in}); err != nil {
			return err
		}
		if err := s.BumpVersion(ctx, from.ID, from.Version); err != nil {
			return err
		}
		if err := s.BumpVersion(ctx, to.ID, to.Version); err != nil {
			return err
		}

		fromBalance := available.Sub(amount)
		toBalance, err := s.Balance(ctx, to.ID)
		if err != nil {
			return err
		}
		if err := refreshStatus(ctx, s, *from, fromBalance); err != nil {
			return err
		}
		if err := refreshStatus(ctx, s, *to, toBalance); err != nil {
			return err
		}
		result = Allocation{Out: out, In: in, FromBalance: fromBalance, ToBalance: toBalance}
		return nil
	})
	if err != nil {
		return Allocation{}, err
	}

	e.log.Info().
		Str("from", string(req.From)).
		Str("to", string(req.To)).
		Str("amount", amount.StringFixed(MinorUnitPlaces)).
		Msg("credit allocated")
	return result, nil
}

// PurchaseRequest records funds entering the hierarchy.
type PurchaseRequest struct {
	AccountID        AccountID
	Amount           decimal.Decimal
	PaymentMethod    string
	PaymentReference string // idempotency key when set
	ActorID          string
}

// Purchase credits an account. A repeated PaymentReference returns the
// original purchase instead of crediting twice.
func (e *Engine) Purchase(ctx context.Context, req PurchaseRequest) (Posting, error) {
	amount, err := ValidateAmount(req.Amount)
	if err != nil {
		return Posting{}, err
	}

	var result Posting
	err = e.serializable(ctx, func(s Store) error {
		account, err := s.GetAccount(ctx, req.AccountID)
		if err != nil {
			return err
		}
		if err := requireUnsuspended(*account); err != nil {
			return err
		}

		if req.PaymentReference != "" {
			existing, err := findPurchase(ctx, s, account.ID, req.PaymentReference)
			if err != nil {
				return err
			}
			if existing != nil {
				balance, err := s.Balance(ctx, account.ID)
				if err != nil {
					return err
				}
				result = Posting{Transaction: *existing, Balance: balance, Replayed: true}
				return nil
			}
		}

		tx := Transaction{
			ID:               TransactionID(e.newID()),
			AccountID:        account.ID,
			Type:             TxPurchase,
			Amount:           amount,
			PaymentMethod:    req.PaymentMethod,
			PaymentReference: req.PaymentReference,
			CreatedBy:        req.ActorID,
			CreatedAt:        e.now(),
		}
		posting, err := e.post(ctx, s, *account, tx)
		if err != nil {
			return err
		}
		result = posting
		return nil
	})
	return result, err
}

// Debit charges an account for a redemption. The balance check and the write
// happen in the same serializable unit.
func (e *Engine) Debit(ctx context.Context, id AccountID, amount decimal.Decimal, redemptionID string) (Posting, error) {
	amount, err := ValidateAmount(amount)
	if err != nil {
		return Posting{}, err
	}

	var result Posting
	err = e.serializable(ctx, func(s Store) error {
		account, err := s.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		if err := requireUnsuspended(*account); err != nil {
			return err
		}
		available, err := s.Balance(ctx, id)
		if err != nil {
			return err
		}
		if amount.GreaterThan(available) {
			return &InsufficientFundsError{AccountID: id, Available: available, Requested: amount}
		}

		tx := Transaction{
			ID:                  TransactionID(e.newID()),
			AccountID:           id,
			Type:                TxRedemption,
			Amount:              amount,
			RelatedRedemptionID: redemptionID,
			CreatedBy:           "system",
			CreatedAt:           e.now(),
		}
		posting, err := e.post(ctx, s, *account, tx)
		if err != nil {
			return err
		}
		result = posting
		return nil
	})
	return result, err
}

// Refund returns credit for a redemption. The refunded total for a redemption
// may never exceed what was debited for it on that account.
func (e *Engine) Refund(ctx context.Context, id AccountID, amount decimal.Decimal, redemptionID string) (Posting, error) {
	amount, err := ValidateAmount(amount)
	if err != nil {
		return Posting{}, err
	}
	if redemptionID == "" {
		return Posting{}, &AmountError{Amount: amount, Reason: "refund requires a redemption"}
	}

	var result Posting
	err = e.serializable(ctx, func(s Store) error {
		account, err := s.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		related, err := s.TransactionsByRedemption(ctx, redemptionID)
		if err != nil {
			return err
		}
		refundable := NetDebited(related, id)
		if amount.GreaterThan(refundable) {
			return &AmountError{Amount: amount, Reason: "exceeds refundable " + refundable.StringFixed(MinorUnitPlaces)}
		}

		tx := Transaction{
			ID:                  TransactionID(e.newID()),
			AccountID:           id,
			Type:                TxRefund,
			Amount:              amount,
			RelatedRedemptionID: redemptionID,
			CreatedBy:           "system",
			CreatedAt:           e.now(),
		}
		posting, err := e.post(ctx, s, *account, tx)
		if err != nil {
			return err
		}
		result = posting
		return nil
	})
	return result, err
}

// RefundRedemption refunds whatever is still net debited on an account for a
// redemption. It reports false when nothing was outstanding, which makes it
// safe to call from compensation paths that may run more than once.
func (e *Engine) RefundRedemption(ctx context.Context, id AccountID, redemptionID string) (Posting, bool, error) {
	if redemptionID == "" {
		return Posting{}, false, &AmountError{Amount: decimal.Zero, Reason: "refund requires a redemption"}
	}

	var (
		result   Posting
		refunded bool
	)
	err := e.serializable(ctx, func(s Store) error {
		refunded = false
		account, err := s.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		related, err := s.TransactionsByRedemption(ctx, redemptionID)
		if err != nil {
			return err
		}
		outstanding := NetDebited(related, id)
		if !outstanding.IsPositive() {
			return nil
		}

		tx := Transaction{
			ID:                  TransactionID(e.newID()),
			AccountID:           id,
			Type:                TxRefund,
			Amount:              outstanding,
			RelatedRedemptionID: redemptionID,
			CreatedBy:           "system",
			CreatedAt:           e.now(),
		}
		posting, err := e.post(ctx, s, *account, tx)
		if err != nil {
			return err
		}
		result, refunded = posting, true
		return nil
	})
	return result, refunded, err
}

// AdjustRequest is a signed operator correction.
type AdjustRequest struct {
	AccountID AccountID
	Amount    decimal.Decimal // signed
	Reason    string
	ActorID   string
}

// Adjust writes a signed adjustment. It is the only write allowed to push a
// balance below zero.
func (e *Engine) Adjust(ctx context.Context, req AdjustRequest) (Posting, error) {
	amount := Quantize(req.Amount)
	if amount.IsZero() {
		return Posting{}, &AmountError{Amount: req.Amount, Reason: "adjustment must be non-zero"}
	}
	if req.Reason == "" || req.ActorID == "" {
		return Posting{}, ErrInvalidAdjustment
	}

	var result Posting
	err := e.serializable(ctx, func(s Store) error {
		account, err := s.GetAccount(ctx, req.AccountID)
		if err != nil {
			return err
		}
		tx := Transaction{
			ID:        TransactionID(e.newID()),
			AccountID: account.ID,
			Type:      TxAdjustment,
			Amount:    amount,
			Reason:    req.Reason,
			CreatedBy: req.ActorID,
			CreatedAt: e.now(),
		}
		posting, err := e.post(ctx, s, *account, tx)
		if err != nil {
			return err
		}
		result = posting
		return nil
	})
	if err != nil {
		return Posting{}, err
	}

	e.log.Warn().
		Str("account_id", string(req.AccountID)).
		Str("amount", amount.StringFixed(MinorUnitPlaces)).
		Str("actor", req.ActorID).
		Str("reason", req.Reason).
		Msg("manual adjustment")
	return result, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// NetDebited returns redemption debits minus refunds on one account.
func NetDebited(txs []Transaction, id AccountID) decimal.Decimal {
	net := decimal.Zero
	for _, tx := range txs {
		if tx.AccountID != id {
			continue
		}
		switch tx.Type {
		case TxRedemption:
			net = net.Add(tx.Amount)
		case TxRefund:
			net = net.Sub(tx.Amount)
		}
	}
	return net
}

// post appends a single transaction, bumps the version and refreshes status.
func (e *Engine) post(ctx context.Context, s Store, account Account, tx Transaction) (Posting, error) {
	if err := s.AppendTransactions(ctx, []Transaction{tx}); err != nil {
		return Posting{}, err
	}
	if err := s.BumpVersion(ctx, account.ID, account.Version); err != nil {
		return Posting{}, err
	}
	balance, err := s.Balance(ctx, account.ID)
	if err != nil {
		return Posting{}, err
	}
	if err := refreshStatus(ctx, s, account, balance); err != nil {
		return Posting{}, err
	}
	return Posting{Transaction: tx, Balance: balance}, nil
}

// serializable runs fn in a store transaction, retrying version conflicts.
func (e *Engine) serializable(ctx context.Context, fn func(Store) error) error {
	var err error
	for attempt := 0; attempt <= e.retries; attempt++ {
		err = e.store.WithTx(ctx, fn)
		if !IsRetryable(err) {
			return err
		}
		e.log.Debug().Int("attempt", attempt+1).Err(err).Msg("retrying conflicting credit write")
	}
	return err
}

func findPurchase(ctx context.Context, s Store, id AccountID, reference string) (*Transaction, error) {
	txs, err := s.LoadTransactions(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := range txs {
		if txs[i].Type == TxPurchase && txs[i].PaymentReference == reference {
			return &txs[i], nil
		}
	}
	return nil, nil
}

func requireUnsuspended(accounts ...Account) error {
	for _, a := range accounts {
		if a.Status == StatusSuspended {
			return fmt.Errorf("%w: %s", ErrAccountSuspended, a.ID)
		}
	}
	return nil
}

func refreshStatus(ctx context.Context, s Store, account Account, balance decimal.Decimal) error {
	if account.Status == StatusSuspended {
		return nil
	}
	want := StatusActive
	if !balance.IsPositive() {
		want = StatusDepleted
	}
	if want == account.Status {
		return nil
	}
	return s.SetAccountStatus(ctx, account.ID, want)
}
