/*
Package credit provides the credit account hierarchy and the transaction engine.

PURPOSE:
  Money flows down a strict tree: Platform -> Agency -> Client -> Campaign.
  Every movement of credit is an immutable transaction row. Balances are
  never stored; they are derived from the transaction history of an account.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: A node in the hierarchy (platform/agency/client/campaign)
  - Transaction: An immutable ledger row (purchase, allocation, redemption...)
  - Money helpers: Quantization to the currency minor unit

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified, corrections are new rows
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Type Safety: Strong typing for IDs prevents mixing accounts and transactions
  4. Auditability: Every transaction records who created it and why

BALANCE FORMULA:
  balance = Σ(purchase, allocation_in, refund)
          - Σ(allocation_out, redemption)
          + Σ(adjustment)          (adjustments are signed)

CORRECTIONS:
  A wrong debit is never edited. A refund row (linked to the redemption) or a
  signed adjustment row made by an operator restores the balance.

SEE ALSO:
  - engine.go: Allocate / Purchase / Debit / Refund / Adjust
  - hierarchy.go: Parent/child validation
  - store.go: Persistence interfaces
*/
package credit

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// MinorUnitPlaces is the number of decimal places of the ledger currency (cents).
const MinorUnitPlaces int32 = 2

// Quantize rounds an amount to the currency minor unit (banker's rounding).
func Quantize(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(MinorUnitPlaces)
}

// ValidateAmount quantizes a positive amount. Zero or negative results fail
// with ErrInvalidAmount.
func ValidateAmount(d decimal.Decimal) (decimal.Decimal, error) {
	q := Quantize(d)
	if !q.IsPositive() {
		return decimal.Zero, &AmountError{Amount: d}
	}
	return q, nil
}

// MustAmount parses a decimal string, panicking on malformed input.
// Intended for constants and tests.
func MustAmount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type TransactionID string

// =============================================================================
// ACCOUNT - Node in the credit hierarchy
// =============================================================================

type AccountType string

const (
	AccountPlatform AccountType = "platform"
	AccountAgency   AccountType = "agency"
	AccountClient   AccountType = "client"
	AccountCampaign AccountType = "campaign"
)

// Valid reports whether t is a known account type.
func (t AccountType) Valid() bool {
	switch t {
	case AccountPlatform, AccountAgency, AccountClient, AccountCampaign:
		return true
	}
	return false
}

type AccountStatus string

const (
	StatusActive    AccountStatus = "active"
	StatusSuspended AccountStatus = "suspended"
	StatusDepleted  AccountStatus = "depleted"
)

// Account is created once at onboarding and never deleted, only suspended.
// Version increases on every write touching the account and acts as the
// optimistic concurrency token for balance-checked writes.
type Account struct {
	ID        AccountID
	Type      AccountType
	ParentID  AccountID // empty only for the platform root
	Name      string
	Status    AccountStatus
	Version   int64
	CreatedAt time.Time
}

// IsRoot reports whether the account is the platform root.
func (a Account) IsRoot() bool { return a.ParentID == "" }

// =============================================================================
// TRANSACTION - Immutable ledger row
// =============================================================================

type TransactionType string

const (
	TxPurchase      TransactionType = "purchase"       // Funds bought from outside the hierarchy
	TxAllocationOut TransactionType = "allocation_out" // Parent side of a transfer
	TxAllocationIn  TransactionType = "allocation_in"  // Child side of a transfer
	TxRedemption    TransactionType = "redemption"     // Gift card debit
	TxRefund        TransactionType = "refund"         // Return of a redemption debit
	TxAdjustment    TransactionType = "adjustment"     // Signed operator correction
)

// Transaction is written exactly once by the Engine and never mutated.
// Amount is a positive magnitude whose sign is implied by Type, except for
// adjustments, which carry their own sign.
type Transaction struct {
	ID                   TransactionID
	AccountID            AccountID
	Type                 TransactionType
	Amount               decimal.Decimal
	RelatedTransactionID TransactionID // links allocation_out <-> allocation_in
	RelatedRedemptionID  string
	PaymentMethod        string
	PaymentReference     string
	Reason               string
	Notes                string
	CreatedBy            string
	CreatedAt            time.Time
}

// Signed returns the effect of the transaction on its account's balance.
func (t Transaction) Signed() decimal.Decimal {
	switch t.Type {
	case TxPurchase, TxAllocationIn, TxRefund, TxAdjustment:
		return t.Amount
	case TxAllocationOut, TxRedemption:
		return t.Amount.Neg()
	}
	return decimal.Zero
}

// BalanceOf replays transactions and returns the derived balance.
func BalanceOf(txs []Transaction) decimal.Decimal {
	balance := decimal.Zero
	for _, tx := range txs {
		balance = balance.Add(tx.Signed())
	}
	return balance
}

// =============================================================================
// STATEMENT - Derived view of an account
// =============================================================================

// Statement breaks a balance into its components.
type Statement struct {
	AccountID    AccountID
	Balance      decimal.Decimal
	Purchased    decimal.Decimal
	AllocatedIn  decimal.Decimal
	AllocatedOut decimal.Decimal
	Redeemed     decimal.Decimal
	Refunded     decimal.Decimal
	Adjusted     decimal.Decimal
	Transactions int
}

// NewStatement aggregates a transaction history.
func NewStatement(id AccountID, txs []Transaction) Statement {
	s := Statement{AccountID: id}
	for _, tx := range txs {
		switch tx.Type {
		case TxPurchase:
			s.Purchased = s.Purchased.Add(tx.Amount)
		case TxAllocationIn:
			s.AllocatedIn = s.AllocatedIn.Add(tx.Amount)
		case TxAllocationOut:
			s.AllocatedOut = s.AllocatedOut.Add(tx.Amount)
		case TxRedemption:
			s.Redeemed = s.Redeemed.Add(tx.Amount)
		case TxRefund:
			s.Refunded = s.Refunded.Add(tx.Amount)
		case TxAdjustment:
			s.Adjusted = s.Adjusted.Add(tx.Amount)
		}
	}
	s.Balance = BalanceOf(txs)
	s.Transactions = len(txs)
	return s
}
