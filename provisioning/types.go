/*
Package provisioning turns a redemption request into exactly one gift card.

PURPOSE:
  The waterfall is the only place where inventory, credit and billing meet.
  It reserves a card, charges the paying account and commits the result so
  that a redemption code can never produce two cards, two debits or two
  billing entries.

REDEMPTION LIFECYCLE:
  pending -> provisioned -> delivered
  pending -> failed
  failed  -> pending      (operator redrive under the same code)

  A failed redemption keeps its code and the reason, so the original
  request is never lost.

SEE ALSO:
  - waterfall.go: Provision algorithm and compensation
  - reconciler.go: Sweep of redemptions abandoned mid-waterfall
  - store/sqlite/redemptions.go: Durable store
*/
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-engine/billing"
	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/inventory"
)

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusPending     Status = "pending"
	StatusProvisioned Status = "provisioned"
	StatusDelivered   Status = "delivered"
	StatusFailed      Status = "failed"
)

func (s Status) String() string { return string(s) }

// Failure reasons recorded on failed redemptions.
const (
	ReasonNoInventory       = "no_inventory_available"
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonAccountSuspended  = "account_suspended"
	ReasonDebitFailed       = "debit_failed"
	ReasonCommitFailed      = "commit_failed"
	ReasonStoreError        = "store_error"
	ReasonCancelled         = "cancelled"
	ReasonAbandoned         = "abandoned"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNoInventoryAvailable means every source in the waterfall came up empty.
	ErrNoInventoryAvailable = errors.New("no inventory available")

	// ErrRedemptionNotFound is returned for unknown redemption ids or codes.
	ErrRedemptionNotFound = errors.New("redemption not found")

	// ErrDuplicateRedemption is returned by Store.CreatePending when the code
	// already exists. The waterfall turns it into "return the existing one".
	ErrDuplicateRedemption = errors.New("duplicate redemption code")

	// ErrInvalidTransition is returned when a redemption is not in the state
	// an operation requires.
	ErrInvalidTransition = errors.New("invalid redemption transition")

	// ErrInvalidRequest is returned when a provision request fails validation.
	ErrInvalidRequest = errors.New("invalid provision request")
)

// TransitionError names the state a redemption was found in.
type TransitionError struct {
	RedemptionID string
	From         Status
	To           Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("redemption %s cannot move from %s to %s", e.RedemptionID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// =============================================================================
// REDEMPTION
// =============================================================================

// Redemption is one gift-card issuance event.
type Redemption struct {
	ID              string
	Code            string
	CampaignID      credit.AccountID
	PayingAccountID credit.AccountID
	RecipientID     string
	BrandID         string
	Denomination    decimal.Decimal
	Status          Status
	Source          inventory.Pool
	CardReference   string // inventory unit id
	TransactionID   credit.TransactionID
	AmountBilled    decimal.Decimal
	FailureReason   string
	Attempts        int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ProvisionedAt   *time.Time
	DeliveredAt     *time.Time
}

// Terminal reports whether no automatic transition can follow.
func (r Redemption) Terminal() bool {
	return r.Status == StatusDelivered || r.Status == StatusFailed
}

// Request is the input to Provision.
type Request struct {
	CampaignID      credit.AccountID
	BrandID         string
	Denomination    decimal.Decimal
	RecipientID     string
	RedemptionCode  string
	PayingAccountID credit.AccountID
}

// Validate checks required fields and quantizes the denomination.
func (r *Request) Validate() error {
	switch {
	case r.RedemptionCode == "":
		return fmt.Errorf("%w: redemption code is required", ErrInvalidRequest)
	case r.CampaignID == "":
		return fmt.Errorf("%w: campaign id is required", ErrInvalidRequest)
	case r.BrandID == "":
		return fmt.Errorf("%w: brand id is required", ErrInvalidRequest)
	case r.RecipientID == "":
		return fmt.Errorf("%w: recipient id is required", ErrInvalidRequest)
	case r.PayingAccountID == "":
		return fmt.Errorf("%w: paying account id is required", ErrInvalidRequest)
	}
	d, err := credit.ValidateAmount(r.Denomination)
	if err != nil {
		return err
	}
	r.Denomination = d
	return nil
}

// Result is what Provision returns.
type Result struct {
	Redemption Redemption
	Card       *inventory.Card
	// Replayed is true when the redemption already existed for the code.
	Replayed bool
}

// =============================================================================
// STORE
// =============================================================================

// Commit is the final write of a successful provision. All three changes
// land in one transaction or not at all.
type Commit struct {
	RedemptionID  string
	UnitID        string
	Source        inventory.Pool
	TransactionID credit.TransactionID
	AmountBilled  decimal.Decimal
	Entry         billing.Entry
	At            time.Time
}

// Store persists redemptions.
type Store interface {
	// CreatePending inserts a pending redemption. If the code exists it
	// returns the stored row together with ErrDuplicateRedemption.
	CreatePending(ctx context.Context, r Redemption) (*Redemption, error)

	GetRedemption(ctx context.Context, id string) (*Redemption, error)
	GetRedemptionByCode(ctx context.Context, code string) (*Redemption, error)

	// RecordReservation notes which unit a pending redemption holds, so a
	// crash can be reconciled from the row alone.
	RecordReservation(ctx context.Context, id string, source inventory.Pool, unitID string, at time.Time) error

	// RecordDebit notes the credit transaction of a pending redemption.
	RecordDebit(ctx context.Context, id string, txID credit.TransactionID, amount decimal.Decimal, at time.Time) error

	// CommitProvision assigns the unit, marks the redemption provisioned and
	// appends the billing entry atomically.
	CommitProvision(ctx context.Context, c Commit) error

	// MarkFailed moves pending -> failed with a reason.
	MarkFailed(ctx context.Context, id, reason string, at time.Time) error

	// MarkDelivered moves provisioned -> delivered.
	MarkDelivered(ctx context.Context, id string, at time.Time) error

	// ResetForRedrive moves failed -> pending and clears source, unit and
	// debit so the waterfall can run again.
	ResetForRedrive(ctx context.Context, id string, at time.Time) (*Redemption, error)

	// StalePending lists pending redemptions last updated before cutoff.
	StalePending(ctx context.Context, cutoff time.Time) ([]Redemption, error)
}
