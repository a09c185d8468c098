/*
Package billing records what each provisioned card earned.

PURPOSE:
  One append-only entry per provisioned redemption, attributed to the
  billed entity (agency or client). Entries are never updated; the
  redemption_id is unique so a redemption can be billed at most once.

  profit = amount_billed - cost_basis

SUMMARIES:
  SummarizeByEntity folds entries in [from, to) into revenue, cost,
  profit and count. A zero bound is open.

SEE ALSO:
  - provisioning/waterfall.go: Writes entries in the commit transaction
  - store/sqlite/billing.go: Durable store
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/credit-engine/credit"
)

var (
	// ErrDuplicateEntry is returned when a redemption is billed twice.
	ErrDuplicateEntry = errors.New("redemption already billed")

	// ErrInvalidEntry is returned when an entry fails validation.
	ErrInvalidEntry = errors.New("invalid billing entry")
)

// Entry is one billed redemption.
type Entry struct {
	ID           string
	RedemptionID string
	EntityType   credit.AccountType
	EntityID     credit.AccountID
	BrandID      string
	Denomination decimal.Decimal
	Source       string
	AmountBilled decimal.Decimal
	CostBasis    decimal.Decimal
	Profit       decimal.Decimal
	BilledAt     time.Time
}

// Filter selects entries of one entity in [From, To).
type Filter struct {
	EntityType credit.AccountType
	EntityID   credit.AccountID
	From       time.Time
	To         time.Time
}

// Includes reports whether an entry matches the filter.
func (f Filter) Includes(e Entry) bool {
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if !f.From.IsZero() && e.BilledAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.BilledAt.Before(f.To) {
		return false
	}
	return true
}

// Summary aggregates entries.
type Summary struct {
	EntityType   credit.AccountType
	EntityID     credit.AccountID
	From         time.Time
	To           time.Time
	TotalRevenue decimal.Decimal
	TotalCost    decimal.Decimal
	TotalProfit  decimal.Decimal
	Count        int
}

// Summarize folds entries into a Summary for f.
func Summarize(f Filter, entries []Entry) Summary {
	s := Summary{
		EntityType:   f.EntityType,
		EntityID:     f.EntityID,
		From:         f.From,
		To:           f.To,
		TotalRevenue: decimal.Zero,
		TotalCost:    decimal.Zero,
		TotalProfit:  decimal.Zero,
	}
	for _, e := range entries {
		if !f.Includes(e) {
			continue
		}
		s.TotalRevenue = s.TotalRevenue.Add(e.AmountBilled)
		s.TotalCost = s.TotalCost.Add(e.CostBasis)
		s.TotalProfit = s.TotalProfit.Add(e.Profit)
		s.Count++
	}
	return s
}

// Store persists entries.
type Store interface {
	// RecordEntry appends an entry. Returns ErrDuplicateEntry if the
	// redemption already has one.
	RecordEntry(ctx context.Context, e Entry) error
	Entries(ctx context.Context, f Filter) ([]Entry, error)
}

// =============================================================================
// ENTRY CONSTRUCTION
// =============================================================================

// NewEntry builds a validated entry with profit computed.
func NewEntry(redemptionID string, entityType credit.AccountType, entityID credit.AccountID, billed, cost decimal.Decimal, at time.Time) (Entry, error) {
	e := Entry{
		ID:           uuid.NewString(),
		RedemptionID: redemptionID,
		EntityType:   entityType,
		EntityID:     entityID,
		AmountBilled: credit.Quantize(billed),
		CostBasis:    credit.Quantize(cost),
		BilledAt:     at.UTC(),
	}
	e.Profit = e.AmountBilled.Sub(e.CostBasis)
	return e, Validate(e)
}

// Validate checks an entry before it is stored.
func Validate(e Entry) error {
	switch {
	case e.RedemptionID == "":
		return fmt.Errorf("%w: redemption id is required", ErrInvalidEntry)
	case e.EntityType != credit.AccountAgency && e.EntityType != credit.AccountClient:
		return fmt.Errorf("%w: billed entity must be agency or client, got %q", ErrInvalidEntry, e.EntityType)
	case e.EntityID == "":
		return fmt.Errorf("%w: entity id is required", ErrInvalidEntry)
	case !e.AmountBilled.IsPositive():
		return fmt.Errorf("%w: amount billed must be positive", ErrInvalidEntry)
	case e.CostBasis.IsNegative():
		return fmt.Errorf("%w: cost basis cannot be negative", ErrInvalidEntry)
	case !e.Profit.Equal(e.AmountBilled.Sub(e.CostBasis)):
		return fmt.Errorf("%w: profit must equal amount billed minus cost", ErrInvalidEntry)
	}
	return nil
}

// =============================================================================
// LEDGER
// =============================================================================

// Ledger is the read/write facade over a Store.
type Ledger struct {
	store Store
	now   func() time.Time
}

// NewLedger creates a billing ledger.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Record appends a standalone entry and returns its id. Missing id, profit
// and timestamp are filled in.
func (l *Ledger) Record(ctx context.Context, e Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.BilledAt.IsZero() {
		e.BilledAt = l.now().UTC()
	}
	e.AmountBilled = credit.Quantize(e.AmountBilled)
	e.CostBasis = credit.Quantize(e.CostBasis)
	e.Profit = e.AmountBilled.Sub(e.CostBasis)

	if err := Validate(e); err != nil {
		return "", err
	}
	if err := l.store.RecordEntry(ctx, e); err != nil {
		return "", err
	}
	return e.ID, nil
}

// SummarizeByEntity totals one entity's entries in [from, to).
func (l *Ledger) SummarizeByEntity(ctx context.Context, entityType credit.AccountType, entityID credit.AccountID, from, to time.Time) (Summary, error) {
	f := Filter{EntityType: entityType, EntityID: entityID, From: from, To: to}
	entries, err := l.store.Entries(ctx, f)
	if err != nil {
		return Summary{}, fmt.Errorf("load billing entries: %w", err)
	}
	return Summarize(f, entries), nil
}

// Entries lists one entity's entries in [from, to), oldest first.
func (l *Ledger) Entries(ctx context.Context, entityType credit.AccountType, entityID credit.AccountID, from, to time.Time) ([]Entry, error) {
	return l.store.Entries(ctx, Filter{EntityType: entityType, EntityID: entityID, From: from, To: to})
}
