/*
source.go - Supply sources for the provisioning waterfall

PURPOSE:
  Every supply mechanism exposes the same capability: TrySource either
  returns a Claim on exactly one card or an error. Errors for which
  IsUnavailable is true mean "try the next source"; anything else aborts.

SOURCES:
  PoolSource  Claims a stocked unit (csv or buffer) with a single
              conditional update that picks and reserves together.
  APISource   Asks the external provider for a card and persists it as a
              reserved unit in the api pool.

RELEASE:
  A Claim knows how to undo itself. Stocked units go back to available in
  their own pool. API-issued cards cannot be returned to the provider, so
  they are absorbed into the buffer pool as available stock.

SEE ALSO:
  - provisioning/waterfall.go: Orders the sources and handles compensation
  - provider/client.go: The external issuance API
*/
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/credit-engine/provider"
)

// Request describes the card a redemption needs.
type Request struct {
	RedemptionID string
	Brand        Brand
	Denomination decimal.Decimal
}

// Claim is a reserved unit held by one redemption.
type Claim struct {
	Source Pool
	Unit   Unit

	release func(ctx context.Context) error
}

// Release returns the unit to available stock.
func (c *Claim) Release(ctx context.Context) error {
	if c == nil || c.release == nil {
		return nil
	}
	return c.release(ctx)
}

// Source is one step of the waterfall.
type Source interface {
	Name() Pool
	TrySource(ctx context.Context, req Request) (*Claim, error)
}

// =============================================================================
// POOL SOURCE
// =============================================================================

// PoolSource claims pre-loaded units from one pool.
type PoolSource struct {
	pool  Pool
	store Store
	now   func() time.Time
}

// NewPoolSource creates a source over the csv or buffer pool.
func NewPoolSource(pool Pool, store Store) *PoolSource {
	return &PoolSource{pool: pool, store: store, now: time.Now}
}

func (s *PoolSource) Name() Pool { return s.pool }

// TrySource reserves the oldest available unit of the bucket.
func (s *PoolSource) TrySource(ctx context.Context, req Request) (*Claim, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := Key{Pool: s.pool, BrandID: req.Brand.ID, Denomination: req.Denomination}

	unit, err := s.store.ClaimNext(ctx, key, req.RedemptionID, s.now().UTC())
	if err != nil {
		if errors.Is(err, ErrNoUnitAvailable) {
			return nil, err
		}
		return nil, fmt.Errorf("claim %s unit: %w", s.pool, err)
	}
	return s.claim(*unit, req.RedemptionID), nil
}

func (s *PoolSource) claim(unit Unit, redemptionID string) *Claim {
	return &Claim{
		Source: s.pool,
		Unit:   unit,
		release: func(ctx context.Context) error {
			return s.store.Release(ctx, unit.ID, redemptionID, "")
		},
	}
}

// =============================================================================
// API SOURCE
// =============================================================================

// APISource issues cards through the external provider.
type APISource struct {
	client  provider.Client
	store   Store
	timeout time.Duration
	now     func() time.Time
	newID   func() string
	log     zerolog.Logger
}

// APIOption configures an APISource.
type APIOption func(*APISource)

// WithAPITimeout bounds each provider call. Zero means only the caller's
// deadline applies.
func WithAPITimeout(d time.Duration) APIOption {
	return func(s *APISource) { s.timeout = d }
}

// WithAPILogger sets the logger.
func WithAPILogger(l zerolog.Logger) APIOption {
	return func(s *APISource) { s.log = l }
}

// WithAPIClock overrides the time source.
func WithAPIClock(now func() time.Time) APIOption {
	return func(s *APISource) { s.now = now }
}

// NewAPISource creates the api step of the waterfall.
func NewAPISource(client provider.Client, store Store, opts ...APIOption) *APISource {
	s := &APISource{
		client:  client,
		store:   store,
		timeout: 5 * time.Second,
		now:     time.Now,
		newID:   uuid.NewString,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *APISource) Name() Pool { return PoolAPI }

// TrySource calls the provider. Every provider failure is reported as
// ErrProviderUnavailable so the waterfall moves on; a cancelled caller
// context is returned as-is.
func (s *APISource) TrySource(ctx context.Context, req Request) (*Claim, error) {
	if req.Brand.ProviderCode == "" {
		return nil, fmt.Errorf("brand %s has no provider code: %w", req.Brand.ID, ErrProviderUnavailable)
	}

	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	issued, err := s.client.IssueCard(callCtx, provider.IssueRequest{
		BrandCode:    req.Brand.ProviderCode,
		Denomination: req.Denomination,
		Reference:    req.RedemptionID,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("issue %s %s: %w: %w", req.Brand.ID, DenominationKey(req.Denomination), ErrProviderUnavailable, err)
	}

	at := s.now().UTC()
	unit := Unit{
		ID:           s.newID(),
		BrandID:      req.Brand.ID,
		Denomination: req.Denomination,
		Pool:         PoolAPI,
		Status:       UnitReserved,
		CardCode:     issued.Code,
		CardNumber:   issued.Number,
		ExpiresAt:    issued.ExpiresAt,
		CostBasis:    issued.Cost,
		RedemptionID: req.RedemptionID,
		ReservedAt:   &at,
		CreatedAt:    at,
	}

	// The card exists at the provider now; persisting it must not be
	// abandoned because the caller went away.
	if err := s.store.AddUnits(context.WithoutCancel(ctx), []Unit{unit}); err != nil {
		s.log.Error().Err(err).
			Str("redemption_id", req.RedemptionID).
			Str("brand_id", req.Brand.ID).
			Msg("issued card could not be persisted; needs reconciliation with provider")
		return nil, fmt.Errorf("persist issued card: %w", err)
	}

	return &Claim{
		Source: PoolAPI,
		Unit:   unit,
		release: func(ctx context.Context) error {
			return s.store.Release(ctx, unit.ID, req.RedemptionID, PoolBuffer)
		},
	}, nil
}
