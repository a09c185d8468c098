package inventory_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/inventory"
	"github.com/warp/credit-engine/provider"
	"github.com/warp/credit-engine/provider/mocks"
	"github.com/warp/credit-engine/store/sqlite"
)

func usd(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.SaveBrand(context.Background(), inventory.Brand{
		ID: "amazon", Name: "Amazon", ProviderCode: "AMZ", Enabled: true,
	}))
	return s
}

func brand(t *testing.T, s *sqlite.Store) inventory.Brand {
	t.Helper()
	b, err := s.GetBrand(context.Background(), "amazon")
	require.NoError(t, err)
	return *b
}

// =============================================================================
// POOL SOURCE
// =============================================================================

func TestPoolSource_ReservesAndReleases(t *testing.T) {
	// GIVEN: One CSV card
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.AddUnits(ctx, []inventory.Unit{{
		ID: "u1", BrandID: "amazon", Denomination: usd("25"), Pool: inventory.PoolCSV,
		CardCode: "AMZ-0001", CostBasis: usd("23.50"),
	}}))
	src := inventory.NewPoolSource(inventory.PoolCSV, s)
	req := inventory.Request{RedemptionID: "red-1", Brand: brand(t, s), Denomination: usd("25")}

	// WHEN: The source is tried twice
	claim, err := src.TrySource(ctx, req)
	require.NoError(t, err)
	_, err = src.TrySource(ctx, inventory.Request{RedemptionID: "red-2", Brand: req.Brand, Denomination: req.Denomination})

	// THEN: The first call holds the card, the second falls through
	assert.Equal(t, inventory.PoolCSV, claim.Source)
	assert.Equal(t, "AMZ-0001", claim.Unit.CardCode)
	assert.Equal(t, inventory.UnitReserved, claim.Unit.Status)
	assert.True(t, inventory.IsUnavailable(err))

	require.NoError(t, claim.Release(ctx))
	u, err := s.GetUnit(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, inventory.UnitAvailable, u.Status)
	assert.Equal(t, inventory.PoolCSV, u.Pool)
}

func TestPoolSource_ConcurrentClaimsDrainExactly(t *testing.T) {
	// GIVEN: 10 CSV cards and 40 redemptions racing for them
	s := newStore(t)
	ctx := context.Background()
	units := make([]inventory.Unit, 10)
	for i := range units {
		units[i] = inventory.Unit{
			ID: fmt.Sprintf("u%02d", i), BrandID: "amazon", Denomination: usd("25"), Pool: inventory.PoolCSV,
			CardCode: fmt.Sprintf("AMZ-%04d", i), CostBasis: usd("23.50"),
		}
	}
	require.NoError(t, s.AddUnits(ctx, units))
	src := inventory.NewPoolSource(inventory.PoolCSV, s)
	b := brand(t, s)

	// WHEN: Every redemption tries the source at once
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		misses  int
		unknown []error
	)
	won := map[string]string{}
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			redemption := fmt.Sprintf("red-%02d", i)
			claim, err := src.TrySource(ctx, inventory.Request{RedemptionID: redemption, Brand: b, Denomination: usd("25")})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				if prev, ok := won[claim.Unit.ID]; ok {
					unknown = append(unknown, fmt.Errorf("unit %s claimed by %s and %s", claim.Unit.ID, prev, redemption))
				}
				won[claim.Unit.ID] = redemption
			case errors.Is(err, inventory.ErrNoUnitAvailable):
				misses++
			default:
				unknown = append(unknown, err)
			}
		}(i)
	}
	wg.Wait()

	// THEN: Exactly one claim per card, and only then does the pool run dry
	assert.Empty(t, unknown)
	assert.Len(t, won, 10)
	assert.Equal(t, 30, misses)
	for id, redemption := range won {
		u, err := s.GetUnit(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, inventory.UnitReserved, u.Status)
		assert.Equal(t, redemption, u.RedemptionID)
	}
}

func TestPoolSource_CancelledContext(t *testing.T) {
	s := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := inventory.NewPoolSource(inventory.PoolBuffer, s).TrySource(ctx, inventory.Request{
		RedemptionID: "red-1", Brand: brand(t, s), Denomination: usd("25"),
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClaim_NilReleaseIsNoop(t *testing.T) {
	var c *inventory.Claim
	assert.NoError(t, c.Release(context.Background()))
}

// =============================================================================
// API SOURCE
// =============================================================================

func TestAPISource_PersistsIssuedCardAsReserved(t *testing.T) {
	// GIVEN: A provider that issues a card
	s := newStore(t)
	ctx := context.Background()
	client := mocks.NewClient(t)
	client.On("IssueCard", mock.Anything, provider.IssueRequest{
		BrandCode: "AMZ", Denomination: usd("25"), Reference: "red-1",
	}).Return(&provider.IssuedCard{Code: "API-777", Cost: usd("24.10")}, nil).Once()

	src := inventory.NewAPISource(client, s)

	// WHEN: The api source is tried
	claim, err := src.TrySource(ctx, inventory.Request{RedemptionID: "red-1", Brand: brand(t, s), Denomination: usd("25")})
	require.NoError(t, err)

	// THEN: The card is stored in the api pool, reserved for the redemption
	assert.Equal(t, inventory.PoolAPI, claim.Source)
	u, err := s.GetUnit(ctx, claim.Unit.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.PoolAPI, u.Pool)
	assert.Equal(t, inventory.UnitReserved, u.Status)
	assert.Equal(t, "red-1", u.RedemptionID)
	assert.True(t, u.CostBasis.Equal(usd("24.10")))

	// AND: Releasing it absorbs the card into the buffer pool
	require.NoError(t, claim.Release(ctx))
	u, err = s.GetUnit(ctx, claim.Unit.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.PoolBuffer, u.Pool)
	assert.Equal(t, inventory.UnitAvailable, u.Status)
}

func TestAPISource_ProviderFailuresFallThrough(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"out of stock", provider.ErrOutOfStock},
		{"unavailable", provider.ErrUnavailable},
		{"circuit open", provider.ErrCircuitOpen},
		{"rejected", provider.ErrRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			client := mocks.NewClient(t)
			client.On("IssueCard", mock.Anything, mock.Anything).Return(nil, tt.err).Once()

			_, err := inventory.NewAPISource(client, s).TrySource(context.Background(), inventory.Request{
				RedemptionID: "red-1", Brand: brand(t, s), Denomination: usd("25"),
			})
			assert.ErrorIs(t, err, inventory.ErrProviderUnavailable)
			assert.ErrorIs(t, err, tt.err)
			assert.True(t, inventory.IsUnavailable(err))
		})
	}
}

func TestAPISource_BrandWithoutProviderCode(t *testing.T) {
	s := newStore(t)
	client := mocks.NewClient(t)

	_, err := inventory.NewAPISource(client, s).TrySource(context.Background(), inventory.Request{
		RedemptionID: "red-1", Brand: inventory.Brand{ID: "local", Name: "Local", Enabled: true}, Denomination: usd("25"),
	})
	assert.ErrorIs(t, err, inventory.ErrProviderUnavailable)
	client.AssertNotCalled(t, "IssueCard", mock.Anything, mock.Anything)
}

func TestAPISource_TimeoutBoundsTheCall(t *testing.T) {
	s := newStore(t)
	client := mocks.NewClient(t)
	client.On("IssueCard", mock.Anything, mock.Anything).
		Return(func(ctx context.Context, _ provider.IssueRequest) (*provider.IssuedCard, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}).Once()

	start := time.Now()
	_, err := inventory.NewAPISource(client, s, inventory.WithAPITimeout(20*time.Millisecond)).
		TrySource(context.Background(), inventory.Request{RedemptionID: "red-1", Brand: brand(t, s), Denomination: usd("25")})

	// The source timeout is a provider failure, not a caller cancellation.
	assert.ErrorIs(t, err, inventory.ErrProviderUnavailable)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAPISource_DuplicateIssuedCodeIsAbort(t *testing.T) {
	// The provider handing out a code already on file is not a fall-through.
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.AddUnits(ctx, []inventory.Unit{{
		ID: "u1", BrandID: "amazon", Denomination: usd("25"), Pool: inventory.PoolCSV,
		CardCode: "DUP", CostBasis: usd("23.50"),
	}}))
	client := mocks.NewClient(t)
	client.On("IssueCard", mock.Anything, mock.Anything).Return(&provider.IssuedCard{Code: "DUP", Cost: usd("24")}, nil).Once()

	_, err := inventory.NewAPISource(client, s).TrySource(ctx, inventory.Request{RedemptionID: "red-1", Brand: brand(t, s), Denomination: usd("25")})
	assert.ErrorIs(t, err, inventory.ErrDuplicateCard)
	assert.False(t, inventory.IsUnavailable(err))
}
