package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/credit"
)

type sliceStore struct {
	mu      sync.Mutex
	entries []Entry
}

func (s *sliceStore) RecordEntry(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.entries {
		if existing.RedemptionID == e.RedemptionID {
			return ErrDuplicateEntry
		}
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *sliceStore) Entries(_ context.Context, f Filter) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if f.Includes(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestNewEntry_ComputesProfit(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e, err := NewEntry("red-1", credit.AccountClient, "client-c1", dec("25"), dec("23.50"), at)
	require.NoError(t, err)

	assert.NotEmpty(t, e.ID)
	assert.True(t, dec("1.50").Equal(e.Profit), "profit = %s", e.Profit)
	assert.Equal(t, at, e.BilledAt)
}

func TestNewEntry_Validation(t *testing.T) {
	at := time.Now()
	tests := []struct {
		name       string
		redemption string
		entityType credit.AccountType
		entityID   credit.AccountID
		billed     string
		cost       string
	}{
		{"missing redemption", "", credit.AccountClient, "c", "25", "20"},
		{"platform billed", "r", credit.AccountPlatform, "p", "25", "20"},
		{"campaign billed", "r", credit.AccountCampaign, "cmp", "25", "20"},
		{"zero billed", "r", credit.AccountAgency, "a", "0", "0"},
		{"negative cost", "r", credit.AccountAgency, "a", "25", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEntry(tt.redemption, tt.entityType, tt.entityID, dec(tt.billed), dec(tt.cost), at)
			assert.ErrorIs(t, err, ErrInvalidEntry)
		})
	}
}

func TestLedger_RecordIsUniquePerRedemption(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(&sliceStore{})

	id, err := l.Record(ctx, Entry{RedemptionID: "red-1", EntityType: credit.AccountClient, EntityID: "c1", AmountBilled: dec("25"), CostBasis: dec("24")})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = l.Record(ctx, Entry{RedemptionID: "red-1", EntityType: credit.AccountClient, EntityID: "c1", AmountBilled: dec("25"), CostBasis: dec("24")})
	assert.ErrorIs(t, err, ErrDuplicateEntry)
}

func TestLedger_SummarizeByEntity(t *testing.T) {
	ctx := context.Background()
	store := &sliceStore{}
	l := NewLedger(store)

	jan := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)

	record := func(red string, entity credit.AccountID, billed, cost string, at time.Time) {
		t.Helper()
		_, err := l.Record(ctx, Entry{RedemptionID: red, EntityType: credit.AccountClient, EntityID: entity, AmountBilled: dec(billed), CostBasis: dec(cost), BilledAt: at})
		require.NoError(t, err)
	}
	record("r1", "c1", "25", "23.50", jan)
	record("r2", "c1", "50", "47", jan)
	record("r3", "c1", "10", "9", feb)
	record("r4", "c2", "100", "90", jan)

	// GIVEN: January only for c1
	s, err := l.SummarizeByEntity(ctx, credit.AccountClient, "c1",
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	// THEN: only r1 and r2 are counted
	assert.Equal(t, 2, s.Count)
	assert.True(t, dec("75").Equal(s.TotalRevenue))
	assert.True(t, dec("70.50").Equal(s.TotalCost))
	assert.True(t, dec("4.50").Equal(s.TotalProfit))

	// Open bounds cover everything for the entity
	all, err := l.SummarizeByEntity(ctx, credit.AccountClient, "c1", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 3, all.Count)
	assert.True(t, all.TotalRevenue.Sub(all.TotalCost).Equal(all.TotalProfit))
}

func TestFilter_ToIsExclusive(t *testing.T) {
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	f := Filter{To: at}
	assert.False(t, f.Includes(Entry{BilledAt: at}))
	assert.True(t, f.Includes(Entry{BilledAt: at.Add(-time.Nanosecond)}))

	f = Filter{From: at}
	assert.True(t, f.Includes(Entry{BilledAt: at}))
}
