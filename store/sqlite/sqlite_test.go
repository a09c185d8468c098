/*
sqlite_test.go - Integration tests for the SQLite store

Tests for:
- Credit engine running on SQLite (balances, payment idempotency, single root)
- Append-only triggers on the ledgers
- Unit reservation compare-and-swap and release
- Redemption transitions and the atomic provision commit
- Billing entry filters
*/
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/billing"
	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/inventory"
	"github.com/warp/credit-engine/provisioning"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func usd(s string) decimal.Decimal { return credit.MustAmount(s) }

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	s.now = func() time.Time { return t0 }
	return s
}

func seedTree(t *testing.T, e *credit.Engine) {
	t.Helper()
	ctx := context.Background()
	for _, a := range []credit.NewAccount{
		{ID: "platform", Type: credit.AccountPlatform},
		{ID: "agency-a", Type: credit.AccountAgency, ParentID: "platform"},
		{ID: "client-c1", Type: credit.AccountClient, ParentID: "agency-a"},
		{ID: "campaign-1", Type: credit.AccountCampaign, ParentID: "client-c1"},
	} {
		_, err := e.CreateAccount(ctx, a)
		require.NoError(t, err)
	}
}

func seedBrand(t *testing.T, s *Store) {
	t.Helper()
	require.NoError(t, s.SaveBrand(context.Background(), inventory.Brand{
		ID: "amazon", Name: "Amazon", ProviderCode: "AMZ", Enabled: true,
	}))
}

func unit(id, code string, pool inventory.Pool, created time.Time) inventory.Unit {
	return inventory.Unit{
		ID:           id,
		BrandID:      "amazon",
		Denomination: usd("25"),
		Pool:         pool,
		CardCode:     code,
		CostBasis:    usd("23.50"),
		CreatedAt:    created,
	}
}

// =============================================================================
// CREDIT
// =============================================================================

func TestCredit_EngineOnSQLite(t *testing.T) {
	// GIVEN: A funded hierarchy on SQLite
	s := newStore(t)
	e := credit.NewEngine(s)
	seedTree(t, e)
	ctx := context.Background()

	_, err := e.Purchase(ctx, credit.PurchaseRequest{AccountID: "platform", Amount: usd("1000"), PaymentMethod: "wire"})
	require.NoError(t, err)
	_, err = e.Allocate(ctx, credit.AllocateRequest{From: "platform", To: "agency-a", Amount: usd("400")})
	require.NoError(t, err)
	_, err = e.Allocate(ctx, credit.AllocateRequest{From: "agency-a", To: "client-c1", Amount: usd("100")})
	require.NoError(t, err)

	// WHEN: The client is debited for a redemption
	posting, err := e.Debit(ctx, "client-c1", usd("25"), "red-1")
	require.NoError(t, err)

	// THEN: Balances are derived from the stored rows
	assert.True(t, posting.Balance.Equal(usd("75")))
	for id, want := range map[credit.AccountID]string{"platform": "600", "agency-a": "300", "client-c1": "75"} {
		got, err := s.Balance(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.Equal(usd(want)), "%s: got %s want %s", id, got, want)
	}

	txs, err := s.TransactionsByRedemption(ctx, "red-1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, credit.TxRedemption, txs[0].Type)
	assert.True(t, txs[0].Amount.Equal(usd("25")))
}

func TestCredit_InsufficientFundsLeavesNoRow(t *testing.T) {
	s := newStore(t)
	e := credit.NewEngine(s)
	seedTree(t, e)
	ctx := context.Background()

	_, err := e.Debit(ctx, "client-c1", usd("1"), "red-1")
	assert.ErrorIs(t, err, credit.ErrInsufficientFunds)

	txs, err := s.LoadTransactions(ctx, "client-c1")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestCredit_SinglePlatformRoot(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAccount(ctx, credit.Account{ID: "p1", Type: credit.AccountPlatform, Status: credit.StatusActive, CreatedAt: t0}))
	err := s.CreateAccount(ctx, credit.Account{ID: "p2", Type: credit.AccountPlatform, Status: credit.StatusActive, CreatedAt: t0})
	assert.ErrorIs(t, err, credit.ErrInvalidHierarchy)

	err = s.CreateAccount(ctx, credit.Account{ID: "p1", Type: credit.AccountAgency, ParentID: "p1", Status: credit.StatusActive, CreatedAt: t0})
	assert.ErrorIs(t, err, credit.ErrAccountExists)
}

func TestCredit_BumpVersionIsCompareAndSwap(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, credit.Account{ID: "p", Type: credit.AccountPlatform, Status: credit.StatusActive, Version: 1, CreatedAt: t0}))

	require.NoError(t, s.BumpVersion(ctx, "p", 1))
	assert.ErrorIs(t, s.BumpVersion(ctx, "p", 1), credit.ErrConcurrentModification)
	assert.ErrorIs(t, s.BumpVersion(ctx, "missing", 1), credit.ErrAccountNotFound)

	a, err := s.GetAccount(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, int64(2), a.Version)
}

func TestCredit_PaymentReferenceFundsOnce(t *testing.T) {
	s := newStore(t)
	e := credit.NewEngine(s)
	seedTree(t, e)
	ctx := context.Background()

	req := credit.PurchaseRequest{AccountID: "platform", Amount: usd("500"), PaymentMethod: "card", PaymentReference: "inv-42"}
	first, err := e.Purchase(ctx, req)
	require.NoError(t, err)
	second, err := e.Purchase(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	balance, err := s.Balance(ctx, "platform")
	require.NoError(t, err)
	assert.True(t, balance.Equal(usd("500")))
}

func TestCredit_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	// GIVEN: A client holding $100
	s := newStore(t)
	e := credit.NewEngine(s, credit.WithRetries(20))
	seedTree(t, e)
	ctx := context.Background()
	_, err := e.Purchase(ctx, credit.PurchaseRequest{AccountID: "platform", Amount: usd("100")})
	require.NoError(t, err)
	_, err = e.Allocate(ctx, credit.AllocateRequest{From: "platform", To: "agency-a", Amount: usd("100")})
	require.NoError(t, err)
	_, err = e.Allocate(ctx, credit.AllocateRequest{From: "agency-a", To: "client-c1", Amount: usd("100")})
	require.NoError(t, err)

	// WHEN: Ten goroutines each try to debit $25
	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := e.Debit(ctx, "client-c1", usd("25"), fmt.Sprintf("red-%d", i)); err == nil {
				ok.Add(1)
			}
		}(i)
	}
	wg.Wait()

	// THEN: Exactly four succeed and the balance is zero
	assert.Equal(t, int32(4), ok.Load())
	balance, err := s.Balance(ctx, "client-c1")
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestLedgers_AreAppendOnly(t *testing.T) {
	s := newStore(t)
	e := credit.NewEngine(s)
	seedTree(t, e)
	ctx := context.Background()
	_, err := e.Purchase(ctx, credit.PurchaseRequest{AccountID: "platform", Amount: usd("10")})
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, `UPDATE credit_transactions SET amount = '1000'`)
	assert.ErrorContains(t, err, "append-only")
	_, err = s.db.ExecContext(ctx, `DELETE FROM credit_transactions`)
	assert.ErrorContains(t, err, "append-only")

	entry, err := billing.NewEntry("red-1", credit.AccountClient, "client-c1", usd("25"), usd("23.50"), t0)
	require.NoError(t, err)
	entry.ID = "bill-1"
	require.NoError(t, s.RecordEntry(ctx, entry))
	_, err = s.db.ExecContext(ctx, `UPDATE billing_entries SET profit = '0'`)
	assert.ErrorContains(t, err, "append-only")
}

// =============================================================================
// INVENTORY
// =============================================================================

func TestInventory_AddUnitsRejectsDuplicateCardCode(t *testing.T) {
	s := newStore(t)
	seedBrand(t, s)
	ctx := context.Background()

	require.NoError(t, s.AddUnits(ctx, []inventory.Unit{unit("u1", "CODE-1", inventory.PoolCSV, t0)}))

	// The whole batch is rejected, u2 included.
	err := s.AddUnits(ctx, []inventory.Unit{
		unit("u2", "CODE-2", inventory.PoolCSV, t0),
		unit("u3", "CODE-1", inventory.PoolBuffer, t0),
	})
	assert.ErrorIs(t, err, inventory.ErrDuplicateCard)
	_, err = s.GetUnit(ctx, "u2")
	assert.ErrorIs(t, err, inventory.ErrUnitNotFound)

	err = s.AddUnits(ctx, []inventory.Unit{{ID: "u9", BrandID: "nope", Denomination: usd("25"), Pool: inventory.PoolCSV, CardCode: "X"}})
	assert.ErrorIs(t, err, inventory.ErrBrandNotFound)

	err = s.AddUnits(ctx, []inventory.Unit{{ID: "u9", BrandID: "amazon", Pool: inventory.PoolCSV, CardCode: "X"}})
	assert.ErrorIs(t, err, inventory.ErrInvalidUnit)
}

func TestInventory_ClaimNextOldestUnexpired(t *testing.T) {
	// GIVEN: An expired card and two live cards loaded out of order
	s := newStore(t)
	seedBrand(t, s)
	ctx := context.Background()

	expired := unit("u-old", "C0", inventory.PoolCSV, t0.Add(-3*time.Hour))
	past := t0.Add(-time.Minute)
	expired.ExpiresAt = &past
	require.NoError(t, s.AddUnits(ctx, []inventory.Unit{
		expired,
		unit("u-new", "C2", inventory.PoolCSV, t0.Add(-time.Hour)),
		unit("u-mid", "C1", inventory.PoolCSV, t0.Add(-2*time.Hour)),
	}))
	key := inventory.Key{Pool: inventory.PoolCSV, BrandID: "amazon", Denomination: usd("25.00")}

	// WHEN: The bucket is claimed until empty
	first, err := s.ClaimNext(ctx, key, "red-1", t0)
	require.NoError(t, err)
	second, err := s.ClaimNext(ctx, key, "red-2", t0)
	require.NoError(t, err)
	_, err = s.ClaimNext(ctx, key, "red-3", t0)

	// THEN: Live cards go oldest first, reserved for their redemption
	assert.Equal(t, "u-mid", first.ID)
	assert.Equal(t, inventory.UnitReserved, first.Status)
	assert.Equal(t, "red-1", first.RedemptionID)
	require.NotNil(t, first.ReservedAt)
	assert.True(t, first.CostBasis.Equal(usd("23.50")))
	assert.Equal(t, "u-new", second.ID)

	// AND: The expired card is never handed out
	assert.ErrorIs(t, err, inventory.ErrNoUnitAvailable)
	u, err := s.GetUnit(ctx, "u-old")
	require.NoError(t, err)
	assert.Equal(t, inventory.UnitAvailable, u.Status)

	_, err = s.ClaimNext(ctx, inventory.Key{Pool: inventory.PoolBuffer, BrandID: "amazon", Denomination: usd("25")}, "red-4", t0)
	assert.ErrorIs(t, err, inventory.ErrNoUnitAvailable)
}

func TestInventory_ReserveIsCompareAndSwap(t *testing.T) {
	s := newStore(t)
	seedBrand(t, s)
	ctx := context.Background()
	require.NoError(t, s.AddUnits(ctx, []inventory.Unit{unit("u1", "C1", inventory.PoolCSV, t0)}))

	require.NoError(t, s.Reserve(ctx, "u1", "red-1", t0))

	err := s.Reserve(ctx, "u1", "red-2", t0)
	var resErr *inventory.ReservationError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "u1", resErr.UnitID)
	assert.ErrorIs(t, err, inventory.ErrReservationConflict)

	assert.ErrorIs(t, s.Reserve(ctx, "missing", "red-1", t0), inventory.ErrUnitNotFound)

	u, err := s.GetUnit(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, inventory.UnitReserved, u.Status)
	assert.Equal(t, "red-1", u.RedemptionID)
}

func TestInventory_ConcurrentReservationsNeverShareAUnit(t *testing.T) {
	// GIVEN: Three units and twenty redemptions racing for them
	s := newStore(t)
	seedBrand(t, s)
	ctx := context.Background()
	require.NoError(t, s.AddUnits(ctx, []inventory.Unit{
		unit("u1", "C1", inventory.PoolCSV, t0),
		unit("u2", "C2", inventory.PoolCSV, t0.Add(time.Second)),
		unit("u3", "C3", inventory.PoolCSV, t0.Add(2*time.Second)),
	}))
	src := inventory.NewPoolSource(inventory.PoolCSV, s)
	brand, err := s.GetBrand(ctx, "amazon")
	require.NoError(t, err)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		holder = map[string]string{}
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			red := fmt.Sprintf("red-%d", i)
			claim, err := src.TrySource(ctx, inventory.Request{RedemptionID: red, Brand: *brand, Denomination: usd("25")})
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			_, taken := holder[claim.Unit.ID]
			assert.False(t, taken, "unit %s claimed twice", claim.Unit.ID)
			holder[claim.Unit.ID] = red
		}(i)
	}
	wg.Wait()

	// THEN: At most one redemption per unit, and every unit is held
	assert.LessOrEqual(t, len(holder), 3)
	for id, red := range holder {
		u, err := s.GetUnit(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, red, u.RedemptionID)
	}
}

func TestInventory_ReleaseRequiresHolder(t *testing.T) {
	s := newStore(t)
	seedBrand(t, s)
	ctx := context.Background()
	require.NoError(t, s.AddUnits(ctx, []inventory.Unit{unit("u1", "C1", inventory.PoolAPI, t0)}))
	require.NoError(t, s.Reserve(ctx, "u1", "red-1", t0))

	assert.ErrorIs(t, s.Release(ctx, "u1", "red-2", ""), inventory.ErrReservationConflict)

	// Releasing into the buffer moves the card there.
	require.NoError(t, s.Release(ctx, "u1", "red-1", inventory.PoolBuffer))
	u, err := s.GetUnit(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, inventory.UnitAvailable, u.Status)
	assert.Equal(t, inventory.PoolBuffer, u.Pool)
	assert.Empty(t, u.RedemptionID)
	assert.Nil(t, u.ReservedAt)
}

func TestInventory_CountsBucketsAndExpiry(t *testing.T) {
	s := newStore(t)
	seedBrand(t, s)
	ctx := context.Background()

	soon := t0.Add(time.Hour)
	expiring := unit("u3", "C3", inventory.PoolCSV, t0)
	expiring.ExpiresAt = &soon
	require.NoError(t, s.AddUnits(ctx, []inventory.Unit{
		unit("u1", "C1", inventory.PoolCSV, t0),
		unit("u2", "C2", inventory.PoolCSV, t0),
		expiring,
		unit("b1", "B1", inventory.PoolBuffer, t0),
		unit("a1", "A1", inventory.PoolAPI, t0),
	}))
	require.NoError(t, s.Reserve(ctx, "u1", "red-1", t0))

	key := inventory.Key{Pool: inventory.PoolCSV, BrandID: "amazon", Denomination: usd("25")}
	c, err := s.Counts(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, inventory.Counts{Available: 2, Total: 3}, c)

	stock, err := s.Counts(ctx, inventory.Key{BrandID: "amazon", Denomination: usd("25")})
	require.NoError(t, err)
	assert.Equal(t, inventory.Counts{Available: 3, Total: 4}, stock)

	// WHEN: The expiry sweep runs after u3 expired
	n, err := s.ExpireUnits(ctx, soon.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, err = s.Counts(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, inventory.Counts{Available: 1, Total: 2}, c)

	buckets, err := s.Buckets(ctx)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, inventory.PoolBuffer, buckets[0].Pool)
	assert.Equal(t, inventory.PoolCSV, buckets[1].Pool)
	assert.True(t, buckets[1].Denomination.Equal(usd("25")))
}

func TestInventory_StaleReservations(t *testing.T) {
	s := newStore(t)
	seedBrand(t, s)
	ctx := context.Background()
	require.NoError(t, s.AddUnits(ctx, []inventory.Unit{
		unit("u1", "C1", inventory.PoolCSV, t0),
		unit("u2", "C2", inventory.PoolCSV, t0),
	}))
	require.NoError(t, s.Reserve(ctx, "u1", "red-1", t0.Add(-time.Hour)))
	require.NoError(t, s.Reserve(ctx, "u2", "red-2", t0))

	stale, err := s.StaleReservations(ctx, t0.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "u1", stale[0].ID)
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

func pendingRedemption(id, code string) provisioning.Redemption {
	return provisioning.Redemption{
		ID:              id,
		Code:            code,
		CampaignID:      "campaign-1",
		PayingAccountID: "client-c1",
		RecipientID:     "rcpt-1",
		BrandID:         "amazon",
		Denomination:    usd("25"),
		AmountBilled:    usd("25"),
		CreatedAt:       t0,
	}
}

func TestRedemptions_DuplicateCodeReturnsStored(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	first, err := s.CreatePending(ctx, pendingRedemption("red-1", "CODE"))
	require.NoError(t, err)
	assert.Equal(t, provisioning.StatusPending, first.Status)
	assert.Equal(t, 1, first.Attempts)

	again, err := s.CreatePending(ctx, pendingRedemption("red-2", "CODE"))
	assert.ErrorIs(t, err, provisioning.ErrDuplicateRedemption)
	require.NotNil(t, again)
	assert.Equal(t, "red-1", again.ID)

	_, err = s.GetRedemption(ctx, "red-2")
	assert.ErrorIs(t, err, provisioning.ErrRedemptionNotFound)
}

func TestRedemptions_CommitProvisionIsAtomic(t *testing.T) {
	// GIVEN: A pending redemption holding a reserved unit
	s := newStore(t)
	seedBrand(t, s)
	ctx := context.Background()
	require.NoError(t, s.AddUnits(ctx, []inventory.Unit{unit("u1", "C1", inventory.PoolCSV, t0)}))
	_, err := s.CreatePending(ctx, pendingRedemption("red-1", "CODE"))
	require.NoError(t, err)
	require.NoError(t, s.Reserve(ctx, "u1", "red-1", t0))
	require.NoError(t, s.RecordReservation(ctx, "red-1", inventory.PoolCSV, "u1", t0))

	entry, err := billing.NewEntry("red-1", credit.AccountClient, "client-c1", usd("25"), usd("23.50"), t0)
	require.NoError(t, err)
	entry.ID = "bill-1"

	// A billing entry already exists for the redemption: the commit must fail
	// without assigning the unit or moving the redemption.
	require.NoError(t, s.RecordEntry(ctx, entry))
	commit := provisioning.Commit{
		RedemptionID: "red-1", UnitID: "u1", Source: inventory.PoolCSV,
		TransactionID: "tx-1", AmountBilled: usd("25"), Entry: entry, At: t0,
	}
	commit.Entry.ID = "bill-2"
	err = s.CommitProvision(ctx, commit)
	assert.ErrorIs(t, err, billing.ErrDuplicateEntry)

	u, err := s.GetUnit(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, inventory.UnitReserved, u.Status)
	red, err := s.GetRedemption(ctx, "red-1")
	require.NoError(t, err)
	assert.Equal(t, provisioning.StatusPending, red.Status)
}

func TestRedemptions_CommitProvisionSucceeds(t *testing.T) {
	s := newStore(t)
	seedBrand(t, s)
	ctx := context.Background()
	require.NoError(t, s.AddUnits(ctx, []inventory.Unit{unit("u1", "C1", inventory.PoolCSV, t0)}))
	_, err := s.CreatePending(ctx, pendingRedemption("red-1", "CODE"))
	require.NoError(t, err)
	require.NoError(t, s.Reserve(ctx, "u1", "red-1", t0))

	entry, err := billing.NewEntry("red-1", credit.AccountClient, "client-c1", usd("25"), usd("23.50"), t0)
	require.NoError(t, err)
	entry.ID = "bill-1"
	entry.BrandID, entry.Denomination, entry.Source = "amazon", usd("25"), "csv"

	require.NoError(t, s.CommitProvision(ctx, provisioning.Commit{
		RedemptionID: "red-1", UnitID: "u1", Source: inventory.PoolCSV,
		TransactionID: "tx-1", AmountBilled: usd("25"), Entry: entry, At: t0,
	}))

	red, err := s.GetRedemption(ctx, "red-1")
	require.NoError(t, err)
	assert.Equal(t, provisioning.StatusProvisioned, red.Status)
	assert.Equal(t, "u1", red.CardReference)
	assert.Equal(t, credit.TransactionID("tx-1"), red.TransactionID)
	require.NotNil(t, red.ProvisionedAt)

	u, err := s.GetUnit(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, inventory.UnitAssigned, u.Status)

	entries, err := s.Entries(ctx, billing.Filter{EntityType: credit.AccountClient, EntityID: "client-c1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Profit.Equal(usd("1.50")))
	assert.Equal(t, "csv", entries[0].Source)

	// A second commit loses the race on the redemption.
	err = s.MarkFailed(ctx, "red-1", provisioning.ReasonAbandoned, t0)
	var trErr *provisioning.TransitionError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, provisioning.StatusProvisioned, trErr.From)
}

func TestRedemptions_Lifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.CreatePending(ctx, pendingRedemption("red-1", "CODE"))
	require.NoError(t, err)

	assert.ErrorIs(t, s.MarkDelivered(ctx, "red-1", t0), provisioning.ErrInvalidTransition)
	assert.ErrorIs(t, s.MarkFailed(ctx, "nope", "x", t0), provisioning.ErrRedemptionNotFound)

	require.NoError(t, s.RecordReservation(ctx, "red-1", inventory.PoolCSV, "u1", t0))
	require.NoError(t, s.MarkFailed(ctx, "red-1", provisioning.ReasonInsufficientFunds, t0))

	failed, err := s.GetRedemptionByCode(ctx, "CODE")
	require.NoError(t, err)
	assert.Equal(t, provisioning.StatusFailed, failed.Status)
	assert.Equal(t, provisioning.ReasonInsufficientFunds, failed.FailureReason)

	reset, err := s.ResetForRedrive(ctx, "red-1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, provisioning.StatusPending, reset.Status)
	assert.Equal(t, 2, reset.Attempts)
	assert.Empty(t, reset.CardReference)
	assert.Empty(t, reset.FailureReason)

	_, err = s.ResetForRedrive(ctx, "red-1", t0)
	assert.ErrorIs(t, err, provisioning.ErrInvalidTransition)
}

func TestRedemptions_StalePending(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	old := pendingRedemption("red-old", "A")
	old.CreatedAt = t0.Add(-time.Hour)
	_, err := s.CreatePending(ctx, old)
	require.NoError(t, err)
	_, err = s.CreatePending(ctx, pendingRedemption("red-new", "B"))
	require.NoError(t, err)

	stale, err := s.StalePending(ctx, t0.Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "red-old", stale[0].ID)
}

// =============================================================================
// BILLING
// =============================================================================

func TestBilling_EntriesFilterByEntityAndRange(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	record := func(id, red string, entity credit.AccountID, at time.Time) {
		e, err := billing.NewEntry(red, credit.AccountClient, entity, usd("25"), usd("23.50"), at)
		require.NoError(t, err)
		e.ID = id
		require.NoError(t, s.RecordEntry(ctx, e))
	}
	march := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	april := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	record("b1", "r1", "client-c1", march)
	record("b2", "r2", "client-c1", march.Add(20*24*time.Hour))
	record("b3", "r3", "client-c1", april)
	record("b4", "r4", "client-c2", march.Add(time.Hour))

	entries, err := s.Entries(ctx, billing.Filter{EntityType: credit.AccountClient, EntityID: "client-c1", From: march, To: april})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b1", entries[0].ID)
	assert.Equal(t, "b2", entries[1].ID)

	e, err := billing.NewEntry("r1", credit.AccountClient, "client-c1", usd("25"), usd("23.50"), april)
	require.NoError(t, err)
	e.ID = "b5"
	err = s.RecordEntry(ctx, e)
	assert.True(t, errors.Is(err, billing.ErrDuplicateEntry))

	all, err := s.Entries(ctx, billing.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)
}
