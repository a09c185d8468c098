package provisioning_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/inventory"
	"github.com/warp/credit-engine/provisioning"
)

// crashAfterDebit leaves the state a process death between the debit and the
// commit would: pending redemption, reserved unit, debited account.
func crashAfterDebit(t *testing.T, e *env, id, code, unitID string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	_, err := e.store.CreatePending(ctx, provisioning.Redemption{
		ID:              id,
		Code:            code,
		CampaignID:      "campaign-1",
		PayingAccountID: "client-c1",
		RecipientID:     "rcpt-1",
		BrandID:         "amazon",
		Denomination:    usd("25"),
		AmountBilled:    usd("25"),
		CreatedAt:       at,
	})
	require.NoError(t, err)
	require.NoError(t, e.store.Reserve(ctx, unitID, id, at))
	require.NoError(t, e.store.RecordReservation(ctx, id, inventory.PoolCSV, unitID, at))
	_, err = e.engine.Debit(ctx, "client-c1", usd("25"), id)
	require.NoError(t, err)
}

func TestReconciler_SweepRepairsAbandonedRedemptions(t *testing.T) {
	// GIVEN: A redemption that crashed an hour ago after its debit
	e := newEnv(t)
	e.stock(t, inventory.PoolCSV, "25", "23.50", "AMZ-0001", "AMZ-0002")
	ctx := context.Background()
	crashAfterDebit(t, e, "red-crashed", "R-CRASH", "csv-AMZ-0001", time.Now().UTC().Add(-time.Hour))
	require.True(t, e.balance(t, "client-c1").Equal(usd("75")))

	r := provisioning.NewReconciler(e.engine, e.store, e.store, zerolog.Nop())

	// WHEN: The reconciler sweeps with a 15 minute cutoff
	res, err := r.Sweep(ctx, 15*time.Minute)
	require.NoError(t, err)

	// THEN: The debit is refunded, the card released, the redemption failed
	assert.Equal(t, provisioning.SweepResult{Abandoned: 1, Refunded: 1, Released: 1}, res)
	assert.True(t, e.balance(t, "client-c1").Equal(usd("100")))

	red, err := e.store.GetRedemption(ctx, "red-crashed")
	require.NoError(t, err)
	assert.Equal(t, provisioning.StatusFailed, red.Status)
	assert.Equal(t, provisioning.ReasonAbandoned, red.FailureReason)

	u, err := e.store.GetUnit(ctx, "csv-AMZ-0001")
	require.NoError(t, err)
	assert.Equal(t, inventory.UnitAvailable, u.Status)

	// AND: A second sweep finds nothing to do
	res, err = r.Sweep(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, provisioning.SweepResult{}, res)

	txs, err := e.store.TransactionsByRedemption(ctx, "red-crashed")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, credit.TxRefund, txs[1].Type)
}

func TestReconciler_LeavesFreshWorkAlone(t *testing.T) {
	e := newEnv(t)
	e.stock(t, inventory.PoolCSV, "25", "23.50", "AMZ-0001")
	ctx := context.Background()
	crashAfterDebit(t, e, "red-fresh", "R-FRESH", "csv-AMZ-0001", time.Now().UTC())

	res, err := provisioning.NewReconciler(e.engine, e.store, e.store, zerolog.Nop()).Sweep(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, provisioning.SweepResult{}, res)

	red, err := e.store.GetRedemption(ctx, "red-fresh")
	require.NoError(t, err)
	assert.Equal(t, provisioning.StatusPending, red.Status)
}

func TestReconciler_ReleasesOrphanReservation(t *testing.T) {
	// GIVEN: A unit reserved by a redemption that was never written
	e := newEnv(t)
	e.stock(t, inventory.PoolCSV, "25", "23.50", "AMZ-0001")
	ctx := context.Background()
	require.NoError(t, e.store.Reserve(ctx, "csv-AMZ-0001", "red-ghost", time.Now().UTC().Add(-time.Hour)))

	res, err := provisioning.NewReconciler(e.engine, e.store, e.store, zerolog.Nop()).Sweep(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Released)
	assert.Equal(t, 0, res.Abandoned)

	u, err := e.store.GetUnit(ctx, "csv-AMZ-0001")
	require.NoError(t, err)
	assert.Equal(t, inventory.UnitAvailable, u.Status)
}

func TestReconciler_AbandonedWithoutDebitRefundsNothing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.store.CreatePending(ctx, provisioning.Redemption{
		ID: "red-early", Code: "R-EARLY", CampaignID: "campaign-1", PayingAccountID: "client-c1",
		RecipientID: "rcpt-1", BrandID: "amazon", Denomination: usd("25"), AmountBilled: usd("25"),
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	})
	require.NoError(t, err)

	res, err := provisioning.NewReconciler(e.engine, e.store, e.store, zerolog.Nop()).Sweep(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, provisioning.SweepResult{Abandoned: 1}, res)
	assert.True(t, e.balance(t, "client-c1").Equal(usd("100")))
}
