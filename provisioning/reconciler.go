package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/credit-engine/inventory"
)

// Reconciler repairs redemptions whose waterfall run never finished, for
// example because the process died between the debit and the commit.
//
// A pending redemption untouched for longer than the cutoff is abandoned:
// any outstanding debit is refunded and it is marked failed. Units still
// reserved past the cutoff are released unless their redemption is still
// pending and fresh.
type Reconciler struct {
	credit      CreditLedger
	inventory   inventory.Store
	redemptions Store
	log         zerolog.Logger
	now         func() time.Time
}

// SweepResult counts what one sweep repaired.
type SweepResult struct {
	Abandoned int
	Refunded  int
	Released  int
}

// NewReconciler creates a reconciler.
func NewReconciler(ledger CreditLedger, inv inventory.Store, redemptions Store, log zerolog.Logger) *Reconciler {
	return &Reconciler{credit: ledger, inventory: inv, redemptions: redemptions, log: log, now: time.Now}
}

// Sweep repairs everything older than olderThan. Errors on single items are
// logged and the sweep continues; the first one is returned.
func (r *Reconciler) Sweep(ctx context.Context, olderThan time.Duration) (SweepResult, error) {
	var (
		res      SweepResult
		firstErr error
	)
	cutoff := r.now().UTC().Add(-olderThan)
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	stale, err := r.redemptions.StalePending(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("list stale redemptions: %w", err)
	}
	for _, red := range stale {
		abandoned, refunded, err := r.abandon(ctx, red)
		if err != nil {
			r.log.Error().Err(err).Str("redemption_id", red.ID).Msg("abandon stale redemption")
			note(err)
		}
		if abandoned {
			res.Abandoned++
		}
		if refunded {
			res.Refunded++
		}
	}

	units, err := r.inventory.StaleReservations(ctx, cutoff)
	if err != nil {
		note(fmt.Errorf("list stale reservations: %w", err))
		return res, firstErr
	}
	for _, u := range units {
		released, err := r.release(ctx, u)
		if err != nil {
			r.log.Error().Err(err).Str("unit_id", u.ID).Msg("release stale reservation")
			note(err)
			continue
		}
		if released {
			res.Released++
		}
	}

	if res.Abandoned+res.Released > 0 {
		r.log.Info().
			Int("abandoned", res.Abandoned).
			Int("refunded", res.Refunded).
			Int("released", res.Released).
			Msg("reconciler sweep repaired redemptions")
	}
	return res, firstErr
}

func (r *Reconciler) abandon(ctx context.Context, red Redemption) (abandoned, refunded bool, err error) {
	// Fail first: once the row is failed a late commit from the original
	// run is rejected, so the refund below cannot race a provisioned card.
	err = r.redemptions.MarkFailed(ctx, red.ID, ReasonAbandoned, r.now().UTC())
	if errors.Is(err, ErrInvalidTransition) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	_, refunded, err = r.credit.RefundRedemption(ctx, red.PayingAccountID, red.ID)
	if err != nil {
		return true, false, fmt.Errorf("refund %s: %w", red.ID, err)
	}
	return true, refunded, nil
}

func (r *Reconciler) release(ctx context.Context, u inventory.Unit) (bool, error) {
	red, err := r.redemptions.GetRedemption(ctx, u.RedemptionID)
	switch {
	case errors.Is(err, ErrRedemptionNotFound):
	case err != nil:
		return false, err
	case red.Status == StatusPending:
		// Still in flight, or its abandon failed above and will be retried.
		return false, nil
	}

	pool := inventory.Pool("")
	if u.Pool == inventory.PoolAPI {
		pool = inventory.PoolBuffer
	}
	err = r.inventory.Release(ctx, u.ID, u.RedemptionID, pool)
	if errors.Is(err, inventory.ErrReservationConflict) {
		return false, nil
	}
	return err == nil, err
}
