/*
waterfall.go - Provision a gift card through the ordered source chain

ALGORITHM:
  1. Idempotency    Existing redemption for the code is returned unchanged.
                    In-process duplicates collapse through singleflight,
                    cross-process duplicates through the UNIQUE code on the
                    pending insert.
  2. Reserve        Sources are tried in order (csv, api, buffer). csv is
                    skipped when its health is empty. Unavailable sources
                    fall through; any other error aborts.
  3. Debit          The paying account is charged the face value.
  4. Commit         Unit assigned + redemption provisioned + billing entry
                    in one store transaction.
  5. Notify         Hand-off to the delivery layer, not awaited.

COMPENSATION:
  Before the debit, caller cancellation releases the reservation and fails
  the redemption. From the debit on, work continues on a context detached
  from the caller: a failed commit refunds the debit, releases the unit and
  fails the redemption. No path leaves a unit reserved against a failed
  payment.

SEE ALSO:
  - inventory/source.go: Source chain members
  - reconciler.go: Recovery of runs that crashed between steps
*/
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/warp/credit-engine/billing"
	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/inventory"
	"github.com/warp/credit-engine/metrics"
	"github.com/warp/credit-engine/notify"
)

// CreditLedger is the part of the credit engine the waterfall needs.
type CreditLedger interface {
	Account(ctx context.Context, id credit.AccountID) (*credit.Account, error)
	Debit(ctx context.Context, id credit.AccountID, amount decimal.Decimal, redemptionID string) (credit.Posting, error)
	RefundRedemption(ctx context.Context, id credit.AccountID, redemptionID string) (credit.Posting, bool, error)
}

// HealthChecker reports live bucket health.
type HealthChecker interface {
	Health(ctx context.Context, key inventory.Key) (inventory.Health, error)
}

// Waterfall orchestrates provisioning.
type Waterfall struct {
	credit      CreditLedger
	inventory   inventory.Store
	redemptions Store
	sources     []inventory.Source
	health      HealthChecker
	notifier    notify.Notifier
	metrics     *metrics.Metrics
	log         zerolog.Logger
	now         func() time.Time
	newID       func() string

	flight singleflight.Group
}

// Option configures a Waterfall.
type Option func(*Waterfall)

// WithHealth enables the advisory csv skip.
func WithHealth(h HealthChecker) Option { return func(w *Waterfall) { w.health = h } }

func WithNotifier(n notify.Notifier) Option { return func(w *Waterfall) { w.notifier = n } }

func WithMetrics(m *metrics.Metrics) Option { return func(w *Waterfall) { w.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(w *Waterfall) { w.log = l } }

func WithClock(now func() time.Time) Option { return func(w *Waterfall) { w.now = now } }

func WithIDGenerator(fn func() string) Option { return func(w *Waterfall) { w.newID = fn } }

// NewWaterfall creates a waterfall trying sources in the given order.
func NewWaterfall(ledger CreditLedger, inv inventory.Store, redemptions Store, sources []inventory.Source, opts ...Option) *Waterfall {
	w := &Waterfall{
		credit:      ledger,
		inventory:   inv,
		redemptions: redemptions,
		sources:     sources,
		notifier:    notify.Noop{},
		log:         zerolog.Nop(),
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// =============================================================================
// PROVISION
// =============================================================================

// Provision returns the redemption for req.RedemptionCode, creating it and
// sourcing a card if it does not exist yet.
//
// Concurrent calls with the same code in this process share one execution,
// and therefore the first caller's context.
func (w *Waterfall) Provision(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	v, err, _ := w.flight.Do(req.RedemptionCode, func() (any, error) {
		return w.provision(ctx, req)
	})
	res, _ := v.(Result)
	return res, err
}

func (w *Waterfall) provision(ctx context.Context, req Request) (Result, error) {
	existing, err := w.redemptions.GetRedemptionByCode(ctx, req.RedemptionCode)
	switch {
	case err == nil:
		return w.replay(ctx, existing)
	case !errors.Is(err, ErrRedemptionNotFound):
		return Result{}, fmt.Errorf("lookup redemption %s: %w", req.RedemptionCode, err)
	}

	paying, brand, err := w.validate(ctx, req.CampaignID, req.PayingAccountID, req.BrandID)
	if err != nil {
		return Result{}, err
	}

	at := w.now().UTC()
	pending := Redemption{
		ID:              w.newID(),
		Code:            req.RedemptionCode,
		CampaignID:      req.CampaignID,
		PayingAccountID: req.PayingAccountID,
		RecipientID:     req.RecipientID,
		BrandID:         req.BrandID,
		Denomination:    req.Denomination,
		Status:          StatusPending,
		AmountBilled:    req.Denomination,
		Attempts:        1,
		CreatedAt:       at,
		UpdatedAt:       at,
	}
	stored, err := w.redemptions.CreatePending(ctx, pending)
	if errors.Is(err, ErrDuplicateRedemption) && stored != nil {
		return w.replay(ctx, stored)
	}
	if err != nil {
		return Result{}, fmt.Errorf("create redemption %s: %w", req.RedemptionCode, err)
	}

	return w.run(ctx, *stored, paying, brand)
}

// validate resolves the paying account and brand. Failures here are caller
// errors and leave no redemption behind.
func (w *Waterfall) validate(ctx context.Context, campaignID, payingID credit.AccountID, brandID string) (*credit.Account, *inventory.Brand, error) {
	campaign, err := w.credit.Account(ctx, campaignID)
	if err != nil {
		return nil, nil, err
	}
	if campaign.Type != credit.AccountCampaign {
		return nil, nil, &credit.HierarchyError{Child: campaign.Type, Reason: "redemptions belong to campaigns"}
	}

	paying, err := w.credit.Account(ctx, payingID)
	if err != nil {
		return nil, nil, err
	}
	if _, _, err := credit.BilledEntity(*paying); err != nil {
		return nil, nil, err
	}
	if err := w.requireAncestor(ctx, *campaign, paying.ID); err != nil {
		return nil, nil, err
	}

	brand, err := w.inventory.GetBrand(ctx, brandID)
	if err != nil {
		return nil, nil, err
	}
	if !brand.Enabled {
		return nil, nil, fmt.Errorf("%w: %s is disabled", inventory.ErrBrandNotFound, brandID)
	}
	return paying, brand, nil
}

// requireAncestor checks that payingID is the campaign or one of its
// ancestors below the platform.
func (w *Waterfall) requireAncestor(ctx context.Context, campaign credit.Account, payingID credit.AccountID) error {
	node := campaign
	for {
		if node.ID == payingID {
			return nil
		}
		if node.ParentID == "" || node.Type == credit.AccountAgency {
			return &credit.HierarchyError{Child: campaign.Type, Reason: "paying account is not an ancestor of the campaign"}
		}
		parent, err := w.credit.Account(ctx, node.ParentID)
		if err != nil {
			return err
		}
		node = *parent
	}
}

// run executes steps 2 to 5 for a pending redemption.
func (w *Waterfall) run(ctx context.Context, red Redemption, paying *credit.Account, brand *inventory.Brand) (Result, error) {
	started := w.now()
	log := w.log.With().Str("redemption_id", red.ID).Str("code", red.Code).Logger()

	claim, err := w.reserve(ctx, red, *brand)
	if err != nil {
		reason := ReasonNoInventory
		if ctx.Err() != nil {
			reason = ReasonCancelled
		} else if !errors.Is(err, ErrNoInventoryAvailable) {
			reason = ReasonStoreError
		}
		w.fail(ctx, &red, reason)
		w.metrics.Provision(StatusFailed.String(), "", w.now().Sub(started))
		log.Info().Str("reason", reason).Msg("no card sourced")
		return Result{Redemption: red}, err
	}
	log = log.With().Str("source", string(claim.Source)).Str("unit_id", claim.Unit.ID).Logger()

	if err := w.redemptions.RecordReservation(ctx, red.ID, claim.Source, claim.Unit.ID, w.now().UTC()); err != nil {
		w.abandon(ctx, &red, claim, ReasonStoreError, log)
		return Result{Redemption: red}, fmt.Errorf("record reservation: %w", err)
	}
	red.Source, red.CardReference = claim.Source, claim.Unit.ID

	if err := ctx.Err(); err != nil {
		w.abandon(ctx, &red, claim, ReasonCancelled, log)
		return Result{Redemption: red}, err
	}

	posting, err := w.credit.Debit(ctx, paying.ID, red.AmountBilled, red.ID)
	if err != nil {
		w.abandon(ctx, &red, claim, failureReason(err), log)
		w.metrics.Provision(StatusFailed.String(), claim.Source, w.now().Sub(started))
		return Result{Redemption: red}, err
	}
	w.metrics.Posting(string(credit.TxRedemption))

	// The debit is committed. Nothing below may be abandoned because the
	// caller went away.
	after := context.WithoutCancel(ctx)
	red.TransactionID = posting.Transaction.ID

	if err := w.redemptions.RecordDebit(after, red.ID, posting.Transaction.ID, red.AmountBilled, w.now().UTC()); err != nil {
		log.Warn().Err(err).Msg("could not record debit on redemption")
	}

	commit, err := w.commitFor(red, *paying, claim)
	if err == nil {
		err = w.redemptions.CommitProvision(after, commit)
	}
	if err != nil {
		w.compensateCommit(after, &red, paying.ID, claim, log)
		w.metrics.Provision(StatusFailed.String(), claim.Source, w.now().Sub(started))
		return Result{Redemption: red}, fmt.Errorf("commit redemption %s: %w", red.ID, err)
	}

	final, err := w.redemptions.GetRedemption(after, red.ID)
	if err != nil {
		return Result{}, fmt.Errorf("reload redemption %s: %w", red.ID, err)
	}

	w.handOff(after, *final, log)
	w.metrics.Provision(StatusProvisioned.String(), claim.Source, w.now().Sub(started))
	log.Info().Str("amount", red.AmountBilled.StringFixed(2)).Msg("redemption provisioned")

	card := claim.Unit.Card()
	return Result{Redemption: *final, Card: &card}, nil
}

// reserve walks the source chain.
func (w *Waterfall) reserve(ctx context.Context, red Redemption, brand inventory.Brand) (*inventory.Claim, error) {
	req := inventory.Request{RedemptionID: red.ID, Brand: brand, Denomination: red.Denomination}

	for _, src := range w.sources {
		if w.skip(ctx, src.Name(), brand.ID, red.Denomination) {
			w.metrics.Fallthrough(src.Name(), "empty")
			continue
		}

		claim, err := src.TrySource(ctx, req)
		if err == nil {
			return claim, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !inventory.IsUnavailable(err) {
			return nil, fmt.Errorf("source %s: %w", src.Name(), err)
		}

		w.metrics.Fallthrough(src.Name(), fallthroughReason(err))
		w.log.Debug().Err(err).Str("source", string(src.Name())).Str("redemption_id", red.ID).Msg("source unavailable")
	}
	return nil, ErrNoInventoryAvailable
}

// skip consults health for the csv pool only. A health error never skips.
func (w *Waterfall) skip(ctx context.Context, pool inventory.Pool, brandID string, denom decimal.Decimal) bool {
	if w.health == nil || pool != inventory.PoolCSV {
		return false
	}
	h, err := w.health.Health(ctx, inventory.Key{Pool: pool, BrandID: brandID, Denomination: denom})
	return err == nil && h.Status == inventory.HealthEmpty
}

func (w *Waterfall) commitFor(red Redemption, paying credit.Account, claim *inventory.Claim) (Commit, error) {
	entityType, entityID, err := credit.BilledEntity(paying)
	if err != nil {
		return Commit{}, err
	}
	at := w.now().UTC()
	entry, err := billing.NewEntry(red.ID, entityType, entityID, red.AmountBilled, claim.Unit.CostBasis, at)
	if err != nil {
		return Commit{}, err
	}
	entry.BrandID = red.BrandID
	entry.Denomination = red.Denomination
	entry.Source = string(claim.Source)

	return Commit{
		RedemptionID:  red.ID,
		UnitID:        claim.Unit.ID,
		Source:        claim.Source,
		TransactionID: red.TransactionID,
		AmountBilled:  red.AmountBilled,
		Entry:         entry,
		At:            at,
	}, nil
}

// =============================================================================
// COMPENSATION
// =============================================================================

// abandon releases a reservation and fails the redemption. Used before any
// money has moved.
func (w *Waterfall) abandon(ctx context.Context, red *Redemption, claim *inventory.Claim, reason string, log zerolog.Logger) {
	detached := context.WithoutCancel(ctx)
	if err := claim.Release(detached); err != nil {
		log.Error().Err(err).Msg("release reservation failed; reconciler will retry")
	} else {
		w.metrics.Compensation("release")
	}
	w.fail(detached, red, reason)
}

// compensateCommit undoes a committed debit after the final write failed.
func (w *Waterfall) compensateCommit(ctx context.Context, red *Redemption, payingID credit.AccountID, claim *inventory.Claim, log zerolog.Logger) {
	if _, _, err := w.credit.RefundRedemption(ctx, payingID, red.ID); err != nil {
		log.Error().Err(err).Msg("refund after failed commit failed; reconciler will retry")
	} else {
		w.metrics.Compensation("refund")
	}
	w.abandon(ctx, red, claim, ReasonCommitFailed, log)
}

func (w *Waterfall) fail(ctx context.Context, red *Redemption, reason string) {
	at := w.now().UTC()
	if err := w.redemptions.MarkFailed(context.WithoutCancel(ctx), red.ID, reason, at); err != nil {
		w.log.Error().Err(err).Str("redemption_id", red.ID).Str("reason", reason).Msg("mark redemption failed")
		return
	}
	red.Status, red.FailureReason, red.UpdatedAt = StatusFailed, reason, at
	w.metrics.Compensation("fail")
}

func (w *Waterfall) handOff(ctx context.Context, red Redemption, log zerolog.Logger) {
	err := w.notifier.Notify(ctx, notify.Event{
		Type:           notify.EventRedemptionProvisioned,
		RedemptionID:   red.ID,
		RedemptionCode: red.Code,
		CampaignID:     string(red.CampaignID),
		RecipientID:    red.RecipientID,
		BrandID:        red.BrandID,
		Denomination:   inventory.DenominationKey(red.Denomination),
		Source:         string(red.Source),
		OccurredAt:     w.now().UTC(),
	})
	if err != nil {
		log.Warn().Err(err).Msg("notification hand-off failed")
		w.metrics.Notification("handoff_failed")
	}
}

// =============================================================================
// REPLAY & OPERATOR ACTIONS
// =============================================================================

// replay returns a stored redemption as the outcome of a repeated call. A
// failed redemption replays its original error.
func (w *Waterfall) replay(ctx context.Context, red *Redemption) (Result, error) {
	res := Result{Redemption: *red, Replayed: true}
	if red.Status == StatusFailed {
		return res, &FailedError{RedemptionID: red.ID, Reason: red.FailureReason}
	}
	if red.CardReference != "" && (red.Status == StatusProvisioned || red.Status == StatusDelivered) {
		unit, err := w.inventory.GetUnit(ctx, red.CardReference)
		if err != nil {
			return Result{}, fmt.Errorf("load card for %s: %w", red.ID, err)
		}
		card := unit.Card()
		res.Card = &card
	}
	return res, nil
}

// Redemption looks a redemption up by code, with its card once provisioned.
func (w *Waterfall) Redemption(ctx context.Context, code string) (Result, error) {
	red, err := w.redemptions.GetRedemptionByCode(ctx, code)
	if err != nil {
		return Result{}, err
	}
	res, err := w.replay(ctx, red)
	var failed *FailedError
	if errors.As(err, &failed) {
		return res, nil
	}
	res.Replayed = false
	return res, err
}

// MarkDelivered records delivery confirmation from the notification layer.
func (w *Waterfall) MarkDelivered(ctx context.Context, id string) (*Redemption, error) {
	if err := w.redemptions.MarkDelivered(ctx, id, w.now().UTC()); err != nil {
		return nil, err
	}
	return w.redemptions.GetRedemption(ctx, id)
}

// Redrive re-runs a failed redemption under its original code.
func (w *Waterfall) Redrive(ctx context.Context, id string) (Result, error) {
	red, err := w.redemptions.GetRedemption(ctx, id)
	if err != nil {
		return Result{}, err
	}

	v, err, _ := w.flight.Do(red.Code, func() (any, error) {
		if red.Status != StatusFailed {
			return Result{}, &TransitionError{RedemptionID: red.ID, From: red.Status, To: StatusPending}
		}
		paying, brand, err := w.validate(ctx, red.CampaignID, red.PayingAccountID, red.BrandID)
		if err != nil {
			return Result{}, err
		}
		reset, err := w.redemptions.ResetForRedrive(ctx, red.ID, w.now().UTC())
		if err != nil {
			return Result{}, err
		}
		w.log.Info().Str("redemption_id", red.ID).Int("attempt", reset.Attempts).Msg("redriving redemption")
		return w.run(ctx, *reset, paying, brand)
	})
	res, _ := v.(Result)
	return res, err
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// FailedError is the replayed outcome of a failed redemption.
type FailedError struct {
	RedemptionID string
	Reason       string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("redemption %s failed: %s", e.RedemptionID, e.Reason)
}

// Unwrap maps the stored reason back onto the original error kind.
func (e *FailedError) Unwrap() error {
	switch e.Reason {
	case ReasonNoInventory:
		return ErrNoInventoryAvailable
	case ReasonInsufficientFunds:
		return credit.ErrInsufficientFunds
	case ReasonAccountSuspended:
		return credit.ErrAccountSuspended
	}
	return nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, credit.ErrInsufficientFunds):
		return ReasonInsufficientFunds
	case errors.Is(err, credit.ErrAccountSuspended):
		return ReasonAccountSuspended
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonCancelled
	}
	return ReasonDebitFailed
}

func fallthroughReason(err error) string {
	switch {
	case errors.Is(err, inventory.ErrNoUnitAvailable):
		return "empty"
	case errors.Is(err, inventory.ErrReservationConflict):
		return "conflict"
	}
	return "unavailable"
}
