package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/inventory"
	"github.com/warp/credit-engine/provisioning"
)

var _ provisioning.Store = (*Store)(nil)

// =============================================================================
// REDEMPTIONS
// =============================================================================

const redemptionColumns = `id, redemption_code, campaign_id, paying_account_id, recipient_id, brand_id,
	denomination, status, source, card_reference, credit_transaction_id, amount_billed, failure_reason,
	attempts, created_at, updated_at, provisioned_at, delivered_at`

// CreatePending inserts a pending redemption. The UNIQUE redemption_code is
// the idempotency guard: a clash returns the stored row.
func (s *Store) CreatePending(ctx context.Context, r provisioning.Redemption) (*provisioning.Redemption, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	if r.Attempts == 0 {
		r.Attempts = 1
	}

	var out *provisioning.Redemption
	dup := false
	err := s.write(ctx, func(q querier) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO redemptions
			(id, redemption_code, campaign_id, paying_account_id, recipient_id, brand_id, denomination,
			 status, amount_billed, attempts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?)
		`,
			r.ID, r.Code, string(r.CampaignID), string(r.PayingAccountID), r.RecipientID, r.BrandID,
			inventory.DenominationKey(r.Denomination), r.AmountBilled.String(), r.Attempts,
			formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
		)
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "redemption_code") {
			dup = true
			out, err = getRedemption(ctx, q, `redemption_code = ?`, r.Code)
			return err
		}
		if err != nil {
			return fmt.Errorf("failed to insert redemption: %w", err)
		}
		out, err = getRedemption(ctx, q, `id = ?`, r.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if dup {
		return out, fmt.Errorf("%w: %s", provisioning.ErrDuplicateRedemption, r.Code)
	}
	return out, nil
}

func (s *Store) GetRedemption(ctx context.Context, id string) (*provisioning.Redemption, error) {
	var out *provisioning.Redemption
	err := s.read(func(q querier) (err error) {
		out, err = getRedemption(ctx, q, `id = ?`, id)
		return err
	})
	return out, err
}

func (s *Store) GetRedemptionByCode(ctx context.Context, code string) (*provisioning.Redemption, error) {
	var out *provisioning.Redemption
	err := s.read(func(q querier) (err error) {
		out, err = getRedemption(ctx, q, `redemption_code = ?`, code)
		return err
	})
	return out, err
}

func (s *Store) RecordReservation(ctx context.Context, id string, source inventory.Pool, unitID string, at time.Time) error {
	return s.transition(ctx, id, provisioning.StatusPending, `
		UPDATE redemptions SET source = ?, card_reference = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, string(source), unitID, formatTime(at), id)
}

func (s *Store) RecordDebit(ctx context.Context, id string, txID credit.TransactionID, amount decimal.Decimal, at time.Time) error {
	return s.transition(ctx, id, provisioning.StatusPending, `
		UPDATE redemptions SET credit_transaction_id = ?, amount_billed = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, string(txID), amount.String(), formatTime(at), id)
}

// CommitProvision is the single transaction that makes a redemption final:
// the unit goes reserved -> assigned, the redemption pending -> provisioned
// and the billing entry is appended. Any conflict rolls back all three.
func (s *Store) CommitProvision(ctx context.Context, c provisioning.Commit) error {
	at := formatTime(c.At)
	return s.write(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx, `
			UPDATE inventory_units SET status = 'assigned', assigned_at = ?
			WHERE id = ? AND status = 'reserved' AND redemption_id = ?
		`, at, c.UnitID, c.RedemptionID)
		if err != nil {
			return fmt.Errorf("failed to assign unit: %w", err)
		}
		if err := unitTransitionResult(ctx, q, res, c.UnitID, inventory.UnitReserved, inventory.UnitAssigned); err != nil {
			return err
		}

		res, err = q.ExecContext(ctx, `
			UPDATE redemptions
			SET status = 'provisioned', source = ?, card_reference = ?, credit_transaction_id = ?,
			    amount_billed = ?, failure_reason = NULL, provisioned_at = ?, updated_at = ?
			WHERE id = ? AND status = 'pending'
		`, string(c.Source), c.UnitID, nullString(string(c.TransactionID)), c.AmountBilled.String(), at, at, c.RedemptionID)
		if err != nil {
			return fmt.Errorf("failed to mark redemption provisioned: %w", err)
		}
		if err := redemptionTransitionResult(ctx, q, res, c.RedemptionID, provisioning.StatusProvisioned); err != nil {
			return err
		}

		return insertEntry(ctx, q, c.Entry)
	})
}

func (s *Store) MarkFailed(ctx context.Context, id, reason string, at time.Time) error {
	return s.transition(ctx, id, provisioning.StatusFailed, `
		UPDATE redemptions SET status = 'failed', failure_reason = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, reason, formatTime(at), id)
}

func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	ts := formatTime(at)
	return s.transition(ctx, id, provisioning.StatusDelivered, `
		UPDATE redemptions SET status = 'delivered', delivered_at = ?, updated_at = ?
		WHERE id = ? AND status = 'provisioned'
	`, ts, ts, id)
}

// ResetForRedrive reopens a failed redemption for another waterfall run.
func (s *Store) ResetForRedrive(ctx context.Context, id string, at time.Time) (*provisioning.Redemption, error) {
	var out *provisioning.Redemption
	err := s.write(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx, `
			UPDATE redemptions
			SET status = 'pending', source = NULL, card_reference = NULL, credit_transaction_id = NULL,
			    failure_reason = NULL, attempts = attempts + 1, updated_at = ?
			WHERE id = ? AND status = 'failed'
		`, formatTime(at), id)
		if err != nil {
			return fmt.Errorf("failed to reset redemption: %w", err)
		}
		if err := redemptionTransitionResult(ctx, q, res, id, provisioning.StatusPending); err != nil {
			return err
		}
		out, err = getRedemption(ctx, q, `id = ?`, id)
		return err
	})
	return out, err
}

func (s *Store) StalePending(ctx context.Context, cutoff time.Time) ([]provisioning.Redemption, error) {
	var out []provisioning.Redemption
	err := s.read(func(q querier) error {
		rows, err := q.QueryContext(ctx, `
			SELECT `+redemptionColumns+` FROM redemptions
			WHERE status = 'pending' AND updated_at < ?
			ORDER BY updated_at ASC
		`, formatTime(cutoff))
		if err != nil {
			return fmt.Errorf("failed to query stale redemptions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRedemption(rows)
			if err != nil {
				return err
			}
			out = append(out, *r)
		}
		return rows.Err()
	})
	return out, err
}

// transition runs one conditional UPDATE on a redemption.
func (s *Store) transition(ctx context.Context, id string, to provisioning.Status, query string, args ...any) error {
	return s.write(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update redemption: %w", err)
		}
		return redemptionTransitionResult(ctx, q, res, id, to)
	})
}

func redemptionTransitionResult(ctx context.Context, q querier, res sql.Result, id string, to provisioning.Status) error {
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = q.QueryRowContext(ctx, `SELECT status FROM redemptions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", provisioning.ErrRedemptionNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read redemption status: %w", err)
	}
	return &provisioning.TransitionError{RedemptionID: id, From: provisioning.Status(status), To: to}
}

func getRedemption(ctx context.Context, q querier, where string, arg any) (*provisioning.Redemption, error) {
	row := q.QueryRowContext(ctx, `SELECT `+redemptionColumns+` FROM redemptions WHERE `+where, arg)
	r, err := scanRedemption(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %v", provisioning.ErrRedemptionNotFound, arg)
	}
	return r, err
}

func scanRedemption(row scanner) (*provisioning.Redemption, error) {
	var (
		r                             provisioning.Redemption
		campaignID, payingID          string
		denom, status, amount         string
		createdAt, updatedAt          string
		source, cardRef, txID, reason sql.NullString
		provisionedAt, deliveredAt    sql.NullString
	)
	err := row.Scan(&r.ID, &r.Code, &campaignID, &payingID, &r.RecipientID, &r.BrandID,
		&denom, &status, &source, &cardRef, &txID, &amount, &reason,
		&r.Attempts, &createdAt, &updatedAt, &provisionedAt, &deliveredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan redemption: %w", err)
	}

	r.CampaignID = credit.AccountID(campaignID)
	r.PayingAccountID = credit.AccountID(payingID)
	r.Status = provisioning.Status(status)
	r.Source = inventory.Pool(source.String)
	r.CardReference = cardRef.String
	r.TransactionID = credit.TransactionID(txID.String)
	r.FailureReason = reason.String

	if r.Denomination, err = parseDecimal(denom); err != nil {
		return nil, err
	}
	if r.AmountBilled, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if r.ProvisionedAt, err = parseNullTime(provisionedAt); err != nil {
		return nil, err
	}
	if r.DeliveredAt, err = parseNullTime(deliveredAt); err != nil {
		return nil, err
	}
	return &r, nil
}
