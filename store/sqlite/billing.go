package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/warp/credit-engine/billing"
	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/inventory"
)

var _ billing.Store = (*Store)(nil)

// =============================================================================
// BILLING LEDGER
// =============================================================================

// RecordEntry appends an entry. A second entry for the same redemption
// returns billing.ErrDuplicateEntry.
func (s *Store) RecordEntry(ctx context.Context, e billing.Entry) error {
	return s.write(ctx, func(q querier) error { return insertEntry(ctx, q, e) })
}

func insertEntry(ctx context.Context, q querier, e billing.Entry) error {
	denom := sql.NullString{}
	if !e.Denomination.IsZero() {
		denom = sql.NullString{String: inventory.DenominationKey(e.Denomination), Valid: true}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO billing_entries
		(id, redemption_id, billed_entity_type, billed_entity_id, brand_id, denomination, source,
		 amount_billed, cost_basis, profit, billed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.RedemptionID, string(e.EntityType), string(e.EntityID), nullString(e.BrandID), denom,
		nullString(e.Source), e.AmountBilled.String(), e.CostBasis.String(), e.Profit.String(),
		formatTime(e.BilledAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: redemption %s", billing.ErrDuplicateEntry, e.RedemptionID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert billing entry: %w", err)
	}
	return nil
}

// Entries returns the entries matching f, oldest first.
func (s *Store) Entries(ctx context.Context, f billing.Filter) ([]billing.Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.EntityType != "" {
		where = append(where, "billed_entity_type = ?")
		args = append(args, string(f.EntityType))
	}
	if f.EntityID != "" {
		where = append(where, "billed_entity_id = ?")
		args = append(args, string(f.EntityID))
	}
	if !f.From.IsZero() {
		where = append(where, "billed_at >= ?")
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "billed_at < ?")
		args = append(args, formatTime(f.To))
	}

	query := `
		SELECT id, redemption_id, billed_entity_type, billed_entity_id, brand_id, denomination, source,
		       amount_billed, cost_basis, profit, billed_at
		FROM billing_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY billed_at ASC, rowid ASC"

	var out []billing.Entry
	err := s.read(func(q querier) error {
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query billing entries: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

func scanEntry(row scanner) (billing.Entry, error) {
	var (
		e                      billing.Entry
		entityType, entityID   string
		billed, cost, profit   string
		billedAt               string
		brandID, denom, source sql.NullString
	)
	err := row.Scan(&e.ID, &e.RedemptionID, &entityType, &entityID, &brandID, &denom, &source,
		&billed, &cost, &profit, &billedAt)
	if err != nil {
		return e, fmt.Errorf("failed to scan billing entry: %w", err)
	}
	e.EntityType = credit.AccountType(entityType)
	e.EntityID = credit.AccountID(entityID)
	e.BrandID = brandID.String
	e.Source = source.String
	if denom.Valid {
		if e.Denomination, err = parseDecimal(denom.String); err != nil {
			return e, err
		}
	}
	if e.AmountBilled, err = parseDecimal(billed); err != nil {
		return e, err
	}
	if e.CostBasis, err = parseDecimal(cost); err != nil {
		return e, err
	}
	if e.Profit, err = parseDecimal(profit); err != nil {
		return e, err
	}
	if e.BilledAt, err = parseTime(billedAt); err != nil {
		return e, err
	}
	return e, nil
}
