package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/credit-engine/inventory"
)

var _ inventory.Store = (*Store)(nil)

// =============================================================================
// BRANDS
// =============================================================================

// SaveBrand inserts or updates a brand.
func (s *Store) SaveBrand(ctx context.Context, b inventory.Brand) error {
	if b.ID == "" || b.Name == "" {
		return fmt.Errorf("%w: brand id and name are required", inventory.ErrInvalidUnit)
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now()
	}
	return s.write(ctx, func(q querier) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO brands (id, name, provider_code, enabled, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				provider_code = excluded.provider_code,
				enabled = excluded.enabled
		`, b.ID, b.Name, nullString(b.ProviderCode), b.Enabled, formatTime(b.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to save brand: %w", err)
		}
		return nil
	})
}

func (s *Store) GetBrand(ctx context.Context, id string) (*inventory.Brand, error) {
	var out *inventory.Brand
	err := s.read(func(q querier) error {
		row := q.QueryRowContext(ctx, `SELECT id, name, provider_code, enabled, created_at FROM brands WHERE id = ?`, id)
		b, err := scanBrand(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", inventory.ErrBrandNotFound, id)
		}
		out = b
		return err
	})
	return out, err
}

func (s *Store) ListBrands(ctx context.Context) ([]inventory.Brand, error) {
	var out []inventory.Brand
	err := s.read(func(q querier) error {
		rows, err := q.QueryContext(ctx, `SELECT id, name, provider_code, enabled, created_at FROM brands ORDER BY id`)
		if err != nil {
			return fmt.Errorf("failed to query brands: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			b, err := scanBrand(rows)
			if err != nil {
				return err
			}
			out = append(out, *b)
		}
		return rows.Err()
	})
	return out, err
}

func scanBrand(row scanner) (*inventory.Brand, error) {
	var (
		b            inventory.Brand
		providerCode sql.NullString
		createdAt    string
	)
	if err := row.Scan(&b.ID, &b.Name, &providerCode, &b.Enabled, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan brand: %w", err)
	}
	b.ProviderCode = providerCode.String
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	b.CreatedAt = t
	return &b, nil
}

// =============================================================================
// UNITS
// =============================================================================

const unitColumns = `id, brand_id, denomination, pool, status, card_code, card_number, expires_at,
	cost_basis, redemption_id, reserved_at, created_at`

// AddUnits loads units in one transaction. A duplicate card code rejects
// the whole batch.
func (s *Store) AddUnits(ctx context.Context, units []inventory.Unit) error {
	now := s.now()
	for i := range units {
		if err := validateUnit(&units[i], now); err != nil {
			return err
		}
	}

	return s.write(ctx, func(q querier) error {
		for _, u := range units {
			_, err := q.ExecContext(ctx, `
				INSERT INTO inventory_units
				(id, brand_id, denomination, pool, status, card_code, card_number, expires_at,
				 cost_basis, redemption_id, reserved_at, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				u.ID, u.BrandID, inventory.DenominationKey(u.Denomination), string(u.Pool), string(u.Status),
				u.CardCode, nullString(u.CardNumber), nullTime(u.ExpiresAt),
				u.CostBasis.String(), nullString(u.RedemptionID), nullTime(u.ReservedAt), formatTime(u.CreatedAt),
			)
			switch {
			case err == nil:
			case isUniqueConstraintError(err) && strings.Contains(err.Error(), "card_code"):
				return fmt.Errorf("%w: brand %s card %s", inventory.ErrDuplicateCard, u.BrandID, u.CardCode)
			case isUniqueConstraintError(err):
				return fmt.Errorf("%w: unit id %s already exists", inventory.ErrInvalidUnit, u.ID)
			case isForeignKeyError(err):
				return fmt.Errorf("%w: %s", inventory.ErrBrandNotFound, u.BrandID)
			default:
				return fmt.Errorf("failed to insert unit: %w", err)
			}
		}
		return nil
	})
}

func validateUnit(u *inventory.Unit, now time.Time) error {
	switch {
	case u.ID == "":
		return fmt.Errorf("%w: id is required", inventory.ErrInvalidUnit)
	case u.BrandID == "":
		return fmt.Errorf("%w: brand is required", inventory.ErrInvalidUnit)
	case u.CardCode == "":
		return fmt.Errorf("%w: card code is required", inventory.ErrInvalidUnit)
	case !u.Pool.Valid():
		return fmt.Errorf("%w: unknown pool %q", inventory.ErrInvalidUnit, u.Pool)
	case !u.Denomination.IsPositive():
		return fmt.Errorf("%w: denomination must be positive", inventory.ErrInvalidUnit)
	case u.CostBasis.IsNegative():
		return fmt.Errorf("%w: cost basis must not be negative", inventory.ErrInvalidUnit)
	}
	if u.Status == "" {
		u.Status = inventory.UnitAvailable
	}
	if u.Status == inventory.UnitReserved && u.RedemptionID == "" {
		return fmt.Errorf("%w: reserved unit needs a redemption", inventory.ErrInvalidUnit)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	return nil
}

func (s *Store) GetUnit(ctx context.Context, id string) (*inventory.Unit, error) {
	var out *inventory.Unit
	err := s.read(func(q querier) error {
		u, err := scanUnit(q.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM inventory_units WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", inventory.ErrUnitNotFound, id)
		}
		out = u
		return err
	})
	return out, err
}

// ClaimNext reserves the oldest unexpired available unit of the bucket in
// one statement. The candidate is chosen and swapped inside the same UPDATE,
// so a concurrent claimer can never take it between the pick and the write.
func (s *Store) ClaimNext(ctx context.Context, key inventory.Key, redemptionID string, at time.Time) (*inventory.Unit, error) {
	var out *inventory.Unit
	err := s.write(ctx, func(q querier) error {
		row := q.QueryRowContext(ctx, `
			UPDATE inventory_units
			SET status = 'reserved', redemption_id = ?, reserved_at = ?
			WHERE status = 'available' AND id = (
				SELECT id FROM inventory_units
				WHERE pool = ? AND brand_id = ? AND denomination = ? AND status = 'available'
				  AND (expires_at IS NULL OR expires_at > ?)
				ORDER BY created_at ASC, rowid ASC
				LIMIT 1
			)
			RETURNING `+unitColumns+`
		`, redemptionID, formatTime(at),
			string(key.Pool), key.BrandID, inventory.DenominationKey(key.Denomination), formatTime(at))
		u, err := scanUnit(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s %s %s", inventory.ErrNoUnitAvailable,
				key.Pool, key.BrandID, inventory.DenominationKey(key.Denomination))
		}
		if err != nil {
			return fmt.Errorf("failed to claim unit: %w", err)
		}
		out = u
		return nil
	})
	return out, err
}

// Reserve is the compare-and-swap that guarantees a card is held by at most
// one redemption.
func (s *Store) Reserve(ctx context.Context, unitID, redemptionID string, at time.Time) error {
	return s.write(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx, `
			UPDATE inventory_units
			SET status = 'reserved', redemption_id = ?, reserved_at = ?
			WHERE id = ? AND status = 'available'
		`, redemptionID, formatTime(at), unitID)
		if err != nil {
			return fmt.Errorf("failed to reserve unit: %w", err)
		}
		return unitTransitionResult(ctx, q, res, unitID, inventory.UnitAvailable, inventory.UnitReserved)
	})
}

func (s *Store) Release(ctx context.Context, unitID, redemptionID string, pool inventory.Pool) error {
	if pool != "" && !pool.Valid() {
		return fmt.Errorf("%w: unknown pool %q", inventory.ErrInvalidUnit, pool)
	}
	return s.write(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx, `
			UPDATE inventory_units
			SET status = 'available', redemption_id = NULL, reserved_at = NULL,
			    pool = COALESCE(NULLIF(?, ''), pool)
			WHERE id = ? AND status = 'reserved' AND redemption_id = ?
		`, string(pool), unitID, redemptionID)
		if err != nil {
			return fmt.Errorf("failed to release unit: %w", err)
		}
		return unitTransitionResult(ctx, q, res, unitID, inventory.UnitReserved, inventory.UnitAvailable)
	})
}

// unitTransitionResult turns a zero-row conditional update into the precise
// error: the unit is missing or it is in another state.
func unitTransitionResult(ctx context.Context, q querier, res sql.Result, unitID string, from, to inventory.UnitStatus) error {
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = q.QueryRowContext(ctx, `SELECT status FROM inventory_units WHERE id = ?`, unitID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", inventory.ErrUnitNotFound, unitID)
	}
	if err != nil {
		return fmt.Errorf("failed to read unit status: %w", err)
	}
	return &inventory.ReservationError{UnitID: unitID, From: from, To: to}
}

func (s *Store) StaleReservations(ctx context.Context, cutoff time.Time) ([]inventory.Unit, error) {
	var out []inventory.Unit
	err := s.read(func(q querier) error {
		rows, err := q.QueryContext(ctx, `
			SELECT `+unitColumns+` FROM inventory_units
			WHERE status = 'reserved' AND reserved_at < ?
			ORDER BY reserved_at ASC
		`, formatTime(cutoff))
		if err != nil {
			return fmt.Errorf("failed to query reservations: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			u, err := scanUnit(rows)
			if err != nil {
				return err
			}
			out = append(out, *u)
		}
		return rows.Err()
	})
	return out, err
}

// ExpireUnits only touches available units. A reserved unit past its expiry
// is left to its redemption.
func (s *Store) ExpireUnits(ctx context.Context, now time.Time) (int, error) {
	var n int64
	err := s.write(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx, `
			UPDATE inventory_units SET status = 'expired'
			WHERE status = 'available' AND expires_at IS NOT NULL AND expires_at <= ?
		`, formatTime(now))
		if err != nil {
			return fmt.Errorf("failed to expire units: %w", err)
		}
		n, err = affected(res)
		return err
	})
	return int(n), err
}

// Counts returns available and total (non-expired) units of a bucket. An
// empty pool aggregates csv and buffer.
func (s *Store) Counts(ctx context.Context, key inventory.Key) (inventory.Counts, error) {
	var c inventory.Counts
	poolClause := `pool = ?`
	args := []any{string(key.Pool)}
	if key.Pool == "" {
		poolClause = `pool IN (?, ?)`
		args = []any{string(inventory.PoolCSV), string(inventory.PoolBuffer)}
	}
	args = append(args, key.BrandID, inventory.DenominationKey(key.Denomination))

	err := s.read(func(q querier) error {
		err := q.QueryRowContext(ctx, `
			SELECT
				COALESCE(SUM(CASE WHEN status = 'available' THEN 1 ELSE 0 END), 0),
				COUNT(*)
			FROM inventory_units
			WHERE `+poolClause+` AND brand_id = ? AND denomination = ? AND status != 'expired'
		`, args...).Scan(&c.Available, &c.Total)
		if err != nil {
			return fmt.Errorf("failed to count units: %w", err)
		}
		return nil
	})
	return c, err
}

// Buckets lists stocked buckets (csv and buffer) with at least one
// unexpired unit. API units are intentionally absent.
func (s *Store) Buckets(ctx context.Context) ([]inventory.Key, error) {
	var out []inventory.Key
	err := s.read(func(q querier) error {
		rows, err := q.QueryContext(ctx, `
			SELECT DISTINCT pool, brand_id, denomination FROM inventory_units
			WHERE pool IN ('csv', 'buffer') AND status != 'expired'
			ORDER BY pool, brand_id, denomination
		`)
		if err != nil {
			return fmt.Errorf("failed to query buckets: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var pool, brandID, denom string
			if err := rows.Scan(&pool, &brandID, &denom); err != nil {
				return fmt.Errorf("failed to scan bucket: %w", err)
			}
			d, err := parseDecimal(denom)
			if err != nil {
				return err
			}
			out = append(out, inventory.Key{Pool: inventory.Pool(pool), BrandID: brandID, Denomination: d})
		}
		return rows.Err()
	})
	return out, err
}

func scanUnit(row scanner) (*inventory.Unit, error) {
	var (
		u                        inventory.Unit
		denom, pool, status      string
		costBasis, createdAt     string
		cardNumber, redemptionID sql.NullString
		expiresAt, reservedAt    sql.NullString
	)
	err := row.Scan(&u.ID, &u.BrandID, &denom, &pool, &status, &u.CardCode, &cardNumber, &expiresAt,
		&costBasis, &redemptionID, &reservedAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan unit: %w", err)
	}

	u.Pool = inventory.Pool(pool)
	u.Status = inventory.UnitStatus(status)
	u.CardNumber = cardNumber.String
	u.RedemptionID = redemptionID.String
	if u.Denomination, err = parseDecimal(denom); err != nil {
		return nil, err
	}
	if u.CostBasis, err = parseDecimal(costBasis); err != nil {
		return nil, err
	}
	if u.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, err
	}
	if u.ReservedAt, err = parseNullTime(reservedAt); err != nil {
		return nil, err
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &u, nil
}
