package inventory

import (
	"context"
	"time"
)

// Store persists brands and inventory units. Status changes only happen
// through the conditional transitions below; there is no generic update.
type Store interface {
	SaveBrand(ctx context.Context, b Brand) error
	GetBrand(ctx context.Context, id string) (*Brand, error)
	ListBrands(ctx context.Context) ([]Brand, error)

	// AddUnits inserts units atomically. Returns ErrDuplicateCard on a
	// card code clash within a brand.
	AddUnits(ctx context.Context, units []Unit) error
	GetUnit(ctx context.Context, id string) (*Unit, error)

	// ClaimNext atomically reserves the oldest unexpired available unit of
	// the bucket for redemptionID, or returns ErrNoUnitAvailable. Picking
	// and reserving are one write, so it never loses a race to another
	// claimer while stock remains.
	ClaimNext(ctx context.Context, key Key, redemptionID string, at time.Time) (*Unit, error)

	// Reserve moves a unit available -> reserved for redemptionID. The update
	// is conditional on the unit still being available; otherwise it returns
	// a *ReservationError.
	Reserve(ctx context.Context, unitID, redemptionID string, at time.Time) error

	// Release moves a unit reserved -> available, only if it is still
	// reserved by redemptionID. When pool is non-empty the unit also moves
	// to that pool.
	Release(ctx context.Context, unitID, redemptionID string, pool Pool) error

	// StaleReservations lists units still reserved since before cutoff.
	StaleReservations(ctx context.Context, cutoff time.Time) ([]Unit, error)

	// ExpireUnits marks available units whose card expired before now.
	ExpireUnits(ctx context.Context, now time.Time) (int, error)

	// Counts returns stock for a bucket.
	Counts(ctx context.Context, key Key) (Counts, error)

	// Buckets lists every (pool, brand, denomination) holding stock.
	Buckets(ctx context.Context) ([]Key, error)
}
