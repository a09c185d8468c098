package inventory

import (
	"errors"
	"fmt"
)

var (
	// ErrBrandNotFound is returned for unknown or disabled brands.
	ErrBrandNotFound = errors.New("brand not found")

	// ErrUnitNotFound is returned when a unit ID doesn't exist.
	ErrUnitNotFound = errors.New("inventory unit not found")

	// ErrDuplicateCard is returned when a card code is loaded twice.
	ErrDuplicateCard = errors.New("duplicate card code")

	// ErrNoUnitAvailable means a pool has no available unit for the bucket.
	ErrNoUnitAvailable = errors.New("no inventory unit available")

	// ErrReservationConflict means the conditional status update lost a race.
	ErrReservationConflict = errors.New("reservation conflict")

	// ErrProviderUnavailable wraps every failure of the external issuance API.
	ErrProviderUnavailable = errors.New("card provider unavailable")

	// ErrInvalidUnit is returned when a unit fails validation on load.
	ErrInvalidUnit = errors.New("invalid inventory unit")
)

// IsUnavailable reports whether a source failure should fall through to the
// next source in the waterfall rather than abort provisioning.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrNoUnitAvailable) ||
		errors.Is(err, ErrReservationConflict) ||
		errors.Is(err, ErrProviderUnavailable)
}

// ReservationError names the unit whose conditional transition failed.
type ReservationError struct {
	UnitID string
	From   UnitStatus
	To     UnitStatus
}

func (e *ReservationError) Error() string {
	return fmt.Sprintf("reservation conflict: unit %s is no longer %s (wanted %s)", e.UnitID, e.From, e.To)
}

func (e *ReservationError) Unwrap() error {
	return ErrReservationConflict
}
