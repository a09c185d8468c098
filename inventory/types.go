/*
Package inventory owns the physical gift-card supply.

PURPOSE:
  Three independently owned supply mechanisms feed the provisioning
  waterfall:
    csv     Pre-loaded inventory per brand/denomination
    api     Cards issued on demand by the third-party provider
    buffer  Shared, admin-replenished reserve used as last resort

  Cards from every pool are persisted as Units, so a redemption always
  points at exactly one unit regardless of where the card came from.

UNIT LIFECYCLE:
  available -> reserved -> assigned   (monotonic)
  reserved  -> available              (release on downstream failure)
  available -> expired                (expiry sweep)

  "reserved" is short-lived. It is only ever entered through a conditional
  update that requires the row to still be available, so two callers can
  never hold the same card.

SEE ALSO:
  - source.go: Pool and API sources used by the waterfall
  - health.go: Availability classification
  - store/sqlite/inventory.go: Conditional-update reservation
*/
package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// POOLS & STATUS
// =============================================================================

// Pool identifies which supply mechanism a unit belongs to. It doubles as the
// redemption source recorded on provisioning.
type Pool string

const (
	PoolCSV    Pool = "csv"
	PoolAPI    Pool = "api"
	PoolBuffer Pool = "buffer"
)

// Valid reports whether p is a known pool.
func (p Pool) Valid() bool {
	return p == PoolCSV || p == PoolAPI || p == PoolBuffer
}

type UnitStatus string

const (
	UnitAvailable UnitStatus = "available"
	UnitReserved  UnitStatus = "reserved"
	UnitAssigned  UnitStatus = "assigned"
	UnitExpired   UnitStatus = "expired"
)

// =============================================================================
// BRAND
// =============================================================================

// Brand is a gift-card brand. ProviderCode is the brand identifier used by the
// external issuance API; brands without one cannot be sourced from the API.
type Brand struct {
	ID           string
	Name         string
	ProviderCode string
	Enabled      bool
	CreatedAt    time.Time
}

// =============================================================================
// UNIT
// =============================================================================

// Unit is one physical gift card.
type Unit struct {
	ID           string
	BrandID      string
	Denomination decimal.Decimal
	Pool         Pool
	Status       UnitStatus
	CardCode     string
	CardNumber   string
	ExpiresAt    *time.Time
	CostBasis    decimal.Decimal
	RedemptionID string
	ReservedAt   *time.Time
	CreatedAt    time.Time
}

// Card returns the deliverable payload of the unit.
func (u Unit) Card() Card {
	return Card{UnitID: u.ID, Code: u.CardCode, Number: u.CardNumber, ExpiresAt: u.ExpiresAt}
}

// Card is the payload handed to the recipient.
type Card struct {
	UnitID    string
	Code      string
	Number    string
	ExpiresAt *time.Time
}

// Key identifies a stock bucket. An empty Pool means every stocked pool
// (csv and buffer); API-issued units are never counted as stock.
type Key struct {
	Pool         Pool
	BrandID      string
	Denomination decimal.Decimal
}

// DenominationKey formats a denomination the way it is stored and compared.
func DenominationKey(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// Counts is the raw stock of a bucket. Total excludes expired units.
type Counts struct {
	Available int
	Total     int
}
