/*
health.go - Inventory health classification

PURPOSE:
  Read-side aggregation over stock buckets. Health never changes state; it
  drives alerts and lets the waterfall skip a pool that is known empty.

BUCKETS (evaluated in order):
  empty     available == 0
  critical  available < CriticalBelow (10)
  low       availability < LowBelow (20%)
  medium    availability < MediumBelow (50%)
  healthy   otherwise

REFRESH:
  Monitor.Refresh recomputes every bucket and keeps the result as the
  snapshot served to dashboards. It is driven by a timer in the api
  maintenance scheduler. Health is always computed live.
*/
package inventory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type HealthStatus string

const (
	HealthEmpty    HealthStatus = "empty"
	HealthCritical HealthStatus = "critical"
	HealthLow      HealthStatus = "low"
	HealthMedium   HealthStatus = "medium"
	HealthHealthy  HealthStatus = "healthy"
)

// Thresholds are the classification boundaries.
type Thresholds struct {
	CriticalBelow int
	LowBelow      float64
	MediumBelow   float64
}

// DefaultThresholds returns the standard boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{CriticalBelow: 10, LowBelow: 20, MediumBelow: 50}
}

// Health is the state of one bucket.
type Health struct {
	Pool                   Pool
	BrandID                string
	Denomination           decimal.Decimal
	Available              int
	Total                  int
	AvailabilityPercentage float64
	Status                 HealthStatus
	CheckedAt              time.Time
}

// Percentage returns available/total as a percentage rounded to 2 places.
func Percentage(available, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(available)/float64(total)*10000) / 100
}

// Classify buckets a count.
func (t Thresholds) Classify(c Counts) HealthStatus {
	pct := Percentage(c.Available, c.Total)
	switch {
	case c.Available <= 0:
		return HealthEmpty
	case c.Available < t.CriticalBelow:
		return HealthCritical
	case pct < t.LowBelow:
		return HealthLow
	case pct < t.MediumBelow:
		return HealthMedium
	default:
		return HealthHealthy
	}
}

// Classify buckets a count with the default thresholds.
func Classify(c Counts) HealthStatus {
	return DefaultThresholds().Classify(c)
}

// =============================================================================
// MONITOR
// =============================================================================

// Monitor computes and caches bucket health.
type Monitor struct {
	store      Store
	thresholds Thresholds
	now        func() time.Time
	observers  []func(Health)

	mu       sync.RWMutex
	snapshot []Health
	at       time.Time
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

func WithThresholds(t Thresholds) MonitorOption {
	return func(m *Monitor) { m.thresholds = t }
}

// WithObserver registers a callback invoked for every bucket on Refresh.
func WithObserver(fn func(Health)) MonitorOption {
	return func(m *Monitor) { m.observers = append(m.observers, fn) }
}

func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a Monitor over a store.
func NewMonitor(store Store, opts ...MonitorOption) *Monitor {
	m := &Monitor{store: store, thresholds: DefaultThresholds(), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Health computes the live health of a bucket. An empty pool in key
// aggregates csv and buffer stock.
func (m *Monitor) Health(ctx context.Context, key Key) (Health, error) {
	c, err := m.store.Counts(ctx, key)
	if err != nil {
		return Health{}, fmt.Errorf("count %s/%s/%s: %w", key.Pool, key.BrandID, DenominationKey(key.Denomination), err)
	}
	return Health{
		Pool:                   key.Pool,
		BrandID:                key.BrandID,
		Denomination:           key.Denomination,
		Available:              c.Available,
		Total:                  c.Total,
		AvailabilityPercentage: Percentage(c.Available, c.Total),
		Status:                 m.thresholds.Classify(c),
		CheckedAt:              m.now().UTC(),
	}, nil
}

// Refresh recomputes every stocked bucket and replaces the snapshot.
func (m *Monitor) Refresh(ctx context.Context) ([]Health, error) {
	keys, err := m.store.Buckets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}

	out := make([]Health, 0, len(keys))
	for _, key := range keys {
		h, err := m.Health(ctx, key)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	sortHealth(out)

	m.mu.Lock()
	m.snapshot = out
	m.at = m.now().UTC()
	m.mu.Unlock()

	for _, h := range out {
		for _, fn := range m.observers {
			fn(h)
		}
	}
	return append([]Health(nil), out...), nil
}

// Snapshot returns the result of the last Refresh and when it ran.
func (m *Monitor) Snapshot() ([]Health, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Health(nil), m.snapshot...), m.at
}

func sortHealth(hs []Health) {
	sort.Slice(hs, func(i, j int) bool {
		a, b := hs[i], hs[j]
		if a.Pool != b.Pool {
			return a.Pool < b.Pool
		}
		if a.BrandID != b.BrandID {
			return a.BrandID < b.BrandID
		}
		return a.Denomination.LessThan(b.Denomination)
	})
}
