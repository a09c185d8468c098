/*
scheduler.go - Background maintenance scheduler

PURPOSE:
  Periodically runs the jobs that keep the engine healthy:
    health_refresh  Recompute every bucket's health (feeds the snapshot and
                    the inventory gauges)
    expire_units    Move available cards past their expiry to expired
    reconcile       Repair redemptions abandoned mid-waterfall and release
                    stale reservations

DESIGN:
  - One goroutine per job with its own ticker
  - Every job runs once immediately on Start
  - A job run never overlaps itself; a slow run delays the next tick
  - Outcomes are logged and counted in credit_engine_maintenance_jobs_total

USAGE:
  s := NewScheduler(log, m,
      RefreshHealthJob(monitor, time.Minute),
      ExpireUnitsJob(store, time.Hour),
      ReconcileJob(reconciler, 5*time.Minute, 15*time.Minute),
  )
  s.Start(ctx)
  // ... later
  s.Stop()

SEE ALSO:
  - provisioning/reconciler.go: Sweep
  - inventory/health.go: Monitor.Refresh
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/credit-engine/inventory"
	"github.com/warp/credit-engine/metrics"
	"github.com/warp/credit-engine/provisioning"
)

// Job is one periodic maintenance task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs maintenance jobs until stopped.
type Scheduler struct {
	jobs    []Job
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running map[string]*sync.Mutex
}

// NewScheduler creates a scheduler. Jobs with a non-positive interval are
// skipped.
func NewScheduler(log zerolog.Logger, m *metrics.Metrics, jobs ...Job) *Scheduler {
	s := &Scheduler{log: log, metrics: m, running: make(map[string]*sync.Mutex)}
	for _, j := range jobs {
		if j.Interval <= 0 || j.Run == nil {
			log.Warn().Str("job", j.Name).Msg("maintenance job disabled")
			continue
		}
		s.jobs = append(s.jobs, j)
		s.running[j.Name] = &sync.Mutex{}
	}
	return s
}

// Start launches every job. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	s.log.Info().Int("jobs", len(s.jobs)).Msg("maintenance scheduler started")
}

// Stop cancels every job and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info().Msg("maintenance scheduler stopped")
}

// RunNow runs one job synchronously (for admin tooling and tests).
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	for _, j := range s.jobs {
		if j.Name == name {
			return s.runOnce(ctx, j)
		}
	}
	return fmt.Errorf("unknown maintenance job %q", name)
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	// Run immediately on start
	s.runOnce(ctx, j)

	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx, j)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, j Job) error {
	lock := s.running[j.Name]
	lock.Lock()
	defer lock.Unlock()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	start := time.Now()
	err := j.Run(ctx)
	s.metrics.Job(j.Name, err)

	if err != nil {
		s.log.Error().Err(err).Str("job", j.Name).Msg("maintenance job failed")
		return err
	}
	s.log.Debug().Str("job", j.Name).Dur("took", time.Since(start)).Msg("maintenance job done")
	return nil
}

// =============================================================================
// JOBS
// =============================================================================

// RefreshHealthJob recomputes the inventory health snapshot.
func RefreshHealthJob(m *inventory.Monitor, every time.Duration) Job {
	return Job{
		Name:     "health_refresh",
		Interval: every,
		Run: func(ctx context.Context) error {
			_, err := m.Refresh(ctx)
			return err
		},
	}
}

// ExpireUnitsJob marks expired cards so they stop counting as stock.
func ExpireUnitsJob(store inventory.Store, every time.Duration, log zerolog.Logger) Job {
	return Job{
		Name:     "expire_units",
		Interval: every,
		Run: func(ctx context.Context) error {
			n, err := store.ExpireUnits(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			if n > 0 {
				log.Info().Int("units", n).Msg("expired inventory units")
			}
			return nil
		},
	}
}

// ReconcileJob sweeps redemptions and reservations older than olderThan.
func ReconcileJob(r *provisioning.Reconciler, every, olderThan time.Duration, log zerolog.Logger) Job {
	return Job{
		Name:     "reconcile",
		Interval: every,
		Run: func(ctx context.Context) error {
			res, err := r.Sweep(ctx, olderThan)
			if res != (provisioning.SweepResult{}) {
				log.Info().
					Int("abandoned", res.Abandoned).
					Int("refunded", res.Refunded).
					Int("released", res.Released).
					Msg("reconciler repaired state")
			}
			return err
		},
	}
}
