/*
app.go - Dependency wiring

PURPOSE:
  Builds every long-lived component from a Config and hands them to the
  commands. Nothing here starts background work except the notification
  dispatcher; the scheduler and HTTP server belong to "serve".

WIRING:
  sqlite.Store ─┬─ credit.Engine ─────────────┐
                ├─ inventory.Monitor ─────────┤
                ├─ sources: csv → api → buffer├─ provisioning.Waterfall
                ├─ billing.Ledger             │
                └─ provisioning.Reconciler    │
  notify: SQS (or Noop) behind notify.Async ──┘

SEE ALSO:
  - cli/serve.go: HTTP server and scheduler
  - config/config.go: Configuration sources
*/
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/warp/credit-engine/api"
	"github.com/warp/credit-engine/billing"
	"github.com/warp/credit-engine/config"
	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/inventory"
	"github.com/warp/credit-engine/metrics"
	"github.com/warp/credit-engine/notify"
	"github.com/warp/credit-engine/provider"
	"github.com/warp/credit-engine/provisioning"
	"github.com/warp/credit-engine/store/sqlite"
)

// App holds the wired components of one process.
type App struct {
	Config     config.Config
	Log        zerolog.Logger
	Store      *sqlite.Store
	Credit     *credit.Engine
	Monitor    *inventory.Monitor
	Waterfall  *provisioning.Waterfall
	Reconciler *provisioning.Reconciler
	Billing    *billing.Ledger
	Metrics    *metrics.Metrics
	Notifier   *notify.Async
}

// Build opens the store and wires every component. The caller must Close
// the returned App.
func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	if err := ensureDir(cfg.Database.Path); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	engine := credit.NewEngine(store, credit.WithLogger(log.With().Str("component", "credit").Logger()))
	monitor := inventory.NewMonitor(store,
		inventory.WithThresholds(cfg.Health.Thresholds()),
		inventory.WithObserver(m.ObserveHealth),
	)

	sources := []inventory.Source{inventory.NewPoolSource(inventory.PoolCSV, store)}
	if cfg.Provider.BaseURL != "" {
		breaker := provider.NewBreaker(cfg.Provider.BreakerThreshold, cfg.Provider.BreakerCooldown).
			OnStateChange(func(s provider.BreakerState) {
				m.BreakerState(int(s))
				log.Warn().Str("state", s.String()).Msg("provider circuit changed")
			})
		client := provider.NewHTTPClient(cfg.Provider.Client(),
			provider.WithBreaker(breaker),
			provider.WithHTTPClient(&http.Client{Timeout: cfg.Provider.Timeout}),
			provider.WithLogger(log.With().Str("component", "provider").Logger()),
		)
		sources = append(sources, inventory.NewAPISource(client, store,
			inventory.WithAPITimeout(cfg.Provider.Timeout),
			inventory.WithAPILogger(log.With().Str("component", "api_source").Logger()),
		))
	} else {
		log.Info().Msg("provider base_url not set, api source disabled")
	}
	sources = append(sources, inventory.NewPoolSource(inventory.PoolBuffer, store))

	next, err := newNotifier(ctx, cfg.Notify, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	asyncCfg := cfg.Notify.Async()
	asyncCfg.OnResult = m.Notification
	notifier := notify.NewAsync(next, asyncCfg, log.With().Str("component", "notify").Logger())

	waterfall := provisioning.NewWaterfall(engine, store, store, sources,
		provisioning.WithHealth(monitor),
		provisioning.WithNotifier(notifier),
		provisioning.WithMetrics(m),
		provisioning.WithLogger(log.With().Str("component", "waterfall").Logger()),
	)

	return &App{
		Config:     cfg,
		Log:        log,
		Store:      store,
		Credit:     engine,
		Monitor:    monitor,
		Waterfall:  waterfall,
		Reconciler: provisioning.NewReconciler(engine, store, store, log.With().Str("component", "reconciler").Logger()),
		Billing:    billing.NewLedger(store),
		Metrics:    m,
		Notifier:   notifier,
	}, nil
}

// Handler returns the HTTP surface over the app.
func (a *App) Handler() http.Handler {
	h := api.NewHandler(api.Services{
		Credit:    a.Credit,
		Waterfall: a.Waterfall,
		Inventory: a.Store,
		Monitor:   a.Monitor,
		Billing:   a.Billing,
		Metrics:   a.Metrics,
		Ping:      a.Store.Ping,
	}, a.Log)
	return api.NewRouter(h, api.RouterConfig{CORSOrigins: a.Config.Server.CORSOrigins})
}

// Scheduler returns the maintenance scheduler configured from the app.
func (a *App) Scheduler() *api.Scheduler {
	log := a.Log.With().Str("component", "scheduler").Logger()
	return api.NewScheduler(log, a.Metrics,
		api.RefreshHealthJob(a.Monitor, a.Config.Health.RefreshInterval),
		api.ExpireUnitsJob(a.Store, a.Config.Maintenance.ExpiryInterval, log),
		api.ReconcileJob(a.Reconciler, a.Config.Maintenance.ReconcileInterval, a.Config.Maintenance.ReconcileAfter, log),
	)
}

// Close drains pending notifications and closes the store.
func (a *App) Close(ctx context.Context) error {
	return errors.Join(a.Notifier.Close(ctx), a.Store.Close())
}

func newNotifier(ctx context.Context, cfg config.NotifyConfig, log zerolog.Logger) (notify.Notifier, error) {
	if cfg.QueueURL == "" {
		log.Info().Msg("notify queue_url not set, delivery events are dropped")
		return notify.Noop{}, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return notify.NewSQSNotifier(sqs.NewFromConfig(awsCfg), cfg.QueueURL, cfg.FIFO), nil
}

func ensureDir(dbPath string) error {
	if strings.Contains(dbPath, ":memory:") {
		return nil
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create database directory %s: %w", dir, err)
	}
	return nil
}
