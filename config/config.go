/*
Package config loads the service configuration.

PRECEDENCE (lowest to highest):
  1. Default()
  2. TOML file (--config)
  3. .env file in the working directory, when present
  4. CREDIT_ENGINE_* environment variables
  5. Command-line flags (applied by cli)

Unknown TOML keys are rejected so a typo never silently falls back to a
default.
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/warp/credit-engine/inventory"
	"github.com/warp/credit-engine/logging"
	"github.com/warp/credit-engine/notify"
	"github.com/warp/credit-engine/provider"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CREDIT_ENGINE_"

type Config struct {
	Server      ServerConfig      `toml:"server"`
	Database    DatabaseConfig    `toml:"database"`
	Log         logging.Config    `toml:"log"`
	Provider    ProviderConfig    `toml:"provider"`
	Notify      NotifyConfig      `toml:"notify"`
	Health      HealthConfig      `toml:"health"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
}

type ServerConfig struct {
	Addr            string        `toml:"addr"`
	ReadTimeout     time.Duration `toml:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	CORSOrigins     []string      `toml:"cors_origins"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

// ProviderConfig configures the card issuance API. An empty BaseURL
// disables the api step of the waterfall.
type ProviderConfig struct {
	BaseURL          string        `toml:"base_url"`
	APIKey           string        `toml:"api_key"`
	Timeout          time.Duration `toml:"timeout"`
	MaxRetries       int           `toml:"max_retries"`
	BackoffBase      time.Duration `toml:"backoff_base"`
	BackoffMax       time.Duration `toml:"backoff_max"`
	BreakerThreshold int           `toml:"breaker_threshold"`
	BreakerCooldown  time.Duration `toml:"breaker_cooldown"`
}

// Client returns the HTTP client configuration.
func (p ProviderConfig) Client() provider.Config {
	return provider.Config{
		BaseURL:     p.BaseURL,
		APIKey:      p.APIKey,
		MaxRetries:  p.MaxRetries,
		BackoffBase: p.BackoffBase,
		BackoffMax:  p.BackoffMax,
	}
}

// NotifyConfig configures the delivery hand-off. An empty QueueURL means
// events are dropped.
type NotifyConfig struct {
	QueueURL string        `toml:"queue_url"`
	FIFO     bool          `toml:"fifo"`
	Region   string        `toml:"region"`
	Buffer   int           `toml:"buffer"`
	Workers  int           `toml:"workers"`
	Timeout  time.Duration `toml:"timeout"`
}

// Async returns the dispatcher configuration.
func (n NotifyConfig) Async() notify.AsyncConfig {
	return notify.AsyncConfig{Buffer: n.Buffer, Workers: n.Workers, Timeout: n.Timeout}
}

type HealthConfig struct {
	RefreshInterval time.Duration `toml:"refresh_interval"`
	CriticalBelow   int           `toml:"critical_below"`
	LowBelow        float64       `toml:"low_below"`
	MediumBelow     float64       `toml:"medium_below"`
}

// Thresholds returns the classification boundaries.
func (h HealthConfig) Thresholds() inventory.Thresholds {
	return inventory.Thresholds{CriticalBelow: h.CriticalBelow, LowBelow: h.LowBelow, MediumBelow: h.MediumBelow}
}

type MaintenanceConfig struct {
	ExpiryInterval    time.Duration `toml:"expiry_interval"`
	ReconcileInterval time.Duration `toml:"reconcile_interval"`
	// ReconcileAfter is how long a redemption may stay pending before the
	// reconciler treats it as abandoned.
	ReconcileAfter time.Duration `toml:"reconcile_after"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	th := inventory.DefaultThresholds()
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Database: DatabaseConfig{Path: "./data/credit.db"},
		Log:      logging.Config{Level: "info", Service: "credit-engine"},
		Provider: ProviderConfig{
			Timeout:          5 * time.Second,
			MaxRetries:       2,
			BackoffBase:      200 * time.Millisecond,
			BackoffMax:       2 * time.Second,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		Notify: NotifyConfig{Buffer: 256, Workers: 2, Timeout: 5 * time.Second},
		Health: HealthConfig{
			RefreshInterval: time.Minute,
			CriticalBelow:   th.CriticalBelow,
			LowBelow:        th.LowBelow,
			MediumBelow:     th.MediumBelow,
		},
		Maintenance: MaintenanceConfig{
			ExpiryInterval:    time.Hour,
			ReconcileInterval: 5 * time.Minute,
			ReconcileAfter:    15 * time.Minute,
		},
	}
}

// Load builds the configuration from defaults, the optional TOML file at
// path, .env and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
		}
	}

	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// loadDotEnv never overrides variables already set in the environment.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	var errs []error
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("ADDR", &c.Server.Addr)
	str("DB_PATH", &c.Database.Path)
	str("LOG_LEVEL", &c.Log.Level)
	boolean("LOG_PRETTY", &c.Log.Pretty)
	str("PROVIDER_URL", &c.Provider.BaseURL)
	str("PROVIDER_API_KEY", &c.Provider.APIKey)
	duration("PROVIDER_TIMEOUT", &c.Provider.Timeout)
	str("SQS_QUEUE_URL", &c.Notify.QueueURL)
	boolean("SQS_FIFO", &c.Notify.FIFO)
	str("AWS_REGION", &c.Notify.Region)
	duration("HEALTH_REFRESH_INTERVAL", &c.Health.RefreshInterval)
	duration("RECONCILE_AFTER", &c.Maintenance.ReconcileAfter)

	return errors.Join(errs...)
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Health.CriticalBelow < 0 || c.Health.LowBelow < 0 || c.Health.MediumBelow < c.Health.LowBelow {
		errs = append(errs, errors.New("health thresholds must satisfy 0 <= low_below <= medium_below"))
	}
	if c.Health.RefreshInterval <= 0 || c.Maintenance.ExpiryInterval <= 0 || c.Maintenance.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("scheduler intervals must be positive"))
	}
	if c.Maintenance.ReconcileAfter < c.Provider.Timeout {
		errs = append(errs, fmt.Errorf("maintenance.reconcile_after (%s) must exceed provider.timeout (%s)",
			c.Maintenance.ReconcileAfter, c.Provider.Timeout))
	}
	if c.Provider.BaseURL != "" && !strings.HasPrefix(c.Provider.BaseURL, "http") {
		errs = append(errs, fmt.Errorf("provider.base_url %q must be an http(s) URL", c.Provider.BaseURL))
	}
	return errors.Join(errs...)
}
