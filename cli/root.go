// Package cli implements the credit-engine command line.
package cli

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/warp/credit-engine/config"
	"github.com/warp/credit-engine/logging"
)

// NewRootCommand returns the credit-engine command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "credit-engine",
		Short: "Credit hierarchy and gift-card provisioning service",
		Long: `credit-engine runs the credit ledger for agencies, clients and campaigns
and provisions gift cards through the csv, api and buffer inventory pools.

Configuration is read from the TOML file given by --config, then .env, then
CREDIT_ENGINE_* environment variables. Flags override all of them.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "Path to a TOML config file")
	root.PersistentFlags().String("db", "", "SQLite database path (overrides database.path)")
	root.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")

	root.AddCommand(newServeCommand())
	root.AddCommand(newHealthCommand())
	root.AddCommand(newBalanceCommand())
	return root
}

// loadConfig resolves the configuration for cmd, applying flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.Database.Path = db
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if f := cmd.Flags().Lookup("addr"); f != nil && f.Changed {
		cfg.Server.Addr = f.Value.String()
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// commandLogger logs to stderr so command output on stdout stays parseable.
func commandLogger(cmd *cobra.Command, cfg config.Config) zerolog.Logger {
	lc := cfg.Log
	if lc.Output == nil {
		lc.Output = cmd.ErrOrStderr()
	}
	return logging.New(lc)
}
