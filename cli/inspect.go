package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warp/credit-engine/config"
	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/inventory"
	"github.com/warp/credit-engine/store/sqlite"
)

// ─── health ─────────────────────────────────────────────────────────────────
// Offline inspection commands open the database directly; they never start
// the notifier or talk to the provider.

func newHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Print inventory health for every stocked bucket",
		Args:  cobra.NoArgs,
		RunE:  runHealth,
	}
	cmd.Flags().Bool("json", false, "Print JSON instead of a table")
	return cmd
}

type healthRow struct {
	Pool                   string  `json:"pool"`
	BrandID                string  `json:"brandId"`
	Denomination           string  `json:"denomination"`
	Available              int     `json:"available"`
	Total                  int     `json:"total"`
	AvailabilityPercentage float64 `json:"availabilityPercentage"`
	Status                 string  `json:"status"`
}

func runHealth(cmd *cobra.Command, _ []string) error {
	cfg, store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	monitor := inventory.NewMonitor(store, inventory.WithThresholds(cfg.Health.Thresholds()))
	hs, err := monitor.Refresh(cmd.Context())
	if err != nil {
		return err
	}

	rows := make([]healthRow, len(hs))
	for i, h := range hs {
		rows[i] = healthRow{
			Pool:                   string(h.Pool),
			BrandID:                h.BrandID,
			Denomination:           inventory.DenominationKey(h.Denomination),
			Available:              h.Available,
			Total:                  h.Total,
			AvailabilityPercentage: h.AvailabilityPercentage,
			Status:                 string(h.Status),
		}
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "No stocked inventory.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POOL\tBRAND\tDENOMINATION\tAVAILABLE\tTOTAL\tPCT\tSTATUS")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%.2f\t%s\n",
			r.Pool, r.BrandID, r.Denomination, r.Available, r.Total, r.AvailabilityPercentage, r.Status)
	}
	return w.Flush()
}

// ─── balance ────────────────────────────────────────────────────────────────

func newBalanceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "balance ACCOUNT_ID",
		Short: "Print an account's balance and statement",
		Args:  cobra.ExactArgs(1),
		RunE:  runBalance,
	}
}

func runBalance(cmd *cobra.Command, args []string) error {
	cfg, store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	engine := credit.NewEngine(store, credit.WithLogger(commandLogger(cmd, cfg)))
	id := credit.AccountID(args[0])
	account, err := engine.Account(cmd.Context(), id)
	if err != nil {
		return err
	}
	st, err := engine.Statement(cmd.Context(), id)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Account:\t%s (%s, %s)\n", account.ID, account.Type, account.Status)
	fmt.Fprintf(w, "Balance:\t%s\n", st.Balance.StringFixed(2))
	fmt.Fprintf(w, "Purchased:\t%s\n", st.Purchased.StringFixed(2))
	fmt.Fprintf(w, "Allocated in:\t%s\n", st.AllocatedIn.StringFixed(2))
	fmt.Fprintf(w, "Allocated out:\t%s\n", st.AllocatedOut.StringFixed(2))
	fmt.Fprintf(w, "Redeemed:\t%s\n", st.Redeemed.StringFixed(2))
	fmt.Fprintf(w, "Refunded:\t%s\n", st.Refunded.StringFixed(2))
	fmt.Fprintf(w, "Adjusted:\t%s\n", st.Adjusted.StringFixed(2))
	fmt.Fprintf(w, "Transactions:\t%d\n", st.Transactions)
	return w.Flush()
}

func openStore(cmd *cobra.Command) (config.Config, *sqlite.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return config.Config{}, nil, err
	}
	if err := ensureDir(cfg.Database.Path); err != nil {
		return config.Config{}, nil, err
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, store, nil
}
