package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentx-labs/agentdispatch/internal/ledger"
)

var (
	ledgerLimit     int
	ledgerJSON      bool
	ledgerOlderThan time.Duration
)

func init() {
	ledgerListCmd.Flags().IntVar(&ledgerLimit, "limit", 50, "Maximum records to show")
	ledgerListCmd.Flags().BoolVar(&ledgerJSON, "json", false, "Output in JSON format")
	ledgerPruneCmd.Flags().DurationVar(&ledgerOlderThan, "older-than", 30*24*time.Hour, "Delete finished records older than this")
	ledgerCmd.AddCommand(ledgerListCmd, ledgerPruneCmd, ledgerResetCmd, ledgerVerifyCmd)
	rootCmd.AddCommand(ledgerCmd)
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and maintain the job ledger",
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent job records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openConfiguredStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.List(cmd.Context(), ledgerLimit)
		if err != nil {
			return fmt.Errorf("listing ledger: %w", err)
		}
		out := cmd.OutOrStdout()
		if ledgerJSON {
			data, err := json.MarshalIndent(records, "", "  ")
			if err != nil {
				return fmt.Errorf("marshaling records: %w", err)
			}
			fmt.Fprintln(out, string(data))
			return nil
		}
		if len(records) == 0 {
			fmt.Fprintln(out, "Ledger is empty.")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STATUS\tATTEMPTS\tCLAIMED\tCOST\tKEY")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%d\t%s\t$%.4f\t%s\n", r.Status, r.Attempts, r.ClaimedAt.Format(time.RFC3339), r.CostUSD, r.Key)
		}
		return w.Flush()
	},
}

var ledgerPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old finished records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openConfiguredStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.Prune(cmd.Context(), time.Now().Add(-ledgerOlderThan))
		if err != nil {
			return fmt.Errorf("pruning ledger: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d records.\n", n)
		return nil
	},
}

var ledgerResetCmd = &cobra.Command{
	Use:   "reset <key>",
	Short: "Forget one job so the next run executes it again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openConfiguredStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Reset(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("resetting %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reset %s\n", args[0])
		return nil
	},
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run an integrity check on the SQLite ledger",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openConfiguredStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		db, ok := store.(*ledger.SQLiteStore)
		if !ok {
			return fmt.Errorf("verify only applies to the sqlite backend")
		}
		problems, err := db.VerifyIntegrity(cmd.Context())
		if err != nil {
			return err
		}
		if len(problems) > 0 {
			for _, p := range problems {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return fmt.Errorf("ledger integrity check found %d problems", len(problems))
		}
		fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return nil
	},
}

func openConfiguredStore(cmd *cobra.Command) (ledger.Store, error) {
	s, err := settings()
	if err != nil {
		return nil, err
	}
	return openStore(cmd.Context(), s)
}
