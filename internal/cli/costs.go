package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentx-labs/agentdispatch/internal/budget"
	"github.com/agentx-labs/agentdispatch/internal/report"
)

var (
	costsDay    string
	costsPrices bool
	costsReport string
)

var costsCmd = &cobra.Command{
	Use:   "costs",
	Short: "Show LLM spend against the daily budget",
	Long: `Print the LLM spend recorded in the ledger for one UTC day next to the
configured daily cap. With --report, break a run report down by job instead.
With --prices, list the per-model prices the budget is computed from.`,
	Args: cobra.NoArgs,
	RunE: runCosts,
}

func init() {
	costsCmd.Flags().StringVar(&costsDay, "day", "", "UTC day as YYYY-MM-DD (default today)")
	costsCmd.Flags().BoolVar(&costsPrices, "prices", false, "List model prices")
	costsCmd.Flags().StringVar(&costsReport, "report", "", "Summarize a JSON run report")
	rootCmd.AddCommand(costsCmd)
}

func runCosts(cmd *cobra.Command, args []string) error {
	s, err := settings()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	switch {
	case costsPrices:
		table := budget.NewTable(s.Budget.Table())
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "MODEL\tINPUT $/MTOK\tOUTPUT $/MTOK")
		for _, model := range table.Models() {
			p, _ := table.Lookup(model)
			fmt.Fprintf(w, "%s\t%.3f\t%.3f\n", model, p.InputPerMTok, p.OutputPerMTok)
		}
		return w.Flush()

	case costsReport != "":
		data, err := os.ReadFile(costsReport)
		if err != nil {
			return fmt.Errorf("reading report: %w", err)
		}
		rep, err := report.ReadJSON(data)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tSTATUS\tCALLS\tTOKENS IN\tTOKENS OUT\tCOST")
		for _, j := range rep.Jobs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n", j.Key, j.Status, j.LLMCalls, j.TokensIn, j.TokensOut, report.USD(j.CostUSD))
		}
		fmt.Fprintf(w, "total\t\t\t%d\t%d\t%s\n", rep.Totals.TokensIn, rep.Totals.TokensOut, report.USD(rep.Totals.CostUSD))
		return w.Flush()
	}

	day := costsDay
	if day == "" {
		day = budget.DayKey(time.Now())
	} else if _, err := time.Parse("2006-01-02", day); err != nil {
		return fmt.Errorf("--day must be YYYY-MM-DD, got %q", day)
	}

	store, err := openStore(cmd.Context(), s)
	if err != nil {
		return err
	}
	defer store.Close()

	spend, err := store.Spend(cmd.Context(), day, budget.ScopeGlobal)
	if err != nil {
		return fmt.Errorf("reading spend: %w", err)
	}
	fmt.Fprintf(out, "%s: %s spent, %d tokens", day, report.USD(spend.USD), spend.Tokens)
	if limit := s.Budget.DailyUSD; limit > 0 {
		fmt.Fprintf(out, " (%.0f%% of %s daily cap)", 100*spend.USD/limit, report.USD(limit))
	}
	fmt.Fprintln(out)
	return nil
}
