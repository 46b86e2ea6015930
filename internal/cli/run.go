package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentx-labs/agentdispatch/internal/dispatch"
	"github.com/agentx-labs/agentdispatch/internal/event"
	"github.com/agentx-labs/agentdispatch/internal/report"
)

var (
	runDryRun      bool
	runForce       bool
	runEventName   string
	runEventPath   string
	runManifests   string
	runReportPath  string
	runMetricsFile string
	runConcurrency int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Dispatch agents for the current GitHub Actions event",
	Long: `Read the triggering event from GITHUB_EVENT_NAME and GITHUB_EVENT_PATH, plan
the matching agent jobs and run each one that the ledger has not already
completed.

The report is written to --report (if set), appended to $GITHUB_STEP_SUMMARY,
and exported through $GITHUB_OUTPUT. The command exits non-zero when any job
failed; skipped and degraded jobs do not fail the run.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Run agents but write nothing to GitHub or the ledger")
	runCmd.Flags().BoolVar(&runForce, "force", false, "Re-run jobs the ledger already completed")
	runCmd.Flags().StringVar(&runEventName, "event", "", "Event name (overrides GITHUB_EVENT_NAME)")
	runCmd.Flags().StringVar(&runEventPath, "payload", "", "Event payload file (overrides GITHUB_EVENT_PATH)")
	runCmd.Flags().StringVar(&runManifests, "manifests", "", "Directory of agent manifests")
	runCmd.Flags().StringVar(&runReportPath, "report", "", "Write the JSON report to this path")
	runCmd.Flags().StringVar(&runMetricsFile, "metrics-textfile", "", "Write Prometheus metrics to this file when done")
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 0, "Maximum jobs run at once")
	bindFlag(runCmd, "dispatch.manifests_dir", "manifests")
	bindFlag(runCmd, "report.path", "report")
	bindFlag(runCmd, "metrics.textfile", "metrics-textfile")
	bindFlag(runCmd, "dispatch.concurrency", "concurrency")
	rootCmd.AddCommand(runCmd)
}

func currentEvent() (*event.Event, error) {
	getenv := actionsEnv(map[string]string{
		"GITHUB_EVENT_NAME": runEventName,
		"GITHUB_EVENT_PATH": runEventPath,
	})
	ev, err := event.FromActionsEnv(getenv, os.Environ)
	if err != nil {
		return nil, fmt.Errorf("reading trigger event: %w", err)
	}
	return ev, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	s, err := settings()
	if err != nil {
		return err
	}
	ev, err := currentEvent()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(ctx, s, stackOptions{
		dryRun: runDryRun,
		apiKey: ev.Input(event.InputOpenRouterKey),
	})
	if err != nil {
		return err
	}
	defer st.Close()

	force := runForce || truthy(ev.Input(event.InputForce))
	d, err := st.dispatcher(s.Dispatch.ManifestsDir, force)
	if err != nil {
		return err
	}
	rep, err := d.Run(ctx, ev)
	if err != nil {
		return err
	}
	return finishRun(cmd, st, rep)
}

func finishRun(cmd *cobra.Command, st *stack, rep *report.Report) error {
	out := cmd.OutOrStdout()
	for _, j := range rep.Jobs {
		fmt.Fprintln(out, dispatch.String(j))
	}
	t := rep.Totals
	fmt.Fprintf(out, "\n%d jobs: %d completed, %d skipped, %d degraded, %d failed; %d issues filed; cost %s\n",
		t.Jobs, t.Completed, t.Skipped, t.Degraded, t.Failed, t.IssuesCreated, report.USD(t.CostUSD))

	if err := report.Publish(rep, st.settings.Report.Path, os.Getenv); err != nil {
		return fmt.Errorf("publishing report: %w", err)
	}
	if path := st.settings.Metrics.Textfile; path != "" {
		if err := st.metrics.WriteTextfile(path); err != nil {
			return fmt.Errorf("writing metrics: %w", err)
		}
	}
	if rep.Failed() {
		return fmt.Errorf("%d of %d jobs failed", t.Failed, t.Jobs)
	}
	return nil
}
