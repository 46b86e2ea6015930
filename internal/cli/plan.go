package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentx-labs/agentdispatch/internal/manifest"
	"github.com/agentx-labs/agentdispatch/internal/plan"
)

var planJSON bool

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the jobs the current event would dispatch",
	Long: `Build the plan for the triggering event without claiming or running anything.
Takes the same --event, --payload and --manifests flags as run.`,
	Args: cobra.NoArgs,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVar(&runEventName, "event", "", "Event name (overrides GITHUB_EVENT_NAME)")
	planCmd.Flags().StringVar(&runEventPath, "payload", "", "Event payload file (overrides GITHUB_EVENT_PATH)")
	planCmd.Flags().StringVar(&runManifests, "manifests", "", "Directory of agent manifests")
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Output in JSON format")
	bindFlag(planCmd, "dispatch.manifests_dir", "manifests")
	rootCmd.AddCommand(planCmd)
}

// planEntry is one job for display.
type planEntry struct {
	Key      string `json:"key"`
	Agent    string `json:"agent"`
	Mode     string `json:"mode"`
	Subject  string `json:"subject"`
	ScanMode string `json:"scan_mode,omitempty"`
}

func runPlan(cmd *cobra.Command, args []string) error {
	s, err := settings()
	if err != nil {
		return err
	}
	ev, err := currentEvent()
	if err != nil {
		return err
	}
	manifests, err := manifest.LoadDir(s.Dispatch.ManifestsDir)
	if err != nil {
		return fmt.Errorf("loading agent manifests: %w", err)
	}
	p, err := plan.Build(ev, manifests, time.Now())
	if err != nil {
		return err
	}

	entries := make([]planEntry, 0, len(p.Jobs))
	for _, j := range p.Jobs {
		entries = append(entries, planEntry{
			Key:      j.Key,
			Agent:    j.Agent.Name,
			Mode:     j.Agent.Mode,
			Subject:  describeSubject(j.Subject),
			ScanMode: j.ScanMode,
		})
	}

	out := cmd.OutOrStdout()
	if planJSON {
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling plan: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}
	if len(entries) == 0 {
		fmt.Fprintf(out, "No agent responds to %s.\n", ev.Kind)
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tMODE\tSUBJECT\tKEY")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Agent, e.Mode, e.Subject, e.Key)
	}
	return w.Flush()
}

func describeSubject(s plan.Subject) string {
	switch {
	case s.Number > 0:
		return fmt.Sprintf("%s #%d", s.Kind, s.Number)
	case s.WindowID != "":
		return s.Kind + " " + s.WindowID
	default:
		return s.Kind
	}
}
