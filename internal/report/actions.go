package report

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// Markdown renders the report for $GITHUB_STEP_SUMMARY.
func Markdown(r *Report) string {
	var b strings.Builder
	t := r.Totals
	title := "Agent dispatch"
	if r.DryRun {
		title += " (dry run)"
	}
	fmt.Fprintf(&b, "## %s: %s", title, r.Event)
	if r.Action != "" {
		fmt.Fprintf(&b, " / %s", r.Action)
	}
	b.WriteString("\n\n")

	if len(r.Jobs) == 0 {
		b.WriteString("No agent matched this event.\n")
		return b.String()
	}

	b.WriteString(printer.Sprintf("%d jobs: %d completed, %d skipped, %d degraded, %d failed. ",
		t.Jobs, t.Completed, t.Skipped, t.Degraded, t.Failed))
	b.WriteString(printer.Sprintf("%d findings, %d issues created, %d tokens, %s.\n\n",
		t.Findings, t.IssuesCreated, t.TokensIn+t.TokensOut, USD(t.CostUSD)))

	b.WriteString("| Agent | Job | Status | Findings | Issues | Cost |\n")
	b.WriteString("|---|---|---|---:|---:|---:|\n")
	for _, j := range r.Jobs {
		status := string(j.Status)
		if j.Reason != "" {
			status += ": " + cell(j.Reason)
		}
		b.WriteString(printer.Sprintf("| %s | `%s` | %s | %d | %d | %s |\n",
			j.Agent, j.Key, status, j.Findings, j.IssuesCreated, USD(j.CostUSD)))
	}
	return b.String()
}

// USD formats a dollar amount with grouping and four decimals, enough to
// show the cost of a single cheap call.
func USD(v float64) string {
	return printer.Sprintf("$%.4f", v)
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

// Outputs returns the step outputs the workflow can read.
func Outputs(r *Report) map[string]string {
	return map[string]string{
		"jobs":           fmt.Sprint(r.Totals.Jobs),
		"failed":         fmt.Sprint(r.Totals.Failed),
		"degraded":       fmt.Sprint(r.Totals.Degraded),
		"issues-created": fmt.Sprint(r.Totals.IssuesCreated),
		"cost-usd":       fmt.Sprintf("%.6f", r.Totals.CostUSD),
		"run-id":         r.RunID,
	}
}

// outputKeys fixes the order outputs are written in.
var outputKeys = []string{"jobs", "failed", "degraded", "issues-created", "cost-usd", "run-id"}

// AppendStepSummary appends md to the step summary file at path.
func AppendStepSummary(path, md string) error {
	return appendFile(path, md+"\n")
}

// AppendOutputs appends name=value lines to the $GITHUB_OUTPUT file at path.
func AppendOutputs(path string, r *Report) error {
	out := Outputs(r)
	var b strings.Builder
	for _, k := range outputKeys {
		fmt.Fprintf(&b, "%s=%s\n", k, out[k])
	}
	return appendFile(path, b.String())
}

func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	if _, err := f.WriteString(s); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

// Publish writes the report wherever the environment asks for it: jsonPath
// when set, $GITHUB_STEP_SUMMARY and $GITHUB_OUTPUT when running in Actions.
func Publish(r *Report, jsonPath string, getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if jsonPath != "" {
		if err := WriteJSON(jsonPath, r); err != nil {
			return err
		}
	}
	if p := getenv("GITHUB_STEP_SUMMARY"); p != "" {
		if err := AppendStepSummary(p, Markdown(r)); err != nil {
			return err
		}
	}
	if p := getenv("GITHUB_OUTPUT"); p != "" {
		if err := AppendOutputs(p, r); err != nil {
			return err
		}
	}
	return nil
}
