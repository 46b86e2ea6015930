package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/agentx-labs/agentdispatch/internal/finding"
	"github.com/agentx-labs/agentdispatch/internal/github"
	xlog "github.com/agentx-labs/agentdispatch/internal/log"
	"github.com/agentx-labs/agentdispatch/internal/llm"
	"github.com/agentx-labs/agentdispatch/internal/plan"
)

// Triage labels and summarises issues.
type Triage struct {
	deps Deps
}

// TriageDecision is the model's answer for one issue.
type TriageDecision struct {
	Labels   []string `json:"labels"`
	Priority string   `json:"priority"`
	Severity string   `json:"severity"`
	Summary  string   `json:"summary"`
}

// Run triages the subject issue, or on a schedule the oldest open issues
// that carry no label yet.
func (t *Triage) Run(ctx context.Context, job plan.Job) (*Result, error) {
	res := &Result{}
	if job.Subject.Number > 0 {
		if _, err := t.triageOne(ctx, job, job.Subject.Number, res); err != nil {
			return res, err
		}
		return res, nil
	}

	open, err := t.deps.GitHub.ListIssues(ctx, job.Repo, github.IssueFilter{State: "open"})
	if err != nil {
		return res, err
	}
	var todo []int
	for _, is := range open {
		if len(is.Labels) == 0 && is.PullRequest == nil {
			todo = append(todo, is.Number)
		}
	}
	if len(todo) == 0 {
		res.Skipped = true
		res.Note = "no unlabeled open issues"
		return res, nil
	}

	// Issues that already carry the marker do not use up max_items, so
	// triaged issues left without labels cannot starve newer ones.
	var errs []error
	used := 0
	for _, n := range todo {
		if used == job.Agent.MaxItems {
			break
		}
		attempted, err := t.triageOne(ctx, job, n, res)
		if attempted {
			used++
		}
		if err == nil {
			continue
		}
		if llm.Degraded(err) || ctx.Err() != nil {
			return res, err
		}
		errs = append(errs, err)
	}
	// The sweep as a whole is skipped only when every issue already had a
	// summary.
	res.Skipped = res.Comments == 0 && len(errs) == 0
	if res.Skipped {
		res.Note = "all candidates already triaged"
	} else {
		res.Note = ""
	}
	return res, errors.Join(errs...)
}

// triageOne reports whether the issue was sent to the model. Issues already
// triaged, and pull requests, are not.
func (t *Triage) triageOne(ctx context.Context, job plan.Job, number int, res *Result) (bool, error) {
	repo := job.Repo
	logger := t.deps.Logger.With().Str(xlog.FieldJobKey, job.Key).Int(xlog.FieldNumber, number).Logger()

	marker := Marker("triage", job.Agent.Name)
	comments, err := t.deps.GitHub.ListComments(ctx, repo, number)
	if err != nil {
		return true, err
	}
	if hasMarker(comments, marker) {
		logger.Debug().Msg("issue already triaged")
		res.Skipped = true
		res.Note = fmt.Sprintf("#%d already triaged", number)
		return false, nil
	}

	issue, err := t.deps.GitHub.GetIssue(ctx, repo, number)
	if err != nil {
		return true, err
	}
	if issue.PullRequest != nil {
		res.Skipped = true
		res.Note = fmt.Sprintf("#%d is a pull request", number)
		return false, nil
	}

	prompt, err := render(triagePrompt, map[string]interface{}{
		"Repo":    repo,
		"Number":  issue.Number,
		"Title":   issue.Title,
		"Body":    truncate(issue.Body, job.Agent.MaxInputTokens),
		"Labels":  issue.LabelNames(),
		"Allowed": job.Agent.AllowedLabels,
		"Extra":   job.Agent.Prompt,
	})
	if err != nil {
		return true, fmt.Errorf("rendering triage prompt: %w", err)
	}
	content, err := complete(ctx, t.deps, job, res, triageSystemPrompt, prompt)
	if err != nil {
		return true, err
	}
	decision, err := ParseTriage(content)
	if err != nil {
		return true, fmt.Errorf("issue #%d: %w", number, err)
	}

	labels := allowedLabels(decision.Labels, job.Agent.AllowedLabels, issue.LabelNames())
	if len(labels) > 0 {
		if err := t.deps.GitHub.AddLabels(ctx, repo, number, labels); err != nil {
			return true, err
		}
		res.Labeled++
	}
	if _, err := t.deps.GitHub.CreateComment(ctx, repo, number, triageComment(decision, labels, marker)); err != nil {
		return true, err
	}
	res.Comments++
	res.Skipped = false
	res.Note = ""
	logger.Info().Strs("labels", labels).Str("priority", decision.Priority).Msg("issue triaged")
	return true, nil
}

// ParseTriage decodes a triage reply.
func ParseTriage(content string) (TriageDecision, error) {
	obj, err := finding.ExtractJSON(content)
	if err != nil {
		return TriageDecision{}, err
	}
	var d TriageDecision
	if err := json.Unmarshal([]byte(obj), &d); err != nil {
		return TriageDecision{}, fmt.Errorf("decoding triage decision: %w", err)
	}
	d.Summary = strings.TrimSpace(d.Summary)
	if sev, err := finding.ParseSeverity(d.Severity); err == nil {
		d.Severity = sev.String()
	} else {
		d.Severity = ""
	}
	return d, nil
}

// allowedLabels keeps the proposed labels that appear in allowed, using the
// allowed spelling, and drops those the issue already has. With no allowed
// list nothing is applied.
func allowedLabels(proposed, allowed, existing []string) []string {
	canon := make(map[string]string, len(allowed))
	for _, a := range allowed {
		canon[strings.ToLower(a)] = a
	}
	have := make(map[string]bool, len(existing))
	for _, e := range existing {
		have[strings.ToLower(e)] = true
	}
	var out []string
	seen := make(map[string]bool)
	for _, p := range proposed {
		key := strings.ToLower(strings.TrimSpace(p))
		name, ok := canon[key]
		if !ok || have[key] || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, name)
	}
	return out
}

func triageComment(d TriageDecision, applied []string, marker string) string {
	var b strings.Builder
	b.WriteString("### Triage\n\n")
	if d.Summary != "" {
		b.WriteString(d.Summary)
		b.WriteString("\n\n")
	}
	if d.Priority != "" {
		fmt.Fprintf(&b, "- **Priority:** %s\n", d.Priority)
	}
	if d.Severity != "" {
		fmt.Fprintf(&b, "- **Severity:** %s\n", d.Severity)
	}
	if len(applied) > 0 {
		fmt.Fprintf(&b, "- **Labels added:** %s\n", strings.Join(applied, ", "))
	}
	b.WriteString("\n")
	b.WriteString(marker)
	b.WriteString("\n")
	return b.String()
}
