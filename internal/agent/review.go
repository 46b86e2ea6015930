package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentx-labs/agentdispatch/internal/budget"
	"github.com/agentx-labs/agentdispatch/internal/finding"
	xlog "github.com/agentx-labs/agentdispatch/internal/log"
	"github.com/agentx-labs/agentdispatch/internal/plan"
)

// CodeReview reviews pull request diffs and posts one comment per head
// commit.
type CodeReview struct {
	deps Deps
}

// Run reviews the subject pull request.
func (c *CodeReview) Run(ctx context.Context, job plan.Job) (*Result, error) {
	res := &Result{}
	number := job.Subject.Number
	if number <= 0 {
		return res, fmt.Errorf("code review needs a pull request number")
	}

	pr, err := c.deps.GitHub.GetPull(ctx, job.Repo, number)
	if err != nil {
		return res, err
	}
	sha := pr.Head.SHA
	if sha == "" {
		sha = job.Subject.HeadSHA
	}
	logger := c.deps.Logger.With().Str(xlog.FieldJobKey, job.Key).Int(xlog.FieldNumber, number).Str("head_sha", shortSHA(sha)).Logger()

	marker := Marker("review", job.Agent.Name+"@"+shortSHA(sha))
	comments, err := c.deps.GitHub.ListComments(ctx, job.Repo, number)
	if err != nil {
		return res, err
	}
	if hasMarker(comments, marker) {
		res.Skipped = true
		res.Note = fmt.Sprintf("#%d already reviewed at %s", number, shortSHA(sha))
		return res, nil
	}

	files, err := c.deps.GitHub.ListPullFiles(ctx, job.Repo, number)
	if err != nil {
		return res, err
	}
	var diffs []source
	for _, f := range files {
		if f.Patch == "" || f.Status == "removed" {
			continue
		}
		if sc := job.Agent.Scan; sc != nil {
			if len(sc.Include) > 0 && !anyGlob(sc.Include, f.Filename) {
				continue
			}
			if anyGlob(sc.Exclude, f.Filename) {
				continue
			}
		}
		diffs = append(diffs, source{Path: f.Filename, Body: f.Patch})
	}
	if len(diffs) == 0 {
		res.Skipped = true
		res.Note = "no reviewable changes"
		return res, nil
	}

	budgetTokens := job.Agent.MaxInputTokens - budget.EstimateTokens(codeReviewSystemPrompt) -
		budget.EstimateTokens(pr.Title) - budget.EstimateTokens(pr.Body) - 256
	var all []finding.Finding
	for i, batch := range chunk(diffs, budgetTokens) {
		prompt, err := render(reviewPrompt, map[string]interface{}{
			"Repo":        job.Repo,
			"Number":      number,
			"Title":       pr.Title,
			"Description": truncate(pr.Body, 1000),
			"Files":       batch,
			"Extra":       job.Agent.Prompt,
		})
		if err != nil {
			return res, fmt.Errorf("rendering review prompt: %w", err)
		}
		content, err := complete(ctx, c.deps, job, res, codeReviewSystemPrompt, prompt)
		if err != nil {
			return res, err
		}
		found, _, err := finding.ParseModelOutput(job.Agent.Name, content)
		if err != nil {
			logger.Warn().Err(err).Int("batch", i+1).Msg("unusable model reply")
			continue
		}
		all = append(all, found...)
	}
	res.Findings = finding.Dedupe(all)
	finding.Sort(res.Findings)

	body := reviewComment(res.Findings, threshold(job.Agent), marker)
	if _, err := c.deps.GitHub.CreateComment(ctx, job.Repo, number, body); err != nil {
		return res, err
	}
	res.Comments++
	logger.Info().Int("findings", len(res.Findings)).Msg("review posted")
	return res, nil
}

func reviewComment(findings []finding.Finding, min finding.Severity, marker string) string {
	shown := finding.AtLeast(findings, min)
	var b strings.Builder
	b.WriteString("### Automated review\n\n")
	if len(shown) == 0 {
		fmt.Fprintf(&b, "No findings at or above **%s**.\n", min)
	} else {
		b.WriteString("| Severity | Location | Finding |\n|---|---|---|\n")
		for _, f := range shown {
			loc := f.File
			if f.Line > 0 {
				loc = fmt.Sprintf("%s:%d", f.File, f.Line)
			}
			fmt.Fprintf(&b, "| %s | `%s` | %s |\n", f.Severity, loc, cell(f.Title))
		}
		for _, f := range shown {
			if f.Description == "" && f.Suggestion == "" {
				continue
			}
			fmt.Fprintf(&b, "\n**%s**\n", f.Title)
			if f.Description != "" {
				fmt.Fprintf(&b, "\n%s\n", f.Description)
			}
			if f.Suggestion != "" {
				fmt.Fprintf(&b, "\n> %s\n", f.Suggestion)
			}
		}
	}
	if hidden := len(findings) - len(shown); hidden > 0 {
		fmt.Fprintf(&b, "\n_%d lower-severity findings not shown._\n", hidden)
	}
	b.WriteString("\n")
	b.WriteString(marker)
	b.WriteString("\n")
	return b.String()
}

// cell makes s safe inside a markdown table cell.
func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}
