package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/agentx-labs/agentdispatch/internal/budget"
	"github.com/agentx-labs/agentdispatch/internal/finding"
	"github.com/agentx-labs/agentdispatch/internal/github"
	xlog "github.com/agentx-labs/agentdispatch/internal/log"
	"github.com/agentx-labs/agentdispatch/internal/plan"
)

// BugFinder scans source files for defects.
type BugFinder struct {
	deps Deps
}

// Run selects files for the job's scan mode, reviews them in prompt-sized
// batches and returns the deduplicated findings.
func (b *BugFinder) Run(ctx context.Context, job plan.Job) (*Result, error) {
	res := &Result{FileIssues: true}
	logger := b.deps.Logger.With().Str(xlog.FieldJobKey, job.Key).Str("scan_mode", job.ScanMode).Logger()

	ref := job.Subject.HeadSHA
	candidates, err := b.candidates(ctx, job)
	if err != nil {
		return res, err
	}
	paths := selectPaths(candidates, job.Agent.Scan)
	if len(paths) == 0 {
		res.Skipped = true
		res.Note = "no files to scan"
		return res, nil
	}

	var sources []source
	for _, p := range paths {
		data, err := b.deps.GitHub.GetContent(ctx, job.Repo, p, ref)
		if errors.Is(err, github.ErrNotFound) {
			continue
		}
		if err != nil {
			return res, err
		}
		if len(data) == 0 || len(data) > maxFileBytes || isBinary(data) {
			continue
		}
		sources = append(sources, source{Path: p, Body: string(data)})
	}
	if len(sources) == 0 {
		res.Skipped = true
		res.Note = "no readable text files"
		return res, nil
	}

	budgetTokens := job.Agent.MaxInputTokens - budget.EstimateTokens(bugFinderSystemPrompt) - 256
	batches := chunk(sources, budgetTokens)
	logger.Debug().Int("files", len(sources)).Int("batches", len(batches)).Msg("scanning")

	var all []finding.Finding
	for i, batch := range batches {
		data := map[string]interface{}{
			"Repo":     job.Repo,
			"ScanMode": job.ScanMode,
			"Files":    batch,
			"Extra":    job.Agent.Prompt,
		}
		if len(batches) > 1 {
			data["Part"] = i + 1
			data["Parts"] = len(batches)
		}
		prompt, err := render(scanPrompt, data)
		if err != nil {
			return res, fmt.Errorf("rendering scan prompt: %w", err)
		}
		content, err := complete(ctx, b.deps, job, res, bugFinderSystemPrompt, prompt)
		if err != nil {
			return res, err
		}
		found, dropped, err := finding.ParseModelOutput(job.Agent.Name, content)
		if err != nil {
			logger.Warn().Err(err).Int("batch", i+1).Msg("unusable model reply")
			continue
		}
		if dropped > 0 {
			logger.Debug().Int("dropped", dropped).Msg("dropped malformed findings")
		}
		all = append(all, found...)
	}

	res.Findings = finding.Dedupe(all)
	finding.Sort(res.Findings)
	return res, nil
}

// candidates lists the paths touched since the window start, or the whole
// tree for a full scan.
func (b *BugFinder) candidates(ctx context.Context, job plan.Job) ([]string, error) {
	if job.ScanMode == plan.ScanFull {
		ref := job.Subject.HeadSHA
		if ref == "" {
			ref = "HEAD"
		}
		tree, err := b.deps.GitHub.GetTree(ctx, job.Repo, ref)
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(tree))
		for _, e := range tree {
			if e.Size <= maxFileBytes {
				out = append(out, e.Path)
			}
		}
		return out, nil
	}

	since := job.Subject.Since
	if since.IsZero() {
		days := 1
		if job.ScanMode == plan.ScanWeekly {
			days = 7
		}
		since = b.deps.now().UTC().AddDate(0, 0, -days)
	}
	commits, err := b.deps.GitHub.ListCommits(ctx, job.Repo, since)
	if err != nil {
		return nil, err
	}
	// Commits come newest first; replay them oldest first so a later
	// removal wins over an earlier edit.
	touched := make(map[string]bool)
	for i := len(commits) - 1; i >= 0; i-- {
		full, err := b.deps.GitHub.GetCommit(ctx, job.Repo, commits[i].SHA)
		if err != nil {
			return nil, err
		}
		for _, f := range full.Files {
			if f.Status == "removed" {
				delete(touched, f.Filename)
				continue
			}
			touched[f.Filename] = true
		}
	}
	out := make([]string, 0, len(touched))
	for p := range touched {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}
