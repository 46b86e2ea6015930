// Package issues files agent findings as GitHub issues. Each issue body
// carries a hidden fingerprint marker; a finding whose marker is already
// present on an open issue is not filed again.
package issues

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/agentx-labs/agentdispatch/internal/branding"
	"github.com/agentx-labs/agentdispatch/internal/finding"
	"github.com/agentx-labs/agentdispatch/internal/github"
	xlog "github.com/agentx-labs/agentdispatch/internal/log"
)

// GitHub is what the filer needs from the API.
type GitHub interface {
	ListIssues(ctx context.Context, repo string, f github.IssueFilter) ([]github.Issue, error)
	CreateIssue(ctx context.Context, repo string, in github.NewIssue) (*github.Issue, error)
}

// Request describes one batch of findings to file.
type Request struct {
	Repo      string
	Agent     string
	Findings  []finding.Finding
	Threshold finding.Severity
	Labels    []string
	Limit     int // maximum issues to open, 0 for no cap
}

// Outcome counts what File did.
type Outcome struct {
	Created    int
	Numbers    []int
	Planned    int // dry run only: issues that would have been opened
	Duplicates int
	Below      int
	Capped     int
}

// Filer opens issues for findings.
type Filer struct {
	gh     GitHub
	dryRun bool
	logger zerolog.Logger
}

// Option configures a Filer.
type Option func(*Filer)

// WithDryRun makes File report what it would open without opening anything.
func WithDryRun(on bool) Option {
	return func(f *Filer) { f.dryRun = on }
}

// WithLogger sets the filer's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(f *Filer) { f.logger = l }
}

// NewFiler returns a Filer writing through gh.
func NewFiler(gh GitHub, opts ...Option) *Filer {
	f := &Filer{gh: gh, logger: xlog.Discard()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// TrackingLabel is put on every filed issue and used to find earlier ones.
func TrackingLabel() string {
	return branding.CLIName()
}

// Marker returns the hidden fingerprint tag embedded in issue bodies.
func Marker(fingerprint string) string {
	return fmt.Sprintf("<!-- %s:fingerprint:%s -->", branding.MarkerPrefix(), fingerprint)
}

var markerRE = regexp.MustCompile(`<!-- [a-z0-9-]+:fingerprint:([0-9a-f]{16}) -->`)

// Fingerprints extracts the markers found in body.
func Fingerprints(body string) []string {
	var out []string
	for _, m := range markerRE.FindAllStringSubmatch(body, -1) {
		out = append(out, m[1])
	}
	return out
}

// File opens one issue per finding at or above the threshold, most severe
// first, skipping fingerprints that already have an open issue.
func (f *Filer) File(ctx context.Context, req Request) (Outcome, error) {
	var out Outcome
	unique := finding.Dedupe(req.Findings)
	eligible := finding.AtLeast(unique, req.Threshold)
	out.Below = len(unique) - len(eligible)
	if len(eligible) == 0 {
		return out, nil
	}
	candidates := make([]finding.Finding, len(eligible))
	copy(candidates, eligible)
	finding.Sort(candidates)

	existing, err := f.gh.ListIssues(ctx, req.Repo, github.IssueFilter{State: "open", Labels: []string{TrackingLabel()}})
	if err != nil {
		return out, fmt.Errorf("listing tracked issues: %w", err)
	}
	known := make(map[string]bool)
	for _, is := range existing {
		for _, fp := range Fingerprints(is.Body) {
			known[fp] = true
		}
	}

	labels := mergeLabels(TrackingLabel(), req.Labels)
	for _, fd := range candidates {
		fp := fd.Fingerprint
		if fp == "" {
			fp = finding.Fingerprint(req.Agent, fd)
			fd.Fingerprint = fp
		}
		if known[fp] {
			out.Duplicates++
			continue
		}
		if req.Limit > 0 && out.Created+out.Planned >= req.Limit {
			out.Capped++
			continue
		}
		issue := github.NewIssue{
			Title:  Title(req.Agent, fd),
			Body:   Body(req.Agent, fd),
			Labels: labels,
		}
		known[fp] = true
		if f.dryRun {
			out.Planned++
			f.logger.Info().Str(xlog.FieldAgent, req.Agent).Str("fingerprint", fp).Str("title", issue.Title).Msg("dry-run: would file issue")
			continue
		}
		created, err := f.gh.CreateIssue(ctx, req.Repo, issue)
		if err != nil {
			return out, err
		}
		out.Created++
		out.Numbers = append(out.Numbers, created.Number)
		f.logger.Info().Str(xlog.FieldAgent, req.Agent).Int(xlog.FieldNumber, created.Number).Str("fingerprint", fp).Msg("issue filed")
	}
	return out, nil
}

const maxTitleBytes = 200

// Title is the issue title for a finding.
func Title(agent string, fd finding.Finding) string {
	title := fd.Title
	if len(title) > maxTitleBytes {
		n := maxTitleBytes
		for n > 0 && !utf8.RuneStart(title[n]) {
			n--
		}
		title = title[:n]
	}
	return fmt.Sprintf("[%s] %s", agent, title)
}

// Body renders the issue body for a finding.
func Body(agent string, fd finding.Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Severity:** %s\n", fd.Severity)
	if fd.File != "" {
		loc := fd.File
		if fd.Line > 0 {
			loc = fmt.Sprintf("%s:%d", fd.File, fd.Line)
		}
		fmt.Fprintf(&b, "**Location:** `%s`\n", loc)
	}
	fmt.Fprintf(&b, "**Reported by:** %s\n", agent)
	if fd.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", fd.Description)
	}
	if fd.Suggestion != "" {
		fmt.Fprintf(&b, "\n#### Suggested fix\n\n%s\n", fd.Suggestion)
	}
	fmt.Fprintf(&b, "\n%s\n", Marker(fd.Fingerprint))
	return b.String()
}

func mergeLabels(first string, rest []string) []string {
	out := []string{first}
	seen := map[string]bool{strings.ToLower(first): true}
	for _, l := range rest {
		if k := strings.ToLower(l); l != "" && !seen[k] {
			seen[k] = true
			out = append(out, l)
		}
	}
	return out
}
