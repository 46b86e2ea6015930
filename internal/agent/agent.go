package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentx-labs/agentdispatch/internal/branding"
	"github.com/agentx-labs/agentdispatch/internal/finding"
	"github.com/agentx-labs/agentdispatch/internal/github"
	"github.com/agentx-labs/agentdispatch/internal/llm"
	"github.com/agentx-labs/agentdispatch/internal/manifest"
	"github.com/agentx-labs/agentdispatch/internal/plan"
)

// GitHub is the part of the GitHub API the runners read and write.
// *github.Client and *github.DryRun satisfy it.
type GitHub interface {
	GetIssue(ctx context.Context, repo string, number int) (*github.Issue, error)
	ListIssues(ctx context.Context, repo string, f github.IssueFilter) ([]github.Issue, error)
	ListComments(ctx context.Context, repo string, number int) ([]github.Comment, error)
	CreateComment(ctx context.Context, repo string, number int, body string) (*github.Comment, error)
	AddLabels(ctx context.Context, repo string, number int, labels []string) error
	GetPull(ctx context.Context, repo string, number int) (*github.Pull, error)
	ListPullFiles(ctx context.Context, repo string, number int) ([]github.File, error)
	ListCommits(ctx context.Context, repo string, since time.Time) ([]github.CommitSummary, error)
	GetCommit(ctx context.Context, repo, sha string) (*github.Commit, error)
	GetTree(ctx context.Context, repo, ref string) ([]github.TreeEntry, error)
	GetContent(ctx context.Context, repo, path, ref string) ([]byte, error)
}

// Deps are the collaborators shared by all runners.
type Deps struct {
	LLM    llm.Client
	GitHub GitHub
	Logger zerolog.Logger
	Now    func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Result is what a job produced.
type Result struct {
	Findings []finding.Finding

	// FileIssues is set when Findings should become issues. Code review
	// reports on the pull request instead.
	FileIssues bool

	Usage    llm.Usage
	CostUSD  float64
	Calls    int
	Comments int
	Labeled  int
	Skipped  bool
	Note     string
}

func (r *Result) add(resp llm.Response) {
	r.Calls++
	r.Usage.PromptTokens += resp.Usage.PromptTokens
	r.Usage.CompletionTokens += resp.Usage.CompletionTokens
	r.CostUSD += resp.CostUSD
}

// Runner executes one job.
type Runner interface {
	Run(ctx context.Context, job plan.Job) (*Result, error)
}

// For returns the runner for mode. Unknown modes get a runner that fails
// every job.
func For(mode string, deps Deps) Runner {
	switch mode {
	case manifest.ModeTriage:
		return &Triage{deps: deps}
	case manifest.ModeBugFinder:
		return &BugFinder{deps: deps}
	case manifest.ModeCodeReview:
		return &CodeReview{deps: deps}
	default:
		return &unknownRunner{mode: mode}
	}
}

type unknownRunner struct {
	mode string
}

func (u *unknownRunner) Run(context.Context, plan.Job) (*Result, error) {
	return nil, fmt.Errorf("unknown agent mode %q: supported modes are %s", u.mode, strings.Join(manifest.ValidModes, ", "))
}

// complete sends one prompt on behalf of job and books its usage on res.
func complete(ctx context.Context, deps Deps, job plan.Job, res *Result, system, prompt string) (string, error) {
	resp, err := deps.LLM.Complete(ctx, llm.Request{
		Model:     job.Agent.Model,
		System:    system,
		Prompt:    prompt,
		MaxTokens: job.Agent.MaxOutputTokens,
		Scope:     job.Key,
	})
	if err != nil {
		return "", err
	}
	res.add(resp)
	return resp.Content, nil
}

// Marker is the hidden HTML comment that tags a comment posted by kind for id.
func Marker(kind, id string) string {
	return fmt.Sprintf("<!-- %s:%s:%s -->", branding.MarkerPrefix(), kind, id)
}

func hasMarker(comments []github.Comment, marker string) bool {
	for _, c := range comments {
		if strings.Contains(c.Body, marker) {
			return true
		}
	}
	return false
}

func threshold(m *manifest.AgentManifest) finding.Severity {
	sev, err := finding.ParseSeverity(m.SeverityThreshold)
	if err != nil {
		return finding.Medium
	}
	return sev
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
