package github

import (
	"context"

	"github.com/rs/zerolog"
)

// DryRun reads through to the wrapped client and logs writes instead of
// sending them.
type DryRun struct {
	*Client
	logger zerolog.Logger
}

// NewDryRun wraps c.
func NewDryRun(c *Client, logger zerolog.Logger) *DryRun {
	return &DryRun{Client: c, logger: logger}
}

// CreateIssue logs the issue and returns it unnumbered.
func (d *DryRun) CreateIssue(_ context.Context, repo string, in NewIssue) (*Issue, error) {
	d.logger.Info().Str("repo", repo).Str("title", in.Title).Strs("labels", in.Labels).Msg("dry-run: would create issue")
	return &Issue{Title: in.Title, Body: in.Body, State: "open"}, nil
}

// CreateComment logs the comment.
func (d *DryRun) CreateComment(_ context.Context, repo string, number int, body string) (*Comment, error) {
	d.logger.Info().Str("repo", repo).Int("number", number).Int("bytes", len(body)).Msg("dry-run: would comment")
	return &Comment{Body: body}, nil
}

// AddLabels logs the labels.
func (d *DryRun) AddLabels(_ context.Context, repo string, number int, labels []string) error {
	d.logger.Info().Str("repo", repo).Int("number", number).Strs("labels", labels).Msg("dry-run: would add labels")
	return nil
}
