package updater

import (
	"context"
	"fmt"
	"time"

	"github.com/agentx-labs/agentdispatch/internal/branding"
	"github.com/agentx-labs/agentdispatch/internal/github"
)

// MaxAge is how long a cached answer is trusted.
const MaxAge = 24 * time.Hour

// Releases is the read the checker needs. *github.Client satisfies it.
type Releases interface {
	LatestRelease(ctx context.Context, repo string) (*github.Release, error)
}

// Checker compares the running build with the latest published release.
type Checker struct {
	releases Releases
	current  string
	dir      string
	repo     string
	now      func() time.Time
}

// NewChecker returns a Checker caching its answer in dir.
func NewChecker(releases Releases, current, dir string) *Checker {
	return &Checker{
		releases: releases,
		current:  current,
		dir:      dir,
		repo:     branding.GitHubRepo(),
		now:      time.Now,
	}
}

// Check returns the cached answer when it is fresh and refresh is false,
// otherwise asks the API and caches the result.
func (c *Checker) Check(ctx context.Context, refresh bool) (*State, error) {
	if !refresh {
		cached, err := loadState(c.dir)
		if err == nil && cached != nil && cached.Current == c.current && c.now().Sub(cached.CheckedAt) < MaxAge {
			return cached, nil
		}
	}

	rel, err := c.releases.LatestRelease(ctx, c.repo)
	if err != nil {
		return nil, err
	}
	cmp, err := Compare(c.current, rel.TagName)
	if err != nil {
		return nil, err
	}
	s := &State{
		Current:   c.current,
		Latest:    rel.TagName,
		URL:       rel.HTMLURL,
		Newer:     cmp < 0,
		CheckedAt: c.now().UTC(),
	}
	if err := saveState(c.dir, s); err != nil {
		return s, fmt.Errorf("caching release check: %w", err)
	}
	return s, nil
}
