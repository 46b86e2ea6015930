package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentx-labs/agentdispatch/internal/branding"
	"github.com/agentx-labs/agentdispatch/internal/resilience"
)

const (
	// DefaultBaseURL is the public GitHub REST API.
	DefaultBaseURL = "https://api.github.com"

	perPage  = 100
	maxPages = 10
)

// ErrNotFound is wrapped by APIError for 404 responses.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("GitHub API returned status %d", e.Status)
	}
	return fmt.Sprintf("GitHub API returned status %d: %s", e.Status, e.Message)
}

// Unwrap lets errors.Is(err, ErrNotFound) match 404s.
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// Retryable reports whether the request may succeed later.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// IsRetryable reports whether err is a retryable APIError or a transport error.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return errors.Is(err, errTransport)
}

var errTransport = errors.New("transport error")

// Client is a GitHub REST client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retry      resilience.Policy
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithBaseURL points the client at GitHub Enterprise or a test server.
func WithBaseURL(u string) Option {
	return func(cl *Client) { cl.baseURL = strings.TrimRight(u, "/") }
}

// WithRetryPolicy sets how reads are retried.
func WithRetryPolicy(p resilience.Policy) Option {
	return func(cl *Client) { cl.retry = p }
}

// NewClient creates a client. An empty token makes anonymous requests.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      resilience.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func repoPath(repo string, parts ...string) (string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("invalid repository %q, want owner/name", repo)
	}
	p := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(name)
	for _, part := range parts {
		p += "/" + part
	}
	return p, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body interface{}) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", branding.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// send performs one request and decodes a 2xx body into out.
func (c *Client) send(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return req.Context().Err()
		}
		return fmt.Errorf("%w: %s %s: %v", errTransport, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response body: %v", errTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var msg struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &msg) == nil {
			apiErr.Message = msg.Message
		}
		return apiErr
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parsing %s response: %w", req.URL.Path, err)
	}
	return nil
}

// get retries idempotent reads.
func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	_, err := resilience.Retry(ctx, c.retry, IsRetryable, nil, func(ctx context.Context) (struct{}, error) {
		req, err := c.newRequest(ctx, http.MethodGet, path, query, nil)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, c.send(req, out)
	})
	return err
}

func (c *Client) write(ctx context.Context, method, path string, body, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, nil, body)
	if err != nil {
		return err
	}
	return c.send(req, out)
}

// getPaged follows page numbers until a short page, limit items or maxPages.
func getPaged[T any](ctx context.Context, c *Client, path string, query url.Values, limit int) ([]T, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("per_page", strconv.Itoa(perPage))
	var all []T
	for page := 1; page <= maxPages; page++ {
		query.Set("page", strconv.Itoa(page))
		var batch []T
		if err := c.get(ctx, path, query, &batch); err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if limit > 0 && len(all) >= limit {
			return all[:limit], nil
		}
		if len(batch) < perPage {
			break
		}
	}
	return all, nil
}

// GetIssue fetches one issue.
func (c *Client) GetIssue(ctx context.Context, repo string, number int) (*Issue, error) {
	p, err := repoPath(repo, "issues", strconv.Itoa(number))
	if err != nil {
		return nil, err
	}
	var issue Issue
	if err := c.get(ctx, p, nil, &issue); err != nil {
		return nil, fmt.Errorf("getting issue #%d: %w", number, err)
	}
	return &issue, nil
}

// ListIssues lists issues, leaving out pull requests.
func (c *Client) ListIssues(ctx context.Context, repo string, f IssueFilter) ([]Issue, error) {
	p, err := repoPath(repo, "issues")
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	state := f.State
	if state == "" {
		state = "open"
	}
	q.Set("state", state)
	q.Set("sort", "created")
	q.Set("direction", "asc")
	if len(f.Labels) > 0 {
		q.Set("labels", strings.Join(f.Labels, ","))
	}
	items, err := getPaged[Issue](ctx, c, p, q, 0)
	if err != nil {
		return nil, fmt.Errorf("listing issues: %w", err)
	}
	out := items[:0]
	for _, it := range items {
		if it.PullRequest != nil {
			continue
		}
		out = append(out, it)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// ListComments lists the conversation comments of an issue or pull request.
func (c *Client) ListComments(ctx context.Context, repo string, number int) ([]Comment, error) {
	p, err := repoPath(repo, "issues", strconv.Itoa(number), "comments")
	if err != nil {
		return nil, err
	}
	out, err := getPaged[Comment](ctx, c, p, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("listing comments on #%d: %w", number, err)
	}
	return out, nil
}

// CreateIssue opens an issue.
func (c *Client) CreateIssue(ctx context.Context, repo string, in NewIssue) (*Issue, error) {
	p, err := repoPath(repo, "issues")
	if err != nil {
		return nil, err
	}
	var issue Issue
	if err := c.write(ctx, http.MethodPost, p, in, &issue); err != nil {
		return nil, fmt.Errorf("creating issue %q: %w", in.Title, err)
	}
	return &issue, nil
}

// CreateComment comments on an issue or pull request.
func (c *Client) CreateComment(ctx context.Context, repo string, number int, body string) (*Comment, error) {
	p, err := repoPath(repo, "issues", strconv.Itoa(number), "comments")
	if err != nil {
		return nil, err
	}
	var cm Comment
	if err := c.write(ctx, http.MethodPost, p, map[string]string{"body": body}, &cm); err != nil {
		return nil, fmt.Errorf("commenting on #%d: %w", number, err)
	}
	return &cm, nil
}

// AddLabels adds labels to an issue or pull request.
func (c *Client) AddLabels(ctx context.Context, repo string, number int, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	p, err := repoPath(repo, "issues", strconv.Itoa(number), "labels")
	if err != nil {
		return err
	}
	if err := c.write(ctx, http.MethodPost, p, map[string][]string{"labels": labels}, nil); err != nil {
		return fmt.Errorf("labelling #%d: %w", number, err)
	}
	return nil
}

// GetPull fetches a pull request.
func (c *Client) GetPull(ctx context.Context, repo string, number int) (*Pull, error) {
	p, err := repoPath(repo, "pulls", strconv.Itoa(number))
	if err != nil {
		return nil, err
	}
	var pr Pull
	if err := c.get(ctx, p, nil, &pr); err != nil {
		return nil, fmt.Errorf("getting pull request #%d: %w", number, err)
	}
	return &pr, nil
}

// ListPullFiles lists the files changed by a pull request.
func (c *Client) ListPullFiles(ctx context.Context, repo string, number int) ([]File, error) {
	p, err := repoPath(repo, "pulls", strconv.Itoa(number), "files")
	if err != nil {
		return nil, err
	}
	out, err := getPaged[File](ctx, c, p, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("listing files of #%d: %w", number, err)
	}
	return out, nil
}

// ListCommits lists commits on the default branch since the given time.
func (c *Client) ListCommits(ctx context.Context, repo string, since time.Time) ([]CommitSummary, error) {
	p, err := repoPath(repo, "commits")
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	out, err := getPaged[CommitSummary](ctx, c, p, q, 0)
	if err != nil {
		return nil, fmt.Errorf("listing commits: %w", err)
	}
	return out, nil
}

// GetCommit fetches a commit with its changed files.
func (c *Client) GetCommit(ctx context.Context, repo, sha string) (*Commit, error) {
	p, err := repoPath(repo, "commits", url.PathEscape(sha))
	if err != nil {
		return nil, err
	}
	var cm Commit
	if err := c.get(ctx, p, nil, &cm); err != nil {
		return nil, fmt.Errorf("getting commit %s: %w", sha, err)
	}
	return &cm, nil
}

// GetTree lists every blob reachable from ref.
func (c *Client) GetTree(ctx context.Context, repo, ref string) ([]TreeEntry, error) {
	p, err := repoPath(repo, "git", "trees", url.PathEscape(ref))
	if err != nil {
		return nil, err
	}
	var tree struct {
		Tree      []TreeEntry `json:"tree"`
		Truncated bool        `json:"truncated"`
	}
	if err := c.get(ctx, p, url.Values{"recursive": {"1"}}, &tree); err != nil {
		return nil, fmt.Errorf("getting tree %s: %w", ref, err)
	}
	out := make([]TreeEntry, 0, len(tree.Tree))
	for _, e := range tree.Tree {
		if e.Type == "blob" {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetContent returns the decoded content of a file at ref. An empty ref
// reads the default branch.
func (c *Client) GetContent(ctx context.Context, repo, path, ref string) ([]byte, error) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	p, err := repoPath(repo, "contents", strings.Join(segs, "/"))
	if err != nil {
		return nil, err
	}
	var q url.Values
	if ref != "" {
		q = url.Values{"ref": {ref}}
	}
	var file struct {
		Type     string `json:"type"`
		Encoding string `json:"encoding"`
		Content  string `json:"content"`
	}
	if err := c.get(ctx, p, q, &file); err != nil {
		return nil, fmt.Errorf("getting %s: %w", path, err)
	}
	if file.Type != "" && file.Type != "file" {
		return nil, fmt.Errorf("getting %s: not a file (%s)", path, file.Type)
	}
	if file.Encoding != "base64" {
		return []byte(file.Content), nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(file.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return data, nil
}

// LatestRelease fetches the newest non-prerelease release.
func (c *Client) LatestRelease(ctx context.Context, repo string) (*Release, error) {
	p, err := repoPath(repo, "releases", "latest")
	if err != nil {
		return nil, err
	}
	var rel Release
	if err := c.get(ctx, p, nil, &rel); err != nil {
		return nil, fmt.Errorf("getting latest release of %s: %w", repo, err)
	}
	return &rel, nil
}
