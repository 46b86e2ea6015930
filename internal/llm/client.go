package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentx-labs/agentdispatch/internal/branding"
)

// DefaultBaseURL is the OpenRouter API root.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

var (
	// ErrUnavailable marks failures worth retrying later: 429, 5xx and
	// transport errors.
	ErrUnavailable = errors.New("llm unavailable")
	// ErrUnauthorized means the API key was rejected.
	ErrUnauthorized = errors.New("llm unauthorized")
)

// Request is one chat completion.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64

	// Scope is the budget scope the call is charged to. Only Guarded reads it.
	Scope string
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is the first choice of a completion.
type Response struct {
	Content string
	Usage   Usage
	Model   string
	CostUSD float64
}

// Client is anything that can complete a prompt.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// APIError is a non-2xx answer from the provider.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("llm API returned status %d", e.Status)
	}
	return fmt.Sprintf("llm API returned status %d: %s", e.Status, e.Message)
}

// Unwrap maps the status onto ErrUnavailable or ErrUnauthorized.
func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusTooManyRequests || e.Status >= 500:
		return ErrUnavailable
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return ErrUnauthorized
	}
	return nil
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// OpenRouter is a chat-completions client.
type OpenRouter struct {
	baseURL    string
	apiKey     string
	referer    string
	httpClient *http.Client
}

// Option configures an OpenRouter client.
type Option func(*OpenRouter)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *OpenRouter) { o.httpClient = c }
}

// WithBaseURL points the client at another OpenRouter-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *OpenRouter) { o.baseURL = strings.TrimRight(url, "/") }
}

// WithReferer sets the HTTP-Referer attribution header.
func WithReferer(ref string) Option {
	return func(o *OpenRouter) { o.referer = ref }
}

// NewOpenRouter creates a client authenticating with apiKey.
func NewOpenRouter(apiKey string, opts ...Option) *OpenRouter {
	o := &OpenRouter{
		baseURL:    DefaultBaseURL,
		apiKey:     apiKey,
		referer:    "https://github.com/" + branding.GitHubRepo(),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage Usage     `json:"usage"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// Complete sends req and returns the first choice.
func (o *OpenRouter) Complete(ctx context.Context, req Request) (Response, error) {
	if req.Model == "" {
		return Response{}, fmt.Errorf("llm request has no model")
	}
	msgs := make([]chatMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return Response{}, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", branding.UserAgent())
	httpReq.Header.Set("X-Title", branding.DisplayName())
	if o.referer != "" {
		httpReq.Header.Set("HTTP-Referer", o.referer)
	}
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Response{}, fmt.Errorf("%w: reading response body: %v", ErrUnavailable, err)
	}

	var parsed chatResponse
	decodeErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if decodeErr == nil && parsed.Error != nil {
			apiErr.Message = parsed.Error.Message
		}
		return Response{}, apiErr
	}
	if decodeErr != nil {
		return Response{}, fmt.Errorf("parsing completion JSON: %w", decodeErr)
	}
	// OpenRouter reports some upstream failures inside a 200.
	if parsed.Error != nil {
		status := parsed.Error.Code
		if status == 0 {
			status = http.StatusBadGateway
		}
		return Response{}, &APIError{Status: status, Message: parsed.Error.Message}
	}
	if len(parsed.Choices) == 0 {
		return Response{}, fmt.Errorf("%w: completion has no choices", ErrUnavailable)
	}

	model := parsed.Model
	if model == "" {
		model = req.Model
	}
	return Response{
		Content: parsed.Choices[0].Message.Content,
		Usage:   parsed.Usage,
		Model:   model,
	}, nil
}
