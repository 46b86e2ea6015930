package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the GitHub event that triggered a dispatch.
type Kind string

const (
	Schedule         Kind = "schedule"
	PullRequest      Kind = "pull_request"
	Issues           Kind = "issues"
	IssueComment     Kind = "issue_comment"
	WorkflowDispatch Kind = "workflow_dispatch"
	Push             Kind = "push"
)

// ErrUnsupportedEvent is returned for event names the dispatcher does not handle.
var ErrUnsupportedEvent = errors.New("unsupported event")

// Well-known action input names. Hyphens and underscores are interchangeable.
const (
	InputMode          = "mode"
	InputScanMode      = "scan-mode"
	InputIssueNumber   = "issue-number"
	InputPRNumber      = "pr-number"
	InputOpenRouterKey = "openrouter-api-key"
	InputForce         = "force"
)

// Event is a normalized trigger.
type Event struct {
	Kind       Kind
	Action     string
	Repo       string // owner/name
	Number     int    // issue or pull request number, 0 when not applicable
	HeadSHA    string
	Schedule   string // cron expression for schedule events
	DeliveryID string
	Sender     string
	Inputs     map[string]string
	Payload    map[string]interface{}
	ReceivedAt time.Time
}

// ParseKind converts an event name to a Kind.
func ParseKind(name string) (Kind, error) {
	switch k := Kind(strings.TrimSpace(name)); k {
	case Schedule, PullRequest, Issues, IssueComment, WorkflowDispatch, Push:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedEvent, name)
	}
}

// Input returns a normalized action input.
func (e *Event) Input(name string) string {
	if e.Inputs == nil {
		return ""
	}
	return e.Inputs[NormalizeInputName(name)]
}

// Owner returns the repository owner.
func (e *Event) Owner() string {
	owner, _, _ := strings.Cut(e.Repo, "/")
	return owner
}

// Name returns the repository name without the owner.
func (e *Event) Name() string {
	_, name, _ := strings.Cut(e.Repo, "/")
	return name
}

// NormalizeInputName lowercases and maps underscores to hyphens so that
// INPUT_SCAN_MODE and INPUT_SCAN-MODE address the same input.
func NormalizeInputName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "-")
}

// Parse builds an Event from a decoded payload. The repository is taken from
// the payload when present and otherwise left for the caller to fill.
func Parse(kind Kind, raw []byte) (*Event, error) {
	e := &Event{Kind: kind, Inputs: map[string]string{}}
	if len(strings.TrimSpace(string(raw))) > 0 {
		if err := json.Unmarshal(raw, &e.Payload); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", kind, err)
		}
	}
	if e.Payload == nil {
		e.Payload = map[string]interface{}{}
	}

	e.Action = str(e.Payload, "action")
	e.Repo = str(e.Payload, "repository", "full_name")
	e.Sender = str(e.Payload, "sender", "login")

	switch kind {
	case PullRequest:
		e.Number = num(e.Payload, "pull_request", "number")
		if e.Number == 0 {
			e.Number = num(e.Payload, "number")
		}
		e.HeadSHA = str(e.Payload, "pull_request", "head", "sha")
	case Issues, IssueComment:
		e.Number = num(e.Payload, "issue", "number")
	case Schedule:
		e.Schedule = str(e.Payload, "schedule")
	case Push:
		e.HeadSHA = str(e.Payload, "after")
	case WorkflowDispatch:
		if inputs, ok := e.Payload["inputs"].(map[string]interface{}); ok {
			for k, v := range inputs {
				e.Inputs[NormalizeInputName(k)] = fmt.Sprintf("%v", v)
			}
		}
	}
	return e, nil
}

// resolveDispatchTarget reads issue-number / pr-number inputs into Number.
func (e *Event) resolveDispatchTarget() error {
	for _, name := range []string{InputPRNumber, InputIssueNumber} {
		v := e.Input(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("input %s must be a positive integer, got %q", name, v)
		}
		e.Number = n
		return nil
	}
	return nil
}

// Validate checks the fields every plan needs.
func (e *Event) Validate() error {
	if e.Repo == "" || !strings.Contains(e.Repo, "/") {
		return fmt.Errorf("event repository %q is not owner/name", e.Repo)
	}
	switch e.Kind {
	case PullRequest, Issues, IssueComment:
		if e.Number <= 0 {
			return fmt.Errorf("%s event has no target number", e.Kind)
		}
	}
	return nil
}

func str(m map[string]interface{}, path ...string) string {
	v := walk(m, path...)
	s, _ := v.(string)
	return s
}

func num(m map[string]interface{}, path ...string) int {
	switch v := walk(m, path...).(type) {
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

func walk(m map[string]interface{}, path ...string) interface{} {
	var cur interface{} = m
	for _, p := range path {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = obj[p]
	}
	return cur
}
