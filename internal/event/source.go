package event

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Getenv matches os.Getenv so tests can pass a fake environment.
type Getenv func(string) string

// Environ lists environment entries in KEY=VALUE form, like os.Environ.
type Environ func() []string

// FromActionsEnv reads the event of the current GitHub Actions run.
func FromActionsEnv(getenv Getenv, environ Environ) (*Event, error) {
	kind, err := ParseKind(getenv("GITHUB_EVENT_NAME"))
	if err != nil {
		return nil, err
	}

	var raw []byte
	if path := getenv("GITHUB_EVENT_PATH"); path != "" {
		raw, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading event payload: %w", err)
		}
	}

	e, err := Parse(kind, raw)
	if err != nil {
		return nil, err
	}
	if repo := getenv("GITHUB_REPOSITORY"); repo != "" {
		e.Repo = repo
	}
	if e.HeadSHA == "" && kind != Schedule {
		e.HeadSHA = getenv("GITHUB_SHA")
	}
	if e.DeliveryID == "" {
		e.DeliveryID = getenv("GITHUB_RUN_ID")
	}
	e.ReceivedAt = time.Now().UTC()

	// Action inputs arrive as INPUT_<NAME>; they override payload inputs.
	for _, kv := range environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "INPUT_") {
			continue
		}
		if value == "" {
			continue
		}
		e.Inputs[NormalizeInputName(strings.TrimPrefix(key, "INPUT_"))] = value
	}

	if kind == WorkflowDispatch {
		if err := e.resolveDispatchTarget(); err != nil {
			return nil, err
		}
	}
	return e, e.Validate()
}

// FromWebhook converts a webhook delivery into an Event.
func FromWebhook(name, deliveryID string, body []byte, receivedAt time.Time) (*Event, error) {
	kind, err := ParseKind(name)
	if err != nil {
		return nil, err
	}
	e, err := Parse(kind, body)
	if err != nil {
		return nil, err
	}
	e.DeliveryID = deliveryID
	e.ReceivedAt = receivedAt.UTC()
	if kind == WorkflowDispatch {
		if err := e.resolveDispatchTarget(); err != nil {
			return nil, err
		}
	}
	return e, e.Validate()
}
