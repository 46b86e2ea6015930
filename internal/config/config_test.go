package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/agentx-labs/agentdispatch/internal/budget"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultsWithoutFile(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s, err := c.Settings()
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if s.Ledger.Backend != "sqlite" {
		t.Errorf("ledger.backend = %q, want sqlite", s.Ledger.Backend)
	}
	if s.Dispatch.Concurrency != 4 || s.Dispatch.Lease != 30*time.Minute {
		t.Errorf("dispatch = %+v", s.Dispatch)
	}
	if s.Dispatch.ManifestsDir != ".github/agents" {
		t.Errorf("manifests_dir = %q", s.Dispatch.ManifestsDir)
	}
	if s.LLM.Timeout != 2*time.Minute || s.Webhook.Grace != 30*time.Second {
		t.Errorf("durations not decoded: llm.timeout=%v webhook.grace=%v", s.LLM.Timeout, s.Webhook.Grace)
	}
}

func TestFileAndEnvironment(t *testing.T) {
	path := writeFile(t, `
ledger:
  backend: redis
  redis:
    addr: localhost:6379
budget:
  daily_usd: 2.5
  prices:
    - model: google/gemini-flash-1.5
      input: 0.1
      output: 0.2
ratelimit:
  models:
    - model: google/gemini-flash-1.5
      per_minute: 5
dispatch:
  lease: 10m
`)
	t.Setenv("AGENTDISPATCH_DISPATCH_CONCURRENCY", "2")
	t.Setenv("AGENTDISPATCH_LOG_LEVEL", "debug")
	t.Setenv("OPENROUTER_API_KEY", "or-key")
	t.Setenv("GITHUB_TOKEN", "gh-token")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s, err := c.Settings()
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}

	if s.Ledger.Backend != "redis" || s.Ledger.Redis.Addr != "localhost:6379" {
		t.Errorf("ledger = %+v", s.Ledger)
	}
	if s.Dispatch.Concurrency != 2 || s.Dispatch.Lease != 10*time.Minute {
		t.Errorf("dispatch = %+v", s.Dispatch)
	}
	if s.Log.Level != "debug" {
		t.Errorf("log.level = %q, want debug", s.Log.Level)
	}
	if s.LLM.APIKey != "or-key" || s.GitHub.Token != "gh-token" {
		t.Errorf("secrets not bound: api_key=%q token=%q", s.LLM.APIKey, s.GitHub.Token)
	}
	wantPrices := map[string]budget.Price{"google/gemini-flash-1.5": {InputPerMTok: 0.1, OutputPerMTok: 0.2}}
	if diff := cmp.Diff(wantPrices, s.Budget.Table()); diff != "" {
		t.Errorf("prices (-want +got):\n%s", diff)
	}
	if got := s.RateLimit.Overrides()["google/gemini-flash-1.5"]; got != 5 {
		t.Errorf("ratelimit.models = %+v", s.RateLimit.Models)
	}
}

func TestPrefixedSecretWins(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "plain")
	t.Setenv("AGENTDISPATCH_LLM_API_KEY", "prefixed")
	c, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Get("llm.api_key"); got != "prefixed" {
		t.Errorf("llm.api_key = %q, want prefixed", got)
	}
}

func TestSetPersistsOnlyFileValues(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "must-not-leak")
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Set("dispatch.concurrency", "8"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Set("log.level", "warn"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading written config: %v", err)
	}
	body := string(data)
	if strings.Contains(body, "must-not-leak") || strings.Contains(body, "manifests_dir") {
		t.Errorf("config file holds more than the set keys:\n%s", body)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	s, err := reloaded.Settings()
	if err != nil {
		t.Fatal(err)
	}
	if s.Dispatch.Concurrency != 8 || s.Log.Level != "warn" {
		t.Errorf("reloaded = concurrency %d level %q", s.Dispatch.Concurrency, s.Log.Level)
	}
}

func TestSetRejectsUnknownAndMapKeys(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"nope", "budget.prices"} {
		if err := c.Set(key, "x"); err == nil {
			t.Errorf("Set(%q) succeeded, want error", key)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad backend", "ledger:\n  backend: etcd\n", "ledger.backend"},
		{"redis without addr", "ledger:\n  backend: redis\n", "ledger.redis.addr"},
		{"zero concurrency", "dispatch:\n  concurrency: 0\n", "dispatch.concurrency"},
		{"negative budget", "budget:\n  daily_usd: -1\n", "budget.daily_usd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Load(writeFile(t, tt.yaml))
			if err != nil {
				t.Fatal(err)
			}
			_, err = c.Settings()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Settings() error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestKeysSorted(t *testing.T) {
	keys := Keys()
	for i := 1; i < len(keys); i++ {
		if keys[i-1] > keys[i] {
			t.Fatalf("keys not sorted at %d: %q > %q", i, keys[i-1], keys[i])
		}
	}
}
