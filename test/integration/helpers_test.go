//go:build integration

package integration_test

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/agentx-labs/agentdispatch/internal/github"
)

const bugFinderManifest = `name: bug-finder
type: agent
version: 1.0.0
mode: bug-finder
model: openai/gpt-4o-mini
severity_threshold: medium
labels: [bug]
scan:
  include: ["*.go"]
triggers:
  - event: schedule
    cron: "0 2 * * *"
`

// testEnv holds the sandboxed directories and fake upstreams of one test.
type testEnv struct {
	ManifestDir string
	LedgerPath  string
	GitHub      *fakeGitHub
	OpenRouter  *fakeOpenRouter
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		ManifestDir: filepath.Join(dir, "agents"),
		LedgerPath:  filepath.Join(dir, "state", "ledger.db"),
		GitHub:      newFakeGitHub(t),
		OpenRouter:  newFakeOpenRouter(t),
	}
	writeFile(t, filepath.Join(env.ManifestDir, "bug-finder.yaml"), bugFinderManifest)
	return env
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("creating dir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

// fakeGitHub serves one repository with a single Go file changed today.
type fakeGitHub struct {
	URL string

	mu      sync.Mutex
	created []github.Issue
}

func newFakeGitHub(t *testing.T) *fakeGitHub {
	t.Helper()
	f := &fakeGitHub{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/widgets/commits", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "1" {
			w.Write([]byte(`[]`))
			return
		}
		w.Write([]byte(`[{"sha":"c1"}]`))
	})
	mux.HandleFunc("GET /repos/acme/widgets/commits/c1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"sha":"c1","files":[{"filename":"cmd/main.go","status":"modified"}]}`))
	})
	mux.HandleFunc("GET /repos/acme/widgets/contents/cmd/main.go", func(w http.ResponseWriter, r *http.Request) {
		src := "package main\n\nfunc main() { _ = run() }\n"
		fmt.Fprintf(w, `{"type":"file","encoding":"base64","content":%q}`, base64.StdEncoding.EncodeToString([]byte(src)))
	})
	mux.HandleFunc("GET /repos/acme/widgets/issues", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		out := []github.Issue{}
		if r.URL.Query().Get("page") == "1" {
			out = append(out, f.created...)
		}
		json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("POST /repos/acme/widgets/issues", func(w http.ResponseWriter, r *http.Request) {
		var in github.NewIssue
		json.NewDecoder(r.Body).Decode(&in)
		f.mu.Lock()
		defer f.mu.Unlock()
		is := github.Issue{Number: 100 + len(f.created), Title: in.Title, Body: in.Body, State: "open"}
		for _, l := range in.Labels {
			is.Labels = append(is.Labels, github.Label{Name: l})
		}
		f.created = append(f.created, is)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(is)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	f.URL = srv.URL
	return f
}

func (f *fakeGitHub) issues() []github.Issue {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]github.Issue(nil), f.created...)
}

// fakeOpenRouter answers every chat completion with one high-severity finding.
type fakeOpenRouter struct {
	URL   string
	calls atomic.Int32
	auth  atomic.Value
}

func newFakeOpenRouter(t *testing.T) *fakeOpenRouter {
	t.Helper()
	f := &fakeOpenRouter{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat/completions", func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		f.auth.Store(r.Header.Get("Authorization"))
		content := `{"findings":[{"title":"Ignored error from run","severity":"high","file":"cmd/main.go","line":3,"description":"The error returned by run is discarded."}]}`
		json.NewEncoder(w).Encode(map[string]interface{}{
			"model":   "openai/gpt-4o-mini",
			"choices": []map[string]interface{}{{"message": map[string]string{"role": "assistant", "content": content}}},
			"usage":   map[string]int{"prompt_tokens": 1200, "completion_tokens": 150},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	f.URL = srv.URL
	return f
}
