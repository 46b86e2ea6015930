package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/agentx-labs/agentdispatch/internal/github"
	"github.com/agentx-labs/agentdispatch/internal/llm"
	"github.com/agentx-labs/agentdispatch/internal/log"
	"github.com/agentx-labs/agentdispatch/internal/manifest"
	"github.com/agentx-labs/agentdispatch/internal/resilience"
)

// fakeGitHub serves a tiny in-memory repository over the REST routes the
// runners use.
type fakeGitHub struct {
	mu       sync.Mutex
	issues   map[int]github.Issue
	comments map[int][]github.Comment
	pulls    map[int]github.Pull
	files    map[int][]github.File
	commits  []github.Commit
	tree     []github.TreeEntry
	content  map[string]string
	labels   map[int][]string
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{
		issues:   map[int]github.Issue{},
		comments: map[int][]github.Comment{},
		pulls:    map[int]github.Pull{},
		files:    map[int][]github.File{},
		content:  map[string]string{},
		labels:   map[int][]string{},
	}
}

func reply(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (f *fakeGitHub) handler() http.Handler {
	mux := http.NewServeMux()
	num := func(r *http.Request) int {
		n, _ := strconv.Atoi(r.PathValue("n"))
		return n
	}
	mux.HandleFunc("GET /repos/{o}/{r}/issues", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var out []github.Issue
		if r.URL.Query().Get("page") == "1" {
			for i := 1; i <= 1000; i++ {
				if is, ok := f.issues[i]; ok {
					out = append(out, is)
				}
			}
		}
		reply(w, out)
	})
	mux.HandleFunc("GET /repos/{o}/{r}/issues/{n}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		is, ok := f.issues[num(r)]
		if !ok {
			http.NotFound(w, r)
			return
		}
		reply(w, is)
	})
	mux.HandleFunc("GET /repos/{o}/{r}/issues/{n}/comments", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		out := f.comments[num(r)]
		if r.URL.Query().Get("page") != "1" {
			out = nil
		}
		if out == nil {
			out = []github.Comment{}
		}
		reply(w, out)
	})
	mux.HandleFunc("POST /repos/{o}/{r}/issues/{n}/comments", func(w http.ResponseWriter, r *http.Request) {
		var body struct{ Body string }
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		c := github.Comment{ID: int64(len(f.comments[num(r)]) + 1), Body: body.Body}
		f.comments[num(r)] = append(f.comments[num(r)], c)
		reply(w, c)
	})
	mux.HandleFunc("POST /repos/{o}/{r}/issues/{n}/labels", func(w http.ResponseWriter, r *http.Request) {
		var body struct{ Labels []string }
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.labels[num(r)] = append(f.labels[num(r)], body.Labels...)
		reply(w, []interface{}{})
	})
	mux.HandleFunc("GET /repos/{o}/{r}/pulls/{n}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		reply(w, f.pulls[num(r)])
	})
	mux.HandleFunc("GET /repos/{o}/{r}/pulls/{n}/files", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		out := f.files[num(r)]
		if r.URL.Query().Get("page") != "1" || out == nil {
			out = []github.File{}
		}
		reply(w, out)
	})
	mux.HandleFunc("GET /repos/{o}/{r}/commits", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		out := []github.CommitSummary{}
		if r.URL.Query().Get("page") == "1" {
			for _, c := range f.commits {
				out = append(out, github.CommitSummary{SHA: c.SHA})
			}
		}
		reply(w, out)
	})
	mux.HandleFunc("GET /repos/{o}/{r}/commits/{sha}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, c := range f.commits {
			if c.SHA == r.PathValue("sha") {
				reply(w, c)
				return
			}
		}
		http.NotFound(w, r)
	})
	mux.HandleFunc("GET /repos/{o}/{r}/git/trees/{ref}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		reply(w, map[string]interface{}{"tree": f.tree})
	})
	mux.HandleFunc("GET /repos/{o}/{r}/contents/{path...}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		body, ok := f.content[r.PathValue("path")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		reply(w, map[string]string{
			"type":     "file",
			"encoding": "base64",
			"content":  base64.StdEncoding.EncodeToString([]byte(body)),
		})
	})
	return mux
}

func (f *fakeGitHub) client(t *testing.T) *github.Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return github.NewClient("t", github.WithBaseURL(srv.URL), github.WithRetryPolicy(resilience.Policy{MaxAttempts: 1}))
}

// scriptedLLM answers every prompt with the result of reply.
type scriptedLLM struct {
	mu      sync.Mutex
	reply   func(req llm.Request) (string, error)
	prompts []llm.Request
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, req)
	s.mu.Unlock()
	content, err := s.reply(req)
	if err != nil {
		return llm.Response{}, err
	}
	return llm.Response{Content: content, Model: req.Model, Usage: llm.Usage{PromptTokens: 100, CompletionTokens: 20}, CostUSD: 0.01}, nil
}

func answer(content string) *scriptedLLM {
	return &scriptedLLM{reply: func(llm.Request) (string, error) { return content, nil }}
}

func testDeps(t *testing.T, gh *fakeGitHub, model llm.Client) Deps {
	return Deps{
		LLM:    model,
		GitHub: gh.client(t),
		Logger: log.Discard(),
		Now:    func() time.Time { return time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC) },
	}
}

func testAgent(mode string) *manifest.AgentManifest {
	m := &manifest.AgentManifest{
		Name:          mode + "-bot",
		Type:          manifest.TypeAgent,
		Version:       "1.0.0",
		Mode:          mode,
		Model:         "openai/gpt-4o-mini",
		AllowedLabels: []string{"bug", "enhancement", "question"},
	}
	m.ApplyDefaults()
	return m
}
