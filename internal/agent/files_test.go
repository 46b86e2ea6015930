package agent

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/agentx-labs/agentdispatch/internal/manifest"
)

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern, name string
		want          bool
	}{
		{"*.go", "main.go", true},
		{"*.go", "internal/x/y.go", true},
		{"*.go", "main.py", false},
		{"*_test.go", "internal/a_test.go", true},
		{"internal/*", "internal/a.go", true},
		{"internal/*", "internal/sub/a.go", true},
		{"internal/**", "internal/sub/a.go", true},
		{"internal/**", "internals/a.go", false},
		{"cmd/*.go", "cmd/main.go", true},
		{"cmd/*.go", "cmd/sub/main.go", false},
		{"[", "x", false},
	}
	for _, tt := range tests {
		if got := matchGlob(tt.pattern, tt.name); got != tt.want {
			t.Errorf("matchGlob(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}

func TestSelectPaths(t *testing.T) {
	scan := &manifest.Scan{Include: []string{"*.go"}, Exclude: []string{"vendor/**"}, MaxFiles: 2}
	got := selectPaths([]string{"z.go", "vendor/x.go", "a.go", "a.go", "m.go", "doc.md"}, scan)
	if diff := cmp.Diff([]string{"a.go", "m.go"}, got); diff != "" {
		t.Errorf("selectPaths mismatch (-want +got):\n%s", diff)
	}
}

func TestChunk(t *testing.T) {
	small := strings.Repeat("x", 40)
	sources := []source{{Path: "a", Body: small}, {Path: "b", Body: small}, {Path: "c", Body: small}}

	batches := chunk(sources, 40)
	if len(batches) != 2 || len(batches[0]) != 2 || batches[1][0].Path != "c" {
		t.Fatalf("batches = %+v", batches)
	}

	big := []source{{Path: "big", Body: strings.Repeat("y", 4000)}}
	out := chunk(big, 100)
	if len(out) != 1 || !strings.HasSuffix(out[0][0].Body, "[truncated]") {
		t.Fatalf("oversized source not truncated: %d batches", len(out))
	}
	if len(out[0][0].Body) > 100*4+len("\n[truncated]") {
		t.Errorf("truncated body is %d bytes", len(out[0][0].Body))
	}
}

func TestTruncateKeepsRunes(t *testing.T) {
	// Ten two-byte runes cut at four bytes.
	s := strings.Repeat("é", 10)
	got := truncate(s, 1)
	if !strings.HasPrefix(got, "éé") || strings.Contains(got, "\uFFFD") {
		t.Errorf("truncate = %q", got)
	}
}

func TestAllowedLabels(t *testing.T) {
	got := allowedLabels([]string{"BUG", "bug", "wontfix", " Question "}, []string{"bug", "Question"}, []string{"question"})
	if diff := cmp.Diff([]string{"bug"}, got); diff != "" {
		t.Errorf("allowedLabels mismatch (-want +got):\n%s", diff)
	}
}
