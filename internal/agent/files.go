package agent

import (
	"bytes"
	"path"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/agentx-labs/agentdispatch/internal/budget"
	"github.com/agentx-labs/agentdispatch/internal/manifest"
)

// maxFileBytes skips generated blobs and vendored bundles.
const maxFileBytes = 256 << 10

// source is a named piece of text placed in a prompt.
type source struct {
	Path string
	Body string
}

// matchGlob matches pattern against the full slash path, and against the
// base name when the pattern has no slash, so "*.go" selects Go files at any
// depth. A trailing "/**" or "/*" on a directory also selects everything
// below it.
func matchGlob(pattern, name string) bool {
	if dir, ok := strings.CutSuffix(pattern, "/**"); ok {
		return name == dir || strings.HasPrefix(name, dir+"/")
	}
	if ok, _ := path.Match(pattern, name); ok {
		return true
	}
	if !strings.Contains(pattern, "/") {
		ok, _ := path.Match(pattern, path.Base(name))
		return ok
	}
	if dir, ok := strings.CutSuffix(pattern, "/*"); ok && !strings.ContainsAny(dir, "*?[") {
		return strings.HasPrefix(name, dir+"/")
	}
	return false
}

func anyGlob(patterns []string, name string) bool {
	for _, p := range patterns {
		if matchGlob(p, name) {
			return true
		}
	}
	return false
}

// selectPaths applies the include/exclude globs of scan, sorts and dedupes,
// and caps the result at scan.MaxFiles.
func selectPaths(paths []string, scan *manifest.Scan) []string {
	if scan == nil {
		scan = &manifest.Scan{}
	}
	seen := make(map[string]bool, len(paths))
	var out []string
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true
		if len(scan.Include) > 0 && !anyGlob(scan.Include, p) {
			continue
		}
		if anyGlob(scan.Exclude, p) {
			continue
		}
		out = append(out, p)
	}
	sort.Strings(out)
	if scan.MaxFiles > 0 && len(out) > scan.MaxFiles {
		out = out[:scan.MaxFiles]
	}
	return out
}

// isBinary reports whether data looks like something other than text.
func isBinary(data []byte) bool {
	head := data
	if len(head) > 8000 {
		head = head[:8000]
	}
	return bytes.IndexByte(head, 0) >= 0 || !utf8.Valid(head)
}

// chunk groups sources into batches whose estimated size stays under
// maxTokens. A source bigger than the whole budget is truncated into a batch
// of its own. Order is preserved.
func chunk(sources []source, maxTokens int) [][]source {
	if maxTokens <= 0 {
		return [][]source{sources}
	}
	var out [][]source
	var cur []source
	used := 0
	for _, s := range sources {
		cost := budget.EstimateTokens(s.Path) + budget.EstimateTokens(s.Body) + 8
		if cost > maxTokens {
			s.Body = truncate(s.Body, maxTokens-budget.EstimateTokens(s.Path)-8)
			cost = maxTokens
		}
		if used+cost > maxTokens && len(cur) > 0 {
			out = append(out, cur)
			cur, used = nil, 0
		}
		cur = append(cur, s)
		used += cost
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// truncate cuts s to roughly maxTokens tokens on a rune boundary.
func truncate(s string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	limit := maxTokens * 4
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit] + "\n[truncated]"
}
