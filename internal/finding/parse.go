package finding

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON is returned when a model reply contains no JSON object.
var ErrNoJSON = errors.New("model output contains no JSON object")

type rawFinding struct {
	Title       string `json:"title"`
	Severity    string `json:"severity"`
	File        string `json:"file"`
	Line        int    `json:"line"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion"`
}

type rawFindings struct {
	Findings []rawFinding `json:"findings"`
}

// ParseModelOutput decodes {"findings":[...]} from a model reply. Entries
// without a title or with an unknown severity are dropped; the second return
// value counts them.
func ParseModelOutput(agent, content string) ([]Finding, int, error) {
	obj, err := ExtractJSON(content)
	if err != nil {
		return nil, 0, err
	}
	var raw rawFindings
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return nil, 0, fmt.Errorf("decoding findings: %w", err)
	}

	var out []Finding
	dropped := 0
	for _, r := range raw.Findings {
		sev, err := ParseSeverity(r.Severity)
		if err != nil || strings.TrimSpace(r.Title) == "" {
			dropped++
			continue
		}
		f := Finding{
			Title:       strings.TrimSpace(r.Title),
			Severity:    sev,
			File:        strings.TrimSpace(r.File),
			Line:        r.Line,
			Description: strings.TrimSpace(r.Description),
			Suggestion:  strings.TrimSpace(r.Suggestion),
		}
		f.Fingerprint = Fingerprint(agent, f)
		out = append(out, f)
	}
	return out, dropped, nil
}

// ExtractJSON returns the first balanced JSON object in s. Markdown code
// fences and surrounding prose are ignored.
func ExtractJSON(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	for start >= 0 {
		if end := matchBrace(s, start); end > 0 {
			candidate := s[start : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate, nil
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", ErrNoJSON
}

// matchBrace returns the index of the brace closing the one at open, or -1.
func matchBrace(s string, open int) int {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
