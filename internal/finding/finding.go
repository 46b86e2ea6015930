// Package finding holds what agents report: a severity scale, the Finding
// record, stable fingerprints for deduplication, and the decoder for the
// JSON the models are asked to answer with.
package finding

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Severity orders findings from informational to critical.
type Severity int

const (
	Info Severity = iota + 1
	Low
	Medium
	High
	Critical
)

var severityNames = map[Severity]string{
	Info:     "info",
	Low:      "low",
	Medium:   "medium",
	High:     "high",
	Critical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// ParseSeverity accepts the names above in any case, plus "informational"
// and "moderate" which models tend to use.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info", "informational":
		return Info, nil
	case "low", "minor":
		return Low, nil
	case "medium", "moderate":
		return Medium, nil
	case "high", "major":
		return High, nil
	case "critical", "blocker":
		return Critical, nil
	default:
		return 0, fmt.Errorf("unknown severity %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Finding is a single problem reported by an agent.
type Finding struct {
	Title       string   `json:"title"`
	Severity    Severity `json:"severity"`
	File        string   `json:"file,omitempty"`
	Line        int      `json:"line,omitempty"`
	Description string   `json:"description,omitempty"`
	Suggestion  string   `json:"suggestion,omitempty"`
	Fingerprint string   `json:"fingerprint"`
}

// Fingerprint identifies a finding across runs. The line number is left out
// so that unrelated edits moving the code do not produce a new issue.
func Fingerprint(agent string, f Finding) string {
	h := sha256.New()
	for _, part := range []string{agent, normalize(f.File), normalize(f.Title)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// AtLeast returns the findings whose severity is at or above min.
func AtLeast(findings []Finding, min Severity) []Finding {
	var out []Finding
	for _, f := range findings {
		if f.Severity >= min {
			out = append(out, f)
		}
	}
	return out
}

// Sort orders findings by severity (highest first), then fingerprint.
func Sort(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return findings[i].Severity > findings[j].Severity
		}
		return findings[i].Fingerprint < findings[j].Fingerprint
	})
}

// Dedupe drops findings that share a fingerprint, keeping the most severe.
func Dedupe(findings []Finding) []Finding {
	best := make(map[string]int)
	var out []Finding
	for _, f := range findings {
		if i, ok := best[f.Fingerprint]; ok {
			if f.Severity > out[i].Severity {
				out[i] = f
			}
			continue
		}
		best[f.Fingerprint] = len(out)
		out = append(out, f)
	}
	return out
}

// Counts tallies findings per severity name.
func Counts(findings []Finding) map[string]int {
	out := make(map[string]int)
	for _, f := range findings {
		out[f.Severity.String()]++
	}
	return out
}
