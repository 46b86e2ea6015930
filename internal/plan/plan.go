// Package plan decides which agents run for an event and gives every
// resulting job an idempotency key built only from delivery-stable event
// fields. Building a plan twice for the same event yields the same jobs in
// the same order.
package plan

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentx-labs/agentdispatch/internal/event"
	"github.com/agentx-labs/agentdispatch/internal/manifest"
)

// Scan modes for bug-finder jobs.
const (
	ScanDaily  = "daily"
	ScanWeekly = "weekly"
	ScanFull   = "full"
)

// Subject is what a job operates on.
type Subject struct {
	Kind     string // "pr", "issue", "schedule", "manual"
	Number   int
	HeadSHA  string
	Window   string
	WindowID string
	Since    time.Time // start of the schedule window
}

// Job is one agent run.
type Job struct {
	Key      string
	Agent    *manifest.AgentManifest
	Repo     string
	Subject  Subject
	ScanMode string
	Trigger  manifest.Trigger
}

// Plan is the ordered set of jobs for one event.
type Plan struct {
	Event *event.Event
	Jobs  []Job
}

// Build matches manifests against ev and returns the resulting jobs sorted by
// key. now is used for schedule windows when the event carries no time.
func Build(ev *event.Event, manifests []*manifest.AgentManifest, now time.Time) (*Plan, error) {
	at := ev.ReceivedAt
	if at.IsZero() {
		at = now
	}
	at = at.UTC()

	wantMode := ""
	if ev.Kind == event.WorkflowDispatch {
		wantMode = ev.Input(event.InputMode)
	}

	p := &Plan{Event: ev}
	seen := make(map[string]bool)
	for _, m := range manifests {
		if wantMode != "" && m.Mode != wantMode {
			continue
		}
		trig, ok, err := matchTrigger(ev, m)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", m.Name, err)
		}
		if !ok {
			continue
		}
		job := newJob(ev, m, trig, at)
		if seen[job.Key] {
			continue
		}
		seen[job.Key] = true
		p.Jobs = append(p.Jobs, job)
	}

	sort.Slice(p.Jobs, func(i, j int) bool { return p.Jobs[i].Key < p.Jobs[j].Key })
	return p, nil
}

// matchTrigger returns the first trigger of m that accepts ev.
func matchTrigger(ev *event.Event, m *manifest.AgentManifest) (manifest.Trigger, bool, error) {
	for _, t := range m.Triggers {
		if t.Event != string(ev.Kind) {
			continue
		}
		if len(t.Actions) > 0 && !contains(t.Actions, ev.Action) {
			continue
		}
		if t.Cron != "" && t.Cron != ev.Schedule {
			continue
		}
		ok, err := filtersMatch(t.Filters, ev.Payload)
		if err != nil {
			return manifest.Trigger{}, false, err
		}
		if ok {
			return t, true, nil
		}
	}
	return manifest.Trigger{}, false, nil
}

func newJob(ev *event.Event, m *manifest.AgentManifest, t manifest.Trigger, at time.Time) Job {
	job := Job{Agent: m, Repo: ev.Repo, Trigger: t}

	switch ev.Kind {
	case event.PullRequest:
		job.Subject = Subject{Kind: "pr", Number: ev.Number, HeadSHA: ev.HeadSHA}
	case event.Issues, event.IssueComment:
		job.Subject = Subject{Kind: "issue", Number: ev.Number}
	case event.Schedule:
		window := t.Window
		if window == "" {
			window = manifest.WindowDaily
		}
		id, since := WindowID(window, at)
		job.Subject = Subject{Kind: "schedule", Window: window, WindowID: id, Since: since}
	default:
		job.Subject = Subject{Kind: "manual", Number: ev.Number, HeadSHA: ev.HeadSHA}
		if ev.Number == 0 {
			id, since := WindowID(manifest.WindowDaily, at)
			job.Subject.Window = manifest.WindowDaily
			job.Subject.WindowID = id
			job.Subject.Since = since
		}
	}

	if m.Mode == manifest.ModeBugFinder {
		job.ScanMode = scanMode(job.Subject.Window, ev.Input(event.InputScanMode))
		if job.ScanMode == ScanWeekly && job.Subject.Kind == "manual" {
			job.Subject.Since = job.Subject.Since.AddDate(0, 0, -6)
		}
	}

	job.Key = Key(m.Name, ev, job)
	return job
}

// Key builds the idempotency key agent:repo:subject.
func Key(agent string, ev *event.Event, job Job) string {
	var subject string
	switch job.Subject.Kind {
	case "pr":
		subject = fmt.Sprintf("pr/%d@%s", job.Subject.Number, shortSHA(job.Subject.HeadSHA))
	case "issue":
		action := ev.Action
		if action == "" {
			action = "any"
		}
		subject = fmt.Sprintf("issue/%d/%s", job.Subject.Number, action)
	case "schedule":
		subject = fmt.Sprintf("schedule/%s/%s", job.Subject.Window, job.Subject.WindowID)
	default:
		target := job.Subject.WindowID
		if job.Subject.Number > 0 {
			target = fmt.Sprintf("%d", job.Subject.Number)
		}
		subject = fmt.Sprintf("manual/%s/%s", job.Agent.Mode, target)
		if job.ScanMode != "" {
			subject += "/" + job.ScanMode
		}
	}
	return agent + ":" + ev.Repo + ":" + subject
}

// WindowID names the schedule window containing t and returns its start.
func WindowID(window string, t time.Time) (string, time.Time) {
	t = t.UTC()
	switch window {
	case manifest.WindowHourly:
		start := t.Truncate(time.Hour)
		return start.Format("2006-01-02T15"), start
	case manifest.WindowWeekly:
		year, week := t.ISOWeek()
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
		return fmt.Sprintf("%04d-W%02d", year, week), day.AddDate(0, 0, -offset)
	default:
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return start.Format("2006-01-02"), start
	}
}

// scanMode maps a schedule window to a bug-finder scan mode. An explicit
// scan-mode input wins.
func scanMode(window, input string) string {
	switch strings.ToLower(input) {
	case ScanDaily, ScanWeekly, ScanFull:
		return strings.ToLower(input)
	}
	if window == manifest.WindowWeekly {
		return ScanWeekly
	}
	return ScanDaily
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	if sha == "" {
		return "unknown"
	}
	return sha
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
