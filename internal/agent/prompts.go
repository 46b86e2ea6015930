package agent

import (
	"strings"
	"text/template"
)

// System prompts. Each asks for a single JSON object so replies can be
// decoded with finding.ExtractJSON.
const (
	triageSystemPrompt = `You triage GitHub issues for a software project.
Read the issue and answer with one JSON object and nothing else:
{"labels": ["..."], "priority": "p0|p1|p2|p3", "severity": "info|low|medium|high|critical", "summary": "..."}
Only choose labels from the allowed list. The summary is at most three sentences
and says what the reporter wants and what information is missing, if any.`

	bugFinderSystemPrompt = `You are a careful code auditor looking for real defects:
crashes, data races, resource leaks, injection, broken error handling, logic errors.
Ignore style, naming and formatting. Report only problems you can point to in the code shown.
Answer with one JSON object and nothing else:
{"findings": [{"title": "...", "severity": "info|low|medium|high|critical", "file": "path", "line": 0, "description": "...", "suggestion": "..."}]}
Answer {"findings": []} when nothing qualifies.`

	codeReviewSystemPrompt = `You review pull requests. You see unified diffs of the changed files.
Comment only on the changed lines: correctness, security, concurrency, error handling,
missing tests for new behaviour. Do not restate the diff.
Answer with one JSON object and nothing else:
{"findings": [{"title": "...", "severity": "info|low|medium|high|critical", "file": "path", "line": 0, "description": "...", "suggestion": "..."}]}
Answer {"findings": []} when the change looks good.`
)

var (
	funcs = template.FuncMap{"join": strings.Join}

	triagePrompt = template.Must(template.New("triage").Funcs(funcs).Parse(`Repository: {{.Repo}}
Issue #{{.Number}}: {{.Title}}
Current labels: {{join .Labels ", "}}
Allowed labels: {{join .Allowed ", "}}
{{- if .Extra}}

Project guidance:
{{.Extra}}
{{- end}}

Issue body:
{{.Body}}
`))

	scanPrompt = template.Must(template.New("scan").Parse(`Repository: {{.Repo}}
Scan: {{.ScanMode}}{{if .Part}} (part {{.Part}} of {{.Parts}}){{end}}
{{- if .Extra}}

Project guidance:
{{.Extra}}
{{- end}}
{{range .Files}}
### File: {{.Path}}
` + "```" + `
{{.Body}}
` + "```" + `
{{end}}`))

	reviewPrompt = template.Must(template.New("review").Parse(`Repository: {{.Repo}}
Pull request #{{.Number}}: {{.Title}}
{{- if .Description}}

Description:
{{.Description}}
{{- end}}
{{- if .Extra}}

Project guidance:
{{.Extra}}
{{- end}}
{{range .Files}}
### Diff: {{.Path}}
` + "```diff" + `
{{.Body}}
` + "```" + `
{{end}}`))
)

func render(t *template.Template, data interface{}) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}
