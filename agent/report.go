package agent

import (
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"time"

	"nexus/report"
)

// reportEntry is one executed step as shown in the agent report.
type reportEntry struct {
	Task       string
	Title      string
	Kind       string
	Error      string
	Data       string
	Screenshot string // absolute path, rewritten to a web path when served
	At         time.Time
}

func (a *PageAgent) record(task, title, kind string, out map[string]any, err error) {
	e := reportEntry{Task: task, Title: title, Kind: kind, At: time.Now()}
	if err != nil {
		e.Error = err.Error()
	}
	if len(out) > 0 {
		if b, mErr := json.MarshalIndent(out, "", "  "); mErr == nil {
			e.Data = string(b)
		}
	}
	a.entries = append(a.entries, e)
}

type agentReportPage struct {
	Title     string
	Generated string
	Entries   []reportEntry
	Failed    int
}

// WriteReport renders the steps recorded so far into
// <ReportDir>/web-<timestamp>.html and sets ReportFile.
func (a *PageAgent) WriteReport(title string) (string, error) {
	if a.opts.ReportDir == "" {
		return "", fmt.Errorf("no report directory configured")
	}
	if err := os.MkdirAll(a.opts.ReportDir, 0755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}

	now := time.Now()
	page := agentReportPage{
		Title:     title,
		Generated: now.Format(time.RFC1123),
		Entries:   a.entries,
	}
	for _, e := range a.entries {
		if e.Error != "" {
			page.Failed++
		}
	}

	path := filepath.Join(a.opts.ReportDir, report.TimestampBasename(now).String())
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create agent report: %w", err)
	}
	defer f.Close()
	if err := agentReportTmpl.Execute(f, page); err != nil {
		return "", fmt.Errorf("render agent report: %w", err)
	}
	a.ReportFile = path
	a.logger.Debug("agent report written", "path", path, "entries", len(a.entries))
	return path, nil
}

var agentReportTmpl = template.Must(template.New("agent-report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body{margin:0;background:#fafbfc;color:#1f2328;font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Roboto,sans-serif}
main{max-width:960px;margin:0 auto;padding:24px}
h1{font-size:22px;margin:0 0 4px}
.meta{color:#656d76;font-size:13px;margin-bottom:24px}
.step{background:#fff;border:1px solid #d0d7de;border-radius:8px;padding:16px;margin-bottom:12px}
.step.failed{border-left:4px solid #cf222e}
.step h2{font-size:15px;margin:0 0 6px}
.task{color:#656d76;font-size:12px;text-transform:uppercase;letter-spacing:.04em}
.err{color:#cf222e;white-space:pre-wrap}
pre{background:#f6f8fa;padding:10px;border-radius:6px;font-size:12px;overflow-x:auto}
img{max-width:100%;border:1px solid #d0d7de;border-radius:6px;margin-top:8px}
</style>
</head>
<body>
<main>
<h1>{{.Title}}</h1>
<div class="meta">{{.Generated}} &middot; {{len .Entries}} steps{{if .Failed}} &middot; {{.Failed}} failed{{end}}</div>
{{range $i, $e := .Entries}}
<div class="step{{if $e.Error}} failed{{end}}">
{{if $e.Task}}<div class="task">{{$e.Task}}</div>{{end}}
<h2>{{$e.Title}}</h2>
{{if $e.Error}}<div class="err">{{$e.Error}}</div>{{end}}
{{if $e.Data}}<pre>{{$e.Data}}</pre>{{end}}
{{if $e.Screenshot}}<img src="{{$e.Screenshot}}" alt="step screenshot">{{end}}
</div>
{{end}}
</main>
</body>
</html>
`))
