package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"nexus/agent"
	"nexus/protocol"
	"nexus/report"
	"nexus/summarizer"
	"nexus/tasks"
)

const (
	progressScreenshot = 85
	progressReport     = 90
	progressSummary    = 95
	maxNotification    = 200
)

// complete runs the completion pipeline: final screenshot, reports and
// summary. Only the final store update can stop it; every other failure
// is logged and the bundle ships without that part.
func (o *Orchestrator) complete(r *run, out *agent.Outcome) {
	bundle := r.baseBundle(out)

	if out.ScreenshotPath != "" && report.WaitExists(r.ctx, out.ScreenshotPath, o.opts.Retry) {
		bundle.ScreenshotPath = out.ScreenshotPath
		bundle.Screenshot = report.WebPath(out.ScreenshotPath)
		r.emit(&protocol.Event{
			Event:   protocol.EventActionScreenshot,
			Message: "Final screenshot",
			Item: &protocol.Item{
				Type:      "screenshot",
				Title:     "Final screenshot",
				Content:   bundle.Screenshot,
				URL:       out.CurrentURL,
				Timestamp: time.Now(),
			},
		})
	} else if out.ScreenshotPath != "" {
		r.logger.Warn("final screenshot missing", "path", out.ScreenshotPath)
	}
	r.advance(progressScreenshot, "Final screenshot captured")

	o.attachReports(r, out, &bundle)
	r.advance(progressReport, "Report ready")

	o.summarize(r, out, &bundle)
	bundle.Summary = bundle.AIPrepared.DisplaySummary
	bundle.ExecutionTime = time.Since(r.startedAt).Milliseconds()
	bundle.MirrorURLs()

	if r.ctx.Err() != nil {
		return
	}
	if _, err := o.tasks.UpdateTask(r.taskID, func(t *tasks.Task) error {
		t.Status = tasks.StatusCompleted
		t.Result = &bundle
		return nil
	}); err != nil {
		r.logger.Debug("completion not recorded", "error", err)
		return
	}
	r.persistMessage("summary", bundle.AIPrepared.DisplaySummary)
	r.emit(&protocol.Event{
		Event:    protocol.EventTaskComplete,
		Progress: protocol.IntPtr(100),
		Message:  bundle.AIPrepared.Summary,
		Result:   bundle,
	})
	r.logger.Info("task completed", "duration_ms", bundle.ExecutionTime, "report", bundle.NexusReportURL)
}

// fail records err as the task's terminal state, keeping whatever
// artifacts the run left behind.
func (o *Orchestrator) fail(r *run, err error, out *agent.Outcome) {
	msg := err.Error()
	bundle := r.baseBundle(out)
	bundle.Error = msg
	bundle.Summary = msg
	bundle.ExecutionTime = time.Since(r.startedAt).Milliseconds()
	bundle.AIPrepared.Summary = msg
	bundle.AIPrepared.DisplaySummary = msg
	if out != nil && out.ScreenshotPath != "" {
		if _, statErr := os.Stat(out.ScreenshotPath); statErr == nil {
			bundle.ScreenshotPath = out.ScreenshotPath
			bundle.Screenshot = report.WebPath(out.ScreenshotPath)
		}
	}
	if out != nil && out.ReportFile != "" {
		if name, nameErr := report.BasenameOf(out.ReportFile); nameErr == nil {
			bundle.NexusReportURL = name.NexusURL()
			bundle.RawReportURL = name.RawURL(r.origin)
		}
	}
	bundle.MirrorURLs()

	kind := KindOf(err)
	if _, uErr := o.tasks.UpdateTask(r.taskID, func(t *tasks.Task) error {
		t.Status = tasks.StatusError
		t.Error = &tasks.TaskError{Message: msg, Stack: string(kind)}
		t.Result = &bundle
		return nil
	}); uErr != nil {
		r.logger.Debug("failure not recorded", "error", uErr)
		return
	}
	r.logger.Error("task failed", "kind", kind, "error", err)
	r.notify("Task failed: " + condense(msg))
	r.emit(&protocol.Event{
		Event:  protocol.EventTaskError,
		Error:  msg,
		Result: bundle,
		Data:   map[string]any{"kind": string(kind)},
	})
}

func (r *run) baseBundle(out *agent.Outcome) tasks.ResultBundle {
	b := tasks.ResultBundle{}
	if r.yamlMap != nil {
		b.Raw.YamlMapID = r.yamlMap.ID
		b.Raw.YamlMapName = r.yamlMap.Name
	}
	if out == nil {
		return b
	}
	b.Raw.PageText = out.PageText
	b.Raw.ExecutionResult = out.Result
	b.AIPrepared.Results = out.Result
	b.AIPrepared.RawResult = out.Result
	b.AIPrepared.Summary = r.resultSummary(out)
	return b
}

// attachReports post-processes the agent report and renders the landing
// page. Failures only cost the affected URLs.
func (o *Orchestrator) attachReports(r *run, out *agent.Outcome, b *tasks.ResultBundle) {
	name, err := o.agentReport(r, out)
	if err != nil {
		name = report.FallbackBasename(time.Now())
		r.logger.Warn("agent report unavailable, using fallback name", "name", name, "error", err)
	}
	b.NexusReportURL = name.NexusURL()
	b.RawReportURL = name.RawURL(r.origin)

	if o.reports == nil {
		return
	}
	gen, err := o.reports.Generate(r.ctx, report.Request{
		Prompt:              r.command,
		Results:             o.stepResults(r, out),
		FinalScreenshotPath: b.ScreenshotPath,
		RunID:               r.runID,
		ReportDir:           o.reportDir,
		NexusReportURL:      b.NexusReportURL,
		RawReportURL:        b.RawReportURL,
		Origin:              r.origin,
		Summary:             b.AIPrepared.Summary,
	})
	if err != nil {
		r.logger.Warn("landing report failed", "error", err)
		return
	}
	b.ReportPath = gen.ReportPath
	b.ReportURL = gen.ReportURL
	b.LandingReportURL = gen.LandingReportURL
	r.emit(&protocol.Event{
		Event: protocol.EventActionReport,
		Data: map[string]any{
			"reportUrl":        gen.ReportURL,
			"landingReportUrl": gen.LandingReportURL,
			"nexusReportUrl":   b.NexusReportURL,
			"rawReportUrl":     b.RawReportURL,
		},
	})
}

// agentReport reads and post-processes the report the agent wrote. The
// processed copy is placed in the report directory when the agent wrote
// elsewhere so the report endpoints can find it.
func (o *Orchestrator) agentReport(r *run, out *agent.Outcome) (report.Basename, error) {
	if out.ReportFile == "" {
		return "", errors.New("agent wrote no report")
	}
	name, err := report.BasenameOf(out.ReportFile)
	if err != nil {
		return "", err
	}
	data, err := report.ReadWithRetry(r.ctx, out.ReportFile, o.opts.Retry)
	if err != nil {
		return "", fmt.Errorf("read agent report: %w", err)
	}
	processed, err := report.Rewrite(string(data), r.origin)
	if err != nil {
		return "", fmt.Errorf("post-process agent report: %w", err)
	}

	if filepath.Clean(filepath.Dir(out.ReportFile)) != filepath.Clean(o.reportDir) {
		if err := os.MkdirAll(o.reportDir, 0755); err != nil {
			return "", fmt.Errorf("create report dir: %w", err)
		}
		if err := os.WriteFile(filepath.Join(o.reportDir, name.String()), []byte(processed), 0644); err != nil {
			return "", fmt.Errorf("copy agent report: %w", err)
		}
	}
	return name, nil
}

// stepResults lists the per-task results followed by the screenshots taken
// during the run.
func (o *Orchestrator) stepResults(r *run, out *agent.Outcome) []report.StepResult {
	var results []report.StepResult
	for _, s := range r.summarySteps(out) {
		results = append(results, report.StepResult{Name: s.TaskName, Data: s.Result})
	}
	shots, err := o.tasks.GetIntermediateResults(r.taskID)
	if err != nil {
		return results
	}
	for i, s := range shots {
		results = append(results, report.StepResult{
			Name:       fmt.Sprintf("Screenshot %d", i+1),
			Screenshot: s.Screenshot,
			Summary:    s.CurrentURL,
		})
	}
	return results
}

// summarize fills the display summary, asking the summarizer when the user
// has an engine and falling back to the raw result otherwise.
func (o *Orchestrator) summarize(r *run, out *agent.Outcome, b *tasks.ResultBundle) {
	raw := out.Result
	if o.summarizer == nil || !o.summarizer.Available(r.userID) {
		b.AIPrepared.DisplaySummary = summarizer.DefaultDisplay(raw, nil)
		return
	}
	r.advance(progressSummary, "Summarizing results")

	logs, _ := o.tasks.GetStepLogs(r.taskID)
	s, err := o.summarizer.Summarize(r.ctx, summarizer.Input{
		UserID:          r.userID,
		Prompt:          r.command,
		Logs:            logs,
		YamlMap:         r.yamlMap,
		YAML:            r.yamlText,
		Steps:           r.summarySteps(out),
		ExecutionResult: raw,
	})
	switch {
	case err != nil:
		r.logger.Warn("summary failed, using raw result", "error", err)
		b.AIPrepared.DisplaySummary = summarizer.DefaultDisplay(raw, err)
	case s == nil:
		b.AIPrepared.DisplaySummary = summarizer.DefaultDisplay(raw, nil)
	default:
		b.AIPrepared.AISummaryData = s
		b.AIPrepared.DisplaySummary = summarizer.Display(s)
	}
}

// summarySteps pairs each scripted task's result with its name. Planned
// and direct runs have a single step.
func (r *run) summarySteps(out *agent.Outcome) []summarizer.Step {
	if out == nil || out.Result == nil {
		return nil
	}
	results, ok := out.Result.(map[int]any)
	if !ok {
		name := "Instruction"
		if r.route.Route == tasks.RouteDirect {
			name = "Open " + r.route.URL
		}
		return []summarizer.Step{{TaskName: name, Result: out.Result}}
	}

	var names []string
	if script, err := agent.ParseScript(r.yamlText); err == nil {
		for _, t := range script.Tasks {
			names = append(names, t.Name)
		}
	}
	idx := make([]int, 0, len(results))
	for i := range results {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	steps := make([]summarizer.Step, 0, len(idx))
	for _, i := range idx {
		name := fmt.Sprintf("Task %d", i+1)
		if i < len(names) && names[i] != "" {
			name = names[i]
		}
		steps = append(steps, summarizer.Step{TaskName: name, Result: results[i]})
	}
	return steps
}

// resultSummary is the plain-text answer shown to the user: the string
// values the run extracted, in task and key order.
func (r *run) resultSummary(out *agent.Outcome) string {
	if r.route.Route == tasks.RouteDirect {
		if m, ok := out.Result.(map[string]any); ok {
			title, _ := m["title"].(string)
			if title != "" {
				return fmt.Sprintf("Opened %s (%s)", r.route.URL, title)
			}
		}
		return "Opened " + r.route.URL
	}
	var parts []string
	collectText(out.Result, &parts)
	return strings.Join(parts, "\n")
}

func collectText(v any, parts *[]string) {
	switch t := v.(type) {
	case nil:
	case string:
		if s := strings.TrimSpace(t); s != "" {
			*parts = append(*parts, s)
		}
	case map[int]any:
		keys := make([]int, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		for _, k := range keys {
			collectText(t[k], parts)
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectText(t[k], parts)
		}
	case []any:
		for _, e := range t {
			collectText(e, parts)
		}
	default:
		*parts = append(*parts, fmt.Sprint(t))
	}
}

// condense trims msg to its first line, at most maxNotification runes.
func condense(msg string) string {
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	rs := []rune(msg)
	if len(rs) > maxNotification {
		return string(rs[:maxNotification]) + "..."
	}
	return msg
}
