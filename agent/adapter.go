package agent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-hclog"

	"nexus/llm"
)

const (
	progressLaunched  = 10
	progressNavigated = 50
	progressDone      = 100
	stepBuffer        = 64
)

// ExecuteRequest describes one browser run. YAML selects the scripted
// route, Instruction the planned route; with neither set the run only opens
// StartURL and extracts its text.
type ExecuteRequest struct {
	YAML        string
	Instruction string
	Mode        string
	StartURL    string
	RunDir      string
	ReportDir   string
	TaskID      string
	// EnableLogging keeps the planner conversation in RunDir.
	EnableLogging bool

	Provider    llm.Provider
	Model       string
	Temperature float64
}

// Outcome is what a finished run leaves behind.
type Outcome struct {
	Result         any
	ReportFile     string
	ScreenshotPath string
	PageText       string
	CurrentURL     string
}

// Execution is a run in progress. Steps must be drained before Wait
// returns.
type Execution struct {
	steps chan StepInfo
	done  chan struct{}

	mu      sync.Mutex
	outcome *Outcome
	err     error
}

// Steps returns the ordered StepInfo stream. It is closed when the run ends.
func (e *Execution) Steps() <-chan StepInfo {
	return e.steps
}

// Wait blocks until the run ends and returns its outcome. The outcome is
// non-nil whenever the browser launched, even if err is set.
func (e *Execution) Wait() (*Outcome, error) {
	<-e.done
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outcome, e.err
}

// Adapter runs browser executions on sessions from a Launcher.
type Adapter struct {
	launcher Launcher
	logger   hclog.Logger
}

func NewAdapter(launcher Launcher, logger hclog.Logger) *Adapter {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Adapter{launcher: launcher, logger: logger.Named("adapter")}
}

// Execute starts req in the background. Cancelling ctx stops the run at
// the next step and closes the browser.
func (a *Adapter) Execute(ctx context.Context, req ExecuteRequest) *Execution {
	exec := &Execution{
		steps: make(chan StepInfo, stepBuffer),
		done:  make(chan struct{}),
	}
	go func() {
		outcome, err := a.run(ctx, req, exec.steps)
		exec.mu.Lock()
		exec.outcome, exec.err = outcome, err
		exec.mu.Unlock()
		close(exec.steps)
		close(exec.done)
	}()
	return exec
}

func (a *Adapter) run(ctx context.Context, req ExecuteRequest, steps chan<- StepInfo) (*Outcome, error) {
	logger := a.logger.With("task_id", req.TaskID)
	send := func(info StepInfo) {
		select {
		case steps <- info:
		case <-ctx.Done():
		}
	}

	var script *Script
	if req.YAML != "" {
		s, err := ParseScript(req.YAML)
		if err != nil {
			return nil, err
		}
		script = s
	}

	sess, err := a.launcher.Launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Warn("failed to close browser session", "error", err)
		}
	}()
	drv := sess.Driver()
	send(StepInfo{Kind: KindProgress, Progress: progressLaunched, Message: "Browser launched"})

	outcome := &Outcome{}
	startURL := req.StartURL
	if startURL == "" && script != nil {
		startURL = script.StartURL()
	}
	if startURL != "" {
		if !validURL(startURL) {
			logger.Warn("skipping navigation to invalid url", "url", startURL)
		} else {
			if err := drv.Goto(ctx, startURL); err != nil {
				return outcome, fmt.Errorf("navigate to %s: %w", startURL, err)
			}
			if text, err := drv.Text(ctx, ""); err == nil {
				outcome.PageText = truncateRunes(text, maxPageText)
			} else {
				logger.Debug("page text extraction failed", "error", err)
			}
		}
	}
	send(StepInfo{Kind: KindProgress, Progress: progressNavigated, Message: "Page ready", URL: drv.URL()})

	opts := PageAgentOptions{
		Provider:    req.Provider,
		Model:       req.Model,
		ReportDir:   req.ReportDir,
		RunDir:      req.RunDir,
		Logger:      logger,
		Temperature: req.Temperature,
	}
	if req.EnableLogging && req.RunDir != "" {
		opts.DebugLog = filepath.Join(req.RunDir, "planner.log")
	}
	pa := NewPageAgent(drv, opts)

	total := 0
	switch {
	case script != nil:
		total = CountNames(req.YAML)
	case req.Instruction != "":
		total = pa.opts.MaxTurns
	}
	// Steps carry their own total when the agent knows it; the name count
	// and turn cap are only estimates.
	emit := func(info StepInfo) {
		if (info.Kind == KindStep || info.Kind == KindProgress) && info.Step > 0 {
			of := info.Total
			if of <= 0 {
				of = total
			}
			if of > 0 {
				n := min(info.Step, of)
				info.Progress = progressNavigated + (progressDone-progressNavigated)*n/of
			}
		}
		send(info)
	}

	var runErr error
	switch {
	case script != nil:
		var results map[int]any
		results, runErr = pa.RunYaml(ctx, script, emit)
		outcome.Result = results
	case req.Instruction != "":
		outcome.Result, runErr = pa.RunInstruction(ctx, req.Instruction, req.Mode, emit)
	default:
		title, _ := drv.Title(ctx)
		outcome.Result = map[string]any{
			"url":   drv.URL(),
			"title": title,
			"text":  outcome.PageText,
		}
	}
	outcome.CurrentURL = drv.URL()

	if ctx.Err() == nil {
		outcome.ScreenshotPath = a.finalScreenshot(ctx, drv, req, logger)
	}
	if len(pa.entries) > 0 && req.ReportDir != "" {
		if _, err := pa.WriteReport(reportTitle(req)); err != nil {
			logger.Warn("failed to write agent report", "error", err)
		}
		outcome.ReportFile = pa.ReportFile
	}

	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}
	if runErr != nil {
		return outcome, runErr
	}
	send(StepInfo{Kind: KindProgress, Progress: progressDone, Message: "Execution finished"})
	return outcome, nil
}

func (a *Adapter) finalScreenshot(ctx context.Context, drv Driver, req ExecuteRequest, logger hclog.Logger) string {
	if req.RunDir == "" {
		return ""
	}
	if err := os.MkdirAll(req.RunDir, 0755); err != nil {
		logger.Warn("failed to create run dir", "dir", req.RunDir, "error", err)
		return ""
	}
	path := filepath.Join(req.RunDir, fmt.Sprintf("final-screenshot-%s.png", req.TaskID))
	if err := drv.ScreenshotFile(ctx, path); err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Warn("final screenshot failed", "error", err)
		}
		return ""
	}
	return path
}

func reportTitle(req ExecuteRequest) string {
	if req.Instruction != "" {
		return truncateRunes(req.Instruction, 120)
	}
	if req.TaskID != "" {
		return "Run " + req.TaskID
	}
	return "Browser run"
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
