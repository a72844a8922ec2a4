// Package orchestrator turns user commands into browser runs: it routes
// each submission, drives the agent, streams progress on the event bus
// and assembles the final result bundle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/oklog/ulid/v2"

	"nexus/agent"
	"nexus/eventbus"
	"nexus/llm"
	"nexus/protocol"
	"nexus/report"
	"nexus/store"
	"nexus/summarizer"
	"nexus/tasks"
	"nexus/transport"
)

const cancelledMessage = "User cancelled"

// Adapter starts browser executions. *agent.Adapter satisfies it through
// AgentAdapter.
type Adapter interface {
	Execute(ctx context.Context, req agent.ExecuteRequest) Execution
}

// Execution is a run in progress.
type Execution interface {
	Steps() <-chan agent.StepInfo
	Wait() (*agent.Outcome, error)
}

type agentAdapter struct{ a *agent.Adapter }

func (x agentAdapter) Execute(ctx context.Context, req agent.ExecuteRequest) Execution {
	return x.a.Execute(ctx, req)
}

// AgentAdapter wraps the browser agent adapter.
func AgentAdapter(a *agent.Adapter) Adapter {
	return agentAdapter{a: a}
}

// Deps are the collaborators an Orchestrator drives. Stores, Engines,
// Reports and Summarizer may be nil.
type Deps struct {
	Tasks      *tasks.Store
	Bus        *eventbus.Bus
	Stores     *store.Bundle
	Engines    *llm.Engines
	Adapter    Adapter
	Reports    *report.Generator
	Summarizer *summarizer.Summarizer
}

// Options tune where artifacts go and how URLs are built.
type Options struct {
	// RunRoot holds one directory per run plus the shared report dir.
	RunRoot string
	// Origin is the absolute origin used for raw report URLs when the
	// submission carries none.
	Origin string
	// ProbeEngines checks the selected engine answers before planning.
	ProbeEngines bool
	// EnableLogging keeps planner transcripts in the run directory.
	EnableLogging bool
	Retry         report.Retry
}

// SubmitRequest is one user command.
type SubmitRequest struct {
	UserID    string
	Command   string
	YamlMapID string
	// Mode overrides the engine's planning mode (step or action).
	Mode   string
	Origin string
}

// Submission identifies an accepted task. Stream carries its SSE events
// from taskStart through the terminal event.
type Submission struct {
	TaskID string
	RunID  string
	Route  tasks.Route
	Stream *transport.Stream
}

// Orchestrator runs submitted tasks concurrently. Each task owns a run
// that serializes its events.
type Orchestrator struct {
	tasks      *tasks.Store
	bus        *eventbus.Bus
	stores     *store.Bundle
	engines    *llm.Engines
	adapter    Adapter
	reports    *report.Generator
	summarizer *summarizer.Summarizer
	opts       Options
	reportDir  string
	logger     hclog.Logger

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup
}

func New(deps Deps, opts Options, logger hclog.Logger) *Orchestrator {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if opts.RunRoot == "" {
		opts.RunRoot = report.DefaultRunRoot
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = report.DefaultRetry
	}
	return &Orchestrator{
		tasks:      deps.Tasks,
		bus:        deps.Bus,
		stores:     deps.Stores,
		engines:    deps.Engines,
		adapter:    deps.Adapter,
		reports:    deps.Reports,
		summarizer: deps.Summarizer,
		opts:       opts,
		reportDir:  filepath.Join(opts.RunRoot, "report"),
		logger:     logger.Named("orchestrator"),
		runs:       make(map[string]*run),
	}
}

// Submit validates and routes a command, records the task as pending and
// starts it in the background. The returned stream is open before the
// first event is published.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	if req.UserID == "" {
		return nil, validationf("user id is required")
	}
	command := strings.TrimSpace(req.Command)
	if command == "" && req.YamlMapID == "" {
		return nil, validationf("command is required")
	}
	switch req.Mode {
	case "", agent.ModeStep, agent.ModeAction:
	default:
		return nil, validationf("unknown planning mode %q", req.Mode)
	}

	var info RouteInfo
	if req.YamlMapID != "" {
		if !yamlIDPattern.MatchString(req.YamlMapID) {
			return nil, validationf("malformed yaml map id %q", req.YamlMapID)
		}
		info = RouteInfo{Route: tasks.RouteYAML, YamlMapID: req.YamlMapID}
	} else {
		var err error
		if info, err = DetectRoute(command); err != nil {
			return nil, err
		}
	}

	origin := strings.TrimSuffix(req.Origin, "/")
	if origin == "" {
		origin = o.opts.Origin
	}
	r := &run{
		o:       o,
		userID:  req.UserID,
		command: command,
		route:   info,
		mode:    req.Mode,
		origin:  origin,
	}

	switch {
	case info.YamlMapID != "":
		m, err := o.loadYamlMap(info.YamlMapID)
		if err != nil {
			return nil, err
		}
		r.yamlMap = m
		r.yamlText = m.YAML
		if strings.TrimSpace(yamlRefPattern.ReplaceAllString(command, "")) == "" {
			r.command = "Execute YAML: " + m.Name
		}
	case info.InlineYAML != "":
		r.yamlText = info.InlineYAML
	}
	if r.yamlText != "" {
		if _, err := agent.ParseScript(r.yamlText); err != nil {
			return nil, newError(KindValidation, "parse yaml", err)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, newError(KindResource, "submit", ErrShuttingDown)
	}

	r.taskID = ulid.Make().String()
	r.runID = uuid.NewString()
	r.startedAt = time.Now()
	r.logger = o.logger.With("task_id", r.taskID, "user_id", r.userID, "run_id", r.runID)

	task := tasks.Task{
		ID:        r.taskID,
		UserID:    r.userID,
		Command:   r.command,
		Route:     info.Route,
		RunID:     r.runID,
		YamlMapID: info.YamlMapID,
		Status:    tasks.StatusPending,
		StartTime: r.startedAt,
	}
	if err := o.tasks.AddTask(task); err != nil {
		return nil, newError(KindResource, "add task", err)
	}
	stream := transport.OpenStream(o.bus, r.taskID, o.logger)
	if err := o.tasks.AddStream(r.taskID, stream); err != nil {
		stream.Close()
		return nil, newError(KindResource, "add stream", err)
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	o.runs[r.taskID] = r
	o.wg.Add(1)

	o.persistCommand(r)
	r.logger.Info("task submitted", "route", info.Route)
	go o.execute(r)

	return &Submission{TaskID: r.taskID, RunID: r.runID, Route: info.Route, Stream: stream}, nil
}

func (o *Orchestrator) loadYamlMap(id string) (*store.YamlMap, error) {
	if o.stores == nil || o.stores.YamlMaps == nil {
		return nil, newError(KindNotFound, "load yaml map", fmt.Errorf("yaml map %s: %w", id, store.ErrNotFound))
	}
	m, err := o.stores.YamlMaps.GetYamlMap(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindNotFound, "load yaml map", err)
	}
	if err != nil {
		return nil, newError(KindResource, "load yaml map", err)
	}
	return m, nil
}

func (o *Orchestrator) persistCommand(r *run) {
	if o.stores == nil || o.stores.Messages == nil {
		return
	}
	if _, err := o.stores.Messages.AppendMessage(store.Message{
		UserID:    r.userID,
		Role:      "user",
		Type:      "command",
		Content:   r.command,
		TaskID:    r.taskID,
		Timestamp: r.startedAt,
	}); err != nil {
		r.logger.Warn("failed to persist command", "error", err)
	}
}

// Cancel stops a pending or processing task and emits its taskError. It
// returns ErrNotFound for unknown ids and ErrAlreadyTerminal when the task
// already finished.
func (o *Orchestrator) Cancel(taskID, reason string) error {
	if reason == "" {
		reason = cancelledMessage
	}

	o.mu.Lock()
	r := o.runs[taskID]
	o.mu.Unlock()
	if r == nil {
		_, err := o.tasks.CancelTask(taskID, reason)
		return err
	}

	// The status change and the terminal event happen under the run lock so
	// no other event of the task lands between them.
	r.mu.Lock()
	if r.terminal {
		r.mu.Unlock()
		return ErrAlreadyTerminal
	}
	t, err := o.tasks.CancelTask(taskID, reason)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	bundle := tasks.ResultBundle{
		ExecutionTime: time.Since(t.StartTime).Milliseconds(),
		Summary:       reason,
		Error:         reason,
	}
	bundle.AIPrepared.Summary = reason
	bundle.AIPrepared.DisplaySummary = reason
	r.emitLocked(&protocol.Event{
		Event:  protocol.EventTaskError,
		Error:  reason,
		Result: bundle,
		Data:   map[string]any{"kind": string(KindCancelled)},
	})
	r.mu.Unlock()

	r.cancel()
	r.logger.Info("task cancelled", "reason", reason)
	return nil
}

// GetState returns a copy of the task.
func (o *Orchestrator) GetState(taskID string) (*tasks.Task, error) {
	return o.tasks.GetState(taskID)
}

// Active lists the ids of tasks still running.
func (o *Orchestrator) Active() []string {
	return o.tasks.Active()
}

// Shutdown refuses new submissions, cancels every live task and waits for
// their runs to tear down or ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	ids := make([]string, 0, len(o.runs))
	for id := range o.runs {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		if err := o.Cancel(id, "Server shutting down"); err != nil && !errors.Is(err, ErrAlreadyTerminal) {
			o.logger.Debug("cancel on shutdown", "task_id", id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info("all tasks stopped", "cancelled", len(ids))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) finish(r *run) {
	r.cancel()
	for _, s := range o.tasks.Streams(r.taskID) {
		s.Close()
	}
	o.mu.Lock()
	delete(o.runs, r.taskID)
	o.mu.Unlock()
	o.wg.Done()
}

// execute drives one task from pending to a terminal state.
func (o *Orchestrator) execute(r *run) {
	defer o.finish(r)
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("task panicked", "panic", p)
			o.fail(r, newError(KindResource, "execute", fmt.Errorf("panic: %v", p)), nil)
		}
	}()

	if _, err := o.tasks.UpdateTask(r.taskID, func(t *tasks.Task) error {
		t.Status = tasks.StatusProcessing
		return nil
	}); err != nil {
		r.logger.Debug("task ended before start", "error", err)
		return
	}
	r.emit(&protocol.Event{
		Event:   protocol.EventTaskStart,
		Message: r.command,
		Data: map[string]any{
			"route":     string(r.route.Route),
			"runId":     r.runID,
			"yamlMapId": r.route.YamlMapID,
		},
	})
	if r.yamlMap != nil && o.stores != nil && o.stores.YamlMaps != nil {
		if err := o.stores.YamlMaps.IncrementUsage(r.yamlMap.ID); err != nil {
			r.logger.Warn("failed to record yaml map usage", "yaml_map_id", r.yamlMap.ID, "error", err)
		}
	}

	sel, err := o.selectEngine(r)
	if err != nil {
		o.fail(r, err, nil)
		return
	}

	req := agent.ExecuteRequest{
		YAML:          r.yamlText,
		StartURL:      r.startURL(),
		RunDir:        filepath.Join(o.opts.RunRoot, r.runID),
		ReportDir:     o.reportDir,
		TaskID:        r.taskID,
		EnableLogging: o.opts.EnableLogging,
	}
	if r.route.Route == tasks.RouteNLI {
		req.Instruction = r.command
		req.Mode = r.mode
		if req.Mode == "" && sel != nil {
			req.Mode = sel.Engine.Planning
		}
	}
	if sel != nil {
		req.Provider = sel.Provider
		req.Model = sel.Engine.APIModel
	}

	exec := o.adapter.Execute(r.ctx, req)
	for info := range exec.Steps() {
		r.handle(info)
	}
	outcome, err := exec.Wait()

	if r.ctx.Err() != nil {
		r.logger.Debug("run stopped after cancellation")
		return
	}
	if err != nil {
		o.fail(r, classify(err), outcome)
		return
	}
	o.complete(r, outcome)
}

// startURL is the page a run opens first. A stored map's own URL wins over
// the web url in its body; the adapter falls back to the latter.
func (r *run) startURL() string {
	if r.route.URL != "" {
		return r.route.URL
	}
	if r.yamlMap != nil {
		if u := strings.TrimSpace(r.yamlMap.URL); bareURLPattern.MatchString(u) {
			return u
		}
	}
	return ""
}

// selectEngine resolves the user's engine and emits the key notification.
// Scripted routes run without an engine; their AI steps then fail.
func (o *Orchestrator) selectEngine(r *run) (*llm.Selection, error) {
	needed := r.route.Route == tasks.RouteNLI
	if o.engines == nil {
		if needed {
			return nil, newError(KindValidation, "select engine", llm.ErrNoEngine)
		}
		return nil, nil
	}

	sel, err := o.engines.Resolve(r.ctx, r.userID)
	if errors.Is(err, llm.ErrNoEngine) {
		if needed {
			return nil, newError(KindValidation, "select engine", err)
		}
		r.notify("No AI engine has an API key; AI steps are disabled for this run")
		return nil, nil
	}
	if err != nil {
		return nil, newError(KindUpstream, "select engine", err)
	}
	r.notify(sel.Notification)

	if needed && o.opts.ProbeEngines {
		if err := o.engines.Probe(r.ctx, sel); err != nil {
			return nil, newError(KindUpstream, "probe engine", err)
		}
	}
	return sel, nil
}

func classify(err error) error {
	var e *Error
	switch {
	case errors.As(err, &e):
		return err
	case errors.Is(err, agent.ErrLaunch), errors.Is(err, agent.ErrFatal):
		return newError(KindResource, "browser", err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(KindTimeout, "browser", err)
	}
	return newError(KindUpstream, "agent", err)
}

// handle turns one agent observation into step logs and events.
func (r *run) handle(info agent.StepInfo) {
	switch info.Kind {
	case agent.KindProgress:
		if info.Progress > 0 {
			r.advance(scaleProgress(info.Progress), info.Message)
		}
	case agent.KindPlan:
		r.log(tasks.LogPlan, info.Message, 0, nil)
	case agent.KindStep:
		msg := info.Message
		if info.Error != "" {
			msg = fmt.Sprintf("%s failed: %s", msg, info.Error)
		}
		r.log(tasks.LogStep, msg, info.Step, info.Data)
		if info.Progress > 0 {
			r.advance(scaleProgress(info.Progress), info.Message)
		}
	case agent.KindThought:
		if info.ThoughtDone {
			r.finishThought()
		} else {
			r.bufferThought(info.Chunk)
		}
	case agent.KindFunctionCall:
		r.bufferCall(info.Chunk)
	case agent.KindScreenshot:
		r.intermediate(info)
	}
}

// scaleProgress maps the adapter's 0..100 onto 0..80, leaving the rest for
// the completion pipeline. Launch and navigation (up to 50) pass through.
func scaleProgress(p int) int {
	if p <= 50 {
		return p
	}
	if p > 100 {
		p = 100
	}
	return 50 + (p-50)*30/50
}

func (r *run) intermediate(info agent.StepInfo) {
	now := time.Now()
	kept, err := r.o.tasks.AddIntermediate(r.taskID, tasks.IntermediateResult{
		Screenshot:    info.Screenshot,
		CurrentURL:    info.URL,
		ExtractedInfo: info.Data,
		ReceivedAt:    now,
	})
	if err != nil || !kept {
		return
	}
	r.emit(&protocol.Event{
		Event:   protocol.EventIntermediateResult,
		Message: info.Message,
		Item: &protocol.Item{
			Type:      "screenshot",
			Title:     info.Message,
			Content:   "data:image/png;base64," + info.Screenshot,
			URL:       info.URL,
			Timestamp: now,
		},
	})
}
