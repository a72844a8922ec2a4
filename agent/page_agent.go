package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"nexus/agent/internal/prompts"
	"nexus/config"
	"nexus/llm"
)

// Planning modes accepted by RunInstruction.
const (
	ModeStep   = prompts.ModeStep
	ModeAction = prompts.ModeAction
)

const (
	defaultMaxTurns    = 12
	defaultWaitTimeout = 10 * time.Second
	maxPageText        = 3000
	maxPlanActions     = 5
	plannerMaxTokens   = 2048
	queryMaxTokens     = 1024
	keepScreenshots    = 2
)

// PageAgentOptions configures a PageAgent. Provider may be nil, in which
// case only scripted steps run and ai* steps fail.
type PageAgentOptions struct {
	Provider    llm.Provider
	Model       string
	ReportDir   string
	RunDir      string
	Logger      hclog.Logger
	MaxTurns    int
	Temperature float64
	// DebugLog, when set, receives the planner conversation.
	DebugLog string
}

// PageAgent drives one page through scripted flows or model-planned
// actions and records what it did for the agent report.
type PageAgent struct {
	driver Driver
	opts   PageAgentOptions
	logger hclog.Logger

	// ReportFile is the path of the agent report once WriteReport ran.
	ReportFile string

	entries     []reportEntry
	screenshots int
	usage       llm.Usage
	extracted   map[string]any
}

func NewPageAgent(driver Driver, opts PageAgentOptions) *PageAgent {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = defaultMaxTurns
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &PageAgent{
		driver: driver,
		opts:   opts,
		logger: logger.Named("page-agent"),
	}
}

// Usage returns the accumulated model usage.
func (a *PageAgent) Usage() llm.Usage {
	return a.usage
}

// RunYaml executes every task of script in order. The returned map holds,
// per task index, the values extracted or queried by that task. A failing
// step is reported on its StepInfo and skips the rest of its task unless
// the task sets continueOnError; only ErrFatal failures abort the run.
func (a *PageAgent) RunYaml(ctx context.Context, script *Script, emit EmitFunc) (map[int]any, error) {
	emit = safeEmit(emit)
	results := make(map[int]any)

	total := 0
	for _, t := range script.Tasks {
		total += len(t.Flow)
	}

	step := 0
	for i, task := range script.Tasks {
		emit(StepInfo{
			Kind:     KindPlan,
			TaskName: task.Name,
			Total:    total,
			Message:  fmt.Sprintf("Task %d/%d: %s (%d steps)", i+1, len(script.Tasks), task.Name, len(task.Flow)),
		})

		taskResult := make(map[string]any)
		for _, fs := range task.Flow {
			if err := ctx.Err(); err != nil {
				return results, err
			}
			step++
			out, err := a.runFlowStep(ctx, fs, emit)
			info := StepInfo{
				Kind:     KindStep,
				Step:     step,
				Total:    total,
				TaskName: task.Name,
				Message:  fs.Label(),
				URL:      a.driver.URL(),
			}
			if len(out) > 0 {
				info.Data = out
			}
			a.record(task.Name, fs.Label(), fs.Kind, out, err)
			if err != nil {
				info.Error = err.Error()
				emit(info)
				a.logger.Debug("flow step failed", "task", task.Name, "step", fs.Label(), "error", err)
				if errors.Is(err, ErrFatal) || ctx.Err() != nil {
					return results, err
				}
				if !task.ContinueOnError {
					break
				}
				continue
			}
			for k, v := range out {
				taskResult[k] = v
			}
			emit(info)
		}

		if len(taskResult) > 0 {
			results[i] = taskResult
		}
		a.captureStep(ctx, task.Name, emit)
		emit(StepInfo{
			Kind:     KindProgress,
			Step:     step,
			Total:    total,
			TaskName: task.Name,
			Message:  fmt.Sprintf("Finished task %s", task.Name),
		})
	}
	a.logUsage()
	return results, nil
}

func (a *PageAgent) runFlowStep(ctx context.Context, fs FlowStep, emit EmitFunc) (map[string]any, error) {
	switch fs.Kind {
	case StepNavigate:
		return nil, a.driver.Goto(ctx, fs.Prompt)
	case StepClick:
		return nil, a.driver.Click(ctx, fs.Selector)
	case StepInput:
		return nil, a.driver.Fill(ctx, fs.Selector, fs.Value)
	case StepPress:
		return nil, a.driver.Press(ctx, firstNonEmpty(fs.Prompt, fs.Value, "Enter"))
	case StepScroll:
		return nil, a.driver.Scroll(ctx, fs.Pixels)
	case StepSleep:
		return nil, sleepCtx(ctx, fs.Duration)
	case StepWaitFor:
		timeout := fs.Duration
		if timeout <= 0 {
			timeout = defaultWaitTimeout
		}
		return nil, a.driver.WaitFor(ctx, fs.Selector, timeout)
	case StepExtract:
		text, err := a.driver.Text(ctx, fs.Selector)
		if err != nil {
			return nil, err
		}
		return map[string]any{fs.Field: text}, nil
	case StepScreenshot:
		a.captureStep(ctx, fs.Label(), emit)
		return nil, nil
	case StepAIQuery:
		return a.query(ctx, fs.Prompt)
	case StepAIAssert:
		return nil, a.assert(ctx, fs.Prompt)
	case StepAIAction:
		_, err := a.RunInstruction(ctx, fs.Prompt, ModeStep, emit)
		return nil, err
	default:
		return nil, fmt.Errorf("unsupported step %q", fs.Kind)
	}
}

// observation is what the model sees of the page on one turn.
type observation struct {
	URL        string
	Title      string
	Text       string
	Screenshot []byte
}

func (a *PageAgent) observe(ctx context.Context) observation {
	obs := observation{URL: a.driver.URL()}
	if title, err := a.driver.Title(ctx); err == nil {
		obs.Title = title
	}
	if text, err := a.driver.Text(ctx, ""); err == nil {
		obs.Text = truncateRunes(text, maxPageText)
	}
	if shot, err := a.driver.Screenshot(ctx); err == nil {
		obs.Screenshot = shot
	} else {
		a.logger.Debug("screenshot for observation failed", "error", err)
	}
	return obs
}

func (o observation) message(header string) llm.Message {
	var b strings.Builder
	b.WriteString(header)
	fmt.Fprintf(&b, "\n\nCurrent URL: %s\nTitle: %s\n\nVisible text:\n%s\n", o.URL, o.Title, o.Text)
	parts := []llm.ContentBlock{{Type: llm.ContentTypeText, Text: b.String()}}
	if len(o.Screenshot) > 0 {
		parts = append(parts, llm.ContentBlock{
			Type: llm.ContentTypeImage,
			ImageData: &llm.ImageBlock{
				Data:      base64.StdEncoding.EncodeToString(o.Screenshot),
				MediaType: "image/png",
			},
		})
	}
	return llm.NewMultimodalMessage(llm.RoleUser, parts...)
}

func (a *PageAgent) requireProvider(what string) error {
	if a.opts.Provider == nil {
		return fmt.Errorf("%s requires a model, none is configured", what)
	}
	return nil
}

// chatJSON sends one stateless JSON-mode request about the current page.
func (a *PageAgent) chatJSON(ctx context.Context, system, header string) (map[string]any, error) {
	obs := a.observe(ctx)
	resp, err := a.opts.Provider.Chat(ctx, &llm.ChatRequest{
		Model: a.opts.Model,
		Messages: []llm.Message{
			llm.NewTextMessage(llm.RoleSystem, system),
			obs.message(header),
		},
		MaxTokens:   queryMaxTokens,
		Temperature: a.opts.Temperature,
		JSONMode:    true,
	})
	if err != nil {
		return nil, err
	}
	a.usage.Add(resp.Usage)

	var out map[string]any
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &out); err != nil {
		return map[string]any{"result": strings.TrimSpace(resp.Content)}, nil
	}
	return out, nil
}

func (a *PageAgent) query(ctx context.Context, prompt string) (map[string]any, error) {
	if err := a.requireProvider("aiQuery"); err != nil {
		return nil, err
	}
	out, err := a.chatJSON(ctx, prompts.GetQueryPrompt(), "Request: "+prompt)
	if err != nil {
		return nil, fmt.Errorf("aiQuery: %w", err)
	}
	return out, nil
}

func (a *PageAgent) assert(ctx context.Context, assertion string) error {
	if err := a.requireProvider("aiAssert"); err != nil {
		return err
	}
	out, err := a.chatJSON(ctx, prompts.GetAssertPrompt(), "Assertion: "+assertion)
	if err != nil {
		return fmt.Errorf("aiAssert: %w", err)
	}
	if pass, _ := out["pass"].(bool); pass {
		return nil
	}
	reason, _ := out["reason"].(string)
	if reason == "" {
		reason = "the model did not confirm it"
	}
	return fmt.Errorf("assertion failed: %s: %s", assertion, reason)
}

// plannedAction is one action of a planner response.
type plannedAction struct {
	Type     string `json:"type"`
	URL      string `json:"url,omitempty"`
	Selector string `json:"selector,omitempty"`
	Value    string `json:"value,omitempty"`
	Key      string `json:"key,omitempty"`
	Pixels   int    `json:"pixels,omitempty"`
	Ms       int    `json:"ms,omitempty"`
	Name     string `json:"name,omitempty"`
	Result   any    `json:"result,omitempty"`
}

func (p plannedAction) label() string {
	switch {
	case p.URL != "":
		return p.Type + ": " + p.URL
	case p.Selector != "":
		return p.Type + ": " + p.Selector
	case p.Key != "":
		return p.Type + ": " + p.Key
	}
	return p.Type
}

func (p plannedAction) flowStep() FlowStep {
	fs := FlowStep{
		Kind:     p.Type,
		Selector: p.Selector,
		Value:    p.Value,
		Field:    p.Name,
		Pixels:   p.Pixels,
		Duration: time.Duration(p.Ms) * time.Millisecond,
		Prompt:   firstNonEmpty(p.URL, p.Key),
	}
	if alias, ok := stepAliases[fs.Kind]; ok {
		fs.Kind = alias
	}
	if fs.Kind == StepExtract && fs.Field == "" {
		fs.Field = "text"
	}
	return fs
}

// parsePlan accepts {"actions":[...]}, a bare array of actions, or a
// single action object.
func parsePlan(raw string) ([]plannedAction, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("no action object in response")
	}
	if strings.HasPrefix(raw, "[") {
		var actions []plannedAction
		if err := json.Unmarshal([]byte(raw), &actions); err != nil {
			return nil, err
		}
		return actions, nil
	}
	var wrapped struct {
		Actions []plannedAction `json:"actions"`
		plannedAction
	}
	if err := json.Unmarshal([]byte(raw), &wrapped); err != nil {
		return nil, err
	}
	if len(wrapped.Actions) > 0 {
		return wrapped.Actions, nil
	}
	if wrapped.Type != "" {
		return []plannedAction{wrapped.plannedAction}, nil
	}
	return nil, errors.New("response has no actions")
}

// RunInstruction plans and executes actions for a natural-language
// instruction until the model issues done or the turn limit is reached.
// Model output is streamed: the text before the action object arrives as
// thought chunks and the object itself as function-call chunks.
func (a *PageAgent) RunInstruction(ctx context.Context, instruction, mode string, emit EmitFunc) (any, error) {
	emit = safeEmit(emit)
	if err := a.requireProvider("instruction"); err != nil {
		return nil, err
	}
	if mode != ModeAction {
		mode = ModeStep
	}

	session := llm.NewSession(a.opts.Provider, a.opts.Model, prompts.GetPlannerPrompt(mode))
	session.SetSampling(a.opts.Temperature, plannerMaxTokens)
	if a.opts.DebugLog != "" {
		if err := session.EnableDebug(a.opts.DebugLog); err != nil {
			a.logger.Warn("failed to enable planner debug log", "path", a.opts.DebugLog, "error", err)
		}
	}
	defer func() {
		session.Close()
		a.usage.Add(session.Usage())
		a.logUsage()
	}()

	a.extracted = make(map[string]any)
	feedback := ""
	step := 0
	for turn := 1; turn <= a.opts.MaxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		header := fmt.Sprintf("Goal: %s\n\nTurn %d of %d.", instruction, turn, a.opts.MaxTurns)
		if feedback != "" {
			header += "\n\nOutcome of your previous actions:\n" + feedback
		}
		obs := a.observe(ctx)

		parser := NewMessageParser(
			func(chunk string) { emit(StepInfo{Kind: KindThought, Chunk: chunk}) },
			func() { emit(StepInfo{Kind: KindThought, ThoughtDone: true}) },
			func(chunk string) { emit(StepInfo{Kind: KindFunctionCall, Chunk: chunk}) },
		)
		_, err := session.SendMessageStream(ctx, obs.message(header), func(c llm.StreamChunk) {
			if c.Content != "" {
				parser.ProcessChunk(c.Content)
			}
		})
		parser.Finish()
		if err != nil {
			return nil, fmt.Errorf("planner turn %d: %w", turn, err)
		}
		session.DropImages(keepScreenshots)

		actions, err := parsePlan(parser.Call())
		if err != nil {
			feedback = "Your response did not contain a valid action object: " + err.Error()
			a.logger.Debug("unparseable planner response", "turn", turn, "error", err)
			continue
		}
		if mode == ModeAction && len(actions) > 1 {
			actions = actions[:1]
		}
		if len(actions) > maxPlanActions {
			actions = actions[:maxPlanActions]
		}

		var lines []string
		for _, act := range actions {
			if act.Type == "done" {
				a.record("", "done", "done", nil, nil)
				a.captureStep(ctx, "done", emit)
				return a.finalResult(act.Result), nil
			}
			step++
			out, err := a.runFlowStep(ctx, act.flowStep(), emit)
			a.record("", act.label(), act.Type, out, err)
			info := StepInfo{Kind: KindStep, Step: step, Message: act.label(), URL: a.driver.URL(), Data: out}
			if err != nil {
				info.Error = err.Error()
				emit(info)
				if errors.Is(err, ErrFatal) || ctx.Err() != nil {
					return nil, err
				}
				lines = append(lines, fmt.Sprintf("- %s failed: %s", act.label(), err))
				break
			}
			emit(info)
			for k, v := range out {
				a.extracted[k] = v
			}
			lines = append(lines, fmt.Sprintf("- %s ok", act.label()))
		}
		feedback = strings.Join(lines, "\n")
		a.captureStep(ctx, fmt.Sprintf("turn %d", turn), emit)
		emit(StepInfo{Kind: KindProgress, Step: turn, Total: a.opts.MaxTurns, Message: fmt.Sprintf("Planner turn %d finished", turn)})
	}
	return nil, fmt.Errorf("instruction not completed after %d turns", a.opts.MaxTurns)
}

func (a *PageAgent) finalResult(result any) any {
	if s, ok := result.(string); ok && len(a.extracted) == 0 {
		return map[string]any{"description": s}
	}
	if result == nil {
		if len(a.extracted) > 0 {
			return a.extracted
		}
		return map[string]any{}
	}
	if m, ok := result.(map[string]any); ok {
		for k, v := range a.extracted {
			if _, exists := m[k]; !exists {
				m[k] = v
			}
		}
		return m
	}
	return result
}

// captureStep takes a screenshot, stores it in the run directory for the
// agent report and emits it.
func (a *PageAgent) captureStep(ctx context.Context, label string, emit EmitFunc) {
	shot, err := a.driver.Screenshot(ctx)
	if err != nil {
		a.logger.Debug("step screenshot failed", "label", label, "error", err)
		return
	}
	a.screenshots++
	path := ""
	if a.opts.RunDir != "" {
		name := fmt.Sprintf("screenshot-%d-%d.png", a.screenshots, time.Now().UnixMilli())
		path = filepath.Join(a.opts.RunDir, name)
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		if err := os.MkdirAll(a.opts.RunDir, 0755); err != nil || os.WriteFile(path, shot, 0644) != nil {
			a.logger.Debug("failed to save step screenshot", "path", path)
			path = ""
		}
	}
	if n := len(a.entries); n > 0 && a.entries[n-1].Screenshot == "" {
		a.entries[n-1].Screenshot = path
	}
	emit(StepInfo{
		Kind:       KindScreenshot,
		Message:    label,
		Screenshot: base64.StdEncoding.EncodeToString(shot),
		URL:        a.driver.URL(),
	})
}

func (a *PageAgent) logUsage() {
	if a.usage.InputTokens == 0 && a.usage.OutputTokens == 0 {
		return
	}
	a.logger.Info("model usage",
		"model", a.opts.Model,
		"input_tokens", a.usage.InputTokens,
		"output_tokens", a.usage.OutputTokens,
		"cost_usd", config.CalculateCost(a.opts.Model, a.usage.InputTokens, a.usage.OutputTokens))
}

func safeEmit(emit EmitFunc) EmitFunc {
	if emit == nil {
		return func(StepInfo) {}
	}
	return emit
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// extractJSON trims markdown fences and surrounding prose from a model
// response, returning the outermost object.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end < start {
		return s
	}
	return s[start : end+1]
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
