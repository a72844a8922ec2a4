// Package summarizer condenses a finished run into a structured summary
// for the user.
package summarizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"nexus/config"
	"nexus/llm"
	"nexus/store"
	"nexus/tasks"
)

const (
	maxLogEntries = 20
	maxStepResult = 800
	maxYAML       = 1500
)

const systemRole = `You are an assistant that summarizes browser automation runs for the person who requested them. You receive the recent execution log, the per-step results and the script that was run, if any.

Respond with a single JSON object with exactly these string fields:
- primaryGoal: what the user wanted to achieve
- finalOutcome: what the run actually produced, quoting extracted values
- processSummary: the main steps taken
- challengesFaced: errors or obstacles, or "None"
- overallSummary: two or three sentences a non-technical reader can act on`

// Step is one task's outcome as fed to the summarizer.
type Step struct {
	TaskName string
	Result   any
}

// Input is everything the summarizer looks at for one run.
type Input struct {
	UserID          string
	Prompt          string
	Logs            []tasks.StepLog
	YamlMap         *store.YamlMap
	// YAML is the script that ran; YamlMap.YAML is used when empty.
	YAML            string
	Steps           []Step
	ExecutionResult any
}

// Summarizer asks an engine for a structured run summary.
type Summarizer struct {
	engines *llm.Engines
	cfg     config.SummarizerConfig
	logger  hclog.Logger
}

// New returns a summarizer. cfg may be nil, in which case the user's
// resolved engine is used with default sampling.
func New(engines *llm.Engines, cfg *config.SummarizerConfig, logger hclog.Logger) *Summarizer {
	var c config.SummarizerConfig
	if cfg != nil {
		c = *cfg
	}
	c.Defaults()
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Summarizer{engines: engines, cfg: c, logger: logger.Named("summarizer")}
}

// Available reports whether a summary can be attempted for userID.
func (s *Summarizer) Available(userID string) bool {
	if s.engines == nil {
		return false
	}
	if s.cfg.Model != "" {
		if eng, ok := s.engines.Lookup(s.cfg.Model); ok {
			for _, id := range s.engines.Available(userID) {
				if id == eng.ID {
					return true
				}
			}
			return false
		}
	}
	return len(s.engines.Available(userID)) > 0
}

func (s *Summarizer) selection(ctx context.Context, userID string) (*llm.Selection, error) {
	if s.cfg.Model != "" {
		sel, err := s.engines.Select(ctx, userID, s.cfg.Model)
		if err == nil || !errors.Is(err, llm.ErrNoEngine) {
			return sel, err
		}
	}
	return s.engines.Resolve(ctx, userID)
}

// Summarize returns the structured summary of a run. It returns (nil, nil)
// when no engine has credentials for userID. A response that is not valid
// JSON yields DefaultSummary with an explanatory overallSummary.
func (s *Summarizer) Summarize(ctx context.Context, in Input) (*tasks.AISummary, error) {
	if s.engines == nil {
		return nil, nil
	}
	sel, err := s.selection(ctx, in.UserID)
	if errors.Is(err, llm.ErrNoEngine) {
		s.logger.Debug("no credentials for summary", "user_id", in.UserID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	resp, err := sel.Provider.Chat(ctx, &llm.ChatRequest{
		Model: sel.Engine.APIModel,
		Messages: []llm.Message{
			llm.NewTextMessage(llm.RoleSystem, systemRole),
			llm.NewTextMessage(llm.RoleUser, BuildPrompt(in)),
		},
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
		JSONMode:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	s.logger.Info("summary generated",
		"user_id", in.UserID,
		"engine", sel.Engine.ID,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"cost_usd", config.CalculateCost(sel.Engine.APIModel, resp.Usage.InputTokens, resp.Usage.OutputTokens))

	var out tasks.AISummary
	if err := json.Unmarshal([]byte(extractObject(resp.Content)), &out); err != nil {
		s.logger.Warn("summary response was not valid JSON", "error", err)
		d := DefaultSummary(in)
		d.OverallSummary = fmt.Sprintf("The run finished but its summary could not be read (%v). See the raw result for details.", err)
		return d, nil
	}
	return &out, nil
}

// DefaultSummary is the structure used when the model answer is unusable.
func DefaultSummary(in Input) *tasks.AISummary {
	goal := in.Prompt
	if goal == "" && in.YamlMap != nil {
		goal = in.YamlMap.Name
	}
	return &tasks.AISummary{
		PrimaryGoal:     goal,
		FinalOutcome:    "See the execution result.",
		ProcessSummary:  fmt.Sprintf("%d steps were executed.", len(in.Steps)),
		ChallengesFaced: "Unknown",
		OverallSummary:  "The run finished.",
	}
}

// BuildPrompt renders the user prompt: the last log entries, per-step
// results and the script source, each truncated.
func BuildPrompt(in Input) string {
	var b strings.Builder
	if in.Prompt != "" {
		fmt.Fprintf(&b, "User request: %s\n\n", in.Prompt)
	}

	logs := in.Logs
	if len(logs) > maxLogEntries {
		logs = logs[len(logs)-maxLogEntries:]
	}
	b.WriteString("Execution log (most recent last):\n")
	for _, l := range logs {
		fmt.Fprintf(&b, "[%s] %s: %s\n", l.Timestamp.UTC().Format(time.RFC3339), l.Type, l.Message)
	}

	b.WriteString("\nStep results:\n")
	for i, st := range in.Steps {
		name := st.TaskName
		if name == "" {
			name = fmt.Sprintf("Step %d", i+1)
		}
		fmt.Fprintf(&b, "- %s: %s\n", name, truncate(resultText(st.Result), maxStepResult))
	}
	if len(in.Steps) == 0 && in.ExecutionResult != nil {
		fmt.Fprintf(&b, "- Result: %s\n", truncate(resultText(in.ExecutionResult), maxStepResult))
	}

	script := in.YAML
	if script == "" && in.YamlMap != nil {
		script = in.YamlMap.YAML
	}
	switch {
	case script == "":
	case in.YamlMap != nil:
		fmt.Fprintf(&b, "\nScript %q:\n%s\n", in.YamlMap.Name, truncate(script, maxYAML))
	default:
		fmt.Fprintf(&b, "\nScript:\n%s\n", truncate(script, maxYAML))
	}
	return b.String()
}

// DefaultDisplay is the display summary used when no model summary is
// available: the raw result, followed by the failure when there was one.
func DefaultDisplay(raw any, err error) string {
	body, mErr := json.MarshalIndent(raw, "", "  ")
	if mErr != nil {
		body = []byte(fmt.Sprint(raw))
	}
	out := "Actual Execution Result:\n" + string(body)
	if err != nil {
		out += "\n\nAI summary generation failed: " + err.Error()
	}
	return out
}

// Display renders a structured summary as markdown.
func Display(s *tasks.AISummary) string {
	var b strings.Builder
	section := func(title, body string) {
		if body == "" {
			return
		}
		fmt.Fprintf(&b, "**%s:** %s\n\n", title, body)
	}
	section("Goal", s.PrimaryGoal)
	section("Outcome", s.FinalOutcome)
	section("Process", s.ProcessSummary)
	section("Challenges", s.ChallengesFaced)
	b.WriteString(s.OverallSummary)
	return strings.TrimSpace(b.String())
}

func resultText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func extractObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end < start {
		return s
	}
	return s[start : end+1]
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
