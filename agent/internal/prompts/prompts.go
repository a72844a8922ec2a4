package prompts

import (
	_ "embed"
	"strings"
)

//go:embed planner.md
var plannerPromptTemplate string

//go:embed query.md
var queryPrompt string

//go:embed assert.md
var assertPrompt string

// Planning modes.
const (
	ModeStep   = "step"
	ModeAction = "action"
)

var actionDocs = []string{
	"- `navigate` `{\"type\":\"navigate\",\"url\":\"https://...\"}` opens a URL.",
	"- `click` `{\"type\":\"click\",\"selector\":\"...\"}` clicks an element.",
	"- `input` `{\"type\":\"input\",\"selector\":\"...\",\"value\":\"...\"}` replaces the value of a field.",
	"- `press` `{\"type\":\"press\",\"key\":\"Enter\"}` presses a key on the focused element.",
	"- `scroll` `{\"type\":\"scroll\",\"pixels\":600}` scrolls the page; negative values scroll up.",
	"- `sleep` `{\"type\":\"sleep\",\"ms\":1000}` waits.",
	"- `waitFor` `{\"type\":\"waitFor\",\"selector\":\"...\"}` waits for an element to appear.",
	"- `extract` `{\"type\":\"extract\",\"selector\":\"...\",\"name\":\"field\"}` records the element's text under name.",
	"- `done` `{\"type\":\"done\",\"result\":...}` ends the run with the final answer.",
}

// GetPlannerPrompt returns the planner system prompt for the given mode.
func GetPlannerPrompt(mode string) string {
	prompt := plannerPromptTemplate
	prompt = strings.Replace(prompt, "{{ACTIONS}}", strings.Join(actionDocs, "\n"), 1)
	prompt = strings.Replace(prompt, "{{MODE_INSTRUCTIONS}}", getModeInstructions(mode), 1)
	return prompt
}

func getModeInstructions(mode string) string {
	if mode == ModeAction {
		return "Action mode: issue exactly one action per turn, then wait for the next observation before deciding again."
	}
	return "Step mode: issue a short plan of up to five actions per turn that can run without looking at the page in between. Stop the plan at any action that changes the page substantially, such as a navigation or a form submission."
}

// GetQueryPrompt returns the system prompt for data extraction.
func GetQueryPrompt() string {
	return queryPrompt
}

// GetAssertPrompt returns the system prompt for page assertions.
func GetAssertPrompt() string {
	return assertPrompt
}
