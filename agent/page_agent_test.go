package agent_test

import (
	"context"
	"errors"
	"os"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"nexus/agent"
	"nexus/agent/agenttest"
	"nexus/llm/llmtest"
)

func mustParse(text string) *agent.Script {
	s, err := agent.ParseScript(text)
	Expect(err).NotTo(HaveOccurred())
	return s
}

var _ = Describe("PageAgent", func() {
	var (
		ctx context.Context
		drv *agenttest.Driver
		col *collector
	)

	BeforeEach(func() {
		ctx = context.Background()
		drv = agenttest.NewDriver()
		drv.Texts["#forecast"] = "Sunny"
		drv.Missing["#missing"] = true
		col = &collector{}
	})

	Describe("RunYaml", func() {
		It("collects extracted values per task", func() {
			pa := agent.NewPageAgent(drv, agent.PageAgentOptions{})
			results, err := pa.RunYaml(ctx, mustParse(`tasks:
  - name: Weather
    flow:
      - click: "#go"
      - extract: {selector: "#forecast", name: description}
`), col.emit)
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveKeyWithValue(0, map[string]any{"description": "Sunny"}))
			Expect(drv.Calls()).To(ContainElement("click #go"))

			steps := col.kind(agent.KindStep)
			Expect(steps).To(HaveLen(2))
			Expect(steps[1].Step).To(Equal(2))
			Expect(steps[1].Total).To(Equal(2))
			Expect(col.kind(agent.KindPlan)).To(HaveLen(1))
			Expect(col.kind(agent.KindScreenshot)).NotTo(BeEmpty())
		})

		It("reports a failing step and skips the rest of its task", func() {
			pa := agent.NewPageAgent(drv, agent.PageAgentOptions{})
			results, err := pa.RunYaml(ctx, mustParse(`tasks:
  - name: Broken
    flow:
      - click: "#missing"
      - extract: "#forecast"
  - name: Next
    flow:
      - extract: {selector: "#forecast", name: forecast}
`), col.emit)
			Expect(err).NotTo(HaveOccurred())
			Expect(results).NotTo(HaveKey(0))
			Expect(results).To(HaveKeyWithValue(1, map[string]any{"forecast": "Sunny"}))

			steps := col.kind(agent.KindStep)
			Expect(steps).To(HaveLen(2))
			Expect(steps[0].Error).To(ContainSubstring("element not found"))
			Expect(steps[1].TaskName).To(Equal("Next"))
		})

		It("keeps going when the task continues on error", func() {
			pa := agent.NewPageAgent(drv, agent.PageAgentOptions{})
			results, err := pa.RunYaml(ctx, mustParse(`tasks:
  - name: Tolerant
    continueOnError: true
    flow:
      - waitFor: "#missing"
      - extract: "#forecast"
`), col.emit)
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveKeyWithValue(0, map[string]any{"text": "Sunny"}))
		})

		It("aborts on fatal browser errors", func() {
			pa := agent.NewPageAgent(drv, agent.PageAgentOptions{})
			_, err := pa.RunYaml(ctx, mustParse(`tasks:
  - name: Crash
    flow:
      - navigate: https://crash.example.com
      - click: "#go"
`), col.emit)
			Expect(errors.Is(err, agent.ErrFatal)).To(BeTrue())
			Expect(drv.Calls()).NotTo(ContainElement("click #go"))
		})

		It("answers aiQuery with a JSON-mode model call", func() {
			provider := llmtest.New(`{"description": "It is sunny."}`)
			pa := agent.NewPageAgent(drv, agent.PageAgentOptions{Provider: provider, Model: "gpt-4o"})
			results, err := pa.RunYaml(ctx, mustParse(`tasks:
  - name: Weather
    flow:
      - aiQuery: "{description: string}, today's forecast"
`), col.emit)
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveKeyWithValue(0, map[string]any{"description": "It is sunny."}))

			reqs := provider.Requests()
			Expect(reqs).To(HaveLen(1))
			Expect(reqs[0].JSONMode).To(BeTrue())
			Expect(reqs[0].Messages[len(reqs[0].Messages)-1].HasImage()).To(BeTrue())
		})

		It("fails ai steps without a model but keeps running", func() {
			pa := agent.NewPageAgent(drv, agent.PageAgentOptions{})
			_, err := pa.RunYaml(ctx, mustParse(`tasks:
  - name: Weather
    flow:
      - aiQuery: forecast
`), col.emit)
			Expect(err).NotTo(HaveOccurred())
			Expect(col.kind(agent.KindStep)[0].Error).To(ContainSubstring("requires a model"))
		})

		It("reports failed assertions on the step", func() {
			provider := llmtest.New(`{"pass": false, "reason": "the banner is missing"}`)
			pa := agent.NewPageAgent(drv, agent.PageAgentOptions{Provider: provider})
			_, err := pa.RunYaml(ctx, mustParse(`tasks:
  - name: Check
    flow:
      - aiAssert: the banner is visible
`), col.emit)
			Expect(err).NotTo(HaveOccurred())
			Expect(col.kind(agent.KindStep)[0].Error).To(ContainSubstring("the banner is missing"))
		})
	})

	Describe("RunInstruction", func() {
		It("streams thoughts and calls and runs planned actions until done", func() {
			provider := llmtest.New(
				`I should search first. {"actions":[{"type":"input","selector":"#q","value":"rain"},{"type":"press","key":"Enter"}]}`,
				`Found it. {"actions":[{"type":"done","result":{"description":"It is sunny."}}]}`,
			)
			provider.ChunkSize = 7
			pa := agent.NewPageAgent(drv, agent.PageAgentOptions{Provider: provider, Model: "gpt-4o"})

			result, err := pa.RunInstruction(ctx, "what is the weather", agent.ModeStep, col.emit)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(map[string]any{"description": "It is sunny."}))
			Expect(drv.Calls()).To(ContainElements("fill #q=rain", "press Enter"))

			var thought, call strings.Builder
			done := 0
			for _, info := range col.kind(agent.KindThought) {
				thought.WriteString(info.Chunk)
				if info.ThoughtDone {
					done++
				}
			}
			for _, info := range col.kind(agent.KindFunctionCall) {
				call.WriteString(info.Chunk)
			}
			Expect(thought.String()).To(Equal("I should search first. Found it. "))
			Expect(done).To(Equal(2))
			Expect(call.String()).To(ContainSubstring(`"type":"input"`))
			Expect(call.String()).To(HaveSuffix(`"description":"It is sunny."}}]}`))

			reqs := provider.Requests()
			Expect(reqs).To(HaveLen(2))
			last := reqs[1].Messages[len(reqs[1].Messages)-1].GetTextContent()
			Expect(last).To(ContainSubstring("- input: #q ok"))
		})

		It("runs a single action per turn in action mode", func() {
			provider := llmtest.New(
				`{"actions":[{"type":"click","selector":"#a"},{"type":"click","selector":"#b"}]}`,
				`{"type":"done","result":"finished"}`,
			)
			pa := agent.NewPageAgent(drv, agent.PageAgentOptions{Provider: provider})
			result, err := pa.RunInstruction(ctx, "click things", agent.ModeAction, col.emit)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(map[string]any{"description": "finished"}))
			Expect(drv.Calls()).To(ContainElement("click #a"))
			Expect(drv.Calls()).NotTo(ContainElement("click #b"))
		})

		It("feeds step failures back to the model", func() {
			provider := llmtest.New(
				`{"actions":[{"type":"click","selector":"#missing"}]}`,
				`{"actions":[{"type":"extract","selector":"#forecast","name":"description"},{"type":"done"}]}`,
			)
			pa := agent.NewPageAgent(drv, agent.PageAgentOptions{Provider: provider})
			result, err := pa.RunInstruction(ctx, "get the forecast", agent.ModeStep, col.emit)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(map[string]any{"description": "Sunny"}))

			reqs := provider.Requests()
			last := reqs[1].Messages[len(reqs[1].Messages)-1].GetTextContent()
			Expect(last).To(ContainSubstring("click: #missing failed"))
		})

		It("recovers from a response without an action object", func() {
			provider := llmtest.New(
				"I am not sure what to do.",
				`{"type":"done","result":{"ok":true}}`,
			)
			pa := agent.NewPageAgent(drv, agent.PageAgentOptions{Provider: provider})
			result, err := pa.RunInstruction(ctx, "anything", agent.ModeStep, col.emit)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(map[string]any{"ok": true}))
			Expect(provider.Calls()).To(Equal(2))
		})

		It("gives up after the turn limit", func() {
			provider := llmtest.New(
				`{"actions":[{"type":"scroll","pixels":300}]}`,
				`{"actions":[{"type":"scroll","pixels":300}]}`,
			)
			pa := agent.NewPageAgent(drv, agent.PageAgentOptions{Provider: provider, MaxTurns: 2})
			_, err := pa.RunInstruction(ctx, "scroll forever", agent.ModeStep, col.emit)
			Expect(err).To(MatchError(ContainSubstring("not completed after 2 turns")))
		})

		It("returns provider errors", func() {
			pa := agent.NewPageAgent(drv, agent.PageAgentOptions{Provider: llmtest.Failing(errors.New("rate limited"))})
			_, err := pa.RunInstruction(ctx, "anything", agent.ModeStep, col.emit)
			Expect(err).To(MatchError(ContainSubstring("rate limited")))
		})
	})

	Describe("WriteReport", func() {
		It("writes a timestamped report with recorded steps", func() {
			dir := GinkgoT().TempDir()
			pa := agent.NewPageAgent(drv, agent.PageAgentOptions{ReportDir: dir, RunDir: GinkgoT().TempDir()})
			_, err := pa.RunYaml(ctx, mustParse(`tasks:
  - name: Weather
    flow:
      - click: "#missing"
`), col.emit)
			Expect(err).NotTo(HaveOccurred())

			path, err := pa.WriteReport("Weather run")
			Expect(err).NotTo(HaveOccurred())
			Expect(pa.ReportFile).To(Equal(path))
			Expect(path).To(MatchRegexp(`web-\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2}-\d{3}\.html$`))

			body, err := os.ReadFile(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("Weather run"))
			Expect(string(body)).To(ContainSubstring("element not found"))
			Expect(string(body)).To(ContainSubstring("screenshot-1-"))
		})
	})
})
