package summarizer_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"nexus/config"
	"nexus/llm"
	"nexus/llm/llmtest"
	"nexus/store"
	"nexus/summarizer"
	"nexus/tasks"
)

func enginesWith(apiKey string, fake llm.Provider) *llm.Engines {
	cfg := config.Default()
	cfg.Models = []config.Model{
		{Name: "openai", Provider: config.ProviderOpenAI, AllowedModels: []string{"gpt_4o"}, APIKey: apiKey},
	}
	return llm.NewEngines(cfg, store.NewMemoryBundle().Users, nil).
		WithFactory(func(context.Context, config.Provider, string) (llm.Provider, error) { return fake, nil })
}

var _ = Describe("Summarizer", func() {
	var in summarizer.Input

	BeforeEach(func() {
		in = summarizer.Input{
			UserID: "u1",
			Prompt: "What is the weather?",
			Steps:  []summarizer.Step{{TaskName: "Weather", Result: map[string]any{"description": "It is sunny."}}},
		}
	})

	It("returns nil without credentials", func() {
		fake := llmtest.New()
		s := summarizer.New(enginesWith("", fake), nil, nil)
		Expect(s.Available("u1")).To(BeFalse())
		out, err := s.Summarize(context.Background(), in)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(BeNil())
		Expect(fake.Calls()).To(BeZero())
	})

	It("parses the JSON summary", func() {
		fake := llmtest.New(`{"primaryGoal":"weather","finalOutcome":"It is sunny.","processSummary":"read the page","challengesFaced":"None","overallSummary":"Sunny today."}`)
		s := summarizer.New(enginesWith("sys", fake), &config.SummarizerConfig{Model: "gpt_4o"}, nil)
		Expect(s.Available("u1")).To(BeTrue())

		out, err := s.Summarize(context.Background(), in)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.FinalOutcome).To(Equal("It is sunny."))
		Expect(out.OverallSummary).To(Equal("Sunny today."))

		req := fake.Requests()[0]
		Expect(req.JSONMode).To(BeTrue())
		Expect(req.Temperature).To(Equal(0.3))
		Expect(req.MaxTokens).To(Equal(1000))
		Expect(req.Model).To(Equal("gpt-4o"))
		Expect(req.Messages[0].Role).To(Equal(llm.RoleSystem))
	})

	It("falls back to the default structure on invalid JSON", func() {
		fake := llmtest.New("I could not summarize this run.")
		s := summarizer.New(enginesWith("sys", fake), nil, nil)
		out, err := s.Summarize(context.Background(), in)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.PrimaryGoal).To(Equal("What is the weather?"))
		Expect(out.OverallSummary).To(ContainSubstring("could not be read"))
	})

	It("returns provider errors", func() {
		s := summarizer.New(enginesWith("sys", llmtest.Failing(errors.New("quota exceeded"))), nil, nil)
		_, err := s.Summarize(context.Background(), in)
		Expect(err).To(MatchError(ContainSubstring("quota exceeded")))
	})
})

var _ = Describe("BuildPrompt", func() {
	It("keeps the last 20 log entries and truncates results and yaml", func() {
		var logs []tasks.StepLog
		at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 25; i++ {
			logs = append(logs, tasks.StepLog{Type: tasks.LogStep, Message: fmt.Sprintf("entry-%02d", i), Timestamp: at})
		}
		prompt := summarizer.BuildPrompt(summarizer.Input{
			Logs:    logs,
			Steps:   []summarizer.Step{{TaskName: "Long", Result: strings.Repeat("x", 2000)}},
			YamlMap: &store.YamlMap{Name: "Weather", YAML: strings.Repeat("y", 3000)},
		})

		Expect(prompt).NotTo(ContainSubstring("entry-04"))
		Expect(prompt).To(ContainSubstring("entry-05"))
		Expect(prompt).To(ContainSubstring("entry-24"))
		Expect(prompt).To(ContainSubstring("[2025-01-01T00:00:00Z]"))
		Expect(prompt).To(ContainSubstring("- Long: " + strings.Repeat("x", 800) + "..."))
		Expect(prompt).NotTo(ContainSubstring(strings.Repeat("x", 801)))
		Expect(prompt).NotTo(ContainSubstring(strings.Repeat("y", 1501)))
	})
})

var _ = Describe("BuildPrompt scripts", func() {
	It("includes an inline script without a stored map", func() {
		prompt := summarizer.BuildPrompt(summarizer.Input{
			YAML: "tasks:\n  - name: Weather\n" + strings.Repeat("z", 2000),
		})
		Expect(prompt).To(ContainSubstring("\nScript:\ntasks:\n  - name: Weather\n"))
		Expect(prompt).To(ContainSubstring("z"))
		Expect(prompt).NotTo(ContainSubstring(strings.Repeat("z", 1500)))
	})

	It("names the stored map the script came from", func() {
		prompt := summarizer.BuildPrompt(summarizer.Input{
			YamlMap: &store.YamlMap{Name: "Weather", YAML: "tasks: []"},
			YAML:    "tasks: [a]",
		})
		Expect(prompt).To(ContainSubstring("Script \"Weather\":\ntasks: [a]\n"))
	})

	It("leaves the section out when nothing ran from a script", func() {
		Expect(summarizer.BuildPrompt(summarizer.Input{Prompt: "hi"})).NotTo(ContainSubstring("Script"))
	})
})

var _ = Describe("DefaultDisplay", func() {
	It("shows the raw result", func() {
		out := summarizer.DefaultDisplay(map[string]any{"a": 1}, nil)
		Expect(out).To(Equal("Actual Execution Result:\n{\n  \"a\": 1\n}"))
	})

	It("appends the failure", func() {
		out := summarizer.DefaultDisplay("done", errors.New("timeout"))
		Expect(out).To(HavePrefix("Actual Execution Result:\n\"done\""))
		Expect(out).To(HaveSuffix("\n\nAI summary generation failed: timeout"))
	})
})
