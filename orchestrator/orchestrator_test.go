package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"nexus/agent"
	"nexus/agent/agenttest"
	"nexus/config"
	"nexus/eventbus"
	"nexus/llm"
	"nexus/llm/llmtest"
	"nexus/orchestrator"
	"nexus/protocol"
	"nexus/report"
	"nexus/store"
	"nexus/summarizer"
	"nexus/tasks"
)

const weatherYAML = `web:
  url: https://weather.example.com
tasks:
  - name: Weather
    flow:
      - extract: {selector: "#forecast", name: description}
`

const slowYAML = `web:
  url: https://weather.example.com
tasks:
  - name: Wait
    flow:
      - sleep: 5000
`

// recorder keeps every event published on the bus.
type recorder struct {
	mu     sync.Mutex
	events []*protocol.Event
}

func record(bus *eventbus.Bus) *recorder {
	r := &recorder{}
	bus.SubscribeMany(protocol.AllEvents, func(ev *protocol.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	})
	return r
}

func (r *recorder) named(taskID, name string) []*protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*protocol.Event
	for _, ev := range r.events {
		if ev.TaskID == taskID && ev.Event == name {
			out = append(out, ev)
		}
	}
	return out
}

func drain(sub *orchestrator.Submission) []*protocol.Event {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out []*protocol.Event
	for {
		ev, err := sub.Stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		Expect(err).NotTo(HaveOccurred())
		out = append(out, ev)
	}
}

func progressValues(events []*protocol.Event) []int {
	var out []int
	for _, ev := range events {
		if ev.Event == protocol.EventStepProgress && ev.Progress != nil {
			out = append(out, *ev.Progress)
		}
	}
	return out
}

func bundleOf(ev *protocol.Event) tasks.ResultBundle {
	var b tasks.ResultBundle
	Expect(ev.DecodeResult(&b)).To(Succeed())
	return b
}

func enginesWith(fake llm.Provider) *llm.Engines {
	cfg := config.Default()
	cfg.Models = []config.Model{
		{Name: "openai", Provider: config.ProviderOpenAI, AllowedModels: []string{"gpt_4o"}, APIKey: "sys-key"},
	}
	return llm.NewEngines(cfg, store.NewMemoryBundle().Users, nil).
		WithFactory(func(context.Context, config.Provider, string) (llm.Provider, error) { return fake, nil })
}

// scripted replays fixed steps and outcome instead of driving a browser.
type scripted struct {
	steps   []agent.StepInfo
	outcome *agent.Outcome
	err     error

	mu  sync.Mutex
	req agent.ExecuteRequest
}

type scriptedExecution struct {
	steps   chan agent.StepInfo
	outcome *agent.Outcome
	err     error
}

func (e *scriptedExecution) Steps() <-chan agent.StepInfo { return e.steps }
func (e *scriptedExecution) Wait() (*agent.Outcome, error) {
	return e.outcome, e.err
}

func (s *scripted) Execute(ctx context.Context, req agent.ExecuteRequest) orchestrator.Execution {
	s.mu.Lock()
	s.req = req
	s.mu.Unlock()
	ch := make(chan agent.StepInfo, len(s.steps))
	for _, st := range s.steps {
		ch <- st
	}
	close(ch)
	return &scriptedExecution{steps: ch, outcome: s.outcome, err: s.err}
}

func (s *scripted) lastRequest() agent.ExecuteRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.req
}

// chatty streams thought chunks until its run is cancelled.
type chatty struct{}

func (chatty) Execute(ctx context.Context, req agent.ExecuteRequest) orchestrator.Execution {
	ch := make(chan agent.StepInfo)
	go func() {
		defer close(ch)
		for {
			select {
			case ch <- agent.StepInfo{Kind: agent.KindThought, Chunk: "."}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return &scriptedExecution{steps: ch, err: context.Canceled}
}

var _ = Describe("Orchestrator", func() {
	var (
		dir      string
		runRoot  string
		bus      *eventbus.Bus
		events   *recorder
		ts       *tasks.Store
		stores   *store.Bundle
		drv      *agenttest.Driver
		launcher *agenttest.Launcher
		deps     orchestrator.Deps
		opts     orchestrator.Options
		orch     *orchestrator.Orchestrator
	)

	build := func() {
		orch = orchestrator.New(deps, opts, nil)
	}

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		runRoot = filepath.Join(dir, "nexus_run")
		bus = eventbus.New(nil)
		events = record(bus)
		ts = tasks.NewStore(nil, nil)
		stores = store.NewMemoryBundle()

		drv = agenttest.NewDriver()
		drv.Pages["https://weather.example.com"] = "Forecast: sunny all day"
		drv.Texts["#forecast"] = "It is sunny."
		launcher = agenttest.NewLauncher(drv)

		deps = orchestrator.Deps{
			Tasks:   ts,
			Bus:     bus,
			Stores:  stores,
			Adapter: orchestrator.AgentAdapter(agent.NewAdapter(launcher, nil)),
			Reports: report.NewGenerator(report.DefaultRunRoot, nil),
		}
		opts = orchestrator.Options{
			RunRoot: runRoot,
			Origin:  "http://localhost:3420",
			Retry:   report.Retry{Attempts: 2, Base: 10 * time.Millisecond},
		}
		build()
	})

	AfterEach(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		Expect(orch.Shutdown(ctx)).To(Succeed())
	})

	Describe("a stored YAML map", func() {
		var mapID string

		BeforeEach(func() {
			var err error
			mapID, err = stores.YamlMaps.CreateYamlMap(store.YamlMap{UserID: "u1", Name: "Weather", YAML: weatherYAML})
			Expect(err).NotTo(HaveOccurred())
		})

		It("streams progress and completes with a full bundle", func() {
			sub, err := orch.Submit(context.Background(), orchestrator.SubmitRequest{UserID: "u1", Command: "/yaml " + mapID})
			Expect(err).NotTo(HaveOccurred())
			Expect(sub.Route).To(Equal(tasks.RouteYAML))

			stream := drain(sub)
			Expect(stream).NotTo(BeEmpty())
			Expect(stream[0].Event).To(Equal(protocol.EventTaskStart))
			Expect(stream[0].Message).To(Equal("Execute YAML: Weather"))
			last := stream[len(stream)-1]
			Expect(last.Event).To(Equal(protocol.EventTaskComplete))

			var prev uint64
			for _, ev := range stream {
				Expect(ev.Seq).To(BeNumerically(">", prev))
				prev = ev.Seq
			}

			progress := progressValues(stream)
			Expect(progress).To(ContainElements(10, 50, 85, 90))
			Expect(progress).NotTo(ContainElement(95))
			for i := 1; i < len(progress); i++ {
				Expect(progress[i]).To(BeNumerically(">=", progress[i-1]))
			}
			Expect(progress).To(HaveEach(BeNumerically("<=", 99)))

			b := bundleOf(last)
			Expect(b.AIPrepared.Summary).To(Equal("It is sunny."))
			Expect(b.AIPrepared.DisplaySummary).To(HavePrefix("Actual Execution Result:"))
			Expect(b.NexusReportURL).To(MatchRegexp(`^/external-report/web-[0-9_-]+\.html$`))
			name := filepath.Base(b.NexusReportURL)
			Expect(b.RawReportURL).To(Equal("http://localhost:3420/raw-report/" + name))
			Expect(b.AIPrepared.NexusReportURL).To(Equal(b.NexusReportURL))
			Expect(b.ReportURL).To(HavePrefix("/nexus_run/report/landing-report-"))
			Expect(b.LandingReportURL).To(Equal(b.ReportURL))
			Expect(b.Screenshot).To(Equal(fmt.Sprintf("/nexus_run/%s/final-screenshot-%s.png", sub.RunID, sub.TaskID)))
			Expect(b.Raw.PageText).To(Equal("Forecast: sunny all day"))
			Expect(b.Raw.YamlMapID).To(Equal(mapID))
			Expect(filepath.Join(runRoot, "report", name)).To(BeAnExistingFile())

			task, err := orch.GetState(sub.TaskID)
			Expect(err).NotTo(HaveOccurred())
			Expect(task.Status).To(Equal(tasks.StatusCompleted))
			Expect(task.Progress).To(Equal(100))
			Expect(task.Result.NexusReportURL).To(Equal(b.NexusReportURL))

			m, err := stores.YamlMaps.GetYamlMap(mapID)
			Expect(err).NotTo(HaveOccurred())
			Expect(m.UsageCount).To(Equal(1))

			Eventually(func() int { return launcher.Session.Closed() }).Should(Equal(1))
		})

		It("persists the summary before completing", func() {
			sub, err := orch.Submit(context.Background(), orchestrator.SubmitRequest{UserID: "u1", YamlMapID: mapID})
			Expect(err).NotTo(HaveOccurred())
			drain(sub)

			persisted := events.named(sub.TaskID, protocol.EventNLIResponsePersisted)
			Expect(persisted).To(HaveLen(1))
			Expect(persisted[0].Data).To(HaveKeyWithValue("type", "summary"))
			complete := events.named(sub.TaskID, protocol.EventTaskComplete)
			Expect(complete).To(HaveLen(1))
			Expect(persisted[0].Seq).To(BeNumerically("<", complete[0].Seq))

			history, err := stores.Messages.History("u1", store.HistoryQuery{Sort: "asc"})
			Expect(err).NotTo(HaveOccurred())
			Expect(history).To(HaveLen(2))
			Expect(history[0].Role).To(Equal("user"))
			Expect(history[1].Type).To(Equal("summary"))
			Expect(history[1].TaskID).To(Equal(sub.TaskID))
		})

		It("opens the url stored on the map record", func() {
			id, err := stores.YamlMaps.CreateYamlMap(store.YamlMap{
				UserID: "u1",
				Name:   "Forecast",
				URL:    "https://weather.example.com",
				YAML:   "tasks:\n  - name: Weather\n    flow:\n      - extract: {selector: \"#forecast\", name: description}\n",
			})
			Expect(err).NotTo(HaveOccurred())

			sub, err := orch.Submit(context.Background(), orchestrator.SubmitRequest{UserID: "u1", Command: "/yaml " + id})
			Expect(err).NotTo(HaveOccurred())
			stream := drain(sub)

			last := stream[len(stream)-1]
			Expect(last.Event).To(Equal(protocol.EventTaskComplete))
			Expect(drv.Calls()).To(ContainElement("goto https://weather.example.com"))
			b := bundleOf(last)
			Expect(b.Raw.PageText).To(Equal("Forecast: sunny all day"))
			Expect(b.AIPrepared.Summary).To(Equal("It is sunny."))
		})

		It("reports an unknown map as not found", func() {
			_, err := orch.Submit(context.Background(), orchestrator.SubmitRequest{UserID: "u1", Command: "/yaml missing01"})
			Expect(orchestrator.IsKind(err, orchestrator.KindNotFound)).To(BeTrue())
			Expect(ts.Len()).To(BeZero())
		})
	})

	Describe("validation", func() {
		It("rejects empty commands and unknown modes", func() {
			_, err := orch.Submit(context.Background(), orchestrator.SubmitRequest{UserID: "u1", Command: "  "})
			Expect(orchestrator.IsKind(err, orchestrator.KindValidation)).To(BeTrue())

			_, err = orch.Submit(context.Background(), orchestrator.SubmitRequest{Command: "hello"})
			Expect(orchestrator.IsKind(err, orchestrator.KindValidation)).To(BeTrue())

			_, err = orch.Submit(context.Background(), orchestrator.SubmitRequest{UserID: "u1", Command: "hello", Mode: "turbo"})
			Expect(orchestrator.IsKind(err, orchestrator.KindValidation)).To(BeTrue())
		})

		It("rejects inline scripts that do not parse", func() {
			_, err := orch.Submit(context.Background(), orchestrator.SubmitRequest{UserID: "u1", Command: "---\ntasks: []"})
			Expect(orchestrator.IsKind(err, orchestrator.KindValidation)).To(BeTrue())
		})
	})

	Describe("cancellation", func() {
		It("emits exactly one taskError and stops the browser", func() {
			sub, err := orch.Submit(context.Background(), orchestrator.SubmitRequest{UserID: "u1", Command: "---\n" + slowYAML})
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() int {
				t, _ := orch.GetState(sub.TaskID)
				return t.Progress
			}).Should(BeNumerically(">=", 50))

			Expect(orch.Cancel(sub.TaskID, "User cancelled")).To(Succeed())
			Expect(orch.Cancel(sub.TaskID, "User cancelled")).To(MatchError(orchestrator.ErrAlreadyTerminal))

			stream := drain(sub)
			last := stream[len(stream)-1]
			Expect(last.Event).To(Equal(protocol.EventTaskError))
			Expect(last.Error).To(Equal("User cancelled"))

			Eventually(func() int { return launcher.Session.Closed() }).Should(Equal(1))
			Consistently(func() int {
				return len(events.named(sub.TaskID, protocol.EventTaskError)) + len(events.named(sub.TaskID, protocol.EventTaskComplete))
			}, 200*time.Millisecond).Should(Equal(1))

			for _, ev := range events.named(sub.TaskID, protocol.EventStepProgress) {
				Expect(ev.Seq).To(BeNumerically("<", last.Seq))
			}
			task, err := orch.GetState(sub.TaskID)
			Expect(err).NotTo(HaveOccurred())
			Expect(task.Status).To(Equal(tasks.StatusCancelled))
		})

		It("never publishes task events once the task is cancelled", func() {
			deps.Adapter = chatty{}
			build()

			var mu sync.Mutex
			var late []string
			bus.SubscribeMany(protocol.AllEvents, func(ev *protocol.Event) {
				if protocol.IsTerminal(ev.Event) {
					return
				}
				if t, err := ts.GetState(ev.TaskID); err == nil && t.Status.Terminal() {
					mu.Lock()
					late = append(late, ev.Key())
					mu.Unlock()
				}
			})

			for i := 0; i < 20; i++ {
				sub, err := orch.Submit(context.Background(), orchestrator.SubmitRequest{UserID: "u1", Command: "https://example.com"})
				Expect(err).NotTo(HaveOccurred())
				Eventually(func() int {
					return len(events.named(sub.TaskID, protocol.EventThoughtUpdate))
				}).Should(BeNumerically(">", i%5))
				Expect(orch.Cancel(sub.TaskID, "")).To(Succeed())

				stream := drain(sub)
				Expect(stream[len(stream)-1].Event).To(Equal(protocol.EventTaskError))
			}

			mu.Lock()
			defer mu.Unlock()
			Expect(late).To(BeEmpty())
		})

		It("reports unknown tasks", func() {
			err := orch.Cancel("nope", "")
			Expect(errors.Is(err, orchestrator.ErrNotFound)).To(BeTrue())
		})

		It("cancels live tasks on shutdown and refuses new ones", func() {
			sub, err := orch.Submit(context.Background(), orchestrator.SubmitRequest{UserID: "u1", Command: "---\n" + slowYAML})
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			Expect(orch.Shutdown(ctx)).To(Succeed())

			task, err := orch.GetState(sub.TaskID)
			Expect(err).NotTo(HaveOccurred())
			Expect(task.Status).To(Equal(tasks.StatusCancelled))

			_, err = orch.Submit(context.Background(), orchestrator.SubmitRequest{UserID: "u1", Command: "https://example.com"})
			Expect(orchestrator.IsKind(err, orchestrator.KindResource)).To(BeTrue())
		})
	})

	Describe("failures", func() {
		It("fails with a resource error when the browser cannot launch", func() {
			launcher.Err = errors.New("no chromium")
			sub, err := orch.Submit(context.Background(), orchestrator.SubmitRequest{UserID: "u1", Command: "https://example.com"})
			Expect(err).NotTo(HaveOccurred())

			stream := drain(sub)
			last := stream[len(stream)-1]
			Expect(last.Event).To(Equal(protocol.EventTaskError))
			Expect(last.Error).To(ContainSubstring("no chromium"))
			Expect(last.Data).To(HaveKeyWithValue("kind", "resource"))

			notes := events.named(sub.TaskID, protocol.EventNotification)
			Expect(notes).To(HaveLen(1))
			Expect(notes[0].Message).To(HavePrefix("Task failed: "))

			task, err := orch.GetState(sub.TaskID)
			Expect(err).NotTo(HaveOccurred())
			Expect(task.Status).To(Equal(tasks.StatusError))
			Expect(task.Progress).To(BeZero())
			Expect(task.Error.Message).To(ContainSubstring("no chromium"))
		})

		It("needs an engine for natural-language commands", func() {
			sub, err := orch.Submit(context.Background(), orchestrator.SubmitRequest{UserID: "u1", Command: "what is the weather"})
			Expect(err).NotTo(HaveOccurred())
			stream := drain(sub)
			last := stream[len(stream)-1]
			Expect(last.Event).To(Equal(protocol.EventTaskError))
			Expect(last.Data).To(HaveKeyWithValue("kind", "validation"))
			Expect(launcher.Launches()).To(BeZero())
		})
	})

	Describe("direct urls", func() {
		It("opens the page and summarizes its title", func() {
			sub, err := orch.Submit(context.Background(), orchestrator.SubmitRequest{UserID: "u1", Command: "https://weather.example.com"})
			Expect(err).NotTo(HaveOccurred())
			stream := drain(sub)
			b := bundleOf(stream[len(stream)-1])
			Expect(b.AIPrepared.Summary).To(Equal("Opened https://weather.example.com (Fake page)"))
			Expect(b.Raw.PageText).To(Equal("Forecast: sunny all day"))
		})
	})

	Describe("with engines", func() {
		It("falls back to the raw result when the summarizer fails", func() {
			failing := llmtest.Failing(errors.New("model overloaded"))
			engines := enginesWith(failing)
			deps.Engines = engines
			deps.Summarizer = summarizer.New(engines, nil, nil)
			build()

			sub, err := orch.Submit(context.Background(), orchestrator.SubmitRequest{UserID: "u1", Command: "---\n" + weatherYAML})
			Expect(err).NotTo(HaveOccurred())
			stream := drain(sub)

			last := stream[len(stream)-1]
			Expect(last.Event).To(Equal(protocol.EventTaskComplete))
			Expect(progressValues(stream)).To(ContainElement(95))
			b := bundleOf(last)
			Expect(b.AIPrepared.DisplaySummary).To(HavePrefix("Actual Execution Result:\n"))
			Expect(b.AIPrepared.DisplaySummary).To(ContainSubstring("It is sunny."))
			Expect(b.AIPrepared.DisplaySummary).To(ContainSubstring("AI summary generation failed: "))
			Expect(b.AIPrepared.DisplaySummary).To(ContainSubstring("model overloaded"))
			Expect(b.AIPrepared.AISummaryData).To(BeNil())

			reqs := failing.Requests()
			Expect(reqs).NotTo(BeEmpty())
			msgs := reqs[len(reqs)-1].Messages
			Expect(msgs[len(msgs)-1].Content).To(ContainSubstring("\nScript:\n" + weatherYAML[:20]))

			notes := events.named(sub.TaskID, protocol.EventNotification)
			Expect(notes).To(HaveLen(1))
			Expect(notes[0].Message).To(Equal("Using system keys for gpt_4o"))
		})

		It("plans natural-language commands and streams the model output", func() {
			fake := llmtest.New("I can see the forecast.\n```json\n{\"actions\":[{\"type\":\"done\",\"result\":\"It is sunny.\"}]}\n```")
			fake.ChunkSize = 7
			deps.Engines = enginesWith(fake)
			build()

			sub, err := orch.Submit(context.Background(), orchestrator.SubmitRequest{UserID: "u1", Command: "what is the weather today"})
			Expect(err).NotTo(HaveOccurred())
			Expect(sub.Route).To(Equal(tasks.RouteNLI))
			stream := drain(sub)

			last := stream[len(stream)-1]
			Expect(last.Event).To(Equal(protocol.EventTaskComplete))
			Expect(bundleOf(last).AIPrepared.Summary).To(Equal("It is sunny."))

			calls := events.named(sub.TaskID, protocol.EventFunctionCallPartial)
			Expect(calls).To(HaveLen(1))
			Expect(calls[0].Data["args"]).To(HaveKey("actions"))

			thoughts := events.named(sub.TaskID, protocol.EventThoughtComplete)
			Expect(thoughts).To(HaveLen(1))
			Expect(thoughts[0].Message).To(Equal("I can see the forecast.\n```json"))
			Expect(events.named(sub.TaskID, protocol.EventThoughtUpdate)).NotTo(BeEmpty())

			logs, err := ts.GetStepLogs(sub.TaskID)
			Expect(err).NotTo(HaveOccurred())
			var kinds []tasks.StepLogType
			for _, l := range logs {
				kinds = append(kinds, l.Type)
			}
			Expect(kinds).To(ContainElements(tasks.LogThought, tasks.LogFunctionCall))
		})
	})

	Describe("event handling", func() {
		var adapter *scripted

		BeforeEach(func() {
			adapter = &scripted{outcome: &agent.Outcome{Result: map[string]any{"description": "done"}}}
			deps.Adapter = adapter
			build()
		})

		It("parses function calls split across chunks exactly once", func() {
			adapter.steps = []agent.StepInfo{
				{Kind: agent.KindThought, Chunk: "Clicking "},
				{Kind: agent.KindThought, Chunk: "the button"},
				{Kind: agent.KindThought, ThoughtDone: true},
				{Kind: agent.KindFunctionCall, Chunk: `{"actions":[{"type":"cli`},
				{Kind: agent.KindFunctionCall, Chunk: `ck","selector":"#go"}`},
				{Kind: agent.KindFunctionCall, Chunk: `]}`},
				{Kind: agent.KindFunctionCall, Chunk: `{"type":"done"}`},
			}
			sub, err := orch.Submit(context.Background(), orchestrator.SubmitRequest{UserID: "u1", Command: "https://example.com"})
			Expect(err).NotTo(HaveOccurred())
			drain(sub)

			calls := events.named(sub.TaskID, protocol.EventFunctionCallPartial)
			Expect(calls).To(HaveLen(2))
			first, ok := calls[0].Data["args"].(map[string]any)
			Expect(ok).To(BeTrue())
			Expect(first["actions"]).To(HaveLen(1))
			Expect(calls[1].Data["args"]).To(HaveKeyWithValue("type", "done"))

			thoughts := events.named(sub.TaskID, protocol.EventThoughtComplete)
			Expect(thoughts).To(HaveLen(1))
			Expect(thoughts[0].Message).To(Equal("Clicking the button"))

			persisted := events.named(sub.TaskID, protocol.EventNLIResponsePersisted)
			Expect(persisted).NotTo(BeEmpty())
			Expect(persisted[0].Data).To(HaveKeyWithValue("type", "thought"))
		})

		It("recovers function calls after malformed output", func() {
			adapter.steps = []agent.StepInfo{
				{Kind: agent.KindFunctionCall, Chunk: `{oops`},
				{Kind: agent.KindFunctionCall, Chunk: ` not json `},
				{Kind: agent.KindFunctionCall, Chunk: `{"type":"click","selector":"#a"}`},
				{Kind: agent.KindFunctionCall, Chunk: `{"type":"do`},
				{Kind: agent.KindFunctionCall, Chunk: `ne"}`},
			}
			sub, err := orch.Submit(context.Background(), orchestrator.SubmitRequest{UserID: "u1", Command: "https://example.com"})
			Expect(err).NotTo(HaveOccurred())
			drain(sub)

			calls := events.named(sub.TaskID, protocol.EventFunctionCallPartial)
			Expect(calls).To(HaveLen(2))
			Expect(calls[0].Data["args"]).To(HaveKeyWithValue("selector", "#a"))
			Expect(calls[1].Data["args"]).To(HaveKeyWithValue("type", "done"))
		})

		It("keeps progress within 1..99 and never lets it go back", func() {
			adapter.steps = []agent.StepInfo{
				{Kind: agent.KindProgress, Progress: 10},
				{Kind: agent.KindProgress, Progress: 50},
				{Kind: agent.KindStep, Step: 1, Progress: 100, Message: "click"},
				{Kind: agent.KindProgress, Progress: 30},
				{Kind: agent.KindProgress, Progress: 0},
			}
			sub, err := orch.Submit(context.Background(), orchestrator.SubmitRequest{UserID: "u1", Command: "https://example.com"})
			Expect(err).NotTo(HaveOccurred())
			stream := drain(sub)

			progress := progressValues(stream)
			Expect(progress).To(Equal([]int{10, 50, 80, 80, 85, 90}))
			Expect(stream[len(stream)-1].Event).To(Equal(protocol.EventTaskComplete))
		})

		It("falls back to synthetic report urls when the agent report is missing", func() {
			adapter.outcome.ReportFile = filepath.Join(runRoot, "report", "web-2024-01-01_00-00-00-000.html")
			sub, err := orch.Submit(context.Background(), orchestrator.SubmitRequest{UserID: "u1", Command: "https://example.com"})
			Expect(err).NotTo(HaveOccurred())
			stream := drain(sub)

			last := stream[len(stream)-1]
			Expect(last.Event).To(Equal(protocol.EventTaskComplete))
			b := bundleOf(last)
			Expect(b.NexusReportURL).To(MatchRegexp(`^/external-report/web-fallback-[0-9_-]+\.html$`))
			Expect(b.RawReportURL).To(HaveSuffix(filepath.Base(b.NexusReportURL)))
			Expect(b.LandingReportURL).NotTo(BeEmpty())
		})

		It("copies agent reports written elsewhere into the report directory", func() {
			other := filepath.Join(dir, "elsewhere")
			Expect(os.MkdirAll(other, 0755)).To(Succeed())
			src := filepath.Join(other, "web-2024-01-01_00-00-00-000.html")
			Expect(os.WriteFile(src, []byte(`<html><head></head><body><a href="web-2024-01-01_00-00-00-000.html">self</a></body></html>`), 0644)).To(Succeed())
			adapter.outcome.ReportFile = src

			sub, err := orch.Submit(context.Background(), orchestrator.SubmitRequest{UserID: "u1", Command: "https://example.com"})
			Expect(err).NotTo(HaveOccurred())
			drain(sub)

			task, err := orch.GetState(sub.TaskID)
			Expect(err).NotTo(HaveOccurred())
			Expect(task.Result.NexusReportURL).To(Equal("/external-report/web-2024-01-01_00-00-00-000.html"))
			Expect(filepath.Join(runRoot, "report", "web-2024-01-01_00-00-00-000.html")).To(BeAnExistingFile())
		})

		It("uses the engine planning mode unless the request overrides it", func() {
			deps.Engines = enginesWith(llmtest.New())
			build()

			sub, err := orch.Submit(context.Background(), orchestrator.SubmitRequest{UserID: "u1", Command: "find the news"})
			Expect(err).NotTo(HaveOccurred())
			drain(sub)
			Expect(adapter.lastRequest().Mode).To(Equal(agent.ModeStep))
			Expect(adapter.lastRequest().Instruction).To(Equal("find the news"))

			sub, err = orch.Submit(context.Background(), orchestrator.SubmitRequest{UserID: "u1", Command: "find the news", Mode: agent.ModeAction})
			Expect(err).NotTo(HaveOccurred())
			drain(sub)
			Expect(adapter.lastRequest().Mode).To(Equal(agent.ModeAction))
		})
	})
})
