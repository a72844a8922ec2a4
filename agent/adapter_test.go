package agent_test

import (
	"context"
	"errors"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"nexus/agent"
	"nexus/agent/agenttest"
)

func drain(exec *agent.Execution) []agent.StepInfo {
	var infos []agent.StepInfo
	for info := range exec.Steps() {
		infos = append(infos, info)
	}
	return infos
}

func progressOf(infos []agent.StepInfo) []int {
	var out []int
	for _, i := range infos {
		if i.Progress > 0 {
			out = append(out, i.Progress)
		}
	}
	return out
}

var _ = Describe("Adapter", func() {
	var (
		drv      *agenttest.Driver
		sess     *agenttest.Session
		launcher *agenttest.Launcher
		adapter  *agent.Adapter
		runDir   string
		repDir   string
	)

	BeforeEach(func() {
		drv = agenttest.NewDriver()
		drv.Pages["https://example.com"] = "Hello world"
		drv.Texts["#forecast"] = "Sunny"
		sess = &agenttest.Session{D: drv}
		launcher = &agenttest.Launcher{Session: sess}
		adapter = agent.NewAdapter(launcher, nil)
		runDir = GinkgoT().TempDir()
		repDir = GinkgoT().TempDir()
	})

	It("runs a script with monotonic progress and leaves artifacts", func() {
		exec := adapter.Execute(context.Background(), agent.ExecuteRequest{
			YAML: `web:
  url: https://example.com
tasks:
  - name: Weather
    flow:
      - extract: {selector: "#forecast", name: description}
      - scroll: down
`,
			RunDir:    runDir,
			ReportDir: repDir,
			TaskID:    "t1",
		})
		infos := drain(exec)
		outcome, err := exec.Wait()
		Expect(err).NotTo(HaveOccurred())

		progress := progressOf(infos)
		Expect(progress[0]).To(Equal(10))
		Expect(progress[1]).To(Equal(50))
		Expect(progress[len(progress)-1]).To(Equal(100))
		for i := 1; i < len(progress); i++ {
			Expect(progress[i]).To(BeNumerically(">=", progress[i-1]))
		}

		Expect(outcome.PageText).To(Equal("Hello world"))
		Expect(outcome.CurrentURL).To(Equal("https://example.com"))
		Expect(outcome.Result).To(Equal(map[int]any{0: map[string]any{"description": "Sunny"}}))
		Expect(outcome.ScreenshotPath).To(Equal(filepath.Join(runDir, "final-screenshot-t1.png")))
		Expect(outcome.ScreenshotPath).To(BeAnExistingFile())
		Expect(outcome.ReportFile).To(HavePrefix(repDir))
		Expect(outcome.ReportFile).To(BeAnExistingFile())
		Expect(sess.Closed()).To(Equal(1))
	})

	It("spreads progress over every flow step of every task", func() {
		exec := adapter.Execute(context.Background(), agent.ExecuteRequest{
			YAML: `web:
  url: https://example.com
tasks:
  - name: First
    flow:
      - sleep: 1
      - sleep: 1
      - sleep: 1
      - sleep: 1
  - name: Second
    flow:
      - sleep: 1
      - sleep: 1
`,
			TaskID: "t-multi",
		})
		infos := drain(exec)
		_, err := exec.Wait()
		Expect(err).NotTo(HaveOccurred())

		var stepProgress []int
		for _, info := range infos {
			if info.Kind == agent.KindStep {
				stepProgress = append(stepProgress, info.Progress)
			}
		}
		Expect(stepProgress).To(Equal([]int{58, 66, 75, 83, 91, 100}))
	})

	It("opens the page and extracts text on the direct route", func() {
		exec := adapter.Execute(context.Background(), agent.ExecuteRequest{
			StartURL: "https://example.com",
			RunDir:   runDir,
			TaskID:   "t2",
		})
		drain(exec)
		outcome, err := exec.Wait()
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.Result).To(HaveKeyWithValue("text", "Hello world"))
		Expect(outcome.ReportFile).To(BeEmpty())
	})

	It("skips navigation to an invalid start url", func() {
		exec := adapter.Execute(context.Background(), agent.ExecuteRequest{StartURL: "not a url", TaskID: "t3"})
		drain(exec)
		_, err := exec.Wait()
		Expect(err).NotTo(HaveOccurred())
		Expect(drv.Calls()).To(BeEmpty())
	})

	It("fails without a session when the browser cannot launch", func() {
		launcher.Err = errors.New("no chromium")
		exec := adapter.Execute(context.Background(), agent.ExecuteRequest{StartURL: "https://example.com"})
		Expect(drain(exec)).To(BeEmpty())
		outcome, err := exec.Wait()
		Expect(err).To(MatchError(ContainSubstring("no chromium")))
		Expect(errors.Is(err, agent.ErrLaunch)).To(BeTrue())
		Expect(outcome).To(BeNil())
	})

	It("rejects malformed scripts before launching", func() {
		exec := adapter.Execute(context.Background(), agent.ExecuteRequest{YAML: "tasks: []"})
		drain(exec)
		_, err := exec.Wait()
		Expect(err).To(HaveOccurred())
		Expect(sess.Closed()).To(BeZero())
	})

	It("closes the session after a fatal navigation", func() {
		exec := adapter.Execute(context.Background(), agent.ExecuteRequest{StartURL: "https://crash.example.com"})
		drain(exec)
		_, err := exec.Wait()
		Expect(errors.Is(err, agent.ErrFatal)).To(BeTrue())
		Expect(sess.Closed()).To(Equal(1))
	})

	It("stops when the context is cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		exec := adapter.Execute(ctx, agent.ExecuteRequest{StartURL: "https://example.com"})
		drain(exec)
		_, err := exec.Wait()
		Expect(errors.Is(err, context.Canceled)).To(BeTrue())
	})
})
