package agent_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"nexus/agent"
)

const weatherScript = `web:
  url: https://example.com
tasks:
  - name: Weather
    flow:
      - aiQuery: "{description: string}, today's forecast"
      - click: "#more"
      - sleep: 500
      - scroll: up
      - input: {selector: "#q", value: "rain"}
      - extract: {selector: "#forecast", name: forecast}
      - ai: search for rain
        name: Search
`

var _ = Describe("ParseScript", func() {
	It("decodes scalar and mapping flow steps", func() {
		s, err := agent.ParseScript(weatherScript)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.StartURL()).To(Equal("https://example.com"))
		Expect(s.Tasks).To(HaveLen(1))

		flow := s.Tasks[0].Flow
		Expect(flow).To(HaveLen(7))
		Expect(flow[0].Kind).To(Equal(agent.StepAIQuery))
		Expect(flow[0].Prompt).To(Equal("{description: string}, today's forecast"))
		Expect(flow[1].Kind).To(Equal(agent.StepClick))
		Expect(flow[1].Selector).To(Equal("#more"))
		Expect(flow[2].Duration).To(Equal(500 * time.Millisecond))
		Expect(flow[3].Pixels).To(Equal(-600))
		Expect(flow[4].Selector).To(Equal("#q"))
		Expect(flow[4].Value).To(Equal("rain"))
		Expect(flow[5].Field).To(Equal("forecast"))
		Expect(flow[6].Kind).To(Equal(agent.StepAIAction))
		Expect(flow[6].Label()).To(Equal("Search"))
	})

	It("falls back to target.url", func() {
		s, err := agent.ParseScript("target:\n  url: https://t.example\ntasks:\n  - name: a\n    flow:\n      - scroll: down\n")
		Expect(err).NotTo(HaveOccurred())
		Expect(s.StartURL()).To(Equal("https://t.example"))
		Expect(s.Tasks[0].Flow[0].Pixels).To(Equal(600))
	})

	It("rejects scripts without tasks", func() {
		_, err := agent.ParseScript("web:\n  url: https://example.com\n")
		Expect(err).To(MatchError(ContainSubstring("no tasks")))
	})

	It("rejects empty flows", func() {
		_, err := agent.ParseScript("tasks:\n  - name: empty\n    flow: []\n")
		Expect(err).To(MatchError(ContainSubstring("empty flow")))
	})

	It("rejects steps with no known action", func() {
		_, err := agent.ParseScript("tasks:\n  - name: a\n    flow:\n      - teleport: mars\n")
		Expect(err).To(MatchError(ContainSubstring("no recognised action")))
	})

	It("rejects scalar input steps", func() {
		_, err := agent.ParseScript("tasks:\n  - name: a\n    flow:\n      - input: hello\n")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("CountNames", func() {
	It("counts task and step names", func() {
		Expect(agent.CountNames(weatherScript)).To(Equal(2))
	})

	It("is zero for a body without names", func() {
		Expect(agent.CountNames("web:\n  url: x\n")).To(BeZero())
	})
})
