package agent_test

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"nexus/agent"
)

var _ = Describe("MessageParser", func() {
	var (
		thought strings.Builder
		call    strings.Builder
		done    int
		parser  *agent.MessageParser
	)

	BeforeEach(func() {
		thought.Reset()
		call.Reset()
		done = 0
		parser = agent.NewMessageParser(
			func(c string) { thought.WriteString(c) },
			func() { done++ },
			func(c string) { call.WriteString(c) },
		)
	})

	It("splits thought from the call across chunk boundaries", func() {
		for _, c := range []string{
			"I will click",
			" the button. {\"actions\":[{\"type\":\"click\",",
			"\"selector\":\"a{b}\"}]} and then```",
		} {
			parser.ProcessChunk(c)
		}
		parser.Finish()

		Expect(thought.String()).To(Equal("I will click the button. "))
		Expect(parser.Thought()).To(Equal("I will click the button."))
		Expect(call.String()).To(Equal(`{"actions":[{"type":"click","selector":"a{b}"}]}`))
		Expect(parser.Call()).To(Equal(call.String()))
		Expect(parser.Complete()).To(BeTrue())
		Expect(done).To(Equal(1))
	})

	It("ignores braces inside escaped strings", func() {
		parser.ProcessChunk(`{"value":"say \"}\" now"}`)
		Expect(parser.Complete()).To(BeTrue())
		Expect(parser.Call()).To(Equal(`{"value":"say \"}\" now"}`))
		Expect(done).To(BeZero())
	})

	It("closes the thought when no call arrives", func() {
		parser.ProcessChunk("Nothing to do here.")
		parser.Finish()
		Expect(parser.Complete()).To(BeFalse())
		Expect(parser.Call()).To(BeEmpty())
		Expect(done).To(Equal(1))
	})
})
