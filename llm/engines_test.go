package llm_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"nexus/config"
	"nexus/llm"
	"nexus/llm/llmtest"
	"nexus/store"
)

var _ = Describe("Engines", func() {
	var (
		cfg     *config.Config
		users   *store.MemoryUserStore
		fake    *llmtest.Provider
		engines *llm.Engines
		built   []string
	)

	BeforeEach(func() {
		cfg = config.Default()
		cfg.Models = []config.Model{
			{Name: "openai", Provider: config.ProviderOpenAI, AllowedModels: []string{"gpt_4o"}, APIKey: "sys-openai"},
			{Name: "anthropic", Provider: config.ProviderAnthropic, AllowedModels: []string{"claude_sonnet_4"}},
		}
		cfg.Server.DefaultEngine = "gpt_4o"
		users = store.NewMemoryBundle().Users.(*store.MemoryUserStore)
		fake = llmtest.New("pong", "pong", "pong", "pong")
		built = nil
		engines = llm.NewEngines(cfg, users, nil).WithFactory(func(_ context.Context, p config.Provider, key string) (llm.Provider, error) {
			built = append(built, string(p)+":"+key)
			return fake, nil
		})
	})

	Describe("Resolve", func() {
		It("uses the default engine with system keys for an unknown user", func() {
			sel, err := engines.Resolve(context.Background(), "guest-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(sel.Engine.ID).To(Equal("gpt_4o"))
			Expect(sel.UsingUserKey).To(BeFalse())
			Expect(sel.APIKey).To(Equal("sys-openai"))
			Expect(sel.Notification).To(Equal("Using system keys for gpt_4o"))
			Expect(built).To(Equal([]string{"openai:sys-openai"}))
		})

		It("prefers the user's engine when the user has a key for it", func() {
			Expect(users.SetAPIKey("u1", "anthropic", "user-key")).To(Succeed())
			Expect(users.SetPreferredEngine("u1", "claude_sonnet_4")).To(Succeed())

			sel, err := engines.Resolve(context.Background(), "u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(sel.Engine.ID).To(Equal("claude_sonnet_4"))
			Expect(sel.Engine.APIModel).To(Equal("claude-sonnet-4-20250514"))
			Expect(sel.UsingUserKey).To(BeTrue())
			Expect(sel.Notification).To(Equal("Using your anthropic API key for claude_sonnet_4"))
		})

		It("falls back to the default when the preferred engine has no key", func() {
			Expect(users.SetPreferredEngine("u2", "claude_sonnet_4")).To(Succeed())

			sel, err := engines.Resolve(context.Background(), "u2")
			Expect(err).NotTo(HaveOccurred())
			Expect(sel.Engine.ID).To(Equal("gpt_4o"))
			Expect(sel.Notification).To(HavePrefix("Preferred engine claude_sonnet_4 is unavailable"))
			Expect(sel.Notification).To(HaveSuffix("Using system keys for gpt_4o"))
		})

		It("fails when no engine has a key", func() {
			cfg.Models[0].APIKey = ""
			engines = llm.NewEngines(cfg, users, nil).WithFactory(func(context.Context, config.Provider, string) (llm.Provider, error) {
				return fake, nil
			})
			_, err := engines.Resolve(context.Background(), "guest")
			Expect(errors.Is(err, llm.ErrNoEngine)).To(BeTrue())
		})
	})

	Describe("Available", func() {
		It("lists engines with a system or user key", func() {
			Expect(engines.Available("guest")).To(Equal([]string{"gpt_4o"}))
			Expect(users.SetAPIKey("u3", "anthropic", "k")).To(Succeed())
			Expect(engines.Available("u3")).To(Equal([]string{"gpt_4o", "claude_sonnet_4"}))
			Expect(engines.UsingAnyDefaultKey("u3")).To(BeTrue())
		})
	})

	Describe("SetPreferred", func() {
		It("rejects unknown engines", func() {
			err := engines.SetPreferred("u4", "gpt_9")
			Expect(errors.Is(err, llm.ErrUnknownEngine)).To(BeTrue())
		})

		It("stores known engines", func() {
			Expect(engines.SetPreferred("u4", "claude_sonnet_4")).To(Succeed())
			Expect(engines.Preferred("u4")).To(Equal("claude_sonnet_4"))
			Expect(engines.Preferred("nobody")).To(Equal("gpt_4o"))
		})
	})

	Describe("Probe", func() {
		BeforeEach(func() {
			engines.WithProbeTiming(time.Second, time.Millisecond)
		})

		It("retries until the provider answers", func() {
			fake.Err = errors.New("503")
			fake.FailTimes = 2
			sel, err := engines.Resolve(context.Background(), "guest")
			Expect(err).NotTo(HaveOccurred())

			Expect(engines.Probe(context.Background(), sel)).To(Succeed())
			Expect(fake.Calls()).To(Equal(3))
			Expect(fake.Requests()[0].MaxTokens).To(Equal(1))
		})

		It("gives up after three retries", func() {
			fake.Err = errors.New("503")
			sel, err := engines.Resolve(context.Background(), "guest")
			Expect(err).NotTo(HaveOccurred())

			err = engines.Probe(context.Background(), sel)
			Expect(err).To(MatchError(ContainSubstring("gpt_4o unavailable")))
			Expect(fake.Calls()).To(Equal(4))
		})
	})
})
