package orchestrator_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"nexus/orchestrator"
	"nexus/tasks"
)

var _ = Describe("DetectRoute", func() {
	DescribeTable("classifies commands",
		func(command string, route tasks.Route, mapID string) {
			info, err := orchestrator.DetectRoute(command)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Route).To(Equal(route))
			Expect(info.YamlMapID).To(Equal(mapID))
		},
		Entry("map reference with a space", "/yaml abc123", tasks.RouteYAML, "abc123"),
		Entry("map reference with a colon", "run /yaml:weather_map now", tasks.RouteYAML, "weather_map"),
		Entry("bare url", "https://example.com/page", tasks.RouteDirect, ""),
		Entry("natural language", "find the cheapest flight to Oslo", tasks.RouteNLI, ""),
		Entry("url inside a sentence", "open https://example.com and read it", tasks.RouteNLI, ""),
		Entry("fence without a known key", "notes\n---\nfoo: bar", tasks.RouteNLI, ""),
		Entry("word that only starts with /yaml", "/yamlABC", tasks.RouteNLI, ""),
		Entry("map reference on its own line", "run this\n/yaml abc123", tasks.RouteYAML, "abc123"),
	)

	It("extracts an inline body after the fence", func() {
		info, err := orchestrator.DetectRoute("please run this\n---\nweb:\n  url: https://example.com\ntasks:\n  - name: a\n    flow:\n      - sleep: 10\n")
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Route).To(Equal(tasks.RouteYAML))
		Expect(info.InlineYAML).To(HavePrefix("web:"))
		Expect(info.InlineYAML).To(ContainSubstring("tasks:"))
	})

	It("rejects malformed map references", func() {
		for _, cmd := range []string{"/yaml", "run /yaml", "/yaml:", "/yaml ../etc/passwd"} {
			_, err := orchestrator.DetectRoute(cmd)
			Expect(orchestrator.IsKind(err, orchestrator.KindValidation)).To(BeTrue(), cmd)
		}
	})
})
