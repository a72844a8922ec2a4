package report_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"nexus/report"
)

var _ = Describe("Rewrite", func() {
	const origin = "http://localhost:3420"

	It("canonicalizes report anchors", func() {
		src := `<html><head><title>r</title></head><body>` +
			`<a href="nexus_run/report/web-1.html">a</a>` +
			`<a href="/external-report/web-2.html" target="_self">b</a>` +
			`<a href="https://other.example/direct-report/web-3.html#top">c</a>` +
			`<a href="/docs/page.html">d</a>` +
			`</body></html>`
		out, err := report.Rewrite(src, origin)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring(`<a href="http://localhost:3420/external-report/web-1.html" target="_blank">a</a>`))
		Expect(out).To(ContainSubstring(`<a href="http://localhost:3420/external-report/web-2.html" target="_blank">b</a>`))
		Expect(out).To(ContainSubstring(`<a href="http://localhost:3420/external-report/web-3.html" target="_blank">c</a>`))
		Expect(out).To(ContainSubstring(`<a href="/docs/page.html">d</a>`))
	})

	It("maps local image paths to web paths", func() {
		src := `<body><img src="C:\proj\nexus_run\run1\final-screenshot-t.png"><img src="/home/u/p/nexus_run/run1/screenshot-1-9.png" alt="x"/></body>`
		out, err := report.Rewrite(src, origin)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring(`src="/nexus_run/run1/final-screenshot-t.png"`))
		Expect(out).To(ContainSubstring(`src="/nexus_run/run1/screenshot-1-9.png"`))
	})

	It("inserts a base element into head", func() {
		out, err := report.Rewrite(`<html><head><meta charset="utf-8"></head><body></body></html>`, origin+"/")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HavePrefix(`<html><head><base href="http://localhost:3420/" target="_blank"><meta charset="utf-8">`))
	})

	It("copies untouched markup verbatim", func() {
		src := "<body>\n  <p class='x'>hello &amp; bye</p>\n</body>"
		out, err := report.Rewrite(src, origin)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(src))
	})
})
