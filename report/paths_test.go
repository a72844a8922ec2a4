package report_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"nexus/report"
)

var _ = Describe("Basename", func() {
	DescribeTable("ValidName",
		func(name string, ok bool) {
			Expect(report.ValidName(name)).To(Equal(ok))
		},
		Entry("timestamped", "web-2025-01-02_03-04-05-006.html", true),
		Entry("fallback", "web-fallback-2025-01-02_03-04-05-006.html", true),
		Entry("traversal", "../etc/passwd", false),
		Entry("encoded traversal decoded", "..%2Fetc%2Fpasswd", false),
		Entry("nested", "report/web.html", false),
		Entry("not html", "web.txt", false),
		Entry("empty", "", false),
	)

	It("derives both URLs from one name", func() {
		b := report.TimestampBasename(time.Date(2025, 1, 2, 3, 4, 5, 6_000_000, time.UTC))
		Expect(b.String()).To(Equal("web-2025-01-02_03-04-05-006.html"))
		Expect(b.NexusURL()).To(Equal("/external-report/web-2025-01-02_03-04-05-006.html"))
		Expect(b.RawURL("http://localhost:3420/")).To(Equal("http://localhost:3420/raw-report/web-2025-01-02_03-04-05-006.html"))
	})

	It("names fallbacks distinctly", func() {
		b := report.FallbackBasename(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
		Expect(b.String()).To(Equal("web-fallback-2025-01-02_03-04-05-000.html"))
	})

	It("extracts basenames from paths and URLs", func() {
		b, err := report.BasenameOf(`C:\work\nexus_run\report\web-1.html`)
		Expect(err).NotTo(HaveOccurred())
		Expect(b.String()).To(Equal("web-1.html"))

		b, err = report.BasenameOf("/external-report/web-2.html?x=1")
		Expect(err).NotTo(HaveOccurred())
		Expect(b.String()).To(Equal("web-2.html"))

		_, err = report.BasenameOf("/tmp/evil.sh")
		Expect(err).To(MatchError(report.ErrInvalidName))
	})
})

var _ = Describe("WebPath", func() {
	DescribeTable("normalizes screenshot paths",
		func(in, want string) {
			Expect(report.WebPath(in)).To(Equal(want))
		},
		Entry("windows absolute", `C:\Users\me\app\nexus_run\abc\final-screenshot-1.png`, "/nexus_run/abc/final-screenshot-1.png"),
		Entry("macOS absolute", "/Users/me/app/nexus_run/report/shot.png", "/nexus_run/report/shot.png"),
		Entry("linux absolute", "/home/me/app/nexus_run/r1/screenshot-3-1700.png", "/nexus_run/r1/screenshot-3-1700.png"),
		Entry("relative under root", "nexus_run/r1/final-screenshot-t.png", "/nexus_run/r1/final-screenshot-t.png"),
		Entry("uuid outside root", `D:\tmp\0f8fad5b-d9cb-469f-a165-70867728950e\final-screenshot-t.png`, "/nexus_run/0f8fad5b-d9cb-469f-a165-70867728950e/final-screenshot-t.png"),
		Entry("bare numbered screenshot", "screenshot-12-a.png", "/nexus_run/report/screenshot-12-a.png"),
		Entry("url untouched", "https://cdn.example.com/a.png", "https://cdn.example.com/a.png"),
		Entry("data uri untouched", "data:image/png;base64,AAAA", "data:image/png;base64,AAAA"),
		Entry("other path untouched", "/static/logo.png", "/static/logo.png"),
	)
})
