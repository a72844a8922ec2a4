package report_test

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"nexus/report"
)

var _ = Describe("Generator", func() {
	var (
		dir string
		gen *report.Generator
		at  = time.Date(2025, 3, 4, 5, 6, 7, 890_000_000, time.UTC)
	)

	BeforeEach(func() {
		dir = filepath.Join(GinkgoT().TempDir(), "nexus_run", "report")
		gen = report.NewGenerator("nexus_run", nil).WithClock(func() time.Time { return at })
	})

	It("creates the report directory and writes a landing page", func() {
		b, err := gen.Generate(context.Background(), report.Request{
			Prompt:              "Check the weather",
			RunID:               "run-1",
			ReportDir:           dir,
			FinalScreenshotPath: "nexus_run/run-1/final-screenshot-t1.png",
			NexusReportURL:      "/external-report/web-x.html",
			RawReportURL:        "http://localhost:3420/raw-report/web-x.html",
			Origin:              "http://localhost:3420",
			Summary:             "**It is sunny.**",
			Results:             []report.StepResult{{Name: "Weather", Data: map[string]any{"description": "It is sunny."}}},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(b.ReportPath).To(Equal(filepath.Join(dir, "landing-report-2025-03-04_05-06-07-890.html")))
		Expect(b.LandingReportURL).To(Equal("/nexus_run/report/landing-report-2025-03-04_05-06-07-890.html"))
		Expect(b.ReportURL).To(Equal(b.LandingReportURL))
		Expect(b.NexusReportURL).To(Equal("/external-report/web-x.html"))
		Expect(b.RawReportURL).To(Equal("http://localhost:3420/raw-report/web-x.html"))
		Expect(b.RawNexusPath).To(Equal("/nexus_run/report/web-x.html"))

		html, err := os.ReadFile(b.ReportPath)
		Expect(err).NotTo(HaveOccurred())
		page := string(html)
		Expect(page).To(ContainSubstring("Check the weather"))
		Expect(page).To(ContainSubstring("run-1"))
		Expect(page).To(ContainSubstring(`<strong>It is sunny.</strong>`))
		Expect(page).To(ContainSubstring(`href="/external-report/web-x.html"`))
		Expect(page).To(ContainSubstring(`src="/nexus_run/run-1/final-screenshot-t1.png"`))
		Expect(page).To(ContainSubstring("Replay"))
		Expect(page).To(ContainSubstring(`id="lightbox"`))
		Expect(page).To(ContainSubstring(`id="modal"`))
	})

	It("synthesizes a paired basename when no URLs are supplied", func() {
		b, err := gen.Generate(context.Background(), report.Request{RunID: "r", ReportDir: dir, Origin: "http://h"})
		Expect(err).NotTo(HaveOccurred())
		Expect(b.NexusReportURL).To(Equal("/external-report/web-2025-03-04_05-06-07-890.html"))
		Expect(b.RawReportURL).To(Equal("http://h/raw-report/web-2025-03-04_05-06-07-890.html"))
	})

	It("rejects URL pairs naming different files", func() {
		_, err := gen.Generate(context.Background(), report.Request{
			RunID: "r", ReportDir: dir,
			NexusReportURL: "/external-report/web-a.html",
			RawReportURL:   "http://h/raw-report/web-b.html",
		})
		Expect(err).To(MatchError(report.ErrInvalidName))
	})

	It("persists embedded screenshots and links them", func() {
		png := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("\x89PNG-bytes", 20)))
		b, err := gen.Generate(context.Background(), report.Request{
			RunID:     "run-2",
			ReportDir: dir,
			Results: []report.StepResult{
				{Name: "first", Screenshot: "data:image/png;base64," + png, Summary: "landed"},
				{Name: "second", Error: strings.Repeat("e", 900)},
			},
		})
		Expect(err).NotTo(HaveOccurred())

		name := "screenshot-run-2-step1-" + "1741064767890" + ".png"
		Expect(filepath.Join(dir, name)).To(BeAnExistingFile())

		html, err := os.ReadFile(b.ReportPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(html)).To(ContainSubstring(`src="/nexus_run/report/` + name + `"`))
		Expect(string(html)).To(ContainSubstring(strings.Repeat("e", 500) + "</pre>"))
		Expect(string(html)).NotTo(ContainSubstring(strings.Repeat("e", 501)))
	})

	It("shows at most ten entries", func() {
		results := make([]report.StepResult, 12)
		for i := range results {
			results[i] = report.StepResult{Data: map[string]int{"i": i}}
		}
		b, err := gen.Generate(context.Background(), report.Request{RunID: "r", ReportDir: dir, Results: results})
		Expect(err).NotTo(HaveOccurred())
		html, _ := os.ReadFile(b.ReportPath)
		Expect(strings.Count(string(html), `class="entry"`)).To(Equal(10))
		Expect(string(html)).To(ContainSubstring("Showing 10 of 12 results."))
	})
})
