package report

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/yuin/goldmark"
)

const (
	maxLandingEntries = 10
	maxBlockChars     = 500
)

// StepResult is one entry shown on the landing page.
type StepResult struct {
	Name string `json:"name,omitempty"`
	// Screenshot is base64 image data (optionally a data: URI) or a path.
	Screenshot string `json:"screenshot,omitempty"`
	Summary    string `json:"summary,omitempty"`
	Error      string `json:"error,omitempty"`
	Data       any    `json:"data,omitempty"`
}

// Request describes one landing page.
type Request struct {
	Prompt              string
	Results             []StepResult
	FinalScreenshotPath string
	RunID               string
	// ReportDir is where the landing page and persisted screenshots go.
	ReportDir string
	// NexusReportURL and RawReportURL are used verbatim when set. They
	// must share a basename.
	NexusReportURL string
	RawReportURL   string
	Origin         string
	// Summary is markdown rendered into the page header.
	Summary string
}

// Bundle is the set of URLs describing a generated report.
type Bundle struct {
	ReportPath         string `json:"reportPath"`
	ReportURL          string `json:"reportUrl"`
	GeneratedReportURL string `json:"generatedReportUrl"`
	LandingReportURL   string `json:"landingReportUrl"`
	NexusReportURL     string `json:"nexusReportUrl"`
	RawReportURL       string `json:"rawReportUrl"`
	RawNexusPath       string `json:"rawNexusPath,omitempty"`
}

// Generator renders landing reports.
type Generator struct {
	runRoot string
	logger  hclog.Logger
	now     func() time.Time
}

func NewGenerator(runRoot string, logger hclog.Logger) *Generator {
	if runRoot == "" {
		runRoot = DefaultRunRoot
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Generator{runRoot: filepath.ToSlash(runRoot), logger: logger.Named("report"), now: time.Now}
}

// WithClock replaces the time source.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Generate writes landing-report-<ts>.html into req.ReportDir and returns
// its URLs. Embedded base64 screenshots are written next to it and
// replaced by their web paths.
func (g *Generator) Generate(ctx context.Context, req Request) (*Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.ReportDir == "" {
		return nil, fmt.Errorf("generate report: report dir is required")
	}
	if err := os.MkdirAll(req.ReportDir, 0755); err != nil {
		return nil, fmt.Errorf("generate report: %w", err)
	}

	now := g.now()
	basename, err := g.pairBasename(req, now)
	if err != nil {
		return nil, err
	}

	results := make([]StepResult, len(req.Results))
	copy(results, req.Results)
	for i := range results {
		shot := results[i].Screenshot
		if !isEmbeddedImage(shot) {
			continue
		}
		url, err := g.persistScreenshot(req, i+1, shot, now)
		if err != nil {
			g.logger.Warn("screenshot not persisted", "run_id", req.RunID, "step", i+1, "error", err)
			results[i].Screenshot = ""
			continue
		}
		results[i].Screenshot = url
	}

	landing := "landing-report-" + stamp(now) + ".html"
	landingPath := filepath.Join(req.ReportDir, landing)
	landingURL := "/" + g.runRoot + "/report/" + landing

	nexusURL := req.NexusReportURL
	if nexusURL == "" {
		nexusURL = basename.NexusURL()
	}
	rawURL := req.RawReportURL
	if rawURL == "" {
		rawURL = basename.RawURL(req.Origin)
	}

	page := landingPage{
		Title:           "Nexus Run Report",
		RunID:           req.RunID,
		Timestamp:       now.Format(time.RFC1123),
		Prompt:          req.Prompt,
		Summary:         markdownToHTML(req.Summary),
		Entries:         g.entries(results),
		Total:           len(results),
		FinalScreenshot: WebPathUnder(g.runRoot, req.FinalScreenshotPath),
		NexusURL:        nexusURL,
		RawURL:          rawURL,
	}
	var buf bytes.Buffer
	if err := landingTmpl.Execute(&buf, page); err != nil {
		return nil, fmt.Errorf("render landing report: %w", err)
	}
	if err := os.WriteFile(landingPath, buf.Bytes(), 0644); err != nil {
		return nil, fmt.Errorf("write landing report: %w", err)
	}

	g.logger.Debug("landing report written", "run_id", req.RunID, "path", landingPath)
	return &Bundle{
		ReportPath:         landingPath,
		ReportURL:          landingURL,
		GeneratedReportURL: landingURL,
		LandingReportURL:   landingURL,
		NexusReportURL:     nexusURL,
		RawReportURL:       rawURL,
		RawNexusPath:       "/" + g.runRoot + "/report/" + basename.String(),
	}, nil
}

// pairBasename returns the basename shared by the nexus and raw URLs,
// synthesizing one from now when neither was supplied.
func (g *Generator) pairBasename(req Request, now time.Time) (Basename, error) {
	switch {
	case req.NexusReportURL == "" && req.RawReportURL == "":
		return TimestampBasename(now), nil
	case req.NexusReportURL == "":
		return BasenameOf(req.RawReportURL)
	case req.RawReportURL == "":
		return BasenameOf(req.NexusReportURL)
	}
	a, err := BasenameOf(req.NexusReportURL)
	if err != nil {
		return "", err
	}
	b, err := BasenameOf(req.RawReportURL)
	if err != nil {
		return "", err
	}
	if a != b {
		return "", fmt.Errorf("%w: nexus and raw report URLs name different files (%s, %s)", ErrInvalidName, a, b)
	}
	return a, nil
}

func isEmbeddedImage(s string) bool {
	if strings.HasPrefix(s, "data:image/") {
		return true
	}
	if len(s) < 64 || strings.ContainsAny(s, `.\:`) {
		return false
	}
	_, err := base64.StdEncoding.DecodeString(s[:len(s)/4*4])
	return err == nil
}

func (g *Generator) persistScreenshot(req Request, step int, data string, now time.Time) (string, error) {
	if i := strings.Index(data, ","); strings.HasPrefix(data, "data:") && i >= 0 {
		data = data[i+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("decode screenshot: %w", err)
	}
	name := fmt.Sprintf("screenshot-%s-step%d-%d.png", req.RunID, step, now.UnixMilli())
	if err := os.WriteFile(filepath.Join(req.ReportDir, name), raw, 0644); err != nil {
		return "", err
	}
	return "/" + g.runRoot + "/report/" + name, nil
}

type landingEntry struct {
	Index      int
	Name       string
	Error      string
	Screenshot string
	Summary    string
	JSON       string
}

func (g *Generator) entries(results []StepResult) []landingEntry {
	n := min(len(results), maxLandingEntries)
	out := make([]landingEntry, 0, n)
	for i := 0; i < n; i++ {
		r := results[i]
		e := landingEntry{Index: i + 1, Name: r.Name}
		switch {
		case r.Error != "":
			e.Error = truncate(r.Error, maxBlockChars)
		case r.Screenshot != "":
			e.Screenshot = WebPathUnder(g.runRoot, r.Screenshot)
			e.Summary = r.Summary
		default:
			data, err := json.MarshalIndent(r.Data, "", "  ")
			if err != nil || r.Data == nil {
				data = []byte(r.Summary)
			}
			e.JSON = truncate(string(data), maxBlockChars)
		}
		out = append(out, e)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// markdownToHTML converts a markdown string to HTML using goldmark.
func markdownToHTML(input string) template.HTML {
	if strings.TrimSpace(input) == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := goldmark.New().Convert([]byte(input), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(input))
	}
	return template.HTML(buf.String())
}
