package browser

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"nexus/agent"
)

const navigationTimeout = 30 * time.Second

var whitespaceRegex = regexp.MustCompile(`[ \t]+`)

var emptyLineRegex = regexp.MustCompile(`(?m)^\s*$[\r\n]*`)

// PlaywrightDriver implements agent.Driver on a playwright page.
type PlaywrightDriver struct {
	page playwright.Page
}

// check fails fast on a cancelled context or a closed page.
func (d *PlaywrightDriver) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.page.IsClosed() {
		return fmt.Errorf("page is closed: %w", agent.ErrFatal)
	}
	return nil
}

// classify marks closed-target errors as fatal.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, playwright.ErrTargetClosed) {
		return fmt.Errorf("%s: %w: %w", op, agent.ErrFatal, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (d *PlaywrightDriver) Goto(ctx context.Context, url string) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	_, err := d.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(navigationTimeout.Milliseconds())),
	})
	if err != nil && errors.Is(err, playwright.ErrTimeout) {
		return fmt.Errorf("navigate %s: %w: %w", url, agent.ErrFatal, err)
	}
	return classify("navigate "+url, err)
}

func (d *PlaywrightDriver) Click(ctx context.Context, selector string) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	return classify("click "+selector, d.page.Locator(selector).First().Click())
}

func (d *PlaywrightDriver) Fill(ctx context.Context, selector, value string) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	return classify("fill "+selector, d.page.Locator(selector).First().Fill(value))
}

func (d *PlaywrightDriver) Press(ctx context.Context, key string) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	return classify("press "+key, d.page.Keyboard().Press(key))
}

func (d *PlaywrightDriver) Scroll(ctx context.Context, deltaY int) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	return classify("scroll", d.page.Mouse().Wheel(0, float64(deltaY)))
}

func (d *PlaywrightDriver) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	_, err := d.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	return classify("wait for "+selector, err)
}

func (d *PlaywrightDriver) Text(ctx context.Context, selector string) (string, error) {
	if err := d.check(ctx); err != nil {
		return "", err
	}
	if selector == "" {
		selector = "body"
	}
	text, err := d.page.TextContent(selector)
	if err != nil {
		return "", classify("get text "+selector, err)
	}
	return normalizeText(text), nil
}

// normalizeText collapses runs of spaces and drops blank lines.
func normalizeText(text string) string {
	text = whitespaceRegex.ReplaceAllString(text, " ")
	text = emptyLineRegex.ReplaceAllString(text, "\n")
	lines := strings.Split(text, "\n")
	var cleanLines []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			cleanLines = append(cleanLines, trimmed)
		}
	}
	return strings.Join(cleanLines, "\n")
}

func (d *PlaywrightDriver) HTML(ctx context.Context) (string, error) {
	if err := d.check(ctx); err != nil {
		return "", err
	}
	html, err := d.page.Content()
	return html, classify("get html", err)
}

func (d *PlaywrightDriver) Screenshot(ctx context.Context) ([]byte, error) {
	if err := d.check(ctx); err != nil {
		return nil, err
	}
	b, err := d.page.Screenshot(playwright.PageScreenshotOptions{
		Type:  playwright.ScreenshotTypePng,
		Scale: playwright.ScreenshotScaleCss,
	})
	return b, classify("screenshot", err)
}

func (d *PlaywrightDriver) ScreenshotFile(ctx context.Context, path string) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	_, err := d.page.Screenshot(playwright.PageScreenshotOptions{
		Path:  playwright.String(path),
		Type:  playwright.ScreenshotTypePng,
		Scale: playwright.ScreenshotScaleCss,
	})
	return classify("save screenshot", err)
}

func (d *PlaywrightDriver) URL() string {
	if d.page.IsClosed() {
		return ""
	}
	return d.page.URL()
}

func (d *PlaywrightDriver) Title(ctx context.Context) (string, error) {
	if err := d.check(ctx); err != nil {
		return "", err
	}
	title, err := d.page.Title()
	return title, classify("get title", err)
}
