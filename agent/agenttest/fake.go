// Package agenttest provides an in-memory browser for exercising the agent
// without Chromium.
package agenttest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"nexus/agent"
)

// Driver is an in-memory page. Selectors listed in Missing fail, and
// navigating to a URL containing "crash" fails fatally.
type Driver struct {
	Pages   map[string]string // url -> body text
	Texts   map[string]string // selector -> text
	Missing map[string]bool

	mu    sync.Mutex
	url   string
	calls []string
}

func NewDriver() *Driver {
	return &Driver{
		Pages:   map[string]string{},
		Texts:   map[string]string{},
		Missing: map[string]bool{},
	}
}

func (d *Driver) log(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, fmt.Sprintf(format, args...))
}

// Calls returns the driver operations seen so far, e.g. "click #go".
func (d *Driver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *Driver) missing(selector string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Missing[selector]
}

func (d *Driver) Goto(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.log("goto %s", url)
	if strings.Contains(url, "crash") {
		return fmt.Errorf("goto %s: page crashed: %w", url, agent.ErrFatal)
	}
	d.mu.Lock()
	d.url = url
	d.mu.Unlock()
	return nil
}

func (d *Driver) Click(ctx context.Context, selector string) error {
	d.log("click %s", selector)
	if d.missing(selector) {
		return fmt.Errorf("click %s: element not found", selector)
	}
	return ctx.Err()
}

func (d *Driver) Fill(ctx context.Context, selector, value string) error {
	d.log("fill %s=%s", selector, value)
	if d.missing(selector) {
		return fmt.Errorf("fill %s: element not found", selector)
	}
	return ctx.Err()
}

func (d *Driver) Press(ctx context.Context, key string) error {
	d.log("press %s", key)
	return ctx.Err()
}

func (d *Driver) Scroll(ctx context.Context, deltaY int) error {
	d.log("scroll %d", deltaY)
	return ctx.Err()
}

func (d *Driver) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	d.log("wait %s", selector)
	if d.missing(selector) {
		return fmt.Errorf("wait %s: timeout %s exceeded", selector, timeout)
	}
	return ctx.Err()
}

func (d *Driver) Text(ctx context.Context, selector string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if selector == "" {
		return d.Pages[d.url], nil
	}
	if d.Missing[selector] {
		return "", fmt.Errorf("text %s: element not found", selector)
	}
	return d.Texts[selector], nil
}

func (d *Driver) HTML(ctx context.Context) (string, error) {
	return "<html></html>", ctx.Err()
}

func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	return []byte("png-bytes"), ctx.Err()
}

func (d *Driver) ScreenshotFile(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("png-bytes"), 0644)
}

func (d *Driver) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

func (d *Driver) Title(ctx context.Context) (string, error) {
	return "Fake page", ctx.Err()
}

// Session wraps a Driver and counts Close calls.
type Session struct {
	D *Driver

	mu     sync.Mutex
	closed int
}

func (s *Session) Driver() agent.Driver { return s.D }

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *Session) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Launcher hands out Session, or fails with Err when set.
type Launcher struct {
	Session *Session
	Err     error

	mu       sync.Mutex
	launched []*Session
}

// NewLauncher returns a launcher serving a single shared session on d.
func NewLauncher(d *Driver) *Launcher {
	return &Launcher{Session: &Session{D: d}}
}

func (l *Launcher) Launch(ctx context.Context) (agent.Session, error) {
	if l.Err != nil {
		return nil, l.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.launched = append(l.launched, l.Session)
	l.mu.Unlock()
	return l.Session, nil
}

// Launches reports how many sessions were handed out.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}
