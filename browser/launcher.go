// Package browser runs headless browser sessions on playwright and exposes
// them to the agent through agent.Driver.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/playwright-community/playwright-go"

	"nexus/agent"
	"nexus/config"
)

var chromiumArgs = []string{
	"--no-sandbox",
	"--disable-setuid-sandbox",
	"--disable-gpu",
	"--disable-dev-shm-usage",
	"--disable-infobars",
	"--disable-blink-features=AutomationControlled",
}

// cleanExitPrefs marks the profile as cleanly shut down so Chromium does
// not show a restore prompt.
var cleanExitPrefs = map[string]any{
	"profile": map[string]any{
		"exit_type":      "Normal",
		"exited_cleanly": true,
	},
}

// Launcher starts one persistent-context browser per task.
type Launcher struct {
	cfg    config.BrowserConfig
	logger hclog.Logger
}

func NewLauncher(cfg config.BrowserConfig, logger hclog.Logger) *Launcher {
	cfg.Defaults()
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Launcher{cfg: cfg, logger: logger.Named("browser")}
}

// Launch starts a browser within the configured launch timeout. The
// session closes itself when ctx is cancelled.
func (l *Launcher) Launch(ctx context.Context) (agent.Session, error) {
	launchCtx, cancel := context.WithTimeout(ctx, l.cfg.LaunchTimeoutDuration())
	defer cancel()

	type result struct {
		session *Session
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := l.launch()
		ch <- result{s, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		r.session.stopWatch = context.AfterFunc(ctx, func() {
			l.logger.Debug("context done, closing browser", "profile", r.session.profileDir)
			r.session.Close()
		})
		return r.session, nil
	case <-launchCtx.Done():
		go func() {
			if r := <-ch; r.session != nil {
				r.session.Close()
			}
		}()
		return nil, fmt.Errorf("browser launch: %w", launchCtx.Err())
	}
}

func (l *Launcher) launch() (*Session, error) {
	profileDir, err := prepareProfile(os.TempDir())
	if err != nil {
		return nil, err
	}

	pw, err := playwright.Run()
	if err != nil {
		os.RemoveAll(profileDir)
		return nil, fmt.Errorf("could not start playwright: %w", err)
	}

	opts := playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless: playwright.Bool(l.cfg.IsHeadless()),
		Viewport: &playwright.Size{Width: l.cfg.ViewportWidth, Height: l.cfg.ViewportHeight},
		Timeout:  playwright.Float(float64(l.cfg.LaunchTimeoutDuration().Milliseconds())),
	}
	var bt playwright.BrowserType
	switch l.cfg.BrowserType {
	case "firefox":
		bt = pw.Firefox
	case "webkit":
		bt = pw.WebKit
	default:
		bt = pw.Chromium
		opts.Args = chromiumArgs
	}

	bctx, err := bt.LaunchPersistentContext(profileDir, opts)
	if err != nil {
		pw.Stop()
		os.RemoveAll(profileDir)
		return nil, fmt.Errorf("could not launch browser: %w", err)
	}

	var page playwright.Page
	if pages := bctx.Pages(); len(pages) > 0 {
		page = pages[0]
	} else if page, err = bctx.NewPage(); err != nil {
		bctx.Close()
		pw.Stop()
		os.RemoveAll(profileDir)
		return nil, fmt.Errorf("could not create page: %w", err)
	}

	l.logger.Debug("browser launched", "type", l.cfg.BrowserType, "headless", l.cfg.IsHeadless(), "profile", profileDir)
	return &Session{
		pw:         pw,
		context:    bctx,
		driver:     &PlaywrightDriver{page: page},
		profileDir: profileDir,
		logger:     l.logger,
	}, nil
}

// prepareProfile creates a fresh user-data dir under root, seeded with a
// clean-exit Preferences file.
func prepareProfile(root string) (string, error) {
	dir := filepath.Join(root, fmt.Sprintf("nexus-browser-%d-%s", os.Getpid(), uuid.NewString()))
	if err := os.MkdirAll(filepath.Join(dir, "Default"), 0700); err != nil {
		return "", fmt.Errorf("create browser profile: %w", err)
	}
	prefs, err := json.Marshal(cleanExitPrefs)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "Default", "Preferences"), prefs, 0600); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("seed browser profile: %w", err)
	}
	return dir, nil
}

// Session owns a persistent browser context, its playwright driver process
// and its profile directory.
type Session struct {
	pw         *playwright.Playwright
	context    playwright.BrowserContext
	driver     *PlaywrightDriver
	profileDir string
	logger     hclog.Logger

	stopWatch func() bool
	closeOnce sync.Once
	closeErr  error
}

func (s *Session) Driver() agent.Driver {
	return s.driver
}

// Close shuts the browser down and removes the profile. Safe to call more
// than once; only the first call does any work.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.stopWatch != nil {
			s.stopWatch()
		}
		if err := s.context.Close(); err != nil {
			s.closeErr = fmt.Errorf("close browser context: %w", err)
		}
		if err := s.pw.Stop(); err != nil && s.closeErr == nil {
			s.closeErr = fmt.Errorf("stop playwright: %w", err)
		}
		if err := os.RemoveAll(s.profileDir); err != nil {
			s.logger.Warn("failed to remove browser profile", "dir", s.profileDir, "error", err)
		}
	})
	return s.closeErr
}
