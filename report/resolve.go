package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"

	"nexus/config"
)

// Retry bounds file-system polling for artifacts that may still be
// flushing to disk.
type Retry struct {
	Attempts int
	Base     time.Duration // doubled after each failed attempt
}

// DefaultRetry is three attempts starting at 300ms.
var DefaultRetry = Retry{Attempts: 3, Base: 300 * time.Millisecond}

func (r Retry) do(ctx context.Context, fn func() error) error {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := r.Base
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}

// ReadWithRetry reads path, retrying while it does not exist or fails to
// read.
func ReadWithRetry(ctx context.Context, path string, r Retry) ([]byte, error) {
	var data []byte
	err := r.do(ctx, func() error {
		var err error
		data, err = os.ReadFile(path)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// WaitExists reports whether path exists within the retry budget.
func WaitExists(ctx context.Context, path string, r Retry) bool {
	return r.do(ctx, func() error {
		_, err := os.Stat(path)
		return err
	}) == nil
}

// Resolver finds served reports by basename across the report directory
// and any fallback directories.
type Resolver struct {
	dirs   []string
	retry  Retry
	logger hclog.Logger
}

// NewResolver searches <cwd>/<run_root>/report first, then each fallback
// directory in order.
func NewResolver(cfg *config.ArtifactsConfig, logger hclog.Logger) *Resolver {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	dirs := []string{filepath.Join(cwd, cfg.ReportDir())}
	for _, d := range cfg.FallbackDirs {
		if !filepath.IsAbs(d) {
			d = filepath.Join(cwd, d)
		}
		dirs = append(dirs, d)
	}
	return &Resolver{dirs: dirs, retry: DefaultRetry, logger: logger.Named("report")}
}

// NewResolverDirs searches exactly dirs.
func NewResolverDirs(dirs []string, retry Retry, logger hclog.Logger) *Resolver {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Resolver{dirs: dirs, retry: retry, logger: logger.Named("report")}
}

// Dirs returns the search directories in order.
func (r *Resolver) Dirs() []string {
	return append([]string(nil), r.dirs...)
}

// Find returns the absolute path of the report named name.
func (r *Resolver) Find(ctx context.Context, name string) (string, error) {
	b, err := ParseBasename(name)
	if err != nil {
		return "", err
	}
	var found string
	err = r.retry.do(ctx, func() error {
		for _, dir := range r.dirs {
			p := filepath.Join(dir, b.String())
			if info, err := os.Stat(p); err == nil && !info.IsDir() {
				found = p
				return nil
			}
		}
		return ErrNotFound
	})
	if err != nil {
		r.logger.Debug("report not found", "name", name, "dirs", r.dirs)
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return found, nil
}
