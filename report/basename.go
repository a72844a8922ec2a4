// Package report produces and serves the HTML artifacts of a run: the
// agent report written during execution, its post-processed form, and the
// landing page linking everything together.
package report

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrInvalidName is returned for report names that are not plain
	// .html basenames.
	ErrInvalidName = errors.New("invalid report name")
	// ErrNotFound is returned when no search directory holds the report.
	ErrNotFound = errors.New("report not found")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+\.html$`)

// ValidName reports whether name is an acceptable report basename.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Basename names one agent report. The external and raw URLs are both
// derived from it so they always refer to the same file.
type Basename string

// ParseBasename validates name.
func ParseBasename(name string) (Basename, error) {
	if !ValidName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return Basename(name), nil
}

// BasenameOf extracts the basename of a report path or URL.
func BasenameOf(p string) (Basename, error) {
	p = strings.ReplaceAll(p, `\`, "/")
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return ParseBasename(path.Base(p))
}

func (b Basename) String() string { return string(b) }

// NexusURL is the same-origin post-processed report URL.
func (b Basename) NexusURL() string {
	return "/external-report/" + string(b)
}

// RawURL is the absolute styled raw report URL.
func (b Basename) RawURL(origin string) string {
	return strings.TrimSuffix(origin, "/") + "/raw-report/" + string(b)
}

// stamp formats t as YYYY-MM-DD_HH-MM-SS-mmm.
func stamp(t time.Time) string {
	return fmt.Sprintf("%s-%03d", t.Format("2006-01-02_15-04-05"), t.Nanosecond()/int(time.Millisecond))
}

// TimestampBasename is the name the agent gives its report.
func TimestampBasename(t time.Time) Basename {
	return Basename("web-" + stamp(t) + ".html")
}

// FallbackBasename is the synthetic name used when the agent report could
// not be processed.
func FallbackBasename(t time.Time) Basename {
	return Basename("web-fallback-" + stamp(t) + ".html")
}
