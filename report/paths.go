package report

import (
	"path"
	"regexp"
	"strings"
)

// DefaultRunRoot is the artifact root directory name used in web paths.
const DefaultRunRoot = "nexus_run"

var (
	uuidPattern       = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	screenshotPattern = regexp.MustCompile(`^(final-screenshot-.+|screenshot-\d+.*)$`)
)

// WebPath converts a screenshot file path into the URL path it is served
// under, using the default run root.
func WebPath(p string) string {
	return WebPathUnder(DefaultRunRoot, p)
}

// WebPathUnder converts p into a web path below /<root>/.
//
// Absolute Windows or Unix paths containing the root are cut at the root.
// Bare screenshot names are placed in the run directory named by a UUID in
// the path when there is one. URLs and data URIs pass through.
func WebPathUnder(root, p string) string {
	if p == "" || strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") || strings.HasPrefix(p, "data:") {
		return p
	}
	q := strings.ReplaceAll(p, `\`, "/")
	marker := root + "/"

	if strings.HasPrefix(q, marker) {
		return "/" + q
	}
	if i := strings.Index(q, "/"+marker); i >= 0 {
		return q[i:]
	}

	base := path.Base(q)
	if screenshotPattern.MatchString(base) {
		if id := uuidPattern.FindString(q); id != "" {
			return "/" + root + "/" + id + "/" + base
		}
		if strings.HasPrefix(base, "final-screenshot-") {
			return "/" + root + "/" + base
		}
		return "/" + root + "/report/" + base
	}
	return q
}
