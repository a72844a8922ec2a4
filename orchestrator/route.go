package orchestrator

import (
	"regexp"
	"strings"

	"nexus/tasks"
)

var (
	yamlRefPattern   = regexp.MustCompile(`(?:^|\s)/yaml(?::|\s+)(\S*)`)
	yamlBarePattern  = regexp.MustCompile(`(?:^|\s)/yaml$`)
	yamlIDPattern    = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	yamlKeyPattern   = regexp.MustCompile(`(?m)^(web|tasks|target):`)
	yamlFencePattern = regexp.MustCompile(`(?m)^---\s*$`)
	bareURLPattern   = regexp.MustCompile(`^https?://\S+$`)
)

// RouteInfo is the outcome of route detection.
type RouteInfo struct {
	Route tasks.Route
	// YamlMapID is set for /yaml references, InlineYAML for pasted bodies.
	YamlMapID  string
	InlineYAML string
	URL        string
}

// DetectRoute classifies a command. A /yaml reference or an inline body
// after a --- line with a web, tasks or target key selects the yaml route;
// a lone http(s) URL selects the direct route; anything else is a
// natural-language instruction.
func DetectRoute(command string) (RouteInfo, error) {
	text := strings.TrimSpace(command)

	if m := yamlRefPattern.FindStringSubmatch(text); m != nil {
		id := m[1]
		if !yamlIDPattern.MatchString(id) {
			return RouteInfo{}, validationf("malformed yaml map reference %q", strings.TrimSpace(m[0]))
		}
		return RouteInfo{Route: tasks.RouteYAML, YamlMapID: id}, nil
	}
	if yamlBarePattern.MatchString(text) {
		return RouteInfo{}, validationf("yaml map reference without an id")
	}

	if loc := yamlFencePattern.FindStringIndex(text); loc != nil {
		body := strings.TrimSpace(text[loc[1]:])
		if yamlKeyPattern.MatchString(body) {
			return RouteInfo{Route: tasks.RouteYAML, InlineYAML: body}, nil
		}
	}

	if bareURLPattern.MatchString(text) {
		return RouteInfo{Route: tasks.RouteDirect, URL: text}, nil
	}
	return RouteInfo{Route: tasks.RouteNLI}, nil
}
