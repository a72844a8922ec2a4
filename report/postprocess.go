package report

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var reportHrefPattern = regexp.MustCompile(`(?:^|/)(?:nexus_run/report|external-report|direct-report)/([A-Za-z0-9_.-]+\.html)(?:[?#].*)?$`)

// Rewriter canonicalizes agent report HTML before it is served.
type Rewriter struct {
	Origin  string
	RunRoot string
}

// Rewrite applies the default rewriter for origin.
func Rewrite(src, origin string) (string, error) {
	return Rewriter{Origin: origin, RunRoot: DefaultRunRoot}.Rewrite(src)
}

// Rewrite rewrites report links to absolute /external-report/<name> URLs
// opening in a new tab, maps local screenshot paths to web paths and adds
// a <base> element to <head>. Tokens that need no change are copied
// byte for byte.
func (rw Rewriter) Rewrite(src string) (string, error) {
	origin := strings.TrimSuffix(rw.Origin, "/")
	root := rw.RunRoot
	if root == "" {
		root = DefaultRunRoot
	}

	var out strings.Builder
	out.Grow(len(src) + 128)
	z := html.NewTokenizer(strings.NewReader(src))
	baseInserted := false

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); err != io.EOF {
				return "", fmt.Errorf("rewrite report: %w", err)
			}
			return out.String(), nil
		}
		raw := string(z.Raw())
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			out.WriteString(raw)
			continue
		}

		tok := z.Token()
		changed := false
		switch tok.DataAtom {
		case atom.A:
			changed = rewriteAnchor(&tok, origin)
		case atom.Img:
			changed = rewriteAttr(&tok, "src", func(v string) string { return WebPathUnder(root, v) })
		case atom.Base:
			baseInserted = true
		}

		if changed {
			out.WriteString(tok.String())
		} else {
			out.WriteString(raw)
		}

		if tok.DataAtom == atom.Head && tt == html.StartTagToken && !baseInserted {
			fmt.Fprintf(&out, `<base href="%s/" target="_blank">`, html.EscapeString(origin))
			baseInserted = true
		}
	}
}

func rewriteAnchor(tok *html.Token, origin string) bool {
	idx := attrIndex(tok, "href")
	if idx < 0 {
		return false
	}
	m := reportHrefPattern.FindStringSubmatch(tok.Attr[idx].Val)
	if m == nil {
		return false
	}
	tok.Attr[idx].Val = origin + "/external-report/" + m[1]
	if t := attrIndex(tok, "target"); t >= 0 {
		tok.Attr[t].Val = "_blank"
	} else {
		tok.Attr = append(tok.Attr, html.Attribute{Key: "target", Val: "_blank"})
	}
	return true
}

func rewriteAttr(tok *html.Token, key string, fn func(string) string) bool {
	idx := attrIndex(tok, key)
	if idx < 0 {
		return false
	}
	next := fn(tok.Attr[idx].Val)
	if next == tok.Attr[idx].Val {
		return false
	}
	tok.Attr[idx].Val = next
	return true
}

func attrIndex(tok *html.Token, key string) int {
	for i, a := range tok.Attr {
		if a.Namespace == "" && a.Key == key {
			return i
		}
	}
	return -1
}
