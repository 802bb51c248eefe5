package extract

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// alwaysExcluded never contributes text, whatever the pass.
var alwaysExcluded = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Canvas:   true,
	atom.Head:     true,
}

// chromeTags are page furniture dropped by the visible-text walk.
var chromeTags = map[atom.Atom]bool{
	atom.Nav:    true,
	atom.Header: true,
	atom.Footer: true,
	atom.Aside:  true,
	atom.Form:   true,
	atom.Button: true,
	atom.Select: true,
}

var chromeRoles = map[string]bool{
	"banner":        true,
	"navigation":    true,
	"complementary": true,
	"contentinfo":   true,
}

var blockTags = map[atom.Atom]bool{
	atom.Address: true, atom.Article: true, atom.Aside: true, atom.Blockquote: true,
	atom.Br: true, atom.Dd: true, atom.Div: true, atom.Dl: true, atom.Dt: true,
	atom.Fieldset: true, atom.Figcaption: true, atom.Figure: true, atom.Footer: true,
	atom.Form: true, atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true,
	atom.H5: true, atom.H6: true, atom.Header: true, atom.Hr: true, atom.Li: true,
	atom.Main: true, atom.Nav: true, atom.Ol: true, atom.P: true, atom.Pre: true,
	atom.Section: true, atom.Table: true, atom.Td: true, atom.Th: true, atom.Tr: true,
	atom.Ul: true, atom.Body: true,
}

// isHidden reports whether the element is hidden by markup or inline style.
func isHidden(n *html.Node) bool {
	if !isElement(n) {
		return false
	}
	if _, ok := attr(n, "hidden"); ok {
		return true
	}
	if strings.EqualFold(attrValue(n, "aria-hidden"), "true") {
		return true
	}
	if n.DataAtom == atom.Input && strings.EqualFold(attrValue(n, "type"), "hidden") {
		return true
	}
	style, ok := attr(n, "style")
	if !ok {
		return false
	}
	for _, decl := range strings.Split(style, ";") {
		prop, val, found := strings.Cut(decl, ":")
		if !found {
			continue
		}
		prop = strings.ToLower(strings.TrimSpace(prop))
		val = strings.ToLower(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(val), "!important")))
		switch prop {
		case "display":
			if val == "none" {
				return true
			}
		case "visibility":
			if val == "hidden" || val == "collapse" {
				return true
			}
		case "opacity":
			if f, err := strconv.ParseFloat(val, 64); err == nil && f <= 0 {
				return true
			}
		}
	}
	return false
}

// skipBase excludes non-content and hidden elements.
func skipBase(n *html.Node) bool {
	if n.Type == html.CommentNode || n.Type == html.DoctypeNode {
		return true
	}
	if !isElement(n) {
		return false
	}
	return alwaysExcluded[n.DataAtom] || isHidden(n)
}

// skipChrome is skipBase plus navigation, banners and form controls.
func skipChrome(n *html.Node) bool {
	if skipBase(n) {
		return true
	}
	if !isElement(n) {
		return false
	}
	if chromeTags[n.DataAtom] {
		return true
	}
	return chromeRoles[strings.ToLower(strings.TrimSpace(attrValue(n, "role")))]
}

// textOf returns the normalised text under n, omitting subtrees for which
// skip returns true.
func textOf(n *html.Node, skip func(*html.Node) bool) string {
	var b strings.Builder
	collectText(&b, n, skip)
	return normalize(b.String())
}

func collectText(b *strings.Builder, n *html.Node, skip func(*html.Node) bool) {
	if n == nil || skip(n) {
		return
	}
	switch n.Type {
	case html.TextNode:
		b.WriteString(flattenSpace(n.Data))
		return
	case html.ElementNode:
		if blockTags[n.DataAtom] {
			b.WriteByte('\n')
			defer b.WriteByte('\n')
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(b, c, skip)
	}
}

func flattenSpace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t', '\f', '\v', ' ':
			return ' '
		}
		return r
	}, s)
}

// normalize collapses whitespace runs within lines and drops blank lines.
func normalize(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if f := strings.Fields(line); len(f) > 0 {
			out = append(out, strings.Join(f, " "))
		}
	}
	return strings.Join(out, "\n")
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
