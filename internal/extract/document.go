// Package extract turns an HTML document into bounded, cleaned page text.
//
// Extraction runs three passes in a fixed order (readability scoring,
// semantic landmarks, a visible-text walk) and keeps the first that yields
// enough text. It never fails: a page with nothing usable produces an empty
// result tagged domain.StrategyNone.
package extract

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Document is a parsed page. Root is the node returned by html.Parse.
type Document struct {
	URL  string
	Root *html.Node
}

// Parse reads an HTML document.
func Parse(r io.Reader, url string) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", url, err)
	}
	return &Document{URL: url, Root: root}, nil
}

// ParseString is Parse for an in-memory document.
func ParseString(s, url string) (*Document, error) {
	return Parse(strings.NewReader(s), url)
}

// Body returns the <body> element, or the root when there is none.
func (d *Document) Body() *html.Node {
	if d == nil || d.Root == nil {
		return nil
	}
	if b := findFirst(d.Root, func(n *html.Node) bool { return isTag(n, atom.Body) }); b != nil {
		return b
	}
	return d.Root
}

func isElement(n *html.Node) bool { return n != nil && n.Type == html.ElementNode }

func isTag(n *html.Node, a atom.Atom) bool { return isElement(n) && n.DataAtom == a }

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}
	return "", false
}

func attrValue(n *html.Node, key string) string {
	v, _ := attr(n, key)
	return v
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attrValue(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// findFirst returns the first node in document order matching pred.
func findFirst(n *html.Node, pred func(*html.Node) bool) *html.Node {
	if n == nil {
		return nil
	}
	if pred(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if m := findFirst(c, pred); m != nil {
			return m
		}
	}
	return nil
}

// walk visits n and its descendants in document order. Returning false from
// visit skips the node's children.
func walk(n *html.Node, visit func(*html.Node) bool) {
	if n == nil || !visit(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, visit)
	}
}
