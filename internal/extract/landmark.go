package extract

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// probe matches one landmark selector.
type probe struct {
	selector string
	match    func(*html.Node) bool
}

func byTag(a atom.Atom) func(*html.Node) bool {
	return func(n *html.Node) bool { return isTag(n, a) }
}

func byID(id string) func(*html.Node) bool {
	return func(n *html.Node) bool { return isElement(n) && attrValue(n, "id") == id }
}

func byClass(class string) func(*html.Node) bool {
	return func(n *html.Node) bool { return isElement(n) && hasClass(n, class) }
}

func byRole(role string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		return isElement(n) && strings.EqualFold(strings.TrimSpace(attrValue(n, "role")), role)
	}
}

// landmarkProbes are tried in order; the first match of each is considered.
var landmarkProbes = []probe{
	{"[role=main]", byRole("main")},
	{"main", byTag(atom.Main)},
	{"article", byTag(atom.Article)},
	{"#content", byID("content")},
	{"#main-content", byID("main-content")},
	{"#main", byID("main")},
	{".content", byClass("content")},
	{".main-content", byClass("main-content")},
	{".post-content", byClass("post-content")},
	{".entry-content", byClass("entry-content")},
	{".article-body", byClass("article-body")},
}

// landmark returns the text of the first semantic landmark whose text is
// longer than minChars, along with the selector that matched.
func landmark(doc *Document, minChars int) (string, string) {
	for _, p := range landmarkProbes {
		n := findFirst(doc.Root, func(n *html.Node) bool {
			return p.match(n) && !isHidden(n)
		})
		if n == nil {
			continue
		}
		if text := textOf(n, skipBase); runeLen(text) > minChars {
			return text, p.selector
		}
	}
	return "", ""
}

// visibleText walks the whole body, skipping chrome and hidden elements.
func visibleText(doc *Document) string {
	body := doc.Body()
	if body == nil {
		return ""
	}
	return textOf(body, skipChrome)
}
