package extract

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

type metadata struct {
	title       string
	description string
	keywords    string
}

func readMetadata(doc *Document) metadata {
	var md metadata
	if doc == nil || doc.Root == nil {
		return md
	}
	if t := findFirst(doc.Root, func(n *html.Node) bool { return isTag(n, atom.Title) }); t != nil {
		md.title = strings.Join(strings.Fields(textOf(t, func(*html.Node) bool { return false })), " ")
	}
	if md.title == "" {
		md.title = metaContent(doc.Root, "property", "og:title")
	}
	md.description = metaContent(doc.Root, "name", "description")
	if md.description == "" {
		md.description = metaContent(doc.Root, "property", "og:description")
	}
	md.keywords = metaContent(doc.Root, "name", "keywords")
	return md
}

// metaContent returns the content of the first <meta key=value>.
func metaContent(root *html.Node, key, value string) string {
	n := findFirst(root, func(n *html.Node) bool {
		return isTag(n, atom.Meta) && strings.EqualFold(strings.TrimSpace(attrValue(n, key)), value)
	})
	if n == nil {
		return ""
	}
	return strings.Join(strings.Fields(attrValue(n, "content")), " ")
}
