package extract

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	unlikelyCandidates = regexp.MustCompile(`(?i)banner|breadcrumbs|combx|comment|community|cover-wrap|disqus|extra|footer|gdpr|header|legends|menu|related|remark|replies|rss|shoutbox|sidebar|skyscraper|social|sponsor|supplemental|ad-break|agegate|pagination|pager|popup|yom-remote|cookie`)
	maybeCandidate     = regexp.MustCompile(`(?i)and|article|body|column|content|main|shadow`)
	positiveHint       = regexp.MustCompile(`(?i)article|content|main|post|body|entry|text`)
	negativeHint       = regexp.MustCompile(`(?i)comment|footer|nav|sidebar|menu|\bad\b|ads|share|related|banner|promo|cookie`)
)

// scoredTags are the block elements whose own text is scored.
var scoredTags = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Article: true, atom.Section: true,
	atom.Td: true, atom.Pre: true, atom.Blockquote: true, atom.Li: true,
}

const minParagraphChars = 25

type candidate struct {
	node  *html.Node
	score float64
}

// readability finds the densest block of prose in the document and returns
// its text, merged with related siblings. It returns "" when the best
// candidate is shorter than minChars.
func readability(doc *Document, minChars int) string {
	body := doc.Body()
	if body == nil {
		return ""
	}

	scores := make(map[*html.Node]*candidate)
	var order []*candidate
	initCandidate := func(n *html.Node) *candidate {
		if c, ok := scores[n]; ok {
			return c
		}
		c := &candidate{node: n, score: tagWeight(n) + classWeight(n)}
		scores[n] = c
		order = append(order, c)
		return c
	}

	walk(body, func(n *html.Node) bool {
		if skipBase(n) {
			return false
		}
		if !isElement(n) {
			return true
		}
		if n != body && isUnlikely(n) {
			return false
		}
		if !scoredTags[n.DataAtom] || !ownsParagraph(n) {
			return true
		}
		text := textOf(n, skipBase)
		length := runeLen(text)
		if length < minParagraphChars {
			return true
		}

		// One point for the paragraph, one per comma, one per 100 chars (max 3).
		points := 1 + float64(strings.Count(text, ",")+strings.Count(text, "，"))
		points += float64(min(length/100, 3))

		if p := n.Parent; isElement(p) {
			initCandidate(p).score += points
			if gp := p.Parent; isElement(gp) {
				initCandidate(gp).score += points / 2
			}
		}
		return true
	})

	var best *candidate
	for _, c := range order {
		c.score *= 1 - linkDensity(c.node)
		if best == nil || c.score > best.score {
			best = c
		}
	}
	if best == nil {
		return ""
	}

	text := mergeSiblings(best, scores)
	if runeLen(text) < minChars {
		return ""
	}
	return text
}

// mergeSiblings appends siblings of the best candidate that look like part
// of the same article.
func mergeSiblings(best *candidate, scores map[*html.Node]*candidate) string {
	parent := best.node.Parent
	if parent == nil {
		return textOf(best.node, skipBase)
	}
	threshold := max(10, best.score*0.2)

	var parts []string
	for s := parent.FirstChild; s != nil; s = s.NextSibling {
		if !isElement(s) || skipBase(s) {
			continue
		}
		include := s == best.node
		if !include {
			if c, ok := scores[s]; ok && c.score >= threshold {
				include = true
			} else if s.DataAtom == atom.P {
				t := textOf(s, skipBase)
				ld := linkDensity(s)
				l := runeLen(t)
				include = (l > 80 && ld < 0.25) || (l > 0 && ld == 0 && strings.HasSuffix(t, "."))
			}
		}
		if include {
			if t := textOf(s, skipBase); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// ownsParagraph reports whether n carries prose of its own rather than
// only wrapping other scored blocks. Without this a wrapper div would be
// scored alongside the paragraphs it contains.
func ownsParagraph(n *html.Node) bool {
	if n.DataAtom == atom.P || n.DataAtom == atom.Pre || n.DataAtom == atom.Td {
		return true
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if isElement(c) && (scoredTags[c.DataAtom] || blockTags[c.DataAtom]) {
			return false
		}
	}
	return true
}

func isUnlikely(n *html.Node) bool {
	if n.DataAtom == atom.Article || n.DataAtom == atom.Main || n.DataAtom == atom.Body {
		return false
	}
	sig := attrValue(n, "class") + " " + attrValue(n, "id")
	if strings.TrimSpace(sig) == "" {
		return false
	}
	return unlikelyCandidates.MatchString(sig) && !maybeCandidate.MatchString(sig)
}

func tagWeight(n *html.Node) float64 {
	switch n.DataAtom {
	case atom.Article:
		return 10
	case atom.Div, atom.Main:
		return 5
	case atom.Pre, atom.Td, atom.Blockquote:
		return 3
	case atom.Ol, atom.Ul, atom.Dl, atom.Dd, atom.Dt, atom.Li, atom.Form, atom.Address:
		return -3
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Th:
		return -5
	}
	return 0
}

// classWeight rewards content-like class/id names and penalises chrome-like ones.
func classWeight(n *html.Node) float64 {
	var w float64
	for _, v := range []string{attrValue(n, "class"), attrValue(n, "id")} {
		if v == "" {
			continue
		}
		if negativeHint.MatchString(v) {
			w -= 25
		}
		if positiveHint.MatchString(v) {
			w += 25
		}
	}
	return w
}

// linkDensity is the share of n's text that sits inside links.
func linkDensity(n *html.Node) float64 {
	total := runeLen(textOf(n, skipBase))
	if total == 0 {
		return 0
	}
	var linked int
	walk(n, func(c *html.Node) bool {
		if skipBase(c) {
			return false
		}
		if isTag(c, atom.A) {
			linked += runeLen(textOf(c, skipBase))
			return false
		}
		return true
	})
	return float64(linked) / float64(total)
}
