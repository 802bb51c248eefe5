package tui

import (
	"strings"

	"github.com/charmbracelet/glamour"
)

type role int

const (
	roleUser role = iota
	roleAssistant
	roleSystem
	roleError
)

type line struct {
	role     role
	text     string
	rendered string // cached markdown; empty means stale
}

// transcript renders the conversation. Assistant text is markdown.
type transcript struct {
	lines    []line
	width    int
	renderer *glamour.TermRenderer
}

func (t *transcript) setWidth(w int) {
	if w == t.width {
		return
	}
	t.width = w
	t.renderer = nil
	for i := range t.lines {
		t.lines[i].rendered = ""
	}
}

func (t *transcript) add(r role, text string) {
	t.lines = append(t.lines, line{role: r, text: text})
}

// appendLast extends the last line, which must be the streaming answer.
func (t *transcript) appendLast(text string) {
	if len(t.lines) == 0 {
		return
	}
	last := &t.lines[len(t.lines)-1]
	last.text += text
	last.rendered = ""
}

func (t *transcript) replaceLast(text string) {
	if len(t.lines) == 0 {
		return
	}
	last := &t.lines[len(t.lines)-1]
	last.text, last.rendered = text, ""
}

func (t *transcript) reset() { t.lines = nil }

func (t *transcript) view() string {
	if len(t.lines) == 0 {
		return styleMuted.Render("  Ask anything about this page. /help lists commands.")
	}
	width := min(max(t.width-4, 40), 100)
	var sb strings.Builder
	for i := range t.lines {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(t.render(&t.lines[i], width))
	}
	return sb.String()
}

func (t *transcript) render(l *line, width int) string {
	switch l.role {
	case roleUser:
		return styleUser.Render("You") + "  " + l.text
	case roleAssistant:
		if l.text == "" {
			return styleBot.Render("Assistant")
		}
		if l.rendered == "" {
			l.rendered = t.markdown(l.text, width)
		}
		return styleBot.Render("Assistant") + "\n" + strings.TrimRight(l.rendered, "\n")
	case roleError:
		return styleError.Render(symbolError+" ") + l.text
	}
	return styleSystem.Render(symbolBullet+" ") + styleMuted.Render(l.text)
}

func (t *transcript) markdown(text string, width int) string {
	if t.renderer == nil {
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(width))
		if err != nil {
			return "  " + text
		}
		t.renderer = r
	}
	out, err := t.renderer.Render(text)
	if err != nil {
		return "  " + text
	}
	return out
}
