// Package tui is the terminal rendering of the panel: a scrolling
// transcript, an input box and slash commands for the panel operations.
package tui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"pagechat/internal/domain"
	"pagechat/internal/usecase/panel"
)

// Panel is the subset of *panel.Panel the UI drives.
type Panel interface {
	Ask(ctx context.Context, question string, onDelta func(string)) (string, error)
	Cancel() bool
	RefreshPage(ctx context.Context) (domain.PageContent, error)
	Page() domain.PageContent
	SaveLast(ctx context.Context) (domain.Exchange, error)
	History(ctx context.Context) ([]domain.Exchange, error)
	Exchange(ctx context.Context, id string) (domain.Exchange, error)
	Remove(ctx context.Context, id string) error
	ClearHistory(ctx context.Context) error
	Speak(ctx context.Context) error
	ToggleOverlay(ctx context.Context, action domain.OverlayAction) error
	Warnings() []panel.Warning
}

var _ Panel = (*panel.Panel)(nil)

// Messages fed into Update. gen ties streaming messages to one question so
// output from a cancelled one is dropped.
type (
	deltaMsg struct {
		gen  uint64
		text string
	}
	answerMsg struct {
		gen  uint64
		text string
		err  error
	}
	noticeMsg struct {
		text string
		err  error
	}
	historyMsg struct {
		list []domain.Exchange
		err  error
	}
	exchangeMsg struct {
		ex  domain.Exchange
		err error
	}
	pageMsg struct {
		page domain.PageContent
		err  error
	}
	quitMsg struct{}
)

var commands = []struct{ name, help string }{
	{"/refresh", "re-read the page"},
	{"/cancel", "stop the current answer"},
	{"/save", "save the last answer to history"},
	{"/history", "list saved answers"},
	{"/show <id>", "show a saved answer"},
	{"/delete <id>", "delete a saved answer"},
	{"/clear-history", "delete every saved answer"},
	{"/speak", "read the last answer aloud"},
	{"/overlay", "toggle the page overlay"},
	{"/clear", "clear the screen"},
	{"/quit", "exit"},
}

// Model is the root bubbletea model.
type Model struct {
	panel  Panel
	logger *slog.Logger
	ctx    context.Context
	// send delivers messages from background goroutines; set by Run.
	send *func(tea.Msg)

	view    viewport.Model
	input   textarea.Model
	spinner spinner.Model
	lines   *transcript

	ready     bool
	atBottom  bool
	streaming bool
	gen       uint64
	width     int
	height    int
	quitting  bool
}

// NewModel builds the UI for p.
func NewModel(ctx context.Context, p Panel, logger *slog.Logger) Model {
	ta := textarea.New()
	ta.Placeholder = "Ask about this page..."
	ta.Prompt = "> "
	ta.ShowLineNumbers = false
	ta.CharLimit = 0
	ta.SetHeight(2)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.FocusedStyle.Prompt = stylePrompt
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(colorInfo)

	noop := func(tea.Msg) {}
	return Model{
		panel:    p,
		logger:   logger,
		ctx:      ctx,
		send:     &noop,
		input:    ta,
		spinner:  sp,
		lines:    &transcript{},
		atBottom: true,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.spinner.Tick)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			if m.streaming {
				m.panel.Cancel()
				return m, nil
			}
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEsc:
			if m.streaming {
				m.panel.Cancel()
			}
			return m, nil
		case tea.KeyEnter:
			value := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if value == "" {
				return m, nil
			}
			return m.submit(value)
		}

	case deltaMsg:
		if msg.gen == m.gen && m.streaming {
			m.lines.appendLast(msg.text)
			m.refresh()
		}
		return m, nil

	case answerMsg:
		if msg.gen != m.gen {
			return m, nil
		}
		m.streaming = false
		m.input.Focus()
		if msg.err != nil {
			if msg.text == "" {
				m.lines.replaceLast("")
			}
			m.lines.add(roleError, humanize(msg.err))
		} else {
			m.lines.replaceLast(msg.text)
		}
		m.refresh()
		return m, nil

	case noticeMsg:
		if msg.err != nil {
			m.lines.add(roleError, humanize(msg.err))
		} else if msg.text != "" {
			m.lines.add(roleSystem, msg.text)
		}
		m.refresh()
		return m, nil

	case historyMsg:
		m.showHistory(msg)
		return m, nil

	case exchangeMsg:
		if msg.err != nil {
			m.lines.add(roleError, humanize(msg.err))
		} else {
			m.lines.add(roleUser, msg.ex.Question)
			m.lines.add(roleAssistant, msg.ex.Answer)
			m.lines.add(roleSystem, fmt.Sprintf("saved %s from %s", msg.ex.CreatedAt.Format("Jan 2 15:04"), msg.ex.Origin))
		}
		m.refresh()
		return m, nil

	case pageMsg:
		if msg.err != nil {
			m.lines.add(roleError, humanize(msg.err))
		} else {
			m.lines.add(roleSystem, describePage(msg.page))
		}
		m.refresh()
		return m, nil

	case quitMsg:
		m.quitting = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	if !m.streaming {
		if _, isMouse := msg.(tea.MouseMsg); !isMouse {
			var cmd tea.Cmd
			m.input, cmd = m.input.Update(msg)
			cmds = append(cmds, cmd)
		}
	}
	if m.ready {
		var cmd tea.Cmd
		m.view, cmd = m.view.Update(msg)
		m.atBottom = m.view.AtBottom()
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m Model) submit(value string) (tea.Model, tea.Cmd) {
	if strings.HasPrefix(value, "/") {
		return m.command(value)
	}
	if m.streaming {
		m.lines.add(roleSystem, "An answer is still streaming. /cancel stops it.")
		m.refresh()
		return m, nil
	}
	m.gen++
	m.streaming = true
	m.input.Blur()
	m.lines.add(roleUser, value)
	m.lines.add(roleAssistant, "")
	m.refresh()
	return m, tea.Batch(m.ask(value, m.gen), m.spinner.Tick)
}

func (m Model) ask(question string, gen uint64) tea.Cmd {
	send := m.send
	return func() tea.Msg {
		text, err := m.panel.Ask(m.ctx, question, func(delta string) {
			(*send)(deltaMsg{gen: gen, text: delta})
		})
		return answerMsg{gen: gen, text: text, err: err}
	}
}

func (m Model) command(value string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(value)
	name, arg := fields[0], ""
	if len(fields) > 1 {
		arg = fields[1]
	}
	ctx, p := m.ctx, m.panel

	switch name {
	case "/help":
		var sb strings.Builder
		for i, c := range commands {
			if i > 0 {
				sb.WriteString("\n")
			}
			fmt.Fprintf(&sb, "%-16s %s", c.name, c.help)
		}
		m.lines.add(roleSystem, sb.String())
	case "/quit", "/exit":
		m.quitting = true
		return m, tea.Quit
	case "/clear":
		m.lines.reset()
	case "/cancel":
		if !p.Cancel() {
			m.lines.add(roleSystem, "Nothing to cancel.")
		}
	case "/refresh":
		return m, func() tea.Msg {
			page, err := p.RefreshPage(ctx)
			return pageMsg{page: page, err: err}
		}
	case "/save":
		return m, func() tea.Msg {
			ex, err := p.SaveLast(ctx)
			return noticeMsg{text: "Saved as " + ex.ID, err: err}
		}
	case "/history":
		return m, func() tea.Msg {
			list, err := p.History(ctx)
			return historyMsg{list: list, err: err}
		}
	case "/show", "/delete":
		if arg == "" {
			m.lines.add(roleError, name+" needs an id from /history")
			break
		}
		if name == "/show" {
			return m, func() tea.Msg {
				ex, err := p.Exchange(ctx, arg)
				return exchangeMsg{ex: ex, err: err}
			}
		}
		return m, func() tea.Msg {
			return noticeMsg{text: "Deleted " + arg, err: p.Remove(ctx, arg)}
		}
	case "/clear-history":
		return m, func() tea.Msg {
			return noticeMsg{text: "History cleared.", err: p.ClearHistory(ctx)}
		}
	case "/speak":
		return m, func() tea.Msg {
			return noticeMsg{err: p.Speak(ctx)}
		}
	case "/overlay":
		return m, func() tea.Msg {
			return noticeMsg{err: p.ToggleOverlay(ctx, domain.OverlayToggle)}
		}
	default:
		m.lines.add(roleError, "Unknown command "+name+". /help lists commands.")
	}
	m.refresh()
	return m, nil
}

func (m *Model) showHistory(msg historyMsg) {
	switch {
	case msg.err != nil:
		m.lines.add(roleError, humanize(msg.err))
	case len(msg.list) == 0:
		m.lines.add(roleSystem, "No saved answers.")
	default:
		var sb strings.Builder
		for i, ex := range msg.list {
			if i > 0 {
				sb.WriteString("\n")
			}
			fmt.Fprintf(&sb, "%s  %s  %s", ex.ID, ex.CreatedAt.Format("Jan 2 15:04"), clip(ex.Question, 60))
		}
		m.lines.add(roleSystem, sb.String())
	}
	m.refresh()
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "  Loading..."
	}
	input := m.input.View()
	if m.streaming {
		input = m.spinner.View() + styleMuted.Render(" answering, esc to cancel")
	}
	parts := []string{m.header(), m.view.View()}
	for _, w := range m.panel.Warnings() {
		parts = append(parts, styleWarning.Render(symbolWarning+" "+w.Text))
	}
	parts = append(parts, divider(m.width), input, styleStatus.Width(m.width).Render("enter send · esc cancel · /help · ctrl+c quit"))
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m Model) header() string {
	page := m.panel.Page()
	title := page.Title
	if title == "" {
		title = page.URL
	}
	if title == "" {
		title = "no page loaded"
	}
	return styleTitle.Render("pagechat") + styleMuted.Render(clip(title, max(m.width-12, 10)))
}

func (m *Model) layout() {
	warnings := len(m.panel.Warnings())
	h := max(m.height-1-1-m.input.Height()-1-warnings, 3)
	if !m.ready {
		m.view = viewport.New(m.width, h)
		m.view.MouseWheelEnabled = true
		m.ready = true
	} else {
		m.view.Width, m.view.Height = m.width, h
	}
	m.input.SetWidth(m.width - 2)
	m.lines.setWidth(m.width)
	m.refresh()
}

// refresh re-renders the transcript, following the bottom unless the user
// has scrolled up.
func (m *Model) refresh() {
	if !m.ready {
		return
	}
	m.view.SetContent(m.lines.view())
	if m.atBottom {
		m.view.GotoBottom()
	}
}

func describePage(p domain.PageContent) string {
	if p.Strategy == domain.StrategyNone {
		return "Little or no content could be read from " + p.URL
	}
	s := fmt.Sprintf("Read %d characters from %s (%s)", len([]rune(p.Text)), p.URL, strings.ToLower(string(p.Strategy)))
	if p.Truncated {
		s += ", truncated"
	}
	return s
}

// humanize turns an error into one line for the transcript.
func humanize(err error) string {
	switch {
	case errors.Is(err, domain.ErrStreamAborted):
		return "Cancelled."
	case errors.Is(err, domain.ErrMissingCredential):
		return "No API key is configured. Add one to the settings file."
	case errors.Is(err, domain.ErrRateLimit):
		return "Too many questions. Wait a moment and try again."
	case errors.Is(err, domain.ErrAuthInvalid):
		return "The API key was rejected."
	case errors.Is(err, domain.ErrRelayUnreachable):
		return "The page could not be reached."
	case errors.Is(err, domain.ErrBusy):
		return "Still working on the previous request."
	case errors.Is(err, domain.ErrNetwork):
		return "Network problem: " + err.Error()
	}
	return err.Error()
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:max(n-1, 0)]) + "…"
}
