package tui

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagechat/internal/domain"
	"pagechat/internal/usecase/panel"
)

type fakePanel struct {
	mu        sync.Mutex
	deltas    []string
	answerErr error
	cancels   int
	history   []domain.Exchange
	removed   string
	warnings  []panel.Warning
}

func (f *fakePanel) Ask(_ context.Context, _ string, onDelta func(string)) (string, error) {
	var sb strings.Builder
	for _, d := range f.deltas {
		sb.WriteString(d)
		onDelta(d)
	}
	return sb.String(), f.answerErr
}

func (f *fakePanel) Cancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return true
}

func (f *fakePanel) RefreshPage(context.Context) (domain.PageContent, error) {
	return f.Page(), nil
}

func (f *fakePanel) Page() domain.PageContent {
	return domain.PageContent{URL: "https://example.com", Title: "Example", Text: "body", Strategy: domain.StrategyLandmark}
}

func (f *fakePanel) SaveLast(context.Context) (domain.Exchange, error) {
	return domain.Exchange{ID: "01SAVED"}, nil
}

func (f *fakePanel) History(context.Context) ([]domain.Exchange, error) { return f.history, nil }

func (f *fakePanel) Exchange(_ context.Context, id string) (domain.Exchange, error) {
	for _, ex := range f.history {
		if ex.ID == id {
			return ex, nil
		}
	}
	return domain.Exchange{}, domain.NewDomainError("Panel.Exchange", domain.ErrNotFound, id)
}

func (f *fakePanel) Remove(_ context.Context, id string) error {
	f.removed = id
	return nil
}

func (f *fakePanel) ClearHistory(context.Context) error { return nil }
func (f *fakePanel) Speak(context.Context) error        { return nil }

func (f *fakePanel) ToggleOverlay(context.Context, domain.OverlayAction) error { return nil }

func (f *fakePanel) Warnings() []panel.Warning { return f.warnings }

func newModel(t *testing.T, p *fakePanel) Model {
	t.Helper()
	m := NewModel(context.Background(), p, slog.New(slog.DiscardHandler))
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return next.(Model)
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

func typeLine(t *testing.T, m Model, s string) (Model, tea.Cmd) {
	t.Helper()
	m.input.SetValue(s)
	return update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
}

func lastLine(m Model) line {
	return m.lines.lines[len(m.lines.lines)-1]
}

func TestSubmitStreamsAnswer(t *testing.T) {
	m := newModel(t, &fakePanel{})

	m, cmd := typeLine(t, m, "What is this?")
	require.NotNil(t, cmd)
	assert.True(t, m.streaming)
	assert.Equal(t, uint64(1), m.gen)
	assert.Empty(t, m.input.Value())
	require.Len(t, m.lines.lines, 2)
	assert.Equal(t, roleUser, m.lines.lines[0].role)

	m, _ = update(t, m, deltaMsg{gen: 1, text: "The page"})
	m, _ = update(t, m, deltaMsg{gen: 1, text: " discusses X."})
	assert.Equal(t, "The page discusses X.", lastLine(m).text)

	m, _ = update(t, m, answerMsg{gen: 1, text: "The page discusses X."})
	assert.False(t, m.streaming)
	assert.Equal(t, "The page discusses X.", lastLine(m).text)
	assert.NotEmpty(t, m.View())
}

func TestStaleGenerationIgnored(t *testing.T) {
	m := newModel(t, &fakePanel{})
	m, _ = typeLine(t, m, "first")
	m, _ = update(t, m, answerMsg{gen: 1, err: domain.ErrStreamAborted})
	m, _ = typeLine(t, m, "second")
	require.Equal(t, uint64(2), m.gen)

	m, _ = update(t, m, deltaMsg{gen: 1, text: "late"})
	m, _ = update(t, m, answerMsg{gen: 1, text: "late"})
	assert.True(t, m.streaming)
	assert.Equal(t, "", lastLine(m).text)
}

func TestAnswerErrorIsShown(t *testing.T) {
	m := newModel(t, &fakePanel{})
	m, _ = typeLine(t, m, "q")
	m, _ = update(t, m, answerMsg{gen: 1, err: domain.NewDomainError("Panel.Ask", domain.ErrMissingCredential, "")})
	assert.Equal(t, roleError, lastLine(m).role)
	assert.Contains(t, lastLine(m).text, "No API key")
}

func TestAskCommandForwardsDeltas(t *testing.T) {
	p := &fakePanel{deltas: []string{"a", "b", "c"}}
	m := newModel(t, p)

	var mu sync.Mutex
	var got []deltaMsg
	*m.send = func(msg tea.Msg) {
		mu.Lock()
		got = append(got, msg.(deltaMsg))
		mu.Unlock()
	}
	msg := m.ask("q", 7)()
	assert.Equal(t, answerMsg{gen: 7, text: "abc"}, msg)
	require.Len(t, got, 3)
	assert.Equal(t, deltaMsg{gen: 7, text: "b"}, got[1])
}

func TestEscAndCtrlCCancelWhileStreaming(t *testing.T) {
	p := &fakePanel{}
	m := newModel(t, p)
	m, _ = typeLine(t, m, "q")

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.Nil(t, cmd)
	assert.Equal(t, 2, p.cancels)
	assert.False(t, m.quitting)

	m, _ = update(t, m, answerMsg{gen: 1, err: domain.ErrStreamAborted})
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.True(t, m.quitting)
}

func TestHistoryCommands(t *testing.T) {
	created := time.Date(2026, 1, 2, 15, 4, 0, 0, time.UTC)
	p := &fakePanel{history: []domain.Exchange{
		{ID: "01AAA", Question: "What is X?", Answer: "X is a thing.", Origin: "https://example.com", CreatedAt: created},
	}}
	m := newModel(t, p)

	m, cmd := typeLine(t, m, "/history")
	require.NotNil(t, cmd)
	m, _ = update(t, m, cmd())
	assert.Contains(t, lastLine(m).text, "01AAA")
	assert.Contains(t, lastLine(m).text, "What is X?")

	m, cmd = typeLine(t, m, "/show 01AAA")
	m, _ = update(t, m, cmd())
	assert.Contains(t, lastLine(m).text, "https://example.com")
	assert.Equal(t, "X is a thing.", m.lines.lines[len(m.lines.lines)-2].text)

	m, cmd = typeLine(t, m, "/show nope")
	m, _ = update(t, m, cmd())
	assert.Equal(t, roleError, lastLine(m).role)

	m, cmd = typeLine(t, m, "/delete 01AAA")
	m, _ = update(t, m, cmd())
	assert.Equal(t, "01AAA", p.removed)
	assert.Equal(t, "Deleted 01AAA", lastLine(m).text)

	m, cmd = typeLine(t, m, "/delete")
	assert.Nil(t, cmd)
	assert.Equal(t, roleError, lastLine(m).role)

	m, cmd = typeLine(t, m, "/save")
	m, _ = update(t, m, cmd())
	assert.Equal(t, "Saved as 01SAVED", lastLine(m).text)
}

func TestSlashCommands(t *testing.T) {
	m := newModel(t, &fakePanel{})

	m, _ = typeLine(t, m, "/help")
	assert.Contains(t, lastLine(m).text, "/clear-history")

	m, _ = typeLine(t, m, "/bogus")
	assert.Contains(t, lastLine(m).text, "Unknown command")

	m, cmd := typeLine(t, m, "/refresh")
	m, _ = update(t, m, cmd())
	assert.Contains(t, lastLine(m).text, "https://example.com")

	m, _ = typeLine(t, m, "/clear")
	assert.Empty(t, m.lines.lines)

	m, cmd = typeLine(t, m, "/quit")
	require.NotNil(t, cmd)
	assert.True(t, m.quitting)
}

func TestWarningsRendered(t *testing.T) {
	p := &fakePanel{warnings: []panel.Warning{{Kind: panel.WarnMinimalContent, Text: "Little content here."}}}
	m := newModel(t, p)
	assert.Contains(t, m.View(), "Little content here.")
}

func TestHumanize(t *testing.T) {
	assert.Equal(t, "Cancelled.", humanize(domain.ErrStreamAborted))
	assert.Contains(t, humanize(domain.ErrorFromCode(domain.CodeRateLimit, "slow down")), "Too many")
	assert.Contains(t, humanize(domain.ErrorFromCode(domain.CodeAuthInvalid, "")), "rejected")
	assert.Equal(t, "boom", humanize(errors.New("boom")))
}

func TestDescribePage(t *testing.T) {
	assert.Contains(t, describePage(domain.PageContent{URL: "u", Strategy: domain.StrategyNone}), "Little or no content")
	s := describePage(domain.PageContent{URL: "u", Text: "abc", Strategy: domain.StrategyReadability, Truncated: true})
	assert.Equal(t, "Read 3 characters from u (readability), truncated", s)
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, "abcd…", clip("abcdefgh", 5))
}
