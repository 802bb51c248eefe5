// Package panel holds the conversational state behind the overlay. It has
// no credentials: questions go to the broker, page text comes from the
// mediator, and both are reached only through relay ports.
package panel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"pagechat/internal/domain"
	"pagechat/internal/relay"
)

// Config tunes a panel.
type Config struct {
	// RequestTimeout bounds each relay request/response round trip.
	RequestTimeout time.Duration
	RetryDelay     time.Duration
	// QueryTimeout bounds a whole streamed answer.
	QueryTimeout time.Duration
	// HistoryTurns is how many completed turns accompany a question.
	HistoryTurns int
	AutoSpeak    bool
}

const (
	defaultRequestTimeout = 5 * time.Second
	defaultQueryTimeout   = 5 * time.Minute
	defaultHistoryTurns   = 5
)

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = relay.RetryDelay
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = defaultQueryTimeout
	}
	if c.HistoryTurns < 0 {
		c.HistoryTurns = 0
	} else if c.HistoryTurns == 0 {
		c.HistoryTurns = defaultHistoryTurns
	}
	return c
}

// Deps are the panel's collaborators.
type Deps struct {
	Mediator domain.Port
	Broker   domain.Port
	// Reinit re-creates the mediator when it does not answer.
	Reinit  func(ctx context.Context) error
	Speaker domain.Speaker
	Logger  *slog.Logger
}

// Role names who wrote a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one line of the visible conversation.
type Entry struct {
	Role Role
	Text string
	// Err replaces or follows Text when the answer failed.
	Err string
}

// WarningKind identifies a persistent notice.
type WarningKind string

const (
	WarnMinimalContent    WarningKind = "minimal_content"
	WarnMissingCredential WarningKind = "missing_credential"
	WarnStorage           WarningKind = "storage"
	WarnUnreachable       WarningKind = "unreachable"
)

const settingsUnreadable = "Settings could not be read: "

// Warning is a notice shown until the condition clears.
type Warning struct {
	Kind WarningKind
	Text string
}

// Panel is the state of one open overlay. It is created by Open and
// finished by Close; nothing outlives it.
type Panel struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	guard  relay.Guard

	stopStale func()
	closeOnce sync.Once

	mu         sync.Mutex
	closed     bool
	page       domain.PageContent
	hasPage    bool
	transcript []Entry
	turns      []domain.Turn
	last       *domain.Exchange
	warnings   map[WarningKind]string
	active     string
	abort      context.CancelFunc
}

// Open creates the panel and loads the current page. A page that cannot be
// loaded leaves a warning rather than failing the open.
func Open(ctx context.Context, cfg Config, deps Deps) (*Panel, error) {
	if deps.Mediator == nil || deps.Broker == nil {
		return nil, domain.NewDomainError("Panel.Open", domain.ErrInvalidInput, "mediator and broker ports are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	p := &Panel{
		cfg:      cfg.withDefaults(),
		deps:     deps,
		logger:   deps.Logger,
		warnings: make(map[WarningKind]string),
	}
	p.stopStale = deps.Broker.Subscribe(p.stale, func(_ context.Context, m domain.Message) {
		p.logger.Debug("discarded message for inactive stream", "correlation_id", m.CorrelationID, "kind", m.Kind())
	})
	if _, err := p.RefreshPage(ctx); err != nil {
		p.logger.Warn("initial page load failed", "error", err)
	}
	return p, nil
}

// stale matches stream traffic that does not belong to the active query.
func (p *Panel) stale(m domain.Message) bool {
	switch m.Kind() {
	case domain.KindStreamChunk, domain.KindStreamEnd, domain.KindStreamError:
	default:
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return m.CorrelationID != p.active
}

// RefreshPage asks the mediator for fresh page content, re-initialising it
// once if it does not answer.
func (p *Panel) RefreshPage(ctx context.Context) (domain.PageContent, error) {
	resp, err := relay.RequestWithRetry(ctx, p.deps.Mediator,
		domain.NewMessage("", domain.PageContentRequest{Refresh: true}),
		relay.RetryPolicy{Timeout: p.cfg.RequestTimeout, Delay: p.cfg.RetryDelay, Reinit: p.deps.Reinit})
	if err != nil {
		if errors.Is(err, domain.ErrRelayUnreachable) {
			p.warn(WarnUnreachable, "The page could not be reached. Reload it and try again.")
		}
		p.warn(WarnMinimalContent, "Little or no content could be read from this page.")
		return domain.PageContent{}, err
	}
	res, ok := resp.Payload.(domain.PageContentResult)
	if !ok {
		return domain.PageContent{}, fmt.Errorf("%w: unexpected %s", domain.ErrInvalidInput, resp.Kind())
	}
	if res.Code == domain.CodeBusy {
		return p.Page(), domain.ErrorFromCode(res.Code, res.Error)
	}

	p.mu.Lock()
	p.page, p.hasPage = res.Content, true
	p.mu.Unlock()
	p.clear(WarnUnreachable)
	if res.Content.IsMinimal() {
		p.warn(WarnMinimalContent, "Little or no content could be read from this page.")
	} else {
		p.clear(WarnMinimalContent)
	}
	if res.Error != "" {
		p.logger.Info("extraction degraded", "url", res.Content.URL, "reason", res.Error)
	}
	return res.Content, nil
}

// Ask sends question about the current page and blocks until the answer
// completes, fails or is cancelled. onDelta, if set, sees each fragment as
// it arrives and must not block.
func (p *Panel) Ask(ctx context.Context, question string, onDelta func(text string)) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", domain.NewDomainError("Panel.Ask", domain.ErrInvalidInput, "empty question")
	}
	release, ok := p.guard.TryAcquire()
	if !ok {
		return "", domain.NewDomainError("Panel.Ask", domain.ErrBusy, "an answer is still streaming")
	}
	defer release()

	if p.isClosed() {
		return "", domain.NewDomainError("Panel.Ask", domain.ErrRelayClosed, "panel closed")
	}

	res, err := p.settings(ctx)
	if err != nil {
		return "", err
	}
	if res.Error != "" {
		// Defaults stand in for unreadable settings; their empty credential
		// says nothing about the user's key.
		p.warn(WarnStorage, settingsUnreadable+res.Error)
		return "", domain.ErrorFromCode(res.Code, res.Error)
	}
	p.clearIf(WarnStorage, func(text string) bool { return strings.HasPrefix(text, settingsUnreadable) })
	view := res.Settings
	if !view.HasCredential {
		p.warn(WarnMissingCredential, "Add your API key in settings to ask questions.")
		return "", domain.NewDomainError("Panel.Ask", domain.ErrMissingCredential, "no API key configured")
	}
	p.clear(WarnMissingCredential)

	p.mu.Lock()
	needPage := !p.hasPage
	p.mu.Unlock()
	if needPage {
		_, _ = p.RefreshPage(ctx)
	}

	id := relay.NewCorrelationID()
	sctx, abort := context.WithCancel(ctx)
	defer abort()

	p.mu.Lock()
	page := p.page
	history := p.recentTurns()
	p.active, p.abort = id, abort
	p.transcript = append(p.transcript, Entry{Role: RoleUser, Text: question}, Entry{Role: RoleAssistant})
	slot := len(p.transcript) - 1
	p.mu.Unlock()
	defer p.deactivate(id)

	terminal := make(chan domain.Message, 1)
	unsubscribe := p.deps.Broker.Subscribe(
		relay.Correlated(id, domain.KindStreamChunk, domain.KindStreamEnd, domain.KindStreamError),
		func(_ context.Context, m domain.Message) {
			if c, ok := m.Payload.(domain.StreamChunk); ok {
				if p.appendDelta(id, slot, c.Text) && onDelta != nil {
					onDelta(c.Text)
				}
				return
			}
			select {
			case terminal <- m:
			default:
			}
		})
	defer unsubscribe()

	q := domain.Query{Question: question, Page: page, History: history}
	if err := p.deps.Broker.Send(ctx, domain.NewMessage(id, q)); err != nil {
		p.fillSlot(slot, "", "The assistant is unavailable.")
		return "", domain.WrapOp("Panel.Ask", err)
	}

	timer := time.NewTimer(p.cfg.QueryTimeout)
	defer timer.Stop()

	select {
	case m := <-terminal:
		return p.finish(ctx, slot, question, page, view, m)
	case <-sctx.Done():
		p.sendCancel(id)
		p.fillSlot(slot, "", "Cancelled.")
		return "", domain.NewDomainError("Panel.Ask", domain.ErrStreamAborted, "cancelled")
	case <-timer.C:
		p.sendCancel(id)
		p.fillSlot(slot, p.slotText(slot), "The answer took too long.")
		return "", domain.NewDomainError("Panel.Ask", domain.ErrTimeout, p.cfg.QueryTimeout.String())
	}
}

func (p *Panel) finish(ctx context.Context, slot int, question string, page domain.PageContent, view domain.SettingsView, m domain.Message) (string, error) {
	switch pl := m.Payload.(type) {
	case domain.StreamEnd:
		p.fillSlot(slot, pl.Text, "")
		ex := domain.Exchange{Origin: page.URL, PageTitle: page.Title, Question: question, Answer: pl.Text}
		p.mu.Lock()
		p.turns = append(p.turns, domain.Turn{Question: question, Answer: pl.Text})
		p.last = &ex
		p.mu.Unlock()

		if view.AutoSaveExchanges && strings.TrimSpace(pl.Text) != "" {
			if _, err := p.save(ctx, ex); err != nil {
				p.logger.Warn("auto-save failed", "error", err)
			}
		}
		if p.cfg.AutoSpeak {
			p.speak(pl.Text, view)
		}
		return pl.Text, nil
	case domain.StreamError:
		if pl.Code == domain.CodeMissingCredential {
			p.warn(WarnMissingCredential, "Add your API key in settings to ask questions.")
		}
		p.fillSlot(slot, pl.Partial, pl.Reason)
		return pl.Partial, domain.ErrorFromCode(pl.Code, pl.Reason)
	}
	return "", fmt.Errorf("%w: unexpected %s", domain.ErrInvalidInput, m.Kind())
}

// Cancel stops the active answer and any speech. It reports whether an
// answer was streaming.
func (p *Panel) Cancel() bool {
	p.mu.Lock()
	abort := p.abort
	p.mu.Unlock()
	if p.deps.Speaker != nil {
		p.deps.Speaker.Cancel()
	}
	if abort == nil {
		return false
	}
	abort()
	return true
}

// Streaming reports whether an answer is in flight.
func (p *Panel) Streaming() bool { return p.guard.Busy() }

// Speak reads the last answer aloud.
func (p *Panel) Speak(ctx context.Context) error {
	if p.deps.Speaker == nil {
		return domain.NewDomainError("Panel.Speak", domain.ErrInvalidInput, "no speaker configured")
	}
	p.mu.Lock()
	last := p.last
	p.mu.Unlock()
	if last == nil {
		return domain.NewDomainError("Panel.Speak", domain.ErrNotFound, "nothing to read")
	}
	view, err := p.Settings(ctx)
	if err != nil {
		view = domain.DefaultSettings().View()
	}
	p.deps.Speaker.Cancel()
	return p.deps.Speaker.Speak(ctx, last.Answer, view)
}

func (p *Panel) speak(text string, view domain.SettingsView) {
	if p.deps.Speaker == nil {
		return
	}
	p.deps.Speaker.Cancel()
	go func() {
		if err := p.deps.Speaker.Speak(context.Background(), text, view); err != nil {
			p.logger.Debug("speech failed", "error", err)
		}
	}()
}

// Settings fetches the redacted settings from the broker.
func (p *Panel) Settings(ctx context.Context) (domain.SettingsView, error) {
	res, err := p.settings(ctx)
	if err != nil {
		return domain.SettingsView{}, err
	}
	if res.Error != "" {
		p.logger.Warn("broker settings degraded", "reason", res.Error)
	}
	return res.Settings, nil
}

func (p *Panel) settings(ctx context.Context) (domain.SettingsResult, error) {
	resp, err := relay.Request(ctx, p.deps.Broker, domain.NewMessage("", domain.SettingsRequest{}), p.cfg.RequestTimeout)
	if err != nil {
		return domain.SettingsResult{}, domain.WrapOp("Panel.Settings", err)
	}
	res, ok := resp.Payload.(domain.SettingsResult)
	if !ok {
		return domain.SettingsResult{}, fmt.Errorf("%w: unexpected %s", domain.ErrInvalidInput, resp.Kind())
	}
	return res, nil
}

// ToggleOverlay asks the mediator to show or hide the overlay.
func (p *Panel) ToggleOverlay(ctx context.Context, action domain.OverlayAction) error {
	return p.deps.Mediator.Send(ctx, domain.NewMessage("", domain.OverlayToggleRequest{Action: action}))
}

// Close cancels any streaming answer and speech. It is safe to call more
// than once.
func (p *Panel) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.Cancel()
		p.stopStale()
	})
}

// Page returns the most recently loaded page content.
func (p *Panel) Page() domain.PageContent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.page
}

// Transcript returns a copy of the conversation so far.
func (p *Panel) Transcript() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.transcript)
}

// Warnings returns the active notices ordered by kind.
func (p *Panel) Warnings() []Warning {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Warning, 0, len(p.warnings))
	for k, text := range p.warnings {
		out = append(out, Warning{Kind: k, Text: text})
	}
	slices.SortFunc(out, func(a, b Warning) int { return strings.Compare(string(a.Kind), string(b.Kind)) })
	return out
}

// HasWarning reports whether kind is active.
func (p *Panel) HasWarning(kind WarningKind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.warnings[kind]
	return ok
}

func (p *Panel) warn(kind WarningKind, text string) {
	p.mu.Lock()
	p.warnings[kind] = text
	p.mu.Unlock()
}

func (p *Panel) clear(kind WarningKind) {
	p.mu.Lock()
	delete(p.warnings, kind)
	p.mu.Unlock()
}

func (p *Panel) clearIf(kind WarningKind, match func(text string) bool) {
	p.mu.Lock()
	if text, ok := p.warnings[kind]; ok && match(text) {
		delete(p.warnings, kind)
	}
	p.mu.Unlock()
}

func (p *Panel) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// recentTurns must be called with mu held.
func (p *Panel) recentTurns() []domain.Turn {
	n := min(p.cfg.HistoryTurns, len(p.turns))
	if n == 0 {
		return nil
	}
	return slices.Clone(p.turns[len(p.turns)-n:])
}

// appendDelta adds text to the answer in slot while id is still active.
func (p *Panel) appendDelta(id string, slot int, text string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active != id {
		return false
	}
	p.transcript[slot].Text += text
	return true
}

func (p *Panel) fillSlot(slot int, text, errText string) {
	p.mu.Lock()
	p.transcript[slot].Text = text
	p.transcript[slot].Err = errText
	p.mu.Unlock()
}

func (p *Panel) slotText(slot int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transcript[slot].Text
}

func (p *Panel) deactivate(id string) {
	p.mu.Lock()
	if p.active == id {
		p.active, p.abort = "", nil
	}
	p.mu.Unlock()
}

func (p *Panel) sendCancel(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RequestTimeout)
	defer cancel()
	if err := p.deps.Broker.Send(ctx, domain.NewMessage(id, domain.Cancel{})); err != nil {
		p.logger.Debug("cancel not delivered", "correlation_id", id, "error", err)
	}
}
