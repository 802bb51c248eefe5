// Package mediator is the role that sits next to the document. It owns the
// extraction pipeline and the overlay state and answers the panel over a
// reference-bound link.
package mediator

import (
	"context"
	"log/slog"
	"sync"

	"pagechat/internal/domain"
	"pagechat/internal/extract"
	"pagechat/internal/relay"
)

// Source supplies the current document.
type Source interface {
	Load(ctx context.Context) (*extract.Document, error)
	Location() string
}

// Mediator serves PAGE_CONTENT_REQUEST and OVERLAY_TOGGLE.
type Mediator struct {
	source    Source
	extractor *extract.Extractor
	bus       domain.EventBus
	logger    *slog.Logger
	guard     relay.Guard

	mu       sync.Mutex
	overlay  bool
	onToggle func(open bool)
	// pending is the correlation id of the extraction holding guard.
	pending string
}

// New creates a mediator. bus may be nil.
func New(source Source, extractor *extract.Extractor, bus domain.EventBus, logger *slog.Logger) *Mediator {
	return &Mediator{source: source, extractor: extractor, bus: bus, logger: logger}
}

// OnOverlayChange registers fn to run whenever the overlay opens or closes.
func (m *Mediator) OnOverlayChange(fn func(open bool)) {
	m.mu.Lock()
	m.onToggle = fn
	m.mu.Unlock()
}

// Attach serves requests arriving on port until detach is called.
func (m *Mediator) Attach(port domain.Port) (detach func()) {
	unsubContent := port.Subscribe(relay.Kinds(domain.KindPageContentRequest), func(ctx context.Context, msg domain.Message) {
		release, ok := m.guard.TryAcquire()
		if !ok {
			m.mu.Lock()
			retry := msg.CorrelationID != "" && msg.CorrelationID == m.pending
			m.mu.Unlock()
			if retry {
				// The running extraction replies under this id.
				m.logger.Debug("retry joins running extraction", "correlation_id", msg.CorrelationID)
				return
			}
			m.logger.Info("extraction already running", "correlation_id", msg.CorrelationID)
			m.reply(ctx, port, msg, domain.PageContentResult{
				Content: domain.PageContent{URL: m.source.Location(), Strategy: domain.StrategyNone},
				Error:   "extraction already in progress",
				Code:    domain.CodeBusy,
			})
			return
		}
		m.mu.Lock()
		m.pending = msg.CorrelationID
		m.mu.Unlock()
		go func() {
			res := m.Extract(ctx)
			m.mu.Lock()
			m.pending = ""
			m.mu.Unlock()
			release()
			m.reply(ctx, port, msg, res)
		}()
	})
	unsubOverlay := port.Subscribe(relay.Kinds(domain.KindOverlayToggle), func(_ context.Context, msg domain.Message) {
		req, _ := msg.Payload.(domain.OverlayToggleRequest)
		m.Toggle(req.Action)
	})
	return func() {
		unsubContent()
		unsubOverlay()
	}
}

// Extract loads the document and runs the pipeline. A load failure is not
// fatal: the result carries an empty page and the reason.
func (m *Mediator) Extract(ctx context.Context) domain.PageContentResult {
	doc, err := m.source.Load(ctx)
	if err != nil {
		m.logger.Warn("document unavailable", "location", m.source.Location(), "error", err)
		return domain.PageContentResult{
			Content: domain.PageContent{URL: m.source.Location(), Strategy: domain.StrategyNone},
			Error:   err.Error(),
			Code:    domain.CodeExtractionFailed,
		}
	}
	pc := m.extractor.Extract(ctx, doc)
	if pc.URL == "" {
		pc.URL = m.source.Location()
	}
	if m.bus != nil {
		m.bus.Publish(ctx, domain.NewEvent(domain.EventPageExtracted, "", domain.PageExtractedPayload{
			URL:            pc.URL,
			Strategy:       pc.Strategy,
			Length:         len([]rune(pc.Text)),
			OriginalLength: pc.OriginalLength,
			Truncated:      pc.Truncated,
		}))
	}
	return domain.PageContentResult{Content: pc}
}

// Toggle applies action to the overlay and reports whether it is now open.
func (m *Mediator) Toggle(action domain.OverlayAction) bool {
	m.mu.Lock()
	prev := m.overlay
	switch action {
	case domain.OverlayOpen:
		m.overlay = true
	case domain.OverlayClose:
		m.overlay = false
	default:
		m.overlay = !m.overlay
	}
	open, fn := m.overlay, m.onToggle
	m.mu.Unlock()

	if open != prev && fn != nil {
		fn(open)
	}
	return open
}

// Busy reports whether an extraction is running.
func (m *Mediator) Busy() bool { return m.guard.Busy() }

// OverlayOpen reports whether the overlay is showing.
func (m *Mediator) OverlayOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overlay
}

func (m *Mediator) reply(ctx context.Context, port domain.Port, req domain.Message, res domain.PageContentResult) {
	if err := relay.Reply(ctx, port, req, res); err != nil {
		m.logger.Warn("could not deliver page content", "correlation_id", req.CorrelationID, "error", err)
	}
}
