package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"pagechat/internal/domain"
)

// Window is a shared message surface, like a document's window: anyone
// holding it can post, and every attached link sees every post. Links
// therefore authenticate senders by reference instead of trusting content.
type Window struct {
	logger *slog.Logger

	mu    sync.RWMutex
	links map[*Link]struct{}
}

// NewWindow creates an empty window.
func NewWindow(logger *slog.Logger) *Window {
	if logger == nil {
		logger = slog.Default()
	}
	return &Window{logger: logger, links: make(map[*Link]struct{})}
}

// Attach creates a link on the window. The link accepts nothing until it
// is bound to a counterpart with Bind.
func (w *Window) Attach(name string) *Link {
	l := &Link{
		name:   name,
		window: w,
		inbox:  newInbox(name, w.logger),
		logger: w.logger.With("link", name),
	}
	w.mu.Lock()
	w.links[l] = struct{}{}
	w.mu.Unlock()
	return l
}

// Post broadcasts msg from source to every other attached link. source may
// be nil or a link that nobody is bound to; such posts are dropped by the
// receivers.
func (w *Window) Post(ctx context.Context, source *Link, msg domain.Message) {
	w.mu.RLock()
	targets := make([]*Link, 0, len(w.links))
	for l := range w.links {
		if l != source {
			targets = append(targets, l)
		}
	}
	w.mu.RUnlock()

	for _, l := range targets {
		l.receive(ctx, source, msg)
	}
}

func (w *Window) attached(l *Link) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.links[l]
	return ok
}

func (w *Window) detach(l *Link) {
	w.mu.Lock()
	delete(w.links, l)
	w.mu.Unlock()
}

// Link is a capability handle for one party on a Window, bound to exactly
// one counterpart instance. It implements domain.Port.
type Link struct {
	name   string
	window *Window
	inbox  *inbox
	logger *slog.Logger

	peer     atomic.Pointer[Link]
	rejected atomic.Uint64
}

var _ domain.Port = (*Link)(nil)

// Bind makes peer the only sender this link accepts, replacing any
// previous binding.
func (l *Link) Bind(peer *Link) {
	l.peer.Store(peer)
}

// Peer returns the bound counterpart, or nil.
func (l *Link) Peer() *Link { return l.peer.Load() }

// Send posts msg to the window. It fails with ErrNoCounterpart when the
// link is unbound or its counterpart has detached.
func (l *Link) Send(ctx context.Context, msg domain.Message) error {
	if err := msg.Validate(); err != nil {
		return domain.WrapOp("Link.Send", err)
	}
	if !l.window.attached(l) {
		return domain.NewDomainError("Link.Send", domain.ErrRelayClosed, l.name)
	}
	peer := l.peer.Load()
	if peer == nil || !l.window.attached(peer) {
		return domain.NewDomainError("Link.Send", domain.ErrNoCounterpart, l.name)
	}
	l.window.Post(ctx, l, msg)
	return nil
}

// Subscribe registers h for authenticated messages accepted by filter.
func (l *Link) Subscribe(filter domain.MessageFilter, h domain.MessageHandler) func() {
	return l.inbox.subscribe(filter, h)
}

// Rejected returns how many messages were dropped because they did not
// come from the bound counterpart.
func (l *Link) Rejected() uint64 { return l.rejected.Load() }

// Detach removes the link from the window and stops delivery.
func (l *Link) Detach() {
	l.window.detach(l)
	l.inbox.close()
}

func (l *Link) receive(ctx context.Context, source *Link, msg domain.Message) {
	if peer := l.peer.Load(); peer == nil || source != peer {
		l.rejected.Add(1)
		from := "unknown"
		if source != nil {
			from = source.name
		}
		l.logger.Warn("dropped message from unauthenticated sender",
			"from", from,
			"kind", msg.Kind(),
			"error", domain.ErrSpoofedSender,
		)
		return
	}
	l.inbox.push(ctx, msg)
}
