package relay

import (
	"context"
	"log/slog"
	"sync/atomic"

	"pagechat/internal/domain"
)

// Endpoint is one end of a Pipe. It implements domain.Port.
type Endpoint struct {
	name   string
	inbox  *inbox
	peer   *Endpoint
	closed atomic.Bool
}

var _ domain.Port = (*Endpoint)(nil)

// NewPipe returns two connected endpoints. A message sent on one is
// delivered to the other's subscribers.
func NewPipe(a, b string, logger *slog.Logger) (*Endpoint, *Endpoint) {
	ea := &Endpoint{name: a, inbox: newInbox(a, logger)}
	eb := &Endpoint{name: b, inbox: newInbox(b, logger)}
	ea.peer, eb.peer = eb, ea
	return ea, eb
}

// Send delivers msg to the other end.
func (e *Endpoint) Send(ctx context.Context, msg domain.Message) error {
	if err := msg.Validate(); err != nil {
		return domain.WrapOp("Pipe.Send", err)
	}
	if e.closed.Load() {
		return domain.NewDomainError("Pipe.Send", domain.ErrRelayClosed, e.name)
	}
	if e.peer.closed.Load() || !e.peer.inbox.push(ctx, msg) {
		return domain.NewDomainError("Pipe.Send", domain.ErrNoCounterpart, e.peer.name)
	}
	return nil
}

// Subscribe registers h for messages accepted by filter.
func (e *Endpoint) Subscribe(filter domain.MessageFilter, h domain.MessageHandler) func() {
	return e.inbox.subscribe(filter, h)
}

// Close shuts this end. Further sends from either side fail.
func (e *Endpoint) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.inbox.close()
	return nil
}
