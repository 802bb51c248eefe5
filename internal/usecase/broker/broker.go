// Package broker is the privileged role: it holds the credential, talks to
// the backend and owns the history store. Panels reach it through any
// domain.Port (an in-process pipe or a gateway connection).
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pagechat/internal/domain"
	"pagechat/internal/infra/tracer"
	"pagechat/internal/relay"
	"pagechat/internal/stream"
)

// Backend opens a streamed answer.
type Backend interface {
	Open(ctx context.Context, req domain.AnswerRequest) (*stream.Body, error)
}

// Config tunes the broker.
type Config struct {
	QueriesPerMinute int
	Burst            int
	// QueryTimeout bounds one streamed answer end to end.
	QueryTimeout time.Duration
}

const (
	defaultQueriesPerMinute = 30
	defaultBurst            = 5
	defaultQueryTimeout     = 5 * time.Minute
)

// Broker serves QUERY, CANCEL, HISTORY_REQUEST and SETTINGS_REQUEST.
type Broker struct {
	backend  Backend
	history  domain.HistoryStore
	settings domain.SettingsStore
	bus      domain.EventBus
	limiter  *rate.Limiter
	timeout  time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool
}

// entry is a live session and the attachment that opened it.
type entry struct {
	session *stream.Session
	owner   *attachment
	cancel  context.CancelFunc
}

type attachment struct {
	port domain.Port
}

// New creates a broker. bus may be nil.
func New(cfg Config, backend Backend, history domain.HistoryStore, settings domain.SettingsStore, bus domain.EventBus, logger *slog.Logger) *Broker {
	qpm := cfg.QueriesPerMinute
	if qpm <= 0 {
		qpm = defaultQueriesPerMinute
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &Broker{
		backend:  backend,
		history:  history,
		settings: settings,
		bus:      bus,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(qpm)), burst),
		timeout:  timeout,
		logger:   logger,
		sessions: make(map[string]*entry),
	}
}

// Attach serves requests arriving on port until the returned detach
// function is called. Detaching cancels the streams port opened.
func (b *Broker) Attach(port domain.Port) (detach func()) {
	a := &attachment{port: port}
	unsubs := []func(){
		port.Subscribe(relay.Kinds(domain.KindQuery), func(ctx context.Context, m domain.Message) {
			go b.handleQuery(ctx, a, m)
		}),
		port.Subscribe(relay.Kinds(domain.KindCancel), func(ctx context.Context, m domain.Message) {
			b.cancel(ctx, a, m.CorrelationID)
		}),
		port.Subscribe(relay.Kinds(domain.KindHistoryRequest), func(ctx context.Context, m domain.Message) {
			go b.handleHistory(ctx, port, m)
		}),
		port.Subscribe(relay.Kinds(domain.KindSettingsRequest), func(ctx context.Context, m domain.Message) {
			go b.handleSettings(ctx, port, m)
		}),
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			for _, u := range unsubs {
				u()
			}
			b.cancelOwned(a)
		})
	}
}

// Active returns the number of in-flight streams.
func (b *Broker) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Close cancels every stream and refuses new queries.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	entries := make([]*entry, 0, len(b.sessions))
	for _, e := range b.sessions {
		entries = append(entries, e)
	}
	b.mu.Unlock()
	for _, e := range entries {
		e.session.Cancel()
		e.cancel()
	}
}

func (b *Broker) handleQuery(ctx context.Context, a *attachment, m domain.Message) {
	id := m.CorrelationID
	q, ok := m.Payload.(domain.Query)
	if !ok || q.Question == "" {
		b.reject(ctx, a.port, id, domain.NewDomainError("Broker.Query", domain.ErrInvalidInput, "empty question"))
		return
	}
	if !b.limiter.Allow() {
		b.reject(ctx, a.port, id, domain.NewDomainError("Broker.Query", domain.ErrRateLimit,
			"too many questions, wait a moment"))
		return
	}
	settings, err := b.settings.Load(ctx)
	if err != nil {
		b.reject(ctx, a.port, id, domain.WrapOp("Broker.Query", err))
		return
	}
	if settings.Credential == "" {
		b.reject(ctx, a.port, id, domain.NewDomainError("Broker.Query", domain.ErrMissingCredential,
			"add an API key in settings"))
		return
	}

	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	req := domain.AnswerRequest{
		Credential: settings.Credential,
		Page:       q.Page,
		Question:   q.Question,
		History:    q.History,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		b.reject(ctx, a.port, id, domain.NewDomainError("Broker.Query", domain.ErrRelayClosed, "broker shutting down"))
		return
	}
	if _, dup := b.sessions[id]; dup {
		b.mu.Unlock()
		cancel()
		b.logger.Debug("duplicate query ignored", "correlation_id", id)
		return
	}
	e := &entry{owner: a, cancel: cancel}
	b.sessions[id] = e
	// Handlers are installed before the session starts and may fire before
	// Open returns, so they must not touch e.session.
	e.session = stream.Open(qctx, id, func(ctx context.Context) (*stream.Body, error) {
		return b.backend.Open(ctx, req)
	}, b.handlers(qctx, a.port, id, cancel), b.logger)
	b.mu.Unlock()

	b.publish(ctx, domain.EventStreamStarted, id, domain.StreamStartedPayload{CorrelationID: id, Origin: q.Page.URL})
	b.logger.Info("query started", "correlation_id", id, "page", q.Page.URL, "history", len(q.History))

	<-e.session.Done()
	cancel()
	b.forget(id, e)
}

func (b *Broker) handlers(ctx context.Context, port domain.Port, id string, abort context.CancelFunc) stream.Handlers {
	send := func(p domain.Payload) {
		if err := port.Send(ctx, domain.NewMessage(id, p)); err != nil {
			b.logger.Warn("panel unreachable, aborting stream", "correlation_id", id, "error", err)
			abort()
		}
	}
	var chunks int
	return stream.Handlers{
		OnDelta: func(seq int, text string) {
			chunks++
			send(domain.StreamChunk{Seq: seq, Text: text})
		},
		OnComplete: func(full string) {
			send(domain.StreamEnd{Text: full})
			b.publish(ctx, domain.EventStreamCompleted, id, domain.StreamCompletedPayload{
				CorrelationID: id, Chunks: chunks, Length: len(full),
			})
		},
		OnError: func(err error, partial string) {
			send(domain.StreamError{Reason: reasonOf(err), Code: domain.ErrorCodeOf(err), Partial: partial})
			b.publish(ctx, domain.EventStreamError, id, domain.StreamErrorPayload{
				CorrelationID: id, Error: err.Error(), Code: domain.ErrorCodeOf(err), Partial: len(partial),
			})
		},
	}
}

// cancel stops id if a opened it.
func (b *Broker) cancel(ctx context.Context, a *attachment, id string) {
	b.mu.Lock()
	e := b.sessions[id]
	b.mu.Unlock()
	if e == nil {
		return
	}
	if e.owner != a {
		b.logger.Warn("cancel from another panel ignored", "correlation_id", id)
		return
	}
	if e.session.Cancel() {
		b.publish(ctx, domain.EventStreamAborted, id, domain.StreamAbortedPayload{CorrelationID: id})
		b.logger.Info("query cancelled", "correlation_id", id)
	}
}

func (b *Broker) cancelOwned(a *attachment) {
	b.mu.Lock()
	var owned []*entry
	for _, e := range b.sessions {
		if e.owner == a {
			owned = append(owned, e)
		}
	}
	b.mu.Unlock()
	for _, e := range owned {
		if e.session.Cancel() {
			b.publish(context.Background(), domain.EventStreamAborted, e.session.ID(),
				domain.StreamAbortedPayload{CorrelationID: e.session.ID()})
		}
		e.cancel()
	}
}

func (b *Broker) forget(id string, e *entry) {
	b.mu.Lock()
	if b.sessions[id] == e {
		delete(b.sessions, id)
	}
	b.mu.Unlock()
}

// reject answers a query that never reached the backend.
func (b *Broker) reject(ctx context.Context, port domain.Port, id string, err error) {
	code := domain.ErrorCodeOf(err)
	b.logger.Info("query rejected", "correlation_id", id, "code", code)
	b.publish(ctx, domain.EventQueryRejected, id, domain.QueryRejectedPayload{Code: code})
	if serr := port.Send(ctx, domain.NewMessage(id, domain.StreamError{Reason: reasonOf(err), Code: code})); serr != nil {
		b.logger.Warn("could not deliver rejection", "correlation_id", id, "error", serr)
	}
}

func (b *Broker) handleHistory(ctx context.Context, port domain.Port, m domain.Message) {
	ctx, span := tracer.StartSpan(ctx, "broker.history")
	defer span.End()

	req, _ := m.Payload.(domain.HistoryRequest)
	span.SetAttributes(tracer.StringAttr("history.op", string(req.Op)), tracer.CorrelationAttr(m.CorrelationID))

	exchanges, err := b.runHistory(ctx, req)
	res := domain.HistoryResult{Exchanges: exchanges}
	if err != nil {
		tracer.RecordError(span, err)
		res = domain.HistoryResult{Error: err.Error(), Code: domain.ErrorCodeOf(err)}
		level := slog.LevelInfo
		if errors.Is(err, domain.ErrStorage) {
			level = slog.LevelWarn
		}
		b.logger.Log(ctx, level, "history request failed", "op", req.Op, "error", err)
	} else {
		tracer.SetOK(span)
	}
	if err := relay.Reply(ctx, port, m, res); err != nil {
		b.logger.Warn("could not deliver history result", "correlation_id", m.CorrelationID, "error", err)
	}
}

func (b *Broker) runHistory(ctx context.Context, req domain.HistoryRequest) ([]domain.Exchange, error) {
	switch req.Op {
	case domain.HistoryList:
		return b.history.List(ctx)
	case domain.HistoryGet:
		e, err := b.history.Get(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		return []domain.Exchange{e}, nil
	case domain.HistorySave:
		if req.Exchange == nil {
			return nil, domain.NewDomainError("Broker.History", domain.ErrInvalidInput, "save without exchange")
		}
		e, err := b.history.Append(ctx, *req.Exchange)
		if err != nil {
			return nil, err
		}
		b.publish(ctx, domain.EventExchangeSaved, "", domain.ExchangeEventPayload{ID: e.ID, Origin: e.Origin})
		return []domain.Exchange{e}, nil
	case domain.HistoryRemove:
		if err := b.history.Remove(ctx, req.ID); err != nil {
			return nil, err
		}
		b.publish(ctx, domain.EventExchangeRemoved, "", domain.ExchangeEventPayload{ID: req.ID})
		return nil, nil
	case domain.HistoryClear:
		if err := b.history.Clear(ctx); err != nil {
			return nil, err
		}
		b.publish(ctx, domain.EventHistoryCleared, "", nil)
		return nil, nil
	}
	return nil, domain.NewDomainError("Broker.History", domain.ErrInvalidInput, fmt.Sprintf("unknown op %q", req.Op))
}

func (b *Broker) handleSettings(ctx context.Context, port domain.Port, m domain.Message) {
	st, err := b.settings.Load(ctx)
	res := domain.SettingsResult{Settings: st.View()}
	if err != nil {
		b.logger.Warn("settings unavailable", "error", err)
		res = domain.SettingsResult{Settings: domain.DefaultSettings().View(), Error: err.Error(), Code: domain.ErrorCodeOf(err)}
	}
	if err := relay.Reply(ctx, port, m, res); err != nil {
		b.logger.Warn("could not deliver settings", "correlation_id", m.CorrelationID, "error", err)
	}
}

func (b *Broker) publish(ctx context.Context, t domain.EventType, id string, payload any) {
	if b.bus != nil {
		b.bus.Publish(ctx, domain.NewEvent(t, id, payload))
	}
}

// reasonOf is the user-facing text for err: the backend's own detail when
// there is one.
func reasonOf(err error) string {
	var d interface{ ErrorDetail() string }
	if errors.As(err, &d) {
		return d.ErrorDetail()
	}
	var de *domain.DomainError
	if errors.As(err, &de) && de.Detail != "" {
		return de.Detail
	}
	return err.Error()
}
