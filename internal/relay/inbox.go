// Package relay carries typed, correlated messages between the mediator,
// the panel and the broker.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"pagechat/internal/domain"
)

type subscriber struct {
	id      uint64
	filter  domain.MessageFilter
	handler domain.MessageHandler
}

type delivery struct {
	ctx context.Context
	msg domain.Message
}

// inbox queues incoming messages and hands them to subscribers on a single
// goroutine, so handlers for one port observe arrival order. Handlers must
// not block; long work belongs on its own goroutine.
type inbox struct {
	name   string
	logger *slog.Logger

	subMu  sync.RWMutex
	subs   []subscriber
	nextID atomic.Uint64

	qMu    sync.Mutex
	queue  []delivery
	notify chan struct{}

	closed atomic.Bool
	done   chan struct{}
}

func newInbox(name string, logger *slog.Logger) *inbox {
	if logger == nil {
		logger = slog.Default()
	}
	in := &inbox{
		name:   name,
		logger: logger,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go in.run()
	return in
}

// push enqueues msg without waiting for handlers. It reports false once the
// inbox is closed.
func (in *inbox) push(ctx context.Context, msg domain.Message) bool {
	if in.closed.Load() {
		return false
	}
	in.qMu.Lock()
	in.queue = append(in.queue, delivery{ctx: context.WithoutCancel(ctx), msg: msg})
	in.qMu.Unlock()

	select {
	case in.notify <- struct{}{}:
	default:
	}
	return true
}

func (in *inbox) run() {
	for {
		select {
		case <-in.done:
			return
		case <-in.notify:
		}
		for {
			in.qMu.Lock()
			if len(in.queue) == 0 {
				in.qMu.Unlock()
				break
			}
			d := in.queue[0]
			in.queue[0] = delivery{}
			in.queue = in.queue[1:]
			in.qMu.Unlock()

			if in.closed.Load() {
				return
			}
			in.dispatch(d)
		}
	}
}

func (in *inbox) dispatch(d delivery) {
	in.subMu.RLock()
	subs := make([]subscriber, len(in.subs))
	copy(subs, in.subs)
	in.subMu.RUnlock()

	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(d.msg) {
			continue
		}
		in.call(d, sub)
	}
}

func (in *inbox) call(d delivery, sub subscriber) {
	defer func() {
		if r := recover(); r != nil {
			in.logger.Error("relay handler panicked",
				"port", in.name,
				"kind", d.msg.Kind(),
				"panic", r,
			)
		}
	}()
	sub.handler(d.ctx, d.msg)
}

func (in *inbox) subscribe(filter domain.MessageFilter, h domain.MessageHandler) func() {
	id := in.nextID.Add(1)
	in.subMu.Lock()
	in.subs = append(in.subs, subscriber{id: id, filter: filter, handler: h})
	in.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			in.subMu.Lock()
			defer in.subMu.Unlock()
			for i, s := range in.subs {
				if s.id == id {
					in.subs = append(in.subs[:i:i], in.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (in *inbox) close() {
	if in.closed.Swap(true) {
		return
	}
	close(in.done)
}

// Kinds returns a filter matching any of the given kinds.
func Kinds(kinds ...domain.Kind) domain.MessageFilter {
	return func(m domain.Message) bool {
		for _, k := range kinds {
			if m.Kind() == k {
				return true
			}
		}
		return false
	}
}

// Correlated returns a filter matching kinds carrying correlation id.
func Correlated(id string, kinds ...domain.Kind) domain.MessageFilter {
	match := Kinds(kinds...)
	return func(m domain.Message) bool {
		return m.CorrelationID == id && match(m)
	}
}

// Mailbox gives ports implemented outside this package, such as network
// transports, the same ordered, panic-safe delivery as the in-process ports.
type Mailbox struct {
	in *inbox
}

// NewMailbox starts a mailbox. Close stops its dispatcher.
func NewMailbox(name string, logger *slog.Logger) *Mailbox {
	return &Mailbox{in: newInbox(name, logger)}
}

// Deliver queues msg for the subscribers. It reports false once closed.
func (m *Mailbox) Deliver(ctx context.Context, msg domain.Message) bool {
	return m.in.push(ctx, msg)
}

// Subscribe registers h for messages accepted by filter.
func (m *Mailbox) Subscribe(filter domain.MessageFilter, h domain.MessageHandler) func() {
	return m.in.subscribe(filter, h)
}

// Close drops queued messages and stops delivery.
func (m *Mailbox) Close() { m.in.close() }
