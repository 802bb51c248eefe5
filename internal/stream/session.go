package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"
	"sync"

	"pagechat/internal/domain"
)

// maxJSONBody caps a non-streamed answer.
const maxJSONBody = 10 * 1024 * 1024 // 10 MB

// Body is an opened backend response.
type Body struct {
	ContentType string
	Reader      io.ReadCloser
}

// Opener starts the upstream request. Cancelling ctx must abort reads from
// the returned body.
type Opener func(ctx context.Context) (*Body, error)

// Handlers receive a session's output. OnDelta is called in read order;
// exactly one of OnComplete or OnError follows unless the session is
// cancelled first, in which case neither is called. Callbacks run on the
// session's goroutine and must not block.
type Handlers struct {
	OnDelta    func(seq int, text string)
	OnComplete func(full string)
	OnError    func(err error, partial string)
}

// Session is one in-flight streamed answer.
type Session struct {
	id       string
	handlers Handlers
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}

	// mu guards the fields below and serialises callbacks, so nothing is
	// emitted once Cancel has returned.
	mu     sync.Mutex
	state  domain.StreamState
	text   strings.Builder
	chunks int
	err    error
}

// Open starts streaming from open on a new goroutine.
func Open(ctx context.Context, id string, open Opener, h Handlers, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:       id,
		handlers: h,
		logger:   logger,
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    domain.StreamOpen,
	}
	go s.run(sctx, open)
	return s
}

// ID returns the correlation id the session was opened with.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() domain.StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Text returns the text accumulated so far. It is empty after Cancel.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// Err returns the failure that closed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the reader goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session finishes or ctx ends.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel aborts the network read and discards the partial text. It is
// idempotent and does nothing once the session has completed. It reports
// whether this call performed the abort.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	aborted := s.state == domain.StreamOpen
	if aborted {
		s.state = domain.StreamAborted
		s.text.Reset()
	}
	s.mu.Unlock()

	s.cancel()
	return aborted
}

func (s *Session) run(ctx context.Context, open Opener) {
	defer close(s.done)
	defer s.cancel()

	body, err := open(ctx)
	if err != nil {
		s.fail(ctx, err)
		return
	}
	defer body.Reader.Close()

	if isJSON(body.ContentType) {
		s.readJSON(ctx, body.Reader)
		return
	}
	s.readEvents(ctx, body.Reader)
}

func (s *Session) readEvents(ctx context.Context, r io.Reader) {
	framer := NewFramer(DefaultMaxLine)
	buf := make([]byte, 4096)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			data, ferr := framer.Feed(buf[:n])
			for _, d := range data {
				if !s.emit(d) {
					return
				}
			}
			if ferr != nil {
				s.fail(ctx, ferr)
				return
			}
			if framer.Done() {
				s.complete()
				return
			}
		}
		if errors.Is(rerr, io.EOF) {
			for _, d := range framer.Flush() {
				if !s.emit(d) {
					return
				}
			}
			s.complete()
			return
		}
		if rerr != nil {
			s.fail(ctx, fmt.Errorf("%w: read stream: %w", domain.ErrNetwork, rerr))
			return
		}
	}
}

type answerBody struct {
	Answer string `json:"answer"`
}

func (s *Session) readJSON(ctx context.Context, r io.Reader) {
	raw, err := io.ReadAll(io.LimitReader(r, maxJSONBody))
	if err != nil {
		s.fail(ctx, fmt.Errorf("%w: read response: %w", domain.ErrNetwork, err))
		return
	}
	var body answerBody
	if err := json.Unmarshal(raw, &body); err != nil {
		s.fail(ctx, fmt.Errorf("%w: decode answer: %v", domain.ErrHTTPStatus, err))
		return
	}
	if body.Answer != "" && !s.emit(body.Answer) {
		return
	}
	s.complete()
}

// emit appends a delta and forwards it. It reports false once the session
// has left the open state.
func (s *Session) emit(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.StreamOpen {
		return false
	}
	s.text.WriteString(text)
	seq := s.chunks
	s.chunks++
	if s.handlers.OnDelta != nil {
		s.handlers.OnDelta(seq, text)
	}
	return true
}

func (s *Session) complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.StreamOpen {
		return
	}
	s.state = domain.StreamClosed
	full := s.text.String()
	s.logger.Debug("stream completed", "correlation_id", s.id, "chunks", s.chunks, "length", len(full))
	if s.handlers.OnComplete != nil {
		s.handlers.OnComplete(full)
	}
}

func (s *Session) fail(ctx context.Context, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.StreamOpen {
		return
	}
	// Still open with a dead context means the caller's context ended
	// rather than Cancel being called.
	if cerr := ctx.Err(); cerr != nil {
		err = fmt.Errorf("%w: %w", domain.ErrStreamAborted, cerr)
	}
	s.state = domain.StreamClosed
	s.err = err
	partial := s.text.String()
	s.logger.Warn("stream failed", "correlation_id", s.id, "error", err, "partial", len(partial))
	if s.handlers.OnError != nil {
		s.handlers.OnError(err, partial)
	}
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
