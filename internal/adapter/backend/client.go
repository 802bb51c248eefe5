// Package backend is the broker's client for the AI answer service.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"

	"pagechat/internal/domain"
	"pagechat/internal/infra/config"
	"pagechat/internal/infra/tracer"
	"pagechat/internal/stream"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32 = 5
	defaultCBTimeout            = 30 * time.Second
	defaultCBInterval           = 60 * time.Second
)

// errorBodyLimit caps how much of an error response is read for its detail.
const errorBodyLimit = 4096

// wireRequest is the POST body the backend expects.
type wireRequest struct {
	Credential          string        `json:"credential"`
	PageContent         string        `json:"pageContent"`
	PageURL             string        `json:"pageUrl"`
	PageTitle           string        `json:"pageTitle"`
	PageMetaDescription string        `json:"pageMetaDescription"`
	UserQuery           string        `json:"userQuery"`
	ConversationHistory []domain.Turn `json:"conversationHistory,omitempty"`
}

func wire(r domain.AnswerRequest) wireRequest {
	return wireRequest{
		Credential:          r.Credential,
		PageContent:         r.Page.Text,
		PageURL:             r.Page.URL,
		PageTitle:           r.Page.Title,
		PageMetaDescription: r.Page.MetaDescription,
		UserQuery:           r.Question,
		ConversationHistory: r.History,
	}
}

// Client posts questions to the backend. Connection setup is guarded by a
// circuit breaker; once the response headers arrive the body belongs to
// the caller and read failures no longer count against the breaker.
type Client struct {
	url       string
	healthURL string
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	logger    *slog.Logger
}

// New creates a Client. A nil httpClient gets a pooled client built from cfg.
func New(cfg config.BackendConfig, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(cfg)
	}
	cb := cfg.CircuitBreaker
	maxFailures := cb.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 1,
		Interval:    orDefault(cb.Interval, defaultCBInterval),
		Timeout:     orDefault(cb.Timeout, defaultCBTimeout),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var se *StatusError
			if errors.As(err, &se) {
				return !se.tripsBreaker()
			}
			return false
		},
	})

	return &Client{
		url:       cfg.URL,
		healthURL: healthURLFor(cfg),
		http:      httpClient,
		breaker:   breaker,
		logger:    logger,
	}
}

// healthURLFor uses the configured health URL, or /health on the backend host.
func healthURLFor(cfg config.BackendConfig) string {
	if cfg.HealthURL != "" {
		return cfg.HealthURL
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" {
		return ""
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/health"}).String()
}

// Opener returns a stream.Opener that posts req when the session starts.
func (c *Client) Opener(req domain.AnswerRequest) stream.Opener {
	return func(ctx context.Context) (*stream.Body, error) {
		return c.Open(ctx, req)
	}
}

// Open posts req and returns the response body. The span covering the call
// ends when the body is closed.
func (c *Client) Open(ctx context.Context, req domain.AnswerRequest) (*stream.Body, error) {
	ctx, span := tracer.StartSpan(ctx, "backend.query")
	span.SetAttributes(
		tracer.StringAttr("page.url", req.Page.URL),
		tracer.IntAttr("page.length", len([]rune(req.Page.Text))),
		tracer.IntAttr("query.history", len(req.History)),
	)

	if req.Credential == "" {
		err := domain.NewDomainError("Backend.Open", domain.ErrMissingCredential, "")
		tracer.RecordError(span, err)
		span.End()
		return nil, err
	}

	body, err := json.Marshal(wire(req))
	if err != nil {
		tracer.RecordError(span, err)
		span.End()
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		return c.post(ctx, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: backend circuit open: %w", domain.ErrNetwork, err)
		}
		tracer.RecordError(span, err)
		span.End()
		return nil, err
	}

	span.SetAttributes(tracer.StringAttr("http.content_type", resp.Header.Get("Content-Type")))
	c.logger.Debug("backend responded",
		"status", resp.StatusCode,
		"content_type", resp.Header.Get("Content-Type"),
	)
	return &stream.Body{
		ContentType: resp.Header.Get("Content-Type"),
		Reader:      &spanBody{ReadCloser: resp.Body, span: span},
	}, nil
}

func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream, application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, newStatusError(resp.StatusCode, raw)
	}
	return resp, nil
}

// Health checks that the backend answers on its health endpoint.
func (c *Client) Health(ctx context.Context) error {
	if c.healthURL == "" {
		return fmt.Errorf("%w: no health url", domain.ErrInvalidInput)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.healthURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return newStatusError(resp.StatusCode, raw)
	}
	return nil
}

// State returns the circuit breaker state for monitoring.
func (c *Client) State() gobreaker.State { return c.breaker.State() }

// spanBody ends the request span when the caller closes the body.
type spanBody struct {
	io.ReadCloser
	span trace.Span
	read int64
}

func (b *spanBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.read += int64(n)
	return n, err
}

func (b *spanBody) Close() error {
	err := b.ReadCloser.Close()
	b.span.SetAttributes(tracer.IntAttr("http.response_bytes", int(b.read)))
	tracer.SetOK(b.span)
	b.span.End()
	return err
}
