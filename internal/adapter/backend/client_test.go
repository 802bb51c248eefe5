package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagechat/internal/domain"
	"pagechat/internal/infra/config"
	"pagechat/internal/stream"
)

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func newClient(t *testing.T, h http.HandlerFunc, mutate ...func(*config.BackendConfig)) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := config.Defaults().Backend
	cfg.URL = srv.URL + "/api/v1/chat"
	for _, m := range mutate {
		m(&cfg)
	}
	return New(cfg, srv.Client(), discard())
}

func sampleRequest() domain.AnswerRequest {
	return domain.AnswerRequest{
		Credential: "sk-test",
		Page: domain.PageContent{
			URL:             "https://example.com/article",
			Title:           "Example",
			Text:            "Body text about X and Y.",
			MetaDescription: "An example page",
		},
		Question: "Summarize this page",
		History:  []domain.Turn{{Question: "hi", Answer: "hello"}},
	}
}

type result struct {
	deltas []string
	full   string
	err    error
}

func runSession(t *testing.T, c *Client, req domain.AnswerRequest) result {
	t.Helper()
	var r result
	s := stream.Open(context.Background(), "corr-1", c.Opener(req), stream.Handlers{
		OnDelta:    func(_ int, text string) { r.deltas = append(r.deltas, text) },
		OnComplete: func(full string) { r.full = full },
		OnError:    func(err error, _ string) { r.err = err },
	}, discard())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	return r
}

func TestOpenSendsWireBody(t *testing.T) {
	var got map[string]any
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/chat", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"answer":"ok"}`)
	})

	res := runSession(t, c, sampleRequest())
	require.NoError(t, res.err)
	assert.Equal(t, "ok", res.full)

	assert.Equal(t, "sk-test", got["credential"])
	assert.Equal(t, "Body text about X and Y.", got["pageContent"])
	assert.Equal(t, "https://example.com/article", got["pageUrl"])
	assert.Equal(t, "Example", got["pageTitle"])
	assert.Equal(t, "An example page", got["pageMetaDescription"])
	assert.Equal(t, "Summarize this page", got["userQuery"])
	assert.Len(t, got["conversationHistory"], 1)
}

func TestOpenOmitsEmptyHistory(t *testing.T) {
	var raw string
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		raw = string(b)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"answer":""}`)
	})
	req := sampleRequest()
	req.History = nil
	runSession(t, c, req)
	assert.NotContains(t, raw, "conversationHistory")
}

func TestEventStreamResponse(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, part := range []string{"The page ", "discusses ", "X ", "and ", "Y."} {
			fmt.Fprintf(w, "data: %s\n\n", part)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	res := runSession(t, c, sampleRequest())
	require.NoError(t, res.err)
	assert.Equal(t, []string{"The page ", "discusses ", "X ", "and ", "Y."}, res.deltas)
	assert.Equal(t, "The page discusses X and Y.", res.full)
	assert.Equal(t, strings.Join(res.deltas, ""), res.full)
}

func TestStatusErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		sentinel error
		detail   string
	}{
		{"string detail", http.StatusBadRequest, `{"detail":"Page content too long"}`, domain.ErrHTTPStatus, "Page content too long"},
		{"unauthorized", http.StatusUnauthorized, `{"detail":"Invalid API key"}`, domain.ErrAuthInvalid, "Invalid API key"},
		{"forbidden", http.StatusForbidden, ``, domain.ErrAuthInvalid, "Forbidden"},
		{"rate limit", http.StatusTooManyRequests, `{"detail":"slow down"}`, domain.ErrRateLimit, "slow down"},
		{"validation list", http.StatusUnprocessableEntity, `{"detail":[{"msg":"field required"},{"msg":"too short"}]}`, domain.ErrHTTPStatus, "field required; too short"},
		{"plain text", http.StatusBadGateway, `upstream exploded`, domain.ErrHTTPStatus, "Bad Gateway"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})
			res := runSession(t, c, sampleRequest())
			require.Error(t, res.err)
			assert.Empty(t, res.deltas, "no delta precedes a status error")
			assert.ErrorIs(t, res.err, tt.sentinel)

			var se *StatusError
			require.ErrorAs(t, res.err, &se)
			assert.Equal(t, tt.status, se.Status)
			assert.Equal(t, tt.detail, se.Detail)
		})
	}
}

func TestMissingCredentialNeverCallsBackend(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, func(http.ResponseWriter, *http.Request) { calls.Add(1) })

	req := sampleRequest()
	req.Credential = ""
	_, err := c.Open(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrMissingCredential)
	assert.Zero(t, calls.Load())
}

func TestNetworkFailure(t *testing.T) {
	cfg := config.Defaults().Backend
	cfg.URL = "http://127.0.0.1:1/unreachable"
	c := New(cfg, nil, discard())

	_, err := c.Open(context.Background(), sampleRequest())
	require.ErrorIs(t, err, domain.ErrNetwork)
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}, func(cfg *config.BackendConfig) {
		cfg.CircuitBreaker.MaxFailures = 2
		cfg.CircuitBreaker.Timeout = time.Minute
	})

	for range 2 {
		_, err := c.Open(context.Background(), sampleRequest())
		require.ErrorIs(t, err, domain.ErrHTTPStatus)
	}
	assert.Equal(t, gobreaker.StateOpen, c.State())

	_, err := c.Open(context.Background(), sampleRequest())
	require.ErrorIs(t, err, domain.ErrNetwork)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), calls.Load(), "open circuit fails fast")
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}, func(cfg *config.BackendConfig) {
		cfg.CircuitBreaker.MaxFailures = 1
	})

	for range 3 {
		_, err := c.Open(context.Background(), sampleRequest())
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateClosed, c.State())
}

func TestCancelAbortsStream(t *testing.T) {
	release := make(chan struct{})
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)

	first := make(chan struct{})
	var deltas atomic.Int32
	s := stream.Open(context.Background(), "corr-1", c.Opener(sampleRequest()), stream.Handlers{
		OnDelta: func(int, string) {
			if deltas.Add(1) == 1 {
				close(first)
			}
		},
		OnComplete: func(string) { t.Error("cancelled session completed") },
		OnError:    func(error, string) { t.Error("cancelled session errored") },
	}, discard())

	<-first
	assert.True(t, s.Cancel())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.Equal(t, domain.StreamAborted, s.State())
	assert.Empty(t, s.Text())
}

func TestHealth(t *testing.T) {
	healthy := atomic.Bool{}
	healthy.Store(true)
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})

	require.NoError(t, c.Health(context.Background()))
	healthy.Store(false)
	err := c.Health(context.Background())
	assert.ErrorIs(t, err, domain.ErrHTTPStatus)
}

func TestHealthURLFor(t *testing.T) {
	assert.Equal(t, "https://api.example.com/health",
		healthURLFor(config.BackendConfig{URL: "https://api.example.com/api/v1/chat?x=1"}))
	assert.Equal(t, "http://h/status",
		healthURLFor(config.BackendConfig{URL: "http://api/x", HealthURL: "http://h/status"}))
	assert.Empty(t, healthURLFor(config.BackendConfig{URL: "not a url"}))
}

func TestStatusErrorUnwrap(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", newStatusError(http.StatusTooManyRequests, nil))
	assert.True(t, errors.Is(err, domain.ErrRateLimit))
	assert.Equal(t, domain.CodeRateLimit, domain.ErrorCodeOf(err))
}

func TestNewPooledTransportDefaults(t *testing.T) {
	tr := NewPooledTransport(0, 0, config.PoolConfig{MaxIdleConns: 3})
	assert.Equal(t, 3, tr.MaxIdleConns)
	assert.Equal(t, defaultMaxIdleConnsPerHost, tr.MaxIdleConnsPerHost)
	assert.Equal(t, defaultRespTimeout, tr.ResponseHeaderTimeout)
	assert.Equal(t, defaultIdleConnTimeout, tr.IdleConnTimeout)
}
