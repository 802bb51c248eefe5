package mediator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagechat/internal/domain"
	"pagechat/internal/extract"
	"pagechat/internal/relay"
	"pagechat/internal/usecase/eventbus"
)

type fakeSource struct {
	page  string
	err   error
	block chan struct{}
}

func (s *fakeSource) Location() string { return "https://example.com/post" }

func (s *fakeSource) Load(ctx context.Context) (*extract.Document, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return extract.ParseString(s.page, s.Location())
}

const article = `<html><head><title>Post</title>
<meta name="description" content="A post about things"></head>
<body><nav>Home | About</nav><article>%s</article><footer>(c)</footer></body></html>`

func articlePage() string {
	para := "<p>" + strings.Repeat("The page discusses X and Y, in some detail. ", 20) + "</p>"
	return strings.Replace(article, "%s", strings.Repeat(para, 3), 1)
}

type harness struct {
	mediator *Mediator
	panel    *relay.Link
	counters *eventbus.Counters
}

func newHarness(t *testing.T, src Source) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	bus := eventbus.New(logger)
	w := relay.NewWindow(logger)
	panel := w.Attach("panel")
	side := w.Attach("mediator")
	panel.Bind(side)
	side.Bind(panel)

	m := New(src, extract.New(extract.Options{Logger: logger}), bus, logger)
	detach := m.Attach(side)
	h := &harness{mediator: m, panel: panel, counters: eventbus.Count(bus, logger)}
	t.Cleanup(func() {
		detach()
		panel.Detach()
		side.Detach()
		h.counters.Stop()
		bus.Close()
	})
	return h
}

func (h *harness) request(t *testing.T) domain.PageContentResult {
	t.Helper()
	resp, err := relay.Request(context.Background(), h.panel,
		domain.NewMessage("", domain.PageContentRequest{Refresh: true}), 2*time.Second)
	require.NoError(t, err)
	res, ok := resp.Payload.(domain.PageContentResult)
	require.True(t, ok)
	return res
}

func TestPageContentRequest(t *testing.T) {
	h := newHarness(t, &fakeSource{page: articlePage()})

	res := h.request(t)
	assert.Empty(t, res.Error)
	assert.Equal(t, "https://example.com/post", res.Content.URL)
	assert.Equal(t, "Post", res.Content.Title)
	assert.Equal(t, "A post about things", res.Content.MetaDescription)
	assert.Equal(t, domain.StrategyReadability, res.Content.Strategy)
	assert.Contains(t, res.Content.Text, "The page discusses X and Y")
	assert.NotContains(t, res.Content.Text, "Home | About")

	require.Eventually(t, func() bool {
		return h.counters.Get(domain.EventPageExtracted) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPageContentLoadFailure(t *testing.T) {
	h := newHarness(t, &fakeSource{err: errors.New("connection refused")})

	res := h.request(t)
	assert.Equal(t, domain.CodeExtractionFailed, res.Code)
	assert.Contains(t, res.Error, "connection refused")
	assert.Equal(t, domain.StrategyNone, res.Content.Strategy)
	assert.Equal(t, "https://example.com/post", res.Content.URL)
	assert.True(t, res.Content.IsMinimal())
}

func TestPageContentEmptyDocument(t *testing.T) {
	h := newHarness(t, &fakeSource{page: "<html><body><script>app()</script></body></html>"})

	res := h.request(t)
	assert.Empty(t, res.Error)
	assert.Equal(t, domain.StrategyNone, res.Content.Strategy)
	assert.Empty(t, res.Content.Text)
	assert.False(t, res.Content.Truncated)
}

func TestSecondExtractionIsBusy(t *testing.T) {
	src := &fakeSource{page: articlePage(), block: make(chan struct{})}
	h := newHarness(t, src)

	first := make(chan domain.Message, 1)
	go func() {
		resp, _ := relay.Request(context.Background(), h.panel,
			domain.NewMessage("", domain.PageContentRequest{}), 2*time.Second)
		first <- resp
	}()
	require.Eventually(t, h.mediator.guard.Busy, time.Second, 5*time.Millisecond)

	second := h.request(t)
	assert.Equal(t, domain.CodeBusy, second.Code)

	close(src.block)
	select {
	case resp := <-first:
		res, ok := resp.Payload.(domain.PageContentResult)
		require.True(t, ok)
		assert.Empty(t, res.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("first extraction never finished")
	}
	assert.False(t, h.mediator.guard.Busy())
}

func TestRetryWithSameIDWaitsForRunningExtraction(t *testing.T) {
	src := &fakeSource{page: articlePage(), block: make(chan struct{})}
	h := newHarness(t, src)

	results := make(chan domain.Message, 4)
	unsub := h.panel.Subscribe(relay.Kinds(domain.KindPageContentResult), func(_ context.Context, m domain.Message) {
		results <- m
	})
	defer unsub()

	req := domain.NewMessage("page-1", domain.PageContentRequest{Refresh: true})
	require.NoError(t, h.panel.Send(context.Background(), req))
	require.Eventually(t, h.mediator.Busy, time.Second, 5*time.Millisecond)

	require.NoError(t, h.panel.Send(context.Background(), req))
	select {
	case m := <-results:
		t.Fatalf("retry answered before the extraction finished: %+v", m.Payload)
	case <-time.After(50 * time.Millisecond):
	}

	close(src.block)
	select {
	case m := <-results:
		assert.Equal(t, "page-1", m.CorrelationID)
		res, ok := m.Payload.(domain.PageContentResult)
		require.True(t, ok)
		assert.Empty(t, res.Code)
		assert.Contains(t, res.Content.Text, "The page discusses X and Y")
	case <-time.After(2 * time.Second):
		t.Fatal("extraction never answered")
	}
	select {
	case m := <-results:
		t.Fatalf("one request got two answers: %+v", m.Payload)
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, h.mediator.Busy())
}

func TestOverlayToggle(t *testing.T) {
	h := newHarness(t, &fakeSource{})
	changes := make(chan bool, 4)
	h.mediator.OnOverlayChange(func(open bool) { changes <- open })

	send := func(a domain.OverlayAction) {
		require.NoError(t, h.panel.Send(context.Background(),
			domain.NewMessage("", domain.OverlayToggleRequest{Action: a})))
	}
	send(domain.OverlayToggle)
	assert.True(t, <-changes)
	send(domain.OverlayOpen)
	send(domain.OverlayClose)
	assert.False(t, <-changes)
	assert.False(t, h.mediator.OverlayOpen())

	assert.True(t, h.mediator.Toggle(domain.OverlayToggle))
	assert.True(t, <-changes)
}
