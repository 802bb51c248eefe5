package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"pagechat/internal/domain"
	"pagechat/internal/infra/middleware"
	"pagechat/internal/relay"
	"pagechat/internal/usecase/eventbus"
)

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

// echoBroker answers every QUERY with its question as a single-chunk stream.
type echoBroker struct {
	attached atomic.Int32
	detached atomic.Int32
}

func (b *echoBroker) attach(port domain.Port) func() {
	b.attached.Add(1)
	unsub := port.Subscribe(relay.Kinds(domain.KindQuery), func(ctx context.Context, m domain.Message) {
		q := m.Payload.(domain.Query)
		port.Send(ctx, domain.NewMessage(m.CorrelationID, domain.StreamChunk{Seq: 0, Text: q.Question}))
		port.Send(ctx, domain.NewMessage(m.CorrelationID, domain.StreamEnd{Text: q.Question}))
	})
	return func() {
		unsub()
		b.detached.Add(1)
	}
}

type testGateway struct {
	srv    *Server
	auth   *TokenAuth
	broker *echoBroker
	bus    *eventbus.Bus
}

func startTestServer(t *testing.T) *testGateway {
	t.Helper()
	auth, err := NewTokenAuth(testSecret, time.Hour)
	require.NoError(t, err)

	g := &testGateway{auth: auth, broker: &echoBroker{}, bus: eventbus.New(discard())}
	g.srv = NewServer(Options{
		Addr:   "127.0.0.1:0",
		Status: func() map[string]any { return map[string]any{"backend": "closed"} },
	}, auth, g.broker.attach, g.bus, discard())

	ctx, cancel := context.WithCancel(context.Background())
	go g.srv.Start(ctx)
	t.Cleanup(func() {
		cancel()
		g.srv.Stop(context.Background())
		g.bus.Close()
	})

	require.Eventually(t, func() bool { return g.srv.BoundAddr() != "" }, 3*time.Second, 5*time.Millisecond)
	return g
}

func (g *testGateway) wsURL() string { return "ws://" + g.srv.BoundAddr() + "/ws" }

func (g *testGateway) dial(t *testing.T, panelID string) *Client {
	t.Helper()
	token, err := g.auth.Issue(panelID)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := Dial(ctx, g.wsURL(), token, discard())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServerRejectsBadToken(t *testing.T) {
	g := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Dial(ctx, g.wsURL(), "bad-token", discard())
	assert.ErrorIs(t, err, domain.ErrGatewayAuthFailed)
	assert.Zero(t, g.broker.attached.Load())
}

func TestQueryRoundTripOverWebSocket(t *testing.T) {
	g := startTestServer(t)
	c := g.dial(t, "panel-1")

	var chunks []string
	unsub := c.Subscribe(relay.Kinds(domain.KindStreamChunk), func(_ context.Context, m domain.Message) {
		chunks = append(chunks, m.Payload.(domain.StreamChunk).Text)
	})
	defer unsub()

	resp, err := relay.Request(context.Background(), c,
		domain.NewMessage("", domain.Query{Question: "Summarize this page"}), 3*time.Second)
	require.NoError(t, err)
	require.Equal(t, domain.KindStreamEnd, resp.Kind())
	assert.Equal(t, "Summarize this page", resp.Payload.(domain.StreamEnd).Text)
	assert.Equal(t, []string{"Summarize this page"}, chunks)
	assert.Equal(t, int32(1), g.broker.attached.Load())
}

func TestLargeQueryFitsReadLimit(t *testing.T) {
	g := startTestServer(t)
	c := g.dial(t, "panel-1")

	big := strings.Repeat("page text ", 60_000) // ~600 KB
	resp, err := relay.Request(context.Background(), c,
		domain.NewMessage("", domain.Query{Question: big}), 5*time.Second)
	require.NoError(t, err)
	assert.Len(t, resp.Payload.(domain.StreamEnd).Text, len(big))
}

func TestDisconnectDetachesAndPublishes(t *testing.T) {
	g := startTestServer(t)
	var attached, detached atomic.Int32
	g.bus.Subscribe(domain.EventPanelAttached, func(context.Context, domain.Event) { attached.Add(1) })
	g.bus.Subscribe(domain.EventPanelDetached, func(context.Context, domain.Event) { detached.Add(1) })

	c := g.dial(t, "panel-1")
	require.Eventually(t, func() bool { return g.srv.Connections() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		return g.broker.detached.Load() == 1 && g.srv.Connections() == 0
	}, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return attached.Load() == 1 && detached.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	err := c.Send(context.Background(), domain.NewMessage("x", domain.Cancel{}))
	assert.ErrorIs(t, err, domain.ErrNoCounterpart)
}

func TestMalformedFrameIsSkipped(t *testing.T) {
	g := startTestServer(t)
	token, err := g.auth.Issue("raw")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, g.wsURL()+"?token="+token, nil)
	require.NoError(t, err)
	defer ws.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(`{"kind":"NOPE"}`)))
	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(`{"kind":"QUERY","payload":{"question":"no id"}}`)))

	q, err := json.Marshal(domain.NewMessage("c1", domain.Query{Question: "still alive"}))
	require.NoError(t, err)
	require.NoError(t, ws.Write(ctx, websocket.MessageText, q))

	for {
		_, data, err := ws.Read(ctx)
		require.NoError(t, err)
		var m domain.Message
		require.NoError(t, json.Unmarshal(data, &m))
		assert.Equal(t, "c1", m.CorrelationID)
		if m.Kind() == domain.KindStreamEnd {
			assert.Equal(t, "still alive", m.Payload.(domain.StreamEnd).Text)
			return
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	g := startTestServer(t)
	resp, err := http.Get("http://" + g.srv.BoundAddr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "closed", body["backend"])
	assert.EqualValues(t, 0, body["connections"])
}

func TestConnSendDropsWhenQueueFull(t *testing.T) {
	c := newConn(1, &ClientInfo{PanelID: "slow"}, nil, 1, discard())
	defer c.close()

	msg := domain.NewMessage("c1", domain.StreamChunk{Text: "a"})
	require.NoError(t, c.Send(context.Background(), msg))

	err := c.Send(context.Background(), msg)
	assert.ErrorIs(t, err, domain.ErrBusy)
	assert.Equal(t, int64(1), c.dropped.Load())

	c.close()
	err = c.Send(context.Background(), msg)
	assert.ErrorIs(t, err, domain.ErrNoCounterpart)
}

func TestTokenFrom(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/ws?token=q", nil)
	assert.Equal(t, "q", tokenFrom(r))

	r, _ = http.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", tokenFrom(r))

	r, _ = http.NewRequest(http.MethodGet, "/ws", nil)
	assert.Empty(t, tokenFrom(r))
}

func TestUpgradeAttemptsAreLimited(t *testing.T) {
	auth, err := NewTokenAuth(testSecret, time.Hour)
	require.NoError(t, err)
	srv := NewServer(Options{
		ConnectLimit: middleware.LimitConfig{PerMinute: 1, Burst: 1},
	}, auth, (&echoBroker{}).attach, nil, discard())

	var codes []int
	for range 2 {
		req := httptest.NewRequest(http.MethodGet, "/ws?token=bogus", nil)
		req.RemoteAddr = "192.0.2.9:4000"
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusUnauthorized, http.StatusTooManyRequests}, codes)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}
