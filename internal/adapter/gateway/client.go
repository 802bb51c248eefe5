package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"nhooyr.io/websocket"

	"pagechat/internal/domain"
	"pagechat/internal/relay"
)

// Client is the panel's Port to a remote broker.
type Client struct {
	ws      *websocket.Conn
	mailbox *relay.Mailbox
	logger  *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

var _ domain.Port = (*Client)(nil)

// Dial connects to the gateway at url ("ws://host:port/ws") with token.
func Dial(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	ws, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %s", domain.ErrGatewayAuthFailed, url)
		}
		return nil, fmt.Errorf("%w: dial %s: %w", domain.ErrNetwork, url, err)
	}
	ws.SetReadLimit(maxMessageBytes)

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		ws:      ws,
		mailbox: relay.NewMailbox("gateway-client", logger),
		logger:  logger,
		ctx:     cctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Send implements domain.Port.
func (c *Client) Send(ctx context.Context, msg domain.Message) error {
	if err := msg.Validate(); err != nil {
		return domain.WrapOp("Client.Send", err)
	}
	select {
	case <-c.done:
		return domain.NewDomainError("Client.Send", domain.ErrNoCounterpart, "gateway connection closed")
	default:
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.ws.Write(wctx, websocket.MessageText, data); err != nil {
		return domain.NewDomainError("Client.Send", domain.ErrNoCounterpart, err.Error())
	}
	return nil
}

// Subscribe implements domain.Port.
func (c *Client) Subscribe(filter domain.MessageFilter, h domain.MessageHandler) func() {
	return c.mailbox.Subscribe(filter, h)
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close ends the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.ws.Close(websocket.StatusNormalClosure, "")
	c.shutdown()
	return nil
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.done)
		c.mailbox.Close()
	})
}

func (c *Client) readLoop() {
	defer c.shutdown()
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.logger.Debug("gateway client read ended", "error", err)
			return
		}
		var msg domain.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("gateway client: undecodable frame", "error", err)
			continue
		}
		c.mailbox.Deliver(c.ctx, msg)
	}
}
