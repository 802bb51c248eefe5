package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"pagechat/internal/domain"
	"pagechat/internal/relay"
)

// maxMessageBytes bounds one relay message on the wire. A QUERY carries the
// whole extracted page, so the library's 32 KiB default is far too small.
const maxMessageBytes = 16 << 20

// writeTimeout bounds a single frame write.
const writeTimeout = 5 * time.Second

// conn is the broker's Port for one panel connection. Outbound messages go
// through a bounded queue drained by writeLoop; a full queue drops the
// message rather than stalling the stream that produced it.
type conn struct {
	id      uint64
	info    *ClientInfo
	ws      *websocket.Conn
	mailbox *relay.Mailbox
	sendCh  chan domain.Message
	logger  *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

var _ domain.Port = (*conn)(nil)

func newConn(id uint64, info *ClientInfo, ws *websocket.Conn, queue int, logger *slog.Logger) *conn {
	if queue <= 0 {
		queue = 256
	}
	logger = logger.With("conn_id", id, "panel", info.PanelID)
	return &conn{
		id:      id,
		info:    info,
		ws:      ws,
		mailbox: relay.NewMailbox("gateway:"+info.PanelID, logger),
		sendCh:  make(chan domain.Message, queue),
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Send implements domain.Port.
func (c *conn) Send(_ context.Context, msg domain.Message) error {
	if err := msg.Validate(); err != nil {
		return domain.WrapOp("Gateway.Send", err)
	}
	select {
	case <-c.done:
		return domain.NewDomainError("Gateway.Send", domain.ErrNoCounterpart, c.info.PanelID)
	default:
	}
	select {
	case c.sendCh <- msg:
		return nil
	default:
		n := c.dropped.Add(1)
		c.logger.Warn("gateway: dropped message for slow panel",
			"kind", msg.Kind(),
			"correlation_id", msg.CorrelationID,
			"dropped_total", n,
		)
		return domain.NewDomainError("Gateway.Send", domain.ErrBusy, "outbound queue full")
	}
}

// Subscribe implements domain.Port.
func (c *conn) Subscribe(filter domain.MessageFilter, h domain.MessageHandler) func() {
	return c.mailbox.Subscribe(filter, h)
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mailbox.Close()
	})
}

// readLoop decodes frames until the connection fails. Malformed frames are
// logged and skipped.
func (c *conn) readLoop(ctx context.Context) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		var msg domain.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("gateway: undecodable frame", "error", err, "bytes", len(data))
			continue
		}
		if err := msg.Validate(); err != nil {
			c.logger.Warn("gateway: invalid message", "error", err)
			continue
		}
		if !c.mailbox.Deliver(ctx, msg) {
			return
		}
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.sendCh:
			if err := writeMessage(c.ws, msg); err != nil {
				c.logger.Debug("gateway: write failed", "error", err)
				c.close()
				return
			}
		}
	}
}

func writeMessage(ws *websocket.Conn, msg domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
