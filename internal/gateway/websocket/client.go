package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opencode-studio/studio/internal/common/logger"
	"github.com/opencode-studio/studio/internal/events"
	"github.com/opencode-studio/studio/internal/events/bus"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Application heartbeat: a pong message every heartbeatPeriod
	heartbeatPeriod = 30 * time.Second

	// A protocol ping goes out when the client has been silent this long
	idleTimeout = 40 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

// Client message types.
const (
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
	msgPing        = "ping"
)

// Server message types.
const (
	msgEvent        = "event"
	msgSubscribed   = "subscribed"
	msgUnsubscribed = "unsubscribed"
	msgPong         = "pong"
	msgError        = "error"
)

type clientMessage struct {
	Type   string  `json:"type"`
	Filter *Filter `json:"filter,omitempty"`
}

type serverMessage struct {
	Type     string           `json:"type"`
	Envelope *events.Envelope `json:"envelope,omitempty"`
	Filter   *Filter          `json:"filter,omitempty"`
	Message  string           `json:"message,omitempty"`
}

// Client is one WebSocket connection. All writes happen on the run loop
// goroutine; the reader goroutine only feeds parsed messages in.
type Client struct {
	conn   *websocket.Conn
	sub    *bus.Subscriber
	logger *logger.Logger

	subscribed bool
	filter     *Filter
}

// NewClient wraps an upgraded connection with a fresh bus subscription.
func NewClient(conn *websocket.Conn, sub *bus.Subscriber, log *logger.Logger) *Client {
	return &Client{
		conn:   conn,
		sub:    sub,
		logger: log.WithFields(zap.String("remote", conn.RemoteAddr().String())),
	}
}

// Run drives the connection until the client goes away or ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.conn.Close()
	defer c.sub.Close()

	incoming := make(chan clientMessage, 8)
	go c.readLoop(cancel, incoming)

	envelopes := make(chan events.Envelope, 16)
	go c.receiveLoop(ctx, envelopes)

	heartbeat := time.NewTicker(heartbeatPeriod)
	defer heartbeat.Stop()
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-incoming:
			if !ok {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(idleTimeout)
			if err := c.handleMessage(msg); err != nil {
				return
			}

		case env, ok := <-envelopes:
			if !ok {
				return
			}
			if !c.subscribed || !c.filter.Matches(env) {
				continue
			}
			if err := c.write(serverMessage{Type: msgEvent, Envelope: &env}); err != nil {
				return
			}

		case <-heartbeat.C:
			if err := c.write(serverMessage{Type: msgPong}); err != nil {
				return
			}

		case <-idle.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			idle.Reset(idleTimeout)
		}
	}
}

func (c *Client) readLoop(cancel context.CancelFunc, incoming chan<- clientMessage) {
	defer cancel()
	defer close(incoming)

	c.conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// malformed input is reported in-band, not fatal
			incoming <- clientMessage{Type: "", Filter: nil}
			continue
		}
		incoming <- msg
	}
}

// receiveLoop forwards bus envelopes. Lag is logged and skipped: clients
// that fall behind are expected to refetch via the REST API.
func (c *Client) receiveLoop(ctx context.Context, envelopes chan<- events.Envelope) {
	defer close(envelopes)
	for {
		env, err := c.sub.Recv(ctx)
		if err != nil {
			var lagged *bus.LaggedError
			if errors.As(err, &lagged) {
				c.logger.Warn("subscriber lagged, events dropped",
					zap.Uint64("dropped", lagged.Count))
				continue
			}
			return
		}
		select {
		case envelopes <- env:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) handleMessage(msg clientMessage) error {
	switch msg.Type {
	case msgSubscribe:
		c.subscribed = true
		c.filter = msg.Filter
		return c.write(serverMessage{Type: msgSubscribed, Filter: c.filter})

	case msgUnsubscribe:
		c.subscribed = false
		c.filter = nil
		return c.write(serverMessage{Type: msgUnsubscribed})

	case msgPing:
		return c.write(serverMessage{Type: msgPong})

	default:
		return c.write(serverMessage{Type: msgError, Message: "unknown message type"})
	}
}

func (c *Client) write(msg serverMessage) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}
