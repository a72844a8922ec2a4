package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"nexus/protocol"
)

// DefaultReconnectBase is the first reconnect delay.
const DefaultReconnectBase = 5 * time.Second

const maxBackoffExponent = 4

// Backoff returns the delay before reconnect attempt n (1-based):
// base × 2^min(n-1, 4).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << min(attempt-1, maxBackoffExponent)
}

// Client follows a user's event stream over WebSocket, reconnecting after
// unexpected disconnects and suppressing duplicate events.
type Client struct {
	url    string
	base   time.Duration
	dialer *websocket.Dialer
	dedup  *protocol.Deduper
	logger hclog.Logger

	mu        sync.Mutex
	handlers  map[string][]func(*protocol.Event)
	catchAll  []func(*protocol.Event)
	onConnect func(attempt int)
}

// NewClient creates a client for the server at serverURL (http, https, ws
// or wss) following userID.
func NewClient(serverURL, userID string, logger hclog.Logger) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"userId": {userID}}.Encode()

	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Client{
		url:      u.String(),
		base:     DefaultReconnectBase,
		dialer:   websocket.DefaultDialer,
		dedup:    protocol.NewDeduper(0),
		logger:   logger.Named("ws-client"),
		handlers: make(map[string][]func(*protocol.Event)),
	}, nil
}

// URL returns the WebSocket URL dialed.
func (c *Client) URL() string {
	return c.url
}

// WithReconnectBase overrides the first reconnect delay.
func (c *Client) WithReconnectBase(d time.Duration) *Client {
	c.base = d
	return c
}

// Deduper exposes the client's deduplicator so a parallel SSE consumer can
// share it.
func (c *Client) Deduper() *protocol.Deduper {
	return c.dedup
}

// On registers fn for one event name.
func (c *Client) On(event string, fn func(*protocol.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], fn)
}

// OnAny registers fn for every event.
func (c *Client) OnAny(fn func(*protocol.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catchAll = append(c.catchAll, fn)
}

// OnConnect registers a hook run after every successful dial; attempt is
// zero for the first connection.
func (c *Client) OnConnect(fn func(attempt int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = fn
}

// Run connects and dispatches events until ctx is done or the server
// closes the connection with 1000 or 1001.
func (c *Client) Run(ctx context.Context) error {
	attempts := 0
	reconnects := 0
	for {
		ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err == nil {
			c.mu.Lock()
			hook := c.onConnect
			c.mu.Unlock()
			if hook != nil {
				hook(reconnects)
			}
			attempts = 0
			err = c.read(ctx, ws)
			if err == nil {
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		attempts++
		reconnects++
		delay := Backoff(c.base, attempts)
		c.logger.Debug("websocket disconnected, reconnecting", "attempt", attempts, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// read pumps one connection. It returns nil on an intentional close and
// the read error otherwise.
func (c *Client) read(ctx context.Context, ws *websocket.Conn) error {
	defer ws.Close()
	stop := context.AfterFunc(ctx, func() {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		ws.Close()
	})
	defer stop()

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPingHandler(func(data string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		ev, err := protocol.Decode(msg)
		if err != nil {
			c.logger.Warn("invalid event from server", "error", err)
			continue
		}
		if c.dedup.Seen(ev) {
			continue
		}
		c.dispatch(ev)
	}
}

func (c *Client) dispatch(ev *protocol.Event) {
	c.mu.Lock()
	fns := slices.Clone(c.handlers[ev.Event])
	fns = append(fns, c.catchAll...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
