package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"nexus/eventbus"
	"nexus/protocol"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	sendBuffer  = 256
	replayDepth = 64
)

// Hub keeps one WebSocket per user and routes every bus event to the
// connection of the user it belongs to. Events without a user go to every
// connection. The last events of each user are replayed on connect.
type Hub struct {
	upgrader websocket.Upgrader
	logger   hclog.Logger

	mu     sync.Mutex
	conns  map[string]*conn
	replay map[string]*ring

	unsubscribe func()
}

// NewHub subscribes a hub to every topic on bus.
func NewHub(bus *eventbus.Bus, logger hclog.Logger) *Hub {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.Named("ws"),
		conns:  make(map[string]*conn),
		replay: make(map[string]*ring),
	}
	h.unsubscribe = bus.SubscribeMany(eventbus.Topics(), h.route)
	return h
}

func (h *Hub) route(ev *protocol.Event) {
	data, err := ev.Encode()
	if err != nil {
		h.logger.Warn("failed to encode event", "event", ev.Event, "error", err)
		return
	}

	h.mu.Lock()
	var targets []*conn
	if ev.UserID == "" {
		for _, c := range h.conns {
			targets = append(targets, c)
		}
	} else {
		r, ok := h.replay[ev.UserID]
		if !ok {
			r = &ring{}
			h.replay[ev.UserID] = r
		}
		r.push(data)
		if c, ok := h.conns[ev.UserID]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		if !c.enqueue(data) {
			h.logger.Warn("websocket send buffer full, dropping connection", "user_id", c.userID)
			h.drop(c, websocket.CloseTryAgainLater, "send buffer full")
		}
	}
}

// ServeHTTP upgrades /ws?userId=<id>. A new connection for a user replaces
// the previous one.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &conn{
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	old := h.conns[userID]
	h.conns[userID] = c
	if r, ok := h.replay[userID]; ok {
		for _, data := range r.items() {
			c.enqueue(data)
		}
	}
	h.mu.Unlock()

	if old != nil {
		old.close(websocket.CloseNormalClosure, "replaced by a new connection")
	}
	h.logger.Debug("websocket connected", "user_id", userID)

	go c.writePump()
	go h.readPump(c)
}

// Connected reports whether userID has a live connection.
func (h *Hub) Connected(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[userID]
	return ok
}

// Close unsubscribes from the bus and closes every connection.
func (h *Hub) Close() {
	h.unsubscribe()
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*conn)
	h.mu.Unlock()
	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *Hub) drop(c *conn, code int, text string) {
	h.mu.Lock()
	if h.conns[c.userID] == c {
		delete(h.conns, c.userID)
	}
	h.mu.Unlock()
	c.close(code, text)
}

func (h *Hub) readPump(c *conn) {
	defer h.drop(c, websocket.CloseNormalClosure, "")

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", "user_id", c.userID, "error", err)
			}
			return
		}
	}
}

// conn is one user's socket. Only writePump writes data frames.
type conn struct {
	userID string
	ws     *websocket.Conn
	send   chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func (c *conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *conn) close(code int, text string) {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(code, text)
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.ws.Close()
	})
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// ring holds the most recent encoded events of one user.
type ring struct {
	buf  [replayDepth][]byte
	next int
	size int
}

func (r *ring) push(data []byte) {
	r.buf[r.next] = data
	r.next = (r.next + 1) % replayDepth
	if r.size < replayDepth {
		r.size++
	}
}

func (r *ring) items() [][]byte {
	out := make([][]byte, 0, r.size)
	start := (r.next - r.size + replayDepth) % replayDepth
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(start+i)%replayDepth])
	}
	return out
}
