package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	sendBuffer = 64
)

// ErrDropped is returned by Hub.Send when at least one listener's buffer
// was full.
var ErrDropped = errors.New("progress event dropped")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// StatusFunc looks up the stored status of a run for get_status requests.
type StatusFunc func(ctx context.Context, runID int64) (Event, error)

// Hub pushes events over WebSocket to the clients watching each run.
type Hub struct {
	mu      sync.Mutex
	clients map[int64]map[*client]struct{}
	status  StatusFunc
	log     *zap.Logger
}

type client struct {
	id    string
	runID int64
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
}

// clientMessage is what a client may send; only get_status is understood.
type clientMessage struct {
	Type string `json:"type"`
}

// NewHub creates a WebSocket hub; status answers get_status requests
func NewHub(status StatusFunc, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients: make(map[int64]map[*client]struct{}),
		status:  status,
		log:     log.Named("hub"),
	}
}

// ServeWS upgrades the request and attaches the connection to runID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, runID int64) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{
		id:    uuid.New().String(),
		runID: runID,
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
	}
	h.register(c)

	go c.writePump()
	go c.readPump()
}

// Send delivers ev to every client watching ev.RunID without blocking.
func (h *Hub) Send(_ context.Context, ev Event) error {
	msg, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var dropped int
	for c := range h.clients[ev.RunID] {
		select {
		case c.send <- msg:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		return fmt.Errorf("%w: %d listener(s) of run %d", ErrDropped, dropped, ev.RunID)
	}
	return nil
}

// listeners returns how many clients are watching runID.
func (h *Hub) listeners(runID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[runID])
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for runID, set := range h.clients {
		for c := range set {
			close(c.send)
		}
		delete(h.clients, runID)
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.runID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.runID] = set
	}
	set[c] = struct{}{}
	h.log.Debug("client connected", zap.String("client_id", c.id), zap.Int64("run_id", c.runID))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.runID]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.runID)
	}
	close(c.send)
	h.log.Debug("client disconnected", zap.String("client_id", c.id), zap.Int64("run_id", c.runID))
}

// reply queues msg for this client only.
func (h *Hub) reply(c *client, ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.runID][c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
		h.log.Debug("status reply dropped", zap.String("client_id", c.id))
	}
}

// readPump handles get_status requests until the connection fails.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("websocket read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.log.Debug("invalid client message", zap.String("client_id", c.id), zap.Error(err))
			continue
		}
		if msg.Type != "get_status" || c.hub.status == nil {
			continue
		}

		ev, err := c.hub.status(context.Background(), c.runID)
		if err != nil {
			ev = Event{Type: TypeError, RunID: c.runID, Error: err.Error()}
		}
		c.hub.reply(c, ev)
	}
}

// writePump drains the send channel to the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
