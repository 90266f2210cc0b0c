// Package realtime fans document change events out to websocket subscribers.
//
// The hub is the store's event sink. Publishing never blocks a write path:
// fan-out runs on the events worker pool and slow subscribers drop events
// rather than backpressure the store.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"krapi.io/krapi/internal/metric"
	"krapi.io/krapi/internal/pkg/logger"
	"krapi.io/krapi/internal/pkg/worker"
	"krapi.io/krapi/internal/store"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

// Subscription scopes a client to one project, optionally to one collection.
type Subscription struct {
	ProjectID  string `json:"project_id"`
	Collection string `json:"collection,omitempty"`
}

// client is one connected subscriber.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	sub  Subscription
}

// Hub tracks subscribers and routes store events to them.
type Hub struct {
	pools    *worker.Pools
	metrics  *metric.Metrics
	upgrader websocket.Upgrader
	sendBuf  int

	// ctx bounds the lifetime of per-connection loops; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

// NewHub creates a hub fanning out on the given worker pools.
func NewHub(pools *worker.Pools, metrics *metric.Metrics, sendBuffer int) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		ctx:     ctx,
		cancel:  cancel,
		pools:   pools,
		metrics: metrics,
		sendBuf: sendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: map[string]*client{},
	}
}

// Publish implements store.EventSink. Serialization and delivery happen on
// the events pool; the calling write path returns immediately.
func (h *Hub) Publish(ev store.Event) {
	h.mu.RLock()
	empty := len(h.clients) == 0 || h.closed
	h.mu.RUnlock()
	if empty {
		return
	}
	err := h.pools.SubmitDetached("events", func(ctx context.Context) {
		h.fanOut(ev)
	})
	if err != nil {
		h.metrics.EventsDropped.Inc()
		logger.Debug("event fan-out skipped", zap.Error(err))
	}
}

func (h *Hub) fanOut(ev store.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Error("encode change event", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.sub.ProjectID != ev.ProjectID {
			continue
		}
		if c.sub.Collection != "" && c.sub.Collection != ev.Collection {
			continue
		}
		select {
		case c.send <- payload:
			h.metrics.EventsPublished.Inc()
		default:
			// Slow subscriber; drop rather than block the pool.
			h.metrics.EventsDropped.Inc()
		}
	}
}

// Serve upgrades an HTTP request to a websocket subscription.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sub Subscription) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.sendBuf),
		sub:  sub,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return nil
	}
	h.clients[c.id] = c
	h.mu.Unlock()
	h.metrics.RealtimeClients.Inc()

	// Per-connection loops live as long as the connection and get dedicated
	// goroutines. The events pool is bounded and nonblocking; parking
	// connection loops there would consume its workers and fail fan-out
	// submissions once enough clients connect.
	go h.writeLoop(h.ctx, c)
	go h.readLoop(c)
	return nil
}

// writeLoop drains the client's send buffer and keeps the connection alive
// with pings.
func (h *Hub) writeLoop(ctx context.Context, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.drop(c)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// readLoop consumes control frames until the peer goes away.
func (h *Hub) readLoop(c *client) {
	defer h.drop(c)
	c.conn.SetReadLimit(1 << 16)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, present := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()
	if present {
		h.metrics.RealtimeClients.Dec()
		c.conn.Close()
	}
}

// ClientCount reports the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = map[string]*client{}
	h.mu.Unlock()
	for _, c := range clients {
		h.metrics.RealtimeClients.Dec()
		c.conn.Close()
	}
}
