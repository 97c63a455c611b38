package bridge

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/theognis1002/nimbus-relay/internal/queue"
)

// Handler receives the requests pages send to the worker.
type Handler interface {
	HandleMessage(ctx context.Context, c *Client, msg Message)
}

// Hub tracks connected pages, answers queue fetches through per-request
// reply ports, and fans updates out to every page.
type Hub struct {
	upgrader     websocket.Upgrader
	fetchTimeout time.Duration
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	clients []*Client
	handler Handler

	portsMu sync.Mutex
	ports   map[string]chan []queue.QueueItem
}

func NewHub(fetchTimeout time.Duration, allowedOrigins []string, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		fetchTimeout: fetchTimeout,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		ports:        make(map[string]chan []queue.QueueItem),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			return slices.Contains(allowedOrigins, r.Header.Get("Origin"))
		},
	}
	return h
}

// SetHandler installs the receiver for page-to-worker requests.
func (h *Hub) SetHandler(handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// ServeWS upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(h, uuid.NewString(), conn)
	h.register(c)
	defer h.unregister(c)

	go c.writePump()
	c.readPump()
}

// Clients returns the connected clients, oldest first.
func (h *Hub) Clients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.clients)
}

// FetchQueue asks the oldest connected client for its queue. connected is
// false when no client is connected.
func (h *Hub) FetchQueue(ctx context.Context) (items []queue.QueueItem, connected bool) {
	clients := h.Clients()
	if len(clients) == 0 {
		return nil, false
	}
	return h.FetchQueueFrom(ctx, clients[0]), true
}

// FetchQueueFrom sends GET_QUEUE to c and waits for the reply. It never
// waits longer than the fetch timeout; no answer means an empty queue.
func (h *Hub) FetchQueueFrom(ctx context.Context, c *Client) []queue.QueueItem {
	port := uuid.NewString()
	reply := make(chan []queue.QueueItem, 1)

	h.portsMu.Lock()
	h.ports[port] = reply
	h.portsMu.Unlock()
	defer func() {
		h.portsMu.Lock()
		delete(h.ports, port)
		h.portsMu.Unlock()
	}()

	if err := c.Post(GetQueue{Port: port}); err != nil {
		h.logger.Warn("failed to request queue from client", "client", c.ID, "error", err)
		return []queue.QueueItem{}
	}

	timer := time.NewTimer(h.fetchTimeout)
	defer timer.Stop()

	select {
	case items := <-reply:
		return items
	case <-timer.C:
		h.logger.Warn("client did not answer queue request in time", "client", c.ID, "timeout", h.fetchTimeout)
		return []queue.QueueItem{}
	case <-ctx.Done():
		return []queue.QueueItem{}
	}
}

// BroadcastQueue posts UPDATE_QUEUE to every connected client.
func (h *Hub) BroadcastQueue(items []queue.QueueItem) {
	h.broadcast(UpdateQueue{Queue: items})
}

// Notify posts a NOTIFICATION to every connected client.
func (h *Hub) Notify(text string) {
	h.broadcast(Notification{Text: text})
}

func (h *Hub) broadcast(msg Message) {
	for _, c := range h.Clients() {
		if err := c.Post(msg); err != nil {
			h.logger.Debug("skipping client on broadcast", "client", c.ID, "action", msg.Action(), "error", err)
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.cancel()
	for _, c := range h.Clients() {
		c.close()
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients = append(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client connected", "client", c.ID, "clients", n)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	h.clients = slices.DeleteFunc(h.clients, func(other *Client) bool { return other == c })
	n := len(h.clients)
	h.mu.Unlock()
	c.close()
	h.logger.Info("client disconnected", "client", c.ID, "clients", n)
}

func (h *Hub) dispatch(c *Client, msg Message) {
	switch m := msg.(type) {
	case QueueReply:
		h.routeReply(m)
	case SendNotification, ProcessQueue:
		h.mu.RLock()
		handler := h.handler
		h.mu.RUnlock()
		if handler == nil {
			h.logger.Warn("no handler for client request", "client", c.ID, "action", msg.Action())
			return
		}
		go handler.HandleMessage(h.ctx, c, msg)
	case GetQueue, UpdateQueue, Notification, SendResult:
		h.logger.Warn("ignoring page-bound action sent by client", "client", c.ID, "action", msg.Action())
	}
}

func (h *Hub) routeReply(m QueueReply) {
	h.portsMu.Lock()
	reply, ok := h.ports[m.Port]
	h.portsMu.Unlock()
	if !ok {
		h.logger.Debug("queue reply for unknown or expired port", "port", m.Port)
		return
	}
	select {
	case reply <- m.Queue:
	default:
	}
}
