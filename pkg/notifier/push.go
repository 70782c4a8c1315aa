package notifier

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gk2work/identaur/pkg/clock"
)

// MessageType enumerates the push fan-out's message kinds.
type MessageType string

const (
	MsgConnectionEstablished MessageType = "connection_established"
	MsgSubscriptionConfirmed MessageType = "subscription_confirmed"
	MsgProcessingUpdate      MessageType = "processing_update"
	MsgProcessingComplete    MessageType = "processing_complete"
	MsgProcessingError       MessageType = "processing_error"
	MsgPing                  MessageType = "ping"
)

// Message is the envelope written to every push channel.
type Message struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// ProcessingUpdatePayload backs MsgProcessingUpdate.
type ProcessingUpdatePayload struct {
	Stage    string `json:"stage"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}

// ProcessingErrorPayload backs MsgProcessingError.
type ProcessingErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// conn is the narrow slice of *websocket.Conn this package calls,
// letting tests substitute a fake instead of a real socket.
type conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// client is a single long-lived push subscriber.
type client struct {
	id                string
	conn              conn
	connectedAt       time.Time
	authenticatedUser string
	originAddr        string

	mu            sync.Mutex
	subscriptions map[string]bool
}

func (c *client) send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (c *client) subscribed(applicationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions[applicationID]
}

// ClientStats is a point-in-time snapshot of one connected client.
type ClientStats struct {
	ClientID          string    `json:"client_id"`
	ConnectedAt       time.Time `json:"connected_at"`
	AuthenticatedUser string    `json:"authenticated_user,omitempty"`
	OriginAddr        string    `json:"origin_addr,omitempty"`
	Subscriptions     int       `json:"subscriptions"`
}

// HubStats is an admin-facing snapshot of the whole fan-out.
type HubStats struct {
	ConnectedClients int           `json:"connected_clients"`
	Clients          []ClientStats `json:"clients"`
}

// Hub fans push messages out to subscribed clients, evicting any
// client whose connection fails a write.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	clk     clock.Clock
	log     *zap.Logger
}

// NewHub builds an empty Hub.
func NewHub(clk clock.Clock, log *zap.Logger) *Hub {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{clients: make(map[string]*client), clk: clk, log: log}
}

// Register admits a new client identified by clientID over conn,
// sending it a connection_established message.
func (h *Hub) Register(clientID string, c conn, authenticatedUser, originAddr string) error {
	cl := &client{
		id:                clientID,
		conn:              c,
		connectedAt:       h.clk.Now(),
		authenticatedUser: authenticatedUser,
		originAddr:        originAddr,
		subscriptions:     make(map[string]bool),
	}
	h.mu.Lock()
	h.clients[clientID] = cl
	h.mu.Unlock()

	return cl.send(Message{Type: MsgConnectionEstablished})
}

// Unregister closes and forgets clientID's connection.
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	cl, ok := h.clients[clientID]
	delete(h.clients, clientID)
	h.mu.Unlock()
	if ok {
		_ = cl.conn.Close()
	}
}

// Subscribe binds clientID to push updates for applicationID.
func (h *Hub) Subscribe(clientID, applicationID string) error {
	h.mu.RLock()
	cl, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return errClientNotFound(clientID)
	}
	cl.mu.Lock()
	cl.subscriptions[applicationID] = true
	cl.mu.Unlock()
	return cl.send(Message{Type: MsgSubscriptionConfirmed, Payload: map[string]string{"application_id": applicationID}})
}

// Broadcast sends msg to every client subscribed to applicationID,
// evicting any client whose write fails.
func (h *Hub) Broadcast(applicationID string, msg Message) {
	h.mu.RLock()
	var targets []*client
	for _, cl := range h.clients {
		if cl.subscribed(applicationID) {
			targets = append(targets, cl)
		}
	}
	h.mu.RUnlock()

	for _, cl := range targets {
		if err := cl.send(msg); err != nil {
			h.log.Warn("evicting dead push channel", zap.String("client_id", cl.id), zap.Error(err))
			h.Unregister(cl.id)
		}
	}
}

// ProcessingUpdate pushes a processing_update event.
func (h *Hub) ProcessingUpdate(applicationID, stage, status string, progress int, message string) {
	h.Broadcast(applicationID, Message{
		Type: MsgProcessingUpdate,
		Payload: ProcessingUpdatePayload{
			Stage: stage, Status: status, Progress: progress, Message: message,
		},
	})
}

// ProcessingComplete pushes a processing_complete event.
func (h *Hub) ProcessingComplete(applicationID string, result interface{}) {
	h.Broadcast(applicationID, Message{Type: MsgProcessingComplete, Payload: result})
}

// ProcessingError pushes a processing_error event.
func (h *Hub) ProcessingError(applicationID, kind, message string) {
	h.Broadcast(applicationID, Message{
		Type:    MsgProcessingError,
		Payload: ProcessingErrorPayload{Kind: kind, Message: message},
	})
}

// Ping writes a ping message to every connected client, evicting dead
// channels the same way Broadcast does.
func (h *Hub) Ping() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, cl := range h.clients {
		clients = append(clients, cl)
	}
	h.mu.RUnlock()

	for _, cl := range clients {
		if err := cl.send(Message{Type: MsgPing}); err != nil {
			h.log.Warn("evicting dead push channel on ping", zap.String("client_id", cl.id), zap.Error(err))
			h.Unregister(cl.id)
		}
	}
}

// Stats returns an admin-facing snapshot of every connected client.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := HubStats{ConnectedClients: len(h.clients)}
	for _, cl := range h.clients {
		cl.mu.Lock()
		stats.Clients = append(stats.Clients, ClientStats{
			ClientID:          cl.id,
			ConnectedAt:       cl.connectedAt,
			AuthenticatedUser: cl.authenticatedUser,
			OriginAddr:        cl.originAddr,
			Subscriptions:     len(cl.subscriptions),
		})
		cl.mu.Unlock()
	}
	return stats
}

type errClientNotFound string

func (e errClientNotFound) Error() string { return "notifier: unknown push client " + string(e) }

var _ conn = (*websocket.Conn)(nil)
