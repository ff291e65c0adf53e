// internal/editor/hub.go
package editor

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/softwarefaith/appflowy/pkg/revision"
)

// Message types exchanged over the websocket.
const (
	MsgInit            = "init"
	MsgSubmit          = "submit"
	MsgAck             = "ack"
	MsgRevision        = "revision"
	MsgRevisions       = "revisions"
	MsgCatchUp         = "catch_up"
	MsgRequestDocument = "request_document"
	MsgDocumentState   = "document_state"
	MsgCursorPosition  = "cursor_position"
	MsgSelectionChange = "selection_change"
	MsgCursorRemove    = "cursor_remove"
	MsgTypingStart     = "typing_start"
	MsgTypingStop      = "typing_stop"
	MsgUserJoined      = "user_joined"
	MsgUserLeft        = "user_left"
	MsgActiveUsers     = "active_users"
	MsgPing            = "ping"
	MsgError           = "error"
)

// Message is the envelope of every websocket frame.
type Message struct {
	Type       string              `json:"type"`
	ClientID   string              `json:"clientId,omitempty"`
	DocumentID string              `json:"documentId,omitempty"`
	Version    uint64              `json:"version,omitempty"`
	Position   int                 `json:"position,omitempty"`
	Revision   *revision.Revision  `json:"revision,omitempty"`
	Revisions  []revision.Revision `json:"revisions,omitempty"`
	Data       interface{}         `json:"data,omitempty"`
}

// Hub maintains active client connections and relays presence messages.
// Revisions do not go through the hub; documents deliver them in order.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Inbound messages from clients
	broadcast chan []byte

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Document-specific client tracking
	documentClients map[string]map[*Client]bool

	done     chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger
}

// NewHub creates a new Hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		broadcast:       make(chan []byte, 256),
		register:        make(chan *Client),
		unregister:      make(chan *Client),
		clients:         make(map[*Client]bool),
		documentClients: make(map[string]map[*Client]bool),
		done:            make(chan struct{}),
		logger:          logger.Named("hub"),
	}
}

// run starts the hub's main loop
func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.handleRegister(client)

		case client := <-h.unregister:
			h.handleUnregister(client)

		case message := <-h.broadcast:
			h.handleBroadcast(message)

		case <-h.done:
			h.closeAll()
			return
		}
	}
}

func (h *Hub) handleRegister(client *Client) {
	h.clients[client] = true
	if h.documentClients[client.documentID] == nil {
		h.documentClients[client.documentID] = make(map[*Client]bool)
	}
	h.documentClients[client.documentID][client] = true

	h.logger.Info("client connected",
		zap.String("client", client.id),
		zap.String("doc", client.documentID),
		zap.Int("doc_clients", len(h.documentClients[client.documentID])),
		zap.Int("clients", len(h.clients)))

	h.notifyUserJoined(client)
}

func (h *Hub) handleUnregister(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)

	// Stop revision deliveries before the send channel goes away.
	if client.service != nil {
		client.service.RemoveClientFromDocument(client)
	}
	close(client.send)

	if clients := h.documentClients[client.documentID]; clients != nil {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.documentClients, client.documentID)
		} else {
			h.notifyUserLeft(client)
		}
	}

	removeMsg := Message{
		Type:       MsgCursorRemove,
		ClientID:   client.id,
		DocumentID: client.documentID,
		Data: map[string]interface{}{
			"clientId": client.id,
		},
	}
	if data, err := json.Marshal(removeMsg); err == nil {
		h.broadcastToDocument(client.documentID, data, client.id)
	}

	h.logger.Info("client disconnected", zap.String("client", client.id), zap.Int("clients", len(h.clients)))
}

func (h *Hub) handleBroadcast(message []byte) {
	var msg Message
	if err := json.Unmarshal(message, &msg); err != nil {
		h.logger.Warn("dropping malformed broadcast", zap.Error(err))
		return
	}
	if msg.DocumentID != "" {
		h.broadcastToDocument(msg.DocumentID, message, msg.ClientID)
	}
}

// broadcastToDocument sends a message to all clients in a specific document
func (h *Hub) broadcastToDocument(docID string, message []byte, excludeClientID string) {
	for client := range h.documentClients[docID] {
		if client.id == excludeClientID {
			continue
		}
		if client.trySend(message) {
			MessagesSent.Inc()
		}
	}
}

// notifyUserJoined notifies other users in a document that a new user joined
func (h *Hub) notifyUserJoined(newClient *Client) {
	notification := Message{
		Type:       MsgUserJoined,
		ClientID:   newClient.id,
		DocumentID: newClient.documentID,
		Data: map[string]interface{}{
			"userId":   newClient.id,
			"username": newClient.username,
			"color":    newClient.color,
		},
	}
	data, err := json.Marshal(notification)
	if err != nil {
		h.logger.Error("marshal join notification", zap.Error(err))
		return
	}

	h.broadcastToDocument(newClient.documentID, data, newClient.id)
	h.sendActiveUsers(newClient.documentID)
}

// notifyUserLeft notifies other users in a document that a user left
func (h *Hub) notifyUserLeft(leftClient *Client) {
	notification := Message{
		Type:       MsgUserLeft,
		ClientID:   leftClient.id,
		DocumentID: leftClient.documentID,
		Data: map[string]interface{}{
			"userId": leftClient.id,
		},
	}
	data, err := json.Marshal(notification)
	if err != nil {
		h.logger.Error("marshal leave notification", zap.Error(err))
		return
	}

	h.broadcastToDocument(leftClient.documentID, data, leftClient.id)
	h.sendActiveUsers(leftClient.documentID)
}

// sendActiveUsers sends the list of users of a document to all of them.
func (h *Hub) sendActiveUsers(documentID string) {
	users := []map[string]interface{}{}
	for c := range h.documentClients[documentID] {
		users = append(users, map[string]interface{}{
			"userId":   c.id,
			"username": c.username,
			"color":    c.color,
		})
	}

	data, err := json.Marshal(Message{
		Type:       MsgActiveUsers,
		DocumentID: documentID,
		Data:       users,
	})
	if err != nil {
		h.logger.Error("marshal active users", zap.Error(err))
		return
	}
	h.broadcastToDocument(documentID, data, "")
}

// shutdown stops the loop, closing every connection.
func (h *Hub) shutdown() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Hub) closeAll() {
	for client := range h.clients {
		client.conn.Close()
	}
	h.logger.Info("hub shutdown complete")
}

// publish queues a presence message for the document's other clients.
func (h *Hub) publish(data []byte) {
	select {
	case h.broadcast <- data:
	case <-h.done:
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) join(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}
