// internal/editor/client.go
package editor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/softwarefaith/appflowy/pkg/revision"
)

var colors = []string{"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4", "#FFEAA7", "#DDA0DD", "#98D8C8", "#FFA07A"}

// Client represents a connected user/editor
type Client struct {
	// Unique identifier
	id string

	// The hub that manages this client
	hub *Hub

	// The websocket connection
	conn *websocket.Conn

	// Buffered channel of outbound messages
	send chan []byte

	// Document this client is editing
	documentID string

	// Reference to the service
	service *Service

	// User information
	username string
	color    string // For cursor color

	logger *zap.Logger
}

// readPump pumps messages from the websocket connection to the service
func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	cfg := c.service.config
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket error", zap.Error(err))
			}
			return
		}
		c.processMessage(message)
	}
}

// writePump pumps messages from the send channel to the websocket connection
func (c *Client) writePump() {
	cfg := c.service.config
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// trySend queues a frame without blocking. A client that cannot keep up is
// disconnected; it catches up when it reconnects.
func (c *Client) trySend(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("send buffer full, disconnecting")
		c.conn.Close()
		return false
	}
}

// processMessage processes incoming messages from the client
func (c *Client) processMessage(message []byte) {
	var msg Message
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Warn("invalid message", zap.Error(err))
		c.sendError("Invalid message format", nil)
		return
	}

	msg.ClientID = c.id
	msg.DocumentID = c.documentID
	MessagesReceived.WithLabelValues(msg.Type).Inc()

	switch msg.Type {
	case MsgSubmit:
		c.handleSubmit(msg)

	case MsgCatchUp:
		c.service.attach(c, msg.Version)

	case MsgRequestDocument:
		c.service.sendDocumentState(c)

	case MsgTypingStart:
		c.handleTyping(msg, true)

	case MsgTypingStop:
		c.handleTyping(msg, false)

	case MsgCursorPosition:
		c.handleCursorPosition(msg)

	case MsgSelectionChange:
		c.handleSelectionChange(msg)

	case MsgPing:
		// Just a keepalive, no action needed

	default:
		c.logger.Warn("unknown message type", zap.String("type", msg.Type))
		c.sendError(fmt.Sprintf("Unknown message type: %s", msg.Type), nil)
	}
}

// handleSubmit commits a revision; the author gets an ack, everyone else
// the committed revision.
func (c *Client) handleSubmit(msg Message) {
	if msg.Revision == nil {
		c.sendError("submit without revision", nil)
		return
	}
	rev := *msg.Revision
	rev.DocumentID = c.documentID

	ctx, cancel := context.WithTimeout(context.Background(), c.service.config.WriteTimeout)
	defer cancel()

	committed, err := c.service.Submit(ctx, c, rev)
	if err != nil {
		c.logger.Warn("submit rejected", zap.Uint64("base", rev.BaseRevision), zap.Error(err))
		c.sendError(err.Error(), &rev)
		return
	}
	c.logger.Debug("submit committed", zap.Uint64("rev", committed.RevisionID))
}

func (c *Client) handleTyping(msg Message, typing bool) {
	if typing {
		msg.Data = map[string]interface{}{
			"userId":   c.id,
			"username": c.username,
			"color":    c.color,
		}
	} else {
		msg.Data = map[string]interface{}{
			"userId": c.id,
		}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal typing indicator", zap.Error(err))
		return
	}
	c.hub.publish(data)
}

func (c *Client) sendInitMessage(head uint64) {
	c.sendMessage(Message{
		Type:       MsgInit,
		ClientID:   c.id,
		DocumentID: c.documentID,
		Version:    head,
		Data: map[string]interface{}{
			"username": c.username,
			"color":    c.color,
		},
	})
}

// sendError sends an error message to the client
func (c *Client) sendError(errorMsg string, rev *revision.Revision) {
	c.sendMessage(Message{
		Type:     MsgError,
		Revision: rev,
		Data: map[string]interface{}{
			"message": errorMsg,
		},
	})
}

func (c *Client) sendMessage(msg Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal message", zap.String("type", msg.Type), zap.Error(err))
		return false
	}
	return c.trySend(data)
}

// NewClient creates a new client
func NewClient(hub *Hub, conn *websocket.Conn, service *Service, documentID, clientID string) *Client {
	return &Client{
		id:         clientID,
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, 256),
		documentID: documentID,
		service:    service,
		username:   fmt.Sprintf("User-%s", clientID[:4]),
		color:      colors[time.Now().UnixNano()%int64(len(colors))],
		logger:     service.logger.With(zap.String("client", clientID), zap.String("doc", documentID)),
	}
}

func (c *Client) handleCursorPosition(msg Message) {
	position := msg.Position
	if pos, ok := msg.Data.(float64); ok {
		position = int(pos)
	}

	if doc, ok := c.service.documents.Load(c.documentID); ok {
		doc.CursorManager.UpdatePosition(c.id, c.username, c.color, position)
	}

	data, err := json.Marshal(Message{
		Type:       MsgCursorPosition,
		ClientID:   c.id,
		DocumentID: c.documentID,
		Data: map[string]interface{}{
			"clientId": c.id,
			"username": c.username,
			"color":    c.color,
			"position": position,
		},
	})
	if err != nil {
		c.logger.Error("marshal cursor position", zap.Error(err))
		return
	}
	c.hub.publish(data)
}

func (c *Client) handleSelectionChange(msg Message) {
	start, end := 0, 0
	if selection, ok := msg.Data.(map[string]interface{}); ok {
		if s, ok := selection["start"].(float64); ok {
			start = int(s)
		}
		if e, ok := selection["end"].(float64); ok {
			end = int(e)
		}
	}

	if doc, ok := c.service.documents.Load(c.documentID); ok {
		doc.CursorManager.UpdateSelection(c.id, c.username, c.color, start, end)
	}

	data, err := json.Marshal(Message{
		Type:       MsgSelectionChange,
		ClientID:   c.id,
		DocumentID: c.documentID,
		Data: map[string]interface{}{
			"clientId": c.id,
			"username": c.username,
			"color":    c.color,
			"start":    start,
			"end":      end,
		},
	})
	if err != nil {
		c.logger.Error("marshal selection", zap.Error(err))
		return
	}
	c.hub.publish(data)
}
