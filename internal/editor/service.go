// internal/editor/service.go
package editor

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/softwarefaith/appflowy/internal/cursor"
	"github.com/softwarefaith/appflowy/internal/store"
	"github.com/softwarefaith/appflowy/pkg/revision"
)

// Service represents the editor service with all its dependencies
type Service struct {
	hub      *Hub
	upgrader websocket.Upgrader
	config   *Config
	store    store.RevisionLog
	fanout   *Fanout
	logger   *zap.Logger

	documents *xsync.MapOf[string, *Document]
	loading   singleflight.Group
}

// Config holds service configuration
type Config struct {
	MaxMessageSize int64
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxClients     int
	// HistoryLimit is how many committed revisions each document keeps in
	// memory for rebasing late submissions.
	HistoryLimit int
	TieBreak     revision.TieBreak
	// CursorTimeout drops cursors that have not moved for this long.
	CursorTimeout time.Duration
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() *Config {
	return &Config{
		MaxMessageSize: 512 * 1024, // 512KB
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxClients:     1000,
		HistoryLimit:   1024,
		TieBreak:       revision.LocalFirst,
		CursorTimeout:  5 * time.Minute,
	}
}

// Document represents a collaborative document
type Document struct {
	ID        string
	CreatedAt time.Time

	OTManager     *OTManager
	CursorManager *cursor.Manager

	mu            sync.RWMutex
	ActiveClients map[string]*Client
}

// NewService creates a new editor service. fanout may be nil when a single
// instance owns the revision log.
func NewService(cfg *Config, log store.RevisionLog, fanout *Fanout, logger *zap.Logger) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Service{
		hub: NewHub(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		config:    cfg,
		store:     log,
		fanout:    fanout,
		logger:    logger.Named("editor"),
		documents: xsync.NewMapOf[string, *Document](),
	}
}

// Start runs the hub, the revision fanout and the cursor sweeper until ctx
// ends. It returns the fanout's error, if any.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("starting editor service")
	go s.hub.run()
	go s.sweepCursors(ctx)

	if s.fanout == nil {
		<-ctx.Done()
		return nil
	}
	err := s.fanout.Run(ctx, s.applyExternal)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the service
func (s *Service) Shutdown() {
	s.logger.Info("shutting down editor service")
	s.hub.shutdown()
}

// HandleWebSocket handles WebSocket upgrade requests on /ws/{doc}. The
// optional "from" query parameter is the last revision the client has.
func (s *Service) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["doc"]
	if docID == "" {
		http.Error(w, "Missing document ID", http.StatusBadRequest)
		return
	}
	var from uint64
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "Invalid from revision", http.StatusBadRequest)
			return
		}
		from = n
	}
	if s.config.MaxClients > 0 && s.clientCount() >= s.config.MaxClients {
		http.Error(w, "Too many clients", http.StatusServiceUnavailable)
		return
	}
	if _, err := s.GetDocument(r.Context(), docID); err != nil {
		s.logger.Error("load document", zap.String("doc", docID), zap.Error(err))
		http.Error(w, "Document unavailable", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(s.hub, conn, s, docID, uuid.NewString()[:8])
	ActiveConnections.Inc()

	go client.writePump()
	s.attach(client, from)
	s.hub.join(client)
	go func() {
		client.readPump()
		ActiveConnections.Dec()
	}()
}

func (s *Service) clientCount() int {
	n := 0
	s.documents.Range(func(_ string, doc *Document) bool {
		doc.mu.RLock()
		n += len(doc.ActiveClients)
		doc.mu.RUnlock()
		return true
	})
	return n
}

// GetDocument returns the loaded document, replaying its log on first use.
// Documents nobody wrote to yet start empty.
func (s *Service) GetDocument(ctx context.Context, id string) (*Document, error) {
	if doc, ok := s.documents.Load(id); ok {
		return doc, nil
	}
	v, err, _ := s.loading.Do(id, func() (interface{}, error) {
		if doc, ok := s.documents.Load(id); ok {
			return doc, nil
		}
		doc := &Document{
			ID:            id,
			CreatedAt:     time.Now(),
			CursorManager: cursor.NewManager(),
			ActiveClients: make(map[string]*Client),
		}
		doc.OTManager = NewOTManager(id, s.store, s.config.TieBreak, s.config.HistoryLimit, s.deliverer(doc), s.logger)
		if err := doc.OTManager.Load(ctx); err != nil {
			return nil, err
		}
		s.documents.Store(id, doc)
		DocumentsActive.Inc()
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Document), nil
}

// deliverer sends committed revisions to every client of doc but the author
// and moves the cursors it tracks.
func (s *Service) deliverer(doc *Document) Delivery {
	return func(rev revision.Revision, authorID string) {
		doc.CursorManager.Transform(rev.Delta, authorID)

		data, err := json.Marshal(Message{
			Type:       MsgRevision,
			DocumentID: doc.ID,
			Version:    rev.RevisionID,
			Revision:   &rev,
		})
		if err != nil {
			s.logger.Error("marshal revision", zap.Stringer("rev", rev), zap.Error(err))
			return
		}

		doc.mu.RLock()
		defer doc.mu.RUnlock()
		for id, client := range doc.ActiveClients {
			if id == authorID {
				continue
			}
			if client.trySend(data) {
				MessagesSent.Inc()
			}
		}
	}
}

// Submit commits rev for client. The client gets an ack; the committed
// revision is published to the other instances.
func (s *Service) Submit(ctx context.Context, client *Client, rev revision.Revision) (revision.Revision, error) {
	doc, err := s.GetDocument(ctx, client.documentID)
	if err != nil {
		return revision.Revision{}, err
	}
	committed, err := doc.OTManager.Submit(ctx, client.id, rev, func(c revision.Revision) {
		client.sendMessage(Message{
			Type:       MsgAck,
			DocumentID: doc.ID,
			Version:    c.RevisionID,
			Revision:   &c,
		})
	})
	if err != nil {
		return revision.Revision{}, err
	}
	if s.fanout != nil {
		if err := s.fanout.Publish(ctx, committed); err != nil {
			s.logger.Warn("fanout publish failed", zap.Stringer("rev", committed), zap.Error(err))
		}
	}
	return committed, nil
}

// attach sends client the revisions after from in one frame and starts
// delivering new revisions to it.
func (s *Service) attach(client *Client, from uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
	defer cancel()

	doc, err := s.GetDocument(ctx, client.documentID)
	if err != nil {
		client.sendError("document unavailable", nil)
		return
	}
	err = doc.OTManager.Attach(ctx, from, func(head uint64, revs []revision.Revision) {
		client.sendInitMessage(head)
		client.sendMessage(Message{
			Type:       MsgRevisions,
			DocumentID: doc.ID,
			Version:    head,
			Revisions:  revs,
		})
		doc.mu.Lock()
		doc.ActiveClients[client.id] = client
		doc.mu.Unlock()
	})
	if err != nil {
		client.logger.Warn("catch up failed", zap.Uint64("from", from), zap.Error(err))
		client.sendError(err.Error(), nil)
	}
}

// sendDocumentState sends the current document state to a client
func (s *Service) sendDocumentState(client *Client) {
	doc, ok := s.documents.Load(client.documentID)
	if !ok {
		client.sendError("document not loaded", nil)
		return
	}
	head, content := doc.OTManager.Snapshot()
	client.sendMessage(Message{
		Type:       MsgDocumentState,
		DocumentID: doc.ID,
		Version:    head,
		Data: map[string]interface{}{
			"content": content,
			"cursors": doc.CursorManager.Cursors(client.id),
		},
	})
}

// RemoveClientFromDocument removes a client from a document's active clients
func (s *Service) RemoveClientFromDocument(client *Client) {
	doc, ok := s.documents.Load(client.documentID)
	if !ok {
		return
	}
	doc.mu.Lock()
	delete(doc.ActiveClients, client.id)
	doc.mu.Unlock()
	doc.CursorManager.RemoveClient(client.id)
}

// applyExternal applies a revision committed by another instance. Documents
// not loaded here read it from the log when they are.
func (s *Service) applyExternal(ctx context.Context, rev revision.Revision) {
	doc, ok := s.documents.Load(rev.DocumentID)
	if !ok {
		return
	}
	if err := doc.OTManager.Observe(ctx, rev); err != nil {
		s.logger.Error("apply external revision", zap.Stringer("rev", rev), zap.Error(err))
	}
}

func (s *Service) sweepCursors(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.documents.Range(func(_ string, doc *Document) bool {
				doc.CursorManager.CleanupStale(s.config.CursorTimeout)
				return true
			})
		}
	}
}
