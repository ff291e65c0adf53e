// internal/transport/websocket.go
package transport

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/softwarefaith/appflowy/internal/editor"
	"github.com/softwarefaith/appflowy/internal/session"
	"github.com/softwarefaith/appflowy/pkg/revision"
)

// ErrNotConnected is returned by Send while a document has no caught-up
// connection. The session retries it.
var ErrNotConnected = errors.New("transport: not connected")

// Handler receives what the server sends for open documents. A
// session.Manager is one.
type Handler interface {
	ApplyAck(rev revision.Revision) error
	ApplyRemote(rev revision.Revision) error
	Committed(docID string) (uint64, error)
	Resend(docID string)
}

// Options tune the connection of each document.
type Options struct {
	WriteTimeout time.Duration
	// Reconnect backoff.
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (o *Options) setDefaults() {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 500 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 30 * time.Second
	}
}

// WebSocket talks to the editor service, one connection per open document.
// It implements session.Transport and session.Subscriber.
type WebSocket struct {
	baseURL string
	opts    Options
	dialer  *websocket.Dialer
	logger  *zap.Logger

	mu      sync.RWMutex
	handler Handler

	conns *xsync.MapOf[string, *docConn]
}

var (
	_ session.Transport  = (*WebSocket)(nil)
	_ session.Subscriber = (*WebSocket)(nil)
)

// New creates a transport for the service at baseURL, e.g.
// "ws://localhost:8080/ws". Call Bind before opening documents.
func New(baseURL string, opts Options, logger *zap.Logger) *WebSocket {
	opts.setDefaults()
	return &WebSocket{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		opts:    opts,
		dialer:  websocket.DefaultDialer,
		logger:  logger.Named("transport"),
		conns:   xsync.NewMapOf[string, *docConn](),
	}
}

// Bind sets the receiver of incoming revisions.
func (t *WebSocket) Bind(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *WebSocket) handlerOf() Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handler
}

type docConn struct {
	docID  string
	cancel context.CancelFunc
	done   chan struct{}
	logger *zap.Logger

	mu sync.Mutex
	// ws is set once the connection has caught up.
	ws *websocket.Conn
}

func (c *docConn) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws
}

func (c *docConn) setConn(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
}

// Subscribe starts keeping a connection for docID. It returns at once; the
// connection is made, and remade, in the background.
func (t *WebSocket) Subscribe(ctx context.Context, docID string, committed uint64) error {
	if t.handlerOf() == nil {
		return errors.New("transport: no handler bound")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c := &docConn{
		docID:  docID,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: t.logger.With(zap.String("doc", docID)),
	}
	if prev, loaded := t.conns.LoadOrStore(docID, c); loaded {
		cancel()
		prev.logger.Debug("already subscribed")
		return nil
	}
	go t.run(runCtx, c)
	return nil
}

// Unsubscribe drops the connection of docID.
func (t *WebSocket) Unsubscribe(docID string) {
	c, ok := t.conns.LoadAndDelete(docID)
	if !ok {
		return
	}
	c.cancel()
	<-c.done
}

// Close drops every connection.
func (t *WebSocket) Close() {
	t.conns.Range(func(docID string, _ *docConn) bool {
		t.Unsubscribe(docID)
		return true
	})
}

// Send submits rev on the connection of its document.
func (t *WebSocket) Send(ctx context.Context, rev revision.Revision) error {
	c, ok := t.conns.Load(rev.DocumentID)
	if !ok {
		return errors.Wrapf(session.ErrClosed, "transport: %s not subscribed", rev.DocumentID)
	}
	data, err := json.Marshal(editor.Message{Type: editor.MsgSubmit, DocumentID: rev.DocumentID, Revision: &rev})
	if err != nil {
		return errors.Wrap(err, "encode submit")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(t.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.ws.Close()
		return errors.Wrapf(err, "submit %s", rev)
	}
	return nil
}

func (t *WebSocket) endpoint(docID string, from uint64) string {
	q := url.Values{}
	q.Set("from", strconv.FormatUint(from, 10))
	return t.baseURL + "/" + url.PathEscape(docID) + "?" + q.Encode()
}

// run connects until ctx ends, catching up from the committed revision of
// the session each time.
func (t *WebSocket) run(ctx context.Context, c *docConn) {
	defer close(c.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.opts.InitialInterval
	b.MaxInterval = t.opts.MaxInterval
	b.MaxElapsedTime = 0

	h := t.handlerOf()
	for {
		from, err := h.Committed(c.docID)
		if err != nil {
			c.logger.Debug("session gone, stop connecting", zap.Error(err))
			return
		}
		ws, _, err := t.dialer.DialContext(ctx, t.endpoint(c.docID, from), nil)
		if err == nil {
			b.Reset()
			err = t.serve(ctx, c, ws, h)
			if errors.Is(err, errStop) {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		wait := b.NextBackOff()
		c.logger.Warn("connection lost, reconnecting", zap.Duration("backoff", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

var (
	errStop     = errors.New("transport: session cannot continue")
	errRejected = errors.New("transport: submit rejected")
)

// serve reads one connection until it fails.
func (t *WebSocket) serve(ctx context.Context, c *docConn, ws *websocket.Conn, h Handler) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-stop:
		}
	}()
	defer func() {
		c.setConn(nil)
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		var msg editor.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("invalid frame", zap.Error(err))
			continue
		}
		if err := t.dispatch(c, ws, h, msg); err != nil {
			if errors.Is(err, session.ErrBroken) || errors.Is(err, session.ErrClosed) {
				c.logger.Error("stopping", zap.Error(err))
				return errStop
			}
			// Out of order or rejected: drop the connection and catch up
			// again.
			return err
		}
	}
}

func (t *WebSocket) dispatch(c *docConn, ws *websocket.Conn, h Handler, msg editor.Message) error {
	switch msg.Type {
	case editor.MsgRevisions:
		for _, rev := range msg.Revisions {
			if err := h.ApplyRemote(rev); err != nil {
				return err
			}
		}
		c.setConn(ws)
		h.Resend(c.docID)
		c.logger.Debug("caught up", zap.Uint64("head", msg.Version), zap.Int("revisions", len(msg.Revisions)))

	case editor.MsgRevision:
		if msg.Revision != nil {
			return h.ApplyRemote(*msg.Revision)
		}

	case editor.MsgAck:
		if msg.Revision != nil {
			return h.ApplyAck(*msg.Revision)
		}

	case editor.MsgError:
		if msg.Revision != nil {
			return errors.Wrapf(errRejected, "%s: %v", msg.Revision, msg.Data)
		}
		c.logger.Warn("server error", zap.Any("data", msg.Data))

	default:
		// Presence is not tracked by sessions.
	}
	return nil
}
