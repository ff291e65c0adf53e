// internal/session/manager.go
package session

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/softwarefaith/appflowy/internal/store"
	"github.com/softwarefaith/appflowy/pkg/ot"
	"github.com/softwarefaith/appflowy/pkg/revision"
)

// Options configures a Manager.
type Options struct {
	// UserID stamps local revisions. Empty means a random id.
	UserID    string
	TieBreak  revision.TieBreak
	Retry     RetryOptions
	CacheSize int
}

// Subscriber is implemented by transports that need to know which
// documents are open, to fetch the revisions committed after committed.
type Subscriber interface {
	Subscribe(ctx context.Context, docID string, committed uint64) error
	Unsubscribe(docID string)
}

type snapshot struct {
	committed uint64
	content   ot.Delta
}

// Manager maps document ids to their open sessions.
type Manager struct {
	opts      Options
	store     store.Store
	transport Transport
	logger    *zap.Logger

	sessions *xsync.MapOf[string, *Session]
	opening  singleflight.Group
	// closing holds a channel per document whose session is still
	// flushing; it is closed once the log is complete.
	closing *xsync.MapOf[string, chan struct{}]
	cache    *lru.Cache[string, snapshot]

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a manager over st. A nil transport acknowledges
// every revision locally, which is how documents are edited offline.
func NewManager(st store.Store, tr Transport, opts Options, logger *zap.Logger) (*Manager, error) {
	if opts.UserID == "" {
		opts.UserID = uuid.NewString()
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 64
	}
	cache, err := lru.New[string, snapshot](opts.CacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "snapshot cache")
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:     opts,
		store:    st,
		logger:   logger.Named("session"),
		sessions: xsync.NewMapOf[string, *Session](),
		closing:  xsync.NewMapOf[string, chan struct{}](),
		cache:    cache,
		ctx:      ctx,
		cancel:   cancel,
	}
	if tr == nil {
		tr = Loopback{m: m}
	}
	m.transport = tr
	return m, nil
}

// UserID returns the id stamped on local revisions.
func (m *Manager) UserID() string { return m.opts.UserID }

// Session returns the open session of docID.
func (m *Manager) Session(docID string) (*Session, error) {
	s, ok := m.sessions.Load(docID)
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "document %s is not open", docID)
	}
	return s, nil
}

// Open loads docID from the revision log and replays it. Opening an open
// document returns its session.
func (m *Manager) Open(ctx context.Context, docID string) (*Session, error) {
	return m.open(ctx, docID, false)
}

// Join opens docID like Open, but starts from the empty document when the
// local log has never seen it. The transport catches it up.
func (m *Manager) Join(ctx context.Context, docID string) (*Session, error) {
	return m.open(ctx, docID, true)
}

func (m *Manager) open(ctx context.Context, docID string, allowMissing bool) (*Session, error) {
	if _, closing := m.closing.Load(docID); !closing {
		if s, ok := m.sessions.Load(docID); ok {
			return s, nil
		}
	}
	v, err, _ := m.opening.Do(docID, func() (any, error) {
		if done, ok := m.closing.Load(docID); ok {
			select {
			case <-done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if s, ok := m.sessions.Load(docID); ok {
			return s, nil
		}
		committed, content, err := m.load(ctx, docID)
		if errors.Is(err, store.ErrNotFound) && allowMissing {
			committed, content, err = 0, ot.Delta{}, nil
		}
		if err != nil {
			return nil, err
		}

		s := newSession(docID, m.opts.UserID, m.opts.TieBreak, committed, content, m.logger)
		s.start(m.ctx, m.transport, m.store, m.opts.Retry)
		m.sessions.Store(docID, s)
		OpenSessions.Inc()

		if sub, ok := m.transport.(Subscriber); ok {
			if err := sub.Subscribe(ctx, docID, committed); err != nil {
				s.logger.Warn("subscribe failed", zap.Error(err))
			}
		}
		if err := m.store.SetMeta(ctx, store.KeyLatestVisited, docID); err != nil {
			s.logger.Warn("record latest visited", zap.Error(err))
		}
		s.logger.Info("document opened", zap.Uint64("rev", committed))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// load replays the log of docID, starting from a cached snapshot if any.
func (m *Manager) load(ctx context.Context, docID string) (uint64, ot.Delta, error) {
	var (
		from uint64
		doc  ot.Delta
	)
	if snap, ok := m.cache.Get(docID); ok {
		from, doc = snap.committed, snap.content
	}
	revs, err := m.store.Revisions(ctx, docID, from)
	if err != nil {
		return 0, ot.Delta{}, err
	}
	doc, head, err := revision.Replay(doc, from, revs)
	if err != nil {
		return 0, ot.Delta{}, errors.Wrapf(err, "replay %s", docID)
	}
	return head, doc, nil
}

// Close tears the session down. It returns an *UnsyncedEditsError when
// local revisions were never acknowledged. Opening docID again waits until
// the closed session has stored its revisions.
func (m *Manager) Close(ctx context.Context, docID string) error {
	done := make(chan struct{})
	if _, busy := m.closing.LoadOrStore(docID, done); busy {
		return errors.Wrapf(ErrClosed, "document %s is closing", docID)
	}
	defer func() {
		m.closing.Delete(docID)
		close(done)
	}()

	s, ok := m.sessions.LoadAndDelete(docID)
	if !ok {
		return errors.Wrapf(store.ErrNotFound, "document %s is not open", docID)
	}
	OpenSessions.Dec()
	if sub, ok := m.transport.(Subscriber); ok {
		sub.Unsubscribe(docID)
	}

	err := s.close(ctx)
	if snap, ok := s.cacheable(); ok {
		m.cache.Add(docID, snap)
	}
	s.logger.Info("document closed", zap.Error(err))
	return err
}

// ApplyLocal applies a local edit to docID.
func (m *Manager) ApplyLocal(docID string, d ot.Delta) (revision.Revision, error) {
	s, err := m.Session(docID)
	if err != nil {
		return revision.Revision{}, err
	}
	return s.ApplyLocal(d)
}

// ApplyRemote merges a revision another client committed.
func (m *Manager) ApplyRemote(rev revision.Revision) error {
	s, err := m.Session(rev.DocumentID)
	if err != nil {
		return err
	}
	return s.ApplyRemote(rev)
}

// ApplyAck commits the oldest pending revision of the document.
func (m *Manager) ApplyAck(rev revision.Revision) error {
	s, err := m.Session(rev.DocumentID)
	if err != nil {
		return err
	}
	return s.ApplyAck(rev)
}

// Committed returns the newest acknowledged revision of docID.
func (m *Manager) Committed(docID string) (uint64, error) {
	s, err := m.Session(docID)
	if err != nil {
		return 0, err
	}
	committed, _ := s.Committed()
	return committed, nil
}

// Resend makes the session of docID deliver its pending head again.
func (m *Manager) Resend(docID string) {
	if s, ok := m.sessions.Load(docID); ok {
		s.Resend()
	}
}

// Snapshot returns the current content of an open document.
func (m *Manager) Snapshot(docID string) (ot.Delta, error) {
	s, err := m.Session(docID)
	if err != nil {
		return ot.Delta{}, err
	}
	return s.Snapshot()
}

// Export is the JSON form of an exported document.
type Export struct {
	DocumentID string            `json:"doc_id"`
	Revision   uint64            `json:"rev_id"`
	Checksum   revision.Checksum `json:"md5"`
	Content    ot.Delta          `json:"delta"`
}

// Export encodes the current content of docID as JSON.
func (m *Manager) Export(docID string) ([]byte, error) {
	s, err := m.Session(docID)
	if err != nil {
		return nil, err
	}
	content, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	committed, _ := s.Committed()
	return json.Marshal(Export{
		DocumentID: docID,
		Revision:   committed,
		Checksum:   revision.ChecksumOf(content),
		Content:    content,
	})
}

// Create starts a new document whose first revision inserts initial. An
// empty initial still writes revision 1, so the document can be reopened.
// It fails with store.ErrConflict when the id is taken.
func (m *Manager) Create(ctx context.Context, docID string, initial ot.Delta) (*Session, error) {
	if _, ok := m.sessions.Load(docID); ok {
		return nil, errors.Wrapf(store.ErrConflict, "document %s is open", docID)
	}
	_, err := m.store.Head(ctx, docID)
	if err == nil {
		return nil, errors.Wrapf(store.ErrConflict, "document %s exists", docID)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if !initial.IsDocument() {
		return nil, errors.Wrap(ot.ErrInvalidOperation, "initial content must only insert")
	}

	s, err := m.Join(ctx, docID)
	if err != nil {
		return nil, err
	}
	if _, err := s.applyLocal(initial); err != nil {
		return nil, err
	}
	return s, nil
}

// Duplicate creates a new document holding the current content of docID
// and returns its id.
func (m *Manager) Duplicate(ctx context.Context, docID string) (string, error) {
	content, err := m.Snapshot(docID)
	if err != nil {
		return "", err
	}
	newID := uuid.NewString()
	if _, err := m.Create(ctx, newID, content); err != nil {
		return "", errors.Wrapf(err, "duplicate %s", docID)
	}
	return newID, nil
}

// Delete closes docID, discarding unsynced edits, and drops its log.
func (m *Manager) Delete(ctx context.Context, docID string) error {
	open := false
	if _, ok := m.sessions.Load(docID); ok {
		open = true
		if err := m.Close(ctx, docID); err != nil && !errors.Is(err, ErrUnsyncedEdits) {
			return err
		}
	}
	m.cache.Remove(docID)
	err := m.store.Delete(ctx, docID)
	if open && errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// Reload replaces the session of docID with one rebuilt from the log. It
// returns the local revisions the old session still had pending; they are
// not replayed.
func (m *Manager) Reload(ctx context.Context, docID string) (*Session, []revision.Revision, error) {
	var discarded []revision.Revision
	if _, ok := m.sessions.Load(docID); ok {
		err := m.Close(ctx, docID)
		var unsynced *UnsyncedEditsError
		switch {
		case errors.As(err, &unsynced):
			discarded = unsynced.Revisions
		case err != nil:
			return nil, nil, err
		}
	}
	m.cache.Remove(docID)
	s, err := m.Open(ctx, docID)
	if err != nil {
		return nil, discarded, err
	}
	return s, discarded, nil
}

// LatestVisited returns the id of the last opened document.
func (m *Manager) LatestVisited(ctx context.Context) (string, error) {
	return m.store.GetMeta(ctx, store.KeyLatestVisited)
}

// Shutdown closes every open session. The first failure is returned; the
// rest are logged.
func (m *Manager) Shutdown(ctx context.Context) error {
	var first error
	m.sessions.Range(func(docID string, _ *Session) bool {
		if err := m.Close(ctx, docID); err != nil {
			if first == nil {
				first = err
			} else {
				m.logger.Error("close on shutdown", zap.String("doc", docID), zap.Error(err))
			}
		}
		return true
	})
	m.cancel()
	return first
}

// Loopback acknowledges every revision as soon as it is sent. It stands in
// for a server when documents are edited offline.
type Loopback struct {
	m *Manager
}

func (l Loopback) Send(ctx context.Context, rev revision.Revision) error {
	return l.m.ApplyAck(rev)
}
