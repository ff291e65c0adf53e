// internal/editor/ot_manager.go
package editor

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/softwarefaith/appflowy/internal/store"
	"github.com/softwarefaith/appflowy/pkg/ot"
	"github.com/softwarefaith/appflowy/pkg/revision"
)

// ErrRevisionAhead is returned for revisions based on a revision the
// document does not have yet.
var ErrRevisionAhead = errors.New("editor: revision is ahead of the document")

// Attempts to commit a revision when other server instances keep winning
// the race for the next revision id.
const maxConflictRetries = 5

// Delivery pushes a committed revision to the clients of a document. It
// runs under the document lock, so revisions go out in commit order.
type Delivery func(rev revision.Revision, authorID string)

// OTManager is the authoritative copy of one document. Revisions submitted
// against an older base are rebased over everything committed since.
type OTManager struct {
	mu         sync.Mutex
	documentID string
	log        store.RevisionLog
	tieBreak   revision.TieBreak
	deliver    Delivery
	logger     *zap.Logger

	head    uint64
	content ot.Delta
	// history keeps the newest committed revisions; history[i] is revision
	// head-len(history)+1+i.
	history []revision.Revision
	limit   int
}

// NewOTManager creates a new OT manager. Call Load before use.
func NewOTManager(documentID string, log store.RevisionLog, tb revision.TieBreak, historyLimit int, deliver Delivery, logger *zap.Logger) *OTManager {
	if historyLimit <= 0 {
		historyLimit = 1024
	}
	if deliver == nil {
		deliver = func(revision.Revision, string) {}
	}
	return &OTManager{
		documentID: documentID,
		log:        log,
		tieBreak:   tb,
		deliver:    deliver,
		logger:     logger.With(zap.String("doc", documentID)),
		limit:      historyLimit,
	}
}

// Load replays the stored log. A document without revisions starts empty.
func (m *OTManager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	revs, err := m.log.Revisions(ctx, m.documentID, 0)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	content, head, err := revision.Replay(ot.Delta{}, 0, revs)
	if err != nil {
		return errors.Wrapf(err, "replay %s", m.documentID)
	}
	m.content, m.head, m.history = content, head, nil
	for _, r := range revs {
		m.remember(r)
	}
	m.logger.Info("document loaded", zap.Uint64("rev", head))
	return nil
}

// Snapshot returns the current head and content.
func (m *OTManager) Snapshot() (uint64, ot.Delta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.head, m.content
}

func (m *OTManager) remember(rev revision.Revision) {
	m.history = append(m.history, rev)
	if len(m.history) > m.limit {
		m.history = append([]revision.Revision(nil), m.history[len(m.history)-m.limit:]...)
	}
}

// since returns the committed revisions after from. Must hold mu.
func (m *OTManager) since(ctx context.Context, from uint64) ([]revision.Revision, error) {
	if from >= m.head {
		return nil, nil
	}
	first := m.head - uint64(len(m.history)) + 1
	if len(m.history) > 0 && from+1 >= first {
		return append([]revision.Revision(nil), m.history[from+1-first:]...), nil
	}
	revs, err := m.log.Revisions(ctx, m.documentID, from)
	if err != nil {
		return nil, err
	}
	for i, r := range revs {
		if r.RevisionID > m.head {
			return revs[:i], nil
		}
	}
	return revs, nil
}

// rebase transforms rev over the revisions committed after its base. A
// revision the same user already got committed from this base is returned
// with dup set; clients resend their head after reconnecting. Must hold mu.
func (m *OTManager) rebase(ctx context.Context, rev revision.Revision) (out revision.Revision, content ot.Delta, dup bool, err error) {
	if rev.BaseRevision > m.head {
		return out, content, false, errors.Wrapf(ErrRevisionAhead, "%s at head %d", rev, m.head)
	}
	committed, err := m.since(ctx, rev.BaseRevision)
	if err != nil {
		return out, content, false, err
	}
	delta := rev.Delta
	for _, c := range committed {
		if rev.UserID != "" && c.UserID == rev.UserID && c.Delta.Equal(delta) {
			return c, content, true, nil
		}
		if delta, _, err = m.tieBreak.Rebase(c.Delta, delta); err != nil {
			return out, content, false, err
		}
	}
	content, err = delta.Apply(m.content)
	if err != nil {
		return out, content, false, errors.Wrapf(err, "apply %s", rev)
	}
	return revision.New(m.documentID, rev.UserID, m.head, delta, content), content, false, nil
}

// Submit commits rev from clientID. ack runs under the document lock
// before the revision is delivered to anyone else.
func (m *OTManager) Submit(ctx context.Context, clientID string, rev revision.Revision, ack func(revision.Revision)) (revision.Revision, error) {
	if rev.DocumentID != m.documentID {
		return revision.Revision{}, errors.Errorf("editor: revision of %s submitted to %s", rev.DocumentID, m.documentID)
	}
	if err := rev.Delta.Validate(); err != nil {
		return revision.Revision{}, err
	}
	if ack == nil {
		ack = func(revision.Revision) {}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for attempt := 0; ; attempt++ {
		committed, content, dup, err := m.rebase(ctx, rev)
		if err != nil {
			return revision.Revision{}, err
		}
		if dup {
			m.logger.Info("duplicate submission", zap.Uint64("rev", committed.RevisionID), zap.String("client", clientID))
			ack(committed)
			return committed, nil
		}
		err = m.log.Append(ctx, committed)
		if err == nil {
			m.head, m.content = committed.RevisionID, content
			m.remember(committed)
			CommittedRevisions.Inc()
			if committed.BaseRevision != rev.BaseRevision {
				RebasedRevisions.Inc()
			}
			ack(committed)
			m.deliver(committed, clientID)
			m.logger.Debug("revision committed", zap.Uint64("rev", committed.RevisionID),
				zap.Uint64("base", rev.BaseRevision), zap.String("client", clientID))
			return committed, nil
		}
		if !errors.Is(err, store.ErrConflict) || attempt >= maxConflictRetries {
			return revision.Revision{}, errors.Wrapf(err, "commit %s", rev)
		}
		// Another server instance committed first.
		m.logger.Info("revision id taken, catching up", zap.Uint64("rev", committed.RevisionID))
		if err := m.refresh(ctx); err != nil {
			return revision.Revision{}, err
		}
	}
}

// refresh pulls the revisions other instances committed. Must hold mu.
func (m *OTManager) refresh(ctx context.Context) error {
	revs, err := m.log.Revisions(ctx, m.documentID, m.head)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	for _, r := range revs {
		if err := m.observe(r); err != nil {
			return err
		}
	}
	return nil
}

// observe applies the revision right after head. Must hold mu.
func (m *OTManager) observe(rev revision.Revision) error {
	content, err := revision.Apply(m.content, rev)
	if err != nil {
		return err
	}
	m.head, m.content = rev.RevisionID, content
	m.remember(rev)
	m.deliver(rev, "")
	return nil
}

// Observe applies a revision another server instance committed. Revisions
// that do not follow the head make it re-read the log.
func (m *OTManager) Observe(ctx context.Context, rev revision.Revision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case rev.RevisionID <= m.head:
		return nil
	case rev.RevisionID == m.head+1 && rev.BaseRevision == m.head:
		return m.observe(rev)
	default:
		return m.refresh(ctx)
	}
}

// Attach hands the revisions committed after from to catchUp, together
// with the head. No commit can slip in between, so a client registered
// inside catchUp misses nothing.
func (m *OTManager) Attach(ctx context.Context, from uint64, catchUp func(head uint64, revs []revision.Revision)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if from > m.head {
		return errors.Wrapf(ErrRevisionAhead, "client at %d, head %d", from, m.head)
	}
	revs, err := m.since(ctx, from)
	if err != nil {
		return err
	}
	catchUp(m.head, revs)
	return nil
}
