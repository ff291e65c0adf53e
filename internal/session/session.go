// internal/session/session.go
package session

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/softwarefaith/appflowy/internal/cursor"
	"github.com/softwarefaith/appflowy/pkg/ot"
	"github.com/softwarefaith/appflowy/pkg/revision"
)

// Transport hands local revisions to the server. A failed Send is retried
// with the very same revision; acknowledgments and remote revisions come
// back through Manager.ApplyAck and Manager.ApplyRemote.
type Transport interface {
	Send(ctx context.Context, rev revision.Revision) error
}

// Session owns the in-memory state of one open document. It is the only
// writer of that state; its mutex is never held across I/O.
type Session struct {
	id       string
	userID   string
	tieBreak revision.TieBreak
	logger   *zap.Logger
	cursors  *cursor.Manager

	mu sync.Mutex
	// committed is the newest revision the server accepted and
	// committedContent the document at that revision.
	committed        uint64
	committedContent ot.Delta
	// content is committedContent with every pending revision applied.
	content ot.Delta
	pending []pendingRevision
	nextSeq uint64
	// sending is set while the syncer is inside Transport.Send; inFlight
	// once pending[0] was delivered and awaits its ack.
	sending   bool
	inFlight  bool
	persistQ  []revision.Revision
	persisted uint64
	broken    error
	closed    bool

	syncKick      chan struct{}
	persistKick   chan struct{}
	stopPersist   chan struct{}
	stopSync      context.CancelFunc
	cancelPersist context.CancelFunc
	syncDone      chan struct{}
	persistDone   chan struct{}
}

// pendingRevision is a local revision waiting for its ack. seq identifies
// it across rebases, which renumber the revision itself.
type pendingRevision struct {
	seq uint64
	rev revision.Revision
}

func newSession(id, userID string, tb revision.TieBreak, committed uint64, content ot.Delta, logger *zap.Logger) *Session {
	return &Session{
		id:               id,
		userID:           userID,
		tieBreak:         tb,
		logger:           logger.With(zap.String("doc", id)),
		cursors:          cursor.NewManager(),
		committed:        committed,
		committedContent: content,
		content:          content,
		persisted:        committed,
		syncKick:         make(chan struct{}, 1),
		persistKick:      make(chan struct{}, 1),
		stopPersist:      make(chan struct{}),
		syncDone:         make(chan struct{}),
		persistDone:      make(chan struct{}),
	}
}

// ID returns the document id.
func (s *Session) ID() string { return s.id }

// Cursors returns the cursor registry kept in step with the content.
func (s *Session) Cursors() *cursor.Manager { return s.cursors }

// usable must be called with mu held.
func (s *Session) usable() error {
	if s.closed {
		return errors.Wrapf(ErrClosed, "document %s", s.id)
	}
	if s.broken != nil {
		return s.broken
	}
	return nil
}

// fail marks the session unusable. Must be called with mu held.
func (s *Session) fail(err error) error {
	if errors.Is(err, ErrIntegrity) {
		IntegrityFailures.Inc()
	}
	s.broken = &BrokenError{DocumentID: s.id, Err: err}
	s.logger.Error("document diverged from the revision log", zap.Error(err))
	return s.broken
}

// Err returns the error that broke the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken
}

// Snapshot returns the current content, pending local edits included.
func (s *Session) Snapshot() (ot.Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return ot.Delta{}, err
	}
	return s.content, nil
}

// Committed returns the newest acknowledged revision and its content.
func (s *Session) Committed() (uint64, ot.Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed, s.committedContent
}

// Pending returns a copy of the unacknowledged local revisions.
func (s *Session) Pending() []revision.Revision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingRevisions()
}

func (s *Session) pendingRevisions() []revision.Revision {
	out := make([]revision.Revision, len(s.pending))
	for i, p := range s.pending {
		out[i] = p.rev
	}
	return out
}

// ApplyLocal applies a delta made by the local user and queues the
// resulting revision for sending. It returns without waiting for the send.
func (s *Session) ApplyLocal(d ot.Delta) (revision.Revision, error) {
	if d.IsNoop() {
		return revision.Revision{}, errors.Wrap(ot.ErrInvalidOperation, "empty local delta")
	}
	return s.applyLocal(d)
}

// applyLocal queues d as the next local revision, even when d is empty.
func (s *Session) applyLocal(d ot.Delta) (revision.Revision, error) {
	s.mu.Lock()
	if err := s.usable(); err != nil {
		s.mu.Unlock()
		return revision.Revision{}, err
	}
	next, err := d.Apply(s.content)
	if err != nil {
		s.mu.Unlock()
		return revision.Revision{}, errors.Wrapf(err, "apply local delta to %s", s.id)
	}
	rev := revision.New(s.id, s.userID, s.committed+uint64(len(s.pending)), d, next)
	s.content = next
	s.nextSeq++
	s.pending = append(s.pending, pendingRevision{seq: s.nextSeq, rev: rev})
	s.cursors.Transform(d, s.userID)
	pending := len(s.pending)
	s.mu.Unlock()

	Revisions.WithLabelValues("local").Inc()
	PendingRevisions.Observe(float64(pending))
	s.logger.Debug("local revision", zap.Uint64("rev", rev.RevisionID), zap.Int("pending", pending))
	kick(s.syncKick)
	return rev, nil
}

// ApplyRemote merges a revision committed by another client. The remote
// delta is transformed across the pending local revisions and those are
// rebased onto it, so they can still be acknowledged in order.
func (s *Session) ApplyRemote(rev revision.Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return err
	}
	if rev.DocumentID != s.id {
		return errors.Errorf("session %s: got revision of %s", s.id, rev.DocumentID)
	}
	if rev.RevisionID <= s.committed {
		s.logger.Debug("ignoring known remote revision", zap.Uint64("rev", rev.RevisionID))
		return nil
	}
	if rev.BaseRevision != s.committed || rev.RevisionID != s.committed+1 {
		return errors.Wrapf(revision.ErrOutOfOrder, "session %s at %d: remote %s", s.id, s.committed, rev)
	}
	if s.isOwnHead(rev) {
		// Our revision came back through a catch-up; its ack was lost.
		return s.commitHead(rev)
	}

	committedContent, err := revision.Apply(s.committedContent, rev)
	if err != nil {
		return s.fail(err)
	}

	remote := rev.Delta
	rebased := make([]ot.Delta, len(s.pending))
	for i, p := range s.pending {
		pOut, rOut, err := s.tieBreak.Rebase(remote, p.rev.Delta)
		if err != nil {
			return s.fail(err)
		}
		rebased[i], remote = pOut, rOut
	}

	content := committedContent
	pending := make([]pendingRevision, len(rebased))
	for i, d := range rebased {
		if content, err = d.Apply(content); err != nil {
			return s.fail(err)
		}
		pending[i] = pendingRevision{
			seq: s.pending[i].seq,
			rev: revision.New(s.id, s.pending[i].rev.UserID, rev.RevisionID+uint64(i), d, content),
		}
	}

	// remote now applies on top of the old content, where cursors live.
	s.cursors.Transform(remote, rev.UserID)
	s.committed, s.committedContent = rev.RevisionID, committedContent
	s.content, s.pending = content, pending
	s.enqueuePersist(rev)

	Revisions.WithLabelValues("remote").Inc()
	s.logger.Debug("remote revision", zap.Uint64("rev", rev.RevisionID), zap.String("user", rev.UserID),
		zap.Int("rebased", len(pending)))
	return nil
}

// ApplyAck commits the oldest pending revision. ack is the revision as the
// server stored it; its checksum must match the local result.
func (s *Session) ApplyAck(ack revision.Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return err
	}
	if ack.RevisionID <= s.committed {
		s.logger.Debug("ignoring known ack", zap.Uint64("rev", ack.RevisionID))
		return nil
	}
	if len(s.pending) == 0 || ack.RevisionID != s.committed+1 {
		return errors.Wrapf(revision.ErrOutOfOrder, "session %s at %d with %d pending: ack %s",
			s.id, s.committed, len(s.pending), ack)
	}
	return s.commitHead(ack)
}

// isOwnHead reports whether rev is the pending head as the server stored
// it. Must be called with mu held.
func (s *Session) isOwnHead(rev revision.Revision) bool {
	if len(s.pending) == 0 || rev.UserID != s.userID {
		return false
	}
	head, err := s.pending[0].rev.Delta.Apply(s.committedContent)
	return err == nil && revision.ChecksumOf(head) == rev.Checksum
}

// commitHead moves the pending head into the committed state, verified
// against the checksum the server reported. Must be called with mu held.
func (s *Session) commitHead(ack revision.Revision) error {
	head := s.pending[0].rev
	if !ack.Checksum.IsZero() {
		head.Checksum = ack.Checksum
	}
	committedContent, err := revision.Apply(s.committedContent, head)
	if err != nil {
		return s.fail(err)
	}
	s.committed, s.committedContent = head.RevisionID, committedContent
	s.pending = s.pending[1:]
	s.inFlight = false
	s.enqueuePersist(head)
	kick(s.syncKick)

	Revisions.WithLabelValues("ack").Inc()
	s.logger.Debug("revision acknowledged", zap.Uint64("rev", head.RevisionID), zap.Int("pending", len(s.pending)))
	return nil
}

// enqueuePersist must be called with mu held.
func (s *Session) enqueuePersist(rev revision.Revision) {
	s.persistQ = append(s.persistQ, rev)
	kick(s.persistKick)
}

// close stops the background work, waiting for committed revisions to be
// stored. Pending local revisions are reported, not silently dropped.
func (s *Session) close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.Wrapf(ErrClosed, "document %s", s.id)
	}
	s.closed = true
	pending := s.pendingRevisions()
	s.mu.Unlock()

	s.stopSync()
	close(s.stopPersist)
	<-s.syncDone
	select {
	case <-s.persistDone:
	case <-ctx.Done():
		s.cancelPersist()
		<-s.persistDone
		return errors.Wrapf(ctx.Err(), "close %s before its revisions were stored", s.id)
	}
	s.cancelPersist()

	if len(pending) > 0 {
		s.logger.Warn("closing with unsynced revisions", zap.Int("pending", len(pending)))
		return &UnsyncedEditsError{DocumentID: s.id, Revisions: pending}
	}
	return nil
}

// cacheable returns the state worth keeping after close: fully stored and
// never diverged.
func (s *Session) cacheable() (snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken != nil || s.persisted != s.committed {
		return snapshot{}, false
	}
	return snapshot{committed: s.committed, content: s.committedContent}, true
}

func kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
