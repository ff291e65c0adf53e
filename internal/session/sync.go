// internal/session/sync.go
package session

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/softwarefaith/appflowy/internal/store"
	"github.com/softwarefaith/appflowy/pkg/revision"
)

// RetryOptions shape the exponential backoff of sends and local writes.
// A zero MaxElapsedTime retries until the session closes.
type RetryOptions struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

func (o RetryOptions) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if o.InitialInterval > 0 {
		b.InitialInterval = o.InitialInterval
	}
	if o.MaxInterval > 0 {
		b.MaxInterval = o.MaxInterval
	}
	b.MaxElapsedTime = o.MaxElapsedTime
	return b
}

// start launches the syncer and the persister.
func (s *Session) start(parent context.Context, tr Transport, log store.RevisionLog, retry RetryOptions) {
	syncCtx, stopSync := context.WithCancel(parent)
	persistCtx, cancelPersist := context.WithCancel(parent)
	s.stopSync, s.cancelPersist = stopSync, cancelPersist

	go s.runSyncer(syncCtx, tr, retry)
	go s.runPersister(persistCtx, log, retry)
	kick(s.syncKick)
}

// nextToSend hands out the oldest pending revision unless one is already
// being sent or waiting for its ack.
func (s *Session) nextToSend() (pendingRevision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.broken != nil || s.sending || s.inFlight || len(s.pending) == 0 {
		return pendingRevision{}, false
	}
	s.sending = true
	return s.pending[0], true
}

// sent records the outcome of a send. A delivered head waits for its ack
// unless the ack already arrived while Send was running.
func (s *Session) sent(seq uint64, delivered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sending = false
	if delivered && len(s.pending) > 0 && s.pending[0].seq == seq {
		s.inFlight = true
	}
}

// Resend forgets that the pending head was delivered so it is sent again,
// e.g. once a reconnected transport has caught up.
func (s *Session) Resend() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
	kick(s.syncKick)
}

func (s *Session) runSyncer(ctx context.Context, tr Transport, retry RetryOptions) {
	defer close(s.syncDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.syncKick:
		}

		for {
			p, ok := s.nextToSend()
			if !ok {
				break
			}
			err := s.send(ctx, tr, p.rev, retry)
			s.sent(p.seq, err == nil)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("giving up on revision", zap.Uint64("rev", p.rev.RevisionID), zap.Error(err))
				break
			}
		}
	}
}

// send delivers rev, retrying the same immutable value.
func (s *Session) send(ctx context.Context, tr Transport, rev revision.Revision, retry RetryOptions) error {
	var permanent error
	op := func() error {
		err := tr.Send(ctx, rev)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			permanent = err
			return backoff.Permanent(err)
		}
		return &TransportError{Err: err}
	}
	notify := func(err error, next time.Duration) {
		SendRetries.Inc()
		s.logger.Warn("send failed, retrying", zap.Uint64("rev", rev.RevisionID),
			zap.Duration("backoff", next), zap.Error(err))
	}
	err := backoff.RetryNotify(op, backoff.WithContext(retry.newBackOff(), ctx), notify)
	if permanent != nil {
		return permanent
	}
	return err
}

func (s *Session) runPersister(ctx context.Context, log store.RevisionLog, retry RetryOptions) {
	defer close(s.persistDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.persistKick:
			s.flush(ctx, log, retry)
		case <-s.stopPersist:
			s.flush(ctx, log, retry)
			return
		}
	}
}

// flush writes queued committed revisions to the local log, in order.
func (s *Session) flush(ctx context.Context, log store.RevisionLog, retry RetryOptions) {
	for {
		s.mu.Lock()
		if len(s.persistQ) == 0 {
			s.mu.Unlock()
			return
		}
		rev := s.persistQ[0]
		s.mu.Unlock()

		var permanent error
		op := func() error {
			err := log.Append(ctx, rev)
			if errors.Is(err, store.ErrConflict) || errors.Is(err, revision.ErrOutOfOrder) {
				permanent = err
				return backoff.Permanent(err)
			}
			return err
		}
		notify := func(err error, next time.Duration) {
			s.logger.Warn("storing revision failed, retrying", zap.Uint64("rev", rev.RevisionID),
				zap.Duration("backoff", next), zap.Error(err))
		}
		err := backoff.RetryNotify(op, backoff.WithContext(retry.newBackOff(), ctx), notify)
		switch {
		case permanent != nil && errors.Is(permanent, store.ErrConflict):
			s.logger.Debug("revision already stored", zap.Uint64("rev", rev.RevisionID))
		case permanent != nil:
			s.logger.Error("revision does not continue the local log", zap.Uint64("rev", rev.RevisionID), zap.Error(permanent))
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("dropping revision after retries", zap.Uint64("rev", rev.RevisionID), zap.Error(err))
		}

		s.mu.Lock()
		s.persistQ = s.persistQ[1:]
		if err == nil || (permanent != nil && errors.Is(permanent, store.ErrConflict)) {
			s.persisted = rev.RevisionID
		}
		s.mu.Unlock()
	}
}
