// internal/session/errors.go
package session

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/softwarefaith/appflowy/pkg/revision"
)

var (
	// ErrIntegrity means the content of a session diverged from the log.
	ErrIntegrity = revision.ErrIntegrity
	// ErrBroken marks a session that refuses further work until it is
	// reloaded. Every error that breaks a session matches it.
	ErrBroken = errors.New("session: must be reloaded")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session: closed")
	// ErrUnsyncedEdits is matched by the error Close returns when local
	// revisions were never acknowledged.
	ErrUnsyncedEdits = errors.New("session: unsynced edits discarded")
	// ErrTransport wraps failures reported by the Transport.
	ErrTransport = errors.New("session: transport failure")
)

// IntegrityError carries the mismatching checksums.
type IntegrityError = revision.IntegrityError

// UnsyncedEditsError lists the local revisions that were dropped on close.
type UnsyncedEditsError struct {
	DocumentID string
	Revisions  []revision.Revision
}

func (e *UnsyncedEditsError) Error() string {
	return fmt.Sprintf("session: %s closed with %d unsynced revision(s)", e.DocumentID, len(e.Revisions))
}

// Is matches ErrUnsyncedEdits.
func (e *UnsyncedEditsError) Is(target error) bool { return target == ErrUnsyncedEdits }

// TransportError wraps a failed Send.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "session: transport failure: " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// Is matches ErrTransport.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// BrokenError wraps the failure that broke the session of DocumentID.
type BrokenError struct {
	DocumentID string
	Err        error
}

func (e *BrokenError) Error() string {
	return fmt.Sprintf("session: %s must be reloaded: %v", e.DocumentID, e.Err)
}

func (e *BrokenError) Unwrap() error { return e.Err }

// Is matches ErrBroken.
func (e *BrokenError) Is(target error) bool { return target == ErrBroken }
