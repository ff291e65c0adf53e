// internal/store/store.go
package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/softwarefaith/appflowy/pkg/revision"
)

var (
	// ErrNotFound is returned for documents or keys absent from the store.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a revision id is already taken, usually
	// because another writer committed first.
	ErrConflict = errors.New("store: revision conflict")
)

// Metadata key under which the last opened document id is kept.
const KeyLatestVisited = "latest_visited_doc"

// RevisionLog is the authoritative, append-only log of a document's
// revisions.
type RevisionLog interface {
	// Append stores rev, which must be the revision right after the current
	// head. Revision 1 creates the document.
	Append(ctx context.Context, rev revision.Revision) error
	// Revisions returns the revisions with an id greater than from, in order.
	Revisions(ctx context.Context, docID string, from uint64) ([]revision.Revision, error)
	// Head returns the id of the newest revision.
	Head(ctx context.Context, docID string) (uint64, error)
	// Delete drops the document's whole log.
	Delete(ctx context.Context, docID string) error
}

// Metadata is a small key/value area next to the revision log.
type Metadata interface {
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
}

// Store bundles the log and its metadata behind one backend.
type Store interface {
	RevisionLog
	Metadata
	Close() error
}

// checkNext validates that rev continues a log whose head is head.
func checkNext(head uint64, rev revision.Revision) error {
	if rev.RevisionID != rev.BaseRevision+1 {
		return errors.Wrapf(revision.ErrOutOfOrder, "%s: rev_id must follow base_revision", rev)
	}
	if rev.RevisionID <= head {
		return errors.Wrapf(ErrConflict, "%s: head is %d", rev, head)
	}
	if rev.RevisionID > head+1 {
		return errors.Wrapf(revision.ErrOutOfOrder, "%s: head is %d", rev, head)
	}
	return nil
}
