// Package revision defines the numbered, checksummed unit in which deltas are
// persisted and exchanged, and the replay of a revision log into a document.
package revision

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/softwarefaith/appflowy/pkg/ot"
)

var (
	// ErrIntegrity means a replayed or received revision does not reproduce
	// its recorded checksum. The document must be reloaded from the log.
	ErrIntegrity = errors.New("revision: integrity check failed")
	// ErrOutOfOrder means revisions are not a gap-free ascending sequence.
	ErrOutOfOrder = errors.New("revision: sequence gap")
)

// Checksum is the MD5 digest of a document's JSON form.
type Checksum [md5.Size]byte

// ChecksumOf returns the checksum of doc.
func ChecksumOf(doc ot.Delta) Checksum {
	data, err := json.Marshal(doc)
	if err != nil {
		panic(fmt.Sprintf("revision: encode document: %v", err))
	}
	return md5.Sum(data)
}

func (c Checksum) String() string { return hex.EncodeToString(c[:]) }

// IsZero reports whether c was never set.
func (c Checksum) IsZero() bool { return c == Checksum{} }

// MarshalText encodes the checksum as hex.
func (c Checksum) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText decodes a hex checksum.
func (c *Checksum) UnmarshalText(text []byte) error {
	if len(text) != hex.EncodedLen(md5.Size) {
		return errors.Errorf("revision: checksum %q has wrong length", text)
	}
	_, err := hex.Decode(c[:], text)
	return errors.Wrap(err, "revision: decode checksum")
}

// Revision is one immutable entry of a document's log. RevisionID is always
// BaseRevision+1; revision 0 is the empty document.
type Revision struct {
	DocumentID   string   `json:"doc_id"`
	BaseRevision uint64   `json:"base_revision"`
	RevisionID   uint64   `json:"rev_id"`
	UserID       string   `json:"user_id,omitempty"`
	Delta        ot.Delta `json:"delta"`
	Checksum     Checksum `json:"md5"`
}

// New returns the revision that follows base and produces doc.
func New(docID, userID string, base uint64, delta ot.Delta, doc ot.Delta) Revision {
	return Revision{
		DocumentID:   docID,
		BaseRevision: base,
		RevisionID:   base + 1,
		UserID:       userID,
		Delta:        delta,
		Checksum:     ChecksumOf(doc),
	}
}

// Initial returns revision 1 of a document whose content is doc.
func Initial(docID, userID string, doc ot.Delta) Revision {
	return New(docID, userID, 0, doc, doc)
}

func (r Revision) String() string {
	return fmt.Sprintf("%s@%d(base %d, %s)", r.DocumentID, r.RevisionID, r.BaseRevision, r.Checksum)
}

// IntegrityError reports a checksum mismatch after applying a revision.
type IntegrityError struct {
	DocumentID string
	RevisionID uint64
	Want       Checksum
	Got        Checksum
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("revision: %s@%d checksum %s, computed %s", e.DocumentID, e.RevisionID, e.Want, e.Got)
}

// Is matches ErrIntegrity.
func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

// Verify checks that doc matches the checksum recorded on r.
func Verify(r Revision, doc ot.Delta) error {
	if got := ChecksumOf(doc); got != r.Checksum {
		return &IntegrityError{DocumentID: r.DocumentID, RevisionID: r.RevisionID, Want: r.Checksum, Got: got}
	}
	return nil
}

// Apply applies r onto doc and verifies the result.
func Apply(doc ot.Delta, r Revision) (ot.Delta, error) {
	next, err := r.Delta.Apply(doc)
	if err != nil {
		return ot.Delta{}, errors.Wrapf(err, "apply %s", r)
	}
	if err := Verify(r, next); err != nil {
		return ot.Delta{}, err
	}
	return next, nil
}

// Replay folds revs onto doc, which is the content at revision from. revs
// must continue from exactly that revision without gaps.
func Replay(doc ot.Delta, from uint64, revs []Revision) (ot.Delta, uint64, error) {
	head := from
	for _, r := range revs {
		if r.BaseRevision != head || r.RevisionID != head+1 {
			return ot.Delta{}, head, errors.Wrapf(ErrOutOfOrder, "expected base %d, got %s", head, r)
		}
		next, err := Apply(doc, r)
		if err != nil {
			return ot.Delta{}, head, err
		}
		doc, head = next, r.RevisionID
	}
	return doc, head, nil
}
