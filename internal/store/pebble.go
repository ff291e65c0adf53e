// internal/store/pebble.go
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pkg/errors"

	"github.com/softwarefaith/appflowy/pkg/revision"
)

// Key layout:
//
//	'r' docID 0x00 revID(8 bytes, big endian) -> revision JSON
//	'm' key                                   -> value
const (
	revPrefix  = 'r'
	metaPrefix = 'm'
)

var writeOptions = pebble.WriteOptions{Sync: true}

// PebbleStore is an embedded on-disk store.
type PebbleStore struct {
	db *pebble.DB
	// serializes the head check and the write of Append
	mu sync.Mutex
}

// OpenPebble opens (or creates) a store under path. A nil fs means the
// real filesystem.
func OpenPebble(path string, fs vfs.FS) (*PebbleStore, error) {
	opts := &pebble.Options{FS: fs}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble at %s", path)
	}
	return &PebbleStore{db: db}, nil
}

func docPrefix(docID string) []byte {
	k := make([]byte, 0, len(docID)+2)
	k = append(k, revPrefix)
	k = append(k, docID...)
	return append(k, 0)
}

func revKey(docID string, rev uint64) []byte {
	return binary.BigEndian.AppendUint64(docPrefix(docID), rev)
}

// docBounds returns the key range holding every revision of docID.
func docBounds(docID string) (lower, upper []byte) {
	lower = docPrefix(docID)
	upper = append([]byte(nil), lower...)
	upper[len(upper)-1] = 1
	return lower, upper
}

func metaKey(key string) []byte {
	return append([]byte{metaPrefix}, key...)
}

func validDocID(docID string) error {
	if docID == "" || strings.IndexByte(docID, 0) >= 0 {
		return errors.Errorf("store: invalid document id %q", docID)
	}
	return nil
}

func (s *PebbleStore) head(docID string) (uint64, error) {
	lower, upper := docBounds(docID)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return 0, err
	}
	defer it.Close()
	if !it.Last() {
		return 0, errors.Wrapf(ErrNotFound, "document %s", docID)
	}
	return binary.BigEndian.Uint64(it.Key()[len(lower):]), nil
}

func (s *PebbleStore) Append(ctx context.Context, rev revision.Revision) error {
	if err := validDocID(rev.DocumentID); err != nil {
		return err
	}
	data, err := json.Marshal(rev)
	if err != nil {
		return errors.Wrap(err, "encode revision")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	head, err := s.head(rev.DocumentID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := checkNext(head, rev); err != nil {
		return err
	}
	return s.db.Set(revKey(rev.DocumentID, rev.RevisionID), data, &writeOptions)
}

func (s *PebbleStore) Revisions(ctx context.Context, docID string, from uint64) ([]revision.Revision, error) {
	lower, upper := docBounds(docID)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	if !it.First() {
		return nil, errors.Wrapf(ErrNotFound, "document %s", docID)
	}
	var out []revision.Revision
	for ok := it.SeekGE(revKey(docID, from+1)); ok; ok = it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var rev revision.Revision
		if err := json.Unmarshal(it.Value(), &rev); err != nil {
			return nil, errors.Wrapf(err, "decode revision %x", it.Key())
		}
		out = append(out, rev)
	}
	return out, it.Error()
}

func (s *PebbleStore) Head(ctx context.Context, docID string) (uint64, error) {
	return s.head(docID)
}

func (s *PebbleStore) Delete(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.head(docID); err != nil {
		return err
	}
	lower, upper := docBounds(docID)
	return s.db.DeleteRange(lower, upper, &writeOptions)
}

func (s *PebbleStore) GetMeta(ctx context.Context, key string) (string, error) {
	v, closer, err := s.db.Get(metaKey(key))
	if err == pebble.ErrNotFound {
		return "", errors.Wrapf(ErrNotFound, "meta %s", key)
	}
	if err != nil {
		return "", err
	}
	defer closer.Close()
	return string(v), nil
}

func (s *PebbleStore) SetMeta(ctx context.Context, key, value string) error {
	return s.db.Set(metaKey(key), []byte(value), &writeOptions)
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
