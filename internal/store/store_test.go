package store

import (
	"context"
	"os"
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softwarefaith/appflowy/pkg/ot"
	"github.com/softwarefaith/appflowy/pkg/revision"
)

// revisionsOf builds a valid log of docID from the given deltas.
func revisionsOf(t *testing.T, docID string, deltas ...ot.Delta) []revision.Revision {
	t.Helper()
	var doc ot.Delta
	out := make([]revision.Revision, 0, len(deltas))
	for i, d := range deltas {
		next, err := d.Apply(doc)
		require.NoError(t, err)
		out = append(out, revision.New(docID, "tester", uint64(i), d, next))
		doc = next
	}
	return out
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("AppendAndRead", func(t *testing.T) {
		s := newStore(t)
		docID := uuid.NewString()
		revs := revisionsOf(t, docID,
			ot.FromText("abc"),
			ot.New(ot.Retain(3, nil), ot.Insert("d", nil)),
			ot.New(ot.Retain(1, ot.NewAttributes(ot.Attr{Key: "bold", Value: ot.Bool(true)}))),
		)
		for _, r := range revs {
			require.NoError(t, s.Append(ctx, r))
		}

		head, err := s.Head(ctx, docID)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), head)

		all, err := s.Revisions(ctx, docID, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		for i := range revs {
			assert.Equal(t, revs[i].RevisionID, all[i].RevisionID)
			assert.Equal(t, revs[i].Checksum, all[i].Checksum)
			assert.True(t, revs[i].Delta.Equal(all[i].Delta), "rev %d", i+1)
		}

		tail, err := s.Revisions(ctx, docID, 2)
		require.NoError(t, err)
		require.Len(t, tail, 1)
		assert.Equal(t, uint64(3), tail[0].RevisionID)

		none, err := s.Revisions(ctx, docID, 3)
		require.NoError(t, err)
		assert.Empty(t, none)

		doc, _, err := revision.Replay(ot.Delta{}, 0, all)
		require.NoError(t, err)
		assert.Equal(t, "abcd", doc.Text())
	})

	t.Run("Conflict", func(t *testing.T) {
		s := newStore(t)
		docID := uuid.NewString()
		revs := revisionsOf(t, docID, ot.FromText("a"), ot.New(ot.Insert("b", nil)))
		require.NoError(t, s.Append(ctx, revs[0]))
		require.NoError(t, s.Append(ctx, revs[1]))

		err := s.Append(ctx, revs[1])
		assert.ErrorIs(t, err, ErrConflict)

		gap := revision.New(docID, "tester", 5, ot.New(ot.Insert("x", nil)), ot.FromText("x"))
		err = s.Append(ctx, gap)
		assert.ErrorIs(t, err, revision.ErrOutOfOrder)
	})

	t.Run("NotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Head(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Revisions(ctx, "missing", 0)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "missing"), ErrNotFound)
		_, err = s.GetMeta(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		keep, drop := uuid.NewString(), uuid.NewString()
		require.NoError(t, s.Append(ctx, revisionsOf(t, keep, ot.FromText("k"))[0]))
		require.NoError(t, s.Append(ctx, revisionsOf(t, drop, ot.FromText("d"))[0]))

		require.NoError(t, s.Delete(ctx, drop))
		_, err := s.Head(ctx, drop)
		assert.ErrorIs(t, err, ErrNotFound)
		head, err := s.Head(ctx, keep)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), head)

		// The id can be reused afterwards.
		require.NoError(t, s.Append(ctx, revisionsOf(t, drop, ot.FromText("again"))[0]))
	})

	t.Run("Metadata", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SetMeta(ctx, KeyLatestVisited, "doc-1"))
		require.NoError(t, s.SetMeta(ctx, KeyLatestVisited, "doc-2"))
		v, err := s.GetMeta(ctx, KeyLatestVisited)
		require.NoError(t, err)
		assert.Equal(t, "doc-2", v)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestPebbleStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := OpenPebble("revisions", vfs.NewMem())
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestPebbleStoreReopen(t *testing.T) {
	ctx := context.Background()
	fs := vfs.NewMem()
	s, err := OpenPebble("revisions", fs)
	require.NoError(t, err)
	revs := revisionsOf(t, "doc", ot.FromText("a"), ot.New(ot.Insert("b", nil)))
	for _, r := range revs {
		require.NoError(t, s.Append(ctx, r))
	}
	require.NoError(t, s.Close())

	s, err = OpenPebble("revisions", fs)
	require.NoError(t, err)
	defer s.Close()
	head, err := s.Head(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), head)
}

func TestPebbleRejectsNulInDocID(t *testing.T) {
	s, err := OpenPebble("revisions", vfs.NewMem())
	require.NoError(t, err)
	defer s.Close()
	rev := revision.Initial("a\x00b", "", ot.FromText("x"))
	assert.Error(t, s.Append(context.Background(), rev))
}

// Runs against a real database when DATABASE_URL is set.
func TestSQLStore(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	for _, driver := range []string{"postgres", "pgx"} {
		t.Run(driver, func(t *testing.T) {
			runStoreSuite(t, func(t *testing.T) Store {
				s, err := OpenSQL(context.Background(), driver, dsn)
				require.NoError(t, err)
				t.Cleanup(func() { s.Close() })
				return s
			})
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	assert.True(t, isUniqueViolation(errors.Wrap(&pgconn.PgError{Code: "23505"}, "insert")))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
	assert.False(t, isUniqueViolation(nil))
}

func TestPebbleCollector(t *testing.T) {
	s, err := OpenPebble("revisions", vfs.NewMem())
	require.NoError(t, err)
	defer s.Close()

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(s.Collector()))
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 4)
}
