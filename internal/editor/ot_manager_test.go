package editor

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/softwarefaith/appflowy/internal/store"
	"github.com/softwarefaith/appflowy/pkg/ot"
	"github.com/softwarefaith/appflowy/pkg/revision"
)

type delivered struct {
	mu   sync.Mutex
	revs []revision.Revision
	from []string
}

func (d *delivered) deliver(rev revision.Revision, authorID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.revs = append(d.revs, rev)
	d.from = append(d.from, authorID)
}

func submission(base uint64, d ot.Delta) revision.Revision {
	return revision.Revision{DocumentID: "doc", BaseRevision: base, RevisionID: base + 1, UserID: "u", Delta: d}
}

func newLoadedManager(t *testing.T, log store.RevisionLog, limit int, d *delivered) *OTManager {
	t.Helper()
	var deliver Delivery
	if d != nil {
		deliver = d.deliver
	}
	m := NewOTManager("doc", log, revision.LocalFirst, limit, deliver, zaptest.NewLogger(t))
	require.NoError(t, m.Load(context.Background()))
	return m
}

func TestSubmitAtHead(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	d := &delivered{}
	m := newLoadedManager(t, st, 0, d)

	var acked revision.Revision
	committed, err := m.Submit(ctx, "c1", submission(0, ot.FromText("hello")), func(r revision.Revision) { acked = r })
	require.NoError(t, err)

	assert.Equal(t, uint64(1), committed.RevisionID)
	assert.Equal(t, committed, acked)
	assert.Equal(t, []string{"c1"}, d.from)

	head, content := m.Snapshot()
	assert.Equal(t, uint64(1), head)
	assert.Equal(t, "hello", content.Text())
	assert.NoError(t, revision.Verify(committed, content))

	stored, err := st.Head(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stored)
}

func TestLateSubmissionIsRebased(t *testing.T) {
	ctx := context.Background()
	m := newLoadedManager(t, store.NewMemoryStore(), 0, nil)

	_, err := m.Submit(ctx, "c1", submission(0, ot.FromText("abc")), nil)
	require.NoError(t, err)
	_, err = m.Submit(ctx, "c1", submission(1, ot.New(ot.Retain(1, nil), ot.Insert("X", nil))), nil)
	require.NoError(t, err)

	// Written against "abc" without knowing about the X.
	late, err := m.Submit(ctx, "c2", submission(1, ot.New(ot.Retain(2, nil), ot.Insert("Y", nil))), nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(2), late.BaseRevision)
	assert.Equal(t, uint64(3), late.RevisionID)
	_, content := m.Snapshot()
	assert.Equal(t, "aXbYc", content.Text())
}

func TestRebaseReadsLogBeyondHistory(t *testing.T) {
	ctx := context.Background()
	m := newLoadedManager(t, store.NewMemoryStore(), 1, nil)

	for i, text := range []string{"a", "b", "c"} {
		_, err := m.Submit(ctx, "c1", submission(uint64(i), ot.New(ot.Retain(i, nil), ot.Insert(text, nil))), nil)
		require.NoError(t, err)
	}
	_, err := m.Submit(ctx, "c2", submission(0, ot.FromText(">")), nil)
	require.NoError(t, err)

	head, content := m.Snapshot()
	assert.Equal(t, uint64(4), head)
	assert.Equal(t, ">abc", content.Text())
}

func TestSubmitAheadOfHead(t *testing.T) {
	m := newLoadedManager(t, store.NewMemoryStore(), 0, nil)

	_, err := m.Submit(context.Background(), "c1", submission(5, ot.FromText("x")), nil)
	assert.True(t, errors.Is(err, ErrRevisionAhead))
}

func TestSubmitRejectsForeignDocument(t *testing.T) {
	m := newLoadedManager(t, store.NewMemoryStore(), 0, nil)

	rev := submission(0, ot.FromText("x"))
	rev.DocumentID = "other"
	_, err := m.Submit(context.Background(), "c1", rev, nil)
	assert.Error(t, err)
}

func TestInstancesSharingLogConverge(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	d := &delivered{}
	one := newLoadedManager(t, st, 0, nil)
	two := newLoadedManager(t, st, 0, d)

	_, err := one.Submit(ctx, "c1", submission(0, ot.FromText("a")), nil)
	require.NoError(t, err)

	// two has not seen revision 1; the log refuses its append and it
	// catches up before retrying.
	committed, err := two.Submit(ctx, "c2", submission(0, ot.FromText("b")), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), committed.RevisionID)

	_, content := two.Snapshot()
	assert.Equal(t, "ba", content.Text())
	assert.Equal(t, []string{"", "c2"}, d.from)

	require.NoError(t, one.Observe(ctx, committed))
	head, mirror := one.Snapshot()
	assert.Equal(t, uint64(2), head)
	assert.True(t, content.Equal(mirror))
}

func TestObserveGapReadsLog(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	one := newLoadedManager(t, st, 0, nil)
	two := newLoadedManager(t, st, 0, nil)

	_, err := one.Submit(ctx, "c1", submission(0, ot.FromText("a")), nil)
	require.NoError(t, err)
	second, err := one.Submit(ctx, "c1", submission(1, ot.New(ot.Retain(1, nil), ot.Insert("b", nil))), nil)
	require.NoError(t, err)

	require.NoError(t, two.Observe(ctx, second))
	head, content := two.Snapshot()
	assert.Equal(t, uint64(2), head)
	assert.Equal(t, "ab", content.Text())

	// Already applied.
	require.NoError(t, two.Observe(ctx, second))
	head, _ = two.Snapshot()
	assert.Equal(t, uint64(2), head)
}

func TestAttachCatchUp(t *testing.T) {
	ctx := context.Background()
	m := newLoadedManager(t, store.NewMemoryStore(), 0, nil)
	for i, text := range []string{"a", "b", "c"} {
		_, err := m.Submit(ctx, "c1", submission(uint64(i), ot.New(ot.Retain(i, nil), ot.Insert(text, nil))), nil)
		require.NoError(t, err)
	}

	var head uint64
	var revs []revision.Revision
	require.NoError(t, m.Attach(ctx, 1, func(h uint64, r []revision.Revision) {
		head, revs = h, r
	}))
	assert.Equal(t, uint64(3), head)
	require.Len(t, revs, 2)
	assert.Equal(t, uint64(2), revs[0].RevisionID)
	assert.Equal(t, uint64(3), revs[1].RevisionID)

	require.NoError(t, m.Attach(ctx, 3, func(h uint64, r []revision.Revision) {
		head, revs = h, r
	}))
	assert.Empty(t, revs)

	err := m.Attach(ctx, 4, func(uint64, []revision.Revision) {})
	assert.True(t, errors.Is(err, ErrRevisionAhead))
}

func TestLoadReplaysLog(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	m := newLoadedManager(t, st, 0, nil)
	_, err := m.Submit(ctx, "c1", submission(0, ot.FromText("persisted")), nil)
	require.NoError(t, err)

	reloaded := newLoadedManager(t, st, 0, nil)
	head, content := reloaded.Snapshot()
	assert.Equal(t, uint64(1), head)
	assert.Equal(t, "persisted", content.Text())
}

func TestResubmissionIsNotCommittedTwice(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	d := &delivered{}
	m := newLoadedManager(t, st, 0, d)

	_, err := m.Submit(ctx, "c1", submission(0, ot.FromText("ab")), nil)
	require.NoError(t, err)
	rev := submission(1, ot.New(ot.Retain(2, nil), ot.Insert("!", nil)))
	first, err := m.Submit(ctx, "c1", rev, nil)
	require.NoError(t, err)
	_, err = m.Submit(ctx, "c2", revision.Revision{
		DocumentID: "doc", BaseRevision: 2, RevisionID: 3, UserID: "other", Delta: ot.FromText(">"),
	}, nil)
	require.NoError(t, err)

	// The ack of first got lost and the client sends it again.
	var acked revision.Revision
	again, err := m.Submit(ctx, "c1", rev, func(r revision.Revision) { acked = r })
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, first, acked)

	head, content := m.Snapshot()
	assert.Equal(t, uint64(3), head)
	assert.Equal(t, ">ab!", content.Text())
	assert.Len(t, d.revs, 3)
}
