package revision

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softwarefaith/appflowy/pkg/ot"
)

func buildLog(t *testing.T, docID string, deltas ...ot.Delta) ([]Revision, ot.Delta) {
	t.Helper()
	var doc ot.Delta
	var revs []Revision
	for i, d := range deltas {
		next, err := d.Apply(doc)
		require.NoError(t, err)
		revs = append(revs, New(docID, "u1", uint64(i), d, next))
		doc = next
	}
	return revs, doc
}

func TestReplay(t *testing.T) {
	revs, want := buildLog(t, "doc",
		ot.FromText("hello"),
		ot.New(ot.Retain(5, nil), ot.Insert(" world", nil)),
		ot.New(ot.Delete(1), ot.Insert("H", nil)),
	)

	doc, head, err := Replay(ot.Delta{}, 0, revs)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), head)
	assert.Equal(t, "Hello world", doc.Text())
	assert.True(t, want.Equal(doc))
	assert.Equal(t, revs[2].Checksum, ChecksumOf(doc))

	// Replaying a tail from a known snapshot.
	mid, _, err := Replay(ot.Delta{}, 0, revs[:1])
	require.NoError(t, err)
	doc, head, err = Replay(mid, 1, revs[1:])
	require.NoError(t, err)
	assert.Equal(t, uint64(3), head)
	assert.Equal(t, "Hello world", doc.Text())
}

func TestReplayGap(t *testing.T) {
	revs, _ := buildLog(t, "doc", ot.FromText("a"), ot.New(ot.Insert("b", nil)), ot.New(ot.Insert("c", nil)))
	_, head, err := Replay(ot.Delta{}, 0, []Revision{revs[0], revs[2]})
	require.ErrorIs(t, err, ErrOutOfOrder)
	assert.Equal(t, uint64(1), head)
}

func TestReplayChecksumMismatch(t *testing.T) {
	revs, _ := buildLog(t, "doc", ot.FromText("a"), ot.New(ot.Insert("b", nil)))
	revs[1].Checksum = ChecksumOf(ot.FromText("zzz"))

	_, _, err := Replay(ot.Delta{}, 0, revs)
	require.ErrorIs(t, err, ErrIntegrity)
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, uint64(2), ie.RevisionID)
}

func TestReplayLengthMismatch(t *testing.T) {
	bad := New("doc", "", 0, ot.New(ot.Retain(3, nil), ot.Insert("x", nil)), ot.FromText("x"))
	_, _, err := Replay(ot.Delta{}, 0, []Revision{bad})
	require.ErrorIs(t, err, ot.ErrLengthMismatch)
}

func TestRevisionJSONRoundTrip(t *testing.T) {
	doc := ot.New(ot.Insert("hi", ot.NewAttributes(ot.Attr{Key: "bold", Value: ot.Bool(true)})))
	r := Initial("doc-1", "user-1", doc)

	data, err := json.Marshal(r)
	require.NoError(t, err)
	var back Revision
	require.NoError(t, json.Unmarshal(data, &back))

	assert.Equal(t, r.DocumentID, back.DocumentID)
	assert.Equal(t, r.BaseRevision, back.BaseRevision)
	assert.Equal(t, r.RevisionID, back.RevisionID)
	assert.Equal(t, r.UserID, back.UserID)
	assert.Equal(t, r.Checksum, back.Checksum)
	assert.True(t, r.Delta.Equal(back.Delta))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, r.Checksum.String(), raw["md5"])
	assert.EqualValues(t, 0, raw["base_revision"])
}

func TestChecksumText(t *testing.T) {
	var c Checksum
	assert.True(t, c.IsZero())
	assert.Error(t, c.UnmarshalText([]byte("abc")))
	assert.Error(t, c.UnmarshalText([]byte("zz000000000000000000000000000000")))

	want := ChecksumOf(ot.FromText("x"))
	text, err := want.MarshalText()
	require.NoError(t, err)
	require.NoError(t, c.UnmarshalText(text))
	assert.Equal(t, want, c)
}

func TestTieBreakRebaseConverges(t *testing.T) {
	base := ot.FromText("abc")
	committed := ot.New(ot.Retain(1, nil), ot.Insert("R", nil))
	pending := ot.New(ot.Retain(1, nil), ot.Insert("L", nil))

	for _, tb := range []TieBreak{LocalFirst, RemoteFirst} {
		pendingOut, committedOut, err := tb.Rebase(committed, pending)
		require.NoError(t, err)

		viaCommitted, err := committed.Apply(base)
		require.NoError(t, err)
		viaCommitted, err = pendingOut.Apply(viaCommitted)
		require.NoError(t, err)

		viaPending, err := pending.Apply(base)
		require.NoError(t, err)
		viaPending, err = committedOut.Apply(viaPending)
		require.NoError(t, err)

		assert.True(t, viaCommitted.Equal(viaPending), tb.String())
		if tb == LocalFirst {
			assert.Equal(t, "aLRbc", viaCommitted.Text())
		} else {
			assert.Equal(t, "aRLbc", viaCommitted.Text())
		}
	}
}

func TestParseTieBreak(t *testing.T) {
	tb, err := ParseTieBreak("")
	require.NoError(t, err)
	assert.Equal(t, LocalFirst, tb)
	tb, err = ParseTieBreak("remote-first")
	require.NoError(t, err)
	assert.Equal(t, RemoteFirst, tb)
	assert.False(t, tb.LocalPriority())
	_, err = ParseTieBreak("coin-flip")
	assert.Error(t, err)
}
