package cursor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softwarefaith/appflowy/pkg/ot"
)

func TestTransformCursors(t *testing.T) {
	m := NewManager()
	m.UpdatePosition("author", "A", "#fff", 2)
	m.UpdatePosition("other", "B", "#000", 2)
	m.UpdatePosition("after", "C", "#000", 4)

	// "ab|cd" -> "abXYcd"
	m.Transform(ot.New(ot.Retain(2, nil), ot.Insert("XY", nil)), "author")

	got := map[string]int{}
	for _, c := range m.Cursors("") {
		got[c.ClientID] = c.Position
	}
	assert.Equal(t, map[string]int{"author": 4, "other": 2, "after": 6}, got)

	// Deleting around a cursor collapses it onto the deletion point.
	m.Transform(ot.New(ot.Retain(1, nil), ot.Delete(4)), "other")
	got = map[string]int{}
	for _, c := range m.Cursors("") {
		got[c.ClientID] = c.Position
	}
	assert.Equal(t, map[string]int{"author": 1, "other": 1, "after": 2}, got)
}

func TestTransformSelections(t *testing.T) {
	m := NewManager()
	m.UpdateSelection("c1", "A", "#fff", 5, 2)
	sel := m.Selections("")
	require.Len(t, sel, 1)
	assert.Equal(t, 2, sel[0].Start)
	assert.Equal(t, 5, sel[0].End)

	// Inserts at either edge stay outside the selection.
	m.Transform(ot.New(ot.Retain(2, nil), ot.Insert("x", nil), ot.Retain(3, nil), ot.Insert("y", nil)), "c2")
	sel = m.Selections("")
	require.Len(t, sel, 1)
	assert.Equal(t, 3, sel[0].Start)
	assert.Equal(t, 6, sel[0].End)

	// Deleting the selected text drops the selection.
	m.Transform(ot.New(ot.Retain(3, nil), ot.Delete(3)), "c2")
	assert.Empty(t, m.Selections(""))
}

func TestRemoveAndCleanup(t *testing.T) {
	m := NewManager()
	m.UpdatePosition("a", "A", "", 0)
	m.UpdatePosition("b", "B", "", 0)
	m.UpdateSelection("a", "A", "", 0, 1)
	m.UpdateSelection("b", "B", "", 3, 3)
	assert.Len(t, m.Selections(""), 1)

	m.RemoveClient("a")
	assert.Len(t, m.Cursors(""), 1)
	assert.Empty(t, m.Cursors("b"))
	assert.Empty(t, m.Selections(""))

	m.cursors["b"].UpdatedAt = time.Now().Add(-time.Hour)
	m.CleanupStale(time.Minute)
	assert.Empty(t, m.Cursors(""))
}
