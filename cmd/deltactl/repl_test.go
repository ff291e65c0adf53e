package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/softwarefaith/appflowy/internal/session"
	"github.com/softwarefaith/appflowy/internal/store"
)

func newTestREPL(t *testing.T) (*REPL, *bytes.Buffer) {
	t.Helper()
	m, err := session.NewManager(store.NewMemoryStore(), nil, session.Options{UserID: "me"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	out := &bytes.Buffer{}
	return &REPL{manager: m, out: out}, out
}

func runLines(t *testing.T, repl *REPL, lines ...string) {
	t.Helper()
	for _, line := range lines {
		require.NoError(t, repl.Execute(context.Background(), line), line)
	}
}

func text(t *testing.T, repl *REPL) string {
	t.Helper()
	d, err := repl.manager.Snapshot(repl.doc)
	require.NoError(t, err)
	return d.Text()
}

func waitSynced(t *testing.T, repl *REPL) {
	t.Helper()
	assert.Eventually(t, func() bool {
		s, err := repl.manager.Session(repl.doc)
		return err == nil && len(s.Pending()) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEditingCommands(t *testing.T) {
	repl, out := newTestREPL(t)

	runLines(t, repl,
		"create notes hello",
		"insert 5  world",
		"delete 0 1",
		"insert 0 H",
		"format 0 5 bold=true",
	)
	assert.Equal(t, "Hello world", text(t, repl))

	out.Reset()
	runLines(t, repl, "show")
	assert.Contains(t, out.String(), "Hello world")
	assert.Contains(t, out.String(), "bold")

	runLines(t, repl, "undo")
	out.Reset()
	runLines(t, repl, "show")
	assert.NotContains(t, out.String(), "bold")
	assert.Equal(t, "Hello world", text(t, repl))

	err := repl.Execute(context.Background(), "undo")
	assert.Error(t, err)
}

func TestDocumentCommands(t *testing.T) {
	repl, out := newTestREPL(t)
	ctx := context.Background()

	runLines(t, repl, "open a", "insert 0 abc", "export")
	assert.Contains(t, out.String(), `"doc_id":"a"`)
	waitSynced(t, repl)

	out.Reset()
	runLines(t, repl, "dup")
	copyID := strings.TrimSpace(out.String())
	assert.Equal(t, copyID, repl.doc)
	assert.Equal(t, "abc", text(t, repl))

	out.Reset()
	runLines(t, repl, "latest")
	assert.Equal(t, copyID, strings.TrimSpace(out.String()))

	runLines(t, repl, "drop")
	assert.Equal(t, "", repl.doc)
	assert.True(t, errors.Is(repl.Execute(ctx, "show"), ErrNoDocument))

	runLines(t, repl, "open a", "reload")
	assert.Equal(t, "abc", text(t, repl))

	assert.Equal(t, io.EOF, repl.Execute(ctx, "exit"))
	_, err := repl.manager.Session("a")
	assert.Error(t, err)
}

func TestBadInput(t *testing.T) {
	repl, _ := newTestREPL(t)
	ctx := context.Background()

	assert.Error(t, repl.Execute(ctx, "frobnicate"))
	assert.True(t, errors.Is(repl.Execute(ctx, "insert 0 x"), ErrNoDocument))
	runLines(t, repl, "open d")
	assert.True(t, errors.Is(repl.Execute(ctx, "insert x"), ErrUsage))
	assert.True(t, errors.Is(repl.Execute(ctx, "delete 0"), ErrUsage))
	// Past the end of the document.
	assert.Error(t, repl.Execute(ctx, "delete 0 4"))
}
