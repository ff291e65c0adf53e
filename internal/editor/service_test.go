package editor

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/softwarefaith/appflowy/internal/store"
	"github.com/softwarefaith/appflowy/pkg/ot"
	"github.com/softwarefaith/appflowy/pkg/revision"
)

func startService(t *testing.T, st store.RevisionLog) (*Service, string) {
	t.Helper()
	svc := NewService(nil, st, nil, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	go svc.Start(ctx)

	router := mux.NewRouter()
	router.HandleFunc("/ws/{doc}", svc.HandleWebSocket)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		svc.Shutdown()
		cancel()
	})
	return svc, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil skips frames until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == typ {
			return msg
		}
	}
}

func TestSubmitOverWebSocket(t *testing.T) {
	_, base := startService(t, store.NewMemoryStore())

	peer := dial(t, base+"doc")
	readUntil(t, peer, MsgRevisions)

	author := dial(t, base+"doc")
	readUntil(t, author, MsgRevisions)

	rev := revision.Revision{DocumentID: "doc", RevisionID: 1, Delta: ot.FromText("hi")}
	require.NoError(t, author.WriteJSON(Message{Type: MsgSubmit, Revision: &rev}))

	ack := readUntil(t, author, MsgAck)
	assert.Equal(t, uint64(1), ack.Version)
	require.NotNil(t, ack.Revision)
	assert.NoError(t, revision.Verify(*ack.Revision, ot.FromText("hi")))

	got := readUntil(t, peer, MsgRevision)
	require.NotNil(t, got.Revision)
	assert.Equal(t, ack.Revision.Checksum, got.Revision.Checksum)

	// A late joiner gets everything in one frame.
	late := dial(t, base+"doc?from=0")
	catchUp := readUntil(t, late, MsgRevisions)
	assert.Equal(t, uint64(1), catchUp.Version)
	require.Len(t, catchUp.Revisions, 1)
	assert.Equal(t, "hi", catchUp.Revisions[0].Delta.Text())
}

func TestSubmitAheadIsReported(t *testing.T) {
	_, base := startService(t, store.NewMemoryStore())

	conn := dial(t, base+"doc")
	readUntil(t, conn, MsgRevisions)

	rev := revision.Revision{DocumentID: "doc", BaseRevision: 7, RevisionID: 8, Delta: ot.FromText("x")}
	require.NoError(t, conn.WriteJSON(Message{Type: MsgSubmit, Revision: &rev}))

	msg := readUntil(t, conn, MsgError)
	require.NotNil(t, msg.Revision)
	assert.Equal(t, uint64(8), msg.Revision.RevisionID)
}

func TestDocumentStateAndCursors(t *testing.T) {
	svc, base := startService(t, store.NewMemoryStore())

	a := dial(t, base+"doc")
	readUntil(t, a, MsgRevisions)
	b := dial(t, base+"doc")
	readUntil(t, b, MsgRevisions)

	require.NoError(t, a.WriteJSON(Message{Type: MsgCursorPosition, Data: 3}))
	moved := readUntil(t, b, MsgCursorPosition)
	data, ok := moved.Data.(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 3, data["position"])

	doc, ok := svc.documents.Load("doc")
	require.True(t, ok)
	assert.Len(t, doc.CursorManager.Cursors(""), 1)

	require.NoError(t, b.WriteJSON(Message{Type: MsgRequestDocument}))
	state := readUntil(t, b, MsgDocumentState)
	raw, err := json.Marshal(state.Data)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"cursors"`)
}

func TestRejectsBadFrom(t *testing.T) {
	_, base := startService(t, store.NewMemoryStore())

	_, resp, err := websocket.DefaultDialer.Dial(base+"doc?from=x", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestFanoutIgnoresOwnMessages(t *testing.T) {
	f := &Fanout{instance: "me"}
	rev := revision.Initial("doc", "u", ot.FromText("x"))

	own, err := json.Marshal(envelope{Instance: "me", Revision: rev})
	require.NoError(t, err)
	_, foreign, err := f.decode(string(own))
	require.NoError(t, err)
	assert.False(t, foreign)

	other, err := json.Marshal(envelope{Instance: "them", Revision: rev})
	require.NoError(t, err)
	got, foreign, err := f.decode(string(other))
	require.NoError(t, err)
	assert.True(t, foreign)
	assert.Equal(t, rev.Checksum, got.Checksum)

	_, _, err = f.decode("{")
	assert.Error(t, err)
}
