package main

import (
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softwarefaith/appflowy/internal/session"
	"github.com/softwarefaith/appflowy/internal/store"
)

func TestRegistryExposesSessionMetrics(t *testing.T) {
	repl, _ := newTestREPL(t)
	acks := testutil.ToFloat64(session.Revisions.WithLabelValues("ack"))
	runLines(t, repl, "create metered hi")
	waitSynced(t, repl)
	assert.Greater(t, testutil.ToFloat64(session.Revisions.WithLabelValues("ack")), acks)

	registry := newRegistry(store.NewMemoryStore())
	n, err := testutil.GatherAndCount(registry,
		"appflowy_session_open", "appflowy_session_revisions", "appflowy_session_pending_revisions")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 3)
}

func TestRegistryExposesPebbleMetrics(t *testing.T) {
	st, err := store.OpenPebble("revisions", vfs.NewMem())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	n, err := testutil.GatherAndCount(newRegistry(st), "revlog_pebble_wal_files")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
