package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/reclaimr/internal/history"
)

func event(session string, typ history.EventType, pid int32) history.Event {
	return history.Event{
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		Session:    session,
		Origin:     history.OriginNegotiation,
		Mode:       "enforce",
		PID:        pid,
		Name:       "chrome",
	}
}

func TestSQLiteSink_File(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	ctx := context.Background()
	require.NoError(t, sink.Send(ctx, event("s1", history.EventTerminated, 10)))
	failed := event("s1", history.EventFailed, 11)
	failed.Reason = "access denied"
	require.NoError(t, sink.Send(ctx, failed))
	require.NoError(t, sink.Send(ctx, event("s2", history.EventAlreadyGone, 12)))

	n, err := sink.Count(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	require.NoError(t, sink.Send(context.Background(), event("mem", history.EventWouldTerminate, 1)))
	n, err := sink.Count(context.Background(), "mem")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, sink.Send(ctx, event("c", history.EventTerminated, 1)))
}
