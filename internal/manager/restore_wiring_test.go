package manager

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/streamkeep/streamkeep/internal/asset"
	"github.com/streamkeep/streamkeep/internal/hlsdl"
	"github.com/streamkeep/streamkeep/internal/notifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Wires the real download engine in the same order as the entrypoint:
// restore, then delegate attach, then one queue kick. A persisted pending
// record without a surviving task has its restart refused during restore
// (the engine takes no starts before a delegate is attached), so the kick
// is what actually gets the orphan downloading again.
func TestRestoreOrphanRestartsWithRealEngine(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Hold the playlist request open so the restarted task stays in flight.
		<-r.Context().Done()
	}))
	t.Cleanup(server.Close)

	engine, err := hlsdl.New(hlsdl.Config{
		Dir:    t.TempDir(),
		Client: server.Client(),
		Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})
	require.NoError(t, err)

	store := newMemStore()
	store.saved = map[string]*asset.Record{
		"v1": {ID: "v1", SourceURL: server.URL + "/a.m3u8", Status: asset.StatusPending},
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	mgr := New(Config{MaxConcurrent: 1}, store, engine, notifier.NewBroadcaster(), nil, logger)

	mgr.RestoreOnStartup(ctx)
	engine.SetDelegate(mgr)
	mgr.CheckQueue(ctx)

	assets := mgr.Assets()
	require.Len(t, assets, 1)
	assert.Equal(t, asset.StatusPending, assets[0].Status, "orphan should be downloading again after the queue kick")

	tasks, err := engine.InFlightTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	// Wind the task down so the held request releases before the server closes.
	mgr.CancelDownload(ctx, "v1")

	require.Eventually(t, func() bool {
		tasks, err := engine.InFlightTasks(ctx)

		return err == nil && len(tasks) == 0
	}, 10*time.Second, 10*time.Millisecond)
}
