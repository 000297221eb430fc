package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/streamkeep/streamkeep/internal/asset"
	"github.com/streamkeep/streamkeep/internal/location"
	"github.com/streamkeep/streamkeep/internal/notifier"
	"github.com/streamkeep/streamkeep/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory storage.Store that mimics the durable store's
// full-replace semantics, including the idle-records-are-not-persisted rule.
type memStore struct {
	mu      sync.Mutex
	saved   map[string]*asset.Record
	saves   int
	loadErr error
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{saved: map[string]*asset.Record{}}
}

func (s *memStore) LoadAll(_ context.Context) (map[string]*asset.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loadErr != nil {
		return nil, s.loadErr
	}

	out := make(map[string]*asset.Record, len(s.saved))
	for id, rec := range s.saved {
		clone := *rec
		out[id] = &clone
	}

	return out, nil
}

func (s *memStore) SaveAll(_ context.Context, records map[string]*asset.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveErr != nil {
		return s.saveErr
	}

	s.saves++
	s.saved = map[string]*asset.Record{}

	for id, rec := range records {
		if rec.Status == asset.StatusIdle {
			continue
		}

		clone := *rec
		s.saved[id] = &clone
	}

	return nil
}

// fakeEngine records start/cancel calls and lets tests drive completions.
type fakeEngine struct {
	mu       sync.Mutex
	nextID   int
	started  []string
	cancels  []transport.Handle
	resumed  []transport.Handle
	inFlight []transport.TaskInfo
	startErr error
	handles  map[string]transport.Handle
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{handles: map[string]transport.Handle{}}
}

func (f *fakeEngine) StartAggregateDownload(_ context.Context, assetID, _ string, _ int64) (transport.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.startErr != nil {
		return "", f.startErr
	}

	f.nextID++
	handle := transport.Handle(fmt.Sprintf("task-%d", f.nextID))
	f.started = append(f.started, assetID)
	f.handles[assetID] = handle

	return handle, nil
}

func (f *fakeEngine) Resume(handle transport.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.resumed = append(f.resumed, handle)
}

func (f *fakeEngine) Cancel(handle transport.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancels = append(f.cancels, handle)
}

func (f *fakeEngine) InFlightTasks(_ context.Context) ([]transport.TaskInfo, error) {
	return f.inFlight, nil
}

func (f *fakeEngine) handleFor(assetID string) transport.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.handles[assetID]
}

func (f *fakeEngine) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.started)
}

func newTestManager(t *testing.T, maxConcurrent int) (*Manager, *fakeEngine, *memStore) {
	t.Helper()

	store := newMemStore()
	engine := newFakeEngine()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	mgr := New(Config{MaxConcurrent: maxConcurrent}, store, engine, notifier.NewBroadcaster(), nil, logger)
	mgr.fatal = func(err error) { t.Fatalf("unexpected fatal: %v", err) }

	return mgr, engine, store
}

// finishedDir creates a directory with one fragment so a completion can
// resolve a real location.
func finishedDir(t *testing.T) string {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "asset")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seg-00000.frag"), []byte("media"), 0o644))

	return dir
}

func statusOf(assets []asset.Record, id string) asset.Status {
	for _, a := range assets {
		if a.ID == id {
			return a.Status
		}
	}

	return ""
}

func TestDownloadStream_DuplicateIsNoOp(t *testing.T) {
	mgr, engine, _ := newTestManager(t, 1)
	ctx := context.Background()

	mgr.DownloadStream(ctx, "v1", "https://x/master.m3u8", 2_000_000)
	mgr.DownloadStream(ctx, "v1", "https://x/master.m3u8", 2_000_000)

	assets := mgr.Assets()
	assert.Len(t, assets, 1)
	assert.Equal(t, "v1", assets[0].ID)
	assert.Equal(t, 1, engine.startCount())
}

func TestConcurrencyCeiling_SerialByDefault(t *testing.T) {
	mgr, engine, _ := newTestManager(t, 1)
	ctx := context.Background()

	mgr.DownloadStream(ctx, "a", "https://x/a.m3u8", 0)
	mgr.DownloadStream(ctx, "b", "https://x/b.m3u8", 0)
	mgr.DownloadStream(ctx, "c", "https://x/c.m3u8", 0)

	assets := mgr.Assets()
	require.Len(t, assets, 3)

	assert.Equal(t, asset.StatusPending, statusOf(assets, "a"))
	assert.Equal(t, asset.StatusIdle, statusOf(assets, "b"))
	assert.Equal(t, asset.StatusIdle, statusOf(assets, "c"))
	assert.Equal(t, []string{"a"}, engine.started)
}

func TestConcurrencyCeiling_WiderCeiling(t *testing.T) {
	mgr, engine, _ := newTestManager(t, 2)
	ctx := context.Background()

	mgr.DownloadStream(ctx, "a", "https://x/a.m3u8", 0)
	mgr.DownloadStream(ctx, "b", "https://x/b.m3u8", 0)
	mgr.DownloadStream(ctx, "c", "https://x/c.m3u8", 0)

	assets := mgr.Assets()
	assert.Equal(t, asset.StatusPending, statusOf(assets, "a"))
	assert.Equal(t, asset.StatusPending, statusOf(assets, "b"))
	assert.Equal(t, asset.StatusIdle, statusOf(assets, "c"))
	assert.Equal(t, 2, engine.startCount())
}

func TestDrainOnCompletion(t *testing.T) {
	mgr, engine, _ := newTestManager(t, 1)
	ctx := context.Background()

	mgr.DownloadStream(ctx, "v1", "https://x/a.m3u8", 0)
	mgr.DownloadStream(ctx, "v2", "https://x/b.m3u8", 0)

	dir := finishedDir(t)
	handle := engine.handleFor("v1")
	mgr.LocationAssigned(handle, dir)
	mgr.Complete(handle, nil)

	assets := mgr.Assets()
	assert.Equal(t, asset.StatusFinished, statusOf(assets, "v1"))
	assert.Equal(t, asset.StatusPending, statusOf(assets, "v2"))
	assert.Equal(t, []string{"v1", "v2"}, engine.started)
}

func TestFinishedInvariant(t *testing.T) {
	mgr, engine, _ := newTestManager(t, 1)
	ctx := context.Background()

	mgr.DownloadStream(ctx, "v1", "https://x/a.m3u8", 0)

	dir := finishedDir(t)
	handle := engine.handleFor("v1")
	mgr.LocationAssigned(handle, dir)
	mgr.Complete(handle, nil)

	assets := mgr.Assets()
	require.Len(t, assets, 1)

	rec := assets[0]
	assert.Equal(t, asset.StatusFinished, rec.Status)
	assert.Equal(t, 1.0, rec.Progress)
	require.NotNil(t, rec.Location)

	resolved, err := rec.Location.Resolve()
	require.NoError(t, err)
	assert.Equal(t, dir, resolved)
	assert.Equal(t, float64(len("media")), rec.SizeBytes)
}

func TestCompleteWithFailure(t *testing.T) {
	mgr, engine, _ := newTestManager(t, 1)
	ctx := context.Background()

	mgr.DownloadStream(ctx, "v1", "https://x/a.m3u8", 0)
	mgr.Complete(engine.handleFor("v1"), errors.New("network down"))

	assets := mgr.Assets()
	require.Len(t, assets, 1)
	assert.Equal(t, asset.StatusFailed, assets[0].Status)
}

func TestFailedAssetCanBeRetried(t *testing.T) {
	mgr, engine, _ := newTestManager(t, 1)
	ctx := context.Background()

	mgr.DownloadStream(ctx, "v1", "https://x/a.m3u8", 0)
	mgr.Complete(engine.handleFor("v1"), errors.New("network down"))

	mgr.DownloadStream(ctx, "v1", "https://x/a.m3u8", 0)

	assets := mgr.Assets()
	require.Len(t, assets, 1)
	assert.Equal(t, asset.StatusPending, assets[0].Status)
	assert.Equal(t, 2, engine.startCount())
}

func TestCompleteWithCancellationRemovesRecordAndData(t *testing.T) {
	mgr, engine, _ := newTestManager(t, 1)
	ctx := context.Background()

	mgr.DownloadStream(ctx, "v1", "https://x/a.m3u8", 0)

	dir := finishedDir(t)
	handle := engine.handleFor("v1")
	mgr.LocationAssigned(handle, dir)
	mgr.Complete(handle, transport.ErrCancelled)

	assert.Empty(t, mgr.Assets())

	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestCancelDownload(t *testing.T) {
	mgr, engine, _ := newTestManager(t, 1)
	ctx := context.Background()

	mgr.DownloadStream(ctx, "v1", "https://x/a.m3u8", 0)
	mgr.DownloadStream(ctx, "v2", "https://x/b.m3u8", 0)

	handle := engine.handleFor("v1")
	mgr.CancelDownload(ctx, "v1")

	assert.Equal(t, []transport.Handle{handle}, engine.cancels)

	assets := mgr.Assets()
	require.Len(t, assets, 1)
	assert.Equal(t, "v2", assets[0].ID)
	assert.Equal(t, asset.StatusPending, assets[0].Status)
}

func TestCancelDownload_UnknownIsNoOp(t *testing.T) {
	mgr, engine, _ := newTestManager(t, 1)

	mgr.CancelDownload(context.Background(), "missing")

	assert.Empty(t, engine.cancels)
	assert.Empty(t, mgr.Assets())
}

func TestDeleteAsset_Idempotent(t *testing.T) {
	mgr, engine, _ := newTestManager(t, 1)
	ctx := context.Background()

	mgr.DownloadStream(ctx, "v1", "https://x/a.m3u8", 0)

	dir := finishedDir(t)
	handle := engine.handleFor("v1")
	mgr.LocationAssigned(handle, dir)
	mgr.Complete(handle, nil)

	mgr.DeleteAsset(ctx, "v1")
	firstState := mgr.Assets()

	mgr.DeleteAsset(ctx, "v1")
	secondState := mgr.Assets()

	assert.Empty(t, firstState)
	assert.Equal(t, firstState, secondState)

	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteAsset_PendingCancelsTask(t *testing.T) {
	mgr, engine, _ := newTestManager(t, 1)
	ctx := context.Background()

	mgr.DownloadStream(ctx, "v1", "https://x/a.m3u8", 0)

	handle := engine.handleFor("v1")
	mgr.DeleteAsset(ctx, "v1")

	assert.Equal(t, []transport.Handle{handle}, engine.cancels)
	assert.Empty(t, mgr.Assets())
}

func TestStartFailureLeavesAssetQueued(t *testing.T) {
	mgr, engine, _ := newTestManager(t, 1)
	ctx := context.Background()

	engine.startErr = &transport.StartError{SourceURL: "https://x/a.m3u8", Reason: "no sessions"}
	mgr.DownloadStream(ctx, "v1", "https://x/a.m3u8", 0)

	assets := mgr.Assets()
	require.Len(t, assets, 1)
	assert.Equal(t, asset.StatusIdle, assets[0].Status)

	// The next queue check, here triggered by an unrelated request, retries.
	engine.startErr = nil
	mgr.DownloadStream(ctx, "v2", "https://x/b.m3u8", 0)

	assets = mgr.Assets()
	assert.Equal(t, asset.StatusPending, statusOf(assets, "v1"))
	assert.Equal(t, asset.StatusIdle, statusOf(assets, "v2"))
}

func TestProgressUpdatesRecord(t *testing.T) {
	mgr, engine, _ := newTestManager(t, 1)
	ctx := context.Background()

	mgr.DownloadStream(ctx, "v1", "https://x/a.m3u8", 0)

	handle := engine.handleFor("v1")
	mgr.Progress(handle,
		[]transport.TimeRange{{Duration: 30_000_000_000}},
		transport.TimeRange{Duration: 120_000_000_000},
	)

	assets := mgr.Assets()
	require.Len(t, assets, 1)
	assert.InDelta(t, 0.25, assets[0].Progress, 1e-9)
}

func TestSubselectionCompleteResumesTask(t *testing.T) {
	mgr, engine, _ := newTestManager(t, 1)

	mgr.DownloadStream(context.Background(), "v1", "https://x/a.m3u8", 0)

	handle := engine.handleFor("v1")
	mgr.SubselectionComplete(handle)

	assert.Equal(t, []transport.Handle{handle}, engine.resumed)
}

func TestUnsupportedEnvironmentIsFatal(t *testing.T) {
	mgr, engine, _ := newTestManager(t, 1)

	var fatalErr error

	mgr.fatal = func(err error) { fatalErr = err }

	mgr.DownloadStream(context.Background(), "v1", "https://x/a.m3u8", 0)
	mgr.Complete(engine.handleFor("v1"), transport.ErrUnsupportedEnvironment)

	assert.ErrorIs(t, fatalErr, transport.ErrUnsupportedEnvironment)
}

func TestRestoreOnStartup_OrphanedPendingRequeues(t *testing.T) {
	mgr, engine, store := newTestManager(t, 1)
	ctx := context.Background()

	dir := finishedDir(t)
	ref, err := location.NewRef(dir)
	require.NoError(t, err)

	store.saved = map[string]*asset.Record{
		"v1": {
			ID:        "v1",
			SourceURL: "https://x/a.m3u8",
			Status:    asset.StatusPending,
			Location:  ref,
		},
	}

	// No live task matches v1, so it is an orphan.
	mgr.RestoreOnStartup(ctx)

	assets := mgr.Assets()
	require.Len(t, assets, 1)
	assert.Equal(t, asset.StatusPending, assets[0].Status) // requeued and restarted
	assert.Equal(t, []string{"v1"}, engine.started)

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "orphaned partial data should be removed")
}

func TestRestoreOnStartup_ReattachesLiveTask(t *testing.T) {
	mgr, engine, store := newTestManager(t, 1)
	ctx := context.Background()

	store.saved = map[string]*asset.Record{
		"v1": {ID: "v1", SourceURL: "https://x/a.m3u8", Status: asset.StatusPending},
	}
	engine.inFlight = []transport.TaskInfo{{Handle: "task-live", AssetID: "v1"}}

	mgr.RestoreOnStartup(ctx)

	// The record stays pending on its surviving task; no new start happens.
	assets := mgr.Assets()
	require.Len(t, assets, 1)
	assert.Equal(t, asset.StatusPending, assets[0].Status)
	assert.Empty(t, engine.started)

	// And its completion advances the record as usual.
	dir := finishedDir(t)
	mgr.LocationAssigned("task-live", dir)
	mgr.Complete("task-live", nil)

	assert.Equal(t, asset.StatusFinished, mgr.Assets()[0].Status)
}

func TestRestoreOnStartup_FinishedSurvives(t *testing.T) {
	mgr, _, store := newTestManager(t, 1)

	dir := finishedDir(t)
	ref, err := location.NewRef(dir)
	require.NoError(t, err)

	store.saved = map[string]*asset.Record{
		"v1": {
			ID:        "v1",
			SourceURL: "https://x/a.m3u8",
			Status:    asset.StatusFinished,
			Progress:  1,
			Location:  ref,
		},
	}

	mgr.RestoreOnStartup(context.Background())

	assets := mgr.Assets()
	require.Len(t, assets, 1)
	assert.Equal(t, asset.StatusFinished, assets[0].Status)
}

func TestAssetForStream(t *testing.T) {
	mgr, engine, _ := newTestManager(t, 1)
	ctx := context.Background()

	mgr.DownloadStream(ctx, "v1", "https://x/a.m3u8", 0)

	_, found := mgr.AssetForStream("https://x/a.m3u8")
	assert.False(t, found, "pending asset should not resolve")

	dir := finishedDir(t)
	handle := engine.handleFor("v1")
	mgr.LocationAssigned(handle, dir)
	mgr.Complete(handle, nil)

	path, found := mgr.AssetForStream("https://x/a.m3u8")
	assert.True(t, found)
	assert.Equal(t, dir, path)
}

func TestBroadcastsFullSnapshots(t *testing.T) {
	store := newMemStore()
	engine := newFakeEngine()
	broadcaster := notifier.NewBroadcaster()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	var snapshots [][]asset.Record

	broadcaster.Subscribe(func(assets []asset.Record) {
		snapshots = append(snapshots, assets)
	})

	mgr := New(Config{MaxConcurrent: 1}, store, engine, broadcaster, nil, logger)
	mgr.DownloadStream(context.Background(), "v1", "https://x/a.m3u8", 0)

	// One broadcast for the created record, one for the pending transition.
	require.Len(t, snapshots, 2)
	assert.Equal(t, asset.StatusIdle, snapshots[0][0].Status)
	assert.Equal(t, asset.StatusPending, snapshots[1][0].Status)
}

func TestStorageFailuresAreAbsorbed(t *testing.T) {
	mgr, _, store := newTestManager(t, 1)

	store.saveErr = errors.New("disk full")

	// Must not panic or surface the error.
	mgr.DownloadStream(context.Background(), "v1", "https://x/a.m3u8", 0)

	assert.Len(t, mgr.Assets(), 1)
}
