package manager

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/streamkeep/streamkeep/internal/asset"
	"github.com/streamkeep/streamkeep/internal/location"
	"github.com/streamkeep/streamkeep/internal/notifier"
	"github.com/streamkeep/streamkeep/internal/storage"
	"github.com/streamkeep/streamkeep/internal/telemetry"
	"github.com/streamkeep/streamkeep/internal/transport"
)

// Config configures the persistence manager.
type Config struct {
	// MaxConcurrent is the ceiling on simultaneously active downloads.
	// The default of 1 keeps downloads strictly serial.
	MaxConcurrent int
}

// Manager owns the authoritative in-memory set of offline assets. It accepts
// download, cancel and delete requests, serializes every mutation (public
// calls and transport callbacks alike) behind one lock, writes each durable
// state transition through the store, and broadcasts the full asset list on
// every change.
//
// Manager implements transport.Delegate; attach it to the download engine
// after RestoreOnStartup has run.
type Manager struct {
	dl            transport.Downloader
	store         storage.Store
	broadcaster   *notifier.Broadcaster
	telemetry     *telemetry.Telemetry
	logger        *slog.Logger
	maxConcurrent int

	// fatal handles unrecoverable transport failures. Overridable in tests.
	fatal func(error)

	mu     sync.Mutex
	assets map[string]*asset.Record
	order  []string
	reg    *registry
}

func New(
	cfg Config,
	store storage.Store,
	dl transport.Downloader,
	broadcaster *notifier.Broadcaster,
	tel *telemetry.Telemetry,
	logger *slog.Logger,
) *Manager {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		dl:            dl,
		store:         store,
		broadcaster:   broadcaster,
		telemetry:     tel,
		logger:        logger,
		maxConcurrent: maxConcurrent,
		assets:        map[string]*asset.Record{},
		reg:           newRegistry(),
	}

	m.fatal = func(err error) {
		logger.Error("unrecoverable download engine failure", "err", err)
		os.Exit(1)
	}

	return m
}

// DownloadStream requests an offline download of the stream at hlsURL under
// the given id. A request for an id that already exists in any non-failed
// state is a no-op; a failed asset is replaced and retried.
func (m *Manager) DownloadStream(ctx context.Context, id, hlsURL string, bitrateCeiling int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.assets[id]; ok {
		if existing.Status != asset.StatusFailed {
			m.logger.Debug("duplicate download request ignored", "asset_id", id, "status", string(existing.Status))

			return
		}

		m.removeLocked(id)
	}

	rec := asset.New(id, hlsURL, bitrateCeiling)
	m.assets[id] = rec
	m.order = append(m.order, id)

	m.logger.Info("download requested", "asset_id", id, "source_url", hlsURL, "bitrate_ceiling", bitrateCeiling)

	m.persistAndBroadcastLocked(ctx)
	m.checkQueueLocked(ctx)
}

// CancelDownload cancels an in-flight download and removes the asset along
// with any partial data. Cancelling an unknown or inactive id is a no-op.
func (m *Manager) CancelDownload(ctx context.Context, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.assets[id]
	if !ok || rec.Status != asset.StatusPending {
		return
	}

	if handle, bound := m.reg.handleFor(id); bound {
		m.dl.Cancel(handle)
		m.reg.unbind(handle)
	}

	m.removeBackingData(rec)
	m.removeLocked(id)
	m.telemetry.RecordDownloadFinished(ctx, "cancelled")

	m.logger.Info("download cancelled", "asset_id", id)

	m.persistAndBroadcastLocked(ctx)
	m.checkQueueLocked(ctx)
}

// DeleteAsset removes the asset and its backing media. Deleting an unknown
// id is a no-op, and a backing file that is already gone counts as success.
func (m *Manager) DeleteAsset(ctx context.Context, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.assets[id]
	if !ok {
		return
	}

	if rec.Status == asset.StatusPending {
		if handle, bound := m.reg.handleFor(id); bound {
			m.dl.Cancel(handle)
			m.reg.unbind(handle)
		}

		m.telemetry.RecordDownloadFinished(ctx, "cancelled")
	}

	m.removeBackingData(rec)
	m.removeLocked(id)

	m.logger.Info("asset deleted", "asset_id", id)

	m.persistAndBroadcastLocked(ctx)
}

// Assets returns a snapshot of every known asset in creation order.
func (m *Manager) Assets() []asset.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.snapshotLocked()
}

// AssetForStream returns the local path of the finished asset downloaded
// from hlsURL, if one exists.
func (m *Manager) AssetForStream(hlsURL string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		rec := m.assets[id]
		if rec.SourceURL != hlsURL || rec.Status != asset.StatusFinished {
			continue
		}

		path, err := rec.Location.Resolve()
		if err != nil {
			m.logger.Debug("finished asset location no longer resolves", "asset_id", id, "err", err)

			continue
		}

		return path, true
	}

	return "", false
}

// RestoreOnStartup reconciles persisted records with the download engine's
// surviving task list. It must run once, before the delegate is attached and
// before any other operation. Persisted pending records without a matching
// live task are orphans: their partial data is removed and they re-enter the
// queue for retry.
func (m *Manager) RestoreOnStartup(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := map[string]transport.Handle{}

	tasks, err := m.dl.InFlightTasks(ctx)
	if err != nil {
		m.logger.Error("failed to enumerate in-flight tasks", "err", err)
	}

	for _, task := range tasks {
		live[task.AssetID] = task.Handle
	}

	stored, err := m.store.LoadAll(ctx)
	if err != nil {
		m.logger.Error("failed to load persisted assets, starting empty", "err", err)

		stored = map[string]*asset.Record{}
	}

	// Creation order does not survive a restart; sort for a stable queue.
	ids := make([]string, 0, len(stored))
	for id := range stored {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		rec := stored[id]
		m.assets[id] = rec
		m.order = append(m.order, id)

		if rec.Status != asset.StatusPending {
			continue
		}

		if handle, ok := live[id]; ok {
			if err := m.reg.bind(handle, id); err != nil {
				m.logger.Error("failed to reattach download task", "asset_id", id, "err", err)
			} else {
				m.telemetry.RecordDownloadStarted(ctx)

				if rec.Location != nil {
					if path, rerr := rec.Location.Resolve(); rerr == nil {
						m.reg.setLocation(handle, path)
					}
				}
			}

			delete(live, id)

			continue
		}

		m.logger.Info("re-queueing orphaned download", "asset_id", id)
		m.removeBackingData(rec)
		rec.Status = asset.StatusIdle
		rec.Progress = 0
		rec.SizeBytes = 0
		rec.Location = nil
	}

	for id, handle := range live {
		m.logger.Warn("cancelling stray download task", "asset_id", id)
		m.dl.Cancel(handle)
	}

	m.persistAndBroadcastLocked(ctx)
	m.checkQueueLocked(ctx)
}

// CheckQueue re-evaluates the download queue, starting the next queued
// asset if the concurrency ceiling allows. The engine refuses starts until
// its delegate is attached, so the entrypoint calls this once after
// attaching to retry anything RestoreOnStartup left queued.
func (m *Manager) CheckQueue(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkQueueLocked(ctx)
}

// LocationAssigned implements transport.Delegate.
func (m *Manager) LocationAssigned(handle transport.Handle, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.reg.assetID(handle)
	if !ok {
		m.logger.Debug("location assigned for unknown task", "handle", string(handle))

		return
	}

	m.reg.setLocation(handle, path)

	rec := m.assets[id]
	if ref, err := location.NewRef(path); err == nil {
		rec.Location = ref
	} else {
		m.logger.Debug("cannot reference assigned location yet", "asset_id", id, "err", err)
	}

	m.persistAndBroadcastLocked(context.Background())
}

// SubselectionComplete implements transport.Delegate. The engine pauses
// after each media sub-selection and needs an explicit continue signal.
func (m *Manager) SubselectionComplete(handle transport.Handle) {
	m.dl.Resume(handle)
}

// Progress implements transport.Delegate. Progress ticks update in-memory
// state and broadcast but skip the durable store.
func (m *Manager) Progress(handle transport.Handle, loaded []transport.TimeRange, expected transport.TimeRange) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.reg.assetID(handle)
	if !ok {
		return
	}

	rec := m.assets[id]

	if expected.Duration > 0 {
		var loadedTotal float64
		for _, r := range loaded {
			loadedTotal += r.Duration.Seconds()
		}

		rec.Progress = min(loadedTotal/expected.Duration.Seconds(), 1)
	}

	if rec.Location != nil {
		rec.SizeBytes = location.FragmentsSize(rec.Location.Path)
	}

	m.broadcaster.Broadcast(m.snapshotLocked())
}

// Complete implements transport.Delegate.
func (m *Manager) Complete(handle transport.Handle, completionErr error) {
	if completionErr != nil && errors.Is(completionErr, transport.ErrUnsupportedEnvironment) {
		m.fatal(completionErr)

		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ctx := context.Background()

	id, ok := m.reg.assetID(handle)
	if !ok {
		// The asset was cancelled or deleted before the engine reported in.
		// A slot may have been freed regardless, so keep the queue draining.
		m.logger.Debug("completion for unknown task", "handle", string(handle))
		m.checkQueueLocked(ctx)

		return
	}

	path, _ := m.reg.takeLocation(handle)
	m.reg.unbind(handle)

	rec := m.assets[id]

	switch {
	case completionErr == nil:
		m.finishLocked(ctx, rec, path)
	case errors.Is(completionErr, transport.ErrCancelled):
		m.removeBackingData(rec)
		m.removeLocked(id)
		m.telemetry.RecordDownloadFinished(ctx, "cancelled")
		m.logger.Info("download task cancelled", "asset_id", id)
	default:
		rec.Status = asset.StatusFailed
		m.telemetry.RecordDownloadFinished(ctx, "failed")
		m.logger.Error("download failed", "asset_id", id, "err", completionErr)
	}

	m.persistAndBroadcastLocked(ctx)
	m.checkQueueLocked(ctx)
}

// finishLocked moves rec to FINISHED, resolving its final location and size.
func (m *Manager) finishLocked(ctx context.Context, rec *asset.Record, path string) {
	if path == "" && rec.Location != nil {
		if resolved, err := rec.Location.Resolve(); err == nil {
			path = resolved
		}
	}

	ref, err := location.NewRef(path)
	if err != nil {
		rec.Status = asset.StatusFailed
		m.telemetry.RecordDownloadFinished(ctx, "failed")
		m.logger.Error("finished download has no resolvable location", "asset_id", rec.ID, "err", err)

		return
	}

	rec.Location = ref
	rec.Progress = 1
	rec.SizeBytes = location.FragmentsSize(path)
	rec.Status = asset.StatusFinished

	m.telemetry.RecordDownloadFinished(ctx, "finished")
	m.logger.Info("download finished", "asset_id", rec.ID, "size", humanize.Bytes(uint64(rec.SizeBytes)))
}

// checkQueueLocked starts at most one queued download if the concurrency
// ceiling allows it. A start refusal leaves the asset queued; the next
// invocation retries it.
func (m *Manager) checkQueueLocked(ctx context.Context) {
	pending := 0
	for _, rec := range m.assets {
		if rec.Status == asset.StatusPending {
			pending++
		}
	}

	if pending >= m.maxConcurrent {
		return
	}

	var next *asset.Record

	for _, id := range m.order {
		if rec := m.assets[id]; rec.Status == asset.StatusIdle {
			next = rec

			break
		}
	}

	if next == nil {
		return
	}

	handle, err := m.dl.StartAggregateDownload(ctx, next.ID, next.SourceURL, next.BitrateCeiling)
	if err != nil {
		m.logger.Warn("download engine refused to start task, leaving asset queued",
			"asset_id", next.ID,
			"err", err,
		)

		return
	}

	if err := m.reg.bind(handle, next.ID); err != nil {
		m.logger.Error("failed to register download task", "asset_id", next.ID, "err", err)
		m.dl.Cancel(handle)

		return
	}

	next.Status = asset.StatusPending
	m.telemetry.RecordDownloadStarted(ctx)

	m.logger.Info("download started", "asset_id", next.ID)

	m.persistAndBroadcastLocked(ctx)
}

// persistAndBroadcastLocked writes the collection through the store and
// pushes the snapshot to observers. Storage failures are logged, never
// surfaced; only the status field communicates failure to callers.
func (m *Manager) persistAndBroadcastLocked(ctx context.Context) {
	if err := m.store.SaveAll(ctx, m.assets); err != nil {
		m.logger.Error("failed to persist asset collection", "err", err)
	}

	m.broadcaster.Broadcast(m.snapshotLocked())
}

func (m *Manager) snapshotLocked() []asset.Record {
	snapshot := make([]asset.Record, 0, len(m.order))
	for _, id := range m.order {
		snapshot = append(snapshot, m.assets[id].Snapshot())
	}

	return snapshot
}

func (m *Manager) removeLocked(id string) {
	delete(m.assets, id)

	for i, ordered := range m.order {
		if ordered == id {
			m.order = append(m.order[:i], m.order[i+1:]...)

			break
		}
	}
}

// removeBackingData deletes the asset's downloaded content if its reference
// still resolves. Already-absent content counts as success.
func (m *Manager) removeBackingData(rec *asset.Record) {
	if rec.Location == nil {
		return
	}

	path, err := rec.Location.Resolve()
	if err != nil {
		m.logger.Debug("no backing data to remove", "asset_id", rec.ID, "err", err)

		return
	}

	if err := os.RemoveAll(path); err != nil {
		m.logger.Error("failed to remove backing data", "asset_id", rec.ID, "err", err)
	}
}
