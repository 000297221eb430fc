package hlsdl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/streamkeep/streamkeep/internal/location"
	"github.com/streamkeep/streamkeep/internal/transport"
	"golang.org/x/sync/errgroup"
)

const dirPerm = 0o755

// Config configures the download engine.
type Config struct {
	// Dir is the root directory downloads are written under. Each task gets
	// its own subdirectory named after its asset id.
	Dir string

	// MaxParallel bounds concurrent segment fetches within one task.
	MaxParallel int

	// Client is the HTTP client used for playlists and segments. Defaults
	// to http.DefaultClient.
	Client *http.Client

	Logger *slog.Logger
}

// Engine is a background HLS download engine. It fetches a stream's playlist,
// narrows master playlists to a variant under the bitrate ceiling, downloads
// media segments as fragments with bounded parallelism, and reports through a
// transport.Delegate. Its task list is journaled on disk, so tasks in flight
// when the process dies are picked up again once a delegate is attached.
type Engine struct {
	dir         string
	maxParallel int
	client      *http.Client
	logger      *slog.Logger

	mu        sync.Mutex
	delegate  transport.Delegate
	tasks     map[transport.Handle]*task
	recovered map[transport.Handle]journalEntry
	journal   map[transport.Handle]journalEntry
}

type task struct {
	handle         transport.Handle
	assetID        string
	sourceURL      string
	bitrateCeiling int64
	dir            string
	cancel         context.CancelFunc
	resume         chan struct{}
}

// New creates an engine rooted at cfg.Dir and loads the task journal left by
// a previous process. An unreadable journal is logged and discarded.
func New(cfg Config) (*Engine, error) {
	if err := os.MkdirAll(cfg.Dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create download root: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}

	maxParallel := cfg.MaxParallel
	if maxParallel < 1 {
		maxParallel = 1
	}

	journal, err := loadJournal(cfg.Dir)
	if err != nil {
		logger.Warn("task journal is unreadable, starting empty", "err", err)

		journal = map[transport.Handle]journalEntry{}
	}

	recovered := make(map[transport.Handle]journalEntry, len(journal))
	for h, entry := range journal {
		recovered[h] = entry
	}

	return &Engine{
		dir:         cfg.Dir,
		maxParallel: maxParallel,
		client:      client,
		logger:      logger,
		tasks:       map[transport.Handle]*task{},
		recovered:   recovered,
		journal:     journal,
	}, nil
}

// SetDelegate attaches the delegate and resumes any tasks recovered from the
// journal. Must be called exactly once before downloads are started.
func (e *Engine) SetDelegate(d transport.Delegate) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.delegate = d

	for _, entry := range e.recovered {
		e.logger.Info("resuming recovered download task",
			"asset_id", entry.AssetID,
			"source_url", entry.SourceURL,
		)
		e.launchLocked(entry)
	}

	e.recovered = nil
}

// StartAggregateDownload creates and starts a download task for sourceURL.
func (e *Engine) StartAggregateDownload(ctx context.Context, assetID, sourceURL string, bitrateCeiling int64) (transport.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.delegate == nil {
		return "", &transport.StartError{SourceURL: sourceURL, Reason: "no delegate attached"}
	}

	taskDir := filepath.Join(e.dir, assetID)
	if err := os.MkdirAll(taskDir, dirPerm); err != nil {
		return "", &transport.StartError{SourceURL: sourceURL, Reason: "cannot create task directory", Err: err}
	}

	entry := journalEntry{
		Handle:         transport.Handle(uuid.NewString()),
		AssetID:        assetID,
		SourceURL:      sourceURL,
		BitrateCeiling: bitrateCeiling,
		Dir:            taskDir,
	}

	e.journal[entry.Handle] = entry
	if err := saveJournal(e.dir, e.journal); err != nil {
		delete(e.journal, entry.Handle)

		return "", &transport.StartError{SourceURL: sourceURL, Reason: "cannot journal task", Err: err}
	}

	e.launchLocked(entry)

	return entry.Handle, nil
}

// Resume continues a task paused after a completed sub-selection.
func (e *Engine) Resume(handle transport.Handle) {
	e.mu.Lock()
	t := e.tasks[handle]
	e.mu.Unlock()

	if t == nil {
		return
	}

	select {
	case t.resume <- struct{}{}:
	default:
	}
}

// Cancel aborts a task. Completion is reported through the delegate with
// transport.ErrCancelled. Cancelling an unknown handle is a no-op.
func (e *Engine) Cancel(handle transport.Handle) {
	e.mu.Lock()
	t := e.tasks[handle]

	if t == nil {
		// A recovered task not yet relaunched only needs its journal entry gone.
		if _, ok := e.recovered[handle]; ok {
			delete(e.recovered, handle)
			delete(e.journal, handle)

			if err := saveJournal(e.dir, e.journal); err != nil {
				e.logger.Error("failed to save task journal", "err", err)
			}
		}
	}
	e.mu.Unlock()

	if t != nil {
		t.cancel()
	}
}

// InFlightTasks enumerates every task the engine knows about, including ones
// recovered from a previous process.
func (e *Engine) InFlightTasks(_ context.Context) ([]transport.TaskInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	infos := make([]transport.TaskInfo, 0, len(e.journal))
	for handle, entry := range e.journal {
		infos = append(infos, transport.TaskInfo{Handle: handle, AssetID: entry.AssetID})
	}

	return infos, nil
}

// launchLocked starts the download goroutine for entry. Caller holds e.mu.
func (e *Engine) launchLocked(entry journalEntry) {
	// Tasks outlive caller contexts; only Cancel stops them.
	ctx, cancel := context.WithCancel(context.Background())

	t := &task{
		handle:         entry.Handle,
		assetID:        entry.AssetID,
		sourceURL:      entry.SourceURL,
		bitrateCeiling: entry.BitrateCeiling,
		dir:            entry.Dir,
		cancel:         cancel,
		resume:         make(chan struct{}, 1),
	}
	e.tasks[entry.Handle] = t

	delegate := e.delegate

	go e.run(ctx, t, delegate)
}

func (e *Engine) run(ctx context.Context, t *task, delegate transport.Delegate) {
	logger := e.logger.With("asset_id", t.assetID)

	delegate.LocationAssigned(t.handle, t.dir)

	err := e.download(ctx, t, delegate, logger)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("download task failed", "source_url", t.sourceURL, "err", err)
	}

	e.mu.Lock()
	delete(e.tasks, t.handle)
	delete(e.journal, t.handle)

	if jerr := saveJournal(e.dir, e.journal); jerr != nil {
		logger.Error("failed to save task journal", "err", jerr)
	}
	e.mu.Unlock()

	if errors.Is(err, context.Canceled) {
		err = transport.ErrCancelled
	}

	delegate.Complete(t.handle, err)
}

func (e *Engine) download(ctx context.Context, t *task, delegate transport.Delegate, logger *slog.Logger) error {
	segments, err := fetchMediaPlaylist(ctx, e.client, t.sourceURL, t.bitrateCeiling)
	if err != nil {
		return err
	}

	var total time.Duration
	for _, seg := range segments {
		total += seg.duration
	}

	expected := transport.TimeRange{Duration: total}

	logger.Info("downloading stream",
		"source_url", t.sourceURL,
		"segments", len(segments),
		"media_duration", total.String(),
	)

	var loadedNanos atomic.Int64

	wg, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, e.maxParallel)

	for i := range segments {
		i := i
		seg := segments[i]
		sem <- struct{}{}

		wg.Go(func() error {
			defer func() { <-sem }() // release the slot

			if err := e.downloadSegment(ctx, t, i, seg, logger); err != nil {
				return err
			}

			loaded := time.Duration(loadedNanos.Add(int64(seg.duration)))
			delegate.Progress(t.handle, []transport.TimeRange{{Duration: loaded}}, expected)

			return nil
		})
	}

	if err := wg.Wait(); err != nil {
		return fmt.Errorf("failed to download segments: %w", err)
	}

	// The whole preferred media selection is down. Pause until the owner
	// signals the task to continue, then finish.
	delegate.SubselectionComplete(t.handle)

	select {
	case <-t.resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) downloadSegment(ctx context.Context, t *task, index int, seg segment, logger *slog.Logger) error {
	target := filepath.Join(t.dir, fmt.Sprintf("seg-%05d%s", index, location.FragmentExt))

	// A fragment left by a previous attempt is reused as is.
	if info, err := os.Stat(target); err == nil && info.Size() > 0 {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, seg.url.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build segment request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch segment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("segment %s returned status %d", seg.url, resp.StatusCode)
	}

	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create fragment: %w", err)
	}
	defer out.Close()

	written, err := io.Copy(out, resp.Body)
	if err != nil {
		_ = os.Remove(target)

		return fmt.Errorf("failed to write fragment: %w", err)
	}

	logger.Debug("fragment saved", "fragment", filepath.Base(target), "size", humanize.Bytes(uint64(written)))

	return nil
}
