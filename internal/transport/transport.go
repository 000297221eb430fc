package transport

import (
	"context"
	"time"
)

// Handle identifies one in-flight aggregate download task.
type Handle string

// TaskInfo describes an in-flight task as reported by the download engine.
// AssetID is the identity metadata embedded when the task was created, used
// to match tasks back to persisted records after a restart.
type TaskInfo struct {
	Handle  Handle
	AssetID string
}

// TimeRange is a span of media time within a stream.
type TimeRange struct {
	Start    time.Duration
	Duration time.Duration
}

// Delegate receives download engine callbacks. Callbacks arrive from the
// engine's own goroutines; implementations must do their own locking.
type Delegate interface {
	// LocationAssigned reports the directory the task will download into.
	LocationAssigned(handle Handle, path string)

	// SubselectionComplete reports that one media sub-selection finished.
	// The engine pauses after each sub-selection and waits for Resume.
	SubselectionComplete(handle Handle)

	// Progress reports the media time ranges loaded so far against the
	// range expected to load.
	Progress(handle Handle, loaded []TimeRange, expected TimeRange)

	// Complete reports the task finished. A nil error means success;
	// ErrCancelled and ErrUnsupportedEnvironment are distinguished classes.
	Complete(handle Handle, err error)
}

// Downloader is the external segmented-download engine. It runs downloads on
// its own execution context, persists its own task list across restarts, and
// reports through the Delegate.
type Downloader interface {
	// StartAggregateDownload begins downloading the stream at sourceURL,
	// constrained to variants at or below bitrateCeiling, tagging the task
	// with assetID as its identity metadata.
	StartAggregateDownload(ctx context.Context, assetID, sourceURL string, bitrateCeiling int64) (Handle, error)

	// Resume continues a task paused after a sub-selection completed.
	Resume(handle Handle)

	// Cancel aborts a task. Completion is reported through the Delegate
	// with ErrCancelled.
	Cancel(handle Handle)

	// InFlightTasks enumerates tasks the engine currently knows about,
	// including ones recovered from a previous process.
	InFlightTasks(ctx context.Context) ([]TaskInfo, error)
}
