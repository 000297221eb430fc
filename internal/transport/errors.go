package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled classifies a completion caused by task cancellation.
	// It is a clean removal, not a failure.
	ErrCancelled = errors.New("download cancelled")

	// ErrUnsupportedEnvironment classifies a completion meaning the runtime
	// environment cannot perform real media downloads at all. There is no
	// recovery from it.
	ErrUnsupportedEnvironment = errors.New("media downloads are not supported in this environment")
)

// StartError represents a failure to create a download task, before any
// data transfer began.
type StartError struct {
	SourceURL string // The manifest URL the task was created for
	Reason    string // Human-readable explanation
	Err       error  // Underlying error, if any
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start download of %s: %s", e.SourceURL, e.Reason)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// PlaylistError represents a malformed or unusable HLS playlist.
type PlaylistError struct {
	URL    string // The playlist URL that failed to parse or fetch
	Reason string // Human-readable explanation
	Err    error  // Underlying error, if any
}

func (e *PlaylistError) Error() string {
	return fmt.Sprintf("unusable playlist %s: %s", e.URL, e.Reason)
}

func (e *PlaylistError) Unwrap() error {
	return e.Err
}
