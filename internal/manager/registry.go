package manager

import (
	"fmt"

	"github.com/streamkeep/streamkeep/internal/transport"
)

// registry is the bidirectional bookkeeping between in-flight task handles
// and the assets they download, plus the not-yet-confirmed destination
// location per handle. It is not safe for concurrent use on its own; the
// manager's lock covers it.
type registry struct {
	byHandle  map[transport.Handle]string
	byAsset   map[string]transport.Handle
	locations map[transport.Handle]string
}

func newRegistry() *registry {
	return &registry{
		byHandle:  map[transport.Handle]string{},
		byAsset:   map[string]transport.Handle{},
		locations: map[transport.Handle]string{},
	}
}

// bind associates handle with assetID. An asset may be bound to at most one
// handle at a time.
func (r *registry) bind(handle transport.Handle, assetID string) error {
	if existing, ok := r.byAsset[assetID]; ok {
		return fmt.Errorf("asset %q is already bound to task %s", assetID, existing)
	}

	r.byHandle[handle] = assetID
	r.byAsset[assetID] = handle

	return nil
}

func (r *registry) assetID(handle transport.Handle) (string, bool) {
	id, ok := r.byHandle[handle]

	return id, ok
}

func (r *registry) handleFor(assetID string) (transport.Handle, bool) {
	h, ok := r.byAsset[assetID]

	return h, ok
}

// setLocation records the destination the task will download into, pending
// confirmation at completion.
func (r *registry) setLocation(handle transport.Handle, path string) {
	r.locations[handle] = path
}

// takeLocation consumes the pending destination for handle.
func (r *registry) takeLocation(handle transport.Handle) (string, bool) {
	path, ok := r.locations[handle]
	if ok {
		delete(r.locations, handle)
	}

	return path, ok
}

// unbind removes all bookkeeping for handle.
func (r *registry) unbind(handle transport.Handle) {
	if id, ok := r.byHandle[handle]; ok {
		delete(r.byAsset, id)
	}

	delete(r.byHandle, handle)
	delete(r.locations, handle)
}

// active is the number of handles currently bound.
func (r *registry) active() int {
	return len(r.byHandle)
}
