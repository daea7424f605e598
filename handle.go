package cloudfilter

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// Handle guards a raw handle opened through the driver.
//
// The raw handle is released exactly once, by Close or by
// the finalizer of a leaked Handle, and every operation
// after that fails with ErrHandleClosed.
type Handle struct {
	ops  HandleOps
	path string

	// mtx is held for reading by the operations in flight,
	// so that Close waits for them to finish.
	mtx    sync.RWMutex
	raw    RawHandle
	closed bool
	once   sync.Once
	err    error

	// onClose detaches the handle from its owner.
	onClose func(*Handle)
}

// OpenHandle opens a guarded handle through the driver.
func OpenHandle(ops HandleOps, path string) (*Handle, error) {
	raw, err := ops.OpenHandle(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open handle %q", path)
	}
	return newHandle(ops, path, raw), nil
}

func newHandle(ops HandleOps, path string, raw RawHandle) *Handle {
	h := &Handle{ops: ops, path: path, raw: raw}
	runtime.SetFinalizer(h, func(h *Handle) {
		_ = h.Close()
	})
	return h
}

// Path returns the path the handle was opened with.
func (h *Handle) Path() string {
	return h.path
}

// Close releases the raw handle, the error of the first
// release is returned to every call.
func (h *Handle) Close() error {
	runtime.SetFinalizer(h, nil)
	h.once.Do(func() {
		h.mtx.Lock()
		raw := h.raw
		h.closed = true
		h.raw = 0
		h.mtx.Unlock()
		if err := h.ops.CloseHandle(raw); err != nil {
			h.err = errors.Wrapf(err, "close handle %q", h.path)
		}
		if h.onClose != nil {
			h.onClose(h)
		}
	})
	return h.err
}

// Closed reports whether the handle has been released.
func (h *Handle) Closed() bool {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	return h.closed
}

// Do runs fn with the raw handle, which must not be used
// after fn returns.
func (h *Handle) Do(fn func(raw RawHandle) error) error {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	if h.closed {
		return errors.Wrapf(ErrHandleClosed, "handle %q", h.path)
	}
	return fn(h.raw)
}

// FileID returns the identity of the opened file.
func (h *Handle) FileID() (FileID, error) {
	var id FileID
	err := h.Do(func(raw RawHandle) error {
		var err error
		id, err = h.ops.FileID(raw)
		return err
	})
	return id, err
}

// ConvertToPlaceholder turns the opened file into a
// placeholder carrying the identity.
func (h *Handle) ConvertToPlaceholder(identity []byte, flags ConvertFlags) error {
	return h.Do(func(raw RawHandle) error {
		return h.ops.ConvertToPlaceholder(raw, identity, flags)
	})
}

// Hydrate asks the driver to materialize the range, which
// ends up in FetchData notifications.
func (h *Handle) Hydrate(r Range) error {
	return h.Do(func(raw RawHandle) error {
		return h.ops.HydratePlaceholder(raw, r)
	})
}

// Dehydrate asks the driver to discard the range.
func (h *Handle) Dehydrate(r Range) error {
	return h.Do(func(raw RawHandle) error {
		return h.ops.DehydratePlaceholder(raw, r)
	})
}

// SetPinState updates the pin state of the opened file.
func (h *Handle) SetPinState(state PinState, recursive bool) error {
	return h.Do(func(raw RawHandle) error {
		return h.ops.SetPinState(raw, state, recursive)
	})
}

// SetInSyncState updates the sync state of the opened file.
func (h *Handle) SetInSyncState(state SyncState) error {
	return h.Do(func(raw RawHandle) error {
		return h.ops.SetInSyncState(raw, state)
	})
}

// handleSet tracks the handles owned by a session.
type handleSet struct {
	mtx     sync.Mutex
	handles map[*Handle]struct{}
	closed  bool
}

func (s *handleSet) add(h *Handle) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return false
	}
	if s.handles == nil {
		s.handles = make(map[*Handle]struct{})
	}
	s.handles[h] = struct{}{}
	h.onClose = s.remove
	return true
}

func (s *handleSet) remove(h *Handle) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	delete(s.handles, h)
}

func (s *handleSet) len() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.handles)
}

// closeAll releases the remaining handles and refuses new
// ones, it returns the number of handles released.
func (s *handleSet) closeAll() int {
	s.mtx.Lock()
	s.closed = true
	handles := make([]*Handle, 0, len(s.handles))
	for h := range s.handles {
		handles = append(handles, h)
	}
	s.mtx.Unlock()
	for _, h := range handles {
		_ = h.Close()
	}
	return len(handles)
}
