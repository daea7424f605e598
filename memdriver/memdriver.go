// Package memdriver simulates the cloud files filter
// driver in memory.
//
// It keeps its own view of the files under the sync roots,
// delivers the notifications the tests ask for, and records
// the operations executed by the runtime. Hydrating through
// a handle issues FetchData notifications the way the real
// driver does, until the range is materialized.
package memdriver

import (
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"

	cloudfilter "github.com/winfsp/go-cloudfilter"
	"github.com/winfsp/go-cloudfilter/rangeset"
	"github.com/winfsp/go-cloudfilter/status"
)

// File is the driver's view of a file.
type File struct {
	ID          cloudfilter.FileID
	Path        string
	Size        uint64
	IsDirectory bool
	Placeholder bool
	Identity    []byte
	Pin         cloudfilter.PinState
	Sync        cloudfilter.SyncState
	Ranges      rangeset.Set

	// Foreign marks a file carrying the reparse point of
	// another filter, which cannot become a placeholder.
	Foreign bool
}

type connection struct {
	path string
	sink cloudfilter.CallbackSink
}

// Driver implements cloudfilter.Driver in memory.
type Driver struct {
	// Unavailable makes Connect fail as if the driver was
	// not running.
	Unavailable bool

	// ExecuteHook is called before an operation is recorded,
	// a non-nil error fails the Execute.
	ExecuteHook func(op *cloudfilter.Operation) error

	mtx         sync.Mutex
	cond        *sync.Cond
	transfers   map[cloudfilter.TransferKey]string
	roots       map[string]cloudfilter.SyncRootInfo
	conns       map[cloudfilter.ConnectionKey]*connection
	files       map[string]*File
	handles     map[cloudfilter.RawHandle]string
	executed    []cloudfilter.Operation
	lastKey     cloudfilter.ConnectionKey
	lastID      cloudfilter.FileID
	lastHandle  cloudfilter.RawHandle
	lastRequest cloudfilter.RequestKey
	lastTrans   cloudfilter.TransferKey
}

// New creates an empty driver.
func New() *Driver {
	d := &Driver{
		transfers: make(map[cloudfilter.TransferKey]string),
		roots:     make(map[string]cloudfilter.SyncRootInfo),
		conns:     make(map[cloudfilter.ConnectionKey]*connection),
		files:     make(map[string]*File),
		handles:   make(map[cloudfilter.RawHandle]string),
	}
	d.cond = sync.NewCond(&d.mtx)
	return d
}

var _ cloudfilter.Driver = (*Driver)(nil)

func clean(path string) string {
	return filepath.Clean(path)
}

// AddFile records a regular file that is not a placeholder.
func (d *Driver) AddFile(path string, size uint64) cloudfilter.FileID {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.lastID++
	d.files[clean(path)] = &File{
		ID:     d.lastID,
		Path:   clean(path),
		Size:   size,
		Ranges: rangeset.Of(rangeset.Span(0, size)),
	}
	return d.lastID
}

// AddPlaceholder records a Ghost placeholder.
func (d *Driver) AddPlaceholder(path string, size uint64, identity []byte) cloudfilter.FileID {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.lastID++
	d.files[clean(path)] = &File{
		ID:          d.lastID,
		Path:        clean(path),
		Size:        size,
		Placeholder: true,
		Identity:    append([]byte(nil), identity...),
		Sync:        cloudfilter.InSync,
	}
	return d.lastID
}

// AddDirectory records a directory placeholder.
func (d *Driver) AddDirectory(path string) cloudfilter.FileID {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.lastID++
	d.files[clean(path)] = &File{
		ID:          d.lastID,
		Path:        clean(path),
		IsDirectory: true,
		Placeholder: true,
	}
	return d.lastID
}

// MarkForeign marks the file as carrying a foreign reparse
// point.
func (d *Driver) MarkForeign(path string) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if f, ok := d.files[clean(path)]; ok {
		f.Foreign = true
	}
}

// File returns a copy of the driver's view of the file.
func (d *Driver) File(path string) (File, bool) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	f, ok := d.files[clean(path)]
	if !ok {
		return File{}, false
	}
	result := *f
	result.Ranges = f.Ranges.Clone()
	return result, true
}

// Files lists the paths known to the driver.
func (d *Driver) Files() []string {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var paths []string
	for path := range d.files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Executed returns the operations executed so far.
func (d *Driver) Executed() []cloudfilter.Operation {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return append([]cloudfilter.Operation(nil), d.executed...)
}

// Completions returns the operations executed for the
// transfer key.
func (d *Driver) Completions(key cloudfilter.TransferKey) []cloudfilter.Operation {
	var result []cloudfilter.Operation
	for _, op := range d.Executed() {
		if op.TransferKey == key {
			result = append(result, op)
		}
	}
	return result
}

// OpenHandles returns the number of handles not closed.
func (d *Driver) OpenHandles() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return len(d.handles)
}

// Connected reports whether the path has a connection.
func (d *Driver) Connected(path string) bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	for _, conn := range d.conns {
		if conn.path == clean(path) {
			return true
		}
	}
	return false
}

// NextTransferKey allocates a transfer key, standing for
// a file handle opened by another process.
func (d *Driver) NextTransferKey() cloudfilter.TransferKey {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.lastTrans++
	return d.lastTrans
}

// Deliver hands the notification to the connection of the
// sync root containing its path, and returns once the sink
// returns. The keys left zero are filled in.
func (d *Driver) Deliver(n *cloudfilter.Notification) error {
	d.mtx.Lock()
	var conn *connection
	for key, c := range d.conns {
		if n.ConnectionKey == key || n.ConnectionKey == 0 &&
			(clean(n.Path) == c.path || within(c.path, n.Path)) {
			n.ConnectionKey, conn = key, c
			break
		}
	}
	if conn == nil {
		d.mtx.Unlock()
		return errors.Wrapf(status.NotUnderSyncRoot,
			"no connection for %q", n.Path)
	}
	d.lastRequest++
	if n.RequestKey == 0 {
		n.RequestKey = d.lastRequest
	}
	if n.TransferKey == 0 {
		d.lastTrans++
		n.TransferKey = d.lastTrans
	}
	if f, ok := d.files[clean(n.Path)]; ok {
		if n.FileID == 0 {
			n.FileID = f.ID
		}
		if n.FileSize == 0 {
			n.FileSize = f.Size
		}
		if n.Identity == nil {
			n.Identity = append([]byte(nil), f.Identity...)
		}
	}
	d.mtx.Unlock()
	conn.sink.Deliver(n)
	return nil
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, clean(path))
	return err == nil && rel != "." && rel != ".." &&
		(len(rel) < 3 || rel[:3] != ".."+string(filepath.Separator))
}

// RegisterSyncRoot implements cloudfilter.Registry.
func (d *Driver) RegisterSyncRoot(info *cloudfilter.SyncRootInfo) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	path := clean(info.Path)
	if _, ok := d.roots[path]; ok {
		return status.InUse
	}
	d.roots[path] = *info
	return nil
}

// UnregisterSyncRoot implements cloudfilter.Registry.
func (d *Driver) UnregisterSyncRoot(path string) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	path = clean(path)
	if _, ok := d.roots[path]; !ok {
		return status.NotACloudSyncRoot
	}
	for _, conn := range d.conns {
		if conn.path == path {
			return status.InUse
		}
	}
	delete(d.roots, path)
	return nil
}

// IsSyncRoot implements cloudfilter.Registry.
func (d *Driver) IsSyncRoot(path string) (bool, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	_, ok := d.roots[clean(path)]
	return ok, nil
}

// SyncRoot returns the registration of the path.
func (d *Driver) SyncRoot(path string) (cloudfilter.SyncRootInfo, bool) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	info, ok := d.roots[clean(path)]
	return info, ok
}

// Connect implements cloudfilter.Connector.
func (d *Driver) Connect(
	path string, flags cloudfilter.ConnectFlags, sink cloudfilter.CallbackSink,
) (cloudfilter.ConnectionKey, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.Unavailable {
		return 0, status.ProviderNotRunning
	}
	path = clean(path)
	if _, ok := d.roots[path]; !ok {
		return 0, status.NotACloudSyncRoot
	}
	for _, conn := range d.conns {
		if conn.path == path {
			return 0, status.AlreadyConnected
		}
	}
	d.lastKey++
	d.conns[d.lastKey] = &connection{path: path, sink: sink}
	return d.lastKey, nil
}

// Disconnect implements cloudfilter.Connector.
func (d *Driver) Disconnect(key cloudfilter.ConnectionKey) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if _, ok := d.conns[key]; !ok {
		return status.InvalidRequest
	}
	delete(d.conns, key)
	d.cond.Broadcast()
	return nil
}

// Execute implements cloudfilter.Connector.
func (d *Driver) Execute(key cloudfilter.ConnectionKey, op *cloudfilter.Operation) error {
	if d.ExecuteHook != nil {
		if err := d.ExecuteHook(op); err != nil {
			return err
		}
	}
	d.mtx.Lock()
	defer d.mtx.Unlock()
	conn, ok := d.conns[key]
	if !ok {
		return status.InvalidRequest
	}
	if op.Status.Succeeded() {
		switch op.Type {
		case cloudfilter.OperationTransferData:
			if f := d.fileOf(op.TransferKey); f != nil {
				f.Ranges = f.Ranges.Add(
					rangeset.Span(op.Offset, op.Length).Clamp(f.Size))
			}
		case cloudfilter.OperationTransferPlaceholders:
			d.createPlaceholders(conn, op)
		}
	}
	recorded := *op
	recorded.Buffer = append([]byte(nil), op.Buffer...)
	recorded.Placeholders = append(
		[]cloudfilter.PlaceholderCreateInfo(nil), op.Placeholders...)
	d.executed = append(d.executed, recorded)
	d.cond.Broadcast()
	return nil
}

// transfer allocates a transfer key for a hydration or a
// population of the file at path.
func (d *Driver) transfer(path string) (cloudfilter.TransferKey, func()) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.lastTrans++
	key := d.lastTrans
	d.transfers[key] = clean(path)
	return key, func() {
		d.mtx.Lock()
		defer d.mtx.Unlock()
		delete(d.transfers, key)
	}
}

func (d *Driver) fileOf(key cloudfilter.TransferKey) *File {
	if path, ok := d.transfers[key]; ok {
		return d.files[path]
	}
	return nil
}

func (d *Driver) countLocked(key cloudfilter.TransferKey) int {
	count := 0
	for _, op := range d.executed {
		if op.TransferKey == key {
			count++
		}
	}
	return count
}

func (d *Driver) connectedLocked(key cloudfilter.ConnectionKey) bool {
	_, ok := d.conns[key]
	return ok
}

func (d *Driver) createPlaceholders(conn *connection, op *cloudfilter.Operation) {
	dir := conn.path
	if path, ok := d.transfers[op.TransferKey]; ok {
		dir = path
	}
	for i := range op.Placeholders {
		info := &op.Placeholders[i]
		path := clean(filepath.Join(dir, info.RelativeName))
		if f, ok := d.files[path]; ok {
			if !f.Placeholder {
				info.Result = status.InUse
				continue
			}
			info.FileID, info.Result = f.ID, status.Success
			continue
		}
		d.lastID++
		d.files[path] = &File{
			ID:          d.lastID,
			Path:        path,
			Size:        info.Metadata.Size,
			IsDirectory: info.Metadata.IsDirectory,
			Placeholder: true,
			Identity:    append([]byte(nil), info.Metadata.Identity...),
		}
		info.FileID, info.Result = d.lastID, status.Success
	}
}

// Populate delivers FetchPlaceholders for the directory,
// and returns the operations completing it.
func (d *Driver) Populate(dir, pattern string) ([]cloudfilter.Operation, error) {
	key, done := d.transfer(dir)
	defer done()
	err := d.Deliver(&cloudfilter.Notification{
		Kind:        cloudfilter.NotifyFetchPlaceholders,
		TransferKey: key,
		Path:        dir,
		Pattern:     pattern,
	})
	return d.Completions(key), err
}

func (d *Driver) handlePath(h cloudfilter.RawHandle) (*File, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	path, ok := d.handles[h]
	if !ok {
		return nil, status.InvalidRequest
	}
	f, ok := d.files[path]
	if !ok {
		return nil, errors.Wrapf(status.NotACloudFile, "%q is gone", path)
	}
	return f, nil
}

// OpenHandle implements cloudfilter.HandleOps.
func (d *Driver) OpenHandle(path string) (cloudfilter.RawHandle, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if _, ok := d.files[clean(path)]; !ok {
		return 0, errors.Wrapf(status.NotUnderSyncRoot, "no file %q", path)
	}
	d.lastHandle++
	d.handles[d.lastHandle] = clean(path)
	return d.lastHandle, nil
}

// CloseHandle implements cloudfilter.HandleOps.
func (d *Driver) CloseHandle(h cloudfilter.RawHandle) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if _, ok := d.handles[h]; !ok {
		return status.InvalidRequest
	}
	delete(d.handles, h)
	return nil
}

// FileID implements cloudfilter.HandleOps.
func (d *Driver) FileID(h cloudfilter.RawHandle) (cloudfilter.FileID, error) {
	f, err := d.handlePath(h)
	if err != nil {
		return 0, err
	}
	return f.ID, nil
}

// ConvertToPlaceholder implements cloudfilter.HandleOps.
func (d *Driver) ConvertToPlaceholder(
	h cloudfilter.RawHandle, identity []byte, flags cloudfilter.ConvertFlags,
) error {
	f, err := d.handlePath(h)
	if err != nil {
		return err
	}
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if f.Placeholder || f.Foreign {
		return status.NotSupported
	}
	f.Placeholder = true
	f.Identity = append([]byte(nil), identity...)
	f.Sync = cloudfilter.OutOfSync
	if flags&cloudfilter.ConvertMarkInSync != 0 {
		f.Sync = cloudfilter.InSync
	}
	if flags&cloudfilter.ConvertDehydrate != 0 {
		f.Ranges = nil
	}
	return nil
}

// HydratePlaceholder implements cloudfilter.HandleOps.
//
// It delivers FetchData for the missing part of the range
// until it is materialized, and fails once a fetch makes
// no progress.
func (d *Driver) HydratePlaceholder(h cloudfilter.RawHandle, r cloudfilter.Range) error {
	f, err := d.handlePath(h)
	if err != nil {
		return err
	}
	key, done := d.transfer(f.Path)
	defer done()
	for {
		d.mtx.Lock()
		if !f.Placeholder {
			d.mtx.Unlock()
			return status.NotACloudFile
		}
		missing := f.Ranges.Missing(r.Clamp(f.Size))
		before := f.Ranges.Len()
		sent := d.countLocked(key)
		path, size := f.Path, f.Size
		d.mtx.Unlock()
		if len(missing) == 0 {
			return nil
		}
		n := &cloudfilter.Notification{
			Kind:        cloudfilter.NotifyFetchData,
			TransferKey: key,
			Path:        path,
			FileSize:    size,
			Range:       missing[0],
			Explicit:    true,
		}
		if err := d.Deliver(n); err != nil {
			return err
		}
		// Wait for the completion of fetches gone pending.
		d.mtx.Lock()
		for d.countLocked(key) == sent && d.connectedLocked(n.ConnectionKey) {
			d.cond.Wait()
		}
		after := f.Ranges.Len()
		d.mtx.Unlock()
		if after == before {
			for _, op := range d.Completions(key) {
				if !op.Status.Succeeded() {
					return op.Status
				}
			}
			return status.Unsuccessful
		}
	}
}

// DehydratePlaceholder implements cloudfilter.HandleOps.
func (d *Driver) DehydratePlaceholder(h cloudfilter.RawHandle, r cloudfilter.Range) error {
	f, err := d.handlePath(h)
	if err != nil {
		return err
	}
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if !f.Placeholder {
		return status.NotACloudFile
	}
	if f.Pin == cloudfilter.Pinned {
		return status.Pinned
	}
	f.Ranges = f.Ranges.Remove(r)
	return nil
}

// SetPinState implements cloudfilter.HandleOps.
func (d *Driver) SetPinState(
	h cloudfilter.RawHandle, state cloudfilter.PinState, recursive bool,
) error {
	f, err := d.handlePath(h)
	if err != nil {
		return err
	}
	d.mtx.Lock()
	defer d.mtx.Unlock()
	f.Pin = state
	if recursive && f.IsDirectory {
		for _, child := range d.files {
			if within(f.Path, child.Path) {
				child.Pin = state
			}
		}
	}
	return nil
}

// SetInSyncState implements cloudfilter.HandleOps.
func (d *Driver) SetInSyncState(h cloudfilter.RawHandle, state cloudfilter.SyncState) error {
	f, err := d.handlePath(h)
	if err != nil {
		return err
	}
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if !f.Placeholder {
		return status.NotACloudFile
	}
	f.Sync = state
	return nil
}
