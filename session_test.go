package cloudfilter_test

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	cloudfilter "github.com/winfsp/go-cloudfilter"
	"github.com/winfsp/go-cloudfilter/memdriver"
	"github.com/winfsp/go-cloudfilter/rangeset"
	"github.com/winfsp/go-cloudfilter/status"
)

type Assert struct {
	*assert.Assertions
}

// Completed checks the transfer has been completed exactly
// once with the status.
func (assert *Assert) Completed(
	drv *memdriver.Driver, key cloudfilter.TransferKey, code status.Code,
) cloudfilter.Operation {
	ops := drv.Completions(key)
	if !assert.Len(ops, 1, "completions of transfer %d", key) {
		return cloudfilter.Operation{}
	}
	assert.Equal(code, ops[0].Status, "status %s", ops[0].Status)
	return ops[0]
}

func (assert *Assert) Hydration(
	s *cloudfilter.Session, path string, state cloudfilter.HydrationState,
) *cloudfilter.Placeholder {
	p, err := s.Store().Lookup(path)
	if !assert.NoError(err) {
		return nil
	}
	assert.Equal(state, p.Hydration(), "hydration of %q", path)
	return p
}

// engine is the sync engine of the tests, serving content
// from memory. Its knobs are set before connecting.
type engine struct {
	content map[string][]byte
	entries []cloudfilter.PlaceholderEntry

	// chunk limits the bytes supplied by each fetch.
	chunk int

	// pending makes the fetches complete asynchronously.
	pending chan *cloudfilter.OperationContext

	// block makes the fetches wait for their cancellation.
	block bool
	// panicOnCancel makes a blocked fetch panic once cancelled.
	panicOnCancel bool

	panicking bool
	veto      error

	calls   atomic.Int64
	fetches atomic.Int64

	mtx     sync.Mutex
	ops     []*cloudfilter.OperationContext
	cancels []*cloudfilter.CancelRequest
	deleted []string
	renamed []string
	opened  []string
	closed  []string
	changed []string
}

func newEngine() *engine {
	return &engine{content: make(map[string][]byte)}
}

func (e *engine) record(op *cloudfilter.OperationContext) {
	e.calls.Add(1)
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if op != nil {
		e.ops = append(e.ops, op)
	}
}

func (e *engine) slice(path string, r cloudfilter.Range) []byte {
	data := e.content[filepath.Base(path)]
	if r.Start >= uint64(len(data)) {
		return nil
	}
	end := min(r.End, uint64(len(data)))
	if e.chunk > 0 && end-r.Start > uint64(e.chunk) {
		end = r.Start + uint64(e.chunk)
	}
	return data[r.Start:end]
}

func (e *engine) FetchData(
	op *cloudfilter.OperationContext, req *cloudfilter.FetchDataRequest,
) ([]byte, error) {
	e.record(op)
	e.fetches.Add(1)
	switch {
	case e.panicking:
		panic("engine bug")
	case e.pending != nil:
		e.pending <- op
		return nil, cloudfilter.ErrPending
	case e.block:
		<-op.Context().Done()
		if e.panicOnCancel {
			panic("engine bug")
		}
		return nil, op.Context().Err()
	}
	return e.slice(req.Path, req.Range), nil
}

func (e *engine) FetchPlaceholders(
	op *cloudfilter.OperationContext, req *cloudfilter.FetchPlaceholdersRequest,
) ([]cloudfilter.PlaceholderEntry, error) {
	e.record(op)
	if e.veto != nil {
		return nil, e.veto
	}
	return e.entries, nil
}

func (e *engine) Cancel(req *cloudfilter.CancelRequest) {
	e.record(nil)
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.cancels = append(e.cancels, req)
}

func (e *engine) Rename(op *cloudfilter.OperationContext, req *cloudfilter.RenameRequest) error {
	e.record(op)
	return e.veto
}

func (e *engine) Renamed(req *cloudfilter.RenamedRequest) {
	e.record(nil)
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.renamed = append(e.renamed, req.SourcePath+"->"+req.Path)
}

func (e *engine) Delete(op *cloudfilter.OperationContext, req *cloudfilter.DeleteRequest) error {
	e.record(op)
	return e.veto
}

func (e *engine) Deleted(req *cloudfilter.Request) {
	e.record(nil)
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.deleted = append(e.deleted, req.Path)
}

func (e *engine) Dehydrate(op *cloudfilter.OperationContext, req *cloudfilter.DehydrateRequest) error {
	e.record(op)
	return e.veto
}

func (e *engine) ConvertToPlaceholder(op *cloudfilter.OperationContext, req *cloudfilter.ConvertRequest) error {
	e.record(op)
	return e.veto
}

func (e *engine) Rehydrate(op *cloudfilter.OperationContext, req *cloudfilter.RehydrateRequest) error {
	e.record(op)
	return e.veto
}

func (e *engine) Opened(req *cloudfilter.Request) {
	e.record(nil)
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.opened = append(e.opened, req.Path)
}

func (e *engine) Closed(req *cloudfilter.ClosedRequest) {
	e.record(nil)
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.closed = append(e.closed, req.Path)
}

func (e *engine) StateChanged(paths []string) {
	e.record(nil)
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.changed = append(e.changed, paths...)
}

type fixture struct {
	t       *testing.T
	dir     string
	drv     *memdriver.Driver
	reg     *cloudfilter.Registrar
	root    *cloudfilter.SyncRoot
	session *cloudfilter.Session
	engine  *engine
}

func newFixture(t *testing.T, e *engine, opts ...cloudfilter.Option) *fixture {
	return serve(t, e, e, opts...)
}

// serve connects a fixture with a handler wrapping the engine.
func serve(
	t *testing.T, handler cloudfilter.Handler, e *engine, opts ...cloudfilter.Option,
) *fixture {
	f := &fixture{t: t, dir: t.TempDir(), drv: memdriver.New(), engine: e}
	f.reg = cloudfilter.NewRegistrar(f.drv, nil)
	root, err := f.reg.Register(f.dir, uuid.New(), "Contoso", "")
	if err != nil {
		t.Fatal(err)
	}
	f.root = root
	session, err := cloudfilter.Connect(root, handler, opts...)
	if err != nil {
		t.Fatal(err)
	}
	f.session = session
	t.Cleanup(func() {
		_ = f.session.Disconnect()
	})
	return f
}

func (f *fixture) path(name string) string {
	return filepath.Join(f.dir, name)
}

// placeholder creates a Ghost placeholder known to both the
// driver and the store.
func (f *fixture) placeholder(name string, content []byte) cloudfilter.FileID {
	f.engine.content[name] = content
	id := f.drv.AddFile(f.path(name), uint64(len(content)))
	_, err := f.session.ConvertToPlaceholder(f.path(name), cloudfilter.Metadata{
		Size:     uint64(len(content)),
		Identity: []byte("remote:" + name),
	}, cloudfilter.ConvertDehydrate|cloudfilter.ConvertMarkInSync)
	if err != nil {
		f.t.Fatal(err)
	}
	return id
}

// fetch delivers a FetchData notification and returns its
// transfer key.
func (f *fixture) fetch(name string, r cloudfilter.Range) cloudfilter.TransferKey {
	key := f.drv.NextTransferKey()
	err := f.drv.Deliver(&cloudfilter.Notification{
		Kind:        cloudfilter.NotifyFetchData,
		TransferKey: key,
		Path:        f.path(name),
		Range:       r,
	})
	if err != nil {
		f.t.Fatal(err)
	}
	return key
}

func content(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}

func TestConvertToPlaceholder(t *testing.T) {
	assert := Assert{assert.New(t)}
	f := newFixture(t, newEngine())

	f.drv.AddFile(f.path("full.txt"), 10)
	p, err := f.session.ConvertToPlaceholder("full.txt",
		cloudfilter.Metadata{Size: 10}, cloudfilter.ConvertMarkInSync)
	if assert.NoError(err) {
		assert.Equal(cloudfilter.Full, p.Hydration())
		assert.Equal(cloudfilter.InSync, p.Sync)
		assert.Equal(f.path("full.txt"), p.Path)
	}
	file, _ := f.drv.File(f.path("full.txt"))
	assert.True(file.Placeholder)

	_, err = f.session.ConvertToPlaceholder("full.txt", cloudfilter.Metadata{}, 0)
	assert.ErrorIs(err, cloudfilter.ErrNotAPlaceholderCandidate)

	f.drv.AddFile(f.path("foreign.txt"), 10)
	f.drv.MarkForeign(f.path("foreign.txt"))
	_, err = f.session.ConvertToPlaceholder("foreign.txt", cloudfilter.Metadata{}, 0)
	assert.ErrorIs(err, cloudfilter.ErrNotAPlaceholderCandidate)
	_, err = f.session.Store().Lookup(f.path("foreign.txt"))
	assert.ErrorIs(err, cloudfilter.ErrNotAPlaceholder)

	_, err = f.session.ConvertToPlaceholder(
		filepath.Join(t.TempDir(), "outside"), cloudfilter.Metadata{}, 0)
	assert.Error(err)
	assert.Equal(0, f.drv.OpenHandles())
}

func TestHydrateProgressively(t *testing.T) {
	assert := Assert{assert.New(t)}
	e := newEngine()
	e.chunk = 4
	f := newFixture(t, e)
	id := f.placeholder("a.txt", content(10))
	assert.Hydration(f.session, f.path("a.txt"), cloudfilter.Ghost)

	assert.NoError(f.session.Hydrate(id, cloudfilter.FullRange))
	assert.Equal(int64(3), e.fetches.Load())
	p := assert.Hydration(f.session, f.path("a.txt"), cloudfilter.Full)
	if p != nil {
		assert.True(rangeset.Of(rangeset.Span(0, 10)).Equal(p.Ranges))
	}
	file, _ := f.drv.File(f.path("a.txt"))
	assert.Equal(uint64(10), file.Ranges.Len())
}

func TestHydrateFailure(t *testing.T) {
	assert := Assert{assert.New(t)}
	e := newEngine()
	f := newFixture(t, e)
	id := f.placeholder("a.txt", content(10))
	e.content["a.txt"] = nil

	err := f.session.Hydrate(id, cloudfilter.FullRange)
	assert.Error(err)
	assert.Equal(status.InvalidRequest, status.FromError(errors.Cause(err)))
	assert.Hydration(f.session, f.path("a.txt"), cloudfilter.Ghost)
}

func TestDehydrate(t *testing.T) {
	assert := Assert{assert.New(t)}
	f := newFixture(t, newEngine())
	id := f.placeholder("a.txt", content(100))
	assert.NoError(f.session.Hydrate(id, cloudfilter.FullRange))

	_, err := f.session.Dehydrate(id, rangeset.Span(0, 50))
	assert.NoError(err)
	assert.Hydration(f.session, f.path("a.txt"), cloudfilter.Partial)

	_, err = f.session.Dehydrate(id, cloudfilter.FullRange)
	assert.NoError(err)
	assert.Hydration(f.session, f.path("a.txt"), cloudfilter.Ghost)
	file, _ := f.drv.File(f.path("a.txt"))
	assert.Equal(uint64(0), file.Ranges.Len())
}

func TestDehydratePinned(t *testing.T) {
	assert := Assert{assert.New(t)}
	f := newFixture(t, newEngine())
	id := f.placeholder("a.txt", content(100))
	assert.NoError(f.session.Hydrate(id, cloudfilter.FullRange))

	p, err := f.session.SetPinState(id, cloudfilter.Pinned)
	assert.NoError(err)
	assert.Equal(cloudfilter.Pinned, p.Pin)
	file, _ := f.drv.File(f.path("a.txt"))
	assert.Equal(cloudfilter.Pinned, file.Pin)

	_, err = f.session.Dehydrate(id, cloudfilter.FullRange)
	assert.ErrorIs(err, cloudfilter.ErrPinnedCannotDehydrate)
	assert.Equal(status.ClassRequest, status.ClassOf(err))
	p = assert.Hydration(f.session, f.path("a.txt"), cloudfilter.Full)
	if p != nil {
		assert.Equal(cloudfilter.Pinned, p.Pin)
	}
	file, _ = f.drv.File(f.path("a.txt"))
	assert.Equal(uint64(100), file.Ranges.Len())
}

func TestSetSyncState(t *testing.T) {
	assert := Assert{assert.New(t)}
	f := newFixture(t, newEngine())
	id := f.placeholder("a.txt", content(1))

	p, err := f.session.SetSyncState(id, cloudfilter.OutOfSync)
	assert.NoError(err)
	assert.Equal(cloudfilter.OutOfSync, p.Sync)
	file, _ := f.drv.File(f.path("a.txt"))
	assert.Equal(cloudfilter.OutOfSync, file.Sync)

	_, err = f.session.SetSyncState(999, cloudfilter.InSync)
	assert.ErrorIs(err, cloudfilter.ErrNotAPlaceholder)
}

func TestDisconnectReleasesHandles(t *testing.T) {
	assert := Assert{assert.New(t)}
	f := newFixture(t, newEngine())
	f.drv.AddFile(f.path("a.txt"), 1)

	h, err := f.session.OpenHandle("a.txt")
	if !assert.NoError(err) {
		return
	}
	assert.Equal(1, f.drv.OpenHandles())
	assert.NoError(f.session.Disconnect())
	assert.True(h.Closed())
	assert.Equal(0, f.drv.OpenHandles())
	_, err = h.FileID()
	assert.ErrorIs(err, cloudfilter.ErrHandleClosed)

	_, err = f.session.OpenHandle("a.txt")
	assert.ErrorIs(err, cloudfilter.ErrProviderTerminated)
	assert.Equal(0, f.drv.OpenHandles())
	assert.False(f.drv.Connected(f.dir))
	assert.Equal(cloudfilter.Registered, f.root.State())
}

func TestDisconnectDrains(t *testing.T) {
	assert := Assert{assert.New(t)}
	e := newEngine()
	e.pending = make(chan *cloudfilter.OperationContext, 8)
	f := newFixture(t, e)
	names := []string{"a.txt", "b.txt", "c.txt"}
	keys := make([]cloudfilter.TransferKey, len(names))
	for i, name := range names {
		f.placeholder(name, content(10))
		keys[i] = f.fetch(name, rangeset.Span(0, 10))
	}
	var ops []*cloudfilter.OperationContext
	for range names {
		ops = append(ops, <-e.pending)
	}
	assert.Equal(3, f.session.Outstanding())

	done := make(chan error, 1)
	go func() {
		done <- f.session.Disconnect()
	}()
	assert.Never(func() bool {
		return len(done) > 0
	}, 50*time.Millisecond, 5*time.Millisecond)

	// Notifications arriving while draining are refused
	// without reaching the handler.
	calls := e.calls.Load()
	refused := f.fetch("a.txt", rangeset.Span(0, 10))
	assert.Equal(calls, e.calls.Load())
	assert.Completed(f.drv, refused, status.ProviderTerminated)

	for _, op := range ops {
		assert.NoError(op.CompleteFetchData(
			e.slice(op.Request().Path, op.Range()), nil))
	}
	select {
	case err := <-done:
		assert.NoError(err)
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect did not return")
	}
	for i, key := range keys {
		assert.Completed(f.drv, key, status.Success)
		outcome, _ := ops[i].Outcome()
		assert.Equal(cloudfilter.OutcomeSucceeded, outcome)
	}
	assert.Equal(0, f.session.Outstanding())
	assert.Equal(calls, e.calls.Load())
	assert.False(f.drv.Connected(f.dir))
}

func TestDisconnectForceFails(t *testing.T) {
	assert := Assert{assert.New(t)}
	e := newEngine()
	e.pending = make(chan *cloudfilter.OperationContext, 8)
	f := newFixture(t, e, cloudfilter.DrainTimeout(50*time.Millisecond))
	f.placeholder("a.txt", content(10))
	first := f.fetch("a.txt", rangeset.Span(0, 5))
	second := f.fetch("a.txt", rangeset.Span(5, 5))
	op := <-e.pending
	<-e.pending

	start := time.Now()
	assert.NoError(f.session.Disconnect())
	assert.GreaterOrEqual(time.Since(start), 50*time.Millisecond)
	assert.Completed(f.drv, first, status.RequestTimeout)
	assert.Completed(f.drv, second, status.RequestTimeout)

	err := op.CompleteFetchData(content(5), nil)
	assert.ErrorIs(err, cloudfilter.ErrAlreadyCompleted)
	outcome, code := op.Outcome()
	assert.Equal(cloudfilter.OutcomeFailed, outcome)
	assert.Equal(status.RequestTimeout, code)
	assert.Len(f.drv.Completions(first), 1)
}

type defaultsEngine struct {
	*engine
	log []string
}

func (e *defaultsEngine) DefaultOptions() []cloudfilter.Option {
	return []cloudfilter.Option{
		cloudfilter.DrainTimeout(10 * time.Millisecond),
		cloudfilter.FaultHandler(func(fault *cloudfilter.FaultError) {
			e.log = append(e.log, fault.Operation)
		}),
	}
}

func TestDefaultOptions(t *testing.T) {
	assert := Assert{assert.New(t)}
	e := &defaultsEngine{engine: newEngine()}
	e.panicking = true
	f := serve(t, e, e.engine)
	f.placeholder("a.txt", content(1))
	key := f.fetch("a.txt", rangeset.Span(0, 1))
	assert.Completed(f.drv, key, status.Unsuccessful)
	assert.Equal([]string{"FetchData"}, e.log)
}
