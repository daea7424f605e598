package cloudfilter

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/winfsp/go-cloudfilter/log"
	"github.com/winfsp/go-cloudfilter/status"
)

const (
	// DefaultDrainTimeout is how long Disconnect waits for
	// the operations in flight by default.
	DefaultDrainTimeout = 30 * time.Second

	// MaxDrainTimeout is the longest drain accepted, which is
	// the time the driver waits for a completion before it
	// fails the request on its own.
	MaxDrainTimeout = 60 * time.Second

	tracerName = "github.com/winfsp/go-cloudfilter"
)

type option struct {
	flags        ConnectFlags
	drainTimeout time.Duration
	store        *Store
	log          log.Log
	metrics      Metrics
	tracer       trace.Tracer
	watchRoot    bool
	faultHandler func(*FaultError)
}

func newOption() *option {
	return &option{
		drainTimeout: DefaultDrainTimeout,
		metrics:      noMetrics{},
	}
}

// Option tunes a session upon connecting.
type Option func(*option)

// WithConnectFlags adds flags to the connection.
func WithConnectFlags(flags ConnectFlags) Option {
	return func(o *option) {
		o.flags |= flags
	}
}

// RequireProcessInfo asks the driver to describe the
// process behind every notification.
func RequireProcessInfo() Option {
	return WithConnectFlags(ConnectRequireProcessInfo)
}

// RequireFullFilePath asks the driver for full paths.
func RequireFullFilePath() Option {
	return WithConnectFlags(ConnectRequireFullFilePath)
}

// BlockSelfImplicitHydration prevents the accesses of the
// process itself from hydrating placeholders.
func BlockSelfImplicitHydration() Option {
	return WithConnectFlags(ConnectBlockSelfImplicitHydration)
}

// DrainTimeout sets how long Disconnect waits for the
// operations in flight before force failing them.
func DrainTimeout(timeout time.Duration) Option {
	return func(o *option) {
		o.drainTimeout = timeout
	}
}

// WithStore makes the session record into the store, which
// is left open by Disconnect. By default the session uses
// a memory only store of its own.
func WithStore(store *Store) Option {
	return func(o *option) {
		o.store = store
	}
}

// Logger sets the logger of the session.
func Logger(l log.Log) Option {
	return func(o *option) {
		o.log = l
	}
}

// WithMetrics sets the metrics of the session.
func WithMetrics(m Metrics) Option {
	return func(o *option) {
		if m == nil {
			m = noMetrics{}
		}
		o.metrics = m
	}
}

// WithTracer sets the tracer spanning each operation, the
// global tracer provider is used by default.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *option) {
		o.tracer = tracer
	}
}

// WatchRoot watches the attributes of the files under the
// sync root, for handlers implementing StateChanged.
func WatchRoot() Option {
	return func(o *option) {
		o.watchRoot = true
	}
}

// FaultHandler is told about every contained handler panic.
func FaultHandler(fn func(*FaultError)) Option {
	return func(o *option) {
		o.faultHandler = fn
	}
}

// Options aggregates the options into one.
func Options(opts ...Option) Option {
	return func(o *option) {
		for _, opt := range opts {
			opt(o)
		}
	}
}

// Session is a live connection of a sync root with the
// driver, serving its notifications with a handler.
type Session struct {
	root       *SyncRoot
	driver     Driver
	key        ConnectionKey
	dispatcher *Dispatcher
	store      *Store
	ownStore   bool
	handles    handleSet
	watcher    *rootWatcher
	option     *option
	log        log.Log
	cancel     context.CancelFunc

	disconnectOnce sync.Once
	disconnectErr  error
}

// connectionError classifies an error of connecting.
func connectionError(err error, path string) error {
	if status.ClassOf(err) == status.ClassConnection {
		return errors.Wrapf(err, "connect %q", path)
	}
	switch status.FromError(err) {
	case status.NotACloudSyncRoot, status.NotUnderSyncRoot:
		return errors.Wrapf(ErrNotRegistered, "connect %q: %v", path, err)
	case status.AlreadyConnected:
		return errors.Wrapf(ErrAlreadyConnected, "connect %q: %v", path, err)
	}
	return errors.Wrapf(ErrDriverUnavailable, "connect %q: %v", path, err)
}

// Connect connects the sync root with the driver, and
// serves its notifications with the handler until
// Disconnect.
func Connect(root *SyncRoot, handler Handler, opts ...Option) (*Session, error) {
	if root == nil {
		return nil, errors.Wrap(ErrNotRegistered, "nil sync root")
	}
	b, err := detectBehaviours(handler)
	if err != nil {
		return nil, err
	}
	option := newOption()
	if inner, ok := handler.(BehaviourDefaultOptions); ok {
		Options(inner.DefaultOptions()...)(option)
	}
	Options(opts...)(option)
	if option.drainTimeout <= 0 || option.drainTimeout > MaxDrainTimeout {
		return nil, errors.Errorf("drain timeout %s out of (0, %s]",
			option.drainTimeout, MaxDrainTimeout)
	}
	if option.tracer == nil {
		option.tracer = otel.Tracer(tracerName)
	}
	l := log.OrNoLog(option.log)
	path := root.Path()

	if err := root.transition(Registered, Connected); err != nil {
		return nil, err
	}
	created := false
	defer func() {
		if !created {
			_ = root.transition(Connected, Registered)
		}
	}()

	store, ownStore := option.store, false
	if store == nil {
		if store, err = NewStore(StoreLogger(l)); err != nil {
			return nil, err
		}
		ownStore = true
	}
	ctx, cancel := context.WithCancel(context.Background())
	driver := root.registrar.driver
	s := &Session{
		root:     root,
		driver:   driver,
		store:    store,
		ownStore: ownStore,
		option:   option,
		log:      l,
		cancel:   cancel,
	}
	s.dispatcher = newDispatcher(ctx, driver, store, b, option)
	key, err := driver.Connect(path, option.flags, s.dispatcher)
	if err != nil {
		cancel()
		return nil, connectionError(err, path)
	}
	s.key = key
	s.dispatcher.setConnectionKey(key)
	if option.watchRoot && b.stateChanged != nil {
		s.watcher, err = startWatcher(path, s.dispatcher.stateChanged, l)
		if err != nil {
			cancel()
			_ = driver.Disconnect(key)
			return nil, errors.Wrapf(err, "watch %q", path)
		}
	}
	created = true
	l.Logf(log.TopicVerdict, "connected sync root %q", path)
	return s, nil
}

// Root returns the connected sync root.
func (s *Session) Root() *SyncRoot {
	return s.root
}

// ConnectionKey returns the key of the connection.
func (s *Session) ConnectionKey() ConnectionKey {
	return s.key
}

// Store returns the placeholder store of the session.
func (s *Session) Store() *Store {
	return s.store
}

// Outstanding returns the number of operations in flight.
func (s *Session) Outstanding() int {
	return s.dispatcher.Outstanding()
}

// Disconnect stops serving the sync root.
//
// It waits for the operations in flight until the drain
// timeout, force failing the remaining ones, and releases
// the handles of the session. The handler is not invoked
// after Disconnect returns. It is safe to call Disconnect
// multiple times.
func (s *Session) Disconnect() error {
	s.disconnectOnce.Do(func() {
		s.disconnectErr = s.disconnect()
	})
	return s.disconnectErr
}

func (s *Session) disconnect() error {
	path := s.root.Path()
	deadline := time.Now().Add(s.option.drainTimeout)
	forced := s.dispatcher.drain(deadline)
	if s.watcher != nil {
		s.watcher.Close()
	}
	released := s.handles.closeAll()
	var result error
	if err := s.driver.Disconnect(s.key); err != nil {
		result = errors.Wrapf(err, "disconnect %q", path)
	}
	_ = s.root.transition(Connected, Registered)
	if s.ownStore {
		if err := s.store.Close(); err != nil && result == nil {
			result = errors.Wrap(err, "close store")
		}
	}
	s.cancel()
	s.log.Logf(log.TopicVerdict,
		"disconnected sync root %q: %d forced, %d handles released",
		path, forced, released)
	return result
}

// resolve makes the path absolute and checks it is under
// the sync root.
func (s *Session) resolve(path string) (string, error) {
	root := s.root.Path()
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)
	if pathKey(path) != pathKey(root) && !nested(pathKey(root), pathKey(path)) {
		return "", errors.Wrapf(status.NotUnderSyncRoot,
			"%q is not under %q", path, root)
	}
	return path, nil
}

// requestError classifies an error of a handle operation.
func requestError(err error, op, path string) error {
	if err == nil || status.ClassOf(err) != status.ClassNone {
		return err
	}
	switch status.FromError(err) {
	case status.NotSupported:
		return errors.Wrapf(ErrNotAPlaceholderCandidate, "%s %q: %v", op, path, err)
	case status.Pinned:
		return errors.Wrapf(ErrPinnedCannotDehydrate, "%s %q: %v", op, path, err)
	case status.NotACloudFile:
		return errors.Wrapf(ErrNotAPlaceholder, "%s %q: %v", op, path, err)
	case status.AccessDenied:
		return errors.Wrapf(ErrOperationDenied, "%s %q: %v", op, path, err)
	}
	return errors.Wrapf(err, "%s %q", op, path)
}

// OpenHandle opens a guarded handle on a file under the
// sync root, which is released by Disconnect at the latest.
func (s *Session) OpenHandle(path string) (*Handle, error) {
	path, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	h, err := OpenHandle(s.driver, path)
	if err != nil {
		return nil, err
	}
	if !s.handles.add(h) {
		_ = h.Close()
		return nil, errors.Wrapf(ErrProviderTerminated, "open %q", path)
	}
	return h, nil
}

// ConvertToPlaceholder turns an existing file under the
// sync root into a placeholder carrying the metadata.
func (s *Session) ConvertToPlaceholder(
	path string, meta Metadata, flags ConvertFlags,
) (*Placeholder, error) {
	h, err := s.OpenHandle(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = h.Close() }()
	id, err := h.FileID()
	if err != nil {
		return nil, err
	}
	return s.store.ConvertToPlaceholder(id, h.Path(), meta, flags,
		func(*Placeholder) error {
			return requestError(h.ConvertToPlaceholder(meta.Identity, flags),
				"convert", h.Path())
		})
}

// placeholderHandle opens a handle on a placeholder.
func (s *Session) placeholderHandle(id FileID) (*Handle, error) {
	p, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	return s.OpenHandle(p.Path)
}

// Hydrate asks the driver to materialize the range of the
// placeholder, the content is fetched from the handler by
// FetchData notifications before it returns.
func (s *Session) Hydrate(id FileID, r Range) error {
	h, err := s.placeholderHandle(id)
	if err != nil {
		return err
	}
	defer func() { _ = h.Close() }()
	return requestError(h.Hydrate(r), "hydrate", h.Path())
}

// Dehydrate discards the range of the placeholder, pinned
// placeholders cannot be dehydrated.
func (s *Session) Dehydrate(id FileID, r Range) (*Placeholder, error) {
	h, err := s.placeholderHandle(id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = h.Close() }()
	return s.store.Dehydrate(id, r, func(*Placeholder) error {
		return requestError(h.Dehydrate(r), "dehydrate", h.Path())
	})
}

// SetPinState updates the pin state of the placeholder.
func (s *Session) SetPinState(id FileID, state PinState) (*Placeholder, error) {
	h, err := s.placeholderHandle(id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = h.Close() }()
	return s.store.SetPinState(id, state, func(*Placeholder) error {
		return requestError(h.SetPinState(state, false), "pin", h.Path())
	})
}

// SetSyncState updates the sync state of the placeholder.
func (s *Session) SetSyncState(id FileID, state SyncState) (*Placeholder, error) {
	h, err := s.placeholderHandle(id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = h.Close() }()
	return s.store.SetSyncState(id, state, func(*Placeholder) error {
		return requestError(h.SetInSyncState(state), "set sync state", h.Path())
	})
}
