package cloudfilter

import (
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/winfsp/go-cloudfilter/keylock"
	"github.com/winfsp/go-cloudfilter/log"
	"github.com/winfsp/go-cloudfilter/rangeset"
)

// Backend persists the placeholder records of a Store.
//
// The Store calls the backend with the placeholder locked,
// so the backend sees the writes of a placeholder in order.
type Backend interface {
	Save(p *Placeholder) error
	Delete(id FileID) error
	List() ([]*Placeholder, error)
	Close() error
}

// Commit is run with the placeholder locked, after the
// mutation has been validated and before it is applied.
//
// It receives the placeholder as it will be after the
// mutation, and the mutation is abandoned if it fails.
type Commit func(p *Placeholder) error

// Store keeps the placeholders of a sync root.
//
// The placeholders are copy-on-write: a stored record is
// never modified in place, mutations are serialized per
// file identity and swap the record when they succeed.
type Store struct {
	locks   *keylock.Locker[FileID]
	backend Backend
	log     log.Log

	// mtx guards the maps, not the records.
	mtx     sync.RWMutex
	entries map[FileID]*Placeholder
	paths   map[string]FileID

	// claims holds the paths that in-flight mutations are
	// moving placeholders to.
	claims map[string]FileID
}

type storeOption struct {
	backend Backend
	log     log.Log
}

// StoreOption configures a Store.
type StoreOption func(*storeOption)

// WithBackend persists the placeholders with the backend,
// the records already in the backend are loaded.
func WithBackend(backend Backend) StoreOption {
	return func(o *storeOption) {
		o.backend = backend
	}
}

// StoreLogger sets the logger of the store.
func StoreLogger(l log.Log) StoreOption {
	return func(o *storeOption) {
		o.log = l
	}
}

// NewStore creates a store, which is memory only unless
// a backend is specified.
func NewStore(opts ...StoreOption) (*Store, error) {
	option := &storeOption{}
	for _, opt := range opts {
		opt(option)
	}
	s := &Store{
		locks:   keylock.New[FileID](),
		backend: option.backend,
		log:     log.OrNoLog(option.log),
		entries: make(map[FileID]*Placeholder),
		paths:   make(map[string]FileID),
		claims:  make(map[string]FileID),
	}
	if s.backend != nil {
		records, err := s.backend.List()
		if err != nil {
			return nil, errors.Wrap(err, "load placeholders")
		}
		for _, p := range records {
			s.entries[p.ID] = p
			s.paths[pathKey(p.Path)] = p.ID
		}
	}
	return s, nil
}

// pathKey normalizes a path for indexing, paths are case
// insensitive on Windows.
func pathKey(p string) string {
	p = filepath.Clean(p)
	if runtime.GOOS == "windows" {
		p = strings.ToLower(p)
	}
	return p
}

func notFound(id FileID) error {
	return errors.Wrapf(ErrNotAPlaceholder, "file id %d", id)
}

// Get returns a snapshot of the placeholder.
func (s *Store) Get(id FileID) (*Placeholder, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	p, ok := s.entries[id]
	if !ok {
		return nil, notFound(id)
	}
	return p.Clone(), nil
}

// Lookup returns a snapshot of the placeholder at path.
func (s *Store) Lookup(path string) (*Placeholder, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	id, ok := s.paths[pathKey(path)]
	if !ok {
		return nil, errors.Wrapf(ErrNotAPlaceholder, "path %q", path)
	}
	return s.entries[id].Clone(), nil
}

// List returns snapshots of all placeholders sorted by path.
func (s *Store) List() []*Placeholder {
	s.mtx.RLock()
	result := make([]*Placeholder, 0, len(s.entries))
	for _, p := range s.entries {
		result = append(result, p.Clone())
	}
	s.mtx.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		return result[i].Path < result[j].Path
	})
	return result
}

// Len returns the number of placeholders.
func (s *Store) Len() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return len(s.entries)
}

// pathOwner returns the file id holding the path.
func (s *Store) pathOwner(path string) (FileID, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	id, ok := s.paths[pathKey(path)]
	return id, ok
}

// mutate is the skeleton of all mutations.
//
// The update receives a private copy of the current record,
// or nil if absent, and returns the next record, or nil for
// removing it.
func (s *Store) mutate(
	id FileID, update func(cur *Placeholder) (*Placeholder, error),
	commits []Commit,
) (*Placeholder, error) {
	lock := s.locks.Lock(id)
	defer lock.Unlock()

	s.mtx.RLock()
	cur := s.entries[id]
	s.mtx.RUnlock()
	var input *Placeholder
	if cur != nil {
		input = cur.Clone()
	}
	next, err := update(input)
	if err != nil {
		return nil, err
	}
	if next != nil {
		release, err := s.claimPath(id, next.Path)
		if err != nil {
			return nil, err
		}
		defer release()
	}
	view := next
	if view == nil {
		view = input
	}
	for _, commit := range commits {
		if err := commit(view.Clone()); err != nil {
			return nil, err
		}
	}
	if s.backend != nil {
		if next != nil {
			err = s.backend.Save(next)
		} else {
			err = s.backend.Delete(id)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "persist file id %d", id)
		}
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	if cur != nil && s.paths[pathKey(cur.Path)] == id {
		delete(s.paths, pathKey(cur.Path))
	}
	if next == nil {
		delete(s.entries, id)
		return input, nil
	}
	s.entries[id] = next
	s.paths[pathKey(next.Path)] = id
	return next.Clone(), nil
}

// claimPath reserves the path for the file id until the
// mutation ends, failing when another file holds or claims
// it. The returned function drops the claim.
func (s *Store) claimPath(id FileID, path string) (func(), error) {
	key := pathKey(path)
	s.mtx.Lock()
	defer s.mtx.Unlock()
	owner, ok := s.paths[key]
	if !ok || owner == id {
		owner, ok = s.claims[key]
	}
	if ok && owner != id {
		return nil, errors.Wrapf(ErrNotAPlaceholderCandidate,
			"path %q held by file id %d", path, owner)
	}
	s.claims[key] = id
	return func() {
		s.mtx.Lock()
		defer s.mtx.Unlock()
		if s.claims[key] == id {
			delete(s.claims, key)
		}
	}, nil
}

// existing wraps an update that requires the placeholder.
func existing(
	id FileID, update func(p *Placeholder) error,
) func(*Placeholder) (*Placeholder, error) {
	return func(p *Placeholder) (*Placeholder, error) {
		if p == nil {
			return nil, notFound(id)
		}
		if err := update(p); err != nil {
			return nil, err
		}
		return p, nil
	}
}

func checkMetadata(meta *Metadata) error {
	if len(meta.Identity) > MaxIdentityLength {
		return errors.Wrapf(ErrInvalidRequest,
			"identity of %d bytes exceeds %d",
			len(meta.Identity), MaxIdentityLength)
	}
	return nil
}

// ConvertToPlaceholder records the file as a placeholder.
//
// The file content stays materialized unless the flags
// ask for dehydration, and it is out of sync unless the
// flags mark it in sync. A file identity or a path that is
// already a placeholder is not a candidate.
func (s *Store) ConvertToPlaceholder(
	id FileID, path string, meta Metadata, flags ConvertFlags,
	commits ...Commit,
) (*Placeholder, error) {
	if err := checkMetadata(&meta); err != nil {
		return nil, err
	}
	return s.mutate(id, func(cur *Placeholder) (*Placeholder, error) {
		if cur != nil {
			return nil, errors.Wrapf(ErrNotAPlaceholderCandidate,
				"file id %d is already a placeholder at %q", id, cur.Path)
		}
		p := &Placeholder{
			ID:       id,
			Path:     path,
			Metadata: meta,
			Pin:      Unpinned,
			Sync:     OutOfSync,
		}
		if flags&ConvertMarkInSync != 0 {
			p.Sync = InSync
		}
		if flags&ConvertDehydrate == 0 && meta.Size > 0 {
			p.Ranges = rangeset.Of(Range{Start: 0, End: meta.Size})
		}
		s.log.Logf(log.TopicTrace,
			"convert %q (id %d) into %s placeholder",
			path, id, p.Hydration())
		return p, nil
	}, commits)
}

// Adopt records an unknown placeholder the driver reports,
// as a Ghost in sync. A known placeholder is left as is.
func (s *Store) Adopt(id FileID, path string, meta Metadata) (*Placeholder, error) {
	if p, err := s.Get(id); err == nil {
		return p, nil
	}
	if err := s.evictPath(id, path); err != nil {
		return nil, err
	}
	return s.mutate(id, func(cur *Placeholder) (*Placeholder, error) {
		if cur != nil {
			return cur, nil
		}
		s.log.Logf(log.TopicTrace, "adopt %q (id %d)", path, id)
		return &Placeholder{
			ID: id, Path: path, Metadata: meta,
			Pin: Unpinned, Sync: InSync,
		}, nil
	}, nil)
}

// evictPath removes the record of another file that used
// to be at path, since the driver reports the file at path
// to be a different one now.
func (s *Store) evictPath(id FileID, path string) error {
	owner, ok := s.pathOwner(path)
	if !ok || owner == id {
		return nil
	}
	s.log.Logf(log.TopicTrace,
		"evict file id %d replaced at %q by %d", owner, path, id)
	if _, err := s.Delete(owner); err != nil &&
		!errors.Is(err, ErrNotAPlaceholder) {
		return err
	}
	return nil
}

// UpsertGhost records a placeholder created by the driver
// on behalf of the engine. A known placeholder keeps its
// materialized ranges that are still within its size.
func (s *Store) UpsertGhost(
	id FileID, path string, meta Metadata, sync SyncState,
) (*Placeholder, error) {
	if err := checkMetadata(&meta); err != nil {
		return nil, err
	}
	if err := s.evictPath(id, path); err != nil {
		return nil, err
	}
	return s.mutate(id, func(cur *Placeholder) (*Placeholder, error) {
		if cur == nil {
			return &Placeholder{
				ID: id, Path: path, Metadata: meta,
				Pin: Unpinned, Sync: sync,
			}, nil
		}
		cur.Path = path
		cur.Metadata = meta
		cur.Sync = sync
		cur.Ranges = cur.Ranges.Clamp(meta.Size)
		return cur, nil
	}, nil)
}

// MarkRangeHydrated adds the range to the materialized
// ranges, the part of it beyond the file size is ignored.
func (s *Store) MarkRangeHydrated(
	id FileID, r Range, commits ...Commit,
) (*Placeholder, error) {
	return s.mutate(id, existing(id, func(p *Placeholder) error {
		before := p.Hydration()
		p.Ranges = p.Ranges.Add(r.Clamp(p.Metadata.Size))
		if after := p.Hydration(); after != before {
			s.log.Logf(log.TopicTrace, "hydrate %q %s: %s -> %s",
				p.Path, r, before, after)
		}
		return nil
	}), commits)
}

// Dehydrate removes the range from the materialized ranges.
//
// Pinned placeholders cannot be dehydrated, and are left
// untouched when requested to.
func (s *Store) Dehydrate(
	id FileID, r Range, commits ...Commit,
) (*Placeholder, error) {
	return s.mutate(id, existing(id, func(p *Placeholder) error {
		if p.Pin == Pinned {
			return errors.Wrapf(ErrPinnedCannotDehydrate,
				"dehydrate %q", p.Path)
		}
		if p.Metadata.IsDirectory {
			return errors.Wrapf(ErrInvalidRequest,
				"dehydrate directory %q", p.Path)
		}
		before := p.Hydration()
		p.Ranges = p.Ranges.Remove(r)
		s.log.Logf(log.TopicTrace, "dehydrate %q %s: %s -> %s",
			p.Path, r, before, p.Hydration())
		return nil
	}), commits)
}

// ResetHydration forgets every materialized range, so that
// the content is fetched again on next access.
func (s *Store) ResetHydration(id FileID, commits ...Commit) (*Placeholder, error) {
	return s.mutate(id, existing(id, func(p *Placeholder) error {
		p.Ranges = nil
		return nil
	}), commits)
}

// SetPinState updates the pin state.
func (s *Store) SetPinState(
	id FileID, state PinState, commits ...Commit,
) (*Placeholder, error) {
	return s.mutate(id, existing(id, func(p *Placeholder) error {
		p.Pin = state
		return nil
	}), commits)
}

// SetSyncState updates the sync state.
func (s *Store) SetSyncState(
	id FileID, state SyncState, commits ...Commit,
) (*Placeholder, error) {
	return s.mutate(id, existing(id, func(p *Placeholder) error {
		p.Sync = state
		return nil
	}), commits)
}

// Rename moves the placeholder to a new path.
func (s *Store) Rename(
	id FileID, path string, commits ...Commit,
) (*Placeholder, error) {
	return s.mutate(id, existing(id, func(p *Placeholder) error {
		s.log.Logf(log.TopicTrace, "rename %q -> %q", p.Path, path)
		p.Path = path
		return nil
	}), commits)
}

// Delete removes the placeholder and returns its last
// recorded state.
func (s *Store) Delete(id FileID, commits ...Commit) (*Placeholder, error) {
	return s.mutate(id, func(p *Placeholder) (*Placeholder, error) {
		if p == nil {
			return nil, notFound(id)
		}
		s.log.Logf(log.TopicTrace, "delete %q (id %d)", p.Path, id)
		return nil, nil
	}, commits)
}

// Close releases the backend of the store.
func (s *Store) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}
