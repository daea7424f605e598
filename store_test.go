package cloudfilter

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/winfsp/go-cloudfilter/rangeset"
)

type Assert struct {
	*assert.Assertions
}

func (assert *Assert) Hydration(
	s *Store, id FileID, state HydrationState, ranges ...Range,
) {
	p, err := s.Get(id)
	if !assert.NoError(err) {
		return
	}
	assert.Equal(state, p.Hydration())
	assert.True(rangeset.Of(ranges...).Equal(p.Ranges),
		"ranges %v, expected %v", p.Ranges, ranges)
}

// memBackend is a Backend keeping the records in a map.
type memBackend struct {
	mtx     sync.Mutex
	records map[FileID]*Placeholder
	fail    error
	closed  bool
}

func newMemBackend() *memBackend {
	return &memBackend{records: make(map[FileID]*Placeholder)}
}

func (b *memBackend) Save(p *Placeholder) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.fail != nil {
		return b.fail
	}
	b.records[p.ID] = p.Clone()
	return nil
}

func (b *memBackend) Delete(id FileID) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.fail != nil {
		return b.fail
	}
	delete(b.records, id)
	return nil
}

func (b *memBackend) List() ([]*Placeholder, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	var result []*Placeholder
	for _, p := range b.records {
		result = append(result, p.Clone())
	}
	return result, nil
}

func (b *memBackend) Close() error {
	b.closed = true
	return nil
}

func newTestStore(t *testing.T, opts ...StoreOption) *Store {
	s, err := NewStore(opts...)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestConvertToPlaceholder(t *testing.T) {
	assert := Assert{assert.New(t)}
	s := newTestStore(t)

	p, err := s.ConvertToPlaceholder(1, "/root/a", Metadata{Size: 100}, 0)
	assert.NoError(err)
	assert.Equal(Full, p.Hydration())
	assert.Equal(OutOfSync, p.Sync)
	assert.Equal(Unpinned, p.Pin)

	p, err = s.ConvertToPlaceholder(2, "/root/b", Metadata{Size: 100},
		ConvertDehydrate|ConvertMarkInSync)
	assert.NoError(err)
	assert.Equal(Ghost, p.Hydration())
	assert.Equal(InSync, p.Sync)

	_, err = s.ConvertToPlaceholder(1, "/root/c", Metadata{}, 0)
	assert.ErrorIs(err, ErrNotAPlaceholderCandidate)
	_, err = s.ConvertToPlaceholder(3, "/root/a", Metadata{}, 0)
	assert.ErrorIs(err, ErrNotAPlaceholderCandidate)

	_, err = s.ConvertToPlaceholder(4, "/root/d", Metadata{
		Identity: make([]byte, MaxIdentityLength+1),
	}, 0)
	assert.ErrorIs(err, ErrInvalidRequest)
	assert.Equal(2, s.Len())

	found, err := s.Lookup("/root/b")
	assert.NoError(err)
	assert.Equal(FileID(2), found.ID)
}

func TestZeroSizeIsFull(t *testing.T) {
	assert := Assert{assert.New(t)}
	s := newTestStore(t)

	p, err := s.ConvertToPlaceholder(1, "/root/empty", Metadata{}, ConvertDehydrate)
	assert.NoError(err)
	assert.Equal(Full, p.Hydration())

	p, err = s.ConvertToPlaceholder(2, "/root/dir", Metadata{
		IsDirectory: true, Size: 10,
	}, ConvertDehydrate)
	assert.NoError(err)
	assert.Equal(Full, p.Hydration())
}

func TestHydrationMonotonic(t *testing.T) {
	assert := Assert{assert.New(t)}
	s := newTestStore(t)
	_, err := s.ConvertToPlaceholder(1, "/root/a", Metadata{Size: 100}, ConvertDehydrate)
	assert.NoError(err)
	assert.Hydration(s, 1, Ghost)

	_, err = s.MarkRangeHydrated(1, rangeset.Span(0, 40))
	assert.NoError(err)
	assert.Hydration(s, 1, Partial, rangeset.Span(0, 40))

	// Marking an already materialized range changes nothing.
	_, err = s.MarkRangeHydrated(1, rangeset.Span(10, 20))
	assert.NoError(err)
	assert.Hydration(s, 1, Partial, rangeset.Span(0, 40))

	// The part beyond the file size is ignored.
	_, err = s.MarkRangeHydrated(1, rangeset.Span(40, 1000))
	assert.NoError(err)
	assert.Hydration(s, 1, Full, rangeset.Span(0, 100))

	_, err = s.Dehydrate(1, rangeset.Span(50, 10))
	assert.NoError(err)
	assert.Hydration(s, 1, Partial,
		rangeset.Span(0, 50), rangeset.Span(60, 40))

	_, err = s.Dehydrate(1, FullRange)
	assert.NoError(err)
	assert.Hydration(s, 1, Ghost)

	_, err = s.MarkRangeHydrated(9, rangeset.Span(0, 1))
	assert.ErrorIs(err, ErrNotAPlaceholder)
}

func TestDehydratePinned(t *testing.T) {
	assert := Assert{assert.New(t)}
	s := newTestStore(t)
	_, err := s.ConvertToPlaceholder(1, "/root/a", Metadata{Size: 100}, 0)
	assert.NoError(err)
	_, err = s.SetPinState(1, Pinned)
	assert.NoError(err)

	committed := false
	_, err = s.Dehydrate(1, FullRange, func(*Placeholder) error {
		committed = true
		return nil
	})
	assert.ErrorIs(err, ErrPinnedCannotDehydrate)
	assert.False(committed)
	assert.Hydration(s, 1, Full, rangeset.Span(0, 100))

	p, err := s.Get(1)
	assert.NoError(err)
	assert.Equal(Pinned, p.Pin)
}

func TestCommitAbandons(t *testing.T) {
	assert := Assert{assert.New(t)}
	s := newTestStore(t)
	_, err := s.ConvertToPlaceholder(1, "/root/a", Metadata{Size: 100}, 0)
	assert.NoError(err)

	failure := errors.New("driver refused")
	var seen *Placeholder
	_, err = s.SetSyncState(1, InSync, func(p *Placeholder) error {
		seen = p
		return failure
	})
	assert.ErrorIs(err, failure)
	if assert.NotNil(seen) {
		assert.Equal(InSync, seen.Sync)
	}
	p, err := s.Get(1)
	assert.NoError(err)
	assert.Equal(OutOfSync, p.Sync)

	_, err = s.ConvertToPlaceholder(2, "/root/b", Metadata{}, 0,
		func(*Placeholder) error { return failure })
	assert.ErrorIs(err, failure)
	_, err = s.Get(2)
	assert.ErrorIs(err, ErrNotAPlaceholder)
}

func TestRenameAndDelete(t *testing.T) {
	assert := Assert{assert.New(t)}
	s := newTestStore(t)
	_, err := s.ConvertToPlaceholder(1, "/root/a", Metadata{Size: 1}, 0)
	assert.NoError(err)
	_, err = s.ConvertToPlaceholder(2, "/root/b", Metadata{Size: 1}, 0)
	assert.NoError(err)

	_, err = s.Rename(1, "/root/b")
	assert.ErrorIs(err, ErrNotAPlaceholderCandidate)

	p, err := s.Rename(1, "/root/c")
	assert.NoError(err)
	assert.Equal("/root/c", p.Path)
	_, err = s.Lookup("/root/a")
	assert.ErrorIs(err, ErrNotAPlaceholder)

	last, err := s.Delete(1)
	assert.NoError(err)
	assert.Equal("/root/c", last.Path)
	_, err = s.Delete(1)
	assert.ErrorIs(err, ErrNotAPlaceholder)

	paths := []string{}
	for _, p := range s.List() {
		paths = append(paths, p.Path)
	}
	assert.Equal([]string{"/root/b"}, paths)
}

func TestAdoptAndUpsert(t *testing.T) {
	assert := Assert{assert.New(t)}
	s := newTestStore(t)

	p, err := s.Adopt(1, "/root/a", Metadata{Size: 10})
	assert.NoError(err)
	assert.Equal(Ghost, p.Hydration())
	assert.Equal(InSync, p.Sync)
	_, err = s.MarkRangeHydrated(1, rangeset.Span(0, 4))
	assert.NoError(err)

	// Adopting a known placeholder keeps it.
	p, err = s.Adopt(1, "/root/a", Metadata{Size: 10})
	assert.NoError(err)
	assert.Equal(Partial, p.Hydration())

	// A new file at the path replaces the stale record.
	_, err = s.Adopt(2, "/root/a", Metadata{Size: 10})
	assert.NoError(err)
	_, err = s.Get(1)
	assert.ErrorIs(err, ErrNotAPlaceholder)

	_, err = s.MarkRangeHydrated(2, rangeset.Span(0, 10))
	assert.NoError(err)
	p, err = s.UpsertGhost(2, "/root/a", Metadata{Size: 6}, OutOfSync)
	assert.NoError(err)
	assert.Equal(Full, p.Hydration())
	assert.Equal(OutOfSync, p.Sync)
	assert.True(rangeset.Of(rangeset.Span(0, 6)).Equal(p.Ranges))
}

func TestSnapshotsAreIsolated(t *testing.T) {
	assert := Assert{assert.New(t)}
	s := newTestStore(t)
	_, err := s.ConvertToPlaceholder(1, "/root/a", Metadata{
		Size: 10, Identity: []byte("remote"),
	}, 0)
	assert.NoError(err)

	p, err := s.Get(1)
	assert.NoError(err)
	p.Metadata.Identity[0] = 'X'
	p.Ranges = nil

	p, err = s.Get(1)
	assert.NoError(err)
	assert.Equal([]byte("remote"), p.Metadata.Identity)
	assert.Equal(Full, p.Hydration())
}

func TestBackendPersistence(t *testing.T) {
	assert := Assert{assert.New(t)}
	backend := newMemBackend()
	s := newTestStore(t, WithBackend(backend))
	_, err := s.ConvertToPlaceholder(1, "/root/a", Metadata{Size: 10}, ConvertDehydrate)
	assert.NoError(err)
	_, err = s.MarkRangeHydrated(1, rangeset.Span(0, 5))
	assert.NoError(err)
	_, err = s.ConvertToPlaceholder(2, "/root/b", Metadata{Size: 10}, 0)
	assert.NoError(err)
	_, err = s.Delete(2)
	assert.NoError(err)

	backend.fail = errors.New("disk full")
	_, err = s.SetPinState(1, Pinned)
	assert.Error(err)
	backend.fail = nil
	assert.NoError(s.Close())
	assert.True(backend.closed)

	reloaded := newTestStore(t, WithBackend(backend))
	assert.Equal(1, reloaded.Len())
	assert.Hydration(reloaded, 1, Partial, rangeset.Span(0, 5))
	p, err := reloaded.Lookup("/root/a")
	assert.NoError(err)
	assert.Equal(Unpinned, p.Pin)
}

func TestConcurrentHydration(t *testing.T) {
	assert := Assert{assert.New(t)}
	s := newTestStore(t)
	const files, chunks = 4, 64
	for id := FileID(1); id <= files; id++ {
		_, err := s.ConvertToPlaceholder(id, "/root/"+string(rune('a'+id)),
			Metadata{Size: chunks * 16}, ConvertDehydrate)
		assert.NoError(err)
	}

	var wg sync.WaitGroup
	for id := FileID(1); id <= files; id++ {
		for i := uint64(0); i < chunks; i++ {
			wg.Add(1)
			go func(id FileID, i uint64) {
				defer wg.Done()
				_, err := s.MarkRangeHydrated(id, rangeset.Span(i*16, 16))
				assert.NoError(err)
			}(id, i)
		}
	}
	wg.Wait()
	for id := FileID(1); id <= files; id++ {
		assert.Hydration(s, id, Full, rangeset.Span(0, chunks*16))
	}
	assert.Equal(0, s.locks.Len())
}

func TestConcurrentConvertSamePath(t *testing.T) {
	assert := Assert{assert.New(t)}
	const rounds, writers = 20, 8
	for round := 0; round < rounds; round++ {
		s := newTestStore(t)
		var wg sync.WaitGroup
		var won atomic.Int32
		for i := 1; i <= writers; i++ {
			wg.Add(1)
			go func(id FileID) {
				defer wg.Done()
				_, err := s.ConvertToPlaceholder(id, "/root/a.txt",
					Metadata{Size: 10}, 0, func(*Placeholder) error {
						time.Sleep(time.Millisecond)
						return nil
					})
				if err == nil {
					won.Add(1)
				} else {
					assert.ErrorIs(err, ErrNotAPlaceholderCandidate)
				}
			}(FileID(i))
		}
		wg.Wait()
		assert.Equal(int32(1), won.Load())
		assert.Equal(1, s.Len())
		assert.Empty(s.claims)
	}
}

func TestPathClaimReleased(t *testing.T) {
	assert := Assert{assert.New(t)}
	s := newTestStore(t)
	_, err := s.ConvertToPlaceholder(1, "/root/a.txt", Metadata{Size: 10}, 0,
		func(*Placeholder) error { return errors.New("driver refused") })
	assert.Error(err)
	assert.Empty(s.claims)

	_, err = s.ConvertToPlaceholder(2, "/root/a.txt", Metadata{Size: 10}, 0)
	assert.NoError(err)
	_, err = s.Rename(3, "/root/a.txt")
	assert.Error(err)
	_, err = s.ConvertToPlaceholder(3, "/root/b.txt", Metadata{Size: 10}, 0)
	assert.NoError(err)
	_, err = s.Rename(3, "/root/a.txt")
	assert.ErrorIs(err, ErrNotAPlaceholderCandidate)

	_, err = s.Delete(3)
	assert.NoError(err)
	p, err := s.Lookup("/root/a.txt")
	if assert.NoError(err) {
		assert.Equal(FileID(2), p.ID)
	}
}
