// Package keylock provides reader-writer locks allocated on
// demand for each key.
//
// A key occupies memory only while it is locked or waited
// for, so a Locker keyed by file identity stays as small as
// the number of placeholders being worked on concurrently.
package keylock

import (
	"math"
	"runtime"
	"sync"
)

// entry is the lock state of a single key.
//
// Every operation of the entry **must** hold
// the mutex of the locker.
type entry struct {
	rc      uint64
	readers int64
	waitCh  chan struct{}
}

type Locker[K comparable] struct {
	mtx     sync.Mutex
	entries map[K]*entry
}

func New[K comparable]() *Locker[K] {
	return &Locker[K]{
		entries: make(map[K]*entry),
	}
}

func (l *Locker[K]) retain(key K) *entry {
	e, ok := l.entries[key]
	if !ok {
		e = &entry{}
		l.entries[key] = e
	}
	e.rc += 1
	return e
}

func (l *Locker[K]) free(key K, e *entry) {
	if e.rc == 0 {
		panic("invalid entry state to free")
	}
	e.rc -= 1
	if e.rc == 0 {
		delete(l.entries, key)
	}
}

func (e *entry) tryLock(write, wait bool) bool {
	switch {
	case write && e.readers == 0:
		e.readers = -1
		return true
	case !write && e.readers >= 0 && e.readers < math.MaxInt64:
		e.readers += 1
		return true
	}
	if wait && e.waitCh == nil {
		e.waitCh = make(chan struct{})
	}
	return false
}

func (e *entry) unlock(write bool) {
	if write {
		if e.readers != -1 {
			panic("invalid entry state to write unlock")
		}
		e.readers = 0
	} else {
		if e.readers <= 0 {
			panic("invalid entry state to read unlock")
		}
		e.readers -= 1
		if e.readers > 0 {
			return
		}
	}
	if e.waitCh != nil {
		close(e.waitCh)
		e.waitCh = nil
	}
}

// Lock is a held lock of a key, released by Unlock.
type Lock[K comparable] struct {
	locker *Locker[K]
	key    K
	entry  *entry
	write  bool
	once   sync.Once
}

func (l *Locker[K]) createLock(key K, e *entry, write bool) *Lock[K] {
	result := &Lock[K]{
		locker: l,
		key:    key,
		entry:  e,
		write:  write,
	}
	runtime.SetFinalizer(result, func(lk *Lock[K]) {
		lk.Unlock()
	})
	return result
}

func (l *Locker[K]) lock(key K, write bool) *Lock[K] {
	for {
		result, waitCh := func() (*Lock[K], chan struct{}) {
			l.mtx.Lock()
			defer l.mtx.Unlock()
			e := l.retain(key)
			if !e.tryLock(write, true) {
				waitCh := e.waitCh
				l.free(key, e)
				if waitCh == nil {
					panic("wait channel not allocated")
				}
				return nil, waitCh
			}
			return l.createLock(key, e, write), nil
		}()
		if waitCh != nil {
			<-waitCh
			continue
		}
		return result
	}
}

func (l *Locker[K]) tryLock(key K, write bool) *Lock[K] {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	e := l.retain(key)
	if !e.tryLock(write, false) {
		l.free(key, e)
		return nil
	}
	return l.createLock(key, e, write)
}

// Lock blocks until the key is write locked.
func (l *Locker[K]) Lock(key K) *Lock[K] {
	return l.lock(key, true)
}

// RLock blocks until the key is read locked.
func (l *Locker[K]) RLock(key K) *Lock[K] {
	return l.lock(key, false)
}

// TryLock returns nil if the key is held by others.
func (l *Locker[K]) TryLock(key K) *Lock[K] {
	return l.tryLock(key, true)
}

// TryRLock returns nil if the key is write locked.
func (l *Locker[K]) TryRLock(key K) *Lock[K] {
	return l.tryLock(key, false)
}

// Len returns the number of keys currently held.
func (l *Locker[K]) Len() int {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return len(l.entries)
}

// Unlock releases the lock, it is safe to call it
// more than once.
func (lk *Lock[K]) Unlock() {
	runtime.SetFinalizer(lk, nil)
	lk.once.Do(func() {
		lk.locker.mtx.Lock()
		defer lk.locker.mtx.Unlock()
		lk.entry.unlock(lk.write)
		lk.locker.free(lk.key, lk.entry)
	})
}

// Key returns the key being locked.
func (lk *Lock[K]) Key() K {
	return lk.key
}
