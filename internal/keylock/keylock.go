// Package keylock provides per-artifact locks.
//
// Two scopes exist. A replica lock covers one (filename, backend) pair and
// holds the filename in shared mode, so uploads of the same artifact to
// different backends run in parallel. A record lock holds the filename
// exclusively and waits for every replica lock on it. Retention takes the
// record lock before deleting a local copy.
//
// Lock order is always filename first, then pair. Entries are reference
// counted and dropped when unused.
package keylock

import "sync"

type entry struct {
	mu   sync.RWMutex
	refs int
}

// Locker hands out keyed locks. The zero value is not usable; use New.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty Locker.
func New() *Locker {
	return &Locker{entries: make(map[string]*entry)}
}

func (l *Locker) acquire(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &entry{}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Locker) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

func pairKey(filename, backend string) string {
	return filename + "\x00" + backend
}

// LockReplica blocks until the (filename, backend) pair is held and returns
// the function that releases it.
func (l *Locker) LockReplica(filename, backend string) (unlock func()) {
	record := l.acquire(filename)
	record.mu.RLock()

	key := pairKey(filename, backend)
	pair := l.acquire(key)
	pair.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			pair.mu.Unlock()
			l.release(key, pair)
			record.mu.RUnlock()
			l.release(filename, record)
		})
	}
}

// TryLockReplica is LockReplica without waiting. It reports false when the
// pair or the record is held elsewhere.
func (l *Locker) TryLockReplica(filename, backend string) (unlock func(), ok bool) {
	record := l.acquire(filename)
	if !record.mu.TryRLock() {
		l.release(filename, record)
		return nil, false
	}

	key := pairKey(filename, backend)
	pair := l.acquire(key)
	if !pair.mu.TryLock() {
		l.release(key, pair)
		record.mu.RUnlock()
		l.release(filename, record)
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			pair.mu.Unlock()
			l.release(key, pair)
			record.mu.RUnlock()
			l.release(filename, record)
		})
	}, true
}

// LockRecord blocks until filename is held exclusively.
func (l *Locker) LockRecord(filename string) (unlock func()) {
	record := l.acquire(filename)
	record.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			record.mu.Unlock()
			l.release(filename, record)
		})
	}
}

// Len returns the number of keys currently tracked.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
