// Copyright (c) The critlock Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package omutex provides Mutex, the per-object exclusive lock that is
// embedded in every lockable object. A Mutex shares the lifetime of
// the object it protects; it is never allocated or freed on its own.
//
// Mutex is intentionally small. It does not record which goroutine
// holds it: the critical-section layer answers "do I already hold
// this?" from its own per-state chain, so the lock carries no owner
// metadata and no cross-goroutine contention on an owner field.
package omutex

import (
	"sync"
	"sync/atomic"
)

// Mutex is a mutual exclusion lock for a single object.
//
// The zero value is an unlocked Mutex. A Mutex must not be copied
// after first use.
//
// Unlike sync.Mutex, a Mutex reports its held state and the number of
// goroutines waiting on it. Both are diagnostics: they may be stale by
// the time the caller looks at them.
type Mutex struct {
	once sync.Once

	// sem holds one token while the Mutex is unlocked. Lock takes the
	// token, Unlock puts it back. A blocked Unlock send is impossible
	// (capacity one, and only the holder may Unlock), so a failed
	// non-blocking send means the Mutex was not locked.
	sem chan struct{}

	waiters atomic.Int32
}

func (m *Mutex) init() {
	m.once.Do(func() {
		m.sem = make(chan struct{}, 1)
		m.sem <- struct{}{}
	})
}

// Lock blocks until m transitions from unlocked to locked by the
// caller. If other goroutines are blocked in Lock when the holder
// calls Unlock, exactly one of them acquires the lock.
func (m *Mutex) Lock() {
	m.init()
	select {
	case <-m.sem:
		return
	default:
	}
	m.waiters.Add(1)
	<-m.sem
	m.waiters.Add(-1)
}

// TryLock attempts to lock m without blocking and reports whether it
// succeeded.
func (m *Mutex) TryLock() bool {
	m.init()
	select {
	case <-m.sem:
		return true
	default:
		return false
	}
}

// Unlock releases m. It panics if m is not locked: unlocking a lock
// you do not hold is a caller bug, not a runtime condition.
func (m *Mutex) Unlock() {
	m.init()
	select {
	case m.sem <- struct{}{}:
	default:
		panic("omutex: Unlock of unlocked Mutex")
	}
}

// IsLocked reports whether m is currently held by some goroutine.
// The answer may be stale as soon as it is returned; it is for tests
// and diagnostics, not for synchronization decisions.
func (m *Mutex) IsLocked() bool {
	m.init()
	return len(m.sem) == 0
}

// Waiters returns the number of goroutines currently blocked in Lock.
func (m *Mutex) Waiters() int {
	return int(m.waiters.Load())
}
