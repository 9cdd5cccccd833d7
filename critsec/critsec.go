// Copyright (c) The critlock Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package critsec implements scoped critical sections over one or two
// object locks without a global lock, without deadlocking between
// goroutines that lock the same pair in opposite orders, and without
// deadlocking when a goroutine re-enters a lock it already holds.
//
// Each participating goroutine carries a [State], an explicit stand-in
// for thread-local storage. Sections nest LIFO on the State:
//
//	st := critsec.NewState()
//	defer st.Finish()
//
//	sec := st.Begin(&obj.Mu)
//	// ... exclusive access to obj ...
//	sec.End()
//
// A nested Begin of a lock the State already holds borrows it instead
// of locking again, so re-entrant nesting of any depth never blocks.
// [State.Begin2] locks two objects together using a try-then-retry
// protocol that holds at most one of the pair while waiting for the
// other, so concurrent Begin2(a, b) and Begin2(b, a) cannot deadlock.
//
// Before a goroutine parks in code that is outside the managed world
// (a blocking syscall, a cgo call, an unbounded external wait) it must
// bracket that region with [State.EnterBlockingRegion] and
// [State.ExitBlockingRegion], or use [State.AllowBlocking]. Entering
// the region releases every lock the State owns; leaving it reacquires
// them, outermost first, before the caller's code continues.
//
// A State must be used by one goroutine at a time. Misuse -- ending a
// section out of order, operating on a State inside a blocking region,
// finishing a State with live sections -- is a programming error and
// panics.
package critsec

import (
	"runtime"

	"critlock.dev/critlock/omutex"
)

// A State is one goroutine's stack of active critical sections. Create
// it with [NewState] when the goroutine starts participating and
// retire it with [State.Finish].
//
// The zero value is not usable; State values must not be copied or
// shared between concurrently running goroutines.
type State struct {
	top *Section

	// blockedDepth counts nested blocking regions. While it is
	// nonzero the stack is suspended and section operations panic.
	blockedDepth int
}

// NewState returns a State with an empty section stack.
func NewState() *State {
	return &State{}
}

// Finish retires st. It panics if any section is still active or a
// blocking region is still open: an unbalanced Begin/End is a bug in
// the calling code, not a condition to recover from.
func (st *State) Finish() {
	if st.top != nil {
		panic("critsec: Finish with active sections")
	}
	if st.blockedDepth != 0 {
		panic("critsec: Finish inside a blocking region")
	}
}

// A Section is one active critical section on a State's stack. It is
// created by [State.Begin] or [State.Begin2] and must be ended, in
// LIFO order, by [Section.End].
type Section struct {
	st *State

	// m1 and m2 are the locks this section references. m2 is nil for
	// single-object sections, and equal to m1 when Begin2 was called
	// with the same object twice.
	m1, m2 *omutex.Mutex

	// owns1 and owns2 record whether this section is responsible for
	// unlocking m1 and m2. A false bit means the lock was already
	// held by an enclosing section and is merely borrowed.
	owns1, owns2 bool

	// suspended is set while a blocking region has released this
	// section's owned locks.
	suspended bool

	prev  *Section // enclosing section, or nil at the bottom
	ended bool
}

// holds reports whether sec references mu.
func (sec *Section) holds(mu *omutex.Mutex) bool {
	return sec.m1 == mu || sec.m2 == mu
}

// topHolds reports whether the innermost section already holds mu.
//
// Only the top of the stack is consulted: every section created while
// a lock is held re-references that lock, so a held lock is always
// visible in the top section regardless of nesting depth. The check
// never touches shared state.
func (st *State) topHolds(mu *omutex.Mutex) bool {
	return st.top != nil && st.top.holds(mu)
}

func (st *State) push(sec *Section) {
	sec.prev = st.top
	st.top = sec
}

func (st *State) checkRunning() {
	if st.blockedDepth != 0 {
		panic("critsec: section operation inside a blocking region")
	}
}

// Begin starts a critical section over the object guarded by mu and
// returns the section, which becomes the innermost on st's stack.
//
// If st already holds mu, the new section borrows it and Begin does
// not block; otherwise Begin blocks until mu is acquired.
func (st *State) Begin(mu *omutex.Mutex) *Section {
	if mu == nil {
		panic("critsec: nil mutex")
	}
	st.checkRunning()
	sec := &Section{st: st, m1: mu}
	if !st.topHolds(mu) {
		mu.Lock()
		sec.owns1 = true
	}
	st.push(sec)
	return sec
}

// Begin2 starts a critical section over the two objects guarded by a
// and b, which may be the same lock. When both locks must be newly
// acquired it alternates between them, holding at most one while
// waiting for the other, so two goroutines locking the same pair in
// opposite orders always make progress.
func (st *State) Begin2(a, b *omutex.Mutex) *Section {
	if a == nil || b == nil {
		panic("critsec: nil mutex")
	}
	st.checkRunning()
	sec := &Section{st: st, m1: a, m2: b}
	if a == b {
		// Same object twice: lock it once, exactly as Begin would.
		if !st.topHolds(a) {
			a.Lock()
			sec.owns1 = true
		}
		st.push(sec)
		return sec
	}
	held1, held2 := st.topHolds(a), st.topHolds(b)
	switch {
	case held1 && held2:
		// Both borrowed from enclosing sections.
	case held1:
		b.Lock()
		sec.owns2 = true
	case held2:
		a.Lock()
		sec.owns1 = true
	default:
		lockBoth(a, b)
		sec.owns1, sec.owns2 = true, true
	}
	st.push(sec)
	return sec
}

// lockBoth acquires two distinct locks while never waiting on one of
// the pair with the other held: it block-locks one, try-locks the
// other, and on failure releases what it holds, yields, and retries
// with the roles swapped. This is what makes concurrent acquisitions
// of the same pair in opposite orders deadlock-free.
func lockBoth(a, b *omutex.Mutex) {
	a.Lock()
	for !b.TryLock() {
		a.Unlock()
		runtime.Gosched()
		a, b = b, a
		a.Lock()
	}
}

// End leaves the critical section, unlocking whatever locks sec owns.
// sec must be the innermost section of its State; sections end in the
// reverse of the order they began.
func (sec *Section) End() {
	st := sec.st
	st.checkRunning()
	if sec.ended {
		panic("critsec: End of an already ended section")
	}
	if st.top != sec {
		panic("critsec: End of a section that is not the innermost")
	}
	st.top = sec.prev
	sec.ended = true
	if sec.owns1 {
		sec.m1.Unlock()
	}
	if sec.owns2 {
		sec.m2.Unlock()
	}
}

// EnterBlockingRegion releases every lock owned by sections on st's
// stack and marks those sections suspended. It must be called before
// the goroutine blocks outside the managed world, so other goroutines
// are not starved while it is gone.
//
// Blocking regions nest: only the outermost Enter releases anything,
// and only the matching outermost Exit reacquires.
func (st *State) EnterBlockingRegion() {
	st.blockedDepth++
	if st.blockedDepth > 1 {
		return
	}
	for sec := st.top; sec != nil; sec = sec.prev {
		if !sec.owns1 && !sec.owns2 {
			// Borrowed only; the owning ancestor handles it.
			continue
		}
		if sec.owns1 {
			sec.m1.Unlock()
		}
		if sec.owns2 {
			sec.m2.Unlock()
		}
		sec.suspended = true
	}
}

// ExitBlockingRegion reacquires the locks released by the matching
// EnterBlockingRegion, blocking until all are held again. Sections are
// resumed outermost first, mirroring the original acquisition order.
func (st *State) ExitBlockingRegion() {
	if st.blockedDepth == 0 {
		panic("critsec: ExitBlockingRegion without matching Enter")
	}
	st.blockedDepth--
	if st.blockedDepth > 0 {
		return
	}
	resume(st.top)
}

func resume(sec *Section) {
	if sec == nil {
		return
	}
	resume(sec.prev)
	if !sec.suspended {
		return
	}
	switch {
	case sec.owns1 && sec.owns2:
		// Reacquire through the same protocol as Begin2: two
		// resuming goroutines that own the same pair in opposite
		// orders must not relock their way into an AB/BA deadlock.
		lockBoth(sec.m1, sec.m2)
	case sec.owns1:
		sec.m1.Lock()
	case sec.owns2:
		sec.m2.Lock()
	}
	sec.suspended = false
}

// AllowBlocking runs f inside a blocking region: all locks owned by
// st are released before f runs and reacquired before AllowBlocking
// returns, even if f panics.
func (st *State) AllowBlocking(f func()) {
	st.EnterBlockingRegion()
	defer st.ExitBlockingRegion()
	f()
}

// Active reports whether st has a current critical section that is
// actually held, i.e. at least one section is on the stack and the
// stack is not suspended by a blocking region.
func (st *State) Active() bool {
	return st.top != nil && st.blockedDepth == 0
}

// Held reports whether st currently holds mu, directly or through an
// enclosing section. Inside a blocking region nothing is held.
func (st *State) Held(mu *omutex.Mutex) bool {
	if st.blockedDepth != 0 {
		return false
	}
	for sec := st.top; sec != nil; sec = sec.prev {
		if sec.holds(mu) {
			return true
		}
	}
	return false
}

// Depth returns the number of active sections on st's stack.
func (st *State) Depth() int {
	n := 0
	for sec := st.top; sec != nil; sec = sec.prev {
		n++
	}
	return n
}
