// Copyright (c) The critlock Authors
// SPDX-License-Identifier: BSD-3-Clause

package critsec

import (
	"runtime"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"

	"critlock.dev/critlock/omutex"
	"critlock.dev/critlock/tstest"
)

// TestCrossPairStress runs many goroutines through single- and
// two-object sections over a small shared set of objects, with both
// lock orders, re-entrant nesting, and a suspend/resume cycle per
// iteration. Any deadlock shows up as the watchdog firing; any
// mutual-exclusion failure shows up as lost counter updates.
func TestCrossPairStress(t *testing.T) {
	tstest.CheckLeaks(t)

	const (
		workers = 6
		objects = 3
	)
	iters := 300
	if testing.Short() {
		iters = 50
	}

	var locks omutex.Map[int]
	counters := make([]int, objects) // counters[i] guarded by locks.Get(i)

	var g taskgroup.Group
	for w := range workers {
		g.Go(func() error {
			st := NewState()
			defer st.Finish()
			for i := range iters {
				x := (w + i) % objects
				y := (w + i + 1) % objects
				a, b := locks.Get(x), locks.Get(y)

				// Single-object section with a re-entrant nest.
				sec := st.Begin(a)
				counters[x]++
				inner := st.Begin(a)
				inner.End()
				sec.End()

				// Two-object section, order alternating per
				// iteration so every pair is taken both ways, with a
				// reversed-order nest and one blocking-region cycle
				// while the pair is held.
				var pair *Section
				if i%2 == 0 {
					pair = st.Begin2(a, b)
				} else {
					pair = st.Begin2(b, a)
				}
				counters[x]++
				counters[y]++
				nested := st.Begin2(b, a)
				nested.End()
				st.AllowBlocking(runtime.Gosched)
				pair.End()
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(60 * time.Second):
		t.Fatal("stress run did not complete; likely deadlock")
	}

	total := 0
	for i, n := range counters {
		total += n
		if locks.Get(i).IsLocked() {
			t.Errorf("lock %d still held after stress run", i)
		}
	}
	// Each worker iteration increments the first object's counter
	// twice and the second object's counter once.
	if want := workers * iters * 3; total != want {
		t.Errorf("counter total = %d; want %d (lost updates)", total, want)
	}
}

// TestMutualExclusion hammers one object from many goroutines and
// checks that sections over it are truly exclusive.
func TestMutualExclusion(t *testing.T) {
	tstest.CheckLeaks(t)

	var mu omutex.Mutex
	var n int

	const workers = 8
	iters := 2000
	if testing.Short() {
		iters = 200
	}

	var g taskgroup.Group
	for range workers {
		g.Go(func() error {
			st := NewState()
			defer st.Finish()
			for range iters {
				sec := st.Begin(&mu)
				n++
				sec.End()
			}
			return nil
		})
	}
	g.Wait()

	if want := workers * iters; n != want {
		t.Errorf("counter = %d; want %d", n, want)
	}
}

// TestSuspendContention checks that a blocking region actually lets
// other goroutines in: a worker that holds a lock and suspends must
// not starve a second worker waiting for the same lock.
func TestSuspendContention(t *testing.T) {
	tstest.CheckLeaks(t)

	var mu omutex.Mutex

	st := NewState()
	defer st.Finish()
	sec := st.Begin(&mu)

	acquired := make(chan struct{})
	release := make(chan struct{})
	go func() {
		other := NewState()
		defer other.Finish()
		s := other.Begin(&mu)
		close(acquired)
		<-release
		s.End()
	}()

	st.AllowBlocking(func() {
		select {
		case <-acquired:
		case <-time.After(30 * time.Second):
			t.Error("second goroutine never acquired the suspended lock")
		}
		close(release)
	})

	// Back from the blocking region, the lock is ours again.
	if !mu.IsLocked() || !st.Held(&mu) {
		t.Error("lock not reacquired after blocking region")
	}
	sec.End()
}
