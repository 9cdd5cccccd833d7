// Copyright (c) The critlock Authors
// SPDX-License-Identifier: BSD-3-Clause

// The critstress binary hammers the critical-section machinery from
// many goroutines at once: single- and two-object sections in both
// lock orders, re-entrant nesting, and blocking-region suspend/resume
// cycles over a small shared set of objects. It exits nonzero if the
// run deadlocks, loses counter updates, or leaves a lock held.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"critlock.dev/critlock/critsec"
	"critlock.dev/critlock/omutex"
)

var (
	workers = flag.Int("workers", 8, "number of concurrent worker goroutines")
	objects = flag.Int("objects", 4, "number of shared lockable objects")
	iters   = flag.Int("iters", 2000, "iterations per worker")
	nest    = flag.Int("nest", 2, "re-entrant nesting depth inside each section")
	timeout = flag.Duration("timeout", 30*time.Second, "fail the run if it has not finished in this long")
	verbose = flag.Bool("v", false, "log worker progress")
)

func main() {
	flag.Parse()
	if *workers < 1 || *objects < 2 || *iters < 1 || *nest < 0 {
		log.Fatal("need -workers >= 1, -objects >= 2, -iters >= 1, -nest >= 0")
	}
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	var locks omutex.Map[int]
	counters := make([]int, *objects) // counters[i] guarded by locks.Get(i)
	progress := rate.NewLimiter(rate.Every(time.Second), 1)

	start := time.Now()
	var g errgroup.Group
	for w := range *workers {
		g.Go(func() error {
			st := critsec.NewState()
			defer st.Finish()
			rng := rand.New(rand.NewPCG(uint64(w), uint64(*objects)))
			for i := range *iters {
				x := (w + i) % *objects
				y := (w + i + 1) % *objects
				a, b := locks.Get(x), locks.Get(y)

				sec := st.Begin(a)
				counters[x]++
				nestSections(st, a, rng.IntN(*nest+1))
				sec.End()

				var pair *critsec.Section
				if i%2 == 0 {
					pair = st.Begin2(a, b)
				} else {
					pair = st.Begin2(b, a)
				}
				counters[x]++
				counters[y]++
				nestPairs(st, b, a, rng.IntN(*nest+1))
				st.AllowBlocking(runtime.Gosched)
				pair.End()

				if *verbose && progress.Allow() {
					log.Printf("worker %d: %d/%d iterations", w, i+1, *iters)
				}
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-time.After(*timeout):
		return fmt.Errorf("no completion within %v; workers are likely deadlocked", *timeout)
	}
	elapsed := time.Since(start)

	total := 0
	for i, n := range counters {
		total += n
		if locks.Get(i).IsLocked() {
			return fmt.Errorf("lock %d still held after the run", i)
		}
	}
	// Each iteration adds 2 to the first object's counter and 1 to
	// the second's.
	if want := *workers * *iters * 3; total != want {
		return fmt.Errorf("counter total = %d, want %d; mutual exclusion was violated", total, want)
	}

	sections := *workers * *iters * 2 // one single + one pair section per iteration, nests aside
	log.Printf("ok: %d workers x %d iters over %d objects in %v (%.0f sections/sec)",
		*workers, *iters, *objects, elapsed.Round(time.Millisecond),
		float64(sections)/elapsed.Seconds())
	return nil
}

// nestSections re-enters a section over mu to the given depth and
// unwinds it.
func nestSections(st *critsec.State, mu *omutex.Mutex, depth int) {
	if depth == 0 {
		return
	}
	sec := st.Begin(mu)
	nestSections(st, mu, depth-1)
	sec.End()
}

// nestPairs is nestSections for two-object sections.
func nestPairs(st *critsec.State, a, b *omutex.Mutex, depth int) {
	if depth == 0 {
		return
	}
	sec := st.Begin2(a, b)
	nestPairs(st, b, a, depth-1)
	sec.End()
}
