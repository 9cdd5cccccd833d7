// Copyright (c) The critlock Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package tstest contains helpers for this repo's tests.
package tstest

import (
	"bytes"
	"runtime"
	"runtime/pprof"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// CheckLeaks snapshots the running goroutines and registers a cleanup
// on tb that fails the test if goroutines created during the test are
// still running when it ends. Lock bugs in this repo tend to show up
// as workers parked forever on a mutex, which this catches.
//
// It must not be used from parallel tests.
func CheckLeaks(tb testing.TB) {
	tb.Helper()

	// Setenv is only here for its panic when called from a parallel
	// test; snapshot counts are meaningless with tests interleaved.
	tb.Setenv("CRITLOCK_CHECKING_LEAKS", "1")

	before, beforeStacks := goroutineSnapshot()
	tb.Cleanup(func() {
		if tb.Failed() {
			return
		}
		// Give exiting goroutines a moment to unwind.
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			if runtime.NumGoroutine() <= before {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		after, afterStacks := goroutineSnapshot()
		if after <= before {
			return
		}
		tb.Logf("goroutine diff:\n%v", cmp.Diff(beforeStacks, afterStacks))
		tb.Errorf("leaked goroutines: had %d before the test, %d after", before, after)
	})
}

func goroutineSnapshot() (count int, stacks string) {
	p := pprof.Lookup("goroutine")
	var buf bytes.Buffer
	p.WriteTo(&buf, 1)
	return p.Count(), buf.String()
}
