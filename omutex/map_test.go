// Copyright (c) The critlock Authors
// SPDX-License-Identifier: BSD-3-Clause

package omutex

import (
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestMapStableIdentity(t *testing.T) {
	c := qt.New(t)

	var mp Map[string]
	a := mp.Get("a")
	b := mp.Get("b")
	c.Check(a == b, qt.Equals, false)
	c.Check(mp.Get("a") == a, qt.Equals, true)
	c.Check(mp.Get("b") == b, qt.Equals, true)
	c.Check(mp.Len(), qt.Equals, 2)
}

func TestMapConcurrentGet(t *testing.T) {
	var mp Map[int]

	const workers = 16
	got := make([]*Mutex, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = mp.Get(7)
		}()
	}
	wg.Wait()

	for i, lk := range got {
		if lk != got[0] {
			t.Fatalf("worker %d got a different lock for the same key", i)
		}
	}
	if mp.Len() != 1 {
		t.Errorf("Len = %d; want 1", mp.Len())
	}
}
