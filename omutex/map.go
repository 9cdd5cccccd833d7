// Copyright (c) The critlock Authors
// SPDX-License-Identifier: BSD-3-Clause

package omutex

import "sync"

// Map is a keyed collection of Mutexes, creating each lock on first
// use. The zero value is a valid empty Map.
//
// Entries are never removed: callers compare locks by pointer (the
// two-object acquisition path depends on it), so a key must map to
// the same *Mutex for the Map's whole lifetime.
type Map[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*Mutex
}

// Get returns the Mutex for key, allocating it if this is the first
// use of key.
func (mp *Map[K]) Get(key K) *Mutex {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	lk, ok := mp.locks[key]
	if !ok {
		if mp.locks == nil {
			mp.locks = make(map[K]*Mutex)
		}
		lk = new(Mutex)
		mp.locks[key] = lk
	}
	return lk
}

// Len returns the number of locks ever created by Get.
func (mp *Map[K]) Len() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return len(mp.locks)
}
