// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package xsync // import "go.opentelemetry.io/ctfstate/libpf/xsync"

import "sync"

// RWMutex is a thin wrapper around sync.RWMutex that hides away the data it protects to ensure it's
// not accidentally accessed without actually holding the lock.
//
// Given Go's weak type system it's not able to provide perfect safety, but it at least clearly
// communicates to developers exactly which resources are protected by which lock without having to
// sift through documentation.
//
// Consider a history builder whose ongoing state is read by queries while events are being
// ingested:
//
//	type ongoing struct {
//		start  []int64
//		values []statevalue.Value
//	}
//
//	type Builder struct {
//		state xsync.RWMutex[ongoing]
//	}
//
//	func (b *Builder) Modify(quark int, ts int64, v statevalue.Value) {
//		state := b.state.WLock()
//		defer b.state.WUnlock(&state)
//		state.start[quark], state.values[quark] = ts, v
//	}
//
//	func (b *Builder) Current(quark int) statevalue.Value {
//		state := b.state.RLock()
//		defer b.state.RUnlock(&state)
//		return state.values[quark]
//	}
//
// There is no way to reach the ongoing state without going through RLock or WLock first, and
// a reference used after unlocking crashes immediately because the unlock functions set it to
// nil.
type RWMutex[T any] struct {
	guarded T
	mutex   sync.RWMutex
}

// NewRWMutex creates a new read-write mutex.
func NewRWMutex[T any](guarded T) RWMutex[T] {
	return RWMutex[T]{
		guarded: guarded,
	}
}

// RLock locks the mutex for reading, returning a pointer to the protected data.
//
// The caller **must not** write to the data pointed to by the returned pointer.
//
// Further, the caller **must not** let the returned pointer leak out of the scope of the function
// where it was originally created, except for temporarily borrowing it to other functions.
func (mtx *RWMutex[T]) RLock() *T {
	mtx.mutex.RLock()
	return &mtx.guarded
}

// RUnlock unlocks the mutex after previously being locked by RLock.
//
// Pass a reference to the pointer returned from RLock here to ensure it is invalidated.
func (mtx *RWMutex[T]) RUnlock(ref **T) {
	*ref = nil
	mtx.mutex.RUnlock()
}

// WLock locks the mutex for writing, returning a pointer to the protected data.
//
// The caller **must not** let the returned pointer leak out of the scope of the function where it
// was originally created, except for temporarily borrowing it to other functions.
func (mtx *RWMutex[T]) WLock() *T {
	mtx.mutex.Lock()
	return &mtx.guarded
}

// WUnlock unlocks the mutex after previously being locked by WLock.
//
// Pass a reference to the pointer returned from WLock here to ensure it is invalidated.
func (mtx *RWMutex[T]) WUnlock(ref **T) {
	*ref = nil
	mtx.mutex.Unlock()
}
