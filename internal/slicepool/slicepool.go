// Copyright 2026 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package slicepool is a wrapper around [sync.Pool] for byte slices of a fixed size.
// Callers obtain a [LazySlice], which only takes a slice from the pool on Acquire, and must call
// Release on every exit path, typically with defer.
package slicepool

import "sync"

// Pool wraps a [sync.Pool] of byte slices with a fixed size.
type Pool struct {
	pool sync.Pool
	size int
}

// MakePool returns a Pool of slices of length sliceSize.
func MakePool(sliceSize int) Pool {
	return Pool{
		pool: sync.Pool{
			New: func() any {
				slice := make([]byte, sliceSize)
				return &slice
			},
		},
		size: sliceSize,
	}
}

// SliceSize returns the length of the slices handed out by the pool.
func (p *Pool) SliceSize() int {
	return p.size
}

// LazySlice returns an empty LazySlice tied to this Pool.
func (p *Pool) LazySlice() LazySlice {
	return LazySlice{pool: &p.pool}
}

// LazySlice holds 0 or 1 slices from a particular Pool.
type LazySlice struct {
	pool  *sync.Pool
	slice *[]byte
}

// Acquire this slice from the pool and return it.
// This slice must not already be acquired.
func (b *LazySlice) Acquire() []byte {
	if b.slice != nil {
		panic("buffer already acquired")
	}
	b.slice = b.pool.Get().(*[]byte)
	return *b.slice
}

// Release the buffer back to the pool, unless the box is empty.
// The caller must discard any references to the buffer.
func (b *LazySlice) Release() {
	if b.slice != nil {
		b.pool.Put(b.slice)
		b.slice = nil
	}
}
