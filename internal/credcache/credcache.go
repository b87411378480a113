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

// Package credcache is a reference-counted cache for expensive handles, such as
// acquired credentials, that must be closed once nobody uses them.
//
// Every value starts with two references: the cache's own, which keeps the value
// alive for the retention period even when no borrower holds it, and the one
// returned to the inserting caller. Once the retention period elapses the cache
// drops its own reference, and the value is closed when the last borrower
// releases it.
package credcache

import (
	"io"
	"sync"
	"time"
)

// ScavengeEvery is the number of insertions between scavenging passes.
const ScavengeEvery = 32

type entry[V io.Closer] struct {
	value V
	// refs counts the borrowers plus the cache's own reference while owned is set.
	refs    int
	owned   bool
	expires time.Time
}

func (e *entry[V]) alive() bool {
	return e.refs > 0
}

// Cache maps keys to reference-counted values.
type Cache[K comparable, V io.Closer] struct {
	retention time.Duration
	// now is overridden in tests.
	now func() time.Time

	mu      sync.Mutex
	entries map[K]*entry[V]
	inserts int
}

// New creates a cache that keeps each value alive for at least retention after it is inserted.
func New[K comparable, V io.Closer](retention time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		retention: retention,
		now:       time.Now,
		entries:   make(map[K]*entry[V]),
	}
}

// Ref is a borrowed reference to a cached value. It must be released exactly once; extra calls
// to Release are ignored.
type Ref[K comparable, V io.Closer] struct {
	cache *Cache[K, V]
	entry *entry[V]
	once  sync.Once
}

// Value returns the referenced value. It must not be used after Release.
func (r *Ref[K, V]) Value() V {
	return r.entry.value
}

// Release gives up the reference. If it was the last one, the value is closed and the result of
// Close is returned.
func (r *Ref[K, V]) Release() error {
	var err error
	r.once.Do(func() {
		r.cache.mu.Lock()
		closeValue := r.cache.unrefLocked(r.entry)
		r.cache.mu.Unlock()
		if closeValue {
			err = r.entry.value.Close()
		}
	})
	return err
}

// unrefLocked drops one reference and reports whether the value must now be closed.
func (c *Cache[K, V]) unrefLocked(e *entry[V]) bool {
	e.refs--
	return e.refs == 0
}

// expireLocked drops the cache's own reference if the retention period is over. It returns
// whether the value must now be closed.
func (c *Cache[K, V]) expireLocked(e *entry[V], now time.Time) bool {
	if !e.owned || now.Before(e.expires) {
		return false
	}
	e.owned = false
	return c.unrefLocked(e)
}

func (c *Cache[K, V]) newRefLocked(e *entry[V]) *Ref[K, V] {
	e.refs++
	return &Ref[K, V]{cache: c, entry: e}
}

// TryGet returns a new reference to the live value stored under key.
func (c *Cache[K, V]) TryGet(key K) (*Ref[K, V], bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	closeValue := c.expireLocked(e, c.now())
	if !e.alive() {
		delete(c.entries, key)
		c.mu.Unlock()
		if closeValue {
			e.value.Close()
		}
		return nil, false
	}
	ref := c.newRefLocked(e)
	c.mu.Unlock()
	return ref, true
}

// Insert stores value under key and returns a reference to it. If a live value is already stored
// under key, that value wins: the given value is closed and a reference to the stored one is
// returned.
func (c *Cache[K, V]) Insert(key K, value V) *Ref[K, V] {
	c.mu.Lock()
	c.inserts++
	var toClose []io.Closer
	if c.inserts%ScavengeEvery == 0 {
		toClose = c.scavengeLocked()
	}
	if e, ok := c.entries[key]; ok && e.alive() {
		ref := c.newRefLocked(e)
		c.mu.Unlock()
		closeAll(toClose)
		value.Close()
		return ref
	}
	e := &entry[V]{value: value, owned: true, refs: 1, expires: c.now().Add(c.retention)}
	c.entries[key] = e
	ref := c.newRefLocked(e)
	c.mu.Unlock()
	closeAll(toClose)
	return ref
}

// Scavenge removes dead entries and drops the cache's reference to expired ones.
func (c *Cache[K, V]) Scavenge() {
	c.mu.Lock()
	toClose := c.scavengeLocked()
	c.mu.Unlock()
	closeAll(toClose)
}

func (c *Cache[K, V]) scavengeLocked() []io.Closer {
	now := c.now()
	var toClose []io.Closer
	for key, e := range c.entries {
		if c.expireLocked(e, now) {
			toClose = append(toClose, e.value)
		}
		if !e.alive() {
			delete(c.entries, key)
		}
	}
	return toClose
}

// Len returns the number of entries, live or not, currently in the map.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops the cache's own reference to every value. Values still borrowed stay open until
// released.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	var toClose []io.Closer
	for key, e := range c.entries {
		if e.owned {
			e.owned = false
			if c.unrefLocked(e) {
				toClose = append(toClose, e.value)
			}
		}
		delete(c.entries, key)
	}
	c.mu.Unlock()
	closeAll(toClose)
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		c.Close()
	}
}
