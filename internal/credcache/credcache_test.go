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

package credcache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type handle struct {
	name   string
	mu     sync.Mutex
	closed int
}

func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	return nil
}

func (h *handle) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCache(retention time.Duration) (*Cache[string, *handle], *fakeClock) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	c := New[string, *handle](retention)
	c.now = clock.now
	return c, clock
}

func TestCacheHitWhileRetained(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	h := &handle{name: "a"}
	ref := c.Insert("a", h)
	require.Same(t, h, ref.Value())
	require.NoError(t, ref.Release())
	require.Zero(t, h.closeCount())

	// The cache's own reference keeps it alive.
	got, ok := c.TryGet("a")
	require.True(t, ok)
	require.Same(t, h, got.Value())
	require.NoError(t, got.Release())
	require.Zero(t, h.closeCount())
}

func TestCacheMiss(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	_, ok := c.TryGet("missing")
	require.False(t, ok)
}

func TestCacheFirstWriterWins(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	first := &handle{name: "first"}
	second := &handle{name: "second"}
	r1 := c.Insert("k", first)
	r2 := c.Insert("k", second)
	require.Same(t, first, r2.Value())
	require.Equal(t, 1, second.closeCount())
	require.NoError(t, r1.Release())
	require.NoError(t, r2.Release())
	require.Zero(t, first.closeCount())
}

func TestCacheExpiryBecomesWeak(t *testing.T) {
	c, clock := newTestCache(time.Minute)
	h := &handle{}
	ref := c.Insert("k", h)
	clock.advance(2 * time.Minute)

	// Expired but still borrowed: a lookup drops the cache's reference only.
	borrowed, ok := c.TryGet("k")
	require.True(t, ok)
	require.Zero(t, h.closeCount())

	require.NoError(t, ref.Release())
	require.Zero(t, h.closeCount())
	require.NoError(t, borrowed.Release())
	require.Equal(t, 1, h.closeCount())

	_, ok = c.TryGet("k")
	require.False(t, ok)
	require.Zero(t, c.Len())
}

func TestCacheExpiredUnborrowedIsClosedOnLookup(t *testing.T) {
	c, clock := newTestCache(time.Minute)
	h := &handle{}
	require.NoError(t, c.Insert("k", h).Release())
	clock.advance(time.Minute)
	_, ok := c.TryGet("k")
	require.False(t, ok)
	require.Equal(t, 1, h.closeCount())
}

func TestCacheReleaseIsIdempotent(t *testing.T) {
	c, clock := newTestCache(time.Minute)
	h := &handle{}
	ref := c.Insert("k", h)
	other, ok := c.TryGet("k")
	require.True(t, ok)
	require.NoError(t, ref.Release())
	require.NoError(t, ref.Release())
	clock.advance(time.Hour)
	c.Scavenge()
	// other still holds the value.
	require.Zero(t, h.closeCount())
	require.NoError(t, other.Release())
	require.Equal(t, 1, h.closeCount())
}

func TestCacheScavengesPeriodically(t *testing.T) {
	c, clock := newTestCache(time.Minute)
	var handles []*handle
	for i := 0; i < ScavengeEvery-1; i++ {
		h := &handle{}
		handles = append(handles, h)
		require.NoError(t, c.Insert(fmt.Sprint(i), h).Release())
	}
	require.Equal(t, ScavengeEvery-1, c.Len())
	clock.advance(time.Hour)

	fresh := c.Insert("fresh", &handle{})
	defer fresh.Release()
	require.Equal(t, 1, c.Len())
	for _, h := range handles {
		require.Equal(t, 1, h.closeCount())
	}
}

func TestCacheClear(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	idle := &handle{}
	busy := &handle{}
	require.NoError(t, c.Insert("idle", idle).Release())
	ref := c.Insert("busy", busy)
	c.Clear()
	require.Zero(t, c.Len())
	require.Equal(t, 1, idle.closeCount())
	require.Zero(t, busy.closeCount())
	require.NoError(t, ref.Release())
	require.Equal(t, 1, busy.closeCount())
}

func TestCacheConcurrent(t *testing.T) {
	c := New[int, *handle](time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := j % 8
				if ref, ok := c.TryGet(key); ok {
					ref.Release()
					continue
				}
				c.Insert(key, &handle{}).Release()
			}
		}(i)
	}
	wg.Wait()
	require.LessOrEqual(t, c.Len(), 8)
}
