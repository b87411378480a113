// Copyright 2023 Jigsaw Operations LLC
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

// Package ddltimer provides a [DeadlineTimer], which turns the deadline methods of a [net.Conn] into
// contexts for context-based operations:
//
//	t := ddltimer.New()
//	defer t.Stop()
//	t.SetDeadline(time.Now().Add(2 * time.Second))
//	ctx, cancel := t.Context(context.Background())
//	defer cancel()
//	n, err := stream.ReadContext(ctx, buf) // fails with os.ErrDeadlineExceeded after 2 seconds
//
// The deadline may be moved from other goroutines while the operation runs.
package ddltimer

import (
	"context"
	"os"
	"sync"
	"time"
)

// DeadlineTimer holds a movable deadline whose expiration can be observed by any number of
// goroutines. It is safe for concurrent use.
type DeadlineTimer struct {
	mu sync.Mutex

	ddl time.Time
	t   *time.Timer
	c   chan struct{}
}

// New returns a timer without a deadline.
func New() *DeadlineTimer {
	return &DeadlineTimer{
		c: make(chan struct{}),
	}
}

// Timeout returns a channel closed when the current deadline passes.
func (d *DeadlineTimer) Timeout() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.c
}

// SetDeadline moves the deadline to t. A zero t removes it, and a past t expires the timer
// immediately.
func (d *DeadlineTimer) SetDeadline(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// A timer that already fired closed d.c, so listeners of the new deadline need a new channel.
	if d.t != nil && !d.t.Stop() {
		d.c = make(chan struct{})
	}
	d.t = nil

	// d.c is also closed, without a timer, after a deadline in the past.
	select {
	case <-d.c:
		d.c = make(chan struct{})
	default:
	}

	d.ddl = t

	if t.IsZero() {
		return
	}

	timeout := time.Until(t)
	if timeout <= 0 {
		close(d.c)
		return
	}

	// The callback may still run after Stop reported it started, so it closes its own channel.
	ch := d.c
	d.t = time.AfterFunc(timeout, func() {
		close(ch)
	})
}

// Stop removes the deadline.
func (d *DeadlineTimer) Stop() {
	d.SetDeadline(time.Time{})
}

// Deadline returns the current deadline, or the zero time.
func (d *DeadlineTimer) Deadline() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ddl
}

// Context returns a context derived from parent that is cancelled with [os.ErrDeadlineExceeded] as
// its cause when the timer expires, including expirations set after Context returns. The returned
// cancel function must be called to release the watcher.
func (d *DeadlineTimer) Context(parent context.Context) (context.Context, context.CancelFunc) {
	timeout := d.Timeout()
	select {
	case <-timeout:
		ctx, cancel := context.WithCancelCause(parent)
		cancel(os.ErrDeadlineExceeded)
		return ctx, func() {}
	default:
	}
	ctx, cancel := context.WithCancelCause(parent)
	go func() {
		select {
		case <-timeout:
			cancel(os.ErrDeadlineExceeded)
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}
