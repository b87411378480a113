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

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// Duplex is an ordered, bidirectional byte channel that record-layer code is written against.
// Implementations exist for blocking readers and writers and for cancellable connections, and both
// provide the same semantics:
//   - Read may return fewer bytes than requested. A return of (0, [io.EOF]) is a clean end of stream.
//   - Write either writes all of p or returns an error.
//   - Every call fails with the context error once ctx is done, so callers can tell cancellation
//     apart from I/O failures with [errors.Is].
type Duplex interface {
	Read(ctx context.Context, p []byte) (int, error)
	Write(ctx context.Context, p []byte) error
	Flush(ctx context.Context) error
	// Wait blocks until signal is closed or ctx is done.
	Wait(ctx context.Context, signal <-chan struct{}) error
}

// flusher is implemented by buffered writers such as [bufio.Writer].
type flusher interface {
	Flush() error
}

// maxConsecutiveEmptyReads bounds the retries on readers that return (0, nil).
const maxConsecutiveEmptyReads = 100

func waitSignal(ctx context.Context, signal <-chan struct{}) error {
	select {
	case <-signal:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

type blockingDuplex struct {
	rw io.ReadWriter
}

var _ Duplex = (*blockingDuplex)(nil)

// NewBlockingDuplex returns a [Duplex] that calls rw directly. The context is checked before each
// operation, but an operation that is already blocked in rw is not interrupted.
func NewBlockingDuplex(rw io.ReadWriter) Duplex {
	return &blockingDuplex{rw: rw}
}

func (d *blockingDuplex) Read(ctx context.Context, p []byte) (int, error) {
	if err := context.Cause(ctx); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	for i := 0; i < maxConsecutiveEmptyReads; i++ {
		n, err := d.rw.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil {
			return 0, err
		}
	}
	return 0, io.ErrNoProgress
}

func (d *blockingDuplex) Write(ctx context.Context, p []byte) error {
	if err := context.Cause(ctx); err != nil {
		return err
	}
	return writeFull(d.rw, p)
}

func (d *blockingDuplex) Flush(ctx context.Context) error {
	if err := context.Cause(ctx); err != nil {
		return err
	}
	if f, ok := d.rw.(flusher); ok {
		return f.Flush()
	}
	return nil
}

func (d *blockingDuplex) Wait(ctx context.Context, signal <-chan struct{}) error {
	return waitSignal(ctx, signal)
}

// aLongTimeAgo is a non-zero time, far in the past, used for immediate cancellation of network operations.
var aLongTimeAgo = time.Unix(1, 0)

type connDuplex struct {
	conn net.Conn
}

var _ Duplex = (*connDuplex)(nil)

// NewConnDuplex returns a [Duplex] over conn in which blocked operations return as soon as the
// context is done. Cancellation is implemented by moving the connection deadline into the past, so
// the caller must not rely on deadlines it set on conn itself.
func NewConnDuplex(conn net.Conn) Duplex {
	return &connDuplex{conn: conn}
}

// interruptOnDone arms an interruption of blocked I/O on ctx completion. The returned function
// disarms it and translates errors caused by the interruption into the context error.
func (d *connDuplex) interruptOnDone(ctx context.Context, setDeadline func(time.Time) error) func(error) error {
	if ctx.Done() == nil {
		return func(err error) error { return err }
	}
	stop := context.AfterFunc(ctx, func() {
		setDeadline(aLongTimeAgo)
	})
	return func(err error) error {
		if !stop() {
			// The interruption ran, so the deadline must be reset for the next operation.
			setDeadline(time.Time{})
			if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
				return context.Cause(ctx)
			}
		}
		return err
	}
}

func (d *connDuplex) Read(ctx context.Context, p []byte) (int, error) {
	if err := context.Cause(ctx); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	done := d.interruptOnDone(ctx, d.conn.SetReadDeadline)
	var n int
	var err error
	for i := 0; i < maxConsecutiveEmptyReads; i++ {
		n, err = d.conn.Read(p)
		if n > 0 || err != nil {
			break
		}
	}
	if n == 0 && err == nil {
		err = io.ErrNoProgress
	}
	if n > 0 {
		// Data wins over a concurrent cancellation. The error is reported on the next call.
		done(nil)
		return n, nil
	}
	return 0, done(err)
}

func (d *connDuplex) Write(ctx context.Context, p []byte) error {
	if err := context.Cause(ctx); err != nil {
		return err
	}
	done := d.interruptOnDone(ctx, d.conn.SetWriteDeadline)
	return done(writeFull(d.conn, p))
}

func (d *connDuplex) Flush(ctx context.Context) error {
	if err := context.Cause(ctx); err != nil {
		return err
	}
	if f, ok := d.conn.(flusher); ok {
		done := d.interruptOnDone(ctx, d.conn.SetWriteDeadline)
		return done(f.Flush())
	}
	return nil
}

func (d *connDuplex) Wait(ctx context.Context, signal <-chan struct{}) error {
	return waitSignal(ctx, signal)
}

func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("writer accepted no bytes: %w", io.ErrShortWrite)
		}
		p = p[n:]
	}
	return nil
}
