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

package securestream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/Jigsaw-Code/tlsstream/transport/secchannel"
	"github.com/Jigsaw-Code/tlsstream/transport/tlsframe"
)

// frameSize returns the size of the record at the start of b. Only the first record can use the
// legacy framing.
func (c *Conn) frameSize(b []byte) (int, error) {
	framing := tlsframe.FramingTLS
	if c.firstRecord && c.framing != tlsframe.FramingUnknown {
		framing = c.framing
	}
	size, err := tlsframe.FrameSize(b, framing)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrFraming, err)
	}
	return size, nil
}

// fill reads from the transport until at least n bytes are buffered. It returns io.EOF only if
// the transport ended with nothing buffered.
func (c *Conn) fill(ctx context.Context, n int) error {
	for c.in.ActiveLen() < n {
		if err := c.in.EnsureAvailableSpace(n - c.in.ActiveLen()); err != nil {
			return fmt.Errorf("%w: %w", ErrFraming, err)
		}
		read, err := c.duplex.Read(ctx, c.in.AvailableBytes())
		c.in.Commit(read)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if c.in.ActiveLen() == 0 {
					return io.EOF
				}
				return fmt.Errorf("%w: %w after %d bytes of a record", ErrFraming, io.ErrUnexpectedEOF, c.in.ActiveLen())
			}
			return err
		}
	}
	return nil
}

// readRecord returns the complete record at the start of the receive buffer, reading more as
// needed. The caller discards it once processed.
func (c *Conn) readRecord(ctx context.Context) ([]byte, error) {
	if err := c.fill(ctx, tlsframe.HeaderLen); err != nil {
		return nil, err
	}
	size, err := c.frameSize(c.in.ActiveBytes())
	if err != nil {
		return nil, err
	}
	if err := c.fill(ctx, size); err != nil {
		return nil, err
	}
	c.firstRecord = false
	return c.in.ActiveBytes()[:size], nil
}

// bufferedRecord returns the next record if it is already complete in the receive buffer and
// holds application data.
func (c *Conn) bufferedRecord() ([]byte, bool) {
	active := c.in.ActiveBytes()
	if len(active) < tlsframe.HeaderLen || tlsframe.ContentType(active[0]) != tlsframe.ContentTypeApplicationData {
		return nil, false
	}
	size, err := c.frameSize(active)
	if err != nil || size > len(active) {
		return nil, false
	}
	return active[:size], true
}

// serveWindow copies decrypted bytes into p and discards the record once they are all returned.
func (c *Conn) serveWindow(p []byte) int {
	n := copy(p, c.window)
	c.window = c.window[n:]
	if len(c.window) == 0 {
		c.window = nil
		c.in.Discard(c.windowRecord)
		c.windowRecord = 0
	}
	return n
}

// stashWindow moves undelivered decrypted bytes aside, so the receive buffer can be refilled.
func (c *Conn) stashWindow() {
	if c.windowRecord == 0 {
		return
	}
	c.stash = append(c.stash, c.window...)
	c.window = nil
	c.in.Discard(c.windowRecord)
	c.windowRecord = 0
}

// ReadContext reads decrypted application data. It returns [io.EOF] once the peer sent
// close_notify or the transport ended cleanly between records.
func (c *Conn) ReadContext(ctx context.Context, p []byte) (int, error) {
	if err := c.checkFailed(); err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}
	if !c.reading.CompareAndSwap(false, true) {
		return 0, fmt.Errorf("read: %w", ErrConcurrentRead)
	}
	defer c.reading.Store(false)
	n, err := c.read(ctx, p)
	if err != nil && err != io.EOF {
		err = fmt.Errorf("read: %w", err)
	}
	return n, err
}

func (c *Conn) read(ctx context.Context, p []byte) (int, error) {
	ch := c.channel.Load()
	if ch == nil || !c.IsAuthenticated() {
		return 0, ErrNotAuthenticated
	}
	if len(c.stash) > 0 {
		n := copy(p, c.stash)
		c.stash = c.stash[n:]
		if len(c.stash) == 0 {
			c.stash = nil
		}
		return n, nil
	}
	if len(c.window) > 0 {
		return c.serveWindow(p), nil
	}
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if msg := c.pendingHandshake; msg != nil {
			c.pendingHandshake = nil
			if err := c.renegotiateFromPeer(ctx, ch, msg); err != nil {
				return 0, err
			}
			if len(c.stash) > 0 {
				return c.read(ctx, p)
			}
		}
		if c.readEOF || c.readClosed.Load() {
			return 0, io.EOF
		}
		record, err := c.readRecord(ctx)
		if err == io.EOF {
			c.readEOF = true
			c.logger().Debug("transport closed without close_notify")
			return 0, io.EOF
		}
		if err != nil {
			return 0, c.fatal(err)
		}
		status, offset, length := ch.Decrypt(record)
		switch status {
		case secchannel.StatusOK:
			if length == 0 {
				c.in.Discard(len(record))
				continue
			}
			c.window, c.windowRecord = record[offset:offset+length], len(record)
			return c.drain(ch, p), nil
		case secchannel.StatusRenegotiate:
			msg := slices.Clone(record[offset : offset+length])
			c.in.Discard(len(record))
			if err := c.renegotiateFromPeer(ctx, ch, msg); err != nil {
				return 0, err
			}
			if len(c.stash) > 0 {
				return c.read(ctx, p)
			}
		case secchannel.StatusContextExpired:
			c.in.Discard(len(record))
			c.readEOF = true
			c.logger().Debug("close_notify received")
			return 0, io.EOF
		case secchannel.StatusAlertReceived:
			return 0, c.fatal(alertError(record[offset : offset+length]))
		default:
			return 0, c.fatal(decryptError(status))
		}
	}
}

// renegotiateFromPeer answers a renegotiation message received from the peer.
func (c *Conn) renegotiateFromPeer(ctx context.Context, ch *secchannel.Channel, msg []byte) error {
	c.beginRenegotiation()
	err := c.runRenegotiation(ctx, ch, msg)
	c.endRenegotiation()
	if err != nil {
		return c.fatal(err)
	}
	return nil
}

// drain returns the current window, then keeps decrypting application data records that are
// already buffered until p is full. Engines that protect every record as application data can
// put close_notify or a renegotiation request among them; those take effect on the next read.
func (c *Conn) drain(ch *secchannel.Channel, p []byte) int {
	n := c.serveWindow(p)
	for n < len(p) && len(c.window) == 0 {
		record, ok := c.bufferedRecord()
		if !ok {
			break
		}
		status, offset, length := ch.Decrypt(record)
		switch status {
		case secchannel.StatusOK:
			c.window, c.windowRecord = record[offset:offset+length], len(record)
			n += c.serveWindow(p[n:])
			continue
		case secchannel.StatusContextExpired:
			c.readEOF = true
			c.logger().Debug("close_notify received")
		case secchannel.StatusRenegotiate:
			c.pendingHandshake = slices.Clone(record[offset : offset+length])
		case secchannel.StatusAlertReceived:
			// The bytes already copied are returned now and the failure on the next call.
			c.fatal(alertError(record[offset : offset+length]))
		default:
			c.fatal(decryptError(status))
		}
		c.in.Discard(len(record))
		break
	}
	return n
}

// WriteContext encrypts p into records of at most the negotiated payload size and sends them in
// order. Each record is flushed before the next one is produced.
func (c *Conn) WriteContext(ctx context.Context, p []byte) (int, error) {
	if err := c.checkFailed(); err != nil {
		return 0, fmt.Errorf("write: %w", err)
	}
	if !c.writing.CompareAndSwap(false, true) {
		return 0, fmt.Errorf("write: %w", ErrConcurrentWrite)
	}
	defer c.writing.Store(false)
	n, err := c.write(ctx, p)
	if err != nil {
		err = fmt.Errorf("write: %w", err)
	}
	return n, err
}

func (c *Conn) write(ctx context.Context, p []byte) (int, error) {
	ch := c.channel.Load()
	if ch == nil || !c.IsAuthenticated() {
		return 0, ErrNotAuthenticated
	}
	if c.writeClosed.Load() {
		return 0, ErrWriteClosed
	}
	scratch := writeBufferPool.LazySlice()
	defer scratch.Release()
	var buf []byte
	if sizes := ch.StreamSizes(); sizes.Header+sizes.MaxPayload+sizes.Trailer <= writeBufferPool.SliceSize() {
		buf = scratch.Acquire()
	}
	written := 0
	for written < len(p) {
		// Sizes can change with a renegotiation.
		sizes := ch.StreamSizes()
		chunk := min(len(p)-written, sizes.MaxPayload)
		if need := sizes.Header + chunk + sizes.Trailer; need > len(buf) {
			buf = make([]byte, sizes.Header+sizes.MaxPayload+sizes.Trailer)
		}
		if err := c.writeRecord(ctx, ch, buf, sizes.Header, p[written:written+chunk]); err != nil {
			return written, err
		}
		written += chunk
	}
	return written, nil
}

// writeRecord encrypts and sends one record. While a renegotiation is pending the engine cannot
// produce records, so it waits for the renegotiation to end and retries the same chunk.
func (c *Conn) writeRecord(ctx context.Context, ch *secchannel.Channel, buf []byte, header int, chunk []byte) error {
	for {
		if err := c.checkFailed(); err != nil {
			return err
		}
		copy(buf[header:], chunk)
		c.writeMu.Lock()
		n, status := ch.Encrypt(buf, len(chunk))
		switch status {
		case secchannel.StatusOK:
			err := c.send(ctx, buf[:n])
			c.writeMu.Unlock()
			if err != nil {
				// Part of a record may have been sent, so the stream cannot continue.
				return c.fatal(err)
			}
			return nil
		case secchannel.StatusTryAgain:
			c.writeMu.Unlock()
			signal := c.renegotiationSignal()
			if signal == nil {
				continue
			}
			c.logger().Debug("write waiting for renegotiation")
			if err := c.duplex.Wait(ctx, signal); err != nil {
				return c.fatal(err)
			}
		case secchannel.StatusContextExpired:
			c.writeMu.Unlock()
			return ErrWriteClosed
		default:
			c.writeMu.Unlock()
			return c.fatal(&secchannel.AuthenticationError{Status: status, Err: errors.New("record encryption failed")})
		}
	}
}

// Shutdown sends close_notify. Later writes fail with [ErrWriteClosed]; reads continue until the
// peer closes its side. Calling it again is a no-op.
func (c *Conn) Shutdown(ctx context.Context) error {
	if err := c.shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (c *Conn) shutdown(ctx context.Context) error {
	if err := c.checkFailed(); err != nil {
		return err
	}
	ch := c.channel.Load()
	if ch == nil || !c.IsAuthenticated() {
		return ErrNotAuthenticated
	}
	if !c.writing.CompareAndSwap(false, true) {
		return ErrConcurrentWrite
	}
	defer c.writing.Store(false)
	if c.writeClosed.Load() {
		return nil
	}
	for {
		if err := c.checkFailed(); err != nil {
			return err
		}
		c.writeMu.Lock()
		if ch.State() != secchannel.StateNegotiating {
			break
		}
		c.writeMu.Unlock()
		signal := c.renegotiationSignal()
		if signal == nil {
			return fmt.Errorf("%w: handshake in progress", ErrInvalidState)
		}
		c.logger().Debug("shutdown waiting for renegotiation")
		if err := c.duplex.Wait(ctx, signal); err != nil {
			return c.fatal(err)
		}
	}
	token := ch.CreateShutdownToken()
	if token.Failed() {
		c.writeMu.Unlock()
		if errors.Is(token.Err, secchannel.ErrInvalidState) {
			return fmt.Errorf("%w: %w", ErrInvalidState, token.Err)
		}
		return c.fatal(token.AsError())
	}
	err := c.send(ctx, token.Payload)
	c.writeMu.Unlock()
	if err != nil {
		return c.fatal(err)
	}
	c.writeClosed.Store(true)
	c.logger().Debug("close_notify sent")
	return nil
}
