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

// Package securestream provides an authenticated, encrypted byte stream over any ordered
// transport. A [Conn] runs the handshake through a [secchannel.Channel], then frames, protects
// and unprotects application data records.
//
// At most one read and one write may run at a time; a second concurrent call fails with
// [ErrConcurrentRead] or [ErrConcurrentWrite] instead of queuing. Authentication takes both
// directions. Renegotiation is driven from the read side and writes that run into it wait until it
// completes.
package securestream

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Jigsaw-Code/tlsstream/internal/ddltimer"
	"github.com/Jigsaw-Code/tlsstream/internal/framebuf"
	"github.com/Jigsaw-Code/tlsstream/internal/slicepool"
	"github.com/Jigsaw-Code/tlsstream/transport"
	"github.com/Jigsaw-Code/tlsstream/transport/secchannel"
	"github.com/Jigsaw-Code/tlsstream/transport/tlsengine"
	"github.com/Jigsaw-Code/tlsstream/transport/tlsframe"
	"github.com/google/uuid"
)

const (
	// initialReadBufferSize fits a typical first flight.
	initialReadBufferSize = 4096
	// maxReadBufferSize bounds the receive buffer, which must hold a whole handshake flight.
	maxReadBufferSize = 1 << 20
	// maxRecordOverhead bounds header plus trailer for the pooled write buffers. Engines with a
	// bigger overhead get a dedicated buffer.
	maxRecordOverhead = 256
)

// writeBufferPool holds the scratch buffers records are encrypted into.
var writeBufferPool = slicepool.MakePool(tlsframe.MaxPlaintextLen + maxRecordOverhead)

var defaultEngine = sync.OnceValues(func() (secchannel.Engine, error) {
	return tlsengine.New(nil)
})

// DefaultEngine returns the [tlsengine.Engine] used when no engine is given.
func DefaultEngine() secchannel.Engine {
	e, err := defaultEngine()
	if err != nil {
		panic(fmt.Sprintf("securestream: default engine: %v", err))
	}
	return e
}

// Conn is an authenticated stream. It implements [transport.StreamConn].
type Conn struct {
	duplex transport.Duplex
	// base is the connection the duplex runs over, if any. It provides addresses, half-close and
	// Close.
	base   net.Conn
	engine secchannel.Engine
	id     string
	log    atomic.Pointer[slog.Logger]

	// opts and isServer are set by Client and Server for Handshake.
	opts     *secchannel.Options
	isServer bool

	reading        atomic.Bool
	writing        atomic.Bool
	authenticating atomic.Bool
	authenticated  atomic.Bool
	writeClosed    atomic.Bool
	readClosed     atomic.Bool

	channel atomic.Pointer[secchannel.Channel]

	errMu sync.Mutex
	err   error

	// writeMu is held while a record is encrypted and sent, and while a handshake message is
	// processed and its answer sent, so records go out in key order.
	writeMu sync.Mutex

	renegotiationMu   sync.Mutex
	renegotiationDone chan struct{}

	// Read state, owned by the holder of the read guard.
	framing     tlsframe.Framing
	firstRecord bool
	in          *framebuf.Buffer
	// window is the decrypted payload of the record at the start of in not yet returned, and
	// windowRecord the size of that record.
	window       []byte
	windowRecord int
	// stash holds application data received while a renegotiation was in progress.
	stash []byte
	// pendingHandshake is a renegotiation message found while draining buffered records. The next
	// read runs the renegotiation with it.
	pendingHandshake []byte
	readEOF          bool

	readTimer  *ddltimer.DeadlineTimer
	writeTimer *ddltimer.DeadlineTimer

	closeOnce sync.Once
}

var _ transport.StreamConn = (*Conn)(nil)

// NewConn returns an unauthenticated stream over d. base is the connection d runs over and may be
// nil. A nil engine means [DefaultEngine].
func NewConn(d transport.Duplex, base net.Conn, engine secchannel.Engine) *Conn {
	if engine == nil {
		engine = DefaultEngine()
	}
	c := &Conn{
		duplex:      d,
		base:        base,
		engine:      engine,
		id:          uuid.NewString(),
		firstRecord: true,
		in:          framebuf.New(initialReadBufferSize, maxReadBufferSize),
		readTimer:   ddltimer.New(),
		writeTimer:  ddltimer.New(),
	}
	c.log.Store(slog.New(slog.DiscardHandler))
	return c
}

// Client returns a client stream over conn. [Conn.Handshake] authenticates it with opts.
func Client(conn net.Conn, opts *secchannel.Options) *Conn {
	c := NewConn(transport.NewConnDuplex(conn), conn, nil)
	c.opts = opts
	return c
}

// Server returns a server stream over conn. [Conn.Handshake] authenticates it with opts.
func Server(conn net.Conn, opts *secchannel.Options) *Conn {
	c := NewConn(transport.NewConnDuplex(conn), conn, nil)
	c.opts, c.isServer = opts, true
	return c
}

// Handshake authenticates a stream created by [Client] or [Server].
func (c *Conn) Handshake(ctx context.Context) error {
	if c.opts == nil {
		return fmt.Errorf("handshake: %w: no options, use AuthenticateAsClient or AuthenticateAsServer", ErrInvalidState)
	}
	if c.isServer {
		return c.AuthenticateAsServer(ctx, c.opts)
	}
	return c.AuthenticateAsClient(ctx, c.opts)
}

func (c *Conn) logger() *slog.Logger {
	return c.log.Load()
}

// fatal caches err as the reason the stream is unusable and returns it. Only the first error is
// kept.
func (c *Conn) fatal(err error) error {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
		c.logger().Debug("stream failed", "error", err)
	}
	c.errMu.Unlock()
	// Writers blocked on a renegotiation must see the failure.
	c.endRenegotiation()
	return err
}

// checkFailed returns the cached error wrapped in ErrClosed, or nil.
func (c *Conn) checkFailed() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		return nil
	}
	if errors.Is(c.err, ErrClosed) {
		return c.err
	}
	return fmt.Errorf("%w: %w", ErrClosed, c.err)
}

func (c *Conn) beginRenegotiation() {
	c.renegotiationMu.Lock()
	defer c.renegotiationMu.Unlock()
	if c.renegotiationDone == nil {
		c.renegotiationDone = make(chan struct{})
	}
}

func (c *Conn) endRenegotiation() {
	c.renegotiationMu.Lock()
	defer c.renegotiationMu.Unlock()
	if c.renegotiationDone != nil {
		close(c.renegotiationDone)
		c.renegotiationDone = nil
	}
}

// renegotiationSignal returns a channel closed when the current renegotiation ends, or nil if
// none is running.
func (c *Conn) renegotiationSignal() <-chan struct{} {
	c.renegotiationMu.Lock()
	defer c.renegotiationMu.Unlock()
	return c.renegotiationDone
}

// send writes and flushes handshake or alert bytes. The caller holds writeMu.
func (c *Conn) send(ctx context.Context, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := c.duplex.Write(ctx, b); err != nil {
		return err
	}
	return c.duplex.Flush(ctx)
}

// IsAuthenticated reports whether the handshake completed.
func (c *Conn) IsAuthenticated() bool {
	return c.authenticated.Load()
}

// IsServer reports whether the stream plays the server role. It is only meaningful once
// authentication started or for streams created by [Server].
func (c *Conn) IsServer() bool {
	if ch := c.channel.Load(); ch != nil {
		return ch.IsServer()
	}
	return c.isServer
}

// ConnectionState describes an authenticated stream.
type ConnectionState struct {
	Authenticated      bool
	Version            tlsframe.Version
	CipherSuite        uint16
	CipherName         string
	NegotiatedProtocol string
	// ServerName is the name the client asked for.
	ServerName       string
	PeerCertificates []*x509.Certificate
	Sizes            secchannel.StreamSizes
}

// ConnectionState returns the parameters of the last completed negotiation.
func (c *Conn) ConnectionState() ConnectionState {
	ch := c.channel.Load()
	if ch == nil || !c.IsAuthenticated() {
		return ConnectionState{}
	}
	info := ch.ConnectionInfo()
	state := ConnectionState{
		Authenticated:      true,
		Version:            info.Protocol,
		CipherSuite:        info.CipherSuite,
		CipherName:         info.CipherName,
		NegotiatedProtocol: ch.NegotiatedProtocol(),
		PeerCertificates:   ch.RemoteCertificates(),
		Sizes:              ch.StreamSizes(),
	}
	if ch.IsServer() {
		if hello := ch.ClientHello(); hello != nil {
			state.ServerName = hello.TargetName
		}
	} else {
		state.ServerName = ch.Options().TargetName
	}
	return state
}

// Read implements [net.Conn]. It is bounded by the read deadline.
func (c *Conn) Read(p []byte) (int, error) {
	ctx, cancel := c.readTimer.Context(context.Background())
	defer cancel()
	return c.ReadContext(ctx, p)
}

// Write implements [net.Conn]. It is bounded by the write deadline.
func (c *Conn) Write(p []byte) (int, error) {
	ctx, cancel := c.writeTimer.Context(context.Background())
	defer cancel()
	return c.WriteContext(ctx, p)
}

// SetDeadline implements [net.Conn].
func (c *Conn) SetDeadline(t time.Time) error {
	c.readTimer.SetDeadline(t)
	c.writeTimer.SetDeadline(t)
	return nil
}

// SetReadDeadline implements [net.Conn]. An expired deadline fails the stream.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.readTimer.SetDeadline(t)
	return nil
}

// SetWriteDeadline implements [net.Conn]. An expired deadline fails the stream.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.writeTimer.SetDeadline(t)
	return nil
}

// LocalAddr implements [net.Conn]. It is nil without a base connection.
func (c *Conn) LocalAddr() net.Addr {
	if c.base == nil {
		return nil
	}
	return c.base.LocalAddr()
}

// RemoteAddr implements [net.Conn]. It is nil without a base connection.
func (c *Conn) RemoteAddr() net.Addr {
	if c.base == nil {
		return nil
	}
	return c.base.RemoteAddr()
}

// CloseWrite sends close_notify and half-closes the base connection when it supports it.
func (c *Conn) CloseWrite() error {
	ctx, cancel := c.writeTimer.Context(context.Background())
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		return err
	}
	if sc, ok := c.base.(transport.StreamConn); ok {
		return sc.CloseWrite()
	}
	return nil
}

// CloseRead stops reading. Later reads return [io.EOF].
func (c *Conn) CloseRead() error {
	c.readClosed.Store(true)
	if sc, ok := c.base.(transport.StreamConn); ok {
		return sc.CloseRead()
	}
	return nil
}

// Close releases the session and closes the base connection. It does not send close_notify, see
// [Conn.Shutdown].
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.fatal(ErrClosed)
		if ch := c.channel.Load(); ch != nil {
			err = ch.Close()
		}
		c.readTimer.Stop()
		c.writeTimer.Stop()
		if c.base != nil {
			err = errors.Join(err, c.base.Close())
		}
		c.logger().Debug("stream closed")
	})
	return err
}
