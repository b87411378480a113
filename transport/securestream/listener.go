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
	"net"
	"time"

	"github.com/Jigsaw-Code/tlsstream/transport"
	"github.com/Jigsaw-Code/tlsstream/transport/secchannel"
)

// DefaultHandshakeTimeout bounds the handshake of accepted connections.
const DefaultHandshakeTimeout = 10 * time.Second

// Listener accepts connections from an inner listener and authenticates them as a server.
type Listener struct {
	net.Listener
	opts *secchannel.Options
	// Engine defaults to [DefaultEngine].
	Engine secchannel.Engine
	// HandshakeTimeout defaults to [DefaultHandshakeTimeout].
	HandshakeTimeout time.Duration
}

// NewListener returns a listener that authenticates accepted connections with opts.
func NewListener(inner net.Listener, opts *secchannel.Options) *Listener {
	return &Listener{Listener: inner, opts: opts}
}

// Accept waits for a connection and completes its handshake. A failed handshake closes the
// connection and is returned as the error, so callers should keep accepting unless the inner
// listener failed.
func (l *Listener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	timeout := l.HandshakeTimeout
	if timeout == 0 {
		timeout = DefaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	c := NewConn(transport.NewConnDuplex(conn), conn, l.Engine)
	if err := c.AuthenticateAsServer(ctx, l.opts); err != nil {
		c.Close()
		return nil, &HandshakeError{RemoteAddr: conn.RemoteAddr(), Err: err}
	}
	return c, nil
}

// HandshakeError is returned by [Listener.Accept] when an accepted connection fails to
// authenticate.
type HandshakeError struct {
	RemoteAddr net.Addr
	Err        error
}

func (e *HandshakeError) Error() string {
	return "handshake with " + e.RemoteAddr.String() + " failed: " + e.Err.Error()
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}
