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

package securestream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/Jigsaw-Code/tlsstream/transport"
	"github.com/Jigsaw-Code/tlsstream/transport/secchannel"
)

// StreamDialer is a [transport.StreamDialer] that authenticates the connections of an inner
// StreamDialer as a client.
type StreamDialer struct {
	// dialer provides the underlying connection to be wrapped.
	dialer  transport.StreamDialer
	engine  secchannel.Engine
	options []ClientOption
}

var _ transport.StreamDialer = (*StreamDialer)(nil)

// NewStreamDialer creates a [StreamDialer] that wraps the connections from baseDialer, configured
// with the given options.
func NewStreamDialer(baseDialer transport.StreamDialer, options ...ClientOption) (*StreamDialer, error) {
	if baseDialer == nil {
		return nil, errors.New("base dialer must not be nil")
	}
	return &StreamDialer{dialer: baseDialer, options: options}, nil
}

// WithEngine returns a copy of the dialer that uses engine instead of [DefaultEngine].
func (d *StreamDialer) WithEngine(engine secchannel.Engine) *StreamDialer {
	dup := *d
	dup.engine = engine
	return &dup
}

// DialStream implements [transport.StreamDialer].DialStream.
func (d *StreamDialer) DialStream(ctx context.Context, remoteAddr string) (transport.StreamConn, error) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}
	innerConn, err := d.dialer.DialStream(ctx, remoteAddr)
	if err != nil {
		return nil, err
	}
	conn, err := WrapConn(ctx, innerConn, host, d.engine, d.options...)
	if err != nil {
		innerConn.Close()
		return nil, err
	}
	return conn, nil
}

func normalizeHost(host string) string {
	return strings.ToLower(host)
}

// ClientOption allows configuring the options of a client connection. host is the dialed host,
// lower-cased.
type ClientOption func(host string, opts *secchannel.Options)

// WrapConn authenticates conn as a client of serverName. A nil engine means [DefaultEngine]. On
// failure the caller still owns conn and must close it.
func WrapConn(ctx context.Context, conn transport.StreamConn, serverName string, engine secchannel.Engine, options ...ClientOption) (*Conn, error) {
	opts := &secchannel.Options{TargetName: serverName}
	normName := normalizeHost(serverName)
	for _, option := range options {
		option(normName, opts)
	}
	c := NewConn(transport.NewConnDuplex(conn), conn, engine)
	if err := c.AuthenticateAsClient(ctx, opts); err != nil {
		return nil, err
	}
	return c, nil
}

// WithTargetName sets the name sent in the Server Name Indication and used for certificate
// verification. If absent, defaults to the dialed hostname.
func WithTargetName(hostName string) ClientOption {
	return func(_ string, opts *secchannel.Options) {
		opts.TargetName = hostName
	}
}

// IfHost applies the given option if the host matches the dialed one.
func IfHost(matchHost string, option ClientOption) ClientOption {
	matchHost = normalizeHost(matchHost)
	return func(host string, opts *secchannel.Options) {
		if matchHost != "" && matchHost != host {
			return
		}
		option(host, opts)
	}
}

// WithALPN sets the protocol name list for [Application-Layer Protocol Negotiation] (ALPN).
//
// [Application-Layer Protocol Negotiation]: https://datatracker.ietf.org/doc/html/rfc7301
func WithALPN(protocolNameList []string) ClientOption {
	return func(_ string, opts *secchannel.Options) {
		opts.ApplicationProtocols = protocolNameList
	}
}

// WithTrustAnchors replaces the system roots for server certificate validation.
func WithTrustAnchors(roots *x509.CertPool) ClientOption {
	return func(_ string, opts *secchannel.Options) {
		opts.TrustAnchors = roots
	}
}

// WithClientCertificates sets the certificates offered when the server asks for one.
func WithClientCertificates(certs ...*tls.Certificate) ClientOption {
	return func(_ string, opts *secchannel.Options) {
		opts.ClientCertificates = certs
	}
}

// WithOptions lets the caller edit the options directly, for settings without a dedicated option.
func WithOptions(edit func(opts *secchannel.Options)) ClientOption {
	return func(_ string, opts *secchannel.Options) {
		edit(opts)
	}
}
