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

package secchannel

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/Jigsaw-Code/tlsstream/transport/tlsframe"
)

// EncryptionPolicy controls whether null-cipher sessions are allowed.
type EncryptionPolicy uint8

const (
	RequireEncryption EncryptionPolicy = iota
	AllowNoEncryption
	NoEncryption
)

func (p EncryptionPolicy) String() string {
	switch p {
	case RequireEncryption:
		return "require"
	case AllowNoEncryption:
		return "allow_none"
	case NoEncryption:
		return "none"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// RemoteCertificateCallback decides whether to accept a remote certificate chain, given the verdict
// of the [CertificateValidator]. chain is empty if the peer sent no certificate.
type RemoteCertificateCallback func(chain []*x509.Certificate, policy PolicyErrors, status ChainStatus) bool

// ClientCertificateSelector picks the client certificate to offer when the server asks for one.
// It may return nil to continue without a certificate.
type ClientCertificateSelector func(targetName string, candidates []*tls.Certificate) *tls.Certificate

// ServerCertificateSelector picks the server certificate from the first ClientHello.
type ServerCertificateSelector func(hello *tlsframe.Info) (*tls.Certificate, error)

// Options configures one authentication. They are copied when the handshake starts, and later
// changes have no effect.
type Options struct {
	// TargetName is the server name a client sends and verifies.
	TargetName string
	// Certificate is the local certificate: required for servers unless ServerCertificateSelector
	// is set, optional for clients.
	Certificate *tls.Certificate
	// ClientCertificates are the candidates passed to ClientCertificateSelector.
	ClientCertificates []*tls.Certificate
	// EnabledProtocols defaults to [tlsframe.ProtocolsDefault].
	EnabledProtocols tlsframe.Protocols
	// ApplicationProtocols are the ALPN candidates, in preference order.
	ApplicationProtocols []string
	RevocationMode       RevocationMode
	RevocationLists      []*x509.RevocationList
	EncryptionPolicy     EncryptionPolicy
	// ClientCertificateRequired makes a server request, and require, a client certificate.
	ClientCertificateRequired bool
	// DisableRenegotiation makes a client reject server-initiated renegotiation.
	DisableRenegotiation bool
	// TrustAnchors are the roots used to build remote chains. nil means the system roots.
	TrustAnchors *x509.CertPool

	ClientCertificateSelector  ClientCertificateSelector
	ServerCertificateSelector  ServerCertificateSelector
	RemoteCertificateValidator RemoteCertificateCallback
	// Validator defaults to [X509Validator].
	Validator CertificateValidator
	// CredentialCache defaults to the process-wide cache.
	CredentialCache *CredentialCache
	// Logger receives debug logs. nil discards them.
	Logger *slog.Logger
	// Time returns the current time for certificate validation. nil means time.Now.
	Time func() time.Time
}

// Validate checks that the options are consistent for the given role.
func (o *Options) Validate(isServer bool) error {
	if isServer {
		if o.Certificate == nil && o.ServerCertificateSelector == nil {
			return ErrNoCertificate
		}
		if o.Certificate != nil && o.ServerCertificateSelector != nil {
			return fmt.Errorf("%w: both Certificate and ServerCertificateSelector are set", ErrInvalidOptions)
		}
	} else {
		if o.ClientCertificateRequired {
			return fmt.Errorf("%w: ClientCertificateRequired is a server option", ErrInvalidOptions)
		}
		if o.ServerCertificateSelector != nil {
			return fmt.Errorf("%w: ServerCertificateSelector is a server option", ErrInvalidOptions)
		}
	}
	if o.Certificate != nil && len(o.Certificate.Certificate) == 0 {
		return fmt.Errorf("%w: certificate has no chain", ErrInvalidOptions)
	}
	if o.EnabledProtocols&^(tlsframe.ProtocolSSL2|tlsframe.ProtocolSSL3|tlsframe.ProtocolTLS10|tlsframe.ProtocolTLS11|tlsframe.ProtocolTLS12|tlsframe.ProtocolTLS13) != 0 {
		return fmt.Errorf("%w: unknown protocols %#x", ErrInvalidOptions, uint8(o.EnabledProtocols))
	}
	for _, proto := range o.ApplicationProtocols {
		if len(proto) == 0 || len(proto) > 255 {
			return fmt.Errorf("%w: application protocol %q must be 1 to 255 bytes", ErrInvalidOptions, proto)
		}
	}
	if o.EncryptionPolicy > NoEncryption {
		return fmt.Errorf("%w: unknown encryption policy %v", ErrInvalidOptions, o.EncryptionPolicy)
	}
	return nil
}

// Clone returns a copy that shares no slices with o.
func (o *Options) Clone() *Options {
	c := *o
	c.ClientCertificates = slices.Clone(o.ClientCertificates)
	c.ApplicationProtocols = slices.Clone(o.ApplicationProtocols)
	c.RevocationLists = slices.Clone(o.RevocationLists)
	return &c
}

func (o *Options) protocols() tlsframe.Protocols {
	if o.EnabledProtocols == tlsframe.ProtocolsNone {
		return tlsframe.ProtocolsDefault
	}
	return o.EnabledProtocols
}

func (o *Options) now() time.Time {
	if o.Time != nil {
		return o.Time()
	}
	return time.Now()
}
