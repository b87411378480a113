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
	"io"

	"github.com/Jigsaw-Code/tlsstream/transport/tlsframe"
)

// Credential is a handle to local authentication material bound by an [Engine]. Credentials can be
// shared by many connections and are closed by the [CredentialCache] once unused.
type Credential interface {
	io.Closer
}

// SecurityContext is the per-connection state of an [Engine]. A nil SecurityContext means no
// context has been created yet.
type SecurityContext interface {
	io.Closer
}

// CredentialRequest describes the credential to acquire.
type CredentialRequest struct {
	// Certificate is the local certificate chain and private key. It may be nil for clients.
	Certificate *tls.Certificate
	Protocols   tlsframe.Protocols
	Policy      EncryptionPolicy
	IsServer    bool
}

// ContextParams are the per-connection parameters passed to every context call.
type ContextParams struct {
	// TargetName is the server name the client asks for.
	TargetName           string
	ApplicationProtocols []string
	Protocols            tlsframe.Protocols
	Policy               EncryptionPolicy
	// ClientCertificateRequired makes a server request a client certificate.
	ClientCertificateRequired bool
}

// StreamSizes is the record sizing of an established context.
type StreamSizes struct {
	Header     int
	Trailer    int
	MaxPayload int
}

// ConnectionInfo describes a negotiated session.
type ConnectionInfo struct {
	Protocol    tlsframe.Version
	CipherSuite uint16
	CipherName  string
}

// Engine performs the cryptographic side of a secure channel: token-by-token context negotiation
// and bulk record protection. The orchestration around it, including all I/O, is done by [Channel]
// and the record stream.
//
// Encrypt and Decrypt may be called concurrently on the same context. All other calls on a context
// are serialized by the caller.
type Engine interface {
	// AcquireCredential binds local authentication material.
	AcquireCredential(req CredentialRequest) (Credential, error)
	// InitializeContext runs one client handshake step. sc is nil on the first call. in holds the
	// records received from the peer, or nil if there are none.
	InitializeContext(cred Credential, sc SecurityContext, p *ContextParams, in []byte) (SecurityContext, ProtocolToken)
	// AcceptContext runs one server handshake step.
	AcceptContext(cred Credential, sc SecurityContext, p *ContextParams, in []byte) (SecurityContext, ProtocolToken)
	// Renegotiate starts a server-initiated renegotiation of an established context.
	Renegotiate(sc SecurityContext) ProtocolToken

	// Encrypt protects the payloadLen bytes of plaintext at buf[Header:Header+payloadLen] in place.
	// buf must have room for the header and trailer. It returns the record length.
	Encrypt(sc SecurityContext, buf []byte, payloadLen int) (int, Status)
	// Decrypt unprotects the single complete record in buf in place. It returns the offset and
	// length of the plaintext within buf.
	Decrypt(sc SecurityContext, buf []byte) (status Status, offset, length int)

	StreamSizes(sc SecurityContext) (StreamSizes, error)
	ConnectionInfo(sc SecurityContext) (ConnectionInfo, error)
	// NegotiatedProtocol returns the ALPN result, or "" if none was negotiated.
	NegotiatedProtocol(sc SecurityContext) (string, error)
	// RemoteCertificates returns the peer chain, leaf first.
	RemoteCertificates(sc SecurityContext) ([]*x509.Certificate, error)

	// CreateAlert produces the wire bytes for a fatal alert.
	CreateAlert(sc SecurityContext, d tlsframe.AlertDescription) ProtocolToken
	// CreateShutdownToken produces the wire bytes for close_notify.
	CreateShutdownToken(sc SecurityContext) ProtocolToken
}
