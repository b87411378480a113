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

// Package tlsengine is a compact [secchannel.Engine] so that secure streams can run end to end
// without an external cryptographic provider.
//
// It speaks TLS-framed records with a TLS 1.3 style handshake: X25519 key exchange, an HKDF key
// schedule over the transcript, CertificateVerify signatures and Finished MACs. Handshake messages
// travel in plaintext records, and everything after the handshake is AEAD-protected with the record
// header as additional data. Servers can renegotiate, which exchanges fresh key shares inside
// protected Handshake records and rekeys both directions.
//
// It is not an implementation of any standard TLS version and only interoperates with itself.
package tlsengine

import (
	"crypto"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/Jigsaw-Code/tlsstream/transport/secchannel"
	"github.com/Jigsaw-Code/tlsstream/transport/tlsframe"
	"golang.org/x/crypto/curve25519"
)

var (
	// ErrNullCipher is returned for credentials that would allow unencrypted sessions only.
	ErrNullCipher = errors.New("null cipher sessions are not supported")
	// ErrUnsupportedProtocols is returned when no enabled protocol can be negotiated.
	ErrUnsupportedProtocols = errors.New("no supported protocol version enabled")
	// ErrSSL2 is reported when a peer sends a legacy SSLv2 hello.
	ErrSSL2 = errors.New("SSLv2 hellos are not supported")
)

// Config configures an [Engine].
type Config struct {
	// CipherSuites in preference order. nil means all supported suites.
	CipherSuites []uint16
	// Rand is the entropy source. nil means crypto/rand.
	Rand io.Reader
}

// Engine implements [secchannel.Engine].
type Engine struct {
	suites []*cipherSuite
	rand   io.Reader
}

var _ secchannel.Engine = (*Engine)(nil)

// New creates an engine. A nil config uses the defaults.
func New(config *Config) (*Engine, error) {
	if config == nil {
		config = &Config{}
	}
	e := &Engine{rand: config.Rand, suites: supportedCipherSuites}
	if e.rand == nil {
		e.rand = rand.Reader
	}
	if config.CipherSuites != nil {
		e.suites = nil
		for _, id := range config.CipherSuites {
			suite, err := cipherSuiteByID(id)
			if err != nil {
				return nil, err
			}
			e.suites = append(e.suites, suite)
		}
		if len(e.suites) == 0 {
			return nil, errors.New("no cipher suites configured")
		}
	}
	return e, nil
}

// versionsFor returns the versions this engine can negotiate out of protocols, highest first.
func versionsFor(protocols tlsframe.Protocols) []tlsframe.Version {
	return (protocols & (tlsframe.ProtocolTLS12 | tlsframe.ProtocolTLS13)).Versions()
}

type credential struct {
	cert   *tls.Certificate
	leaf   *x509.Certificate
	signer crypto.Signer
	scheme uint16
}

// Close implements [secchannel.Credential]. Credentials only hold memory.
func (c *credential) Close() error {
	return nil
}

// AcquireCredential implements [secchannel.Engine].
func (e *Engine) AcquireCredential(req secchannel.CredentialRequest) (secchannel.Credential, error) {
	if req.Policy == secchannel.NoEncryption {
		return nil, ErrNullCipher
	}
	if len(versionsFor(req.Protocols)) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedProtocols, req.Protocols)
	}
	cred := &credential{}
	if req.Certificate == nil {
		if req.IsServer {
			return nil, secchannel.ErrNoCertificate
		}
		return cred, nil
	}
	if len(req.Certificate.Certificate) == 0 {
		return nil, errors.New("certificate has no chain")
	}
	leaf, err := x509.ParseCertificate(req.Certificate.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse leaf certificate: %w", err)
	}
	signer, ok := req.Certificate.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: private key is not a crypto.Signer", errUnsupportedKey)
	}
	scheme, err := schemeForKey(signer.Public())
	if err != nil {
		return nil, err
	}
	cred.cert, cred.leaf, cred.signer, cred.scheme = req.Certificate, leaf, signer, scheme
	return cred, nil
}

func asCredential(cred secchannel.Credential) (*credential, error) {
	c, ok := cred.(*credential)
	if !ok || c == nil {
		return nil, fmt.Errorf("credential %T was not acquired by this engine", cred)
	}
	return c, nil
}

func (e *Engine) contextFor(sc secchannel.SecurityContext, isServer bool) (*securityContext, error) {
	if sc == nil {
		state := waitServerHello
		if isServer {
			state = waitClientHello
		}
		return &securityContext{engine: e, isServer: isServer, state: state}, nil
	}
	c, ok := sc.(*securityContext)
	if !ok || c == nil {
		return nil, fmt.Errorf("security context %T was not created by this engine", sc)
	}
	if c.isServer != isServer {
		return nil, errors.New("security context used in the wrong role")
	}
	return c, nil
}

func internalError(err error) secchannel.ProtocolToken {
	return secchannel.FailedToken(secchannel.StatusInternalError, tlsframe.AlertInternalError, err)
}

func (e *Engine) newKeyPair() (private, public []byte, err error) {
	private = make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(e.rand, private); err != nil {
		return nil, nil, err
	}
	public, err = curve25519.X25519(private, curve25519.Basepoint)
	return private, public, err
}

func (e *Engine) random() ([]byte, error) {
	b := make([]byte, randomLen)
	_, err := io.ReadFull(e.rand, b)
	return b, err
}

// InitializeContext implements [secchannel.Engine].
func (e *Engine) InitializeContext(cred secchannel.Credential, sc secchannel.SecurityContext, p *secchannel.ContextParams, in []byte) (secchannel.SecurityContext, secchannel.ProtocolToken) {
	c, err := e.contextFor(sc, false)
	if err != nil {
		return sc, internalError(err)
	}
	credential, err := asCredential(cred)
	if err != nil {
		return c, internalError(err)
	}
	if p == nil {
		p = &secchannel.ContextParams{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case sc == nil:
		return c, c.sendClientHello(p)
	case c.state == stateFailed:
		return c, internalError(errors.New("handshake already failed"))
	case c.established:
		return c, c.clientRenegotiate(in)
	default:
		return c, c.clientHandshake(credential, in)
	}
}

// AcceptContext implements [secchannel.Engine].
func (e *Engine) AcceptContext(cred secchannel.Credential, sc secchannel.SecurityContext, p *secchannel.ContextParams, in []byte) (secchannel.SecurityContext, secchannel.ProtocolToken) {
	c, err := e.contextFor(sc, true)
	if err != nil {
		return sc, internalError(err)
	}
	credential, err := asCredential(cred)
	if err != nil {
		return c, internalError(err)
	}
	if credential.cert == nil {
		return c, internalError(secchannel.ErrNoCertificate)
	}
	if p == nil {
		p = &secchannel.ContextParams{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == stateFailed:
		return c, internalError(errors.New("handshake already failed"))
	case c.established:
		return c, c.serverFinishRenegotiation(in)
	default:
		return c, c.serverHandshake(credential, p, in)
	}
}

// Renegotiate implements [secchannel.Engine]. The server sends a fresh key share and stops
// producing records until the client answers with its own.
func (e *Engine) Renegotiate(sc secchannel.SecurityContext) secchannel.ProtocolToken {
	c, err := e.contextFor(sc, true)
	if err != nil {
		return internalError(err)
	}
	private, public, err := e.newKeyPair()
	if err != nil {
		return internalError(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.established || c.renegotiating || c.closeSent {
		return internalError(errors.New("renegotiation requires an idle established session"))
	}
	record := c.out.sealRecord(tlsframe.ContentTypeHandshake, marshalKeyShareMessage(tlsframe.HandshakeTypeHelloRequest, public))
	c.renegotiating = true
	c.renegotiationKey = private
	return secchannel.ProtocolToken{Payload: record, Status: secchannel.StatusContinueNeeded}
}

// Encrypt implements [secchannel.Engine].
func (e *Engine) Encrypt(sc secchannel.SecurityContext, buf []byte, payloadLen int) (int, secchannel.Status) {
	c, ok := sc.(*securityContext)
	if !ok || c == nil {
		return 0, secchannel.StatusInternalError
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.established:
		return 0, secchannel.StatusInternalError
	case c.closeSent:
		return 0, secchannel.StatusContextExpired
	case c.renegotiating:
		return 0, secchannel.StatusTryAgain
	case payloadLen < 0 || payloadLen > tlsframe.MaxPlaintextLen || len(buf) < tlsframe.HeaderLen+payloadLen+tagLen:
		return 0, secchannel.StatusInternalError
	}
	return c.out.seal(buf, tlsframe.ContentTypeApplicationData, payloadLen), secchannel.StatusOK
}

// Decrypt implements [secchannel.Engine]. Application data yields StatusOK, a handshake message
// yields StatusRenegotiate and close_notify yields StatusContextExpired. For StatusAlertReceived
// the window holds the alert payload.
func (e *Engine) Decrypt(sc secchannel.SecurityContext, buf []byte) (secchannel.Status, int, int) {
	c, ok := sc.(*securityContext)
	if !ok || c == nil {
		return secchannel.StatusInternalError, 0, 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.established {
		return secchannel.StatusInternalError, 0, 0
	}
	if c.closeReceived {
		return secchannel.StatusContextExpired, 0, 0
	}
	h, ok := tlsframe.ParseHeader(buf)
	if !ok || h.Legacy || h.FrameLen() != len(buf) || h.Length < tagLen {
		return secchannel.StatusIllegalMessage, 0, 0
	}
	if h.Length > tlsframe.MaxPlaintextLen+tagLen {
		return secchannel.StatusIllegalMessage, 0, 0
	}
	plaintext, err := c.in.open(buf)
	if err != nil {
		return secchannel.StatusMessageAltered, 0, 0
	}
	offset, length := tlsframe.HeaderLen, len(plaintext)
	switch h.Type {
	case tlsframe.ContentTypeApplicationData:
		return secchannel.StatusOK, offset, length
	case tlsframe.ContentTypeHandshake:
		return secchannel.StatusRenegotiate, offset, length
	case tlsframe.ContentTypeAlert:
		_, desc, ok := tlsframe.ParseAlert(plaintext)
		if !ok {
			return secchannel.StatusIllegalMessage, 0, 0
		}
		if desc == tlsframe.AlertCloseNotify {
			c.closeReceived = true
			return secchannel.StatusContextExpired, offset, 0
		}
		return secchannel.StatusAlertReceived, offset, length
	default:
		return secchannel.StatusIllegalMessage, 0, 0
	}
}

// StreamSizes implements [secchannel.Engine].
func (e *Engine) StreamSizes(sc secchannel.SecurityContext) (secchannel.StreamSizes, error) {
	if _, err := e.established(sc); err != nil {
		return secchannel.StreamSizes{}, err
	}
	return secchannel.StreamSizes{Header: tlsframe.HeaderLen, Trailer: tagLen, MaxPayload: tlsframe.MaxPlaintextLen}, nil
}

// ConnectionInfo implements [secchannel.Engine].
func (e *Engine) ConnectionInfo(sc secchannel.SecurityContext) (secchannel.ConnectionInfo, error) {
	c, err := e.established(sc)
	if err != nil {
		return secchannel.ConnectionInfo{}, err
	}
	return secchannel.ConnectionInfo{Protocol: c.version, CipherSuite: c.suite.id, CipherName: c.suite.name}, nil
}

// NegotiatedProtocol implements [secchannel.Engine].
func (e *Engine) NegotiatedProtocol(sc secchannel.SecurityContext) (string, error) {
	c, err := e.established(sc)
	if err != nil {
		return "", err
	}
	return c.alpn, nil
}

// RemoteCertificates implements [secchannel.Engine].
func (e *Engine) RemoteCertificates(sc secchannel.SecurityContext) ([]*x509.Certificate, error) {
	c, err := e.established(sc)
	if err != nil {
		return nil, err
	}
	return slices.Clone(c.peerChain), nil
}

func (e *Engine) established(sc secchannel.SecurityContext) (*securityContext, error) {
	c, ok := sc.(*securityContext)
	if !ok || c == nil {
		return nil, fmt.Errorf("security context %T was not created by this engine", sc)
	}
	if !c.isEstablished() {
		return nil, errors.New("session is not established")
	}
	return c, nil
}

// CreateAlert implements [secchannel.Engine]. The alert is protected once the session is
// established.
func (e *Engine) CreateAlert(sc secchannel.SecurityContext, d tlsframe.AlertDescription) secchannel.ProtocolToken {
	c, _ := sc.(*securityContext)
	return secchannel.ProtocolToken{Payload: c.alertRecord(tlsframe.AlertLevelFatal, d), Status: secchannel.StatusOK, Alert: d}
}

// CreateShutdownToken implements [secchannel.Engine].
func (e *Engine) CreateShutdownToken(sc secchannel.SecurityContext) secchannel.ProtocolToken {
	c, err := e.established(sc)
	if err != nil {
		return internalError(err)
	}
	record := c.alertRecord(tlsframe.AlertLevelWarning, tlsframe.AlertCloseNotify)
	c.mu.Lock()
	c.closeSent = true
	c.mu.Unlock()
	return secchannel.ProtocolToken{Payload: record, Status: secchannel.StatusOK}
}
