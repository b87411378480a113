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
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/Jigsaw-Code/tlsstream/transport/tlsframe"
)

// State is the negotiation state of a [Channel].
type State int32

const (
	StateNoCredentials State = iota
	StateCredentialsAcquired
	StateNegotiating
	StateAuthenticated
	StateFailed
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNoCredentials:
		return "no_credentials"
	case StateCredentialsAcquired:
		return "credentials_acquired"
	case StateNegotiating:
		return "negotiating"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Channel drives the handshake of one connection against an [Engine]. It owns the credential and
// the security context, and computes the session parameters once the handshake succeeds.
//
// Handshake calls (NextMessage, ProcessHandshakeSuccess, VerifyRemoteCertificate, Renegotiate
// and the token constructors) must not be called concurrently with each other. Encrypt, Decrypt
// and the accessors may be called from any goroutine.
type Channel struct {
	engine   Engine
	opts     *Options
	isServer bool
	log      *slog.Logger
	cache    *CredentialCache
	params   ContextParams
	state    atomic.Int32

	// Owned by the goroutine driving the handshake.
	credRef            *CredentialRef
	pendingCred        Credential
	pendingKey         CredentialKey
	credentialsRetried bool
	acceptedLeaf       []byte

	mu          sync.Mutex
	sc          SecurityContext
	sizes       StreamSizes
	info        ConnectionInfo
	alpn        string
	remoteChain []*x509.Certificate
	hello       *tlsframe.Info

	closeOnce sync.Once
}

// NewChannel validates opts, copies them and returns a channel ready for its first NextMessage.
func NewChannel(engine Engine, opts *Options, isServer bool) (*Channel, error) {
	if opts == nil {
		opts = &Options{}
	}
	if err := opts.Validate(isServer); err != nil {
		return nil, err
	}
	opts = opts.Clone()
	c := &Channel{
		engine:   engine,
		opts:     opts,
		isServer: isServer,
		cache:    opts.CredentialCache,
		params: ContextParams{
			TargetName:                opts.TargetName,
			ApplicationProtocols:      opts.ApplicationProtocols,
			Protocols:                 opts.protocols(),
			Policy:                    opts.EncryptionPolicy,
			ClientCertificateRequired: opts.ClientCertificateRequired,
		},
	}
	if c.cache == nil {
		c.cache = DefaultCredentialCache()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	role := "client"
	if isServer {
		role = "server"
	}
	c.log = logger.With("role", role)
	return c, nil
}

// State returns the current state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

func (c *Channel) setState(s State) {
	c.state.Store(int32(s))
}

// IsServer reports whether the channel plays the server role.
func (c *Channel) IsServer() bool {
	return c.isServer
}

// Options returns the frozen options.
func (c *Channel) Options() *Options {
	return c.opts
}

func (c *Channel) context() SecurityContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sc
}

func (c *Channel) credential() Credential {
	if c.credRef != nil {
		return c.credRef.Value()
	}
	return c.pendingCred
}

func (c *Channel) fail(token ProtocolToken) ProtocolToken {
	c.setState(StateFailed)
	c.log.Debug("handshake step failed", "status", token.Status, "alert", token.Alert, "error", token.Err)
	return token
}

// NextMessage runs one handshake step with the records received from the peer, or nil if there
// are none. Credentials are acquired on the first call. A client whose peer asks for a certificate
// selects one and retries once.
func (c *Channel) NextMessage(in []byte) ProtocolToken {
	switch st := c.State(); st {
	case StateNoCredentials, StateCredentialsAcquired, StateNegotiating:
	case StateAuthenticated:
		// Renegotiation started by the peer.
		if c.isServer || c.opts.DisableRenegotiation {
			token := c.engine.CreateAlert(c.context(), tlsframe.AlertNoRenegotiation)
			token.Status = StatusIllegalMessage
			token.Alert = tlsframe.AlertNoRenegotiation
			token.Err = errors.New("renegotiation not allowed")
			return c.fail(token)
		}
		c.setState(StateNegotiating)
	default:
		return FailedToken(StatusInternalError, tlsframe.AlertInternalError, fmt.Errorf("%w: next message in state %v", ErrInvalidState, st))
	}

	if c.credential() == nil && c.context() == nil {
		if err := c.acquireCredential(in); err != nil {
			return c.fail(FailedToken(StatusInternalError, tlsframe.AlertHandshakeFailure, fmt.Errorf("acquire credential: %w", err)))
		}
	}

	token := c.step(in)
	if token.Status == StatusCredentialsNeeded && !c.isServer && !c.credentialsRetried {
		c.credentialsRetried = true
		if err := c.useCertificate(c.selectClientCertificate()); err != nil {
			return c.fail(FailedToken(StatusInternalError, tlsframe.AlertHandshakeFailure, fmt.Errorf("acquire client credential: %w", err)))
		}
		token = c.step(nil)
	}
	if token.Status == StatusCredentialsNeeded {
		token.Status = StatusIllegalMessage
		token.Err = errors.Join(token.Err, errors.New("credentials still needed after retry"))
	}
	if token.Failed() {
		return c.fail(token)
	}
	c.offerCredential()
	c.log.Debug("handshake step", "status", token.Status, "out_len", len(token.Payload))
	return token
}

func (c *Channel) step(in []byte) ProtocolToken {
	var next SecurityContext
	var token ProtocolToken
	if c.isServer {
		next, token = c.engine.AcceptContext(c.credential(), c.context(), &c.params, in)
	} else {
		next, token = c.engine.InitializeContext(c.credential(), c.context(), &c.params, in)
	}
	c.mu.Lock()
	c.sc = next
	c.mu.Unlock()
	if !token.Failed() && c.State() == StateCredentialsAcquired {
		c.setState(StateNegotiating)
	}
	return token
}

func (c *Channel) acquireCredential(in []byte) error {
	cert := c.opts.Certificate
	if c.isServer {
		info, _ := tlsframe.ParseHello(in, tlsframe.ParseServerName|tlsframe.ParseALPN)
		c.mu.Lock()
		c.hello = info
		c.mu.Unlock()
		if selector := c.opts.ServerCertificateSelector; selector != nil {
			if info == nil {
				return fmt.Errorf("%w: no ClientHello to select a certificate from", ErrNoCertificate)
			}
			var err error
			if cert, err = selector(info); err != nil {
				return fmt.Errorf("select server certificate: %w", err)
			}
			if cert == nil {
				return ErrNoCertificate
			}
		}
	}
	return c.useCertificate(cert)
}

func (c *Channel) selectClientCertificate() *tls.Certificate {
	if selector := c.opts.ClientCertificateSelector; selector != nil {
		return selector(c.opts.TargetName, c.opts.ClientCertificates)
	}
	if len(c.opts.ClientCertificates) > 0 {
		return c.opts.ClientCertificates[0]
	}
	return nil
}

// useCertificate replaces the current credential with one for cert, from the cache if possible.
func (c *Channel) useCertificate(cert *tls.Certificate) error {
	c.releaseCredential()
	req, key := keyForCertificate(cert, c.params.Protocols, c.isServer, c.params.Policy)
	if ref, ok := c.cache.TryGet(key); ok {
		c.credRef = ref
		c.log.Debug("credential cache hit")
	} else {
		cred, err := c.engine.AcquireCredential(req)
		if err != nil {
			return err
		}
		c.pendingCred, c.pendingKey = cred, key
	}
	if c.State() == StateNoCredentials {
		c.setState(StateCredentialsAcquired)
	}
	return nil
}

// offerCredential hands a freshly acquired credential to the cache once a context exists. If
// another connection cached an equivalent credential first, that one is used from now on.
func (c *Channel) offerCredential() {
	if c.pendingCred == nil || c.context() == nil {
		return
	}
	c.credRef = c.cache.Insert(c.pendingKey, c.pendingCred)
	c.pendingCred = nil
}

func (c *Channel) releaseCredential() {
	if c.credRef != nil {
		c.credRef.Release()
		c.credRef = nil
	}
	if c.pendingCred != nil {
		c.pendingCred.Close()
		c.pendingCred = nil
	}
}

// ProcessHandshakeSuccess records the negotiated session parameters. It must be called once after
// every completed negotiation.
func (c *Channel) ProcessHandshakeSuccess() error {
	if st := c.State(); st != StateNegotiating {
		return fmt.Errorf("%w: handshake success in state %v", ErrInvalidState, st)
	}
	sc := c.context()
	sizes, err := c.engine.StreamSizes(sc)
	if err != nil {
		return fmt.Errorf("query stream sizes: %w", err)
	}
	if sizes.MaxPayload <= 0 || sizes.Header < 0 || sizes.Trailer < 0 {
		return fmt.Errorf("%w: header %d, trailer %d, max payload %d", ErrInvalidStreamSizes, sizes.Header, sizes.Trailer, sizes.MaxPayload)
	}
	info, err := c.engine.ConnectionInfo(sc)
	if err != nil {
		return fmt.Errorf("query connection info: %w", err)
	}
	alpn, err := c.engine.NegotiatedProtocol(sc)
	if err != nil {
		return fmt.Errorf("query negotiated protocol: %w", err)
	}
	chain, err := c.engine.RemoteCertificates(sc)
	if err != nil {
		return fmt.Errorf("query remote certificates: %w", err)
	}
	c.mu.Lock()
	c.sizes, c.info, c.alpn, c.remoteChain = sizes, info, alpn, chain
	c.mu.Unlock()
	c.setState(StateAuthenticated)
	c.log.Debug("handshake complete", "protocol", info.Protocol, "cipher", info.CipherName, "alpn", alpn,
		"max_payload", sizes.MaxPayload)
	return nil
}

// VerifyRemoteCertificate validates the peer chain and applies the user callback. A leaf that was
// accepted before, as in a renegotiation, is accepted again without validation.
func (c *Channel) VerifyRemoteCertificate() (bool, PolicyErrors, ChainStatus, error) {
	if st := c.State(); st != StateAuthenticated {
		return false, PolicyNone, ChainNoError, fmt.Errorf("%w: verify certificate in state %v", ErrInvalidState, st)
	}
	chain := c.RemoteCertificates()
	policy, status := PolicyNone, ChainNoError
	switch {
	case len(chain) == 0:
		if c.isServer && !c.opts.ClientCertificateRequired {
			return true, PolicyNone, ChainNoError, nil
		}
		policy = PolicyRemoteCertificateNotAvailable
	case c.acceptedLeaf != nil && bytes.Equal(chain[0].Raw, c.acceptedLeaf):
		return true, PolicyNone, ChainNoError, nil
	default:
		req := &ValidationRequest{
			Leaf:            chain[0],
			Intermediates:   chain[1:],
			ClientAuth:      c.isServer,
			Revocation:      c.opts.RevocationMode,
			TrustAnchors:    c.opts.TrustAnchors,
			RevocationLists: c.opts.RevocationLists,
			CurrentTime:     c.opts.now(),
		}
		if !c.isServer {
			req.TargetName = c.opts.TargetName
		}
		validator := c.opts.Validator
		if validator == nil {
			validator = X509Validator{}
		}
		policy, status = validator.Validate(req)
	}

	accepted := policy == PolicyNone
	if callback := c.opts.RemoteCertificateValidator; callback != nil {
		accepted = callback(chain, policy, status)
	}
	if accepted && len(chain) > 0 {
		c.acceptedLeaf = chain[0].Raw
	}
	c.log.Debug("remote certificate verified", "accepted", accepted, "policy", policy, "chain", status)
	return accepted, policy, status, nil
}

// CreateFatalAlert returns the alert record for a rejected certificate and fails the channel.
func (c *Channel) CreateFatalAlert(policy PolicyErrors, status ChainStatus) ProtocolToken {
	desc := AlertForChain(policy, status)
	token := c.engine.CreateAlert(c.context(), desc)
	token.Alert = desc
	c.setState(StateFailed)
	return token
}

// CreateShutdownToken returns the close_notify record.
func (c *Channel) CreateShutdownToken() ProtocolToken {
	if st := c.State(); st != StateAuthenticated && st != StateShuttingDown {
		return FailedToken(StatusInternalError, tlsframe.AlertInternalError, fmt.Errorf("%w: shutdown in state %v", ErrInvalidState, st))
	}
	c.setState(StateShuttingDown)
	return c.engine.CreateShutdownToken(c.context())
}

// Renegotiate starts a server-initiated renegotiation, keeping the current credential.
func (c *Channel) Renegotiate() ProtocolToken {
	if !c.isServer {
		return FailedToken(StatusInternalError, tlsframe.AlertInternalError, fmt.Errorf("%w: only servers start renegotiation", ErrInvalidState))
	}
	if st := c.State(); st != StateAuthenticated {
		return FailedToken(StatusInternalError, tlsframe.AlertInternalError, fmt.Errorf("%w: renegotiate in state %v", ErrInvalidState, st))
	}
	token := c.engine.Renegotiate(c.context())
	if token.Failed() {
		return c.fail(token)
	}
	c.setState(StateNegotiating)
	c.log.Debug("renegotiation started")
	return token
}

// Encrypt protects the payload at buf[Header:Header+payloadLen] in place.
func (c *Channel) Encrypt(buf []byte, payloadLen int) (int, Status) {
	return c.engine.Encrypt(c.context(), buf, payloadLen)
}

// Decrypt unprotects the record in buf in place.
func (c *Channel) Decrypt(buf []byte) (Status, int, int) {
	return c.engine.Decrypt(c.context(), buf)
}

// StreamSizes returns the record sizing of the last completed negotiation.
func (c *Channel) StreamSizes() StreamSizes {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sizes
}

// ConnectionInfo returns the parameters of the last completed negotiation.
func (c *Channel) ConnectionInfo() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// NegotiatedProtocol returns the ALPN result.
func (c *Channel) NegotiatedProtocol() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alpn
}

// RemoteCertificates returns the peer chain, leaf first.
func (c *Channel) RemoteCertificates() []*x509.Certificate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.remoteChain)
}

// ClientHello returns what a server parsed from the first ClientHello, or nil.
func (c *Channel) ClientHello() *tlsframe.Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello
}

// Close releases the security context and the credential.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		c.mu.Lock()
		sc := c.sc
		c.sc = nil
		c.mu.Unlock()
		if sc != nil {
			err = sc.Close()
		}
		c.releaseCredential()
	})
	return err
}
