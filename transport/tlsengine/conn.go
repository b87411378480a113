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

package tlsengine

import (
	"crypto/hmac"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"

	"github.com/Jigsaw-Code/tlsstream/transport/secchannel"
	"github.com/Jigsaw-Code/tlsstream/transport/tlsframe"
	"golang.org/x/crypto/curve25519"
)

type handshakeState int

const (
	waitServerHello handshakeState = iota
	waitCertificateRequestOrCertificate
	waitCertificate
	waitCertificateVerify
	waitFinished
	waitClientCredentials

	waitClientHello
	waitClientCertificate
	waitClientCertificateVerify
	waitClientFinished

	stateEstablished
	stateFailed
)

// securityContext implements [secchannel.SecurityContext].
type securityContext struct {
	engine   *Engine
	isServer bool

	mu    sync.Mutex
	state handshakeState
	// hsIn holds handshake bytes received but not yet processed.
	hsIn       []byte
	transcript []byte

	offeredVersions []tlsframe.Version
	offeredALPN     []string
	privateKey      []byte
	certRequested   bool
	peerSchemes     []uint16
	handshakeSecret []byte
	master          []byte

	suite     *cipherSuite
	version   tlsframe.Version
	alpn      string
	peerChain []*x509.Certificate

	in, out          halfConn
	established      bool
	renegotiating    bool
	renegotiationKey []byte
	closeSent        bool
	closeReceived    bool
}

// Close implements [secchannel.SecurityContext]. It wipes the key material.
func (c *securityContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.privateKey)
	clear(c.renegotiationKey)
	clear(c.handshakeSecret)
	clear(c.master)
	c.state = stateFailed
	c.established = false
	return nil
}

func (c *securityContext) isEstablished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.established
}

func (c *securityContext) transcriptHash() []byte {
	h := c.suite.hash.New()
	h.Write(c.transcript)
	return h.Sum(nil)
}

func (c *securityContext) finished(label string) []byte {
	return finishedMAC(c.suite.hash, c.handshakeSecret, label, c.transcriptHash())
}

func (c *securityContext) checkFinished(label string, verifyData []byte) bool {
	return hmac.Equal(verifyData, c.finished(label))
}

// alertRecord returns an alert record, protected once the session is established. A nil context
// produces a plaintext record.
func (c *securityContext) alertRecord(level tlsframe.AlertLevel, d tlsframe.AlertDescription) []byte {
	if c == nil {
		return appendRecords(nil, tlsframe.ContentTypeAlert, tlsframe.VersionTLS12, []byte{byte(level), byte(d)})
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alertRecordLocked(level, d)
}

func (c *securityContext) alertRecordLocked(level tlsframe.AlertLevel, d tlsframe.AlertDescription) []byte {
	payload := []byte{byte(level), byte(d)}
	if c.established && !c.closeSent {
		return c.out.sealRecord(tlsframe.ContentTypeAlert, payload)
	}
	return appendRecords(nil, tlsframe.ContentTypeAlert, tlsframe.VersionTLS12, payload)
}

// fail moves the context to the failed state and returns a token carrying the fatal alert.
func (c *securityContext) fail(status secchannel.Status, d tlsframe.AlertDescription, err error) secchannel.ProtocolToken {
	token := secchannel.FailedToken(status, d, err)
	token.Payload = c.alertRecordLocked(tlsframe.AlertLevelFatal, d)
	c.state = stateFailed
	c.established = false
	return token
}

func (c *securityContext) unexpected(typ tlsframe.HandshakeType) secchannel.ProtocolToken {
	return c.fail(secchannel.StatusIllegalMessage, tlsframe.AlertUnexpectedMessage,
		fmt.Errorf("unexpected %v message in handshake state %d", typ, c.state))
}

func continueNeeded(payload []byte) secchannel.ProtocolToken {
	return secchannel.ProtocolToken{Payload: payload, Status: secchannel.StatusContinueNeeded}
}

// readRecords appends the handshake payload of the plaintext records in `in` to hsIn. It returns a
// token only if the records cannot be processed.
func (c *securityContext) readRecords(in []byte) (secchannel.ProtocolToken, bool) {
	for rest := in; len(rest) > 0; {
		h, ok := tlsframe.ParseHeader(rest)
		if !ok || h.FrameLen() > len(rest) {
			return secchannel.ProtocolToken{Status: secchannel.StatusIncompleteMessage}, false
		}
		rest = rest[h.FrameLen():]
	}
	for len(in) > 0 {
		h, _ := tlsframe.ParseHeader(in)
		payload := in[h.HeaderLen():h.FrameLen()]
		in = in[h.FrameLen():]
		if h.Legacy {
			return c.fail(secchannel.StatusUnsupportedProtocol, tlsframe.AlertProtocolVersion, ErrSSL2), false
		}
		if h.Length > tlsframe.MaxPlaintextLen {
			return c.fail(secchannel.StatusIllegalMessage, tlsframe.AlertRecordOverflow,
				fmt.Errorf("%w: plaintext record of %d bytes", tlsframe.ErrRecordTooLarge, h.Length)), false
		}
		switch h.Type {
		case tlsframe.ContentTypeHandshake:
			c.hsIn = append(c.hsIn, payload...)
		case tlsframe.ContentTypeChangeCipherSpec:
		case tlsframe.ContentTypeAlert:
			level, d, ok := tlsframe.ParseAlert(payload)
			if !ok {
				return c.fail(secchannel.StatusIllegalMessage, tlsframe.AlertDecodeError, errors.New("malformed alert")), false
			}
			c.state = stateFailed
			return secchannel.FailedToken(secchannel.StatusAlertReceived, d, fmt.Errorf("received %v alert: %w", level, d)), false
		default:
			return c.fail(secchannel.StatusIllegalMessage, tlsframe.AlertUnexpectedMessage,
				fmt.Errorf("unexpected %v record during handshake", h.Type)), false
		}
	}
	return secchannel.ProtocolToken{}, true
}

// nextMessage pops the next complete handshake message from hsIn.
func (c *securityContext) nextMessage() (typ tlsframe.HandshakeType, msg, body []byte, ok bool, token secchannel.ProtocolToken) {
	typ, msg, body, rest, ok := splitMessage(c.hsIn)
	if !ok {
		if len(c.hsIn) >= 4 && int(c.hsIn[1])<<16|int(c.hsIn[2])<<8|int(c.hsIn[3]) > maxHandshakeMessageLen {
			return 0, nil, nil, false, c.fail(secchannel.StatusIllegalMessage, tlsframe.AlertIllegalParameter,
				errors.New("handshake message too large"))
		}
		return 0, nil, nil, false, continueNeeded(nil)
	}
	c.hsIn = rest
	return typ, msg, body, true, secchannel.ProtocolToken{}
}

func parseChain(raw [][]byte) ([]*x509.Certificate, error) {
	chain := make([]*x509.Certificate, 0, len(raw))
	for _, der := range raw {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, err
		}
		chain = append(chain, cert)
	}
	return chain, nil
}

// verifyPeer checks a CertificateVerify signature over the current transcript.
func (c *securityContext) verifyPeer(body []byte, context string) error {
	scheme, signature, ok := parseCertificateVerify(body)
	if !ok {
		return errors.New("malformed CertificateVerify")
	}
	if len(c.peerChain) == 0 {
		return errors.New("CertificateVerify without a certificate")
	}
	return verify(c.peerChain[0].PublicKey, scheme, signedMessage(context, c.transcriptHash()), signature)
}

func sharedSecret(private, peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != curve25519.PointSize {
		return nil, fmt.Errorf("X25519 share of %d bytes", len(peerPublic))
	}
	return curve25519.X25519(private, peerPublic)
}

// establish derives the traffic keys from the master secret and drops the handshake state.
func (c *securityContext) establish() error {
	local, remote := labelClient, labelServer
	if c.isServer {
		local, remote = remote, local
	}
	out, err := newHalfConn(c.suite, c.master, local)
	if err != nil {
		return err
	}
	in, err := newHalfConn(c.suite, c.master, remote)
	if err != nil {
		return err
	}
	c.out, c.in = out, in
	c.established = true
	c.state = stateEstablished
	clear(c.privateKey)
	clear(c.handshakeSecret)
	c.privateKey, c.handshakeSecret, c.transcript, c.hsIn = nil, nil, nil, nil
	return nil
}

// rekey mixes a fresh shared secret into the master secret and restarts both directions.
func (c *securityContext) rekey(shared []byte) error {
	c.master = extract(c.suite.hash, shared, c.master)
	return c.establish()
}
