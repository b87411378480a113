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
	"errors"
	"fmt"
	"slices"

	"github.com/Jigsaw-Code/tlsstream/transport/secchannel"
	"github.com/Jigsaw-Code/tlsstream/transport/tlsframe"
)

func (c *securityContext) serverHandshake(cred *credential, p *secchannel.ContextParams, in []byte) secchannel.ProtocolToken {
	if token, ok := c.readRecords(in); !ok {
		return token
	}
	for {
		typ, msg, body, ok, token := c.nextMessage()
		if !ok {
			return token
		}
		switch c.state {
		case waitClientHello:
			if typ != tlsframe.HandshakeTypeClientHello {
				return c.unexpected(typ)
			}
			if len(c.hsIn) > 0 {
				return c.fail(secchannel.StatusIllegalMessage, tlsframe.AlertUnexpectedMessage, errors.New("data after ClientHello"))
			}
			return c.sendServerFlight(cred, p, msg, body)

		case waitClientCertificate:
			if typ != tlsframe.HandshakeTypeCertificate {
				return c.unexpected(typ)
			}
			raw, ok := parseCertificate(body)
			if !ok {
				return c.fail(secchannel.StatusIllegalMessage, tlsframe.AlertDecodeError, errors.New("malformed client Certificate"))
			}
			chain, err := parseChain(raw)
			if err != nil {
				return c.fail(secchannel.StatusCertificateUnknown, tlsframe.AlertBadCertificate, fmt.Errorf("parse client certificate: %w", err))
			}
			c.peerChain = chain
			c.transcript = append(c.transcript, msg...)
			// An empty chain is allowed here. Whether it is acceptable is up to the caller.
			if len(chain) > 0 {
				c.state = waitClientCertificateVerify
			} else {
				c.state = waitClientFinished
			}

		case waitClientCertificateVerify:
			if typ != tlsframe.HandshakeTypeCertificateVerify {
				return c.unexpected(typ)
			}
			if err := c.verifyPeer(body, clientSignatureContext); err != nil {
				return c.fail(secchannel.StatusMessageAltered, tlsframe.AlertDecryptError, fmt.Errorf("client CertificateVerify: %w", err))
			}
			c.transcript = append(c.transcript, msg...)
			c.state = waitClientFinished

		case waitClientFinished:
			if typ != tlsframe.HandshakeTypeFinished {
				return c.unexpected(typ)
			}
			if !c.checkFinished(labelClient, body) {
				return c.fail(secchannel.StatusMessageAltered, tlsframe.AlertDecryptError, errors.New("client Finished does not match"))
			}
			if len(c.hsIn) > 0 {
				return c.fail(secchannel.StatusIllegalMessage, tlsframe.AlertUnexpectedMessage, errors.New("data after client Finished"))
			}
			if err := c.establish(); err != nil {
				return c.fail(secchannel.StatusInternalError, tlsframe.AlertInternalError, err)
			}
			return secchannel.ProtocolToken{Status: secchannel.StatusOK}

		default:
			return c.unexpected(typ)
		}
	}
}

// negotiateVersion picks the highest enabled version the client offered.
func negotiateVersion(enabled tlsframe.Protocols, hello *clientHelloMsg) (tlsframe.Version, bool) {
	offered := hello.versions
	if len(offered) == 0 {
		offered = []uint16{hello.version}
	}
	for _, v := range versionsFor(enabled) {
		if slices.Contains(offered, uint16(v)) {
			return v, true
		}
	}
	return 0, false
}

// negotiateALPN picks the first local protocol the client offered. No overlap means no ALPN.
func negotiateALPN(local, offered []string) string {
	for _, proto := range local {
		if slices.Contains(offered, proto) {
			return proto
		}
	}
	return ""
}

func (c *securityContext) negotiateSuite(offered []uint16) *cipherSuite {
	for _, suite := range c.engine.suites {
		if slices.Contains(offered, suite.id) {
			return suite
		}
	}
	return nil
}

// sendServerFlight answers the ClientHello with ServerHello, an optional CertificateRequest,
// Certificate, CertificateVerify and Finished.
func (c *securityContext) sendServerFlight(cred *credential, p *secchannel.ContextParams, chMsg, body []byte) secchannel.ProtocolToken {
	hello, ok := parseClientHello(body)
	if !ok {
		return c.fail(secchannel.StatusIllegalMessage, tlsframe.AlertDecodeError, errors.New("malformed ClientHello"))
	}
	version, ok := negotiateVersion(p.Protocols, hello)
	if !ok {
		return c.fail(secchannel.StatusUnsupportedProtocol, tlsframe.AlertProtocolVersion,
			fmt.Errorf("%w: client offered %v", ErrUnsupportedProtocols, hello.versions))
	}
	suite := c.negotiateSuite(hello.cipherSuites)
	if suite == nil {
		return c.fail(secchannel.StatusAlgorithmMismatch, tlsframe.AlertHandshakeFailure, errors.New("no cipher suite in common"))
	}
	if !slices.Contains(hello.sigSchemes, cred.scheme) {
		return c.fail(secchannel.StatusAlgorithmMismatch, tlsframe.AlertHandshakeFailure,
			fmt.Errorf("client does not accept signature scheme %#04x", cred.scheme))
	}
	if hello.keyShare == nil {
		return c.fail(secchannel.StatusIllegalMessage, tlsframe.AlertMissingExtension, errors.New("no X25519 key share"))
	}
	private, public, err := c.engine.newKeyPair()
	if err != nil {
		return c.fail(secchannel.StatusInternalError, tlsframe.AlertInternalError, err)
	}
	shared, err := sharedSecret(private, hello.keyShare)
	clear(private)
	if err != nil {
		return c.fail(secchannel.StatusIllegalMessage, tlsframe.AlertIllegalParameter, fmt.Errorf("client key share: %w", err))
	}
	random, err := c.engine.random()
	if err != nil {
		return c.fail(secchannel.StatusInternalError, tlsframe.AlertInternalError, err)
	}
	c.version, c.suite = version, suite
	c.alpn = negotiateALPN(p.ApplicationProtocols, hello.alpn)

	serverHello := (&serverHelloMsg{
		random:      random,
		sessionID:   hello.sessionID,
		cipherSuite: suite.id,
		version:     uint16(version),
		keyShare:    public,
		alpn:        c.alpn,
	}).marshal()
	c.transcript = append(c.transcript, chMsg...)
	c.transcript = append(c.transcript, serverHello...)
	c.handshakeSecret = extract(suite.hash, shared, c.transcriptHash())

	flight := slices.Clone(serverHello)
	addMessage := func(msg []byte) {
		flight = append(flight, msg...)
		c.transcript = append(c.transcript, msg...)
	}
	if p.ClientCertificateRequired {
		addMessage(marshalCertificateRequest(supportedSchemes))
		c.certRequested = true
	}
	addMessage(marshalCertificate(cred.cert.Certificate))
	signature, err := sign(c.engine.rand, cred.signer, cred.scheme, signedMessage(serverSignatureContext, c.transcriptHash()))
	if err != nil {
		return c.fail(secchannel.StatusInternalError, tlsframe.AlertInternalError, fmt.Errorf("sign CertificateVerify: %w", err))
	}
	addMessage(marshalCertificateVerify(cred.scheme, signature))
	addMessage(marshalFinished(c.finished(labelServer)))
	c.master = expandLabel(suite.hash, c.handshakeSecret, "master", c.transcriptHash(), suite.hash.Size())

	if c.certRequested {
		c.state = waitClientCertificate
	} else {
		c.state = waitClientFinished
	}
	return continueNeeded(appendRecords(nil, tlsframe.ContentTypeHandshake, tlsframe.VersionTLS12, flight))
}

// serverFinishRenegotiation processes the client's KeyUpdate and switches to the new keys.
func (c *securityContext) serverFinishRenegotiation(in []byte) secchannel.ProtocolToken {
	if !c.renegotiating {
		return c.fail(secchannel.StatusIllegalMessage, tlsframe.AlertNoRenegotiation, errors.New("handshake message without a pending renegotiation"))
	}
	typ, _, body, rest, ok := splitMessage(in)
	if !ok || len(rest) > 0 || typ != tlsframe.HandshakeTypeKeyUpdate {
		return c.fail(secchannel.StatusIllegalMessage, tlsframe.AlertUnexpectedMessage, errors.New("expected a single KeyUpdate"))
	}
	clientShare, ok := parseKeyShareMessage(body)
	if !ok {
		return c.fail(secchannel.StatusIllegalMessage, tlsframe.AlertDecodeError, errors.New("malformed KeyUpdate"))
	}
	shared, err := sharedSecret(c.renegotiationKey, clientShare)
	clear(c.renegotiationKey)
	c.renegotiationKey = nil
	if err != nil {
		return c.fail(secchannel.StatusIllegalMessage, tlsframe.AlertIllegalParameter, fmt.Errorf("client key share: %w", err))
	}
	if err := c.rekey(shared); err != nil {
		return c.fail(secchannel.StatusInternalError, tlsframe.AlertInternalError, err)
	}
	c.renegotiating = false
	return secchannel.ProtocolToken{Status: secchannel.StatusOK}
}
