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
	"net"
	"slices"

	"github.com/Jigsaw-Code/tlsstream/transport/secchannel"
	"github.com/Jigsaw-Code/tlsstream/transport/tlsframe"
	"golang.org/x/net/idna"
)

// serverNameExtension returns the SNI to send for target, or "" for IP literals.
func serverNameExtension(target string) (string, error) {
	if target == "" {
		return "", nil
	}
	if host, _, err := net.SplitHostPort(target); err == nil {
		target = host
	}
	if net.ParseIP(target) != nil {
		return "", nil
	}
	return idna.Lookup.ToASCII(target)
}

func (c *securityContext) sendClientHello(p *secchannel.ContextParams) secchannel.ProtocolToken {
	versions := versionsFor(p.Protocols)
	if len(versions) == 0 {
		return c.fail(secchannel.StatusUnsupportedProtocol, tlsframe.AlertProtocolVersion,
			fmt.Errorf("%w: %v", ErrUnsupportedProtocols, p.Protocols))
	}
	serverName, err := serverNameExtension(p.TargetName)
	if err != nil {
		return c.fail(secchannel.StatusInternalError, tlsframe.AlertInternalError, fmt.Errorf("encode server name: %w", err))
	}
	private, public, err := c.engine.newKeyPair()
	if err != nil {
		return c.fail(secchannel.StatusInternalError, tlsframe.AlertInternalError, err)
	}
	random, err := c.engine.random()
	if err != nil {
		return c.fail(secchannel.StatusInternalError, tlsframe.AlertInternalError, err)
	}
	hello := &clientHelloMsg{
		version:    uint16(tlsframe.VersionTLS12),
		random:     random,
		serverName: serverName,
		alpn:       p.ApplicationProtocols,
		keyShare:   public,
		sigSchemes: supportedSchemes,
	}
	for _, suite := range c.engine.suites {
		hello.cipherSuites = append(hello.cipherSuites, suite.id)
	}
	for _, v := range versions {
		hello.versions = append(hello.versions, uint16(v))
	}
	msg := hello.marshal()
	c.transcript = append(c.transcript, msg...)
	c.privateKey = private
	c.offeredVersions = versions
	c.offeredALPN = p.ApplicationProtocols
	c.state = waitServerHello
	return continueNeeded(appendRecords(nil, tlsframe.ContentTypeHandshake, tlsframe.VersionTLS10, msg))
}

func (c *securityContext) clientHandshake(cred *credential, in []byte) secchannel.ProtocolToken {
	if c.state == waitClientCredentials {
		return c.sendClientFlight(cred)
	}
	if token, ok := c.readRecords(in); !ok {
		return token
	}
	for {
		typ, msg, body, ok, token := c.nextMessage()
		if !ok {
			return token
		}
		switch c.state {
		case waitServerHello:
			if typ != tlsframe.HandshakeTypeServerHello {
				return c.unexpected(typ)
			}
			if token, ok := c.processServerHello(msg, body); !ok {
				return token
			}

		case waitCertificateRequestOrCertificate, waitCertificate:
			if typ == tlsframe.HandshakeTypeCertificateRequest && c.state == waitCertificateRequestOrCertificate {
				schemes, ok := parseCertificateRequest(body)
				if !ok {
					return c.fail(secchannel.StatusIllegalMessage, tlsframe.AlertDecodeError, errors.New("malformed CertificateRequest"))
				}
				c.certRequested, c.peerSchemes = true, schemes
				c.transcript = append(c.transcript, msg...)
				c.state = waitCertificate
				continue
			}
			if typ != tlsframe.HandshakeTypeCertificate {
				return c.unexpected(typ)
			}
			raw, ok := parseCertificate(body)
			if !ok || len(raw) == 0 {
				return c.fail(secchannel.StatusIllegalMessage, tlsframe.AlertDecodeError, errors.New("server sent no certificate"))
			}
			chain, err := parseChain(raw)
			if err != nil {
				return c.fail(secchannel.StatusCertificateUnknown, tlsframe.AlertBadCertificate, fmt.Errorf("parse server certificate: %w", err))
			}
			c.peerChain = chain
			c.transcript = append(c.transcript, msg...)
			c.state = waitCertificateVerify

		case waitCertificateVerify:
			if typ != tlsframe.HandshakeTypeCertificateVerify {
				return c.unexpected(typ)
			}
			if err := c.verifyPeer(body, serverSignatureContext); err != nil {
				return c.fail(secchannel.StatusMessageAltered, tlsframe.AlertDecryptError, fmt.Errorf("server CertificateVerify: %w", err))
			}
			c.transcript = append(c.transcript, msg...)
			c.state = waitFinished

		case waitFinished:
			if typ != tlsframe.HandshakeTypeFinished {
				return c.unexpected(typ)
			}
			if !c.checkFinished(labelServer, body) {
				return c.fail(secchannel.StatusMessageAltered, tlsframe.AlertDecryptError, errors.New("server Finished does not match"))
			}
			if len(c.hsIn) > 0 {
				return c.fail(secchannel.StatusIllegalMessage, tlsframe.AlertUnexpectedMessage, errors.New("data after server Finished"))
			}
			c.transcript = append(c.transcript, msg...)
			c.master = expandLabel(c.suite.hash, c.handshakeSecret, "master", c.transcriptHash(), c.suite.hash.Size())
			if c.certRequested && cred.cert == nil {
				c.state = waitClientCredentials
				return secchannel.ProtocolToken{Status: secchannel.StatusCredentialsNeeded}
			}
			return c.sendClientFlight(cred)

		default:
			return c.unexpected(typ)
		}
	}
}

func (c *securityContext) processServerHello(msg, body []byte) (secchannel.ProtocolToken, bool) {
	hello, ok := parseServerHello(body)
	if !ok {
		return c.fail(secchannel.StatusIllegalMessage, tlsframe.AlertDecodeError, errors.New("malformed ServerHello")), false
	}
	version := tlsframe.Version(hello.version)
	if !slices.Contains(c.offeredVersions, version) {
		return c.fail(secchannel.StatusUnsupportedProtocol, tlsframe.AlertProtocolVersion,
			fmt.Errorf("server selected %v, which was not offered", version)), false
	}
	suite, err := cipherSuiteByID(hello.cipherSuite)
	if err != nil || !slices.Contains(c.engine.suites, suite) {
		return c.fail(secchannel.StatusAlgorithmMismatch, tlsframe.AlertIllegalParameter,
			fmt.Errorf("server selected cipher suite %s, which was not offered", CipherSuiteName(hello.cipherSuite))), false
	}
	if hello.alpn != "" && !slices.Contains(c.offeredALPN, hello.alpn) {
		return c.fail(secchannel.StatusIllegalMessage, tlsframe.AlertIllegalParameter,
			fmt.Errorf("server selected application protocol %q, which was not offered", hello.alpn)), false
	}
	shared, err := sharedSecret(c.privateKey, hello.keyShare)
	if err != nil {
		return c.fail(secchannel.StatusIllegalMessage, tlsframe.AlertIllegalParameter, fmt.Errorf("server key share: %w", err)), false
	}
	c.version, c.suite, c.alpn = version, suite, hello.alpn
	c.transcript = append(c.transcript, msg...)
	c.handshakeSecret = extract(suite.hash, shared, c.transcriptHash())
	c.state = waitCertificateRequestOrCertificate
	return secchannel.ProtocolToken{}, true
}

// sendClientFlight sends the client certificate if one was requested, then the client Finished.
func (c *securityContext) sendClientFlight(cred *credential) secchannel.ProtocolToken {
	var flight []byte
	if c.certRequested {
		var chain [][]byte
		if cred.cert != nil {
			chain = cred.cert.Certificate
		}
		msg := marshalCertificate(chain)
		flight = append(flight, msg...)
		c.transcript = append(c.transcript, msg...)
		if cred.cert != nil {
			if !slices.Contains(c.peerSchemes, cred.scheme) {
				return c.fail(secchannel.StatusAlgorithmMismatch, tlsframe.AlertHandshakeFailure,
					fmt.Errorf("server does not accept signature scheme %#04x", cred.scheme))
			}
			signature, err := sign(c.engine.rand, cred.signer, cred.scheme, signedMessage(clientSignatureContext, c.transcriptHash()))
			if err != nil {
				return c.fail(secchannel.StatusInternalError, tlsframe.AlertInternalError, fmt.Errorf("sign CertificateVerify: %w", err))
			}
			msg := marshalCertificateVerify(cred.scheme, signature)
			flight = append(flight, msg...)
			c.transcript = append(c.transcript, msg...)
		}
	}
	msg := marshalFinished(c.finished(labelClient))
	flight = append(flight, msg...)
	if err := c.establish(); err != nil {
		return c.fail(secchannel.StatusInternalError, tlsframe.AlertInternalError, err)
	}
	return secchannel.ProtocolToken{
		Payload: appendRecords(nil, tlsframe.ContentTypeHandshake, tlsframe.VersionTLS12, flight),
		Status:  secchannel.StatusOK,
	}
}

// clientRenegotiate answers the server's HelloRequest. The KeyUpdate goes out under the old keys
// and both directions switch right after.
func (c *securityContext) clientRenegotiate(in []byte) secchannel.ProtocolToken {
	typ, _, body, rest, ok := splitMessage(in)
	if !ok || len(rest) > 0 || typ != tlsframe.HandshakeTypeHelloRequest {
		return c.fail(secchannel.StatusIllegalMessage, tlsframe.AlertUnexpectedMessage, errors.New("expected a single HelloRequest"))
	}
	serverShare, ok := parseKeyShareMessage(body)
	if !ok {
		return c.fail(secchannel.StatusIllegalMessage, tlsframe.AlertDecodeError, errors.New("malformed HelloRequest"))
	}
	private, public, err := c.engine.newKeyPair()
	if err != nil {
		return c.fail(secchannel.StatusInternalError, tlsframe.AlertInternalError, err)
	}
	shared, err := sharedSecret(private, serverShare)
	clear(private)
	if err != nil {
		return c.fail(secchannel.StatusIllegalMessage, tlsframe.AlertIllegalParameter, fmt.Errorf("server key share: %w", err))
	}
	record := c.out.sealRecord(tlsframe.ContentTypeHandshake, marshalKeyShareMessage(tlsframe.HandshakeTypeKeyUpdate, public))
	if err := c.rekey(shared); err != nil {
		return c.fail(secchannel.StatusInternalError, tlsframe.AlertInternalError, err)
	}
	return secchannel.ProtocolToken{Payload: record, Status: secchannel.StatusOK}
}
