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
	"github.com/Jigsaw-Code/tlsstream/transport/tlsframe"
	"golang.org/x/crypto/cryptobyte"
)

const (
	extensionServerName          uint16 = 0
	extensionSignatureAlgorithms uint16 = 13
	extensionALPN                uint16 = 16
	extensionSupportedVersions   uint16 = 43
	extensionKeyShare            uint16 = 51

	groupX25519 uint16 = 0x001d

	randomLen = 32
	// maxHandshakeMessageLen bounds the reassembly of a single handshake message.
	maxHandshakeMessageLen = 1 << 18
)

func marshalMessage(typ tlsframe.HandshakeType, body func(b *cryptobyte.Builder)) []byte {
	var b cryptobyte.Builder
	b.AddUint8(uint8(typ))
	b.AddUint24LengthPrefixed(body)
	return b.BytesOrPanic()
}

// appendRecords appends payload to dst as plaintext records of at most MaxPlaintextLen bytes.
func appendRecords(dst []byte, typ tlsframe.ContentType, version tlsframe.Version, payload []byte) []byte {
	for len(payload) > 0 {
		n := min(len(payload), tlsframe.MaxPlaintextLen)
		dst = tlsframe.AppendHeader(dst, typ, version, n)
		dst = append(dst, payload[:n]...)
		payload = payload[n:]
	}
	return dst
}

type clientHelloMsg struct {
	version      uint16
	random       []byte
	sessionID    []byte
	cipherSuites []uint16
	serverName   string
	alpn         []string
	versions     []uint16
	keyShare     []byte
	sigSchemes   []uint16
}

func (m *clientHelloMsg) marshal() []byte {
	return marshalMessage(tlsframe.HandshakeTypeClientHello, func(b *cryptobyte.Builder) {
		b.AddUint16(m.version)
		b.AddBytes(m.random)
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(m.sessionID) })
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, suite := range m.cipherSuites {
				b.AddUint16(suite)
			}
		})
		// Only the null compression method.
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddUint8(0) })
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			if m.serverName != "" {
				b.AddUint16(extensionServerName)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
						b.AddUint8(0) // host_name
						b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(m.serverName)) })
					})
				})
			}
			b.AddUint16(extensionSupportedVersions)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
					for _, v := range m.versions {
						b.AddUint16(v)
					}
				})
			})
			b.AddUint16(extensionSignatureAlgorithms)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				addSchemes(b, m.sigSchemes)
			})
			b.AddUint16(extensionKeyShare)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					addKeyShare(b, m.keyShare)
				})
			})
			if len(m.alpn) > 0 {
				b.AddUint16(extensionALPN)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					addProtocolList(b, m.alpn)
				})
			}
		})
	})
}

func addSchemes(b *cryptobyte.Builder, schemes []uint16) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, s := range schemes {
			b.AddUint16(s)
		}
	})
}

func addKeyShare(b *cryptobyte.Builder, key []byte) {
	b.AddUint16(groupX25519)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(key) })
}

func addProtocolList(b *cryptobyte.Builder, protos []string) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, proto := range protos {
			b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(proto)) })
		}
	})
}

func readSchemes(s *cryptobyte.String) ([]uint16, bool) {
	var list cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&list) || list.Empty() {
		return nil, false
	}
	var schemes []uint16
	for !list.Empty() {
		var scheme uint16
		if !list.ReadUint16(&scheme) {
			return nil, false
		}
		schemes = append(schemes, scheme)
	}
	return schemes, true
}

// readKeyShare reads one KeyShareEntry and returns the key if the group is X25519.
func readKeyShare(s *cryptobyte.String) ([]byte, bool, bool) {
	var group uint16
	var key cryptobyte.String
	if !s.ReadUint16(&group) || !s.ReadUint16LengthPrefixed(&key) {
		return nil, false, false
	}
	return key, group == groupX25519, true
}

func parseClientHello(body []byte) (*clientHelloMsg, bool) {
	s := cryptobyte.String(body)
	m := &clientHelloMsg{}
	var sessionID, suites, compression cryptobyte.String
	if !s.ReadUint16(&m.version) || !s.ReadBytes(&m.random, randomLen) ||
		!s.ReadUint8LengthPrefixed(&sessionID) || !s.ReadUint16LengthPrefixed(&suites) ||
		!s.ReadUint8LengthPrefixed(&compression) {
		return nil, false
	}
	m.sessionID = sessionID
	for !suites.Empty() {
		var suite uint16
		if !suites.ReadUint16(&suite) {
			return nil, false
		}
		m.cipherSuites = append(m.cipherSuites, suite)
	}
	if s.Empty() {
		return m, true
	}
	var extensions cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&extensions) || !s.Empty() {
		return nil, false
	}
	for !extensions.Empty() {
		var ext uint16
		var data cryptobyte.String
		if !extensions.ReadUint16(&ext) || !extensions.ReadUint16LengthPrefixed(&data) {
			return nil, false
		}
		switch ext {
		case extensionServerName:
			var names cryptobyte.String
			if !data.ReadUint16LengthPrefixed(&names) {
				return nil, false
			}
			for !names.Empty() {
				var nameType uint8
				var name cryptobyte.String
				if !names.ReadUint8(&nameType) || !names.ReadUint16LengthPrefixed(&name) {
					return nil, false
				}
				if nameType == 0 {
					m.serverName = string(name)
				}
			}
		case extensionSupportedVersions:
			var versions cryptobyte.String
			if !data.ReadUint8LengthPrefixed(&versions) {
				return nil, false
			}
			for !versions.Empty() {
				var v uint16
				if !versions.ReadUint16(&v) {
					return nil, false
				}
				m.versions = append(m.versions, v)
			}
		case extensionSignatureAlgorithms:
			schemes, ok := readSchemes(&data)
			if !ok {
				return nil, false
			}
			m.sigSchemes = schemes
		case extensionKeyShare:
			var shares cryptobyte.String
			if !data.ReadUint16LengthPrefixed(&shares) {
				return nil, false
			}
			for !shares.Empty() {
				key, isX25519, ok := readKeyShare(&shares)
				if !ok {
					return nil, false
				}
				if isX25519 {
					m.keyShare = key
				}
			}
		case extensionALPN:
			var protos cryptobyte.String
			if !data.ReadUint16LengthPrefixed(&protos) {
				return nil, false
			}
			for !protos.Empty() {
				var proto cryptobyte.String
				if !protos.ReadUint8LengthPrefixed(&proto) || proto.Empty() {
					return nil, false
				}
				m.alpn = append(m.alpn, string(proto))
			}
		}
	}
	return m, true
}

type serverHelloMsg struct {
	random      []byte
	sessionID   []byte
	cipherSuite uint16
	version     uint16
	keyShare    []byte
	alpn        string
}

func (m *serverHelloMsg) marshal() []byte {
	return marshalMessage(tlsframe.HandshakeTypeServerHello, func(b *cryptobyte.Builder) {
		b.AddUint16(uint16(tlsframe.VersionTLS12))
		b.AddBytes(m.random)
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(m.sessionID) })
		b.AddUint16(m.cipherSuite)
		b.AddUint8(0)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16(extensionSupportedVersions)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddUint16(m.version) })
			b.AddUint16(extensionKeyShare)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { addKeyShare(b, m.keyShare) })
			if m.alpn != "" {
				b.AddUint16(extensionALPN)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { addProtocolList(b, []string{m.alpn}) })
			}
		})
	})
}

func parseServerHello(body []byte) (*serverHelloMsg, bool) {
	s := cryptobyte.String(body)
	m := &serverHelloMsg{}
	var legacyVersion uint16
	var compression uint8
	var sessionID, extensions cryptobyte.String
	if !s.ReadUint16(&legacyVersion) || !s.ReadBytes(&m.random, randomLen) ||
		!s.ReadUint8LengthPrefixed(&sessionID) || !s.ReadUint16(&m.cipherSuite) ||
		!s.ReadUint8(&compression) || !s.ReadUint16LengthPrefixed(&extensions) || !s.Empty() {
		return nil, false
	}
	m.sessionID = sessionID
	m.version = legacyVersion
	for !extensions.Empty() {
		var ext uint16
		var data cryptobyte.String
		if !extensions.ReadUint16(&ext) || !extensions.ReadUint16LengthPrefixed(&data) {
			return nil, false
		}
		switch ext {
		case extensionSupportedVersions:
			if !data.ReadUint16(&m.version) {
				return nil, false
			}
		case extensionKeyShare:
			key, isX25519, ok := readKeyShare(&data)
			if !ok || !isX25519 {
				return nil, false
			}
			m.keyShare = key
		case extensionALPN:
			var protos, proto cryptobyte.String
			if !data.ReadUint16LengthPrefixed(&protos) || !protos.ReadUint8LengthPrefixed(&proto) || !protos.Empty() {
				return nil, false
			}
			m.alpn = string(proto)
		}
	}
	return m, true
}

func marshalCertificateRequest(schemes []uint16) []byte {
	return marshalMessage(tlsframe.HandshakeTypeCertificateRequest, func(b *cryptobyte.Builder) {
		addSchemes(b, schemes)
	})
}

func parseCertificateRequest(body []byte) ([]uint16, bool) {
	s := cryptobyte.String(body)
	schemes, ok := readSchemes(&s)
	return schemes, ok && s.Empty()
}

func marshalCertificate(chain [][]byte) []byte {
	return marshalMessage(tlsframe.HandshakeTypeCertificate, func(b *cryptobyte.Builder) {
		b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, der := range chain {
				b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(der) })
			}
		})
	})
}

func parseCertificate(body []byte) ([][]byte, bool) {
	s := cryptobyte.String(body)
	var list cryptobyte.String
	if !s.ReadUint24LengthPrefixed(&list) || !s.Empty() {
		return nil, false
	}
	var chain [][]byte
	for !list.Empty() {
		var der cryptobyte.String
		if !list.ReadUint24LengthPrefixed(&der) || der.Empty() {
			return nil, false
		}
		chain = append(chain, der)
	}
	return chain, true
}

func marshalCertificateVerify(scheme uint16, signature []byte) []byte {
	return marshalMessage(tlsframe.HandshakeTypeCertificateVerify, func(b *cryptobyte.Builder) {
		b.AddUint16(scheme)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(signature) })
	})
}

func parseCertificateVerify(body []byte) (uint16, []byte, bool) {
	s := cryptobyte.String(body)
	var scheme uint16
	var signature cryptobyte.String
	if !s.ReadUint16(&scheme) || !s.ReadUint16LengthPrefixed(&signature) || !s.Empty() {
		return 0, nil, false
	}
	return scheme, signature, true
}

func marshalFinished(verifyData []byte) []byte {
	return marshalMessage(tlsframe.HandshakeTypeFinished, func(b *cryptobyte.Builder) {
		b.AddBytes(verifyData)
	})
}

// marshalKeyShareMessage builds the renegotiation messages, HelloRequest from the server and
// KeyUpdate from the client, which carry a fresh X25519 share.
func marshalKeyShareMessage(typ tlsframe.HandshakeType, key []byte) []byte {
	return marshalMessage(typ, func(b *cryptobyte.Builder) { addKeyShare(b, key) })
}

func parseKeyShareMessage(body []byte) ([]byte, bool) {
	s := cryptobyte.String(body)
	key, isX25519, ok := readKeyShare(&s)
	return key, ok && isX25519 && s.Empty()
}

// splitMessage splits the handshake message at the start of b. It returns false if b does not
// hold a complete message.
func splitMessage(b []byte) (typ tlsframe.HandshakeType, msg, body, rest []byte, ok bool) {
	if len(b) < 4 {
		return 0, nil, nil, b, false
	}
	n := int(b[1])<<16 | int(b[2])<<8 | int(b[3])
	if len(b) < 4+n {
		return 0, nil, nil, b, false
	}
	return tlsframe.HandshakeType(b[0]), b[:4+n:4+n], b[4 : 4+n : 4+n], b[4+n:], true
}
