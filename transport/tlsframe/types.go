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

package tlsframe

import (
	"fmt"
	"strings"
)

// TLS record layout from [RFC 8446]:
//
//	+-------------+ 0
//	| RecordType  |
//	+-------------+ 1
//	|  Protocol   |
//	|  Version    |
//	+-------------+ 3
//	|   Record    |
//	|   Length    |
//	+-------------+ 5
//	|   Message   |
//	|    Data     |
//	|     ...     |
//	+-------------+ Message Length + 5
//
// [RFC 8446]: https://datatracker.ietf.org/doc/html/rfc8446#section-5.1
const (
	// HeaderLen is the length of a TLS record header.
	HeaderLen = 5
	// MaxPlaintextLen is the largest record payload before protection.
	MaxPlaintextLen = 1 << 14
	// MaxCiphertextLen is the largest record payload accepted from the wire.
	MaxCiphertextLen = MaxPlaintextLen + 256

	// handshake type(1) + length(3)
	handshakeHeaderLen = 4
	// version(2) + random(32)
	helloPrefixLen = 2 + 32
)

// ContentType is the type of a TLS record.
type ContentType uint8

const (
	ContentTypeChangeCipherSpec ContentType = 20
	ContentTypeAlert            ContentType = 21
	ContentTypeHandshake        ContentType = 22
	ContentTypeApplicationData  ContentType = 23
	ContentTypeHeartbeat        ContentType = 24
)

// Valid reports whether t is a content type defined for TLS records.
func (t ContentType) Valid() bool {
	return t >= ContentTypeChangeCipherSpec && t <= ContentTypeHeartbeat
}

func (t ContentType) String() string {
	switch t {
	case ContentTypeChangeCipherSpec:
		return "change_cipher_spec"
	case ContentTypeAlert:
		return "alert"
	case ContentTypeHandshake:
		return "handshake"
	case ContentTypeApplicationData:
		return "application_data"
	case ContentTypeHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("content_type(%d)", uint8(t))
	}
}

// HandshakeType is the type of a handshake message.
type HandshakeType uint8

const (
	HandshakeTypeHelloRequest        HandshakeType = 0
	HandshakeTypeClientHello         HandshakeType = 1
	HandshakeTypeServerHello         HandshakeType = 2
	HandshakeTypeNewSessionTicket    HandshakeType = 4
	HandshakeTypeEncryptedExtensions HandshakeType = 8
	HandshakeTypeCertificate         HandshakeType = 11
	HandshakeTypeServerKeyExchange   HandshakeType = 12
	HandshakeTypeCertificateRequest  HandshakeType = 13
	HandshakeTypeServerHelloDone     HandshakeType = 14
	HandshakeTypeCertificateVerify   HandshakeType = 15
	HandshakeTypeClientKeyExchange   HandshakeType = 16
	HandshakeTypeFinished            HandshakeType = 20
	HandshakeTypeKeyUpdate           HandshakeType = 24
)

func (t HandshakeType) String() string {
	switch t {
	case HandshakeTypeHelloRequest:
		return "hello_request"
	case HandshakeTypeClientHello:
		return "client_hello"
	case HandshakeTypeServerHello:
		return "server_hello"
	case HandshakeTypeNewSessionTicket:
		return "new_session_ticket"
	case HandshakeTypeEncryptedExtensions:
		return "encrypted_extensions"
	case HandshakeTypeCertificate:
		return "certificate"
	case HandshakeTypeServerKeyExchange:
		return "server_key_exchange"
	case HandshakeTypeCertificateRequest:
		return "certificate_request"
	case HandshakeTypeServerHelloDone:
		return "server_hello_done"
	case HandshakeTypeCertificateVerify:
		return "certificate_verify"
	case HandshakeTypeClientKeyExchange:
		return "client_key_exchange"
	case HandshakeTypeFinished:
		return "finished"
	case HandshakeTypeKeyUpdate:
		return "key_update"
	default:
		return fmt.Sprintf("handshake_type(%d)", uint8(t))
	}
}

// Version is a protocol version as encoded on the wire.
type Version uint16

const (
	VersionSSL20 Version = 0x0002
	VersionSSL30 Version = 0x0300
	VersionTLS10 Version = 0x0301
	VersionTLS11 Version = 0x0302
	VersionTLS12 Version = 0x0303
	VersionTLS13 Version = 0x0304
)

func (v Version) String() string {
	switch v {
	case VersionSSL20:
		return "SSLv2"
	case VersionSSL30:
		return "SSLv3"
	case VersionTLS10:
		return "TLSv1.0"
	case VersionTLS11:
		return "TLSv1.1"
	case VersionTLS12:
		return "TLSv1.2"
	case VersionTLS13:
		return "TLSv1.3"
	default:
		return fmt.Sprintf("version(%#04x)", uint16(v))
	}
}

// Protocol returns the single-bit [Protocols] value for v, or zero for unknown versions.
func (v Version) Protocol() Protocols {
	switch v {
	case VersionSSL20:
		return ProtocolSSL2
	case VersionSSL30:
		return ProtocolSSL3
	case VersionTLS10:
		return ProtocolTLS10
	case VersionTLS11:
		return ProtocolTLS11
	case VersionTLS12:
		return ProtocolTLS12
	case VersionTLS13:
		return ProtocolTLS13
	default:
		return 0
	}
}

// Protocols is a set of protocol versions.
type Protocols uint8

const (
	ProtocolSSL2 Protocols = 1 << iota
	ProtocolSSL3
	ProtocolTLS10
	ProtocolTLS11
	ProtocolTLS12
	ProtocolTLS13

	// ProtocolsNone means no explicit selection, so the engine default applies.
	ProtocolsNone Protocols = 0
	// ProtocolsDefault is the set enabled when none is configured.
	ProtocolsDefault = ProtocolTLS12 | ProtocolTLS13
)

var protocolVersions = []Version{VersionTLS13, VersionTLS12, VersionTLS11, VersionTLS10, VersionSSL30, VersionSSL20}

// Has reports whether all protocols in q are in p.
func (p Protocols) Has(q Protocols) bool {
	return p&q == q
}

// Versions returns the versions in p, highest first.
func (p Protocols) Versions() []Version {
	var versions []Version
	for _, v := range protocolVersions {
		if p.Has(v.Protocol()) {
			versions = append(versions, v)
		}
	}
	return versions
}

func (p Protocols) String() string {
	if p == ProtocolsNone {
		return "none"
	}
	var names []string
	for _, v := range p.Versions() {
		names = append(names, v.String())
	}
	return strings.Join(names, "|")
}
