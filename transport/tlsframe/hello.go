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
	"golang.org/x/crypto/cryptobyte"
)

// Extension code points read by [ParseHello].
const (
	extensionServerName        uint16 = 0
	extensionALPN              uint16 = 16
	extensionSupportedVersions uint16 = 43
)

// ParseOptions selects which hello extensions [ParseHello] decodes.
type ParseOptions uint8

const (
	ParseServerName ParseOptions = 1 << iota
	ParseALPN
	ParseSupportedVersions

	// ParseHeaderOnly decodes the record header and the fixed hello fields only.
	ParseHeaderOnly ParseOptions = 0
	ParseAll                     = ParseServerName | ParseALPN | ParseSupportedVersions
)

// ALPNFlags summarizes the application protocols offered in a hello.
type ALPNFlags uint8

const (
	ALPNHTTP11 ALPNFlags = 1 << iota
	ALPNHTTP2
	ALPNHTTP3
	ALPNOther
)

func alpnFlag(name string) ALPNFlags {
	switch name {
	case "http/1.1":
		return ALPNHTTP11
	case "h2":
		return ALPNHTTP2
	case "h3":
		return ALPNHTTP3
	default:
		return ALPNOther
	}
}

// Info is what can be learned from the first record of a flight without keys.
type Info struct {
	Header Header

	// HandshakeType is set for Handshake records.
	HandshakeType HandshakeType
	// HelloVersion is the legacy version field of a Client or Server Hello.
	HelloVersion Version
	// SupportedVersions is the set from the supported_versions extension, or the
	// hello version when the extension is absent. For a ServerHello it has a single bit.
	SupportedVersions Protocols
	// TargetName is the host_name entry of the server_name extension.
	TargetName string
	// ApplicationProtocols summarizes ALPN, with names in ALPN in the peer's order.
	ApplicationProtocols ALPNFlags
	ALPN                 []string

	// Alert fields are set for Alert records.
	AlertLevel       AlertLevel
	AlertDescription AlertDescription
}

// ParseHello inspects the record at the start of b. It decodes the record header, Alert records,
// and Client and Server Hello messages. opts selects which extensions are decoded.
//
// It returns false if the record is incomplete or malformed. The returned Info is non-nil whenever
// the header could be read and holds what was decoded before the failure.
func ParseHello(b []byte, opts ParseOptions) (*Info, bool) {
	h, ok := ParseHeader(b)
	if !ok {
		return nil, false
	}
	info := &Info{Header: h}
	if h.Legacy {
		// SSLv2 ClientHello bodies carry no extensions.
		info.HandshakeType = HandshakeTypeClientHello
		info.HelloVersion = h.Version
		info.SupportedVersions = h.Version.Protocol()
		return info, h.Version.Protocol() != 0
	}
	if h.Length > MaxCiphertextLen || len(b) < h.FrameLen() {
		return info, false
	}
	payload := b[HeaderLen:h.FrameLen()]

	switch h.Type {
	case ContentTypeAlert:
		level, desc, ok := ParseAlert(payload)
		info.AlertLevel, info.AlertDescription = level, desc
		return info, ok
	case ContentTypeHandshake:
		return info, parseHandshake(info, cryptobyte.String(payload), opts)
	default:
		return info, true
	}
}

func parseHandshake(info *Info, s cryptobyte.String, opts ParseOptions) bool {
	var msgType uint8
	var body cryptobyte.String
	if !s.ReadUint8(&msgType) {
		return false
	}
	info.HandshakeType = HandshakeType(msgType)
	// The message may continue in later records. Parse only what is in this one.
	var msgLen uint32
	if !s.ReadUint24(&msgLen) {
		return false
	}
	if int(msgLen) <= len(s) {
		body = s[:msgLen]
	} else {
		body = s
	}

	var isClient bool
	switch info.HandshakeType {
	case HandshakeTypeClientHello:
		isClient = true
	case HandshakeTypeServerHello:
	default:
		return true
	}

	var version uint16
	var sessionID cryptobyte.String
	if !body.ReadUint16(&version) || !body.Skip(32) || !body.ReadUint8LengthPrefixed(&sessionID) {
		return false
	}
	info.HelloVersion = Version(version)
	info.SupportedVersions = info.HelloVersion.Protocol()

	if isClient {
		var cipherSuites, compressionMethods cryptobyte.String
		if !body.ReadUint16LengthPrefixed(&cipherSuites) || !body.ReadUint8LengthPrefixed(&compressionMethods) {
			return false
		}
	} else if !body.Skip(2 + 1) {
		return false
	}

	if body.Empty() {
		// Extensions are optional.
		return true
	}
	var extensions cryptobyte.String
	if !body.ReadUint16LengthPrefixed(&extensions) {
		return false
	}
	for !extensions.Empty() {
		var extension uint16
		var extData cryptobyte.String
		if !extensions.ReadUint16(&extension) || !extensions.ReadUint16LengthPrefixed(&extData) {
			return false
		}
		var ok = true
		switch {
		case extension == extensionServerName && opts&ParseServerName != 0 && isClient:
			ok = parseServerName(info, extData)
		case extension == extensionALPN && opts&ParseALPN != 0:
			ok = parseALPN(info, extData)
		case extension == extensionSupportedVersions && opts&ParseSupportedVersions != 0:
			ok = parseSupportedVersions(info, extData, isClient)
		}
		if !ok {
			return false
		}
	}
	return true
}

// RFC 6066, Section 3
func parseServerName(info *Info, extData cryptobyte.String) bool {
	var nameList cryptobyte.String
	if !extData.ReadUint16LengthPrefixed(&nameList) || nameList.Empty() {
		return false
	}
	for !nameList.Empty() {
		var nameType uint8
		var serverName cryptobyte.String
		if !nameList.ReadUint8(&nameType) || !nameList.ReadUint16LengthPrefixed(&serverName) || serverName.Empty() {
			return false
		}
		if nameType != 0 || info.TargetName != "" {
			continue
		}
		info.TargetName = string(serverName)
	}
	return true
}

// RFC 7301, Section 3.1
func parseALPN(info *Info, extData cryptobyte.String) bool {
	var protoList cryptobyte.String
	if !extData.ReadUint16LengthPrefixed(&protoList) || protoList.Empty() {
		return false
	}
	for !protoList.Empty() {
		var proto cryptobyte.String
		if !protoList.ReadUint8LengthPrefixed(&proto) || proto.Empty() {
			return false
		}
		name := string(proto)
		info.ALPN = append(info.ALPN, name)
		info.ApplicationProtocols |= alpnFlag(name)
	}
	return true
}

// RFC 8446, Section 4.2.1
func parseSupportedVersions(info *Info, extData cryptobyte.String, isClient bool) bool {
	if !isClient {
		var selected uint16
		if !extData.ReadUint16(&selected) {
			return false
		}
		info.SupportedVersions = Version(selected).Protocol()
		return true
	}
	var versions cryptobyte.String
	if !extData.ReadUint8LengthPrefixed(&versions) || versions.Empty() {
		return false
	}
	var set Protocols
	for !versions.Empty() {
		var v uint16
		if !versions.ReadUint16(&v) {
			return false
		}
		// GREASE and unknown values map to no protocol.
		set |= Version(v).Protocol()
	}
	info.SupportedVersions = set
	return true
}
