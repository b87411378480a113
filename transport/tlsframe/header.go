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
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrRecordTooLarge is returned when a record header advertises more than MaxCiphertextLen bytes.
	ErrRecordTooLarge = errors.New("record length exceeds the protocol maximum")
	// ErrInvalidRecord is returned when the bytes on the wire are not a record of the expected framing.
	ErrInvalidRecord = errors.New("invalid record header")
)

// Framing is the record framing used by a connection. It is detected on the first record and fixed
// for the rest of the connection.
type Framing uint8

const (
	// FramingUnknown means not enough bytes have been seen to decide.
	FramingUnknown Framing = iota
	// FramingTLS is the standard 5-byte record header.
	FramingTLS
	// FramingSSL2 is the legacy 2-byte header used by SSLv2-compatible ClientHellos.
	FramingSSL2
	// FramingInvalid means the bytes match no known framing.
	FramingInvalid
)

func (f Framing) String() string {
	switch f {
	case FramingUnknown:
		return "unknown"
	case FramingTLS:
		return "tls"
	case FramingSSL2:
		return "ssl2"
	default:
		return "invalid"
	}
}

const (
	ssl2HeaderLen        = 2
	ssl2ClientHelloType  = 1
	ssl2MinHeaderProbing = 5
)

// Header is a parsed record header.
type Header struct {
	Type    ContentType
	Version Version
	// Length is the payload length, excluding the header. It comes from the wire and is only
	// validated by [FrameSize].
	Length int
	// Legacy is set for SSLv2-framed records.
	Legacy bool
}

// HeaderLen returns the size of the header on the wire.
func (h Header) HeaderLen() int {
	if h.Legacy {
		return ssl2HeaderLen
	}
	return HeaderLen
}

// FrameLen returns the size of the whole record on the wire.
func (h Header) FrameLen() int {
	return h.HeaderLen() + h.Length
}

// ParseHeader parses the record header at the start of b. If the second byte is a TLS major version
// (3), the header is a standard record header. Otherwise the bytes are read as a legacy SSLv2
// header, and the result has Legacy set. It returns false if b is too short.
func ParseHeader(b []byte) (Header, bool) {
	if len(b) < HeaderLen {
		return Header{}, false
	}
	if b[1] == 3 {
		return Header{
			Type:    ContentType(b[0]),
			Version: Version(binary.BigEndian.Uint16(b[1:3])),
			Length:  int(binary.BigEndian.Uint16(b[3:5])),
		}, true
	}
	// SSLv2 record: 2-byte length with the high bit set, then msg_type and version.
	return Header{
		Type:    ContentTypeHandshake,
		Version: Version(binary.BigEndian.Uint16(b[3:5])),
		Length:  int(b[0]&0x7f)<<8 | int(b[1]),
		Legacy:  true,
	}, true
}

// DetectFraming classifies the first bytes received on a connection. It returns FramingUnknown if
// more bytes are needed to decide.
func DetectFraming(b []byte) Framing {
	if len(b) < 3 {
		return FramingUnknown
	}
	if ContentType(b[0]).Valid() && b[1] == 3 && b[2] <= 4 {
		return FramingTLS
	}
	if len(b) < ssl2MinHeaderProbing {
		return FramingUnknown
	}
	// No valid TLS record has a type of 0x80 or higher, however SSLv2 handshakes start with a uint16
	// length where the MSB is set, followed by the ClientHello message type and the client version.
	if b[0]&0x80 != 0 && b[2] == ssl2ClientHelloType {
		version := Version(binary.BigEndian.Uint16(b[3:5]))
		if version == VersionSSL20 || (version >= VersionSSL30 && version <= VersionTLS13) {
			return FramingSSL2
		}
	}
	return FramingInvalid
}

// FrameSize returns the total size of the record at the start of b, header included, for the given
// framing. The length read from the wire is validated before it is returned, so it is safe to use
// as an allocation size.
func FrameSize(b []byte, framing Framing) (int, error) {
	h, ok := ParseHeader(b)
	if !ok {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrInvalidRecord, HeaderLen, len(b))
	}
	switch framing {
	case FramingTLS:
		if h.Legacy {
			return 0, fmt.Errorf("%w: unexpected major version %d", ErrInvalidRecord, b[1])
		}
		if !h.Type.Valid() {
			return 0, fmt.Errorf("%w: unknown content type %d", ErrInvalidRecord, b[0])
		}
	case FramingSSL2:
		if !h.Legacy {
			h.Legacy = true
			h.Length = int(b[0]&0x7f)<<8 | int(b[1])
		}
	default:
		return 0, fmt.Errorf("%w: framing is %v", ErrInvalidRecord, framing)
	}
	if h.Length > MaxCiphertextLen {
		return 0, fmt.Errorf("%w: %d > %d", ErrRecordTooLarge, h.Length, MaxCiphertextLen)
	}
	return h.FrameLen(), nil
}

// AppendHeader appends a standard record header to b.
func AppendHeader(b []byte, typ ContentType, version Version, length int) []byte {
	return append(b, byte(typ), byte(version>>8), byte(version), byte(length>>8), byte(length))
}

// HandshakeFlightLen returns the number of bytes at the start of b taken by consecutive complete
// Handshake or ChangeCipherSpec records.
func HandshakeFlightLen(b []byte) int {
	total := 0
	for {
		h, ok := ParseHeader(b[total:])
		if !ok || h.Legacy {
			return total
		}
		if h.Type != ContentTypeHandshake && h.Type != ContentTypeChangeCipherSpec {
			return total
		}
		if h.Length > MaxCiphertextLen || total+h.FrameLen() > len(b) {
			return total
		}
		total += h.FrameLen()
	}
}

// HandshakeMessagesComplete reports whether the plaintext Handshake records that make up b end on a
// handshake message boundary, so a message split across several records is only reported complete
// once its last fragment is present. ChangeCipherSpec records are skipped. b must consist of whole
// records, as measured by [HandshakeFlightLen].
func HandshakeMessagesComplete(b []byte) bool {
	var payload []byte
	for len(b) > 0 {
		h, ok := ParseHeader(b)
		if !ok || h.FrameLen() > len(b) {
			return false
		}
		if h.Type == ContentTypeHandshake {
			payload = append(payload, b[HeaderLen:h.FrameLen()]...)
		}
		b = b[h.FrameLen():]
	}
	for len(payload) > 0 {
		if len(payload) < handshakeHeaderLen {
			return false
		}
		msgLen := int(payload[1])<<16 | int(payload[2])<<8 | int(payload[3])
		if len(payload) < handshakeHeaderLen+msgLen {
			return false
		}
		payload = payload[handshakeHeaderLen+msgLen:]
	}
	return true
}
