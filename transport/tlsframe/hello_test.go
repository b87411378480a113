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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/cryptobyte"
)

func TestParseHelloClient(t *testing.T) {
	info, ok := ParseHello(wikipediaHello(t), ParseAll)
	require.True(t, ok)
	want := &Info{
		Header:               Header{Type: ContentTypeHandshake, Version: VersionTLS10, Length: 512},
		HandshakeType:        HandshakeTypeClientHello,
		HelloVersion:         VersionTLS12,
		SupportedVersions:    ProtocolTLS10 | ProtocolTLS11 | ProtocolTLS12 | ProtocolTLS13,
		TargetName:           "www.wikipedia.org",
		ApplicationProtocols: ALPNHTTP2 | ALPNHTTP11,
		ALPN:                 []string{"h2", "http/1.1"},
	}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("ParseHello() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseHelloLazy(t *testing.T) {
	info, ok := ParseHello(wikipediaHello(t), ParseServerName)
	require.True(t, ok)
	require.Equal(t, "www.wikipedia.org", info.TargetName)
	require.Empty(t, info.ALPN)
	require.Equal(t, ProtocolTLS12, info.SupportedVersions)

	info, ok = ParseHello(wikipediaHello(t), ParseHeaderOnly)
	require.True(t, ok)
	require.Empty(t, info.TargetName)
	require.Equal(t, HandshakeTypeClientHello, info.HandshakeType)
}

func TestParseHelloTruncated(t *testing.T) {
	hello := wikipediaHello(t)
	for _, n := range []int{0, 1, 4, 5, 6, 64, len(hello) - 1} {
		info, ok := ParseHello(hello[:n], ParseAll)
		require.False(t, ok, "length %d", n)
		if n < HeaderLen {
			require.Nil(t, info)
		} else {
			require.NotNil(t, info)
			require.Equal(t, 512, info.Header.Length)
		}
	}
}

func buildServerHello(t *testing.T, version uint16, alpn string) []byte {
	var b cryptobyte.Builder
	b.AddUint8(byte(ContentTypeHandshake))
	b.AddUint16(uint16(VersionTLS12))
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(byte(HandshakeTypeServerHello))
		b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16(uint16(VersionTLS12))
			b.AddBytes(make([]byte, 32))
			b.AddUint8(0)       // session id
			b.AddUint16(0x1301) // cipher suite
			b.AddUint8(0)       // compression
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint16(extensionSupportedVersions)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddUint16(version)
				})
				b.AddUint16(extensionALPN)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
						b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
							b.AddBytes([]byte(alpn))
						})
					})
				})
			})
		})
	})
	return b.BytesOrPanic()
}

func TestParseHelloServer(t *testing.T) {
	info, ok := ParseHello(buildServerHello(t, uint16(VersionTLS13), "spdy/3"), ParseAll)
	require.True(t, ok)
	require.Equal(t, HandshakeTypeServerHello, info.HandshakeType)
	require.Equal(t, ProtocolTLS13, info.SupportedVersions)
	require.Equal(t, ALPNOther, info.ApplicationProtocols)
	require.Equal(t, []string{"spdy/3"}, info.ALPN)
	require.Empty(t, info.TargetName)
}

func TestParseHelloAlert(t *testing.T) {
	info, ok := ParseHello([]byte{21, 3, 3, 0, 2, 2, 48}, ParseAll)
	require.True(t, ok)
	if diff := cmp.Diff(&Info{
		Header:           Header{Type: ContentTypeAlert, Version: VersionTLS12, Length: 2},
		AlertLevel:       AlertLevelFatal,
		AlertDescription: AlertUnknownCA,
	}, info); diff != "" {
		t.Errorf("ParseHello() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseHelloSSL2(t *testing.T) {
	// 2-byte length with the MSB set, ClientHello, version 3.1, then cipher spec lengths.
	record := []byte{0x80, 0x2e, 0x01, 0x03, 0x01, 0x00, 0x15, 0x00, 0x00, 0x00, 0x10}
	info, ok := ParseHello(record, ParseAll)
	require.True(t, ok)
	require.True(t, info.Header.Legacy)
	require.Equal(t, HandshakeTypeClientHello, info.HandshakeType)
	require.Equal(t, ProtocolTLS10, info.SupportedVersions)
	require.Equal(t, 0x2e+2, info.Header.FrameLen())
}

func TestParseHelloBadExtension(t *testing.T) {
	hello := buildServerHello(t, uint16(VersionTLS13), "h2")
	// Corrupt the ALPN list length so it overruns the extension.
	hello[len(hello)-4] = 0x7f
	info, ok := ParseHello(hello, ParseAll)
	require.False(t, ok)
	require.Equal(t, HandshakeTypeServerHello, info.HandshakeType)
}
