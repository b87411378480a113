// Copyright 2025 The Outline Authors
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
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

// ClientHello for www.wikipedia.org, as a hex string.
const wikipediaHelloHex = "1603010200010001fc0303168cafd33e2cde2db2c48f3e3ec1d32567c362e7c42f3f865768e2602e6bdeb020457210ccbdbe991fd206ff8481bfab5e7f2099038b48ec1a5220f03d2d574d7100222a2a130113021303c02bc02fc02cc030cca9cca8c013c014009c009d002f0035000a010001914a4a00000000001600140000117777772e77696b6970656469612e6f726700170000ff01000100000a000a0008caca001d00170018000b00020100002300000010000e000c02683208687474702f312e31000500050100000000000d00140012040308040401050308050501080606010201001200000033002b0029caca000100001d00202a9dfacdd81fa3a4c7300bdb6ee5d98e9774eb75c3fe7878d8a2b1802e092f6e002d00020101002b000b0a1a1a0304030303020301001b00030200020a0a000100001500c700000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000"

func wikipediaHello(t testing.TB) []byte {
	clienthello, err := hex.DecodeString(wikipediaHelloHex)
	require.NoError(t, err)
	return clienthello
}

func TestGetSNI(t *testing.T) {
	sni, err := GetSNI(wikipediaHello(t))
	require.NoError(t, err)
	require.Equal(t, "www.wikipedia.org", sni)
}

func BenchmarkGetSNI(b *testing.B) {
	clienthello := wikipediaHello(b)
	for i := 0; i < b.N; i++ {
		GetSNI(clienthello)
	}
}

func TestGetSNIShort(t *testing.T) {
	// Only provide the first 64 bytes.  This segment doesn't include the SNI,
	// so GetSNI should return an error.
	sni, err := GetSNI(wikipediaHello(t)[:64])
	require.Error(t, err)
	require.Empty(t, sni)
}

func TestGetSNILong(t *testing.T) {
	// Append 100 bytes containing arbitrary data.
	// GetSNI should ignore the extra data.
	extra := [100]byte{17}
	sni, err := GetSNI(append(wikipediaHello(t), extra[:]...))
	require.NoError(t, err)
	require.Equal(t, "www.wikipedia.org", sni)
}

func TestGetSNINotHello(t *testing.T) {
	_, err := GetSNI([]byte{23, 3, 3, 0, 1, 0})
	require.Error(t, err)
}
