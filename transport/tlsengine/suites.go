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
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher suite identifiers from the IANA TLS registry.
const (
	TLS_AES_128_GCM_SHA256       uint16 = 0x1301
	TLS_AES_256_GCM_SHA384       uint16 = 0x1302
	TLS_CHACHA20_POLY1305_SHA256 uint16 = 0x1303
)

// All suites use a 12-byte nonce and a 16-byte tag.
const (
	nonceLen = 12
	tagLen   = 16
)

type cipherSuite struct {
	id          uint16
	name        string
	keySize     int
	hash        crypto.Hash
	newInstance func(key []byte) (cipher.AEAD, error)
}

var (
	aes128GCMSHA256 = &cipherSuite{TLS_AES_128_GCM_SHA256, "TLS_AES_128_GCM_SHA256", 16, crypto.SHA256, newAesGCM}
	aes256GCMSHA384 = &cipherSuite{TLS_AES_256_GCM_SHA384, "TLS_AES_256_GCM_SHA384", 32, crypto.SHA384, newAesGCM}
	chacha20Poly    = &cipherSuite{TLS_CHACHA20_POLY1305_SHA256, "TLS_CHACHA20_POLY1305_SHA256", chacha20poly1305.KeySize, crypto.SHA256, chacha20poly1305.New}
)

// Default preference order.
var supportedCipherSuites = []*cipherSuite{aes128GCMSHA256, chacha20Poly, aes256GCMSHA384}

func cipherSuiteByID(id uint16) (*cipherSuite, error) {
	for _, suite := range supportedCipherSuites {
		if suite.id == id {
			return suite, nil
		}
	}
	return nil, fmt.Errorf("unsupported cipher suite %#04x", id)
}

// CipherSuiteName returns the IANA name of a suite, or a hex placeholder for unknown ones.
func CipherSuiteName(id uint16) string {
	if suite, err := cipherSuiteByID(id); err == nil {
		return suite.name
	}
	return fmt.Sprintf("0x%04X", id)
}

func newAesGCM(key []byte) (cipher.AEAD, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(blk)
}
