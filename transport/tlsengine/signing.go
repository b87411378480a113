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
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"
)

// Signature schemes from RFC 8446, Section 4.2.3.
const (
	schemeECDSAP256SHA256 uint16 = 0x0403
	schemeECDSAP384SHA384 uint16 = 0x0503
	schemeRSAPSSSHA256    uint16 = 0x0804
	schemeEd25519         uint16 = 0x0807
)

var supportedSchemes = []uint16{schemeEd25519, schemeECDSAP256SHA256, schemeECDSAP384SHA384, schemeRSAPSSSHA256}

var errUnsupportedKey = errors.New("unsupported key type")

const (
	serverSignatureContext = "TLS 1.3, server CertificateVerify\x00"
	clientSignatureContext = "TLS 1.3, client CertificateVerify\x00"
)

func schemeForKey(pub crypto.PublicKey) (uint16, error) {
	switch pub := pub.(type) {
	case ed25519.PublicKey:
		return schemeEd25519, nil
	case *ecdsa.PublicKey:
		switch pub.Curve {
		case elliptic.P256():
			return schemeECDSAP256SHA256, nil
		case elliptic.P384():
			return schemeECDSAP384SHA384, nil
		}
	case *rsa.PublicKey:
		return schemeRSAPSSSHA256, nil
	}
	return 0, fmt.Errorf("%w: %T", errUnsupportedKey, pub)
}

// signedMessage is the content covered by a CertificateVerify signature.
func signedMessage(context string, transcriptHash []byte) []byte {
	b := bytes.Repeat([]byte{0x20}, 64)
	b = append(b, context...)
	return append(b, transcriptHash...)
}

func sign(rand io.Reader, signer crypto.Signer, scheme uint16, msg []byte) ([]byte, error) {
	switch scheme {
	case schemeEd25519:
		return signer.Sign(rand, msg, crypto.Hash(0))
	case schemeECDSAP256SHA256:
		digest := sha256.Sum256(msg)
		return signer.Sign(rand, digest[:], crypto.SHA256)
	case schemeECDSAP384SHA384:
		digest := sha512.Sum384(msg)
		return signer.Sign(rand, digest[:], crypto.SHA384)
	case schemeRSAPSSSHA256:
		digest := sha256.Sum256(msg)
		return signer.Sign(rand, digest[:], &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256})
	default:
		return nil, fmt.Errorf("unsupported signature scheme %#04x", scheme)
	}
}

func verify(pub crypto.PublicKey, scheme uint16, msg, sig []byte) error {
	switch scheme {
	case schemeEd25519:
		key, ok := pub.(ed25519.PublicKey)
		if !ok || !ed25519.Verify(key, msg, sig) {
			return errors.New("invalid Ed25519 signature")
		}
	case schemeECDSAP256SHA256, schemeECDSAP384SHA384:
		key, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return errors.New("ECDSA scheme with a non-ECDSA key")
		}
		var digest []byte
		if scheme == schemeECDSAP256SHA256 {
			d := sha256.Sum256(msg)
			digest = d[:]
		} else {
			d := sha512.Sum384(msg)
			digest = d[:]
		}
		if !ecdsa.VerifyASN1(key, digest, sig) {
			return errors.New("invalid ECDSA signature")
		}
	case schemeRSAPSSSHA256:
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return errors.New("RSA-PSS scheme with a non-RSA key")
		}
		digest := sha256.Sum256(msg)
		if err := rsa.VerifyPSS(key, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}); err != nil {
			return fmt.Errorf("invalid RSA-PSS signature: %w", err)
		}
	default:
		return fmt.Errorf("unsupported signature scheme %#04x", scheme)
	}
	return nil
}
