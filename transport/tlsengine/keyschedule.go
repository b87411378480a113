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
	"crypto/cipher"
	"crypto/hmac"
	"encoding/binary"
	"io"

	"github.com/Jigsaw-Code/tlsstream/transport/tlsframe"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/hkdf"
)

// Traffic labels. The client writes with "c" keys and the server with "s" keys.
const (
	labelClient = "c"
	labelServer = "s"
)

// expandLabel is HKDF-Expand-Label from RFC 8446, Section 7.1.
func expandLabel(h crypto.Hash, secret []byte, label string, context []byte, length int) []byte {
	var b cryptobyte.Builder
	b.AddUint16(uint16(length))
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte("tls13 "))
		b.AddBytes([]byte(label))
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(context)
	})
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(h.New, secret, b.BytesOrPanic()), out); err != nil {
		panic("tlsengine: HKDF-Expand-Label invocation failed unexpectedly")
	}
	return out
}

func extract(h crypto.Hash, secret, salt []byte) []byte {
	return hkdf.Extract(h.New, secret, salt)
}

func finishedMAC(h crypto.Hash, handshakeSecret []byte, label string, transcriptHash []byte) []byte {
	key := expandLabel(h, handshakeSecret, label+" finished", nil, h.Size())
	mac := hmac.New(h.New, key)
	mac.Write(transcriptHash)
	return mac.Sum(nil)
}

// halfConn is the record protection state of one direction.
type halfConn struct {
	aead cipher.AEAD
	iv   [nonceLen]byte
	seq  uint64
}

func newHalfConn(suite *cipherSuite, master []byte, label string) (halfConn, error) {
	key := expandLabel(suite.hash, master, label+" key", nil, suite.keySize)
	iv := expandLabel(suite.hash, master, label+" iv", nil, nonceLen)
	aead, err := suite.newInstance(key)
	if err != nil {
		return halfConn{}, err
	}
	hc := halfConn{aead: aead}
	copy(hc.iv[:], iv)
	return hc, nil
}

func (hc *halfConn) nonce() []byte {
	nonce := hc.iv
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], hc.seq)
	for i, b := range seq {
		nonce[nonceLen-8+i] ^= b
	}
	return nonce[:]
}

// seal protects buf[HeaderLen:HeaderLen+payloadLen] in place, writing the header in front of it.
// buf must have room for the tag. It returns the record length.
func (hc *halfConn) seal(buf []byte, typ tlsframe.ContentType, payloadLen int) int {
	n := payloadLen + hc.aead.Overhead()
	tlsframe.AppendHeader(buf[:0], typ, tlsframe.VersionTLS12, n)
	payload := buf[tlsframe.HeaderLen : tlsframe.HeaderLen+payloadLen]
	hc.aead.Seal(payload[:0], hc.nonce(), payload, buf[:tlsframe.HeaderLen])
	hc.seq++
	return tlsframe.HeaderLen + n
}

// sealRecord returns a new protected record holding payload.
func (hc *halfConn) sealRecord(typ tlsframe.ContentType, payload []byte) []byte {
	buf := make([]byte, tlsframe.HeaderLen+len(payload)+hc.aead.Overhead())
	copy(buf[tlsframe.HeaderLen:], payload)
	return buf[:hc.seal(buf, typ, len(payload))]
}

// open unprotects the complete record in place and returns the plaintext.
func (hc *halfConn) open(record []byte) ([]byte, error) {
	ciphertext := record[tlsframe.HeaderLen:]
	plaintext, err := hc.aead.Open(ciphertext[:0], hc.nonce(), ciphertext, record[:tlsframe.HeaderLen])
	if err != nil {
		return nil, err
	}
	hc.seq++
	return plaintext, nil
}
