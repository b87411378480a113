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

package secchannel

import (
	"crypto/sha256"
	"crypto/tls"
	"time"

	"github.com/Jigsaw-Code/tlsstream/internal/credcache"
	"github.com/Jigsaw-Code/tlsstream/transport/tlsframe"
)

// DefaultCredentialRetention is how long the process-wide cache keeps an unused credential.
const DefaultCredentialRetention = 10 * time.Minute

// CredentialKey identifies interchangeable credentials.
type CredentialKey struct {
	// CertHash is the SHA-256 of the leaf certificate, or zero for no certificate.
	CertHash  [sha256.Size]byte
	Protocols tlsframe.Protocols
	IsServer  bool
	Policy    EncryptionPolicy
}

// MakeCredentialKey returns the key of the credential for req.
func MakeCredentialKey(req CredentialRequest) CredentialKey {
	key := CredentialKey{Protocols: req.Protocols, IsServer: req.IsServer, Policy: req.Policy}
	if req.Certificate != nil && len(req.Certificate.Certificate) > 0 {
		key.CertHash = sha256.Sum256(req.Certificate.Certificate[0])
	}
	return key
}

// CredentialRef is a borrowed reference to a cached [Credential].
type CredentialRef = credcache.Ref[CredentialKey, Credential]

// CredentialCache shares credentials between connections with the same [CredentialKey].
type CredentialCache struct {
	cache *credcache.Cache[CredentialKey, Credential]
}

// NewCredentialCache creates a cache that keeps unused credentials for retention.
func NewCredentialCache(retention time.Duration) *CredentialCache {
	return &CredentialCache{cache: credcache.New[CredentialKey, Credential](retention)}
}

var defaultCredentialCache = NewCredentialCache(DefaultCredentialRetention)

// DefaultCredentialCache returns the process-wide cache.
func DefaultCredentialCache() *CredentialCache {
	return defaultCredentialCache
}

// TryGet returns a reference to a live credential for key.
func (c *CredentialCache) TryGet(key CredentialKey) (*CredentialRef, bool) {
	return c.cache.TryGet(key)
}

// Insert offers cred for key. If a live credential is already cached, cred is closed and the
// cached one is returned.
func (c *CredentialCache) Insert(key CredentialKey, cred Credential) *CredentialRef {
	return c.cache.Insert(key, cred)
}

// Len returns the number of cached entries.
func (c *CredentialCache) Len() int {
	return c.cache.Len()
}

// Clear drops the cache's own references.
func (c *CredentialCache) Clear() {
	c.cache.Clear()
}

// keyForCertificate is a shorthand used when switching certificates mid-handshake.
func keyForCertificate(cert *tls.Certificate, protocols tlsframe.Protocols, isServer bool, policy EncryptionPolicy) (CredentialRequest, CredentialKey) {
	req := CredentialRequest{Certificate: cert, Protocols: protocols, Policy: policy, IsServer: isServer}
	return req, MakeCredentialKey(req)
}
