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

// Package certgen creates certificates for local testing: throwaway authorities, leaves they issue
// and self-signed certificates.
package certgen

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"
)

// KeyType selects the key algorithm of a generated certificate.
type KeyType int

const (
	Ed25519 KeyType = iota
	ECDSAP256
	ECDSAP384
	RSA2048
)

func (k KeyType) String() string {
	switch k {
	case Ed25519:
		return "ed25519"
	case ECDSAP256:
		return "p256"
	case ECDSAP384:
		return "p384"
	case RSA2048:
		return "rsa2048"
	default:
		return fmt.Sprintf("keytype(%d)", int(k))
	}
}

// ParseKeyType is the inverse of [KeyType.String].
func ParseKeyType(s string) (KeyType, error) {
	for _, k := range []KeyType{Ed25519, ECDSAP256, ECDSAP384, RSA2048} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown key type %q", s)
}

// GenerateKey creates a private key of the given type.
func GenerateKey(k KeyType) (crypto.Signer, error) {
	switch k {
	case Ed25519:
		_, key, err := ed25519.GenerateKey(rand.Reader)
		return key, err
	case ECDSAP256:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case ECDSAP384:
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case RSA2048:
		return rsa.GenerateKey(rand.Reader, 2048)
	default:
		return nil, fmt.Errorf("unknown key type %v", k)
	}
}

// Validity is the period certificates are valid for, starting an hour in the past.
var Validity = 24 * time.Hour

func template(cn string, hosts []string) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(Validity),
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	return tmpl, nil
}

// Authority is a certificate authority that issues leaf certificates.
type Authority struct {
	Cert *x509.Certificate
	Key  crypto.Signer
}

// NewAuthority creates a self-signed root.
func NewAuthority(cn string, k KeyType) (*Authority, error) {
	key, err := GenerateKey(k)
	if err != nil {
		return nil, err
	}
	tmpl, err := template(cn, nil)
	if err != nil {
		return nil, err
	}
	tmpl.IsCA = true
	tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("create authority certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &Authority{Cert: cert, Key: key}, nil
}

// Pool returns a pool holding only the authority.
func (a *Authority) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.Cert)
	return pool
}

// Issue creates a leaf for hosts, valid for both server and client authentication. The first host
// is also the common name.
func (a *Authority) Issue(k KeyType, hosts ...string) (*tls.Certificate, error) {
	return a.issue(k, hosts, func(*x509.Certificate) {})
}

// IssueWithSerial is [Authority.Issue] with a fixed serial number, so that tests can revoke it.
func (a *Authority) IssueWithSerial(k KeyType, serial *big.Int, hosts ...string) (*tls.Certificate, error) {
	return a.issue(k, hosts, func(tmpl *x509.Certificate) { tmpl.SerialNumber = serial })
}

func (a *Authority) issue(k KeyType, hosts []string, modify func(*x509.Certificate)) (*tls.Certificate, error) {
	cn := ""
	if len(hosts) > 0 {
		cn = hosts[0]
	}
	tmpl, err := template(cn, hosts)
	if err != nil {
		return nil, err
	}
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	modify(tmpl)
	return sign(tmpl, a.Cert, a.Key, k)
}

// Revoke returns a CRL signed by the authority that lists the given certificates.
func (a *Authority) Revoke(certs ...*tls.Certificate) (*x509.RevocationList, error) {
	now := time.Now()
	tmpl := &x509.RevocationList{
		Number:     big.NewInt(now.UnixNano()),
		ThisUpdate: now.Add(-time.Minute),
		NextUpdate: now.Add(Validity),
	}
	for _, c := range certs {
		leaf, err := x509.ParseCertificate(c.Certificate[0])
		if err != nil {
			return nil, err
		}
		tmpl.RevokedCertificateEntries = append(tmpl.RevokedCertificateEntries, x509.RevocationListEntry{
			SerialNumber:   leaf.SerialNumber,
			RevocationTime: now.Add(-time.Minute),
		})
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, a.Cert, a.Key)
	if err != nil {
		return nil, fmt.Errorf("create revocation list: %w", err)
	}
	return x509.ParseRevocationList(der)
}

// SelfSigned creates a self-signed leaf for hosts.
func SelfSigned(k KeyType, hosts ...string) (*tls.Certificate, error) {
	cn := ""
	if len(hosts) > 0 {
		cn = hosts[0]
	}
	tmpl, err := template(cn, hosts)
	if err != nil {
		return nil, err
	}
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	return sign(tmpl, nil, nil, k)
}

// sign creates the certificate for tmpl. A nil parent self-signs it.
func sign(tmpl, parent *x509.Certificate, parentKey crypto.Signer, k KeyType) (*tls.Certificate, error) {
	key, err := GenerateKey(k)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		parent, parentKey = tmpl, key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, key.Public(), parentKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, nil
}

// EncodePEM returns the PEM encoding of the chain and of the PKCS #8 private key.
func EncodePEM(cert *tls.Certificate) (certPEM, keyPEM []byte, err error) {
	for _, der := range cert.Certificate {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	return certPEM, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), nil
}
