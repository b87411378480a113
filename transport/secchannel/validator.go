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
	"bytes"
	"crypto/x509"
	"errors"
	"strings"
	"time"

	"github.com/Jigsaw-Code/tlsstream/transport/tlsframe"
)

// PolicyErrors are certificate problems outside the chain itself.
type PolicyErrors uint8

const (
	PolicyRemoteCertificateNotAvailable PolicyErrors = 1 << iota
	PolicyRemoteCertificateNameMismatch
	PolicyRemoteCertificateChainErrors

	PolicyNone PolicyErrors = 0
)

func (p PolicyErrors) String() string {
	return flagNames(uint32(p), []string{"not_available", "name_mismatch", "chain_errors"})
}

// ChainStatus flags problems found while building and checking a certificate chain.
type ChainStatus uint32

const (
	ChainNotTimeValid ChainStatus = 1 << iota
	ChainRevoked
	ChainNotSignatureValid
	ChainNotValidForUsage
	ChainUntrustedRoot
	ChainRevocationStatusUnknown
	ChainCyclic
	ChainInvalidExtension
	ChainInvalidPolicyConstraints
	ChainPartialChain

	ChainNoError ChainStatus = 0
)

func (s ChainStatus) String() string {
	return flagNames(uint32(s), []string{
		"not_time_valid", "revoked", "not_signature_valid", "not_valid_for_usage", "untrusted_root",
		"revocation_status_unknown", "cyclic", "invalid_extension", "invalid_policy_constraints", "partial_chain",
	})
}

func flagNames(v uint32, names []string) string {
	if v == 0 {
		return "none"
	}
	var set []string
	for i, name := range names {
		if v&(1<<i) != 0 {
			set = append(set, name)
		}
	}
	return strings.Join(set, "|")
}

// RevocationMode selects how certificate revocation is checked.
type RevocationMode uint8

const (
	RevocationNoCheck RevocationMode = iota
	// RevocationOffline checks the configured revocation lists. A certificate whose issuer has no
	// list is accepted.
	RevocationOffline
	// RevocationOnline checks the configured revocation lists and reports an unknown status when
	// no list covers an issuer.
	RevocationOnline
)

// ValidationRequest is the input of a [CertificateValidator].
type ValidationRequest struct {
	Leaf          *x509.Certificate
	Intermediates []*x509.Certificate
	// TargetName is checked against the leaf when non-empty.
	TargetName string
	// ClientAuth selects client rather than server key usage.
	ClientAuth      bool
	Revocation      RevocationMode
	TrustAnchors    *x509.CertPool
	RevocationLists []*x509.RevocationList
	CurrentTime     time.Time
}

// CertificateValidator builds and checks the chain of a remote certificate.
type CertificateValidator interface {
	Validate(req *ValidationRequest) (PolicyErrors, ChainStatus)
}

// X509Validator is a [CertificateValidator] built on crypto/x509.
type X509Validator struct{}

var _ CertificateValidator = X509Validator{}

// Validate implements [CertificateValidator].
func (X509Validator) Validate(req *ValidationRequest) (PolicyErrors, ChainStatus) {
	policy := PolicyNone
	if req.Leaf == nil {
		return PolicyRemoteCertificateNotAvailable, ChainNoError
	}
	intermediates := x509.NewCertPool()
	for _, cert := range req.Intermediates {
		intermediates.AddCert(cert)
	}
	usage := x509.ExtKeyUsageServerAuth
	if req.ClientAuth {
		usage = x509.ExtKeyUsageClientAuth
	}
	chains, err := req.Leaf.Verify(x509.VerifyOptions{
		Roots:         req.TrustAnchors,
		Intermediates: intermediates,
		CurrentTime:   req.CurrentTime,
		KeyUsages:     []x509.ExtKeyUsage{usage},
	})
	status := chainStatusFromError(err, req)

	if req.Revocation != RevocationNoCheck {
		chain := append([]*x509.Certificate{req.Leaf}, req.Intermediates...)
		if len(chains) > 0 {
			chain = chains[0]
		}
		status |= checkRevocation(chain, req.RevocationLists, req.Revocation)
	}

	if req.TargetName != "" {
		if err := req.Leaf.VerifyHostname(req.TargetName); err != nil {
			policy |= PolicyRemoteCertificateNameMismatch
		}
	}
	if status != ChainNoError {
		policy |= PolicyRemoteCertificateChainErrors
	}
	return policy, status
}

func chainStatusFromError(err error, req *ValidationRequest) ChainStatus {
	if err == nil {
		return ChainNoError
	}
	var invalidErr x509.CertificateInvalidError
	var authorityErr x509.UnknownAuthorityError
	var rootsErr x509.SystemRootsError
	var criticalErr x509.UnhandledCriticalExtension
	switch {
	case errors.As(err, &invalidErr):
		switch invalidErr.Reason {
		case x509.Expired:
			return ChainNotTimeValid
		case x509.IncompatibleUsage, x509.NotAuthorizedToSign, x509.CANotAuthorizedForExtKeyUsage:
			return ChainNotValidForUsage
		case x509.CANotAuthorizedForThisName, x509.NameConstraintsWithoutSANs, x509.UnconstrainedName:
			return ChainInvalidPolicyConstraints
		case x509.TooManyIntermediates, x509.TooManyConstraints:
			return ChainPartialChain
		default:
			return ChainInvalidExtension
		}
	case errors.As(err, &authorityErr), errors.As(err, &rootsErr):
		if isSelfIssued(topOfChain(req)) {
			return ChainUntrustedRoot
		}
		return ChainPartialChain
	case errors.As(err, &criticalErr):
		return ChainInvalidExtension
	default:
		// Bad signatures and insecure or unsupported algorithms.
		return ChainNotSignatureValid
	}
}

func topOfChain(req *ValidationRequest) *x509.Certificate {
	if n := len(req.Intermediates); n > 0 {
		return req.Intermediates[n-1]
	}
	return req.Leaf
}

func isSelfIssued(cert *x509.Certificate) bool {
	return bytes.Equal(cert.RawIssuer, cert.RawSubject)
}

func checkRevocation(chain []*x509.Certificate, lists []*x509.RevocationList, mode RevocationMode) ChainStatus {
	var status ChainStatus
	// The root vouches for itself and is not checked.
	for i, cert := range chain {
		if i == len(chain)-1 && len(chain) > 1 && isSelfIssued(cert) {
			break
		}
		var issuer *x509.Certificate
		switch {
		case i+1 < len(chain):
			issuer = chain[i+1]
		case isSelfIssued(cert):
			issuer = cert
		}
		covered := false
		for _, crl := range lists {
			if !bytes.Equal(crl.RawIssuer, cert.RawIssuer) {
				continue
			}
			// A list that cannot be checked against the issuer key says nothing.
			if issuer == nil || crl.CheckSignatureFrom(issuer) != nil {
				continue
			}
			covered = true
			for _, entry := range crl.RevokedCertificateEntries {
				if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
					status |= ChainRevoked
				}
			}
		}
		if !covered && mode == RevocationOnline {
			status |= ChainRevocationStatusUnknown
		}
	}
	return status
}

// AlertForChain picks the alert to send when a remote certificate is rejected.
func AlertForChain(policy PolicyErrors, status ChainStatus) tlsframe.AlertDescription {
	switch {
	case status&(ChainUntrustedRoot|ChainCyclic|ChainPartialChain) != 0:
		return tlsframe.AlertUnknownCA
	case status&(ChainRevoked|ChainRevocationStatusUnknown) != 0:
		return tlsframe.AlertCertificateRevoked
	case status&ChainNotTimeValid != 0:
		return tlsframe.AlertCertificateExpired
	case status&(ChainNotSignatureValid|ChainInvalidExtension|ChainInvalidPolicyConstraints|ChainNotValidForUsage) != 0:
		return tlsframe.AlertBadCertificate
	case policy&PolicyRemoteCertificateNameMismatch != 0:
		return tlsframe.AlertBadCertificate
	default:
		return tlsframe.AlertCertificateUnknown
	}
}
