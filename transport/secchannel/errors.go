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
	"errors"
	"fmt"
	"strings"

	"github.com/Jigsaw-Code/tlsstream/transport/tlsframe"
)

var (
	// ErrInvalidOptions is returned for inconsistent [Options].
	ErrInvalidOptions = errors.New("invalid authentication options")
	// ErrInvalidState is returned when a [Channel] operation is called in the wrong state.
	ErrInvalidState = errors.New("invalid secure channel state")
	// ErrNoCertificate is returned when a server has no certificate to offer.
	ErrNoCertificate = errors.New("no server certificate")
	// ErrCertificateRejected is returned when the remote certificate fails validation.
	ErrCertificateRejected = errors.New("remote certificate rejected")
	// ErrInvalidStreamSizes is returned when an engine reports unusable record sizes.
	ErrInvalidStreamSizes = errors.New("invalid stream sizes")
)

// AuthenticationError is a handshake or authentication failure.
type AuthenticationError struct {
	Status Status
	// Alert is the alert received from the peer, or sent to it, if any.
	Alert tlsframe.AlertDescription
	// PolicyErrors and ChainStatus are set for certificate validation failures.
	PolicyErrors PolicyErrors
	ChainStatus  ChainStatus
	Err          error
}

func (e *AuthenticationError) Error() string {
	var b strings.Builder
	b.WriteString("authentication failed: ")
	b.WriteString(e.Status.String())
	if e.Status == StatusAlertReceived || e.Alert != tlsframe.AlertCloseNotify {
		fmt.Fprintf(&b, " (alert: %v)", e.Alert)
	}
	if e.PolicyErrors != 0 {
		fmt.Fprintf(&b, " (policy: %v)", e.PolicyErrors)
	}
	if e.ChainStatus != 0 {
		fmt.Fprintf(&b, " (chain: %v)", e.ChainStatus)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap lets errors.Is match both the cause and the alert description.
func (e *AuthenticationError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.Alert != tlsframe.AlertCloseNotify {
		errs = append(errs, e.Alert)
	}
	return errs
}
