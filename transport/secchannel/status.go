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
	"fmt"

	"github.com/Jigsaw-Code/tlsstream/transport/tlsframe"
)

// Status is the result code of an [Engine] call.
type Status int

const (
	StatusOK Status = iota
	// StatusContinueNeeded means the handshake needs more rounds.
	StatusContinueNeeded
	// StatusCredentialsNeeded means the peer asked for a client certificate the credential lacks.
	StatusCredentialsNeeded
	// StatusIncompleteMessage means more input bytes are needed.
	StatusIncompleteMessage
	// StatusRenegotiate means the decrypted record is a handshake message for a renegotiation.
	StatusRenegotiate
	// StatusContextExpired means the peer closed the session.
	StatusContextExpired
	// StatusTryAgain means a renegotiation is pending and the record cannot be produced yet.
	StatusTryAgain

	// Failures start here.
	StatusInternalError
	StatusMessageAltered
	StatusDecryptFailure
	StatusIllegalMessage
	StatusAlgorithmMismatch
	StatusUnsupportedProtocol
	StatusAlertReceived
	StatusCertificateUnknown
	StatusInvalidToken
	StatusUntrustedRoot
)

var statusNames = map[Status]string{
	StatusOK:                  "ok",
	StatusContinueNeeded:      "continue_needed",
	StatusCredentialsNeeded:   "credentials_needed",
	StatusIncompleteMessage:   "incomplete_message",
	StatusRenegotiate:         "renegotiate",
	StatusContextExpired:      "context_expired",
	StatusTryAgain:            "try_again",
	StatusInternalError:       "internal_error",
	StatusMessageAltered:      "message_altered",
	StatusDecryptFailure:      "decrypt_failure",
	StatusIllegalMessage:      "illegal_message",
	StatusAlgorithmMismatch:   "algorithm_mismatch",
	StatusUnsupportedProtocol: "unsupported_protocol",
	StatusAlertReceived:       "alert_received",
	StatusCertificateUnknown:  "certificate_unknown",
	StatusInvalidToken:        "invalid_token",
	StatusUntrustedRoot:       "untrusted_root",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Failed reports whether s is a terminal failure.
func (s Status) Failed() bool {
	return s >= StatusInternalError
}

// ProtocolToken is the outcome of one handshake step: bytes to send to the peer and a status.
type ProtocolToken struct {
	Payload []byte
	Status  Status
	// Alert is the alert received from, or sent to, the peer when one is involved.
	Alert tlsframe.AlertDescription
	// Err carries detail for failures.
	Err error
}

// Done reports whether the handshake completed successfully.
func (t ProtocolToken) Done() bool {
	return t.Status == StatusOK
}

// Failed reports whether the step failed.
func (t ProtocolToken) Failed() bool {
	return t.Status.Failed()
}

// ContinueNeeded reports whether the handshake needs more rounds.
func (t ProtocolToken) ContinueNeeded() bool {
	return t.Status == StatusContinueNeeded
}

// AsError returns the failure as an [*AuthenticationError], or nil if the step did not fail.
func (t ProtocolToken) AsError() error {
	if !t.Failed() {
		return nil
	}
	return &AuthenticationError{Status: t.Status, Alert: t.Alert, Err: t.Err}
}

// FailedToken returns a token reporting a failure.
func FailedToken(status Status, alert tlsframe.AlertDescription, err error) ProtocolToken {
	return ProtocolToken{Status: status, Alert: alert, Err: err}
}
