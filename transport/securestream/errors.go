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

package securestream

import (
	"errors"
	"fmt"

	"github.com/Jigsaw-Code/tlsstream/transport/secchannel"
	"github.com/Jigsaw-Code/tlsstream/transport/tlsframe"
)

var (
	// ErrFraming is returned when the bytes received do not form valid records. It also wraps
	// [io.ErrUnexpectedEOF] when the transport ends in the middle of a record.
	ErrFraming = errors.New("invalid record framing")
	// ErrInvalidState is the base error of operations called out of order.
	ErrInvalidState = errors.New("invalid stream state")
	// ErrConcurrentRead is returned when a read, or an operation that reads, is already running.
	ErrConcurrentRead = fmt.Errorf("%w: concurrent read", ErrInvalidState)
	// ErrConcurrentWrite is returned when a write, or an operation that writes, is already running.
	ErrConcurrentWrite = fmt.Errorf("%w: concurrent write", ErrInvalidState)
	// ErrNotAuthenticated is returned for reads and writes before the handshake completed.
	ErrNotAuthenticated = fmt.Errorf("%w: not authenticated", ErrInvalidState)
	// ErrAlreadyAuthenticated is returned when authentication runs twice.
	ErrAlreadyAuthenticated = fmt.Errorf("%w: already authenticated", ErrInvalidState)
	// ErrWriteClosed is returned for writes after Shutdown or CloseWrite.
	ErrWriteClosed = fmt.Errorf("%w: write side closed", ErrInvalidState)
	// ErrRenegotiationNotAllowed is returned when Renegotiate is called on a client.
	ErrRenegotiationNotAllowed = fmt.Errorf("%w: only servers can renegotiate", ErrInvalidState)
	// ErrClosed wraps the cached error of a stream that failed or was closed.
	ErrClosed = errors.New("stream closed")
)

// alertError returns the error for an alert the peer sent after the handshake.
func alertError(payload []byte) error {
	level, desc, ok := tlsframe.ParseAlert(payload)
	if !ok {
		return &secchannel.AuthenticationError{Status: secchannel.StatusIllegalMessage, Err: errors.New("malformed alert")}
	}
	return &secchannel.AuthenticationError{
		Status: secchannel.StatusAlertReceived,
		Alert:  desc,
		Err:    fmt.Errorf("received %v alert", level),
	}
}

func decryptError(status secchannel.Status) error {
	return &secchannel.AuthenticationError{Status: status, Err: errors.New("record decryption failed")}
}
