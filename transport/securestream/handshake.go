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
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/Jigsaw-Code/tlsstream/transport/secchannel"
	"github.com/Jigsaw-Code/tlsstream/transport/tlsframe"
)

// AuthenticateAsClient runs the client handshake. opts are copied, so later changes have no effect.
func (c *Conn) AuthenticateAsClient(ctx context.Context, opts *secchannel.Options) error {
	if err := c.authenticate(ctx, opts, false); err != nil {
		return fmt.Errorf("authenticate as client: %w", err)
	}
	return nil
}

// AuthenticateAsServer runs the server handshake. opts are copied, so later changes have no effect.
func (c *Conn) AuthenticateAsServer(ctx context.Context, opts *secchannel.Options) error {
	if err := c.authenticate(ctx, opts, true); err != nil {
		return fmt.Errorf("authenticate as server: %w", err)
	}
	return nil
}

// claimAll takes the read and write guards for an authentication.
func (c *Conn) claimAll() (release func(), err error) {
	if !c.authenticating.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: authentication in progress", ErrInvalidState)
	}
	if !c.reading.CompareAndSwap(false, true) {
		c.authenticating.Store(false)
		return nil, ErrConcurrentRead
	}
	if !c.writing.CompareAndSwap(false, true) {
		c.reading.Store(false)
		c.authenticating.Store(false)
		return nil, ErrConcurrentWrite
	}
	return func() {
		c.writing.Store(false)
		c.reading.Store(false)
		c.authenticating.Store(false)
	}, nil
}

func (c *Conn) authenticate(ctx context.Context, opts *secchannel.Options, isServer bool) error {
	if err := c.checkFailed(); err != nil {
		return err
	}
	if c.IsAuthenticated() || c.channel.Load() != nil {
		return ErrAlreadyAuthenticated
	}
	release, err := c.claimAll()
	if err != nil {
		return err
	}
	defer release()

	if opts == nil {
		opts = &secchannel.Options{}
	}
	opts = opts.Clone()
	if opts.Logger != nil {
		role := "client"
		if isServer {
			role = "server"
		}
		c.log.Store(opts.Logger.With("conn_id", c.id, "role", role))
		// The channel adds the role itself.
		opts.Logger = opts.Logger.With("conn_id", c.id)
	}
	ch, err := secchannel.NewChannel(c.engine, opts, isServer)
	if err != nil {
		// Nothing was sent, so the stream stays usable for another attempt.
		return err
	}
	c.isServer = isServer
	c.channel.Store(ch)

	if err := c.handshake(ctx, ch); err != nil {
		return c.fatal(err)
	}
	c.authenticated.Store(true)
	info := ch.ConnectionInfo()
	c.logger().Debug("authenticated", "protocol", info.Protocol, "cipher", info.CipherName, "alpn", ch.NegotiatedProtocol())
	return nil
}

// handshake exchanges tokens until the channel completes, then verifies the peer.
func (c *Conn) handshake(ctx context.Context, ch *secchannel.Channel) error {
	var token secchannel.ProtocolToken
	if ch.IsServer() {
		token.Status = secchannel.StatusContinueNeeded
	} else {
		token = ch.NextMessage(nil)
		if err := c.sendToken(ctx, token); err != nil {
			return err
		}
	}
	for token.ContinueNeeded() {
		flight, err := c.readHandshakeFlight(ctx)
		if err != nil {
			return err
		}
		token = ch.NextMessage(flight)
		c.in.Discard(len(flight))
		if err := c.sendToken(ctx, token); err != nil {
			return err
		}
	}
	if !token.Done() {
		return fmt.Errorf("%w: unexpected handshake status %v", ErrInvalidState, token.Status)
	}
	if err := ch.ProcessHandshakeSuccess(); err != nil {
		return err
	}
	return c.verifyPeer(ctx, ch)
}

// sendToken sends the token payload, then reports the token failure if any. A failure to send the
// alert of a failed token is joined to the failure.
func (c *Conn) sendToken(ctx context.Context, token secchannel.ProtocolToken) error {
	c.writeMu.Lock()
	sendErr := c.send(ctx, token.Payload)
	c.writeMu.Unlock()
	if token.Failed() {
		if sendErr != nil {
			return errors.Join(token.AsError(), fmt.Errorf("send alert: %w", sendErr))
		}
		return token.AsError()
	}
	return sendErr
}

// verifyPeer validates the peer certificate and sends a fatal alert if it is rejected.
func (c *Conn) verifyPeer(ctx context.Context, ch *secchannel.Channel) error {
	accepted, policy, status, err := ch.VerifyRemoteCertificate()
	if err != nil {
		return err
	}
	if accepted {
		return nil
	}
	c.writeMu.Lock()
	alert := ch.CreateFatalAlert(policy, status)
	sendErr := c.send(ctx, alert.Payload)
	c.writeMu.Unlock()
	authErr := &secchannel.AuthenticationError{
		Status:       secchannel.StatusCertificateUnknown,
		Alert:        alert.Alert,
		PolicyErrors: policy,
		ChainStatus:  status,
		Err:          secchannel.ErrCertificateRejected,
	}
	if sendErr != nil {
		return errors.Join(authErr, fmt.Errorf("send alert: %w", sendErr))
	}
	return authErr
}

// readHandshakeFlight returns the records at the start of the receive buffer that make up complete
// handshake messages, reading more as needed. A record of any other type is returned on its own.
// The caller discards the returned bytes once processed.
func (c *Conn) readHandshakeFlight(ctx context.Context) ([]byte, error) {
	if err := c.detectFraming(ctx); err != nil {
		return nil, err
	}
	if c.framing == tlsframe.FramingSSL2 && c.firstRecord {
		// Let the engine answer the legacy hello.
		return c.readRecord(ctx)
	}
	for {
		active := c.in.ActiveBytes()
		if len(active) >= tlsframe.HeaderLen {
			size, err := c.frameSize(active)
			if err != nil {
				return nil, err
			}
			if typ := tlsframe.ContentType(active[0]); typ != tlsframe.ContentTypeHandshake && typ != tlsframe.ContentTypeChangeCipherSpec {
				return c.readRecord(ctx)
			}
			n := tlsframe.HandshakeFlightLen(active)
			if n > 0 && tlsframe.HandshakeMessagesComplete(active[:n]) {
				c.firstRecord = false
				return active[:n], nil
			}
			if rest := active[n:]; len(rest) >= tlsframe.HeaderLen {
				if typ := tlsframe.ContentType(rest[0]); typ != tlsframe.ContentTypeHandshake && typ != tlsframe.ContentTypeChangeCipherSpec {
					return nil, fmt.Errorf("%w: handshake message interrupted by a %v record", ErrFraming, typ)
				}
				// The next record is a handshake record too, so it is needed in full.
				next, err := c.frameSize(rest)
				if err != nil {
					return nil, err
				}
				size = n + next
			} else if n > 0 {
				size = n + tlsframe.HeaderLen
			}
			if err := c.fill(ctx, size); err != nil {
				return nil, err
			}
			continue
		}
		if err := c.fill(ctx, tlsframe.HeaderLen); err != nil {
			return nil, err
		}
	}
}

// detectFraming classifies the first bytes of the connection.
func (c *Conn) detectFraming(ctx context.Context) error {
	for c.framing == tlsframe.FramingUnknown {
		switch framing := tlsframe.DetectFraming(c.in.ActiveBytes()); framing {
		case tlsframe.FramingUnknown:
			if err := c.fill(ctx, c.in.ActiveLen()+1); err != nil {
				return err
			}
		case tlsframe.FramingInvalid:
			return fmt.Errorf("%w: first bytes are not a TLS or SSLv2 record", ErrFraming)
		default:
			c.framing = framing
			c.logger().Debug("framing detected", "framing", framing)
		}
	}
	return nil
}

// Renegotiate runs a server-initiated renegotiation. It takes the read side until the client has
// answered. Application data received in the meantime is returned by later reads. Concurrent
// writes wait until the renegotiation completes.
func (c *Conn) Renegotiate(ctx context.Context) error {
	if err := c.renegotiate(ctx); err != nil {
		return fmt.Errorf("renegotiate: %w", err)
	}
	return nil
}

func (c *Conn) renegotiate(ctx context.Context) error {
	if err := c.checkFailed(); err != nil {
		return err
	}
	ch := c.channel.Load()
	if ch == nil || !c.IsAuthenticated() {
		return ErrNotAuthenticated
	}
	if !ch.IsServer() {
		return ErrRenegotiationNotAllowed
	}
	if c.writeClosed.Load() {
		return ErrWriteClosed
	}
	if !c.reading.CompareAndSwap(false, true) {
		return ErrConcurrentRead
	}
	defer c.reading.Store(false)

	c.beginRenegotiation()
	defer c.endRenegotiation()
	c.writeMu.Lock()
	token := ch.Renegotiate()
	err := c.send(ctx, token.Payload)
	c.writeMu.Unlock()
	if token.Failed() {
		return c.fatal(token.AsError())
	}
	if err != nil {
		return c.fatal(err)
	}
	c.logger().Debug("renegotiation started")
	if err := c.runRenegotiation(ctx, ch, nil); err != nil {
		return c.fatal(err)
	}
	return nil
}

// runRenegotiation drives a renegotiation from the read side. first is the handshake message that
// started it, or nil if this side started it. The caller holds the read guard and has begun the
// renegotiation.
func (c *Conn) runRenegotiation(ctx context.Context, ch *secchannel.Channel, first []byte) error {
	c.stashWindow()
	msg := first
	for {
		if msg != nil {
			c.writeMu.Lock()
			token := ch.NextMessage(msg)
			sendErr := c.send(ctx, token.Payload)
			c.writeMu.Unlock()
			if token.Failed() {
				if sendErr != nil {
					return errors.Join(token.AsError(), fmt.Errorf("send alert: %w", sendErr))
				}
				return token.AsError()
			}
			if sendErr != nil {
				return sendErr
			}
			if token.Done() {
				break
			}
		}
		record, err := c.readRecord(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: connection closed during renegotiation", io.ErrUnexpectedEOF)
			}
			return err
		}
		status, offset, length := ch.Decrypt(record)
		window := record[offset : offset+length]
		msg = nil
		switch status {
		case secchannel.StatusOK:
			c.stash = append(c.stash, window...)
		case secchannel.StatusRenegotiate:
			msg = slices.Clone(window)
		case secchannel.StatusContextExpired:
			c.readEOF = true
			c.in.Discard(len(record))
			return fmt.Errorf("%w: peer closed the session during renegotiation", io.ErrUnexpectedEOF)
		case secchannel.StatusAlertReceived:
			return alertError(window)
		default:
			return decryptError(status)
		}
		c.in.Discard(len(record))
	}
	if err := ch.ProcessHandshakeSuccess(); err != nil {
		return err
	}
	if err := c.verifyPeer(ctx, ch); err != nil {
		return err
	}
	c.logger().Debug("renegotiation complete")
	return nil
}
