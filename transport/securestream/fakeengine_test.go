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
	"crypto/x509"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/Jigsaw-Code/tlsstream/transport"
	"github.com/Jigsaw-Code/tlsstream/transport/secchannel"
	"github.com/Jigsaw-Code/tlsstream/transport/tlsframe"
	"github.com/stretchr/testify/require"
)

// Handshake messages exchanged by fakeEngine. They carry no body.
var (
	fakeHelloRequest = []byte{byte(tlsframe.HandshakeTypeHelloRequest), 0, 0, 0}
	fakeClientHello  = []byte{byte(tlsframe.HandshakeTypeClientHello), 0, 0, 0}
	fakeServerHello  = []byte{byte(tlsframe.HandshakeTypeServerHello), 0, 0, 0}
)

// fakeRecord frames body as a single record of type typ.
func fakeRecord(typ tlsframe.ContentType, body []byte) []byte {
	record := make([]byte, tlsframe.HeaderLen, tlsframe.HeaderLen+len(body))
	record[0] = byte(typ)
	binary.BigEndian.PutUint16(record[1:], uint16(tlsframe.VersionTLS12))
	binary.BigEndian.PutUint16(record[3:], uint16(len(body)))
	return append(record, body...)
}

// fakeProtected wraps body the way fakeEngine protects records once established: every record is
// application data on the wire and the real type is the last byte of the payload.
func fakeProtected(inner tlsframe.ContentType, body []byte) []byte {
	return fakeRecord(tlsframe.ContentTypeApplicationData, append(append([]byte{}, body...), byte(inner)))
}

type fakeCredential struct{}

func (fakeCredential) Close() error { return nil }

type fakeSession struct {
	established bool
}

func (*fakeSession) Close() error { return nil }

// fakeEngine is a plaintext engine with a one round trip handshake. Established sessions hide the
// record type inside the payload, so alerts and handshake messages look like application data to
// the stream.
type fakeEngine struct{}

var _ secchannel.Engine = fakeEngine{}

func (fakeEngine) AcquireCredential(secchannel.CredentialRequest) (secchannel.Credential, error) {
	return fakeCredential{}, nil
}

func (fakeEngine) InitializeContext(_ secchannel.Credential, sc secchannel.SecurityContext, _ *secchannel.ContextParams, in []byte) (secchannel.SecurityContext, secchannel.ProtocolToken) {
	if sc == nil {
		return &fakeSession{}, secchannel.ProtocolToken{Payload: fakeRecord(tlsframe.ContentTypeHandshake, fakeClientHello), Status: secchannel.StatusContinueNeeded}
	}
	s := sc.(*fakeSession)
	if !s.established {
		s.established = true
		return s, secchannel.ProtocolToken{Status: secchannel.StatusOK}
	}
	if len(in) > 0 && in[0] == byte(tlsframe.HandshakeTypeHelloRequest) {
		return s, secchannel.ProtocolToken{Payload: fakeProtected(tlsframe.ContentTypeHandshake, fakeClientHello), Status: secchannel.StatusContinueNeeded}
	}
	return s, secchannel.ProtocolToken{Status: secchannel.StatusOK}
}

func (fakeEngine) AcceptContext(_ secchannel.Credential, sc secchannel.SecurityContext, _ *secchannel.ContextParams, _ []byte) (secchannel.SecurityContext, secchannel.ProtocolToken) {
	s, _ := sc.(*fakeSession)
	if s == nil {
		s = &fakeSession{}
	}
	payload := fakeProtected(tlsframe.ContentTypeHandshake, fakeServerHello)
	if !s.established {
		payload = fakeRecord(tlsframe.ContentTypeHandshake, fakeServerHello)
		s.established = true
	}
	return s, secchannel.ProtocolToken{Payload: payload, Status: secchannel.StatusOK}
}

func (fakeEngine) Renegotiate(secchannel.SecurityContext) secchannel.ProtocolToken {
	return secchannel.ProtocolToken{Payload: fakeProtected(tlsframe.ContentTypeHandshake, fakeHelloRequest), Status: secchannel.StatusContinueNeeded}
}

func (fakeEngine) Encrypt(_ secchannel.SecurityContext, buf []byte, payloadLen int) (int, secchannel.Status) {
	buf[0] = byte(tlsframe.ContentTypeApplicationData)
	binary.BigEndian.PutUint16(buf[1:], uint16(tlsframe.VersionTLS12))
	binary.BigEndian.PutUint16(buf[3:], uint16(payloadLen+1))
	buf[tlsframe.HeaderLen+payloadLen] = byte(tlsframe.ContentTypeApplicationData)
	return tlsframe.HeaderLen + payloadLen + 1, secchannel.StatusOK
}

func (fakeEngine) Decrypt(_ secchannel.SecurityContext, buf []byte) (secchannel.Status, int, int) {
	if len(buf) <= tlsframe.HeaderLen || tlsframe.ContentType(buf[0]) != tlsframe.ContentTypeApplicationData {
		return secchannel.StatusIllegalMessage, 0, 0
	}
	offset, length := tlsframe.HeaderLen, len(buf)-tlsframe.HeaderLen-1
	body := buf[offset : offset+length]
	switch tlsframe.ContentType(buf[len(buf)-1]) {
	case tlsframe.ContentTypeApplicationData:
		return secchannel.StatusOK, offset, length
	case tlsframe.ContentTypeHandshake:
		return secchannel.StatusRenegotiate, offset, length
	case tlsframe.ContentTypeAlert:
		if _, desc, ok := tlsframe.ParseAlert(body); ok && desc == tlsframe.AlertCloseNotify {
			return secchannel.StatusContextExpired, offset, 0
		}
		return secchannel.StatusAlertReceived, offset, length
	default:
		return secchannel.StatusIllegalMessage, 0, 0
	}
}

func (fakeEngine) StreamSizes(secchannel.SecurityContext) (secchannel.StreamSizes, error) {
	return secchannel.StreamSizes{Header: tlsframe.HeaderLen, Trailer: 1, MaxPayload: tlsframe.MaxPlaintextLen}, nil
}

func (fakeEngine) ConnectionInfo(secchannel.SecurityContext) (secchannel.ConnectionInfo, error) {
	return secchannel.ConnectionInfo{Protocol: tlsframe.VersionTLS13, CipherName: "plaintext"}, nil
}

func (fakeEngine) NegotiatedProtocol(secchannel.SecurityContext) (string, error) {
	return "", nil
}

func (fakeEngine) RemoteCertificates(secchannel.SecurityContext) ([]*x509.Certificate, error) {
	return nil, nil
}

func (fakeEngine) CreateAlert(_ secchannel.SecurityContext, d tlsframe.AlertDescription) secchannel.ProtocolToken {
	return secchannel.ProtocolToken{Payload: fakeProtected(tlsframe.ContentTypeAlert, []byte{byte(tlsframe.AlertLevelFatal), byte(d)})}
}

func (fakeEngine) CreateShutdownToken(secchannel.SecurityContext) secchannel.ProtocolToken {
	return secchannel.ProtocolToken{Payload: fakeProtected(tlsframe.ContentTypeAlert, []byte{byte(tlsframe.AlertLevelWarning), byte(tlsframe.AlertCloseNotify)})}
}

// newFakePair authenticates a client and a server stream running fakeEngine over a synchronous
// in-memory pipe. It also returns the server end of the pipe, so tests can write records as the
// server would.
func newFakePair(t *testing.T) (client, server *Conn, serverConn net.Conn) {
	pki := newTestPKI(t)
	clientConn, serverConn := net.Pipe()
	client = NewConn(transport.NewConnDuplex(clientConn), clientConn, fakeEngine{})
	server = NewConn(transport.NewConnDuplex(serverConn), serverConn, fakeEngine{})
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	// The cache keeps fake credentials away from the process-wide cache.
	cache := secchannel.NewCredentialCache(time.Minute)
	clientOpts := &secchannel.Options{
		CredentialCache: cache,
		RemoteCertificateValidator: func([]*x509.Certificate, secchannel.PolicyErrors, secchannel.ChainStatus) bool {
			return true
		},
	}
	serverOpts := &secchannel.Options{Certificate: pki.server, CredentialCache: cache}
	clientErr, serverErr := authenticatePair(t.Context(), client, server, clientOpts, serverOpts)
	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	return client, server, serverConn
}
