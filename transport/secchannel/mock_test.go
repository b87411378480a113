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
	"crypto/x509"

	"github.com/Jigsaw-Code/tlsstream/transport/tlsframe"
	"github.com/stretchr/testify/mock"
)

type fakeCredential struct {
	name   string
	closed int
}

func (c *fakeCredential) Close() error {
	c.closed++
	return nil
}

type fakeContext struct {
	closed bool
}

func (c *fakeContext) Close() error {
	c.closed = true
	return nil
}

type mockEngine struct {
	mock.Mock
}

var _ Engine = (*mockEngine)(nil)

func (m *mockEngine) AcquireCredential(req CredentialRequest) (Credential, error) {
	args := m.Called(req)
	cred, _ := args.Get(0).(Credential)
	return cred, args.Error(1)
}

func (m *mockEngine) InitializeContext(cred Credential, sc SecurityContext, p *ContextParams, in []byte) (SecurityContext, ProtocolToken) {
	args := m.Called(cred, sc, p, in)
	next, _ := args.Get(0).(SecurityContext)
	return next, args.Get(1).(ProtocolToken)
}

func (m *mockEngine) AcceptContext(cred Credential, sc SecurityContext, p *ContextParams, in []byte) (SecurityContext, ProtocolToken) {
	args := m.Called(cred, sc, p, in)
	next, _ := args.Get(0).(SecurityContext)
	return next, args.Get(1).(ProtocolToken)
}

func (m *mockEngine) Renegotiate(sc SecurityContext) ProtocolToken {
	return m.Called(sc).Get(0).(ProtocolToken)
}

func (m *mockEngine) Encrypt(sc SecurityContext, buf []byte, payloadLen int) (int, Status) {
	args := m.Called(sc, buf, payloadLen)
	return args.Int(0), args.Get(1).(Status)
}

func (m *mockEngine) Decrypt(sc SecurityContext, buf []byte) (Status, int, int) {
	args := m.Called(sc, buf)
	return args.Get(0).(Status), args.Int(1), args.Int(2)
}

func (m *mockEngine) StreamSizes(sc SecurityContext) (StreamSizes, error) {
	args := m.Called(sc)
	return args.Get(0).(StreamSizes), args.Error(1)
}

func (m *mockEngine) ConnectionInfo(sc SecurityContext) (ConnectionInfo, error) {
	args := m.Called(sc)
	return args.Get(0).(ConnectionInfo), args.Error(1)
}

func (m *mockEngine) NegotiatedProtocol(sc SecurityContext) (string, error) {
	args := m.Called(sc)
	return args.String(0), args.Error(1)
}

func (m *mockEngine) RemoteCertificates(sc SecurityContext) ([]*x509.Certificate, error) {
	args := m.Called(sc)
	chain, _ := args.Get(0).([]*x509.Certificate)
	return chain, args.Error(1)
}

func (m *mockEngine) CreateAlert(sc SecurityContext, d tlsframe.AlertDescription) ProtocolToken {
	return m.Called(sc, d).Get(0).(ProtocolToken)
}

func (m *mockEngine) CreateShutdownToken(sc SecurityContext) ProtocolToken {
	return m.Called(sc).Get(0).(ProtocolToken)
}

// expectSession sets up the queries made by ProcessHandshakeSuccess.
func (m *mockEngine) expectSession(sc SecurityContext, chain []*x509.Certificate) {
	m.On("StreamSizes", sc).Return(StreamSizes{Header: 5, Trailer: 16, MaxPayload: 16384}, nil)
	m.On("ConnectionInfo", sc).Return(ConnectionInfo{Protocol: tlsframe.VersionTLS13, CipherSuite: 0x1301, CipherName: "TLS_AES_128_GCM_SHA256"}, nil)
	m.On("NegotiatedProtocol", sc).Return("h2", nil)
	m.On("RemoteCertificates", sc).Return(chain, nil)
}

type mockValidator struct {
	mock.Mock
}

func (m *mockValidator) Validate(req *ValidationRequest) (PolicyErrors, ChainStatus) {
	args := m.Called(req)
	return args.Get(0).(PolicyErrors), args.Get(1).(ChainStatus)
}
