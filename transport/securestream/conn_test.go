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
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/Jigsaw-Code/tlsstream/internal/certgen"
	"github.com/Jigsaw-Code/tlsstream/transport"
	"github.com/Jigsaw-Code/tlsstream/transport/secchannel"
	"github.com/Jigsaw-Code/tlsstream/transport/tlsengine"
	"github.com/Jigsaw-Code/tlsstream/transport/tlsframe"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

type testPKI struct {
	ca     *certgen.Authority
	server *tls.Certificate
}

func newTestPKI(t *testing.T) *testPKI {
	ca, err := certgen.NewAuthority("Test CA", certgen.ECDSAP256)
	require.NoError(t, err)
	server, err := ca.Issue(certgen.ECDSAP256, "example.com")
	require.NoError(t, err)
	return &testPKI{ca: ca, server: server}
}

func (p *testPKI) clientOptions() *secchannel.Options {
	return &secchannel.Options{TargetName: "example.com", TrustAnchors: p.ca.Pool()}
}

func (p *testPKI) serverOptions() *secchannel.Options {
	return &secchannel.Options{Certificate: p.server}
}

// newTCPPair returns both ends of a loopback TCP connection.
func newTCPPair(t *testing.T) (clientConn, serverConn net.Conn) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()
	clientConn, err = net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	serverConn = <-accepted
	require.NotNil(t, serverConn)
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})
	return clientConn, serverConn
}

// authenticatePair runs both handshakes concurrently and returns the server result.
func authenticatePair(ctx context.Context, client, server *Conn, clientOpts, serverOpts *secchannel.Options) (clientErr, serverErr error) {
	done := make(chan error, 1)
	go func() {
		done <- server.AuthenticateAsServer(ctx, serverOpts)
	}()
	clientErr = client.AuthenticateAsClient(ctx, clientOpts)
	return clientErr, <-done
}

func newStreamPair(t *testing.T, clientOpts, serverOpts *secchannel.Options) (client, server *Conn) {
	clientConn, serverConn := newTCPPair(t)
	client = NewConn(transport.NewConnDuplex(clientConn), clientConn, nil)
	server = NewConn(transport.NewConnDuplex(serverConn), serverConn, nil)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	clientErr, serverErr := authenticatePair(context.Background(), client, server, clientOpts, serverOpts)
	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	return client, server
}

func randomBytes(t *testing.T, n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// sendAndClose writes data, then close_notify, from a goroutine. The returned channel yields the
// write result.
func sendAndClose(c *Conn, data []byte) <-chan error {
	result := make(chan error, 1)
	go func() {
		if _, err := c.Write(data); err != nil {
			result <- err
			return
		}
		result <- c.Shutdown(context.Background())
	}()
	return result
}

func TestConn_RoundTrip(t *testing.T) {
	pki := newTestPKI(t)
	client, server := newStreamPair(t, pki.clientOptions(), pki.serverOptions())

	require.True(t, client.IsAuthenticated())
	require.True(t, server.IsServer())
	require.False(t, client.IsServer())
	state := client.ConnectionState()
	require.True(t, state.Authenticated)
	require.Equal(t, tlsframe.VersionTLS13, state.Version)
	require.Equal(t, "example.com", state.ServerName)
	require.Equal(t, pki.server.Certificate[0], state.PeerCertificates[0].Raw)
	require.Equal(t, "example.com", server.ConnectionState().ServerName)

	data := randomBytes(t, 1<<20)
	result := sendAndClose(client, data)
	received, err := io.ReadAll(server)
	require.NoError(t, err)
	require.NoError(t, <-result)
	require.Equal(t, data, received)

	// The other direction stays open until the server closes it.
	result = sendAndClose(server, []byte("bye"))
	received, err = io.ReadAll(client)
	require.NoError(t, err)
	require.NoError(t, <-result)
	require.Equal(t, "bye", string(received))
}

// oneByteStream returns a stream over conn whose every transport read returns a single byte, so
// every record and handshake message arrives fragmented.
func oneByteStream(conn net.Conn) *Conn {
	slow := transport.WrapConn(conn.(*net.TCPConn), iotest.OneByteReader(conn), conn)
	return NewConn(transport.NewBlockingDuplex(slow), slow, nil)
}

func TestConn_OneByteReads(t *testing.T) {
	for _, slowServer := range []bool{false, true} {
		name := "client"
		if slowServer {
			name = "server"
		}
		t.Run(name, func(t *testing.T) {
			pki := newTestPKI(t)
			clientConn, serverConn := newTCPPair(t)
			var client, server, slow, fast *Conn
			if slowServer {
				client = NewConn(transport.NewConnDuplex(clientConn), clientConn, nil)
				server = oneByteStream(serverConn)
				slow, fast = server, client
			} else {
				client = oneByteStream(clientConn)
				server = NewConn(transport.NewConnDuplex(serverConn), serverConn, nil)
				slow, fast = client, server
			}
			defer client.Close()
			defer server.Close()

			clientErr, serverErr := authenticatePair(context.Background(), client, server, pki.clientOptions(), pki.serverOptions())
			require.NoError(t, clientErr)
			require.NoError(t, serverErr)

			data := randomBytes(t, 100_000)
			result := sendAndClose(fast, data)
			received, err := io.ReadAll(slow)
			require.NoError(t, err)
			require.NoError(t, <-result)
			require.Equal(t, data, received)
		})
	}
}

func TestConn_LegacyHelloRejected(t *testing.T) {
	pki := newTestPKI(t)
	clientConn, serverConn := newTCPPair(t)
	// One byte at a time, the framing stays undecided until the version bytes arrive.
	server := oneByteStream(serverConn)
	defer server.Close()
	serverDone := make(chan error, 1)
	go func() { serverDone <- server.AuthenticateAsServer(context.Background(), pki.serverOptions()) }()

	// SSLv2 CLIENT-HELLO: length, msg_type, version, then the cipher, session and challenge lengths.
	_, err := clientConn.Write([]byte{0x80, 0x0b, 0x01, 0x03, 0x01, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	require.NoError(t, err)

	err = <-serverDone
	require.ErrorIs(t, err, tlsengine.ErrSSL2)
	require.ErrorIs(t, err, tlsframe.AlertProtocolVersion)
	require.False(t, server.IsAuthenticated())

	alert := make([]byte, tlsframe.HeaderLen+2)
	_, err = io.ReadFull(clientConn, alert)
	require.NoError(t, err)
	require.Equal(t, tlsframe.ContentTypeAlert, tlsframe.ContentType(alert[0]))
	level, desc, ok := tlsframe.ParseAlert(alert[tlsframe.HeaderLen:])
	require.True(t, ok)
	require.Equal(t, tlsframe.AlertLevelFatal, level)
	require.Equal(t, tlsframe.AlertProtocolVersion, desc)
}

func TestConn_InvalidFirstBytes(t *testing.T) {
	pki := newTestPKI(t)
	clientConn, serverConn := newTCPPair(t)
	server := oneByteStream(serverConn)
	defer server.Close()
	serverDone := make(chan error, 1)
	go func() { serverDone <- server.AuthenticateAsServer(context.Background(), pki.serverOptions()) }()

	// Neither a TLS record nor an SSLv2 hello, which is only known once enough bytes are in.
	_, err := clientConn.Write([]byte{0x80, 0x0b, 0x04, 0x03, 0x01})
	require.NoError(t, err)
	err = <-serverDone
	require.ErrorIs(t, err, ErrFraming)
	require.Equal(t, tlsframe.FramingUnknown, server.framing)
}

func TestConn_SmallReadBuffer(t *testing.T) {
	pki := newTestPKI(t)
	client, server := newStreamPair(t, pki.clientOptions(), pki.serverOptions())

	result := sendAndClose(server, []byte("0123456789"))
	var received []byte
	buf := make([]byte, 3)
	for {
		n, err := client.Read(buf)
		require.LessOrEqual(t, n, 3)
		received = append(received, buf[:n]...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	require.NoError(t, <-result)
	require.Equal(t, "0123456789", string(received))
}

func TestConn_NotAuthenticated(t *testing.T) {
	clientConn, _ := newTCPPair(t)
	c := NewConn(transport.NewConnDuplex(clientConn), clientConn, nil)
	defer c.Close()

	_, err := c.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = c.Write([]byte("x"))
	require.ErrorIs(t, err, ErrNotAuthenticated)
	require.ErrorIs(t, c.Renegotiate(context.Background()), ErrNotAuthenticated)
	require.ErrorIs(t, c.Handshake(context.Background()), ErrInvalidState)
	require.Equal(t, ConnectionState{}, c.ConnectionState())
}

func TestConn_AlreadyAuthenticated(t *testing.T) {
	pki := newTestPKI(t)
	client, server := newStreamPair(t, pki.clientOptions(), pki.serverOptions())
	require.ErrorIs(t, client.AuthenticateAsClient(context.Background(), pki.clientOptions()), ErrAlreadyAuthenticated)
	require.ErrorIs(t, server.AuthenticateAsServer(context.Background(), pki.serverOptions()), ErrAlreadyAuthenticated)
	require.ErrorIs(t, client.Renegotiate(context.Background()), ErrRenegotiationNotAllowed)
}

func TestConn_InvalidOptions(t *testing.T) {
	clientConn, _ := newTCPPair(t)
	c := NewConn(transport.NewConnDuplex(clientConn), clientConn, nil)
	defer c.Close()

	// A server needs a certificate. Nothing was sent, so the stream can still be used.
	require.ErrorIs(t, c.AuthenticateAsServer(context.Background(), &secchannel.Options{}), secchannel.ErrNoCertificate)
	require.False(t, c.IsAuthenticated())
}

func TestConn_RecordTooLarge(t *testing.T) {
	pki := newTestPKI(t)
	clientConn, serverConn := newTCPPair(t)
	client := Client(clientConn, pki.clientOptions())
	defer client.Close()

	_, err := serverConn.Write([]byte{byte(tlsframe.ContentTypeHandshake), 3, 3, 0x48, 0x00})
	require.NoError(t, err)
	err = client.Handshake(context.Background())
	require.ErrorIs(t, err, ErrFraming)
	require.ErrorIs(t, err, tlsframe.ErrRecordTooLarge)

	// The failure is final.
	require.ErrorIs(t, client.Handshake(context.Background()), ErrClosed)
}

func TestConn_TruncatedRecord(t *testing.T) {
	pki := newTestPKI(t)
	clientConn, serverConn := newTCPPair(t)
	client := Client(clientConn, pki.clientOptions())
	defer client.Close()

	_, err := serverConn.Write([]byte{byte(tlsframe.ContentTypeHandshake), 3, 3, 0x00, 0x10, 2, 0})
	require.NoError(t, err)
	require.NoError(t, serverConn.(*net.TCPConn).CloseWrite())
	err = client.Handshake(context.Background())
	require.ErrorIs(t, err, ErrFraming)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestConn_UntrustedServer(t *testing.T) {
	pki := newTestPKI(t)
	other := newTestPKI(t)
	clientConn, serverConn := newTCPPair(t)
	client := NewConn(transport.NewConnDuplex(clientConn), clientConn, nil)
	server := NewConn(transport.NewConnDuplex(serverConn), serverConn, nil)
	defer client.Close()
	defer server.Close()

	clientErr, serverErr := authenticatePair(context.Background(), client, server, other.clientOptions(), pki.serverOptions())
	var authErr *secchannel.AuthenticationError
	require.ErrorAs(t, clientErr, &authErr)
	require.ErrorIs(t, clientErr, secchannel.ErrCertificateRejected)
	require.Equal(t, tlsframe.AlertUnknownCA, authErr.Alert)
	require.NotZero(t, authErr.ChainStatus&(secchannel.ChainUntrustedRoot|secchannel.ChainPartialChain))

	// The server completed its side before the client rejected it, and learns about it from the
	// alert.
	require.NoError(t, serverErr)
	_, err := server.Read(make([]byte, 1))
	require.ErrorIs(t, err, tlsframe.AlertUnknownCA)
}

func TestConn_RevokedServer(t *testing.T) {
	pki := newTestPKI(t)
	crl, err := pki.ca.Revoke(pki.server)
	require.NoError(t, err)
	clientOpts := pki.clientOptions()
	clientOpts.RevocationMode = secchannel.RevocationOffline
	clientOpts.RevocationLists = []*x509.RevocationList{crl}

	clientConn, serverConn := newTCPPair(t)
	client := NewConn(transport.NewConnDuplex(clientConn), clientConn, nil)
	server := NewConn(transport.NewConnDuplex(serverConn), serverConn, nil)
	defer client.Close()
	defer server.Close()

	clientErr, serverErr := authenticatePair(context.Background(), client, server, clientOpts, pki.serverOptions())
	var authErr *secchannel.AuthenticationError
	require.ErrorAs(t, clientErr, &authErr)
	require.Equal(t, tlsframe.AlertCertificateRevoked, authErr.Alert)
	require.NotZero(t, authErr.ChainStatus&secchannel.ChainRevoked)
	require.NoError(t, serverErr)
	_, err = server.Read(make([]byte, 1))
	require.ErrorIs(t, err, tlsframe.AlertCertificateRevoked)
}

func TestConn_ConcurrentRead(t *testing.T) {
	pki := newTestPKI(t)
	client, _ := newStreamPair(t, pki.clientOptions(), pki.serverOptions())

	firstRead := make(chan error, 1)
	go func() {
		_, err := client.Read(make([]byte, 1))
		firstRead <- err
	}()
	require.Eventually(t, client.reading.Load, time.Second, time.Millisecond)
	_, err := client.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrConcurrentRead)
	require.ErrorIs(t, err, ErrInvalidState)

	// A rejected read does not disturb the pending one. Closing ends it.
	require.NoError(t, client.Close())
	require.Error(t, <-firstRead)
}

func TestConn_Cancel(t *testing.T) {
	pki := newTestPKI(t)
	client, _ := newStreamPair(t, pki.clientOptions(), pki.serverOptions())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := client.ReadContext(ctx, make([]byte, 1))
	require.ErrorIs(t, err, context.Canceled)

	// Cancellation leaves the stream in an unknown state, so it is closed.
	_, err = client.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, err, context.Canceled)
	_, err = client.Write([]byte("x"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestConn_ReadDeadline(t *testing.T) {
	pki := newTestPKI(t)
	client, _ := newStreamPair(t, pki.clientOptions(), pki.serverOptions())

	require.NoError(t, client.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
	_, err := client.Read(make([]byte, 1))
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestConn_Shutdown(t *testing.T) {
	pki := newTestPKI(t)
	client, server := newStreamPair(t, pki.clientOptions(), pki.serverOptions())

	require.NoError(t, client.Shutdown(context.Background()))
	require.NoError(t, client.Shutdown(context.Background()))
	_, err := client.Write([]byte("late"))
	require.ErrorIs(t, err, ErrWriteClosed)

	n, err := server.Read(make([]byte, 1))
	require.Equal(t, 0, n)
	require.Equal(t, io.EOF, err)
	_, err = server.Read(make([]byte, 1))
	require.Equal(t, io.EOF, err)

	// The server can still send.
	result := sendAndClose(server, []byte("still open"))
	received, err := io.ReadAll(client)
	require.NoError(t, err)
	require.NoError(t, <-result)
	require.Equal(t, "still open", string(received))
}

func TestConn_TransportEOF(t *testing.T) {
	pki := newTestPKI(t)
	clientConn, serverConn := newTCPPair(t)
	client := NewConn(transport.NewConnDuplex(clientConn), clientConn, nil)
	server := NewConn(transport.NewConnDuplex(serverConn), serverConn, nil)
	defer client.Close()
	defer server.Close()
	clientErr, serverErr := authenticatePair(context.Background(), client, server, pki.clientOptions(), pki.serverOptions())
	require.NoError(t, clientErr)
	require.NoError(t, serverErr)

	// Closing the transport between records reads as a clean end of stream.
	require.NoError(t, serverConn.Close())
	_, err := client.Read(make([]byte, 1))
	require.Equal(t, io.EOF, err)
}

func TestConn_Renegotiate(t *testing.T) {
	pki := newTestPKI(t)
	client, server := newStreamPair(t, pki.clientOptions(), pki.serverOptions())

	_, err := server.Write([]byte("before|"))
	require.NoError(t, err)

	ctx := context.Background()
	renegotiated := make(chan error, 1)
	go func() { renegotiated <- server.Renegotiate(ctx) }()
	// The client is not reading yet, so the renegotiation stays pending and the write waits for it.
	require.Eventually(t, func() bool { return server.renegotiationSignal() != nil }, time.Second, time.Millisecond)
	written := make(chan error, 1)
	go func() {
		_, err := server.Write([]byte("during"))
		written <- err
	}()

	received := make([]byte, len("before|during"))
	_, err = io.ReadFull(client, received)
	require.NoError(t, err)
	require.Equal(t, "before|during", string(received))
	require.NoError(t, <-renegotiated)
	require.NoError(t, <-written)

	// Both directions work under the new keys.
	go func() { client.Write([]byte("ping")) }()
	buf := make([]byte, 4)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
	require.True(t, client.ConnectionState().Authenticated)
}

func TestConn_RenegotiateStashesClientData(t *testing.T) {
	pki := newTestPKI(t)
	client, server := newStreamPair(t, pki.clientOptions(), pki.serverOptions())

	// The client data is in flight when the renegotiation starts, so the server receives it while
	// waiting for the client answer.
	_, err := client.Write([]byte("in flight"))
	require.NoError(t, err)

	renegotiated := make(chan error, 1)
	go func() { renegotiated <- server.Renegotiate(context.Background()) }()
	clientRead := make(chan error, 1)
	go func() {
		_, err := client.Read(make([]byte, 1))
		clientRead <- err
	}()
	require.NoError(t, <-renegotiated)

	buf := make([]byte, len("in flight"))
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	require.Equal(t, "in flight", string(buf))

	require.NoError(t, server.Shutdown(context.Background()))
	require.Equal(t, io.EOF, <-clientRead)
}

func TestConn_ShutdownWaitsForRenegotiation(t *testing.T) {
	pki := newTestPKI(t)
	client, server := newStreamPair(t, pki.clientOptions(), pki.serverOptions())

	ctx := context.Background()
	renegotiated := make(chan error, 1)
	go func() { renegotiated <- server.Renegotiate(ctx) }()
	require.Eventually(t, func() bool { return server.renegotiationSignal() != nil }, time.Second, time.Millisecond)
	shutdown := make(chan error, 1)
	go func() { shutdown <- server.Shutdown(ctx) }()
	select {
	case err := <-shutdown:
		t.Fatalf("shutdown returned before the renegotiation completed: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	// The client answers the renegotiation, then reads the close_notify sent after it.
	n, err := client.Read(make([]byte, 1))
	require.Equal(t, 0, n)
	require.Equal(t, io.EOF, err)
	require.NoError(t, <-renegotiated)
	require.NoError(t, <-shutdown)

	_, err = server.Write([]byte("late"))
	require.ErrorIs(t, err, ErrWriteClosed)
	require.NotErrorIs(t, err, ErrClosed)

	// The other direction is still open.
	go func() { client.Write([]byte("after")) }()
	buf := make([]byte, len("after"))
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	require.Equal(t, "after", string(buf))
}

func TestConn_CloseNotifyBufferedAfterData(t *testing.T) {
	client, _, serverConn := newFakePair(t)

	// Both records arrive in a single transport read.
	records := append(fakeProtected(tlsframe.ContentTypeApplicationData, []byte("hello")),
		fakeProtected(tlsframe.ContentTypeAlert, []byte{byte(tlsframe.AlertLevelWarning), byte(tlsframe.AlertCloseNotify)})...)
	go serverConn.Write(records)

	buf := make([]byte, 64)
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
	require.True(t, client.readEOF)

	n, err = client.Read(buf)
	require.Equal(t, 0, n)
	require.Equal(t, io.EOF, err)
	require.NoError(t, client.checkFailed())
}

func TestConn_AlertBufferedAfterData(t *testing.T) {
	client, _, serverConn := newFakePair(t)

	records := append(fakeProtected(tlsframe.ContentTypeApplicationData, []byte("hello")),
		fakeProtected(tlsframe.ContentTypeAlert, []byte{byte(tlsframe.AlertLevelFatal), byte(tlsframe.AlertHandshakeFailure)})...)
	go serverConn.Write(records)

	buf := make([]byte, 64)
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))

	_, err = client.Read(buf)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, err, tlsframe.AlertHandshakeFailure)
}

func TestConn_RenegotiationRequestBufferedAfterData(t *testing.T) {
	client, _, serverConn := newFakePair(t)

	records := append(fakeProtected(tlsframe.ContentTypeApplicationData, []byte("hello")),
		fakeProtected(tlsframe.ContentTypeHandshake, fakeHelloRequest)...)
	go serverConn.Write(records)

	buf := make([]byte, 64)
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
	require.Equal(t, fakeHelloRequest, client.pendingHandshake)

	// The next read answers the request before returning more data.
	type readResult struct {
		data string
		err  error
	}
	read := make(chan readResult, 1)
	go func() {
		n, err := client.Read(buf)
		read <- readResult{string(buf[:n]), err}
	}()
	hello := fakeProtected(tlsframe.ContentTypeHandshake, fakeClientHello)
	received := make([]byte, len(hello))
	_, err = io.ReadFull(serverConn, received)
	require.NoError(t, err)
	require.Equal(t, hello, received)

	go serverConn.Write(append(fakeProtected(tlsframe.ContentTypeHandshake, fakeServerHello),
		fakeProtected(tlsframe.ContentTypeApplicationData, []byte("world"))...))
	result := <-read
	require.NoError(t, result.err)
	require.Equal(t, "world", result.data)
	require.Nil(t, client.pendingHandshake)
	require.True(t, client.ConnectionState().Authenticated)
}

// recordingConn keeps a copy of everything written.
type recordingConn struct {
	net.Conn
	mu      sync.Mutex
	written bytes.Buffer
}

func (c *recordingConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	c.written.Write(b)
	c.mu.Unlock()
	return c.Conn.Write(b)
}

func (c *recordingConn) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.written.Bytes())
}

func TestConn_WireFormat(t *testing.T) {
	pki := newTestPKI(t)
	clientConn, serverConn := newTCPPair(t)
	recorder := &recordingConn{Conn: clientConn}
	client := NewConn(transport.NewConnDuplex(recorder), recorder, nil)
	server := NewConn(transport.NewConnDuplex(serverConn), serverConn, nil)
	defer client.Close()
	defer server.Close()
	clientErr, serverErr := authenticatePair(context.Background(), client, server, pki.clientOptions(), pki.serverOptions())
	require.NoError(t, clientErr)
	require.NoError(t, serverErr)

	message := []byte("inspect me")
	result := sendAndClose(client, message)
	received, err := io.ReadAll(server)
	require.NoError(t, err)
	require.NoError(t, <-result)
	require.Equal(t, message, received)

	// The client side of the conversation is standard records a generic TLS dissector can split.
	var decoded layers.TLS
	require.NoError(t, decoded.DecodeFromBytes(recorder.Bytes(), gopacket.NilDecodeFeedback))
	require.NotEmpty(t, decoded.Handshake)
	require.Len(t, decoded.AppData, 1)
	require.Equal(t, layers.TLSVersion(tlsframe.VersionTLS12), decoded.AppData[0].Version)
	require.Equal(t, len(message)+16, int(decoded.AppData[0].Length))
	require.NotContains(t, string(decoded.AppData[0].Payload), string(message))
	require.Len(t, decoded.Alert, 1)
	require.Equal(t, 2+16, int(decoded.Alert[0].Length))
}

func TestConn_CloseIsFinal(t *testing.T) {
	pki := newTestPKI(t)
	client, _ := newStreamPair(t, pki.clientOptions(), pki.serverOptions())
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	_, err := client.Write([]byte("x"))
	require.True(t, errors.Is(err, ErrClosed))
}
