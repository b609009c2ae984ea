package leap

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// generateTestCertificate builds a throwaway self-signed certificate for the
// in-memory TLS pipes these tests dial over. It has nothing to do with the
// real LAP bootstrap identity (certs.go) — it only exercises this module's
// own framing and request/response logic without a live bridge.
func generateTestCertificate(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "leap-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// testBridge is the server side of an in-memory TLS pipe standing in for a
// real LEAP bridge: it reads newline-delimited JSON lines and lets the test
// script canned responses back.
type testBridge struct {
	conn   *tls.Conn
	reader *bufio.Reader
}

func (b *testBridge) readLine(t *testing.T) []byte {
	t.Helper()
	line, err := b.reader.ReadBytes('\n')
	require.NoError(t, err)
	return bytes.TrimRight(line, "\r\n")
}

func (b *testBridge) writeLine(t *testing.T, data []byte) {
	t.Helper()
	_, err := b.conn.Write(append(append([]byte(nil), data...), '\r', '\n'))
	require.NoError(t, err)
}

// newConnectedPair wires up a Connection (the client under test) to a
// testBridge (the fake server) over a loopback TCP connection, performing a
// real TLS handshake on both ends so Connection's framing and growable
// buffer run exactly as they would against a bridge (including writes that
// complete without the peer reading them).
func newConnectedPair(t *testing.T) (*Connection, *testBridge) {
	t.Helper()
	cert := generateTestCertificate(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	clientRaw, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	serverRaw := <-accepted
	require.NotNil(t, serverRaw)

	serverCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientCfg := &tls.Config{Certificates: []tls.Certificate{cert}, InsecureSkipVerify: true}

	serverTLS := tls.Server(serverRaw, serverCfg)
	clientTLS := tls.Client(clientRaw, clientCfg)

	handshakeErr := make(chan error, 2)
	go func() { handshakeErr <- serverTLS.Handshake() }()
	go func() { handshakeErr <- clientTLS.Handshake() }()
	require.NoError(t, <-handshakeErr)
	require.NoError(t, <-handshakeErr)

	conn := &Connection{
		conn:   clientTLS,
		logger: logrus.New(),
		lines:  make(chan Line, 16),
		closed: make(chan struct{}),
	}
	go conn.readLoop(minReadBufferFloor)

	t.Cleanup(func() {
		_ = conn.Close()
		_ = serverTLS.Close()
	})

	return conn, &testBridge{conn: serverTLS, reader: bufio.NewReader(serverTLS)}
}

// newConnectedRequester is newConnectedPair plus a live Requester dispatching
// off it, for tests exercising tag correlation and subscriptions.
func newConnectedRequester(t *testing.T) (*Requester, *testBridge) {
	t.Helper()
	conn, bridge := newConnectedPair(t)
	req := NewRequester(conn, time.Second, logrus.New())
	return req, bridge
}
