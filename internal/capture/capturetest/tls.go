// Package capturetest builds capture files and TLS conversations for tests.
package capturetest

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Segment is one write on a connection, in the order it was issued.
type Segment struct {
	FromClient bool
	Data       []byte
}

// Exchange is one request written by the client and the response the
// server sends back after reading it. Response may be empty.
type Exchange struct {
	Request  []byte
	Response []byte
}

// TLSConfig drives RunTLS.
type TLSConfig struct {
	Version     uint16 // defaults to TLS 1.2
	CipherSuite uint16
	Exchanges   []Exchange
}

// TLSConversation is the wire image of a completed TLS session.
type TLSConversation struct {
	Segments []Segment
	KeyLog   []byte
}

// ClientBytes and ServerBytes return the application data sent by each side.
func (cfg TLSConfig) ClientBytes() []byte {
	var b []byte
	for _, ex := range cfg.Exchanges {
		b = append(b, ex.Request...)
	}
	return b
}

func (cfg TLSConfig) ServerBytes() []byte {
	var b []byte
	for _, ex := range cfg.Exchanges {
		b = append(b, ex.Response...)
	}
	return b
}

type recorder struct {
	mu       sync.Mutex
	segments []Segment
}

type recordingConn struct {
	net.Conn
	rec        *recorder
	fromClient bool
}

// Write logs the segment before handing it to the pipe so that causally
// ordered writes are logged in order.
func (c *recordingConn) Write(p []byte) (int, error) {
	c.rec.mu.Lock()
	c.rec.segments = append(c.rec.segments, Segment{FromClient: c.fromClient, Data: bytes.Clone(p)})
	c.rec.mu.Unlock()
	return c.Conn.Write(p)
}

// RunTLS performs a real crypto/tls handshake and the configured exchanges
// over an in-memory pipe and returns every byte written plus the client's
// key log.
func RunTLS(tb testing.TB, cfg TLSConfig) *TLSConversation {
	tb.Helper()

	version := cfg.Version
	if version == 0 {
		version = tls.VersionTLS12
	}
	cert := selfSigned(tb)

	var keyLog bytes.Buffer
	rec := &recorder{}
	clientRaw, serverRaw := net.Pipe()
	defer clientRaw.Close()
	defer serverRaw.Close()

	server := tls.Server(&recordingConn{Conn: serverRaw, rec: rec}, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   version,
		MaxVersion:   version,
		CipherSuites: []uint16{cfg.CipherSuite},
	})
	client := tls.Client(&recordingConn{Conn: clientRaw, rec: rec, fromClient: true}, &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         version,
		MaxVersion:         version,
		CipherSuites:       []uint16{cfg.CipherSuite},
		KeyLogWriter:       &keyLog,
	})

	errc := make(chan error, 1)
	go func() {
		if err := server.Handshake(); err != nil {
			errc <- err
			return
		}
		for _, ex := range cfg.Exchanges {
			buf := make([]byte, len(ex.Request))
			if _, err := io.ReadFull(server, buf); err != nil {
				errc <- err
				return
			}
			if len(ex.Response) == 0 {
				continue
			}
			if _, err := server.Write(ex.Response); err != nil {
				errc <- err
				return
			}
		}
		errc <- nil
	}()

	require.NoError(tb, client.Handshake())
	for _, ex := range cfg.Exchanges {
		_, err := client.Write(ex.Request)
		require.NoError(tb, err)
		if len(ex.Response) == 0 {
			continue
		}
		buf := make([]byte, len(ex.Response))
		_, err = io.ReadFull(client, buf)
		require.NoError(tb, err)
	}
	require.NoError(tb, <-errc)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return &TLSConversation{Segments: rec.segments, KeyLog: keyLog.Bytes()}
}

func selfSigned(tb testing.TB) tls.Certificate {
	tb.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(tb, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "sessreplay.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"sessreplay.test"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(tb, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}
