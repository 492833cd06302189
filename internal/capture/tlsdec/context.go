// Package tlsdec decrypts captured TLS 1.0 to 1.2 sessions from recorded
// master secrets.
package tlsdec

import (
	"errors"
	"fmt"

	"firestige.xyz/sessreplay/internal/core"
)

// Context is the TLS state of one session, oriented so that Client is the
// sender of the packet being processed. The connection end, which
// identifies the real TLS client, never changes with the orientation.
type Context struct {
	Client core.Endpoint
	Server core.Endpoint

	end          core.Endpoint
	clientRandom []byte
	serverRandom []byte
	version      uint16
	suite        *cipherSuite
	derived      bool

	write *halfConn // records sent by Client
	read  *halfConn // records sent by Server
}

// NewContext starts a context for a session whose first observed TLS
// bytes flow from src to dst.
func NewContext(src, dst core.Endpoint) Context {
	return Context{Client: src, Server: dst, end: src}
}

// Mirrored returns the context viewed from the other endpoint.
func (c Context) Mirrored() Context {
	c.Client, c.Server = c.Server, c.Client
	c.write, c.read = c.read, c.write
	return c
}

// IsTLSClient reports whether the current Client is the side that sent
// the ClientHello.
func (c Context) IsTLSClient() bool {
	return c.Client == c.end
}

// Version returns the negotiated protocol version, zero before ServerHello.
func (c Context) Version() uint16 { return c.version }

// CipherSuite returns the negotiated suite id, zero before ServerHello.
func (c Context) CipherSuite() uint16 {
	if c.suite == nil {
		return 0
	}
	return c.suite.id
}

// Derived reports whether session keys are installed.
func (c Context) Derived() bool { return c.derived }

// WithClientHello records the client random and fixes the connection end
// to the current Client.
func (c Context) WithClientHello(random []byte) Context {
	c.clientRandom = append([]byte(nil), random...)
	c.end = c.Client
	return c
}

// WithServerHello records the server random and the negotiated
// parameters.
func (c Context) WithServerHello(random []byte, version, suite uint16) (Context, error) {
	s, err := lookupSuite(suite)
	if err != nil {
		return c, err
	}
	c.serverRandom = append([]byte(nil), random...)
	c.version = version
	c.suite = s
	return c, nil
}

// Derive expands the master secret into the per-direction record keys.
// Calling it again on a derived context is a no-op.
func (c Context) Derive(master []byte) (Context, error) {
	if c.derived {
		return c, nil
	}
	if c.suite == nil || c.clientRandom == nil || c.serverRandom == nil {
		return c, errors.New("key derivation before hello exchange")
	}

	km := keysFromMasterSecret(c.version, c.suite, master, c.clientRandom, c.serverRandom)
	clientHC, err := newHalfConn(c.version, c.suite, km.clientKey, km.clientIV, km.clientMAC)
	if err != nil {
		return c, fmt.Errorf("client keys: %w", err)
	}
	serverHC, err := newHalfConn(c.version, c.suite, km.serverKey, km.serverIV, km.serverMAC)
	if err != nil {
		return c, fmt.Errorf("server keys: %w", err)
	}

	if c.IsTLSClient() {
		c.write, c.read = clientHC, serverHC
	} else {
		c.write, c.read = serverHC, clientHC
	}
	c.derived = true
	return c, nil
}
