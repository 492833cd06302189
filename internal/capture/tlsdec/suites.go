package tlsdec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"golang.org/x/crypto/chacha20poly1305"
)

// Protocol versions.
const (
	VersionTLS10 = 0x0301
	VersionTLS11 = 0x0302
	VersionTLS12 = 0x0303
)

// Cipher suites with a decryption path.
const (
	TLS_RSA_WITH_AES_128_CBC_SHA                  = 0x002f
	TLS_RSA_WITH_AES_256_CBC_SHA                  = 0x0035
	TLS_RSA_WITH_AES_128_CBC_SHA256               = 0x003c
	TLS_RSA_WITH_AES_256_CBC_SHA256               = 0x003d
	TLS_RSA_WITH_AES_128_GCM_SHA256               = 0x009c
	TLS_RSA_WITH_AES_256_GCM_SHA384               = 0x009d
	TLS_DHE_RSA_WITH_AES_128_GCM_SHA256           = 0x009e
	TLS_DHE_RSA_WITH_AES_256_GCM_SHA384           = 0x009f
	TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA          = 0xc009
	TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA          = 0xc00a
	TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA            = 0xc013
	TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA            = 0xc014
	TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256       = 0xc023
	TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA384       = 0xc024
	TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256         = 0xc027
	TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA384         = 0xc028
	TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256       = 0xc02b
	TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384       = 0xc02c
	TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256         = 0xc02f
	TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384         = 0xc030
	TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256   = 0xcca8
	TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256 = 0xcca9
)

type cipherKind int

const (
	kindCBC cipherKind = iota
	kindGCM
	kindChaCha
)

// cipherSuite describes the record protection of one suite. ivLen is the
// fixed IV taken from the key block: the 4-byte GCM salt, the 12-byte
// ChaCha20 nonce mask, or the CBC IV (used only by TLS 1.0).
type cipherSuite struct {
	id     uint16
	kind   cipherKind
	keyLen int
	macLen int
	ivLen  int
	mac    func() hash.Hash
	prf    func() hash.Hash // TLS 1.2 PRF hash
}

var cipherSuites = map[uint16]*cipherSuite{
	TLS_RSA_WITH_AES_128_CBC_SHA:                  {TLS_RSA_WITH_AES_128_CBC_SHA, kindCBC, 16, 20, 16, sha1.New, sha256.New},
	TLS_RSA_WITH_AES_256_CBC_SHA:                  {TLS_RSA_WITH_AES_256_CBC_SHA, kindCBC, 32, 20, 16, sha1.New, sha256.New},
	TLS_RSA_WITH_AES_128_CBC_SHA256:               {TLS_RSA_WITH_AES_128_CBC_SHA256, kindCBC, 16, 32, 16, sha256.New, sha256.New},
	TLS_RSA_WITH_AES_256_CBC_SHA256:               {TLS_RSA_WITH_AES_256_CBC_SHA256, kindCBC, 32, 32, 16, sha256.New, sha256.New},
	TLS_RSA_WITH_AES_128_GCM_SHA256:               {TLS_RSA_WITH_AES_128_GCM_SHA256, kindGCM, 16, 0, 4, nil, sha256.New},
	TLS_RSA_WITH_AES_256_GCM_SHA384:               {TLS_RSA_WITH_AES_256_GCM_SHA384, kindGCM, 32, 0, 4, nil, sha512.New384},
	TLS_DHE_RSA_WITH_AES_128_GCM_SHA256:           {TLS_DHE_RSA_WITH_AES_128_GCM_SHA256, kindGCM, 16, 0, 4, nil, sha256.New},
	TLS_DHE_RSA_WITH_AES_256_GCM_SHA384:           {TLS_DHE_RSA_WITH_AES_256_GCM_SHA384, kindGCM, 32, 0, 4, nil, sha512.New384},
	TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA:          {TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA, kindCBC, 16, 20, 16, sha1.New, sha256.New},
	TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA:          {TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA, kindCBC, 32, 20, 16, sha1.New, sha256.New},
	TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA:            {TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA, kindCBC, 16, 20, 16, sha1.New, sha256.New},
	TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA:            {TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA, kindCBC, 32, 20, 16, sha1.New, sha256.New},
	TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256:       {TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256, kindCBC, 16, 32, 16, sha256.New, sha256.New},
	TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA384:       {TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA384, kindCBC, 32, 48, 16, sha512.New384, sha512.New384},
	TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256:         {TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256, kindCBC, 16, 32, 16, sha256.New, sha256.New},
	TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA384:         {TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA384, kindCBC, 32, 48, 16, sha512.New384, sha512.New384},
	TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256:       {TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256, kindGCM, 16, 0, 4, nil, sha256.New},
	TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384:       {TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384, kindGCM, 32, 0, 4, nil, sha512.New384},
	TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256:         {TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256, kindGCM, 16, 0, 4, nil, sha256.New},
	TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384:         {TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384, kindGCM, 32, 0, 4, nil, sha512.New384},
	TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256:   {TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256, kindChaCha, 32, 0, 12, nil, sha256.New},
	TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256: {TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256, kindChaCha, 32, 0, 12, nil, sha256.New},
}

func lookupSuite(id uint16) (*cipherSuite, error) {
	s, ok := cipherSuites[id]
	if !ok {
		return nil, fmt.Errorf("unsupported cipher suite 0x%04x", id)
	}
	return s, nil
}

func (s *cipherSuite) newAEAD(key []byte) (cipher.AEAD, error) {
	switch s.kind {
	case kindGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("create AES cipher: %w", err)
		}
		return cipher.NewGCM(block)
	case kindChaCha:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("cipher suite 0x%04x is not AEAD", s.id)
	}
}
