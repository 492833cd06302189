package tlsdec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
)

const (
	recordHeaderLen = 5
	gcmExplicitLen  = 8
)

var (
	errBadRecordMAC = errors.New("bad record MAC")
	errShortRecord  = errors.New("record too short for cipher")
	errBadPadding   = errors.New("invalid CBC padding")
)

// halfConn holds the record protection state of one direction.
type halfConn struct {
	version uint16
	suite   *cipherSuite
	seq     uint64
	active  bool

	aead  cipher.AEAD
	nonce []byte // GCM salt or ChaCha20 nonce mask

	block cipher.Block
	cbc   cipher.BlockMode // TLS 1.0 chained IV
	mac   hash.Hash
}

func newHalfConn(version uint16, suite *cipherSuite, key, iv, macKey []byte) (*halfConn, error) {
	hc := &halfConn{version: version, suite: suite}
	switch suite.kind {
	case kindGCM, kindChaCha:
		aead, err := suite.newAEAD(key)
		if err != nil {
			return nil, err
		}
		hc.aead = aead
		hc.nonce = append([]byte(nil), iv...)
	case kindCBC:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("create AES cipher: %w", err)
		}
		hc.block = block
		if version < VersionTLS11 {
			hc.cbc = cipher.NewCBCDecrypter(block, iv)
		}
		hc.mac = hmac.New(suite.mac, macKey)
	}
	return hc, nil
}

// changeCipherSpec switches the direction to protected records.
func (hc *halfConn) changeCipherSpec() {
	hc.active = true
	hc.seq = 0
}

// open removes the record protection of one fragment. Inactive half
// connections return the fragment untouched.
func (hc *halfConn) open(typ uint8, vers uint16, fragment []byte) ([]byte, error) {
	if hc == nil || !hc.active {
		return fragment, nil
	}
	var (
		plaintext []byte
		err       error
	)
	if hc.aead != nil {
		plaintext, err = hc.openAEAD(typ, vers, fragment)
	} else {
		plaintext, err = hc.openCBC(typ, vers, fragment)
	}
	if err != nil {
		return nil, err
	}
	hc.seq++
	return plaintext, nil
}

func (hc *halfConn) additionalData(typ uint8, vers uint16, n int) []byte {
	ad := make([]byte, 13)
	binary.BigEndian.PutUint64(ad[0:8], hc.seq)
	ad[8] = typ
	binary.BigEndian.PutUint16(ad[9:11], vers)
	binary.BigEndian.PutUint16(ad[11:13], uint16(n))
	return ad
}

func (hc *halfConn) openAEAD(typ uint8, vers uint16, fragment []byte) ([]byte, error) {
	nonce := make([]byte, hc.aead.NonceSize())
	ciphertext := fragment

	if hc.suite.kind == kindGCM {
		if len(fragment) < gcmExplicitLen+hc.aead.Overhead() {
			return nil, errShortRecord
		}
		copy(nonce, hc.nonce)
		copy(nonce[len(hc.nonce):], fragment[:gcmExplicitLen])
		ciphertext = fragment[gcmExplicitLen:]
	} else {
		if len(fragment) < hc.aead.Overhead() {
			return nil, errShortRecord
		}
		copy(nonce, hc.nonce)
		for i := 0; i < 8; i++ {
			nonce[len(nonce)-1-i] ^= byte(hc.seq >> (8 * i))
		}
	}

	ad := hc.additionalData(typ, vers, len(ciphertext)-hc.aead.Overhead())
	plaintext, err := hc.aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, errBadRecordMAC
	}
	return plaintext, nil
}

func (hc *halfConn) openCBC(typ uint8, vers uint16, fragment []byte) ([]byte, error) {
	bs := hc.block.BlockSize()
	macLen := hc.mac.Size()

	mode := hc.cbc
	ciphertext := fragment
	if hc.version >= VersionTLS11 {
		if len(fragment) < bs {
			return nil, errShortRecord
		}
		mode = cipher.NewCBCDecrypter(hc.block, fragment[:bs])
		ciphertext = fragment[bs:]
	}
	if len(ciphertext) == 0 || len(ciphertext)%bs != 0 || len(ciphertext) < macLen+1 {
		return nil, errShortRecord
	}

	buf := make([]byte, len(ciphertext))
	mode.CryptBlocks(buf, ciphertext)

	paddingLen := int(buf[len(buf)-1])
	if paddingLen+1+macLen > len(buf) {
		return nil, errBadPadding
	}
	for _, b := range buf[len(buf)-1-paddingLen : len(buf)-1] {
		if int(b) != paddingLen {
			return nil, errBadPadding
		}
	}

	contentLen := len(buf) - 1 - paddingLen - macLen
	content := buf[:contentLen]
	received := buf[contentLen : contentLen+macLen]

	hc.mac.Reset()
	hc.mac.Write(hc.additionalData(typ, vers, contentLen))
	hc.mac.Write(content)
	expected := hc.mac.Sum(nil)
	if subtle.ConstantTimeCompare(expected, received) != 1 {
		return nil, errBadRecordMAC
	}
	return content, nil
}
