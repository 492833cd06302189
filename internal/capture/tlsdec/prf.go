package tlsdec

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"hash"
)

const keyExpansionLabel = "key expansion"

// pHash implements P_hash from RFC 5246 section 5.
func pHash(result []byte, newHash func() hash.Hash, secret, seed []byte) {
	h := hmac.New(newHash, secret)
	h.Write(seed)
	a := h.Sum(nil)

	for j := 0; j < len(result); {
		h.Reset()
		h.Write(a)
		h.Write(seed)
		b := h.Sum(nil)
		j += copy(result[j:], b)

		h.Reset()
		h.Write(a)
		a = h.Sum(nil)
	}
}

// prf10 is the TLS 1.0/1.1 PRF: P_MD5 over the first half of the secret
// XOR P_SHA1 over the second half.
func prf10(result, secret []byte, label string, seed []byte) {
	labelAndSeed := make([]byte, len(label)+len(seed))
	copy(labelAndSeed, label)
	copy(labelAndSeed[len(label):], seed)

	half := (len(secret) + 1) / 2
	s1 := secret[:half]
	s2 := secret[len(secret)-half:]

	pHash(result, md5.New, s1, labelAndSeed)
	result2 := make([]byte, len(result))
	pHash(result2, sha1.New, s2, labelAndSeed)
	for i, b := range result2 {
		result[i] ^= b
	}
}

// prf12 is the TLS 1.2 PRF over the suite's hash.
func prf12(newHash func() hash.Hash) func(result, secret []byte, label string, seed []byte) {
	return func(result, secret []byte, label string, seed []byte) {
		labelAndSeed := make([]byte, len(label)+len(seed))
		copy(labelAndSeed, label)
		copy(labelAndSeed[len(label):], seed)
		pHash(result, newHash, secret, labelAndSeed)
	}
}

// keyMaterial is the key block split per RFC 5246 section 6.3.
type keyMaterial struct {
	clientMAC, serverMAC []byte
	clientKey, serverKey []byte
	clientIV, serverIV   []byte
}

func keysFromMasterSecret(version uint16, suite *cipherSuite, master, clientRandom, serverRandom []byte) keyMaterial {
	seed := make([]byte, 0, len(serverRandom)+len(clientRandom))
	seed = append(seed, serverRandom...)
	seed = append(seed, clientRandom...)

	n := 2*suite.macLen + 2*suite.keyLen + 2*suite.ivLen
	block := make([]byte, n)
	if version >= VersionTLS12 {
		prf12(suite.prf)(block, master, keyExpansionLabel, seed)
	} else {
		prf10(block, master, keyExpansionLabel, seed)
	}

	var km keyMaterial
	km.clientMAC, block = block[:suite.macLen], block[suite.macLen:]
	km.serverMAC, block = block[:suite.macLen], block[suite.macLen:]
	km.clientKey, block = block[:suite.keyLen], block[suite.keyLen:]
	km.serverKey, block = block[:suite.keyLen], block[suite.keyLen:]
	km.clientIV, block = block[:suite.ivLen], block[suite.ivLen:]
	km.serverIV = block[:suite.ivLen]
	return km
}
