package core

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// Sign produces an ECDSA signature over digest using priv, built on the
// secp256k1 dependency github.com/btcsuite/btcd/btcec/v2.
func Sign(digest Hash, priv *btcec.PrivateKey) []byte {
	sig := ecdsa.Sign(priv, digest[:])
	return sig.Serialize()
}

// Verify reports whether sig is a valid ECDSA signature over digest by pub.
func Verify(digest Hash, sig []byte, pub *btcec.PublicKey) bool {
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	return parsed.Verify(digest[:], pub)
}

// MakeAddress derives an address from a pubkey set and multisig threshold:
// the low 20 bytes of DetHash over the sorted key set prefixed by the
// threshold.
func MakeAddress(pubkeys [][]byte, threshold int) (Address, error) {
	enc, err := CanonEncode(pubkeySet{keys: pubkeys, threshold: threshold})
	if err != nil {
		return Address{}, err
	}
	h := DetHash(enc)
	var a Address
	copy(a[:], h[len(h)-len(a):])
	return a, nil
}

// ParsePublicKey decodes a compressed or uncompressed secp256k1 pubkey.
func ParsePublicKey(b []byte) (*btcec.PublicKey, error) {
	return btcec.ParsePubKey(b)
}
