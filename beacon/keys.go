package beacon

import (
	"crypto/rand"
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/thaliproject/thali-go/thalierr"
)

// PublicKey is an uncompressed secp256k1 ECDH public key: 65 bytes,
// 0x04 || X(32) || Y(32).
type PublicKey []byte

// KeyHash is the first 16 bytes of SHA-256(PublicKey); the identity
// surface beacons and PSK identities are keyed on.
type KeyHash [16]byte

// HashPublicKey returns the full 32-byte SHA-256 digest of pub. The
// beacon's encrypted key-id payload is its 16-byte truncation (KeyHash).
func HashPublicKey(pub PublicKey) [32]byte {
	return sha256.Sum256(pub)
}

// HashToKeyHash truncates a full SHA-256 digest down to the 16-byte
// identity surface used by address books and PSK tables.
func HashToKeyHash(full [32]byte) KeyHash {
	var h KeyHash
	copy(h[:], full[:16])
	return h
}

// KeyHashOf is a convenience wrapper: HashToKeyHash(HashPublicKey(pub)).
func KeyHashOf(pub PublicKey) KeyHash {
	return HashToKeyHash(HashPublicKey(pub))
}

// ECDHKeyPair wraps a secp256k1 key pair used for both the long-lived
// local identity and the per-stream ephemeral sender key.
type ECDHKeyPair struct {
	priv *btcec.PrivateKey
}

// GenerateECDHKeyPair creates a fresh random secp256k1 key pair.
func GenerateECDHKeyPair() (*ECDHKeyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &ECDHKeyPair{priv: priv}, nil
}

// PublicKey returns the 65-byte uncompressed public key.
func (k *ECDHKeyPair) PublicKey() PublicKey {
	return PublicKey(k.priv.PubKey().SerializeUncompressed())
}

// PrivateBytes returns the 32-byte private scalar, for persisting an
// identity keypair across process restarts.
func (k *ECDHKeyPair) PrivateBytes() []byte {
	return k.priv.Serialize()
}

// ECDHKeyPairFromPrivateBytes reconstructs a keypair previously saved via
// PrivateBytes.
func ECDHKeyPairFromPrivateBytes(data []byte) (*ECDHKeyPair, error) {
	if len(data) != 32 {
		return nil, thalierr.Wrap(thalierr.ErrArgumentRange, "private key must be 32 bytes")
	}
	priv, _ := btcec.PrivKeyFromBytes(data)
	return &ECDHKeyPair{priv: priv}, nil
}

// ParsePublicKey validates and parses a 65-byte uncompressed secp256k1
// public key.
func ParsePublicKey(data []byte) (PublicKey, error) {
	if len(data) != 65 {
		return nil, thalierr.Wrap(thalierr.ErrMalformedPreamble, "public key must be 65 bytes")
	}
	if _, err := btcec.ParsePubKey(data); err != nil {
		return nil, thalierr.Wrap(thalierr.ErrMalformedPreamble, err.Error())
	}
	out := make([]byte, 65)
	copy(out, data)
	return out, nil
}

// SharedSecret computes the raw X coordinate of the ECDH shared point
// between k's private scalar and pub, i.e. the classic non-hashed ECDH
// shared secret used as HKDF input key material. Exported for use outside
// the beacon codec itself, e.g. deriving PSK session keys in notify.
func (k *ECDHKeyPair) SharedSecret(pub PublicKey) ([]byte, error) {
	return k.sharedSecret(pub)
}

// sharedSecret computes the raw X coordinate of the ECDH shared point
// between k's private scalar and pub, i.e. the classic non-hashed ECDH
// shared secret used as HKDF input key material.
func (k *ECDHKeyPair) sharedSecret(pub PublicKey) ([]byte, error) {
	theirs, err := btcec.ParsePubKey(pub)
	if err != nil {
		return nil, err
	}

	var point, result btcec.JacobianPoint
	theirs.AsJacobian(&point)
	btcec.ScalarMultNonConst(&k.priv.Key, &point, &result)
	result.ToAffine()

	x := result.X.Bytes()
	out := make([]byte, 32)
	copy(out, x[:])
	return out, nil
}
