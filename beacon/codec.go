// Package beacon implements the notification-beacon wire codec (§4.1 of
// the spec): building a BeaconStream that privately announces "I have
// data for you" to a pre-authorized set of remote public keys, and
// parsing one back into the sender's KeyHash using only the recipient's
// own key material and an address book.
package beacon

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/thaliproject/thali-go/thalierr"
)

const (
	// PreambleLen is the ephemeral sender public key (65) plus the
	// big-endian expiration (8).
	PreambleLen = 65 + 8
	// BeaconLen is the per-recipient ciphertext field (32) plus the
	// truncated HMAC (16).
	BeaconLen = 32 + 16
	// MaxExpirationSeconds bounds secondsUntilExpiration.
	MaxExpirationSeconds = 86400
)

// AddressBook recovers a full PublicKey from a KeyHash. It returns
// (nil, false) when the hash is unknown.
type AddressBook func(KeyHash) (PublicKey, bool)

// Codec builds and parses beacon streams with a pluggable Cipher
// (Design Note 9(i)).
type Codec struct {
	Cipher Cipher
}

// NewCodec returns a Codec defaulting to AES-128-GCM per Design Note
// 9(i)'s resolution of the open question; construct a Codec{Cipher:
// AESCTRCipher{}} directly to interoperate with legacy CTR-only peers.
func NewCodec() *Codec {
	return &Codec{Cipher: AESGCMCipher{}}
}

// Generate builds a BeaconStream announcing local's data to every key in
// publicKeysToNotify, expiring secondsUntilExpiration seconds from now.
// An empty or nil recipient list yields an empty stream. Returns
// ErrArgumentRange if secondsUntilExpiration is out of [0, 86400], or
// ErrArgumentNull if local is nil.
func (c *Codec) Generate(publicKeysToNotify []PublicKey, local *ECDHKeyPair, secondsUntilExpiration int64) ([]byte, error) {
	if local == nil {
		return nil, thalierr.ErrArgumentNull
	}
	if secondsUntilExpiration < 0 || secondsUntilExpiration > MaxExpirationSeconds {
		return nil, thalierr.ErrArgumentRange
	}
	if len(publicKeysToNotify) == 0 {
		return []byte{}, nil
	}

	ephemeral, err := GenerateECDHKeyPair()
	if err != nil {
		return nil, err
	}

	keyHash := KeyHashOf(local.PublicKey())

	var expirationBE [8]byte
	binary.BigEndian.PutUint64(expirationBE[:], uint64(secondsUntilExpiration))

	out := make([]byte, 0, PreambleLen+BeaconLen*len(publicKeysToNotify))
	out = append(out, ephemeral.PublicKey()...)
	out = append(out, expirationBE[:]...)

	cph := c.cipher()

	for _, recipient := range publicKeysToNotify {
		sxy, err := local.sharedSecret(recipient)
		if err != nil {
			return nil, thalierr.Wrap(thalierr.ErrArgumentRange, "invalid recipient public key")
		}
		hkxy, err := deriveKey(sxy, expirationBE[:])
		if err != nil {
			return nil, err
		}
		beaconHmac := truncatedHMAC(hkxy, expirationBE[:])

		sey, err := ephemeral.sharedSecret(recipient)
		if err != nil {
			return nil, thalierr.Wrap(thalierr.ErrArgumentRange, "invalid recipient public key")
		}
		km, err := deriveKey(sey, expirationBE[:])
		if err != nil {
			return nil, err
		}
		var iv, hkey [16]byte
		copy(iv[:], km[:16])
		copy(hkey[:], km[16:32])

		field, err := cph.Seal(hkey, iv, keyHash)
		if err != nil {
			return nil, err
		}

		out = append(out, field[:]...)
		out = append(out, beaconHmac...)
	}

	return out, nil
}

// Parse recovers the sender's KeyHash from the first beacon in this
// stream that was encrypted for local, using local's private key and
// addressBook to recover the sender's full public key from its key hash
// for the HMAC check. The first
// matching beacon wins; per-beacon decrypt/HMAC failures are silently
// skipped and never propagate. Only preamble-level malformation is an
// error.
func (c *Codec) Parse(stream []byte, local *ECDHKeyPair, addressBook AddressBook) (KeyHash, bool, error) {
	var zero KeyHash
	if local == nil {
		return zero, false, thalierr.ErrArgumentNull
	}
	if len(stream) < PreambleLen {
		return zero, false, thalierr.ErrMalformedPreamble
	}

	pubKeBytes := stream[:65]
	if _, err := ParsePublicKey(pubKeBytes); err != nil {
		return zero, false, thalierr.Wrap(thalierr.ErrMalformedPreamble, "invalid ephemeral sender key")
	}
	expirationBE := stream[65:73]
	expiration := int64(binary.BigEndian.Uint64(expirationBE))
	if expiration < 0 || expiration > MaxExpirationSeconds {
		return zero, false, thalierr.Wrap(thalierr.ErrMalformedPreamble, "expiration out of range")
	}

	rest := stream[PreambleLen:]
	if len(rest)%BeaconLen != 0 {
		return zero, false, thalierr.ErrMalformedBeacon
	}

	cph := c.cipher()

	for offset := 0; offset < len(rest); offset += BeaconLen {
		chunk := rest[offset : offset+BeaconLen]
		var field [32]byte
		copy(field[:], chunk[:32])
		wantHmac := chunk[32:48]

		sey, err := local.sharedSecret(pubKeBytes)
		if err != nil {
			continue
		}
		km, err := deriveKey(sey, expirationBE)
		if err != nil {
			continue
		}
		var iv, hkey [16]byte
		copy(iv[:], km[:16])
		copy(hkey[:], km[16:32])

		keyHash, err := cph.Open(hkey, iv, field)
		if err != nil {
			continue
		}

		candidate, ok := addressBook(keyHash)
		if !ok {
			continue
		}

		sxy, err := local.sharedSecret(candidate)
		if err != nil {
			continue
		}
		hkxy, err := deriveKey(sxy, expirationBE)
		if err != nil {
			continue
		}
		expectedHmac := truncatedHMAC(hkxy, expirationBE)

		if subtle.ConstantTimeCompare(expectedHmac, wantHmac) == 1 {
			return keyHash, true, nil
		}
	}

	return zero, false, nil
}

func (c *Codec) cipher() Cipher {
	if c.Cipher == nil {
		return AESGCMCipher{}
	}
	return c.Cipher
}

// deriveKey is HKDF-SHA256 with the beacon's expiration bytes as salt and
// no info, producing 32 bytes: KM[0:16] is the IV, KM[16:32] is HKey.
func deriveKey(secret, salt []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, nil)
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func truncatedHMAC(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)[:16]
}
