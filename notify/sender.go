// Package notify implements NotificationSender (C6) and NotificationClient
// (C7): C6 owns the currently published beacon stream and the PSK tables
// it implies, publishing an immutable snapshot of both on every rotation;
// C7 subscribes to registry availability events, fetches peers' beacon
// streams over HTTP, parses them via beacon.Codec and hands matches to
// pool.Pool for pull replication.
package notify

import (
	"crypto/sha256"
	"encoding/base64"
	"io"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"

	"github.com/thaliproject/thali-go/beacon"
	"github.com/thaliproject/thali-go/psktls"
)

// BeaconPSKIdentity is the fixed PSK identity C6 publishes the beacon
// stream under (spec §6: "Fixed beacon identity = 'beacons'").
const BeaconPSKIdentity = "beacons"

// BeaconKey is the fixed 16-zero-byte secret associated with
// BeaconPSKIdentity.
var BeaconKey [16]byte

// pskEntry is one row of the published PSK tables.
type pskEntry struct {
	secret    [16]byte
	publicKey beacon.PublicKey
	role      psktls.Role
}

// snapshot is the immutable, atomically-published view of C6's current
// beacon stream and PSK tables (Design Note 9's "cyclic ownership" fix:
// the admission middleware reads this by atomic load, with no
// back-reference into the Sender).
type snapshot struct {
	beaconStream []byte
	entries      map[string]pskEntry // keyed by pskID
}

// Sender is NotificationSender (C6).
type Sender struct {
	local *beacon.ECDHKeyPair
	codec *beacon.Codec

	current atomic.Pointer[snapshot]

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewSender constructs a Sender publishing beacons signed by local.
func NewSender(local *beacon.ECDHKeyPair, codec *beacon.Codec) *Sender {
	if codec == nil {
		codec = beacon.NewCodec()
	}
	s := &Sender{local: local, codec: codec}
	s.current.Store(&snapshot{entries: map[string]pskEntry{
		BeaconPSKIdentity: {secret: BeaconKey, role: psktls.RoleBeacon},
	}})
	return s
}

// SetBeaconKeys implements setBeaconKeys(recipientPublicKeys, expirationMs):
// generates a fresh beacon stream for recipients, rebuilds the PSK tables
// and publishes them atomically, then schedules the next rotation for
// expiration from now, the moment the published beacon itself expires.
func (s *Sender) SetBeaconKeys(recipients []beacon.PublicKey, expiration time.Duration) error {
	secondsUntilExpiration := int64(expiration / time.Second)
	stream, err := s.codec.Generate(recipients, s.local, secondsUntilExpiration)
	if err != nil {
		return err
	}

	entries := map[string]pskEntry{
		BeaconPSKIdentity: {secret: BeaconKey, role: psktls.RoleBeacon},
	}
	for _, recipient := range recipients {
		pskID, secret, err := derivePSKEntry(s.local, recipient)
		if err != nil {
			log.WithError(err).Warn("notify: could not derive PSK entry for recipient, skipping")
			continue
		}
		entries[pskID] = pskEntry{secret: secret, publicKey: recipient, role: psktls.RoleReplication}
	}

	s.current.Store(&snapshot{beaconStream: stream, entries: entries})

	s.scheduleRotation(recipients, expiration)
	return nil
}

func (s *Sender) scheduleRotation(recipients []beacon.PublicKey, expiration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(expiration, func() {
		if err := s.SetBeaconKeys(recipients, expiration); err != nil {
			log.WithError(err).Error("notify: beacon rotation failed")
		}
	})
}

// Stop cancels any scheduled rotation.
func (s *Sender) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
}

// BeaconStream returns the currently published beacon stream, for mounting
// at GET /NotificationBeacons.
func (s *Sender) BeaconStream() []byte {
	return s.current.Load().beaconStream
}

// Resolve implements psktls.Lookup by reading the latest published
// snapshot.
func (s *Sender) Resolve(pskID string) (secret [16]byte, identity psktls.Identity, ok bool) {
	snap := s.current.Load()
	entry, found := snap.entries[pskID]
	if !found {
		return [16]byte{}, psktls.Identity{}, false
	}
	return entry.secret, psktls.Identity{
		PSKIdentity: pskID,
		PublicKey:   entry.publicKey,
		Role:        entry.role,
	}, true
}

// derivePSKEntry computes the pskId/secret pair for a recipient per
// spec §4.6: pskId = base64(hashOf(PubKy)), secret = HKDF-derived
// session key over the ECDH shared secret between local and recipient.
func derivePSKEntry(local *beacon.ECDHKeyPair, recipient beacon.PublicKey) (pskID string, secret [16]byte, err error) {
	keyHash := beacon.KeyHashOf(recipient)
	pskID = base64.StdEncoding.EncodeToString(keyHash[:])

	shared, err := local.SharedSecret(recipient)
	if err != nil {
		return "", secret, err
	}
	kdf := hkdf.New(sha256.New, shared, keyHash[:], []byte("thali-psk-session-key"))
	if _, err := io.ReadFull(kdf, secret[:]); err != nil {
		return "", secret, err
	}
	return pskID, secret, nil
}
