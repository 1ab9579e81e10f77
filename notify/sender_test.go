package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thaliproject/thali-go/beacon"
	"github.com/thaliproject/thali-go/psktls"
)

func TestSenderPublishesBeaconIdentityByDefault(t *testing.T) {
	local, err := beacon.GenerateECDHKeyPair()
	require.NoError(t, err)

	s := NewSender(local, nil)
	_, identity, ok := s.Resolve(BeaconPSKIdentity)
	require.True(t, ok)
	require.Equal(t, psktls.RoleBeacon, identity.Role)
}

func TestSetBeaconKeysPublishesRecipientPSKEntries(t *testing.T) {
	local, err := beacon.GenerateECDHKeyPair()
	require.NoError(t, err)
	bob, err := beacon.GenerateECDHKeyPair()
	require.NoError(t, err)

	s := NewSender(local, nil)
	err = s.SetBeaconKeys([]beacon.PublicKey{bob.PublicKey()}, time.Hour)
	require.NoError(t, err)

	require.NotEmpty(t, s.BeaconStream())

	pskID, _, err := derivePSKEntry(local, bob.PublicKey())
	require.NoError(t, err)

	secret, identity, ok := s.Resolve(pskID)
	require.True(t, ok)
	require.Equal(t, psktls.RoleReplication, identity.Role)
	require.NotEqual(t, [16]byte{}, secret)
}

func TestSenderStopCancelsRotation(t *testing.T) {
	local, err := beacon.GenerateECDHKeyPair()
	require.NoError(t, err)

	s := NewSender(local, nil)
	require.NoError(t, s.SetBeaconKeys(nil, 10*time.Millisecond))
	s.Stop()

	time.Sleep(30 * time.Millisecond)
	// No assertion beyond "does not panic": Stop must make the rotation
	// timer inert even though it had already been scheduled.
}
