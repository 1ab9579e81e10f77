package manager

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thaliproject/thali-go/psktls"
)

func TestACLBeaconRoleOnlyNotificationBeacons(t *testing.T) {
	require.True(t, aclAllows(psktls.RoleBeacon, "GET", "/NotificationBeacons"))
	require.False(t, aclAllows(psktls.RoleBeacon, "GET", "/db"))
	require.False(t, aclAllows(psktls.RoleBeacon, "POST", "/NotificationBeacons"))
}

func TestACLPublicRoleAlwaysDenied(t *testing.T) {
	require.False(t, aclAllows(psktls.RolePublic, "GET", "/NotificationBeacons"))
	require.False(t, aclAllows(psktls.RolePublic, "GET", "/db"))
}

func TestACLReplicationRoleSurface(t *testing.T) {
	require.True(t, aclAllows(psktls.RoleReplication, "GET", "/db"))
	require.True(t, aclAllows(psktls.RoleReplication, "POST", "/db/_all_docs"))
	require.True(t, aclAllows(psktls.RoleReplication, "HEAD", "/db/_all_docs"))
	require.True(t, aclAllows(psktls.RoleReplication, "POST", "/db/_bulk_get"))
	require.True(t, aclAllows(psktls.RoleReplication, "POST", "/db/_revs_diff"))
	require.True(t, aclAllows(psktls.RoleReplication, "PUT", "/db/_local/abc"))
	require.True(t, aclAllows(psktls.RoleReplication, "DELETE", "/db/_local/abc"))
	require.False(t, aclAllows(psktls.RoleReplication, "PUT", "/db"))
}

func TestLocalSeqPointOwnership(t *testing.T) {
	pub := []byte("some-fake-65-byte-public-key-material-for-the-test-case-only!!")
	sum := sha256.Sum256(pub)
	validID := hex.EncodeToString(sum[:16])

	id, ok := localSeqPointID("/db/_local/thaliseq_"+validID, "thaliseq_")
	require.True(t, ok)
	require.Equal(t, validID, id)
	require.True(t, ownsLocalSeqPoint(id, pub))

	wrongID := "deadbeefdeadbeefdeadbeefdeadbeef"
	require.False(t, ownsLocalSeqPoint(wrongID, pub))
}

func TestLocalSeqPointWithoutPrefixIsNotRestricted(t *testing.T) {
	_, ok := localSeqPointID("/db/_local/plainid", "thaliseq_")
	require.False(t, ok)
}
