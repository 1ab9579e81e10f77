package beacon

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thaliproject/thali-go/thalierr"
)

func mustKeyPair(t *testing.T) *ECDHKeyPair {
	t.Helper()
	kp, err := GenerateECDHKeyPair()
	require.NoError(t, err)
	return kp
}

func TestGenerateParseHappyPath(t *testing.T) {
	alice := mustKeyPair(t)
	bob := mustKeyPair(t)

	codec := NewCodec()
	stream, err := codec.Generate([]PublicKey{bob.PublicKey()}, alice, 3600)
	require.NoError(t, err)

	book := map[KeyHash]PublicKey{
		KeyHashOf(alice.PublicKey()): alice.PublicKey(),
	}
	addressBook := func(h KeyHash) (PublicKey, bool) {
		pk, ok := book[h]
		return pk, ok
	}

	hash, ok, err := codec.Parse(stream, bob, addressBook)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, KeyHashOf(alice.PublicKey()), hash)

	emptyBook := func(KeyHash) (PublicKey, bool) { return nil, false }
	_, ok, err = codec.Parse(stream, bob, emptyBook)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestParseWrongRecipient(t *testing.T) {
	alice := mustKeyPair(t)
	bob := mustKeyPair(t)
	carol := mustKeyPair(t)

	codec := NewCodec()
	stream, err := codec.Generate([]PublicKey{carol.PublicKey()}, alice, 3600)
	require.NoError(t, err)

	book := map[KeyHash]PublicKey{KeyHashOf(alice.PublicKey()): alice.PublicKey()}
	addressBook := func(h KeyHash) (PublicKey, bool) {
		pk, ok := book[h]
		return pk, ok
	}

	_, ok, err := codec.Parse(stream, bob, addressBook)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGenerateEmptyRecipients(t *testing.T) {
	alice := mustKeyPair(t)
	codec := NewCodec()
	stream, err := codec.Generate(nil, alice, 10)
	require.NoError(t, err)
	require.Empty(t, stream)
}

func TestGenerateArgumentRange(t *testing.T) {
	alice := mustKeyPair(t)
	bob := mustKeyPair(t)
	codec := NewCodec()

	_, err := codec.Generate([]PublicKey{bob.PublicKey()}, alice, -1)
	require.ErrorIs(t, err, thalierr.ErrArgumentRange)

	_, err = codec.Generate([]PublicKey{bob.PublicKey()}, alice, MaxExpirationSeconds+1)
	require.ErrorIs(t, err, thalierr.ErrArgumentRange)
}

func TestParseMalformedLength(t *testing.T) {
	alice := mustKeyPair(t)
	codec := NewCodec()

	_, _, err := codec.Parse([]byte("too short"), alice, nil)
	require.Error(t, err)

	bob := mustKeyPair(t)
	stream, err := codec.Generate([]PublicKey{bob.PublicKey()}, alice, 10)
	require.NoError(t, err)
	// Truncate a byte off the first beacon so the remainder isn't a
	// multiple of BeaconLen.
	malformed := stream[:len(stream)-1]
	_, _, err = codec.Parse(malformed, bob, func(KeyHash) (PublicKey, bool) { return nil, false })
	require.Error(t, err)
}

func TestCTRCipherInterop(t *testing.T) {
	alice := mustKeyPair(t)
	bob := mustKeyPair(t)

	codec := &Codec{Cipher: AESCTRCipher{}}
	stream, err := codec.Generate([]PublicKey{bob.PublicKey()}, alice, 60)
	require.NoError(t, err)

	book := map[KeyHash]PublicKey{KeyHashOf(alice.PublicKey()): alice.PublicKey()}
	hash, ok, err := codec.Parse(stream, bob, func(h KeyHash) (PublicKey, bool) {
		pk, ok := book[h]
		return pk, ok
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, KeyHashOf(alice.PublicKey()), hash)
}
