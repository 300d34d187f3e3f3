package identity_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hoshizora-labs/syncmesh/internal/identity"
)

func TestNewRandomProducesDistinctIdentities(t *testing.T) {
	a, err := identity.NewRandom()
	require.NoError(t, err)
	b, err := identity.NewRandom()
	require.NoError(t, err)

	require.NotEqual(t, a.NodeID, b.NodeID)
	require.Len(t, a.Pub, 32)
	require.True(t, a.Pub.Equal(a.Priv.Public()))
}

func TestDeriveFromFingerprintIsDeterministic(t *testing.T) {
	salt := []byte("community-salt")
	a, err := identity.DeriveFromFingerprint(salt)
	require.NoError(t, err)
	b, err := identity.DeriveFromFingerprint(salt)
	require.NoError(t, err)

	require.Equal(t, a.NodeID, b.NodeID)
	require.Equal(t, a.Priv, b.Priv)
}

func TestDeriveFromFingerprintVariesWithSalt(t *testing.T) {
	a, err := identity.DeriveFromFingerprint([]byte("salt-one"))
	require.NoError(t, err)
	b, err := identity.DeriveFromFingerprint([]byte("salt-two"))
	require.NoError(t, err)

	require.NotEqual(t, a.NodeID, b.NodeID)
}
