package identity_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hoshizora-labs/syncmesh/internal/identity"
)

func TestPeerSetObserveThenAdmit(t *testing.T) {
	ps := identity.NewPeerSet()
	id, err := identity.NewRandom()
	require.NoError(t, err)

	ps.Observe("device-a", id.Pub)
	require.False(t, ps.IsTrusted("device-a"))
	pub, ok := ps.Resolve("device-a")
	require.True(t, ok)
	require.Equal(t, id.Pub, pub)

	ps.Admit("device-a", id.Pub)
	require.True(t, ps.IsTrusted("device-a"))
	require.Contains(t, ps.TrustedPeers(), "device-a")
}

func TestPeerSetRevokeKeepsKnown(t *testing.T) {
	ps := identity.NewPeerSet()
	id, err := identity.NewRandom()
	require.NoError(t, err)

	ps.Admit("device-b", id.Pub)
	ps.Revoke("device-b")

	require.False(t, ps.IsTrusted("device-b"))
	_, ok := ps.Resolve("device-b")
	require.True(t, ok)
}

func TestPeerSetResolveUnknownFails(t *testing.T) {
	ps := identity.NewPeerSet()
	_, ok := ps.Resolve("ghost")
	require.False(t, ok)
}
