package bloom_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hoshizora-labs/syncmesh/internal/bloom"
)

func idOf(s string) [32]byte { return sha256.Sum256([]byte(s)) }

func TestSoundnessNoFalseNegatives(t *testing.T) {
	f := bloom.NewDefault()
	ids := make([][32]byte, 0, 200)
	for i := 0; i < 200; i++ {
		id := idOf(fmt.Sprintf("event-%d", i))
		f.Add(id)
		ids = append(ids, id)
	}
	for _, id := range ids {
		require.True(t, f.MaybeContains(id))
	}
}

func TestEstimatedFPRWithinBound(t *testing.T) {
	f := bloom.NewDefault()
	n := int(bloom.DefaultBits / (2 * bloom.DefaultK))
	present := make(map[[32]byte]bool, n)
	for i := 0; i < n; i++ {
		id := idOf(fmt.Sprintf("present-%d", i))
		f.Add(id)
		present[id] = true
	}

	trials := 2000
	falsePositives := 0
	for i := 0; i < trials; i++ {
		id := idOf(fmt.Sprintf("absent-%d", i))
		if present[id] {
			continue
		}
		if f.MaybeContains(id) {
			falsePositives++
		}
	}
	observed := float64(falsePositives) / float64(trials)
	estimate := f.EstimatedFPR()
	require.Less(t, observed, estimate*2+0.01)
}

func TestMergeUnion(t *testing.T) {
	a := bloom.NewDefault()
	b := bloom.NewDefault()
	idA := idOf("a")
	idB := idOf("b")
	a.Add(idA)
	b.Add(idB)

	a.Merge(b)
	require.True(t, a.MaybeContains(idA))
	require.True(t, a.MaybeContains(idB))
	require.Equal(t, uint32(2), a.EventCount)
}

func TestSignAndVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	f := bloom.NewDefault()
	f.Add(idOf("x"))
	f.TimestampMS = 12345

	signed := bloom.Sign(f, priv)
	require.True(t, signed.Verify(pub))

	wrongPub, _, _ := ed25519.GenerateKey(rand.Reader)
	require.False(t, signed.Verify(wrongPub))
}

func TestWireRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	f := bloom.NewDefault()
	f.Add(idOf("round-trip"))
	f.TimestampMS = 999

	signed := bloom.Sign(f, priv)
	wire := signed.Marshal()
	require.LessOrEqual(t, len(wire), 1200, "must fit a single UDP datagram payload")

	parsed, err := bloom.Unmarshal(wire, f.M()/8, f.K(), true)
	require.NoError(t, err)
	require.True(t, parsed.Verify(pub))
	require.True(t, parsed.Filter.MaybeContains(idOf("round-trip")))
}
