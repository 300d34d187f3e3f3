package device_test

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hoshizora-labs/syncmesh/internal/device"
	"github.com/hoshizora-labs/syncmesh/internal/errs"
	"github.com/hoshizora-labs/syncmesh/internal/identity"
	"github.com/hoshizora-labs/syncmesh/internal/model"
	"github.com/hoshizora-labs/syncmesh/internal/network"
	"github.com/hoshizora-labs/syncmesh/internal/store"
	"github.com/hoshizora-labs/syncmesh/internal/syncengine"
)

type fakeClock struct{ t int64 }

func (c *fakeClock) Now() int64 { return c.t }

type zeroRand struct{}

func (zeroRand) Float64() float64 { return 0.99 }

func communityKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func newTestDevice(t *testing.T, id string, net *network.SimNetwork, clock *fakeClock, key []byte) *device.Device {
	t.Helper()
	ident, err := identity.NewRandom()
	require.NoError(t, err)
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	d, err := device.Open(device.Config{
		DeviceID:     id,
		Identity:     ident,
		CommunityKey: key,
		Store:        st,
		Net:          net,
		Clock:        clock,
		SyncConfig:   syncengine.Config{SummaryPeriodBase: 10, BackoffCap: 60, BatchMax: 32, BloomWindow: 4096, MaxLatencyMS: 1},
	})
	require.NoError(t, err)
	net.SetOnline(id, true)
	return d
}

func setupTwoDevices(t *testing.T) (*device.Device, *device.Device, *network.SimNetwork, *fakeClock) {
	t.Helper()
	clock := &fakeClock{}
	net := network.NewSimNetwork(clock, zeroRand{}, network.SimConfig{MinLatencyMS: 1, MaxLatencyMS: 1, MTUBytes: 65535}, nil)
	key := communityKey(t)

	a := newTestDevice(t, "a", net, clock, key)
	b := newTestDevice(t, "b", net, clock, key)

	a.TrustPeer("b", b.PublicKey())
	b.TrustPeer("a", a.PublicKey())
	return a, b, net, clock
}

func TestAuthorInsertsAndIsQueryable(t *testing.T) {
	clock := &fakeClock{}
	net := network.NewSimNetwork(clock, zeroRand{}, network.SimConfig{MinLatencyMS: 1, MaxLatencyMS: 1, MTUBytes: 65535}, nil)
	a := newTestDevice(t, "a", net, clock, communityKey(t))

	id, err := a.Author(model.Plaintext{Kind: model.KindMessage, Message: &model.Message{Text: "hello"}})
	require.NoError(t, err)
	require.NotEqual(t, [32]byte{}, id)

	results := a.Query(nil)
	require.Len(t, results, 1)
	require.Equal(t, "hello", results[0].Plaintext.Message.Text)
	require.Equal(t, "a", results[0].Author)
}

func TestQueryPredicateFilters(t *testing.T) {
	clock := &fakeClock{}
	net := network.NewSimNetwork(clock, zeroRand{}, network.SimConfig{MinLatencyMS: 1, MaxLatencyMS: 1, MTUBytes: 65535}, nil)
	a := newTestDevice(t, "a", net, clock, communityKey(t))

	_, err := a.Author(model.Plaintext{Kind: model.KindMessage, Message: &model.Message{Text: "keep"}})
	require.NoError(t, err)
	_, err = a.Author(model.Plaintext{Kind: model.KindMessage, Message: &model.Message{Text: "drop"}})
	require.NoError(t, err)

	results := a.Query(func(qr device.QueryResult) bool {
		return qr.Plaintext.Message != nil && qr.Plaintext.Message.Text == "keep"
	})
	require.Len(t, results, 1)
	require.Equal(t, "keep", results[0].Plaintext.Message.Text)
}

func TestSubscribeFiresOnLocalAuthor(t *testing.T) {
	clock := &fakeClock{}
	net := network.NewSimNetwork(clock, zeroRand{}, network.SimConfig{MinLatencyMS: 1, MaxLatencyMS: 1, MTUBytes: 65535}, nil)
	a := newTestDevice(t, "a", net, clock, communityKey(t))

	var got []string
	_, err := a.Subscribe(nil, func(qr device.QueryResult) {
		if qr.Plaintext.Message != nil {
			got = append(got, qr.Plaintext.Message.Text)
		}
	})
	require.NoError(t, err)

	_, err = a.Author(model.Plaintext{Kind: model.KindMessage, Message: &model.Message{Text: "ping"}})
	require.NoError(t, err)

	require.Equal(t, []string{"ping"}, got)
}

func TestSubscribeRespectsLimit(t *testing.T) {
	clock := &fakeClock{}
	net := network.NewSimNetwork(clock, zeroRand{}, network.SimConfig{MinLatencyMS: 1, MaxLatencyMS: 1, MTUBytes: 65535}, nil)
	a := newTestDevice(t, "a", net, clock, communityKey(t))

	for i := 0; i < device.MaxSubscribers; i++ {
		_, err := a.Subscribe(nil, func(device.QueryResult) {})
		require.NoError(t, err)
	}
	_, err := a.Subscribe(nil, func(device.QueryResult) {})
	require.ErrorIs(t, err, errs.ErrTooManySubscribers)
}

func TestUntrustedAuthorEventIsRejected(t *testing.T) {
	clock := &fakeClock{}
	net := network.NewSimNetwork(clock, zeroRand{}, network.SimConfig{MinLatencyMS: 1, MaxLatencyMS: 1, MTUBytes: 65535}, nil)
	key := communityKey(t)
	a := newTestDevice(t, "a", net, clock, key)

	inserted, err := a.InsertFromPeer([32]byte{1}, "stranger", "general", 1, 1, []byte("x"), model.FileMeta{})
	require.Error(t, err)
	require.False(t, inserted)
}

// TestForgedAuthorEventNeverReachesStore claims to come from a trusted
// peer but carries a payload_cipher that does not verify under that
// peer's key. codec.Open must reject it before store.Insert ever runs,
// so the row cannot linger in the store or leak into the local Bloom
// summary for further gossip.
func TestForgedAuthorEventNeverReachesStore(t *testing.T) {
	clock := &fakeClock{}
	net := network.NewSimNetwork(clock, zeroRand{}, network.SimConfig{MinLatencyMS: 1, MaxLatencyMS: 1, MTUBytes: 65535}, nil)
	key := communityKey(t)

	ident, err := identity.NewRandom()
	require.NoError(t, err)
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	a, err := device.Open(device.Config{
		DeviceID:     "a",
		Identity:     ident,
		CommunityKey: key,
		Store:        st,
		Net:          net,
		Clock:        clock,
		SyncConfig:   syncengine.Config{SummaryPeriodBase: 10, BackoffCap: 60, BatchMax: 32, BloomWindow: 4096, MaxLatencyMS: 1},
	})
	require.NoError(t, err)
	net.SetOnline("a", true)

	bIdent, err := identity.NewRandom()
	require.NoError(t, err)
	a.TrustPeer("b", bIdent.Pub)

	forgedEventID := [32]byte{9}
	forgedCipher := make([]byte, 64) // right length to pass the nonce-size check, wrong AEAD tag
	_, err = rand.Read(forgedCipher)
	require.NoError(t, err)

	inserted, err := a.InsertFromPeer(forgedEventID, "b", "general", 1, 1, forgedCipher, model.FileMeta{})
	require.ErrorIs(t, err, errs.ErrDecodeFailure)
	require.False(t, inserted)

	row, err := st.Get(forgedEventID)
	require.NoError(t, err)
	require.Nil(t, row, "an event that fails codec.Open must never be persisted")
}

func TestEventPropagatesBetweenTrustedDevices(t *testing.T) {
	a, b, net, clock := setupTwoDevices(t)

	_, err := a.Author(model.Plaintext{Kind: model.KindMessage, Message: &model.Message{Text: "converge"}})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		clock.t += 10
		a.Step(clock.t)
		b.Step(clock.t)
		net.Tick()
	}

	results := b.Query(func(qr device.QueryResult) bool {
		return qr.Plaintext.Message != nil && qr.Plaintext.Message.Text == "converge"
	})
	require.Len(t, results, 1, "event authored on a must converge to b via summary+push")
}

func TestSetOnlineStopsPropagation(t *testing.T) {
	a, b, net, clock := setupTwoDevices(t)
	b.SetOnline(false)

	_, err := a.Author(model.Plaintext{Kind: model.KindMessage, Message: &model.Message{Text: "offline"}})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		clock.t += 10
		a.Step(clock.t)
		b.Step(clock.t)
		net.Tick()
	}

	results := b.Query(nil)
	require.Empty(t, results, "offline device must not receive pushes")
}
