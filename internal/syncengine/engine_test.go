package syncengine_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hoshizora-labs/syncmesh/internal/model"
	"github.com/hoshizora-labs/syncmesh/internal/network"
	"github.com/hoshizora-labs/syncmesh/internal/syncengine"
)

// memStore is a minimal in-memory StoreView for engine tests.
type memStore struct {
	mu   sync.Mutex
	rows []model.Row
	seq  uint64
}

func (s *memStore) insert(eventID [32]byte, author, channel string, authoredTS, receivedTS int64, payload []byte, meta model.FileMeta) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.EventID == eventID {
			return false
		}
	}
	s.seq++
	row := model.Row{ArrivalSeq: s.seq, EventID: eventID, Author: author, Channel: channel, AuthoredTS: authoredTS, ReceivedTS: receivedTS, PayloadCipher: payload}
	if meta.HasFile {
		row.FileID = &meta.FileID
		cn := meta.ChunkNo
		row.ChunkNo = &cn
		ip := meta.IsParity
		row.IsParity = &ip
		tag := meta.PRFTag
		row.PRFTag = &tag
	}
	s.rows = append(s.rows, row)
	return true
}

func (s *memStore) RecentIDs(window int) ([][32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][32]byte, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r.EventID)
	}
	return out, nil
}

func (s *memStore) Get(eventID [32]byte) (*model.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.EventID == eventID {
			cp := r
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) Since(ctx context.Context, afterSeq uint64, limit int) ([]model.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Row
	for _, r := range s.rows {
		if r.ArrivalSeq > afterSeq {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeInserter struct {
	store    *memStore
	inserted []string
}

func (f *fakeInserter) InsertFromPeer(eventID [32]byte, author, channel string, authoredTS, receivedTS int64, payloadCipher []byte, meta model.FileMeta) (bool, error) {
	ok := f.store.insert(eventID, author, channel, authoredTS, receivedTS, payloadCipher, meta)
	if ok {
		f.inserted = append(f.inserted, author)
	}
	return ok, nil
}

type fakeClock struct{ t int64 }

func (c *fakeClock) Now() int64 { return c.t }

type zeroRand struct{}

func (zeroRand) Float64() float64 { return 0.99 } // never lossy, minimal latency bias

func idOf(s string) [32]byte { return sha256.Sum256([]byte(s)) }

func setup(t *testing.T) (*network.SimNetwork, *fakeClock) {
	t.Helper()
	clock := &fakeClock{}
	n := network.NewSimNetwork(clock, zeroRand{}, network.SimConfig{MinLatencyMS: 1, MaxLatencyMS: 1, MTUBytes: 65535}, nil)
	return n, clock
}

func TestSummaryExchangeConverges(t *testing.T) {
	net, clock := setup(t)

	pubA, privA, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pubB, privB, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	storeA := &memStore{}
	storeB := &memStore{}
	insA := &fakeInserter{store: storeA}
	insB := &fakeInserter{store: storeB}

	cfg := syncengine.Config{SummaryPeriodBase: 10, BackoffCap: 60, BatchMax: 32, BloomWindow: 4096, MaxLatencyMS: 1}
	engA := syncengine.New("a", privA, storeA, insA, net, clock, cfg, nil, nil)
	engB := syncengine.New("b", privB, storeB, insB, net, clock, cfg, nil, nil)
	engA.AddTrustedPeer("b", pubB)
	engB.AddTrustedPeer("a", pubA)
	net.SetOnline("a", true)
	net.SetOnline("b", true)

	id := idOf("event-1")
	storeA.insert(id, "a", "general", 100, 100, []byte("ciphertext"), model.FileMeta{})
	engA.NoteLocalInsert(id)

	for i := 0; i < 50; i++ {
		clock.t += 10
		engA.Step(clock.t)
		engB.Step(clock.t)
		net.Tick()
	}

	row, err := storeB.Get(id)
	require.NoError(t, err)
	require.NotNil(t, row, "event must have propagated from A to B via summary+push")
}

func TestSolicitReturnsKnownEvent(t *testing.T) {
	net, clock := setup(t)

	pubA, privA, _ := ed25519.GenerateKey(rand.Reader)
	pubB, privB, _ := ed25519.GenerateKey(rand.Reader)

	storeA := &memStore{}
	storeB := &memStore{}
	insA := &fakeInserter{store: storeA}
	insB := &fakeInserter{store: storeB}

	cfg := syncengine.Config{SummaryPeriodBase: 1000, BackoffCap: 60, BatchMax: 32, BloomWindow: 4096, MaxLatencyMS: 1}
	engA := syncengine.New("a", privA, storeA, insA, net, clock, cfg, nil, nil)
	engB := syncengine.New("b", privB, storeB, insB, net, clock, cfg, nil, nil)
	engA.AddTrustedPeer("b", pubB)
	engB.AddTrustedPeer("a", pubA)
	net.SetOnline("a", true)
	net.SetOnline("b", true)

	id := idOf("wanted")
	storeB.insert(id, "b", "general", 1, 1, []byte("payload"), model.FileMeta{})

	require.NoError(t, engA.RequestIDs("b", [][32]byte{id}))
	for i := 0; i < 5; i++ {
		clock.t += 5
		net.Tick()
	}

	row, err := storeA.Get(id)
	require.NoError(t, err)
	require.NotNil(t, row)
}

func TestBackoffDoublesAfterThreeFailures(t *testing.T) {
	net, _ := setup(t)
	pubB, privA, _ := ed25519.GenerateKey(rand.Reader)
	storeA := &memStore{}
	insA := &fakeInserter{store: storeA}
	cfg := syncengine.DefaultConfig()
	eng := syncengine.New("a", privA, storeA, insA, net, nil, cfg, nil, nil)
	eng.AddTrustedPeer("b", pubB)

	eng.NoteSendFailure("b")
	eng.NoteSendFailure("b")
	stats, ok := eng.PeerStats("b")
	require.True(t, ok)
	require.Equal(t, cfg.SummaryPeriodBase, stats.SummaryPeriod)

	eng.NoteSendFailure("b")
	stats, _ = eng.PeerStats("b")
	require.Equal(t, cfg.SummaryPeriodBase*2, stats.SummaryPeriod)
}

func TestBackoffCapsAtConfiguredMultiplier(t *testing.T) {
	net, _ := setup(t)
	pubB, privA, _ := ed25519.GenerateKey(rand.Reader)
	storeA := &memStore{}
	insA := &fakeInserter{store: storeA}
	cfg := syncengine.Config{SummaryPeriodBase: 100, BackoffCap: 4, BatchMax: 32, BloomWindow: 4096, MaxLatencyMS: 1}
	eng := syncengine.New("a", privA, storeA, insA, net, nil, cfg, nil, nil)
	eng.AddTrustedPeer("b", pubB)

	for i := 0; i < 30; i++ {
		eng.NoteSendFailure("b")
	}
	stats, _ := eng.PeerStats("b")
	require.LessOrEqual(t, stats.SummaryPeriod, cfg.SummaryPeriodBase*cfg.BackoffCap)
}

func TestDuplicateEventIsNotRedispatched(t *testing.T) {
	net, clock := setup(t)
	pubA, privA, _ := ed25519.GenerateKey(rand.Reader)
	pubB, privB, _ := ed25519.GenerateKey(rand.Reader)

	storeA := &memStore{}
	storeB := &memStore{}
	insA := &fakeInserter{store: storeA}
	insB := &fakeInserter{store: storeB}

	cfg := syncengine.Config{SummaryPeriodBase: 10, BackoffCap: 60, BatchMax: 32, BloomWindow: 4096, MaxLatencyMS: 1}
	engA := syncengine.New("a", privA, storeA, insA, net, clock, cfg, nil, nil)
	engB := syncengine.New("b", privB, storeB, insB, net, clock, cfg, nil, nil)
	engA.AddTrustedPeer("b", pubB)
	engB.AddTrustedPeer("a", pubA)
	net.SetOnline("a", true)
	net.SetOnline("b", true)

	id := idOf(fmt.Sprintf("dup-%d", 1))
	storeA.insert(id, "a", "general", 1, 1, []byte("x"), model.FileMeta{})
	engA.NoteLocalInsert(id)

	for i := 0; i < 80; i++ {
		clock.t += 10
		engA.Step(clock.t)
		engB.Step(clock.t)
		net.Tick()
	}

	require.Len(t, insB.inserted, 1, "the same event must not be inserted twice")
}
