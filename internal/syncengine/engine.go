// Package syncengine implements the per-device anti-entropy state
// machine: Bloom summary exchange, bounded push of events a peer's
// filter says it lacks, reactive SOLICIT/EVENT pull, and per-peer
// exponential backoff. One Engine binds to one device; it never touches
// another device's state directly; all cross-device interaction goes
// through a network.Transport.
package syncengine

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hoshizora-labs/syncmesh/internal/bloom"
	"github.com/hoshizora-labs/syncmesh/internal/model"
	"github.com/hoshizora-labs/syncmesh/internal/network"
)

// Clock is the time source the engine stamps received summaries and
// events against. The Simulation Core passes its virtual Clock; live
// deployment passes a clock backed by time.Now().
type Clock interface {
	Now() int64
}

type realClock struct{}

func (realClock) Now() int64 { return time.Now().UnixMilli() }

// Config holds the tunables left open to the deployment.
type Config struct {
	SummaryPeriodBase int64 // ms
	BackoffCap        int64 // multiplier cap, reference value 60x
	BatchMax          int
	BloomWindow       int
	MaxLatencyMS      int64
}

// DefaultConfig matches the reference defaults (1s sync interval is
// the caller's responsibility via RegisterDeviceStep).
func DefaultConfig() Config {
	return Config{SummaryPeriodBase: 1000, BackoffCap: 60, BatchMax: 32, BloomWindow: 4096, MaxLatencyMS: 200}
}

// StoreView is the subset of internal/store.Store the engine needs to
// read from. Kept narrow so tests can fake it.
type StoreView interface {
	RecentIDs(window int) ([][32]byte, error)
	Get(eventID [32]byte) (*model.Row, error)
	Since(ctx context.Context, afterSeq uint64, limit int) ([]model.Row, error)
}

// Inserter performs the verified insert and subscriber dispatch for an
// event received from a peer; internal/device implements it. The engine
// adds each newly inserted id to its local Bloom afterwards and never
// writes to a store directly.
type Inserter interface {
	InsertFromPeer(eventID [32]byte, author, channel string, authoredTS, receivedTS int64, payloadCipher []byte, meta model.FileMeta) (inserted bool, err error)
}

type peerState struct {
	pub ed25519.PublicKey

	lastSentSummaryTS int64
	lastRecvSummaryTS int64
	lastKnownSummary  *bloom.Signed

	pushed              map[[32]byte]int64 // event id -> pushed-at ms ("inflight_requests")
	summaryPeriod       int64
	consecutiveFailures int
}

// Engine is the per-device sync state machine.
type Engine struct {
	deviceID string
	priv     ed25519.PrivateKey
	store    StoreView
	inserter Inserter
	net      network.Transport
	clock    Clock
	cfg      Config
	log      *zap.Logger

	mu      sync.Mutex
	peers   map[string]*peerState
	online  bool
	localBF *bloom.Filter

	metrics metricSet
}

type metricSet struct {
	summariesSent prometheus.Counter
	eventsSent    prometheus.Counter
	eventsDropped prometheus.Counter
	decodeErrors  prometheus.Counter
}

// New builds an Engine for deviceID, sending over net and delegating
// accepted inserts to ins. clock may be nil to default to the real wall
// clock (live deployment); the Simulation Core passes its virtual clock
// instead.
func New(deviceID string, priv ed25519.PrivateKey, st StoreView, ins Inserter, net network.Transport, clock Clock, cfg Config, log *zap.Logger, reg prometheus.Registerer) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if clock == nil {
		clock = realClock{}
	}
	e := &Engine{
		deviceID: deviceID,
		priv:     priv,
		store:    st,
		inserter: ins,
		net:      net,
		clock:    clock,
		cfg:      cfg,
		log:      log,
		peers:    make(map[string]*peerState),
		online:   true,
		localBF:  bloom.NewDefault(),
		metrics: metricSet{
			summariesSent: prometheus.NewCounter(prometheus.CounterOpts{Name: "syncmesh_syncengine_summaries_sent_total"}),
			eventsSent:    prometheus.NewCounter(prometheus.CounterOpts{Name: "syncmesh_syncengine_events_sent_total"}),
			eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{Name: "syncmesh_syncengine_events_dropped_total"}),
			decodeErrors:  prometheus.NewCounter(prometheus.CounterOpts{Name: "syncmesh_syncengine_decode_errors_total"}),
		},
	}
	if reg != nil {
		reg.MustRegister(e.metrics.summariesSent, e.metrics.eventsSent, e.metrics.eventsDropped, e.metrics.decodeErrors)
	}
	net.OnDeliver(deviceID, e.handlePacket)
	return e
}

// AddTrustedPeer registers a peer this engine will exchange summaries
// and events with.
func (e *Engine) AddTrustedPeer(peerDeviceID string, pub ed25519.PublicKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.peers[peerDeviceID]; ok {
		return
	}
	e.peers[peerDeviceID] = &peerState{
		pub:           pub,
		pushed:        make(map[[32]byte]int64),
		summaryPeriod: e.cfg.SummaryPeriodBase,
	}
}

// SetOnline toggles this device's online state; offline devices skip the
// scheduled step entirely.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.online = online
	e.net.SetOnline(e.deviceID, online)
}

// NoteLocalInsert updates the local Bloom with an id the device inserted
// outside the sync path (e.g. authored locally). internal/device calls
// this as part of its atomic insert sequence.
func (e *Engine) NoteLocalInsert(eventID [32]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.localBF.Add(eventID)
}

// Step runs one scheduled iteration of the sync state machine.
func (e *Engine) Step(now int64) {
	e.mu.Lock()
	online := e.online
	e.mu.Unlock()
	if !online {
		return
	}

	e.rebuildLocalBloom()

	e.mu.Lock()
	peerIDs := make([]string, 0, len(e.peers))
	for id := range e.peers {
		peerIDs = append(peerIDs, id)
	}
	e.mu.Unlock()

	for _, peerID := range peerIDs {
		e.purgeExpired(peerID, now)
		e.maybeSendSummary(peerID, now)
		e.pushMissingEvents(peerID, now)
	}
}

func (e *Engine) rebuildLocalBloom() {
	ids, err := e.store.RecentIDs(e.cfg.BloomWindow)
	if err != nil {
		e.log.Warn("syncengine: rebuild local bloom failed", zap.Error(err))
		return
	}
	f := bloom.NewDefault()
	for _, id := range ids {
		f.Add(id)
	}
	e.mu.Lock()
	f.Merge(e.localBF) // keep bits added by NoteLocalInsert since last rebuild
	e.localBF = f
	e.mu.Unlock()
}

func (e *Engine) maybeSendSummary(peerID string, now int64) {
	e.mu.Lock()
	peer, ok := e.peers[peerID]
	if !ok {
		e.mu.Unlock()
		return
	}
	due := now-peer.lastSentSummaryTS >= peer.summaryPeriod
	f := e.localBF
	e.mu.Unlock()
	if !due {
		return
	}

	f.TimestampMS = now
	signed := bloom.Sign(f, e.priv)
	body := signed.Marshal()
	if err := e.net.Send(context.Background(), e.deviceID, peerID, network.KindSummary, body); err != nil {
		e.log.Debug("syncengine: summary send failed", zap.String("peer", peerID), zap.Error(err))
		return
	}
	e.metrics.summariesSent.Inc()

	e.mu.Lock()
	peer.lastSentSummaryTS = now
	e.mu.Unlock()
}

func (e *Engine) pushMissingEvents(peerID string, now int64) {
	e.mu.Lock()
	peer, ok := e.peers[peerID]
	if !ok || peer.lastKnownSummary == nil {
		e.mu.Unlock()
		return
	}
	summary := peer.lastKnownSummary.Filter
	e.mu.Unlock()

	rows, err := e.store.Since(context.Background(), 0, 0)
	if err != nil {
		e.log.Warn("syncengine: scan for push failed", zap.Error(err))
		return
	}

	var batch []EventRecord
	var batchIsFile bool
	flush := func() {
		if len(batch) == 0 {
			return
		}
		body, err := marshalEventBatch(batch)
		if err != nil {
			e.log.Warn("syncengine: marshal event batch failed", zap.Error(err))
			batch = nil
			return
		}
		kind := network.KindEvent
		if batchIsFile {
			kind = network.KindFileChunk
		}
		if err := e.net.Send(context.Background(), e.deviceID, peerID, kind, body); err != nil {
			e.log.Debug("syncengine: event push failed", zap.String("peer", peerID), zap.Error(err))
			batch = nil
			return
		}
		e.metrics.eventsSent.Add(float64(len(batch)))
		e.mu.Lock()
		for _, r := range batch {
			peer.pushed[r.EventID] = now
		}
		e.mu.Unlock()
		batch = nil
	}

	for _, row := range rows {
		if summary.MaybeContains(row.EventID) {
			continue
		}
		e.mu.Lock()
		_, inflight := peer.pushed[row.EventID]
		e.mu.Unlock()
		if inflight {
			continue
		}
		isFile := row.FileID != nil
		if len(batch) > 0 && isFile != batchIsFile {
			flush()
		}
		batchIsFile = isFile
		batch = append(batch, rowToRecord(row))
		if len(batch) >= e.cfg.BatchMax {
			flush()
		}
	}
	flush()
}

func (e *Engine) purgeExpired(peerID string, now int64) {
	e.mu.Lock()
	peer, ok := e.peers[peerID]
	if !ok {
		e.mu.Unlock()
		return
	}
	timeout := 2 * e.cfg.MaxLatencyMS
	expired := false
	for id, at := range peer.pushed {
		if now-at >= timeout {
			delete(peer.pushed, id)
			expired = true
		}
	}
	if expired {
		e.applyBackoffLocked(peer)
	}
	e.mu.Unlock()
}

// applyBackoffLocked applies the three-strikes exponential backoff rule.
// Caller holds e.mu.
func (e *Engine) applyBackoffLocked(peer *peerState) {
	peer.consecutiveFailures++
	if peer.consecutiveFailures >= 3 {
		peer.summaryPeriod *= 2
		maxPeriod := e.cfg.SummaryPeriodBase * e.cfg.BackoffCap
		if peer.summaryPeriod > maxPeriod {
			peer.summaryPeriod = maxPeriod
		}
		peer.consecutiveFailures = 0
	}
}

func rowToRecord(row model.Row) EventRecord {
	rec := EventRecord{
		EventID:       row.EventID,
		Author:        row.Author,
		Channel:       row.Channel,
		AuthoredTS:    row.AuthoredTS,
		ReceivedTS:    row.ReceivedTS,
		PayloadCipher: row.PayloadCipher,
	}
	if row.FileID != nil {
		rec.Meta = model.FileMeta{
			HasFile:  true,
			FileID:   *row.FileID,
			ChunkNo:  derefU32(row.ChunkNo),
			IsParity: derefBool(row.IsParity),
			PRFTag:   derefTag(row.PRFTag),
		}
	}
	return rec
}

func derefU32(p *uint32) uint32 {
	if p == nil {
		return 0
	}
	return *p
}

func derefBool(p *bool) bool {
	if p == nil {
		return false
	}
	return *p
}

func derefTag(p *[16]byte) [16]byte {
	if p == nil {
		return [16]byte{}
	}
	return *p
}

// RequestIDs sends a reactive SOLICIT for specific ids this device has
// heard referenced (e.g. a reaction's target or a manifest's chunk set)
// but does not yet hold.
func (e *Engine) RequestIDs(peerID string, ids [][32]byte) error {
	return e.net.Send(context.Background(), e.deviceID, peerID, network.KindSolicit, marshalSolicit(ids))
}

func (e *Engine) handlePacket(pkt network.Packet) {
	switch pkt.Kind {
	case network.KindSummary:
		e.handleSummary(pkt)
	case network.KindSolicit:
		e.handleSolicit(pkt)
	case network.KindEvent, network.KindFileChunk:
		e.handleEventBatch(pkt)
	}
}

func (e *Engine) handleSummary(pkt network.Packet) {
	e.mu.Lock()
	peer, ok := e.peers[pkt.Source]
	e.mu.Unlock()
	if !ok {
		return // untrusted source, drop silently
	}

	signed, err := bloom.Unmarshal(pkt.Payload, bloom.DefaultBits/8, bloom.DefaultK, true)
	if err != nil {
		e.metrics.decodeErrors.Inc()
		return
	}
	if !signed.Verify(peer.pub) {
		e.metrics.decodeErrors.Inc()
		return
	}
	now := e.clock.Now()
	const oneYearMillis = 365 * 24 * int64(time.Hour/time.Millisecond)
	if signed.Filter.TimestampMS > now+60_000 || now-signed.Filter.TimestampMS > oneYearMillis {
		e.metrics.decodeErrors.Inc()
		return
	}

	e.mu.Lock()
	peer.lastKnownSummary = &signed
	peer.lastRecvSummaryTS = now
	peer.consecutiveFailures = 0
	peer.summaryPeriod = e.cfg.SummaryPeriodBase
	e.mu.Unlock()
}

func (e *Engine) handleSolicit(pkt network.Packet) {
	ids, err := unmarshalSolicit(pkt.Payload)
	if err != nil {
		e.metrics.decodeErrors.Inc()
		return
	}
	var batch []EventRecord
	for _, id := range ids {
		row, err := e.store.Get(id)
		if err != nil || row == nil {
			continue
		}
		batch = append(batch, rowToRecord(*row))
	}
	if len(batch) == 0 {
		return
	}
	body, err := marshalEventBatch(batch)
	if err != nil {
		return
	}
	_ = e.net.Send(context.Background(), e.deviceID, pkt.Source, network.KindEvent, body)
	e.metrics.eventsSent.Add(float64(len(batch)))
}

func (e *Engine) handleEventBatch(pkt network.Packet) {
	records, err := unmarshalEventBatch(pkt.Payload)
	if err != nil {
		e.metrics.decodeErrors.Inc()
		return
	}
	now := e.clock.Now()
	for _, r := range records {
		inserted, err := e.inserter.InsertFromPeer(r.EventID, r.Author, r.Channel, r.AuthoredTS, now, r.PayloadCipher, r.Meta)
		if err != nil {
			e.metrics.eventsDropped.Inc()
			continue
		}
		if inserted {
			e.NoteLocalInsert(r.EventID)
		}

		e.mu.Lock()
		if peer, ok := e.peers[pkt.Source]; ok {
			delete(peer.pushed, r.EventID)
			peer.consecutiveFailures = 0
			peer.summaryPeriod = e.cfg.SummaryPeriodBase
		}
		e.mu.Unlock()
	}
}

// PeerStats exposes backoff state for a peer, for tests and observability.
type PeerStats struct {
	SummaryPeriod       int64
	ConsecutiveFailures int
	HasKnownSummary     bool
}

// PeerStats returns a snapshot of a peer's current backoff/summary
// state.
func (e *Engine) PeerStats(peerID string) (PeerStats, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	peer, ok := e.peers[peerID]
	if !ok {
		return PeerStats{}, false
	}
	return PeerStats{
		SummaryPeriod:       peer.summaryPeriod,
		ConsecutiveFailures: peer.consecutiveFailures,
		HasKnownSummary:     peer.lastKnownSummary != nil,
	}, true
}

// NoteSendFailure records a failed summary exchange attempt with a peer,
// applying the three-strikes exponential backoff rule. Callers that
// detect a delivery failure outside the packet-arrival path (e.g. a
// transport-level error) invoke this explicitly.
func (e *Engine) NoteSendFailure(peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	peer, ok := e.peers[peerID]
	if !ok {
		return
	}
	e.applyBackoffLocked(peer)
}
