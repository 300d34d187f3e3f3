// Package device implements the Device Facade: one instance per
// device-id, binding a Store, a Sync Engine, a File Layer, and a network
// endpoint behind four operations: author, query, subscribe,
// set_online.
//
// One struct owns the host, keys, and file maps behind mutexes,
// generalized from "one struct per chat/file concern" into a single
// unified facade.
package device

import (
	"context"
	"crypto/ed25519"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hoshizora-labs/syncmesh/internal/codec"
	"github.com/hoshizora-labs/syncmesh/internal/errs"
	"github.com/hoshizora-labs/syncmesh/internal/fileshare"
	"github.com/hoshizora-labs/syncmesh/internal/identity"
	"github.com/hoshizora-labs/syncmesh/internal/model"
	"github.com/hoshizora-labs/syncmesh/internal/network"
	"github.com/hoshizora-labs/syncmesh/internal/store"
	"github.com/hoshizora-labs/syncmesh/internal/syncengine"
)

// MaxSubscribers bounds Subscribe, above which calls fail with
// errs.ErrTooManySubscribers.
const MaxSubscribers = 256

// Clock is the facade's notion of "now", in the monotonic-milliseconds
// units authored_ts/received_ts use. internal/simulation passes its
// virtual clock; live deployment defaults to the real wall clock.
type Clock interface {
	Now() int64
}

// QueryResult pairs a decrypted plaintext with the stored row it came
// from, so callers can see arrival_seq/authored_ts without re-querying.
type QueryResult struct {
	Row       model.Row
	Plaintext model.Plaintext
	Author    string
}

// Predicate filters decrypted events for Query and Subscribe.
type Predicate func(QueryResult) bool

type subscription struct {
	id        string
	predicate Predicate
	callback  func(QueryResult)
}

// Device binds one device-id to its Store, Sync Engine, File Layer, and
// network endpoint.
type Device struct {
	id           string
	identity     identity.Identity
	peers        *identity.PeerSet
	communityKey []byte
	clock        Clock
	log          *zap.Logger

	store  *store.Store
	engine *syncengine.Engine
	net    network.Transport
	nonces codec.NonceSource

	mu            sync.Mutex
	subscriptions []subscription
}

// Config bundles the dependencies Open needs. Passing clock/net/nonces
// explicitly (rather than constructing them inside Open) keeps Device
// testable against fakes exactly like internal/syncengine.
type Config struct {
	DeviceID     string
	Identity     identity.Identity
	CommunityKey []byte
	Store        *store.Store
	Net          network.Transport
	Clock        Clock
	Nonces       codec.NonceSource
	SyncConfig   syncengine.Config
	Log          *zap.Logger
}

// Open builds a Device and its embedded Sync Engine, registering the
// device's inbound packet handler with Net.
func Open(cfg Config) (*Device, error) {
	if cfg.Store == nil || cfg.Net == nil {
		return nil, errs.ErrNotInitialized
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	nonces := cfg.Nonces
	if nonces == nil {
		nonces = codec.RandomNonceSource{}
	}

	d := &Device{
		id:           cfg.DeviceID,
		identity:     cfg.Identity,
		peers:        identity.NewPeerSet(),
		communityKey: cfg.CommunityKey,
		clock:        cfg.Clock,
		log:          log,
		store:        cfg.Store,
		net:          cfg.Net,
		nonces:       nonces,
	}
	d.engine = syncengine.New(cfg.DeviceID, cfg.Identity.Priv, cfg.Store, d, cfg.Net, engineClockAdapter{cfg.Clock}, cfg.SyncConfig, log, nil)
	return d, nil
}

type engineClockAdapter struct{ c Clock }

func (a engineClockAdapter) Now() int64 {
	if a.c == nil {
		return model.Now()
	}
	return a.c.Now()
}

func (d *Device) now() int64 {
	if d.clock == nil {
		return model.Now()
	}
	return d.clock.Now()
}

// TrustPeer admits a peer's public key for both decoding (codec.Open's
// resolve_pubkey) and sync (syncengine's per-peer summary verification).
func (d *Device) TrustPeer(peerDeviceID string, pub ed25519.PublicKey) {
	d.peers.Admit(peerDeviceID, pub)
	d.engine.AddTrustedPeer(peerDeviceID, pub)
}

// Author seals plaintext under this device's key and the shared community
// key, inserts it on the default channel, updates the local Bloom
// summary, and dispatches to matching subscribers, the atomic
// seal-insert-announce sequence.
func (d *Device) Author(plaintext model.Plaintext) ([32]byte, error) {
	return d.AuthorOnChannel("", plaintext)
}

// AuthorOnChannel is Author with an explicit channel, used by callers
// that route messages into named channels.
func (d *Device) AuthorOnChannel(channel string, plaintext model.Plaintext) ([32]byte, error) {
	if d.store == nil {
		return [32]byte{}, errs.ErrNotInitialized
	}
	now := d.now()
	sealed, err := codec.Seal(plaintext, d.id, d.identity.Priv, d.communityKey, now, d.nonces)
	if err != nil {
		return [32]byte{}, err
	}
	res, err := d.store.Insert(sealed.EventID, d.id, channel, now, now, sealed.PayloadCipher, sealed.Meta)
	if err != nil {
		return [32]byte{}, err
	}
	d.engine.NoteLocalInsert(sealed.EventID)
	if res.Inserted {
		d.dispatch(sealed.EventID, d.id, plaintext)
	}
	return sealed.EventID, nil
}

// Query decrypts and filters stored events against predicate. It never
// fails: rows that fail to decode are silently skipped rather than
// aborting the scan.
func (d *Device) Query(predicate Predicate) []QueryResult {
	rows, err := d.store.Since(context.Background(), 0, 0)
	if err != nil {
		d.log.Warn("device: query scan failed", zap.Error(err))
		return nil
	}
	var out []QueryResult
	now := d.now()
	for _, row := range rows {
		pt, author, err := codec.Open(row.PayloadCipher, d.communityKey, d.peers.Resolve, now)
		if err != nil {
			continue
		}
		qr := QueryResult{Row: row, Plaintext: pt, Author: author}
		if predicate == nil || predicate(qr) {
			out = append(out, qr)
		}
	}
	return out
}

// Subscribe registers callback to fire for every newly inserted event
// matching predicate, in arrival_seq order, as events are authored
// locally or accepted from a peer. Returns a subscription id usable with
// Unsubscribe.
func (d *Device) Subscribe(predicate Predicate, callback func(QueryResult)) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.subscriptions) >= MaxSubscribers {
		return "", errs.ErrTooManySubscribers
	}
	id := uuid.NewString()
	d.subscriptions = append(d.subscriptions, subscription{id: id, predicate: predicate, callback: callback})
	return id, nil
}

// Unsubscribe removes a subscription registered by Subscribe.
func (d *Device) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.subscriptions {
		if s.id == id {
			d.subscriptions = append(d.subscriptions[:i], d.subscriptions[i+1:]...)
			return
		}
	}
}

// dispatch fires every subscription whose predicate matches the event
// just inserted. Called with no locks held by the caller's insert path;
// it acquires d.mu only to snapshot the subscriber list.
func (d *Device) dispatch(eventID [32]byte, author string, plaintext model.Plaintext) {
	row, err := d.store.Get(eventID)
	if err != nil || row == nil {
		return
	}
	qr := QueryResult{Row: *row, Plaintext: plaintext, Author: author}

	d.mu.Lock()
	subs := make([]subscription, len(d.subscriptions))
	copy(subs, d.subscriptions)
	d.mu.Unlock()

	for _, s := range subs {
		if s.predicate == nil || s.predicate(qr) {
			s.callback(qr)
		}
	}
}

// SetOnline flips the facade's network state.
func (d *Device) SetOnline(online bool) {
	d.engine.SetOnline(online)
}

// Step advances this device's Sync Engine by one scheduled tick. The
// Simulation Core (or a live ticker) calls this at the configured sync
// interval.
func (d *Device) Step(now int64) {
	d.engine.Step(now)
}

// InsertFromPeer implements syncengine.Inserter: codec.Open must verify
// the envelope's signature against the resolved public key before the
// row ever reaches the store, since an accepted-but-unverifiable event
// would both persist locally and get re-gossiped to other peers via the
// local Bloom summary. The author used for trust and storage is the one
// codec.Open recovers from the signed envelope, not the unauthenticated
// wire-level author argument.
func (d *Device) InsertFromPeer(eventID [32]byte, author, channel string, authoredTS, receivedTS int64, payloadCipher []byte, meta model.FileMeta) (bool, error) {
	pt, verifiedAuthor, err := codec.Open(payloadCipher, d.communityKey, d.peers.Resolve, d.now())
	if err != nil {
		return false, errs.ErrDecodeFailure
	}
	if !d.peers.IsTrusted(verifiedAuthor) {
		return false, errs.ErrUntrustedAuthor
	}
	res, err := d.store.Insert(eventID, verifiedAuthor, channel, authoredTS, receivedTS, payloadCipher, meta)
	if err != nil {
		return false, err
	}
	if res.Inserted {
		d.dispatch(eventID, verifiedAuthor, pt)
	}
	return res.Inserted, nil
}

// UploadFile chunks, encrypts, and authors data as a sequence of
// file_chunk events plus the manifest the caller attaches to a message.
func (d *Device) UploadFile(channel string, data []byte, mime string, opts fileshare.Options) (model.Manifest, error) {
	res, err := fileshare.Upload(data, mime, opts)
	if err != nil {
		return model.Manifest{}, err
	}
	for _, c := range res.Chunks {
		if _, err := d.AuthorOnChannel(channel, model.Plaintext{Kind: model.KindFileChunk, FileChunk: &c.Plaintext}); err != nil {
			return model.Manifest{}, err
		}
	}
	return res.Manifest, nil
}

// DownloadFile reassembles a file from whatever chunks this device has
// stored locally for manifest.FileID. Chunks this device does not yet
// hold arrive through the ordinary sync path (chunk events are ordinary
// events, Bloom-synced like any other) rather than a dedicated fetch
// call; callers retry DownloadFile after the next sync step if it
// returns ErrIncompleteFile.
func (d *Device) DownloadFile(manifest model.Manifest) ([]byte, error) {
	present, err := d.localChunks(manifest)
	if err != nil {
		return nil, err
	}
	return fileshare.Download(manifest, present)
}

func (d *Device) localChunks(manifest model.Manifest) ([]fileshare.StoredChunk, error) {
	rows, err := d.store.QueryFileChunks(manifest.FileID)
	if err != nil {
		return nil, err
	}
	var present []fileshare.StoredChunk
	for _, row := range rows {
		if row.ChunkNo == nil || row.IsParity == nil {
			continue
		}
		pt, _, err := codec.Open(row.PayloadCipher, d.communityKey, d.peers.Resolve, d.now())
		if err != nil || pt.FileChunk == nil {
			continue
		}
		present = append(present, fileshare.StoredChunk{
			ChunkNo:  *row.ChunkNo,
			IsParity: *row.IsParity,
			Cipher:   pt.FileChunk.CipherBytes,
		})
	}
	return present, nil
}

// ID returns this device's device-id string.
func (d *Device) ID() string { return d.id }

// NodeID returns this device's identity-derived NodeID.
func (d *Device) NodeID() string { return d.identity.NodeID }

// PublicKey returns this device's Ed25519 public key, for peers to admit
// via TrustPeer.
func (d *Device) PublicKey() ed25519.PublicKey { return d.identity.Pub }
