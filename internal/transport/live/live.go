// Package live implements network.Transport over a real libp2p host, for
// running one syncmesh device as an actual OS process instead of inside
// the Simulation Core.
//
// The host is built with libp2p.New against explicit listen addrs, mDNS
// discovery, and a single registered stream handler. libp2p's own Noise
// security secures the stream itself; on top of that, every frame body
// is sealed again under a per-link session key from an ephemeral X25519
// ECDH handshake narrowed to a single hop, so a sync packet is never
// legible to anything that only terminates the libp2p transport layer.
package live

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	p2pnetwork "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/hoshizora-labs/syncmesh/internal/network"
)

const protoSync = "/syncmesh/sync/1.0.0"

// Network is a network.Transport backed by one libp2p host. deviceID
// strings are mapped to libp2p peer.IDs via AddPeerAddr; devices not yet
// mapped are treated as unreachable (Send returns an error, never
// panics).
type Network struct {
	h      host.Host
	log    *zap.Logger
	mtu    int
	stats  statCounters
	online sync.Map // deviceID -> bool

	staticPriv [32]byte
	staticPub  [32]byte

	mu             sync.RWMutex
	addrBook       map[string]peer.ID  // deviceID -> libp2p peer id
	reverse        map[peer.ID]string  // libp2p peer id -> deviceID
	peerStaticPubs map[string][32]byte // deviceID -> X25519 static public key
	onDeliver      map[string]network.DeliverFunc
}

type statCounters struct {
	sent, delivered, dropped prometheus.Counter
}

// Config controls the embedded libp2p host.
type Config struct {
	ListenPort int
	MdnsTag    string
	MTUBytes   int
}

// DefaultConfig mirrors the reference MTU of 1200 bytes (fits inside a
// single UDP datagram without fragmentation).
func DefaultConfig() Config {
	return Config{MdnsTag: "syncmesh-mdns", MTUBytes: 1200}
}

type mdnsNotifee struct {
	h   host.Host
	log *zap.Logger
}

func (m *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if err := m.h.Connect(context.Background(), info); err != nil {
		m.log.Debug("live: mdns connect failed", zap.String("peer", info.ID.String()), zap.Error(err))
	}
}

// LibP2PKey adapts a device's Ed25519 identity key into the libp2p
// crypto.PrivKey New expects.
func LibP2PKey(priv ed25519.PrivateKey) (crypto.PrivKey, error) {
	libPriv, _, err := crypto.KeyPairFromStdKey(&priv)
	if err != nil {
		return nil, fmt.Errorf("live: adapt identity key: %w", err)
	}
	return libPriv, nil
}

// New starts a libp2p host listening on cfg.ListenPort (0 = random) with
// mDNS discovery enabled, and registers the sync stream handler.
func New(ctx context.Context, priv crypto.PrivKey, cfg Config, log *zap.Logger, reg prometheus.Registerer) (*Network, error) {
	if log == nil {
		log = zap.NewNop()
	}
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.DefaultSecurity,
		libp2p.DefaultMuxers,
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort),
			fmt.Sprintf("/ip6/::/tcp/%d", cfg.ListenPort),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("live: libp2p.New: %w", err)
	}

	var staticPriv [32]byte
	if _, err := rand.Read(staticPriv[:]); err != nil {
		return nil, fmt.Errorf("live: generate static session key: %w", err)
	}
	staticPubBytes, err := curve25519.X25519(staticPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("live: derive static session key: %w", err)
	}
	var staticPub [32]byte
	copy(staticPub[:], staticPubBytes)

	n := &Network{
		h:              h,
		log:            log,
		mtu:            cfg.MTUBytes,
		staticPriv:     staticPriv,
		staticPub:      staticPub,
		addrBook:       make(map[string]peer.ID),
		reverse:        make(map[peer.ID]string),
		peerStaticPubs: make(map[string][32]byte),
		onDeliver:      make(map[string]network.DeliverFunc),
		stats: statCounters{
			sent:      prometheus.NewCounter(prometheus.CounterOpts{Name: "syncmesh_live_packets_sent_total"}),
			delivered: prometheus.NewCounter(prometheus.CounterOpts{Name: "syncmesh_live_packets_delivered_total"}),
			dropped:   prometheus.NewCounter(prometheus.CounterOpts{Name: "syncmesh_live_packets_dropped_total"}),
		},
	}
	if reg != nil {
		reg.MustRegister(n.stats.sent, n.stats.delivered, n.stats.dropped)
	}

	h.SetStreamHandler(protoSync, n.handleStream)

	_ = mdns.NewMdnsService(h, cfg.MdnsTag, &mdnsNotifee{h: h, log: log})
	return n, nil
}

// AddPeerAddr teaches the transport which libp2p peer backs a deviceID,
// and dials it. peerStaticPub is that device's X25519 static public key
// (from its own StaticPublicKey), used to derive the per-link session
// key for every frame sent to it. Call this once trust is established
// out of band, the same way the community's shared symmetric key is
// distributed.
func (n *Network) AddPeerAddr(ctx context.Context, deviceID string, info peer.AddrInfo, peerStaticPub [32]byte) error {
	if err := n.h.Connect(ctx, info); err != nil {
		return fmt.Errorf("live: connect %s: %w", deviceID, err)
	}
	n.mu.Lock()
	n.addrBook[deviceID] = info.ID
	n.reverse[info.ID] = deviceID
	n.peerStaticPubs[deviceID] = peerStaticPub
	n.mu.Unlock()
	return nil
}

// StaticPublicKey returns this host's X25519 static public key, shared
// out of band with peers so they can call AddPeerAddr with it.
func (n *Network) StaticPublicKey() [32]byte { return n.staticPub }

// Host exposes the underlying libp2p host, e.g. for printing its
// multiaddrs at startup.
func (n *Network) Host() host.Host { return n.h }

func (n *Network) deviceIDOf(pid peer.ID) string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.reverse[pid]
}

func (n *Network) peerOf(deviceID string) (peer.ID, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	pid, ok := n.addrBook[deviceID]
	return pid, ok
}

func (n *Network) peerStaticPub(deviceID string) ([32]byte, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	pub, ok := n.peerStaticPubs[deviceID]
	return pub, ok
}

func (n *Network) isOnline(deviceID string) bool {
	v, ok := n.online.Load(deviceID)
	return !ok || v.(bool) // default online, matching SimNetwork's SetOnline default
}

// SetOnline implements network.Transport.
func (n *Network) SetOnline(deviceID string, online bool) {
	n.online.Store(deviceID, online)
}

// Send implements network.Transport by opening a new stream to target
// and writing one frame: kind_byte(1) || source_len(1) || source ||
// target_len(1) || target || body_len(4 BE) || body, where body is
// payload sealed under the source-target session key.
func (n *Network) Send(ctx context.Context, source, target string, kind network.PacketKind, payload []byte) error {
	peerStaticPub, ok := n.peerStaticPub(target)
	if !ok {
		return fmt.Errorf("live: no session key for peer %q", target)
	}
	body, err := sealSession(peerStaticPub, payload)
	if err != nil {
		return fmt.Errorf("live: seal session frame: %w", err)
	}
	frame, err := encodeFrame(source, target, kind, body)
	if err != nil {
		return err
	}
	if len(frame) > n.mtu {
		return &network.ErrPayloadTooLarge{Size: len(frame), MTU: n.mtu}
	}
	if !n.isOnline(source) || !n.isOnline(target) {
		n.stats.dropped.Inc()
		return nil
	}
	pid, ok := n.peerOf(target)
	if !ok {
		return fmt.Errorf("live: unknown peer for device %q", target)
	}
	s, err := n.h.NewStream(ctx, pid, protoSync)
	if err != nil {
		return fmt.Errorf("live: open stream to %s: %w", target, err)
	}
	defer s.Close()
	if _, err := s.Write(frame); err != nil {
		return fmt.Errorf("live: write to %s: %w", target, err)
	}
	n.stats.sent.Inc()
	return nil
}

// Broadcast sends to every device this transport knows an address for,
// other than source, in deterministic (sorted) order.
func (n *Network) Broadcast(ctx context.Context, source string, kind network.PacketKind, payload []byte) error {
	n.mu.RLock()
	targets := make([]string, 0, len(n.addrBook))
	for id := range n.addrBook {
		if id != source {
			targets = append(targets, id)
		}
	}
	n.mu.RUnlock()
	sort.Strings(targets)

	var firstErr error
	for _, target := range targets {
		if err := n.Send(ctx, source, target, kind, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OnDeliver implements network.Transport.
func (n *Network) OnDeliver(deviceID string, fn network.DeliverFunc) {
	n.mu.Lock()
	n.onDeliver[deviceID] = fn
	n.mu.Unlock()
}

// Stats implements network.Transport but always returns a zero Stats:
// the live transport's sent/delivered/dropped counts exist only as the
// prometheus counters registered in New, and no per-link counts are kept.
func (n *Network) Stats() network.Stats {
	return network.Stats{}
}

func (n *Network) handleStream(s p2pnetwork.Stream) {
	defer s.Close()
	r := bufio.NewReader(s)
	source, target, kind, body, err := decodeFrame(r)
	if err != nil {
		n.log.Debug("live: decode frame failed", zap.Error(err))
		n.stats.dropped.Inc()
		return
	}
	payload, err := openSession(n.staticPriv, body)
	if err != nil {
		n.log.Debug("live: session decrypt failed", zap.String("source", source), zap.Error(err))
		n.stats.dropped.Inc()
		return
	}
	n.stats.delivered.Inc()

	n.mu.RLock()
	fn, ok := n.onDeliver[target]
	n.mu.RUnlock()
	if !ok {
		return
	}
	fn(network.Packet{Source: source, Target: target, Kind: kind, Payload: payload})
}

// encodeFrame builds the sync-packet frame:
// kind_byte(1) || source_len(1) || source || target_len(1) || target ||
// body_len(4 BE) || body.
func encodeFrame(source, target string, kind network.PacketKind, payload []byte) ([]byte, error) {
	if len(source) > 0xFF || len(target) > 0xFF {
		return nil, errors.New("live: device id too long to frame")
	}
	out := make([]byte, 0, 1+1+len(source)+1+len(target)+4+len(payload))
	out = append(out, byte(kind))
	out = append(out, byte(len(source)))
	out = append(out, source...)
	out = append(out, byte(len(target)))
	out = append(out, target...)
	var bl [4]byte
	binary.BigEndian.PutUint32(bl[:], uint32(len(payload)))
	out = append(out, bl[:]...)
	out = append(out, payload...)
	return out, nil
}

func decodeFrame(r io.Reader) (source, target string, kind network.PacketKind, payload []byte, err error) {
	header := make([]byte, 2)
	if _, err = io.ReadFull(r, header[:1]); err != nil {
		return
	}
	kind = network.PacketKind(header[0])

	var srcLen [1]byte
	if _, err = io.ReadFull(r, srcLen[:]); err != nil {
		return
	}
	srcBuf := make([]byte, srcLen[0])
	if _, err = io.ReadFull(r, srcBuf); err != nil {
		return
	}
	source = string(srcBuf)

	var tgtLen [1]byte
	if _, err = io.ReadFull(r, tgtLen[:]); err != nil {
		return
	}
	tgtBuf := make([]byte, tgtLen[0])
	if _, err = io.ReadFull(r, tgtBuf); err != nil {
		return
	}
	target = string(tgtBuf)

	var bl [4]byte
	if _, err = io.ReadFull(r, bl[:]); err != nil {
		return
	}
	payload = make([]byte, binary.BigEndian.Uint32(bl[:]))
	_, err = io.ReadFull(r, payload)
	return
}

// SessionKey derives a single-hop shared AEAD key from an ephemeral
// X25519 keypair and a peer's static X25519 public key: a direct
// two-party handshake (ephemeralPriv, X25519(ephemeralPriv, peerPub))
// with no relay hops. Returned key is suitable for chacha20poly1305.NewX.
func SessionKey(peerStaticPub [32]byte) (ephemeralPub [32]byte, key [32]byte, err error) {
	var ephemeralPriv [32]byte
	if _, err = rand.Read(ephemeralPriv[:]); err != nil {
		return
	}
	pub, err := curve25519.X25519(ephemeralPriv[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(ephemeralPub[:], pub)

	key, err = deriveSharedKey(ephemeralPriv, peerStaticPub)
	return
}

func deriveSharedKey(priv, pub [32]byte) (key [32]byte, err error) {
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return
	}
	key = sha256.Sum256(shared)
	return
}

const sessionNonceSize = chacha20poly1305.NonceSizeX

// sealSession encrypts plaintext under a fresh session key for
// peerStaticPub, returning ephemeralPub(32) || nonce(24) || ciphertext.
// The receiving end recovers the same key from its own static private
// key and the ephemeral public key carried alongside the ciphertext.
func sealSession(peerStaticPub [32]byte, plaintext []byte) ([]byte, error) {
	ephemeralPub, key, err := SessionKey(peerStaticPub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, sessionNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, len(ephemeralPub)+len(nonce)+len(ct))
	out = append(out, ephemeralPub[:]...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

// openSession is the inverse of sealSession, given this host's static
// private key.
func openSession(staticPriv [32]byte, body []byte) ([]byte, error) {
	if len(body) < 32+sessionNonceSize {
		return nil, errors.New("live: session frame too short")
	}
	var ephemeralPub [32]byte
	copy(ephemeralPub[:], body[:32])

	key, err := deriveSharedKey(staticPriv, ephemeralPub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	nonce := body[32 : 32+sessionNonceSize]
	ct := body[32+sessionNonceSize:]
	return aead.Open(nil, nonce, ct, nil)
}
