package identity

import (
	"crypto/ed25519"
	"sync"
)

// PeerSet tracks known and trusted public keys for a device: a device
// maintains known peers (keys seen) and a subset trusted peers (keys
// explicitly admitted).
type PeerSet struct {
	mu      sync.RWMutex
	known   map[string]ed25519.PublicKey
	trusted map[string]bool
}

// NewPeerSet returns an empty PeerSet.
func NewPeerSet() *PeerSet {
	return &PeerSet{
		known:   make(map[string]ed25519.PublicKey),
		trusted: make(map[string]bool),
	}
}

// Observe records a public key as known, without admitting trust.
func (p *PeerSet) Observe(deviceID string, pub ed25519.PublicKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.known[deviceID] = pub
}

// Admit marks deviceID as trusted. The key must already be known (or is
// recorded now) so later lookups can resolve it.
func (p *PeerSet) Admit(deviceID string, pub ed25519.PublicKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.known[deviceID] = pub
	p.trusted[deviceID] = true
}

// Revoke removes deviceID from the trusted set; it remains known.
func (p *PeerSet) Revoke(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.trusted, deviceID)
}

// IsTrusted reports whether deviceID has been admitted.
func (p *PeerSet) IsTrusted(deviceID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.trusted[deviceID]
}

// Resolve returns the known public key for deviceID, if any.
func (p *PeerSet) Resolve(deviceID string) (ed25519.PublicKey, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pub, ok := p.known[deviceID]
	return pub, ok
}

// TrustedPeers returns a snapshot of all trusted device ids.
func (p *PeerSet) TrustedPeers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.trusted))
	for id := range p.trusted {
		out = append(out, id)
	}
	return out
}
