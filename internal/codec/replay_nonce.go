package codec

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ReplayNonceSource produces a deterministic nonce stream keyed by a seed
// and a monotonic counter, so that two runs of the simulator with the
// same seed produce byte-identical payload_cipher for every event. Uses
// an hkdfBytes-style expansion, the same technique used elsewhere in
// this codebase for per-chunk nonce derivation from a file key.
type ReplayNonceSource struct {
	seed    []byte
	counter uint64
}

// NewReplayNonceSource builds a nonce source from a simulation seed. Each
// call to Nonce advances an internal counter, so replaying the same
// sequence of Seal calls against a fresh ReplayNonceSource with the same
// seed reproduces the same nonces.
func NewReplayNonceSource(seed []byte) *ReplayNonceSource {
	return &ReplayNonceSource{seed: seed}
}

func (r *ReplayNonceSource) Nonce() ([]byte, error) {
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], r.counter)
	r.counter++

	hk := hkdf.New(sha256.New, r.seed, nil, append([]byte("syncmesh-replay-nonce:"), ctr[:]...))
	out := make([]byte, nonceSize)
	if _, err := io.ReadFull(hk, out); err != nil {
		return nil, err
	}
	return out, nil
}
