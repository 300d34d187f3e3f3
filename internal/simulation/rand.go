package simulation

import "math/rand"

// Rand is the deterministic PRNG every randomness draw in the core must
// route through, excluding AEAD nonces which use their own source
// (internal/codec.ReplayNonceSource in replay mode). Never backed by
// math/rand's global functions, only by a seeded *rand.Rand held here.
type Rand struct {
	r *rand.Rand
}

// NewRand seeds a fresh deterministic source. Identical seed plus
// identical call sequence yields identical draws across runs.
func NewRand(seed int64) *Rand {
	return &Rand{r: rand.New(rand.NewSource(seed))}
}

// Float64 returns a uniform draw in [0, 1). Satisfies
// internal/network.RandSource.
func (r *Rand) Float64() float64 { return r.r.Float64() }

// ExpFloat64 returns a rate-1 exponential draw; callers scale by the
// desired mean.
func (r *Rand) ExpFloat64() float64 { return r.r.ExpFloat64() }
