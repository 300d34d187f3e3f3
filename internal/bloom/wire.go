package bloom

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
)

// Signed is the on-wire Bloom summary shape:
// filter_bytes(m/8) || event_count(u32 BE) || timestamp(u64 BE) ||
// optional_signature(64).
type Signed struct {
	Filter    *Filter
	Signature []byte // nil if unsigned
}

// Sign signs (filter||count||timestamp) with authorPriv, following a
// body()-then-sign idiom applied to a binary body instead of JSON.
func Sign(f *Filter, authorPriv ed25519.PrivateKey) Signed {
	body := signedBody(f)
	return Signed{Filter: f, Signature: ed25519.Sign(authorPriv, body)}
}

// Verify checks a signed summary against authorPub.
func (s Signed) Verify(authorPub ed25519.PublicKey) bool {
	if s.Signature == nil {
		return false
	}
	return ed25519.Verify(authorPub, signedBody(s.Filter), s.Signature)
}

func signedBody(f *Filter) []byte {
	var countTS [12]byte
	binary.BigEndian.PutUint32(countTS[0:4], f.EventCount)
	binary.BigEndian.PutUint64(countTS[4:12], uint64(f.TimestampMS))
	body := make([]byte, 0, len(f.bits)+12)
	body = append(body, f.bits...)
	body = append(body, countTS[:]...)
	return body
}

// Marshal serializes a Signed summary to its wire format.
func (s Signed) Marshal() []byte {
	body := signedBody(s.Filter)
	out := make([]byte, 0, len(body)+len(s.Signature))
	out = append(out, body...)
	out = append(out, s.Signature...)
	return out
}

// Unmarshal parses the wire format, given the k used to build the
// filter (communicated out of band; every device in this system uses
// bloom.DefaultK) and whether a trailing 64-byte Ed25519 signature is
// present.
func Unmarshal(data []byte, mBytes uint32, k int, signed bool) (Signed, error) {
	want := int(mBytes) + 4 + 8
	if signed {
		want += ed25519.SignatureSize
	}
	if len(data) != want {
		return Signed{}, errors.New("bloom: wire summary has wrong length")
	}
	bits := data[:mBytes]
	count := binary.BigEndian.Uint32(data[mBytes : mBytes+4])
	ts := binary.BigEndian.Uint64(data[mBytes+4 : mBytes+12])
	f := FromBits(bits, k, count, int64(ts))
	var sig []byte
	if signed {
		sig = append([]byte{}, data[mBytes+12:]...)
	}
	return Signed{Filter: f, Signature: sig}, nil
}
