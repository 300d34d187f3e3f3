// Package codec seals and opens events: canonical serialization, Ed25519
// signing, XChaCha20-Poly1305 encryption under the community key, and
// content-addressing by hashing the resulting ciphertext.
//
// Events are signed the way a chat message is signed (sign a canonical
// body, carry the signature alongside the plaintext fields), adapted
// from AES-GCM to XChaCha20-Poly1305 to match the AEAD the rest of this
// codebase settles on.
package codec

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/hoshizora-labs/syncmesh/internal/errs"
	"github.com/hoshizora-labs/syncmesh/internal/model"
)

const nonceSize = chacha20poly1305.NonceSizeX

// canonicalEnvelope is the signed, not-yet-encrypted envelope. Its field
// order here does not matter for wire purposes; canonicalBytes below
// rebuilds a lexicographically key-ordered JSON object independent of
// Go's struct field order, for bit-exact agreement between implementations.
type canonicalEnvelope struct {
	Payload    json.RawMessage `json:"payload"`
	Author     string          `json:"author"`
	AuthoredTS int64           `json:"authored_ts"`
}

type signedEnvelope struct {
	canonicalEnvelope
	Signature []byte `json:"signature"`
}

// canonicalBytes produces the exact bytes that get signed: a JSON object
// with keys in lexicographic order ("author", "authored_ts", "payload"),
// bit-exact so independent implementations agree.
func canonicalBytes(author string, authoredTS int64, payload []byte) []byte {
	type kv struct {
		key string
		raw json.RawMessage
	}
	authorJSON, _ := json.Marshal(author)
	tsJSON, _ := json.Marshal(authoredTS)
	fields := []kv{
		{"author", authorJSON},
		{"authored_ts", tsJSON},
		{"payload", payload},
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].key < fields[j].key })

	buf := []byte{'{'}
	for i, f := range fields {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyJSON, _ := json.Marshal(f.key)
		buf = append(buf, keyJSON...)
		buf = append(buf, ':')
		buf = append(buf, f.raw...)
	}
	buf = append(buf, '}')
	return buf
}

// NonceSource produces AEAD nonces. The live/random source is used in
// normal operation; internal/simulation supplies a deterministic,
// counter-keyed source in replay mode.
type NonceSource interface {
	Nonce() ([]byte, error)
}

// RandomNonceSource draws fresh random nonces, never replayed.
type RandomNonceSource struct{}

func (RandomNonceSource) Nonce() ([]byte, error) {
	n := make([]byte, nonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, err
	}
	return n, nil
}

// Sealed is the result of sealing a plaintext event.
type Sealed struct {
	EventID       [32]byte
	PayloadCipher []byte
	Meta          model.FileMeta
}

// Seal signs plaintext with authorPriv, encrypts the signed envelope under
// communityKey, and content-addresses the result. now is the author's
// local authored_ts (a monotonic counter, not a trusted wall clock).
func Seal(plaintext model.Plaintext, authorDeviceID string, authorPriv ed25519.PrivateKey, communityKey []byte, now int64, nonces NonceSource) (Sealed, error) {
	payload, err := plaintext.MarshalCanonicalJSON()
	if err != nil {
		return Sealed{}, fmt.Errorf("marshal plaintext: %w", err)
	}
	body := canonicalBytes(authorDeviceID, now, payload)
	sig := ed25519.Sign(authorPriv, body)

	signed := signedEnvelope{
		canonicalEnvelope: canonicalEnvelope{Payload: payload, Author: authorDeviceID, AuthoredTS: now},
		Signature:         sig,
	}
	plain, err := json.Marshal(signed)
	if err != nil {
		return Sealed{}, fmt.Errorf("marshal envelope: %w", err)
	}

	aead, err := chacha20poly1305.NewX(communityKey)
	if err != nil {
		return Sealed{}, fmt.Errorf("init aead: %w", err)
	}
	nonce, err := nonces.Nonce()
	if err != nil {
		return Sealed{}, fmt.Errorf("nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, plain, nil)
	payloadCipher := make([]byte, 0, len(nonce)+len(ct))
	payloadCipher = append(payloadCipher, nonce...)
	payloadCipher = append(payloadCipher, ct...)

	eventID := sha256.Sum256(payloadCipher)

	meta := model.FileMeta{}
	if plaintext.Kind == model.KindFileChunk && plaintext.FileChunk != nil {
		meta.HasFile = true
		meta.FileID = plaintext.FileChunk.FileID
		meta.ChunkNo = plaintext.FileChunk.ChunkNo
		meta.IsParity = plaintext.FileChunk.IsParity
	}

	return Sealed{EventID: eventID, PayloadCipher: payloadCipher, Meta: meta}, nil
}

// ResolvePubKey looks up the Ed25519 public key for a claimed author
// device id. Implemented by internal/identity.PeerSet in the rest of the
// system; kept as a narrow function type here so codec has no dependency
// on identity's concurrency model.
type ResolvePubKey func(deviceID string) (ed25519.PublicKey, bool)

const oneYearMillis = 365 * 24 * int64(time.Hour/time.Millisecond)

// Open decrypts, verifies, and deserializes payloadCipher. now is the
// caller's current clock in the same units as authored_ts, used for the
// OutOfRange check.
func Open(payloadCipher []byte, communityKey []byte, resolve ResolvePubKey, now int64) (model.Plaintext, string, error) {
	if len(payloadCipher) < nonceSize {
		return model.Plaintext{}, "", errs.ErrDecodeFailure
	}
	aead, err := chacha20poly1305.NewX(communityKey)
	if err != nil {
		return model.Plaintext{}, "", errs.ErrDecodeFailure
	}
	nonce, ct := payloadCipher[:nonceSize], payloadCipher[nonceSize:]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return model.Plaintext{}, "", errs.ErrDecodeFailure
	}

	var signed signedEnvelope
	if err := json.Unmarshal(plain, &signed); err != nil {
		return model.Plaintext{}, "", errs.ErrDecodeFailure
	}

	pub, ok := resolve(signed.Author)
	if !ok {
		return model.Plaintext{}, "", errs.ErrUnknownAuthor
	}

	body := canonicalBytes(signed.Author, signed.AuthoredTS, signed.Payload)
	if !ed25519.Verify(pub, body, signed.Signature) {
		return model.Plaintext{}, "", errs.ErrDecodeFailure
	}

	if signed.AuthoredTS > now || signed.AuthoredTS < now-oneYearMillis {
		return model.Plaintext{}, signed.Author, errs.ErrOutOfRange
	}

	pt, err := model.UnmarshalCanonicalJSON(signed.Payload)
	if err != nil {
		return model.Plaintext{}, signed.Author, errs.ErrDecodeFailure
	}
	return pt, signed.Author, nil
}
