package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// keystoreMagic tags a keystore file on disk: MAGIC|salt|nonce|len|ct.
var keystoreMagic = []byte("SMKS1")

// kdf derives a 32-byte key from a passphrase and salt using Argon2id
// (m=64MiB, t=2, p=1).
func kdf(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 2, 64*1024, 1, 32)
}

// SaveKeystore encrypts priv under a passphrase-derived key and writes it
// to path.
func SaveKeystore(path string, passphrase []byte, priv ed25519.PrivateKey) error {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	key := kdf(passphrase, salt)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	plain, err := json.Marshal(struct {
		Seed []byte `json:"seed"`
	}{Seed: priv.Seed()})
	if err != nil {
		return err
	}
	ct := aead.Seal(nil, nonce, plain, nil)

	var lbuf [4]byte
	binary.BigEndian.PutUint32(lbuf[:], uint32(len(plain)))

	out := make([]byte, 0, len(keystoreMagic)+len(salt)+len(nonce)+4+len(ct))
	out = append(out, keystoreMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, lbuf[:]...)
	out = append(out, ct...)
	return os.WriteFile(path, out, 0o600)
}

// LoadKeystore decrypts and returns the keypair stored at path.
func LoadKeystore(path string, passphrase []byte) (Identity, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, err
	}
	min := len(keystoreMagic) + 16 + chacha20poly1305.NonceSizeX + 4
	if len(b) < min {
		return Identity{}, errors.New("syncmesh: keystore file too short")
	}
	if string(b[:len(keystoreMagic)]) != string(keystoreMagic) {
		return Identity{}, errors.New("syncmesh: bad keystore magic")
	}
	off := len(keystoreMagic)
	salt := b[off : off+16]
	off += 16
	nonce := b[off : off+chacha20poly1305.NonceSizeX]
	off += chacha20poly1305.NonceSizeX
	off += 4 // skip plaintext length, kept for forward compatibility only
	ct := b[off:]

	key := kdf(passphrase, salt)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return Identity{}, err
	}
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("syncmesh: keystore decrypt failed (wrong passphrase?): %w", err)
	}
	var tmp struct {
		Seed []byte `json:"seed"`
	}
	if err := json.Unmarshal(plain, &tmp); err != nil {
		return Identity{}, err
	}
	if len(tmp.Seed) != ed25519.SeedSize {
		return Identity{}, errors.New("syncmesh: invalid seed length in keystore")
	}
	priv := ed25519.NewKeyFromSeed(tmp.Seed)
	return Identity{NodeID: nodeIDFromPub(priv.Public().(ed25519.PublicKey)), Priv: priv, Pub: priv.Public().(ed25519.PublicKey)}, nil
}
