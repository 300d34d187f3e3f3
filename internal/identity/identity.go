// Package identity derives and persists a device's Ed25519 keypair and
// NodeID, and tracks the device's known/trusted peer public keys.
//
// A device identity is either an explicit random keypair (the common
// case for a simulated device) or a fingerprint-derived one (for a live
// deployment that wants the same device identity across restarts
// without a keystore file).
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/json"
	"io"
	"net"
	"os"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Identity binds an Ed25519 keypair to a short NodeID.
type Identity struct {
	NodeID string
	Priv   ed25519.PrivateKey
	Pub    ed25519.PublicKey
}

// NewRandom generates a fresh random keypair, the common path for devices
// created inside the simulator.
func NewRandom() (Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, err
	}
	return Identity{NodeID: nodeIDFromPub(pub), Priv: priv, Pub: pub}, nil
}

// DeriveFromFingerprint derives a device keypair and NodeID
// deterministically from local machine fingerprint material plus a
// community-wide salt, so the same physical device re-derives the same
// identity across restarts without needing a keystore file.
func DeriveFromFingerprint(orgSalt []byte) (Identity, error) {
	host, _ := os.Hostname()
	fp := struct {
		MACs []string `json:"macs,omitempty"`
		OS   string   `json:"os"`
		Host string   `json:"host"`
	}{MACs: allMACs(), OS: runtime.GOOS, Host: host}

	j, err := json.Marshal(fp)
	if err != nil {
		return Identity{}, err
	}
	h := sha256.Sum256(j)

	nodeHash := sha256.Sum256(append(append([]byte{}, orgSalt...), h[:]...))
	id := strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(nodeHash[:]))
	if len(id) > 52 {
		id = id[:52]
	}

	hk := hkdf.New(sha256.New, h[:], orgSalt, []byte("syncmesh-device-seed"))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hk, seed); err != nil {
		return Identity{}, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return Identity{NodeID: id, Priv: priv, Pub: priv.Public().(ed25519.PublicKey)}, nil
}

func nodeIDFromPub(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	id := strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:]))
	if len(id) > 52 {
		id = id[:52]
	}
	return id
}

func allMACs() []string {
	ifs, _ := net.Interfaces()
	var macs []string
	for _, i := range ifs {
		if i.Flags&net.FlagLoopback != 0 {
			continue
		}
		if m := i.HardwareAddr.String(); m != "" {
			macs = append(macs, strings.ToLower(m))
		}
	}
	sort.Strings(macs)
	return macs
}
