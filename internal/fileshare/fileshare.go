// Package fileshare implements file chunking, per-chunk encryption, XOR
// parity groups, PRF-tagged chunk discovery, and whole-file reassembly.
// Chunks become ordinary file_chunk events once sealed; fileshare itself
// never touches internal/store directly; callers own that wiring
// (internal/device).
//
// Per-chunk AEAD uses HKDF-derived nonces and a SHA-256 integrity check
// over the assembled plaintext, generalized from "broadcast over libp2p
// streams" into "each chunk becomes a stored, Bloom-synced event".
package fileshare

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/hoshizora-labs/syncmesh/internal/model"
)

// DefaultChunkSize is the reference plaintext chunk size.
const DefaultChunkSize = 500

// DefaultParityGroupSize keeps g + g/2 <= 128.
const DefaultParityGroupSize = 8

// Options controls optional behavior of Upload.
type Options struct {
	ChunkSize       int
	ErasureCoding   bool
	ParityGroupSize int
	Compress        bool
}

// DefaultOptions returns the reference defaults: erasure coding off.
func DefaultOptions() Options {
	return Options{ChunkSize: DefaultChunkSize, ErasureCoding: false, ParityGroupSize: DefaultParityGroupSize}
}

// Chunk is one sealed-but-not-yet-encoded-as-an-event chunk: its plaintext
// model form plus the bookkeeping Upload needs to emit it.
type Chunk struct {
	Plaintext model.FileChunk
	PRFTag    [16]byte
}

// UploadResult bundles the manifest and the ordered chunk plaintexts ready
// for the caller to seal as file_chunk events.
type UploadResult struct {
	Manifest model.Manifest
	Chunks   []Chunk
}

func prfTag(fileKey [32]byte, chunkNo uint32, isParity bool) [16]byte {
	mac := hmac.New(sha256.New, fileKey[:])
	mac.Write([]byte("tag"))
	var cn [4]byte
	binary.BigEndian.PutUint32(cn[:], chunkNo)
	mac.Write(cn[:])
	if isParity {
		mac.Write([]byte{1})
	} else {
		mac.Write([]byte{0})
	}
	sum := mac.Sum(nil)
	var out [16]byte
	copy(out[:], sum[:16])
	return out
}

func chunkNonce(fileKey [32]byte, chunkNo uint32, isParity bool) ([]byte, error) {
	info := fmt.Sprintf("chunk-nonce-%d-%v", chunkNo, isParity)
	hk := hkdf.New(sha256.New, fileKey[:], nil, []byte(info))
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(hk, nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

func sealChunk(fileKey [32]byte, chunkNo uint32, isParity bool, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(fileKey[:])
	if err != nil {
		return nil, err
	}
	nonce, err := chunkNonce(fileKey, chunkNo, isParity)
	if err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(nonce)+len(ct))
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

func openChunk(fileKey [32]byte, cipherBytes []byte) ([]byte, error) {
	if len(cipherBytes) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("fileshare: chunk ciphertext too short")
	}
	aead, err := chacha20poly1305.NewX(fileKey[:])
	if err != nil {
		return nil, err
	}
	nonce, ct := cipherBytes[:chacha20poly1305.NonceSizeX], cipherBytes[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, nil)
}

// Upload slices data into fixed-size chunks, optionally erasure-codes them
// with XOR parity groups, encrypts each chunk under a fresh per-file key,
// and returns a manifest plus the ordered chunk plaintexts ready for
// sealing.
func Upload(data []byte, mime string, opts Options) (UploadResult, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ParityGroupSize <= 0 {
		opts.ParityGroupSize = DefaultParityGroupSize
	}

	original := data
	compressed := false
	if opts.Compress {
		out, err := compressBytes(data)
		if err == nil && len(out) < len(data) {
			data = out
			compressed = true
		}
	}

	var fileID, fileKey [32]byte
	if _, err := rand.Read(fileID[:]); err != nil {
		return UploadResult{}, err
	}
	if _, err := rand.Read(fileKey[:]); err != nil {
		return UploadResult{}, err
	}

	n := (len(data) + opts.ChunkSize - 1) / opts.ChunkSize
	if n == 0 {
		n = 1
	}
	dataChunks := make([][]byte, n)
	for i := 0; i < n; i++ {
		start := i * opts.ChunkSize
		end := start + opts.ChunkSize
		if end > len(data) {
			end = len(data)
		}
		buf := make([]byte, opts.ChunkSize)
		copy(buf, data[start:end])
		dataChunks[i] = buf
	}

	var parityChunks [][]byte
	groupSize := opts.ParityGroupSize
	if opts.ErasureCoding {
		for start := 0; start < len(dataChunks); start += groupSize {
			end := start + groupSize
			if end > len(dataChunks) {
				end = len(dataChunks)
			}
			group := dataChunks[start:end]
			parityCount := len(group) / 2
			for p := 0; p < parityCount; p++ {
				parity := make([]byte, opts.ChunkSize)
				for gi, c := range group {
					if gi%parityCount != p {
						continue
					}
					xorInto(parity, c)
				}
				parityChunks = append(parityChunks, parity)
			}
		}
	}

	contentHash := sha256.Sum256(original)
	manifest := model.Manifest{
		FileID:          fileID,
		FileKey:         fileKey,
		MIME:            mime,
		ChunkCount:      uint32(len(dataChunks)),
		DataChunks:      uint32(len(dataChunks)),
		ParityChunks:    uint32(len(parityChunks)),
		ParityGroupSize: uint32(groupSize),
		ByteLength:      uint64(len(data)),
		ContentHash:     contentHash,
		Compressed:      compressed,
	}
	if compressed {
		manifest.UncompressedSize = uint64(len(original))
	}

	chunks := make([]Chunk, 0, len(dataChunks)+len(parityChunks))
	for i, c := range dataChunks {
		cipherBytes, err := sealChunk(fileKey, uint32(i), false, c)
		if err != nil {
			return UploadResult{}, err
		}
		chunks = append(chunks, Chunk{
			Plaintext: model.FileChunk{FileID: fileID, ChunkNo: uint32(i), IsParity: false, CipherBytes: cipherBytes},
			PRFTag:    prfTag(fileKey, uint32(i), false),
		})
	}
	for i, c := range parityChunks {
		cn := uint32(len(dataChunks) + i)
		cipherBytes, err := sealChunk(fileKey, cn, true, c)
		if err != nil {
			return UploadResult{}, err
		}
		chunks = append(chunks, Chunk{
			Plaintext: model.FileChunk{FileID: fileID, ChunkNo: cn, IsParity: true, CipherBytes: cipherBytes},
			PRFTag:    prfTag(fileKey, cn, true),
		})
	}

	return UploadResult{Manifest: manifest, Chunks: chunks}, nil
}

func xorInto(dst, src []byte) {
	for i := range dst {
		if i < len(src) {
			dst[i] ^= src[i]
		}
	}
}

// StoredChunk is the minimal view of a stored event Download needs: its
// file_chunk plaintext, already decrypted from the outer event envelope by
// the caller (internal/device composes codec.Open + fileshare.Download).
type StoredChunk struct {
	ChunkNo  uint32
	IsParity bool
	Cipher   []byte
}

// ErrIncompleteFile indicates more than one data chunk is missing from a
// parity group, which XOR parity cannot recover.
var ErrIncompleteFile = errors.New("fileshare: cannot reassemble, missing data chunks exceed parity recovery capacity")

// ErrIntegrityMismatch indicates the assembled plaintext's hash does not
// match the manifest's content_hash.
var ErrIntegrityMismatch = errors.New("fileshare: assembled content hash mismatch")

// Download reassembles a file from the chunks present locally, recovering
// up to one missing data chunk per parity group via XOR, trims to
// byte_length, and verifies content_hash.
func Download(manifest model.Manifest, present []StoredChunk) ([]byte, error) {
	dataByChunk := make(map[uint32][]byte)
	parityByChunk := make(map[uint32][]byte)
	for _, c := range present {
		plain, err := openChunk(manifest.FileKey, c.Cipher)
		if err != nil {
			continue // undecryptable chunk treated as absent
		}
		if c.IsParity {
			parityByChunk[c.ChunkNo] = plain
		} else {
			dataByChunk[c.ChunkNo] = plain
		}
	}

	groupSize := int(manifest.ParityGroupSize)
	if groupSize <= 0 {
		groupSize = DefaultParityGroupSize
	}
	n := int(manifest.DataChunks)

	out := make([]byte, 0, n*int(manifest.ByteLength+1))
	parityIdx := n
	for start := 0; start < n; start += groupSize {
		end := start + groupSize
		if end > n {
			end = n
		}
		group := make([][]byte, end-start)
		missing := -1
		missingCount := 0
		for i := start; i < end; i++ {
			if c, ok := dataByChunk[uint32(i)]; ok {
				group[i-start] = c
			} else {
				missing = i - start
				missingCount++
			}
		}

		if missingCount > 1 {
			return nil, ErrIncompleteFile
		}
		if missingCount == 1 {
			parityCount := len(group) / 2
			if parityCount == 0 {
				return nil, ErrIncompleteFile
			}
			recovered := false
			for p := 0; p < parityCount; p++ {
				if parity, ok := parityByChunk[uint32(parityIdx+p)]; ok && missing%parityCount == p {
					chunkSize := len(parity)
					xorGroup := make([]byte, chunkSize)
					copy(xorGroup, parity)
					for gi, c := range group {
						if gi == missing || gi%parityCount != p {
							continue
						}
						xorInto(xorGroup, c)
					}
					group[missing] = xorGroup
					recovered = true
					break
				}
			}
			if !recovered {
				return nil, ErrIncompleteFile
			}
		}
		for _, c := range group {
			out = append(out, c...)
		}
		parityIdx += len(group) / 2
	}

	if uint64(len(out)) > manifest.ByteLength {
		out = out[:manifest.ByteLength]
	}

	if manifest.Compressed {
		decompressed, err := decompressBytes(out)
		if err != nil {
			return nil, fmt.Errorf("fileshare: decompress: %w", err)
		}
		out = decompressed
		if uint64(len(out)) > manifest.UncompressedSize {
			out = out[:manifest.UncompressedSize]
		}
	}

	gotHash := sha256.Sum256(out)
	if !bytes.Equal(gotHash[:], manifest.ContentHash[:]) {
		return nil, ErrIntegrityMismatch
	}
	return out, nil
}
