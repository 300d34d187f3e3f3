package model

import "time"

// Row is the logical schema of one stored event.
type Row struct {
	ArrivalSeq    uint64
	EventID       [32]byte
	Author        string
	Channel       string
	AuthoredTS    int64
	ReceivedTS    int64
	PayloadCipher []byte
	FileID        *[32]byte
	ChunkNo       *uint32
	IsParity      *bool
	PRFTag        *[16]byte
}

// Manifest is the file manifest carried inside a message attachment,
// plus a content_hash field this implementation always populates.
type Manifest struct {
	FileID           [32]byte `json:"file_id"`
	FileKey          [32]byte `json:"file_key"`
	MIME             string   `json:"mime"`
	ChunkCount       uint32   `json:"chunk_count"`
	DataChunks       uint32   `json:"data_chunks"`
	ParityChunks     uint32   `json:"parity_chunks"`
	ParityGroupSize  uint32   `json:"parity_group_size"`
	ByteLength       uint64   `json:"byte_length"`
	ContentHash      [32]byte `json:"content_hash"`
	Compressed       bool     `json:"compressed"`
	UncompressedSize uint64   `json:"uncompressed_size,omitempty"`
}

// Now returns the current time in the monotonic-milliseconds form events
// use for authored_ts/received_ts. Implementations that run under the
// simulation core pass in the virtual clock instead of calling this.
func Now() int64 { return time.Now().UnixMilli() }
