// Package model holds the plain data types shared across the sync
// substrate: the tagged-union plaintext payload variants, the stored Event
// row shape, and the file manifest. None of these types carry behavior
// beyond constructors and canonical serialization helpers; signing,
// encryption, and storage live in internal/codec and internal/store.
package model

import (
	"bytes"
	"encoding/json"
)

// PayloadKind discriminates the tagged union carried inside every sealed
// event envelope.
type PayloadKind string

const (
	KindMessage      PayloadKind = "message"
	KindReaction     PayloadKind = "reaction"
	KindFileChunk    PayloadKind = "file_chunk"
	KindDeviceStatus PayloadKind = "device_status"
)

// Attachment references a file uploaded alongside a message.
type Attachment struct {
	FileID     [32]byte `json:"file_id"`
	FileKey    [32]byte `json:"file_key"`
	ChunkCount uint32   `json:"chunk_count"`
	MIME       string   `json:"mime"`
}

// Message is the plaintext payload for an authored chat message.
type Message struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Reaction is itself an event: a reaction or its removal against a target
// event_id.
type Reaction struct {
	TargetEventID [32]byte `json:"target_event_id"`
	Emoji         string   `json:"emoji"`
	Remove        bool     `json:"remove"`
}

// FileChunk is the plaintext payload for one chunk (data or parity) of a
// file. CipherBytes is the chunk's own per-file-key ciphertext: nested
// encryption, since the outer envelope AEAD covers this blob as opaque
// bytes.
type FileChunk struct {
	FileID      [32]byte `json:"file_id"`
	ChunkNo     uint32   `json:"chunk_no"`
	IsParity    bool     `json:"is_parity"`
	CipherBytes []byte   `json:"cipher_bytes"`
}

// DeviceStatus is an optional simulation-layer payload announcing
// online/offline transitions.
type DeviceStatus struct {
	Online bool `json:"online"`
}

// Plaintext is the decoded form of a sealed event: exactly one of the
// typed fields below is non-nil, selected by Kind.
type Plaintext struct {
	Kind         PayloadKind
	Message      *Message
	Reaction     *Reaction
	FileChunk    *FileChunk
	DeviceStatus *DeviceStatus
}

// envelope is the wire/JSON shape of Plaintext's tagged union, used only
// for canonical marshaling.
type envelope struct {
	Type         PayloadKind   `json:"type"`
	Message      *Message      `json:"message,omitempty"`
	Reaction     *Reaction     `json:"reaction,omitempty"`
	FileChunk    *FileChunk    `json:"file_chunk,omitempty"`
	DeviceStatus *DeviceStatus `json:"device_status,omitempty"`
}

// MarshalCanonicalJSON serializes the plaintext as canonical JSON: UTF-8,
// object keys in lexicographic order, so independent implementations
// agree on the bytes that get signed. encoding/json emits struct fields in
// declaration order but map keys in sorted order, so the struct encoding
// is decoded into a generic value and encoded again, which sorts the keys
// at every nesting level without a custom encoder.
func (p Plaintext) MarshalCanonicalJSON() ([]byte, error) {
	env := envelope{Type: p.Kind}
	switch p.Kind {
	case KindMessage:
		env.Message = p.Message
	case KindReaction:
		env.Reaction = p.Reaction
	case KindFileChunk:
		env.FileChunk = p.FileChunk
	case KindDeviceStatus:
		env.DeviceStatus = p.DeviceStatus
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// UnmarshalCanonicalJSON is the inverse of MarshalCanonicalJSON.
func UnmarshalCanonicalJSON(data []byte) (Plaintext, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Plaintext{}, err
	}
	return Plaintext{
		Kind:         env.Type,
		Message:      env.Message,
		Reaction:     env.Reaction,
		FileChunk:    env.FileChunk,
		DeviceStatus: env.DeviceStatus,
	}, nil
}

// FileMeta extracts the file-layer secondary-index fields needed for
// chunk discovery from a plaintext, when present.
type FileMeta struct {
	FileID   [32]byte
	ChunkNo  uint32
	IsParity bool
	PRFTag   [16]byte
	HasFile  bool
}
