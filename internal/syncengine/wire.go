package syncengine

import (
	"encoding/binary"
	"fmt"

	"github.com/hoshizora-labs/syncmesh/internal/model"
)

// EventRecord is the wire shape of one full event carried inside an
// EVENT or FILE_CHUNK packet body.
type EventRecord struct {
	EventID       [32]byte
	Author        string
	Channel       string
	AuthoredTS    int64
	ReceivedTS    int64
	PayloadCipher []byte
	Meta          model.FileMeta
}

// marshalSolicit encodes a SOLICIT body: count(u32 BE) || ids(32 bytes
// each). The outer packet framing is the only contract with peers; this
// body shape is this implementation's own choice.
func marshalSolicit(ids [][32]byte) []byte {
	out := make([]byte, 4, 4+32*len(ids))
	binary.BigEndian.PutUint32(out, uint32(len(ids)))
	for _, id := range ids {
		out = append(out, id[:]...)
	}
	return out
}

func unmarshalSolicit(data []byte) ([][32]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("syncengine: solicit body too short")
	}
	count := binary.BigEndian.Uint32(data[:4])
	want := 4 + int(count)*32
	if len(data) != want {
		return nil, fmt.Errorf("syncengine: solicit body length mismatch")
	}
	ids := make([][32]byte, count)
	for i := range ids {
		copy(ids[i][:], data[4+i*32:4+(i+1)*32])
	}
	return ids, nil
}

// marshalEventBatch encodes a batch of EventRecords into an EVENT or
// FILE_CHUNK packet body:
//
//	count(u16 BE) || repeated {
//	  event_id(32)
//	  author_len(1) || author
//	  channel_len(1) || channel
//	  authored_ts(8 BE) || received_ts(8 BE)
//	  has_file(1) || [file_id(32) || chunk_no(4 BE) || is_parity(1) || prf_tag(16)]
//	  payload_len(4 BE) || payload_cipher
//	}
func marshalEventBatch(records []EventRecord) ([]byte, error) {
	if len(records) > 0xFFFF {
		return nil, fmt.Errorf("syncengine: event batch too large")
	}
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, uint16(len(records)))
	for _, r := range records {
		if len(r.Author) > 0xFF || len(r.Channel) > 0xFF {
			return nil, fmt.Errorf("syncengine: author/channel too long to frame")
		}
		out = append(out, r.EventID[:]...)
		out = append(out, byte(len(r.Author)))
		out = append(out, r.Author...)
		out = append(out, byte(len(r.Channel)))
		out = append(out, r.Channel...)
		var ts [16]byte
		binary.BigEndian.PutUint64(ts[0:8], uint64(r.AuthoredTS))
		binary.BigEndian.PutUint64(ts[8:16], uint64(r.ReceivedTS))
		out = append(out, ts[:]...)
		if r.Meta.HasFile {
			out = append(out, 1)
			out = append(out, r.Meta.FileID[:]...)
			var cn [4]byte
			binary.BigEndian.PutUint32(cn[:], r.Meta.ChunkNo)
			out = append(out, cn[:]...)
			if r.Meta.IsParity {
				out = append(out, 1)
			} else {
				out = append(out, 0)
			}
			out = append(out, r.Meta.PRFTag[:]...)
		} else {
			out = append(out, 0)
		}
		var pl [4]byte
		binary.BigEndian.PutUint32(pl[:], uint32(len(r.PayloadCipher)))
		out = append(out, pl[:]...)
		out = append(out, r.PayloadCipher...)
	}
	return out, nil
}

func unmarshalEventBatch(data []byte) ([]EventRecord, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("syncengine: event batch too short")
	}
	count := binary.BigEndian.Uint16(data[:2])
	pos := 2
	records := make([]EventRecord, 0, count)
	for i := 0; i < int(count); i++ {
		var r EventRecord
		if pos+32 > len(data) {
			return nil, fmt.Errorf("syncengine: truncated event record")
		}
		copy(r.EventID[:], data[pos:pos+32])
		pos += 32

		if pos+1 > len(data) {
			return nil, fmt.Errorf("syncengine: truncated author length")
		}
		authorLen := int(data[pos])
		pos++
		if pos+authorLen > len(data) {
			return nil, fmt.Errorf("syncengine: truncated author")
		}
		r.Author = string(data[pos : pos+authorLen])
		pos += authorLen

		if pos+1 > len(data) {
			return nil, fmt.Errorf("syncengine: truncated channel length")
		}
		channelLen := int(data[pos])
		pos++
		if pos+channelLen > len(data) {
			return nil, fmt.Errorf("syncengine: truncated channel")
		}
		r.Channel = string(data[pos : pos+channelLen])
		pos += channelLen

		if pos+16 > len(data) {
			return nil, fmt.Errorf("syncengine: truncated timestamps")
		}
		r.AuthoredTS = int64(binary.BigEndian.Uint64(data[pos : pos+8]))
		r.ReceivedTS = int64(binary.BigEndian.Uint64(data[pos+8 : pos+16]))
		pos += 16

		if pos+1 > len(data) {
			return nil, fmt.Errorf("syncengine: truncated meta flag")
		}
		hasFile := data[pos]
		pos++
		if hasFile == 1 {
			if pos+32+4+1+16 > len(data) {
				return nil, fmt.Errorf("syncengine: truncated file meta")
			}
			r.Meta.HasFile = true
			copy(r.Meta.FileID[:], data[pos:pos+32])
			pos += 32
			r.Meta.ChunkNo = binary.BigEndian.Uint32(data[pos : pos+4])
			pos += 4
			r.Meta.IsParity = data[pos] == 1
			pos++
			copy(r.Meta.PRFTag[:], data[pos:pos+16])
			pos += 16
		}

		if pos+4 > len(data) {
			return nil, fmt.Errorf("syncengine: truncated payload length")
		}
		payloadLen := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		pos += 4
		if pos+payloadLen > len(data) {
			return nil, fmt.Errorf("syncengine: truncated payload")
		}
		r.PayloadCipher = append([]byte{}, data[pos:pos+payloadLen]...)
		pos += payloadLen

		records = append(records, r)
	}
	return records, nil
}
