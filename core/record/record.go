// Package record implements the tagged-union Record type and its
// encode/decode, plus the Record codec layering Noise on top of a Framer.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Tag identifies a Record's wire variant (first byte of every decrypted
// record payload).
type Tag byte

const (
	TagKCM   Tag = 0x00
	TagPing  Tag = 0x01
	TagPong  Tag = 0x02
	TagOpen  Tag = 0x03
	TagData  Tag = 0x04
	TagClose Tag = 0x05
	TagAck   Tag = 0x06
)

// ErrUnknownTag is returned by Decode for an unrecognised tag byte. This is
// treated as a framing violation upstream, not silently dropped.
var ErrUnknownTag = errors.New("unknown record tag")

// ErrMalformed is returned by Decode when a known tag's payload is short.
var ErrMalformed = errors.New("malformed record payload")

// Record is the tagged union of every wire message the L2 connection
// exchanges. Exactly one of the typed fields is meaningful, selected by Tag.
type Record struct {
	Tag Tag

	PingID      [4]byte // Ping, Pong
	SCID        [4]byte // Open, Data, Close
	Seqnum      [4]byte // Open, Data, Close
	Data        []byte  // Data
	RespSeqnum  [4]byte // Ack
}

// KCM builds a Key Confirmation Message record (empty payload).
func KCM() Record { return Record{Tag: TagKCM} }

// Ping builds a Ping record.
func Ping(pingID [4]byte) Record { return Record{Tag: TagPing, PingID: pingID} }

// Pong builds a Pong record.
func Pong(pingID [4]byte) Record { return Record{Tag: TagPong, PingID: pingID} }

// Open builds an Open record.
func Open(scid, seqnum [4]byte) Record {
	return Record{Tag: TagOpen, SCID: scid, Seqnum: seqnum}
}

// DataRecord builds a Data record.
func DataRecord(scid, seqnum [4]byte, data []byte) Record {
	return Record{Tag: TagData, SCID: scid, Seqnum: seqnum, Data: data}
}

// Close builds a Close record.
func Close(scid, seqnum [4]byte) Record {
	return Record{Tag: TagClose, SCID: scid, Seqnum: seqnum}
}

// Ack builds an Ack record.
func Ack(respSeqnum [4]byte) Record {
	return Record{Tag: TagAck, RespSeqnum: respSeqnum}
}

// Encode serializes a Record to its plaintext wire form: tag(1) || body.
func Encode(r Record) []byte {
	switch r.Tag {
	case TagKCM:
		return []byte{byte(TagKCM)}
	case TagPing:
		out := make([]byte, 5)
		out[0] = byte(TagPing)
		copy(out[1:], r.PingID[:])
		return out
	case TagPong:
		out := make([]byte, 5)
		out[0] = byte(TagPong)
		copy(out[1:], r.PingID[:])
		return out
	case TagOpen:
		out := make([]byte, 9)
		out[0] = byte(TagOpen)
		copy(out[1:5], r.SCID[:])
		copy(out[5:9], r.Seqnum[:])
		return out
	case TagData:
		out := make([]byte, 9+len(r.Data))
		out[0] = byte(TagData)
		copy(out[1:5], r.SCID[:])
		copy(out[5:9], r.Seqnum[:])
		copy(out[9:], r.Data)
		return out
	case TagClose:
		out := make([]byte, 9)
		out[0] = byte(TagClose)
		copy(out[1:5], r.SCID[:])
		copy(out[5:9], r.Seqnum[:])
		return out
	case TagAck:
		out := make([]byte, 5)
		out[0] = byte(TagAck)
		copy(out[1:], r.RespSeqnum[:])
		return out
	default:
		panic(fmt.Sprintf("record: encode of unknown tag %#x", byte(r.Tag)))
	}
}

// Decode parses a plaintext record (the output of Noise decryption) back
// into a Record. Returns ErrUnknownTag for an unrecognised tag and
// ErrMalformed for a known tag whose payload is too short.
func Decode(plaintext []byte) (Record, error) {
	if len(plaintext) < 1 {
		return Record{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	tag := Tag(plaintext[0])
	body := plaintext[1:]

	switch tag {
	case TagKCM:
		return KCM(), nil
	case TagPing:
		if len(body) < 4 {
			return Record{}, fmt.Errorf("%w: ping", ErrMalformed)
		}
		var id [4]byte
		copy(id[:], body[:4])
		return Ping(id), nil
	case TagPong:
		if len(body) < 4 {
			return Record{}, fmt.Errorf("%w: pong", ErrMalformed)
		}
		var id [4]byte
		copy(id[:], body[:4])
		return Pong(id), nil
	case TagOpen:
		if len(body) < 8 {
			return Record{}, fmt.Errorf("%w: open", ErrMalformed)
		}
		var scid, seqnum [4]byte
		copy(scid[:], body[0:4])
		copy(seqnum[:], body[4:8])
		return Open(scid, seqnum), nil
	case TagData:
		if len(body) < 8 {
			return Record{}, fmt.Errorf("%w: data", ErrMalformed)
		}
		var scid, seqnum [4]byte
		copy(scid[:], body[0:4])
		copy(seqnum[:], body[4:8])
		data := append([]byte(nil), body[8:]...)
		return DataRecord(scid, seqnum, data), nil
	case TagClose:
		if len(body) < 8 {
			return Record{}, fmt.Errorf("%w: close", ErrMalformed)
		}
		var scid, seqnum [4]byte
		copy(scid[:], body[0:4])
		copy(seqnum[:], body[4:8])
		return Close(scid, seqnum), nil
	case TagAck:
		if len(body) < 4 {
			return Record{}, fmt.Errorf("%w: ack", ErrMalformed)
		}
		var resp [4]byte
		copy(resp[:], body[:4])
		return Ack(resp), nil
	default:
		return Record{}, fmt.Errorf("%w: %#x", ErrUnknownTag, byte(tag))
	}
}

// BE32 is a small helper for building the 4-byte big-endian fields (scid,
// seqnum, ping_id, resp_seqnum) from a uint32, matching the wire layout.
func BE32(v uint32) [4]byte {
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], v)
	return out
}
